// Package imagestore resolves map background images: object keys in a MinIO/S3 bucket are presigned,
// relative paths are joined to a base URL, and the result is probed for its natural size.
package imagestore

import (
	"context"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Client struct {
	mc     *minio.Client
	bucket string
}

func NewMinIO(endpoint, access, secret string, useTLS bool, bucket string) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, err
	}
	return &Client{mc: mc, bucket: bucket}, nil
}

// PresignGet returns a time-limited GET URL for an object in the bucket.
func (c *Client) PresignGet(ctx context.Context, objectKey string, expiry time.Duration) (*url.URL, error) {
	return c.mc.PresignedGetObject(ctx, c.bucket, objectKey, expiry, url.Values{})
}

// Ready reports whether the bucket exists.
func (c *Client) Ready(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return ErrBucketMissing
	}
	return nil
}
