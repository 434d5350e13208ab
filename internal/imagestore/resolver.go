package imagestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/deviceapi"
)

var (
	ErrBucketMissing = errors.New("image bucket does not exist")
	ErrNotQualified  = errors.New("background url is not fully qualified")
)

// BackgroundSource looks up where the image of a map lives.
//
// *deviceapi.Store satisfies this.
type BackgroundSource interface {
	Background(ctx context.Context, view string, scope device.Scope) (deviceapi.Background, error)
}

type Presigner interface {
	PresignGet(ctx context.Context, objectKey string, expiry time.Duration) (*url.URL, error)
}

type ResolverOptions struct {
	// BaseURL qualifies relative background URLs.
	BaseURL string
	// Expiry of presigned URLs. Defaults to 15 minutes.
	Expiry time.Duration
}

type Resolver struct {
	log       zerolog.Logger
	src       BackgroundSource
	presigner Presigner
	base      *url.URL
	expiry    time.Duration
}

// NewResolver builds a resolver. presigner may be nil when every background is stored as a URL.
func NewResolver(log zerolog.Logger, src BackgroundSource, presigner Presigner, opts ResolverOptions) (*Resolver, error) {
	if opts.Expiry <= 0 {
		opts.Expiry = 15 * time.Minute
	}
	r := &Resolver{log: log, src: src, presigner: presigner, expiry: opts.Expiry}
	if strings.TrimSpace(opts.BaseURL) != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		if !u.IsAbs() {
			return nil, fmt.Errorf("base url %q: %w", opts.BaseURL, ErrNotQualified)
		}
		r.base = u
	}
	return r, nil
}

// ResolveBackground returns the fully qualified URL of the image for scope.
func (r *Resolver) ResolveBackground(ctx context.Context, view string, scope device.Scope) (string, error) {
	bg, err := r.src.Background(ctx, view, scope)
	if err != nil {
		return "", err
	}
	if bg.ObjectKey != "" && r.presigner != nil {
		u, err := r.presigner.PresignGet(ctx, bg.ObjectKey, r.expiry)
		if err != nil {
			return "", fmt.Errorf("presign %s: %w", bg.ObjectKey, err)
		}
		return u.String(), nil
	}

	raw := bg.URL
	if raw == "" {
		r.log.Debug().Str("object_key", bg.ObjectKey).Msg("no presigner configured; using object key as url")
		raw = bg.ObjectKey
	}
	return r.qualify(raw)
}

func (r *Resolver) qualify(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse background url: %w", err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if r.base == nil {
		return "", fmt.Errorf("%q: %w", raw, ErrNotQualified)
	}
	return r.base.ResolveReference(u).String(), nil
}
