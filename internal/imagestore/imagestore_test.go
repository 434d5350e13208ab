package imagestore

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sitewatch/map-go/internal/device"
	"sitewatch/map-go/internal/deviceapi"
)

type fakeSource struct {
	bg  deviceapi.Background
	err error
}

func (f fakeSource) Background(ctx context.Context, view string, scope device.Scope) (deviceapi.Background, error) {
	return f.bg, f.err
}

type fakePresigner struct {
	gotKey    string
	gotExpiry time.Duration
}

func (f *fakePresigner) PresignGet(ctx context.Context, objectKey string, expiry time.Duration) (*url.URL, error) {
	f.gotKey, f.gotExpiry = objectKey, expiry
	return url.Parse("https://images.example.test/maps/" + objectKey + "?X-Amz-Signature=abc")
}

func TestResolver_PresignsObjectKeys(t *testing.T) {
	ps := &fakePresigner{}
	r, err := NewResolver(zerolog.New(io.Discard), fakeSource{bg: deviceapi.Background{ObjectKey: "floors/1-2.png"}}, ps, ResolverOptions{})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	got, err := r.ResolveBackground(context.Background(), "indoor", device.Indoor(1, 2))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got != "https://images.example.test/maps/floors/1-2.png?X-Amz-Signature=abc" {
		t.Fatalf("unexpected url %q", got)
	}
	if ps.gotKey != "floors/1-2.png" || ps.gotExpiry != 15*time.Minute {
		t.Fatalf("unexpected presign call: %q %s", ps.gotKey, ps.gotExpiry)
	}
}

func TestResolver_QualifiesRelativeURLs(t *testing.T) {
	src := fakeSource{bg: deviceapi.Background{URL: "/static/site-1.png"}}
	r, err := NewResolver(zerolog.New(io.Discard), src, nil, ResolverOptions{BaseURL: "http://console.local:8080/app/"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	got, err := r.ResolveBackground(context.Background(), "outdoor", device.Outdoor(1))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if got != "http://console.local:8080/static/site-1.png" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestResolver_RelativeWithoutBaseFails(t *testing.T) {
	src := fakeSource{bg: deviceapi.Background{URL: "site-1.png"}}
	r, _ := NewResolver(zerolog.New(io.Discard), src, nil, ResolverOptions{})
	if _, err := r.ResolveBackground(context.Background(), "outdoor", device.Outdoor(1)); !errors.Is(err, ErrNotQualified) {
		t.Fatalf("expected ErrNotQualified, got %v", err)
	}
}

func TestResolver_SourceErrorPassesThrough(t *testing.T) {
	r, _ := NewResolver(zerolog.New(io.Discard), fakeSource{err: deviceapi.ErrBackgroundNotFound}, nil, ResolverOptions{})
	if _, err := r.ResolveBackground(context.Background(), "outdoor", device.Outdoor(1)); !errors.Is(err, deviceapi.ErrBackgroundNotFound) {
		t.Fatalf("expected ErrBackgroundNotFound, got %v", err)
	}
}

func TestNewResolver_RejectsRelativeBase(t *testing.T) {
	if _, err := NewResolver(zerolog.New(io.Discard), fakeSource{}, nil, ResolverOptions{BaseURL: "/app"}); !errors.Is(err, ErrNotQualified) {
		t.Fatalf("expected ErrNotQualified, got %v", err)
	}
}

func TestProber_ReadsImageSize(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 640, 480))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/floor.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	p := NewProber(srv.Client())
	w, h, err := p.Probe(context.Background(), srv.URL+"/floor.png")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if w != 640 || h != 480 {
		t.Fatalf("expected 640x480, got %dx%d", w, h)
	}

	if _, _, err := p.Probe(context.Background(), srv.URL+"/missing.png"); err == nil {
		t.Fatalf("expected error for missing image")
	}
}

func TestProber_RejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not an image</html>"))
	}))
	defer srv.Close()

	if _, _, err := NewProber(srv.Client()).Probe(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected decode error")
	}
}
