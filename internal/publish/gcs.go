package publish

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const (
	URLModePublic = "public"
	URLModeSigned = "signed"
)

// GCSBackend stores artifacts in a Google Cloud Storage bucket. In public
// mode objects are written world-readable; in signed mode they stay private
// and URL returns a V4 signed GET URL.
type GCSBackend struct {
	Client    *storage.Client
	Bucket    string
	URLMode   string
	SignedTTL time.Duration
	Now       func() time.Time
}

// NewGCSBackend uses Application Default Credentials.
func NewGCSBackend(ctx context.Context, bucket, urlMode string, signedTTL time.Duration) (*GCSBackend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSBackend{
		Client:    client,
		Bucket:    bucket,
		URLMode:   urlMode,
		SignedTTL: signedTTL,
		Now:       time.Now,
	}, nil
}

// Upload streams r into the object. A failed copy cancels the writer so no
// partial object is committed.
func (b *GCSBackend) Upload(ctx context.Context, key string, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := b.Client.Bucket(b.Bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/zip"
	if b.URLMode != URLModeSigned {
		w.PredefinedACL = "publicRead"
	}
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize object: %w", err)
	}
	return nil
}

func (b *GCSBackend) URL(_ context.Context, key string) (string, error) {
	if b.URLMode == URLModeSigned {
		return b.Client.Bucket(b.Bucket).SignedURL(key, &storage.SignedURLOptions{
			Scheme:  storage.SigningSchemeV4,
			Method:  http.MethodGet,
			Expires: b.Now().Add(b.SignedTTL),
		})
	}
	return PublicURL(b.Bucket, key), nil
}

func (b *GCSBackend) Delete(ctx context.Context, key string) error {
	return b.Client.Bucket(b.Bucket).Object(key).Delete(ctx)
}

func (b *GCSBackend) Close() error {
	return b.Client.Close()
}

// PublicURL is the anonymous download URL of a public object.
func PublicURL(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return "https://storage.googleapis.com/" + bucket + "/" + strings.Join(segments, "/")
}
