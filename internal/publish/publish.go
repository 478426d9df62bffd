// Package publish uploads packaged artifacts to object storage and returns
// the URL clients download them from.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

// Backend stores objects under keys and hands out download URLs.
type Backend interface {
	Upload(ctx context.Context, key string, r io.Reader) error
	URL(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// PublishError reports a failed upload or URL lookup.
type PublishError struct {
	Key string
	Op  string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %s: %v", e.Key, e.Op, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type Publisher struct {
	Backend Backend
	Prefix  string
}

func NewPublisher(backend Backend, prefix string) *Publisher {
	return &Publisher{Backend: backend, Prefix: prefix}
}

// Key is the object key an archive is stored under.
func (p *Publisher) Key(archivePath string) string {
	return path.Join(p.Prefix, filepath.Base(archivePath))
}

// Publish uploads the archive at archivePath and returns its URL. The local
// file is left in place.
func (p *Publisher) Publish(ctx context.Context, archivePath string) (string, error) {
	key := p.Key(archivePath)
	if p.Backend == nil {
		return "", &PublishError{Key: key, Op: "upload", Err: errors.New("no storage backend configured")}
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return "", &PublishError{Key: key, Op: "open", Err: err}
	}
	defer f.Close()

	if err := p.Backend.Upload(ctx, key, f); err != nil {
		return "", &PublishError{Key: key, Op: "upload", Err: err}
	}
	u, err := p.Backend.URL(ctx, key)
	if err != nil {
		// Nobody can be told where the object is, so do not leave it behind.
		if derr := p.Backend.Delete(ctx, key); derr != nil {
			err = errors.Join(err, fmt.Errorf("delete unreachable object: %w", derr))
		}
		return "", &PublishError{Key: key, Op: "url", Err: err}
	}
	return u, nil
}
