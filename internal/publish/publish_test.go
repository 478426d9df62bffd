package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_UploadsUnderPrefix(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "build_site.zip")
	require.NoError(t, os.WriteFile(archivePath, []byte("zipbytes"), 0o644))

	backend := NewMemoryBackend()
	p := NewPublisher(backend, "output/")

	u, err := p.Publish(context.Background(), archivePath)
	require.NoError(t, err)
	assert.Equal(t, "memory://localhost/output/build_site.zip", u)

	data, ok := backend.Get("output/build_site.zip")
	require.True(t, ok)
	assert.Equal(t, "zipbytes", string(data))

	_, err = os.Stat(archivePath)
	assert.NoError(t, err, "publisher must not delete the local archive")
}

func TestPublish_UploadFailureIsPublishError(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "build_site.zip")
	require.NoError(t, os.WriteFile(archivePath, []byte("zip"), 0o644))

	backend := NewMemoryBackend()
	backend.UploadErr = errors.New("permission denied")
	p := NewPublisher(backend, "output")

	_, err := p.Publish(context.Background(), archivePath)
	var pubErr *PublishError
	require.True(t, errors.As(err, &pubErr), "got %v", err)
	assert.Equal(t, "upload", pubErr.Op)
	assert.Equal(t, "output/build_site.zip", pubErr.Key)
	assert.Zero(t, backend.Len())
}

func TestPublish_URLFailureRemovesUploadedObject(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "build_site.zip")
	require.NoError(t, os.WriteFile(archivePath, []byte("zip"), 0o644))

	backend := NewMemoryBackend()
	backend.URLErr = errors.New("signing key unavailable")
	p := NewPublisher(backend, "output")

	_, err := p.Publish(context.Background(), archivePath)
	var pubErr *PublishError
	require.True(t, errors.As(err, &pubErr), "got %v", err)
	assert.Equal(t, "url", pubErr.Op)
	assert.ErrorIs(t, err, backend.URLErr)
	assert.Zero(t, backend.Len(), "object without a URL must not be left in the bucket")
}

func TestPublish_MissingArchive(t *testing.T) {
	p := NewPublisher(NewMemoryBackend(), "output")
	_, err := p.Publish(context.Background(), filepath.Join(t.TempDir(), "build_none.zip"))
	var pubErr *PublishError
	require.True(t, errors.As(err, &pubErr))
	assert.Equal(t, "open", pubErr.Op)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPublish_NoBackend(t *testing.T) {
	p := NewPublisher(nil, "output")
	_, err := p.Publish(context.Background(), "build_x.zip")
	var pubErr *PublishError
	assert.True(t, errors.As(err, &pubErr))
}

func TestPublicURL(t *testing.T) {
	assert.Equal(t,
		"https://storage.googleapis.com/webforge-artifacts/output/build_my%20site.zip",
		PublicURL("webforge-artifacts", "output/build_my site.zip"))
}

func TestMemoryBackend_Delete(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.Upload(context.Background(), "k", strings.NewReader("v")))
	require.NoError(t, b.Delete(context.Background(), "k"))
	_, err := b.URL(context.Background(), "k")
	assert.Error(t, err)
}
