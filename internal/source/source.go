// Package source fetches project sources into a task workspace.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/mblsha/webforge/internal/archive"
)

type Kind string

const (
	KindGit Kind = "git"
	KindZip Kind = "zip"
)

const downloadName = "source.zip"

var ErrUnsupportedSourceType = errors.New("unsupported source type")

// AcquisitionError reports a failed clone or download.
type AcquisitionError struct {
	Kind   Kind
	Source string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s source %s: %v", e.Kind, e.Source, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Classify decides the source kind from the suffix of the URL path. Query
// strings and fragments are ignored; a string that does not parse as a URL is
// matched as-is.
func Classify(raw string) (Kind, error) {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	p = strings.ToLower(p)
	switch {
	case strings.HasSuffix(p, ".git"):
		return KindGit, nil
	case strings.HasSuffix(p, ".zip"):
		return KindZip, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedSourceType, raw)
	}
}

type Cloner interface {
	Clone(ctx context.Context, repoURL, dest string) error
}

// GitCloner clones with go-git. Depth 1 fetches only the tip commit.
type GitCloner struct {
	Depth int
}

func (c GitCloner) Clone(ctx context.Context, repoURL, dest string) error {
	_, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:          repoURL,
		Depth:        c.Depth,
		SingleBranch: true,
		Tags:         git.NoTags,
		RemoteName:   "origin",
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(dest, git.GitDirName))
}

type Acquirer struct {
	HTTPClient       *http.Client
	Cloner           Cloner
	MaxDownloadBytes int64
	Limits           archive.Limits
}

func NewAcquirer(client *http.Client, maxDownload int64, limits archive.Limits) *Acquirer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Acquirer{
		HTTPClient:       client,
		Cloner:           GitCloner{Depth: 1},
		MaxDownloadBytes: maxDownload,
		Limits:           limits,
	}
}

// Acquire populates workspace with the project behind sourceURL. The
// workspace is not touched when the URL has an unsupported suffix.
func (a *Acquirer) Acquire(ctx context.Context, sourceURL, workspace string) error {
	kind, err := Classify(sourceURL)
	if err != nil {
		return err
	}
	switch kind {
	case KindGit:
		err = a.Cloner.Clone(ctx, sourceURL, workspace)
	case KindZip:
		err = a.fetchZip(ctx, sourceURL, workspace)
	}
	if err != nil {
		return &AcquisitionError{Kind: kind, Source: sourceURL, Err: err}
	}
	return nil
}

func (a *Acquirer) fetchZip(ctx context.Context, sourceURL, workspace string) error {
	zipPath := filepath.Join(workspace, downloadName)
	if err := a.download(ctx, sourceURL, zipPath); err != nil {
		_ = os.Remove(zipPath)
		return err
	}
	_, err := archive.ExtractSecure(ctx, zipPath, workspace, a.Limits)
	if rmErr := os.Remove(zipPath); rmErr != nil && err == nil {
		err = fmt.Errorf("remove downloaded archive: %w", rmErr)
	}
	return err
}

func (a *Acquirer) download(ctx context.Context, sourceURL, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", downloadName, err)
	}
	body := io.Reader(resp.Body)
	if a.MaxDownloadBytes > 0 {
		body = io.LimitReader(resp.Body, a.MaxDownloadBytes+1)
	}
	n, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("download: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", downloadName, closeErr)
	}
	if a.MaxDownloadBytes > 0 && n > a.MaxDownloadBytes {
		return fmt.Errorf("download exceeds %d bytes", a.MaxDownloadBytes)
	}
	return nil
}
