// Package artifact packages build output into build_<client_id>.zip in the
// shared artifact area.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/mblsha/webforge/internal/archive"
)

var (
	ErrEmptyOutputDirectory = errors.New("output directory is empty or missing")
	ErrInvalidName          = errors.New("invalid artifact name")
	ErrNotFound             = errors.New("artifact not found")
)

var nameRe = regexp.MustCompile(`^build_[A-Za-z0-9][A-Za-z0-9._-]*\.zip$`)

func Name(clientID string) string {
	return "build_" + clientID + ".zip"
}

type Packager struct {
	Dir string
}

func NewPackager(dir string) *Packager {
	return &Packager{Dir: dir}
}

// Package zips every regular file under outputDir. Entries are named
// relative to outputDir. The archive becomes visible under its final name
// only once it is complete.
func (p *Packager) Package(outputDir, clientID string) (string, error) {
	n, err := archive.CountFiles(outputDir)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrEmptyOutputDirectory, outputDir, err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmptyOutputDirectory, outputDir)
	}

	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts directory: %w", err)
	}
	dst := filepath.Join(p.Dir, Name(clientID))

	t, err := renameio.TempFile(p.Dir, dst)
	if err != nil {
		return "", fmt.Errorf("create pending artifact: %w", err)
	}
	defer t.Cleanup()

	if _, err := archive.WriteDir(outputDir, t); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := t.Chmod(0o644); err != nil {
		return "", fmt.Errorf("chmod artifact: %w", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("commit artifact: %w", err)
	}
	return dst, nil
}

// Open returns the named artifact for reading. Names are plain file names,
// never paths.
func (p *Packager) Open(name string) (*os.File, fs.FileInfo, error) {
	if !nameRe.MatchString(name) || strings.Contains(name, "..") {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	f, err := os.Open(filepath.Join(p.Dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f, fi, nil
}

// Remove deletes an artifact; a missing file is not an error.
func (p *Packager) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
