// Package archive reads and writes the deflate zip containers used for
// source downloads and build artifacts.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

type Limits struct {
	MaxFiles      int
	MaxTotalBytes int64
	MaxFileBytes  int64
}

// ExtractSecure unpacks zipPath into dest. Entries that would escape dest,
// symlinks and archives exceeding limits are rejected. It returns the
// slash-separated names of the regular files it wrote.
func ExtractSecure(ctx context.Context, zipPath, dest string, limits Limits) ([]string, error) {
	if limits.MaxFiles <= 0 || limits.MaxTotalBytes <= 0 || limits.MaxFileBytes <= 0 {
		return nil, errors.New("invalid extraction limits")
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create extraction dest: %w", err)
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	if len(zr.File) > limits.MaxFiles {
		return nil, fmt.Errorf("zip has too many entries: %d > %d", len(zr.File), limits.MaxFiles)
	}

	cleanDest := filepath.Clean(dest)
	var total int64
	created := make([]string, 0, len(zr.File))

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() && path.Clean(strings.ReplaceAll(f.Name, "\\", "/")) == "." {
			continue
		}
		entryName, err := sanitizeEntryName(f.Name)
		if err != nil {
			return nil, err
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("symlink entry not allowed: %s", f.Name)
		}

		target := filepath.Clean(filepath.Join(cleanDest, filepath.FromSlash(entryName)))
		if !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
			return nil, fmt.Errorf("zip entry escapes destination: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("create directory %q: %w", target, err)
			}
			continue
		}

		if f.UncompressedSize64 > uint64(limits.MaxFileBytes) {
			return nil, fmt.Errorf("zip entry too large: %s", f.Name)
		}
		total += int64(f.UncompressedSize64)
		if total > limits.MaxTotalBytes {
			return nil, errors.New("zip total size exceeds limit")
		}

		if err := extractFile(f, target, limits.MaxFileBytes); err != nil {
			return nil, err
		}
		created = append(created, entryName)
	}

	return created, nil
}

func extractFile(f *zip.File, target string, maxBytes int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip file %q: %w", f.Name, err)
	}
	defer rc.Close()

	// Keep executable bits so shell scripts and node_modules/.bin shims still run.
	perm := os.FileMode(0o644)
	if f.Mode().Perm()&0o111 != 0 {
		perm = 0o755
	}
	wf, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create output file %q: %w", target, err)
	}

	n, copyErr := io.Copy(wf, io.LimitReader(rc, maxBytes+1))
	closeErr := wf.Close()
	if copyErr != nil {
		return fmt.Errorf("extract %q: %w", f.Name, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close output file %q: %w", target, closeErr)
	}
	if n > maxBytes {
		return fmt.Errorf("zip entry exceeds max file bytes while extracting: %s", f.Name)
	}
	return nil
}

// WriteDir writes every regular file under srcDir to w as a deflated zip.
// Entry names are relative to srcDir, so the archive root is the directory's
// contents. Symlinks and other special files are skipped. It returns the
// number of files written.
func WriteDir(srcDir string, w io.Writer) (int, error) {
	zw := zip.NewWriter(w)

	cleanSrc := filepath.Clean(srcDir)
	count := 0
	walkErr := filepath.WalkDir(cleanSrc, func(pathNow string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(cleanSrc, pathNow)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if name == "." || strings.HasPrefix(name, "../") {
			return fmt.Errorf("invalid relative path: %s", rel)
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(fi)
		if err != nil {
			return err
		}
		header.Name = name
		header.Method = zip.Deflate

		wf, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		if err := copyFile(wf, pathNow); err != nil {
			return err
		}
		count++
		return nil
	})
	if walkErr != nil {
		_ = zw.Close()
		return count, walkErr
	}
	return count, zw.Close()
}

// CountFiles returns the number of regular files under dir. A missing dir is
// reported as an error wrapping fs.ErrNotExist.
func CountFiles(dir string) (int, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return 0, err
	}
	if !fi.IsDir() {
		return 0, fmt.Errorf("%s is not a directory", dir)
	}
	count := 0
	err = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			count++
		}
		return nil
	})
	return count, err
}

func copyFile(w io.Writer, src string) error {
	rf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer rf.Close()
	_, err = io.Copy(w, rf)
	return err
}

func sanitizeEntryName(name string) (string, error) {
	raw := strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if raw == "" {
		return "", errors.New("zip entry name cannot be empty")
	}
	if strings.HasPrefix(raw, "/") || hasWindowsDrive(raw) {
		return "", fmt.Errorf("absolute zip entry path not allowed: %s", name)
	}
	cleaned := path.Clean(raw)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path traversal zip entry not allowed: %s", name)
	}
	return cleaned, nil
}

func hasWindowsDrive(p string) bool {
	return len(p) >= 2 && p[1] == ':'
}
