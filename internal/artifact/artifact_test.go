package artifact

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackage_NamesEntriesRelativeToOutput(t *testing.T) {
	out := t.TempDir()
	writeFile(t, filepath.Join(out, "index.html"), "<html></html>")
	writeFile(t, filepath.Join(out, "static", "js", "main.js"), "x")

	p := NewPackager(filepath.Join(t.TempDir(), "artifacts"))
	path, err := p.Package(out, "client-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p.Dir, "build_client-1.zip"), path)

	assert.ElementsMatch(t, []string{"index.html", "static/js/main.js"}, zipNames(t, path))
}

func TestPackage_EmptyOrMissingOutput(t *testing.T) {
	p := NewPackager(t.TempDir())

	_, err := p.Package(filepath.Join(t.TempDir(), "missing"), "c")
	assert.ErrorIs(t, err, ErrEmptyOutputDirectory)

	empty := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(empty, "nested"), 0o755))
	_, err = p.Package(empty, "c")
	assert.ErrorIs(t, err, ErrEmptyOutputDirectory)

	file := filepath.Join(t.TempDir(), "index.html")
	writeFile(t, file, "x")
	_, err = p.Package(file, "c")
	assert.ErrorIs(t, err, ErrEmptyOutputDirectory)

	_, statErr := os.Stat(filepath.Join(p.Dir, "build_c.zip"))
	assert.True(t, os.IsNotExist(statErr), "no archive may be left behind")
}

func TestPackage_ConcurrentSameClientNeverTorn(t *testing.T) {
	p := NewPackager(t.TempDir())
	outs := make([]string, 4)
	for i := range outs {
		outs[i] = t.TempDir()
		writeFile(t, filepath.Join(outs[i], "index.html"), "site")
		writeFile(t, filepath.Join(outs[i], "extra.txt"), string(rune('a'+i)))
	}

	var wg sync.WaitGroup
	for _, out := range outs {
		wg.Add(1)
		go func(out string) {
			defer wg.Done()
			_, err := p.Package(out, "shared")
			assert.NoError(t, err)
		}(out)
	}
	wg.Wait()

	names := zipNames(t, filepath.Join(p.Dir, "build_shared.zip"))
	sort.Strings(names)
	assert.Equal(t, []string{"extra.txt", "index.html"}, names)

	entries, err := os.ReadDir(p.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "pending files must be cleaned up")
}

func TestOpen_ValidatesNames(t *testing.T) {
	p := NewPackager(t.TempDir())
	out := t.TempDir()
	writeFile(t, filepath.Join(out, "index.html"), "x")
	_, err := p.Package(out, "site")
	require.NoError(t, err)

	f, fi, err := p.Open("build_site.zip")
	require.NoError(t, err)
	defer f.Close()
	assert.True(t, fi.Size() > 0)

	for _, name := range []string{"../build_site.zip", "build_site.zip/..", "other.zip", "build_..zip", ""} {
		_, _, err := p.Open(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
	_, _, err = p.Open("build_missing.zip")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemove_IgnoresMissing(t *testing.T) {
	p := NewPackager(t.TempDir())
	assert.NoError(t, p.Remove(filepath.Join(p.Dir, "build_none.zip")))
}

func TestSweep_RemovesExpiredArtifacts(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	writeFile(t, filepath.Join(dir, "build_old.zip"), "x")
	writeFile(t, filepath.Join(dir, "build_new.zip"), "x")
	writeFile(t, filepath.Join(dir, ".build_old.zip123"), "pending")
	writeFile(t, filepath.Join(dir, "notes.txt"), "x")
	old := now.Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "build_old.zip"), old, old))
	require.NoError(t, os.Chtimes(filepath.Join(dir, ".build_old.zip123"), old, old))

	s := NewSweeper(dir, 24*time.Hour, time.Minute, nil)
	s.Now = func() time.Time { return now }
	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	assert.ElementsMatch(t, []string{"build_new.zip", ".build_old.zip123", "notes.txt"}, left)
}

func TestSweep_MissingDirIsNoop(t *testing.T) {
	s := NewSweeper(filepath.Join(t.TempDir(), "missing"), time.Hour, time.Minute, nil)
	n, err := s.Sweep(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeper_StartStop(t *testing.T) {
	s := NewSweeper(t.TempDir(), time.Hour, time.Minute, nil)
	require.NoError(t, s.Start())
	s.Stop()

	var never Sweeper
	never.Stop()
}

func TestSweeper_RunReportsRemovals(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "build_a.zip"), "x")
	s := NewSweeper(dir, 0, time.Minute, nil)
	s.Now = func() time.Time { return time.Now().Add(time.Hour) }
	got := -1
	s.OnRemove = func(n int) { got = n }
	s.run()
	assert.Equal(t, 1, got)
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		require.NoError(t, err)
		names = append(names, f.Name)
	}
	return names
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}
