// Package store owns the on-disk layout: per-task workspaces under
// <base>/work and the shared artifact area under <base>/artifacts.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mblsha/webforge/internal/config"
)

const workspacePrefix = "build-"

type Store struct {
	cfg config.Config
}

func New(cfg config.Config) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) EnsureDirs() error {
	dirs := []string{s.cfg.BaseDir, s.cfg.WorkDir(), s.cfg.ArtifactsDir()}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure directory %q: %w", dir, err)
		}
	}
	return nil
}

// CreateWorkspace makes the empty workspace for taskID. A leftover directory
// with the same name is an error rather than reused.
func (s *Store) CreateWorkspace(taskID string) (string, error) {
	if err := validateTaskID(taskID); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.cfg.WorkDir(), 0o755); err != nil {
		return "", fmt.Errorf("create work directory: %w", err)
	}
	p := s.WorkspaceDir(taskID)
	if err := os.Mkdir(p, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %q: %w", p, err)
	}
	return p, nil
}

func (s *Store) RemoveWorkspace(taskID string) error {
	if err := validateTaskID(taskID); err != nil {
		return err
	}
	return os.RemoveAll(s.WorkspaceDir(taskID))
}

func (s *Store) WorkspaceDir(taskID string) string {
	return filepath.Join(s.cfg.WorkDir(), workspacePrefix+taskID)
}

func (s *Store) ArtifactsDir() string {
	return s.cfg.ArtifactsDir()
}

// Workspaces lists leftover workspace directories, for example after a crash.
func (s *Store) Workspaces() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.WorkDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), workspacePrefix) {
			out = append(out, strings.TrimPrefix(e.Name(), workspacePrefix))
		}
	}
	return out, nil
}

func validateTaskID(taskID string) error {
	if taskID == "" {
		return errors.New("task id is required")
	}
	if strings.ContainsAny(taskID, `/\`) || taskID == "." || taskID == ".." {
		return fmt.Errorf("invalid task id %q", taskID)
	}
	return nil
}
