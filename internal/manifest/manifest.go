// Package manifest reads the package.json of a JavaScript project.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const FileName = "package.json"

// Manifest holds the parts of package.json used for build detection.
// Dependency versions are kept opaque; only key presence matters.
type Manifest struct {
	Name            string            `json:"name,omitempty"`
	Scripts         map[string]string `json:"scripts,omitempty"`
	Dependencies    map[string]any    `json:"dependencies,omitempty"`
	DevDependencies map[string]any    `json:"devDependencies,omitempty"`
}

func Parse(raw []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", FileName, err)
	}
	return m, nil
}

// Load reads dir/package.json. The bool result reports whether the file
// exists; a present but unparsable file returns true and an error.
func Load(dir string) (Manifest, bool, error) {
	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Manifest{}, false, nil
		}
		return Manifest{}, true, fmt.Errorf("read %s: %w", FileName, err)
	}
	m, err := Parse(raw)
	if err != nil {
		return Manifest{}, true, err
	}
	return m, true, nil
}

// HasDependency reports whether name is a runtime dependency. Dev
// dependencies are build tooling and do not identify the framework.
func (m Manifest) HasDependency(name string) bool {
	_, ok := m.Dependencies[name]
	return ok
}

func (m Manifest) HasScript(name string) bool {
	_, ok := m.Scripts[name]
	return ok
}
