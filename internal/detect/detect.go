// Package detect inspects a fetched workspace and decides how to build it.
package detect

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mblsha/webforge/internal/manifest"
)

type PackageManager string

const (
	NPM  PackageManager = "npm"
	Yarn PackageManager = "yarn"
	PNPM PackageManager = "pnpm"
)

type Framework string

const (
	FrameworkNone    Framework = "none"
	FrameworkNext    Framework = "next"
	FrameworkVue     Framework = "vue"
	FrameworkReact   Framework = "react"
	FrameworkGeneric Framework = "generic"
)

// Descriptor says where the project lives and how to build it. It is
// computed once per task and never modified.
type Descriptor struct {
	ProjectRoot    string
	PackageManager PackageManager
	Framework      Framework
	HasManifest    bool

	// BuildCommand is empty when there is nothing to build.
	BuildCommand string

	// OutputCandidates are checked in order after the build; the first that
	// exists is the output directory, otherwise DefaultOutput is used.
	OutputCandidates []string
	DefaultOutput    string

	// ManifestErr is set when package.json exists but could not be read.
	ManifestErr error
}

// OutputDir resolves the build output directory. It must be called after the
// build command has run since frameworks create their output lazily.
func (d Descriptor) OutputDir() string {
	for _, candidate := range d.OutputCandidates {
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return candidate
		}
	}
	return d.DefaultOutput
}

type rule struct {
	dependency string
	framework  Framework
	outputs    []string
	command    func(pm PackageManager) string
}

// rules are checked in order; the first matching dependency wins.
var rules = []rule{
	{dependency: "next", framework: FrameworkNext, outputs: []string{"out", ".next"}, command: nextCommand},
	{dependency: "vue", framework: FrameworkVue, outputs: []string{"dist"}, command: standardCommand},
	{dependency: "react", framework: FrameworkReact, outputs: []string{"build"}, command: standardCommand},
}

var genericOutputs = []string{"dist", "build", "out"}

// Detect never fails: anything it cannot recognise falls back to building
// the workspace root with the default command, or to no build at all when
// there is no package.json.
func Detect(workspace string) Descriptor {
	root := ResolveRoot(workspace)
	pm := DetectPackageManager(root)

	d := Descriptor{ProjectRoot: root, PackageManager: pm}

	m, ok, err := manifest.Load(root)
	if !ok {
		d.Framework = FrameworkNone
		d.DefaultOutput = root
		return d
	}
	d.HasManifest = true
	d.ManifestErr = err

	for _, r := range rules {
		if m.HasDependency(r.dependency) {
			d.Framework = r.framework
			d.BuildCommand = r.command(pm)
			d.OutputCandidates = joinAll(root, r.outputs)
			d.DefaultOutput = d.OutputCandidates[len(d.OutputCandidates)-1]
			return d
		}
	}

	d.Framework = FrameworkGeneric
	d.BuildCommand = standardCommand(pm)
	d.OutputCandidates = joinAll(root, genericOutputs)
	d.DefaultOutput = filepath.Join(root, genericOutputs[0])
	return d
}

// ResolveRoot returns the single top-level directory of workspace when the
// fetched content is wrapped in one, otherwise workspace itself. Leftover
// .zip files from acquisition are ignored.
func ResolveRoot(workspace string) string {
	entries, err := os.ReadDir(workspace)
	if err != nil {
		return workspace
	}
	kept := make([]os.DirEntry, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(strings.ToLower(e.Name()), ".zip") {
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 1 && kept[0].IsDir() {
		return filepath.Join(workspace, kept[0].Name())
	}
	return workspace
}

// DetectPackageManager picks yarn, then pnpm, by lock file, defaulting to npm.
func DetectPackageManager(root string) PackageManager {
	switch {
	case fileExists(filepath.Join(root, "yarn.lock")):
		return Yarn
	case fileExists(filepath.Join(root, "pnpm-lock.yaml")):
		return PNPM
	default:
		return NPM
	}
}

func standardCommand(pm PackageManager) string {
	return string(pm) + " install && " + string(pm) + " run build"
}

// nextCommand tolerates a failing or missing export script; install and
// build failures still fail the chain.
func nextCommand(pm PackageManager) string {
	return standardCommand(pm) + " && (" + string(pm) + " run export || true)"
}

func joinAll(root string, names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, filepath.Join(root, n))
	}
	return out
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}
