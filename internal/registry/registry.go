// Package registry implements the Runtime Registry (spec.md §4.A):
// a read-only lookup mapping (language, version) to a RuntimeDescriptor.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Lookup when no descriptor matches.
var ErrNotFound = errors.New("registry: runtime not found")

// Descriptor is the immutable, process-lifetime runtime descriptor.
type Descriptor struct {
	Language  string            `yaml:"language"`
	Version   string            `yaml:"version"`
	Aliases   []string          `yaml:"aliases"`
	Prefix    string            `yaml:"prefix"`
	Compile   string            `yaml:"compile,omitempty"`
	Run       string            `yaml:"run"`
	Env       map[string]string `yaml:"env"`
	RuntimeID string            `yaml:"runtime"`

	version []int // parsed, for comparisons; not serialized
}

func (d *Descriptor) parseVersion() {
	d.version = parseSemverParts(d.Version)
}

func parseSemverParts(v string) []int {
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, _ := strconv.Atoi(p)
		out[i] = n
	}
	return out
}

// compareVersions returns -1, 0, 1 like strings.Compare but numeric
// component-wise, per spec.md §4.A ("semver-style on numeric components").
func compareVersions(a, b []int) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		var av, bv int
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Registry is an immutable-after-load snapshot, safe for concurrent
// Lookup/List, with an atomic swap-in Reload (SPEC_FULL.md §4.A.1).
type Registry struct {
	mu          sync.RWMutex
	descriptors []*Descriptor
	dir         string
}

// New constructs an empty Registry; call Load to populate it.
func New(dir string) *Registry {
	return &Registry{dir: dir}
}

// Load reads every *.yaml file in the registry directory into a new
// snapshot and swaps it in atomically, mirroring the teacher's config
// loader's read-then-overlay shape but operating on a directory of
// descriptors instead of one file.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("registry: read dir %s: %w", r.dir, err)
	}

	var loaded []*Descriptor
	seen := map[string]bool{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("registry: read %s: %w", path, err)
		}
		var d Descriptor
		if err := yaml.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("registry: parse %s: %w", path, err)
		}
		if d.Language == "" || d.Version == "" || d.Run == "" {
			return fmt.Errorf("registry: %s: language, version, and run are required", path)
		}
		key := d.Language + "@" + d.Version
		if seen[key] {
			return fmt.Errorf("registry: duplicate (language, version) %s", key)
		}
		seen[key] = true
		d.parseVersion()
		loaded = append(loaded, &d)
	}

	r.mu.Lock()
	r.descriptors = loaded
	r.mu.Unlock()
	return nil
}

// Reload re-scans the registry directory and swaps in a new snapshot,
// letting an operator add a runtime without restarting the daemon.
func (r *Registry) Reload() error {
	return r.Load()
}

// Register adds a descriptor directly, for tests and for embedding a
// built-in runtime without a file on disk.
func (r *Registry) Register(d Descriptor) {
	d.parseVersion()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors = append(r.descriptors, &d)
}

// Lookup matches the canonical language name or any alias against
// languageOrAlias, and versionSpec against any descriptor version it is a
// numeric prefix of ("3" and "3.10" both satisfy a stored "3.10.4", as
// does the exact string "3.10.4" itself); "" or "*" satisfies every
// version. When more than one descriptor satisfies, the highest version
// wins (spec.md §4.A).
func (r *Registry) Lookup(languageOrAlias, versionSpec string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*Descriptor
	for _, d := range r.descriptors {
		if matchesName(d, languageOrAlias) && versionSatisfies(d.version, versionSpec) {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}

	sort.Slice(candidates, func(i, j int) bool {
		return compareVersions(candidates[i].version, candidates[j].version) > 0
	})
	return candidates[0], nil
}

// versionSatisfies reports whether version (a descriptor's parsed
// components) is matched by spec: "" and "*" match anything, otherwise
// spec's own numeric components must agree with version's leading
// components, so a shorter spec like "3.10" ranges over every patch
// version "3.10.x".
func versionSatisfies(version []int, spec string) bool {
	if spec == "" || spec == "*" {
		return true
	}
	specParts := parseSemverParts(spec)
	if len(specParts) > len(version) {
		return false
	}
	for i, sp := range specParts {
		if version[i] != sp {
			return false
		}
	}
	return true
}

func matchesName(d *Descriptor, name string) bool {
	if d.Language == name {
		return true
	}
	for _, a := range d.Aliases {
		if a == name {
			return true
		}
	}
	return false
}

// List returns every loaded descriptor.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}
