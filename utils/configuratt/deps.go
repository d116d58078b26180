// Package configuratt implements the layered YAML configuration loader:
// _include/_use/_scrub resolution, requirement checks, and a
// content-addressed cache keyed by the file set and its mtimes.
package configuratt

import (
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// Dep records one file dependency of a loaded configuration
type Dep struct {
	Path  string `yaml:"path"`
	Mtime int64  `yaml:"mtime"`
	Hash  string `yaml:"hash,omitempty"`
	// Optional marks an optional include that failed to resolve; the cache
	// is invalidated if the file appears later
	Optional bool `yaml:"optional,omitempty"`
	Missing  bool `yaml:"missing,omitempty"`
}

// Deps is the set of file dependencies of a loaded configuration
type Deps struct {
	Files []Dep `yaml:"files"`
}

// Add records a dependency on a file, capturing its current mtime and a
// content hash
func (d *Deps) Add(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hash, err := hashFile(path)
	if err != nil {
		return err
	}
	d.Files = append(d.Files, Dep{Path: path, Mtime: info.ModTime().UnixNano(), Hash: hash})
	return nil
}

// AddMissing records a failed optional include so the cache can notice
// when it would now resolve
func (d *Deps) AddMissing(path string) {
	d.Files = append(d.Files, Dep{Path: path, Optional: true, Missing: true})
}

// Merge folds another dependency set into this one
func (d *Deps) Merge(other *Deps) {
	if other == nil {
		return
	}
	seen := make(map[string]bool, len(d.Files))
	for _, dep := range d.Files {
		seen[dep.Path] = true
	}
	for _, dep := range other.Files {
		if !seen[dep.Path] {
			d.Files = append(d.Files, dep)
			seen[dep.Path] = true
		}
	}
}

// UpToDate reports whether all recorded dependencies are unchanged
func (d *Deps) UpToDate() bool {
	for _, dep := range d.Files {
		info, err := os.Stat(dep.Path)
		if dep.Missing {
			// a previously-failed optional include now resolves
			if err == nil {
				return false
			}
			continue
		}
		if err != nil {
			return false
		}
		if info.ModTime().UnixNano() > dep.Mtime {
			return false
		}
	}
	return true
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
