package backend

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/caracal-pipeline/stimela/utils/basetypes"
	"github.com/caracal-pipeline/stimela/utils/cab"
	"github.com/caracal-pipeline/stimela/utils/ordered"
)

// Mount is one host path that must be made visible inside a container
type Mount struct {
	Path     string
	ReadWrite bool
	// Mkdir marks a path the backend must create before the payload runs
	Mkdir bool
}

// ResolveRequiredMounts computes the host paths that container backends
// must mount for a validated invocation: every file-like input and output
// resolves to a mount, read-write iff the parameter is an output or marked
// writable. Symlinks contribute both their target and the link's parent
// directory; redundant mounts covered by an already-mounted parent of
// at-least-equal writability are dropped.
func ResolveRequiredMounts(c *cab.Cab, params *ordered.Map) ([]Mount, error) {
	mounts := map[string]*Mount{}

	addMount := func(path string, rw, mkdir bool) {
		path = filepath.Clean(path)
		if existing, ok := mounts[path]; ok {
			existing.ReadWrite = existing.ReadWrite || rw
			existing.Mkdir = existing.Mkdir || mkdir
			return
		}
		mounts[path] = &Mount{Path: path, ReadWrite: rw, Mkdir: mkdir}
	}

	for _, name := range c.InputsOutputs().Keys() {
		par := c.InputsOutputs().Get(name)
		if par.Type == nil || par.Type.FileLikeName() == "" {
			continue
		}
		value, ok := params.Lookup(name)
		if !ok || basetypes.IsUnresolved(value) {
			continue
		}
		isOutput := c.Outputs.Has(name)
		rw := isOutput || par.Writable
		for _, leaf := range basetypes.ExtractFileLikes(value, par.Type.FileLikeName(), rw) {
			path, err := filepath.Abs(leaf.Path)
			if err != nil {
				continue
			}
			info, statErr := os.Lstat(path)
			switch {
			case statErr == nil && info.Mode()&os.ModeSymlink != 0:
				// both the link's parent and its target must be visible
				addMount(filepath.Dir(path), rw, false)
				if target, err := filepath.EvalSymlinks(path); err == nil {
					addMount(target, rw, false)
				}
			case statErr == nil:
				addMount(path, rw, false)
			default:
				// missing outputs mount (and mkdir) the parent
				if isOutput {
					addMount(filepath.Dir(path), true, par.PathPolicies.MkdirParentEnabled())
				}
			}
			if par.PathPolicies.AccessParent || par.PathPolicies.WriteParent {
				addMount(filepath.Dir(path), par.PathPolicies.WriteParent, false)
			}
		}
	}

	// eliminate mounts covered by a parent of at-least-equal writability
	paths := make([]string, 0, len(mounts))
	for path := range mounts {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	var result []Mount
	for _, path := range paths {
		m := mounts[path]
		covered := false
		for parent := filepath.Dir(path); ; parent = filepath.Dir(parent) {
			if existing, ok := mounts[parent]; ok {
				if existing.ReadWrite || !m.ReadWrite {
					covered = true
					break
				}
			}
			if parent == "/" || !strings.Contains(parent, "/") {
				break
			}
		}
		if !covered {
			result = append(result, *m)
		}
	}
	return result, nil
}
