// Package backend implements the dispatch layer that takes a validated cab
// invocation and hands it to an executor: backend selection from a
// priority list, the wrapper protocol, and the native subprocess backend.
package backend

import (
	"context"
	"fmt"

	"github.com/caracal-pipeline/stimela/utils/cab"
	"github.com/caracal-pipeline/stimela/utils/config"
	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/subst"
)

// Error indicates a backend selection or execution failure
type Error struct {
	Msg    string
	Nested error
}

func (e Error) Error() string {
	if e.Nested != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Nested)
	}
	return e.Msg
}

func (e Error) Unwrap() error { return e.Nested }

// RunOptions carries the per-invocation settings handed to a backend
type RunOptions struct {
	// Fqname is the fully-qualified step name, for logging
	Fqname string
	// BackendOptions is the opts.backend.<name> subtree
	BackendOptions *ordered.Map
	// Subst is the substitution context of the invocation
	Subst *subst.Context
	// Wrapper wraps the run command (identity when nil)
	Wrapper Wrapper
	// Env is extra environment for the child process
	Env map[string]string
	// Rlimits are resource-limit updates for the child process
	Rlimits *ordered.Map
}

// Backend is a pluggable executor for validated cab invocations
type Backend interface {
	Name() string
	IsAvailable() bool
	Status() string
	IsRemote() bool
	// RequiresContainerImage reports whether cabs must carry an image
	RequiresContainerImage() bool
	Run(ctx context.Context, c *cab.Cab, params *ordered.Map, status *cab.RuntimeStatus, opts RunOptions) error
	// Build prepares the backend for a cab (e.g. builds or pulls an
	// image); a no-op for non-container backends
	Build(ctx context.Context, c *cab.Cab, rebuild bool, opts RunOptions) error
}

// Wrapper transforms the argument list of a run or build command before
// execution (e.g. slurm batch submission). logArgs is the redacted form
// used for logging.
type Wrapper interface {
	Name() string
	WrapRunCommand(args, logArgs []string, fqname string) ([]string, []string)
	WrapBuildCommand(args []string, fqname string) ([]string, []string)
}

// identityWrapper is the empty wrapper
type identityWrapper struct{}

func (identityWrapper) Name() string { return "" }
func (identityWrapper) WrapRunCommand(args, logArgs []string, fqname string) ([]string, []string) {
	return args, logArgs
}
func (identityWrapper) WrapBuildCommand(args []string, fqname string) ([]string, []string) {
	return args, args
}

// IdentityWrapper returns the no-op wrapper
func IdentityWrapper() Wrapper {
	return identityWrapper{}
}

// registry of available backends, append-only during init
var registry = ordered.New()

// Register adds a backend implementation to the registry
func Register(b Backend) {
	registry.Set(b.Name(), b)
}

// Lookup returns a registered backend by name
func Lookup(name string) (Backend, bool) {
	b, ok := registry.Get(name).(Backend)
	return b, ok
}

// Settings is the resolved outcome of backend selection
type Settings struct {
	Backend Backend
	Wrapper Wrapper
	// Options is the opts.backend.<name> subtree for the selected backend
	Options *ordered.Map
}

// defaultSelection is the priority list used when opts.backend.select is
// not given
var defaultSelection = []string{"singularity", "native"}

// ValidateBackendSettings selects a backend for a cab from the priority
// list in opts.select, skipping unavailable backends and, for cabs
// without an image, backends that require one. When opts.slurm.enable is
// set the selection is wrapped with the slurm wrapper; remote backends
// cannot be wrapped.
func ValidateBackendSettings(opts *ordered.Map, c *cab.Cab) (*Settings, error) {
	selection := defaultSelection
	if opts != nil {
		if value, ok := opts.Lookup("select"); ok {
			switch v := value.(type) {
			case string:
				selection = []string{v}
			case []interface{}:
				selection = nil
				for _, item := range v {
					selection = append(selection, fmt.Sprintf("%v", item))
				}
			}
		}
	}

	var selected Backend
	var reasons []string
	for _, name := range selection {
		b, ok := Lookup(name)
		if !ok {
			reasons = append(reasons, fmt.Sprintf("%s: unknown backend", name))
			continue
		}
		if !b.IsAvailable() {
			reasons = append(reasons, fmt.Sprintf("%s: %s", name, b.Status()))
			continue
		}
		if b.RequiresContainerImage() && c != nil && c.Image == "" {
			reasons = append(reasons, fmt.Sprintf("%s: cab '%s' has no image", name, c.Name))
			continue
		}
		selected = b
		break
	}
	if selected == nil {
		return nil, Error{Msg: fmt.Sprintf("no backend available (%v)", reasons)}
	}

	settings := &Settings{Backend: selected, Wrapper: IdentityWrapper()}
	if opts != nil {
		settings.Options = opts.GetMap(selected.Name())
		if slurmOpts := opts.GetMap("slurm"); slurmOpts != nil {
			if enable, ok := slurmOpts.Get("enable").(bool); ok && enable {
				if selected.IsRemote() {
					return nil, Error{Msg: fmt.Sprintf("remote backend '%s' cannot be wrapped with slurm", selected.Name())}
				}
				settings.Wrapper = NewSlurmWrapper(slurmOpts)
			}
		}
	}
	config.DebugLog("backend: selected %s for cab %s", selected.Name(), cabName(c))
	return settings, nil
}

func cabName(c *cab.Cab) string {
	if c == nil {
		return "?"
	}
	return c.Name
}
