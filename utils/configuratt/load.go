package configuratt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caracal-pipeline/stimela/utils/config"
	"github.com/caracal-pipeline/stimela/utils/ordered"
)

// reserved directive keys
const (
	keyInclude     = "_include"
	keyIncludePost = "_include_post"
	keyScrub       = "_scrub"
	keyScrubPost   = "_scrub_post"
	keyUse         = "_use"
	keyUsePost     = "_use_post"
	keyRequires    = "_requires"
	keyContingent  = "_contingent"
)

// useRecursionLimit caps iterative _use resolution
const useRecursionLimit = 20

// ConfigError indicates a problem loading or merging configuration files
type ConfigError struct {
	Msg    string
	Nested error
}

func (e ConfigError) Error() string {
	if e.Nested != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Nested)
	}
	return e.Msg
}

func (e ConfigError) Unwrap() error { return e.Nested }

// modulePaths maps registered module names to directories, for
// "(module.name)/file.yaml" include references
var modulePaths = map[string]string{}

// RegisterModulePath registers a directory for module-relative includes
func RegisterModulePath(name, dir string) {
	modulePaths[name] = dir
}

// Options controls a Load call
type Options struct {
	// UseSources are configs consulted by _use lookups
	UseSources []*ordered.Map
	// Name overrides the section name (LoadNested)
	Name string
	// Location is the dotted location for error reporting
	Location string
	// Includes enables _include processing
	Includes bool
	// Selfrefs lets _use look up sections of the loaded file itself
	Selfrefs bool
	// IncludePathKey, when set, records each file's path under this key
	IncludePathKey string
	// UseCache enables the merged-config cache
	UseCache bool
	// includeStack tracks visited files for recursion detection
	includeStack []string
}

// DefaultOptions returns the options used for a plain top-level load
func DefaultOptions() Options {
	return Options{Includes: true, Selfrefs: true, UseCache: true}
}

// Load reads a single YAML file, resolves _include and _use directives,
// and returns the merged mapping plus its file dependencies.
func Load(path string, opts Options) (*ordered.Map, *Deps, error) {
	if opts.UseCache {
		if conf, deps, ok := cacheLookup([]string{path}, opts); ok {
			config.DebugLog("configuratt: cache hit for %s", path)
			return conf, deps, nil
		}
	}
	conf, deps, err := loadFile(path, opts)
	if err != nil {
		return nil, nil, err
	}
	if opts.UseCache {
		cacheStore([]string{path}, opts, conf, deps)
	}
	return conf, deps, nil
}

func loadFile(path string, opts Options) (*ordered.Map, *Deps, error) {
	abspath, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, ConfigError{Msg: path, Nested: err}
	}
	for _, visited := range opts.includeStack {
		if same, _ := sameFile(visited, abspath); same {
			return nil, nil, ConfigError{Msg: fmt.Sprintf("recursive include of %s", path)}
		}
	}
	data, err := os.ReadFile(abspath)
	if err != nil {
		return nil, nil, ConfigError{Msg: fmt.Sprintf("error reading %s", path), Nested: err}
	}
	conf, err := ordered.Unmarshal(data)
	if err != nil {
		return nil, nil, ConfigError{Msg: fmt.Sprintf("error parsing %s", path), Nested: err}
	}
	deps := &Deps{}
	if err := deps.Add(abspath); err != nil {
		return nil, nil, ConfigError{Msg: path, Nested: err}
	}

	// expose the current file's own attributes for in-document references
	resolveSelfAttributes(conf, abspath)

	subOpts := opts
	subOpts.includeStack = append(append([]string(nil), opts.includeStack...), abspath)

	if opts.Includes {
		conf, err = resolveIncludes(conf, abspath, subOpts, deps)
		if err != nil {
			return nil, nil, err
		}
	}
	conf, err = resolveUses(conf, opts, "")
	if err != nil {
		return nil, nil, ConfigError{Msg: path, Nested: err}
	}
	if opts.IncludePathKey != "" {
		conf.Set(opts.IncludePathKey, abspath)
	}
	return conf, deps, nil
}

func sameFile(a, b string) (bool, error) {
	ia, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ia, ib), nil
}

// resolveSelfAttributes substitutes ${self:path}, ${self:dirname} and
// ${self:basename} references to the file currently being loaded
func resolveSelfAttributes(conf *ordered.Map, path string) {
	replacer := strings.NewReplacer(
		"${self:path}", path,
		"${self:dirname}", filepath.Dir(path),
		"${self:basename}", strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	)
	var walk func(m *ordered.Map)
	walk = func(m *ordered.Map) {
		for _, key := range m.Keys() {
			switch v := m.Get(key).(type) {
			case string:
				if strings.Contains(v, "${self:") {
					m.Set(key, replacer.Replace(v))
				}
			case *ordered.Map:
				walk(v)
			case []interface{}:
				for i, item := range v {
					if s, ok := item.(string); ok && strings.Contains(s, "${self:") {
						v[i] = replacer.Replace(s)
					}
				}
			}
		}
	}
	walk(conf)
}

// NameCallback derives a section name from a loaded file
type NameCallback func(path string, conf *ordered.Map) string

// LoadNested loads multiple files as sections of a larger mapping. The
// section name is the file's basename, the value of nameAttr within the
// file, or the result of nameCallback.
func LoadNested(filelist []string, opts Options, nameAttr string, nameCallback NameCallback) (*ordered.Map, *Deps, error) {
	if opts.UseCache {
		if conf, deps, ok := cacheLookup(filelist, opts); ok {
			return conf, deps, nil
		}
	}
	sections := ordered.New()
	deps := &Deps{}
	for _, path := range filelist {
		conf, fileDeps, err := loadFile(path, opts)
		if err != nil {
			return nil, nil, err
		}
		deps.Merge(fileDeps)
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if nameAttr != "" {
			if attr, ok := conf.GetString(nameAttr); ok {
				name = attr
			}
		}
		if nameCallback != nil {
			name = nameCallback(path, conf)
		}
		if sections.Has(name) {
			return nil, nil, ConfigError{Msg: fmt.Sprintf("duplicate config section '%s' from %s", name, path)}
		}
		sections.Set(name, conf)
	}
	if opts.UseCache {
		cacheStore(filelist, opts, sections, deps)
	}
	return sections, deps, nil
}
