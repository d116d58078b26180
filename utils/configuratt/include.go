package configuratt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caracal-pipeline/stimela/utils/config"
	"github.com/caracal-pipeline/stimela/utils/ordered"
)

// includeFlagsRe matches a trailing [flag, flag] suffix on an include path
var includeFlagsRe = regexp.MustCompile(`^(.*)\[(.*)\]\s*$`)

type includeSpec struct {
	path     string
	optional bool
	warn     bool
}

func parseIncludeSpec(value string) includeSpec {
	spec := includeSpec{path: strings.TrimSpace(value)}
	if m := includeFlagsRe.FindStringSubmatch(spec.path); m != nil {
		spec.path = strings.TrimSpace(m[1])
		for _, flag := range strings.Split(m[2], ",") {
			switch strings.TrimSpace(flag) {
			case "optional":
				spec.optional = true
			case "warn":
				spec.warn = true
			}
		}
	}
	return spec
}

// collectIncludeSpecs normalises the _include value: a string, a list, or
// a nested mapping whose keys contribute path components
func collectIncludeSpecs(value interface{}, prefix string) ([]includeSpec, error) {
	switch v := value.(type) {
	case string:
		spec := parseIncludeSpec(v)
		spec.path = filepath.Join(prefix, spec.path)
		return []includeSpec{spec}, nil
	case []interface{}:
		var specs []includeSpec
		for _, item := range v {
			sub, err := collectIncludeSpecs(item, prefix)
			if err != nil {
				return nil, err
			}
			specs = append(specs, sub...)
		}
		return specs, nil
	case *ordered.Map:
		var specs []includeSpec
		for _, key := range v.Keys() {
			sub, err := collectIncludeSpecs(v.Get(key), filepath.Join(prefix, key))
			if err != nil {
				return nil, err
			}
			specs = append(specs, sub...)
		}
		return specs, nil
	}
	return nil, ConfigError{Msg: fmt.Sprintf("invalid _include value of type %T", value)}
}

// moduleRelativeRe matches the "(module.name)/file.yaml" include form
var moduleRelativeRe = regexp.MustCompile(`^\(([\w.]+)\)/(.*)$`)

// findIncludeFile resolves an include path against the including file and
// the search path, trying .yml/.yaml extensions implicitly
func findIncludeFile(spec string, includingFile string) (string, error) {
	tryExtensions := func(path string) (string, bool) {
		candidates := []string{path}
		if ext := filepath.Ext(path); ext != ".yml" && ext != ".yaml" {
			candidates = append(candidates, path+".yml", path+".yaml")
		}
		for _, candidate := range candidates {
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, true
			}
		}
		return "", false
	}

	if m := moduleRelativeRe.FindStringSubmatch(spec); m != nil {
		dir, ok := modulePaths[m[1]]
		if !ok {
			return "", ConfigError{Msg: fmt.Sprintf("unknown module '%s' in include '%s'", m[1], spec)}
		}
		if path, ok := tryExtensions(filepath.Join(dir, m[2])); ok {
			return path, nil
		}
		return "", ConfigError{Msg: fmt.Sprintf("include '%s' not found", spec)}
	}
	if strings.HasPrefix(spec, ".") {
		if path, ok := tryExtensions(filepath.Join(filepath.Dir(includingFile), spec)); ok {
			return path, nil
		}
		return "", ConfigError{Msg: fmt.Sprintf("include '%s' not found", spec)}
	}
	if filepath.IsAbs(spec) {
		if path, ok := tryExtensions(spec); ok {
			return path, nil
		}
		return "", ConfigError{Msg: fmt.Sprintf("include '%s' not found", spec)}
	}
	searchPath := append([]string{filepath.Dir(includingFile)}, config.IncludePaths()...)
	for _, dir := range searchPath {
		if path, ok := tryExtensions(filepath.Join(dir, spec)); ok {
			return path, nil
		}
	}
	return "", ConfigError{Msg: fmt.Sprintf("include '%s' not found in %s", spec, strings.Join(searchPath, ":"))}
}

// resolveIncludes processes _include/_include_post (with _scrub and
// _scrub_post) for a loaded file. Pre-includes merge under the enclosing
// file's keys; post-includes merge over them.
func resolveIncludes(conf *ordered.Map, path string, opts Options, deps *Deps) (*ordered.Map, error) {
	pre, err := loadIncludeSet(conf, keyInclude, path, opts, deps)
	if err != nil {
		return nil, err
	}
	post, err := loadIncludeSet(conf, keyIncludePost, path, opts, deps)
	if err != nil {
		return nil, err
	}
	scrub := takeScrubPatterns(conf, keyScrub)
	scrubPost := takeScrubPatterns(conf, keyScrubPost)

	if pre != nil {
		if err := applyScrub(pre, scrub); err != nil {
			return nil, err
		}
	}
	if post != nil {
		if err := applyScrub(post, scrubPost); err != nil {
			return nil, err
		}
	}

	merged := ordered.New()
	if pre != nil {
		merged.Merge(pre)
	}
	merged.Merge(conf)
	if post != nil {
		merged.Merge(post)
	}
	return merged, nil
}

func loadIncludeSet(conf *ordered.Map, key string, path string, opts Options, deps *Deps) (*ordered.Map, error) {
	value, ok := conf.Lookup(key)
	if !ok {
		return nil, nil
	}
	conf.Delete(key)
	specs, err := collectIncludeSpecs(value, "")
	if err != nil {
		return nil, ConfigError{Msg: path, Nested: err}
	}
	merged := ordered.New()
	for _, spec := range specs {
		includeFile, err := findIncludeFile(spec.path, path)
		if err != nil {
			if spec.optional {
				if spec.warn {
					config.WarnLog("optional include '%s' not found (in %s)", spec.path, path)
				}
				deps.AddMissing(spec.path)
				continue
			}
			return nil, err
		}
		if spec.warn {
			config.WarnLog("including '%s' (in %s)", spec.path, path)
		}
		subOpts := opts
		subOpts.IncludePathKey = ""
		included, subDeps, err := loadFile(includeFile, subOpts)
		if err != nil {
			return nil, err
		}
		deps.Merge(subDeps)
		merged.Merge(included)
	}
	return merged, nil
}
