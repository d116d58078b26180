// Package validate implements schema-driven parameter validation: default
// filling, substitution evaluation, type checking, file-glob expansion and
// existence/creation policies.
package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/caracal-pipeline/stimela/utils/basetypes"
	"github.com/caracal-pipeline/stimela/utils/evaluator"
	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/schema"
	"github.com/caracal-pipeline/stimela/utils/subst"
	"gopkg.in/yaml.v3"
)

// ParameterValidationError aggregates per-parameter validation failures
type ParameterValidationError struct {
	Msg    string
	Nested []error
	logged bool
}

func (e *ParameterValidationError) Error() string {
	if len(e.Nested) == 0 {
		return e.Msg
	}
	msgs := make([]string, 0, len(e.Nested))
	for _, err := range e.Nested {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Msg, strings.Join(msgs, "; "))
}

func (e *ParameterValidationError) Unwrap() []error {
	return e.Nested
}

// MarkLogged records that this error has been reported once
func (e *ParameterValidationError) MarkLogged() { e.logged = true }

// Logged reports whether this error has already been reported
func (e *ParameterValidationError) Logged() bool { return e.logged }

// Options controls a ValidateParameters call
type Options struct {
	// Subst is the substitution context; nil disables substitution
	Subst *subst.Context
	// Defaults layers above schema defaults
	Defaults *ordered.Map
	// CheckUnknowns errors on parameters without a schema
	CheckUnknowns bool
	// CheckRequired errors on missing required parameters
	CheckRequired bool
	// CheckExist enables file-existence checks (per-schema MustExist
	// still takes precedence)
	CheckExist bool
	// ExpandGlobs expands glob patterns in file-list inputs
	ExpandGlobs bool
	// CreateDirs creates parent directories for outputs
	CreateDirs bool
	// IgnoreSubstErrors turns substitution failures into Unresolved
	// markers instead of errors
	IgnoreSubstErrors bool
	// Outputs marks the schemas as outputs (affects existence policy)
	Outputs bool
	// Location prefixes error messages
	Location string
}

// ValidateParameters validates a parameter mapping against a schema set.
// All parameters are attempted; errors are aggregated.
func ValidateParameters(params *ordered.Map, schemas *schema.ParamSet, opts Options) (*ordered.Map, error) {
	var errs []error
	loc := func(name string) string {
		if opts.Location != "" {
			return opts.Location + "." + name
		}
		return name
	}

	// unknown parameters
	if opts.CheckUnknowns {
		for _, name := range params.Keys() {
			if !schemas.Has(name) {
				errs = append(errs, fmt.Errorf("unknown parameter '%s'", loc(name)))
			}
		}
	}

	// start from the intersection of params and schemas
	result := ordered.New()
	for _, name := range params.Keys() {
		if schemas.Has(name) {
			result.Set(name, params.Get(name))
		}
	}

	// merged defaults: schema defaults overridden by the defaults argument
	defaults := ordered.New()
	for _, name := range schemas.Keys() {
		par := schemas.Get(name)
		if par.Default != nil && !par.DefaultUnset {
			defaults.Set(name, par.Default)
		}
	}
	if opts.Defaults != nil {
		for _, name := range opts.Defaults.Keys() {
			if schemas.Has(name) {
				defaults.Set(name, opts.Defaults.Get(name))
			}
		}
	}
	for _, name := range defaults.Keys() {
		if !result.Has(name) {
			result.Set(name, defaults.Get(name))
		}
	}

	// substitution and formula evaluation; parameters with the
	// disable_substitutions policy are carried through untouched
	unresolved := map[string]basetypes.Unresolved{}
	nosubst := ordered.New()
	for _, name := range result.Keys() {
		if par := schemas.Get(name); par != nil {
			if par.Policies.DisableSubstitutions != nil && *par.Policies.DisableSubstitutions {
				nosubst.Set(name, result.Get(name))
				result.Delete(name)
			}
		}
	}
	if opts.Subst != nil {
		ev := evaluator.New(opts.Subst.NS, opts.Subst)
		if opts.Location != "" {
			ev = evaluator.New(opts.Subst.NS, opts.Subst, opts.Location)
		}
		evaluated, err := ev.EvaluateDict(result, nil, defaults, !opts.IgnoreSubstErrors)
		if err != nil {
			errs = append(errs, err)
		} else {
			result = evaluated
		}
		for _, name := range result.Keys() {
			if unres, ok := result.Get(name).(basetypes.Unresolved); ok {
				unresolved[name] = unres
				result.Delete(name)
			}
		}
	}
	for _, name := range nosubst.Keys() {
		result.Set(name, nosubst.Get(name))
	}

	// required parameters
	if opts.CheckRequired {
		for _, name := range schemas.Keys() {
			par := schemas.Get(name)
			if !par.Required {
				continue
			}
			if _, isUnresolved := unresolved[name]; isUnresolved {
				continue
			}
			value, ok := result.Lookup(name)
			if !ok || value == nil || basetypes.IsUnset(value) {
				errs = append(errs, fmt.Errorf("required parameter '%s' is missing", loc(name)))
			}
		}
	}

	// type checking, choices, file handling
	for _, name := range result.Keys() {
		par := schemas.Get(name)
		if par == nil {
			continue
		}
		value := result.Get(name)
		if value == nil || basetypes.IsUnset(value) {
			result.Delete(name)
			continue
		}
		checked, err := validateOne(name, value, par, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", loc(name), err))
			continue
		}
		result.Set(name, checked)
	}

	// re-insert unresolved markers
	for name, unres := range unresolved {
		result.Set(name, unres)
	}

	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
		return result, &ParameterValidationError{
			Msg:    fmt.Sprintf("%d parameter(s) failed validation", len(errs)),
			Nested: errs,
		}
	}
	return result, nil
}

func validateOne(name string, value interface{}, par *schema.Parameter, opts Options) (interface{}, error) {
	if par.Type == nil {
		if err := par.Finalize(name); err != nil {
			return nil, err
		}
	}

	// file-like and file-list parameters accept scalars, lists, or a
	// string that is a YAML list literal
	if par.Type.IsFileLike() || par.Type.IsFileList() {
		var err error
		value, err = normaliseFileValue(value, par, opts)
		if err != nil {
			return nil, err
		}
	}

	checked, err := par.Type.CheckValue(value)
	if err != nil {
		return nil, err
	}

	if len(par.Choices) > 0 {
		if err := checkChoice(checked, par.Choices); err != nil {
			return nil, err
		}
	}
	if len(par.ElementChoices) > 0 {
		if items, ok := checked.([]interface{}); ok {
			for _, item := range items {
				if err := checkChoice(item, par.ElementChoices); err != nil {
					return nil, err
				}
			}
		}
	}
	return checked, nil
}

func checkChoice(value interface{}, choices []interface{}) error {
	for _, choice := range choices {
		if fmt.Sprintf("%v", choice) == fmt.Sprintf("%v", value) {
			return nil
		}
	}
	rendered := make([]string, 0, len(choices))
	for _, choice := range choices {
		rendered = append(rendered, fmt.Sprintf("%v", choice))
	}
	return fmt.Errorf("value %v is not one of %s", value, strings.Join(rendered, ", "))
}

// normaliseFileValue handles list literals, glob expansion and
// existence/creation policies for file-like parameters
func normaliseFileValue(value interface{}, par *schema.Parameter, opts Options) (interface{}, error) {
	isList := par.Type.IsFileList()

	if s, ok := value.(string); ok {
		trimmed := strings.TrimSpace(s)
		if isList && strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			var items []interface{}
			if err := yaml.Unmarshal([]byte(trimmed), &items); err != nil {
				return nil, fmt.Errorf("'%s' is not a valid list", s)
			}
			value = items
		} else if isList {
			value = []interface{}{s}
		}
	}

	paths := collectPaths(value)

	// glob expansion on inputs
	if isList && opts.ExpandGlobs && !opts.Outputs {
		var expanded []interface{}
		for _, path := range paths {
			if strings.ContainsAny(path, "*?[") {
				matches, err := globFiles(path)
				if err != nil {
					return nil, fmt.Errorf("bad glob '%s': %w", path, err)
				}
				sort.Strings(matches)
				for _, m := range matches {
					expanded = append(expanded, m)
				}
				continue
			}
			expanded = append(expanded, path)
		}
		value = expanded
		paths = collectPaths(value)
	}

	mustExist := opts.CheckExist && !opts.Outputs
	if par.MustExist != nil {
		mustExist = *par.MustExist
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if mustExist {
				return nil, fmt.Errorf("'%s' doesn't exist", path)
			}
		} else {
			if par.Type.MustBeDir() && !info.IsDir() {
				return nil, fmt.Errorf("'%s' is not a directory", path)
			}
			if !par.Type.MustBeDir() && info.IsDir() && par.Type.FileLikeName() == "File" {
				return nil, fmt.Errorf("'%s' is not a regular file", path)
			}
		}
		if opts.Outputs {
			if par.PathPolicies.RemoveIfExists && err == nil {
				if rmErr := os.RemoveAll(path); rmErr != nil {
					return nil, fmt.Errorf("can't remove existing '%s': %w", path, rmErr)
				}
			}
			if opts.CreateDirs && par.PathPolicies.MkdirParentEnabled() {
				parent := filepath.Dir(path)
				if parent != "." && parent != "/" {
					if mkErr := os.MkdirAll(parent, 0755); mkErr != nil {
						return nil, fmt.Errorf("can't create directory '%s': %w", parent, mkErr)
					}
				}
			}
		}
	}
	return value, nil
}

func collectPaths(value interface{}) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []interface{}:
		var paths []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				paths = append(paths, s)
			}
		}
		return paths
	}
	return nil
}

func globFiles(pattern string) ([]string, error) {
	base, pat := doublestar.SplitPattern(pattern)
	matches, err := doublestar.Glob(os.DirFS(base), pat)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if base == "." && !strings.HasPrefix(pattern, "./") {
			out = append(out, m)
		} else {
			out = append(out, filepath.Join(base, m))
		}
	}
	return out, nil
}

// UnresolvedParams returns the names of Unresolved values in a mapping
func UnresolvedParams(params *ordered.Map) []string {
	var names []string
	for _, name := range params.Keys() {
		if basetypes.IsUnresolved(params.Get(name)) {
			names = append(names, name)
		}
	}
	return names
}
