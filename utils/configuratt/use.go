package configuratt

import (
	"fmt"

	"github.com/caracal-pipeline/stimela/utils/ordered"
)

// resolveUses walks the tree resolving _use/_use_post directives until a
// fixed point, with a recursion cap. Each pass receives the root of the
// file being loaded as the self-reference source (consulted first when
// selfrefs is enabled).
func resolveUses(conf *ordered.Map, opts Options, location string) (*ordered.Map, error) {
	root := conf
	for iteration := 0; ; iteration++ {
		if iteration >= useRecursionLimit {
			return nil, ConfigError{Msg: fmt.Sprintf("_use recursion limit (%d) exceeded at %s", useRecursionLimit, location)}
		}
		changed, newConf, err := resolveUsesPass(root, root, opts, location)
		if err != nil {
			return nil, err
		}
		root = newConf
		if !changed {
			return root, nil
		}
	}
}

func resolveUsesPass(section *ordered.Map, selfConf *ordered.Map, opts Options, location string) (bool, *ordered.Map, error) {
	changed := false
	result := section

	if section.Has(keyUse) || section.Has(keyUsePost) {
		merged, err := applyUse(section, selfConf, opts, location)
		if err != nil {
			return false, nil, err
		}
		result = merged
		changed = true
	}

	for _, key := range result.Keys() {
		if sub, ok := result.Get(key).(*ordered.Map); ok {
			subLocation := key
			if location != "" {
				subLocation = location + "." + key
			}
			subChanged, newSub, err := resolveUsesPass(sub, selfConf, opts, subLocation)
			if err != nil {
				return false, nil, err
			}
			if subChanged {
				result.Set(key, newSub)
				changed = true
			}
		}
	}
	return changed, result, nil
}

// applyUse merges the sections named by _use (enclosing keys win) and
// _use_post (named sections win) into the enclosing section
func applyUse(section *ordered.Map, selfConf *ordered.Map, opts Options, location string) (*ordered.Map, error) {
	useNames := takeNameList(section, keyUse)
	postNames := takeNameList(section, keyUsePost)

	// a section that names itself (directly, or after a cycle has been
	// folded in by earlier passes) would never reach a fixed point
	if opts.Selfrefs {
		for _, name := range append(append([]string{}, useNames...), postNames...) {
			if name == location {
				return nil, ConfigError{Msg: fmt.Sprintf("_use: cyclic reference to '%s' (at %s)", name, location)}
			}
		}
	}

	base := ordered.New()
	for _, name := range useNames {
		looked, err := lookupUseSection(name, selfConf, opts, location)
		if err != nil {
			return nil, err
		}
		base.Merge(looked)
	}
	base.Merge(section)
	for _, name := range postNames {
		looked, err := lookupUseSection(name, selfConf, opts, location)
		if err != nil {
			return nil, err
		}
		base.Merge(looked)
	}
	return base, nil
}

func takeNameList(conf *ordered.Map, key string) []string {
	value, ok := conf.Lookup(key)
	if !ok {
		return nil
	}
	conf.Delete(key)
	switch v := value.(type) {
	case string:
		return []string{v}
	case []interface{}:
		names := make([]string, 0, len(v))
		for _, item := range v {
			names = append(names, fmt.Sprintf("%v", item))
		}
		return names
	}
	return nil
}

func lookupUseSection(name string, selfConf *ordered.Map, opts Options, location string) (*ordered.Map, error) {
	var sources []*ordered.Map
	if opts.Selfrefs && selfConf != nil {
		sources = append(sources, selfConf)
	}
	sources = append(sources, opts.UseSources...)
	for _, source := range sources {
		if value, ok := source.GetDotted(name); ok {
			sub, isMap := value.(*ordered.Map)
			if !isMap {
				return nil, ConfigError{Msg: fmt.Sprintf("_use: '%s' is not a mapping (at %s)", name, location)}
			}
			return sub.Copy(), nil
		}
	}
	return nil, ConfigError{Msg: fmt.Sprintf("_use: '%s' not found (at %s)", name, location)}
}
