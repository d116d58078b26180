// Package subst implements the {}-substitution namespace and the
// substitution context that scopes brace and formula evaluation over it.
package subst

import (
	"fmt"
	"sort"
	"strings"

	"github.com/caracal-pipeline/stimela/utils/basetypes"
	"github.com/caracal-pipeline/stimela/utils/ordered"
)

// StringWrapper is returned by forgiving lookups: it absorbs any further
// attribute access and renders as a fixed substitute string
type StringWrapper struct {
	Value string
}

func (w StringWrapper) String() string {
	return w.Value
}

// NS is a nested mutable namespace for substitutions. Sub-namespaces are
// created automatically by dotted assignment; wildcard keys fall back to the
// lexicographically-largest match; a noSubst subtree disables {}-expansion
// on its values during lookup.
type NS struct {
	keys    []string
	values  map[string]interface{}
	name    []string
	noSubst bool
}

// NewNS returns an empty namespace
func NewNS() *NS {
	return &NS{values: make(map[string]interface{})}
}

func newChild(parent *NS, name string, noSubst bool) *NS {
	return &NS{
		values:  make(map[string]interface{}),
		name:    append(append([]string(nil), parent.name...), name),
		noSubst: noSubst || parent.noSubst,
	}
}

// Location returns the hierarchical location of this namespace
func (ns *NS) Location() []string {
	return ns.name
}

// NoSubst reports whether {}-expansion is disabled for this subtree
func (ns *NS) NoSubst() bool {
	return ns.noSubst
}

// MarkNoSubst disables {}-expansion on this subtree's values
func (ns *NS) MarkNoSubst() {
	ns.noSubst = true
}

// Keys returns keys in insertion order
func (ns *NS) Keys() []string {
	return append([]string(nil), ns.keys...)
}

// Has reports whether a key is present (no wildcard handling)
func (ns *NS) Has(key string) bool {
	_, ok := ns.values[key]
	return ok
}

// Raw returns the stored value for a key without any substitution
func (ns *NS) Raw(key string) (interface{}, bool) {
	value, ok := ns.values[key]
	return value, ok
}

// Delete removes a key if present
func (ns *NS) Delete(key string) {
	if _, ok := ns.values[key]; !ok {
		return
	}
	delete(ns.values, key)
	for i, k := range ns.keys {
		if k == key {
			ns.keys = append(ns.keys[:i], ns.keys[i+1:]...)
			break
		}
	}
}

func (ns *NS) store(key string, value interface{}) {
	if _, ok := ns.values[key]; !ok {
		ns.keys = append(ns.keys, key)
	}
	ns.values[key] = value
}

// Set assigns a key. Dotted names create intermediate sub-namespaces;
// mapping values become sub-namespaces automatically.
func (ns *NS) Set(name string, value interface{}) {
	ns.setInternal(name, value, false)
}

// SetNoSubst assigns a key whose subtree is excluded from {}-expansion
func (ns *NS) SetNoSubst(name string, value interface{}) {
	ns.setInternal(name, value, true)
}

func (ns *NS) setInternal(name string, value interface{}, noSubst bool) {
	if idx := strings.Index(name, "."); idx >= 0 {
		subName, rest := name[:idx], name[idx+1:]
		sub, ok := ns.values[subName].(*NS)
		if !ok {
			sub = newChild(ns, subName, noSubst)
			ns.store(subName, sub)
		}
		sub.setInternal(rest, value, noSubst)
		return
	}
	switch v := value.(type) {
	case *ordered.Map:
		sub := newChild(ns, name, noSubst)
		for _, key := range v.Keys() {
			sub.setInternal(key, v.Get(key), noSubst)
		}
		ns.store(name, sub)
	case map[string]interface{}:
		sub := newChild(ns, name, noSubst)
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			sub.setInternal(key, v[key], noSubst)
		}
		ns.store(name, sub)
	case *NS:
		ns.store(name, v)
	default:
		ns.store(name, value)
	}
}

// Merge recursively merges another namespace into this one
func (ns *NS) Merge(other *NS) {
	for _, key := range other.keys {
		value := other.values[key]
		if sub, ok := value.(*NS); ok {
			if mine, ok := ns.values[key].(*NS); ok {
				mine.Merge(sub)
				continue
			}
		}
		ns.setInternal(key, value, false)
	}
}

// Copy returns a copy sharing sub-namespace values
func (ns *NS) Copy() *NS {
	out := &NS{
		values:  make(map[string]interface{}, len(ns.values)),
		name:    ns.name,
		noSubst: ns.noSubst,
	}
	for _, key := range ns.keys {
		out.store(key, ns.values[key])
	}
	return out
}

// resolveKey applies the wildcard fallback: a key containing * or ? that is
// not literally present matches the lexicographically-largest existing key
func (ns *NS) resolveKey(key string) (string, bool) {
	if _, ok := ns.values[key]; ok {
		return key, true
	}
	if strings.ContainsAny(key, "*?") {
		var matches []string
		for existing := range ns.values {
			if globMatch(key, existing) {
				matches = append(matches, existing)
			}
		}
		if len(matches) > 0 {
			sort.Strings(matches)
			return matches[len(matches)-1], true
		}
	}
	return key, false
}

// globMatch implements simple fnmatch-style * and ? matching
func globMatch(pattern, name string) bool {
	return matchHere(pattern, name)
}

func matchHere(pattern, name string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for i := 0; i <= len(name); i++ {
				if matchHere(pattern[1:], name[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(name) == 0 {
				return false
			}
			pattern, name = pattern[1:], name[1:]
		default:
			if len(name) == 0 || pattern[0] != name[0] {
				return false
			}
			pattern, name = pattern[1:], name[1:]
		}
	}
	return len(name) == 0
}

// Get looks up a single key through the substitution context: wildcard
// fallback applies, string values are {}-expanded (unless the subtree is
// noSubst), and the lookup participates in cycle detection.
func (ns *NS) Get(ctx *Context, key string) (interface{}, error) {
	value, err := ns.getInternal(ctx, key)
	if err != nil && ctx != nil {
		if wrapped, ok := ctx.forgive(err, key, value); ok {
			return wrapped, nil
		}
	}
	return value, err
}

func (ns *NS) getInternal(ctx *Context, key string) (interface{}, error) {
	if ctx != nil {
		if err := ctx.pushLookup(key); err != nil {
			return nil, err
		}
	}
	resolved, ok := ns.resolveKey(key)
	if !ok {
		return nil, UnknownKeyError{Key: key, Location: ns.name}
	}
	value := ns.values[resolved]
	if ctx != nil {
		if unres, isUnres := value.(basetypes.Unresolved); isUnres && ctx.RaiseErrors {
			return value, SubstitutionError{
				Msg: fmt.Sprintf("unresolved substitution for %s (%s)", key, unres.Value),
			}
		}
		if !ns.noSubst {
			if s, isStr := value.(string); isStr {
				return ctx.evaluateString(s, ctx.currentLocation())
			}
		}
	}
	return value, nil
}

// GetDotted resolves a dotted reference through nested namespaces
func (ns *NS) GetDotted(ctx *Context, name string) (interface{}, error) {
	parts := strings.Split(name, ".")
	var current interface{} = ns
	for i, part := range parts {
		switch node := current.(type) {
		case *NS:
			value, err := node.Get(ctx, part)
			if err != nil {
				if _, unknown := err.(UnknownKeyError); unknown && i < len(parts)-1 {
					return nil, SubstitutionError{
						Msg: fmt.Sprintf("'%s' undefined (in '%s')", part, name),
					}
				}
				return nil, err
			}
			current = value
		case StringWrapper:
			return node, nil
		default:
			return nil, SubstitutionError{
				Msg: fmt.Sprintf("'%s' unresolved (at '%s')", name, part),
			}
		}
	}
	return current, nil
}

// HasDotted reports whether a dotted reference resolves to a stored value
func (ns *NS) HasDotted(name string) bool {
	parts := strings.Split(name, ".")
	current := ns
	for i, part := range parts {
		resolved, ok := current.resolveKey(part)
		if !ok {
			return false
		}
		if i == len(parts)-1 {
			return true
		}
		next, ok := current.values[resolved].(*NS)
		if !ok {
			return false
		}
		current = next
	}
	return false
}
