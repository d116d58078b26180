// Package ordered provides an insertion-ordered string-keyed map used as the
// universal representation of loaded YAML configuration trees. Nested
// mappings decode to *Map, sequences to []interface{}, scalars to their
// natural Go types.
package ordered

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Map is an insertion-ordered mapping of string keys to arbitrary values
type Map struct {
	keys   []string
	values map[string]interface{}
}

// New returns an empty Map
func New() *Map {
	return &Map{values: make(map[string]interface{})}
}

// FromPairs builds a Map from alternating key/value arguments
func FromPairs(pairs ...interface{}) *Map {
	m := New()
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(pairs[i].(string), pairs[i+1])
	}
	return m
}

// Len returns the number of keys
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns the keys in insertion order
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// Has reports whether a key is present
func (m *Map) Has(key string) bool {
	if m == nil {
		return false
	}
	_, ok := m.values[key]
	return ok
}

// Get returns the value for a key, or nil
func (m *Map) Get(key string) interface{} {
	if m == nil {
		return nil
	}
	return m.values[key]
}

// Lookup returns the value for a key and whether it was present
func (m *Map) Lookup(key string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	value, ok := m.values[key]
	return value, ok
}

// Set inserts or replaces a key. New keys append to the order.
func (m *Map) Set(key string, value interface{}) {
	if m.values == nil {
		m.values = make(map[string]interface{})
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Delete removes a key if present
func (m *Map) Delete(key string) {
	if m == nil {
		return
	}
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// GetMap returns the value for a key as a *Map, or nil if absent or not a map
func (m *Map) GetMap(key string) *Map {
	if sub, ok := m.Get(key).(*Map); ok {
		return sub
	}
	return nil
}

// GetString returns the value for a key as a string
func (m *Map) GetString(key string) (string, bool) {
	s, ok := m.Get(key).(string)
	return s, ok
}

// GetDotted resolves a dotted name through nested maps
func (m *Map) GetDotted(name string) (interface{}, bool) {
	current := m
	parts := strings.Split(name, ".")
	for i, part := range parts {
		if current == nil {
			return nil, false
		}
		value, ok := current.Lookup(part)
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return value, true
		}
		current, _ = value.(*Map)
	}
	return nil, false
}

// SetDotted assigns a dotted name, creating intermediate maps as needed
func (m *Map) SetDotted(name string, value interface{}) error {
	parts := strings.Split(name, ".")
	current := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := current.Lookup(part)
		if !ok {
			sub := New()
			current.Set(part, sub)
			current = sub
			continue
		}
		sub, ok := next.(*Map)
		if !ok {
			return fmt.Errorf("can't assign '%s': '%s' is not a mapping", name, part)
		}
		current = sub
	}
	current.Set(parts[len(parts)-1], value)
	return nil
}

// Merge deep-merges another map into this one. Map values merge
// recursively; any other value overrides.
func (m *Map) Merge(other *Map) {
	if other == nil {
		return
	}
	for _, key := range other.keys {
		value := other.values[key]
		if sub, ok := value.(*Map); ok {
			if mine, ok := m.Get(key).(*Map); ok {
				mine.Merge(sub)
				continue
			}
			m.Set(key, sub.Copy())
			continue
		}
		m.Set(key, value)
	}
}

// Copy returns a deep copy of the map
func (m *Map) Copy() *Map {
	if m == nil {
		return nil
	}
	out := New()
	for _, key := range m.keys {
		out.Set(key, copyValue(m.values[key]))
	}
	return out
}

func copyValue(value interface{}) interface{} {
	switch v := value.(type) {
	case *Map:
		return v.Copy()
	case []interface{}:
		items := make([]interface{}, len(v))
		for i, item := range v {
			items[i] = copyValue(item)
		}
		return items
	}
	return value
}

// Equal reports deep equality of two maps, including key order
func (m *Map) Equal(other *Map) bool {
	if m.Len() != other.Len() {
		return false
	}
	for i, key := range m.keys {
		if other.keys[i] != key {
			return false
		}
		if !equalValue(m.values[key], other.values[key]) {
			return false
		}
	}
	return true
}

func equalValue(a, b interface{}) bool {
	am, aok := a.(*Map)
	bm, bok := b.(*Map)
	if aok || bok {
		return aok && bok && am.Equal(bm)
	}
	al, aok := a.([]interface{})
	bl, bok := b.([]interface{})
	if aok || bok {
		if !aok || !bok || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !equalValue(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}

// SortedKeys returns the keys in lexicographic order
func (m *Map) SortedKeys() []string {
	keys := m.Keys()
	sort.Strings(keys)
	return keys
}

// ToPlain converts the tree to plain map[string]interface{} values,
// losing key order. Useful for handoff to generic consumers.
func (m *Map) ToPlain() map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m.keys))
	for _, key := range m.keys {
		out[key] = plainValue(m.values[key])
	}
	return out
}

func plainValue(value interface{}) interface{} {
	switch v := value.(type) {
	case *Map:
		return v.ToPlain()
	case []interface{}:
		items := make([]interface{}, len(v))
		for i, item := range v {
			items[i] = plainValue(item)
		}
		return items
	}
	return value
}

// UnmarshalYAML decodes a YAML mapping node preserving key order
func (m *Map) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("expected a mapping node but got %v", node.Kind)
	}
	m.keys = nil
	m.values = make(map[string]interface{})
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		value, err := DecodeNode(node.Content[i+1])
		if err != nil {
			return err
		}
		// a repeated mapping key deep-merges rather than replaces
		if existing, ok := m.Get(key).(*Map); ok {
			if sub, ok := value.(*Map); ok {
				existing.Merge(sub)
				continue
			}
		}
		m.Set(key, value)
	}
	return nil
}

// MarshalYAML emits the mapping preserving key order
func (m *Map) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range m.keys {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: key}
		var valueNode yaml.Node
		if err := valueNode.Encode(m.values[key]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, keyNode, &valueNode)
	}
	return node, nil
}

// DecodeNode converts a YAML node into ordered values: mappings become
// *Map, sequences []interface{}, scalars their natural types
func DecodeNode(node *yaml.Node) (interface{}, error) {
	if node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	switch node.Kind {
	case yaml.MappingNode:
		sub := New()
		if err := sub.UnmarshalYAML(node); err != nil {
			return nil, err
		}
		return sub, nil
	case yaml.SequenceNode:
		items := make([]interface{}, 0, len(node.Content))
		for _, child := range node.Content {
			item, err := DecodeNode(child)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	default:
		var value interface{}
		if err := node.Decode(&value); err != nil {
			return nil, err
		}
		return value, nil
	}
}

// Unmarshal parses YAML text into an ordered Map
func Unmarshal(data []byte) (*Map, error) {
	m := New()
	if len(strings.TrimSpace(string(data))) == 0 {
		return m, nil
	}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Marshal renders an ordered Map as YAML text
func Marshal(m *Map) ([]byte, error) {
	return yaml.Marshal(m)
}
