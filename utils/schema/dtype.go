package schema

import (
	"fmt"
)

// TypeKind enumerates the atomic and composite kinds a dtype expression
// can denote
type TypeKind int

const (
	KindStr TypeKind = iota
	KindInt
	KindFloat
	KindBool
	KindFile
	KindDirectory
	KindMS
	KindURI
	KindAny
	KindList
	KindDict
	KindOptional
	KindUnion
	KindTuple
)

var atomicKinds = map[string]TypeKind{
	"str":       KindStr,
	"int":       KindInt,
	"float":     KindFloat,
	"bool":      KindBool,
	"File":      KindFile,
	"Directory": KindDirectory,
	"MS":        KindMS,
	"URI":       KindURI,
	"Any":       KindAny,
}

// Type is a parsed dtype expression tree
type Type struct {
	Kind TypeKind
	// element types: one for List/Optional, two for Dict, N for Union/Tuple
	Elem []*Type
	// original source text
	Source string
}

// IsFileLike reports whether the type (or, for Optional, its element)
// denotes a single file-like value
func (t *Type) IsFileLike() bool {
	switch t.Kind {
	case KindFile, KindDirectory, KindMS, KindURI:
		return true
	case KindOptional:
		return t.Elem[0].IsFileLike()
	}
	return false
}

// IsFileList reports whether the type is a list of file-like values
func (t *Type) IsFileList() bool {
	switch t.Kind {
	case KindList:
		return t.Elem[0].IsFileLike()
	case KindOptional:
		return t.Elem[0].IsFileList()
	}
	return false
}

// MustBeDir reports whether existing paths of this type must be directories
func (t *Type) MustBeDir() bool {
	switch t.Kind {
	case KindDirectory, KindMS:
		return true
	case KindOptional:
		return t.Elem[0].MustBeDir()
	case KindList:
		return t.Elem[0].MustBeDir()
	}
	return false
}

// FileLikeName returns the dtype name used for file-like leaf extraction,
// or "" when the type holds no file-like leaves
func (t *Type) FileLikeName() string {
	switch t.Kind {
	case KindFile:
		return "File"
	case KindDirectory:
		return "Directory"
	case KindMS:
		return "MS"
	case KindURI:
		return "URI"
	case KindList, KindOptional:
		return t.Elem[0].FileLikeName()
	}
	return ""
}

func (t *Type) String() string {
	return t.Source
}

// ParseType parses a dtype expression such as "List[File]" or
// "Union[int, str]" into a Type tree
func ParseType(dtype string) (*Type, error) {
	p := &typeParser{src: dtype}
	t, err := p.parse()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("invalid dtype '%s': trailing text at %d", dtype, p.pos)
	}
	t.Source = dtype
	return t, nil
}

type typeParser struct {
	src string
	pos int
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *typeParser) ident() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' {
			p.pos++
		} else {
			break
		}
	}
	return p.src[start:p.pos]
}

func (p *typeParser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.src) || p.src[p.pos] != c {
		return fmt.Errorf("invalid dtype '%s': expected '%c' at %d", p.src, c, p.pos)
	}
	p.pos++
	return nil
}

func (p *typeParser) parse() (*Type, error) {
	p.skipSpace()
	name := p.ident()
	if name == "" {
		return nil, fmt.Errorf("invalid dtype '%s': expected a type name at %d", p.src, p.pos)
	}
	if kind, ok := atomicKinds[name]; ok {
		return &Type{Kind: kind, Source: name}, nil
	}
	var kind TypeKind
	var minArgs, maxArgs int
	switch name {
	case "List":
		kind, minArgs, maxArgs = KindList, 1, 1
	case "Optional":
		kind, minArgs, maxArgs = KindOptional, 1, 1
	case "Dict":
		kind, minArgs, maxArgs = KindDict, 2, 2
	case "Union":
		kind, minArgs, maxArgs = KindUnion, 1, -1
	case "Tuple":
		kind, minArgs, maxArgs = KindTuple, 1, -1
	default:
		return nil, fmt.Errorf("invalid dtype '%s': unknown type '%s'", p.src, name)
	}
	if err := p.expect('['); err != nil {
		return nil, err
	}
	t := &Type{Kind: kind}
	for {
		elem, err := p.parse()
		if err != nil {
			return nil, err
		}
		t.Elem = append(t.Elem, elem)
		p.skipSpace()
		if p.pos < len(p.src) && p.src[p.pos] == ',' {
			p.pos++
			continue
		}
		break
	}
	if err := p.expect(']'); err != nil {
		return nil, err
	}
	if len(t.Elem) < minArgs || (maxArgs >= 0 && len(t.Elem) > maxArgs) {
		return nil, fmt.Errorf("invalid dtype '%s': wrong number of arguments to %s", p.src, name)
	}
	t.Source = p.src[:p.pos]
	return t, nil
}

// CheckValue verifies that a concrete value conforms to the type,
// coercing where the source representation allows (YAML ints for floats,
// strings for file-like types). Returns the possibly-coerced value.
func (t *Type) CheckValue(value interface{}) (interface{}, error) {
	switch t.Kind {
	case KindAny:
		return value, nil
	case KindStr:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, typeError(t, value)
	case KindInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		}
		return nil, typeError(t, value)
	case KindFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
		return nil, typeError(t, value)
	case KindBool:
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, typeError(t, value)
	case KindFile, KindDirectory, KindMS, KindURI:
		if s, ok := asString(value); ok {
			return s, nil
		}
		return nil, typeError(t, value)
	case KindOptional:
		if value == nil {
			return nil, nil
		}
		return t.Elem[0].CheckValue(value)
	case KindList:
		items, ok := asList(value)
		if !ok {
			return nil, typeError(t, value)
		}
		result := make([]interface{}, 0, len(items))
		for _, item := range items {
			checked, err := t.Elem[0].CheckValue(item)
			if err != nil {
				return nil, err
			}
			result = append(result, checked)
		}
		return result, nil
	case KindTuple:
		items, ok := asList(value)
		if !ok || len(items) != len(t.Elem) {
			return nil, typeError(t, value)
		}
		result := make([]interface{}, 0, len(items))
		for i, item := range items {
			checked, err := t.Elem[i].CheckValue(item)
			if err != nil {
				return nil, err
			}
			result = append(result, checked)
		}
		return result, nil
	case KindDict:
		mapping, ok := value.(map[string]interface{})
		if !ok {
			return nil, typeError(t, value)
		}
		result := make(map[string]interface{}, len(mapping))
		for key, item := range mapping {
			checked, err := t.Elem[1].CheckValue(item)
			if err != nil {
				return nil, err
			}
			result[key] = checked
		}
		return result, nil
	case KindUnion:
		for _, elem := range t.Elem {
			if checked, err := elem.CheckValue(value); err == nil {
				return checked, nil
			}
		}
		return nil, typeError(t, value)
	}
	return nil, fmt.Errorf("unhandled dtype kind %d", t.Kind)
}

func typeError(t *Type, value interface{}) error {
	return fmt.Errorf("value %v does not match dtype '%s'", value, t.Source)
}

func asString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case fmt.Stringer:
		return v.String(), true
	}
	return "", false
}

func asList(value interface{}) ([]interface{}, bool) {
	switch v := value.(type) {
	case []interface{}:
		return v, true
	case []string:
		items := make([]interface{}, len(v))
		for i, s := range v {
			items[i] = s
		}
		return items, true
	}
	return nil, false
}
