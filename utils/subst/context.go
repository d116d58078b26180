package subst

import (
	"fmt"
	"strings"
)

// SubstitutionError indicates a failed {}-substitution
type SubstitutionError struct {
	Msg    string
	Nested error
}

func (e SubstitutionError) Error() string {
	if e.Nested != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Nested)
	}
	return e.Msg
}

func (e SubstitutionError) Unwrap() error {
	return e.Nested
}

// UnknownKeyError indicates a missing namespace key
type UnknownKeyError struct {
	Key      string
	Location []string
}

func (e UnknownKeyError) Error() string {
	if len(e.Location) > 0 {
		return fmt.Sprintf("'%s' undefined (in %s)", e.Key, strings.Join(e.Location, "."))
	}
	return fmt.Sprintf("'%s' undefined", e.Key)
}

// CyclicSubstitutionError indicates a substitution that refers back to a
// location already being substituted
type CyclicSubstitutionError struct {
	Location []string
	Other    []string
}

func (e CyclicSubstitutionError) Error() string {
	return fmt.Sprintf("cyclic substitution of {%s} (from {%s})",
		strings.Join(e.Location, "."), strings.Join(e.Other, "."))
}

// ErrClass classifies substitution failures for the forgiveness policy
type ErrClass string

const (
	ErrClassUnknownKey   ErrClass = "unknown-key"
	ErrClassSubstitution ErrClass = "substitution"
)

// ForgivePolicy maps error classes to their forgiveness mode: "" replaces
// the reference with an empty string, any other string is a template
// formatted with {name}, {value}, {target} and {exc}, and true renders the
// error inline.
type ForgivePolicy map[ErrClass]interface{}

// Classify maps an error to its forgiveness class
func Classify(err error) (ErrClass, bool) {
	switch err.(type) {
	case UnknownKeyError:
		return ErrClassUnknownKey, true
	case SubstitutionError:
		return ErrClassSubstitution, true
	}
	return "", false
}

type frame struct {
	location []string
	from     string
}

// Context scopes {}-substitution and formula evaluation over a namespace,
// with a configurable error policy. A context is re-entrant: Evaluate may
// be invoked recursively during nested lookups, with cycle detection over
// the set of references currently being substituted.
type Context struct {
	NS          *NS
	RaiseErrors bool
	Forgive     ForgivePolicy

	stack []frame
	// references currently being substituted, for cycle detection
	active map[string]bool
}

// NewContext returns a substitution context over the given namespace
func NewContext(ns *NS, raiseErrors bool, forgive ForgivePolicy) *Context {
	return &Context{NS: ns, RaiseErrors: raiseErrors, Forgive: forgive}
}

// Forgiving returns a copy of the context with raise-errors disabled and
// unknown keys forgiven to empty strings
func (ctx *Context) Forgiving() *Context {
	forgive := ForgivePolicy{ErrClassUnknownKey: "", ErrClassSubstitution: ""}
	for class, mode := range ctx.Forgive {
		forgive[class] = mode
	}
	return NewContext(ctx.NS, false, forgive)
}

func (ctx *Context) currentLocation() []string {
	if len(ctx.stack) == 0 {
		return nil
	}
	return ctx.stack[len(ctx.stack)-1].location
}

// pushLookup records a nested attribute lookup on the current frame, so
// that error messages and forgiveness templates carry the full location
func (ctx *Context) pushLookup(name string) error {
	if len(ctx.stack) == 0 {
		return nil
	}
	top := &ctx.stack[len(ctx.stack)-1]
	top.location = append(top.location, name)
	return nil
}

// forgive consults the forgiveness policy for an error; when forgiven,
// returns the substitute value
func (ctx *Context) forgive(err error, target string, value interface{}) (interface{}, bool) {
	class, ok := Classify(err)
	if !ok {
		return nil, false
	}
	mode, ok := ctx.Forgive[class]
	if !ok {
		return nil, false
	}
	name := strings.Join(ctx.currentLocation(), ".")
	switch m := mode.(type) {
	case string:
		if m == "" {
			return StringWrapper{Value: ""}, true
		}
		text := strings.NewReplacer(
			"{name}", name,
			"{value}", fmt.Sprintf("%v", value),
			"{target}", target,
			"{exc}", err.Error(),
		).Replace(m)
		return StringWrapper{Value: text}, true
	case bool:
		if m {
			return StringWrapper{Value: fmt.Sprintf("(%T: %v)", err, err)}, true
		}
	}
	return nil, false
}

// Evaluate substitutes {}-references in a value. Strings are expanded;
// lists and mappings are recursed into, with new containers returned only
// if something changed; other values pass through.
func (ctx *Context) Evaluate(value interface{}, location []string) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return ctx.evaluateString(v, location)
	case []interface{}:
		var out []interface{}
		for i, item := range v {
			newItem, err := ctx.Evaluate(item, append(location, fmt.Sprintf("%d", i)))
			if err != nil {
				return nil, err
			}
			if out == nil && !shallowEqual(newItem, item) {
				out = make([]interface{}, i, len(v))
				copy(out, v[:i])
			}
			if out != nil {
				out = append(out, newItem)
			}
		}
		if out != nil {
			return out, nil
		}
		return v, nil
	case map[string]interface{}:
		var out map[string]interface{}
		for key, item := range v {
			newItem, err := ctx.Evaluate(item, append(location, key))
			if err != nil {
				return nil, err
			}
			if out == nil && !shallowEqual(newItem, item) {
				out = make(map[string]interface{}, len(v))
				for k, val := range v {
					out[k] = val
				}
			}
			if out != nil {
				out[key] = newItem
			}
		}
		if out != nil {
			return out, nil
		}
		return v, nil
	}
	return value, nil
}

func shallowEqual(a, b interface{}) bool {
	switch a.(type) {
	case string, int, int64, float64, bool, nil:
		return a == b
	}
	// containers compare by identity only; treat as changed-if-new
	return fmt.Sprintf("%p", a) == fmt.Sprintf("%p", b)
}

// evaluateString expands {a.b.c}-references in a string. {{ and }} denote
// literal braces; nested substitutions are handled by the per-lookup
// evaluation inside NS.Get, so escapes survive inner passes.
func (ctx *Context) evaluateString(s string, location []string) (interface{}, error) {
	if !strings.ContainsRune(s, '{') {
		return s, nil
	}
	ctx.stack = append(ctx.stack, frame{location: append([]string(nil), location...)})
	defer func() {
		ctx.stack = ctx.stack[:len(ctx.stack)-1]
	}()

	var out strings.Builder
	i := 0
	sawRef := false
	var singleValue interface{}
	for i < len(s) {
		c := s[i]
		switch {
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			out.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			out.WriteByte('}')
			i += 2
		case c == '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				return nil, SubstitutionError{Msg: fmt.Sprintf("unbalanced '{' in '%s'", s)}
			}
			ref := s[i+1 : i+end]
			// a format spec after ':' is accepted and ignored
			if colon := strings.IndexByte(ref, ':'); colon >= 0 {
				ref = ref[:colon]
			}
			if ref == "" {
				return nil, SubstitutionError{Msg: fmt.Sprintf("empty substitution in '%s'", s)}
			}
			// a reference already being substituted is a cycle
			if ctx.active == nil {
				ctx.active = map[string]bool{}
			}
			if ctx.active[ref] {
				return nil, CyclicSubstitutionError{
					Location: strings.Split(ref, "."),
					Other:    append([]string(nil), ctx.currentLocation()...),
				}
			}
			ctx.active[ref] = true
			value, err := ctx.NS.GetDotted(ctx, ref)
			delete(ctx.active, ref)
			if err != nil {
				if wrapped, ok := ctx.forgive(err, ref, nil); ok {
					value = wrapped
				} else {
					return nil, err
				}
			}
			// a string that is one single reference yields the value itself
			if !sawRef && out.Len() == 0 && i+end+1 == len(s) {
				singleValue = value
			}
			sawRef = true
			fmt.Fprintf(&out, "%v", renderValue(value))
			i += end + 1
		default:
			out.WriteByte(c)
			i++
		}
	}
	if singleValue != nil {
		if _, isStr := singleValue.(string); !isStr {
			if _, isWrap := singleValue.(StringWrapper); !isWrap {
				return singleValue, nil
			}
		}
	}
	return out.String(), nil
}

func renderValue(value interface{}) interface{} {
	if w, ok := value.(StringWrapper); ok {
		return w.Value
	}
	return value
}
