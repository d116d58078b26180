package evaluator

import (
	"fmt"
	"strings"

	"github.com/caracal-pipeline/stimela/utils/basetypes"
	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/subst"
)

// selfSentinel marks the SELF keyword during evaluation
type selfSentinel struct{}

// UnsetError indicates an UNSET value surfacing where one is not allowed
type UnsetError struct {
	Name string
}

func (e UnsetError) Error() string {
	return fmt.Sprintf("'%s' undefined", e.Name)
}

// Evaluator evaluates formulas and substitutions over a namespace
type Evaluator struct {
	ns       *subst.NS
	ctx      *subst.Context
	location []string
	// AllowUnresolved tolerates UNSET results everywhere
	AllowUnresolved bool
	// SelfValue is the value of the key being computed, for SELF
	SelfValue interface{}
}

// New returns an evaluator over the given namespace and optional
// substitution context
func New(ns *subst.NS, ctx *subst.Context, location ...string) *Evaluator {
	return &Evaluator{ns: ns, ctx: ctx, location: location}
}

func (ev *Evaluator) errLocation() string {
	return strings.Join(ev.location, ".")
}

// resolve routes string values through the substitution context
func (ev *Evaluator) resolve(value interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok || ev.ctx == nil {
		return value, nil
	}
	result, err := ev.ctx.Evaluate(s, ev.location)
	if err != nil {
		return nil, subst.SubstitutionError{Msg: s, Nested: err}
	}
	return result, nil
}

// Evaluate evaluates a value: "=formula" strings are parsed and evaluated,
// "==..." is the literal-equals escape, other strings are {}-substituted,
// and non-strings pass through.
func (ev *Evaluator) Evaluate(value interface{}, sublocation ...string) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	savedLen := len(ev.location)
	ev.location = append(ev.location, sublocation...)
	defer func() { ev.location = ev.location[:savedLen] }()

	if !strings.HasPrefix(s, "=") {
		return ev.resolve(s)
	}
	if strings.HasPrefix(s, "==") {
		return ev.resolve(s[1:])
	}
	root, err := Parse(s[1:])
	if err != nil {
		return nil, ParserError{Msg: fmt.Sprintf("%s: error parsing formula '%s'", ev.errLocation(), s), Nested: err}
	}
	result, err := ev.eval(root, true)
	if err != nil {
		return nil, FormulaError{Msg: fmt.Sprintf("%s: evaluation of '%s' failed", ev.errLocation(), s), Nested: err}
	}
	return result, nil
}

// eval evaluates a parsed node. allowUnset permits an UNSET result.
func (ev *Evaluator) eval(node expr, allowUnset bool) (interface{}, error) {
	allowUnset = allowUnset || ev.AllowUnresolved
	var value interface{}
	var err error
	switch n := node.(type) {
	case constExpr:
		value, err = ev.resolve(n.value)
	case unsetExpr:
		value = basetypes.UNSET{}
	case emptyExpr:
		value = ""
	case selfExpr:
		value = selfSentinel{}
	case lookupExpr:
		value, err = ev.lookup(n.fields, allowUnset)
	case unaryExpr:
		value, err = ev.evalUnary(n)
	case binaryExpr:
		value, err = ev.evalBinary(n)
	case callExpr:
		value, err = ev.call(n)
	default:
		return nil, ParserError{Msg: fmt.Sprintf("%s: unhandled formula element %T", ev.errLocation(), node)}
	}
	if err != nil {
		if _, isSubst := err.(subst.SubstitutionError); isSubst && allowUnset {
			return basetypes.UNSET{Errors: []error{err}}, nil
		}
		if _, isUnknown := err.(subst.UnknownKeyError); isUnknown && allowUnset {
			return basetypes.UNSET{Errors: []error{err}}, nil
		}
		return nil, err
	}
	if u, isUnset := value.(basetypes.UNSET); isUnset && !allowUnset {
		return nil, UnsetError{Name: u.Name}
	}
	return value, nil
}

// lookup resolves a dotted name against the namespace. A missing final
// component yields UNSET carrying the dotted path; missing intermediates
// are an error.
func (ev *Evaluator) lookup(fields []string, allowUnset bool) (interface{}, error) {
	var current interface{} = ev.ns
	for i, fld := range fields {
		node, ok := current.(*subst.NS)
		if !ok {
			return nil, subst.SubstitutionError{
				Msg: fmt.Sprintf("%s: '%s' unresolved (at '%s')", ev.errLocation(), strings.Join(fields, "."), fld),
			}
		}
		value, err := node.Get(ev.ctx, fld)
		if err != nil {
			if _, unknown := err.(subst.UnknownKeyError); unknown {
				if i < len(fields)-1 {
					return nil, subst.SubstitutionError{
						Msg: fmt.Sprintf("%s: '%s' undefined (in '%s')", ev.errLocation(), fld, strings.Join(fields, ".")),
					}
				}
				return basetypes.UNSET{Name: strings.Join(fields, ".")}, nil
			}
			return nil, err
		}
		current = value
	}
	return ev.resolve(current)
}

func isUnsetValue(value interface{}) bool {
	_, ok := value.(basetypes.UNSET)
	return ok
}

func (ev *Evaluator) evalUnary(n unaryExpr) (interface{}, error) {
	// not treats UNSET as falsey; other unaries propagate it
	arg, err := ev.eval(n.arg, true)
	if err != nil {
		return nil, err
	}
	if n.op == "not" {
		if isUnsetValue(arg) {
			return true, nil
		}
		return !truthy(arg), nil
	}
	if isUnsetValue(arg) {
		return arg, nil
	}
	return applyUnary(n.op, arg)
}

func (ev *Evaluator) evalBinary(n binaryExpr) (interface{}, error) {
	// any UNSET operand short-circuits the operator to UNSET
	left, err := ev.eval(n.left, true)
	if err != nil {
		return nil, err
	}
	right, err := ev.eval(n.right, true)
	if err != nil {
		return nil, err
	}
	if isUnsetValue(left) {
		return left, nil
	}
	if isUnsetValue(right) {
		return right, nil
	}
	return applyBinary(n.op, left, right)
}

// truthy implements value truthiness: empty strings, zero numbers, empty
// lists and false are falsey
func truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case int:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != ""
	case []interface{}:
		return len(v) > 0
	case basetypes.UNSET:
		return false
	}
	return true
}

// Truthy reports the truthiness of a value (exported for skip conditions)
func Truthy(value interface{}) bool {
	return truthy(value)
}

// EvaluateDict walks a parameter mapping, evaluating each value. An UNSET
// result reverts to the default (re-evaluated) or deletes the key; errors,
// when not raised, are wrapped as Unresolved.
func (ev *Evaluator) EvaluateDict(params *ordered.Map, correspondingNS *subst.NS,
	defaults *ordered.Map, raiseSubstErrors bool) (*ordered.Map, error) {
	result := params.Copy()
	for _, name := range params.Keys() {
		value := params.Get(name)
		if basetypes.IsUnresolved(value) {
			continue
		}
		retry := true
		for retry {
			retry = false
			newValue, err := ev.Evaluate(value, name)
			if err != nil {
				if raiseSubstErrors {
					return nil, err
				}
				newValue = basetypes.Unresolved{Value: fmt.Sprintf("%v", value), Errors: []error{err}}
			}
			if isUnsetValue(newValue) {
				if def, ok := defaults.Lookup(name); ok && def != nil && !isUnsetValue(def) {
					value = def
					result.Set(name, def)
					if correspondingNS != nil {
						correspondingNS.Set(name, fmt.Sprintf("%v", def))
					}
					retry = true
					continue
				}
				result.Delete(name)
				if correspondingNS != nil {
					correspondingNS.Delete(name)
				}
				continue
			}
			result.Set(name, newValue)
			if correspondingNS != nil && !sameValue(newValue, value) {
				correspondingNS.Set(name, newValue)
			}
		}
	}
	return result, nil
}

func sameValue(a, b interface{}) bool {
	switch a.(type) {
	case string, int, int64, float64, bool, nil:
		return a == b
	}
	return false
}
