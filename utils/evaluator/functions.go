package evaluator

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/caracal-pipeline/stimela/utils/basetypes"
	"github.com/caracal-pipeline/stimela/utils/subst"
)

func (ev *Evaluator) arityError(fn string, expected string, got int) error {
	return FormulaError{Msg: fmt.Sprintf("%s: %s() expects %s arguments, got %d", ev.errLocation(), fn, expected, got)}
}

func (ev *Evaluator) call(n callExpr) (interface{}, error) {
	switch n.fn {
	case "LIST":
		items := make([]interface{}, 0, len(n.args))
		for _, arg := range n.args {
			value, err := ev.eval(arg, false)
			if err != nil {
				return nil, err
			}
			items = append(items, value)
		}
		return items, nil

	case "IF":
		if len(n.args) < 3 || len(n.args) > 4 {
			return nil, ev.arityError("IF", "3 or 4", len(n.args))
		}
		cond, err := ev.eval(n.args[0], len(n.args) == 4)
		if err != nil {
			return nil, err
		}
		if u, isUnset := cond.(basetypes.UNSET); isUnset {
			if len(n.args) < 4 {
				return nil, subst.SubstitutionError{
					Msg: fmt.Sprintf("%s: '%s' is not defined", ev.errLocation(), u.Name),
				}
			}
			return ev.eval(n.args[3], false)
		}
		if truthy(cond) {
			return ev.eval(n.args[1], false)
		}
		return ev.eval(n.args[2], false)

	case "IFSET":
		if len(n.args) < 1 || len(n.args) > 3 {
			return nil, ev.arityError("IFSET", "1 to 3", len(n.args))
		}
		value, err := ev.eval(n.args[0], true)
		if err != nil {
			return nil, err
		}
		if isUnsetValue(value) {
			if len(n.args) < 3 {
				return basetypes.UNSET{}, nil
			}
			return ev.eval(n.args[2], false)
		}
		if len(n.args) < 2 {
			return value, nil
		}
		ifSet, err := ev.eval(n.args[1], false)
		if err != nil {
			return nil, err
		}
		if _, isSelf := ifSet.(selfSentinel); isSelf {
			return value, nil
		}
		return ifSet, nil

	case "GLOB", "EXISTS":
		if len(n.args) != 1 {
			return nil, ev.arityError(n.fn, "1", len(n.args))
		}
		pattern, err := ev.eval(n.args[0], false)
		if err != nil {
			return nil, err
		}
		if isUnsetValue(pattern) {
			return pattern, nil
		}
		matches, err := globPattern(fmt.Sprintf("%v", pattern))
		if err != nil {
			return nil, FormulaError{Msg: fmt.Sprintf("%s: bad %s() pattern", ev.errLocation(), n.fn), Nested: err}
		}
		if n.fn == "EXISTS" {
			return len(matches) > 0, nil
		}
		sort.Strings(matches)
		items := make([]interface{}, len(matches))
		for i, m := range matches {
			items[i] = m
		}
		return items, nil

	case "DIRNAME", "BASENAME", "EXTENSION", "STRIPEXT":
		if len(n.args) != 1 {
			return nil, ev.arityError(n.fn, "1", len(n.args))
		}
		value, err := ev.eval(n.args[0], false)
		if err != nil {
			return nil, err
		}
		if isUnsetValue(value) {
			return value, nil
		}
		path := fmt.Sprintf("%v", value)
		switch n.fn {
		case "DIRNAME":
			// a bare file name (no '/') has an empty dirname
			if !strings.ContainsRune(path, '/') {
				return "", nil
			}
			return filepath.Dir(path), nil
		case "BASENAME":
			return filepath.Base(path), nil
		case "EXTENSION":
			return filepath.Ext(path), nil
		default:
			return strings.TrimSuffix(path, filepath.Ext(path)), nil
		}

	case "SORT", "RSORT":
		if len(n.args) != 1 {
			return nil, ev.arityError(n.fn, "1", len(n.args))
		}
		value, err := ev.eval(n.args[0], false)
		if err != nil {
			return nil, err
		}
		if isUnsetValue(value) {
			return value, nil
		}
		items, ok := value.([]interface{})
		if !ok {
			return nil, FormulaError{Msg: fmt.Sprintf("%s: %s() expects a list", ev.errLocation(), n.fn)}
		}
		sorted := append([]interface{}{}, items...)
		sort.Slice(sorted, func(i, j int) bool {
			return fmt.Sprintf("%v", sorted[i]) < fmt.Sprintf("%v", sorted[j])
		})
		if n.fn == "RSORT" {
			for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
		return sorted, nil

	case "GETITEM":
		if len(n.args) != 2 {
			return nil, ev.arityError("GETITEM", "2", len(n.args))
		}
		container, err := ev.eval(n.args[0], false)
		if err != nil {
			return nil, err
		}
		index, err := ev.eval(n.args[1], false)
		if err != nil {
			return nil, err
		}
		if isUnsetValue(container) || isUnsetValue(index) {
			return basetypes.UNSET{}, nil
		}
		switch c := container.(type) {
		case []interface{}:
			i, ok := index.(int)
			if !ok {
				return nil, FormulaError{Msg: fmt.Sprintf("%s: GETITEM() list index must be an integer", ev.errLocation())}
			}
			if i < 0 {
				i += len(c)
			}
			if i < 0 || i >= len(c) {
				return nil, FormulaError{Msg: fmt.Sprintf("%s: GETITEM() index %v out of range", ev.errLocation(), index)}
			}
			return c[i], nil
		case *subst.NS:
			key := fmt.Sprintf("%v", index)
			value, err := c.Get(ev.ctx, key)
			if err != nil {
				return nil, err
			}
			return value, nil
		}
		return nil, FormulaError{Msg: fmt.Sprintf("%s: GETITEM() not applicable to %T", ev.errLocation(), container)}

	case "CASES":
		if len(n.args) < 2 {
			return nil, ev.arityError("CASES", "at least 2", len(n.args))
		}
		i := 0
		for ; i+1 < len(n.args); i += 2 {
			cond, err := ev.eval(n.args[i], true)
			if err != nil {
				return nil, err
			}
			if !isUnsetValue(cond) && truthy(cond) {
				return ev.eval(n.args[i+1], false)
			}
		}
		// odd trailing argument is the default
		if i < len(n.args) {
			return ev.eval(n.args[i], false)
		}
		return basetypes.UNSET{}, nil

	case "ERROR":
		if len(n.args) != 1 {
			return nil, ev.arityError("ERROR", "1", len(n.args))
		}
		msg, err := ev.eval(n.args[0], false)
		if err != nil {
			return nil, err
		}
		return nil, FormulaError{Msg: fmt.Sprintf("%s: %v", ev.errLocation(), msg)}
	}
	return nil, FormulaError{Msg: fmt.Sprintf("%s: unknown function %s", ev.errLocation(), n.fn)}
}

// globPattern expands a filesystem glob, supporting ** via doublestar
func globPattern(pattern string) ([]string, error) {
	base, pat := doublestar.SplitPattern(pattern)
	matches, err := doublestar.Glob(dirFS(base), pat)
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
