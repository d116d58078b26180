package evaluator

import (
	"fmt"
	"math"
	"strings"
)

func applyUnary(op string, arg interface{}) (interface{}, error) {
	switch op {
	case "+":
		switch v := arg.(type) {
		case int, float64:
			return v, nil
		}
	case "-":
		switch v := arg.(type) {
		case int:
			return -v, nil
		case float64:
			return -v, nil
		}
	case "~":
		if v, ok := arg.(int); ok {
			return ^v, nil
		}
	}
	return nil, FormulaError{Msg: fmt.Sprintf("unary '%s' not applicable to %T", op, arg)}
}

// numericPair promotes two numeric operands to a common type
func numericPair(a, b interface{}) (int, int, float64, float64, bool, bool) {
	ai, aIsInt := a.(int)
	bi, bIsInt := b.(int)
	if aIsInt && bIsInt {
		return ai, bi, 0, 0, true, true
	}
	af, aOk := toFloat(a)
	bf, bOk := toFloat(b)
	return 0, 0, af, bf, false, aOk && bOk
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func applyBinary(op string, left, right interface{}) (interface{}, error) {
	switch op {
	case "and":
		if !truthy(left) {
			return left, nil
		}
		return right, nil
	case "or":
		if truthy(left) {
			return left, nil
		}
		return right, nil
	case "in", "not in":
		found, err := contains(right, left)
		if err != nil {
			return nil, err
		}
		if op == "not in" {
			return !found, nil
		}
		return found, nil
	case "==":
		return equalValues(left, right), nil
	case "!=":
		return !equalValues(left, right), nil
	}

	// string concatenation and repetition
	if ls, ok := left.(string); ok {
		switch op {
		case "+":
			if rs, ok := right.(string); ok {
				return ls + rs, nil
			}
		case "*":
			if n, ok := right.(int); ok {
				return strings.Repeat(ls, n), nil
			}
		case "<", ">", "<=", ">=":
			if rs, ok := right.(string); ok {
				return compareOrdered(op, strings.Compare(ls, rs)), nil
			}
		}
		return nil, FormulaError{Msg: fmt.Sprintf("'%s' not applicable to string operands", op)}
	}

	// list concatenation
	if ll, ok := left.([]interface{}); ok && op == "+" {
		if rl, ok := right.([]interface{}); ok {
			return append(append([]interface{}{}, ll...), rl...), nil
		}
	}

	li, ri, lf, rf, isInt, ok := numericPair(left, right)
	if !ok {
		return nil, FormulaError{Msg: fmt.Sprintf("'%s' not applicable to %T and %T", op, left, right)}
	}
	if isInt {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "/":
			if ri == 0 {
				return nil, FormulaError{Msg: "division by zero"}
			}
			return float64(li) / float64(ri), nil
		case "//":
			if ri == 0 {
				return nil, FormulaError{Msg: "division by zero"}
			}
			return floorDivInt(li, ri), nil
		case "%":
			if ri == 0 {
				return nil, FormulaError{Msg: "division by zero"}
			}
			return li - floorDivInt(li, ri)*ri, nil
		case "**":
			return intPow(li, ri), nil
		case "<<":
			return li << uint(ri), nil
		case ">>":
			return li >> uint(ri), nil
		case "&":
			return li & ri, nil
		case "^":
			return li ^ ri, nil
		case "|":
			return li | ri, nil
		case "<", ">", "<=", ">=":
			switch {
			case li < ri:
				return compareOrdered(op, -1), nil
			case li > ri:
				return compareOrdered(op, 1), nil
			}
			return compareOrdered(op, 0), nil
		}
	} else {
		switch op {
		case "+":
			return lf + rf, nil
		case "-":
			return lf - rf, nil
		case "*":
			return lf * rf, nil
		case "/":
			if rf == 0 {
				return nil, FormulaError{Msg: "division by zero"}
			}
			return lf / rf, nil
		case "//":
			if rf == 0 {
				return nil, FormulaError{Msg: "division by zero"}
			}
			return math.Floor(lf / rf), nil
		case "%":
			if rf == 0 {
				return nil, FormulaError{Msg: "division by zero"}
			}
			return lf - math.Floor(lf/rf)*rf, nil
		case "**":
			return math.Pow(lf, rf), nil
		case "<", ">", "<=", ">=":
			switch {
			case lf < rf:
				return compareOrdered(op, -1), nil
			case lf > rf:
				return compareOrdered(op, 1), nil
			}
			return compareOrdered(op, 0), nil
		}
	}
	return nil, FormulaError{Msg: fmt.Sprintf("unknown operator '%s'", op)}
}

func floorDivInt(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func intPow(base, exp int) interface{} {
	if exp < 0 {
		return math.Pow(float64(base), float64(exp))
	}
	result := 1
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func compareOrdered(op string, cmp int) bool {
	switch op {
	case "<":
		return cmp < 0
	case ">":
		return cmp > 0
	case "<=":
		return cmp <= 0
	case ">=":
		return cmp >= 0
	}
	return false
}

func equalValues(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	al, aIsList := a.([]interface{})
	bl, bIsList := b.([]interface{})
	if aIsList || bIsList {
		if !aIsList || !bIsList || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !equalValues(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}

func contains(container, item interface{}) (bool, error) {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		if !ok {
			return false, FormulaError{Msg: "'in' on a string requires a string operand"}
		}
		return strings.Contains(c, s), nil
	case []interface{}:
		for _, member := range c {
			if equalValues(member, item) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, FormulaError{Msg: fmt.Sprintf("'in' not applicable to %T", container)}
}
