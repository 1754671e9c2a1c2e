package filter

import (
	"math"
	"strconv"
	"strings"
	"sync"
)

// epsilon for float equality; matches wire-precision noise, not exact
// arithmetic.
const epsilon = 1e-9

// FieldKind discriminates field values.
type FieldKind int

// Field value kinds.
const (
	FieldInt FieldKind = iota
	FieldFloat
	FieldString
	FieldBool
)

// FieldValue is one sample field presented to the evaluator.
type FieldValue struct {
	Kind FieldKind
	I    int64
	F    float64
	S    string
	B    bool
}

// Int builds an integer field value.
func Int(v int64) FieldValue { return FieldValue{Kind: FieldInt, I: v} }

// Float builds a float field value.
func Float(v float64) FieldValue { return FieldValue{Kind: FieldFloat, F: v} }

// String builds a string field value.
func String(v string) FieldValue { return FieldValue{Kind: FieldString, S: v} }

// Bool builds a boolean field value.
func Bool(v bool) FieldValue { return FieldValue{Kind: FieldBool, B: v} }

// Filter is a compiled expression plus its positional parameters. Safe
// for concurrent evaluation; parameters may be swapped at runtime.
type Filter struct {
	expr   *Expression
	mu     sync.RWMutex
	params []string
}

// New compiles expression with its initial parameter set.
func New(expression string, params []string) (*Filter, error) {
	expr, err := Parse(expression)
	if err != nil {
		return nil, err
	}
	return &Filter{expr: expr, params: params}, nil
}

// SetParameters replaces the positional parameters.
func (f *Filter) SetParameters(params []string) {
	f.mu.Lock()
	f.params = params
	f.mu.Unlock()
}

// Matches evaluates the filter against a field map. A non-nil error means
// the sample is not delivered and carries the introspection reason.
func (f *Filter) Matches(fields map[string]FieldValue) (bool, error) {
	f.mu.RLock()
	params := f.params
	f.mu.RUnlock()
	return eval(f.expr, fields, params)
}

func eval(e *Expression, fields map[string]FieldValue, params []string) (bool, error) {
	switch e.kind {
	case exprTrue:
		return true, nil
	case exprCmp:
		left, err := resolve(e.cmp.left, fields, params)
		if err != nil {
			return false, err
		}
		right, err := resolve(e.cmp.right, fields, params)
		if err != nil {
			return false, err
		}
		return compare(left, e.cmp.op, right)
	case exprAnd:
		l, err := eval(e.left, fields, params)
		if err != nil || !l {
			return false, err
		}
		return eval(e.right, fields, params)
	case exprOr:
		l, err := eval(e.left, fields, params)
		if err != nil || l {
			return l, err
		}
		return eval(e.right, fields, params)
	case exprNot:
		v, err := eval(e.left, fields, params)
		return !v, err
	}
	return false, errf(ParseError, "corrupt expression")
}

func resolve(v Value, fields map[string]FieldValue, params []string) (FieldValue, error) {
	switch v.kind {
	case valInt:
		return Int(v.i), nil
	case valFloat:
		return Float(v.f), nil
	case valString:
		return String(v.s), nil
	case valBool:
		return Bool(v.b), nil
	case valParam:
		if v.param >= len(params) {
			return FieldValue{}, errf(ParameterOutOfRange, "%%%d with %d parameters", v.param, len(params))
		}
		return parseParam(params[v.param]), nil
	case valField:
		fv, ok := fields[v.field]
		if !ok {
			return FieldValue{}, errf(UnknownField, "%s", v.field)
		}
		return fv, nil
	}
	return FieldValue{}, errf(ParseError, "corrupt value")
}

// parseParam interprets a parameter string as number, bool, then string.
func parseParam(s string) FieldValue {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Float(f)
	}
	if strings.EqualFold(s, "true") {
		return Bool(true)
	}
	if strings.EqualFold(s, "false") {
		return Bool(false)
	}
	return String(s)
}

func compare(left FieldValue, op Operator, right FieldValue) (bool, error) {
	if op == OpLike {
		if left.Kind != FieldString || right.Kind != FieldString {
			return false, errf(TypeMismatch, "LIKE requires string operands")
		}
		return likeMatch(left.S, right.S), nil
	}

	// Integer and float operands compare in the float domain.
	if left.Kind == FieldInt && right.Kind == FieldFloat {
		left = Float(float64(left.I))
	} else if left.Kind == FieldFloat && right.Kind == FieldInt {
		right = Float(float64(right.I))
	}
	if left.Kind != right.Kind {
		return false, errf(TypeMismatch, "cannot compare %v with %v", left.Kind, right.Kind)
	}

	switch left.Kind {
	case FieldInt:
		return compareOrdered(left.I, op, right.I), nil
	case FieldFloat:
		return compareFloat(left.F, op, right.F), nil
	case FieldString:
		return compareOrdered(left.S, op, right.S), nil
	case FieldBool:
		switch op {
		case OpEq:
			return left.B == right.B, nil
		case OpNe:
			return left.B != right.B, nil
		}
		return false, errf(TypeMismatch, "boolean only supports = and <>")
	}
	return false, errf(TypeMismatch, "unsupported operand")
}

func compareOrdered[T int64 | string](a T, op Operator, b T) bool {
	switch op {
	case OpGt:
		return a > b
	case OpLt:
		return a < b
	case OpGe:
		return a >= b
	case OpLe:
		return a <= b
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	}
	return false
}

func compareFloat(a float64, op Operator, b float64) bool {
	switch op {
	case OpGt:
		return a > b
	case OpLt:
		return a < b
	case OpGe:
		return a >= b || math.Abs(a-b) < epsilon
	case OpLe:
		return a <= b || math.Abs(a-b) < epsilon
	case OpEq:
		return math.Abs(a-b) < epsilon
	case OpNe:
		return math.Abs(a-b) >= epsilon
	}
	return false
}

// likeMatch implements LIKE with `%` (any run, including empty) and `_`
// (exactly one character).
func likeMatch(text, pattern string) bool {
	t := []rune(text)
	p := []rune(pattern)
	return likeRunes(t, p)
}

func likeRunes(text, pattern []rune) bool {
	if len(pattern) == 0 {
		return len(text) == 0
	}
	switch pattern[0] {
	case '%':
		if likeRunes(text, pattern[1:]) {
			return true
		}
		if len(text) == 0 {
			return false
		}
		return likeRunes(text[1:], pattern)
	case '_':
		if len(text) == 0 {
			return false
		}
		return likeRunes(text[1:], pattern[1:])
	default:
		if len(text) == 0 || text[0] != pattern[0] {
			return false
		}
		return likeRunes(text[1:], pattern[1:])
	}
}
