package subst

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNamespace() *NS {
	ns := NewNS()
	ns.Set("recipe.msname", "demo.ms")
	ns.Set("recipe.band", "L")
	ns.Set("info.label", "selfcal")
	return ns
}

func TestNSDottedAssignment(t *testing.T) {
	ns := NewNS()
	ns.Set("a.b.c", 42)
	value, err := ns.GetDotted(nil, "a.b.c")
	require.NoError(t, err)
	assert.Equal(t, 42, value)

	// mapping values become sub-namespaces
	ns.Set("m", map[string]interface{}{"x": 1})
	value, err = ns.GetDotted(nil, "m.x")
	require.NoError(t, err)
	assert.Equal(t, 1, value)
}

func TestNSWildcardFallback(t *testing.T) {
	ns := NewNS()
	ns.Set("step-1", "a")
	ns.Set("step-2", "b")
	ns.Set("step-3", "c")
	// a wildcard key matches the lexicographically-largest existing key
	value, err := ns.Get(nil, "step-*")
	require.NoError(t, err)
	assert.Equal(t, "c", value)
}

func TestBraceSubstitution(t *testing.T) {
	ctx := NewContext(testNamespace(), true, nil)
	tests := []struct {
		name     string
		input    string
		expected interface{}
	}{
		{"simple", "ms is {recipe.msname}", "ms is demo.ms"},
		{"two refs", "{recipe.msname}-{recipe.band}", "demo.ms-L"},
		{"escaped braces", "{{literal}} {recipe.band}", "{literal} L"},
		{"no tokens", "plain string", "plain string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ctx.Evaluate(tt.input, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestBraceSubstitutionIdempotent(t *testing.T) {
	ctx := NewContext(testNamespace(), true, nil)
	input := "no tokens here"
	once, err := ctx.Evaluate(input, nil)
	require.NoError(t, err)
	twice, err := ctx.Evaluate(once, nil)
	require.NoError(t, err)
	assert.Equal(t, input, twice)
}

func TestNestedSubstitution(t *testing.T) {
	ns := NewNS()
	ns.Set("a", "x{b}y")
	ns.Set("b", "B")
	ctx := NewContext(ns, true, nil)
	result, err := ctx.Evaluate("got {a}", nil)
	require.NoError(t, err)
	assert.Equal(t, "got xBy", result)
}

func TestCyclicSubstitutionDetected(t *testing.T) {
	ns := NewNS()
	ns.Set("a", "{b}")
	ns.Set("b", "{a}")
	ctx := NewContext(ns, true, nil)
	_, err := ctx.Evaluate("{a}", nil)
	require.Error(t, err)
	assert.IsType(t, CyclicSubstitutionError{}, err)
}

func TestUnknownKeyRaises(t *testing.T) {
	ctx := NewContext(testNamespace(), true, nil)
	_, err := ctx.Evaluate("{recipe.nothere}", nil)
	require.Error(t, err)
}

func TestForgivenessModes(t *testing.T) {
	ns := testNamespace()

	// empty-string mode
	ctx := NewContext(ns, false, ForgivePolicy{ErrClassUnknownKey: ""})
	result, err := ctx.Evaluate("x{recipe.nothere}y", nil)
	require.NoError(t, err)
	assert.Equal(t, "xy", result)

	// template mode: {target} is the key that failed to resolve
	ctx = NewContext(ns, false, ForgivePolicy{ErrClassUnknownKey: "<{target}>"})
	result, err = ctx.Evaluate("got {recipe.nothere}", nil)
	require.NoError(t, err)
	assert.Equal(t, "got <nothere>", result)
}

func TestStringWrapperAbsorbsAccess(t *testing.T) {
	ns := NewNS()
	ctx := NewContext(ns, false, ForgivePolicy{ErrClassUnknownKey: "MISSING"})
	// deep attribute access on a missing root still resolves to the wrapper
	result, err := ctx.Evaluate("{x.y.z} xxx", nil)
	require.NoError(t, err)
	assert.Equal(t, "MISSING xxx", result)
}

func TestContainerRecursion(t *testing.T) {
	ctx := NewContext(testNamespace(), true, nil)
	input := []interface{}{"{recipe.band}", "plain", 7}
	result, err := ctx.Evaluate(input, nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"L", "plain", 7}, result)

	// unchanged containers are returned as-is
	unchanged := []interface{}{"plain", 7}
	result, err = ctx.Evaluate(unchanged, nil)
	require.NoError(t, err)
	assert.Equal(t, unchanged, result)
}

func TestSingleReferencePreservesType(t *testing.T) {
	ns := NewNS()
	ns.Set("count", 3)
	ctx := NewContext(ns, true, nil)
	result, err := ctx.Evaluate("{count}", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result)
}

func TestMerge(t *testing.T) {
	a := NewNS()
	a.Set("x.one", 1)
	b := NewNS()
	b.Set("x.two", 2)
	a.Merge(b)
	value, err := a.GetDotted(nil, "x.one")
	require.NoError(t, err)
	assert.Equal(t, 1, value)
	value, err = a.GetDotted(nil, "x.two")
	require.NoError(t, err)
	assert.Equal(t, 2, value)
}

func TestNoSubstSubtree(t *testing.T) {
	ns := NewNS()
	ns.SetNoSubst("config.opts", "{not.a.reference}")
	ctx := NewContext(ns, true, nil)
	value, err := ns.GetDotted(ctx, "config.opts")
	require.NoError(t, err)
	assert.Equal(t, "{not.a.reference}", value)
}
