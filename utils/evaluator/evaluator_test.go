package evaluator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/caracal-pipeline/stimela/utils/basetypes"
	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/subst"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvaluator() *Evaluator {
	ns := subst.NewNS()
	ns.Set("recipe.x", 10)
	ns.Set("recipe.y", 3)
	ns.Set("recipe.name", "demo")
	ns.Set("recipe.flag", true)
	ns.Set("recipe.items", []interface{}{"a", "b", "c"})
	ctx := subst.NewContext(ns, true, nil)
	return New(ns, ctx)
}

func TestArithmetic(t *testing.T) {
	ev := testEvaluator()
	tests := []struct {
		formula  string
		expected interface{}
	}{
		{"=1 + 2", 3},
		{"=2 * 3 + 4", 10},
		{"=2 + 3 * 4", 14},
		{"=(2 + 3) * 4", 20},
		{"=2 ** 3", 8},
		{"=7 // 2", 3},
		{"=7 % 3", 1},
		{"=7 / 2", 3.5},
		{"=-5 + 2", -3},
		{"=1 << 3", 8},
		{"=6 & 3", 2},
		{"=6 | 1", 7},
		{"=6 ^ 3", 5},
		{"=1.5 * 2", 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			result, err := ev.Evaluate(tt.formula)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestComparisonsAndLogic(t *testing.T) {
	ev := testEvaluator()
	tests := []struct {
		formula  string
		expected interface{}
	}{
		{"=1 < 2", true},
		{"=2 <= 2", true},
		{"=3 != 4", true},
		{"='a' == 'a'", true},
		{"=recipe.x > recipe.y", true},
		{"=not recipe.flag", false},
		{"=recipe.flag and 'yes'", "yes"},
		{"=recipe.flag or 'no'", true},
		{"='b' in recipe.items", true},
		{"='z' not in recipe.items", true},
		{"='el' in 'hello'", true},
	}
	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			result, err := ev.Evaluate(tt.formula)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestNamespaceLookup(t *testing.T) {
	ev := testEvaluator()
	result, err := ev.Evaluate("=recipe.x + recipe.y")
	require.NoError(t, err)
	assert.Equal(t, 13, result)

	// missing final component yields UNSET
	result, err = ev.Evaluate("=recipe.missing")
	require.NoError(t, err)
	assert.True(t, basetypes.IsUnset(result))

	// a missing intermediate is tolerated at top level, carrying the
	// error; as a function argument (e.g. to LIST) it raises
	result, err = ev.Evaluate("=nowhere.at.all")
	require.NoError(t, err)
	u, ok := result.(basetypes.UNSET)
	require.True(t, ok)
	assert.NotEmpty(t, u.Errors)
}

func TestUnsetPropagation(t *testing.T) {
	ev := testEvaluator()
	// UNSET propagates through binary operators
	result, err := ev.Evaluate("=recipe.missing + 1")
	require.NoError(t, err)
	assert.True(t, basetypes.IsUnset(result))

	// not treats UNSET as falsey
	result, err = ev.Evaluate("=not recipe.missing")
	require.NoError(t, err)
	assert.Equal(t, true, result)
}

func TestIFFunction(t *testing.T) {
	ev := testEvaluator()
	result, err := ev.Evaluate("=IF(recipe.x > 5, 'big', 'small')")
	require.NoError(t, err)
	assert.Equal(t, "big", result)

	result, err = ev.Evaluate("=IF(recipe.x < 5, 'big', 'small')")
	require.NoError(t, err)
	assert.Equal(t, "small", result)

	// fourth argument applies when the condition is UNSET
	result, err = ev.Evaluate("=IF(recipe.missing, 1, 2, 3)")
	require.NoError(t, err)
	assert.Equal(t, 3, result)

	// without it, an UNSET condition is an error
	_, err = ev.Evaluate("=IF(recipe.missing, 1, 2)")
	require.Error(t, err)
}

func TestIFSETFunction(t *testing.T) {
	ev := testEvaluator()
	result, err := ev.Evaluate("=IFSET(recipe.x)")
	require.NoError(t, err)
	assert.Equal(t, 10, result)

	result, err = ev.Evaluate("=IFSET(recipe.missing, 1, 2)")
	require.NoError(t, err)
	assert.Equal(t, 2, result)

	result, err = ev.Evaluate("=IFSET(recipe.x, SELF, 0)")
	require.NoError(t, err)
	assert.Equal(t, 10, result)

	result, err = ev.Evaluate("=IFSET(recipe.missing)")
	require.NoError(t, err)
	assert.True(t, basetypes.IsUnset(result))
}

func TestListAndPathFunctions(t *testing.T) {
	ev := testEvaluator()
	result, err := ev.Evaluate("=LIST(1, 2, 'x')")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{1, 2, "x"}, result)

	result, err = ev.Evaluate("=BASENAME('/a/b/c.txt')")
	require.NoError(t, err)
	assert.Equal(t, "c.txt", result)

	result, err = ev.Evaluate("=DIRNAME('/a/b/c.txt')")
	require.NoError(t, err)
	assert.Equal(t, "/a/b", result)

	result, err = ev.Evaluate("=EXTENSION('/a/b/c.txt')")
	require.NoError(t, err)
	assert.Equal(t, ".txt", result)

	result, err = ev.Evaluate("=STRIPEXT('/a/b/c.txt')")
	require.NoError(t, err)
	assert.Equal(t, "/a/b/c", result)
}

func TestSortFunctions(t *testing.T) {
	ev := testEvaluator()
	result, err := ev.Evaluate("=SORT(LIST('c', 'a', 'b'))")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c"}, result)

	result, err = ev.Evaluate("=RSORT(LIST('c', 'a', 'b'))")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"c", "b", "a"}, result)
}

func TestGetitemAndCases(t *testing.T) {
	ev := testEvaluator()
	result, err := ev.Evaluate("=GETITEM(recipe.items, 1)")
	require.NoError(t, err)
	assert.Equal(t, "b", result)

	result, err = ev.Evaluate("=CASES(recipe.x > 100, 'huge', recipe.x > 5, 'big', 'small')")
	require.NoError(t, err)
	assert.Equal(t, "big", result)

	_, err = ev.Evaluate("=ERROR('deliberate')")
	require.Error(t, err)
}

func TestGlobAndExists(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.txt"), []byte("1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.txt"), []byte("2"), 0644))

	ev := testEvaluator()
	result, err := ev.Evaluate("=GLOB('" + filepath.Join(dir, "*.txt") + "')")
	require.NoError(t, err)
	list, ok := result.([]interface{})
	require.True(t, ok)
	assert.Len(t, list, 2)

	result, err = ev.Evaluate("=EXISTS('" + filepath.Join(dir, "one.txt") + "')")
	require.NoError(t, err)
	assert.Equal(t, true, result)

	result, err = ev.Evaluate("=EXISTS('" + filepath.Join(dir, "nope.txt") + "')")
	require.NoError(t, err)
	assert.Equal(t, false, result)
}

func TestLiteralEqualsEscape(t *testing.T) {
	ev := testEvaluator()
	result, err := ev.Evaluate("==not a formula")
	require.NoError(t, err)
	assert.Equal(t, "=not a formula", result)
}

func TestPlainStringsAreSubstituted(t *testing.T) {
	ev := testEvaluator()
	result, err := ev.Evaluate("name is {recipe.name}")
	require.NoError(t, err)
	assert.Equal(t, "name is demo", result)
}

func TestParseCache(t *testing.T) {
	// parse is a pure function of the source string, and cached
	a, err := Parse("1 + 2")
	require.NoError(t, err)
	b, err := Parse("1 + 2")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// failures are cached too
	_, err1 := Parse("1 +")
	_, err2 := Parse("1 +")
	require.Error(t, err1)
	assert.Equal(t, err1, err2)
}

func TestEvaluateDict(t *testing.T) {
	ev := testEvaluator()
	params := ordered.New()
	params.Set("a", "=recipe.x + 1")
	params.Set("b", "plain")
	params.Set("c", "=recipe.missing")
	defaults := ordered.New()
	defaults.Set("c", 42)

	result, err := ev.EvaluateDict(params, nil, defaults, true)
	require.NoError(t, err)
	assert.Equal(t, 11, result.Get("a"))
	assert.Equal(t, "plain", result.Get("b"))
	// UNSET reverts to the default
	assert.Equal(t, 42, result.Get("c"))

	// with no default, the key is deleted
	params2 := ordered.New()
	params2.Set("gone", "=recipe.missing")
	result, err = ev.EvaluateDict(params2, nil, ordered.New(), true)
	require.NoError(t, err)
	assert.False(t, result.Has("gone"))
}

func TestEvaluateDictTolerant(t *testing.T) {
	ev := testEvaluator()
	params := ordered.New()
	params.Set("bad", "{nowhere.at.all}")
	result, err := ev.EvaluateDict(params, nil, ordered.New(), false)
	require.NoError(t, err)
	assert.True(t, basetypes.IsUnresolved(result.Get("bad")))
}
