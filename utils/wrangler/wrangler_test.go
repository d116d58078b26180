package wrangler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStatus records declarations for assertions
type fakeStatus struct {
	success  *bool
	errors   []error
	warnings []string
	outputs  map[string]interface{}
}

func (f *fakeStatus) DeclareSuccess() {
	if f.success == nil {
		t := true
		f.success = &t
	}
}

func (f *fakeStatus) DeclareFailure(err error) {
	v := false
	f.success = &v
	if err != nil {
		f.errors = append(f.errors, err)
	}
}

func (f *fakeStatus) DeclareWarning(message string) {
	f.warnings = append(f.warnings, message)
}

func (f *fakeStatus) DeclareOutputs(outputs map[string]interface{}) {
	if f.outputs == nil {
		f.outputs = map[string]interface{}{}
	}
	for k, v := range outputs {
		f.outputs[k] = v
	}
}

func TestParseSeverity(t *testing.T) {
	sev, err := ParseSeverity("WARNING")
	require.NoError(t, err)
	assert.Equal(t, Warning, sev)
	_, err = ParseSeverity("NOISE")
	assert.Error(t, err)
	// FATAL maps to CRITICAL
	sev, err = ParseSeverity("FATAL")
	require.NoError(t, err)
	assert.Equal(t, Critical, sev)
}

func TestReplace(t *testing.T) {
	rule, err := NewRule(`secret=\w+`, "REPLACE:secret=***")
	require.NoError(t, err)
	st := &fakeStatus{}
	line, _, matched, keep := rule.Apply(st, "got secret=hunter2 here", Info)
	assert.True(t, matched)
	assert.True(t, keep)
	assert.Equal(t, "got secret=*** here", line)
}

func TestSuppress(t *testing.T) {
	rule, err := NewRule(`^DEBUG`, "SUPPRESS")
	require.NoError(t, err)
	st := &fakeStatus{}
	_, _, _, keep := rule.Apply(st, "DEBUG noisy line", Info)
	assert.False(t, keep)

	_, _, matched, keep := rule.Apply(st, "normal line", Info)
	assert.False(t, matched)
	assert.True(t, keep)
}

func TestSeverityChange(t *testing.T) {
	rule, err := NewRule(`deprecated`, "SEVERITY:WARNING")
	require.NoError(t, err)
	st := &fakeStatus{}
	_, sev, _, _ := rule.Apply(st, "this call is deprecated", Info)
	assert.Equal(t, Warning, sev)

	// severity is max-merged, never lowered
	rule2, err := NewRule(`whatever`, "SEVERITY:DEBUG")
	require.NoError(t, err)
	_, sev, _, _ = rule2.Apply(st, "whatever", Error)
	assert.Equal(t, Error, sev)
}

func TestDeclareWarningAndError(t *testing.T) {
	rule, err := NewRule(`low memory`, "WARNING:memory is running low")
	require.NoError(t, err)
	st := &fakeStatus{}
	rule.Apply(st, "low memory detected", Info)
	assert.Equal(t, []string{"memory is running low"}, st.warnings)

	rule, err = NewRule(`FATAL: (?P<reason>.*)`, "ERROR:failed with {reason}")
	require.NoError(t, err)
	st = &fakeStatus{}
	_, sev, _, _ := rule.Apply(st, "FATAL: disk exploded", Info)
	require.NotNil(t, st.success)
	assert.False(t, *st.success)
	require.Len(t, st.errors, 1)
	assert.Contains(t, st.errors[0].Error(), "disk exploded")
	assert.Equal(t, Error, sev)
}

func TestDeclareSuccess(t *testing.T) {
	rule, err := NewRule(`all done`, "DECLARE_SUCCESS")
	require.NoError(t, err)
	st := &fakeStatus{}
	rule.Apply(st, "all done here", Info)
	require.NotNil(t, st.success)
	assert.True(t, *st.success)
}

func TestParseOutput(t *testing.T) {
	rule, err := NewRule(`count: (?P<n>\d+)`, "PARSE_OUTPUT:n:int")
	require.NoError(t, err)
	st := &fakeStatus{}
	rule.Apply(st, "count: 42", Info)
	assert.Equal(t, 42, st.outputs["n"])
}

func TestParseOutputExplicitName(t *testing.T) {
	rule, err := NewRule(`value=(\S+)`, "PARSE_OUTPUT:result:1:float")
	require.NoError(t, err)
	st := &fakeStatus{}
	rule.Apply(st, "value=2.5", Info)
	assert.Equal(t, 2.5, st.outputs["result"])
}

func TestParseOutputBadGroup(t *testing.T) {
	_, err := NewRule(`plain`, "PARSE_OUTPUT:nope:int")
	assert.Error(t, err)
}

func TestParseJSONOutputs(t *testing.T) {
	rule, err := NewRule(`n=(?P<n>\S+) s=(?P<s>\S+)`, "PARSE_JSON_OUTPUTS")
	require.NoError(t, err)
	st := &fakeStatus{}
	rule.Apply(st, `n=3 s="text"`, Info)
	assert.Equal(t, float64(3), st.outputs["n"])
	assert.Equal(t, "text", st.outputs["s"])
}

func TestParseJSONOutputDict(t *testing.T) {
	rule, err := NewRule(`^### OUT ## (.*)$`, "PARSE_JSON_OUTPUT_DICT")
	require.NoError(t, err)
	st := &fakeStatus{}
	rule.Apply(st, `### OUT ## {"n": 3, "name": "x"}`, Info)
	assert.Equal(t, float64(3), st.outputs["n"])
	assert.Equal(t, "x", st.outputs["name"])
}

func TestBadSpecifier(t *testing.T) {
	_, err := NewRule(`x`, "NOT_A_THING:1")
	assert.Error(t, err)
	_, err = NewRule(`(unbalanced`, "SUPPRESS")
	assert.Error(t, err)
}

func TestActionOrderPreserved(t *testing.T) {
	// within a rule, actions apply in declared order: the replace runs
	// before the severity change
	rule, err := NewRule(`warn`, []string{"REPLACE:notice", "SEVERITY:WARNING"})
	require.NoError(t, err)
	st := &fakeStatus{}
	line, sev, _, _ := rule.Apply(st, "warn: check this", Info)
	assert.Equal(t, "notice: check this", line)
	assert.Equal(t, Warning, sev)
}

func TestApplyAllRuleOrder(t *testing.T) {
	first, err := NewRule(`alpha`, "REPLACE:beta")
	require.NoError(t, err)
	second, err := NewRule(`beta`, "REPLACE:gamma")
	require.NoError(t, err)
	st := &fakeStatus{}
	// each regex is tested against the line in declared order, so the
	// second rule sees the first rule's rewrite
	line, _, ok := ApplyAll([]*Rule{first, second}, st, "alpha", Info)
	require.True(t, ok)
	assert.Equal(t, "gamma", line)
}

func TestFirstFailureWins(t *testing.T) {
	st := &fakeStatus{}
	st.DeclareFailure(nil)
	st.DeclareSuccess()
	require.NotNil(t, st.success)
	assert.False(t, *st.success)
}
