package cab

import (
	"strings"
	"testing"

	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/wrangler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeCab(t *testing.T, yamlText string) *Cab {
	t.Helper()
	conf, err := ordered.Unmarshal([]byte(yamlText))
	require.NoError(t, err)
	c, err := FromConfig("", conf)
	require.NoError(t, err)
	require.NoError(t, c.Finalize(""))
	return c
}

func params(pairs ...interface{}) *ordered.Map {
	return ordered.FromPairs(pairs...)
}

func TestSimpleCommandLine(t *testing.T) {
	c := makeCab(t, `
command: simms
inputs:
  msname:
    dtype: File
    required: true
    policies:
      positional: true
  synthesis: int=1
  dtime: int=1
`)
	args, err := c.BuildArgumentList(params("msname", "example.ms", "synthesis", 1, "dtime", 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"--synthesis", "1", "--dtime", "1", "example.ms"}, args)
}

func TestRequiredParameterMissing(t *testing.T) {
	c := makeCab(t, `
command: tool
inputs:
  needed:
    dtype: str
    required: true
`)
	_, err := c.BuildArgumentList(ordered.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needed")
}

func TestRepeatPolicies(t *testing.T) {
	value := []interface{}{"a", "b", "c"}
	tests := []struct {
		repeat   string
		expected []string
	}{
		// "list" yields len(value) extra tokens after the option
		{"list", []string{"--files", "a", "b", "c"}},
		// "[]" yields exactly one extra token
		{"[]", []string{"--files", "[a,b,c]"}},
		// "repeat" yields 2*len(value) tokens
		{"repeat", []string{"--files", "a", "--files", "b", "--files", "c"}},
		// any other string is a join separator
		{",", []string{"--files", "a,b,c"}},
	}
	for _, tt := range tests {
		t.Run(tt.repeat, func(t *testing.T) {
			c := makeCab(t, `
command: tool
inputs:
  files:
    dtype: List[str]
    policies:
      repeat: "`+tt.repeat+`"
`)
			args, err := c.BuildArgumentList(params("files", value))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, args)
		})
	}
}

func TestListWithoutRepeatPolicyIsError(t *testing.T) {
	c := makeCab(t, `
command: tool
inputs:
  files: List[str]
`)
	_, err := c.BuildArgumentList(params("files", []interface{}{"a"}))
	assert.Error(t, err)
}

func TestBooleanHandling(t *testing.T) {
	c := makeCab(t, `
command: tool
inputs:
  flag: bool
  loud:
    dtype: bool
    policies:
      explicit_true: "1"
      explicit_false: "0"
`)
	// true bool is the bare option, false is absent
	args, err := c.BuildArgumentList(params("flag", true))
	require.NoError(t, err)
	assert.Equal(t, []string{"--flag"}, args)

	args, err = c.BuildArgumentList(params("flag", false))
	require.NoError(t, err)
	assert.Empty(t, args)

	// explicit_true/false produce a value token
	args, err = c.BuildArgumentList(params("loud", true))
	require.NoError(t, err)
	assert.Equal(t, []string{"--loud", "1"}, args)

	args, err = c.BuildArgumentList(params("loud", false))
	require.NoError(t, err)
	assert.Equal(t, []string{"--loud", "0"}, args)
}

func TestKeyValuePolicy(t *testing.T) {
	c := makeCab(t, `
command: tool
inputs:
  mode:
    dtype: str
    policies:
      key_value: true
`)
	args, err := c.BuildArgumentList(params("mode", "fast"))
	require.NoError(t, err)
	assert.Equal(t, []string{"mode=fast"}, args)
}

func TestPrefixAndNomDeGuerre(t *testing.T) {
	c := makeCab(t, `
command: tool
inputs:
  long-name:
    dtype: str
    nom_de_guerre: ln
  single:
    dtype: str
    policies:
      prefix: "-"
`)
	args, err := c.BuildArgumentList(params("long-name", "x", "single", "y"))
	require.NoError(t, err)
	assert.Equal(t, []string{"--ln", "x", "-single", "y"}, args)
}

func TestReplacePolicy(t *testing.T) {
	c := makeCab(t, `
command: tool
policies:
  replace:
    "-": "_"
inputs:
  my-option: str
`)
	args, err := c.BuildArgumentList(params("my-option", "v"))
	require.NoError(t, err)
	assert.Equal(t, []string{"--my_option", "v"}, args)
}

func TestPositionalHead(t *testing.T) {
	c := makeCab(t, `
command: tool
inputs:
  subcommand:
    dtype: str
    policies:
      positional_head: true
  opt: str
  target:
    dtype: str
    policies:
      positional: true
`)
	args, err := c.BuildArgumentList(params("subcommand", "run", "opt", "v", "target", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "--opt", "v", "out.txt"}, args)
}

func TestSkipAndImplicits(t *testing.T) {
	c := makeCab(t, `
command: tool
inputs:
  hidden:
    dtype: str
    policies:
      skip: true
  auto:
    dtype: str
    implicit: "{recipe.x}"
  shown: str
`)
	args, err := c.BuildArgumentList(params("hidden", "a", "auto", "b", "shown", "c"))
	require.NoError(t, err)
	assert.Equal(t, []string{"--shown", "c"}, args)
}

func TestYAMLParameterPassing(t *testing.T) {
	c := makeCab(t, `
command: tool
parameter_passing: yaml
inputs:
  a: int
  b: str
`)
	args, err := c.BuildArgumentList(params("a", 1, "b", "x"))
	require.NoError(t, err)
	require.Len(t, args, 1)
	assert.Contains(t, args[0], "a: 1")
	assert.Contains(t, args[0], "b: x")
}

func TestSplitPolicy(t *testing.T) {
	c := makeCab(t, `
command: tool
inputs:
  fields:
    dtype: str
    policies:
      split: ","
      repeat: list
`)
	args, err := c.BuildArgumentList(params("fields", "a,b,c"))
	require.NoError(t, err)
	assert.Equal(t, []string{"--fields", "a", "b", "c"}, args)
}

func TestFormatPolicy(t *testing.T) {
	c := makeCab(t, `
command: tool
inputs:
  scaled:
    dtype: int
    policies:
      format: "x{0}"
`)
	args, err := c.BuildArgumentList(params("scaled", 3))
	require.NoError(t, err)
	assert.Equal(t, []string{"--scaled", "x3"}, args)
}

func TestFlavourDetection(t *testing.T) {
	conf, err := ordered.Unmarshal([]byte(`command: mypkg.mymod.func
flavour: python`))
	require.NoError(t, err)
	c, err := FromConfig("pycab", conf)
	require.NoError(t, err)
	assert.Equal(t, FlavourPython, c.Flavour)
	assert.Equal(t, "mypkg.mymod", c.pyModule)
	assert.Equal(t, "func", c.pyFunction)

	// legacy (module)function form implies python flavour
	conf, err = ordered.Unmarshal([]byte(`command: (mypkg.mymod)func`))
	require.NoError(t, err)
	c, err = FromConfig("legacy", conf)
	require.NoError(t, err)
	assert.Equal(t, FlavourPython, c.Flavour)
	assert.Equal(t, "mypkg.mymod", c.pyModule)

	// python flavour without a dotted command is an error
	conf, err = ordered.Unmarshal([]byte(`command: bare
flavour: python`))
	require.NoError(t, err)
	_, err = FromConfig("bad", conf)
	assert.Error(t, err)
}

func TestPythonDriver(t *testing.T) {
	conf, err := ordered.Unmarshal([]byte(`
command: mypkg.func
flavour: python
outputs:
  n: int
`))
	require.NoError(t, err)
	c, err := FromConfig("pycab", conf)
	require.NoError(t, err)
	args, err := c.PythonDriver(params("x", 1))
	require.NoError(t, err)
	require.Len(t, args, 4)
	assert.Equal(t, "python3", args[0])
	assert.Equal(t, "-c", args[1])
	assert.Contains(t, args[2], `importlib.import_module("mypkg")`)
	assert.Contains(t, args[2], OutputSentinel)
	assert.Equal(t, `{"x":1}`, args[3])
}

func TestRuntimeStatusFirstFailureWins(t *testing.T) {
	c := makeCab(t, `command: tool`)
	st := c.NewRuntimeStatus()
	st.DeclareFailure(CabError("boom"))
	st.DeclareSuccess()
	require.NotNil(t, st.Success())
	assert.False(t, *st.Success())
	assert.Len(t, st.Errors(), 1)
}

// CabError is a trivial error for tests
type CabError string

func (e CabError) Error() string { return string(e) }

func TestOutputSentinelRule(t *testing.T) {
	conf, err := ordered.Unmarshal([]byte(`
command: mypkg.func
flavour: python
outputs:
  n: int
`))
	require.NoError(t, err)
	c, err := FromConfig("pycab", conf)
	require.NoError(t, err)

	st := c.NewRuntimeStatus()
	line := OutputSentinel + `{"n": 3}`
	_, _, ok := st.ApplyWranglers(line, wrangler.Info)
	// the sentinel line is suppressed and its payload parsed
	assert.False(t, ok)
	assert.Equal(t, float64(3), st.Outputs().Get("n"))
}

func TestWranglersFromManagement(t *testing.T) {
	c := makeCab(t, `
command: tool
management:
  wranglers:
    "ERROR: (?P<msg>.*)":
      - "ERROR:{msg}"
`)
	st := c.NewRuntimeStatus()
	_, _, _ = st.ApplyWranglers("ERROR: bad input", wrangler.Info)
	require.NotNil(t, st.Success())
	assert.False(t, *st.Success())
}

func TestSummary(t *testing.T) {
	c := makeCab(t, `
command: tool
inputs:
  given: str
  missing:
    dtype: str
    required: true
`)
	lines := c.Summary(params("given", "x"), false)
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "given = x")
	assert.Contains(t, joined, "missing = ???")
}
