package recipe

import (
	"context"
	"testing"

	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig is a library with a couple of echo-based cabs
const testConfig = `
cabs:
  echo:
    command: echo
    inputs:
      message:
        dtype: str
        policies:
          positional: true
  noop:
    command: "true"
`

func makeLibrary(t *testing.T, extra string) *Library {
	t.Helper()
	conf, err := ordered.Unmarshal([]byte(testConfig + extra))
	require.NoError(t, err)
	return NewLibrary(conf)
}

func TestRecipeFromConfig(t *testing.T) {
	lib := makeLibrary(t, `
recipes:
  simple:
    info: a test recipe
    steps:
      one:
        cab: echo
        params:
          message: hello
      two:
        cab: noop
`)
	r, err := lib.GetRecipe("simple")
	require.NoError(t, err)
	require.NoError(t, r.Finalize("simple"))
	require.Len(t, r.Steps, 2)
	assert.Equal(t, "simple.one", r.Steps[0].Fqname)
	assert.False(t, r.Steps[0].IsRecipe())
	assert.NotNil(t, r.Steps[0].Cab())
}

func TestStepsRunInDeclarationOrder(t *testing.T) {
	lib := makeLibrary(t, `
recipes:
  ordered-run:
    steps:
      c: {cab: noop}
      a: {cab: noop}
      b: {cab: noop}
`)
	r, err := lib.GetRecipe("ordered-run")
	require.NoError(t, err)
	require.NoError(t, r.Finalize("ordered-run"))
	var labels []string
	for _, step := range r.Steps {
		labels = append(labels, step.Label)
	}
	assert.Equal(t, []string{"c", "a", "b"}, labels)
}

func TestForLoopSerial(t *testing.T) {
	lib := makeLibrary(t, `
recipes:
  loop:
    for_loop:
      var: i
      over: [a, b, c]
      scatter: 0
    steps:
      echoer:
        cab: echo
        params:
          message: "{recipe.i}"
`)
	r, err := lib.GetRecipe("loop")
	require.NoError(t, err)
	outputs, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	// one keyed output set per iteration, in iterant order
	assert.Equal(t, []string{"0", "1", "2"}, outputs.Keys())
	// the iterant assignments track the last iteration
	assert.Equal(t, "c", r.Defaults.Get("i"))
	assert.Equal(t, 2, r.Defaults.Get("i@index"))
}

func TestForLoopEmpty(t *testing.T) {
	lib := makeLibrary(t, `
recipes:
  empty-loop:
    for_loop:
      var: i
      over: []
    steps:
      echoer:
        cab: echo
        params:
          message: "{recipe.i}"
`)
	r, err := lib.GetRecipe("empty-loop")
	require.NoError(t, err)
	outputs, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, outputs.Len())
}

func TestForLoopScatter(t *testing.T) {
	lib := makeLibrary(t, `
recipes:
  scatter-loop:
    for_loop:
      var: i
      over: [a, b, c]
      scatter: 2
    steps:
      echoer:
        cab: echo
        params:
          message: "{recipe.i}"
`)
	r, err := lib.GetRecipe("scatter-loop")
	require.NoError(t, err)
	outputs, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	// all three iterations complete, keyed by iterant index
	assert.Equal(t, []string{"0", "1", "2"}, outputs.Keys())
}

func TestForLoopScatterOneIsSerialEquivalent(t *testing.T) {
	// scatter=1 produces the same keyed outputs as serial execution
	for _, scatter := range []string{"0", "1"} {
		extra := `
recipes:
  eq:
    for_loop:
      var: i
      over: [x, y]
      scatter: ` + scatter + `
    steps:
      echoer:
        cab: echo
        params:
          message: "{recipe.i}"
`
		lib := makeLibrary(t, extra)
		r, err := lib.GetRecipe("eq")
		require.NoError(t, err)
		outputs, err := r.Run(context.Background(), nil)
		require.NoError(t, err, "scatter=%s", scatter)
		assert.Equal(t, []string{"0", "1"}, outputs.Keys(), "scatter=%s", scatter)
	}
}

func TestForLoopScatterAggregatesErrors(t *testing.T) {
	lib := makeLibrary(t, `
cabs:
  failer:
    command: "false"
recipes:
  scatter-fail:
    for_loop:
      var: i
      over: [only]
      scatter: 2
    steps:
      boom:
        cab: failer
`)
	r, err := lib.GetRecipe("scatter-fail")
	require.NoError(t, err)
	_, err = r.Run(context.Background(), nil)
	require.Error(t, err)
	var rte *RuntimeError
	require.ErrorAs(t, err, &rte)
	assert.Len(t, rte.Nested, 1)
}

func TestAliasPropagationDown(t *testing.T) {
	lib := makeLibrary(t, `
recipes:
  aliased:
    inputs:
      msname: str
    aliases:
      msname: [s1.message, s2.message]
    steps:
      s1: {cab: echo}
      s2: {cab: echo}
`)
	r, err := lib.GetRecipe("aliased")
	require.NoError(t, err)
	params := ordered.New()
	params.Set("msname", "demo.ms")
	_, err = r.PreValidate(params)
	require.NoError(t, err)
	// the recipe-level value appears as the step input on both steps
	assert.Equal(t, "demo.ms", r.Step("s1").Params.Get("message"))
	assert.Equal(t, "demo.ms", r.Step("s2").Params.Get("message"))
}

func TestAliasPropagationUp(t *testing.T) {
	lib := makeLibrary(t, `
recipes:
  aliased-up:
    inputs:
      msname: str
    aliases:
      msname: [s1.message, s2.message]
    steps:
      s1:
        cab: echo
        params:
          message: from-step-one
      s2:
        cab: echo
        params:
          message: from-step-two
`)
	r, err := lib.GetRecipe("aliased-up")
	require.NoError(t, err)
	prevalidated, err := r.PreValidate(ordered.New())
	require.NoError(t, err)
	// with the recipe unset and conflicting step values, the first
	// step's value wins and propagates across
	assert.Equal(t, "from-step-one", prevalidated.Get("msname"))
	assert.Equal(t, "from-step-one", r.Step("s2").Params.Get("message"))
}

func TestAutoAliases(t *testing.T) {
	lib := makeLibrary(t, `
recipes:
  auto:
    steps:
      s1: {cab: echo}
`)
	r, err := lib.GetRecipe("auto")
	require.NoError(t, err)
	require.NoError(t, r.Finalize("auto"))
	// the unbound step input becomes an auto-alias on the recipe
	assert.True(t, r.Inputs.Has("s1.message"))
}

func TestStepSelection(t *testing.T) {
	makeRecipe := func(t *testing.T) *Recipe {
		lib := makeLibrary(t, `
recipes:
  sel:
    steps:
      one: {cab: noop}
      two: {cab: noop, tags: [extra]}
      three: {cab: noop}
      four: {cab: noop, tags: [never]}
`)
		r, err := lib.GetRecipe("sel")
		require.NoError(t, err)
		require.NoError(t, r.Finalize("sel"))
		return r
	}

	enabledSet := func(r *Recipe) []string {
		var out []string
		for _, step := range r.Steps {
			if step.Enabled() {
				out = append(out, step.Label)
			}
		}
		return out
	}

	// default: all steps except "never"-tagged ones
	r := makeRecipe(t)
	require.NoError(t, r.RestrictSteps(nil, nil, nil, nil, nil))
	assert.Equal(t, []string{"one", "two", "three"}, enabledSet(r))

	// tag selection
	r = makeRecipe(t)
	require.NoError(t, r.RestrictSteps([]string{"extra"}, nil, nil, nil, nil))
	assert.Equal(t, []string{"two"}, enabledSet(r))

	// skip-tags
	r = makeRecipe(t)
	require.NoError(t, r.RestrictSteps(nil, []string{"extra"}, nil, nil, nil))
	assert.Equal(t, []string{"one", "three"}, enabledSet(r))

	// range selection
	r = makeRecipe(t)
	require.NoError(t, r.RestrictSteps(nil, nil, []string{"one:two"}, nil, nil))
	assert.Equal(t, []string{"one", "two"}, enabledSet(r))

	// open-ended range
	r = makeRecipe(t)
	require.NoError(t, r.RestrictSteps(nil, nil, []string{"two:"}, nil, nil))
	assert.Equal(t, []string{"two", "three"}, enabledSet(r))

	// cherry-picking enables a never-tagged step
	r = makeRecipe(t)
	require.NoError(t, r.RestrictSteps(nil, nil, nil, nil, []string{"four"}))
	assert.Contains(t, enabledSet(r), "four")

	// unknown names are errors
	r = makeRecipe(t)
	assert.Error(t, r.RestrictSteps(nil, nil, []string{"nothere"}, nil, nil))
	r = makeRecipe(t)
	assert.Error(t, r.RestrictSteps([]string{"nothere"}, nil, nil, nil, nil))
}

func TestStepSelectionMonotonic(t *testing.T) {
	lib := makeLibrary(t, `
recipes:
  mono:
    steps:
      one: {cab: noop}
      two: {cab: noop}
      three: {cab: noop}
`)
	countEnabled := func(r *Recipe) int {
		n := 0
		for _, step := range r.Steps {
			if step.Enabled() {
				n++
			}
		}
		return n
	}

	r1, err := lib.GetRecipe("mono")
	require.NoError(t, err)
	require.NoError(t, r1.RestrictSteps(nil, nil, []string{"one:two"}, nil, []string{"three"}))
	with := countEnabled(r1)

	r2, err := lib.GetRecipe("mono")
	require.NoError(t, err)
	require.NoError(t, r2.RestrictSteps(nil, nil, []string{"one:two"}, nil, nil))
	without := countEnabled(r2)

	// removing an enable never adds a step to the run set
	assert.GreaterOrEqual(t, with, without)
}

func TestSkipStatic(t *testing.T) {
	lib := makeLibrary(t, `
cabs:
  failer:
    command: "false"
recipes:
  skipper:
    steps:
      bad:
        cab: failer
        skip: true
      good:
        cab: noop
`)
	r, err := lib.GetRecipe("skipper")
	require.NoError(t, err)
	_, err = r.Run(context.Background(), nil)
	// the failing step never executes
	assert.NoError(t, err)
}

func TestSkipDynamic(t *testing.T) {
	lib := makeLibrary(t, `
cabs:
  failer:
    command: "false"
recipes:
  dynskip:
    inputs:
      mode: str
    steps:
      bad:
        cab: failer
        skip: "=recipe.mode == 'skip'"
`)
	r, err := lib.GetRecipe("dynskip")
	require.NoError(t, err)
	params := ordered.New()
	params.Set("mode", "skip")
	_, err = r.Run(context.Background(), params)
	assert.NoError(t, err)

	r2, err := lib.GetRecipe("dynskip")
	require.NoError(t, err)
	params.Set("mode", "run")
	_, err = r2.Run(context.Background(), params)
	assert.Error(t, err)
}

func TestSkipWithUnresolvedInput(t *testing.T) {
	lib := makeLibrary(t, `
recipes:
  unres:
    inputs:
      mode: str
    steps:
      shaky:
        cab: echo
        skip: "=recipe.mode == 'skip'"
        params:
          message: "{recipe.undefined_thing}"
`)
	// skipped: the unresolved input degrades to a warning
	r, err := lib.GetRecipe("unres")
	require.NoError(t, err)
	params := ordered.New()
	params.Set("mode", "skip")
	_, err = r.Run(context.Background(), params)
	assert.NoError(t, err)

	// executing: the same configuration is a validation error
	r2, err := lib.GetRecipe("unres")
	require.NoError(t, err)
	params.Set("mode", "run")
	_, err = r2.Run(context.Background(), params)
	assert.Error(t, err)
}

func TestAssign(t *testing.T) {
	lib := makeLibrary(t, `
recipes:
  assigning:
    assign:
      greeting: hello
      combined: "{recipe.greeting}-world"
    steps:
      s1:
        cab: echo
        params:
          message: "{recipe.combined}"
`)
	r, err := lib.GetRecipe("assigning")
	require.NoError(t, err)
	_, err = r.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", r.Defaults.Get("greeting"))
	assert.Equal(t, "hello-world", r.Defaults.Get("combined"))
}

func TestAssignBasedOn(t *testing.T) {
	lib := makeLibrary(t, `
recipes:
  based:
    inputs:
      band: str
    assign_based_on:
      band:
        L:
          nchan: 4096
        DEFAULT:
          nchan: 1024
    steps:
      s1: {cab: noop}
`)
	r, err := lib.GetRecipe("based")
	require.NoError(t, err)
	params := ordered.New()
	params.Set("band", "L")
	_, err = r.Run(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 4096, r.Defaults.Get("nchan"))

	r2, err := lib.GetRecipe("based")
	require.NoError(t, err)
	params.Set("band", "X")
	_, err = r2.Run(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 1024, r2.Defaults.Get("nchan"))
}

func TestAssignToConfig(t *testing.T) {
	lib := makeLibrary(t, `
opts:
  custom:
    level: 1
recipes:
  confwriter:
    assign:
      config.opts.custom.level: 2
    steps:
      s1: {cab: noop}
`)
	r, err := lib.GetRecipe("confwriter")
	require.NoError(t, err)
	_, err = r.Run(context.Background(), nil)
	require.NoError(t, err)
	value, _ := lib.Config.GetDotted("opts.custom.level")
	assert.Equal(t, 2, value)
}

func TestNestedRecipe(t *testing.T) {
	lib := makeLibrary(t, `
recipes:
  inner:
    inputs:
      message: str
    steps:
      say:
        cab: echo
        params:
          message: "{recipe.message}"
  outer:
    steps:
      sub:
        recipe: inner
        params:
          message: from-outer
`)
	r, err := lib.GetRecipe("outer")
	require.NoError(t, err)
	_, err = r.Run(context.Background(), nil)
	assert.NoError(t, err)
}

func TestCyclicRecipeDetected(t *testing.T) {
	lib := makeLibrary(t, `
recipes:
  a:
    steps:
      go: {recipe: b}
  b:
    steps:
      back: {recipe: a}
`)
	r, err := lib.GetRecipe("a")
	if err == nil {
		err = r.Finalize("a")
	}
	assert.Error(t, err)
}

func TestRecipeWithoutStepsRejected(t *testing.T) {
	// a recipe definition without any steps is rejected when instantiated
	lib := makeLibrary(t, "")
	lib.AddRecipeDef("x", ordered.New())
	_, err := lib.GetRecipe("x")
	assert.Error(t, err)
}

func TestUnknownCabInStep(t *testing.T) {
	lib := makeLibrary(t, `
recipes:
  broken:
    steps:
      s1: {cab: nothere}
`)
	r, err := lib.GetRecipe("broken")
	require.NoError(t, err)
	assert.Error(t, r.Finalize("broken"))
}
