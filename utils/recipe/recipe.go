package recipe

import (
	"context"
	"fmt"

	"github.com/caracal-pipeline/stimela/utils/basetypes"
	"github.com/caracal-pipeline/stimela/utils/config"
	"github.com/caracal-pipeline/stimela/utils/evaluator"
	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/schema"
	"github.com/caracal-pipeline/stimela/utils/stats"
	"github.com/caracal-pipeline/stimela/utils/subst"
	"github.com/caracal-pipeline/stimela/utils/validate"
)

// ForLoop describes recipe-level iteration over a sequence
type ForLoop struct {
	// Var is the name of the iterant variable
	Var string
	// Over is an input/assign name, or a literal list
	Over interface{}
	// Scatter: 0 = serial, -1 = unbounded workers, N = bounded pool
	Scatter int
	// DisplayStatus formats the status line with {index0}, {index1},
	// {total}, {var}, {value}
	DisplayStatus string
}

// Recipe composes named steps with aliases, assignment sections and an
// optional for-loop
type Recipe struct {
	*schema.Cargo

	Steps        []*Step
	stepsByLabel map[string]*Step

	Assign        *ordered.Map
	AssignBasedOn *ordered.Map

	// declared alias name → list of step.param references
	AliasDecls *ordered.Map

	ForLoop *ForLoop

	lib *Library

	// resolved alias name → targets
	aliases     map[string][]aliasTarget
	aliasOrder  []string
	logOpts     *ordered.Map
	defName     string
	finalized   bool
	prevalidated bool
}

// FromConfig builds a recipe from its config mapping
func FromConfig(name string, conf *ordered.Map, lib *Library) (*Recipe, error) {
	cargo, err := schema.CargoFromMap(conf, name)
	if err != nil {
		return nil, DefinitionError{Msg: fmt.Sprintf("recipe %s", name), Nested: err}
	}
	r := &Recipe{
		Cargo:        cargo,
		stepsByLabel: map[string]*Step{},
		lib:          lib,
		logOpts:      ordered.New(),
	}
	steps := conf.GetMap("steps")
	if steps == nil {
		return nil, DefinitionError{Msg: fmt.Sprintf("recipe %s has no steps", name)}
	}
	for _, label := range steps.Keys() {
		stepConf, ok := steps.Get(label).(*ordered.Map)
		if !ok {
			return nil, DefinitionError{Msg: fmt.Sprintf("recipe %s: step '%s' is not a mapping", name, label)}
		}
		step, err := stepFromConfig(label, stepConf)
		if err != nil {
			return nil, DefinitionError{Msg: fmt.Sprintf("recipe %s", name), Nested: err}
		}
		if _, dup := r.stepsByLabel[label]; dup {
			return nil, DefinitionError{Msg: fmt.Sprintf("recipe %s: duplicate step '%s'", name, label)}
		}
		r.Steps = append(r.Steps, step)
		r.stepsByLabel[label] = step
	}
	r.Assign = conf.GetMap("assign")
	r.AssignBasedOn = conf.GetMap("assign_based_on")
	r.AliasDecls = conf.GetMap("aliases")
	if fl := conf.GetMap("for_loop"); fl != nil {
		r.ForLoop = &ForLoop{}
		if v, ok := fl.GetString("var"); ok {
			r.ForLoop.Var = v
		}
		r.ForLoop.Over = fl.Get("over")
		if scatter, ok := fl.Get("scatter").(int); ok {
			r.ForLoop.Scatter = scatter
		}
		if ds, ok := fl.GetString("display_status"); ok {
			r.ForLoop.DisplayStatus = ds
		}
		if r.ForLoop.Var == "" {
			return nil, DefinitionError{Msg: fmt.Sprintf("recipe %s: for_loop.var is required", name)}
		}
	}
	return r, nil
}

// Step returns a step by label
func (r *Recipe) Step(label string) *Step {
	return r.stepsByLabel[label]
}

// Finalize resolves all steps and flattens aliases. A recipe reached
// again during its own finalisation is a cyclic reference. Idempotent.
func (r *Recipe) Finalize(fqname string) error {
	if r.finalized {
		return nil
	}
	if r.defName != "" && r.lib != nil {
		if r.lib.finalizing[r.defName] {
			return DefinitionError{Msg: fmt.Sprintf("cyclic reference to recipe '%s'", r.defName)}
		}
		r.lib.finalizing[r.defName] = true
		defer delete(r.lib.finalizing, r.defName)
	}
	if err := r.Cargo.Finalize(fqname); err != nil {
		return err
	}
	for _, step := range r.Steps {
		if err := step.Finalize(r, r.lib); err != nil {
			return err
		}
	}
	if err := r.flattenAliases(); err != nil {
		return err
	}
	r.finalized = true
	return nil
}

// buildNamespace constructs the substitution namespace for one invocation
func (r *Recipe) buildNamespace(params *ordered.Map) *subst.NS {
	ns := subst.NewNS()
	if r.lib != nil && r.lib.Config != nil {
		ns.SetNoSubst("config", r.lib.Config)
	}
	recipeNS := subst.NewNS()
	for _, name := range r.Defaults.Keys() {
		recipeNS.Set(name, r.Defaults.Get(name))
	}
	if params != nil {
		for _, name := range params.Keys() {
			recipeNS.Set(name, params.Get(name))
		}
	}
	ns.Set("recipe", recipeNS)

	infoNS := subst.NewNS()
	infoNS.Set("fqname", r.Fqname)
	infoNS.Set("label", r.Name)
	infoNS.Set("taskname", r.Fqname)
	ns.Set("info", infoNS)

	stepsNS := subst.NewNS()
	for _, step := range r.Steps {
		stepNS := subst.NewNS()
		for _, name := range step.Params.Keys() {
			stepNS.Set(name, step.Params.Get(name))
		}
		stepsNS.Set(step.Label, stepNS)
	}
	ns.Set("steps", stepsNS)
	return ns
}

// PreValidate fills defaults, propagates aliases between the recipe and
// its steps to a stable point, and surfaces unresolved or missing
// parameters. Substitution errors are tolerated (values become
// Unresolved) so that propagation can continue. Idempotent.
func (r *Recipe) PreValidate(params *ordered.Map) (*ordered.Map, error) {
	if err := r.Finalize(""); err != nil {
		return nil, err
	}
	merged := r.Defaults.Copy()
	if params != nil {
		merged.Merge(params)
	}

	// two passes over self, two across steps, per the alias fixed point
	for pass := 0; pass < 2; pass++ {
		r.propagateAliasesDown(merged)
		r.propagateAliasesUp(merged)
	}

	ns := r.buildNamespace(merged)
	sctx := subst.NewContext(ns, false, subst.ForgivePolicy{
		subst.ErrClassUnknownKey:   "",
		subst.ErrClassSubstitution: "",
	})
	if r.Assign != nil || r.AssignBasedOn != nil {
		if err := r.applyAssignments(sctx, r.Assign, r.AssignBasedOn, r.Fqname); err != nil {
			return nil, err
		}
	}

	validated, err := validate.ValidateParameters(merged, r.Inputs, validate.Options{
		Subst:             sctx,
		Defaults:          r.Defaults,
		CheckRequired:     false,
		IgnoreSubstErrors: true,
		Location:          r.Fqname,
	})
	if err != nil {
		return nil, err
	}
	r.prevalidated = true
	return validated, nil
}

// ValidateInputs is the strict input check run before execution.
// Substitution failures become Unresolved markers, which the caller
// treats as hard errors unless the consuming steps are skipped.
func (r *Recipe) ValidateInputs(params *ordered.Map, sctx *subst.Context) (*ordered.Map, error) {
	return validate.ValidateParameters(params, r.Inputs, validate.Options{
		Subst:             sctx,
		Defaults:          r.Defaults,
		CheckUnknowns:     false,
		CheckRequired:     true,
		CheckExist:        true,
		ExpandGlobs:       true,
		IgnoreSubstErrors: true,
		Location:          r.Fqname,
	})
}

// Run executes the recipe with the given input parameters
func (r *Recipe) Run(ctx context.Context, params *ordered.Map) (*ordered.Map, error) {
	if params == nil {
		params = ordered.New()
	}
	prevalidated, err := r.PreValidate(params)
	if err != nil {
		return nil, err
	}
	collector := stats.NewCollector(r.Name)
	collector.Start(0)
	defer collector.Stop()
	defer collector.LogSummary()
	return r.run(ctx, prevalidated, nil, collector)
}

// run executes the recipe within an optional parent substitution context
func (r *Recipe) run(ctx context.Context, params *ordered.Map, parent *subst.Context, collector *stats.Collector) (*ordered.Map, error) {
	ns := r.buildNamespace(params)
	sctx := subst.NewContext(ns, true, nil)

	if r.Assign != nil || r.AssignBasedOn != nil {
		if err := r.applyAssignments(sctx, r.Assign, r.AssignBasedOn, r.Fqname); err != nil {
			return nil, err
		}
	}

	validated, err := r.ValidateInputs(params, sctx)
	if err != nil {
		return nil, err
	}
	// leftover unresolved inputs are hard errors at this point, unless a
	// skipped step is their only consumer
	for _, name := range validated.Keys() {
		if unres, ok := validated.Get(name).(basetypes.Unresolved); ok {
			if r.allConsumersSkipped(name) {
				config.WarnLog("recipe %s: input '%s' unresolved, but consuming steps are skipped (%v)",
					r.Fqname, name, unres.Errors)
				validated.Delete(name)
				continue
			}
			return nil, &validate.ParameterValidationError{
				Msg:    fmt.Sprintf("recipe %s: input '%s' unresolved", r.Fqname, name),
				Nested: unres.Errors,
			}
		}
	}

	// refresh namespace with final values
	ns = r.buildNamespace(validated)
	sctx = subst.NewContext(ns, true, nil)

	iterants, err := r.resolveForLoop(validated, sctx)
	if err != nil {
		return nil, err
	}

	if r.ForLoop != nil && r.ForLoop.Scatter != 0 {
		return r.runScatter(ctx, validated, iterants, collector)
	}
	return r.runSerial(ctx, validated, iterants, sctx, collector)
}

// allConsumersSkipped reports whether every step consuming an aliased
// recipe input is statically skipped
func (r *Recipe) allConsumersSkipped(name string) bool {
	targets, ok := r.aliases[name]
	if !ok {
		return false
	}
	for _, target := range targets {
		if skip, isBool := target.step.Skip.(bool); !isBool || !skip {
			return false
		}
	}
	return len(targets) > 0
}

// runSteps executes all enabled steps once, in declaration order
func (r *Recipe) runSteps(ctx context.Context, sctx *subst.Context, collector *stats.Collector) (*ordered.Map, error) {
	outputs := ordered.New()
	for _, step := range r.Steps {
		if !step.enabled {
			config.DebugLog("step %s is not selected, skipping", step.Fqname)
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stepOutputs, err := step.Run(ctx, sctx, collector)
		if err != nil {
			return nil, err
		}
		// track step outputs in the namespace for downstream steps
		if stepsNS, nsErr := sctx.NS.GetDotted(nil, "steps"); nsErr == nil {
			if stepsNode, ok := stepsNS.(*subst.NS); ok {
				stepNS := subst.NewNS()
				for _, name := range stepOutputs.Keys() {
					stepNS.Set(name, stepOutputs.Get(name))
				}
				stepsNode.Set(step.Label, stepNS)
			}
		}
		// propagate outputs up through aliases
		r.propagateOutputs(step, stepOutputs, outputs)
	}
	return outputs, nil
}

// propagateOutputs copies a step's output values to recipe aliases bound
// to them
func (r *Recipe) propagateOutputs(step *Step, stepOutputs *ordered.Map, recipeOutputs *ordered.Map) {
	for _, aliasName := range r.aliasOrder {
		for _, target := range r.aliases[aliasName] {
			if target.step != step {
				continue
			}
			if value, ok := stepOutputs.Lookup(target.param); ok {
				if !recipeOutputs.Has(aliasName) {
					recipeOutputs.Set(aliasName, value)
				}
			}
		}
	}
	// unaliased declared outputs with matching names propagate directly
	for _, name := range r.Outputs.Keys() {
		if !recipeOutputs.Has(name) {
			if value, ok := stepOutputs.Lookup(name); ok {
				recipeOutputs.Set(name, value)
			}
		}
	}
}

// Summary renders a human-readable outline of the recipe
func (r *Recipe) Summary() []string {
	lines := []string{fmt.Sprintf("recipe %s:", r.Name)}
	if r.Info != "" {
		lines = append(lines, fmt.Sprintf("  info: %s", r.Info))
	}
	for _, step := range r.Steps {
		kind := "cab"
		name := step.CabRef
		if step.IsRecipe() {
			kind = "recipe"
			name = step.RecipeRef
		}
		if name == "" {
			name = "(inline)"
		}
		lines = append(lines, fmt.Sprintf("  step %s: %s %s", step.Label, kind, name))
	}
	return lines
}

// evaluatorFor builds a formula evaluator rooted at this recipe
func (r *Recipe) evaluatorFor(sctx *subst.Context, location ...string) *evaluator.Evaluator {
	return evaluator.New(sctx.NS, sctx, location...)
}
