package recipe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caracal-pipeline/stimela/utils/backend"
	"github.com/caracal-pipeline/stimela/utils/basetypes"
	"github.com/caracal-pipeline/stimela/utils/cab"
	"github.com/caracal-pipeline/stimela/utils/config"
	"github.com/caracal-pipeline/stimela/utils/evaluator"
	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/schema"
	"github.com/caracal-pipeline/stimela/utils/stats"
	"github.com/caracal-pipeline/stimela/utils/subst"
	"github.com/caracal-pipeline/stimela/utils/validate"
)

// Step is one occurrence of a cab or nested recipe inside a recipe
type Step struct {
	// Label is the step's name within its recipe
	Label  string
	Fqname string

	Info string

	// either a cab or a recipe, by name or inline
	CabRef    string
	RecipeRef string
	inlineCab    *ordered.Map
	inlineRecipe *ordered.Map

	Params *ordered.Map

	// Skip is a static bool, a "=..." conditional string, or nil (false)
	Skip interface{}
	// SkipIfOutputs, when non-empty, suppresses the step when it has
	// file-like outputs and all of them already exist; the value itself is
	// not interpreted, and output freshness is not compared
	SkipIfOutputs string

	Tags []string

	Assign        *ordered.Map
	AssignBasedOn *ordered.Map

	BackendName string

	// resolved at finalisation: exactly one of cargoCab and nested is set
	cargoCab    *cab.Cab
	nested      *Recipe
	parent      *Recipe

	// selection state
	enabled        bool
	explicitEnable bool
}

// stepFromConfig builds a step from its config mapping
func stepFromConfig(label string, conf *ordered.Map) (*Step, error) {
	s := &Step{
		Label:   label,
		Params:  ordered.New(),
		enabled: true,
	}
	if info, ok := conf.GetString("info"); ok {
		s.Info = info
	}
	switch v := conf.Get("cab").(type) {
	case string:
		s.CabRef = v
	case *ordered.Map:
		s.inlineCab = v
	}
	switch v := conf.Get("recipe").(type) {
	case string:
		s.RecipeRef = v
	case *ordered.Map:
		s.inlineRecipe = v
	}
	if s.CabRef == "" && s.inlineCab == nil && s.RecipeRef == "" && s.inlineRecipe == nil {
		return nil, DefinitionError{Msg: fmt.Sprintf("step '%s' specifies neither a cab nor a recipe", label)}
	}
	if (s.CabRef != "" || s.inlineCab != nil) && (s.RecipeRef != "" || s.inlineRecipe != nil) {
		return nil, DefinitionError{Msg: fmt.Sprintf("step '%s' specifies both a cab and a recipe", label)}
	}
	if params := conf.GetMap("params"); params != nil {
		s.Params = params.Copy()
	}
	if skip, ok := conf.Lookup("skip"); ok {
		s.Skip = skip
	}
	if sio, ok := conf.GetString("skip_if_outputs"); ok {
		s.SkipIfOutputs = sio
	}
	switch v := conf.Get("tags").(type) {
	case string:
		s.Tags = []string{v}
	case []interface{}:
		for _, item := range v {
			s.Tags = append(s.Tags, fmt.Sprintf("%v", item))
		}
	}
	s.Assign = conf.GetMap("assign")
	s.AssignBasedOn = conf.GetMap("assign_based_on")
	if b, ok := conf.GetString("backend"); ok {
		s.BackendName = b
	}
	return s, nil
}

// Finalize resolves the step's cargo from the library (by name or inline)
// and records its place in the tree. Idempotent.
func (s *Step) Finalize(parent *Recipe, lib *Library) error {
	if s.cargoCab != nil || s.nested != nil {
		return nil
	}
	s.parent = parent
	s.Fqname = parent.Fqname + "." + s.Label

	var err error
	switch {
	case s.CabRef != "":
		s.cargoCab, err = lib.GetCab(s.CabRef)
	case s.inlineCab != nil:
		s.cargoCab, err = cab.FromConfig(s.Label, s.inlineCab)
	case s.RecipeRef != "":
		s.nested, err = lib.GetRecipe(s.RecipeRef)
	case s.inlineRecipe != nil:
		s.nested, err = FromConfig(s.Label, s.inlineRecipe, lib)
	}
	if err != nil {
		return DefinitionError{Msg: fmt.Sprintf("step '%s'", s.Fqname), Nested: err}
	}
	if s.cargoCab != nil {
		if err := s.cargoCab.Finalize(s.Fqname); err != nil {
			return err
		}
		// flatten dotted parameter values against the cab's schemas
		s.Params = s.cargoCab.FlattenParamDict(ordered.New(), s.Params, "")
	} else {
		if err := s.nested.Finalize(s.Fqname); err != nil {
			return err
		}
		s.Params = s.nested.FlattenParamDict(ordered.New(), s.Params, "")
	}
	// resolve the effective backend: step overrides cab overrides recipe
	if s.BackendName == "" {
		if s.cargoCab != nil && s.cargoCab.BackendName != "" {
			s.BackendName = s.cargoCab.BackendName
		} else if s.parent.Backend != "" {
			s.BackendName = s.parent.Backend
		}
	} else if s.cargoCab != nil && s.cargoCab.BackendName != "" && s.cargoCab.BackendName != s.BackendName {
		config.WarnLog("step %s: backend '%s' overrides cab backend '%s'",
			s.Fqname, s.BackendName, s.cargoCab.BackendName)
	}
	return nil
}

// IsRecipe reports whether the step wraps a nested recipe
func (s *Step) IsRecipe() bool {
	return s.nested != nil
}

// Nested returns the nested recipe, or nil
func (s *Step) Nested() *Recipe {
	return s.nested
}

// Cab returns the wrapped cab, or nil
func (s *Step) Cab() *cab.Cab {
	return s.cargoCab
}

// Enabled reports whether step selection has kept this step in the run set
func (s *Step) Enabled() bool {
	return s.enabled
}

// EvaluateSkip resolves the skip field against the current namespace:
// a static bool, or a "=..." conditional evaluated per iteration
func (s *Step) EvaluateSkip(ctx *subst.Context) (bool, error) {
	switch v := s.Skip.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		ev := evaluator.New(ctx.NS, ctx, s.Fqname, "skip")
		value, err := ev.Evaluate(v)
		if err != nil {
			return false, err
		}
		return evaluator.Truthy(value), nil
	}
	return false, DefinitionError{Msg: fmt.Sprintf("step %s: bad skip value %v", s.Fqname, s.Skip)}
}

// ValidateInputs validates the step's input parameters. When loose, file
// existence and required checks are suppressed (used for skipped steps so
// that downstream substitutions keep working).
func (s *Step) ValidateInputs(ctx *subst.Context, params *ordered.Map, loose bool) (*ordered.Map, error) {
	schemas := s.schemaInputs()
	opts := validate.Options{
		Subst:             ctx,
		CheckUnknowns:     !loose,
		CheckRequired:     !loose,
		CheckExist:        !loose,
		ExpandGlobs:       true,
		IgnoreSubstErrors: loose,
		Location:          s.Fqname,
	}
	return validate.ValidateParameters(params, schemas, opts)
}

// ValidateOutputs validates output parameters after (or, loosely, instead
// of) the invocation
func (s *Step) ValidateOutputs(ctx *subst.Context, params *ordered.Map, loose bool) (*ordered.Map, error) {
	opts := validate.Options{
		Subst:             ctx,
		CheckRequired:     false,
		CheckExist:        !loose,
		CreateDirs:        !loose,
		Outputs:           true,
		IgnoreSubstErrors: true,
		Location:          s.Fqname,
	}
	return validate.ValidateParameters(params, s.schemaOutputs(), opts)
}

func (s *Step) schemaInputs() *schema.ParamSet {
	if s.cargoCab != nil {
		return s.cargoCab.Inputs
	}
	return s.nested.Inputs
}

func (s *Step) schemaOutputs() *schema.ParamSet {
	if s.cargoCab != nil {
		return s.cargoCab.Outputs
	}
	return s.nested.Outputs
}

// schemaFor returns the schema for a parameter, from inputs or outputs
func (s *Step) schemaFor(name string) *schema.Parameter {
	if s.cargoCab != nil {
		return s.cargoCab.InputsOutputs().Get(name)
	}
	return s.nested.InputsOutputs().Get(name)
}

// Run executes the step: assignment sections, skip evaluation, input
// validation, then either recursion into the nested recipe or backend
// dispatch, then output validation.
func (s *Step) Run(ctx context.Context, sctx *subst.Context, collector *stats.Collector) (*ordered.Map, error) {
	if s.Assign != nil || s.AssignBasedOn != nil {
		if err := s.parent.applyAssignments(sctx, s.Assign, s.AssignBasedOn, s.Fqname); err != nil {
			return nil, err
		}
	}

	skip, err := s.EvaluateSkip(sctx)
	if err != nil {
		return nil, err
	}

	// merge recipe-propagated values into step params
	params := s.Params.Copy()

	if !skip && s.SkipIfOutputs != "" && s.outputsSatisfied(sctx, params) {
		config.VerboseLog("step %s: outputs exist, skipping", s.Fqname)
		skip = true
	}

	// expose the step's own parameters as {current.*}
	currentNS := subst.NewNS()
	for _, name := range params.Keys() {
		currentNS.Set(name, params.Get(name))
	}
	sctx.NS.Set("current", currentNS)

	validated, err := s.ValidateInputs(sctx, params, skip)
	if err != nil {
		if skip {
			config.WarnLog("step %s is skipped; tolerating validation error: %v", s.Fqname, err)
		} else {
			return nil, err
		}
	}
	if validated == nil {
		validated = params
	}

	// implicit parameter values are set from inside the cab
	if s.cargoCab != nil {
		for _, name := range s.cargoCab.InputsOutputs().Keys() {
			par := s.cargoCab.InputsOutputs().Get(name)
			if par.Implicit == nil {
				continue
			}
			if params.Has(name) && !s.cargoCab.IsImplicitlySet(name) {
				return nil, cab.ValidationError{
					Msg: fmt.Sprintf("step %s: implicit parameter '%s' cannot be supplied explicitly", s.Fqname, name),
				}
			}
			ev := evaluator.New(sctx.NS, sctx, s.Fqname, name)
			value, evalErr := ev.Evaluate(par.Implicit)
			if evalErr != nil {
				value = basetypes.Unresolved{Value: fmt.Sprintf("%v", par.Implicit), Errors: []error{evalErr}}
			}
			validated.Set(name, value)
			s.cargoCab.MarkImplicit(name)
		}
	}

	if skip {
		config.VerboseLog("step %s is skipped", s.Fqname)
		// outputs still validated loosely so downstream aliases track
		outputs, _ := s.ValidateOutputs(sctx, validated, true)
		if outputs != nil {
			return outputs, nil
		}
		return validated, nil
	}

	// check for unresolved leftovers on an executing step
	if unresolved := validate.UnresolvedParams(validated); len(unresolved) > 0 {
		return nil, &validate.ParameterValidationError{
			Msg: fmt.Sprintf("step %s has unresolved parameters %v", s.Fqname, unresolved),
		}
	}

	collector.Push(s.Label)
	defer collector.Pop()

	if s.nested != nil {
		outputs, err := s.nested.run(ctx, validated, sctx, collector)
		if err != nil {
			return nil, err
		}
		return outputs, nil
	}

	return s.runCab(ctx, sctx, validated)
}

func (s *Step) runCab(ctx context.Context, sctx *subst.Context, params *ordered.Map) (*ordered.Map, error) {
	backendOpts := s.parent.lib.BackendOptions()
	if s.BackendName != "" {
		override := ordered.New()
		override.Set("select", s.BackendName)
		if backendOpts != nil {
			merged := backendOpts.Copy()
			merged.Merge(override)
			backendOpts = merged
		} else {
			backendOpts = override
		}
	}
	settings, err := backend.ValidateBackendSettings(backendOpts, s.cargoCab)
	if err != nil {
		return nil, err
	}
	status := s.cargoCab.NewRuntimeStatus()
	runOpts := backend.RunOptions{
		Fqname:         s.Fqname,
		BackendOptions: settings.Options,
		Subst:          sctx,
		Wrapper:        settings.Wrapper,
	}
	if backendOpts != nil {
		runOpts.Rlimits = backendOpts.GetMap("rlimits")
	}
	runErr := settings.Backend.Run(ctx, s.cargoCab, params, status, runOpts)

	// fold parsed outputs into the parameter set
	outputs := status.Outputs()
	for _, name := range outputs.Keys() {
		params.Set(name, outputs.Get(name))
	}
	for _, warning := range status.Warnings() {
		config.WarnLog("step %s: %s", s.Fqname, warning)
	}
	if runErr != nil {
		return nil, runErr
	}

	s.runCleanup()

	validated, err := s.ValidateOutputs(sctx, params, false)
	if err != nil {
		return nil, err
	}
	return validated, nil
}

// outputsSatisfied reports whether every file-like output of the step
// already exists on disk (used by skip_if_outputs)
func (s *Step) outputsSatisfied(sctx *subst.Context, params *ordered.Map) bool {
	outputs := s.schemaOutputs()
	found := false
	for _, name := range outputs.Keys() {
		par := outputs.Get(name)
		if par.Type == nil || par.Type.FileLikeName() == "" {
			continue
		}
		value, ok := params.Lookup(name)
		if !ok {
			return false
		}
		if evaluated, err := sctx.Evaluate(value, []string{s.Fqname, name}); err == nil {
			value = evaluated
		}
		for _, leaf := range basetypes.ExtractFileLikes(value, par.Type.FileLikeName(), false) {
			if _, err := os.Stat(leaf.Path); err != nil {
				return false
			}
			found = true
		}
	}
	return found
}

// runCleanup removes files matching the cab's management.cleanup globs
func (s *Step) runCleanup() {
	for label, patterns := range s.cargoCab.Management.Cleanup {
		for _, pattern := range patterns {
			matches, err := filepath.Glob(pattern)
			if err != nil {
				config.WarnLog("step %s: bad cleanup glob '%s' (%s)", s.Fqname, pattern, label)
				continue
			}
			for _, match := range matches {
				if err := os.RemoveAll(match); err != nil {
					config.WarnLog("step %s: cleanup of %s failed: %v", s.Fqname, match, err)
				}
			}
		}
	}
}
