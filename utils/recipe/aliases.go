package recipe

import (
	"fmt"
	"strings"

	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/schema"
)

// aliasTarget binds a recipe-level alias to one step parameter
type aliasTarget struct {
	step  *Step
	param string
}

// flattenAliases resolves declared aliases (including wildcards), derives
// their schemas, adds implicit outputs, and creates auto-aliases for
// unbound step parameters
func (r *Recipe) flattenAliases() error {
	r.aliases = map[string][]aliasTarget{}
	r.aliasOrder = nil

	if r.AliasDecls != nil {
		for _, aliasName := range r.AliasDecls.Keys() {
			var refs []string
			switch v := r.AliasDecls.Get(aliasName).(type) {
			case string:
				refs = []string{v}
			case []interface{}:
				for _, item := range v {
					refs = append(refs, fmt.Sprintf("%v", item))
				}
			default:
				return DefinitionError{Msg: fmt.Sprintf("recipe %s: bad alias '%s'", r.Name, aliasName)}
			}
			for _, ref := range refs {
				if err := r.addAlias(aliasName, ref, false); err != nil {
					return err
				}
			}
		}
	}

	// auto-aliases: unbound step parameters become <label>.<name>
	for _, step := range r.Steps {
		schemas := step.schemaInputs().Copy()
		schemas.Merge(step.schemaOutputs())
		for _, name := range schemas.Keys() {
			par := schemas.Get(name)
			if step.Params.Has(name) || par.Implicit != nil {
				continue
			}
			if par.Default != nil && !par.DefaultUnset {
				continue
			}
			if r.isAliased(step, name) {
				continue
			}
			autoName := step.Label + "." + name
			if err := r.addAlias(autoName, step.Label+"."+name, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// addAlias binds one alias reference ("step.param", wildcards allowed in
// the step label) and derives the alias schema
func (r *Recipe) addAlias(aliasName, ref string, auto bool) error {
	idx := strings.Index(ref, ".")
	if idx < 0 {
		return DefinitionError{Msg: fmt.Sprintf("recipe %s: alias '%s' reference '%s' is not of the form step.param", r.Name, aliasName, ref)}
	}
	labelPattern, param := ref[:idx], ref[idx+1:]

	var matched []*Step
	if strings.ContainsAny(labelPattern, "*?") {
		for _, step := range r.Steps {
			if fnMatch(labelPattern, step.Label) {
				matched = append(matched, step)
			}
		}
	} else if step, ok := r.stepsByLabel[labelPattern]; ok {
		matched = append(matched, step)
	}
	if len(matched) == 0 {
		return DefinitionError{Msg: fmt.Sprintf("recipe %s: alias '%s' refers to unknown step '%s'", r.Name, aliasName, labelPattern)}
	}

	for _, step := range matched {
		stepSchema := step.schemaFor(param)
		if stepSchema == nil {
			if auto {
				continue
			}
			return DefinitionError{Msg: fmt.Sprintf("recipe %s: alias '%s' refers to unknown parameter '%s.%s'", r.Name, aliasName, step.Label, param)}
		}
		isOutput := step.schemaOutputs().Has(param)

		// derive the alias schema on the recipe
		ownSet := r.Inputs
		if isOutput {
			ownSet = r.Outputs
		}
		own := ownSet.Get(aliasName)
		if own == nil {
			derived := *stepSchema
			// default inherited from the step's explicit value
			if value, ok := step.Params.Lookup(param); ok {
				derived.Default = value
				derived.DefaultUnset = false
			}
			if auto {
				if derived.Required {
					derived.Category = schema.CategoryRequired
				} else {
					derived.Category = schema.CategoryObscure
				}
			}
			// implicit step outputs propagate up as implicit recipe outputs
			ownSet.Set(aliasName, &derived)
			r.InvalidateInputsOutputs()
		} else {
			// recipe's own schema fields (info, required, category) take
			// precedence; fill in the rest from the step
			if own.Dtype == "" {
				own.Dtype = stepSchema.Dtype
			}
			if own.Default == nil && !own.DefaultUnset {
				own.Default = stepSchema.Default
				own.DefaultUnset = stepSchema.DefaultUnset
			}
		}

		r.bindAlias(aliasName, step, param)
	}
	return nil
}

func (r *Recipe) bindAlias(aliasName string, step *Step, param string) {
	if _, ok := r.aliases[aliasName]; !ok {
		r.aliasOrder = append(r.aliasOrder, aliasName)
	}
	r.aliases[aliasName] = append(r.aliases[aliasName], aliasTarget{step: step, param: param})
}

func (r *Recipe) isAliased(step *Step, param string) bool {
	for _, targets := range r.aliases {
		for _, target := range targets {
			if target.step == step && target.param == param {
				return true
			}
		}
	}
	return false
}

// propagateAliasesDown pushes recipe-level values down to aliased step
// parameters
func (r *Recipe) propagateAliasesDown(params *ordered.Map) {
	for _, aliasName := range r.aliasOrder {
		value, ok := params.Lookup(aliasName)
		if !ok {
			continue
		}
		for _, target := range r.aliases[aliasName] {
			target.step.Params.Set(target.param, value)
		}
	}
}

// propagateAliasesUp pulls step-level values up to unset recipe aliases;
// with conflicting candidates, the first step in declaration order wins
func (r *Recipe) propagateAliasesUp(params *ordered.Map) {
	for _, aliasName := range r.aliasOrder {
		if params.Has(aliasName) {
			continue
		}
		for _, step := range r.Steps {
			found := false
			for _, target := range r.aliases[aliasName] {
				if target.step != step {
					continue
				}
				if value, ok := step.Params.Lookup(target.param); ok {
					params.Set(aliasName, value)
					found = true
					break
				}
			}
			if found {
				break
			}
		}
	}
}

// fnMatch implements simple * and ? glob matching on step labels
func fnMatch(pattern, name string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for i := 0; i <= len(name); i++ {
				if fnMatch(pattern[1:], name[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(name) == 0 {
				return false
			}
		default:
			if len(name) == 0 || pattern[0] != name[0] {
				return false
			}
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}
