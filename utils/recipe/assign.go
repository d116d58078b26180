package recipe

import (
	"fmt"
	"strings"

	"github.com/caracal-pipeline/stimela/utils/basetypes"
	"github.com/caracal-pipeline/stimela/utils/config"
	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/subst"
)

// AssignmentError indicates a bad assign/assign_based_on section
type AssignmentError struct {
	Msg    string
	Nested error
}

func (e AssignmentError) Error() string {
	if e.Nested != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Nested)
	}
	return e.Msg
}

func (e AssignmentError) Unwrap() error { return e.Nested }

// defaultCaseKey selects the fallback case of an assign_based_on block
const defaultCaseKey = "DEFAULT"

// applyAssignments applies assign (flat dotted-key mapping) and
// assign_based_on (basevar → case → mapping) sections: the pending
// assignments are merged, evaluated tolerantly, then strictly, and each
// key dispatched by prefix.
func (r *Recipe) applyAssignments(sctx *subst.Context, assign, assignBasedOn *ordered.Map, location string) error {
	pending := ordered.New()
	if assign != nil {
		pending.Merge(r.FlattenParamDict(ordered.New(), assign, ""))
	}
	if assignBasedOn != nil {
		for _, basevar := range assignBasedOn.Keys() {
			cases, ok := assignBasedOn.Get(basevar).(*ordered.Map)
			if !ok {
				return AssignmentError{Msg: fmt.Sprintf("%s: assign_based_on.%s is not a mapping", location, basevar)}
			}
			value, found := r.resolveBasevar(sctx, basevar)
			var selected *ordered.Map
			if found {
				key := fmt.Sprintf("%v", value)
				if caseMap, ok := cases.Get(key).(*ordered.Map); ok {
					selected = caseMap
				}
			}
			if selected == nil {
				if caseMap, ok := cases.Get(defaultCaseKey).(*ordered.Map); ok {
					selected = caseMap
				} else if found {
					return AssignmentError{Msg: fmt.Sprintf("%s: assign_based_on.%s has no case for '%v' and no %s",
						location, basevar, value, defaultCaseKey)}
				} else {
					return AssignmentError{Msg: fmt.Sprintf("%s: assign_based_on.%s: '%s' is not defined",
						location, basevar, basevar)}
				}
			}
			pending.Merge(selected)
		}
	}
	if pending.Len() == 0 {
		return nil
	}

	// first pass: evaluate and dispatch in declaration order, so later
	// assignments see earlier ones; failures are deferred
	var deferred []string
	ev := r.evaluatorFor(sctx, location)
	for _, key := range pending.Keys() {
		value, err := ev.Evaluate(pending.Get(key), key)
		if err != nil || basetypes.IsUnset(value) {
			deferred = append(deferred, key)
			continue
		}
		r.dispatchAssignment(sctx, key, value)
	}

	// second pass finalises anything the first could not resolve
	for _, key := range deferred {
		value, err := ev.Evaluate(pending.Get(key), key)
		if err != nil {
			return AssignmentError{Msg: fmt.Sprintf("%s.%s", location, key), Nested: err}
		}
		if basetypes.IsUnset(value) {
			continue
		}
		r.dispatchAssignment(sctx, key, value)
	}
	return nil
}

// resolveBasevar looks up the current value of an assign_based_on base
// variable: substitution namespace first, then recipe params/defaults,
// then config
func (r *Recipe) resolveBasevar(sctx *subst.Context, basevar string) (interface{}, bool) {
	if value, err := sctx.NS.GetDotted(nil, "recipe."+basevar); err == nil {
		return value, true
	}
	if value, err := sctx.NS.GetDotted(nil, basevar); err == nil {
		return value, true
	}
	if value, ok := r.Defaults.GetDotted(basevar); ok {
		return value, true
	}
	if r.lib != nil && r.lib.Config != nil {
		if value, ok := r.lib.Config.GetDotted(basevar); ok {
			return value, true
		}
	}
	return nil, false
}

// dispatchAssignment routes one key=value per its prefix: config.* writes
// to the config tree, log.* to the per-step log options, <step-label>.*
// recurses into the substep, anything else sets a recipe variable
func (r *Recipe) dispatchAssignment(sctx *subst.Context, key string, value interface{}) {
	switch {
	case strings.HasPrefix(key, "config."):
		if r.lib != nil && r.lib.Config != nil {
			if err := r.lib.Config.SetDotted(strings.TrimPrefix(key, "config."), value); err != nil {
				config.WarnLog("%s: %v", r.Fqname, err)
			}
		}
	case strings.HasPrefix(key, "log."):
		r.logOpts.Set(strings.TrimPrefix(key, "log."), value)
	default:
		if idx := strings.Index(key, "."); idx > 0 {
			if step, ok := r.stepsByLabel[key[:idx]]; ok {
				rest := key[idx+1:]
				if step.IsRecipe() {
					sub := ordered.New()
					sub.Set(rest, value)
					if err := step.Nested().applyAssignments(sctx, sub, nil, step.Fqname); err != nil {
						config.WarnLog("%s: %v", step.Fqname, err)
					}
				} else {
					step.Params.Set(rest, value)
				}
				return
			}
		}
		r.Defaults.Set(key, value)
		sctx.NS.Set("recipe."+key, value)
	}
}
