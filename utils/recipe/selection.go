package recipe

import (
	"fmt"
	"strings"
)

// SelectionError indicates an unknown tag or step in a selection specifier
type SelectionError struct {
	Msg string
}

func (e SelectionError) Error() string { return e.Msg }

// special tags: "always" steps run regardless of tag selection, "never"
// steps run only when explicitly selected
const (
	tagAlways = "always"
	tagNever  = "never"
)

// partitionSpecifiers splits selection specifiers into those addressing
// this recipe's steps and those forwarded to subrecipes (dotted prefixes)
func (r *Recipe) partitionSpecifiers(specs []string) (local []string, forwarded map[string][]string, err error) {
	forwarded = map[string][]string{}
	for _, spec := range specs {
		if idx := strings.Index(spec, "."); idx > 0 && !strings.Contains(spec[:idx], ":") {
			label := spec[:idx]
			if step, ok := r.stepsByLabel[label]; ok && step.IsRecipe() {
				forwarded[label] = append(forwarded[label], spec[idx+1:])
				continue
			}
		}
		local = append(local, spec)
	}
	return local, forwarded, nil
}

// matchRange expands a specifier (a plain label or a "[begin]:[end]"
// range) into the set of matching step indices
func (r *Recipe) matchRange(spec string) ([]int, error) {
	if !strings.Contains(spec, ":") {
		for i, step := range r.Steps {
			if step.Label == spec {
				return []int{i}, nil
			}
		}
		return nil, SelectionError{Msg: fmt.Sprintf("recipe %s: unknown step '%s'", r.Name, spec)}
	}
	parts := strings.SplitN(spec, ":", 2)
	begin, end := 0, len(r.Steps)-1
	if parts[0] != "" {
		idx := r.stepIndex(parts[0])
		if idx < 0 {
			return nil, SelectionError{Msg: fmt.Sprintf("recipe %s: unknown step '%s' in range '%s'", r.Name, parts[0], spec)}
		}
		begin = idx
	}
	if parts[1] != "" {
		idx := r.stepIndex(parts[1])
		if idx < 0 {
			return nil, SelectionError{Msg: fmt.Sprintf("recipe %s: unknown step '%s' in range '%s'", r.Name, parts[1], spec)}
		}
		end = idx
	}
	var indices []int
	for i := begin; i <= end && i < len(r.Steps); i++ {
		indices = append(indices, i)
	}
	return indices, nil
}

func (r *Recipe) stepIndex(label string) int {
	for i, step := range r.Steps {
		if step.Label == label {
			return i
		}
	}
	return -1
}

// RestrictSteps applies step selection: tag filters, ranges, and explicit
// enables. Cherry-picked steps are implicitly enabled even if skipped.
// Selection is applied recursively to subrecipes via dotted specifiers.
func (r *Recipe) RestrictSteps(tags, skipTags, stepRanges, skipRanges, enableSteps []string) error {
	if err := r.Finalize(""); err != nil {
		return err
	}

	localTags := tags
	localSkipTags := skipTags

	localRanges, forwardRanges, _ := r.partitionSpecifiers(stepRanges)
	localSkipRanges, forwardSkipRanges, _ := r.partitionSpecifiers(skipRanges)
	localEnable, forwardEnable, _ := r.partitionSpecifiers(enableSteps)

	// validate tag specifiers against the union of step tags
	known := map[string]bool{tagAlways: true, tagNever: true}
	for _, step := range r.Steps {
		for _, tag := range step.Tags {
			known[tag] = true
		}
	}
	for _, tag := range append(append([]string{}, localTags...), localSkipTags...) {
		if !known[tag] {
			return SelectionError{Msg: fmt.Sprintf("recipe %s: unknown tag '%s'", r.Name, tag)}
		}
	}

	selected := make([]bool, len(r.Steps))

	// base selection by tags
	for i, step := range r.Steps {
		hasTag := func(name string) bool {
			for _, tag := range step.Tags {
				if tag == name {
					return true
				}
			}
			return false
		}
		switch {
		case len(localTags) > 0:
			selected[i] = hasTag(tagAlways)
			for _, tag := range localTags {
				if hasTag(tag) {
					selected[i] = true
				}
			}
		default:
			selected[i] = !hasTag(tagNever)
		}
		for _, tag := range localSkipTags {
			if hasTag(tag) {
				selected[i] = false
			}
		}
	}

	// explicit step ranges restrict the selection
	if len(localRanges) > 0 {
		inRange := make([]bool, len(r.Steps))
		for _, spec := range localRanges {
			indices, err := r.matchRange(spec)
			if err != nil {
				return err
			}
			for _, idx := range indices {
				inRange[idx] = true
			}
		}
		for i := range selected {
			selected[i] = selected[i] && inRange[i]
		}
	}
	for _, spec := range localSkipRanges {
		indices, err := r.matchRange(spec)
		if err != nil {
			return err
		}
		for _, idx := range indices {
			selected[idx] = false
		}
	}

	// cherry-picked steps are enabled outright, overriding skip
	for _, spec := range localEnable {
		indices, err := r.matchRange(spec)
		if err != nil {
			return err
		}
		for _, idx := range indices {
			selected[idx] = true
			r.Steps[idx].explicitEnable = true
			if skip, ok := r.Steps[idx].Skip.(bool); ok && skip {
				r.Steps[idx].Skip = false
			}
		}
	}

	for i, step := range r.Steps {
		step.enabled = selected[i]
	}

	// forward dotted specifiers to subrecipes
	for label, step := range r.stepsByLabel {
		if !step.IsRecipe() {
			continue
		}
		subRanges := forwardRanges[label]
		subSkip := forwardSkipRanges[label]
		subEnable := forwardEnable[label]
		if len(subRanges) == 0 && len(subSkip) == 0 && len(subEnable) == 0 &&
			len(tags) == 0 && len(skipTags) == 0 {
			continue
		}
		if err := step.Nested().RestrictSteps(nil, nil, subRanges, subSkip, subEnable); err != nil {
			return err
		}
	}
	return nil
}
