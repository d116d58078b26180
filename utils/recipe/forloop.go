package recipe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/caracal-pipeline/stimela/utils/config"
	"github.com/caracal-pipeline/stimela/utils/ordered"
	"github.com/caracal-pipeline/stimela/utils/stats"
	"github.com/caracal-pipeline/stimela/utils/subst"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"
)

var statusStyle = lipgloss.NewStyle().Bold(true)

// resolveForLoop resolves the iterant sequence: a literal list in
// for_loop.over, or the name of an input/assign variable holding one.
// A recipe without a for-loop yields a single nil iterant.
func (r *Recipe) resolveForLoop(params *ordered.Map, sctx *subst.Context) ([]interface{}, error) {
	if r.ForLoop == nil {
		return []interface{}{nil}, nil
	}
	switch over := r.ForLoop.Over.(type) {
	case []interface{}:
		return over, nil
	case string:
		if value, ok := params.Lookup(over); ok {
			if list, ok := value.([]interface{}); ok {
				return list, nil
			}
			return nil, DefinitionError{Msg: fmt.Sprintf("recipe %s: for_loop.over input '%s' is not a list", r.Name, over)}
		}
		if value, err := sctx.NS.GetDotted(nil, "recipe."+over); err == nil {
			if list, ok := value.([]interface{}); ok {
				return list, nil
			}
		}
		return nil, DefinitionError{Msg: fmt.Sprintf("recipe %s: for_loop.over refers to unknown input '%s'", r.Name, over)}
	case nil:
		return nil, DefinitionError{Msg: fmt.Sprintf("recipe %s: for_loop.over is required", r.Name)}
	}
	return nil, DefinitionError{Msg: fmt.Sprintf("recipe %s: bad for_loop.over of type %T", r.Name, r.ForLoop.Over)}
}

// setIterant updates the namespace and assignments for one loop iteration
func (r *Recipe) setIterant(sctx *subst.Context, index int, value interface{}) {
	if r.ForLoop == nil {
		return
	}
	sctx.NS.Set("recipe."+r.ForLoop.Var, value)
	sctx.NS.Set("recipe."+r.ForLoop.Var+"@index", index)
	r.Defaults.Set(r.ForLoop.Var, value)
	r.Defaults.Set(r.ForLoop.Var+"@index", index)
	// the iterant propagates down through aliases bound to it
	for _, target := range r.aliases[r.ForLoop.Var] {
		target.step.Params.Set(target.param, value)
	}
}

// renderStatus formats the display_status line for an iteration
func (r *Recipe) renderStatus(index, total int, value interface{}) string {
	format := r.ForLoop.DisplayStatus
	if format == "" {
		format = "{index1}/{total} " + r.ForLoop.Var + "={value}"
	}
	return strings.NewReplacer(
		"{index0}", strconv.Itoa(index),
		"{index1}", strconv.Itoa(index+1),
		"{total}", strconv.Itoa(total),
		"{var}", r.ForLoop.Var,
		"{value}", fmt.Sprintf("%v", value),
	).Replace(format)
}

// runSerial iterates synchronously, preserving iterant order
func (r *Recipe) runSerial(ctx context.Context, params *ordered.Map, iterants []interface{},
	sctx *subst.Context, collector *stats.Collector) (*ordered.Map, error) {

	outputs := ordered.New()
	for index, iterant := range iterants {
		if r.ForLoop != nil {
			r.setIterant(sctx, index, iterant)
			config.VerboseLog("%s: %s", r.Fqname,
				statusStyle.Render(r.renderStatus(index, len(iterants), iterant)))
		}
		iterOutputs, err := r.runSteps(ctx, sctx, collector)
		if err != nil {
			return nil, err
		}
		if r.ForLoop == nil {
			outputs.Merge(iterOutputs)
		} else {
			outputs.Set(strconv.Itoa(index), iterOutputs)
		}
	}
	return outputs, nil
}

// runScatter submits one job per iterant to a bounded worker pool. Each
// worker receives an immutable parameter snapshot; stats are merged and
// errors aggregated after all iterations complete.
func (r *Recipe) runScatter(ctx context.Context, params *ordered.Map, iterants []interface{},
	collector *stats.Collector) (*ordered.Map, error) {

	workers := r.ForLoop.Scatter
	if workers < 0 || workers > len(iterants) {
		workers = len(iterants)
	}
	if workers == 0 {
		workers = 1
	}

	var group errgroup.Group
	group.SetLimit(workers)

	var mu sync.Mutex
	results := make([]*ordered.Map, len(iterants))
	var errors []error
	var running, complete, failed int

	progress := func() {
		config.VerboseLog("%s: scatter %d running, %d complete, %d failed, %d workers",
			r.Fqname, running, complete, failed, workers)
	}

	for index, iterant := range iterants {
		index, iterant := index, iterant
		group.Go(func() error {
			mu.Lock()
			running++
			progress()
			mu.Unlock()

			// each iteration gets its own namespace and stats collector;
			// shared recipe state is left untouched (immutable snapshot)
			iterNS := r.buildNamespace(params)
			iterCtx := subst.NewContext(iterNS, true, nil)
			iterCtx.NS.Set("recipe."+r.ForLoop.Var, iterant)
			iterCtx.NS.Set("recipe."+r.ForLoop.Var+"@index", index)
			iterCollector := stats.NewCollector(fmt.Sprintf("%s[%d]", r.Name, index))

			iterOutputs, err := r.runSteps(ctx, iterCtx, iterCollector)

			mu.Lock()
			running--
			if err != nil {
				failed++
				errors = append(errors, fmt.Errorf("iteration %d (%s=%v): %w",
					index, r.ForLoop.Var, iterant, err))
			} else {
				complete++
				results[index] = iterOutputs
			}
			progress()
			mu.Unlock()

			collector.MergeChild(iterCollector)
			// errors are aggregated after all futures complete
			return nil
		})
	}
	_ = group.Wait()

	if len(errors) > 0 {
		return nil, &RuntimeError{
			Msg:    fmt.Sprintf("recipe %s: %d of %d scatter iteration(s) failed", r.Fqname, len(errors), len(iterants)),
			Nested: errors,
		}
	}
	// keyed by iterant index, so the final artifact is deterministic
	outputs := ordered.New()
	for index, result := range results {
		outputs.Set(strconv.Itoa(index), result)
	}
	return outputs, nil
}
