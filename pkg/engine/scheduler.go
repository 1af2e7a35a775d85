package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/quadnix/octo-sub002/pkg/canonical"
	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/quadnix/octo-sub002/pkg/resource"
	"github.com/quadnix/octo-sub002/pkg/telemetry"
)

// Execution is one action applied to one diff.
type Execution struct {
	// Index is the position of the execution in apply order within its tier.
	Index int

	Level    int
	Tier     Tier
	Diff     *graph.Diff
	Action   string
	Inputs   map[string]any
	Outputs  map[string]any
	Mocked   bool
	Duration time.Duration
	Reverted bool
	Err      error

	action      Action
	diffIndex   int
	actionIndex int

	// prior is the actual resource before the execution touched it, nil if there was none.
	prior         *resource.Resource
	actualTouched bool
}

// Succeeded reports whether the action applied without error.
func (e *Execution) Succeeded() bool {
	return e.Err == nil
}

// LevelScheduler executes a plan level by level. Diffs of one level run concurrently on
// a bounded worker pool, except that diffs of the same node run one after the other.
// Outputs of a level are merged in apply order before the next level starts.
type LevelScheduler struct {
	tx          *Transaction
	tier        Tier
	maxParallel int
}

func newLevelScheduler(tx *Transaction, tier Tier, maxParallel int) *LevelScheduler {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &LevelScheduler{tx: tx, tier: tier, maxParallel: maxParallel}
}

// Run executes the plan. On failure every successful execution is reverted in reverse
// apply order and the original error is returned.
func (s *LevelScheduler) Run(ctx context.Context, plan *ExecutionPlan) ([]*Execution, error) {
	var all []*Execution

	for level, items := range plan.Levels {
		executions, err := s.runLevel(ctx, items)
		all = append(all, executions...)
		number(all)

		if err == nil {
			err = s.mergeOutputs(executions)
		}
		if err == nil && ctx.Err() != nil {
			err = errs.NewActionError(fmt.Sprintf("%s batch cancelled after level %d", s.tier, level), ctx.Err()).
				WithCode(errs.ErrCodeInternal)
		}
		if err != nil {
			return all, s.fail(ctx, all, err)
		}
	}
	return all, nil
}

// runLevel dispatches the node groups of one level to the worker pool. Once a group
// fails no further groups start. The returned error is the first failure in apply order.
func (s *LevelScheduler) runLevel(ctx context.Context, items []*DiffMetadata) ([]*Execution, error) {
	groups := groupByNode(items)
	workerCount := min(s.maxParallel, len(groups))

	workQueue := make(chan []*DiffMetadata, len(groups))
	for _, group := range groups {
		workQueue <- group
	}
	close(workQueue)

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		failed     atomic.Bool
		executions []*Execution
	)

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for group := range workQueue {
				if failed.Load() || ctx.Err() != nil {
					continue
				}
				done := s.runGroup(ctx, group)

				mu.Lock()
				executions = append(executions, done...)
				mu.Unlock()

				if len(done) > 0 && !done[len(done)-1].Succeeded() {
					failed.Store(true)
				}
			}
		}()
	}
	wg.Wait()

	sortExecutions(executions)
	for _, exec := range executions {
		if exec.Err != nil {
			return executions, exec.Err
		}
	}
	return executions, nil
}

// runGroup applies the diffs of one node in order, each with its actions in registration
// order, stopping at the first failure. Outputs of earlier executions of the group are
// visible to later ones before the level is merged.
func (s *LevelScheduler) runGroup(ctx context.Context, group []*DiffMetadata) []*Execution {
	var out []*Execution
	local := make(map[string]any)
	for _, meta := range group {
		for i, action := range meta.Actions {
			exec := s.execute(ctx, meta, i, action, local)
			out = append(out, exec)
			if exec.Err != nil {
				return out
			}
			for k, v := range exec.Outputs {
				local[k] = v
			}
		}
	}
	return out
}

func (s *LevelScheduler) execute(ctx context.Context, meta *DiffMetadata, actionIndex int, action Action, local map[string]any) *Execution {
	d := meta.Diff
	exec := &Execution{
		Level:       meta.Level,
		Tier:        s.tier,
		Diff:        d,
		Action:      action.Name(),
		action:      action,
		diffIndex:   meta.Index,
		actionIndex: actionIndex,
	}

	tel := s.tx.env.Telemetry()
	logger := s.tx.logger.WithDiff(string(s.tier), d.Context(), string(d.Action), d.Field).
		WithField("action", action.Name())

	ctx, span := tel.Tracer.StartAction(ctx, string(s.tier), action.Name(), d.Context(), string(d.Action), d.Field)
	timer := telemetry.NewTimer()
	s.tx.publish(telemetry.EventTypeActionStarted, d.Context(), telemetry.EventLevelInfo,
		fmt.Sprintf("%s action %s started", s.tier, action.Name()), map[string]any{"diff": d.String()})

	err := s.apply(ctx, exec, local)

	exec.Duration = timer.Duration()
	telemetry.RecordError(span, err)
	span.End()

	if err != nil {
		exec.Err = err
		tel.Metrics.RecordAction(string(s.tier), action.Name(), "failed", exec.Duration)
		logger.WithError(err).Error("action failed")
		s.tx.publish(telemetry.EventTypeActionFailed, d.Context(), telemetry.EventLevelError,
			fmt.Sprintf("%s action %s failed: %v", s.tier, action.Name(), err), map[string]any{"diff": d.String()})
		return exec
	}

	tel.Metrics.RecordAction(string(s.tier), action.Name(), "succeeded", exec.Duration)
	logger.WithField("duration", exec.Duration.String()).Debug("action applied")
	s.tx.publish(telemetry.EventTypeActionCompleted, d.Context(), telemetry.EventLevelInfo,
		fmt.Sprintf("%s action %s completed", s.tier, action.Name()),
		map[string]any{"diff": d.String(), "mocked": exec.Mocked})
	return exec
}

func (s *LevelScheduler) apply(ctx context.Context, exec *Execution, local map[string]any) error {
	inputs, err := s.resolveInputs(exec, local)
	if err != nil {
		return err
	}
	exec.Inputs = inputs

	res, _ := exec.Diff.Node.(*resource.Resource)

	var outputs map[string]any
	if s.tier == TierResource && s.tx.opts.Mock {
		exec.Mocked = true
		outputs, err = s.mock(ctx, exec, res)
	} else {
		outputs, err = exec.action.Handle(ctx, exec.Diff, inputs)
	}
	if err != nil {
		var engineErr *errs.EngineError
		if errors.As(err, &engineErr) {
			return err
		}
		return errs.NewActionError(fmt.Sprintf("%s action %s failed on %s", s.tier, exec.Action, exec.Diff), err).
			WithResource(exec.Diff.Context()).WithOperation(exec.Action)
	}

	if outputs == nil {
		outputs = make(map[string]any)
	}
	if s.tier == TierResource && res != nil {
		if _, ok := outputs[ResourceKey(res.ID())]; !ok {
			outputs[ResourceKey(res.ID())] = res
		}
	}
	for _, key := range exec.action.CollectOutput(exec.Diff) {
		if _, ok := outputs[key]; !ok {
			return errs.NewActionError(
				fmt.Sprintf("%s action %s did not produce output %q for %s", s.tier, exec.Action, key, exec.Diff), nil,
			).WithCode(errs.ErrCodeMissingOutput).WithResource(exec.Diff.Context()).WithOperation(exec.Action)
		}
	}
	exec.Outputs = outputs

	if s.tier == TierResource && res != nil {
		return s.applyActual(exec, res)
	}
	return nil
}

// mock produces the response of a resource action without contacting the provider.
func (s *LevelScheduler) mock(ctx context.Context, exec *Execution, res *resource.Resource) (map[string]any, error) {
	var capture map[string]any
	if res != nil {
		capture = canonical.CloneMap(s.tx.opts.Captures[res.ID()])
	}

	response := capture
	if m, ok := exec.action.(Mocker); ok {
		var err error
		if response, err = m.Mock(ctx, exec.Diff, capture); err != nil {
			return nil, err
		}
	}

	if res != nil && exec.Diff.Action != graph.ActionDelete && len(response) > 0 {
		res.SetResponse(response)
	}
	return canonical.CloneMap(response), nil
}

// resolveInputs looks up declared inputs among the outputs of the group, the outputs
// merged so far, then among the resources for keys of the form "resource.<id>".
func (s *LevelScheduler) resolveInputs(exec *Execution, local map[string]any) (map[string]any, error) {
	keys := exec.action.CollectInput(exec.Diff)
	inputs := make(map[string]any, len(keys))

	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()

	for _, key := range keys {
		if v, ok := local[key]; ok {
			inputs[key] = v
			continue
		}
		if v, ok := s.tx.outputs[key]; ok {
			inputs[key] = v
			continue
		}
		if id, ok := strings.CutPrefix(key, ResourceInputPrefix); ok {
			if res := s.tx.lookupResource(id); res != nil {
				inputs[key] = res
				continue
			}
		}
		return nil, errs.NewActionError(
			fmt.Sprintf("%s action %s requires input %q for %s", s.tier, exec.Action, key, exec.Diff), nil,
		).WithCode(errs.ErrCodeMissingInput).WithResource(exec.Diff.Context()).WithOperation(exec.Action)
	}
	return inputs, nil
}

// applyActual records the effect of a resource action in the actual collection,
// keeping a snapshot for revert.
func (s *LevelScheduler) applyActual(exec *Execution, res *resource.Resource) error {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()

	repo := s.tx.repo
	if prior, ok := repo.GetActual(res.ID()); ok {
		exec.prior = prior.Clone()
	}
	exec.actualTouched = true

	if exec.Diff.Action == graph.ActionDelete {
		repo.RemoveActualResource(res.ID())
		return nil
	}
	if _, err := repo.AddActualResource(res); err != nil {
		return errs.NewStateError(fmt.Sprintf("failed to record actual resource %s", res.ID()), err).
			WithResource(res.ID()).WithOperation(exec.Action)
	}
	return nil
}

// mergeOutputs publishes the outputs of a level in apply order. Model-tier outputs
// holding a resource are upserted into the desired resources, parents first, and the
// stored resource replaces the output value.
func (s *LevelScheduler) mergeOutputs(executions []*Execution) error {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()

	var pending []desiredOutput
	for _, exec := range executions {
		if exec.Err != nil {
			continue
		}
		keys := make([]string, 0, len(exec.Outputs))
		for key := range exec.Outputs {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			if res, ok := exec.Outputs[key].(*resource.Resource); ok && s.tier == TierModel {
				pending = append(pending, desiredOutput{exec: exec, key: key, res: res})
				continue
			}
			s.tx.outputs[key] = exec.Outputs[key]
		}
	}

	for len(pending) > 0 {
		var rest []desiredOutput
		for _, out := range pending {
			if !s.parentsDesired(out.res) {
				rest = append(rest, out)
				continue
			}
			if err := s.storeDesired(out); err != nil {
				return err
			}
		}
		if len(rest) == len(pending) {
			// None of the remaining parents will appear; let the repository report it.
			return s.storeDesired(rest[0])
		}
		pending = rest
	}
	return nil
}

type desiredOutput struct {
	exec *Execution
	key  string
	res  *resource.Resource
}

func (s *LevelScheduler) parentsDesired(res *resource.Resource) bool {
	for _, id := range res.ParentIDs() {
		if _, ok := s.tx.repo.GetNew(id); !ok {
			return false
		}
	}
	return true
}

func (s *LevelScheduler) storeDesired(out desiredOutput) error {
	stored, err := s.tx.repo.AddNewResource(out.res)
	if err != nil {
		out.exec.Err = err
		return err
	}
	out.exec.Outputs[out.key] = stored
	s.tx.outputs[out.key] = stored
	return nil
}

// fail reverts executions and returns cause with any revert failure attached.
func (s *LevelScheduler) fail(ctx context.Context, executions []*Execution, cause error) error {
	revertErr := s.revert(context.WithoutCancel(ctx), executions)

	var engineErr *errs.EngineError
	if !errors.As(cause, &engineErr) {
		engineErr = errs.NewActionError(cause.Error(), cause)
	}
	if revertErr != nil {
		engineErr = engineErr.WithDetail(errs.ErrCodeRevertFailed, revertErr.Error())
	}
	s.tx.env.Telemetry().Metrics.RecordError(string(errs.ClassOf(engineErr)), errs.CodeOf(engineErr))
	return engineErr
}

// revert undoes successful executions in reverse apply order. Every execution is
// attempted; failures are aggregated.
func (s *LevelScheduler) revert(ctx context.Context, executions []*Execution) error {
	var result *multierror.Error
	tel := s.tx.env.Telemetry()

	for i := len(executions) - 1; i >= 0; i-- {
		exec := executions[i]
		if exec.Err != nil || exec.Reverted {
			continue
		}
		logger := s.tx.logger.WithDiff(string(s.tier), exec.Diff.Context(), string(exec.Diff.Action), exec.Diff.Field).
			WithField("action", exec.Action)

		reverted, err := s.revertOne(ctx, exec, logger)
		if err != nil {
			tel.Metrics.RecordRevert(string(s.tier), "failed")
			logger.WithError(err).Error("revert failed")
			result = multierror.Append(result, fmt.Errorf("revert %s on %s: %w", exec.Action, exec.Diff, err))
			continue
		}
		if !reverted {
			continue
		}

		exec.Reverted = true
		tel.Metrics.RecordRevert(string(s.tier), "succeeded")
		logger.Info("action reverted")
		s.tx.publish(telemetry.EventTypeActionReverted, exec.Diff.Context(), telemetry.EventLevelWarning,
			fmt.Sprintf("%s action %s reverted", s.tier, exec.Action), map[string]any{"diff": exec.Diff.String()})
	}
	return result.ErrorOrNil()
}

func (s *LevelScheduler) revertOne(ctx context.Context, exec *Execution, logger *telemetry.Logger) (bool, error) {
	inverse, err := graph.Inverse(exec.Diff)
	if err != nil {
		return false, err
	}
	if inverse == nil {
		logger.Warn("diff has no inverse, left in place")
		return false, nil
	}

	if !exec.Mocked {
		if r, ok := exec.action.(Reverter); ok {
			err = r.Revert(ctx, inverse, exec.Inputs, exec.Outputs)
		} else if handler := s.revertHandler(exec, inverse); handler != nil {
			_, err = handler.Handle(ctx, inverse, exec.Inputs)
		} else {
			logger.Warnf("no %s action handles %s, left in place", s.tier, inverse)
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}

	if exec.actualTouched {
		if err := s.restoreActual(exec); err != nil {
			return false, err
		}
	}
	return true, nil
}

// revertHandler picks the action applying an inverse diff: the original action when it
// accepts the inverse, otherwise the first matching action of the tier.
func (s *LevelScheduler) revertHandler(exec *Execution, inverse *graph.Diff) Action {
	if exec.action.Filter(inverse) {
		return exec.action
	}
	if matches := s.tx.env.Actions().Match(s.tier, inverse); len(matches) > 0 {
		return matches[0]
	}
	return nil
}

func (s *LevelScheduler) restoreActual(exec *Execution) error {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()

	if exec.prior == nil {
		if res, ok := exec.Diff.Node.(*resource.Resource); ok {
			s.tx.repo.RemoveActualResource(res.ID())
		}
		return nil
	}
	return s.tx.repo.RestoreActualResource(exec.prior)
}

// groupByNode splits a level into groups of diffs on the same node, keeping diff order
// within a group and ordering groups by their first diff.
func groupByNode(items []*DiffMetadata) [][]*DiffMetadata {
	index := make(map[string]int)
	var groups [][]*DiffMetadata
	for _, meta := range items {
		ctx := meta.Diff.Context()
		if i, ok := index[ctx]; ok {
			groups[i] = append(groups[i], meta)
			continue
		}
		index[ctx] = len(groups)
		groups = append(groups, []*DiffMetadata{meta})
	}
	return groups
}

func sortExecutions(executions []*Execution) {
	sort.SliceStable(executions, func(i, j int) bool {
		a, b := executions[i], executions[j]
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.diffIndex != b.diffIndex {
			return a.diffIndex < b.diffIndex
		}
		return a.actionIndex < b.actionIndex
	})
}

func number(executions []*Execution) {
	for i, exec := range executions {
		exec.Index = i
	}
}
