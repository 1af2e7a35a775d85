package engine

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/trace"

	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/quadnix/octo-sub002/pkg/model"
	"github.com/quadnix/octo-sub002/pkg/resource"
	"github.com/quadnix/octo-sub002/pkg/stores"
	"github.com/quadnix/octo-sub002/pkg/telemetry"
)

// Stage is the checkpoint a transaction last reached.
type Stage string

const (
	StagePending             Stage = "pending"
	StageModelDiffs          Stage = "model_diffs"
	StageModelTransaction    Stage = "model_transaction"
	StageResourceDiffs       Stage = "resource_diffs"
	StageResourceTransaction Stage = "resource_transaction"
	StageCommitted           Stage = "committed"
	StageFailed              Stage = "failed"
)

// Options tune one transaction.
type Options struct {
	// Inputs seed the outputs visible to the first actions.
	Inputs map[string]any

	// Mock runs resource actions through Mock instead of Handle.
	Mock bool

	// Captures holds recorded responses by resource id, handed to Mock.
	Captures map[string]map[string]any

	// MaxParallel overrides the environment's concurrency bound when positive.
	MaxParallel int

	// DryRun stops after the resource diffs and persists nothing.
	DryRun bool
}

// Transaction is one run of the pipeline, advanced one checkpoint per call to Next:
// model diffs, model actions, resource diffs, resource actions. Commit persists what
// has been produced so far.
type Transaction struct {
	id     string
	env    *Environment
	opts   Options
	logger *telemetry.Logger

	span      trace.Span
	startedAt time.Time

	current  *graph.Graph
	previous *graph.Graph
	repo     *resource.Repository
	outputs  map[string]any

	stage            Stage
	err              error
	locked           bool
	closed           bool
	modelsApplied    bool
	resourcesApplied bool

	modelDiffs      []*graph.Diff
	modelResults    []*Execution
	resourceDiffs   []*graph.Diff
	resourceResults []*Execution

	// mu guards the resource collections and the outputs while actions run.
	mu sync.Mutex
}

type transactionContextKey struct{}

// TransactionFromContext returns the transaction whose action is handling ctx, or nil.
func TransactionFromContext(ctx context.Context) *Transaction {
	if tx, ok := ctx.Value(transactionContextKey{}).(*Transaction); ok {
		return tx
	}
	return nil
}

// Begin starts a transaction bringing state to the desired model graph current.
// It takes the state lock when the provider supports one and loads the persisted
// documents. The desired resources start as a copy of the previously desired ones.
func (e *Environment) Begin(ctx context.Context, current *graph.Graph, opts Options) (*Transaction, error) {
	if current == nil {
		return nil, errs.NewValidationError("a transaction needs a model graph", nil)
	}
	ctx = e.Telemetry().WithContext(ctx)

	tx := &Transaction{
		id:        uuid.New().String(),
		env:       e,
		opts:      opts,
		current:   current,
		stage:     StagePending,
		startedAt: time.Now().UTC(),
		outputs:   make(map[string]any),
	}
	maps.Copy(tx.outputs, opts.Inputs)
	tx.logger = e.Logger().NewComponentLogger("transaction").WithTransactionID(tx.id)

	if locker, ok := e.state.(stores.Locker); ok {
		if err := locker.Lock(ctx); err != nil {
			return nil, errs.NewStateError("failed to acquire state lock", err).
				WithCode(errs.ErrCodeLocked).WithOperation("begin")
		}
		tx.locked = true
	}

	if err := tx.load(ctx); err != nil {
		tx.unlock(ctx)
		return nil, err
	}

	_, tx.span = e.Telemetry().Tracer.StartTransaction(ctx, tx.id)
	e.Telemetry().Metrics.RecordTransactionStarted()
	tx.record(ctx, stores.RunStatusRunning)
	tx.publish(telemetry.EventTypeTransactionStarted, "", telemetry.EventLevelInfo, "transaction started",
		map[string]any{"dry_run": opts.DryRun, "mock": opts.Mock})
	tx.logger.Info("transaction started")
	return tx, nil
}

func (tx *Transaction) load(ctx context.Context) error {
	sm := tx.env.StateManager()

	previous, err := sm.LoadModels(ctx)
	if err != nil {
		return err
	}
	tx.previous = previous

	actual, err := sm.LoadResources(ctx, ActualResourcesDocument)
	if err != nil {
		return err
	}
	old, err := sm.LoadResources(ctx, OldResourcesDocument)
	if err != nil {
		return err
	}
	desired, err := resource.CloneGraph(old)
	if err != nil {
		return err
	}
	tx.repo = resource.NewRepository(actual, old, desired)
	return nil
}

// ID returns the transaction id.
func (tx *Transaction) ID() string { return tx.id }

// Stage returns the last checkpoint reached.
func (tx *Transaction) Stage() Stage { return tx.stage }

// Err returns the error that failed the transaction, if any.
func (tx *Transaction) Err() error { return tx.err }

// ModelDiffs returns the model diffs, once computed.
func (tx *Transaction) ModelDiffs() []*graph.Diff { return tx.modelDiffs }

// ModelResults returns the model action executions in apply order.
func (tx *Transaction) ModelResults() []*Execution { return tx.modelResults }

// ResourceDiffs returns the resource diffs, once computed.
func (tx *Transaction) ResourceDiffs() []*graph.Diff { return tx.resourceDiffs }

// ResourceResults returns the resource action executions in apply order.
func (tx *Transaction) ResourceResults() []*Execution { return tx.resourceResults }

// Repository returns the resource collections of the transaction.
func (tx *Transaction) Repository() *resource.Repository { return tx.repo }

// Outputs returns a copy of the outputs merged so far.
func (tx *Transaction) Outputs() map[string]any {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return maps.Clone(tx.outputs)
}

// Resource looks up a resource by id among the desired, previously desired and actual
// resources. It is safe to call from action handlers.
func (tx *Transaction) Resource(id string) (*resource.Resource, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	res := tx.lookupResource(id)
	return res, res != nil
}

// DeleteResource flags a desired resource for deletion. Model actions handling a
// deleted model call it for the resources the model owned.
func (tx *Transaction) DeleteResource(id string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.repo.MarkNewResourceDeleted(id)
}

// Done reports whether Next has nothing left to do. A dry run is done once the
// resource diffs are known.
func (tx *Transaction) Done() bool {
	switch tx.stage {
	case StageCommitted, StageFailed, StageResourceTransaction:
		return true
	case StageResourceDiffs:
		return tx.opts.DryRun
	default:
		return tx.closed
	}
}

// Next advances the transaction by one checkpoint and returns the stage reached.
// A failure moves the transaction to StageFailed; the batch that failed was reverted.
func (tx *Transaction) Next(ctx context.Context) (Stage, error) {
	if tx.Done() {
		return tx.stage, errs.NewValidationError(
			fmt.Sprintf("transaction %s has no stage after %s", tx.id, tx.stage), nil,
		).WithCode(errs.ErrCodeInvalidStage)
	}

	spanCtx := trace.ContextWithSpan(tx.env.Telemetry().WithContext(ctx), tx.span)
	spanCtx = context.WithValue(tx.logger.WithContext(spanCtx), transactionContextKey{}, tx)

	var (
		next Stage
		err  error
	)
	switch tx.stage {
	case StagePending:
		next, err = StageModelDiffs, tx.computeModelDiffs(spanCtx)
	case StageModelDiffs:
		next, err = StageModelTransaction, tx.runTier(spanCtx, TierModel)
	case StageModelTransaction:
		next, err = StageResourceDiffs, tx.computeResourceDiffs(spanCtx)
	case StageResourceDiffs:
		next, err = StageResourceTransaction, tx.runTier(spanCtx, TierResource)
	}

	if err != nil {
		tx.failWith(ctx, err)
		return tx.stage, err
	}

	tx.stage = next
	tx.logger.WithStage(string(next)).Info("stage completed")
	tx.record(ctx, stores.RunStatusRunning)
	tx.publish(telemetry.EventTypeStageCompleted, "", telemetry.EventLevelInfo, fmt.Sprintf("stage %s completed", next), nil)
	return next, nil
}

func (tx *Transaction) computeModelDiffs(ctx context.Context) error {
	_, span := tx.env.Telemetry().Tracer.StartStage(ctx, string(StageModelDiffs))
	defer span.End()

	diffs, err := model.DiffGraphs(tx.current, tx.previous)
	telemetry.RecordError(span, err)
	if err != nil {
		return err
	}

	tx.modelDiffs = diffs
	tx.countDiffs(TierModel, diffs)
	return nil
}

func (tx *Transaction) computeResourceDiffs(ctx context.Context) error {
	_, span := tx.env.Telemetry().Tracer.StartStage(ctx, string(StageResourceDiffs))
	defer span.End()

	diffs, err := tx.repo.Diff()
	if err == nil {
		dirty := tx.repo.DirtyIDs()
		tx.env.Telemetry().Metrics.SetDirtyResources(len(dirty))
		if len(dirty) > 0 {
			tx.logger.WithField("resources", dirty).Warn("dirty resources found")
			tx.publish(telemetry.EventTypeDirtyResources, "", telemetry.EventLevelWarning,
				fmt.Sprintf("%d dirty resources", len(dirty)), map[string]any{"resources": dirty})
		}
		err = tx.repo.EnsureDiffsNotOperatingOnDirtyResources(diffs)
	}
	if err == nil {
		// a desired resource that actual never caught up with must not be planned around
		var drift []*graph.Diff
		if drift, err = tx.repo.DiffDirty(); err == nil {
			err = tx.repo.EnsureDiffsNotOperatingOnDirtyResources(drift)
		}
	}
	telemetry.RecordError(span, err)
	if err != nil {
		return err
	}

	tx.resourceDiffs = diffs
	tx.countDiffs(TierResource, diffs)
	return nil
}

func (tx *Transaction) countDiffs(tier Tier, diffs []*graph.Diff) {
	for _, d := range diffs {
		tx.env.Telemetry().Metrics.RecordDiff(string(tier), string(d.Action))
	}
	tx.logger.WithFields(map[string]any{"tier": string(tier), "diffs": len(diffs)}).Debug("diffs computed")
}

// runTier plans the diffs of a tier, runs the pre hooks, the actions and the post hooks.
// A failing post hook reverts the batch.
func (tx *Transaction) runTier(ctx context.Context, tier Tier) error {
	stage := StageModelTransaction
	diffs := tx.modelDiffs
	if tier == TierResource {
		stage = StageResourceTransaction
		diffs = tx.resourceDiffs
	}

	ctx, span := tx.env.Telemetry().Tracer.StartStage(ctx, string(stage))
	defer span.End()

	err := tx.runBatch(ctx, tier, diffs)
	telemetry.RecordError(span, err)

	if tier == TierResource && err != nil && len(tx.resourceResults) > 0 {
		if saveErr := tx.env.StateManager().SaveResources(ctx, ActualResourcesDocument, tx.repo.Actual()); saveErr != nil {
			tx.logger.WithError(saveErr).Error("failed to persist actual resources after failed batch")
		}
	}
	return err
}

func (tx *Transaction) runBatch(ctx context.Context, tier Tier, diffs []*graph.Diff) error {
	plan, err := PlanDiffs(tx.env.Actions(), tier, diffs)
	if err != nil {
		return err
	}

	batch := &Batch{TransactionID: tx.id, Tier: tier, Diffs: diffs}
	if err := runBatchHooks(ctx, tx.env.Hooks().batchHooks(tier, true), batch); err != nil {
		return err
	}

	scheduler := newLevelScheduler(tx, tier, tx.maxParallel())
	results, err := scheduler.Run(ctx, plan)
	if tier == TierModel {
		tx.modelResults = results
	} else {
		tx.resourceResults = results
	}
	if err != nil {
		return err
	}

	batch.Executions = results
	if err := runBatchHooks(ctx, tx.env.Hooks().batchHooks(tier, false), batch); err != nil {
		return scheduler.fail(ctx, results, err)
	}

	if tier == TierModel {
		tx.modelsApplied = true
	} else {
		tx.resourcesApplied = true
	}
	return nil
}

func (tx *Transaction) maxParallel() int {
	if tx.opts.MaxParallel > 0 {
		return tx.opts.MaxParallel
	}
	return tx.env.maxParallel
}

// Commit persists what the transaction produced: the models and the desired resources
// once the model actions ran, the actual resources once the resource actions ran.
// A dry run persists nothing. Post-commit validation failures are returned as a
// verification error; the transaction stays committed.
func (tx *Transaction) Commit(ctx context.Context) error {
	if tx.stage == StageCommitted || tx.stage == StageFailed || tx.closed {
		return errs.NewValidationError(fmt.Sprintf("transaction %s cannot commit at stage %s", tx.id, tx.stage), nil).
			WithCode(errs.ErrCodeInvalidStage)
	}
	ctx = tx.env.Telemetry().WithContext(ctx)

	if err := runCommitHooks(ctx, tx.env.Hooks().commitHooks(true), tx); err != nil {
		tx.failWith(ctx, err)
		return err
	}

	if err := tx.persist(ctx); err != nil {
		tx.failWith(ctx, err)
		return err
	}

	tx.stage = StageCommitted
	tx.finish(ctx, stores.RunStatusCommitted, nil)
	tx.publish(telemetry.EventTypeTransactionCommitted, "", telemetry.EventLevelInfo, "transaction committed", nil)
	tx.logger.Info("transaction committed")

	var result *multierror.Error
	if err := runCommitHooks(ctx, tx.env.Hooks().commitHooks(false), tx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := tx.validate(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if result.ErrorOrNil() == nil {
		return nil
	}
	return errs.NewVerificationError("post-commit verification failed", result.ErrorOrNil()).
		WithOperation("commit")
}

func (tx *Transaction) persist(ctx context.Context) error {
	if tx.opts.DryRun {
		tx.logger.Info("dry run, nothing persisted")
		return nil
	}

	sm := tx.env.StateManager()
	if tx.modelsApplied {
		if err := sm.SaveModels(ctx, tx.current); err != nil {
			return err
		}
		if err := sm.SaveResources(ctx, OldResourcesDocument, tx.repo.PruneDeleted()); err != nil {
			return err
		}
	}
	if tx.resourcesApplied {
		if err := sm.SaveResources(ctx, ActualResourcesDocument, tx.repo.Actual()); err != nil {
			return err
		}
	}
	return nil
}

// validate runs the validators of applied resource actions with a validate diff per
// resource and action.
func (tx *Transaction) validate(ctx context.Context) error {
	var result *multierror.Error
	seen := make(map[string]bool)

	for _, exec := range tx.resourceResults {
		if exec.Err != nil || exec.Reverted {
			continue
		}
		if exec.Diff.Action != graph.ActionAdd && exec.Diff.Action != graph.ActionUpdate {
			continue
		}
		validator, ok := exec.action.(Validator)
		if !ok {
			continue
		}
		key := exec.Diff.Context() + "/" + exec.Action
		if seen[key] {
			continue
		}
		seen[key] = true

		diff := graph.NewDiff(exec.Diff.Node, graph.ActionValidate, exec.Diff.Field, exec.Diff.Value)
		if err := validator.Validate(ctx, diff); err != nil {
			tx.env.Telemetry().Metrics.RecordValidationFailure()
			tx.logger.WithError(err).WithField("node", exec.Diff.Context()).Warn("post-commit validation failed")
			tx.publish(telemetry.EventTypeValidationFailed, exec.Diff.Context(), telemetry.EventLevelError,
				fmt.Sprintf("%s failed validation: %v", exec.Diff.Context(), err), map[string]any{"action": exec.Action})
			result = multierror.Append(result, fmt.Errorf("%s: %w", exec.Diff.Context(), err))
		}
	}
	return result.ErrorOrNil()
}

// Execute advances the transaction through every stage and commits it.
func (tx *Transaction) Execute(ctx context.Context) error {
	for !tx.Done() {
		if _, err := tx.Next(ctx); err != nil {
			return err
		}
	}
	if tx.stage == StageFailed {
		return tx.err
	}
	return tx.Commit(ctx)
}

// Close releases the transaction without committing. Closing a finished transaction
// does nothing.
func (tx *Transaction) Close(ctx context.Context) {
	if tx.closed || tx.stage == StageCommitted || tx.stage == StageFailed {
		return
	}
	tx.finish(ctx, stores.RunStatusAbandoned, nil)
	tx.logger.WithStage(string(tx.stage)).Info("transaction closed")
}

func (tx *Transaction) failWith(ctx context.Context, err error) {
	tx.err = err
	tx.stage = StageFailed

	tel := tx.env.Telemetry()
	tel.Metrics.RecordError(string(errs.ClassOf(err)), errs.CodeOf(err))
	tx.finish(ctx, stores.RunStatusFailed, err)
	tx.publish(telemetry.EventTypeTransactionFailed, "", telemetry.EventLevelError, err.Error(),
		map[string]any{"class": string(errs.ClassOf(err)), "code": errs.CodeOf(err)})
	tx.logger.WithError(err).Error("transaction failed")
}

// finish records the final status, ends the span and releases the lock.
func (tx *Transaction) finish(ctx context.Context, status stores.RunStatus, err error) {
	tx.closed = true
	tx.env.Telemetry().Metrics.RecordTransactionCompleted(string(status), time.Since(tx.startedAt))
	tx.record(ctx, status)
	if tx.span != nil {
		telemetry.RecordError(tx.span, err)
		tx.span.End()
	}
	tx.unlock(ctx)
}

func (tx *Transaction) unlock(ctx context.Context) {
	if !tx.locked {
		return
	}
	locker := tx.env.state.(stores.Locker)
	if err := locker.Unlock(context.WithoutCancel(ctx)); err != nil {
		tx.logger.WithError(err).Warn("failed to release state lock")
		return
	}
	tx.locked = false
}

func (tx *Transaction) record(ctx context.Context, status stores.RunStatus) {
	recorder := tx.env.Recorder()
	if recorder == nil {
		return
	}

	now := time.Now().UTC()
	run := &stores.Run{
		ID:          tx.id,
		Stage:       string(tx.stage),
		Status:      status,
		ModelDiffs:  len(tx.modelDiffs),
		ResourceOps: len(tx.resourceDiffs),
		StartedAt:   tx.startedAt,
		UpdatedAt:   now,
	}
	if status != stores.RunStatusRunning {
		run.CompletedAt = &now
	}
	if tx.err != nil {
		msg := tx.err.Error()
		run.Error = &msg
	}
	if err := recorder.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		tx.logger.WithError(err).Warn("failed to record run")
	}
}

// publish sends an event to subscribers and to the run recorder.
func (tx *Transaction) publish(eventType, node, level, message string, data map[string]any) {
	event := telemetry.Event{
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		Type:          eventType,
		Source:        "engine",
		TransactionID: tx.id,
		Stage:         string(tx.stage),
		Node:          node,
		Message:       message,
		Level:         level,
		Data:          data,
	}
	if err := tx.env.Telemetry().Events.Publish(event); err != nil {
		tx.logger.WithError(err).Debug("failed to publish event")
	}

	if recorder := tx.env.Recorder(); recorder != nil {
		err := recorder.AppendRunEvent(context.Background(), &stores.RunEvent{
			ID:        event.ID,
			RunID:     tx.id,
			Type:      eventType,
			Level:     level,
			Node:      node,
			Message:   message,
			Data:      data,
			Timestamp: event.Timestamp,
		})
		if err != nil {
			tx.logger.WithError(err).Debug("failed to record event")
		}
	}
}

// lookupResource finds a resource by id among the desired, previously desired and
// actual resources, in that order.
func (tx *Transaction) lookupResource(id string) *resource.Resource {
	if res, ok := tx.repo.GetNew(id); ok {
		return res
	}
	if res, ok := tx.repo.GetOld(id); ok {
		return res
	}
	if res, ok := tx.repo.GetActual(id); ok {
		return res
	}
	return nil
}
