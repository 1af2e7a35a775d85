package engine

import (
	"context"
	"sync"

	"github.com/quadnix/octo-sub002/pkg/graph"
)

// Batch is what a batch hook sees: the diffs of one tier and, after the batch ran,
// their executions in apply order.
type Batch struct {
	TransactionID string
	Tier          Tier
	Diffs         []*graph.Diff
	Executions    []*Execution
}

// BatchHook runs before or after the actions of one tier. A pre hook error aborts the
// batch before any action runs. A post hook error fails the batch and reverts it.
type BatchHook func(ctx context.Context, batch *Batch) error

// CommitHook runs around the commit of a transaction.
type CommitHook func(ctx context.Context, tx *Transaction) error

// HookRegistry holds lifecycle hooks in registration order.
type HookRegistry struct {
	mu sync.RWMutex

	preModel     []BatchHook
	postModel    []BatchHook
	preResource  []BatchHook
	postResource []BatchHook
	preCommit    []CommitHook
	postCommit   []CommitHook
}

// NewHookRegistry creates an empty hook registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{}
}

// PreModel registers a hook run before the model actions.
func (h *HookRegistry) PreModel(hook BatchHook) { h.add(&h.preModel, hook) }

// PostModel registers a hook run after the model actions.
func (h *HookRegistry) PostModel(hook BatchHook) { h.add(&h.postModel, hook) }

// PreResource registers a hook run before the resource actions.
func (h *HookRegistry) PreResource(hook BatchHook) { h.add(&h.preResource, hook) }

// PostResource registers a hook run after the resource actions.
func (h *HookRegistry) PostResource(hook BatchHook) { h.add(&h.postResource, hook) }

// PreBatch registers a hook run before the actions of both tiers.
func (h *HookRegistry) PreBatch(hook BatchHook) {
	h.PreModel(hook)
	h.PreResource(hook)
}

// PreCommit registers a hook run before state is persisted. An error aborts the commit.
func (h *HookRegistry) PreCommit(hook CommitHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.preCommit = append(h.preCommit, hook)
}

// PostCommit registers a hook run after state is persisted.
func (h *HookRegistry) PostCommit(hook CommitHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.postCommit = append(h.postCommit, hook)
}

func (h *HookRegistry) add(list *[]BatchHook, hook BatchHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*list = append(*list, hook)
}

func (h *HookRegistry) batchHooks(tier Tier, pre bool) []BatchHook {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch {
	case tier == TierModel && pre:
		return append([]BatchHook(nil), h.preModel...)
	case tier == TierModel:
		return append([]BatchHook(nil), h.postModel...)
	case pre:
		return append([]BatchHook(nil), h.preResource...)
	default:
		return append([]BatchHook(nil), h.postResource...)
	}
}

func (h *HookRegistry) commitHooks(pre bool) []CommitHook {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	if pre {
		return append([]CommitHook(nil), h.preCommit...)
	}
	return append([]CommitHook(nil), h.postCommit...)
}

func runBatchHooks(ctx context.Context, hooks []BatchHook, batch *Batch) error {
	for _, hook := range hooks {
		if err := hook(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func runCommitHooks(ctx context.Context, hooks []CommitHook, tx *Transaction) error {
	for _, hook := range hooks {
		if err := hook(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}
