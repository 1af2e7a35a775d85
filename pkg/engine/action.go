package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
)

// Tier is the level of the pipeline an action runs in.
type Tier string

const (
	// TierModel actions consume model diffs and produce desired resources.
	TierModel Tier = "model"

	// TierResource actions consume resource diffs and realize them against a provider.
	TierResource Tier = "resource"
)

// Action realizes diffs. Handle receives the inputs named by CollectInput and must
// return every key named by CollectOutput.
type Action interface {
	// Name identifies the action within its tier.
	Name() string

	// Filter reports whether the action handles diff.
	Filter(diff *graph.Diff) bool

	CollectInput(diff *graph.Diff) []string
	CollectOutput(diff *graph.Diff) []string

	Handle(ctx context.Context, diff *graph.Diff, inputs map[string]any) (map[string]any, error)
}

// Reverter is implemented by actions that undo their own effects. diff is the inverse
// of the diff that was handled; inputs and outputs are those of the original execution.
type Reverter interface {
	Revert(ctx context.Context, diff *graph.Diff, inputs, outputs map[string]any) error
}

// Mocker is implemented by resource actions that can produce a response without
// contacting the provider. capture is the recorded response for the resource, if any.
type Mocker interface {
	Mock(ctx context.Context, diff *graph.Diff, capture map[string]any) (map[string]any, error)
}

// Validator is implemented by resource actions that verify their resource after commit.
// It receives a diff with action graph.ActionValidate.
type Validator interface {
	Validate(ctx context.Context, diff *graph.Diff) error
}

// ResourceInputPrefix prefixes input keys resolved from the desired resources,
// e.g. "resource.vpc-1".
const ResourceInputPrefix = "resource."

// ResourceKey returns the input key of the resource with the given id.
func ResourceKey(id string) string {
	return ResourceInputPrefix + id
}

// ActionRegistry holds the actions of both tiers in registration order.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[Tier][]Action
	names   map[Tier]map[string]bool
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{
		actions: make(map[Tier][]Action),
		names: map[Tier]map[string]bool{
			TierModel:    {},
			TierResource: {},
		},
	}
}

// Register adds an action to a tier. Names are unique per tier.
func (r *ActionRegistry) Register(tier Tier, action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names, ok := r.names[tier]
	if !ok {
		return errs.NewRegistrationError(fmt.Sprintf("unknown tier %q", tier), nil).
			WithCode(errs.ErrCodeValidation)
	}
	if names[action.Name()] {
		return errs.NewRegistrationError(
			fmt.Sprintf("%s action %q is already registered", tier, action.Name()), nil,
		).WithCode(errs.ErrCodeAlreadyExists)
	}
	names[action.Name()] = true
	r.actions[tier] = append(r.actions[tier], action)
	return nil
}

// RegisterModelAction registers a model-tier action.
func (r *ActionRegistry) RegisterModelAction(action Action) error {
	return r.Register(TierModel, action)
}

// RegisterResourceAction registers a resource-tier action.
func (r *ActionRegistry) RegisterResourceAction(action Action) error {
	return r.Register(TierResource, action)
}

// Actions returns the actions of a tier in registration order.
func (r *ActionRegistry) Actions(tier Tier) []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Action(nil), r.actions[tier]...)
}

// Match returns the actions of a tier whose filter accepts diff, in registration order.
func (r *ActionRegistry) Match(tier Tier, diff *graph.Diff) []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Action
	for _, a := range r.actions[tier] {
		if a.Filter(diff) {
			out = append(out, a)
		}
	}
	return out
}

// DiffMetadata is a diff scheduled for execution: its position in the diff list,
// the actions matched for it and, once planned, its level.
type DiffMetadata struct {
	Index   int
	Tier    Tier
	Diff    *graph.Diff
	Actions []Action
	Level   int
}

// ActionNames returns the names of the matched actions.
func (m *DiffMetadata) ActionNames() []string {
	out := make([]string, len(m.Actions))
	for i, a := range m.Actions {
		out[i] = a.Name()
	}
	return out
}

// matchDiffs pairs every diff with its actions. A diff no action handles is an error.
func (r *ActionRegistry) matchDiffs(tier Tier, diffs []*graph.Diff) ([]*DiffMetadata, error) {
	out := make([]*DiffMetadata, 0, len(diffs))
	for i, d := range diffs {
		actions := r.Match(tier, d)
		if len(actions) == 0 {
			return nil, errs.NewActionError(fmt.Sprintf("no %s action matches diff %s", tier, d), nil).
				WithCode(errs.ErrCodeNoMatchingAction).WithResource(d.Context())
		}
		out = append(out, &DiffMetadata{Index: i, Tier: tier, Diff: d, Actions: actions})
	}
	return out, nil
}
