package graph

import (
	"fmt"

	"github.com/quadnix/octo-sub002/pkg/errs"
)

// Action is the kind of change a Diff describes.
type Action string

const (
	ActionAdd      Action = "add"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionValidate Action = "validate"
)

// Diff is one atomic, field-level change to a node. Diffs are never mutated after creation.
type Diff struct {
	// Node is the node the change applies to. For deletions it is the previous version.
	Node Node

	// Action is the kind of change.
	Action Action

	// Field is the name of the changed field.
	Field string

	// Value is the action-specific payload (the new value for add and update).
	Value any

	// Previous is the value being replaced, when the node type records it.
	Previous any
}

// NewDiff creates a diff.
func NewDiff(node Node, action Action, field string, value any) *Diff {
	return &Diff{Node: node, Action: action, Field: field, Value: value}
}

// IdentityDiff reports node as a whole being added or deleted.
func IdentityDiff(node Node, action Action) *Diff {
	return NewDiff(node, action, node.IDField(), node.ID())
}

// Context returns the context of the diffed node.
func (d *Diff) Context() string {
	return Context(d.Node)
}

func (d *Diff) String() string {
	return fmt.Sprintf("%s %s.%s", d.Action, d.Context(), d.Field)
}

// DiffNodes compares current against previous and returns the field-level diffs.
//
// A nil previous reports current and its whole child subtree as added. A nil current
// reports previous and its subtree as deleted, children first. Otherwise children are
// matched by context: added subtrees, recursive diffs of common children and deleted
// subtrees, followed by the node's own DiffProperties.
func DiffNodes(current, previous Node) ([]*Diff, error) {
	switch {
	case current == nil && previous == nil:
		return nil, nil
	case current == nil:
		return deleteSubtree(previous)
	case previous == nil:
		return addSubtree(current)
	}

	if Context(current) != Context(previous) {
		return nil, errs.NewGraphError(
			fmt.Sprintf("cannot diff %s against %s", Context(current), Context(previous)), nil,
		).WithCode(errs.ErrCodeValidation)
	}

	var diffs []*Diff

	currentChildren := childrenOf(current)
	previousChildren := childrenOf(previous)

	previousByContext := make(map[string]Node, len(previousChildren))
	for _, child := range previousChildren {
		previousByContext[Context(child)] = child
	}
	currentContexts := make(map[string]bool, len(currentChildren))

	for _, child := range currentChildren {
		ctx := Context(child)
		currentContexts[ctx] = true

		childDiffs, err := DiffNodes(child, previousByContext[ctx])
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, childDiffs...)
	}

	for _, child := range previousChildren {
		if currentContexts[Context(child)] {
			continue
		}
		childDiffs, err := deleteSubtree(child)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, childDiffs...)
	}

	own, err := current.DiffProperties(previous)
	if err != nil {
		return nil, fmt.Errorf("failed to diff properties of %s: %w", Context(current), err)
	}

	return append(diffs, own...), nil
}

func addSubtree(n Node) ([]*Diff, error) {
	diffs := []*Diff{IdentityDiff(n, ActionAdd)}

	own, err := n.DiffProperties(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to diff properties of %s: %w", Context(n), err)
	}
	diffs = append(diffs, own...)

	for _, child := range childrenOf(n) {
		childDiffs, err := addSubtree(child)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, childDiffs...)
	}

	return diffs, nil
}

func deleteSubtree(n Node) ([]*Diff, error) {
	var diffs []*Diff
	for _, child := range childrenOf(n) {
		childDiffs, err := deleteSubtree(child)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, childDiffs...)
	}
	return append(diffs, IdentityDiff(n, ActionDelete)), nil
}

func childrenOf(n Node) []Node {
	g := n.GraphVertex().Graph()
	if g == nil {
		return nil
	}
	return g.Children(n)
}

// Unpack expands diff through the node's DiffUnpacker, if any.
func Unpack(diff *Diff) ([]*Diff, error) {
	if u, ok := diff.Node.(DiffUnpacker); ok {
		diffs, err := u.DiffUnpack(diff)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack %s: %w", diff, err)
		}
		return diffs, nil
	}
	return []*Diff{diff}, nil
}

// Inverse returns the diff that undoes diff, or nil when the change cannot be inverted.
//
// Nodes implementing DiffInverter decide; otherwise DefaultInverse applies.
func Inverse(diff *Diff) (*Diff, error) {
	if inv, ok := diff.Node.(DiffInverter); ok {
		return inv.DiffInverse(diff)
	}
	return DefaultInverse(diff), nil
}

// DefaultInverse swaps add and delete, and swaps Value with Previous for updates.
// Other actions have no inverse.
func DefaultInverse(diff *Diff) *Diff {
	switch diff.Action {
	case ActionAdd:
		return &Diff{Node: diff.Node, Action: ActionDelete, Field: diff.Field, Value: diff.Value}
	case ActionDelete:
		return &Diff{Node: diff.Node, Action: ActionAdd, Field: diff.Field, Value: diff.Value}
	case ActionUpdate:
		return &Diff{
			Node:     diff.Node,
			Action:   ActionUpdate,
			Field:    diff.Field,
			Value:    diff.Previous,
			Previous: diff.Value,
		}
	default:
		return nil
	}
}

// MustFollow reports whether diff a has to be applied after diff b, according to
// the edges and field rules of a's node.
func MustFollow(a, b *Diff) bool {
	g := a.Node.GraphVertex().Graph()
	if g == nil {
		return false
	}

	aCtx, bCtx := Context(a.Node), Context(b.Node)
	if aCtx == bCtx {
		for _, rule := range g.rules[aCtx] {
			if rule.Matches(a, b) {
				return true
			}
		}
		return false
	}

	for _, dep := range g.edges[aCtx] {
		if dep.To != bCtx {
			continue
		}
		for _, behavior := range dep.Behaviors {
			if behavior.Matches(a, b) {
				return true
			}
		}
	}
	return false
}
