package model

import (
	"fmt"

	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
)

// OverlayIDField is the identity field of every overlay.
const OverlayIDField = "overlayId"

// AnchorField is the field overlay diffs are reported on.
const AnchorField = "anchor"

// AnchorRef is a weak reference from an overlay to an anchor. It is resolved
// through the graph the overlay belongs to.
type AnchorRef struct {
	Parent   string `json:"parent"`
	AnchorID string `json:"anchorId"`
}

// Key returns the unique key of the referenced anchor.
func (r AnchorRef) Key() string {
	return r.Parent + "#" + r.AnchorID
}

// Overlay is a synthetic node referencing a set of anchors, possibly across models.
// Its diffs describe which anchors it should or should not apply to.
type Overlay struct {
	graph.Vertex

	overlayType string
	id          string
	refs        []AnchorRef
}

// NewOverlay creates a detached overlay.
func NewOverlay(overlayType, id string) *Overlay {
	return &Overlay{overlayType: overlayType, id: id}
}

// Kind reports graph.KindOverlay.
func (o *Overlay) Kind() graph.NodeKind { return graph.KindOverlay }

// Type returns the overlay type, such as "security-group-overlay".
func (o *Overlay) Type() string { return o.overlayType }

// ID returns the overlay id, unique within its type.
func (o *Overlay) ID() string { return o.id }

// IDField returns the field the overlay id is stored under.
func (o *Overlay) IDField() string { return OverlayIDField }

// Refs returns the anchor references in the order they were added.
func (o *Overlay) Refs() []AnchorRef {
	return append([]AnchorRef{}, o.refs...)
}

// Synth returns the persisted form of the overlay.
func (o *Overlay) Synth() (map[string]any, error) {
	anchors := make([]any, 0, len(o.refs))
	for _, ref := range o.refs {
		anchors = append(anchors, map[string]any{"parent": ref.Parent, "anchorId": ref.AnchorID})
	}
	return map[string]any{OverlayIDField: o.id, "anchors": anchors}, nil
}

// AddAnchor makes the overlay reference anchor.
//
// The overlay and the anchor's model must belong to the same graph. A sibling edge
// pair is created so that overlay additions follow the model's additions and model
// deletions follow the overlay's deletions.
func (o *Overlay) AddAnchor(anchor *Anchor) error {
	g := o.Graph()
	if g == nil {
		return errs.NewValidationError(
			fmt.Sprintf("overlay %s must be part of a graph before anchors are added", graph.Context(o)), nil,
		)
	}

	parent, ok := g.Get(anchor.Parent())
	if !ok {
		return errs.NewGraphError(
			fmt.Sprintf("model %s of anchor %s is not part of the graph", anchor.Parent(), anchor.ID()), nil,
		).WithCode(errs.ErrCodeNotFound).WithResource(graph.Context(o))
	}

	ref := anchor.Ref()
	for _, existing := range o.refs {
		if existing == ref {
			return nil
		}
	}
	o.refs = append(o.refs, ref)

	if err := g.AddRelationship(o, AnchorField, parent, parent.IDField()); err != nil {
		return err
	}
	if err := g.AddFieldDependency(o, parent,
		graph.FieldDependency{OnField: AnchorField, OnAction: graph.ActionAdd, ToField: graph.AnyField, ToAction: graph.ActionAdd},
		graph.FieldDependency{OnField: AnchorField, OnAction: graph.ActionUpdate, ToField: graph.AnyField, ToAction: graph.ActionAdd},
	); err != nil {
		return err
	}
	return g.AddFieldDependency(parent, o,
		graph.FieldDependency{OnField: graph.AnyField, OnAction: graph.ActionDelete, ToField: AnchorField, ToAction: graph.ActionDelete},
	)
}

// RemoveAnchor drops the reference to the anchor. Edges to the model are kept since other
// anchors of the same model may still be referenced.
func (o *Overlay) RemoveAnchor(ref AnchorRef) {
	kept := o.refs[:0]
	for _, existing := range o.refs {
		if existing != ref {
			kept = append(kept, existing)
		}
	}
	o.refs = kept
}

// ResolveAnchors returns the referenced anchors, looked up through the overlay's graph.
func (o *Overlay) ResolveAnchors() ([]*Anchor, error) {
	g := o.Graph()
	if g == nil {
		return nil, errs.NewGraphError(fmt.Sprintf("overlay %s is not part of a graph", graph.Context(o)), nil)
	}

	out := make([]*Anchor, 0, len(o.refs))
	for _, ref := range o.refs {
		anchor, err := resolveAnchor(g, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, anchor)
	}
	return out, nil
}

func resolveAnchor(g *graph.Graph, ref AnchorRef) (*Anchor, error) {
	node, ok := g.Get(ref.Parent)
	if !ok {
		return nil, errs.NewGraphError(fmt.Sprintf("anchor %s references unknown model", ref.Key()), nil).
			WithCode(errs.ErrCodeNotFound).WithResource(ref.Parent)
	}
	holder, ok := node.(AnchorHolder)
	if !ok {
		return nil, errs.NewGraphError(fmt.Sprintf("node %s does not hold anchors", ref.Parent), nil).
			WithResource(ref.Parent)
	}
	anchor, ok := holder.Anchor(ref.AnchorID)
	if !ok {
		return nil, errs.NewGraphError(fmt.Sprintf("anchor %s not found", ref.Key()), nil).
			WithCode(errs.ErrCodeNotFound).WithResource(ref.Parent)
	}
	return anchor, nil
}

// DiffProperties compares the anchors of the overlay against a previous version.
func (o *Overlay) DiffProperties(previous graph.Node) ([]*graph.Diff, error) {
	if previous == nil {
		return DiffOverlay(o, nil)
	}
	prev, ok := previous.(*Overlay)
	if !ok {
		return nil, errs.NewGraphError(fmt.Sprintf("cannot diff overlay %s against %T", graph.Context(o), previous), nil)
	}
	return DiffOverlay(o, prev)
}
