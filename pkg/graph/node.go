// Package graph provides the node and dependency abstraction shared by models, resources
// and overlays, and the recursive diff algorithm that compares two versions of a node tree.
//
// Nodes live in a Graph arena keyed by their context string. Edges reference nodes by
// context, never by pointer, so back-references (overlay to anchor to model, resource to
// resource) never form ownership cycles.
package graph

import "strings"

// NodeKind is the closed set of node variants known to the engine.
type NodeKind string

const (
	// KindModel is a node of the desired-state model tree.
	KindModel NodeKind = "model"

	// KindResource is a node of the resource graph.
	KindResource NodeKind = "resource"

	// KindSharedResource is a resource that several model branches contribute to.
	KindSharedResource NodeKind = "shared-resource"

	// KindOverlay is a synthetic node deriving infrastructure from anchors.
	KindOverlay NodeKind = "overlay"
)

// Node is the abstract unit of a graph.
type Node interface {
	// Kind returns the node variant.
	Kind() NodeKind

	// Type returns the registered type identifier of the node (e.g. "region").
	Type() string

	// ID returns the node identifier, unique among siblings of the same type.
	ID() string

	// IDField returns the name of the field holding the identifier. Identity diffs
	// (node added or removed) are reported on this field.
	IDField() string

	// GraphVertex returns the embedded vertex holding graph membership.
	GraphVertex() *Vertex

	// Synth returns the persisted properties of the node.
	Synth() (map[string]any, error)

	// DiffProperties compares declared fields against a previous version of the
	// same node. previous is nil when the node is new.
	DiffProperties(previous Node) ([]*Diff, error)
}

// DiffUnpacker is implemented by nodes that expand one structural diff into
// an ordered sequence of finer diffs.
type DiffUnpacker interface {
	DiffUnpack(diff *Diff) ([]*Diff, error)
}

// DiffInverter is implemented by nodes that know how to invert one of their diffs.
// A nil diff means the change has no inverse.
type DiffInverter interface {
	DiffInverse(diff *Diff) (*Diff, error)
}

// Vertex carries graph membership. Concrete node types embed it.
type Vertex struct {
	self    Node
	graph   *Graph
	context string
}

// GraphVertex returns the vertex itself, satisfying Node for embedding types.
func (v *Vertex) GraphVertex() *Vertex {
	return v
}

// Graph returns the arena the node belongs to, or nil.
func (v *Vertex) Graph() *Graph {
	return v.graph
}

// Self returns the node that embeds this vertex, once attached to a graph.
func (v *Vertex) Self() Node {
	return v.self
}

// Attached reports whether the vertex belongs to a graph.
func (v *Vertex) Attached() bool {
	return v.graph != nil
}

// Context returns the stable context string of n.
//
// Attached nodes return the context assigned on insertion. Detached nodes
// derive it from their type and id.
func Context(n Node) string {
	if n == nil {
		return ""
	}
	if v := n.GraphVertex(); v != nil && v.context != "" {
		return v.context
	}
	return n.Type() + "=" + n.ID()
}

// SameNode reports whether a and b denote the same node. Identity is by context,
// not by object.
func SameNode(a, b Node) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return Context(a) == Context(b)
}

// childContext computes the context of child when placed under parentContext.
// Only models nest their context under the parent.
func childContext(child Node, parentContext string) string {
	base := child.Type() + "=" + child.ID()
	if child.Kind() != KindModel || parentContext == "" {
		return base
	}
	return base + "," + parentContext
}

// ParentContext returns the parent portion of a model context, or "" for roots.
func ParentContext(context string) string {
	if i := strings.Index(context, ","); i >= 0 {
		return context[i+1:]
	}
	return ""
}
