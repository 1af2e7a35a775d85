package graph

import (
	"fmt"
	"sort"

	"github.com/quadnix/octo-sub002/pkg/errs"
)

// Graph is an arena of nodes keyed by context, with the dependency edges between them.
// It is not safe for concurrent mutation.
type Graph struct {
	// nodes maps contexts to nodes
	nodes map[string]Node

	// order keeps insertion order of contexts
	order []string

	// edges maps a source context to its outgoing dependencies
	edges map[string][]*Dependency

	// rules maps a context to its intra-node ordering rules
	rules map[string][]FieldDependency
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]Node),
		order: make([]string, 0),
		edges: make(map[string][]*Dependency),
		rules: make(map[string][]FieldDependency),
	}
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// Get returns the node with the given context.
func (g *Graph) Get(context string) (Node, bool) {
	n, ok := g.nodes[context]
	return n, ok
}

// Contains reports whether a node with the same context as n is in the graph.
func (g *Graph) Contains(n Node) bool {
	_, ok := g.nodes[Context(n)]
	return ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, ctx := range g.order {
		out = append(out, g.nodes[ctx])
	}
	return out
}

// NodesOfKind returns the nodes of the given kinds in insertion order.
func (g *Graph) NodesOfKind(kinds ...NodeKind) []Node {
	out := make([]Node, 0)
	for _, ctx := range g.order {
		n := g.nodes[ctx]
		for _, k := range kinds {
			if n.Kind() == k {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// Add inserts n as a top-level node and returns the canonical node for its context.
// Adding a node whose context is already present returns the existing node.
func (g *Graph) Add(n Node) (Node, error) {
	return g.attach(n, Context(n))
}

func (g *Graph) attach(n Node, context string) (Node, error) {
	if existing, ok := g.nodes[context]; ok {
		return existing, nil
	}

	v := n.GraphVertex()
	if v.graph != nil {
		return nil, errs.NewGraphError(
			fmt.Sprintf("node %s already belongs to a graph as %s", context, v.context), nil,
		).WithCode(errs.ErrCodeAlreadyExists).WithResource(context)
	}

	v.self = n
	v.graph = g
	v.context = context

	g.nodes[context] = n
	g.order = append(g.order, context)
	return n, nil
}

// AddChild places child under parent and returns the canonical child node.
//
// The edge pair parent->child and child->parent is created with the default ordering:
// the child is added after its parent, and the parent is deleted after its child.
// Repeating the call with a node of the same context is a no-op.
func (g *Graph) AddChild(parent Node, onField string, child Node, toField string) (Node, error) {
	parentCtx := Context(parent)
	if !g.Contains(parent) {
		return nil, errs.NewGraphError(
			fmt.Sprintf("parent %s is not part of the graph", parentCtx), nil,
		).WithCode(errs.ErrCodeNotFound).WithResource(parentCtx)
	}

	childCtx := childContext(child, parentCtx)
	if childCtx == parentCtx {
		return nil, errs.NewGraphError("a node cannot be its own child", nil).
			WithCode(errs.ErrCodeValidation).WithResource(parentCtx)
	}

	canonical, err := g.attach(child, childCtx)
	if err != nil {
		return nil, err
	}

	down := &Dependency{
		From:         parentCtx,
		To:           childCtx,
		Relationship: RelationshipChild,
		OnField:      onField,
		ToField:      toField,
	}
	if g.findEdge(down) == nil {
		down.addBehavior(FieldDependency{OnField: onField, OnAction: ActionDelete, ToField: toField, ToAction: ActionDelete})
		g.edges[parentCtx] = append(g.edges[parentCtx], down)
	}

	up := &Dependency{
		From:         childCtx,
		To:           parentCtx,
		Relationship: RelationshipParent,
		OnField:      toField,
		ToField:      onField,
	}
	if g.findEdge(up) == nil {
		up.addBehavior(FieldDependency{OnField: toField, OnAction: ActionAdd, ToField: onField, ToAction: ActionAdd})
		g.edges[childCtx] = append(g.edges[childCtx], up)
	}

	return canonical, nil
}

// AddRelationship connects two nodes of the graph with a sibling edge pair.
// The pair carries no ordering until behaviors are added with AddFieldDependency.
func (g *Graph) AddRelationship(from Node, onField string, to Node, toField string) error {
	fromCtx, toCtx := Context(from), Context(to)
	for _, ctx := range []string{fromCtx, toCtx} {
		if _, ok := g.nodes[ctx]; !ok {
			return errs.NewGraphError(fmt.Sprintf("node %s is not part of the graph", ctx), nil).
				WithCode(errs.ErrCodeNotFound).WithResource(ctx)
		}
	}

	g.ensureEdge(&Dependency{From: fromCtx, To: toCtx, Relationship: RelationshipSibling, OnField: onField, ToField: toField})
	g.ensureEdge(&Dependency{From: toCtx, To: fromCtx, Relationship: RelationshipSibling, OnField: toField, ToField: onField})
	return nil
}

// AddFieldDependency registers ordering rules from one node to another.
//
// When from and to are the same node the rules order diffs within that node.
// Otherwise the rules are attached to every existing edge from -> to, and at least one
// such edge must exist.
func (g *Graph) AddFieldDependency(from, to Node, rules ...FieldDependency) error {
	fromCtx, toCtx := Context(from), Context(to)
	if _, ok := g.nodes[fromCtx]; !ok {
		return errs.NewGraphError(fmt.Sprintf("node %s is not part of the graph", fromCtx), nil).
			WithCode(errs.ErrCodeNotFound).WithResource(fromCtx)
	}

	if fromCtx == toCtx {
		for _, rule := range rules {
			if !containsRule(g.rules[fromCtx], rule) {
				g.rules[fromCtx] = append(g.rules[fromCtx], rule)
			}
		}
		return nil
	}

	found := false
	for _, dep := range g.edges[fromCtx] {
		if dep.To != toCtx {
			continue
		}
		found = true
		for _, rule := range rules {
			dep.addBehavior(rule)
		}
	}
	if !found {
		return errs.NewGraphError(
			fmt.Sprintf("no dependency from %s to %s to attach rules to", fromCtx, toCtx), nil,
		).WithCode(errs.ErrCodeNotFound).WithResource(fromCtx)
	}
	return nil
}

// RestoreDependency recreates a persisted edge with exactly the given behaviors.
// Both endpoints must already be part of the graph.
func (g *Graph) RestoreDependency(dep Dependency) error {
	for _, ctx := range []string{dep.From, dep.To} {
		if _, ok := g.nodes[ctx]; !ok {
			return errs.NewGraphError(fmt.Sprintf("dependency references unknown node %s", ctx), nil).
				WithCode(errs.ErrCodeNotFound).WithResource(ctx)
		}
	}

	edge := g.ensureEdge(&Dependency{
		From:         dep.From,
		To:           dep.To,
		Relationship: dep.Relationship,
		OnField:      dep.OnField,
		ToField:      dep.ToField,
	})
	edge.Behaviors = append([]FieldDependency{}, dep.Behaviors...)
	return nil
}

// RestoreFieldRules replaces the intra-node rules of the node with the given context.
func (g *Graph) RestoreFieldRules(context string, rules []FieldDependency) error {
	if _, ok := g.nodes[context]; !ok {
		return errs.NewGraphError(fmt.Sprintf("field rules reference unknown node %s", context), nil).
			WithCode(errs.ErrCodeNotFound).WithResource(context)
	}
	if len(rules) == 0 {
		delete(g.rules, context)
		return nil
	}
	g.rules[context] = append([]FieldDependency{}, rules...)
	return nil
}

// Replace swaps the node stored under n's context for n, keeping every edge.
// The replaced node is detached.
func (g *Graph) Replace(n Node) (Node, error) {
	ctx := Context(n)
	existing, ok := g.nodes[ctx]
	if !ok {
		return nil, errs.NewGraphError(fmt.Sprintf("node %s is not part of the graph", ctx), nil).
			WithCode(errs.ErrCodeNotFound).WithResource(ctx)
	}
	if existing == n {
		return n, nil
	}

	v := n.GraphVertex()
	if v.graph != nil {
		return nil, errs.NewGraphError(
			fmt.Sprintf("node %s already belongs to a graph as %s", ctx, v.context), nil,
		).WithCode(errs.ErrCodeAlreadyExists).WithResource(ctx)
	}

	old := existing.GraphVertex()
	v.self = n
	v.graph = g
	v.context = ctx
	old.graph = nil
	old.context = ""

	g.nodes[ctx] = n
	return n, nil
}

// Remove deletes n and every edge touching it.
func (g *Graph) Remove(n Node) {
	ctx := Context(n)
	node, ok := g.nodes[ctx]
	if !ok {
		return
	}

	delete(g.nodes, ctx)
	delete(g.edges, ctx)
	delete(g.rules, ctx)
	for i, c := range g.order {
		if c == ctx {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	for from, deps := range g.edges {
		kept := deps[:0]
		for _, dep := range deps {
			if dep.To != ctx {
				kept = append(kept, dep)
			}
		}
		g.edges[from] = kept
	}

	v := node.GraphVertex()
	v.graph = nil
	v.context = ""
}

func (g *Graph) findEdge(d *Dependency) *Dependency {
	for _, existing := range g.edges[d.From] {
		if existing.sameEdge(d) {
			return existing
		}
	}
	return nil
}

func (g *Graph) ensureEdge(d *Dependency) *Dependency {
	if existing := g.findEdge(d); existing != nil {
		return existing
	}
	g.edges[d.From] = append(g.edges[d.From], d)
	return d
}

func containsRule(rules []FieldDependency, rule FieldDependency) bool {
	for _, r := range rules {
		if r == rule {
			return true
		}
	}
	return false
}

// Dependencies returns a copy of every edge, sorted by (from, to, relationship, fields).
func (g *Graph) Dependencies() []Dependency {
	out := make([]Dependency, 0)
	for _, deps := range g.edges {
		for _, dep := range deps {
			out = append(out, dep.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		if a.Relationship != b.Relationship {
			return a.Relationship < b.Relationship
		}
		if a.OnField != b.OnField {
			return a.OnField < b.OnField
		}
		return a.ToField < b.ToField
	})
	return out
}

// DependenciesOf returns a copy of the outgoing edges of n in insertion order.
func (g *Graph) DependenciesOf(n Node) []Dependency {
	deps := g.edges[Context(n)]
	out := make([]Dependency, 0, len(deps))
	for _, dep := range deps {
		out = append(out, dep.clone())
	}
	return out
}

// FieldRules returns the intra-node ordering rules of n.
func (g *Graph) FieldRules(n Node) []FieldDependency {
	return append([]FieldDependency{}, g.rules[Context(n)]...)
}

// FieldRuleContexts returns the contexts that have intra-node rules, sorted.
func (g *Graph) FieldRuleContexts() []string {
	out := make([]string, 0, len(g.rules))
	for ctx, rules := range g.rules {
		if len(rules) > 0 {
			out = append(out, ctx)
		}
	}
	sort.Strings(out)
	return out
}

func (g *Graph) related(n Node, rel Relationship) []Node {
	out := make([]Node, 0)
	for _, dep := range g.edges[Context(n)] {
		if dep.Relationship != rel {
			continue
		}
		if target, ok := g.nodes[dep.To]; ok {
			out = append(out, target)
		}
	}
	return out
}

// Children returns the children of n in the order they were added.
func (g *Graph) Children(n Node) []Node {
	return g.related(n, RelationshipChild)
}

// Parents returns the parents of n.
func (g *Graph) Parents(n Node) []Node {
	return g.related(n, RelationshipParent)
}

// Siblings returns the nodes connected to n by sibling edges.
func (g *Graph) Siblings(n Node) []Node {
	return g.related(n, RelationshipSibling)
}

// Roots returns the nodes without a parent, in insertion order.
func (g *Graph) Roots() []Node {
	out := make([]Node, 0)
	for _, ctx := range g.order {
		n := g.nodes[ctx]
		if len(g.Parents(n)) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// Ancestors returns every node reachable from n through parent edges, nearest first.
func (g *Graph) Ancestors(n Node) []Node {
	out := make([]Node, 0)
	seen := map[string]bool{Context(n): true}
	queue := g.Parents(n)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		ctx := Context(current)
		if seen[ctx] {
			continue
		}
		seen[ctx] = true
		out = append(out, current)
		queue = append(queue, g.Parents(current)...)
	}
	return out
}

// HasAncestor reports whether ancestor is reachable from n through parent edges.
func (g *Graph) HasAncestor(n, ancestor Node) bool {
	target := Context(ancestor)
	for _, a := range g.Ancestors(n) {
		if Context(a) == target {
			return true
		}
	}
	return false
}

// BoundaryMembers returns the connected sub-graph around n: n itself first, then every
// node reachable through edges in either direction, in breadth-first order.
func (g *Graph) BoundaryMembers(n Node) []Node {
	start := Context(n)
	if _, ok := g.nodes[start]; !ok {
		return nil
	}

	incoming := make(map[string][]string)
	for from, deps := range g.edges {
		for _, dep := range deps {
			incoming[dep.To] = append(incoming[dep.To], from)
		}
	}
	for to := range incoming {
		sort.Strings(incoming[to])
	}

	out := make([]Node, 0)
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		ctx := queue[0]
		queue = queue[1:]
		out = append(out, g.nodes[ctx])

		neighbors := make([]string, 0)
		for _, dep := range g.edges[ctx] {
			neighbors = append(neighbors, dep.To)
		}
		neighbors = append(neighbors, incoming[ctx]...)

		for _, next := range neighbors {
			if seen[next] {
				continue
			}
			if _, ok := g.nodes[next]; !ok {
				continue
			}
			seen[next] = true
			queue = append(queue, next)
		}
	}
	return out
}
