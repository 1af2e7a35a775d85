package serialize

import (
	"fmt"
	"sort"

	"github.com/quadnix/octo-sub002/pkg/canonical"
	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/quadnix/octo-sub002/pkg/model"
)

// ModelSerializer converts model graphs to and from ModelState.
type ModelSerializer struct {
	registry *Registry
}

// NewModelSerializer creates a model serializer over registry.
func NewModelSerializer(registry *Registry) *ModelSerializer {
	return &ModelSerializer{registry: registry}
}

// Registry returns the registry used to restore models.
func (s *ModelSerializer) Registry() *Registry { return s.registry }

// Serialize flattens g into models, overlays, anchors and the dependency list.
func (s *ModelSerializer) Serialize(g *graph.Graph) (*ModelState, error) {
	state := &ModelState{
		Anchors:      []AnchorEntry{},
		Dependencies: g.Dependencies(),
		FieldRules:   fieldRulesOf(g),
		Models:       make(map[string]ModelEntry),
		Overlays:     make(map[string]OverlayEntry),
	}

	for _, n := range g.Nodes() {
		ctx := graph.Context(n)
		data, err := synth(n)
		if err != nil {
			return nil, err
		}

		switch n.Kind() {
		case graph.KindModel:
			state.Models[ctx] = ModelEntry{ClassName: n.Type(), Model: data}
			if holder, ok := n.(model.AnchorHolder); ok {
				for _, a := range holder.Anchors() {
					props, err := normalizeMap(a.Synth())
					if err != nil {
						return nil, errs.NewStateError(fmt.Sprintf("failed to serialize anchor %s", a.ID()), err)
					}
					state.Anchors = append(state.Anchors, AnchorEntry{
						AnchorID:   a.ID(),
						ClassName:  a.Type(),
						Parent:     a.Parent(),
						Properties: props,
					})
				}
			}
		case graph.KindOverlay:
			state.Overlays[ctx] = OverlayEntry{ClassName: n.Type(), Overlay: data}
		default:
			return nil, errs.NewGraphError(fmt.Sprintf("node %s of kind %s cannot be part of a model graph", ctx, n.Kind()), nil)
		}
	}

	sort.Slice(state.Anchors, func(i, j int) bool {
		if state.Anchors[i].Parent != state.Anchors[j].Parent {
			return state.Anchors[i].Parent < state.Anchors[j].Parent
		}
		return state.Anchors[i].AnchorID < state.Anchors[j].AnchorID
	})

	return state, nil
}

// Deserialize rebuilds the model graph described by state.
//
// Models are materialized through their registered factories, lazily and at most once,
// so a factory may dereference another model before it is built. The tree is then
// rebuilt from the persisted child edges, anchors and overlays are restored, and finally
// every edge is restored with its exact behaviors.
func (s *ModelSerializer) Deserialize(state *ModelState) (*graph.Graph, error) {
	g := graph.New()
	if state == nil {
		return g, nil
	}

	built := make(map[string]graph.Node, len(state.Models))
	building := make(map[string]bool)

	var deref Deref
	deref = func(ctx string) (graph.Node, error) {
		if n, ok := built[ctx]; ok {
			return n, nil
		}
		if building[ctx] {
			return nil, errs.NewGraphError(fmt.Sprintf("circular reference while restoring %s", ctx), nil).
				WithCode(errs.ErrCodeCycle).WithResource(ctx)
		}
		entry, ok := state.Models[ctx]
		if !ok {
			return nil, errs.NewStateError(fmt.Sprintf("reference to unknown model %s", ctx), nil).
				WithCode(errs.ErrCodeNotFound).WithResource(ctx)
		}
		factory, err := s.registry.Model(entry.ClassName)
		if err != nil {
			return nil, err
		}

		building[ctx] = true
		n, err := factory(canonical.CloneMap(entry.Model), deref)
		delete(building, ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to restore model %s: %w", ctx, err)
		}
		built[ctx] = n
		return n, nil
	}

	contexts := make([]string, 0, len(state.Models))
	for ctx := range state.Models {
		contexts = append(contexts, ctx)
	}
	sort.Strings(contexts)

	for _, ctx := range contexts {
		if _, err := deref(ctx); err != nil {
			return nil, err
		}
	}

	if err := s.restoreTree(g, state, contexts, built); err != nil {
		return nil, err
	}
	if err := s.restoreAnchors(g, state); err != nil {
		return nil, err
	}
	if err := s.restoreOverlays(g, state); err != nil {
		return nil, err
	}
	if err := restoreEdges(g, state.Dependencies, state.FieldRules); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *ModelSerializer) restoreTree(g *graph.Graph, state *ModelState, contexts []string, built map[string]graph.Node) error {
	children := make(map[string][]graph.Dependency)
	hasParent := make(map[string]bool)
	for _, dep := range state.Dependencies {
		if dep.Relationship != graph.RelationshipChild {
			continue
		}
		if _, ok := state.Models[dep.To]; !ok {
			continue
		}
		children[dep.From] = append(children[dep.From], dep)
		hasParent[dep.To] = true
	}

	queue := make([]string, 0, len(contexts))
	for _, ctx := range contexts {
		if hasParent[ctx] {
			continue
		}
		n, err := g.Add(built[ctx])
		if err != nil {
			return err
		}
		if err := expectContext(n, ctx); err != nil {
			return err
		}
		queue = append(queue, ctx)
	}

	for len(queue) > 0 {
		ctx := queue[0]
		queue = queue[1:]
		parent, _ := g.Get(ctx)

		for _, dep := range children[ctx] {
			if g.Contains(built[dep.To]) && graph.Context(built[dep.To]) == dep.To {
				continue
			}
			n, err := g.AddChild(parent, dep.OnField, built[dep.To], dep.ToField)
			if err != nil {
				return err
			}
			if err := expectContext(n, dep.To); err != nil {
				return err
			}
			queue = append(queue, dep.To)
		}
	}

	for _, ctx := range contexts {
		if _, ok := g.Get(ctx); !ok {
			return errs.NewStateError(fmt.Sprintf("model %s is not reachable from any root", ctx), nil).
				WithResource(ctx)
		}
	}
	return nil
}

func (s *ModelSerializer) restoreAnchors(g *graph.Graph, state *ModelState) error {
	for _, entry := range state.Anchors {
		def, err := s.registry.Anchor(entry.ClassName)
		if err != nil {
			return err
		}
		holder, err := anchorHolder(g, entry.Parent)
		if err != nil {
			return err
		}
		if _, err := holder.AddAnchor(def, entry.AnchorID, entry.Properties); err != nil {
			return fmt.Errorf("failed to restore anchor %s of %s: %w", entry.AnchorID, entry.Parent, err)
		}
	}
	return nil
}

func (s *ModelSerializer) restoreOverlays(g *graph.Graph, state *ModelState) error {
	contexts := make([]string, 0, len(state.Overlays))
	for ctx := range state.Overlays {
		contexts = append(contexts, ctx)
	}
	sort.Strings(contexts)

	for _, ctx := range contexts {
		entry := state.Overlays[ctx]
		if !s.registry.HasOverlay(entry.ClassName) {
			return unknown("overlay", entry.ClassName)
		}

		id, err := stringField(entry.Overlay, model.OverlayIDField)
		if err != nil {
			return err
		}
		overlay := model.NewOverlay(entry.ClassName, id)
		n, err := g.Add(overlay)
		if err != nil {
			return err
		}
		if err := expectContext(n, ctx); err != nil {
			return err
		}

		refs, _ := entry.Overlay["anchors"].([]any)
		for _, raw := range refs {
			ref, err := asMap(raw, "anchor reference")
			if err != nil {
				return err
			}
			parent, err := stringField(ref, "parent")
			if err != nil {
				return err
			}
			anchorID, err := stringField(ref, "anchorId")
			if err != nil {
				return err
			}

			holder, err := anchorHolder(g, parent)
			if err != nil {
				return err
			}
			anchor, ok := holder.Anchor(anchorID)
			if !ok {
				return errs.NewStateError(fmt.Sprintf("overlay %s references unknown anchor %s#%s", ctx, parent, anchorID), nil).
					WithCode(errs.ErrCodeNotFound).WithResource(ctx)
			}
			if err := overlay.AddAnchor(anchor); err != nil {
				return err
			}
		}
	}
	return nil
}

func anchorHolder(g *graph.Graph, ctx string) (model.AnchorHolder, error) {
	n, ok := g.Get(ctx)
	if !ok {
		return nil, errs.NewStateError(fmt.Sprintf("anchor parent %s is not part of the graph", ctx), nil).
			WithCode(errs.ErrCodeNotFound).WithResource(ctx)
	}
	holder, ok := n.(model.AnchorHolder)
	if !ok {
		return nil, errs.NewStateError(fmt.Sprintf("node %s cannot hold anchors", ctx), nil).WithResource(ctx)
	}
	return holder, nil
}

func expectContext(n graph.Node, ctx string) error {
	if got := graph.Context(n); got != ctx {
		return errs.NewStateError(fmt.Sprintf("restored node has context %s, expected %s", got, ctx), nil).
			WithResource(ctx)
	}
	return nil
}

func restoreEdges(g *graph.Graph, deps []graph.Dependency, rules map[string][]graph.FieldDependency) error {
	for _, dep := range deps {
		if err := g.RestoreDependency(dep); err != nil {
			return err
		}
	}

	contexts := make([]string, 0, len(rules))
	for ctx := range rules {
		contexts = append(contexts, ctx)
	}
	sort.Strings(contexts)
	for _, ctx := range contexts {
		if err := g.RestoreFieldRules(ctx, rules[ctx]); err != nil {
			return err
		}
	}
	return nil
}

func fieldRulesOf(g *graph.Graph) map[string][]graph.FieldDependency {
	out := make(map[string][]graph.FieldDependency)
	for _, ctx := range g.FieldRuleContexts() {
		n, _ := g.Get(ctx)
		out[ctx] = g.FieldRules(n)
	}
	return out
}

func synth(n graph.Node) (map[string]any, error) {
	data, err := n.Synth()
	if err != nil {
		return nil, errs.NewStateError(fmt.Sprintf("failed to synthesize %s", graph.Context(n)), err)
	}
	normalized, err := normalizeMap(data)
	if err != nil {
		return nil, errs.NewStateError(fmt.Sprintf("failed to serialize %s", graph.Context(n)), err)
	}
	return normalized, nil
}
