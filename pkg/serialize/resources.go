package serialize

import (
	"fmt"
	"sort"

	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/quadnix/octo-sub002/pkg/resource"
)

// ResourceSerializer converts resource graphs to and from ResourceState.
type ResourceSerializer struct {
	registry *Registry
}

// NewResourceSerializer creates a resource serializer over registry.
func NewResourceSerializer(registry *Registry) *ResourceSerializer {
	return &ResourceSerializer{registry: registry}
}

// Serialize flattens g. Shared resources get a parallel shared entry holding the
// properties contributed by the current branch.
func (s *ResourceSerializer) Serialize(g *graph.Graph) (*ResourceState, error) {
	state := &ResourceState{
		Dependencies:    g.Dependencies(),
		FieldRules:      fieldRulesOf(g),
		Resources:       make(map[string]ResourceEntry),
		SharedResources: make(map[string]SharedResourceEntry),
	}

	for _, n := range g.Nodes() {
		r, ok := n.(*resource.Resource)
		if !ok {
			return nil, errs.NewGraphError(
				fmt.Sprintf("node %s of kind %s cannot be part of a resource graph", graph.Context(n), n.Kind()), nil,
			)
		}
		data, err := synth(r)
		if err != nil {
			return nil, err
		}
		state.Resources[r.ID()] = ResourceEntry{ClassName: r.Type(), Resource: data}

		if r.IsShared() {
			contribution, err := normalizeMap(r.Contribution())
			if err != nil {
				return nil, errs.NewStateError(fmt.Sprintf("failed to serialize contribution of %s", r.ID()), err)
			}
			state.SharedResources[r.ID()] = SharedResourceEntry{
				ClassName:         SharedResourceClassName,
				ResourceClassName: r.Type(),
				SharedResource: map[string]any{
					resource.IDField:         r.ID(),
					resource.PropertiesField: contribution,
				},
			}
		}
	}
	return state, nil
}

// Deserialize rebuilds the resource graph described by state. Shared entries are merged
// into their resource entries.
func (s *ResourceSerializer) Deserialize(state *ResourceState) (*graph.Graph, error) {
	g := graph.New()
	if state == nil {
		return g, nil
	}

	ids := make([]string, 0, len(state.Resources))
	for id := range state.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		entry := state.Resources[id]
		def, err := s.registry.Resource(entry.ClassName)
		if err != nil {
			return nil, err
		}

		shared, isShared := state.SharedResources[id]
		r, err := resource.Restore(def, entry.Resource, isShared)
		if err != nil {
			return nil, err
		}
		if r.ID() != id {
			return nil, errs.NewStateError(fmt.Sprintf("resource entry %s holds resource %s", id, r.ID()), nil).
				WithResource(id)
		}

		if isShared {
			if shared.ResourceClassName != entry.ClassName {
				return nil, errs.NewStateError(
					fmt.Sprintf("shared resource %s has class %s, resource has %s", id, shared.ResourceClassName, entry.ClassName), nil,
				).WithResource(id)
			}
			contribution, err := asMap(shared.SharedResource[resource.PropertiesField], "shared resource properties")
			if err != nil {
				return nil, err
			}
			if err := r.SetContribution(contribution); err != nil {
				return nil, err
			}
		}

		if _, err := g.Add(r); err != nil {
			return nil, err
		}
	}

	for id := range state.SharedResources {
		if _, ok := state.Resources[id]; !ok {
			return nil, errs.NewStateError(fmt.Sprintf("shared resource %s has no resource entry", id), nil).
				WithCode(errs.ErrCodeNotFound).WithResource(id)
		}
	}

	if err := restoreEdges(g, state.Dependencies, state.FieldRules); err != nil {
		return nil, err
	}
	return g, nil
}
