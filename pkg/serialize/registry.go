// Package serialize converts model graphs and resource graphs to and from their
// persisted, versioned documents.
package serialize

import (
	"fmt"
	"sort"
	"sync"

	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/quadnix/octo-sub002/pkg/model"
	"github.com/quadnix/octo-sub002/pkg/resource"
)

// Deref resolves the node persisted under the given context while a graph is being
// restored. Nodes not yet materialized are built on demand.
type Deref func(context string) (graph.Node, error)

// ModelFactory rebuilds a detached model from its synthesized properties.
type ModelFactory func(data map[string]any, deref Deref) (graph.Node, error)

// Registry maps stable type identifiers to the constructors of models, overlays,
// anchors and resources. It is populated once at process start.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]ModelFactory
	overlays  map[string]bool
	anchors   map[string]*model.AnchorDefinition
	resources map[string]*resource.Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		models:    make(map[string]ModelFactory),
		overlays:  make(map[string]bool),
		anchors:   make(map[string]*model.AnchorDefinition),
		resources: make(map[string]*resource.Definition),
	}
}

func duplicate(kind, typ string) error {
	return errs.NewRegistrationError(fmt.Sprintf("%s type %q is already registered", kind, typ), nil).
		WithCode(errs.ErrCodeAlreadyExists)
}

// RegisterModel registers the factory of a model type.
func (r *Registry) RegisterModel(typ string, factory ModelFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.models[typ]; ok {
		return duplicate("model", typ)
	}
	r.models[typ] = factory
	return nil
}

// RegisterOverlay registers an overlay type.
func (r *Registry) RegisterOverlay(typ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.overlays[typ] {
		return duplicate("overlay", typ)
	}
	r.overlays[typ] = true
	return nil
}

// RegisterAnchor registers an anchor definition.
func (r *Registry) RegisterAnchor(def *model.AnchorDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.anchors[def.Type]; ok {
		return duplicate("anchor", def.Type)
	}
	r.anchors[def.Type] = def
	return nil
}

// RegisterResource registers a resource definition.
func (r *Registry) RegisterResource(def *resource.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.resources[def.Type]; ok {
		return duplicate("resource", def.Type)
	}
	r.resources[def.Type] = def
	return nil
}

func unknown(kind, typ string) error {
	return errs.NewRegistrationError(fmt.Sprintf("%s type %q is not registered", kind, typ), nil).
		WithCode(errs.ErrCodeNotFound)
}

// Model returns the factory of a model type.
func (r *Registry) Model(typ string) (ModelFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.models[typ]
	if !ok {
		return nil, unknown("model", typ)
	}
	return f, nil
}

// HasOverlay reports whether the overlay type is registered.
func (r *Registry) HasOverlay(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overlays[typ]
}

// Anchor returns an anchor definition.
func (r *Registry) Anchor(typ string) (*model.AnchorDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.anchors[typ]
	if !ok {
		return nil, unknown("anchor", typ)
	}
	return def, nil
}

// Resource returns a resource definition.
func (r *Registry) Resource(typ string) (*resource.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.resources[typ]
	if !ok {
		return nil, unknown("resource", typ)
	}
	return def, nil
}

// ResourceTypes returns the registered resource types, sorted.
func (r *Registry) ResourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.resources))
	for typ := range r.resources {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}
