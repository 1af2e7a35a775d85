// Package resource implements resource nodes, shared-resource merging and the
// repository reconciling actual, previously-desired and currently-desired resources.
package resource

import (
	"fmt"
	"sort"

	"github.com/quadnix/octo-sub002/pkg/canonical"
	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
)

// IDField is the identity field of every resource.
const IDField = "resourceId"

// PropertiesField is the field default resource diffs are reported on.
const PropertiesField = "properties"

// Definition describes one resource type. The hooks are optional.
type Definition struct {
	// Type is the registered resource type identifier (e.g. "vpc").
	Type string

	// DiffProperties replaces the default property comparison. previous is nil when
	// the resource has no previous version.
	DiffProperties func(current, previous *Resource) ([]*graph.Diff, error)

	// DiffUnpack expands one diff into an ordered sequence of finer diffs.
	DiffUnpack func(diff *graph.Diff) ([]*graph.Diff, error)

	// DiffInverse returns the diff undoing diff, or nil when it cannot be undone.
	DiffInverse func(diff *graph.Diff) (*graph.Diff, error)
}

// Resource is a node of the resource graph.
type Resource struct {
	graph.Vertex

	def        *Definition
	id         string
	properties map[string]any
	response   map[string]any
	dependsOn  []string
	deleted    bool

	shared       bool
	contribution map[string]any
}

// New creates a resource of the given definition.
func New(def *Definition, id string, properties map[string]any) *Resource {
	r := &Resource{
		def:        def,
		id:         id,
		properties: canonical.CloneMap(properties),
		response:   make(map[string]any),
	}
	if r.properties == nil {
		r.properties = make(map[string]any)
	}
	return r
}

// NewShared creates a shared resource. The given properties are recorded as the
// contribution of the branch creating it.
func NewShared(def *Definition, id string, properties map[string]any) *Resource {
	r := New(def, id, properties)
	r.shared = true
	r.contribution = canonical.CloneMap(r.properties)
	return r
}

// Kind returns graph.KindSharedResource for shared resources and graph.KindResource otherwise.
func (r *Resource) Kind() graph.NodeKind {
	if r.shared {
		return graph.KindSharedResource
	}
	return graph.KindResource
}

// Type returns the type of the resource definition.
func (r *Resource) Type() string { return r.def.Type }

// ID returns the resource id, unique across all resource types.
func (r *Resource) ID() string { return r.id }

// IDField returns IDField.
func (r *Resource) IDField() string { return IDField }

// Definition returns the resource definition.
func (r *Resource) Definition() *Definition { return r.def }

// IsShared reports whether the resource is shared across model branches.
func (r *Resource) IsShared() bool { return r.shared }

// IsDeleted reports whether the resource was marked for deletion.
func (r *Resource) IsDeleted() bool { return r.deleted }

// MarkDeleted flags the resource for deletion. The repository removes it on commit.
func (r *Resource) MarkDeleted() { r.deleted = true }

// Properties returns a copy of the desired configuration.
func (r *Resource) Properties() map[string]any { return canonical.CloneMap(r.properties) }

// Property returns one desired property.
func (r *Resource) Property(key string) (any, bool) {
	v, ok := r.properties[key]
	return v, ok
}

// SetProperty sets one desired property.
func (r *Resource) SetProperty(key string, value any) {
	r.properties[key] = canonical.CloneValue(value)
	if r.shared {
		r.contribution[key] = canonical.CloneValue(value)
	}
}

// Response returns a copy of the provider-assigned facts.
func (r *Resource) Response() map[string]any { return canonical.CloneMap(r.response) }

// SetResponse merges provider-assigned facts into the response.
func (r *Resource) SetResponse(response map[string]any) {
	for k, v := range response {
		r.response[k] = canonical.CloneValue(v)
	}
}

// Contribution returns the properties contributed by the current branch of a shared resource.
func (r *Resource) Contribution() map[string]any { return canonical.CloneMap(r.contribution) }

// DependsOn declares that r is created after, and deleted before, the given parents.
// The edges are created when r is added to a repository collection.
func (r *Resource) DependsOn(parents ...*Resource) {
	for _, p := range parents {
		r.dependsOn = appendUnique(r.dependsOn, p.id)
	}
}

// ParentIDs returns the ids of the resources r depends on: declared parents plus,
// when r is attached, the parents recorded in its graph.
func (r *Resource) ParentIDs() []string {
	ids := append([]string{}, r.dependsOn...)
	if g := r.Graph(); g != nil {
		for _, p := range g.Parents(r) {
			ids = appendUnique(ids, p.ID())
		}
	}
	return ids
}

// Synth returns the persisted properties of the resource.
func (r *Resource) Synth() (map[string]any, error) {
	return map[string]any{
		IDField:         r.id,
		PropertiesField: canonical.CloneMap(r.properties),
		"response":      canonical.CloneMap(r.response),
	}, nil
}

// Clone returns a detached deep copy of the resource.
func (r *Resource) Clone() *Resource {
	return &Resource{
		def:          r.def,
		id:           r.id,
		properties:   canonical.CloneMap(r.properties),
		response:     canonical.CloneMap(r.response),
		dependsOn:    r.ParentIDs(),
		deleted:      r.deleted,
		shared:       r.shared,
		contribution: canonical.CloneMap(r.contribution),
	}
}

// Restore rebuilds a resource from its persisted form.
func Restore(def *Definition, data map[string]any, shared bool) (*Resource, error) {
	id, _ := data[IDField].(string)
	if id == "" {
		return nil, errs.NewStateError(fmt.Sprintf("%s resource without %s", def.Type, IDField), nil)
	}

	properties, err := mapField(data, PropertiesField)
	if err != nil {
		return nil, err
	}
	response, err := mapField(data, "response")
	if err != nil {
		return nil, err
	}

	r := New(def, id, properties)
	r.SetResponse(response)
	if shared {
		r.shared = true
		r.contribution = make(map[string]any)
	}
	return r, nil
}

// SetContribution replaces the recorded contribution of a shared resource and merges it
// into the properties.
func (r *Resource) SetContribution(contribution map[string]any) error {
	if !r.shared {
		return errs.NewValidationError(fmt.Sprintf("resource %s is not shared", r.id), nil).WithResource(graph.Context(r))
	}
	merged, ok := mergeValues(r.properties, canonical.CloneMap(contribution)).(map[string]any)
	if !ok {
		return errs.NewStateError(fmt.Sprintf("invalid contribution for %s", r.id), nil)
	}
	r.properties = merged
	r.contribution = canonical.CloneMap(contribution)
	return nil
}

func mapField(data map[string]any, key string) (map[string]any, error) {
	raw, ok := data[key]
	if !ok || raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, errs.NewStateError(fmt.Sprintf("field %s must be an object, got %T", key, raw), nil)
	}
	return m, nil
}

// DiffProperties compares the desired configuration against a previous version.
//
// Without a definition hook, changed keys yield one update on the properties field
// whose Value holds the new values and Previous the old ones. Removed keys map to nil.
func (r *Resource) DiffProperties(previous graph.Node) ([]*graph.Diff, error) {
	var prev *Resource
	if previous != nil {
		p, ok := previous.(*Resource)
		if !ok {
			return nil, errs.NewGraphError(fmt.Sprintf("cannot diff resource %s against %T", r.id, previous), nil)
		}
		prev = p
	}

	if r.def.DiffProperties != nil {
		return r.def.DiffProperties(r, prev)
	}
	if prev == nil {
		return nil, nil
	}

	changed, old := changedKeys(r.properties, prev.properties)
	if len(changed) == 0 {
		return nil, nil
	}
	return []*graph.Diff{{
		Node:     r,
		Action:   graph.ActionUpdate,
		Field:    PropertiesField,
		Value:    changed,
		Previous: old,
	}}, nil
}

// DiffUnpack delegates to the definition hook, if any.
func (r *Resource) DiffUnpack(diff *graph.Diff) ([]*graph.Diff, error) {
	if r.def.DiffUnpack != nil {
		return r.def.DiffUnpack(diff)
	}
	return []*graph.Diff{diff}, nil
}

// DiffInverse delegates to the definition hook, if any.
func (r *Resource) DiffInverse(diff *graph.Diff) (*graph.Diff, error) {
	if r.def.DiffInverse != nil {
		return r.def.DiffInverse(diff)
	}
	return graph.DefaultInverse(diff), nil
}

func changedKeys(current, previous map[string]any) (map[string]any, map[string]any) {
	keys := make([]string, 0, len(current)+len(previous))
	for k := range current {
		keys = append(keys, k)
	}
	for k := range previous {
		if _, ok := current[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	changed := make(map[string]any)
	old := make(map[string]any)
	for _, k := range keys {
		cv, cok := current[k]
		pv, pok := previous[k]
		if cok && pok && canonical.Equal(cv, pv) {
			continue
		}
		changed[k] = canonical.CloneValue(cv)
		old[k] = canonical.CloneValue(pv)
	}
	return changed, old
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}
