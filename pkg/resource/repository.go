package resource

import (
	"fmt"
	"sort"

	"github.com/quadnix/octo-sub002/pkg/canonical"
	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
)

// Repository holds the three resource collections of a transaction:
//   - actual: what exists, as last observed
//   - old: the previously desired resources, as persisted
//   - new: the currently desired resources
//
// It owns resource lifecycle. Resources are only added, merged and removed through it.
type Repository struct {
	actual *graph.Graph
	old    *graph.Graph
	new    *graph.Graph

	dirty map[string]bool
	// carried holds the contribution each shared resource of new brought over from old and
	// that no AddNewResource call of this transaction has replaced yet.
	carried map[string]map[string]any
}

// NewRepository creates a repository over the given graphs. Nil graphs are empty.
// Resources of old that are missing from actual or whose content differs are flagged dirty.
func NewRepository(actual, old, new *graph.Graph) *Repository {
	if actual == nil {
		actual = graph.New()
	}
	if old == nil {
		old = graph.New()
	}
	if new == nil {
		new = graph.New()
	}

	r := &Repository{
		actual:  actual,
		old:     old,
		new:     new,
		dirty:   make(map[string]bool),
		carried: make(map[string]map[string]any),
	}
	for _, o := range resourcesOf(old) {
		a := findByID(actual, o.id)
		if a == nil || !sameContent(o, a) {
			r.dirty[o.id] = true
		}
	}
	for _, n := range resourcesOf(new) {
		if n.shared && len(n.contribution) > 0 {
			r.carried[n.id] = canonical.CloneMap(n.contribution)
		}
	}
	return r
}

// Actual returns the actual collection.
func (r *Repository) Actual() *graph.Graph { return r.actual }

// Old returns the previously desired collection.
func (r *Repository) Old() *graph.Graph { return r.old }

// New returns the currently desired collection.
func (r *Repository) New() *graph.Graph { return r.new }

// IsDirty reports whether the resource with the given id diverged from persisted state.
func (r *Repository) IsDirty(id string) bool { return r.dirty[id] }

// DirtyIDs returns the sorted ids of dirty resources.
func (r *Repository) DirtyIDs() []string {
	out := make([]string, 0, len(r.dirty))
	for id := range r.dirty {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GetActual returns the actual resource with the given id.
func (r *Repository) GetActual(id string) (*Resource, bool) { return lookup(r.actual, id) }

// GetOld returns the previously desired resource with the given id.
func (r *Repository) GetOld(id string) (*Resource, bool) { return lookup(r.old, id) }

// GetNew returns the currently desired resource with the given id.
func (r *Repository) GetNew(id string) (*Resource, bool) { return lookup(r.new, id) }

// ActualResources returns the actual resources in insertion order.
func (r *Repository) ActualResources() []*Resource { return resourcesOf(r.actual) }

// NewResources returns the currently desired resources in insertion order.
func (r *Repository) NewResources() []*Resource { return resourcesOf(r.new) }

// Diff compares the previously desired resources against the currently desired ones.
func (r *Repository) Diff() ([]*graph.Diff, error) {
	return diffCollections(r.old, r.new, r.actual)
}

// DiffDirty compares the actual resources against the currently desired ones.
func (r *Repository) DiffDirty() ([]*graph.Diff, error) {
	return diffCollections(r.actual, r.new, r.actual)
}

// diffCollections reports resources of from missing or deleted in to as deleted, resources
// in both through their own diff, and resources only in to as added. A shared resource only
// in to is diffed against its counterpart in counterparts, when there is one.
func diffCollections(from, to, counterparts *graph.Graph) ([]*graph.Diff, error) {
	var raw []*graph.Diff

	for _, n := range resourcesOf(to) {
		if n.deleted {
			continue
		}
		if p := findByID(from, n.id); p != nil {
			diffs, err := n.DiffProperties(p)
			if err != nil {
				return nil, err
			}
			raw = append(raw, diffs...)
			continue
		}
		if n.shared {
			if c := findByID(counterparts, n.id); c != nil && c != n {
				diffs, err := n.DiffProperties(c)
				if err != nil {
					return nil, err
				}
				raw = append(raw, diffs...)
				continue
			}
		}
		raw = append(raw, graph.IdentityDiff(n, graph.ActionAdd))
	}

	for _, p := range resourcesOf(from) {
		if n := findByID(to, p.id); n != nil && !n.deleted {
			continue
		}
		raw = append(raw, graph.IdentityDiff(p, graph.ActionDelete))
	}

	out := make([]*graph.Diff, 0, len(raw))
	for _, d := range raw {
		unpacked, err := graph.Unpack(d)
		if err != nil {
			return nil, err
		}
		out = append(out, unpacked...)
	}
	return out, nil
}

// EnsureDiffsNotOperatingOnDirtyResources fails if any diff targets a dirty resource or a
// resource sharing a boundary with one. A boundary is the connected sub-graph around the
// resource, which is applied as one unit.
func (r *Repository) EnsureDiffsNotOperatingOnDirtyResources(diffs []*graph.Diff) error {
	for _, d := range diffs {
		res, ok := d.Node.(*Resource)
		if !ok {
			continue
		}
		if r.dirty[res.id] {
			return dirtyError(d, res.id, "operates on")
		}

		g := res.Graph()
		if g == nil {
			continue
		}
		for _, member := range g.BoundaryMembers(res) {
			if !r.dirty[member.ID()] {
				continue
			}
			relation := "shares a boundary with"
			if g.HasAncestor(res, member) {
				relation = "depends on"
			}
			return dirtyError(d, member.ID(), relation)
		}
	}
	return nil
}

func dirtyError(d *graph.Diff, dirtyID, relation string) error {
	return errs.NewDirtyStateError(
		fmt.Sprintf("diff %s %s dirty resource %s", d, relation, dirtyID), nil,
	).WithResource(dirtyID)
}

// AddNewResource upserts res into the new collection by id and returns the stored resource.
//
// Response fields recorded for the same id in old are carried forward unless res sets them.
// A shared resource replacing a shared resource is merged with it. Keys res contributes
// replace the values this branch contributed to them in earlier transactions.
func (r *Repository) AddNewResource(res *Resource) (*Resource, error) {
	parents := res.ParentIDs()
	for _, id := range parents {
		if findByID(r.new, id) == nil {
			return nil, errs.NewGraphError(
				fmt.Sprintf("resource %s depends on unknown resource %s", res.id, id), nil,
			).WithCode(errs.ErrCodeNotFound).WithResource(res.id)
		}
	}
	if res.Attached() {
		res = res.Clone()
	}

	if prev := findByID(r.old, res.id); prev != nil {
		for k, v := range prev.response {
			if _, ok := res.response[k]; !ok {
				res.response[k] = canonical.CloneValue(v)
			}
		}
	}

	if own := r.carried[res.id]; res.shared && len(own) > 0 {
		if existing := findByID(r.new, res.id); existing != nil && existing.shared && existing.Type() == res.Type() {
			existing.withdraw(own, res.contribution)
			for k := range res.contribution {
				delete(own, k)
			}
		}
	}

	stored, err := upsert(r.new, res)
	if err != nil {
		return nil, err
	}
	if err := link(r.new, stored, parents); err != nil {
		return nil, err
	}
	return stored, nil
}

// AddActualResource upserts res into the actual collection by id and returns the stored resource.
// Dependencies on parents not present in actual are skipped. For a shared resource the
// keys res contributes take its values; the other keys are merged.
func (r *Repository) AddActualResource(res *Resource) (*Resource, error) {
	parents := res.ParentIDs()
	res = res.Clone()
	res.deleted = false

	if existing := findByID(r.actual, res.id); existing != nil && existing.shared && res.shared && existing.Type() == res.Type() {
		for k := range res.contribution {
			delete(existing.properties, k)
			delete(existing.contribution, k)
		}
	}

	stored, err := upsert(r.actual, res)
	if err != nil {
		return nil, err
	}
	if err := link(r.actual, stored, parents); err != nil {
		return nil, err
	}
	return stored, nil
}

// RestoreActualResource puts a snapshot back into the actual collection. Unlike
// AddActualResource it never merges: an existing resource with the same id is replaced
// in place and keeps its edges.
func (r *Repository) RestoreActualResource(res *Resource) error {
	parents := res.ParentIDs()
	res = res.Clone()
	res.deleted = false

	if existing := findByID(r.actual, res.id); existing == nil {
		if _, err := r.actual.Add(res); err != nil {
			return err
		}
	} else if _, err := r.actual.Replace(res); err != nil {
		return err
	}
	return link(r.actual, res, parents)
}

// RemoveActualResource removes the resource with the given id from the actual collection.
func (r *Repository) RemoveActualResource(id string) {
	if a := findByID(r.actual, id); a != nil {
		r.actual.Remove(a)
	}
}

// MarkNewResourceDeleted flags the desired resource with the given id for deletion.
func (r *Repository) MarkNewResourceDeleted(id string) error {
	n := findByID(r.new, id)
	if n == nil {
		return errs.NewValidationError(fmt.Sprintf("resource %s is not part of the new resources", id), nil).
			WithCode(errs.ErrCodeNotFound).WithResource(id)
	}
	n.MarkDeleted()
	return nil
}

// PruneDeleted removes resources flagged for deletion from the new collection.
// The result is what becomes the next old collection.
func (r *Repository) PruneDeleted() *graph.Graph {
	for _, n := range resourcesOf(r.new) {
		if n.deleted {
			r.new.Remove(n)
		}
	}
	return r.new
}

// CloneGraph deep-copies a resource graph with its dependencies and field rules.
func CloneGraph(g *graph.Graph) (*graph.Graph, error) {
	out := graph.New()
	if g == nil {
		return out, nil
	}

	for _, n := range resourcesOf(g) {
		c := n.Clone()
		c.dependsOn = nil
		if _, err := out.Add(c); err != nil {
			return nil, err
		}
	}
	for _, dep := range g.Dependencies() {
		if err := out.RestoreDependency(dep); err != nil {
			return nil, err
		}
	}
	for _, ctx := range g.FieldRuleContexts() {
		n, _ := g.Get(ctx)
		if err := out.RestoreFieldRules(ctx, g.FieldRules(n)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func upsert(g *graph.Graph, res *Resource) (*Resource, error) {
	existing := findByID(g, res.id)
	if existing == nil {
		if _, err := g.Add(res); err != nil {
			return nil, err
		}
		return res, nil
	}

	if existing.Type() != res.Type() {
		return nil, errs.NewValidationError(
			fmt.Sprintf("resource %s already exists with type %s", res.id, existing.Type()), nil,
		).WithCode(errs.ErrCodeAlreadyExists).WithResource(res.id)
	}

	replacement := res
	if existing.shared && res.shared {
		merged, err := Merge(existing, res)
		if err != nil {
			return nil, err
		}
		merged.deleted = res.deleted
		replacement = merged
	}

	if _, err := g.Replace(replacement); err != nil {
		return nil, err
	}
	return replacement, nil
}

// link places child under each parent present in g.
func link(g *graph.Graph, child *Resource, parents []string) error {
	for _, id := range parents {
		parent := findByID(g, id)
		if parent == nil {
			continue
		}
		if _, err := g.AddChild(parent, IDField, child, IDField); err != nil {
			return err
		}
	}
	child.dependsOn = nil
	return nil
}

func lookup(g *graph.Graph, id string) (*Resource, bool) {
	res := findByID(g, id)
	return res, res != nil
}

func findByID(g *graph.Graph, id string) *Resource {
	if g == nil {
		return nil
	}
	for _, n := range g.NodesOfKind(graph.KindResource, graph.KindSharedResource) {
		if n.ID() == id {
			if res, ok := n.(*Resource); ok {
				return res
			}
		}
	}
	return nil
}

func resourcesOf(g *graph.Graph) []*Resource {
	if g == nil {
		return nil
	}
	out := make([]*Resource, 0, g.Len())
	for _, n := range g.NodesOfKind(graph.KindResource, graph.KindSharedResource) {
		if res, ok := n.(*Resource); ok {
			out = append(out, res)
		}
	}
	return out
}

func sameContent(a, b *Resource) bool {
	return canonical.Equal(a.properties, b.properties) && canonical.Equal(a.response, b.response)
}
