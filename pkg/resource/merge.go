package resource

import (
	"fmt"
	"sort"

	"github.com/quadnix/octo-sub002/pkg/canonical"
	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
)

// Merge combines two versions of the same shared resource into a new detached resource.
//
// Merge is commutative and associative. Objects are merged key by key, lists that
// differ become the sorted union of their elements, and conflicting scalars resolve to
// the greater canonical encoding. An object beats a list, a list beats a scalar and any
// value beats null.
func Merge(a, b *Resource) (*Resource, error) {
	if a.id != b.id || a.def.Type != b.def.Type {
		return nil, errs.NewValidationError(
			fmt.Sprintf("cannot merge %s with %s", graph.Context(a), graph.Context(b)), nil,
		).WithResource(a.id)
	}

	merged := &Resource{
		def:          a.def,
		id:           a.id,
		properties:   mergeMaps(a.properties, b.properties),
		response:     mergeMaps(a.response, b.response),
		dependsOn:    unionSorted(a.ParentIDs(), b.ParentIDs()),
		deleted:      a.deleted && b.deleted,
		shared:       true,
		contribution: mergeMaps(a.contribution, b.contribution),
	}
	return merged, nil
}

func mergeMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = canonical.CloneValue(v)
	}
	for k, v := range b {
		if existing, ok := out[k]; ok {
			out[k] = mergeValues(existing, v)
			continue
		}
		out[k] = canonical.CloneValue(v)
	}
	return out
}

func mergeValues(a, b any) any {
	ra, rb := rank(a), rank(b)
	switch {
	case ra > rb:
		return canonical.CloneValue(a)
	case rb > ra:
		return canonical.CloneValue(b)
	}

	switch av := a.(type) {
	case map[string]any:
		return mergeMaps(av, b.(map[string]any))
	case []any:
		return mergeLists(av, b.([]any))
	}

	if ka, kb := canonical.Key(a), canonical.Key(b); kb > ka {
		return canonical.CloneValue(b)
	}
	return canonical.CloneValue(a)
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case map[string]any:
		return 3
	case []any:
		return 2
	default:
		return 1
	}
}

func mergeLists(a, b []any) []any {
	if canonical.Equal(a, b) {
		return canonical.CloneValue(a).([]any)
	}

	byKey := make(map[string]any, len(a)+len(b))
	for _, v := range a {
		byKey[canonical.Key(v)] = v
	}
	for _, v := range b {
		byKey[canonical.Key(v)] = v
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, canonical.CloneValue(byKey[k]))
	}
	return out
}

func unionSorted(a, b []string) []string {
	out := append([]string{}, a...)
	for _, v := range b {
		out = appendUnique(out, v)
	}
	sort.Strings(out)
	return out
}

// withdraw removes what own contributed under each of keys from the properties and the
// contribution of r. Values another branch merged into the same key survive.
func (r *Resource) withdraw(own map[string]any, keys map[string]any) {
	for k := range keys {
		o, ok := own[k]
		if !ok {
			continue
		}
		if v, present := r.properties[k]; present {
			if rest, keep := subtractValue(v, o); keep {
				r.properties[k] = rest
			} else {
				delete(r.properties, k)
			}
		}
		delete(r.contribution, k)
	}
}

// subtractValue removes own from v. It reports false when nothing of v remains.
func subtractValue(v, own any) (any, bool) {
	if canonical.Equal(v, own) {
		return nil, false
	}
	vm, ok := v.(map[string]any)
	om, ownIsMap := own.(map[string]any)
	if !ok || !ownIsMap {
		return v, true
	}

	out := make(map[string]any, len(vm))
	for k, x := range vm {
		o, contributed := om[k]
		if !contributed {
			out[k] = x
			continue
		}
		if rest, keep := subtractValue(x, o); keep {
			out[k] = rest
		}
	}
	return out, true
}
