package resource

import (
	"testing"

	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	vpcDef    = &Definition{Type: "vpc"}
	subnetDef = &Definition{Type: "subnet"}
	sgDef     = &Definition{Type: "security-group"}
)

func TestResourceKindAndContext(t *testing.T) {
	vpc := New(vpcDef, "vpc-1", map[string]any{"cidr": "10.0.0.0/16"})
	assert.Equal(t, graph.KindResource, vpc.Kind())
	assert.Equal(t, "vpc=vpc-1", graph.Context(vpc))

	sg := NewShared(sgDef, "sg-1", map[string]any{"rules": []any{"443"}})
	assert.Equal(t, graph.KindSharedResource, sg.Kind())
	assert.Equal(t, map[string]any{"rules": []any{"443"}}, sg.Contribution())
}

func TestDiffPropertiesReportsChangedKeys(t *testing.T) {
	previous := New(vpcDef, "vpc-1", map[string]any{"cidr": "10.0.0.0/16", "dns": true, "name": "main"})
	current := New(vpcDef, "vpc-1", map[string]any{"cidr": "10.1.0.0/16", "dns": true, "tags": map[string]any{"env": "prod"}})

	diffs, err := current.DiffProperties(previous)
	require.NoError(t, err)
	require.Len(t, diffs, 1)

	d := diffs[0]
	assert.Equal(t, graph.ActionUpdate, d.Action)
	assert.Equal(t, PropertiesField, d.Field)
	assert.Equal(t, map[string]any{
		"cidr": "10.1.0.0/16",
		"name": nil,
		"tags": map[string]any{"env": "prod"},
	}, d.Value)
	assert.Equal(t, map[string]any{
		"cidr": "10.0.0.0/16",
		"name": "main",
		"tags": nil,
	}, d.Previous)

	same, err := current.DiffProperties(current.Clone())
	require.NoError(t, err)
	assert.Empty(t, same)
}

func TestDefinitionHooksOverrideDefaults(t *testing.T) {
	def := &Definition{
		Type: "role",
		DiffProperties: func(current, previous *Resource) ([]*graph.Diff, error) {
			return []*graph.Diff{graph.NewDiff(current, graph.ActionUpdate, "policies", nil)}, nil
		},
		DiffInverse: func(*graph.Diff) (*graph.Diff, error) { return nil, nil },
	}
	role := New(def, "role-1", nil)

	diffs, err := role.DiffProperties(nil)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "policies", diffs[0].Field)

	inverse, err := graph.Inverse(diffs[0])
	require.NoError(t, err)
	assert.Nil(t, inverse)

	plain, err := graph.Inverse(graph.IdentityDiff(New(vpcDef, "vpc-1", nil), graph.ActionAdd))
	require.NoError(t, err)
	assert.Equal(t, graph.ActionDelete, plain.Action)
}

func TestMergeUnionsDisjointProperties(t *testing.T) {
	a := NewShared(sgDef, "sg-1", map[string]any{"ingress": []any{"443"}})
	b := NewShared(sgDef, "sg-1", map[string]any{"egress": []any{"0.0.0.0/0"}})

	ab, err := Merge(a, b)
	require.NoError(t, err)
	ba, err := Merge(b, a)
	require.NoError(t, err)

	want := map[string]any{"ingress": []any{"443"}, "egress": []any{"0.0.0.0/0"}}
	assert.Equal(t, want, ab.Properties())
	assert.Equal(t, ab.Properties(), ba.Properties())
	assert.Equal(t, want, ab.Contribution())
	assert.True(t, ab.IsShared())
}

func TestMergeIsCommutativeAndAssociative(t *testing.T) {
	x := NewShared(sgDef, "sg-1", map[string]any{
		"rules": []any{"80"},
		"name":  "web",
		"tags":  map[string]any{"team": "a"},
	})
	y := NewShared(sgDef, "sg-1", map[string]any{
		"rules": []any{"443", "80"},
		"name":  "api",
		"tags":  map[string]any{"env": "prod"},
	})
	z := NewShared(sgDef, "sg-1", map[string]any{
		"rules": "22",
		"name":  nil,
		"tags":  map[string]any{"team": "b"},
	})

	must := func(r *Resource, err error) *Resource {
		require.NoError(t, err)
		return r
	}

	left := must(Merge(must(Merge(x, y)), z))
	right := must(Merge(x, must(Merge(y, z))))
	assert.Equal(t, left.Properties(), right.Properties())

	assert.Equal(t, must(Merge(x, y)).Properties(), must(Merge(y, x)).Properties())
	assert.Equal(t, must(Merge(y, z)).Properties(), must(Merge(z, y)).Properties())

	assert.Equal(t, map[string]any{
		"rules": []any{"443", "80"},
		"name":  "web",
		"tags":  map[string]any{"team": "b", "env": "prod"},
	}, left.Properties())
}

func TestMergeRejectsDifferentResources(t *testing.T) {
	_, err := Merge(NewShared(sgDef, "sg-1", nil), NewShared(sgDef, "sg-2", nil))
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
}

func TestRestoreAndContribution(t *testing.T) {
	r, err := Restore(sgDef, map[string]any{
		IDField:         "sg-1",
		PropertiesField: map[string]any{"ingress": []any{"443"}},
		"response":      map[string]any{"arn": "arn:sg-1"},
	}, true)
	require.NoError(t, err)
	require.NoError(t, r.SetContribution(map[string]any{"egress": []any{"all"}}))

	assert.Equal(t, map[string]any{"ingress": []any{"443"}, "egress": []any{"all"}}, r.Properties())
	assert.Equal(t, map[string]any{"egress": []any{"all"}}, r.Contribution())
	assert.Equal(t, "arn:sg-1", r.Response()["arn"])

	_, err = Restore(vpcDef, map[string]any{PropertiesField: map[string]any{}}, false)
	assert.True(t, errs.IsState(err))

	plain := New(vpcDef, "vpc-1", nil)
	assert.True(t, errs.IsValidation(plain.SetContribution(map[string]any{})))
}
