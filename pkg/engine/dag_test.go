package engine

import (
	"testing"

	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/quadnix/octo-sub002/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type zone struct {
	model.Model
}

func newZone(id string) *zone {
	return &zone{Model: model.New("zone", "zoneId", id)}
}

// regionWithZone builds region=eu with a single zone=a child.
func regionWithZone(t *testing.T) (graph.Node, graph.Node) {
	t.Helper()

	g := graph.New()
	eu, err := model.AddRoot(g, newRegion("eu"))
	require.NoError(t, err)
	a, err := model.AddChild(g, eu, "regionId", newZone("a"), "zoneId")
	require.NoError(t, err)
	return eu, a
}

func metadata(diffs ...*graph.Diff) []*DiffMetadata {
	out := make([]*DiffMetadata, len(diffs))
	for i, d := range diffs {
		out[i] = &DiffMetadata{Index: i, Tier: TierModel, Diff: d}
	}
	return out
}

func planContexts(plan *ExecutionPlan) [][]string {
	var out [][]string
	for _, level := range plan.Levels {
		var names []string
		for _, m := range level {
			names = append(names, m.Diff.String())
		}
		out = append(out, names)
	}
	return out
}

func TestDAGBuilder_Build_EmptyDiffs(t *testing.T) {
	plan, err := NewDAGBuilder().Build(nil)
	require.NoError(t, err)
	assert.Zero(t, plan.Len())
	assert.Empty(t, plan.Levels)
}

func TestDAGBuilder_Build_ParentAddedBeforeChild(t *testing.T) {
	eu, a := regionWithZone(t)

	plan, err := NewDAGBuilder().Build(metadata(
		graph.IdentityDiff(a, graph.ActionAdd),
		graph.IdentityDiff(eu, graph.ActionAdd),
	))
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"add region=eu.regionId"},
		{"add zone=a,region=eu.zoneId"},
	}, planContexts(plan))
	assert.Equal(t, 1, plan.Order[1].Level)
}

func TestDAGBuilder_Build_ChildDeletedBeforeParent(t *testing.T) {
	eu, a := regionWithZone(t)

	plan, err := NewDAGBuilder().Build(metadata(
		graph.IdentityDiff(eu, graph.ActionDelete),
		graph.IdentityDiff(a, graph.ActionDelete),
	))
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"delete zone=a,region=eu.zoneId"},
		{"delete region=eu.regionId"},
	}, planContexts(plan))
}

func TestDAGBuilder_Build_UnrelatedDiffsShareLevel(t *testing.T) {
	g := regions(t, "eu", "us")
	eu, _ := g.Get("region=eu")
	us, _ := g.Get("region=us")

	b := NewDAGBuilder()
	plan, err := b.Build(metadata(
		graph.IdentityDiff(us, graph.ActionAdd),
		graph.IdentityDiff(eu, graph.ActionAdd),
	))
	require.NoError(t, err)

	require.Len(t, plan.Levels, 1)
	assert.Equal(t, [][]int{{0, 1}}, b.Levels())
}

func TestDAGBuilder_Build_FieldRuleWithinNode(t *testing.T) {
	g := regions(t, "eu")
	eu, _ := g.Get("region=eu")
	require.NoError(t, g.AddFieldDependency(eu, eu, graph.FieldDependency{
		OnField: "cidr", OnAction: graph.ActionUpdate, ToField: "name", ToAction: graph.ActionUpdate,
	}))

	plan, err := NewDAGBuilder().Build(metadata(
		graph.NewDiff(eu, graph.ActionUpdate, "cidr", "10.1.0.0/16"),
		graph.NewDiff(eu, graph.ActionUpdate, "name", "europe"),
	))
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"update region=eu.name"},
		{"update region=eu.cidr"},
	}, planContexts(plan))
}

func TestDAGBuilder_Build_ContradictingRulesFormCycle(t *testing.T) {
	g := regions(t, "eu")
	eu, _ := g.Get("region=eu")
	require.NoError(t, g.AddFieldDependency(eu, eu,
		graph.FieldDependency{OnField: "cidr", OnAction: graph.ActionUpdate, ToField: "name", ToAction: graph.ActionUpdate},
		graph.FieldDependency{OnField: "name", OnAction: graph.ActionUpdate, ToField: "cidr", ToAction: graph.ActionUpdate},
	))

	_, err := NewDAGBuilder().Build(metadata(
		graph.NewDiff(eu, graph.ActionUpdate, "cidr", "10.1.0.0/16"),
		graph.NewDiff(eu, graph.ActionUpdate, "name", "europe"),
	))
	require.Error(t, err)
	assert.True(t, errs.IsGraph(err))
	assert.Equal(t, errs.ErrCodeCycle, errs.CodeOf(err))
}

func TestDAGBuilder_ToDOT(t *testing.T) {
	eu, a := regionWithZone(t)

	b := NewDAGBuilder()
	_, err := b.Build(metadata(
		graph.IdentityDiff(eu, graph.ActionAdd),
		graph.IdentityDiff(a, graph.ActionAdd),
	))
	require.NoError(t, err)

	dot := b.ToDOT()
	assert.Contains(t, dot, "digraph DiffOrder {")
	assert.Contains(t, dot, "subgraph cluster_level_0")
	assert.Contains(t, dot, "subgraph cluster_level_1")
	assert.Contains(t, dot, `"d0" -> "d1";`)
	assert.Contains(t, dot, "lightgreen")
}

func TestPlanDiffs_RequiresMatchingAction(t *testing.T) {
	g := regions(t, "eu")
	eu, _ := g.Get("region=eu")
	registry := NewActionRegistry()

	_, err := PlanDiffs(registry, TierModel, []*graph.Diff{graph.IdentityDiff(eu, graph.ActionAdd)})
	assert.Equal(t, errs.ErrCodeNoMatchingAction, errs.CodeOf(err))

	require.NoError(t, registry.RegisterModelAction(regionNetwork(&journal{})))
	plan, err := PlanDiffs(registry, TierModel, []*graph.Diff{graph.IdentityDiff(eu, graph.ActionAdd)})
	require.NoError(t, err)
	require.Equal(t, 1, plan.Len())
	assert.Equal(t, []string{"region-network"}, plan.Order[0].ActionNames())
}
