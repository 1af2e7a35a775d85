package model

import (
	"testing"

	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRegion struct {
	Model
	Name string `validate:"required"`
}

func newRegion(id string) *testRegion {
	return &testRegion{Model: New("region", "regionId", id), Name: id}
}

type testServer struct {
	Model
	Size string `validate:"oneof=small large"`
}

func newServer(id, size string) *testServer {
	return &testServer{Model: New("server", "serverId", id), Size: size}
}

func (s *testServer) Synth() (map[string]any, error) {
	return map[string]any{"serverId": s.ID(), "size": s.Size}, nil
}

func (s *testServer) DiffProperties(previous graph.Node) ([]*graph.Diff, error) {
	if previous == nil {
		return nil, nil
	}
	prev := previous.(*testServer)
	if prev.Size == s.Size {
		return nil, nil
	}
	return []*graph.Diff{{Node: s, Action: graph.ActionUpdate, Field: "size", Value: s.Size, Previous: prev.Size}}, nil
}

var securityGroupAnchor = &AnchorDefinition{
	Type:  "security-group",
	Rules: map[string]any{"rules": "required"},
	Active: func(properties map[string]any) bool {
		rules, _ := properties["rules"].([]any)
		return len(rules) > 0
	},
}

func TestModelWithoutChildrenYieldsSingleAdd(t *testing.T) {
	g := graph.New()
	region := newRegion("eu")
	_, err := AddRoot(g, region)
	require.NoError(t, err)

	diffs, err := DiffGraphs(g, nil)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, graph.ActionAdd, diffs[0].Action)
	assert.Equal(t, "regionId", diffs[0].Field)
	assert.Equal(t, "eu", diffs[0].Value)
}

func TestAddChildValidatesModel(t *testing.T) {
	g := graph.New()
	region := newRegion("eu")
	_, err := AddRoot(g, region)
	require.NoError(t, err)

	_, err = AddChild(g, region, "regionId", newServer("s1", "huge"), "serverId")
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
	assert.Equal(t, 1, g.Len())

	child, err := AddChild(g, region, "regionId", newServer("s1", "small"), "serverId")
	require.NoError(t, err)
	assert.Equal(t, "server=s1,region=eu", graph.Context(child))
}

func TestAddRootRejectsInvalidModel(t *testing.T) {
	region := newRegion("eu")
	region.Name = ""

	_, err := AddRoot(graph.New(), region)
	require.Error(t, err)
	assert.Equal(t, errs.ErrCodeValidation, errs.CodeOf(err))
}

func TestDiffGraphsPairsRootsByContext(t *testing.T) {
	build := func(size string, withUS bool) *graph.Graph {
		g := graph.New()
		eu := newRegion("eu")
		_, err := AddRoot(g, eu)
		require.NoError(t, err)
		_, err = AddChild(g, eu, "regionId", newServer("s1", size), "serverId")
		require.NoError(t, err)
		if withUS {
			_, err = AddRoot(g, newRegion("us"))
			require.NoError(t, err)
		}
		return g
	}

	diffs, err := DiffGraphs(build("large", false), build("small", true))
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, "update server=s1,region=eu.size", diffs[0].String())
	assert.Equal(t, "delete region=us.regionId", diffs[1].String())

	diffs, err = DiffGraphs(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, diffs)
}

func TestAddAnchorRequiresAttachedModel(t *testing.T) {
	region := newRegion("eu")
	_, err := region.AddAnchor(securityGroupAnchor, "sg", map[string]any{"rules": []any{}})
	require.Error(t, err)

	g := graph.New()
	_, err = AddRoot(g, region)
	require.NoError(t, err)

	anchor, err := region.AddAnchor(securityGroupAnchor, "sg", map[string]any{"rules": []any{}})
	require.NoError(t, err)
	assert.Equal(t, "region=eu", anchor.Parent())
	assert.False(t, anchor.IsActive())

	_, err = region.AddAnchor(securityGroupAnchor, "sg", map[string]any{"rules": []any{}})
	assert.Equal(t, errs.ErrCodeAlreadyExists, errs.CodeOf(err))
}

func TestAnchorValidation(t *testing.T) {
	_, err := NewAnchor(securityGroupAnchor, "sg", "region=eu", map[string]any{})
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))

	anchor, err := NewAnchor(securityGroupAnchor, "sg", "region=eu", map[string]any{"rules": []any{}})
	require.NoError(t, err)

	require.Error(t, anchor.SetProperty("rules", nil))
	rules, ok := anchor.Property("rules")
	require.True(t, ok)
	assert.Equal(t, []any{}, rules)
}

func TestOverlayAddAnchorCreatesOrderingEdges(t *testing.T) {
	g := graph.New()
	region := newRegion("eu")
	_, err := AddRoot(g, region)
	require.NoError(t, err)
	anchor, err := region.AddAnchor(securityGroupAnchor, "sg", map[string]any{"rules": []any{"allow 443"}})
	require.NoError(t, err)

	overlay := NewOverlay("security-group-overlay", "sg-overlay")
	_, err = g.Add(overlay)
	require.NoError(t, err)
	require.NoError(t, overlay.AddAnchor(anchor))
	require.NoError(t, overlay.AddAnchor(anchor))
	assert.Len(t, overlay.Refs(), 1)

	overlayAdd := graph.NewDiff(overlay, graph.ActionAdd, AnchorField, anchor)
	regionAdd := graph.IdentityDiff(region, graph.ActionAdd)
	assert.True(t, graph.MustFollow(overlayAdd, regionAdd))

	overlayDelete := graph.NewDiff(overlay, graph.ActionDelete, AnchorField, anchor)
	regionDelete := graph.IdentityDiff(region, graph.ActionDelete)
	assert.True(t, graph.MustFollow(regionDelete, overlayDelete))
	assert.False(t, graph.MustFollow(overlayDelete, regionDelete))
}

// overlayGraph builds a region with one security-group anchor, and an overlay that
// references it only when attach is true.
func overlayGraph(t *testing.T, rules []any, attach bool) (*graph.Graph, *Overlay) {
	t.Helper()

	g := graph.New()
	region := newRegion("eu")
	_, err := AddRoot(g, region)
	require.NoError(t, err)
	anchor, err := region.AddAnchor(securityGroupAnchor, "sg", map[string]any{"rules": rules})
	require.NoError(t, err)

	overlay := NewOverlay("security-group-overlay", "sg-overlay")
	_, err = g.Add(overlay)
	require.NoError(t, err)
	if attach {
		require.NoError(t, overlay.AddAnchor(anchor))
	}
	return g, overlay
}

func TestOverlayInactiveAnchorDiffsAsAbsent(t *testing.T) {
	_, previous := overlayGraph(t, []any{}, false)
	_, current := overlayGraph(t, []any{}, true)

	diffs, err := DiffOverlay(current, previous)
	require.NoError(t, err)
	assert.Empty(t, diffs)

	_, current = overlayGraph(t, []any{"allow 443"}, true)
	diffs, err = DiffOverlay(current, previous)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, graph.ActionAdd, diffs[0].Action)
	assert.Equal(t, AnchorField, diffs[0].Field)
}

func TestOverlayAnchorUpdatesAndDeletes(t *testing.T) {
	_, previous := overlayGraph(t, []any{"allow 443"}, true)
	_, current := overlayGraph(t, []any{"allow 443", "allow 80"}, true)

	diffs, err := DiffOverlay(current, previous)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, graph.ActionUpdate, diffs[0].Action)
	assert.Equal(t, []any{"allow 443", "allow 80"}, diffs[0].Value.(*Anchor).Properties()["rules"])
	assert.Equal(t, []any{"allow 443"}, diffs[0].Previous.(*Anchor).Properties()["rules"])

	_, emptied := overlayGraph(t, []any{}, true)
	diffs, err = DiffOverlay(emptied, previous)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, graph.ActionDelete, diffs[0].Action)

	diffs, err = DiffOverlay(nil, previous)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Same(t, previous, diffs[0].Node)
}

func TestDiffGraphsIncludesOverlays(t *testing.T) {
	current, _ := overlayGraph(t, []any{"allow 443"}, true)

	diffs, err := DiffGraphs(current, nil)
	require.NoError(t, err)

	got := make([]string, 0, len(diffs))
	for _, d := range diffs {
		got = append(got, d.String())
	}
	assert.Equal(t, []string{
		"add region=eu.regionId",
		"add security-group-overlay=sg-overlay.anchor",
	}, got)
}

func TestResolveAnchorsFailsOnDanglingReference(t *testing.T) {
	g, overlay := overlayGraph(t, []any{"allow 443"}, true)
	region, ok := g.Get("region=eu")
	require.True(t, ok)

	region.(*testRegion).anchors = nil
	_, err := overlay.ResolveAnchors()
	require.Error(t, err)
	assert.Equal(t, errs.ErrCodeNotFound, errs.CodeOf(err))
}

// testCluster reports a version change as one diff per node pool.
type testCluster struct {
	Model
	Version string
	Pools   []string
}

func (c *testCluster) DiffProperties(previous graph.Node) ([]*graph.Diff, error) {
	if previous == nil || previous.(*testCluster).Version == c.Version {
		return nil, nil
	}
	return []*graph.Diff{{
		Node: c, Action: graph.ActionUpdate, Field: "version",
		Value: c.Version, Previous: previous.(*testCluster).Version,
	}}, nil
}

func (c *testCluster) DiffUnpack(diff *graph.Diff) ([]*graph.Diff, error) {
	if diff.Action != graph.ActionUpdate {
		return []*graph.Diff{diff}, nil
	}
	out := make([]*graph.Diff, 0, len(c.Pools))
	for _, pool := range c.Pools {
		out = append(out, &graph.Diff{
			Node: c, Action: graph.ActionUpdate, Field: "version." + pool,
			Value: diff.Value, Previous: diff.Previous,
		})
	}
	return out, nil
}

func TestDiffGraphsUnpacksModelDiffs(t *testing.T) {
	build := func(version string) *graph.Graph {
		g := graph.New()
		eu := newRegion("eu")
		_, err := AddRoot(g, eu)
		require.NoError(t, err)
		cluster := &testCluster{Model: New("cluster", "clusterId", "k8s"), Version: version, Pools: []string{"system", "workers"}}
		_, err = AddChild(g, eu, "regionId", cluster, "clusterId")
		require.NoError(t, err)
		return g
	}

	diffs, err := DiffGraphs(build("1.30"), build("1.29"))
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, "update cluster=k8s,region=eu.version.system", diffs[0].String())
	assert.Equal(t, "update cluster=k8s,region=eu.version.workers", diffs[1].String())
	assert.Equal(t, "1.29", diffs[1].Previous)

	diffs, err = DiffGraphs(build("1.30"), nil)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, graph.ActionAdd, diffs[1].Action)
}

func TestOverlayIdentity(t *testing.T) {
	overlay := NewOverlay("security-group-overlay", "sg-overlay")

	assert.Equal(t, graph.KindOverlay, overlay.Kind())
	assert.Equal(t, "security-group-overlay", overlay.Type())
	assert.Equal(t, "sg-overlay", overlay.ID())
	assert.Equal(t, OverlayIDField, overlay.IDField())
	assert.Equal(t, "security-group-overlay=sg-overlay", graph.Context(overlay))
}
