package model

import (
	"github.com/quadnix/octo-sub002/pkg/canonical"
	"github.com/quadnix/octo-sub002/pkg/graph"
)

// DiffOverlay compares the anchors an overlay applies to against a previous version.
//
// Only active anchors count. An anchor active now but not before yields an add on
// the anchor field, the reverse yields a delete, and an anchor active in both whose
// properties differ yields an update. A nil side is treated as an overlay without anchors.
func DiffOverlay(current, previous *Overlay) ([]*graph.Diff, error) {
	if current == nil && previous == nil {
		return nil, nil
	}

	currentAnchors, currentOrder, err := activeAnchors(current)
	if err != nil {
		return nil, err
	}
	previousAnchors, previousOrder, err := activeAnchors(previous)
	if err != nil {
		return nil, err
	}

	node := current
	if node == nil {
		node = previous
	}

	var diffs []*graph.Diff
	for _, key := range currentOrder {
		anchor := currentAnchors[key]
		prev, existed := previousAnchors[key]
		switch {
		case !existed:
			diffs = append(diffs, graph.NewDiff(node, graph.ActionAdd, AnchorField, anchor))
		case !canonical.Equal(anchor.properties, prev.properties):
			diffs = append(diffs, &graph.Diff{
				Node:     node,
				Action:   graph.ActionUpdate,
				Field:    AnchorField,
				Value:    anchor,
				Previous: prev,
			})
		}
	}

	for _, key := range previousOrder {
		if _, ok := currentAnchors[key]; ok {
			continue
		}
		diffs = append(diffs, graph.NewDiff(node, graph.ActionDelete, AnchorField, previousAnchors[key]))
	}

	return diffs, nil
}

func activeAnchors(o *Overlay) (map[string]*Anchor, []string, error) {
	if o == nil {
		return map[string]*Anchor{}, nil, nil
	}

	anchors, err := o.ResolveAnchors()
	if err != nil {
		return nil, nil, err
	}

	byKey := make(map[string]*Anchor, len(anchors))
	order := make([]string, 0, len(anchors))
	for _, a := range anchors {
		if !a.IsActive() {
			continue
		}
		key := a.Ref().Key()
		byKey[key] = a
		order = append(order, key)
	}
	return byKey, order, nil
}

// DiffGraphs compares two versions of a model graph.
//
// Root models are paired by context and diffed recursively, then overlays are diffed
// by their anchors. Every diff is expanded through its node's DiffUnpack, if any.
// Either graph may be nil, standing for an empty graph.
func DiffGraphs(current, previous *graph.Graph) ([]*graph.Diff, error) {
	var diffs []*graph.Diff

	currentRoots := modelRoots(current)
	previousRoots := modelRoots(previous)
	previousByContext := byContext(previousRoots)
	seen := make(map[string]bool, len(currentRoots))

	for _, root := range currentRoots {
		ctx := graph.Context(root)
		seen[ctx] = true
		rootDiffs, err := graph.DiffNodes(root, previousByContext[ctx])
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, rootDiffs...)
	}
	for _, root := range previousRoots {
		if seen[graph.Context(root)] {
			continue
		}
		rootDiffs, err := graph.DiffNodes(nil, root)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, rootDiffs...)
	}

	currentOverlays := overlays(current)
	previousOverlays := overlays(previous)
	previousOverlayByContext := make(map[string]*Overlay, len(previousOverlays))
	for _, o := range previousOverlays {
		previousOverlayByContext[graph.Context(o)] = o
	}
	seen = make(map[string]bool, len(currentOverlays))

	for _, o := range currentOverlays {
		ctx := graph.Context(o)
		seen[ctx] = true
		overlayDiffs, err := DiffOverlay(o, previousOverlayByContext[ctx])
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, overlayDiffs...)
	}
	for _, o := range previousOverlays {
		if seen[graph.Context(o)] {
			continue
		}
		overlayDiffs, err := DiffOverlay(nil, o)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, overlayDiffs...)
	}

	out := make([]*graph.Diff, 0, len(diffs))
	for _, d := range diffs {
		unpacked, err := graph.Unpack(d)
		if err != nil {
			return nil, err
		}
		out = append(out, unpacked...)
	}
	return out, nil
}

func modelRoots(g *graph.Graph) []graph.Node {
	if g == nil {
		return nil
	}
	out := make([]graph.Node, 0)
	for _, n := range g.Roots() {
		if n.Kind() == graph.KindModel {
			out = append(out, n)
		}
	}
	return out
}

func overlays(g *graph.Graph) []*Overlay {
	if g == nil {
		return nil
	}
	out := make([]*Overlay, 0)
	for _, n := range g.NodesOfKind(graph.KindOverlay) {
		if o, ok := n.(*Overlay); ok {
			out = append(out, o)
		}
	}
	return out
}

func byContext(nodes []graph.Node) map[string]graph.Node {
	out := make(map[string]graph.Node, len(nodes))
	for _, n := range nodes {
		out[graph.Context(n)] = n
	}
	return out
}
