package graph

import (
	"fmt"
	"strings"
)

// ToDOT renders the graph in DOT format for visualization with Graphviz.
func ToDOT(g *Graph) string {
	return DependenciesToDOT(contextsOf(g), g.Dependencies())
}

// DependenciesToDOT renders a node list and an edge list in DOT format.
// It needs no live nodes, so persisted documents can be rendered directly.
func DependenciesToDOT(contexts []string, deps []Dependency) string {
	var sb strings.Builder

	sb.WriteString("digraph Dependencies {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, ctx := range contexts {
		sb.WriteString(fmt.Sprintf("  %q;\n", ctx))
	}
	if len(contexts) > 0 {
		sb.WriteString("\n")
	}

	for _, dep := range deps {
		// the parent edge of each pair is implied by its child edge
		if dep.Relationship == RelationshipParent {
			continue
		}
		if dep.Relationship == RelationshipSibling && dep.From > dep.To {
			continue
		}
		sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", dep.From, dep.To, relationshipStyle(dep.Relationship)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func contextsOf(g *Graph) []string {
	out := make([]string, 0, g.Len())
	for _, n := range g.Nodes() {
		out = append(out, Context(n))
	}
	return out
}

func relationshipStyle(rel Relationship) string {
	switch rel {
	case RelationshipChild:
		return "style=solid, color=black"
	case RelationshipSibling:
		return "style=dashed, color=blue, dir=none"
	default:
		return "style=dotted, color=gray"
	}
}
