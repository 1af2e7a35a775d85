package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
)

// DAGBuilder orders diffs for execution. An edge a -> b means diff a has to be applied
// before diff b, as decided by graph.MustFollow over the node edges and field rules.
type DAGBuilder struct {
	diffs []*DiffMetadata

	// adjacencyList maps a diff index to the diffs that wait for it
	adjacencyList map[int][]int

	// reverseAdjacencyList maps a diff index to the diffs it waits for
	reverseAdjacencyList map[int][]int

	inDegree map[int]int
	levels   [][]int
}

// ExecutionPlan is the result of ordering diffs.
type ExecutionPlan struct {
	// Levels holds diffs that may run concurrently, each level sorted by diff position.
	Levels [][]*DiffMetadata

	// Order is the resolved apply order: the levels concatenated.
	Order []*DiffMetadata
}

// Len returns the number of planned diffs.
func (p *ExecutionPlan) Len() int {
	return len(p.Order)
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		adjacencyList:        make(map[int][]int),
		reverseAdjacencyList: make(map[int][]int),
		inDegree:             make(map[int]int),
	}
}

// Build orders diffs into levels. It fails with a CYCLE graph error when the ordering
// rules contradict each other.
func (b *DAGBuilder) Build(diffs []*DiffMetadata) (*ExecutionPlan, error) {
	b.initialize(diffs)

	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	plan := &ExecutionPlan{}
	for level, ids := range b.levels {
		items := make([]*DiffMetadata, len(ids))
		for i, id := range ids {
			b.diffs[id].Level = level
			items[i] = b.diffs[id]
		}
		plan.Levels = append(plan.Levels, items)
		plan.Order = append(plan.Order, items...)
	}
	return plan, nil
}

func (b *DAGBuilder) initialize(diffs []*DiffMetadata) {
	b.diffs = diffs
	for i := range diffs {
		b.inDegree[i] = 0
	}

	for i, later := range diffs {
		for j, earlier := range diffs {
			if i == j || !graph.MustFollow(later.Diff, earlier.Diff) {
				continue
			}
			b.adjacencyList[j] = append(b.adjacencyList[j], i)
			b.reverseAdjacencyList[i] = append(b.reverseAdjacencyList[i], j)
			b.inDegree[i]++
		}
	}
}

// detectCycles uses depth-first search to find contradicting ordering rules.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[int]bool)
	recStack := make(map[int]bool)

	for id := range b.diffs {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return errs.NewGraphError(
				fmt.Sprintf("circular dependency between diffs: %s", b.formatCycle(cycle)), nil,
			).WithCode(errs.ErrCodeCycle).WithResource(b.diffs[cycle[0]].Diff.Context())
		}
	}
	return nil
}

func (b *DAGBuilder) detectCyclesUtil(id int, visited, recStack map[int]bool, path []int) []int {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, next := range b.adjacencyList[id] {
		if !visited[next] {
			if cycle := b.detectCyclesUtil(next, visited, recStack, path); cycle != nil {
				return cycle
			}
			continue
		}
		if recStack[next] {
			for i, p := range path {
				if p == next {
					return append(append([]int{}, path[i:]...), next)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// computeLevels runs Kahn's algorithm, keeping each level sorted by diff position so
// the plan does not depend on map iteration order.
func (b *DAGBuilder) computeLevels() error {
	inDegree := make(map[int]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegree[id] = degree
	}

	current := make([]int, 0)
	for id := range b.diffs {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		sort.Ints(current)
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]int, 0)
		for _, id := range current {
			for _, dependent := range b.adjacencyList[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(b.diffs) {
		return errs.NewGraphError("failed to order all diffs", nil).WithCode(errs.ErrCodeInternal)
	}
	return nil
}

// Levels returns the computed levels as diff positions.
func (b *DAGBuilder) Levels() [][]int {
	return b.levels
}

// ToDOT renders the ordered diffs for Graphviz, one cluster per level.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph DiffOrder {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			d := b.diffs[id].Diff
			sb.WriteString(fmt.Sprintf("    \"d%d\" [label=\"%s\\n%s %s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, d.Context(), d.Action, d.Field, actionColor(d.Action)))
		}
		sb.WriteString("  }\n\n")
	}

	for from := range b.diffs {
		for _, to := range b.adjacencyList[from] {
			sb.WriteString(fmt.Sprintf("  \"d%d\" -> \"d%d\";\n", from, to))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (b *DAGBuilder) formatCycle(cycle []int) string {
	parts := make([]string, len(cycle))
	for i, id := range cycle {
		parts[i] = b.diffs[id].Diff.String()
	}
	return strings.Join(parts, " -> ")
}

func actionColor(action graph.Action) string {
	switch action {
	case graph.ActionAdd:
		return "lightgreen"
	case graph.ActionUpdate:
		return "lightblue"
	case graph.ActionDelete:
		return "lightcoral"
	default:
		return "lightgray"
	}
}

// PlanDiffs matches diffs against the actions of a tier and orders them.
func PlanDiffs(registry *ActionRegistry, tier Tier, diffs []*graph.Diff) (*ExecutionPlan, error) {
	metadata, err := registry.matchDiffs(tier, diffs)
	if err != nil {
		return nil, err
	}
	return NewDAGBuilder().Build(metadata)
}
