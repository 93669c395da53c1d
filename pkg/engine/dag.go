package engine

import (
	"fmt"
	"strings"

	"github.com/openfroyo/peace/pkg/access"
	"github.com/openfroyo/peace/pkg/resources"
)

// Node is an item in the execution graph. Nodes report the resources they
// access so the scheduler can decide which of them may run together.
type Node interface {
	ID() resources.ItemID
	access.DataAccessDyn
}

// Graph is a directed acyclic graph of nodes. An edge from A to B means B
// must execute after A. Insertion order is kept for user-facing enumeration
// and as the tie-break between nodes that are ready at the same time.
type Graph[N Node] struct {
	// order lists node IDs in insertion order
	order []resources.ItemID

	// index maps node IDs to their position in order
	index map[resources.ItemID]int

	nodes map[resources.ItemID]N

	// adjacencyList maps node IDs to the nodes that run after them
	adjacencyList map[resources.ItemID][]resources.ItemID

	// reverseAdjacencyList maps node IDs to the nodes they run after
	reverseAdjacencyList map[resources.ItemID][]resources.ItemID
}

// NewGraph creates an empty graph.
func NewGraph[N Node]() *Graph[N] {
	return &Graph[N]{
		order:                make([]resources.ItemID, 0),
		index:                make(map[resources.ItemID]int),
		nodes:                make(map[resources.ItemID]N),
		adjacencyList:        make(map[resources.ItemID][]resources.ItemID),
		reverseAdjacencyList: make(map[resources.ItemID][]resources.ItemID),
	}
}

// AddItem appends a node. IDs must be valid and unique.
func (g *Graph[N]) AddItem(n N) error {
	id := n.ID()
	if err := id.Validate(); err != nil {
		return NewPermanentError("invalid item id", err).WithCode(ErrCodeValidation)
	}
	if _, exists := g.nodes[id]; exists {
		return NewPermanentError(fmt.Sprintf("duplicate item id: %s", id), nil).
			WithCode(ErrCodeAlreadyExists).WithItem(string(id))
	}

	g.index[id] = len(g.order)
	g.order = append(g.order, id)
	g.nodes[id] = n
	g.adjacencyList[id] = make([]resources.ItemID, 0)
	g.reverseAdjacencyList[id] = make([]resources.ItemID, 0)
	return nil
}

// AddEdge records that to must execute after from.
// It fails if either node is unknown or the edge would create a cycle.
func (g *Graph[N]) AddEdge(from, to resources.ItemID) error {
	if _, ok := g.nodes[from]; !ok {
		return NewPermanentError(fmt.Sprintf("edge references unknown item %s", from), nil).
			WithCode(ErrCodeValidation).WithItem(string(from))
	}
	if _, ok := g.nodes[to]; !ok {
		return NewPermanentError(fmt.Sprintf("edge references unknown item %s", to), nil).
			WithCode(ErrCodeValidation).WithItem(string(to))
	}

	for _, existing := range g.adjacencyList[from] {
		if existing == to {
			return nil
		}
	}

	// A path to -> ... -> from would close a loop.
	if path := g.findPath(to, from); path != nil {
		cycle := append([]resources.ItemID{from}, path...)
		return NewPermanentError(fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil).
			WithCode(ErrCodeGraphCycle).
			WithDetail("cycle", cycle)
	}

	g.adjacencyList[from] = append(g.adjacencyList[from], to)
	g.reverseAdjacencyList[to] = append(g.reverseAdjacencyList[to], from)
	return nil
}

// findPath returns the nodes on a path from start to target, inclusive,
// using depth-first search. It returns nil if target is unreachable.
func (g *Graph[N]) findPath(start, target resources.ItemID) []resources.ItemID {
	visited := make(map[resources.ItemID]bool)
	path := make([]resources.ItemID, 0)

	var visit func(id resources.ItemID) bool
	visit = func(id resources.ItemID) bool {
		visited[id] = true
		path = append(path, id)
		if id == target {
			return true
		}
		for _, next := range g.adjacencyList[id] {
			if !visited[next] && visit(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	if visit(start) {
		return path
	}
	return nil
}

// Node returns the node with the given ID.
func (g *Graph[N]) Node(id resources.ItemID) (N, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph[N]) Len() int {
	return len(g.order)
}

// ItemIDs returns node IDs in insertion order.
func (g *Graph[N]) ItemIDs() []resources.ItemID {
	out := make([]resources.ItemID, len(g.order))
	copy(out, g.order)
	return out
}

// IterInsertion returns nodes in insertion order.
func (g *Graph[N]) IterInsertion() []N {
	out := make([]N, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// IterInsertionRev returns nodes in reverse insertion order.
func (g *Graph[N]) IterInsertionRev() []N {
	out := make([]N, 0, len(g.order))
	for i := len(g.order) - 1; i >= 0; i-- {
		out = append(out, g.nodes[g.order[i]])
	}
	return out
}

// InsertionIndex returns the position of a node in insertion order.
func (g *Graph[N]) InsertionIndex(id resources.ItemID) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	return -1
}

// Predecessors returns the IDs of nodes that id runs after.
func (g *Graph[N]) Predecessors(id resources.ItemID) []resources.ItemID {
	return append([]resources.ItemID(nil), g.reverseAdjacencyList[id]...)
}

// Successors returns the IDs of nodes that run after id.
func (g *Graph[N]) Successors(id resources.ItemID) []resources.ItemID {
	return append([]resources.ItemID(nil), g.adjacencyList[id]...)
}

// Descendants returns every node transitively reachable from id, in
// insertion order.
func (g *Graph[N]) Descendants(id resources.ItemID) []resources.ItemID {
	seen := make(map[resources.ItemID]bool)
	stack := g.Successors(id)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[next] {
			continue
		}
		seen[next] = true
		stack = append(stack, g.adjacencyList[next]...)
	}

	out := make([]resources.ItemID, 0, len(seen))
	for _, candidate := range g.order {
		if seen[candidate] {
			out = append(out, candidate)
		}
	}
	return out
}

// Reversed returns a graph with the same nodes and every edge flipped.
// Clean commands run over the reversed graph so dependents are removed first.
func (g *Graph[N]) Reversed() *Graph[N] {
	out := g.Clone()
	out.adjacencyList, out.reverseAdjacencyList = out.reverseAdjacencyList, out.adjacencyList
	return out
}

// Clone returns a copy of the graph structure. Nodes are shared.
func (g *Graph[N]) Clone() *Graph[N] {
	out := NewGraph[N]()
	out.order = append(out.order, g.order...)
	for id, i := range g.index {
		out.index[id] = i
	}
	for id, n := range g.nodes {
		out.nodes[id] = n
	}
	for id, succ := range g.adjacencyList {
		out.adjacencyList[id] = append([]resources.ItemID(nil), succ...)
	}
	for id, pred := range g.reverseAdjacencyList {
		out.reverseAdjacencyList[id] = append([]resources.ItemID(nil), pred...)
	}
	return out
}

// Levels groups nodes into waves using Kahn's algorithm. Nodes in the same
// wave have no edges between them. Within a wave, insertion order is kept.
func (g *Graph[N]) Levels() [][]resources.ItemID {
	inDegree := make(map[resources.ItemID]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.reverseAdjacencyList[id])
	}

	// Find all root nodes (nodes with no predecessors)
	currentLevel := make([]resources.ItemID, 0)
	for _, id := range g.order {
		if inDegree[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	levels := make([][]resources.ItemID, 0)
	for len(currentLevel) > 0 {
		levels = append(levels, currentLevel)

		next := make(map[resources.ItemID]bool)
		for _, id := range currentLevel {
			for _, succ := range g.adjacencyList[id] {
				inDegree[succ]--
				if inDegree[succ] == 0 {
					next[succ] = true
				}
			}
		}

		currentLevel = make([]resources.ItemID, 0, len(next))
		for _, id := range g.order {
			if next[id] {
				currentLevel = append(currentLevel, id)
			}
		}
	}

	return levels
}

// TopologicalOrder returns nodes so that every node comes after its
// predecessors, preferring earlier insertion order among ready nodes.
func (g *Graph[N]) TopologicalOrder() []N {
	out := make([]N, 0, len(g.order))
	for _, level := range g.Levels() {
		for _, id := range level {
			out = append(out, g.nodes[id])
		}
	}
	return out
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph[N]) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Flow {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels() {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			sb.WriteString(fmt.Sprintf("    \"%s\";\n", id))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range g.order {
		for _, succ := range g.adjacencyList[id] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", id, succ))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []resources.ItemID) string {
	parts := make([]string, len(cycle))
	for i, id := range cycle {
		parts[i] = string(id)
	}
	return strings.Join(parts, " -> ")
}
