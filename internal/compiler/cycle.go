package compiler

import (
	"fmt"
	"strings"

	"github.com/rasheedb1/cadence/internal/model"
)

// CycleReport describes one cycle in a cadence graph.
type CycleReport struct {
	Path    []string `json:"path"`    // e.g. ["a", "b", "a"]
	Message string   `json:"message"` // human-readable description
}

// AnalyzeCycles performs static cycle analysis on a cadence graph.
//
// Unlike a lead's realized path, which the engine guards at run time, a
// cycle in the designed graph always blocks activation.
//
// The algorithm:
//  1. Build step -> successor adjacency from the edges
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1, or a self-loop, as a cycle
//
// A DAG returns an empty list.
func AnalyzeCycles(g model.CadenceGraph) []CycleReport {
	graph := buildStepGraph(g)

	var reports []CycleReport
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			reports = append(reports, sccToReport(scc, graph))
		}
	}
	return reports
}

// stepGraph keeps adjacency plus node order so traversal is deterministic.
type stepGraph struct {
	order []string
	adj   map[string][]string
}

func buildStepGraph(g model.CadenceGraph) stepGraph {
	sg := stepGraph{adj: make(map[string][]string, len(g.Nodes))}
	for _, n := range g.Nodes {
		if _, seen := sg.adj[n.ID]; !seen {
			sg.order = append(sg.order, n.ID)
			sg.adj[n.ID] = []string{}
		}
	}
	for _, e := range g.Edges {
		if _, ok := sg.adj[e.From]; !ok {
			continue
		}
		sg.adj[e.From] = append(sg.adj[e.From], e.To)
	}
	return sg
}

func hasSelfLoop(node string, graph stepGraph) bool {
	for _, neighbor := range graph.adj[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Single-node SCCs without self-loops are not cycles.
func tarjanSCC(graph stepGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph.adj[v] {
			if _, known := graph.adj[w]; !known {
				continue
			}
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range graph.order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

func sccToReport(scc []string, graph stepGraph) CycleReport {
	if len(scc) == 1 {
		id := scc[0]
		return CycleReport{
			Path:    []string{id, id},
			Message: fmt.Sprintf("step %s links to itself", id),
		}
	}

	path := reconstructCyclePath(scc, graph)
	return CycleReport{
		Path:    path,
		Message: fmt.Sprintf("cycle detected: %s", strings.Join(path, " -> ")),
	}
}

// reconstructCyclePath follows edges inside the SCC from its first member
// until it returns to the start.
func reconstructCyclePath(scc []string, graph stepGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	members := make(map[string]bool, len(scc))
	for _, node := range scc {
		members[node] = true
	}

	start := scc[len(scc)-1]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	for {
		visited[current] = true

		var next string
		for _, neighbor := range graph.adj[current] {
			if members[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next == "" {
			break
		}

		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}

	return path
}
