package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rasheedb1/cadence/internal/model"
)

func chain(ids []string, edges ...[2]string) model.CadenceGraph {
	g := model.CadenceGraph{CadenceID: "cad"}
	for i, id := range ids {
		g.Nodes = append(g.Nodes, email(id, i, 0))
	}
	for _, e := range edges {
		g.Edges = append(g.Edges, model.Edge{From: e[0], To: e[1]})
	}
	return g
}

// TestAnalyzeCycles_DAG tests that an acyclic graph produces no reports.
func TestAnalyzeCycles_DAG(t *testing.T) {
	assert.Empty(t, AnalyzeCycles(branching()))
}

// TestAnalyzeCycles_SelfLoop tests detection of a step linking to itself.
func TestAnalyzeCycles_SelfLoop(t *testing.T) {
	reports := AnalyzeCycles(chain([]string{"a"}, [2]string{"a", "a"}))

	require.Len(t, reports, 1)
	assert.Equal(t, []string{"a", "a"}, reports[0].Path)
	assert.Contains(t, reports[0].Message, "links to itself")
}

// TestAnalyzeCycles_ThreeNode tests a cycle through three steps.
func TestAnalyzeCycles_ThreeNode(t *testing.T) {
	g := chain([]string{"entry", "a", "b", "c"},
		[2]string{"entry", "a"},
		[2]string{"a", "b"},
		[2]string{"b", "c"},
		[2]string{"c", "a"},
	)

	reports := AnalyzeCycles(g)
	require.Len(t, reports, 1)

	path := reports[0].Path
	assert.Len(t, path, 4)
	assert.Equal(t, path[0], path[len(path)-1], "path must close the cycle")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, path[:3])
}

// TestAnalyzeCycles_Deterministic tests that repeated runs agree.
func TestAnalyzeCycles_Deterministic(t *testing.T) {
	g := chain([]string{"a", "b", "c", "d"},
		[2]string{"a", "b"},
		[2]string{"b", "a"},
		[2]string{"c", "d"},
		[2]string{"d", "c"},
	)

	first := AnalyzeCycles(g)
	require.Len(t, first, 2)
	for range 10 {
		assert.Equal(t, first, AnalyzeCycles(g))
	}
}

// TestAnalyzeCycles_IgnoresDanglingEdges tests that unknown targets are skipped.
func TestAnalyzeCycles_IgnoresDanglingEdges(t *testing.T) {
	g := chain([]string{"a"}, [2]string{"a", "ghost"})
	assert.Empty(t, AnalyzeCycles(g))
}
