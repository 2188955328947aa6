// internal/knowledgegraph/knowledgegraph_test.go
package knowledgegraph

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/observability"
	"github.com/xkilldash9x/riskgraph/internal/store"
)

// -- Test Helper Functions --

func res(id int64, name string, parent ...int64) schemas.Resource {
	r := schemas.Resource{ID: id, ExperimentID: "exp", Name: name, Type: "service"}
	if len(parent) > 0 {
		p := parent[0]
		r.ParentID = &p
	}
	return r
}

func edge(id, from, to int64) schemas.Connection {
	return schemas.Connection{ID: id, ExperimentID: "exp", SourceID: from, TargetID: to, Type: "calls"}
}

// buildGraph creates a graph from resources and edges, failing the test on
// dangling edges.
func buildGraph(t *testing.T, resources []schemas.Resource, edges ...schemas.Connection) *Graph {
	t.Helper()
	g := New("exp", zaptest.NewLogger(t))
	for _, r := range resources {
		g.AddResource(r)
	}
	for _, e := range edges {
		require.NoError(t, g.AddConnection(e))
	}
	return g
}

// depths flattens a traversal result to name -> depth.
func depths(reached []schemas.ReachedResource) map[string]int {
	out := map[string]int{}
	for _, r := range reached {
		out[r.Resource.Name] = r.Depth
	}
	return out
}

const (
	a int64 = iota + 1
	b
	c
	d
	e
)

// cycleGraph is A->B, B->C, C->A plus A->D.
func cycleGraph(t *testing.T) *Graph {
	return buildGraph(t,
		[]schemas.Resource{res(a, "A"), res(b, "B"), res(c, "C"), res(d, "D")},
		edge(1, a, b), edge(2, b, c), edge(3, c, a), edge(4, a, d),
	)
}

// -- Test Cases --

func TestBlastRadius(t *testing.T) {
	ctx := context.Background()

	t.Run("should terminate on a cycle at depth 2", func(t *testing.T) {
		got, err := cycleGraph(t).BlastRadius(ctx, a, 2)
		require.NoError(t, err)
		if diff := cmp.Diff(map[string]int{"B": 1, "C": 2, "D": 1}, depths(got)); diff != "" {
			t.Errorf("blast radius mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("should stop at depth 1", func(t *testing.T) {
		got, err := cycleGraph(t).BlastRadius(ctx, a, 1)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"B": 1, "D": 1}, depths(got))
	})

	t.Run("should order by depth then name", func(t *testing.T) {
		got, err := cycleGraph(t).BlastRadius(ctx, a, 5)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "B", got[0].Resource.Name)
		assert.Equal(t, "D", got[1].Resource.Name)
		assert.Equal(t, "C", got[2].Resource.Name)
	})

	t.Run("should retain the minimum depth", func(t *testing.T) {
		// A->B->C->E and A->E: E is reachable at depth 3 and depth 1.
		g := buildGraph(t,
			[]schemas.Resource{res(a, "A"), res(b, "B"), res(c, "C"), res(e, "E")},
			edge(1, a, b), edge(2, b, c), edge(3, c, e), edge(4, a, e),
		)
		got, err := g.BlastRadius(ctx, a, 5)
		require.NoError(t, err)
		assert.Equal(t, 1, depths(got)["E"])
	})

	t.Run("should default the depth bound", func(t *testing.T) {
		var resources []schemas.Resource
		var edges []schemas.Connection
		for i := int64(1); i <= 8; i++ {
			resources = append(resources, res(i, string(rune('a'+i-1))))
			if i > 1 {
				edges = append(edges, edge(i, i-1, i))
			}
		}
		got, err := buildGraph(t, resources, edges...).BlastRadius(ctx, 1, 0)
		require.NoError(t, err)
		assert.Len(t, got, DefaultMaxDepth)
	})

	t.Run("should return an empty result for an isolated resource", func(t *testing.T) {
		g := buildGraph(t, []schemas.Resource{res(a, "A")})
		got, err := g.BlastRadius(ctx, a, 3)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("should reject an unknown start", func(t *testing.T) {
		_, err := cycleGraph(t).BlastRadius(ctx, 99, 3)
		assert.True(t, errors.Is(err, ErrResourceNotFound))
	})

	t.Run("should honor cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := cycleGraph(t).BlastRadius(cctx, a, 3)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("should record the traversal size", func(t *testing.T) {
		m := observability.NewMetrics()
		g := New("exp", zap.NewNop(), WithMetrics(m))
		g.AddResource(res(a, "A"))
		g.AddResource(res(b, "B"))
		require.NoError(t, g.AddConnection(edge(1, a, b)))

		_, err := g.BlastRadius(ctx, a, 1)
		require.NoError(t, err)
		series, err := testutil.GatherAndCount(m.Registry(), "riskgraph_traversal_reached_resources")
		require.NoError(t, err)
		assert.Equal(t, 1, series)
	})
}

func TestDependents(t *testing.T) {
	got, err := cycleGraph(t).Dependents(context.Background(), d, 3)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 1, "C": 2, "B": 3}, depths(got))
}

func TestHierarchyIsolation(t *testing.T) {
	ctx := context.Background()
	// server parents two databases; the server also calls an API.
	g := buildGraph(t,
		[]schemas.Resource{res(a, "server"), res(b, "orders", a), res(c, "audit", a), res(d, "api"), res(e, "payments", b)},
		edge(1, a, d),
	)

	t.Run("blast radius ignores hierarchy links", func(t *testing.T) {
		got, err := g.BlastRadius(ctx, a, 5)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"api": 1}, depths(got))
	})

	t.Run("hierarchy radius ignores connections", func(t *testing.T) {
		got, err := g.HierarchyRadius(ctx, a, 5)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"orders": 1, "audit": 1, "payments": 2}, depths(got))
	})

	t.Run("children and ancestors", func(t *testing.T) {
		children, err := g.Children(a)
		require.NoError(t, err)
		require.Len(t, children, 2)
		assert.Equal(t, "audit", children[0].Name)

		chain, err := g.AncestorChain(e)
		require.NoError(t, err)
		require.Len(t, chain, 2)
		assert.Equal(t, "orders", chain[0].Name)
		assert.Equal(t, "server", chain[1].Name)

		root, err := g.AncestorChain(a)
		require.NoError(t, err)
		assert.Empty(t, root)
	})

	t.Run("reparenting moves the child", func(t *testing.T) {
		g2 := buildGraph(t, []schemas.Resource{res(a, "server"), res(b, "orders", a), res(c, "other")})
		g2.AddResource(res(b, "orders", c))

		fromOld, err := g2.Children(a)
		require.NoError(t, err)
		assert.Empty(t, fromOld)
		fromNew, err := g2.Children(c)
		require.NoError(t, err)
		assert.Len(t, fromNew, 1)
	})
}

func TestAddConnection(t *testing.T) {
	g := buildGraph(t, []schemas.Resource{res(a, "A")})
	err := g.AddConnection(edge(1, a, 42))
	assert.ErrorIs(t, err, ErrResourceNotFound)

	edges, err := g.Edges(a)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestLoadFromStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "kg.db"), BusyTimeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.CreateExperiment(ctx, schemas.Experiment{ID: "exp"})
	require.NoError(t, err)
	ids := map[string]int64{}
	for _, name := range []string{"A", "B", "C", "D"} {
		r, err := s.UpsertResource(ctx, schemas.Resource{ExperimentID: "exp", Type: "service", Name: name})
		require.NoError(t, err)
		ids[name] = r.ID
	}
	for _, pair := range [][2]string{{"A", "B"}, {"B", "C"}, {"C", "A"}, {"A", "D"}} {
		_, err := s.UpsertConnection(ctx, schemas.Connection{ExperimentID: "exp", SourceID: ids[pair[0]], TargetID: ids[pair[1]], Type: "calls"})
		require.NoError(t, err)
	}

	g, err := Load(ctx, s, "exp", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "exp", g.ExperimentID())
	assert.Len(t, g.Resources(), 4)
	assert.Len(t, g.Connections(), 4)

	got, err := g.BlastRadius(ctx, ids["A"], 2)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"B": 1, "C": 2, "D": 1}, depths(got))

	w := NewBlastRadiusWeigher(s, 2, zap.NewNop())
	n, err := w.Reach(ctx, "exp", ids["A"])
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = w.Reach(ctx, "exp", ids["D"])
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
