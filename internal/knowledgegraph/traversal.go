package knowledgegraph

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
)

// Traversal modes, also used as metric labels.
const (
	ModeConnections = "connections"
	ModeDependents  = "dependents"
	ModeHierarchy   = "hierarchy"
)

// BlastRadius returns every resource reachable from start by following
// outgoing connections, each with its minimum hop count. The start itself
// is excluded. Reaching maxDepth ends the walk silently; a depth <= 0
// means DefaultMaxDepth. Results are ordered by depth, then name, then id.
func (g *Graph) BlastRadius(ctx context.Context, start int64, maxDepth int) ([]schemas.ReachedResource, error) {
	return g.walk(ctx, ModeConnections, start, maxDepth, func(id int64) []int64 {
		out := make([]int64, 0, len(g.outgoing[id]))
		for _, c := range g.outgoing[id] {
			out = append(out, c.TargetID)
		}
		return out
	})
}

// Dependents walks connections backwards: every resource that can reach
// target, with its minimum hop count.
func (g *Graph) Dependents(ctx context.Context, target int64, maxDepth int) ([]schemas.ReachedResource, error) {
	return g.walk(ctx, ModeDependents, target, maxDepth, func(id int64) []int64 {
		out := make([]int64, 0, len(g.incoming[id]))
		for _, c := range g.incoming[id] {
			out = append(out, c.SourceID)
		}
		return out
	})
}

// HierarchyRadius walks parent to child links only. Depth 1 is the direct
// children, depth 2 the grandchildren, and so on.
func (g *Graph) HierarchyRadius(ctx context.Context, start int64, maxDepth int) ([]schemas.ReachedResource, error) {
	return g.walk(ctx, ModeHierarchy, start, maxDepth, func(id int64) []int64 {
		return g.children[id]
	})
}

// walk is a breadth-first search keyed by resource id. A resource is
// recorded the first time it is reached, which in BFS order is its
// minimum depth, and never expanded twice, so cycles terminate.
func (g *Graph) walk(ctx context.Context, mode string, start int64, maxDepth int, next func(int64) []int64) ([]schemas.ReachedResource, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.resources[start]; !ok {
		return nil, fmt.Errorf("resource %d: %w", start, ErrResourceNotFound)
	}

	depthOf := map[int64]int{start: 0}
	frontier := []int64{start}
	reached := []schemas.ReachedResource{}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var nextFrontier []int64
		for _, id := range frontier {
			for _, n := range next(id) {
				if _, seen := depthOf[n]; seen {
					continue
				}
				res, ok := g.resources[n]
				if !ok {
					continue
				}
				depthOf[n] = depth
				reached = append(reached, schemas.ReachedResource{Resource: res, Depth: depth})
				nextFrontier = append(nextFrontier, n)
			}
		}
		frontier = nextFrontier
	}

	sortReached(reached)
	g.metrics.Traversal(mode, len(reached))
	g.log.Debug("Traversal complete.",
		zap.String("mode", mode),
		zap.Int64("start", start),
		zap.Int("max_depth", maxDepth),
		zap.Int("reached", len(reached)),
		zap.Bool("bounded", len(frontier) > 0))
	return reached, nil
}

func sortReached(reached []schemas.ReachedResource) {
	sort.Slice(reached, func(i, j int) bool {
		a, b := reached[i], reached[j]
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		if a.Resource.Name != b.Resource.Name {
			return a.Resource.Name < b.Resource.Name
		}
		return a.Resource.ID < b.Resource.ID
	})
}

// Children returns the direct hierarchy children of a resource, by name.
func (g *Graph) Children(id int64) ([]schemas.Resource, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.resources[id]; !ok {
		return nil, fmt.Errorf("resource %d: %w", id, ErrResourceNotFound)
	}
	out := make([]schemas.Resource, 0, len(g.children[id]))
	for _, c := range g.children[id] {
		out = append(out, g.resources[c])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AncestorChain returns the parents of a resource, nearest first. It stops
// at a root, at a parent outside the graph, or at a repeated id.
func (g *Graph) AncestorChain(id int64) ([]schemas.Resource, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	res, ok := g.resources[id]
	if !ok {
		return nil, fmt.Errorf("resource %d: %w", id, ErrResourceNotFound)
	}
	chain := []schemas.Resource{}
	seen := map[int64]bool{id: true}
	for res.ParentID != nil && !seen[*res.ParentID] {
		seen[*res.ParentID] = true
		parent, ok := g.resources[*res.ParentID]
		if !ok {
			break
		}
		chain = append(chain, parent)
		res = parent
	}
	return chain, nil
}
