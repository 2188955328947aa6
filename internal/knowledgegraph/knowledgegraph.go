package knowledgegraph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/observability"
)

// DefaultMaxDepth bounds traversals when the caller passes a depth <= 0.
const DefaultMaxDepth = 5

// ErrResourceNotFound is returned when a traversal starts from a resource
// that is not part of the graph.
var ErrResourceNotFound = errors.New("resource not found in graph")

// Graph is an in-memory snapshot of one experiment's resources, their
// directed connections and their parent/child hierarchy. Connections and
// hierarchy links are indexed separately and never mixed by a traversal.
type Graph struct {
	experimentID string
	resources    map[int64]schemas.Resource
	outgoing     map[int64][]schemas.Connection // Key: source resource ID
	incoming     map[int64][]schemas.Connection // Key: target resource ID
	children     map[int64][]int64              // Key: parent resource ID
	mu           sync.RWMutex
	log          *zap.Logger
	metrics      *observability.Metrics
}

// Option customizes a Graph.
type Option func(*Graph)

// WithMetrics records traversal sizes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Graph) { g.metrics = m }
}

// New creates an empty graph for one experiment.
func New(experimentID string, logger *zap.Logger, opts ...Option) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Graph{
		experimentID: experimentID,
		resources:    make(map[int64]schemas.Resource),
		outgoing:     make(map[int64][]schemas.Connection),
		incoming:     make(map[int64][]schemas.Connection),
		children:     make(map[int64][]int64),
		log:          logger.Named("knowledgegraph"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Load builds a graph from the resources and connections stored for an
// experiment. Connections whose endpoints are missing are skipped with a
// warning; the store rejects them on write, so this only guards against
// hand-edited files.
func Load(ctx context.Context, src schemas.GraphSource, experimentID string, logger *zap.Logger, opts ...Option) (*Graph, error) {
	g := New(experimentID, logger, opts...)

	resources, err := src.ListResources(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load resources of experiment %q: %w", experimentID, err)
	}
	for _, r := range resources {
		g.AddResource(r)
	}

	conns, err := src.ListConnections(ctx, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connections of experiment %q: %w", experimentID, err)
	}
	for _, c := range conns {
		if err := g.AddConnection(c); err != nil {
			g.log.Warn("Skipping dangling connection.", zap.Int64("connection_id", c.ID), zap.Error(err))
		}
	}

	g.log.Debug("Graph loaded.",
		zap.String("experiment_id", experimentID),
		zap.Int("resources", len(resources)),
		zap.Int("connections", len(conns)))
	return g, nil
}

// ExperimentID returns the experiment the graph was built for.
func (g *Graph) ExperimentID() string { return g.experimentID }

// AddResource adds or replaces a resource and indexes its parent link.
func (g *Graph) AddResource(r schemas.Resource) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if old, ok := g.resources[r.ID]; ok && old.ParentID != nil {
		g.children[*old.ParentID] = removeID(g.children[*old.ParentID], r.ID)
	}
	g.resources[r.ID] = r
	if r.ParentID != nil && *r.ParentID != r.ID {
		g.children[*r.ParentID] = append(g.children[*r.ParentID], r.ID)
	}
}

// AddConnection indexes a directed edge. Both endpoints must already be
// in the graph.
func (g *Graph) AddConnection(c schemas.Connection) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.resources[c.SourceID]; !ok {
		return fmt.Errorf("source resource %d: %w", c.SourceID, ErrResourceNotFound)
	}
	if _, ok := g.resources[c.TargetID]; !ok {
		return fmt.Errorf("target resource %d: %w", c.TargetID, ErrResourceNotFound)
	}
	g.outgoing[c.SourceID] = append(g.outgoing[c.SourceID], c)
	g.incoming[c.TargetID] = append(g.incoming[c.TargetID], c)
	return nil
}

func removeID(ids []int64, id int64) []int64 {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Resource returns one resource of the graph.
func (g *Graph) Resource(id int64) (schemas.Resource, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.resources[id]
	return r, ok
}

// Resources returns every resource ordered by id.
func (g *Graph) Resources() []schemas.Resource {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]schemas.Resource, 0, len(g.resources))
	for _, r := range g.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connections returns every connection ordered by id.
func (g *Graph) Connections() []schemas.Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := []schemas.Connection{}
	for _, conns := range g.outgoing {
		out = append(out, conns...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns the connections leaving a resource.
func (g *Graph) Edges(id int64) ([]schemas.Connection, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.resources[id]; !ok {
		return nil, fmt.Errorf("resource %d: %w", id, ErrResourceNotFound)
	}
	return append([]schemas.Connection{}, g.outgoing[id]...), nil
}
