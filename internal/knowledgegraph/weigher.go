package knowledgegraph

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
)

// BlastRadiusWeigher reports how many resources a resource can reach over
// connections. Graphs are loaded lazily per experiment and reach sizes are
// memoized, so one weigher can serve a register spanning experiments.
type BlastRadiusWeigher struct {
	src      schemas.GraphSource
	maxDepth int
	log      *zap.Logger

	mu     sync.Mutex
	graphs map[string]*Graph
	reach  map[int64]int
}

// NewBlastRadiusWeigher creates a weigher reading from src. A maxDepth
// <= 0 means DefaultMaxDepth.
func NewBlastRadiusWeigher(src schemas.GraphSource, maxDepth int, logger *zap.Logger) *BlastRadiusWeigher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlastRadiusWeigher{
		src:      src,
		maxDepth: maxDepth,
		log:      logger.Named("weigher"),
		graphs:   make(map[string]*Graph),
		reach:    make(map[int64]int),
	}
}

// Reach returns the blast-radius size of a resource.
func (w *BlastRadiusWeigher) Reach(ctx context.Context, experimentID string, resourceID int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n, ok := w.reach[resourceID]; ok {
		return n, nil
	}
	g, ok := w.graphs[experimentID]
	if !ok {
		var err error
		g, err = Load(ctx, w.src, experimentID, w.log)
		if err != nil {
			return 0, err
		}
		w.graphs[experimentID] = g
	}
	reached, err := g.BlastRadius(ctx, resourceID, w.maxDepth)
	if err != nil {
		return 0, err
	}
	w.reach[resourceID] = len(reached)
	return len(reached), nil
}
