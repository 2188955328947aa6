package service

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/internal/findings"
	"github.com/xkilldash9x/riskgraph/internal/ingest"
	"github.com/xkilldash9x/riskgraph/internal/observability"
	"github.com/xkilldash9x/riskgraph/internal/results/providers"
	"github.com/xkilldash9x/riskgraph/internal/store"
)

// Components holds everything a command needs to work against the store.
// It centralizes the lifecycle of those dependencies.
type Components struct {
	Store      *store.Store
	Ledger     *findings.Ledger
	Ingester   *ingest.Ingester
	Classifier *providers.Classifier
	Metrics    *observability.Metrics

	// metricsTextfile, when set, receives a final metrics dump on shutdown.
	metricsTextfile string
	closeStore      func()
	logger          *zap.Logger
	once            sync.Once
}

// Shutdown flushes metrics and closes the store. It is safe to call more
// than once and on partially initialized components.
func (c *Components) Shutdown() {
	c.once.Do(func() {
		logger := c.logger
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Debug("Beginning components shutdown sequence.")

		if c.metricsTextfile != "" {
			if err := c.Metrics.WriteTextfile(c.metricsTextfile); err != nil {
				logger.Warn("Failed to write metrics textfile.", zap.String("path", c.metricsTextfile), zap.Error(err))
			} else {
				logger.Debug("Metrics textfile written.", zap.String("path", c.metricsTextfile))
			}
		}

		if c.closeStore != nil {
			c.closeStore()
			logger.Debug("Knowledge store closed.")
		}
		logger.Debug("All components shut down.")
	})
}
