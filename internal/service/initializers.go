package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/observability"
	"github.com/xkilldash9x/riskgraph/internal/results/providers"
	"github.com/xkilldash9x/riskgraph/internal/store"
)

// InitializeStore opens the knowledge store and returns it with its cleanup.
// Commands that only need the store (and not the full component set) use
// this directly.
func InitializeStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger, metrics *observability.Metrics) (*store.Store, func(), error) {
	logger.Debug("Opening knowledge store.", zap.String("path", cfg.Path))
	s, err := store.Open(ctx, cfg, logger, store.WithMetrics(metrics))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	cleanup := func() {
		if err := s.Close(); err != nil {
			logger.Warn("Error closing knowledge store.", zap.Error(err))
		}
	}
	return s, cleanup, nil
}

// InitializeClassifier returns the built-in classifier, or a private copy
// extended with the rules of the configured classification file.
func InitializeClassifier(cfg config.RegisterConfig, logger *zap.Logger) (*providers.Classifier, error) {
	if cfg.ClassificationFile == "" {
		return providers.Default(), nil
	}
	c := providers.NewClassifier()
	if err := c.LoadFile(cfg.ClassificationFile); err != nil {
		return nil, fmt.Errorf("failed to load classification rules: %w", err)
	}
	logger.Info("Loaded custom classification rules.",
		zap.String("file", cfg.ClassificationFile),
		zap.Int("rules", len(c.Rules())))
	return c, nil
}
