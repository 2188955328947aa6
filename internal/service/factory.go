package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/findings"
	"github.com/xkilldash9x/riskgraph/internal/ingest"
	"github.com/xkilldash9x/riskgraph/internal/observability"
)

// ComponentFactory creates the component set used by commands. The
// abstraction keeps command logic testable without a real store.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates the production component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires the store, ledger, ingester and classifier together.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{
		Metrics:         observability.NewMetrics(),
		metricsTextfile: cfg.Metrics().Textfile,
		logger:          logger,
	}

	// Release whatever was opened if a later step fails.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Classifier. Loaded first so a bad rules file fails before the store is touched.
	classifier, err := InitializeClassifier(cfg.Register(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Classifier = classifier

	// 2. Store
	s, closeStore, err := InitializeStore(ctx, cfg.Database(), logger, components.Metrics)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Store = s
	components.closeStore = closeStore
	logger.Debug("Store service initialized.")

	// 3. Ledger and ingester
	components.Ledger = findings.NewLedger(s, logger, components.Metrics)
	components.Ingester = ingest.NewIngester(s, components.Ledger, logger, cfg.Ingest())
	logger.Debug("Ledger and ingester initialized.")

	logger.Info("All components initialized successfully.")
	return components, nil
}
