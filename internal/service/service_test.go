package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/results/providers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.DatabaseCfg.Path = filepath.Join(t.TempDir(), "riskgraph.db")
	return cfg
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.MetricsCfg.Textfile = filepath.Join(t.TempDir(), "riskgraph.prom")

	c, err := NewComponentFactory().Create(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, c.Store)
	require.NotNil(t, c.Ledger)
	require.NotNil(t, c.Ingester)
	assert.Same(t, providers.Default(), c.Classifier)

	_, err = c.Store.CreateExperiment(ctx, schemas.Experiment{ID: "exp"})
	require.NoError(t, err)

	c.Shutdown()
	c.Shutdown()
	assert.FileExists(t, cfg.MetricsCfg.Textfile)
	data, err := os.ReadFile(cfg.MetricsCfg.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "riskgraph_store_writes_total")
}

func TestCreate_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing database path", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.DatabaseCfg.Path = ""
		c, err := NewComponentFactory().Create(ctx, cfg, zaptest.NewLogger(t))
		assert.Nil(t, c)
		assert.ErrorContains(t, err, "database path is required")
	})

	t.Run("bad classification file", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.RegisterCfg.ClassificationFile = filepath.Join(t.TempDir(), "missing.yaml")
		c, err := NewComponentFactory().Create(ctx, cfg, zaptest.NewLogger(t))
		assert.Nil(t, c)
		assert.ErrorContains(t, err, "failed to load classification rules")
		assert.NoFileExists(t, cfg.DatabaseCfg.Path, "store is not opened when rules fail")
	})
}

func TestInitializeClassifier(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("built-in table", func(t *testing.T) {
		c, err := InitializeClassifier(config.RegisterConfig{}, logger)
		require.NoError(t, err)
		assert.Same(t, providers.Default(), c)
	})

	t.Run("custom file extends a private copy", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`classifications:
  - resource_type: Widget Service
    category: compute
    keywords: [widget]
`), 0o600))

		c, err := InitializeClassifier(config.RegisterConfig{ClassificationFile: path}, logger)
		require.NoError(t, err)
		assert.NotSame(t, providers.Default(), c)
		assert.Equal(t, "Widget Service", c.Classify(providers.Evidence{Title: "Widget exposes admin port"}).ResourceType)
		assert.NotEqual(t, "Widget Service", providers.Default().Classify(providers.Evidence{Title: "Widget exposes admin port"}).ResourceType)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte("classifications: [this is: not valid"), 0o600))
		_, err := InitializeClassifier(config.RegisterConfig{ClassificationFile: path}, logger)
		assert.Error(t, err)
	})
}

func TestInitializeStore(t *testing.T) {
	ctx := context.Background()
	cfg := config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "store.db")}
	s, cleanup, err := InitializeStore(ctx, cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.NotNil(t, cleanup)
	_, err = s.ListExperiments(ctx)
	assert.NoError(t, err)
	cleanup()
}
