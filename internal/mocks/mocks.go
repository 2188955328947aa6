// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/service"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Graph() config.GraphConfig {
	args := m.Called()
	return args.Get(0).(config.GraphConfig)
}

func (m *MockConfig) Register() config.RegisterConfig {
	args := m.Called()
	return args.Get(0).(config.RegisterConfig)
}

func (m *MockConfig) Ingest() config.IngestConfig {
	args := m.Called()
	return args.Get(0).(config.IngestConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

func (m *MockConfig) Metrics() config.MetricsConfig {
	args := m.Called()
	return args.Get(0).(config.MetricsConfig)
}

// --- Setters ---

func (m *MockConfig) SetDatabasePath(path string) {
	m.Called(path)
}

func (m *MockConfig) SetGraphDefaultMaxDepth(depth int) {
	m.Called(depth)
}

func (m *MockConfig) SetRegisterBlastRadiusWeighting(enabled bool) {
	m.Called(enabled)
}

// -- Store Mock --

// MockStore mocks schemas.Store.
type MockStore struct {
	mock.Mock
}

var _ schemas.Store = (*MockStore)(nil)

func (m *MockStore) ListResources(ctx context.Context, experimentID string) ([]schemas.Resource, error) {
	args := m.Called(ctx, experimentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Resource), args.Error(1)
}

func (m *MockStore) ListConnections(ctx context.Context, experimentID string) ([]schemas.Connection, error) {
	args := m.Called(ctx, experimentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Connection), args.Error(1)
}

func (m *MockStore) QueryFindings(ctx context.Context, filter schemas.FindingFilter) ([]schemas.Finding, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Finding), args.Error(1)
}

func (m *MockStore) GetExperiment(ctx context.Context, id string) (schemas.Experiment, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(schemas.Experiment), args.Error(1)
}

func (m *MockStore) ListExperiments(ctx context.Context) ([]schemas.Experiment, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Experiment), args.Error(1)
}

func (m *MockStore) GetResource(ctx context.Context, id int64) (schemas.Resource, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(schemas.Resource), args.Error(1)
}

func (m *MockStore) Properties(ctx context.Context, resourceID int64) ([]schemas.Property, error) {
	args := m.Called(ctx, resourceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Property), args.Error(1)
}

func (m *MockStore) CreateExperiment(ctx context.Context, exp schemas.Experiment) (schemas.Experiment, error) {
	args := m.Called(ctx, exp)
	return args.Get(0).(schemas.Experiment), args.Error(1)
}

func (m *MockStore) SetExperimentStatus(ctx context.Context, id string, status schemas.ExperimentStatus) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *MockStore) UpdateExperimentMetrics(ctx context.Context, id string, metrics schemas.ExperimentMetrics) error {
	return m.Called(ctx, id, metrics).Error(0)
}

func (m *MockStore) UpsertRepository(ctx context.Context, repo schemas.Repository) (schemas.Repository, error) {
	args := m.Called(ctx, repo)
	return args.Get(0).(schemas.Repository), args.Error(1)
}

func (m *MockStore) UpsertResource(ctx context.Context, res schemas.Resource) (schemas.Resource, error) {
	args := m.Called(ctx, res)
	return args.Get(0).(schemas.Resource), args.Error(1)
}

func (m *MockStore) AddProperty(ctx context.Context, prop schemas.Property) (schemas.Property, error) {
	args := m.Called(ctx, prop)
	return args.Get(0).(schemas.Property), args.Error(1)
}

func (m *MockStore) UpsertConnection(ctx context.Context, conn schemas.Connection) (schemas.Connection, error) {
	args := m.Called(ctx, conn)
	return args.Get(0).(schemas.Connection), args.Error(1)
}

func (m *MockStore) InsertFinding(ctx context.Context, f schemas.Finding) (schemas.Finding, error) {
	args := m.Called(ctx, f)
	return args.Get(0).(schemas.Finding), args.Error(1)
}

// -- Component Factory Mock --

// MockComponentFactory mocks service.ComponentFactory.
type MockComponentFactory struct {
	mock.Mock
}

var _ service.ComponentFactory = (*MockComponentFactory)(nil)

func (m *MockComponentFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*service.Components, error) {
	args := m.Called(ctx, cfg, logger)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.Components), args.Error(1)
}
