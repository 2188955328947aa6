package schemas

import (
	"context"
)

// -- Store Interfaces --

// GraphSource is the read side of the store needed to build an in-memory
// view of one experiment's resource graph.
type GraphSource interface {
	// ListResources returns every resource of the experiment, including
	// resources marked deleted.
	ListResources(ctx context.Context, experimentID string) ([]Resource, error)
	// ListConnections returns every connection of the experiment.
	ListConnections(ctx context.Context, experimentID string) ([]Connection, error)
}

// FindingQuerier answers scoped finding queries.
type FindingQuerier interface {
	QueryFindings(ctx context.Context, filter FindingFilter) ([]Finding, error)
}

// ReadStore is the complete read-only surface used by analysis components
// (traversal, register building, diagram projection). None of these
// components ever receives a type that can mutate the store.
type ReadStore interface {
	GraphSource
	FindingQuerier
	GetExperiment(ctx context.Context, id string) (Experiment, error)
	ListExperiments(ctx context.Context) ([]Experiment, error)
	GetResource(ctx context.Context, id int64) (Resource, error)
	Properties(ctx context.Context, resourceID int64) ([]Property, error)
}

// Store is the full ingestion plus query surface of the persistent store.
//
//go:generate mockery --name Store --output ../../internal/mocks --outpkg mocks
type Store interface {
	ReadStore

	CreateExperiment(ctx context.Context, exp Experiment) (Experiment, error)
	SetExperimentStatus(ctx context.Context, id string, status ExperimentStatus) error
	UpdateExperimentMetrics(ctx context.Context, id string, metrics ExperimentMetrics) error

	UpsertRepository(ctx context.Context, repo Repository) (Repository, error)
	UpsertResource(ctx context.Context, res Resource) (Resource, error)
	AddProperty(ctx context.Context, prop Property) (Property, error)
	UpsertConnection(ctx context.Context, conn Connection) (Connection, error)
	InsertFinding(ctx context.Context, f Finding) (Finding, error)
}
