package schemas

import (
	"time"
)

// -- Canonical Knowledge Graph Data Model --

// ExperimentStatus tracks the lifecycle of a single triage run.
type ExperimentStatus string

const (
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentFailed    ExperimentStatus = "failed"
)

// Valid reports whether s is one of the known experiment states.
func (s ExperimentStatus) Valid() bool {
	switch s {
	case ExperimentRunning, ExperimentCompleted, ExperimentFailed:
		return true
	}
	return false
}

// Experiment is one triage run and the top level scoping unit for every
// other record in the store. Experiments are append-only history: they are
// created once and afterwards only their status and metrics change.
type Experiment struct {
	ID           string           `json:"id" yaml:"id"`
	ParentID     *string          `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Status       ExperimentStatus `json:"status" yaml:"status"`
	FindingCount int              `json:"finding_count" yaml:"finding_count"`
	AverageScore *float64         `json:"average_score,omitempty" yaml:"average_score,omitempty"`
	Accuracy     *float64         `json:"accuracy,omitempty" yaml:"accuracy,omitempty"`
	CreatedAt    time.Time        `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time        `json:"updated_at" yaml:"-"`
}

// ExperimentMetrics carries the aggregate metrics of an experiment.
type ExperimentMetrics struct {
	FindingCount int      `json:"finding_count"`
	AverageScore *float64 `json:"average_score,omitempty"`
	Accuracy     *float64 `json:"accuracy,omitempty"`
}

// RepositoryKind categorizes a scanned code or IaC unit.
type RepositoryKind string

const (
	RepositoryInfrastructure RepositoryKind = "infrastructure"
	RepositoryApplication    RepositoryKind = "application"
	RepositoryLibrary        RepositoryKind = "library"
)

// Repository is a scanned code/IaC unit owned by exactly one experiment.
type Repository struct {
	ID            int64          `json:"id"`
	ExperimentID  string         `json:"experiment_id"`
	Name          string         `json:"name"`
	RemoteURL     string         `json:"remote_url,omitempty"`
	Kind          RepositoryKind `json:"kind"`
	FileCount     int            `json:"file_count"`
	IaCFileCount  int            `json:"iac_file_count"`
	CodeFileCount int            `json:"code_file_count"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ResourceStatus tracks whether a resource is still present. Deleted
// resources are marked, never removed, so historical queries stay valid.
type ResourceStatus string

const (
	ResourceActive  ResourceStatus = "active"
	ResourceDeleted ResourceStatus = "deleted"
	ResourceUnknown ResourceStatus = "unknown"
)

// Resource is a discovered infrastructure or application entity. Type is
// an open string so new resource kinds never require a schema change.
type Resource struct {
	ID              int64          `json:"id"`
	ExperimentID    string         `json:"experiment_id"`
	RepositoryID    *int64         `json:"repository_id,omitempty"`
	ParentID        *int64         `json:"parent_id,omitempty"` // Non-owning hierarchy link.
	Name            string         `json:"name"`
	Type            string         `json:"type"`
	Provider        string         `json:"provider,omitempty"`
	Region          string         `json:"region,omitempty"`
	SourceFile      string         `json:"source_file,omitempty"`
	SourceLineStart *int           `json:"source_line_start,omitempty"`
	SourceLineEnd   *int           `json:"source_line_end,omitempty"`
	Status          ResourceStatus `json:"status"`
	FirstSeen       time.Time      `json:"first_seen"`
	LastSeen        time.Time      `json:"last_seen"`
}

// PropertyValueType is the declared type discriminator of a property value.
type PropertyValueType string

const (
	ValueString PropertyValueType = "string"
	ValueInt    PropertyValueType = "int"
	ValueBool   PropertyValueType = "bool"
	ValueJSON   PropertyValueType = "json"
)

// PropertyCategory groups properties for security-relevance filtering.
type PropertyCategory string

const (
	CategorySecurity PropertyCategory = "security"
	CategoryNetwork  PropertyCategory = "network"
	CategoryIdentity PropertyCategory = "identity"
	CategoryCompute  PropertyCategory = "compute"
	CategoryStorage  PropertyCategory = "storage"
	CategoryGeneral  PropertyCategory = "general"
)

// Property is one entity-attribute-value row attached to a resource.
// Several rows may share a key; readers resolve the most recent one.
type Property struct {
	ID               int64             `json:"id"`
	ResourceID       int64             `json:"resource_id"`
	Key              string            `json:"key"`
	Value            string            `json:"value"`
	ValueType        PropertyValueType `json:"value_type"`
	Category         PropertyCategory  `json:"category"`
	SecurityRelevant bool              `json:"security_relevant"`
	RecordedAt       time.Time         `json:"recorded_at"`
}

// Connection is a directed edge between two resources of the same
// experiment. Connections may form cycles.
type Connection struct {
	ID              int64     `json:"id"`
	ExperimentID    string    `json:"experiment_id"`
	SourceID        int64     `json:"source_id"`
	TargetID        int64     `json:"target_id"`
	Type            string    `json:"type"`
	Protocol        string    `json:"protocol,omitempty"`
	Port            *int      `json:"port,omitempty"`
	AuthMethod      string    `json:"auth_method,omitempty"`
	CrossRepository bool      `json:"cross_repository"`
	CreatedAt       time.Time `json:"created_at"`
}

// ReachedResource is a resource found by a traversal, annotated with the
// minimum number of hops from the start.
type ReachedResource struct {
	Resource Resource `json:"resource"`
	Depth    int      `json:"depth"`
}
