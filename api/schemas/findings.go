package schemas

import (
	"time"
)

// -- Finding Schemas --

// FindingStatus is the lifecycle state of a finding.
type FindingStatus string

const (
	FindingOpen          FindingStatus = "open"
	FindingFixed         FindingStatus = "fixed"
	FindingAccepted      FindingStatus = "accepted"
	FindingFalsePositive FindingStatus = "false_positive"
)

// Valid reports whether s is a known finding status.
func (s FindingStatus) Valid() bool {
	switch s {
	case FindingOpen, FindingFixed, FindingAccepted, FindingFalsePositive:
		return true
	}
	return false
}

// FindingSource tells where an authored finding came from.
type FindingSource string

const (
	SourceCloud      FindingSource = "cloud"
	SourceCode       FindingSource = "code"
	SourceRepository FindingSource = "repository"
)

// Finding is a security issue authored outside this system. It is tied to
// an experiment and optionally to a resource; environment-level findings
// have no resource. The core links and ranks findings but never re-scores
// them.
type Finding struct {
	ID           int64  `json:"id" yaml:"-"`
	ExperimentID string `json:"experiment_id" yaml:"experiment_id"`
	ResourceID   *int64 `json:"resource_id,omitempty" yaml:"-"`

	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description"`
	Category    string `json:"category,omitempty" yaml:"category"`

	// SeverityScore is conventionally 1..10; nil when the author did not
	// supply a number and OverallScore could not be parsed.
	SeverityScore *int   `json:"severity_score,omitempty" yaml:"severity_score"`
	BaseSeverity  string `json:"base_severity,omitempty" yaml:"base_severity"`
	// OverallScore is the canonical "<Label> <n>/10" text, e.g. "High 7/10".
	OverallScore string `json:"overall_score,omitempty" yaml:"overall_score"`

	Evidence     string        `json:"evidence,omitempty" yaml:"evidence"`
	SourceFile   string        `json:"source_file,omitempty" yaml:"source_file"`
	DocumentPath string        `json:"document_path,omitempty" yaml:"document_path"`
	Status       FindingStatus `json:"status" yaml:"status"`
	Source       FindingSource `json:"source" yaml:"source"`
	CreatedAt    time.Time     `json:"created_at" yaml:"-"`

	// ResourceType is populated by queries that join the linked resource.
	ResourceType string `json:"resource_type,omitempty" yaml:"resource_type"`
	ResourceName string `json:"resource_name,omitempty" yaml:"resource_name"`
}

// FindingFilter scopes a finding query. Zero values mean "no constraint".
type FindingFilter struct {
	ExperimentIDs []string
	ResourceID    *int64
	MinScore      int
	Category      string
	Status        FindingStatus
	Sources       []FindingSource
}
