package results

import (
	"context"
	"time"

	"github.com/xkilldash9x/riskgraph/api/schemas"
)

// Weigher reports how many resources a resource can reach. It feeds the
// optional blast-radius bonus of the risk score.
type Weigher interface {
	Reach(ctx context.Context, experimentID string, resourceID int64) (int, error)
}

// Batch is what one source yields: the findings it could read plus one
// message per record or file it could not.
type Batch struct {
	Findings []schemas.Finding
	Failures []string
}

// FindingSource supplies findings to a register build.
type FindingSource interface {
	// Name identifies the source in logs and warnings.
	Name() string
	// Load returns an error only when the source cannot be read at all.
	Load(ctx context.Context) (Batch, error)
}

// Row is one ranked, deduplicated entry of the register.
type Row struct {
	Priority  int    `json:"priority"`
	FindingID int64  `json:"finding_id,omitempty"`
	Title     string `json:"title"`
	Category  string `json:"category,omitempty"`

	Label         string   `json:"label"`
	SeverityScore int      `json:"severity_score"`
	RiskScore     float64  `json:"risk_score"`
	Reach         *int     `json:"reach,omitempty"`
	OverallScore  string   `json:"overall_score"`
	ResourceType  string   `json:"resource_type"`
	ResourceClass string   `json:"resource_category"`
	Alternatives  []string `json:"resource_type_alternatives,omitempty"`
	ResourceName  string   `json:"resource_name,omitempty"`

	BusinessImpact string `json:"business_impact"`

	ExperimentID string                `json:"experiment_id,omitempty"`
	Source       schemas.FindingSource `json:"source"`
	SourceFile   string                `json:"source_file,omitempty"`
	DocumentPath string                `json:"document_path,omitempty"`

	// DuplicateCount is how many other findings were merged into this row.
	DuplicateCount int      `json:"duplicate_count"`
	DocumentPaths  []string `json:"document_paths,omitempty"`
}

// Summary counts the rows of a register.
type Summary struct {
	Total          int            `json:"total"`
	ByLabel        map[string]int `json:"by_label"`
	ByResourceType map[string]int `json:"by_resource_type"`
}

// Register is the deduplicated, globally ranked report over all findings.
type Register struct {
	GeneratedAt      time.Time `json:"generated_at"`
	Sources          []string  `json:"sources"`
	Rows             []Row     `json:"rows"`
	Summary          Summary   `json:"summary"`
	ParseFailures    int       `json:"parse_failures"`
	DuplicatesMerged int       `json:"duplicates_merged"`
	Unclassified     int       `json:"unclassified"`
	Warnings         []string  `json:"warnings"`
}
