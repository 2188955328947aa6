package reporting

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/internal/findings"
	"github.com/xkilldash9x/riskgraph/internal/reporting/sarif"
	"github.com/xkilldash9x/riskgraph/internal/results"
)

// Constants for tool identification in the SARIF report.
const (
	ToolName     = "riskgraph"
	ToolInfoURI  = "https://github.com/xkilldash9x/riskgraph"
	SARIFVersion = "2.1.0"
	SARIFSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"
	rulePrefix   = "RISKGRAPH-"
)

// ruleIDSanitizer collapses everything but alphanumerics, underscore and
// dot into a single hyphen.
var ruleIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.]+`)

// RuleFingerprint identifies a rule definition by content.
type RuleFingerprint string

// calculateFingerprint hashes what defines a rule: one rule per resource
// type and category.
func calculateFingerprint(row results.Row) RuleFingerprint {
	h := sha1.New()
	_ = json.NewEncoder(h).Encode(struct {
		ResourceType string
		Category     string
	}{row.ResourceType, row.ResourceClass})
	return RuleFingerprint(hex.EncodeToString(h.Sum(nil)))
}

// resultFingerprint is stable across runs for the same deduplicated issue.
func resultFingerprint(row results.Row) string {
	sum := sha1.Sum([]byte(results.DedupKey(row.Title) + "|" + row.ResourceType + "|" + row.ResourceName))
	return hex.EncodeToString(sum[:])
}

// SARIFReporter buffers register rows as SARIF 2.1.0 results and writes
// the log on Close. It is safe for concurrent use.
type SARIFReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	log    *sarif.Log
	// mu protects the log structure and the maps.
	mu                 sync.Mutex
	rulesByFingerprint map[RuleFingerprint]string
	ruleIDUsage        map[string]int
}

func NewSARIFReporter(writer io.WriteCloser, toolVersion string, logger *zap.Logger) *SARIFReporter {
	log := &sarif.Log{
		Version: SARIFVersion,
		Schema:  SARIFSchema,
		Runs: []*sarif.Run{
			{
				Tool: &sarif.Tool{
					Driver: &sarif.ToolComponent{
						Name:           ToolName,
						Version:        pString(toolVersion),
						InformationURI: pString(ToolInfoURI),
						// Empty, not nil, so the JSON shows [].
						Rules: []*sarif.ReportingDescriptor{},
					},
				},
				Results: []*sarif.Result{},
			},
		},
	}

	return &SARIFReporter{
		writer:             writer,
		logger:             logger.Named("sarif_reporter"),
		log:                log,
		rulesByFingerprint: make(map[RuleFingerprint]string),
		ruleIDUsage:        make(map[string]int),
	}
}

// Write converts every register row into a SARIF result, in priority order.
func (r *SARIFReporter) Write(reg *results.Register) error {
	startTime := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	for _, row := range reg.Rows {
		ruleID := r.ensureRule(row)
		rank := float64(row.SeverityScore) * 10
		run.Results = append(run.Results, &sarif.Result{
			RuleID:              ruleID,
			Message:             &sarif.Message{Text: pString(resultMessage(row))},
			Level:               mapSeverityToSARIFLevel(row.Label),
			Rank:                &rank,
			Locations:           createLocations(row),
			PartialFingerprints: map[string]string{"riskgraph/v1": resultFingerprint(row)},
			Properties: &sarif.PropertyBag{
				"priority":        row.Priority,
				"risk_score":      row.RiskScore,
				"overall_score":   row.OverallScore,
				"experiment_id":   row.ExperimentID,
				"duplicate_count": row.DuplicateCount,
				"business_impact": row.BusinessImpact,
			},
		})
	}

	bag := sarif.PropertyBag{}
	if run.Properties != nil {
		bag = *run.Properties
	}
	bag["generated_at"] = reg.GeneratedAt.UTC().Format(time.RFC3339)
	bag["sources"] = reg.Sources
	bag["parse_failures"] = reg.ParseFailures
	bag["duplicates_merged"] = reg.DuplicatesMerged
	run.Properties = &bag

	if len(reg.Rows) > 0 {
		r.logger.Debug("Wrote register rows to SARIF buffer",
			zap.Int("rows", len(reg.Rows)),
			zap.Duration("duration_ms", time.Since(startTime)),
		)
	}
	return nil
}

// Close encodes the log and closes the writer.
func (r *SARIFReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := r.log.Runs[0]
	r.logger.Info("Finalizing SARIF report",
		zap.Int("total_results", len(run.Results)),
		zap.Int("total_rules", len(run.Tool.Driver.Rules)),
	)

	encoder := json.ConfigCompatibleWithStandardLibrary.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")

	encodeErr := encoder.Encode(r.log)
	// Always close, even after a failed encode.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		r.logger.Error("Failed to encode SARIF log to JSON", zap.Error(encodeErr))
		return fmt.Errorf("failed to encode SARIF output: %w", encodeErr)
	}
	if closeErr != nil {
		r.logger.Error("Failed to close output writer", zap.Error(closeErr))
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	return nil
}

func sanitizeRuleName(name string) string {
	if name == "" {
		return "UNCLASSIFIED"
	}
	sanitized := strings.Trim(ruleIDSanitizer.ReplaceAllString(strings.ToUpper(name), "-"), "-")
	if sanitized == "" {
		return "UNKNOWN-RESOURCE"
	}
	return sanitized
}

// ensureRule returns the rule id for the row's resource type, registering
// the rule on first use. Must be called while holding the mutex.
func (r *SARIFReporter) ensureRule(row results.Row) string {
	fingerprint := calculateFingerprint(row)
	if ruleID, exists := r.rulesByFingerprint[fingerprint]; exists {
		return ruleID
	}

	baseRuleID := rulePrefix + sanitizeRuleName(row.ResourceType)
	usageCount := r.ruleIDUsage[baseRuleID]
	r.ruleIDUsage[baseRuleID] = usageCount + 1

	finalRuleID := baseRuleID
	if usageCount > 0 {
		finalRuleID = fmt.Sprintf("%s-%d", baseRuleID, usageCount)
		r.logger.Debug("Rule ID collision detected, generated new ID with suffix",
			zap.String("base_id", baseRuleID),
			zap.String("final_id", finalRuleID),
		)
	}

	category := row.ResourceClass
	if category == "" {
		category = "other"
	}
	short := fmt.Sprintf("Risks on %s resources", row.ResourceType)
	markdownHelp := fmt.Sprintf("**Resource type:** %s\n\n**Category:** %s\n\nFindings are ranked by severity and, when enabled, by how much of the environment the resource can reach.",
		row.ResourceType, category)

	r.log.Runs[0].Tool.Driver.Rules = append(r.log.Runs[0].Tool.Driver.Rules, &sarif.ReportingDescriptor{
		ID:               finalRuleID,
		Name:             pString(row.ResourceType),
		ShortDescription: &sarif.MultiformatMessageString{Text: pString(short)},
		FullDescription:  &sarif.MultiformatMessageString{Text: pString(short + " (" + category + ").")},
		Help: &sarif.MultiformatMessageString{
			Text:     pString(short),
			Markdown: pString(markdownHelp),
		},
		Properties: &sarif.PropertyBag{
			"tags":     []string{"security", "riskgraph", category},
			"category": category,
		},
	})
	r.rulesByFingerprint[fingerprint] = finalRuleID
	return finalRuleID
}

func resultMessage(row results.Row) string {
	if row.BusinessImpact == "" {
		return row.Title
	}
	return row.Title + ": " + row.BusinessImpact
}

// createLocations points at the source file when there is one, else the
// review document, and names the resource as a logical location.
func createLocations(row results.Row) []*sarif.Location {
	loc := &sarif.Location{}
	uri := row.SourceFile
	if uri == "" {
		uri = row.DocumentPath
	}
	if uri != "" {
		loc.PhysicalLocation = &sarif.PhysicalLocation{
			ArtifactLocation: &sarif.ArtifactLocation{URI: pString(uri)},
		}
	}
	if row.ResourceName != "" {
		loc.LogicalLocations = []*sarif.LogicalLocation{{
			Name:               pString(row.ResourceName),
			FullyQualifiedName: pString(row.ResourceType + "/" + row.ResourceName),
			Kind:               pString("resource"),
		}}
	}
	if loc.PhysicalLocation == nil && loc.LogicalLocations == nil {
		return nil
	}
	return []*sarif.Location{loc}
}

// mapSeverityToSARIFLevel converts a severity label to a SARIF level.
func mapSeverityToSARIFLevel(label string) sarif.Level {
	l, _ := findings.ParseLabel(label)
	switch l {
	case findings.LabelCritical, findings.LabelHigh:
		return sarif.LevelError
	case findings.LabelMedium:
		return sarif.LevelWarning
	default:
		return sarif.LevelNote
	}
}

// pString returns a pointer to s, for optional SARIF fields.
func pString(s string) *string {
	return &s
}
