// internal/results/enrich.go
package results

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/findings"
	"github.com/xkilldash9x/riskgraph/internal/results/providers"
)

// Enricher turns a resolved finding into a register row: resource type
// classification plus the business-impact sentence.
type Enricher struct {
	classifier *providers.Classifier
	logger     *zap.Logger
}

// NewEnricher creates a new Enricher instance.
func NewEnricher(classifier *providers.Classifier, logger *zap.Logger) *Enricher {
	if classifier == nil {
		classifier = providers.Default()
	}
	return &Enricher{
		classifier: classifier,
		logger:     logger.Named("enricher"),
	}
}

// Row builds the unranked row for f. warnings receives one message when
// the resource type could not be decided with confidence.
func (e *Enricher) Row(f schemas.Finding, sev findings.Severity) (Row, []string) {
	row := Row{
		FindingID:     f.ID,
		Title:         strings.TrimSpace(f.Title),
		Category:      f.Category,
		Label:         string(sev.Label),
		SeverityScore: sev.Score,
		RiskScore:     riskScore(sev.Score, nil),
		OverallScore:  sev.String(),
		ResourceName:  f.ResourceName,
		ExperimentID:  f.ExperimentID,
		Source:        f.Source,
		SourceFile:    f.SourceFile,
		DocumentPath:  f.DocumentPath,
	}

	var warnings []string
	cl := e.classifier.Classify(providers.Evidence{Title: f.Title, Evidence: f.Evidence, ResourceType: f.ResourceType})
	row.ResourceType = cl.ResourceType
	row.ResourceClass = cl.Category
	row.Alternatives = cl.Alternatives
	switch {
	case !cl.Classified():
		e.logger.Warn("Could not classify resource type.", zap.String("title", row.Title), zap.String("document", f.DocumentPath))
		warnings = append(warnings, fmt.Sprintf("unclassified resource type for %q; extend the classification table", row.Title))
	case cl.Ambiguous():
		e.logger.Warn("Ambiguous resource type.",
			zap.String("title", row.Title),
			zap.String("chosen", cl.ResourceType),
			zap.Strings("alternatives", cl.Alternatives))
		warnings = append(warnings, fmt.Sprintf("ambiguous resource type for %q: chose %s over %s",
			row.Title, cl.ResourceType, strings.Join(cl.Alternatives, ", ")))
	}

	text := f.Description
	if strings.TrimSpace(text) == "" {
		text = f.Title
	}
	row.BusinessImpact = BusinessImpact(text, sev.Label)
	return row, warnings
}
