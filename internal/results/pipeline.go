// File: internal/results/pipeline.go
package results

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/findings"
	"github.com/xkilldash9x/riskgraph/internal/observability"
	"github.com/xkilldash9x/riskgraph/internal/results/providers"
)

// Pipeline builds the risk register from any number of finding sources.
// It reads only; stored findings are never modified.
type Pipeline struct {
	enricher *Enricher
	weigher  Weigher
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWeigher enables the blast-radius bonus on top of the severity score.
func WithWeigher(w Weigher) Option {
	return func(p *Pipeline) { p.weigher = w }
}

// WithClassifier replaces the built-in resource type table.
func WithClassifier(c *providers.Classifier) Option {
	return func(p *Pipeline) { p.enricher = NewEnricher(c, p.logger) }
}

// WithMetrics counts parse failures and register builds on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock fixes the register timestamp, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a new register pipeline.
func NewPipeline(logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		logger: logger.Named("results_pipeline"),
		now:    time.Now,
	}
	p.enricher = NewEnricher(nil, p.logger)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Build loads every source, drops malformed findings, ranks the rest and
// merges duplicates. Malformed findings and unreadable documents are
// counted in ParseFailures; only a source that cannot be read at all
// fails the build.
func (p *Pipeline) Build(ctx context.Context, sources ...FindingSource) (*Register, error) {
	p.logger.Info("Starting register build.", zap.Int("sources", len(sources)))

	// 1. Retrieval
	batches, err := loadAll(ctx, sources)
	if err != nil {
		return nil, err
	}

	reg := &Register{
		GeneratedAt: p.now().UTC(),
		Sources:     make([]string, 0, len(sources)),
		Rows:        []Row{},
		Warnings:    []string{},
	}
	for _, src := range sources {
		reg.Sources = append(reg.Sources, src.Name())
	}

	// 2. Validation and enrichment
	var rows []Row
	for _, b := range batches {
		for _, failure := range b.Failures {
			p.logger.Warn("Unreadable finding record.", zap.String("error", failure))
			reg.ParseFailures++
			reg.Warnings = append(reg.Warnings, "unreadable: "+failure)
		}
		for _, f := range b.Findings {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			sev, problem := validate(f)
			if problem != "" {
				p.logger.Warn("Excluding malformed finding.",
					zap.String("title", f.Title),
					zap.String("document", f.DocumentPath),
					zap.String("reason", problem))
				reg.ParseFailures++
				reg.Warnings = append(reg.Warnings, fmt.Sprintf("excluded %s: %s", describe(f), problem))
				continue
			}

			row, warnings := p.enricher.Row(f, sev)
			reg.Warnings = append(reg.Warnings, warnings...)
			if p.weigher != nil && f.ResourceID != nil {
				reach, err := p.weigher.Reach(ctx, f.ExperimentID, *f.ResourceID)
				if err != nil {
					p.logger.Warn("Blast radius unavailable; ranking by severity only.",
						zap.Int64("resource_id", *f.ResourceID), zap.Error(err))
					reg.Warnings = append(reg.Warnings, fmt.Sprintf("no blast radius for %s: %v", describe(f), err))
				} else {
					row.Reach = &reach
					row.RiskScore = riskScore(row.SeverityScore, row.Reach)
				}
			}
			rows = append(rows, row)
		}
	}

	// 3. Deduplication and prioritization
	deduped, merged := Dedup(rows)
	reg.Rows = Prioritize(deduped)
	reg.DuplicatesMerged = merged

	// 4. Aggregation
	reg.Summary = summarize(reg.Rows)
	for _, r := range reg.Rows {
		if r.ResourceType == providers.Unclassified {
			reg.Unclassified++
		}
	}

	// Warnings are collected in load order; sorting keeps the register
	// independent of the order sources and documents were read in.
	sort.Strings(reg.Warnings)

	p.metrics.ParseFailures("register", reg.ParseFailures)
	p.metrics.RegisterBuilt(len(reg.Rows))
	p.logger.Info("Register build complete.",
		zap.Int("rows", len(reg.Rows)),
		zap.Int("parse_failures", reg.ParseFailures),
		zap.Int("duplicates_merged", reg.DuplicatesMerged),
		zap.Int("unclassified", reg.Unclassified))
	return reg, nil
}

// validate resolves the severity of f or explains why it cannot be ranked.
func validate(f schemas.Finding) (findings.Severity, string) {
	if DedupKey(f.Title) == "" {
		return findings.Severity{}, "missing title"
	}
	sev, ok := findings.Resolve(f)
	if !ok {
		if strings.TrimSpace(f.OverallScore) == "" {
			return findings.Severity{}, "missing severity score"
		}
		return findings.Severity{}, fmt.Sprintf("unparseable severity %q", f.OverallScore)
	}
	return sev, ""
}

func describe(f schemas.Finding) string {
	switch {
	case f.DocumentPath != "":
		return f.DocumentPath
	case f.ID != 0:
		return fmt.Sprintf("finding %d", f.ID)
	case f.Title != "":
		return fmt.Sprintf("%q", f.Title)
	}
	return "untitled finding"
}
