package findings

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/observability"
)

// Store is the part of the knowledge store the ledger needs.
type Store interface {
	schemas.FindingQuerier
	InsertFinding(ctx context.Context, f schemas.Finding) (schemas.Finding, error)
}

// Ledger records findings against resources and experiments and answers
// scoped and aggregated queries over them.
type Ledger struct {
	store   Store
	log     *zap.Logger
	metrics *observability.Metrics
}

// NewLedger wraps a store. metrics may be nil.
func NewLedger(store Store, logger *zap.Logger, metrics *observability.Metrics) *Ledger {
	return &Ledger{
		store:   store,
		log:     logger.Named("ledger"),
		metrics: metrics,
	}
}

// Record stores an authored finding. When the author supplied only the
// "<Label> <n>/10" text, the numeric score and base label are filled in
// from it; an unparseable text is stored unchanged so the finding is not
// lost, and is later excluded from ranking.
func (l *Ledger) Record(ctx context.Context, f schemas.Finding) (schemas.Finding, error) {
	if sev, ok := ParseSeverity(f.OverallScore); ok {
		if f.SeverityScore == nil {
			score := sev.Score
			f.SeverityScore = &score
		}
		if f.BaseSeverity == "" {
			f.BaseSeverity = string(sev.Label)
		}
	} else if f.OverallScore != "" {
		l.log.Warn("Unparseable overall score.",
			zap.String("title", f.Title),
			zap.String("overall_score", f.OverallScore))
	}
	if f.BaseSeverity != "" {
		if label, ok := ParseLabel(f.BaseSeverity); ok {
			f.BaseSeverity = string(label)
		}
	}

	out, err := l.store.InsertFinding(ctx, f)
	if err != nil {
		return out, fmt.Errorf("failed to record finding %q: %w", f.Title, err)
	}
	return out, nil
}

// AtOrAbove returns the findings of the given experiments whose resolved
// score is at least min, highest first. A finding Resolve rejects never
// qualifies, so the threshold agrees with register ranking.
func (l *Ledger) AtOrAbove(ctx context.Context, min int, experimentIDs ...string) ([]schemas.Finding, error) {
	found, err := l.store.QueryFindings(ctx, schemas.FindingFilter{ExperimentIDs: experimentIDs})
	if err != nil {
		return nil, err
	}
	type scored struct {
		finding schemas.Finding
		score   int
	}
	var kept []scored
	for _, f := range found {
		if sev, ok := Resolve(f); ok && sev.Score >= min {
			kept = append(kept, scored{finding: f, score: sev.Score})
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })

	out := make([]schemas.Finding, len(kept))
	for i, k := range kept {
		out[i] = k.finding
	}
	return out, nil
}

// ForResource returns the findings attached to one resource.
func (l *Ledger) ForResource(ctx context.Context, resourceID int64) ([]schemas.Finding, error) {
	return l.store.QueryFindings(ctx, schemas.FindingFilter{ResourceID: &resourceID})
}

// Aggregate summarizes a group of findings. Unparseable findings count
// toward Count and Unparseable but not toward the score statistics.
type Aggregate struct {
	Key          string  `json:"key"`
	Count        int     `json:"count"`
	Scored       int     `json:"scored"`
	Unparseable  int     `json:"unparseable"`
	MaxScore     int     `json:"max_score"`
	AverageScore float64 `json:"average_score"`
	MaxLabel     Label   `json:"max_label,omitempty"`

	sum int
}

func (a *Aggregate) add(f schemas.Finding) {
	a.Count++
	sev, ok := Resolve(f)
	if !ok {
		a.Unparseable++
		return
	}
	a.Scored++
	a.sum += sev.Score
	a.AverageScore = float64(a.sum) / float64(a.Scored)
	if sev.Score > a.MaxScore || (sev.Score == a.MaxScore && sev.Label.Rank() > a.MaxLabel.Rank()) {
		a.MaxScore = sev.Score
		a.MaxLabel = sev.Label
	}
}

// ByCategory groups the findings of the given experiments by category.
func (l *Ledger) ByCategory(ctx context.Context, experimentIDs ...string) ([]Aggregate, error) {
	return l.aggregate(ctx, experimentIDs, func(f schemas.Finding) string {
		if f.Category == "" {
			return "uncategorized"
		}
		return f.Category
	})
}

// ByResource groups the findings of the given experiments by resource,
// keyed "type/name". Environment-level findings share the "environment"
// key.
func (l *Ledger) ByResource(ctx context.Context, experimentIDs ...string) ([]Aggregate, error) {
	return l.aggregate(ctx, experimentIDs, ResourceKey)
}

// ResourceKey names the resource a finding is attached to.
func ResourceKey(f schemas.Finding) string {
	if f.ResourceID == nil {
		return "environment"
	}
	return f.ResourceType + "/" + f.ResourceName
}

func (l *Ledger) aggregate(ctx context.Context, experimentIDs []string, keyOf func(schemas.Finding) string) ([]Aggregate, error) {
	found, err := l.store.QueryFindings(ctx, schemas.FindingFilter{ExperimentIDs: experimentIDs})
	if err != nil {
		return nil, err
	}
	groups := map[string]*Aggregate{}
	unparseable := 0
	for _, f := range found {
		key := keyOf(f)
		agg, ok := groups[key]
		if !ok {
			agg = &Aggregate{Key: key}
			groups[key] = agg
		}
		before := agg.Unparseable
		agg.add(f)
		unparseable += agg.Unparseable - before
	}
	l.metrics.ParseFailures("aggregate", unparseable)

	out := make([]Aggregate, 0, len(groups))
	for _, agg := range groups {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MaxScore != out[j].MaxScore {
			return out[i].MaxScore > out[j].MaxScore
		}
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}
