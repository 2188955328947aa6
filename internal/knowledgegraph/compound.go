package knowledgegraph

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/findings"
)

// maxCombinedScore caps a compound score on the 1..10 scale.
const maxCombinedScore = 10

// CompoundRisk pairs a finding on a parent resource with a finding on one
// of its children. Combined is the capped sum of both scores.
type CompoundRisk struct {
	Parent        schemas.Resource `json:"parent"`
	Child         schemas.Resource `json:"child"`
	ParentFinding schemas.Finding  `json:"parent_finding"`
	ChildFinding  schemas.Finding  `json:"child_finding"`
	Combined      int              `json:"combined"`
}

// CompoundRisks joins every resource's findings with the findings of its
// direct children and reports the pairs whose combined score is higher
// than both individual scores and at least minCombined. Findings without a
// usable severity are skipped. Nothing is written anywhere.
func (g *Graph) CompoundRisks(ctx context.Context, q schemas.FindingQuerier, minCombined int) ([]CompoundRisk, error) {
	all, err := q.QueryFindings(ctx, schemas.FindingFilter{ExperimentIDs: []string{g.experimentID}})
	if err != nil {
		return nil, fmt.Errorf("failed to load findings for compound risk: %w", err)
	}

	type scored struct {
		finding schemas.Finding
		score   int
	}
	byResource := map[int64][]scored{}
	skipped := 0
	for _, f := range all {
		if f.ResourceID == nil {
			continue
		}
		sev, ok := findings.Resolve(f)
		if !ok {
			skipped++
			continue
		}
		byResource[*f.ResourceID] = append(byResource[*f.ResourceID], scored{f, sev.Score})
	}
	if skipped > 0 {
		g.log.Warn("Findings without a usable severity were left out of compound risk.", zap.Int("count", skipped))
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	risks := []CompoundRisk{}
	for parentID, parentFindings := range byResource {
		parent, ok := g.resources[parentID]
		if !ok {
			continue
		}
		for _, childID := range g.children[parentID] {
			child := g.resources[childID]
			for _, pf := range parentFindings {
				for _, cf := range byResource[childID] {
					combined := pf.score + cf.score
					if combined > maxCombinedScore {
						combined = maxCombinedScore
					}
					if combined <= pf.score || combined <= cf.score || combined < minCombined {
						continue
					}
					risks = append(risks, CompoundRisk{
						Parent:        parent,
						Child:         child,
						ParentFinding: pf.finding,
						ChildFinding:  cf.finding,
						Combined:      combined,
					})
				}
			}
		}
	}

	sort.Slice(risks, func(i, j int) bool {
		a, b := risks[i], risks[j]
		if a.Combined != b.Combined {
			return a.Combined > b.Combined
		}
		if a.ParentFinding.ID != b.ParentFinding.ID {
			return a.ParentFinding.ID < b.ParentFinding.ID
		}
		return a.ChildFinding.ID < b.ChildFinding.ID
	})
	return risks, nil
}
