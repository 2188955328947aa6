// Package diagram projects stored resources, connections and findings into
// node/edge descriptions for an external renderer. It never writes.
package diagram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/findings"
	"github.com/xkilldash9x/riskgraph/internal/knowledgegraph"
	"github.com/xkilldash9x/riskgraph/internal/results/providers"
)

// ErrInvalidScope is returned for a scope the projector cannot interpret.
var ErrInvalidScope = errors.New("invalid diagram scope")

// parentOf is the edge type of hierarchy links.
const parentOf = "parent_of"

// Source is the read-only view the projector needs.
type Source interface {
	schemas.GraphSource
	schemas.FindingQuerier
}

// Scope selects what a diagram shows.
type Scope struct {
	ExperimentID string `json:"experiment_id"`
	// StartResourceID limits the diagram to the start and what it reaches.
	StartResourceID *int64 `json:"start_resource_id,omitempty"`
	// MaxDepth bounds the walk from StartResourceID; <= 0 means the default.
	MaxDepth int `json:"max_depth,omitempty"`
	// MinSeverity keeps only resources with a finding scored at least this.
	MinSeverity int                 `json:"min_severity,omitempty"`
	Mode        schemas.DiagramMode `json:"mode,omitempty"`
}

// Projector turns a scope into a diagram.
type Projector struct {
	src        Source
	classifier *providers.Classifier
	log        *zap.Logger
}

// NewProjector creates a projector over src. A nil classifier means the
// built-in resource type table.
func NewProjector(src Source, classifier *providers.Classifier, logger *zap.Logger) *Projector {
	if classifier == nil {
		classifier = providers.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{src: src, classifier: classifier, log: logger.Named("diagram")}
}

// severityStats is the finding summary of one resource.
type severityStats struct {
	max   findings.Severity
	count int
}

// Project builds the diagram for scope. A scope that matches nothing yields
// an empty diagram, not an error.
func (p *Projector) Project(ctx context.Context, scope Scope) (*schemas.Diagram, error) {
	if scope.Mode == "" {
		scope.Mode = schemas.ModeConnections
	}
	if scope.Mode != schemas.ModeConnections && scope.Mode != schemas.ModeHierarchy {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidScope, scope.Mode)
	}
	if scope.ExperimentID == "" {
		return nil, fmt.Errorf("%w: experiment id is required", ErrInvalidScope)
	}

	d := &schemas.Diagram{
		ExperimentID: scope.ExperimentID,
		Mode:         scope.Mode,
		Nodes:        []schemas.DiagramNode{},
		Edges:        []schemas.DiagramEdge{},
	}

	g, err := knowledgegraph.Load(ctx, p.src, scope.ExperimentID, p.log)
	if err != nil {
		return nil, err
	}

	depths, err := p.inScope(ctx, g, scope)
	if err != nil {
		return nil, err
	}
	if len(depths) == 0 {
		p.log.Debug("Diagram scope matched nothing.", zap.String("experiment_id", scope.ExperimentID))
		return d, nil
	}

	stats, err := p.severities(ctx, scope.ExperimentID)
	if err != nil {
		return nil, err
	}

	kept := make(map[int64]bool, len(depths))
	for id, depth := range depths {
		r, _ := g.Resource(id)
		st := stats[id]
		if scope.MinSeverity > 0 && st.max.Score < scope.MinSeverity {
			continue
		}
		kept[id] = true
		node := schemas.DiagramNode{
			ID:           nodeID(id),
			ResourceID:   id,
			Label:        r.Name,
			Type:         r.Type,
			Provider:     r.Provider,
			Category:     p.classifier.CategoryFor(r.Type),
			MaxSeverity:  st.max.Score,
			FindingCount: st.count,
		}
		if st.count > 0 {
			node.SeverityLabel = string(st.max.Label)
		}
		if depth >= 0 {
			dd := depth
			node.Depth = &dd
		}
		d.Nodes = append(d.Nodes, node)
	}
	sort.Slice(d.Nodes, func(i, j int) bool { return d.Nodes[i].ResourceID < d.Nodes[j].ResourceID })

	d.Edges = edges(g, scope.Mode, kept)
	p.log.Debug("Diagram projected.",
		zap.String("experiment_id", scope.ExperimentID),
		zap.String("mode", string(scope.Mode)),
		zap.Int("nodes", len(d.Nodes)),
		zap.Int("edges", len(d.Edges)))
	return d, nil
}

// inScope returns the ids in scope mapped to their depth from the start,
// or -1 when the scope is the whole experiment.
func (p *Projector) inScope(ctx context.Context, g *knowledgegraph.Graph, scope Scope) (map[int64]int, error) {
	out := map[int64]int{}
	if scope.StartResourceID == nil {
		for _, r := range g.Resources() {
			out[r.ID] = -1
		}
		return out, nil
	}

	start := *scope.StartResourceID
	if _, ok := g.Resource(start); !ok {
		return out, nil
	}
	var reached []schemas.ReachedResource
	var err error
	if scope.Mode == schemas.ModeHierarchy {
		reached, err = g.HierarchyRadius(ctx, start, scope.MaxDepth)
	} else {
		reached, err = g.BlastRadius(ctx, start, scope.MaxDepth)
	}
	if err != nil {
		return nil, err
	}
	out[start] = 0
	for _, r := range reached {
		out[r.Resource.ID] = r.Depth
	}
	return out, nil
}

// severities summarizes findings per resource. Findings without a usable
// severity still count but do not raise the maximum.
func (p *Projector) severities(ctx context.Context, experimentID string) (map[int64]severityStats, error) {
	all, err := p.src.QueryFindings(ctx, schemas.FindingFilter{ExperimentIDs: []string{experimentID}})
	if err != nil {
		return nil, fmt.Errorf("failed to load findings for diagram: %w", err)
	}
	stats := map[int64]severityStats{}
	for _, f := range all {
		if f.ResourceID == nil {
			continue
		}
		st := stats[*f.ResourceID]
		st.count++
		if sev, ok := findings.Resolve(f); ok {
			if sev.Score > st.max.Score || (sev.Score == st.max.Score && sev.Label.Rank() > st.max.Label.Rank()) {
				st.max = sev
			}
		}
		stats[*f.ResourceID] = st
	}
	return stats, nil
}

// edges collects the links between kept nodes for the selected mode.
func edges(g *knowledgegraph.Graph, mode schemas.DiagramMode, kept map[int64]bool) []schemas.DiagramEdge {
	out := []schemas.DiagramEdge{}
	if mode == schemas.ModeHierarchy {
		for _, r := range g.Resources() {
			if r.ParentID == nil || !kept[r.ID] || !kept[*r.ParentID] {
				continue
			}
			out = append(out, schemas.DiagramEdge{From: nodeID(*r.ParentID), To: nodeID(r.ID), Type: parentOf})
		}
	} else {
		for _, c := range g.Connections() {
			if !kept[c.SourceID] || !kept[c.TargetID] {
				continue
			}
			out = append(out, schemas.DiagramEdge{
				From:     nodeID(c.SourceID),
				To:       nodeID(c.TargetID),
				Type:     c.Type,
				Protocol: c.Protocol,
				Port:     c.Port,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Type < b.Type
	})
	return out
}

func nodeID(id int64) string {
	return "r" + strconv.FormatInt(id, 10)
}
