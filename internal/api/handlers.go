package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/diagram"
	"github.com/xkilldash9x/riskgraph/internal/knowledgegraph"
	"github.com/xkilldash9x/riskgraph/internal/results"
	"github.com/xkilldash9x/riskgraph/internal/store"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ResourceResponse is a resource with its current property values.
type ResourceResponse struct {
	schemas.Resource
	Properties []schemas.Property `json:"properties"`
}

// TraversalResponse is the result of a graph walk from one resource.
type TraversalResponse struct {
	ExperimentID string                    `json:"experiment_id"`
	Start        schemas.Resource          `json:"start"`
	Mode         string                    `json:"mode"`
	MaxDepth     int                       `json:"max_depth"`
	Reached      []schemas.ReachedResource `json:"reached"`
}

// errBadRequest marks client input errors.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// fail maps an error onto a status code and writes it.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, diagram.ErrInvalidScope):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, knowledgegraph.ErrResourceNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed.", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error()})
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest("%s must be a non-negative integer, got %q", name, raw)
	}
	return n, nil
}

// experiment resolves the :id parameter, writing a 404 when unknown.
func (s *Server) experiment(c *gin.Context) (schemas.Experiment, bool) {
	exp, err := s.store.GetExperiment(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return exp, false
	}
	return exp, true
}

func (s *Server) handleHealth(c *gin.Context) {
	if _, err := s.store.ListExperiments(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListExperiments(c *gin.Context) {
	exps, err := s.store.ListExperiments(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exps)
}

func (s *Server) handleGetExperiment(c *gin.Context) {
	if exp, ok := s.experiment(c); ok {
		c.JSON(http.StatusOK, exp)
	}
}

func (s *Server) handleListResources(c *gin.Context) {
	exp, ok := s.experiment(c)
	if !ok {
		return
	}
	resources, err := s.store.ListResources(c.Request.Context(), exp.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resources)
}

func (s *Server) handleGetResource(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("resource"), 10, 64)
	if err != nil {
		s.fail(c, badRequest("resource id must be an integer"))
		return
	}
	ctx := c.Request.Context()
	res, err := s.store.GetResource(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	props, err := s.store.Properties(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ResourceResponse{Resource: res, Properties: props})
}

func (s *Server) loadGraph(c *gin.Context, experimentID string) (*knowledgegraph.Graph, error) {
	return knowledgegraph.Load(c.Request.Context(), s.store, experimentID, s.log, knowledgegraph.WithMetrics(s.metrics))
}

func (s *Server) handleBlastRadius(c *gin.Context) {
	exp, ok := s.experiment(c)
	if !ok {
		return
	}
	start, err := strconv.ParseInt(c.Param("resource"), 10, 64)
	if err != nil {
		s.fail(c, badRequest("resource id must be an integer"))
		return
	}
	depth, err := queryInt(c, "depth", s.graphCfg.DefaultMaxDepth)
	if err != nil {
		s.fail(c, err)
		return
	}
	if depth <= 0 {
		depth = knowledgegraph.DefaultMaxDepth
	}

	g, err := s.loadGraph(c, exp.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	res, found := g.Resource(start)
	if !found {
		s.fail(c, fmt.Errorf("resource %d in experiment %q: %w", start, exp.ID, knowledgegraph.ErrResourceNotFound))
		return
	}

	mode := c.DefaultQuery("mode", knowledgegraph.ModeConnections)
	var reached []schemas.ReachedResource
	ctx := c.Request.Context()
	switch mode {
	case knowledgegraph.ModeConnections:
		reached, err = g.BlastRadius(ctx, start, depth)
	case knowledgegraph.ModeDependents:
		reached, err = g.Dependents(ctx, start, depth)
	case knowledgegraph.ModeHierarchy:
		reached, err = g.HierarchyRadius(ctx, start, depth)
	default:
		err = badRequest("unknown traversal mode %q", mode)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	if reached == nil {
		reached = []schemas.ReachedResource{}
	}
	c.JSON(http.StatusOK, TraversalResponse{
		ExperimentID: exp.ID,
		Start:        res,
		Mode:         mode,
		MaxDepth:     depth,
		Reached:      reached,
	})
}

func (s *Server) handleCompoundRisks(c *gin.Context) {
	exp, ok := s.experiment(c)
	if !ok {
		return
	}
	minCombined, err := queryInt(c, "min_combined", 0)
	if err != nil {
		s.fail(c, err)
		return
	}
	g, err := s.loadGraph(c, exp.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	risks, err := g.CompoundRisks(c.Request.Context(), s.store, minCombined)
	if err != nil {
		s.fail(c, err)
		return
	}
	if risks == nil {
		risks = []knowledgegraph.CompoundRisk{}
	}
	c.JSON(http.StatusOK, risks)
}

func (s *Server) handleFindings(c *gin.Context) {
	exp, ok := s.experiment(c)
	if !ok {
		return
	}
	minScore, err := queryInt(c, "min_score", 0)
	if err != nil {
		s.fail(c, err)
		return
	}
	filter := schemas.FindingFilter{
		ExperimentIDs: []string{exp.ID},
		MinScore:      minScore,
		Category:      c.Query("category"),
		Status:        schemas.FindingStatus(c.Query("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.fail(c, badRequest("unknown finding status %q", filter.Status))
		return
	}
	for _, src := range c.QueryArray("source") {
		filter.Sources = append(filter.Sources, schemas.FindingSource(src))
	}

	found, err := s.store.QueryFindings(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	if found == nil {
		found = []schemas.Finding{}
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) handleDiagram(c *gin.Context) {
	exp, ok := s.experiment(c)
	if !ok {
		return
	}
	format, err := diagram.ParseFormat(c.Query("format"))
	if err != nil {
		s.fail(c, badRequest("%s", err))
		return
	}
	depth, err := queryInt(c, "depth", s.graphCfg.DefaultMaxDepth)
	if err != nil {
		s.fail(c, err)
		return
	}
	minSeverity, err := queryInt(c, "min_severity", 0)
	if err != nil {
		s.fail(c, err)
		return
	}
	scope := diagram.Scope{
		ExperimentID: exp.ID,
		MaxDepth:     depth,
		MinSeverity:  minSeverity,
		Mode:         schemas.DiagramMode(c.Query("mode")),
	}
	if raw := c.Query("start"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.fail(c, badRequest("start must be a resource id"))
			return
		}
		scope.StartResourceID = &id
	}

	d, err := s.projector.Project(c.Request.Context(), scope)
	if err != nil {
		s.fail(c, err)
		return
	}
	contentType := "text/plain; charset=utf-8"
	if format == diagram.FormatJSON {
		contentType = "application/json; charset=utf-8"
	}
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	if err := diagram.Encode(c.Writer, d, format); err != nil {
		s.log.Warn("Failed to write diagram.", zap.Error(err))
	}
}

// handleRegister builds the register over the named experiments, or over
// every experiment when none is named.
func (s *Server) handleRegister(c *gin.Context) {
	ctx := c.Request.Context()
	ids := c.QueryArray("experiment")
	if len(ids) == 0 {
		exps, err := s.store.ListExperiments(ctx)
		if err != nil {
			s.fail(c, err)
			return
		}
		for _, e := range exps {
			ids = append(ids, e.ID)
		}
	}
	top, err := queryInt(c, "top", 0)
	if err != nil {
		s.fail(c, err)
		return
	}
	weighted := s.weighted
	if raw := c.Query("weighted"); raw != "" {
		weighted, err = strconv.ParseBool(raw)
		if err != nil {
			s.fail(c, badRequest("weighted must be a boolean"))
			return
		}
	}

	opts := []results.Option{results.WithClassifier(s.classifier), results.WithMetrics(s.metrics)}
	if weighted {
		opts = append(opts, results.WithWeigher(knowledgegraph.NewBlastRadiusWeigher(s.store, s.graphCfg.DefaultMaxDepth, s.log)))
	}
	reg, err := results.NewPipeline(s.log, opts...).Build(ctx, results.StoreSource{Querier: s.store, ExperimentIDs: ids})
	if err != nil {
		s.fail(c, err)
		return
	}
	reg.Rows = reg.Top(top)
	c.JSON(http.StatusOK, reg)
}
