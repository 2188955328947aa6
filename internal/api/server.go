// Package api serves the knowledge store read-only over HTTP: experiments,
// resources, traversals, findings, diagrams and the risk register, plus
// Prometheus metrics. No route writes to the store.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/riskgraph/api/schemas"
	"github.com/xkilldash9x/riskgraph/internal/config"
	"github.com/xkilldash9x/riskgraph/internal/diagram"
	"github.com/xkilldash9x/riskgraph/internal/observability"
	"github.com/xkilldash9x/riskgraph/internal/results/providers"
)

const shutdownTimeout = 10 * time.Second

// Server is the query API.
type Server struct {
	store      schemas.ReadStore
	classifier *providers.Classifier
	projector  *diagram.Projector
	metrics    *observability.Metrics
	cfg        config.ServerConfig
	graphCfg   config.GraphConfig
	weighted   bool
	log        *zap.Logger
	engine     *gin.Engine
}

// NewServer builds the router over a read-only store. classifier and
// metrics may be nil.
func NewServer(store schemas.ReadStore, cfg config.Interface, classifier *providers.Classifier, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if classifier == nil {
		classifier = providers.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("api")
	s := &Server{
		store:      store,
		classifier: classifier,
		projector:  diagram.NewProjector(store, classifier, logger),
		metrics:    metrics,
		cfg:        cfg.Server(),
		graphCfg:   cfg.Graph(),
		weighted:   cfg.Register().BlastRadiusWeighting,
		log:        log,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.observe)
	s.routes(engine)
	s.engine = engine
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", s.handleHealth)
	if reg := s.metrics.Registry(); reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	{
		v1.GET("/experiments", s.handleListExperiments)
		v1.GET("/experiments/:id", s.handleGetExperiment)
		v1.GET("/experiments/:id/resources", s.handleListResources)
		v1.GET("/experiments/:id/blast-radius/:resource", s.handleBlastRadius)
		v1.GET("/experiments/:id/compound-risks", s.handleCompoundRisks)
		v1.GET("/experiments/:id/findings", s.handleFindings)
		v1.GET("/experiments/:id/diagram", s.handleDiagram)
		v1.GET("/resources/:resource", s.handleGetResource)
		v1.GET("/register", s.handleRegister)
	}
}

// observe logs each request and counts it by route template.
func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()

	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	status := c.Writer.Status()
	s.metrics.HTTPRequest(route, status)
	s.log.Debug("Handled request.",
		zap.String("method", c.Request.Method),
		zap.String("route", route),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Query API listening.", zap.String("address", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down query API.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("query API shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
