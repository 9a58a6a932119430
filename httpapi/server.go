// Package httpapi exposes the admission gate over HTTP: anonymous
// ingestion endpoints behind the rate limiter, credit-gated generation
// endpoints, credit account routes, and operator administration.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lessgo/admission"
	"github.com/lessgo/admission/credit"
	"github.com/lessgo/admission/plan"
)

// Server serves the admission HTTP API.
type Server struct {
	gate       *admission.Gate
	auth       Authenticator
	logger     *slog.Logger
	adminToken string

	engine *gin.Engine
	srv    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAdminToken enables the operator routes behind a shared token.
// Without it the admin routes always answer 401.
func WithAdminToken(token string) Option {
	return func(s *Server) { s.adminToken = token }
}

// NewServer builds the router over the given gate.
func NewServer(gate *admission.Gate, auth Authenticator, opts ...Option) *Server {
	s := &Server{
		gate:   gate,
		auth:   auth,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler returns the HTTP handler, for tests and custom servers.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("admission api listening", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/v1")

	// Anonymous ingestion from published pages. No authentication, no
	// identifying storage; admission is the rate limiter alone.
	ingest := v1.Group("/ingest", s.rateLimit())
	{
		ingest.POST("/events", s.handleIngestEvents)
		ingest.POST("/forms", s.handleIngestForm)
	}

	// Credit-gated AI operations.
	generate := v1.Group("/generate", s.authenticate())
	{
		generate.POST("/page", s.requireCredits(credit.EventPageGeneration, ""), s.handleGenerate)
		generate.POST("/section", s.requireCredits(credit.EventSectionRegen, ""), s.handleGenerate)
		generate.POST("/element", s.requireCredits(credit.EventElementRegen, ""), s.handleGenerate)
		generate.POST("/inference", s.requireCredits(credit.EventFieldInference, ""), s.handleGenerate)
		generate.POST("/export", s.requireCredits("", plan.FeatureExportHTML), s.handleExport)
	}

	// Credit account routes.
	credits := v1.Group("/credits", s.authenticate())
	{
		credits.GET("/balance", s.handleBalance)
		credits.GET("/usage", s.handleUsage)
		credits.GET("/events", s.handleEvents)
		credits.GET("/eligibility", s.handleEligibility)
		credits.POST("/refund", s.handleSelfRefund)
	}

	// Operator routes.
	admin := v1.Group("/admin", s.requireAdmin())
	{
		admin.PUT("/principals/:id/plan", s.handleSetPlan)
		admin.PUT("/principals/:id/status", s.handleSetStatus)
		admin.POST("/principals/:id/credits/reset", s.handleResetCredits)
		admin.POST("/principals/:id/credits/limit", s.handleSetCreditLimit)
		admin.POST("/principals/:id/credits/refund", s.handleRefund)
	}
}
