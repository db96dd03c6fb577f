// Package http serves the recall query and maintenance API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recall/internal/indexer"
	"github.com/fyrsmithlabs/recall/internal/logging"
	"github.com/fyrsmithlabs/recall/internal/retriever"
	"github.com/fyrsmithlabs/recall/internal/router"
	"github.com/fyrsmithlabs/recall/internal/secrets"
)

// maxBodyBytes caps request bodies; queries are short.
const maxBodyBytes = "64K"

// Indexer is the maintenance side of the indexer.
type Indexer interface {
	RunOnce(ctx context.Context) (*indexer.Report, error)
	Reset(ctx context.Context, scope string) error
	Status(ctx context.Context) (indexer.Status, error)
	Phase() indexer.Phase
}

// Counter reports the number of indexed records.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Deps are the engine components the server exposes. Indexer may be nil
// when indexing is disabled; the maintenance routes then answer 503.
type Deps struct {
	Retriever router.Retriever
	Strategy  router.Strategy
	Enricher  *router.Enricher
	Indexer   Indexer
	Store     Counter
	Scrubber  secrets.Scrubber
	// Meter records request metrics. Nil uses the global provider.
	Meter metric.Meter
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// Server provides the HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config *Config
	now    func() time.Time
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Retriever == nil {
		return nil, fmt.Errorf("retriever cannot be nil")
	}
	if deps.Strategy == nil {
		return nil, fmt.Errorf("router strategy cannot be nil")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if deps.Scrubber == nil {
		deps.Scrubber = secrets.Noop{}
	}
	if deps.Enricher == nil {
		deps.Enricher = router.NewEnricher(deps.Strategy, deps.Retriever, logger)
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9191}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, deps: deps, logger: logger, config: cfg, now: time.Now}
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodyBytes))
	e.Use(newHTTPMetrics(deps.Meter, logger).middleware())
	e.Use(s.requestLogger)

	s.registerRoutes()
	return s, nil
}

// requestLogger tags the request context with its id and logs completion.
// Health and metric scrapes log at debug.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		rid := c.Response().Header().Get(echo.HeaderXRequestID)
		c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), rid)))

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		fields := append(logging.ContextFields(c.Request().Context()),
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		if p := c.Path(); p == "/health" || p == "/metrics" {
			s.logger.Debug("http request", fields...)
		} else {
			s.logger.Info("http request", fields...)
		}
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/retrieve", s.handleRetrieve)
	v1.POST("/route", s.handleRoute)
	v1.POST("/enrich", s.handleEnrich)
	v1.POST("/scrub", s.handleScrub)

	idx := v1.Group("/index")
	idx.GET("/status", s.handleIndexStatus)
	idx.POST("/sync", s.handleIndexSync)
	idx.POST("/reset", s.handleIndexReset)
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.config.Version}
	if s.deps.Indexer != nil {
		resp.Indexer = s.deps.Indexer.Phase()
	}
	n, err := s.deps.Store.Count(c.Request().Context())
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	resp.Records = n
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRetrieve(c echo.Context) error {
	var req RetrieveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}

	if req.Scope == "" {
		if scope, ok := s.deps.Strategy.ExtractScope(req.Query); ok {
			req.Scope = scope
		}
	}
	ctx := logging.WithScope(c.Request().Context(), req.Scope)

	resp, err := s.deps.Retriever.Retrieve(ctx, req.Query, retriever.Options{
		Limit:           req.Limit,
		Scope:           req.Scope,
		MinScore:        req.MinScore,
		ContextWindow:   req.ContextWindow,
		DisableFallback: req.DisableFallback,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, RetrieveResponse{Response: resp, Formatted: retriever.Format(resp, s.now())})
}

func (s *Server) handleRoute(c echo.Context) error {
	var req RouteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	d := router.Decide(s.deps.Strategy, req.Text)
	return c.JSON(http.StatusOK, RouteResponse{ShouldRetrieve: d.ShouldRetrieve, Scope: d.Scope})
}

func (s *Server) handleEnrich(c echo.Context) error {
	var req RouteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return c.JSON(http.StatusOK, EnrichResponse{Context: s.deps.Enricher.Enrich(c.Request().Context(), req.Text)})
}

func (s *Server) handleScrub(c echo.Context) error {
	var req ScrubRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}
	res := s.deps.Scrubber.Scrub(req.Content)
	return c.JSON(http.StatusOK, ScrubResponse{
		Content:       res.Text,
		FindingsCount: len(res.Findings),
		Rules:         res.RuleIDs(),
	})
}

func (s *Server) indexer() (Indexer, error) {
	if s.deps.Indexer == nil {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "indexer is disabled")
	}
	return s.deps.Indexer, nil
}

func (s *Server) handleIndexStatus(c echo.Context) error {
	ix, err := s.indexer()
	if err != nil {
		return err
	}
	st, err := ix.Status(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// handleIndexSync runs a cycle synchronously. A partial failure still
// returns the report, with status 500 and the failed scopes listed.
func (s *Server) handleIndexSync(c echo.Context) error {
	ix, err := s.indexer()
	if err != nil {
		return err
	}
	report, err := ix.RunOnce(c.Request().Context())

	var perr *indexer.PartialFailureError
	switch {
	case errors.As(err, &perr):
		failed := make(map[string]string, len(perr.Failed))
		for scope, cause := range perr.Failed {
			failed[scope] = cause.Error()
		}
		return c.JSON(http.StatusInternalServerError, SyncResponse{Report: report, Failed: failed})
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, SyncResponse{Report: report})
}

func (s *Server) handleIndexReset(c echo.Context) error {
	ix, err := s.indexer()
	if err != nil {
		return err
	}
	var req ResetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := ix.Reset(c.Request().Context(), req.Scope); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
