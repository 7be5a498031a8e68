// Package httpapi implements the read-only status server for a vfsbox engine.
//
// Endpoints:
//   - GET /healthz, /readyz: liveness and readiness checks
//   - GET /metrics: Prometheus exposition (when a registry is configured)
//   - GET /v1/state, /v1/filesystem, /v1/session, /v1/history
//
// The /v1 group requires a bearer API key when keys are configured. Nothing
// here runs commands: the server only reports engine state.
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/vfsbox/internal/executor"
	"github.com/jkaninda/vfsbox/internal/history"
	"github.com/jkaninda/vfsbox/internal/observability"
	"github.com/jkaninda/vfsbox/internal/ratelimit"
	"github.com/jkaninda/vfsbox/internal/sandbox"
	"github.com/jkaninda/vfsbox/internal/vfs"
)

const (
	defaultListenAddr   = "127.0.0.1:8090"
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// StateSource is the engine state the server reports. *executor.Engine
// implements it.
type StateSource interface {
	FileSystem() *vfs.FileSystem
	SessionInfo() sandbox.Info
	State() executor.State
}

// Config configures the status server.
type Config struct {
	ListenAddr      string // e.g., "127.0.0.1:8090"
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	EnableDocs      bool
	APIKeys         map[string]string // API key -> caller name. Empty = /v1 is open.
	HistoryLimit    int               // Default page size for /v1/history.
	MetricsRegistry *prometheus.Registry
	MetricsPath     string // Default: "/metrics".
	HealthChecker   *observability.HealthChecker
	Metrics         *observability.MetricsCollector
	Tracer          trace.Tracer
}

// Server is the status HTTP server.
type Server struct {
	config  Config
	source  StateSource
	history history.Store // nil = /v1/history reports an empty list.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
}

// NewServer creates the server and registers its routes. rl may be nil.
func NewServer(cfg Config, source StateSource, hist history.Store, rl *ratelimit.Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	s := &Server{
		config:  cfg,
		source:  source,
		history: hist,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.okapi
}

func (s *Server) routes() {
	// Metrics/tracing middleware (applied globally).
	if s.config.Metrics != nil || s.config.Tracer != nil {
		s.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, next)
		})
	}

	v1 := s.okapi.Group("/v1", s.authenticate)
	v1.Get("/state", s.handleState,
		okapi.DocSummary("Summary of the logical workspace"),
		okapi.DocTags("State"),
		okapi.DocResponse(StateResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	v1.Get("/filesystem", s.handleFileSystem,
		okapi.DocSummary("Full logical filesystem document"),
		okapi.DocTags("State"),
		okapi.DocResponse(vfs.FileSystem{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	v1.Get("/session", s.handleSession,
		okapi.DocSummary("Sandbox session information"),
		okapi.DocTags("State"),
		okapi.DocResponse(sandbox.Info{}),
	)
	v1.Get("/history", s.handleHistory,
		okapi.DocSummary("Recently executed commands, newest first"),
		okapi.DocTags("History"),
		okapi.DocResponse([]history.Record{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.config.MetricsRegistry != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.config.EnableDocs {
		s.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "vfsbox",
			Version: "v1",
		})
	}
}

// Start serves until the server is stopped. Requests inherit ctx.
func (s *Server) Start(ctx context.Context) error {
	readTimeout := s.config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := s.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("status server starting", slog.String("addr", s.config.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(_ context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("status server stopping")
	return s.okapi.Shutdown(s.server)
}

// --- Handlers ---

// StateResponse is the JSON response for GET /v1/state.
type StateResponse struct {
	WorkspaceRoot string       `json:"workspace_root"`
	Cwd           string       `json:"cwd"`
	Entries       int          `json:"entries"`
	Files         int          `json:"files"`
	Directories   int          `json:"directories"`
	TotalBytes    int64        `json:"total_bytes"`
	EngineState   string       `json:"engine_state"`
	Session       sandbox.Info `json:"session"`
}

func (s *Server) handleState(c *okapi.Context) error {
	fsys := s.source.FileSystem()
	resp := StateResponse{
		WorkspaceRoot: fsys.WorkspaceRoot,
		Cwd:           fsys.Cwd,
		Entries:       len(fsys.Entries),
		EngineState:   s.source.State().String(),
		Session:       s.source.SessionInfo(),
	}
	for _, e := range fsys.Entries {
		if e.IsDirectory {
			resp.Directories++
			continue
		}
		resp.Files++
		resp.TotalBytes += e.SizeBytes
	}
	return c.OK(resp)
}

func (s *Server) handleFileSystem(c *okapi.Context) error {
	return c.OK(s.source.FileSystem())
}

func (s *Server) handleSession(c *okapi.Context) error {
	return c.OK(s.source.SessionInfo())
}

func (s *Server) handleHistory(c *okapi.Context) error {
	limit := s.config.HistoryLimit
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorBody{Error: "limit must be a positive integer"})
		}
		limit = min(n, maxHistoryLimit)
	}
	if s.history == nil {
		return c.OK([]history.Record{})
	}
	records, err := s.history.Recent(c.Context(), limit)
	if err != nil {
		s.logger.Error("listing history failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing history failed")
	}
	if records == nil {
		records = []history.Record{}
	}
	return c.OK(records)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness reports that the process is up.
func (s *Server) handleLiveness(c *okapi.Context) error {
	if s.config.HealthChecker != nil {
		return c.OK(s.config.HealthChecker.CheckHealth())
	}
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer API key when keys are configured, then
// applies the per-caller rate limit. Anonymous callers are keyed by address.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(s.config.APIKeys) == 0 {
			return s.limit(c, clientAddr(c.Request()), next)
		}
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		caller := ""
		for key, name := range s.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				caller = name
			}
		}
		if caller == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("caller", caller)
		return s.limit(c, caller, next)
	}
}

func (s *Server) limit(c *okapi.Context, key string, next okapi.HandlerFunc) error {
	if err := s.limiter.Allow(key); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return next(c)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
