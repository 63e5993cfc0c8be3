package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"codegen-autofix/internal/config"
	"codegen-autofix/internal/monitor"
	"codegen-autofix/internal/sandbox"
)

// Deps are the collaborators behind the API. Store and Audit are nil when
// no database is configured.
type Deps struct {
	Executor Executor
	Fixer    Fixer
	Store    RunStore
	Audit    Auditor
	Metrics  *monitor.Metrics
}

// Server is the HTTP front end for executions and fix runs.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	deps       Deps
	cfg        *config.Config
	startTime  time.Time
	stop       context.CancelFunc
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	limits := sandbox.LimitsFromConfig(cfg.Sandbox.DefaultLimits)
	handlers := NewHandlers(deps, limits, cfg.Sandbox.MaxTimeout)

	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		handlers:  handlers,
		deps:      deps,
		cfg:       cfg,
		startTime: time.Now(),
		stop:      stop,
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true: all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false: all requests will be rejected")
		}
	}

	limit := ConcurrencyLimitMiddleware(cfg.Sandbox.MaxConcurrent)

	apiMux := http.NewServeMux()
	apiMux.Handle("POST /execute", limit(http.HandlerFunc(handlers.HandleExecute)))
	apiMux.Handle("POST /generate", limit(http.HandlerFunc(handlers.HandleGenerate)))
	apiMux.Handle("POST /generate/stream", limit(http.HandlerFunc(handlers.HandleGenerateStream)))
	apiMux.HandleFunc("GET /runs", handlers.HandleListRuns)
	apiMux.HandleFunc("GET /runs/{id}", handlers.HandleGetRun)

	authedAPI := AuthMiddleware(cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated)(apiMux)

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled && deps.Metrics != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Outermost first.
	var handler http.Handler = mux
	handler = MetricsMiddleware(deps.Metrics)(handler)
	handler = RateLimitMiddleware(ctx, cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	s.stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:   "ok",
		Database: "disabled",
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.deps.Executor != nil {
		resp.Backend = s.deps.Executor.Backend()
		resp.Sandbox = s.deps.Executor.Healthy(ctx)
		resp.ActiveExecutions = s.deps.Executor.ActiveCount()
	}
	if s.deps.Store != nil {
		resp.Database = "ok"
		if !s.deps.Store.Healthy(ctx) {
			resp.Database = "down"
		}
	}

	status := http.StatusOK
	if !resp.Sandbox || resp.Database == "down" {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
