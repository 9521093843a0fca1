// Package webhook serves the HTTP surface: the plugin endpoints the
// forwarding engine calls (observer, auther, limiter), the bearer-protected
// admin API and the Prometheus scrape route.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"forwardctl/internal/config"
	"forwardctl/internal/loop"
	"forwardctl/internal/models"
	"forwardctl/internal/quota"
	"forwardctl/internal/syncer"
	"forwardctl/internal/traffic"
)

const maxBodyBytes = 1 << 20

type ReportHandler interface {
	HandleReport(ctx context.Context, r traffic.Report) traffic.Summary
}

type PortResolver interface {
	Lookup(ctx context.Context, port int) (models.PortOwner, bool, error)
}

type AccountStore interface {
	GetAccount(ctx context.Context, id int64) (models.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (models.Account, error)
}

type Enforcer interface {
	Check(ctx context.Context, accountID int64, force bool, source quota.Source) (quota.Decision, error)
	Enabled() bool
	SetEnabled(on bool)
	ResetUsage(ctx context.Context, resetter quota.UsageResetter, accountID int64) error
	Violations() *quota.ViolationLog
}

type SyncController interface {
	RequestSync(ctx context.Context, trigger models.SyncTrigger, force bool, priority int) syncer.Result
	Status() syncer.Status
}

// EngineInfo exposes what the admin API reports about the engine. Any field
// may be nil.
type EngineInfo struct {
	Healthy func() bool
	Logs    func(tail int) []string
}

type Deps struct {
	Reports   ReportHandler
	Ports     PortResolver
	Accounts  AccountStore
	Enforcer  Enforcer
	Resetter  quota.UsageResetter
	Syncs     SyncController
	Loops     loop.Group
	Engine    EngineInfo
	Gatherer  prometheus.Gatherer
	AuthAlgo  config.AuthAlgorithm
	AdminKey  string
	Metrics   bool
	RequestTO time.Duration
}

type Server struct {
	deps       Deps
	simpleMode atomic.Bool
}

func serverLogger() *slog.Logger {
	return slog.Default().With("component", "http")
}

func New(deps Deps) *Server {
	if deps.RequestTO <= 0 {
		deps.RequestTO = 30 * time.Second
	}
	if deps.AuthAlgo == "" {
		deps.AuthAlgo = config.AuthXXH128
	}
	return &Server{deps: deps}
}

// SetSimpleMode turns every periodic loop and quota enforcement off (or
// back on) in one step.
func (s *Server) SetSimpleMode(on bool) {
	s.simpleMode.Store(on)
	s.deps.Loops.SetEnabled(!on)
	if s.deps.Enforcer != nil {
		s.deps.Enforcer.SetEnabled(!on)
	}
	serverLogger().Info("simple mode toggled", "simple_mode", on)
}

func (s *Server) SimpleMode() bool { return s.simpleMode.Load() }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.Timeout(s.deps.RequestTO))
		r.Post("/observer", s.handleObserver)
		r.Post("/auth", s.handleAuth)
		r.Post("/limiter", s.handleLimiter)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/sync", s.handleSync)
		r.Get("/status", s.handleStatus)
		r.Put("/simple-mode", s.handleSimpleMode)
		r.Post("/accounts/{id}/reset-usage", s.handleResetUsage)
		r.Get("/accounts/{id}/violations", s.handleViolations)
		r.Get("/engine/logs", s.handleEngineLogs)
	})

	if s.deps.Metrics && s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	logger := serverLogger()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(started), "remote", r.RemoteAddr)
	})
}

type errorResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		serverLogger().Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, errorResponse{OK: false, Reason: reason})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
