// Package server exposes the operator-facing HTTP surface: task CRUD and
// execution, the cached dashboard views, a health probe, and a WebSocket
// event feed. Handlers are thin; all policy lives in the store, cache, and
// orchestrator packages.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/basket/clawdeck/internal/cache"
	"github.com/basket/clawdeck/internal/claw"
	"github.com/basket/clawdeck/internal/otel"
	"github.com/basket/clawdeck/internal/persistence"
	"github.com/basket/clawdeck/internal/shared"
)

// Executor is the slice of the orchestrator the HTTP layer needs.
type Executor interface {
	Execute(ctx context.Context, tenantID, taskID string) error
	Running(tenantID, taskID string) bool
}

// HistoryClient fetches session history for the follow-up view.
// *claw.Client implements it.
type HistoryClient interface {
	SessionHistory(ctx context.Context, sessionKey string, limit int) ([]claw.Message, error)
}

type Config struct {
	Store    *persistence.Store
	Cache    *cache.Service
	Executor Executor
	Gateways map[string]HistoryClient // tenant id -> gateway, for history proxying
	Bus      *bus.Bus
	Logger   *slog.Logger
	Tracer   trace.Tracer

	// AuthToken guards every endpoint except /healthz. Empty disables auth
	// (loopback-only deployments).
	AuthToken string

	// TenantIDs is the set of configured tenants; requests naming anything
	// else are rejected before touching state.
	TenantIDs []string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, exposed on /healthz.
	ConfigFingerprint string

	// DBPath is reported (with size) on /healthz.
	DBPath string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tenants map[string]struct{}
	started time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tenants := make(map[string]struct{}, len(cfg.TenantIDs))
	for _, id := range cfg.TenantIDs {
		tenants[id] = struct{}{}
	}
	return &Server{cfg: cfg, logger: logger, tenants: tenants, started: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)

	// Cached dashboard views, one route per kind.
	mux.HandleFunc("/api/status", s.cachedView(cache.KindStatus))
	mux.HandleFunc("/api/sessions", s.cachedView(cache.KindSessions))
	mux.HandleFunc("/api/activity", s.cachedView(cache.KindActivity))
	mux.HandleFunc("/api/costs", s.cachedView(cache.KindCosts))
	mux.HandleFunc("/api/cron", s.cachedView(cache.KindCron))

	return s.withRequestLog(mux)
}

// withRequestLog stamps a trace id on the request context and logs the call.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := shared.NewTraceID()
		ctx := shared.WithTraceID(r.Context(), traceID)
		if s.cfg.Tracer != nil {
			var span trace.Span
			ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path)
			defer span.End()
		}
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "trace_id", traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

// tenantID validates the tenant query parameter. It writes the error
// response itself and returns "" when the request should stop.
func (s *Server) tenantID(w http.ResponseWriter, r *http.Request) string {
	id := r.URL.Query().Get("tenant")
	if id == "" {
		http.Error(w, "tenant query parameter required", http.StatusBadRequest)
		return ""
	}
	if _, ok := s.tenants[id]; !ok {
		http.Error(w, "unknown tenant", http.StatusNotFound)
		return ""
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, persistence.ErrNotInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.ListTenants(r.Context()); err != nil {
		dbOK = false
	}
	var dbSize int64
	if s.cfg.DBPath != "" {
		if fi, err := os.Stat(s.cfg.DBPath); err == nil {
			dbSize = fi.Size()
		}
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"db_size_bytes":  dbSize,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"config_hash":    s.cfg.ConfigFingerprint,
		"tenant_count":   len(s.tenants),
	}
	if !dbOK {
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}
