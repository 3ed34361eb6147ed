// Package transport provides the read-only status HTTP API.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/questrunner/internal/storage"
	"github.com/gateway-fm/questrunner/pkg/types"
)

// StatusAPI is the read side of the quest store that handlers need.
type StatusAPI interface {
	GetByProfile(ctx context.Context, profile int) (*types.AccountStatus, error)
	ListAccounts(ctx context.Context, limit, offset int) (*storage.PaginatedAccounts, error)
	Summary(ctx context.Context) (*types.QuestSummary, error)
	ListRuns(ctx context.Context, profile int, limit int) ([]types.AccountRun, error)
}

// HealthChecker defines the interface for health checking.
type HealthChecker interface {
	CheckRPC(ctx context.Context) error
}

// Config for creating a Server.
type Config struct {
	API    StatusAPI
	Health HealthChecker
	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// StreamInterval is how often /v1/ws polls the summary.
	StreamInterval time.Duration
	Logger         *slog.Logger
}

// Server handles HTTP requests for the runner.
type Server struct {
	api       StatusAPI
	health    HealthChecker
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer
}

// NewServer creates a new HTTP server. Call Close to stop the summary stream.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	wsServer := NewWebSocketServer(cfg.API, cfg.StreamInterval, logger)
	wsServer.Start()

	return &Server{
		api:       cfg.API,
		health:    cfg.Health,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
	}
}

// Close stops background streaming and disconnects clients.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/accounts", s.handleAccounts)
	mux.HandleFunc("/v1/accounts/", s.handleAccountDetail)
	mux.HandleFunc("/v1/summary", s.handleSummary)
	mux.HandleFunc("/v1/runs", s.handleRuns)
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// writeJSON writes v as a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

// queryInt reads a bounded integer query parameter.
func queryInt(r *http.Request, name string, def, lo, hi int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return def
	}
	return n
}

// handleAccounts returns quest status for all profiles with pagination.
func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := queryInt(r, "limit", 50, 1, 500)
	offset := queryInt(r, "offset", 0, 0, 1<<31-1)

	result, err := s.api.ListAccounts(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("failed to list accounts", slog.String("error", err.Error()))
		s.writeJSONError(w, "Failed to list accounts: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleAccountDetail handles /v1/accounts/{profile} and /v1/accounts/{profile}/runs.
func (s *Server) handleAccountDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/accounts/"), "/"), "/")
	profile, err := strconv.Atoi(parts[0])
	if err != nil || profile <= 0 {
		s.writeJSONError(w, "Invalid profile number", http.StatusBadRequest)
		return
	}

	if len(parts) > 1 {
		if parts[1] != "runs" || len(parts) > 2 {
			s.writeJSONError(w, "Not found", http.StatusNotFound)
			return
		}
		s.writeRuns(w, r, profile)
		return
	}

	status, err := s.api.GetByProfile(r.Context(), profile)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeJSONError(w, "Profile not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeJSONError(w, "Failed to get profile: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleSummary returns completion counts.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	summary, err := s.api.Summary(r.Context())
	if err != nil {
		s.writeJSONError(w, "Failed to get summary: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleRuns returns the latest runs across all profiles.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeRuns(w, r, 0)
}

func (s *Server) writeRuns(w http.ResponseWriter, r *http.Request, profile int) {
	limit := queryInt(r, "limit", 50, 1, 500)
	runs, err := s.api.ListRuns(r.Context(), profile, limit)
	if err != nil {
		s.writeJSONError(w, "Failed to list runs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []types.AccountRun{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	run := func(name string, fn func(context.Context) error) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		start := time.Now()
		err := fn(ctx)
		check := ReadinessCheck{Name: name, Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		}
		checks = append(checks, check)
	}

	run("store", func(ctx context.Context) error {
		_, err := s.api.Summary(ctx)
		return err
	})
	if s.health != nil {
		run("linea-rpc", s.health.CheckRPC)
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"ready":  allHealthy,
		"checks": checks,
	})
}
