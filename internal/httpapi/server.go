package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/releasecopilot/issuesync/internal/issuesync"
)

// SecretProvider resolves the shared webhook secret. It runs per request so
// rotated secrets take effect without a restart; the cache layer keeps the
// lookup cheap.
type SecretProvider func(ctx context.Context) (string, error)

type ServerConfig struct {
	// WebhookSecret is the static shared secret. When SecretProvider is set
	// it takes precedence. When both are empty, authentication is skipped.
	WebhookSecret  string
	SecretProvider SecretProvider

	MaxBodyBytes int64
}

// Server exposes the ingest surface: webhook deliveries, on-demand
// reconciliation, and a health probe.
type Server struct {
	store      issuesync.IssueStore
	reconciler *issuesync.Reconciler
	metrics    *issuesync.Metrics
	logger     *slog.Logger
	cfg        ServerConfig
}

func NewServer(store issuesync.IssueStore, reconciler *issuesync.Reconciler, metrics *issuesync.Metrics, logger *slog.Logger, cfg ServerConfig) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		store:      store,
		reconciler: reconciler,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/v1/webhooks/jira":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed")
			return
		}
		s.handleWebhook(w, r)
	case "/v1/reconcile":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed")
			return
		}
		s.handleReconcile(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

type reconcileRequest struct {
	FixVersions []string `json:"fixVersions"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, http.StatusInternalServerError, "not_configured", "reconciliation is not configured")
		return
	}
	var req reconcileRequest
	if r.Body != nil {
		// The body is optional; malformed JSON is still a client error.
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
		if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
			return
		}
	}
	report, err := s.reconciler.Run(r.Context(), req.FixVersions)
	if err != nil {
		s.logger.Error("reconciliation run failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusMultiStatus
	}
	errs := report.Errors
	if errs == nil {
		errs = []string{}
	}
	writeJSON(w, status, map[string]any{
		"ok":     report.OK(),
		"stats":  report.Stats,
		"errors": errs,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
