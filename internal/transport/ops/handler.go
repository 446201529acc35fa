// Package ops serves the operator endpoints: liveness, Prometheus metrics
// and on-demand audit chain verification.
package ops

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/httputil"
	"carevault/pkg/platform/middleware/requesttime"
	"carevault/pkg/requestcontext"
)

// ChainVerifier is satisfied by *audit.Log.
type ChainVerifier interface {
	VerifyChain(ctx context.Context, from, to uint64) error
	Halted() bool
}

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Handler wires operator endpoints.
type Handler struct {
	verifier ChainVerifier
	gatherer prometheus.Gatherer
	checks   map[string]Check
	logger   *slog.Logger
}

// New constructs an ops handler. checks may be nil.
func New(verifier ChainVerifier, gatherer prometheus.Gatherer, checks map[string]Check, logger *slog.Logger) *Handler {
	return &Handler{
		verifier: verifier,
		gatherer: gatherer,
		checks:   checks,
		logger:   logger,
	}
}

// Register mounts the ops endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	r.Post("/audit/verify", h.HandleVerify)
}

// NewRouter returns a chi router with every ops endpoint registered.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requesttime.Middleware)
	h.Register(r)
	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HandleHealth handles GET /healthz. A halted audit log is reported as
// unavailable because every write path fails until an operator intervenes.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	if h.verifier != nil && h.verifier.Halted() {
		resp.Status = "halted"
		resp.Checks["audit_chain"] = "tampered"
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			resp.Checks[name] = "down"
			if resp.Status == "ok" {
				resp.Status = "degraded"
			}
			if h.logger != nil {
				h.logger.WarnContext(ctx, "health check failed", "check", name, "error", err)
			}
			continue
		}
		resp.Checks[name] = "up"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}

type verifyResponse struct {
	Status     string `json:"status"`
	From       uint64 `json:"from"`
	To         uint64 `json:"to,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// HandleVerify handles POST /audit/verify?from=&to=. Both bounds are
// optional; an absent to verifies through the current head.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := requestcontext.Now(ctx)

	from, err := parseSeq(r, "from", 1)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	to, err := parseSeq(r, "to", 0)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.verifier.VerifyChain(ctx, from, to); err != nil {
		if h.logger != nil {
			h.logger.ErrorContext(ctx, "operator chain verification failed",
				"log_type", "audit",
				"request_id", requestcontext.RequestID(ctx),
				"from", from,
				"to", to,
				"error", err,
			)
		}
		httputil.WriteError(w, err)
		return
	}

	if h.logger != nil {
		h.logger.InfoContext(ctx, "operator chain verification passed",
			"log_type", "audit",
			"request_id", requestcontext.RequestID(ctx),
			"from", from,
			"to", to,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	httputil.WriteJSON(w, http.StatusOK, verifyResponse{
		Status:     "ok",
		From:       from,
		To:         to,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

func parseSeq(r *http.Request, name string, fallback uint64) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, dErrors.New(dErrors.CodeValidation, name+" must be a positive integer")
	}
	return v, nil
}
