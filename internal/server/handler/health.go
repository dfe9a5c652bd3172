package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// Check tests one dependency such as the ledger database or the cache.
type Check func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks map[string]Check
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler with the provided logger.
func NewHealthHandler(logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: make(map[string]Check), logger: logHandler(logger, "health")}
}

// WithCheck adds a named dependency check.
func (h *HealthHandler) WithCheck(name string, c Check) *HealthHandler {
	h.checks[name] = c
	return h
}

// HealthCheck reports "ok" when every check passes and 503 otherwise.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	code := http.StatusOK
	deps := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.WarnContext(ctx, "handler: health check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
			deps[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"checks":    deps,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
