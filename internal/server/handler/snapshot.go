package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

// SnapshotLocator finds the newest stored ledger snapshot.
type SnapshotLocator interface {
	Latest(ctx context.Context) (domain.SnapshotObject, error)
}

// SnapshotHandler requests ledger exports and reports the newest one.
type SnapshotHandler struct {
	trigger chan<- struct{}
	locator SnapshotLocator
	logger  *slog.Logger
}

// NewSnapshotHandler creates a SnapshotHandler. trigger is read by the
// archiver loop.
func NewSnapshotHandler(trigger chan<- struct{}, locator SnapshotLocator, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{trigger: trigger, locator: locator, logger: logHandler(logger, "snapshot")}
}

// TriggerSnapshot asks the archiver for an export. A request made while one
// is already pending is coalesced with it.
// POST /api/snapshots
func (h *SnapshotHandler) TriggerSnapshot(w http.ResponseWriter, r *http.Request) {
	select {
	case h.trigger <- struct{}{}:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	}
}

// LatestSnapshot describes the newest stored snapshot.
// GET /api/snapshots/latest
func (h *SnapshotHandler) LatestSnapshot(w http.ResponseWriter, r *http.Request) {
	obj, err := h.locator.Latest(r.Context())
	if notFound(err) {
		writeError(w, http.StatusNotFound, "no snapshot stored")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: latest snapshot failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "snapshot storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key":      obj.Key,
		"size":     obj.Size,
		"modified": obj.Modified,
	})
}
