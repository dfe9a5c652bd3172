package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/auctionmesh/internal/service"
)

// JournalReader pages through accepted operations.
type JournalReader interface {
	Journal(ctx context.Context, lastID string, count int) ([]service.JournalEntry, error)
}

// JournalHandler serves the event journal.
type JournalHandler struct {
	journal JournalReader
	logger  *slog.Logger
}

// NewJournalHandler creates a JournalHandler.
func NewJournalHandler(journal JournalReader, logger *slog.Logger) *JournalHandler {
	return &JournalHandler{journal: journal, logger: logHandler(logger, "journal")}
}

// ListEntries returns up to count entries recorded after the given ID.
// Pass the last returned ID as after to fetch the next page.
// GET /api/journal?after=&count=
func (h *JournalHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	count := queryInt(r, "count", 100, 1000)

	entries, err := h.journal.Journal(r.Context(), after, count)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read journal failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	if entries == nil {
		entries = []service.JournalEntry{}
	}
	next := after
	if len(entries) > 0 {
		next = entries[len(entries)-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "next": next})
}
