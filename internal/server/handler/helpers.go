package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
)

// maxBodySize bounds submitted records; it matches the peer transport limit.
const maxBodySize = 64 * 1024

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeRejection sends a lifecycle or storage failure with its kind.
func writeRejection(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	writeJSON(w, statusForKind(kind), map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

// statusForKind maps a rejection kind to its HTTP status.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindAlreadyOpen, domain.KindAuctionClosed:
		return http.StatusConflict
	case domain.KindAuctionNotFound:
		return http.StatusNotFound
	case domain.KindDecode, domain.KindUnknownMethod:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// readBody returns the request body, rejecting anything over maxBodySize.
func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxBodySize {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodySize)
	}
	return data, nil
}

// queryInt parses a positive integer query parameter, clamped to max.
func queryInt(r *http.Request, name string, def, max int) int {
	n := def
	if v := r.URL.Query().Get(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	if n > max {
		n = max
	}
	return n
}

// notFound reports whether err is a missing-record lookup.
func notFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
