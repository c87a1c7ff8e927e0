package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ckessler/competitrack/internal/tracker"
)

const (
	changeQueryTimeout = 3 * time.Second
	// defaultChangeWindow bounds unfiltered listings to the last week.
	defaultChangeWindow = 7 * 24 * time.Hour
)

// listChanges handles GET /v1/targets/{target_id}/changes?since=RFC3339. It
// returns {"changes": [...]} on success, 400 for a malformed since filter,
// 404 for unknown targets, or 500 if the store call fails.
func (s *Server) listChanges(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	ctx, cancel := context.WithTimeout(r.Context(), changeQueryTimeout)
	defer cancel()

	if _, err := s.targets.GetTarget(ctx, targetID); err != nil {
		if errors.Is(err, tracker.ErrTargetNotFound) {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		s.logger.Error("load target failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load target")
		return
	}

	since := s.clock.Now().Add(-defaultChangeWindow)
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	changes, err := s.changes.ListChanges(ctx, targetID, since)
	if err != nil {
		s.logger.Error("list changes failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list changes")
		return
	}
	if changes == nil {
		changes = []tracker.Change{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target_id": targetID,
		"since":     since.Format(time.RFC3339),
		"changes":   changes,
	})
}
