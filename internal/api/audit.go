package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wattwise/metergrid-core/internal/audit"
)

// recordAudit writes an activity trail entry. Failures are logged and
// never surfaced to the request: the trail is advisory, the action the
// entry describes has already happened.
func (s *Server) recordAudit(ctx context.Context, action, username, meterID string, details map[string]any) {
	if s.audit == nil {
		return
	}

	entry := &audit.Entry{
		Action:   action,
		Username: username,
		MeterID:  meterID,
		Details:  details,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("failed to record audit entry", "action", action, "error", err)
	}
}

// handleAuditLog returns the caller's own activity, most recent first.
//
// GET /api/audit?action=X&meter=Y&limit=N&offset=N
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "activity trail is not enabled")
		return
	}

	limit, ok := intQueryParam(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := intQueryParam(w, r, "offset")
	if !ok {
		return
	}

	res, err := s.audit.List(r.Context(), audit.Filter{
		Username: usernameFrom(r.Context()),
		Action:   r.URL.Query().Get("action"),
		MeterID:  r.URL.Query().Get("meter"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleMeterAudit returns the caller's activity for one meter. The
// meter path parameter goes through the same ownership check as the
// other per-meter routes.
//
// GET /api/devices/{id}/audit
func (s *Server) handleMeterAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "activity trail is not enabled")
		return
	}

	meterID := chi.URLParam(r, "id")
	if _, err := s.query.Device(r.Context(), usernameFrom(r.Context()), meterID); err != nil {
		s.writeDomainError(w, err)
		return
	}

	res, err := s.audit.List(r.Context(), audit.Filter{
		Username: usernameFrom(r.Context()),
		MeterID:  meterID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
