package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wattwise/metergrid-core/internal/audit"
	"github.com/wattwise/metergrid-core/internal/auth"
	"github.com/wattwise/metergrid-core/internal/device"
	"github.com/wattwise/metergrid-core/internal/query"
	"github.com/wattwise/metergrid-core/internal/readings"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeUnavailable  = "service_unavailable"
	ErrCodeInternal     = "internal_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeDomainError maps a service-layer error onto an HTTP response.
// Ownership denials and unknown meters share one generic 403 so the
// response never reveals whether an identifier exists.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrBadInput),
		errors.Is(err, readings.ErrInvalidMeterID):
		writeBadRequest(w, err.Error())
	case errors.Is(err, query.ErrOwnershipDenied):
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "access denied")
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrTokenInvalid):
		writeUnauthorized(w, "invalid credentials")
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, "username already exists")
	case errors.Is(err, device.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "not found")
	case errors.Is(err, device.ErrUnavailable),
		errors.Is(err, readings.ErrUnavailable),
		errors.Is(err, auth.ErrUnavailable),
		errors.Is(err, audit.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "storage unavailable")
	default:
		s.logger.Error("unhandled error in HTTP handler", "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
