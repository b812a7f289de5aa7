package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/wattwise/metergrid-core/internal/audit"
)

// handleListDevices returns the caller's meters, most recently updated
// first.
//
// GET /api/devices
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.query.DevicesForOwner(r.Context(), usernameFrom(r.Context()))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// handleGetDevice returns one of the caller's meters.
//
// GET /api/devices/{id}
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.query.Device(r.Context(), usernameFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleRenameDevice updates a meter's display name.
//
// PATCH /api/devices/{id}
func (s *Server) handleRenameDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	meterID := chi.URLParam(r, "id")
	if err := s.query.RenameDevice(r.Context(), usernameFrom(r.Context()), meterID, req.Name); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.recordAudit(r.Context(), audit.ActionRename, usernameFrom(r.Context()), meterID,
		map[string]any{"name": req.Name})

	dev, err := s.query.Device(r.Context(), usernameFrom(r.Context()), meterID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleControl publishes an ON/OFF command to a meter.
//
// POST /api/devices/{id}/control
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	meterID := chi.URLParam(r, "id")
	err := s.query.SendControl(r.Context(), usernameFrom(r.Context()), meterID, req.Command)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.recordAudit(r.Context(), audit.ActionControl, usernameFrom(r.Context()), meterID,
		map[string]any{"command": req.Command})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// handleSensorData returns the latest readings, newest first.
//
// GET /api/sensor-data/{id}?limit=N
func (s *Server) handleSensorData(w http.ResponseWriter, r *http.Request) {
	limit, ok := intQueryParam(w, r, "limit")
	if !ok {
		return
	}

	rows, err := s.query.LatestReadings(r.Context(), usernameFrom(r.Context()), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleDailyEnergy returns per-day consumption for a trailing window
// or a calendar month.
//
// GET /api/daily-energy/{id}?days=N
// GET /api/daily-energy/{id}?month=YYYY-MM
func (s *Server) handleDailyEnergy(w http.ResponseWriter, r *http.Request) {
	days, ok := intQueryParam(w, r, "days")
	if !ok {
		return
	}
	month := r.URL.Query().Get("month")

	rows, err := s.query.DailyEnergy(r.Context(), usernameFrom(r.Context()), chi.URLParam(r, "id"), days, month)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleTodayEnergy summarizes today's consumption.
//
// GET /api/today-energy/{id}
func (s *Server) handleTodayEnergy(w http.ResponseWriter, r *http.Request) {
	summary, err := s.query.TodayEnergy(r.Context(), usernameFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleTodayPower returns today's power curve in ascending time order.
//
// GET /api/today-power/{id}
func (s *Server) handleTodayPower(w http.ResponseWriter, r *http.Request) {
	curve, err := s.query.TodayPower(r.Context(), usernameFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, curve)
}

// handleMonthlyEnergy returns per-month consumption for a year.
//
// GET /api/monthly-energy/{id}?year=YYYY
func (s *Server) handleMonthlyEnergy(w http.ResponseWriter, r *http.Request) {
	year, ok := intQueryParam(w, r, "year")
	if !ok {
		return
	}

	rows, err := s.query.MonthlyEnergy(r.Context(), usernameFrom(r.Context()), chi.URLParam(r, "id"), year)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// intQueryParam parses an optional integer query parameter. Zero means
// absent; the service layer applies its default. A malformed value
// writes a 400 and returns ok=false.
func intQueryParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		writeBadRequest(w, name+" must be an integer")
		return 0, false
	}
	return val, true
}
