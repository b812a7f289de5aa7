package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wattwise/metergrid-core/internal/audit"
	"github.com/wattwise/metergrid-core/internal/auth"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleRegister creates a new dashboard account.
//
// POST /api/auth/register
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	user, err := s.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) || errors.Is(err, auth.ErrUnavailable) {
			s.writeDomainError(w, err)
			return
		}
		// Validation failures (short password, bad username)
		writeBadRequest(w, err.Error())
		return
	}

	s.recordAudit(r.Context(), audit.ActionRegister, user.Username, "", nil)
	writeJSON(w, http.StatusCreated, user)
}

// handleLogin verifies credentials and returns an access token.
//
// POST /api/auth/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	user, token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.recordAudit(r.Context(), audit.ActionLogin, user.Username, "", nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  user,
	})
}

// handleCurrentUser returns the identity behind the bearer token.
//
// GET /api/auth/user
func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"username": usernameFrom(r.Context()),
	})
}
