package api

import (
	"net/http"

	"go.uber.org/zap"
)

// GetPolicy returns the guardrail policy in force.
func (s *Server) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.App.Validator.Config())
}

// ReloadPolicy re-reads the policy file. A policy that fails to load or
// validate leaves the current one in force.
func (s *Server) ReloadPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.App.ReloadPolicy(r.Context(), actor(r))
	if err != nil {
		s.logger(r).Error("policy reload failed", zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, policy)
}
