package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/patrickwarner/adguard/internal/ledger"
	"github.com/patrickwarner/adguard/internal/models"
)

func ledgerStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrTenantNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrTenantRequired), errors.Is(err, ledger.ErrCampaignRequired),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// GetLedger returns a tenant's spend counters, limits and stops.
func (s *Server) GetLedger(w http.ResponseWriter, r *http.Request) {
	snap, err := s.App.Ledger.Snapshot(r.Context(), mux.Vars(r)["tenant"])
	if err != nil {
		writeError(w, ledgerStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Limits are given in currency units, e.g. "250.00". Zero or absent means
// the policy default.
type campaignLimitsRequest struct {
	Daily    decimal.Decimal `json:"dailyLimit"`
	Lifetime decimal.Decimal `json:"campaignLimit"`
}

// SetCampaignLimits overrides a campaign's daily and lifetime limits.
func (s *Server) SetCampaignLimits(w http.ResponseWriter, r *http.Request) {
	var req campaignLimitsRequest
	if !decode(w, r, &req) {
		return
	}
	daily, err := models.MicrosFromDecimal(req.Daily)
	if err != nil {
		writeError(w, http.StatusBadRequest, "dailyLimit: "+err.Error())
		return
	}
	lifetime, err := models.MicrosFromDecimal(req.Lifetime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "campaignLimit: "+err.Error())
		return
	}
	vars := mux.Vars(r)
	if err := s.App.Ledger.SetCampaignLimits(r.Context(), vars["tenant"], vars["campaign"], daily, lifetime); err != nil {
		writeError(w, ledgerStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type accountLimitRequest struct {
	Limit decimal.Decimal `json:"accountLimit"`
}

// SetAccountLimit overrides a tenant's account-wide limit.
func (s *Server) SetAccountLimit(w http.ResponseWriter, r *http.Request) {
	var req accountLimitRequest
	if !decode(w, r, &req) {
		return
	}
	limit, err := models.MicrosFromDecimal(req.Limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "accountLimit: "+err.Error())
		return
	}
	if err := s.App.Ledger.SetAccountLimit(r.Context(), mux.Vars(r)["tenant"], limit); err != nil {
		writeError(w, ledgerStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

// SetEmergencyStop blocks all further spend on a campaign.
func (s *Server) SetEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	vars := mux.Vars(r)
	if err := s.App.SetEmergencyStop(r.Context(), actor(r), vars["tenant"], vars["campaign"], req.Reason); err != nil {
		writeError(w, ledgerStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearEmergencyStop lifts a campaign's emergency stop.
func (s *Server) ClearEmergencyStop(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.App.ClearEmergencyStop(r.Context(), actor(r), vars["tenant"], vars["campaign"]); err != nil {
		writeError(w, ledgerStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
