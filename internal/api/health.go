package api

import (
	"net/http"

	"github.com/patrickwarner/adguard/internal/models"
	"github.com/patrickwarner/adguard/internal/ratelimit"
)

// HealthHandler responds with a simple status check.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statusResponse struct {
	Enforcement models.EnforcementLevel             `json:"enforcement"`
	SavePoints  int                                 `json:"savePoints"`
	ProbeCache  map[string]interface{}              `json:"probeCache"`
	RateLimits  map[string]ratelimit.RateLimitStats `json:"rateLimits"`
	Macros      []string                            `json:"macros"`
}

// StatusHandler reports runtime state useful when operating the service.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Enforcement: s.App.Validator.Config().Budget.Enforcement,
		SavePoints:  len(s.App.Applier.SavePoints()),
		ProbeCache:  s.App.Probe.GetCacheStats(),
		RateLimits:  s.App.Limiter.GetStats(),
		Macros:      s.App.Macros.GetRegisteredMacros(),
	})
}
