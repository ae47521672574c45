// Package api exposes the guardrail pipeline over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/app"
	"github.com/patrickwarner/adguard/internal/middleware"
	"github.com/patrickwarner/adguard/internal/observability"
)

// maxBody bounds request bodies.
const maxBody = 4 << 20

// Server groups dependencies for HTTP handlers.
type Server struct {
	App     *app.App
	Logger  *zap.Logger
	Metrics observability.MetricsRegistry
}

// NewServer constructs a Server.
func NewServer(a *app.App) *Server {
	return &Server{App: a, Logger: a.Logger, Metrics: a.Metrics}
}

// Routes registers every handler on r.
func (s *Server) Routes(r *mux.Router) {
	r.Use(middleware.WithActor, middleware.WithTraceLogger(s.Logger), middleware.RequestMetrics(s.Metrics))

	r.HandleFunc("/health", s.HealthHandler).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", s.StatusHandler).Methods("GET")
	v1.HandleFunc("/mutations/validate", s.ValidateHandler).Methods("POST")
	v1.HandleFunc("/batches/dry-run", s.DryRunHandler).Methods("POST")
	v1.HandleFunc("/batches/apply", s.ApplyHandler).Methods("POST")
	v1.HandleFunc("/rollback", s.RollbackHandler).Methods("POST")

	v1.HandleFunc("/savepoints", s.ListSavePoints).Methods("GET")
	v1.HandleFunc("/savepoints", s.CreateSavePoint).Methods("POST")
	v1.HandleFunc("/savepoints/{id}/recover", s.RecoverSavePoint).Methods("POST")

	v1.HandleFunc("/audit", s.QueryAudit).Methods("GET")
	v1.HandleFunc("/audit/summary", s.AuditSummary).Methods("GET")
	v1.HandleFunc("/audit/export", s.ExportAudit).Methods("GET")
	v1.HandleFunc("/audit/verify", s.VerifyAudit).Methods("GET")

	v1.HandleFunc("/ledger/{tenant}", s.GetLedger).Methods("GET")
	v1.HandleFunc("/ledger/{tenant}/account-limit", s.SetAccountLimit).Methods("PUT")
	v1.HandleFunc("/ledger/{tenant}/campaigns/{campaign}/limits", s.SetCampaignLimits).Methods("PUT")
	v1.HandleFunc("/ledger/{tenant}/campaigns/{campaign}/emergency-stop", s.SetEmergencyStop).Methods("POST")
	v1.HandleFunc("/ledger/{tenant}/campaigns/{campaign}/emergency-stop", s.ClearEmergencyStop).Methods("DELETE")

	v1.HandleFunc("/policy", s.GetPolicy).Methods("GET")
	v1.HandleFunc("/policy/reload", s.ReloadPolicy).Methods("POST")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// readBody reads a bounded request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		}
		return nil, false
	}
	return data, true
}

// decode unmarshals the request body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	data, ok := readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func (s *Server) logger(r *http.Request) *zap.Logger {
	return middleware.LoggerFromRequest(r, s.Logger)
}

func actor(r *http.Request) string {
	return middleware.ActorFromContext(r.Context())
}
