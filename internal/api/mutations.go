package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/applier"
	"github.com/patrickwarner/adguard/internal/models"
)

// ValidateHandler runs the guardrails over one mutation. Policy failures are
// reported in the body with status 200.
func (s *Server) ValidateHandler(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r)
	if !ok {
		return
	}
	m, err := models.NormalizeMutation(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := s.App.Validator.Validate(r.Context(), m)
	writeJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	Mutations        json.RawMessage `json:"mutations"`
	Confirm          bool            `json:"confirm"`
	BypassGuardrails bool            `json:"bypassGuardrails"`
	AutoRollback     *bool           `json:"autoRollback"`
	TimeoutSeconds   int             `json:"timeoutSeconds"`
}

func (s *Server) readBatch(w http.ResponseWriter, r *http.Request) (batchRequest, []models.Mutation, bool) {
	var req batchRequest
	if !decode(w, r, &req) {
		return req, nil, false
	}
	if len(req.Mutations) == 0 {
		writeError(w, http.StatusBadRequest, "mutations are required")
		return req, nil, false
	}
	batch, err := models.NormalizeBatch(req.Mutations)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, nil, false
	}
	return req, batch, true
}

func (s *Server) options(r *http.Request, req batchRequest) applier.Options {
	opts := applier.Options{
		BypassGuardrails: req.BypassGuardrails,
		AutoRollback:     s.App.Config.AutoRollback,
		Actor:            actor(r),
		Timeout:          s.App.Config.ApplyTimeout,
	}
	if req.AutoRollback != nil {
		opts.AutoRollback = *req.AutoRollback
	}
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	return opts
}

type failedBatch struct {
	Error  string      `json:"error"`
	Result interface{} `json:"result"`
}

// writeApplierError answers with the applier's error. Results that exist
// despite the error are included.
func (s *Server) writeApplierError(w http.ResponseWriter, r *http.Request, err error, result interface{}) {
	var auditErr *applier.AuditWriteError
	switch {
	case errors.Is(err, applier.ErrEmptyBatch), errors.Is(err, applier.ErrNothingToSave):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, applier.ErrSavePointNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &auditErr):
		s.logger(r).Error("outcome not recorded in audit log", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, failedBatch{Error: err.Error(), Result: result})
	default:
		s.logger(r).Error("applier failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// DryRunHandler previews a batch without applying anything.
func (s *Server) DryRunHandler(w http.ResponseWriter, r *http.Request) {
	req, batch, ok := s.readBatch(w, r)
	if !ok {
		return
	}
	opts := s.options(r, req)
	opts.DryRun = true
	res, err := s.App.Applier.Apply(r.Context(), batch, opts)
	if err != nil {
		s.writeApplierError(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ApplyHandler applies a batch. The request must set confirm.
func (s *Server) ApplyHandler(w http.ResponseWriter, r *http.Request) {
	req, batch, ok := s.readBatch(w, r)
	if !ok {
		return
	}
	if !req.Confirm {
		writeError(w, http.StatusBadRequest, "apply requires confirm: true; use /v1/batches/dry-run to preview")
		return
	}
	opts := s.options(r, req)
	if opts.BypassGuardrails {
		s.logger(r).Warn("batch submitted with guardrail bypass", zap.Int("mutations", len(batch)))
	}
	res, err := s.App.Applier.Apply(r.Context(), batch, opts)
	if err != nil {
		s.writeApplierError(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func readMutations(w http.ResponseWriter, r *http.Request, field string) ([]models.Mutation, bool) {
	var raw map[string]json.RawMessage
	if !decode(w, r, &raw) {
		return nil, false
	}
	list, ok := raw[field]
	if !ok || len(list) == 0 {
		writeError(w, http.StatusBadRequest, field+" are required")
		return nil, false
	}
	ms, err := models.NormalizeBatch(list)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return ms, true
}

type rollbackRequest struct {
	BatchID   string          `json:"batchId"`
	Mutations json.RawMessage `json:"mutations"`
}

// RollbackHandler undoes an applied batch, by batchId through its save
// point, or a list of previously applied mutations. Those must carry their
// pre-state for updates and their entity ids for creates.
func (s *Server) RollbackHandler(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !decode(w, r, &req) {
		return
	}
	if req.BatchID != "" {
		s.rollbackBatch(w, r, req.BatchID)
		return
	}
	if len(req.Mutations) == 0 {
		writeError(w, http.StatusBadRequest, "batchId or mutations are required")
		return
	}
	ms, err := models.NormalizeBatch(req.Mutations)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.App.Applier.Rollback(r.Context(), ms, actor(r))
	if err != nil {
		s.writeApplierError(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// rollbackBatch recovers the save point the batch created, discarding it
// and every later save point.
func (s *Server) rollbackBatch(w http.ResponseWriter, r *http.Request, batchID string) {
	for _, sp := range s.App.Applier.SavePoints() {
		if sp.BatchID != batchID {
			continue
		}
		res, err := s.App.Applier.RecoverFromSavePoint(r.Context(), sp.ID, actor(r))
		if err != nil {
			s.writeApplierError(w, r, err, res)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeError(w, http.StatusNotFound, "no save point for batch "+batchID)
}

// ListSavePoints returns the save point stack, oldest first.
func (s *Server) ListSavePoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.App.Applier.SavePoints())
}

// CreateSavePoint pushes caller-supplied inverse mutations as a save point.
func (s *Server) CreateSavePoint(w http.ResponseWriter, r *http.Request) {
	ms, ok := readMutations(w, r, "inverseMutations")
	if !ok {
		return
	}
	sp, err := s.App.Applier.CreateSavePoint(r.Context(), actor(r), ms)
	if err != nil {
		s.writeApplierError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, sp)
}

// RecoverSavePoint replays a save point and discards it and every later one.
func (s *Server) RecoverSavePoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.App.Applier.RecoverFromSavePoint(r.Context(), id, actor(r))
	if err != nil {
		s.writeApplierError(w, r, err, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
