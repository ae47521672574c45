package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/patrickwarner/adguard/internal/audit"
	"github.com/patrickwarner/adguard/internal/models"
)

// defaultSummaryWindow is used when a summary request names no period.
const defaultSummaryWindow = 24 * time.Hour

func parseTime(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return t, nil
}

// parseFilter reads an audit filter from query parameters.
func parseFilter(q url.Values) (models.AuditFilter, error) {
	f := models.AuditFilter{
		TenantID:     q.Get("tenantId"),
		Actor:        q.Get("actor"),
		Action:       models.AuditAction(q.Get("action")),
		ResourceType: models.ResourceType(q.Get("resourceType")),
		EntityID:     q.Get("entityId"),
		Result:       models.AuditResult(q.Get("result")),
	}
	var err error
	if f.From, err = parseTime(q, "from"); err != nil {
		return f, err
	}
	if f.To, err = parseTime(q, "to"); err != nil {
		return f, err
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
	}
	return f, nil
}

// QueryAudit lists matching entries, newest first.
func (s *Server) QueryAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.App.Audit.Query(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// AuditSummary aggregates entries in [from, to), the last day by default.
func (s *Server) AuditSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTime(q, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseTime(q, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-defaultSummaryWindow)
	}
	sum, err := s.App.Audit.Summarize(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ExportAudit writes matching entries as JSON (default) or CSV.
func (s *Server) ExportAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	format := q.Get("format")
	if format == "" {
		format = audit.FormatJSON
	}
	var buf bytes.Buffer
	if err := s.App.Audit.Export(r.Context(), f, format, &buf); err != nil {
		if errors.Is(err, audit.ErrUnsupportedFormat) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	contentType := "application/json"
	if format == audit.FormatCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit.%s", format))
	_, _ = w.Write(buf.Bytes())
}

// VerifyAudit re-checks the seals of matching entries.
func (s *Server) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.App.Audit.Verify(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}
