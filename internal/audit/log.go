// Package audit records every guarded decision and mutation outcome in an
// append-only, tamper-evident log.
package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/integrity"
	"github.com/patrickwarner/adguard/internal/models"
	"github.com/patrickwarner/adguard/internal/observability"
)

var (
	ErrNoSigner          = errors.New("audit log requires a signer")
	ErrMissingAction     = errors.New("audit entry has no action")
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// SystemActor is recorded when an entry has no actor.
const SystemActor = "system"

var nowFn = time.Now

// Log seals entries, writes them to the store and copies them to an
// optional mirror.
type Log struct {
	store   Store
	signer  *integrity.Signer
	mirror  Mirror
	logger  *zap.Logger
	metrics observability.MetricsRegistry
}

// NewLog creates a Log. mirror may be nil.
func NewLog(store Store, signer *integrity.Signer, mirror Mirror, logger *zap.Logger, metrics observability.MetricsRegistry) (*Log, error) {
	if signer == nil {
		return nil, ErrNoSigner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Log{store: store, signer: signer, mirror: mirror, logger: logger, metrics: metrics}, nil
}

// Append fills in the entry's id, timestamp and seal and persists it. A
// returned error means the entry was not recorded.
func (l *Log) Append(ctx context.Context, e *models.AuditLogEntry) error {
	if e.Action == "" {
		return ErrMissingAction
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = nowFn().UTC()
	}
	if e.Actor == "" {
		e.Actor = SystemActor
	}
	if e.Result == "" {
		e.Result = models.ResultSuccess
	}
	if err := l.signer.Seal(e); err != nil {
		l.metrics.IncrementAuditWrites("failed")
		return fmt.Errorf("seal audit entry: %w", err)
	}
	if err := l.store.Append(ctx, *e); err != nil {
		l.metrics.IncrementAuditWrites("failed")
		l.logger.Error("audit append failed",
			zap.String("entry_id", e.ID),
			zap.String("action", string(e.Action)),
			zap.Error(err))
		return fmt.Errorf("append audit entry: %w", err)
	}
	l.metrics.IncrementAuditWrites("success")

	if l.mirror != nil {
		if err := l.mirror.Mirror(ctx, *e); err != nil {
			l.metrics.IncrementAuditMirrorErrors()
			l.logger.Warn("audit mirror failed",
				zap.String("entry_id", e.ID),
				zap.Error(err))
		}
	}
	return nil
}

// Query returns matching entries, newest first, capped at filter.Limit.
func (l *Log) Query(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, error) {
	entries, err := l.store.Read(ctx, filter.From, filter.To)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	out := make([]models.AuditLogEntry, 0, len(entries))
	for _, e := range entries {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Summarize aggregates entries in [from, to). Entries that fail
// verification are listed and counted as security events.
func (l *Log) Summarize(ctx context.Context, from, to time.Time) (models.AuditSummary, error) {
	entries, err := l.Query(ctx, models.AuditFilter{From: from, To: to})
	if err != nil {
		return models.AuditSummary{}, err
	}
	sum := models.AuditSummary{
		From:           from,
		To:             to,
		Total:          len(entries),
		ByAction:       make(map[models.AuditAction]int),
		ByActor:        make(map[string]int),
		ByResult:       make(map[models.AuditResult]int),
		ByResourceType: make(map[models.ResourceType]int),
		Errors:         []models.AuditError{},
	}
	// oldest first reads more naturally in the error list
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		sum.ByAction[e.Action]++
		sum.ByActor[e.Actor]++
		sum.ByResult[e.Result]++
		if e.ResourceType != "" {
			sum.ByResourceType[e.ResourceType]++
		}
		if models.SecurityActions[e.Action] {
			sum.SecurityEvents++
		}
		if e.Result == models.ResultFailed {
			sum.Errors = append(sum.Errors, models.AuditError{
				EntryID:   e.ID,
				Timestamp: e.Timestamp,
				Action:    e.Action,
				EntityID:  e.EntityID,
				Message:   e.Error,
			})
		}
		if err := l.signer.Verify(&e); err != nil {
			sum.TamperedEntries = append(sum.TamperedEntries, e.ID)
			sum.SecurityEvents++
		}
	}
	return sum, nil
}

// TamperedEntry is an entry whose seal no longer matches.
type TamperedEntry struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// VerifyReport is the outcome of re-checking entry seals.
type VerifyReport struct {
	Checked  int             `json:"checked"`
	Tampered []TamperedEntry `json:"tampered"`
}

// Verify recomputes the seal of every matching entry.
func (l *Log) Verify(ctx context.Context, filter models.AuditFilter) (VerifyReport, error) {
	entries, err := l.Query(ctx, filter)
	if err != nil {
		return VerifyReport{}, err
	}
	report := VerifyReport{Checked: len(entries), Tampered: []TamperedEntry{}}
	for i := range entries {
		if err := l.signer.Verify(&entries[i]); err != nil {
			report.Tampered = append(report.Tampered, TamperedEntry{ID: entries[i].ID, Reason: err.Error()})
		}
	}
	if len(report.Tampered) > 0 {
		l.logger.Warn("audit entries failed verification", zap.Int("tampered", len(report.Tampered)))
	}
	return report, nil
}

var csvHeader = []string{
	"id", "timestamp", "actor", "action", "resource_type", "entity_id", "tenant_id",
	"result", "error", "risk_level", "cost_delta_micros", "integrity_hash",
}

// Export writes matching entries to w as a JSON array or CSV.
func (l *Log) Export(ctx context.Context, filter models.AuditFilter, format string, w io.Writer) error {
	if format != FormatJSON && format != FormatCSV {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	entries, err := l.Query(ctx, filter)
	if err != nil {
		return err
	}

	if format == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		var risk, delta string
		if e.Impact != nil {
			risk = string(e.Impact.RiskLevel)
			delta = strconv.FormatInt(int64(e.Impact.CostDelta), 10)
		}
		row := []string{
			e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Actor, string(e.Action),
			string(e.ResourceType), e.EntityID, e.TenantID, string(e.Result), e.Error,
			risk, delta, e.IntegrityHash,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
