package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

const (
	auditSweepInterval   = time.Hour
	probeCleanupInterval = 10 * time.Minute
)

// StartMaintenance schedules the background jobs and stops them when ctx is
// done:
//   - daily ledger rollover at midnight in the ledger timezone
//   - ledger snapshot flush every SnapshotInterval (Postgres only)
//   - audit retention sweep
//   - probe cache cleanup
func (a *App) StartMaintenance(ctx context.Context) (*gocron.Scheduler, error) {
	s := gocron.NewScheduler(a.Config.Location())
	s.SingletonModeAll()

	jobCtx := context.WithoutCancel(ctx)
	if _, err := s.Every(1).Day().At("00:00").Do(func() {
		n, err := a.ResetDailyBudgets(jobCtx)
		if err != nil {
			a.Logger.Error("daily ledger reset failed", zap.Error(err))
			return
		}
		a.Logger.Info("daily ledger reset", zap.Int("tenants", n))
	}); err != nil {
		return nil, fmt.Errorf("schedule ledger reset: %w", err)
	}

	if a.pg != nil && a.Config.SnapshotInterval > 0 {
		if _, err := s.Every(a.Config.SnapshotInterval).Do(func() {
			if err := a.FlushSnapshots(jobCtx); err != nil {
				a.Logger.Error("ledger snapshot flush failed", zap.Error(err))
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule snapshot flush: %w", err)
		}
	}

	if a.Config.AuditRetention > 0 {
		if _, err := s.Every(auditSweepInterval).Do(func() {
			removed, err := a.SweepAudit(jobCtx)
			if err != nil {
				a.Logger.Error("audit retention sweep failed", zap.Error(err))
				return
			}
			if len(removed) > 0 {
				a.Logger.Info("audit segments removed", zap.Strings("segments", removed))
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule audit sweep: %w", err)
		}
	}

	if a.Config.ProbeCacheTTL > 0 {
		if _, err := s.Every(probeCleanupInterval).Do(a.Probe.CleanupExpiredCache); err != nil {
			return nil, fmt.Errorf("schedule probe cache cleanup: %w", err)
		}
	}

	s.StartAsync()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	a.Logger.Info("maintenance jobs scheduled", zap.Int("jobs", len(s.Jobs())))
	return s, nil
}
