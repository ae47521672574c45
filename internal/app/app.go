// Package app wires the guardrail pipeline from process configuration. Both
// the HTTP server and the MCP server build on it.
package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/adsclient"
	"github.com/patrickwarner/adguard/internal/applier"
	"github.com/patrickwarner/adguard/internal/audit"
	"github.com/patrickwarner/adguard/internal/config"
	"github.com/patrickwarner/adguard/internal/db"
	"github.com/patrickwarner/adguard/internal/guardrails"
	"github.com/patrickwarner/adguard/internal/integrity"
	"github.com/patrickwarner/adguard/internal/ledger"
	"github.com/patrickwarner/adguard/internal/macros"
	"github.com/patrickwarner/adguard/internal/models"
	"github.com/patrickwarner/adguard/internal/observability"
	"github.com/patrickwarner/adguard/internal/probe"
	"github.com/patrickwarner/adguard/internal/ratelimit"
)

// App holds the wired components.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Metrics   observability.MetricsRegistry
	Ledger    ledger.BudgetLedger
	Validator *guardrails.Validator
	Probe     *probe.HTTPProbe
	Macros    *macros.Service
	Limiter   *ratelimit.TenantLimiter
	Audit     *audit.Log
	Segments  *audit.FileStore
	Applier   *applier.Applier

	redis  *db.RedisStore
	pg     *db.Postgres
	mirror *audit.ClickHouseMirror
}

// Options adjust wiring for callers that need something other than the
// configured defaults.
type Options struct {
	// AdsClient replaces the gateway client.
	AdsClient applier.AdsClient
	// Macros replaces the macro service, e.g. with one on a private registry.
	Macros *macros.Service
}

// New builds the pipeline. Optional backends (Redis, Postgres, ClickHouse,
// the ads gateway) are connected only when configured.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, metrics observability.MetricsRegistry, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load guardrail policy: %w", err)
	}

	if err := a.initLedger(ctx, policy); err != nil {
		return nil, err
	}

	a.Macros = opts.Macros
	if a.Macros == nil {
		a.Macros = macros.NewService(logger)
	}
	a.Probe = probe.NewHTTPProbe(cfg.ProbeTimeout, cfg.ProbeCacheTTL, logger.Named("probe"), metrics)
	a.Validator = guardrails.NewValidator(policy, a.Ledger, a.Probe, a.Macros, logger.Named("guardrails"), metrics)

	if err := a.initAudit(ctx); err != nil {
		return nil, err
	}

	a.Limiter = ratelimit.NewTenantLimiter(ratelimit.Config{
		Capacity:   cfg.RateLimitCapacity,
		RefillRate: cfg.RateLimitRefillRate,
		Enabled:    cfg.RateLimitEnabled,
	}, metrics)

	client := opts.AdsClient
	if client == nil {
		if cfg.AdsGatewayURL != "" {
			client = adsclient.NewGatewayClient(cfg.AdsGatewayURL, cfg.AdsGatewayTimeout, logger.Named("adsclient"))
		} else {
			logger.Warn("ADS_GATEWAY_URL not set, mutations can be validated and previewed but not applied")
			client = adsclient.Unconfigured{}
		}
	}
	a.Applier, err = applier.New(a.Validator, a.Ledger, client, a.Audit, a.Limiter, logger.Named("applier"), metrics)
	if err != nil {
		return nil, fmt.Errorf("init applier: %w", err)
	}

	ok = true
	return a, nil
}

func (a *App) initLedger(ctx context.Context, policy models.GuardrailConfig) error {
	cfg := a.Config
	defaults := ledger.DefaultsFromPolicy(policy)
	loc := cfg.Location()

	if cfg.RedisAddr != "" {
		store, err := db.InitRedis(cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.redis = store
		a.Ledger = ledger.NewRedisLedger(store, defaults, loc, a.Logger.Named("ledger"), a.Metrics)
	} else {
		a.Ledger = ledger.NewMemoryLedger(defaults, loc, a.Logger.Named("ledger"), a.Metrics)
	}

	if cfg.PostgresDSN == "" {
		return nil
	}
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.pg = pg

	// Redis keeps its own state across restarts; only the memory ledger
	// needs the snapshots back.
	if cfg.RedisAddr == "" {
		return a.RestoreSnapshots(ctx)
	}
	return a.reapplyStops(ctx)
}

// reapplyStops restores emergency stops for tenants Redis has no state for,
// e.g. after the Redis data was lost. Counters are left alone.
func (a *App) reapplyStops(ctx context.Context) error {
	known, err := a.Ledger.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("list ledger tenants: %w", err)
	}
	have := make(map[string]bool, len(known))
	for _, t := range known {
		have[t] = true
	}
	snaps, err := a.pg.LoadLedgerSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("load ledger snapshots: %w", err)
	}
	for _, s := range snaps {
		if have[s.TenantID] {
			continue
		}
		for id, c := range s.Campaigns {
			if c.EmergencyStop == nil {
				continue
			}
			if err := a.Ledger.SetEmergencyStop(ctx, s.TenantID, id, c.EmergencyStop.Reason); err != nil {
				return fmt.Errorf("reapply emergency stop %s/%s: %w", s.TenantID, id, err)
			}
			a.Logger.Warn("emergency stop reapplied from snapshot",
				zap.String("tenant_id", s.TenantID),
				zap.String("campaign_id", id))
		}
	}
	return nil
}

func (a *App) initAudit(ctx context.Context) error {
	cfg := a.Config
	secret := []byte(cfg.AuditSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate audit secret: %w", err)
		}
		a.Logger.Warn("AUDIT_SECRET not set, using a random key; entries written now will fail verification after a restart")
	}
	signer, err := integrity.NewSigner(secret)
	if err != nil {
		return fmt.Errorf("init audit signer: %w", err)
	}

	a.Segments, err = audit.NewFileStore(cfg.AuditDir, cfg.AuditFsync, cfg.AuditRetention, a.Logger.Named("audit"))
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	// Segments past retention are removed once at startup and then on the
	// sweep schedule.
	if _, err := a.Segments.Sweep(ctx, time.Now()); err != nil {
		a.Logger.Warn("audit retention sweep failed", zap.Error(err))
	}

	var mirror audit.Mirror
	if cfg.ClickHouseDSN != "" {
		a.mirror, err = audit.InitClickHouseMirror(ctx, cfg.ClickHouseDSN, audit.PoolConfig{
			MaxOpenConns:    cfg.CHMaxOpenConns,
			MaxIdleConns:    cfg.CHMaxIdleConns,
			ConnMaxLifetime: cfg.CHConnMaxLifetime,
			ConnMaxIdleTime: cfg.CHConnMaxIdleTime,
		})
		if err != nil {
			return fmt.Errorf("connect clickhouse: %w", err)
		}
		mirror = a.mirror
	}

	a.Audit, err = audit.NewLog(a.Segments, signer, mirror, a.Logger.Named("audit"), a.Metrics)
	if err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	return nil
}

// Close releases backend connections. Snapshots are flushed first.
func (a *App) Close() {
	if a.pg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.FlushSnapshots(ctx); err != nil {
			a.Logger.Error("final ledger snapshot flush failed", zap.Error(err))
		}
		cancel()
		a.pg.Close()
		a.pg = nil
	}
	if a.mirror != nil {
		a.mirror.Close()
		a.mirror = nil
	}
	if a.redis != nil {
		a.redis.Close()
		a.redis = nil
	}
}

// FlushSnapshots writes every tenant's ledger state to Postgres. It is a
// no-op without Postgres.
func (a *App) FlushSnapshots(ctx context.Context) error {
	if a.pg == nil || a.Ledger == nil {
		return nil
	}
	tenants, err := a.Ledger.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("list ledger tenants: %w", err)
	}
	var errs []error
	for _, t := range tenants {
		snap, err := a.Ledger.Snapshot(ctx, t)
		if err == nil {
			err = a.pg.SaveLedgerSnapshot(ctx, snap)
		}
		if err != nil {
			a.Metrics.IncrementSnapshotPersistErrors()
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("flush %d of %d ledger snapshots: %w", len(errs), len(tenants), errors.Join(errs...))
	}
	a.Logger.Debug("ledger snapshots flushed", zap.Int("tenants", len(tenants)))
	return nil
}

// RestoreSnapshots loads stored snapshots into the ledger.
func (a *App) RestoreSnapshots(ctx context.Context) error {
	if a.pg == nil {
		return nil
	}
	snaps, err := a.pg.LoadLedgerSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("load ledger snapshots: %w", err)
	}
	for _, s := range snaps {
		if err := a.Ledger.Restore(ctx, s); err != nil {
			return fmt.Errorf("restore ledger snapshot %s: %w", s.TenantID, err)
		}
	}
	a.Logger.Info("ledger snapshots restored", zap.Int("tenants", len(snaps)))
	return nil
}
