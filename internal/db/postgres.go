package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/models"
)

// Postgres wraps a postgres DB connection used for ledger snapshots.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the necessary tables if they don't exist.
const schemaSQL = `CREATE TABLE IF NOT EXISTS ledger_snapshots (
    tenant_id TEXT PRIMARY KEY,
    account_spend_micros BIGINT NOT NULL DEFAULT 0,
    account_limit_micros BIGINT NOT NULL DEFAULT 0,
    last_reset_date TEXT NOT NULL DEFAULT '',
    campaigns JSONB NOT NULL DEFAULT '{}',
    campaign_ids TEXT[] NOT NULL DEFAULT '{}',
    stopped_campaign_ids TEXT[] NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ledger_snapshots_stopped ON ledger_snapshots USING GIN (stopped_campaign_ids);
`

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: db}
	if err := p.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	zap.L().Info("connected to Postgres",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := p.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SaveLedgerSnapshot upserts the snapshot for one tenant.
func (p *Postgres) SaveLedgerSnapshot(ctx context.Context, snap models.TenantBudget) error {
	campaigns, err := encodeCampaigns(snap.Campaigns)
	if err != nil {
		return err
	}
	ids, stopped := campaignIndex(snap)
	_, err = p.DB.ExecContext(ctx, `
INSERT INTO ledger_snapshots (tenant_id, account_spend_micros, account_limit_micros, last_reset_date, campaigns, campaign_ids, stopped_campaign_ids, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (tenant_id) DO UPDATE SET
    account_spend_micros = EXCLUDED.account_spend_micros,
    account_limit_micros = EXCLUDED.account_limit_micros,
    last_reset_date = EXCLUDED.last_reset_date,
    campaigns = EXCLUDED.campaigns,
    campaign_ids = EXCLUDED.campaign_ids,
    stopped_campaign_ids = EXCLUDED.stopped_campaign_ids,
    updated_at = now()`,
		snap.TenantID, int64(snap.AccountSpend), int64(snap.AccountLimit), snap.LastResetDate,
		campaigns, pq.Array(ids), pq.Array(stopped))
	if err != nil {
		return fmt.Errorf("save ledger snapshot %s: %w", snap.TenantID, err)
	}
	return nil
}

// LoadLedgerSnapshots returns every stored tenant snapshot.
func (p *Postgres) LoadLedgerSnapshots(ctx context.Context) ([]models.TenantBudget, error) {
	rows, err := p.DB.QueryContext(ctx, `
SELECT tenant_id, account_spend_micros, account_limit_micros, last_reset_date, campaigns
FROM ledger_snapshots ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("query ledger snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.TenantBudget
	for rows.Next() {
		var (
			snap         models.TenantBudget
			spend, limit int64
			campaigns    []byte
		)
		if err := rows.Scan(&snap.TenantID, &spend, &limit, &snap.LastResetDate, &campaigns); err != nil {
			return nil, fmt.Errorf("scan ledger snapshot: %w", err)
		}
		snap.AccountSpend = models.Micros(spend)
		snap.AccountLimit = models.Micros(limit)
		if snap.Campaigns, err = decodeCampaigns(campaigns); err != nil {
			return nil, fmt.Errorf("decode campaigns for %s: %w", snap.TenantID, err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// encodeCampaigns renders the campaigns column. A nil map is stored as an
// empty object to match the column default.
func encodeCampaigns(campaigns map[string]models.CampaignBudget) ([]byte, error) {
	if campaigns == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(campaigns)
	if err != nil {
		return nil, fmt.Errorf("encode campaigns: %w", err)
	}
	return b, nil
}

func decodeCampaigns(data []byte) (map[string]models.CampaignBudget, error) {
	out := map[string]models.CampaignBudget{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]models.CampaignBudget{}
	}
	return out, nil
}

// campaignIndex returns the sorted campaign ids and the stopped subset.
func campaignIndex(snap models.TenantBudget) (ids, stopped []string) {
	ids = make([]string, 0, len(snap.Campaigns))
	stopped = []string{}
	for id, c := range snap.Campaigns {
		ids = append(ids, id)
		if c.EmergencyStop != nil {
			stopped = append(stopped, id)
		}
	}
	sort.Strings(ids)
	sort.Strings(stopped)
	return ids, stopped
}
