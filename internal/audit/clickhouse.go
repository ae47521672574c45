package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/patrickwarner/adguard/internal/models"
)

// Mirror receives a copy of every appended entry. Mirror failures are
// logged and counted but never fail the append.
type Mirror interface {
	Mirror(ctx context.Context, e models.AuditLogEntry) error
}

// ClickHouseMirror copies audit entries into ClickHouse for analysis.
type ClickHouseMirror struct {
	DB *sql.DB
}

// PoolConfig sizes the ClickHouse connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

const createAuditTable = `CREATE TABLE IF NOT EXISTS audit_log (
       id                String,
       timestamp         DateTime64(3),
       actor             String,
       action            String,
       resource_type     String,
       entity_id         String,
       tenant_id         String,
       result            String,
       error             String,
       risk_level        String,
       cost_delta_micros Int64,
       integrity_hash    String,
       entry             String
   ) ENGINE=MergeTree() ORDER BY (tenant_id, timestamp)`

// InitClickHouseMirror connects to ClickHouse and ensures the audit_log table exists.
func InitClickHouseMirror(ctx context.Context, dsn string, pool PoolConfig) (*ClickHouseMirror, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createAuditTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	zap.L().Info("Connected to ClickHouse audit mirror")
	return &ClickHouseMirror{DB: db}, nil
}

func (m *ClickHouseMirror) Mirror(ctx context.Context, e models.AuditLogEntry) error {
	if m == nil || m.DB == nil {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry %s: %w", e.ID, err)
	}
	var risk string
	var delta int64
	if e.Impact != nil {
		risk = string(e.Impact.RiskLevel)
		delta = int64(e.Impact.CostDelta)
	}

	stmt := `INSERT INTO audit_log (id, timestamp, actor, action, resource_type, entity_id, tenant_id, result, error, risk_level, cost_delta_micros, integrity_hash, entry) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := m.DB.ExecContext(ctx, stmt,
		e.ID, e.Timestamp.UTC(), e.Actor, string(e.Action), string(e.ResourceType), e.EntityID,
		e.TenantID, string(e.Result), e.Error, risk, delta, e.IntegrityHash, string(raw)); err != nil {
		return fmt.Errorf("insert audit entry %s: %w", e.ID, err)
	}
	return nil
}

// Close terminates the ClickHouse connection.
func (m *ClickHouseMirror) Close() {
	if m != nil && m.DB != nil {
		if err := m.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}
