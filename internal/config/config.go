package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process configuration derived from environment variables.
// Guardrail policy lives in a separate file, see LoadPolicy.
type Config struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ServiceName  string
	// RedisAddr selects the Redis ledger. Empty keeps spend in memory.
	RedisAddr string
	// PostgresDSN enables ledger snapshots. Empty disables them.
	PostgresDSN string
	// ClickHouseDSN enables the audit mirror. Empty disables it.
	ClickHouseDSN    string
	AuditDir         string
	AuditRetention   time.Duration
	AuditSecret      string
	AuditFsync       bool
	PolicyFile       string
	LedgerTimezone   string
	SnapshotInterval time.Duration
	// Applier defaults
	ApplyTimeout      time.Duration
	AutoRollback      bool
	AdsGatewayURL     string
	AdsGatewayTimeout time.Duration
	// Landing page probe
	ProbeTimeout  time.Duration
	ProbeCacheTTL time.Duration
	// Per-tenant limits on external apply calls
	RateLimitEnabled    bool
	RateLimitCapacity   int
	RateLimitRefillRate int
	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	// ClickHouse connection pooling configuration
	CHMaxOpenConns    int
	CHMaxIdleConns    int
	CHConnMaxLifetime time.Duration
	CHConnMaxIdleTime time.Duration
	// Tracing configuration
	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64
}

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8788")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 60*time.Second)
	cfg.ServiceName = getenv("SERVICE_NAME", "adguard")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")
	cfg.ClickHouseDSN = os.Getenv("CLICKHOUSE_DSN")

	cfg.AuditDir = getenv("AUDIT_DIR", "data/audit")
	// 90 days of segments by default; 0 keeps everything
	cfg.AuditRetention = envDuration("AUDIT_RETENTION", 90*24*time.Hour)
	cfg.AuditSecret = getenv("AUDIT_SECRET", "")
	cfg.AuditFsync = envBool("AUDIT_FSYNC", true)
	cfg.PolicyFile = getenv("POLICY_FILE", "")
	cfg.LedgerTimezone = getenv("LEDGER_TIMEZONE", "UTC")
	cfg.SnapshotInterval = envDuration("SNAPSHOT_INTERVAL", time.Minute)

	cfg.ApplyTimeout = envDuration("APPLY_TIMEOUT", 30*time.Second)
	cfg.AutoRollback = envBool("AUTO_ROLLBACK", true)
	cfg.AdsGatewayURL = getenv("ADS_GATEWAY_URL", "")
	cfg.AdsGatewayTimeout = envDuration("ADS_GATEWAY_TIMEOUT", 10*time.Second)

	cfg.ProbeTimeout = envDuration("PROBE_TIMEOUT", 5*time.Second)
	cfg.ProbeCacheTTL = envDuration("PROBE_CACHE_TTL", 5*time.Minute)

	cfg.RateLimitEnabled = envBool("RATE_LIMIT_ENABLED", true)
	cfg.RateLimitCapacity = envInt("RATE_LIMIT_CAPACITY", 20)
	cfg.RateLimitRefillRate = envInt("RATE_LIMIT_REFILL_RATE", 5)

	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 2)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)

	cfg.CHMaxOpenConns = envInt("CH_MAX_OPEN_CONNS", 10)
	cfg.CHMaxIdleConns = envInt("CH_MAX_IDLE_CONNS", 5)
	cfg.CHConnMaxLifetime = envDuration("CH_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.CHConnMaxIdleTime = envDuration("CH_CONN_MAX_IDLE_TIME", 1*time.Minute)

	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0)

	return cfg
}

// Location resolves LedgerTimezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.LedgerTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}
