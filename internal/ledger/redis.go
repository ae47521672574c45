package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/db"
	"github.com/patrickwarner/adguard/internal/models"
	"github.com/patrickwarner/adguard/internal/observability"
)

// spendScript performs rollover, evaluation and the counter update for one
// tenant in a single server-side step. All keys share the tenant hash tag so
// the script also runs on a cluster.
//
// KEYS: tenant hash, campaign hash, campaign set
// ARGV: today, amount, mode, default daily, default campaign, default
// account, campaign id ("" for account-only), campaign key prefix
//
// Returns {allowed, limit, cap, current, proposed, remaining, reason, rolled}.
var spendScript = redis.NewScript(`
local tenant, campaign, members = KEYS[1], KEYS[2], KEYS[3]
local today, amount, mode = ARGV[1], tonumber(ARGV[2]), ARGV[3]
local cid, prefix = ARGV[7], ARGV[8]
local hasCampaign = cid ~= ''

local function num(key, field, def)
  local v = redis.call('HGET', key, field)
  if not v then return def end
  return tonumber(v)
end

-- Lua numbers are doubles; replies are converted to int64, so sums are
-- capped below its range.
local function sat(x)
  if x > 9.2e18 then return 9.2e18 end
  return x
end

local rolled = 0
if redis.call('HGET', tenant, 'lastReset') ~= today then
  for _, id in ipairs(redis.call('SMEMBERS', members)) do
    redis.call('HSET', prefix .. id, 'dailySpend', '0')
  end
  redis.call('HSET', tenant, 'lastReset', today)
  rolled = 1
end
if mode == 'rollover' then
  return {1, '', 0, 0, 0, 0, '', rolled}
end

local accountSpend = num(tenant, 'accountSpend', 0)
local accountLimit = num(tenant, 'accountLimit', tonumber(ARGV[6]))
local dailySpend, totalSpend = 0, 0
local dailyLimit, campaignLimit = tonumber(ARGV[4]), tonumber(ARGV[5])
local stop = false
if hasCampaign then
  dailySpend = num(campaign, 'dailySpend', 0)
  totalSpend = num(campaign, 'totalSpend', 0)
  dailyLimit = num(campaign, 'dailyLimit', dailyLimit)
  campaignLimit = num(campaign, 'campaignLimit', campaignLimit)
  stop = redis.call('HGET', campaign, 'stopReason')
end

if mode == 'release' then
  if hasCampaign then
    if redis.call('HINCRBY', campaign, 'dailySpend', '-' .. ARGV[2]) < 0 then
      redis.call('HSET', campaign, 'dailySpend', '0')
    end
    if redis.call('HINCRBY', campaign, 'totalSpend', '-' .. ARGV[2]) < 0 then
      redis.call('HSET', campaign, 'totalSpend', '0')
    end
  end
  if redis.call('HINCRBY', tenant, 'accountSpend', '-' .. ARGV[2]) < 0 then
    redis.call('HSET', tenant, 'accountSpend', '0')
  end
  return {1, '', 0, 0, 0, 0, '', rolled}
end

if stop then
  return {0, 'emergency_stop', 0, 0, sat(amount), 0, stop, rolled}
end

local checks = {}
if hasCampaign then
  table.insert(checks, {'daily', dailySpend, dailyLimit})
  table.insert(checks, {'campaign', totalSpend, campaignLimit})
end
table.insert(checks, {'account', accountSpend, accountLimit})

local kind, cur, cap, rem = '', 0, 0, -1
for _, c in ipairs(checks) do
  if c[3] > 0 then
    local headroom = c[3] - c[2]
    if headroom < 0 then headroom = 0 end
    if amount > headroom then
      return {0, c[1], c[3], c[2], sat(c[2] + amount), headroom, '', rolled}
    end
    if rem < 0 or headroom - amount < rem then
      kind, cur, cap, rem = c[1], c[2], c[3], headroom - amount
    end
  end
end
if rem < 0 then rem = 0 end

if mode == 'reserve' and amount > 0 then
  if hasCampaign then
    redis.call('HINCRBY', campaign, 'dailySpend', ARGV[2])
    redis.call('HINCRBY', campaign, 'totalSpend', ARGV[2])
    redis.call('SADD', members, cid)
  end
  redis.call('HINCRBY', tenant, 'accountSpend', ARGV[2])
end
return {1, kind, cap, cur, sat(cur + amount), rem, '', rolled}
`)

const tenantsKey = "ledger:tenants"

func tenantKey(tenantID string) string { return fmt.Sprintf("ledger:{%s}", tenantID) }
func membersKey(tenantID string) string { return fmt.Sprintf("ledger:{%s}:campaigns", tenantID) }
func campaignPrefix(tenantID string) string {
	return fmt.Sprintf("ledger:{%s}:c:", tenantID)
}

// RedisLedger keeps spend in Redis so that several processes share one
// ledger. Checks and reservations run as a Lua script and are atomic.
type RedisLedger struct {
	store    *db.RedisStore
	defaults Defaults
	loc      *time.Location
	logger   *zap.Logger
	metrics  observability.MetricsRegistry
}

func NewRedisLedger(store *db.RedisStore, defaults Defaults, loc *time.Location, logger *zap.Logger, metrics observability.MetricsRegistry) *RedisLedger {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &RedisLedger{store: store, defaults: defaults, loc: loc, logger: logger, metrics: metrics}
}

type scriptResult struct {
	decision models.SpendDecision
	rolled   bool
}

func (l *RedisLedger) run(ctx context.Context, tenantID, campaignID string, amount models.Micros, mode string) (scriptResult, error) {
	campaignKey := campaignPrefix(tenantID) + campaignID
	keys := []string{tenantKey(tenantID), campaignKey, membersKey(tenantID)}
	args := []interface{}{
		dayKey(nowFn(), l.loc),
		strconv.FormatInt(int64(amount), 10),
		mode,
		strconv.FormatInt(int64(l.defaults.DailyLimit), 10),
		strconv.FormatInt(int64(l.defaults.CampaignLimit), 10),
		strconv.FormatInt(int64(l.defaults.AccountLimit), 10),
		campaignID,
		campaignPrefix(tenantID),
	}
	raw, err := spendScript.Run(ctx, l.store.Client, keys, args...).Slice()
	if err != nil {
		return scriptResult{}, fmt.Errorf("ledger script (%s): %w", mode, err)
	}
	if len(raw) != 8 {
		return scriptResult{}, fmt.Errorf("ledger script (%s): unexpected reply length %d", mode, len(raw))
	}

	d := models.SpendDecision{
		Allowed:   toInt64(raw[0]) == 1,
		Limit:     models.LimitKind(toString(raw[1])),
		LimitCap:  models.Micros(toInt64(raw[2])),
		Current:   models.Micros(toInt64(raw[3])),
		Proposed:  models.Micros(toInt64(raw[4])),
		Remaining: models.Micros(toInt64(raw[5])),
	}
	switch {
	case d.Limit == models.LimitEmergencyStop:
		d.Reason = "emergency stop active: " + toString(raw[6])
	case !d.Allowed:
		d.Reason = fmt.Sprintf("%s limit %s would be exceeded: %s spent, %s proposed",
			d.Limit, d.LimitCap, d.Current, amount)
	}
	return scriptResult{decision: d, rolled: toInt64(raw[7]) == 1}, nil
}

func (l *RedisLedger) register(ctx context.Context, tenantID string) error {
	if err := l.store.Client.SAdd(ctx, tenantsKey, tenantID).Err(); err != nil {
		return fmt.Errorf("register tenant %s: %w", tenantID, err)
	}
	return nil
}

func (l *RedisLedger) CheckSpend(ctx context.Context, tenantID, campaignID string, amount models.Micros) (models.SpendDecision, error) {
	if err := checkArgs(tenantID, amount); err != nil {
		return models.SpendDecision{}, err
	}
	res, err := l.run(ctx, tenantID, campaignID, amount, "check")
	if err != nil {
		return models.SpendDecision{}, err
	}
	l.metrics.IncrementLedgerDecisions(string(res.decision.Limit), res.decision.Allowed)
	return res.decision, nil
}

func (l *RedisLedger) ReserveSpend(ctx context.Context, tenantID, campaignID string, amount models.Micros) (models.SpendDecision, error) {
	if err := checkArgs(tenantID, amount); err != nil {
		return models.SpendDecision{}, err
	}
	if err := l.register(ctx, tenantID); err != nil {
		return models.SpendDecision{}, err
	}
	res, err := l.run(ctx, tenantID, campaignID, amount, "reserve")
	if err != nil {
		return models.SpendDecision{}, err
	}
	l.metrics.IncrementLedgerDecisions(string(res.decision.Limit), res.decision.Allowed)
	if res.decision.Allowed && amount > 0 && campaignID != "" {
		total, err := l.store.Client.HGet(ctx, campaignPrefix(tenantID)+campaignID, "totalSpend").Int64()
		if err == nil {
			l.metrics.SetSpendTotal(tenantID, campaignID, models.Micros(total).Decimal().InexactFloat64())
		}
	}
	return res.decision, nil
}

func (l *RedisLedger) RecordSpend(ctx context.Context, tenantID, campaignID string, amount models.Micros) error {
	d, err := l.ReserveSpend(ctx, tenantID, campaignID, amount)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("%w: %s", ErrBudgetExceeded, d.Reason)
	}
	return nil
}

func (l *RedisLedger) ReleaseSpend(ctx context.Context, tenantID, campaignID string, amount models.Micros) error {
	if err := checkArgs(tenantID, amount); err != nil {
		return err
	}
	_, err := l.run(ctx, tenantID, campaignID, amount, "release")
	return err
}

func (l *RedisLedger) SetCampaignLimits(ctx context.Context, tenantID, campaignID string, daily, lifetime models.Micros) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if campaignID == "" {
		return ErrCampaignRequired
	}
	if daily < 0 || lifetime < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidAmount)
	}
	if err := l.register(ctx, tenantID); err != nil {
		return err
	}
	_, err := l.store.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, campaignPrefix(tenantID)+campaignID,
			"dailyLimit", int64(daily), "campaignLimit", int64(lifetime))
		p.SAdd(ctx, membersKey(tenantID), campaignID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set campaign limits: %w", err)
	}
	return nil
}

func (l *RedisLedger) SetAccountLimit(ctx context.Context, tenantID string, limit models.Micros) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidAmount)
	}
	if err := l.register(ctx, tenantID); err != nil {
		return err
	}
	if err := l.store.Client.HSet(ctx, tenantKey(tenantID), "accountLimit", int64(limit)).Err(); err != nil {
		return fmt.Errorf("set account limit: %w", err)
	}
	return nil
}

func (l *RedisLedger) SetEmergencyStop(ctx context.Context, tenantID, campaignID, reason string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if campaignID == "" {
		return ErrCampaignRequired
	}
	if reason == "" {
		reason = "unspecified"
	}
	if err := l.register(ctx, tenantID); err != nil {
		return err
	}
	_, err := l.store.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, campaignPrefix(tenantID)+campaignID,
			"stopReason", reason, "stopAt", nowFn().UTC().Format(time.RFC3339Nano))
		p.SAdd(ctx, membersKey(tenantID), campaignID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set emergency stop: %w", err)
	}
	l.metrics.IncrementEmergencyStops("set")
	l.logger.Warn("emergency stop set",
		zap.String("tenant_id", tenantID),
		zap.String("campaign_id", campaignID),
		zap.String("reason", reason))
	return nil
}

func (l *RedisLedger) ClearEmergencyStop(ctx context.Context, tenantID, campaignID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if campaignID == "" {
		return ErrCampaignRequired
	}
	n, err := l.store.Client.HDel(ctx, campaignPrefix(tenantID)+campaignID, "stopReason", "stopAt").Result()
	if err != nil {
		return fmt.Errorf("clear emergency stop: %w", err)
	}
	if n > 0 {
		l.metrics.IncrementEmergencyStops("clear")
		l.logger.Info("emergency stop cleared",
			zap.String("tenant_id", tenantID),
			zap.String("campaign_id", campaignID))
	}
	return nil
}

func (l *RedisLedger) ResetDailyBudgets(ctx context.Context) (int, error) {
	tenants, err := l.Tenants(ctx)
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, id := range tenants {
		res, err := l.run(ctx, id, "", 0, "rollover")
		if err != nil {
			return reset, err
		}
		if res.rolled {
			reset++
		}
	}
	if reset > 0 {
		l.logger.Info("daily budgets reset", zap.Int("tenants", reset))
	}
	return reset, nil
}

func (l *RedisLedger) Snapshot(ctx context.Context, tenantID string) (models.TenantBudget, error) {
	ok, err := l.store.Client.SIsMember(ctx, tenantsKey, tenantID).Result()
	if err != nil {
		return models.TenantBudget{}, fmt.Errorf("snapshot %s: %w", tenantID, err)
	}
	if !ok {
		return models.TenantBudget{}, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	if _, err := l.run(ctx, tenantID, "", 0, "rollover"); err != nil {
		return models.TenantBudget{}, err
	}

	ids, err := l.store.Client.SMembers(ctx, membersKey(tenantID)).Result()
	if err != nil {
		return models.TenantBudget{}, fmt.Errorf("snapshot %s: %w", tenantID, err)
	}

	var (
		tenantCmd    *redis.MapStringStringCmd
		campaignCmds = make(map[string]*redis.MapStringStringCmd, len(ids))
	)
	_, err = l.store.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		tenantCmd = p.HGetAll(ctx, tenantKey(tenantID))
		for _, id := range ids {
			campaignCmds[id] = p.HGetAll(ctx, campaignPrefix(tenantID)+id)
		}
		return nil
	})
	if err != nil {
		return models.TenantBudget{}, fmt.Errorf("snapshot %s: %w", tenantID, err)
	}

	th := tenantCmd.Val()
	snap := models.TenantBudget{
		TenantID:      tenantID,
		AccountSpend:  microsField(th, "accountSpend", 0),
		AccountLimit:  microsField(th, "accountLimit", l.defaults.AccountLimit),
		LastResetDate: th["lastReset"],
		Campaigns:     make(map[string]models.CampaignBudget, len(ids)),
	}
	for id, cmd := range campaignCmds {
		h := cmd.Val()
		c := models.CampaignBudget{
			CampaignID:    id,
			DailySpend:    microsField(h, "dailySpend", 0),
			TotalSpend:    microsField(h, "totalSpend", 0),
			DailyLimit:    microsField(h, "dailyLimit", l.defaults.DailyLimit),
			CampaignLimit: microsField(h, "campaignLimit", l.defaults.CampaignLimit),
		}
		if reason, ok := h["stopReason"]; ok {
			ts, _ := time.Parse(time.RFC3339Nano, h["stopAt"])
			c.EmergencyStop = &models.EmergencyStop{Reason: reason, Timestamp: ts}
		}
		snap.Campaigns[id] = c
	}
	return snap, nil
}

func (l *RedisLedger) Restore(ctx context.Context, snap models.TenantBudget) error {
	if snap.TenantID == "" {
		return ErrTenantRequired
	}
	tid := snap.TenantID
	old, err := l.store.Client.SMembers(ctx, membersKey(tid)).Result()
	if err != nil {
		return fmt.Errorf("restore %s: %w", tid, err)
	}
	_, err = l.store.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range old {
			p.Del(ctx, campaignPrefix(tid)+id)
		}
		p.Del(ctx, membersKey(tid), tenantKey(tid))
		p.HSet(ctx, tenantKey(tid),
			"accountSpend", int64(snap.AccountSpend),
			"accountLimit", int64(snap.AccountLimit),
			"lastReset", snap.LastResetDate)
		for id, c := range snap.Campaigns {
			fields := []interface{}{
				"dailySpend", int64(c.DailySpend),
				"totalSpend", int64(c.TotalSpend),
				"dailyLimit", int64(c.DailyLimit),
				"campaignLimit", int64(c.CampaignLimit),
			}
			if c.EmergencyStop != nil {
				fields = append(fields,
					"stopReason", c.EmergencyStop.Reason,
					"stopAt", c.EmergencyStop.Timestamp.UTC().Format(time.RFC3339Nano))
			}
			p.HSet(ctx, campaignPrefix(tid)+id, fields...)
			p.SAdd(ctx, membersKey(tid), id)
		}
		p.SAdd(ctx, tenantsKey, tid)
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore %s: %w", tid, err)
	}
	return nil
}

func (l *RedisLedger) Tenants(ctx context.Context) ([]string, error) {
	ids, err := l.store.Client.SMembers(ctx, tenantsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return ids, nil
}

func microsField(h map[string]string, field string, def models.Micros) models.Micros {
	v, ok := h[field]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return models.Micros(n)
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
