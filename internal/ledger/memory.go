package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/models"
	"github.com/patrickwarner/adguard/internal/observability"
)

// MemoryLedger keeps spend in process memory. Each tenant has its own
// mutex, so check-and-record is atomic per tenant and tenants never
// contend with each other.
type MemoryLedger struct {
	mu       sync.RWMutex
	tenants  map[string]*tenantState
	defaults Defaults
	loc      *time.Location
	logger   *zap.Logger
	metrics  observability.MetricsRegistry
}

type tenantState struct {
	mu           sync.Mutex
	id           string
	accountSpend models.Micros
	accountLimit models.Micros
	hasAccount   bool
	lastReset    string
	campaigns    map[string]*models.CampaignBudget
}

// NewMemoryLedger creates an in-memory ledger. loc decides where the day
// boundary falls; nil means UTC.
func NewMemoryLedger(defaults Defaults, loc *time.Location, logger *zap.Logger, metrics observability.MetricsRegistry) *MemoryLedger {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &MemoryLedger{
		tenants:  make(map[string]*tenantState),
		defaults: defaults,
		loc:      loc,
		logger:   logger,
		metrics:  metrics,
	}
}

// tenant returns the state for id, creating it on first use.
func (l *MemoryLedger) tenant(id string) *tenantState {
	l.mu.RLock()
	t, ok := l.tenants[id]
	l.mu.RUnlock()
	if ok {
		return t
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok = l.tenants[id]; ok {
		return t
	}
	t = &tenantState{
		id:        id,
		lastReset: dayKey(nowFn(), l.loc),
		campaigns: make(map[string]*models.CampaignBudget),
	}
	l.tenants[id] = t
	return t
}

// rollover zeroes daily spend when the day changed. Caller holds t.mu.
func (t *tenantState) rollover(today string) bool {
	if t.lastReset == today {
		return false
	}
	for _, c := range t.campaigns {
		c.DailySpend = 0
	}
	t.lastReset = today
	return true
}

func (l *MemoryLedger) accountLimit(t *tenantState) models.Micros {
	if t.hasAccount {
		return t.accountLimit
	}
	return l.defaults.AccountLimit
}

// campaign returns the campaign record. Missing records are created when
// create is set and otherwise returned as an unsaved record with default
// limits. An empty id never creates a record.
func (l *MemoryLedger) campaign(t *tenantState, id string, create bool) *models.CampaignBudget {
	if c, ok := t.campaigns[id]; ok {
		return c
	}
	c := &models.CampaignBudget{
		CampaignID:    id,
		DailyLimit:    l.defaults.DailyLimit,
		CampaignLimit: l.defaults.CampaignLimit,
	}
	if create && id != "" {
		t.campaigns[id] = c
	}
	return c
}

func (l *MemoryLedger) evaluate(t *tenantState, c *models.CampaignBudget, amount models.Micros) models.SpendDecision {
	checks := []limitCheck{
		{kind: models.LimitDaily, current: c.DailySpend, limit: c.DailyLimit},
		{kind: models.LimitCampaign, current: c.TotalSpend, limit: c.CampaignLimit},
		{kind: models.LimitAccount, current: t.accountSpend, limit: l.accountLimit(t)},
	}
	if c.CampaignID == "" {
		checks = checks[2:]
	}
	return decide(c.EmergencyStop, checks, amount)
}

func (l *MemoryLedger) CheckSpend(ctx context.Context, tenantID, campaignID string, amount models.Micros) (models.SpendDecision, error) {
	if err := checkArgs(tenantID, amount); err != nil {
		return models.SpendDecision{}, err
	}
	t := l.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover(dayKey(nowFn(), l.loc))
	d := l.evaluate(t, l.campaign(t, campaignID, false), amount)
	l.metrics.IncrementLedgerDecisions(string(d.Limit), d.Allowed)
	return d, nil
}

func (l *MemoryLedger) ReserveSpend(ctx context.Context, tenantID, campaignID string, amount models.Micros) (models.SpendDecision, error) {
	if err := checkArgs(tenantID, amount); err != nil {
		return models.SpendDecision{}, err
	}
	t := l.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover(dayKey(nowFn(), l.loc))
	c := l.campaign(t, campaignID, amount > 0)
	d := l.evaluate(t, c, amount)
	l.metrics.IncrementLedgerDecisions(string(d.Limit), d.Allowed)
	if !d.Allowed || amount == 0 {
		return d, nil
	}

	c.DailySpend = c.DailySpend.Add(amount)
	c.TotalSpend = c.TotalSpend.Add(amount)
	t.accountSpend = t.accountSpend.Add(amount)
	if campaignID != "" {
		l.metrics.SetSpendTotal(tenantID, campaignID, c.TotalSpend.Decimal().InexactFloat64())
	}
	return d, nil
}

func (l *MemoryLedger) RecordSpend(ctx context.Context, tenantID, campaignID string, amount models.Micros) error {
	d, err := l.ReserveSpend(ctx, tenantID, campaignID, amount)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("%w: %s", ErrBudgetExceeded, d.Reason)
	}
	return nil
}

func (l *MemoryLedger) ReleaseSpend(ctx context.Context, tenantID, campaignID string, amount models.Micros) error {
	if err := checkArgs(tenantID, amount); err != nil {
		return err
	}
	t := l.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover(dayKey(nowFn(), l.loc))
	if c, ok := t.campaigns[campaignID]; ok {
		c.DailySpend = floorZero(c.DailySpend - amount)
		c.TotalSpend = floorZero(c.TotalSpend - amount)
		l.metrics.SetSpendTotal(tenantID, campaignID, c.TotalSpend.Decimal().InexactFloat64())
	}
	t.accountSpend = floorZero(t.accountSpend - amount)
	return nil
}

func (l *MemoryLedger) SetCampaignLimits(ctx context.Context, tenantID, campaignID string, daily, lifetime models.Micros) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if campaignID == "" {
		return ErrCampaignRequired
	}
	if daily < 0 || lifetime < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidAmount)
	}
	t := l.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	c := l.campaign(t, campaignID, true)
	c.DailyLimit = daily
	c.CampaignLimit = lifetime
	return nil
}

func (l *MemoryLedger) SetAccountLimit(ctx context.Context, tenantID string, limit models.Micros) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidAmount)
	}
	t := l.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.accountLimit = limit
	t.hasAccount = true
	return nil
}

func (l *MemoryLedger) SetEmergencyStop(ctx context.Context, tenantID, campaignID, reason string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if campaignID == "" {
		return ErrCampaignRequired
	}
	t := l.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	c := l.campaign(t, campaignID, true)
	c.EmergencyStop = &models.EmergencyStop{Reason: reason, Timestamp: nowFn().UTC()}
	l.metrics.IncrementEmergencyStops("set")
	l.logger.Warn("emergency stop set",
		zap.String("tenant_id", tenantID),
		zap.String("campaign_id", campaignID),
		zap.String("reason", reason))
	return nil
}

func (l *MemoryLedger) ClearEmergencyStop(ctx context.Context, tenantID, campaignID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if campaignID == "" {
		return ErrCampaignRequired
	}
	t := l.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.campaigns[campaignID]; ok && c.EmergencyStop != nil {
		c.EmergencyStop = nil
		l.metrics.IncrementEmergencyStops("clear")
		l.logger.Info("emergency stop cleared",
			zap.String("tenant_id", tenantID),
			zap.String("campaign_id", campaignID))
	}
	return nil
}

func (l *MemoryLedger) ResetDailyBudgets(ctx context.Context) (int, error) {
	today := dayKey(nowFn(), l.loc)
	l.mu.RLock()
	states := make([]*tenantState, 0, len(l.tenants))
	for _, t := range l.tenants {
		states = append(states, t)
	}
	l.mu.RUnlock()

	reset := 0
	for _, t := range states {
		if err := ctx.Err(); err != nil {
			return reset, err
		}
		t.mu.Lock()
		if t.rollover(today) {
			reset++
		}
		t.mu.Unlock()
	}
	if reset > 0 {
		l.logger.Info("daily budgets reset", zap.Int("tenants", reset), zap.String("day", today))
	}
	return reset, nil
}

func (l *MemoryLedger) Snapshot(ctx context.Context, tenantID string) (models.TenantBudget, error) {
	l.mu.RLock()
	t, ok := l.tenants[tenantID]
	l.mu.RUnlock()
	if !ok {
		return models.TenantBudget{}, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollover(dayKey(nowFn(), l.loc))
	snap := models.TenantBudget{
		TenantID:      tenantID,
		AccountSpend:  t.accountSpend,
		AccountLimit:  l.accountLimit(t),
		LastResetDate: t.lastReset,
		Campaigns:     make(map[string]models.CampaignBudget, len(t.campaigns)),
	}
	for id, c := range t.campaigns {
		cp := *c
		if c.EmergencyStop != nil {
			stop := *c.EmergencyStop
			cp.EmergencyStop = &stop
		}
		snap.Campaigns[id] = cp
	}
	return snap, nil
}

// Restore replaces a tenant's state with snap. A snapshot from an earlier
// day is rolled over on the next access.
func (l *MemoryLedger) Restore(ctx context.Context, snap models.TenantBudget) error {
	if snap.TenantID == "" {
		return ErrTenantRequired
	}
	t := l.tenant(snap.TenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.accountSpend = snap.AccountSpend
	t.accountLimit = snap.AccountLimit
	t.hasAccount = true
	if snap.LastResetDate != "" {
		t.lastReset = snap.LastResetDate
	}
	t.campaigns = make(map[string]*models.CampaignBudget, len(snap.Campaigns))
	for id, c := range snap.Campaigns {
		cp := c
		cp.CampaignID = id
		t.campaigns[id] = &cp
	}
	return nil
}

func (l *MemoryLedger) Tenants(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.tenants))
	for id := range l.tenants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func floorZero(m models.Micros) models.Micros {
	if m < 0 {
		return 0
	}
	return m
}
