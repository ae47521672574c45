package guardrails

import (
	"fmt"
	"sort"
	"strings"

	"github.com/patrickwarner/adguard/internal/models"
)

// Platform bid bounds in micros. Bids outside them are rejected upstream.
const (
	minBidMicros models.Micros = 50_000
	maxBidMicros models.Micros = 50_000_000
)

var deviceAliases = map[string]string{
	"phone":      "mobile",
	"smartphone": "mobile",
	"computer":   "desktop",
	"pc":         "desktop",
	"tv":         "connected_tv",
	"ctv":        "connected_tv",
}

// NormalizeDevice lowercases a device name and resolves common aliases.
func NormalizeDevice(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if alias, ok := deviceAliases[d]; ok {
		return alias
	}
	return d
}

// checkDevices rejects devices outside the allowed set and suggests the
// allowed subset. An empty allow list permits every device.
func checkDevices(m *models.Mutation, cfg models.GuardrailConfig, res *models.GuardrailResult) {
	if len(cfg.AllowedDevices) == 0 {
		return
	}
	requested, ok := m.Changes.Strings(models.FieldDevices)
	if !ok {
		return
	}

	allowed := make(map[string]bool, len(cfg.AllowedDevices))
	var allowedList []string
	for _, d := range cfg.AllowedDevices {
		d = NormalizeDevice(d)
		if !allowed[d] {
			allowed[d] = true
			allowedList = append(allowedList, d)
		}
	}

	var keep, rejected []string
	seen := make(map[string]bool)
	for _, d := range requested {
		d = NormalizeDevice(d)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		if allowed[d] {
			keep = append(keep, d)
		} else {
			rejected = append(rejected, d)
		}
	}
	if len(rejected) == 0 {
		return
	}
	sort.Strings(rejected)

	if len(keep) == 0 {
		keep = allowedList
	}
	res.AddViolation(models.Violation{
		Type:           models.ViolationDeviceTargeting,
		Severity:       models.SeverityError,
		Message:        fmt.Sprintf("devices not allowed: %s", strings.Join(rejected, ", ")),
		Field:          models.FieldDevices,
		SuggestedValue: strings.Join(keep, ","),
	})
	res.Modifications.Set(models.FieldDevices, keep)
}

type bidField struct {
	field   string
	label   string
	ceiling func(models.BidLimits) models.Micros
}

var bidFields = []bidField{
	{models.FieldCPCBidMicros, "CPC", func(b models.BidLimits) models.Micros { return b.MaxCPCMicros }},
	{models.FieldCPMBidMicros, "CPM", func(b models.BidLimits) models.Micros { return b.MaxCPMMicros }},
}

// checkBids enforces the configured ceilings and the platform range.
func checkBids(m *models.Mutation, cfg models.GuardrailConfig, res *models.GuardrailResult) {
	for _, bf := range bidFields {
		n, ok, err := m.Changes.Int64(bf.field)
		if !ok {
			continue
		}
		if err != nil {
			res.AddViolation(models.Violation{
				Type:     models.ViolationInvalidValue,
				Severity: models.SeverityError,
				Message:  err.Error(),
				Field:    bf.field,
			})
			continue
		}
		bid := models.Micros(n)

		if ceiling := bf.ceiling(cfg.Bids); ceiling > 0 && bid > ceiling {
			res.AddViolation(models.Violation{
				Type:           models.ViolationBidLimit,
				Severity:       models.SeverityError,
				Message:        fmt.Sprintf("%s bid %s exceeds the maximum %s", bf.label, bid, ceiling),
				Field:          bf.field,
				SuggestedValue: ceiling.Raw(),
			})
			res.Modifications.Set(bf.field, ceiling.Raw())
		}

		if bid < minBidMicros || bid > maxBidMicros {
			clamped := min(max(bid, minBidMicros), maxBidMicros)
			res.AddViolation(models.Violation{
				Type:           models.ViolationBidRange,
				Severity:       models.SeverityError,
				Message:        fmt.Sprintf("%s bid %s is outside the allowed range %s to %s", bf.label, bid, minBidMicros, maxBidMicros),
				Field:          bf.field,
				SuggestedValue: clamped.Raw(),
			})
			if !res.Modifications.Has(bf.field) {
				res.Modifications.Set(bf.field, clamped.Raw())
			}
		}
	}
}

// checkKeywords rejects keyword text containing a prohibited term and warns
// about campaigns created without a shared negative list.
func checkKeywords(m *models.Mutation, cfg models.GuardrailConfig, res *models.GuardrailResult) {
	if m.ResourceType == models.ResourceKeyword && (m.Kind == models.KindCreate || m.Kind == models.KindUpdate) {
		if text, ok := m.Changes.String(models.FieldText); ok && text != "" {
			lower := strings.ToLower(text)
			for _, term := range cfg.Keywords.ProhibitedTerms {
				t := strings.ToLower(strings.TrimSpace(term))
				if t == "" || !strings.Contains(lower, t) {
					continue
				}
				res.AddViolation(models.Violation{
					Type:     models.ViolationProhibitedKeyword,
					Severity: models.SeverityError,
					Message:  fmt.Sprintf("keyword %q contains prohibited term %q", text, term),
					Field:    models.FieldText,
				})
			}
		}
	}

	if cfg.Keywords.RequireSharedNegativeList && m.ResourceType == models.ResourceCampaign && m.Kind == models.KindCreate {
		lists, ok := m.Changes.Strings(models.FieldSharedNegativeListIDs)
		if !ok || len(lists) == 0 {
			res.AddWarning("campaign is created without a shared negative keyword list")
		}
	}
}
