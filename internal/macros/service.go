package macros

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/models"
)

// Sample values used when a mutation does not carry the real one. They only
// need to produce a URL that parses and probes like the live one.
const (
	sampleKeyword  = "sample keyword"
	sampleEntityID = "1234567890"
	sampleDevice   = "c"
	sampleMatch    = "e"
)

// Service expands tracking templates found on mutations.
type Service struct {
	expander *MacroExpander
	logger   *zap.Logger
}

// NewService creates a new macro expansion service
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		expander: NewMacroExpander(logger),
		logger:   logger.Named("macro_service"),
	}
}

// NewServiceForTesting creates a service with isolated metrics.
func NewServiceForTesting(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		expander: NewMacroExpanderForTesting(logger, false),
		logger:   logger.Named("macro_service"),
	}
}

// GetRegisteredMacros returns a list of all registered macro names
func (s *Service) GetRegisteredMacros() []string {
	return s.expander.GetRegisteredMacros()
}

// Expansion is a URL with its placeholders substituted.
type Expansion struct {
	URL string
	// Unknown lists placeholders nothing could expand. They are left in URL.
	Unknown []string
}

// Expand substitutes placeholders in rawURL with values taken from m.
func (s *Service) Expand(m *models.Mutation, rawURL string) (Expansion, error) {
	ctx := NewContextFromMutation(m)
	unknown := s.expander.ValidateURL(rawURL, ctx)
	expanded, err := s.expander.ExpandURL(rawURL, ctx)
	if err != nil {
		return Expansion{URL: rawURL, Unknown: unknown}, err
	}
	if len(unknown) > 0 {
		s.logger.Debug("unknown placeholders in url",
			zap.String("mutation_id", m.ID),
			zap.Strings("placeholders", unknown))
	}
	return Expansion{URL: expanded, Unknown: unknown}, nil
}

// NewContextFromMutation fills an expansion context from the mutation's
// changes, falling back to its pre-state and then to sample values.
func NewContextFromMutation(m *models.Mutation) *ExpansionContext {
	ctx := &ExpansionContext{
		Keyword:    sampleKeyword,
		CampaignID: sampleEntityID,
		AdGroupID:  sampleEntityID,
		CreativeID: sampleEntityID,
		Device:     sampleDevice,
		MatchType:  sampleMatch,
		Timestamp:  time.Now(),
	}
	if m == nil {
		return ctx
	}

	lookup := func(field string) (string, bool) {
		if v, ok := m.Changes.String(field); ok && v != "" {
			return v, true
		}
		if v, ok := m.PreState.String(field); ok && v != "" {
			return v, true
		}
		return "", false
	}

	if v, ok := lookup(models.FieldFinalURL); ok {
		ctx.FinalURL = v
	}
	if m.ResourceType == models.ResourceKeyword {
		if v, ok := lookup(models.FieldText); ok {
			ctx.Keyword = v
		}
	}
	if id := m.CampaignID(); id != "" {
		ctx.CampaignID = id
	}
	if m.ResourceType == models.ResourceAdGroup && m.EntityID != "" {
		ctx.AdGroupID = m.EntityID
	} else if v, ok := lookup(models.FieldAdGroupID); ok {
		ctx.AdGroupID = v
	}
	if m.ResourceType == models.ResourceAd && m.EntityID != "" {
		ctx.CreativeID = m.EntityID
	}
	if devices, ok := m.Changes.Strings(models.FieldDevices); ok && len(devices) > 0 {
		ctx.Device = deviceCode(devices[0])
	}
	if v, ok := lookup(models.FieldMatchType); ok {
		ctx.MatchType = matchTypeCode(v)
	}
	ctx.CustomParams = customParams(m.Changes)
	if ctx.CustomParams == nil {
		ctx.CustomParams = customParams(m.PreState)
	}
	return ctx
}

func deviceCode(device string) string {
	switch strings.ToLower(device) {
	case "mobile", "phone", "smartphone":
		return "m"
	case "tablet":
		return "t"
	default:
		return "c"
	}
}

func matchTypeCode(matchType string) string {
	switch strings.ToLower(matchType) {
	case "phrase", "p":
		return "p"
	case "broad", "b":
		return "b"
	default:
		return "e"
	}
}

// customParams reads urlCustomParameters, given either as an object or as a
// list of {key, value} objects.
func customParams(c models.Changes) map[string]string {
	raw, ok := c.Get(models.FieldCustomParameters)
	if !ok || raw == nil {
		return nil
	}
	out := make(map[string]string)
	put := func(k string, v any) {
		k = strings.TrimPrefix(strings.TrimSpace(k), "_")
		if k == "" {
			return
		}
		if s, ok := v.(string); ok {
			out[k] = s
			return
		}
		tmp := models.NewChanges("v", v)
		s, _ := tmp.String("v")
		out[k] = s
	}
	switch t := raw.(type) {
	case map[string]string:
		for k, v := range t {
			put(k, v)
		}
	case map[string]any:
		for k, v := range t {
			put(k, v)
		}
	case []any:
		for _, item := range t {
			if kv, ok := item.(map[string]any); ok {
				if k, ok := kv["key"].(string); ok {
					put(k, kv["value"])
				}
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
