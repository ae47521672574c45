package macros

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// MacroExpander expands tracking-template placeholders such as {lpurl} and
// {_campaign} so a destination URL can be checked the way the ads platform
// will eventually request it.
type MacroExpander struct {
	logger       *zap.Logger
	expansions   map[string]ExpansionFunc
	expansionsMu sync.RWMutex
	strictMode   bool // If true, any expansion failure fails the whole URL

	metrics *expanderMetrics
}

type expanderMetrics struct {
	expansionCounter  *prometheus.CounterVec
	expansionDuration prometheus.Histogram
	failureCounter    *prometheus.CounterVec
}

// ExpansionFunc defines the signature for macro expansion functions
type ExpansionFunc func(ctx *ExpansionContext) (string, error)

// ExpansionContext contains the values placeholders expand to.
type ExpansionContext struct {
	FinalURL   string
	Keyword    string
	CampaignID string
	AdGroupID  string
	CreativeID string
	Device     string
	MatchType  string
	Timestamp  time.Time

	// CustomParams holds {_name} values, keyed without the underscore.
	CustomParams map[string]string
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *expanderMetrics
)

func newExpanderMetrics(factory promauto.Factory) *expanderMetrics {
	return &expanderMetrics{
		expansionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adguard_macro_expansions_total",
				Help: "Total number of tracking template placeholder expansions",
			},
			[]string{"macro", "success"},
		),
		expansionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "adguard_macro_expansion_duration_seconds",
				Help:    "Time taken to expand all placeholders in a URL",
				Buckets: prometheus.DefBuckets,
			},
		),
		failureCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adguard_macro_expansion_failures_total",
				Help: "Total number of placeholder expansion failures",
			},
			[]string{"macro", "error_type"},
		),
	}
}

// NewMacroExpander creates a lenient expander reporting to the global registry.
func NewMacroExpander(logger *zap.Logger) *MacroExpander {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = newExpanderMetrics(promauto.With(prometheus.DefaultRegisterer))
	})
	return newMacroExpander(logger, false, defaultMetrics)
}

// NewMacroExpanderForTesting creates an expander with its own registry.
func NewMacroExpanderForTesting(logger *zap.Logger, strictMode bool) *MacroExpander {
	return newMacroExpander(logger, strictMode, newExpanderMetrics(promauto.With(prometheus.NewRegistry())))
}

func newMacroExpander(logger *zap.Logger, strictMode bool, m *expanderMetrics) *MacroExpander {
	if logger == nil {
		logger = zap.NewNop()
	}
	expander := &MacroExpander{
		logger:     logger,
		expansions: make(map[string]ExpansionFunc),
		strictMode: strictMode,
		metrics:    m,
	}
	expander.registerDefaultMacros()
	return expander
}

// SetStrictMode enables or disables strict macro expansion mode
func (e *MacroExpander) SetStrictMode(strict bool) {
	e.expansionsMu.Lock()
	e.strictMode = strict
	e.expansionsMu.Unlock()
}

// ExpandURL expands every known placeholder in rawURL. A leading {lpurl} is
// replaced by the final URL as is; everywhere else values are query escaped.
// Unknown placeholders are left in place; ValidateURL reports them.
func (e *MacroExpander) ExpandURL(rawURL string, ctx *ExpansionContext) (string, error) {
	start := time.Now()
	defer func() {
		e.metrics.expansionDuration.Observe(time.Since(start).Seconds())
	}()

	if rawURL == "" {
		return "", nil
	}
	if ctx == nil {
		ctx = &ExpansionContext{}
	}

	expanded := rawURL
	if strings.HasPrefix(asciiLower(expanded), "{lpurl}") {
		expanded = ctx.FinalURL + expanded[len("{lpurl}"):]
		e.metrics.expansionCounter.WithLabelValues("lpurl", "true").Inc()
	}

	expanded = e.expandCustomParams(expanded, ctx)

	expanded, macrosFound, err := e.expandStandardMacros(expanded, ctx)
	if err != nil {
		e.expansionsMu.RLock()
		strict := e.strictMode
		e.expansionsMu.RUnlock()
		if strict {
			return "", err
		}
		e.logger.Warn("Macro expansion completed with errors, continuing with partial expansion",
			zap.String("original_url", rawURL),
			zap.String("partial_url", expanded),
			zap.Error(err))
	}

	if macrosFound > 0 {
		e.logger.Debug("Expanded macros in URL",
			zap.String("original_url", rawURL),
			zap.String("expanded_url", expanded),
			zap.Int("macros_found", macrosFound))
	}

	return expanded, nil
}

// expandStandardMacros replaces all registered placeholders in one pass.
func (e *MacroExpander) expandStandardMacros(rawURL string, ctx *ExpansionContext) (string, int, error) {
	e.expansionsMu.RLock()
	defer e.expansionsMu.RUnlock()

	lower := asciiLower(rawURL)
	var foundMacros []string
	for macro := range e.expansions {
		if strings.Contains(lower, "{"+macro+"}") {
			foundMacros = append(foundMacros, macro)
		}
	}
	if len(foundMacros) == 0 {
		return rawURL, 0, nil
	}
	sort.Strings(foundMacros)

	var replacements []string
	var firstErr error
	for _, macro := range foundMacros {
		value, err := e.expansions[macro](ctx)
		if err != nil {
			e.metrics.expansionCounter.WithLabelValues(macro, "false").Inc()
			e.metrics.failureCounter.WithLabelValues(macro, "expansion_error").Inc()
			e.logger.Error("Failed to expand macro",
				zap.String("macro", macro),
				zap.String("url", rawURL),
				zap.Error(err))
			if e.strictMode {
				return "", 0, fmt.Errorf("macro expansion failed in strict mode for macro '%s': %w", macro, err)
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("macro %s: %w", macro, err)
			}
			continue
		}
		replacements = append(replacements, "{"+macro+"}", url.QueryEscape(value))
		e.metrics.expansionCounter.WithLabelValues(macro, "true").Inc()
	}

	if len(replacements) == 0 {
		return rawURL, 0, firstErr
	}
	return replaceFold(rawURL, replacements), len(foundMacros), firstErr
}

// replaceFold is strings.Replacer with case-insensitive placeholder matching.
// Placeholders in pairs must be lower case.
func replaceFold(s string, pairs []string) string {
	var b strings.Builder
	lower := asciiLower(s)
	i := 0
outer:
	for i < len(s) {
		if s[i] == '{' {
			for p := 0; p+1 < len(pairs); p += 2 {
				if strings.HasPrefix(lower[i:], pairs[p]) {
					b.WriteString(pairs[p+1])
					i += len(pairs[p])
					continue outer
				}
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// asciiLower lowers A-Z only, so byte offsets match the input.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// RegisterMacro adds a custom macro expansion function
func (e *MacroExpander) RegisterMacro(name string, expansionFunc ExpansionFunc) error {
	if name == "" {
		return fmt.Errorf("macro name cannot be empty")
	}
	if expansionFunc == nil {
		return fmt.Errorf("expansion function cannot be nil")
	}
	if strings.HasPrefix(name, "_") {
		return fmt.Errorf("macro %q clashes with custom parameter syntax", name)
	}

	e.expansionsMu.Lock()
	defer e.expansionsMu.Unlock()
	e.expansions[strings.ToLower(name)] = expansionFunc

	e.logger.Info("Registered custom macro", zap.String("macro", name))
	return nil
}

// GetRegisteredMacros returns a sorted list of all registered macro names
func (e *MacroExpander) GetRegisteredMacros() []string {
	e.expansionsMu.RLock()
	defer e.expansionsMu.RUnlock()

	macros := make([]string, 0, len(e.expansions))
	for name := range e.expansions {
		macros = append(macros, name)
	}
	sort.Strings(macros)
	return macros
}

// registerDefaultMacros registers the ValueTrack parameters that appear in
// tracking templates and final URL suffixes.
func (e *MacroExpander) registerDefaultMacros() {
	e.expansions["lpurl"] = func(ctx *ExpansionContext) (string, error) {
		if ctx.FinalURL == "" {
			return "", fmt.Errorf("no final url to substitute")
		}
		return ctx.FinalURL, nil
	}
	e.expansions["keyword"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.Keyword, nil
	}
	e.expansions["campaignid"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.CampaignID, nil
	}
	e.expansions["adgroupid"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.AdGroupID, nil
	}
	e.expansions["creative"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.CreativeID, nil
	}
	e.expansions["device"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.Device, nil
	}
	e.expansions["matchtype"] = func(ctx *ExpansionContext) (string, error) {
		return ctx.MatchType, nil
	}
	e.expansions["timestamp"] = func(ctx *ExpansionContext) (string, error) {
		ts := ctx.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		return fmt.Sprintf("%d", ts.Unix()), nil
	}
}

// expandCustomParams expands {_name} placeholders from CustomParams.
func (e *MacroExpander) expandCustomParams(rawURL string, ctx *ExpansionContext) string {
	if len(ctx.CustomParams) == 0 {
		return rawURL
	}
	expanded := rawURL
	for key, value := range ctx.CustomParams {
		placeholder := "{_" + key + "}"
		if strings.Contains(expanded, placeholder) {
			expanded = strings.ReplaceAll(expanded, placeholder, url.QueryEscape(value))
			e.metrics.expansionCounter.WithLabelValues("_custom", "true").Inc()
		}
	}
	return expanded
}

// ValidateURL returns the placeholders in rawURL that nothing would expand.
// Custom parameters count as known only when ctx supplies them.
func (e *MacroExpander) ValidateURL(rawURL string, ctx *ExpansionContext) []string {
	var unsupported []string

	macroStart := 0
	for {
		start := strings.Index(rawURL[macroStart:], "{")
		if start == -1 {
			break
		}
		start += macroStart

		end := strings.Index(rawURL[start:], "}")
		if end == -1 {
			break
		}
		end += start

		macro := rawURL[start+1 : end]
		macroStart = end + 1

		if strings.HasPrefix(macro, "_") {
			if ctx != nil {
				if _, ok := ctx.CustomParams[macro[1:]]; ok {
					continue
				}
			}
			unsupported = append(unsupported, macro)
			continue
		}

		e.expansionsMu.RLock()
		_, supported := e.expansions[strings.ToLower(macro)]
		e.expansionsMu.RUnlock()
		if !supported {
			unsupported = append(unsupported, macro)
		}
	}

	return unsupported
}
