package macros

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

func testContext() *ExpansionContext {
	return &ExpansionContext{
		FinalURL:   "https://shop.example.com/shoes?a=1",
		Keyword:    "running shoes",
		CampaignID: "111",
		AdGroupID:  "222",
		CreativeID: "333",
		Device:     "m",
		MatchType:  "e",
		CustomParams: map[string]string{
			"season": "fall sale",
		},
	}
}

func TestMacroExpander_ExpandURL(t *testing.T) {
	logger := zaptest.NewLogger(t)
	expander := NewMacroExpanderForTesting(logger, false)
	ctx := testContext()

	tests := []struct {
		name        string
		rawURL      string
		expectedURL string
	}{
		{
			name:        "No macros",
			rawURL:      "https://example.com/landing",
			expectedURL: "https://example.com/landing",
		},
		{
			name:        "Leading lpurl is inserted unescaped",
			rawURL:      "{lpurl}&kw={keyword}",
			expectedURL: "https://shop.example.com/shoes?a=1&kw=running+shoes",
		},
		{
			name:        "Embedded lpurl is escaped",
			rawURL:      "https://track.example.com/?url={lpurl}",
			expectedURL: "https://track.example.com/?url=https%3A%2F%2Fshop.example.com%2Fshoes%3Fa%3D1",
		},
		{
			name:        "Placeholders match case-insensitively",
			rawURL:      "https://x.example.com/?c={CampaignID}&g={adgroupid}&cr={CREATIVE}",
			expectedURL: "https://x.example.com/?c=111&g=222&cr=333",
		},
		{
			name:        "Device and match type",
			rawURL:      "https://x.example.com/?d={device}&mt={matchtype}",
			expectedURL: "https://x.example.com/?d=m&mt=e",
		},
		{
			name:        "Custom parameter",
			rawURL:      "https://x.example.com/?s={_season}",
			expectedURL: "https://x.example.com/?s=fall+sale",
		},
		{
			name:        "Unknown placeholder is left alone",
			rawURL:      "https://x.example.com/?z={network}&k={keyword}",
			expectedURL: "https://x.example.com/?z={network}&k=running+shoes",
		},
		{
			name:        "Empty URL",
			rawURL:      "",
			expectedURL: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expander.ExpandURL(tt.rawURL, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expectedURL {
				t.Errorf("expected %q, got %q", tt.expectedURL, got)
			}
		})
	}
}

func TestMacroExpander_StrictAndLenientModes(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := &ExpansionContext{Keyword: "shoes"}
	rawURL := "https://track.example.com/?u={lpurl}&k={keyword}"

	strict := NewMacroExpanderForTesting(logger, true)
	if _, err := strict.ExpandURL(rawURL, ctx); err == nil {
		t.Error("expected strict mode to fail when lpurl has no value")
	}

	lenient := NewMacroExpanderForTesting(logger, false)
	got, err := lenient.ExpandURL(rawURL, ctx)
	if err != nil {
		t.Fatalf("lenient mode should not fail: %v", err)
	}
	if !strings.Contains(got, "k=shoes") {
		t.Errorf("expected working macros to expand, got %q", got)
	}
	if !strings.Contains(got, "{lpurl}") {
		t.Errorf("expected failing macro to stay in place, got %q", got)
	}
}

func TestMacroExpander_FailingCustomMacro(t *testing.T) {
	logger := zaptest.NewLogger(t)
	expander := NewMacroExpanderForTesting(logger, false)

	err := expander.RegisterMacro("FAILING_MACRO", func(ctx *ExpansionContext) (string, error) {
		return "", fmt.Errorf("test macro failure")
	})
	if err != nil {
		t.Fatalf("failed to register macro: %v", err)
	}

	got, err := expander.ExpandURL("https://x.example.com/?good={campaignid}&bad={failing_macro}", testContext())
	if err != nil {
		t.Fatalf("expected expansion to succeed despite failing macro: %v", err)
	}
	if got != "https://x.example.com/?good=111&bad={failing_macro}" {
		t.Errorf("unexpected url %q", got)
	}
}

func TestMacroExpander_RegisterMacro(t *testing.T) {
	logger := zaptest.NewLogger(t)
	expander := NewMacroExpanderForTesting(logger, false)

	if err := expander.RegisterMacro("", func(*ExpansionContext) (string, error) { return "", nil }); err == nil {
		t.Error("expected error for empty name")
	}
	if err := expander.RegisterMacro("network", nil); err == nil {
		t.Error("expected error for nil function")
	}
	if err := expander.RegisterMacro("_custom", func(*ExpansionContext) (string, error) { return "", nil }); err == nil {
		t.Error("expected error for underscore prefixed name")
	}

	err := expander.RegisterMacro("Network", func(*ExpansionContext) (string, error) { return "g", nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := expander.ExpandURL("https://x.example.com/?n={network}", testContext())
	if got != "https://x.example.com/?n=g" {
		t.Errorf("unexpected url %q", got)
	}

	found := false
	for _, m := range expander.GetRegisteredMacros() {
		if m == "network" {
			found = true
		}
	}
	if !found {
		t.Error("registered macro missing from list")
	}
}

func TestMacroExpander_ValidateURL(t *testing.T) {
	logger := zaptest.NewLogger(t)
	expander := NewMacroExpanderForTesting(logger, false)

	got := expander.ValidateURL("https://x.example.com/?a={foo}&b={_missing}&c={keyword}&d={_season}", testContext())
	want := []string{"foo", "_missing"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	if got := expander.ValidateURL("https://x.example.com/{unterminated", nil); len(got) != 0 {
		t.Errorf("unterminated placeholder should be ignored, got %v", got)
	}
}
