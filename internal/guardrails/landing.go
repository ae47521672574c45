package guardrails

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/models"
)

// checkLandingPage validates the destination and tracking template URLs.
func (v *Validator) checkLandingPage(ctx context.Context, m *models.Mutation, cfg models.GuardrailConfig, res *models.GuardrailResult) {
	if !cfg.LandingPage.Enabled {
		return
	}

	if raw, ok := m.Changes.String(models.FieldFinalURL); ok && raw != "" {
		target, ok := v.expand(m, models.FieldFinalURL, raw, res)
		if !ok {
			return
		}
		u, ok := checkURLSyntax(models.FieldFinalURL, target, res)
		if !ok {
			return
		}
		if cfg.LandingPage.RequireHTTPS && u.Scheme != "https" && !isLoopback(u.Hostname()) {
			res.AddViolation(models.Violation{
				Type:     models.ViolationInsecureURL,
				Severity: models.SeverityError,
				Message:  fmt.Sprintf("final url %s must use https", target),
				Field:    models.FieldFinalURL,
			})
			return
		}
		if cfg.LandingPage.CheckReachability {
			v.probeLandingPage(ctx, m, cfg, target, res)
		}
	}

	if raw, ok := m.Changes.String(models.FieldTrackingTemplate); ok && raw != "" {
		if target, ok := v.expand(m, models.FieldTrackingTemplate, raw, res); ok {
			checkURLSyntax(models.FieldTrackingTemplate, target, res)
		}
	}
}

// expand substitutes placeholders in raw. Unknown placeholders only warn.
func (v *Validator) expand(m *models.Mutation, field, raw string, res *models.GuardrailResult) (string, bool) {
	if v.macros == nil || !strings.Contains(raw, "{") {
		return raw, true
	}
	exp, err := v.macros.Expand(m, raw)
	if err != nil {
		res.AddViolation(models.Violation{
			Type:     models.ViolationInvalidURL,
			Severity: models.SeverityError,
			Message:  fmt.Sprintf("%s placeholders could not be expanded: %v", field, err),
			Field:    field,
		})
		return "", false
	}
	if len(exp.Unknown) > 0 {
		res.AddWarning(fmt.Sprintf("%s has unknown placeholders: %s", field, strings.Join(exp.Unknown, ", ")))
	}
	return exp.URL, true
}

func checkURLSyntax(field, raw string, res *models.GuardrailResult) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		res.AddViolation(models.Violation{
			Type:     models.ViolationInvalidURL,
			Severity: models.SeverityError,
			Message:  fmt.Sprintf("%s %q is not an absolute http(s) url", field, raw),
			Field:    field,
		})
		return nil, false
	}
	return u, true
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (v *Validator) probeLandingPage(ctx context.Context, m *models.Mutation, cfg models.GuardrailConfig, target string, res *models.GuardrailResult) {
	if v.probe == nil {
		res.AddWarning("landing page probe unavailable: reachability was not checked")
		return
	}
	pr, err := v.probe.Check(ctx, target)
	if err != nil {
		v.logger.Warn("landing page probe failed",
			zap.String("mutation_id", m.ID),
			zap.String("url", target),
			zap.Error(err))
		res.AddViolation(models.Violation{
			Type:     models.ViolationLandingPage,
			Severity: models.SeverityError,
			Message:  fmt.Sprintf("landing page %s could not be checked: %v", target, err),
			Field:    models.FieldFinalURL,
		})
		return
	}
	if !pr.Reachable {
		res.AddViolation(models.Violation{
			Type:     models.ViolationLandingPage,
			Severity: models.SeverityError,
			Message:  fmt.Sprintf("landing page %s is unreachable", target),
			Field:    models.FieldFinalURL,
		})
		return
	}
	switch {
	case pr.HTTPStatus == http.StatusNotFound || pr.HTTPStatus == http.StatusGone:
		res.AddViolation(models.Violation{
			Type:     models.ViolationLandingPage,
			Severity: models.SeverityCritical,
			Message:  fmt.Sprintf("landing page %s returned %d", target, pr.HTTPStatus),
			Field:    models.FieldFinalURL,
		})
	case pr.HTTPStatus >= 400:
		res.AddViolation(models.Violation{
			Type:     models.ViolationLandingPage,
			Severity: models.SeverityError,
			Message:  fmt.Sprintf("landing page %s returned %d", target, pr.HTTPStatus),
			Field:    models.FieldFinalURL,
		})
	}
	if cfg.LandingPage.RequireHTTPS && pr.FinalURL != "" && !pr.IsHTTPS {
		if u, err := url.Parse(pr.FinalURL); err == nil && !isLoopback(u.Hostname()) {
			res.AddViolation(models.Violation{
				Type:     models.ViolationInsecureURL,
				Severity: models.SeverityError,
				Message:  fmt.Sprintf("landing page redirects to insecure url %s", pr.FinalURL),
				Field:    models.FieldFinalURL,
			})
		}
	}
	if limit := cfg.LandingPage.MaxLoadTime; limit > 0 && pr.LoadTime > limit {
		res.AddWarning(fmt.Sprintf("landing page %s took %s to load, over the %s limit",
			target, pr.LoadTime.Round(time.Millisecond), limit))
	}
}
