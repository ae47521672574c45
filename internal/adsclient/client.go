// Package adsclient forwards normalized mutations to the ads platform
// through a mutation gateway service.
package adsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/models"
)

var (
	ErrGatewayNotConfigured = errors.New("ads gateway not configured")
	// ErrRejected means the platform refused the mutation itself. Retrying
	// the same mutation will not help.
	ErrRejected = errors.New("mutation rejected by ads platform")
)

// maxErrorBody bounds how much of an error response ends up in messages.
const maxErrorBody = 4 << 10

// GatewayClient posts mutations to {baseURL}/mutations.
type GatewayClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewGatewayClient(baseURL string, timeout time.Duration, logger *zap.Logger) *GatewayClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

type gatewayError struct {
	Error string `json:"error"`
}

// Apply sends m and returns what the platform applied. The mutation id is
// sent as the idempotency key.
func (c *GatewayClient) Apply(ctx context.Context, m models.Mutation) (models.ApplyOutcome, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return models.ApplyOutcome{}, fmt.Errorf("marshal mutation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mutations", bytes.NewReader(body))
	if err != nil {
		return models.ApplyOutcome{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", m.ID)
	req.Header.Set("X-Tenant-ID", m.TenantID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.ApplyOutcome{}, fmt.Errorf("http request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(raw))
		var ge gatewayError
		if json.Unmarshal(raw, &ge) == nil && ge.Error != "" {
			msg = ge.Error
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return models.ApplyOutcome{}, fmt.Errorf("%w: http %d: %s", ErrRejected, resp.StatusCode, msg)
		}
		return models.ApplyOutcome{}, fmt.Errorf("http %d: %s", resp.StatusCode, msg)
	}

	var out models.ApplyOutcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.ApplyOutcome{}, fmt.Errorf("decode response: %w", err)
	}
	c.logger.Debug("mutation applied",
		zap.String("mutation_id", m.ID),
		zap.String("resource_ref", out.ResourceRef))
	return out, nil
}

// Unconfigured fails every apply. It is used when no gateway URL is set so
// that dry runs and validation still work.
type Unconfigured struct{}

func (Unconfigured) Apply(context.Context, models.Mutation) (models.ApplyOutcome, error) {
	return models.ApplyOutcome{}, ErrGatewayNotConfigured
}
