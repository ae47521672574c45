package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/adguard/internal/app"
	"github.com/patrickwarner/adguard/internal/applier"
	"github.com/patrickwarner/adguard/internal/models"
)

// mcpActor is recorded in audit entries written on behalf of MCP clients.
const mcpActor = "mcp"

// defaultAuditLimit caps query_audit when the caller sets no limit.
const defaultAuditLimit = 100

type ValidateMutationInput struct {
	Mutation json.RawMessage `json:"mutation"`
}

type DryRunBatchInput struct {
	Mutations        json.RawMessage `json:"mutations"`
	BypassGuardrails bool            `json:"bypass_guardrails,omitempty"`
}

type QueryAuditInput struct {
	TenantID string `json:"tenant_id,omitempty"`
	Actor    string `json:"actor,omitempty"`
	Action   string `json:"action,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
	Result   string `json:"result,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// GuardrailTools exposes the read-only side of the pipeline to MCP clients.
// Applying mutations stays behind the HTTP API's explicit confirmation.
type GuardrailTools struct {
	app    *app.App
	logger *zap.Logger
}

// jsonResult renders v as the tool's text content.
func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil
}

// toolError reports a bad request to the client rather than failing the call.
func toolError(format string, args ...interface{}) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
	}
}

// ValidateMutation runs the guardrails over one mutation.
func (g *GuardrailTools) ValidateMutation(ctx context.Context, req *mcp.CallToolRequest, input ValidateMutationInput) (*mcp.CallToolResult, any, error) {
	if len(input.Mutation) == 0 {
		return toolError("mutation is required"), nil, nil
	}
	m, err := models.NormalizeMutation(input.Mutation)
	if err != nil {
		return toolError("invalid mutation: %v", err), nil, nil
	}
	res := g.app.Validator.Validate(ctx, m)
	g.logger.Info("mutation validated",
		zap.String("mutation_id", m.ID),
		zap.Bool("passed", res.Passed),
		zap.Int("violations", len(res.Violations)))
	out, err := jsonResult(res)
	return out, nil, err
}

// DryRunBatch previews a batch without applying anything.
func (g *GuardrailTools) DryRunBatch(ctx context.Context, req *mcp.CallToolRequest, input DryRunBatchInput) (*mcp.CallToolResult, any, error) {
	if len(input.Mutations) == 0 {
		return toolError("mutations are required"), nil, nil
	}
	batch, err := models.NormalizeBatch(input.Mutations)
	if err != nil {
		return toolError("invalid batch: %v", err), nil, nil
	}
	res, err := g.app.Applier.Apply(ctx, batch, applier.Options{
		DryRun:           true,
		BypassGuardrails: input.BypassGuardrails,
		Actor:            mcpActor,
		Timeout:          g.app.Config.ApplyTimeout,
	})
	if err != nil {
		if res == nil {
			return toolError("dry run failed: %v", err), nil, nil
		}
		// the preview is still useful when only its audit entry failed
		g.logger.Error("dry run not recorded in audit log", zap.Error(err))
	}
	out, err := jsonResult(res)
	return out, nil, err
}

// QueryAudit lists audit entries, newest first.
func (g *GuardrailTools) QueryAudit(ctx context.Context, req *mcp.CallToolRequest, input QueryAuditInput) (*mcp.CallToolResult, any, error) {
	f := models.AuditFilter{
		TenantID: input.TenantID,
		Actor:    input.Actor,
		Action:   models.AuditAction(input.Action),
		EntityID: input.EntityID,
		Result:   models.AuditResult(input.Result),
		Limit:    input.Limit,
	}
	if f.Limit <= 0 {
		f.Limit = defaultAuditLimit
	}
	var err error
	if input.From != "" {
		if f.From, err = time.Parse(time.RFC3339, input.From); err != nil {
			return toolError("invalid from: %v", err), nil, nil
		}
	}
	if input.To != "" {
		if f.To, err = time.Parse(time.RFC3339, input.To); err != nil {
			return toolError("invalid to: %v", err), nil, nil
		}
	}
	entries, err := g.app.Audit.Query(ctx, f)
	if err != nil {
		return nil, nil, fmt.Errorf("query audit log: %w", err)
	}
	out, err := jsonResult(entries)
	return out, nil, err
}

func (g *GuardrailTools) register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "validate_mutation",
		Description: "Check one proposed ads mutation against the guardrail policy and budget ledger without applying it",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"mutation": map[string]interface{}{
					"type":        "object",
					"description": "Mutation with kind, resourceType, entityId, tenantId, changes and optional estimatedCost",
				},
			},
			"required": []string{"mutation"},
		},
	}, g.ValidateMutation)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "dry_run_batch",
		Description: "Preview a batch of mutations: conflicts, guardrail results, affected entities and budget delta",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"mutations": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "object"},
					"description": "Mutations in submission order",
				},
				"bypass_guardrails": map[string]interface{}{
					"type":        "boolean",
					"description": "Preview as if guardrail rejections were bypassed (optional)",
				},
			},
			"required": []string{"mutations"},
		},
	}, g.DryRunBatch)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "query_audit",
		Description: "Search the audit log of validations, applies, rollbacks and operator actions",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"tenant_id": map[string]interface{}{"type": "string", "description": "Tenant (ads account) ID"},
				"actor":     map[string]interface{}{"type": "string", "description": "Who performed the action"},
				"action": map[string]interface{}{
					"type": "string",
					"enum": []string{
						string(models.ActionApply), string(models.ActionRollback), string(models.ActionDryRun),
						string(models.ActionSavePointCreated), string(models.ActionSavePointRecovered),
						string(models.ActionGuardrailBypass), string(models.ActionEmergencyStopSet),
						string(models.ActionEmergencyStopCleared), string(models.ActionLedgerReset),
						string(models.ActionPolicyReload),
					},
				},
				"entity_id": map[string]interface{}{"type": "string"},
				"result": map[string]interface{}{
					"type": "string",
					"enum": []string{string(models.ResultSuccess), string(models.ResultFailed), string(models.ResultSkipped)},
				},
				"from":  map[string]interface{}{"type": "string", "format": "date-time"},
				"to":    map[string]interface{}{"type": "string", "format": "date-time"},
				"limit": map[string]interface{}{"type": "integer", "minimum": 1, "description": "Defaults to 100"},
			},
		},
	}, g.QueryAudit)
}
