package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bindevz/askgate/internal/catalog"
	"github.com/bindevz/askgate/internal/metrics"
	"github.com/bindevz/askgate/internal/planner"
	"github.com/bindevz/askgate/pkg/models"
)

// QueryCall is the backing-call identifier of the built-in dataset query
// tool. Tenant tool definitions point at it via ToolDefinition.Call.
const QueryCall = "builtin.query"

// QueryBackend executes a validated, normalized plan against the data
// tier.
type QueryBackend interface {
	RunPlan(ctx context.Context, tenant string, plan *planner.QueryPlan) (*models.QueryResult, error)
}

// QueryTool validates model-authored plans against the tenant catalog and
// hands only normalized plans to the backend.
type QueryTool struct {
	catalog   *catalog.Service
	backend   QueryBackend
	validator *planner.Validator
}

// NewQueryTool creates the built-in query tool.
func NewQueryTool(cat *catalog.Service, backend QueryBackend, limits planner.Limits) *QueryTool {
	return &QueryTool{
		catalog:   cat,
		backend:   backend,
		validator: planner.NewValidator(limits),
	}
}

// Handler adapts the tool to the registry's handler shape. The plan
// travels in the "plan" argument as a JSON object.
func (t *QueryTool) Handler() Handler {
	return func(ctx context.Context, ectx *models.ExecutionContext, args map[string]any) (json.RawMessage, error) {
		rawPlan, ok := args["plan"]
		if !ok {
			return nil, &models.ErrorEnvelope{
				Code:          models.CodePlanInvalid,
				Message:       "a plan object is required",
				Details:       []models.ErrorDetail{{Path: "plan", Code: "required", Message: "plan is required"}},
				CorrelationID: ectx.CorrelationID,
			}
		}
		encoded, err := json.Marshal(rawPlan)
		if err != nil {
			return nil, fmt.Errorf("encode plan: %w", err)
		}

		snap, err := t.catalog.Snapshot(ctx, ectx.TenantID)
		if err != nil {
			return nil, fmt.Errorf("load catalog for tenant %s: %w", ectx.TenantID, err)
		}

		plan, verr := t.validator.Validate(encoded, snap)
		if verr != nil {
			metrics.PlanRejections.WithLabelValues(ectx.TenantID, verr.Code).Inc()
			// Validation failures go back to the model so it can repair
			// the plan, carried as a structured envelope.
			return nil, &models.ErrorEnvelope{
				Code:    models.CodePlanInvalid,
				Message: "query plan rejected",
				Details: []models.ErrorDetail{{
					Path: verr.Path, Code: verr.Code, Message: verr.Message,
				}},
				CorrelationID: ectx.CorrelationID,
			}
		}

		result, err := t.backend.RunPlan(ctx, ectx.TenantID, plan)
		if err != nil {
			return nil, fmt.Errorf("run plan on dataset %s: %w", plan.DatasetKey, err)
		}
		out, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode query result: %w", err)
		}
		return out, nil
	}
}
