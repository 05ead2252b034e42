// Package tools governs and executes backend tool calls requested by the
// model. Every invocation passes the same gate: the tool must exist and
// be enabled, the caller must hold its required roles, the tool must sit
// inside the turn's resolved module scope, and the arguments must match
// the tool's schema. Only then does the backing call run.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bindevz/askgate/internal/store"
	"github.com/bindevz/askgate/pkg/models"
)

// Handler executes one tool's backing call with validated arguments.
type Handler func(ctx context.Context, ectx *models.ExecutionContext, args map[string]any) (json.RawMessage, error)

// Registry binds tenant tool definitions to their handlers. Definitions
// live in the store; handlers are registered in code by Call identifier.
type Registry struct {
	store store.ToolStore

	mu       sync.RWMutex
	handlers map[string]Handler // key: Call identifier
}

// NewRegistry creates a registry over the given tool store.
func NewRegistry(s store.ToolStore) *Registry {
	return &Registry{store: s, handlers: make(map[string]Handler)}
}

// Bind registers the handler for a backing-call identifier.
func (r *Registry) Bind(call string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[call] = h
}

// Visible lists the enabled tools the caller may see, restricted to the
// given module scope. An empty scope means all modules.
func (r *Registry) Visible(ctx context.Context, ectx *models.ExecutionContext, modules []string) ([]models.ToolDefinition, error) {
	defs, err := r.store.ListTools(ctx, ectx.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	scope := make(map[string]bool, len(modules))
	for _, m := range modules {
		scope[strings.ToLower(m)] = true
	}

	out := make([]models.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if !d.Enabled {
			continue
		}
		if len(scope) > 0 && !scope[strings.ToLower(d.Module)] {
			continue
		}
		if len(d.RequiredRoles) > 0 && !ectx.HasAnyRole(d.RequiredRoles...) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Execute runs one governed tool call. Governance failures come back as
// *models.ErrorEnvelope with a stable code; backing-call failures are
// wrapped with CodeInternal.
// modules is the turn's resolved scope; empty means unrestricted.
func (r *Registry) Execute(ctx context.Context, ectx *models.ExecutionContext, name string, args map[string]any, modules []string) (*models.ToolCallResult, error) {
	def, err := r.store.GetTool(ctx, ectx.TenantID, name)
	if err != nil {
		return nil, &models.ErrorEnvelope{
			Code:          models.CodeToolUnknown,
			Message:       fmt.Sprintf("tool %q does not exist", name),
			CorrelationID: ectx.CorrelationID,
		}
	}
	if len(modules) > 0 && !inScope(def.Module, modules) {
		return nil, &models.ErrorEnvelope{
			Code:          models.CodeToolDenied,
			Message:       fmt.Sprintf("tool %q is outside the resolved module scope", name),
			CorrelationID: ectx.CorrelationID,
		}
	}
	if !def.Enabled {
		return nil, &models.ErrorEnvelope{
			Code:          models.CodeToolDenied,
			Message:       fmt.Sprintf("tool %q is disabled", name),
			CorrelationID: ectx.CorrelationID,
		}
	}
	if len(def.RequiredRoles) > 0 && !ectx.HasAnyRole(def.RequiredRoles...) {
		return nil, &models.ErrorEnvelope{
			Code:          models.CodeToolDenied,
			Message:       fmt.Sprintf("missing role for tool %q", name),
			CorrelationID: ectx.CorrelationID,
		}
	}
	if details := checkArgs(def.ArgsSchema, args); len(details) > 0 {
		return nil, &models.ErrorEnvelope{
			Code:          models.CodeToolArgsInvalid,
			Message:       fmt.Sprintf("arguments for tool %q do not match its schema", name),
			Details:       details,
			CorrelationID: ectx.CorrelationID,
		}
	}

	r.mu.RLock()
	handler, ok := r.handlers[def.Call]
	r.mu.RUnlock()
	if !ok {
		return nil, &models.ErrorEnvelope{
			Code:          models.CodeInternal,
			Message:       fmt.Sprintf("tool %q has no backing call", name),
			CorrelationID: ectx.CorrelationID,
		}
	}

	start := time.Now()
	raw, err := handler(ctx, ectx, args)
	elapsed := time.Since(start)

	log.Debug().
		Str("tenant", ectx.TenantID).
		Str("tool", name).
		Dur("elapsed", elapsed).
		Bool("success", err == nil).
		Msg("tool call executed")

	if err != nil {
		return &models.ToolCallResult{Tool: name, Success: false, Duration: elapsed}, err
	}
	return &models.ToolCallResult{Tool: name, Raw: raw, Success: true, Duration: elapsed}, nil
}

func inScope(module string, modules []string) bool {
	for _, m := range modules {
		if strings.EqualFold(m, module) {
			return true
		}
	}
	return false
}

// checkArgs validates arguments against the subset of JSON Schema the
// tool catalog uses: top-level required, per-property type and enum.
func checkArgs(schema map[string]any, args map[string]any) []models.ErrorDetail {
	if schema == nil {
		return nil
	}
	var details []models.ErrorDetail

	if raw, ok := schema["required"].([]any); ok {
		for _, r := range raw {
			key, ok := r.(string)
			if !ok {
				continue
			}
			if _, present := args[key]; !present {
				details = append(details, models.ErrorDetail{
					Path: key, Code: "required", Message: fmt.Sprintf("%s is required", key),
				})
				return details // fail fast, first violation wins
			}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for key, val := range args {
		spec, ok := props[key].(map[string]any)
		if !ok {
			if props != nil {
				details = append(details, models.ErrorDetail{
					Path: key, Code: "unknown", Message: fmt.Sprintf("%s is not an accepted argument", key),
				})
				return details
			}
			continue
		}
		if want, ok := spec["type"].(string); ok && !typeMatches(want, val) {
			details = append(details, models.ErrorDetail{
				Path: key, Code: "type", Message: fmt.Sprintf("%s must be of type %s", key, want),
			})
			return details
		}
		if allowed, ok := spec["enum"].([]any); ok && !enumMatches(allowed, val) {
			details = append(details, models.ErrorDetail{
				Path: key, Code: "enum", Message: fmt.Sprintf("%s is not an accepted value for %s", fmt.Sprint(val), key),
			})
			return details
		}
	}
	return details
}

func typeMatches(want string, val any) bool {
	switch want {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		switch val.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := val.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "array":
		_, ok := val.([]any)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	default:
		return true
	}
}

func enumMatches(allowed []any, val any) bool {
	for _, a := range allowed {
		if fmt.Sprint(a) == fmt.Sprint(val) {
			return true
		}
	}
	return false
}
