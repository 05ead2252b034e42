// Package scope narrows a chat turn to the tenant modules it most likely
// concerns, so the model is only offered the tools that matter. The
// resolver is deliberately forgiving: any doubt widens the scope back to
// every module rather than hiding a tool the user needed.
package scope

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bindevz/askgate/internal/llm"
	"github.com/bindevz/askgate/internal/resilience"
	"github.com/bindevz/askgate/internal/store"
	"github.com/bindevz/askgate/pkg/models"
)

const systemPrompt = `You classify a user request into business modules.
Respond with a single JSON object of the shape
{"modules": ["<module>", ...], "confidence": <0..1>, "reasons": ["<short reason>", ...]}
and nothing else. Only use modules from the provided list. Use an empty
modules array when nothing fits.`

// Settings tunes the resolver.
type Settings struct {
	MinConfidence float64       // below this the resolver falls back to all modules
	CallTimeout   time.Duration // budget for the classification call
	Provider      string        // driver kind for the classification model
	Model         string        // small, fast model
}

// Resolver decides which modules a turn may touch.
type Resolver struct {
	tools    store.ToolStore
	drivers  *llm.Registry
	executor *resilience.Executor
	settings Settings
}

// NewResolver creates a resolver.
func NewResolver(tools store.ToolStore, drivers *llm.Registry, executor *resilience.Executor, settings Settings) *Resolver {
	if settings.CallTimeout <= 0 {
		settings.CallTimeout = 10 * time.Second
	}
	return &Resolver{tools: tools, drivers: drivers, executor: executor, settings: settings}
}

// Resolve narrows the turn to a module subset. A tenant with a single
// module short-circuits without a model call. Model failures, malformed
// answers, and low confidence all fall back to the full module list.
func (r *Resolver) Resolve(ctx context.Context, ectx *models.ExecutionContext, message string) (*models.ScopeResult, error) {
	available, err := r.availableModules(ctx, ectx.TenantID)
	if err != nil {
		return nil, err
	}
	if len(available) == 0 {
		return &models.ScopeResult{Confidence: 0, Fallback: true}, nil
	}
	if len(available) == 1 {
		return &models.ScopeResult{Modules: available, Confidence: 1.0}, nil
	}

	result, err := r.classify(ctx, ectx, available, message)
	if err != nil {
		log.Warn().Str("tenant", ectx.TenantID).Err(err).Msg("scope classification failed, widening to all modules")
		return fallback(available), nil
	}
	if result.Confidence < r.settings.MinConfidence || len(result.Modules) == 0 {
		return fallback(available), nil
	}
	return result, nil
}

func (r *Resolver) availableModules(ctx context.Context, tenant string) ([]string, error) {
	defs, err := r.tools.ListTools(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("list tools for tenant %s: %w", tenant, err)
	}
	seen := make(map[string]string)
	for _, d := range defs {
		if d.Enabled && strings.TrimSpace(d.Module) != "" {
			seen[strings.ToLower(d.Module)] = d.Module
		}
	}
	out := make([]string, 0, len(seen))
	for _, m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Resolver) classify(ctx context.Context, ectx *models.ExecutionContext, available []string, message string) (*models.ScopeResult, error) {
	driver, err := r.drivers.Get(r.settings.Provider)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.settings.CallTimeout)
	defer cancel()

	req := llm.Request{
		Model:    r.settings.Model,
		System:   systemPrompt,
		JSONOnly: true,
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: fmt.Sprintf("Modules: %s\n\nUser request: %s",
				strings.Join(available, ", "), message),
		}},
		MaxTokens: 512,
	}

	var resp *llm.Response
	err = r.executor.Execute(ctx, "scope:"+r.settings.Provider, func(ctx context.Context) error {
		var callErr error
		resp, callErr = driver.Complete(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	parsed, err := parseAnswer(resp.Text, available)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("tenant", ectx.TenantID).
		Strs("modules", parsed.Modules).
		Float64("confidence", parsed.Confidence).
		Msg("scope resolved")
	return parsed, nil
}

// parseAnswer extracts the strict-JSON classification. Modules outside
// the available list are discarded; confidence is clamped to [0, 1].
func parseAnswer(text string, available []string) (*models.ScopeResult, error) {
	text = strings.TrimSpace(text)
	// Some models wrap JSON in a code fence despite instructions.
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var answer struct {
		Modules    []string `json:"modules"`
		Confidence float64  `json:"confidence"`
		Reasons    []string `json:"reasons"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &answer); err != nil {
		return nil, fmt.Errorf("classification is not valid JSON: %w", err)
	}

	allowed := make(map[string]string, len(available))
	for _, m := range available {
		allowed[strings.ToLower(m)] = m
	}
	modules := make([]string, 0, len(answer.Modules))
	for _, m := range answer.Modules {
		if canonical, ok := allowed[strings.ToLower(strings.TrimSpace(m))]; ok {
			modules = append(modules, canonical)
		}
	}

	confidence := answer.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return &models.ScopeResult{Modules: modules, Confidence: confidence, Reasons: answer.Reasons}, nil
}

func fallback(available []string) *models.ScopeResult {
	return &models.ScopeResult{Modules: available, Confidence: 0, Fallback: true}
}
