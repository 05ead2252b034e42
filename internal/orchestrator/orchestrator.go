// Package orchestrator runs the governed chat loop:
//
//	resolve module scope → call the model with the visible tools →
//	execute requested tool calls through governance → evaluate
//	follow-up rules → feed results and nudges back → repeat until the
//	model answers in text or a budget runs out.
//
// Every turn is bounded three ways: loop depth, tool-call count, and
// wall-clock time. All outcomes, including failures, leave the loop as
// exactly one terminal stream event.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bindevz/askgate/internal/config"
	"github.com/bindevz/askgate/internal/followup"
	"github.com/bindevz/askgate/internal/llm"
	"github.com/bindevz/askgate/internal/metrics"
	"github.com/bindevz/askgate/internal/resilience"
	"github.com/bindevz/askgate/internal/stream"
	"github.com/bindevz/askgate/internal/tools"
	"github.com/bindevz/askgate/pkg/models"
)

// Orchestrator wires the loop's collaborators together.
type Orchestrator struct {
	scopes   ScopeResolver
	tools    *tools.Registry
	rules    *followup.Evaluator
	drivers  *llm.Registry
	executor *resilience.Executor
	loop     config.LoopConfig
	model    config.ModelConfig
	streams  stream.Settings
}

// ScopeResolver narrows a turn to a module subset.
type ScopeResolver interface {
	Resolve(ctx context.Context, ectx *models.ExecutionContext, message string) (*models.ScopeResult, error)
}

// New creates an orchestrator.
func New(scopes ScopeResolver, reg *tools.Registry, rules *followup.Evaluator,
	drivers *llm.Registry, executor *resilience.Executor,
	loop config.LoopConfig, model config.ModelConfig, streams stream.Settings) *Orchestrator {
	return &Orchestrator{
		scopes:   scopes,
		tools:    reg,
		rules:    rules,
		drivers:  drivers,
		executor: executor,
		loop:     loop,
		model:    model,
		streams:  streams,
	}
}

// Chat runs one turn and returns its event stream. The loop runs in its
// own goroutine; the stream always ends with exactly one terminal event.
func (o *Orchestrator) Chat(ctx context.Context, ectx *models.ExecutionContext, req *models.ChatRequest) *stream.Channel {
	if ectx.CorrelationID == "" {
		ectx.CorrelationID = uuid.New().String()
	}
	ch := stream.NewChannel(o.streams)
	go o.run(ctx, ectx, req, ch)
	return ch
}

// turnState tracks the per-turn budgets.
type turnState struct {
	toolCalls  int
	nudges     int
	firedRules map[string]bool
	modules    []string
	messages   []llm.Message
	specs      []llm.ToolSpec
	defs       map[string]models.ToolDefinition
}

func (o *Orchestrator) run(ctx context.Context, ectx *models.ExecutionContext, req *models.ChatRequest, ch *stream.Channel) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.loop.TurnTimeout)
	defer cancel()

	// The loop runs on its own goroutine, outside any HTTP recovery
	// middleware. A panicking driver or tool handler must still end the
	// stream with a terminal event instead of taking the process down.
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("tenant", ectx.TenantID).
				Str("correlation_id", ectx.CorrelationID).
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("chat turn panicked")
			metrics.TurnsTotal.WithLabelValues(ectx.TenantID, models.CodeInternal).Inc()
			ch.Finish(models.ErrorEvent(&models.ErrorEnvelope{
				Code:          models.CodeInternal,
				Message:       "an internal error occurred",
				CorrelationID: ectx.CorrelationID,
				TraceID:       ectx.TraceID,
			}))
		}
	}()

	fail := func(err error) {
		env := o.envelope(ctx, ectx, err)
		metrics.TurnsTotal.WithLabelValues(ectx.TenantID, env.Code).Inc()
		ch.Finish(models.ErrorEvent(env))
	}

	scope, err := o.scopes.Resolve(ctx, ectx, req.Message)
	if err != nil {
		fail(err)
		return
	}

	visible, err := o.tools.Visible(ctx, ectx, scope.Modules)
	if err != nil {
		fail(err)
		return
	}

	state := &turnState{
		firedRules: make(map[string]bool),
		modules:    scope.Modules,
		defs:       make(map[string]models.ToolDefinition, len(visible)),
		messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: req.Message,
		}},
	}
	for _, d := range visible {
		state.defs[d.Name] = d
		state.specs = append(state.specs, llm.ToolSpec{
			Name:        d.Name,
			Description: describeTool(d),
			Schema:      d.ArgsSchema,
		})
	}

	answer, err := o.step(ctx, ectx, state, ch, 1)
	if err != nil {
		fail(err)
		return
	}

	metrics.TurnsTotal.WithLabelValues(ectx.TenantID, "ok").Inc()
	metrics.TurnDuration.WithLabelValues(ectx.TenantID).Observe(time.Since(started).Seconds())
	if dropped := ch.Dropped(); dropped > 0 {
		metrics.StreamDroppedDeltas.Add(float64(dropped))
	}

	log.Info().
		Str("tenant", ectx.TenantID).
		Str("correlation_id", ectx.CorrelationID).
		Int("tool_calls", state.toolCalls).
		Int("nudges", state.nudges).
		Dur("elapsed", time.Since(started)).
		Msg("chat turn complete")
	ch.Finish(models.FinalEvent(answer))
}

// step is one model round. depth counts rounds explicitly so a runaway
// tool conversation is cut off deterministically.
func (o *Orchestrator) step(ctx context.Context, ectx *models.ExecutionContext, state *turnState, ch *stream.Channel, depth int) (string, error) {
	if depth > o.loop.MaxDepth {
		return "", &models.ErrorEnvelope{
			Code:          models.CodeRecursionExceeded,
			Message:       fmt.Sprintf("conversation exceeded %d model rounds", o.loop.MaxDepth),
			CorrelationID: ectx.CorrelationID,
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	driver, err := o.drivers.Get(o.model.Provider)
	if err != nil {
		return "", err
	}

	llmReq := llm.Request{
		Model:     o.model.Model,
		System:    o.systemPrompt(state),
		Messages:  state.messages,
		Tools:     state.specs,
		MaxTokens: o.model.MaxTokens,
	}

	var resp *llm.Response
	err = o.executor.Execute(ctx, "llm:"+o.model.Provider, func(ctx context.Context) error {
		var callErr error
		resp, callErr = driver.Stream(ctx, llmReq, ch.Delta)
		return callErr
	})
	if err != nil {
		return "", err
	}

	if len(resp.ToolCalls) == 0 {
		return resp.Text, nil
	}

	state.messages = append(state.messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   resp.Text,
		ToolCalls: resp.ToolCalls,
	})

	for _, call := range resp.ToolCalls {
		if state.toolCalls >= o.loop.MaxToolCalls {
			return "", &models.ErrorEnvelope{
				Code:          models.CodeToolBudget,
				Message:       fmt.Sprintf("turn exceeded %d tool calls", o.loop.MaxToolCalls),
				CorrelationID: ectx.CorrelationID,
			}
		}
		state.toolCalls++

		if err := o.runToolCall(ctx, ectx, state, ch, call); err != nil {
			return "", err
		}
	}

	return o.step(ctx, ectx, state, ch, depth+1)
}

// runToolCall executes one governed call and appends its outcome to the
// conversation. Governance rejections are surfaced to the model as tool
// results so it can correct itself; only infrastructure faults abort the
// turn.
func (o *Orchestrator) runToolCall(ctx context.Context, ectx *models.ExecutionContext, state *turnState, ch *stream.Channel, call llm.ToolCall) error {
	argsJSON, _ := json.Marshal(call.Args)
	ch.Publish(models.ToolCallEvent(call.Name, argsJSON))

	// Tool backends get their own breaker. Governance rejections are not
	// transient, so they pass through the retry untouched and never count
	// against the breaker.
	var result *models.ToolCallResult
	err := o.executor.Execute(ctx, "tool:"+call.Name, func(ctx context.Context) error {
		var execErr error
		result, execErr = o.tools.Execute(ctx, ectx, call.Name, call.Args, state.modules)
		return execErr
	})
	if err == nil {
		metrics.ToolCallsTotal.WithLabelValues(ectx.TenantID, call.Name, "ok").Inc()
	} else {
		metrics.ToolCallsTotal.WithLabelValues(ectx.TenantID, call.Name, "error").Inc()
	}

	var content string
	switch {
	case err == nil:
		compacted := tools.Compact(result.Raw, tools.CompactLimits{
			MaxBytes: o.loop.MaxResultBytes,
			MaxRows:  o.loop.MaxResultRows,
		})
		result.Compacted = compacted
		content = string(compacted)
		ch.Publish(models.ToolResultEvent(call.Name, compacted))

		if nudgeErr := o.applyNudges(ctx, ectx, state, ch, call.Name, result.Raw); nudgeErr != nil {
			return nudgeErr
		}
	default:
		var env *models.ErrorEnvelope
		if !errors.As(err, &env) {
			return fmt.Errorf("tool %s: %w", call.Name, err)
		}
		// Model-correctable rejection: feed it back instead of failing.
		encoded, _ := json.Marshal(env)
		content = string(encoded)
		ch.Publish(models.ToolResultEvent(call.Name, encoded))
	}

	state.messages = append(state.messages, llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
	})
	return nil
}

// applyNudges evaluates follow-up rules for one result and, within the
// nudge budget, both tells the client and instructs the model.
func (o *Orchestrator) applyNudges(ctx context.Context, ectx *models.ExecutionContext, state *turnState, ch *stream.Channel, tool string, raw json.RawMessage) error {
	if state.nudges >= o.loop.MaxNudges {
		return nil
	}
	nudges, err := o.rules.Evaluate(ctx, ectx.TenantID, tool, raw, state.firedRules)
	if err != nil {
		// Rule trouble must not take the turn down.
		log.Warn().Str("tenant", ectx.TenantID).Err(err).Msg("follow-up evaluation failed")
		return nil
	}

	for _, n := range nudges {
		if state.nudges >= o.loop.MaxNudges {
			break
		}
		state.nudges++
		// A rule counts as fired only once its nudge is delivered, so a
		// budget-dropped match stays eligible later in the turn.
		state.firedRules[n.RuleKey] = true
		metrics.NudgesTotal.WithLabelValues(ectx.TenantID, n.RuleKey).Inc()
		ch.Publish(models.NudgeEvent(n.PromptHint))

		instruction := fmt.Sprintf(
			"Consider calling the %q tool next.", n.FollowUpTool)
		if len(n.Args) > 0 {
			args, _ := json.Marshal(n.Args)
			instruction += fmt.Sprintf(" Suggested arguments: %s.", args)
		}
		if n.PromptHint != "" {
			instruction += " " + n.PromptHint
		}
		state.messages = append(state.messages, llm.Message{
			Role:    llm.RoleUser,
			Content: instruction,
		})

		log.Debug().
			Str("tenant", ectx.TenantID).
			Str("rule", n.RuleKey).
			Str("follow_up_tool", n.FollowUpTool).
			Msg("nudge applied")
	}
	return nil
}

func (o *Orchestrator) systemPrompt(state *turnState) string {
	var b strings.Builder
	b.WriteString("You are a data assistant answering on behalf of backend systems. ")
	b.WriteString("Use the provided tools to look up facts; never invent data. ")
	b.WriteString("Answer concisely in the user's language.")
	if len(state.modules) > 0 {
		b.WriteString("\nActive modules: ")
		b.WriteString(strings.Join(state.modules, ", "))
		b.WriteString(".")
	}
	for _, spec := range state.specs {
		def := state.defs[spec.Name]
		if strings.TrimSpace(def.Instruction) != "" {
			b.WriteString("\n")
			b.WriteString(def.Name)
			b.WriteString(": ")
			b.WriteString(strings.TrimSpace(def.Instruction))
		}
	}
	return b.String()
}

// envelope converts a loop failure into the structured terminal error.
// Existing envelopes pass through; everything else maps onto a stable
// code with internal detail kept out of the client payload.
func (o *Orchestrator) envelope(ctx context.Context, ectx *models.ExecutionContext, err error) *models.ErrorEnvelope {
	var env *models.ErrorEnvelope
	if errors.As(err, &env) {
		if env.CorrelationID == "" {
			env.CorrelationID = ectx.CorrelationID
		}
		env.TraceID = ectx.TraceID
		return env
	}

	out := &models.ErrorEnvelope{CorrelationID: ectx.CorrelationID, TraceID: ectx.TraceID}

	var open *resilience.OpenError
	switch {
	case errors.As(err, &open):
		out.Code = models.CodeUpstreamOpen
		out.Message = "the model upstream is temporarily unavailable"
		out.Retryable = true
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		out.Code = models.CodeTurnTimeout
		out.Message = fmt.Sprintf("the turn exceeded its %s time budget", o.loop.TurnTimeout)
	case errors.Is(err, context.Canceled):
		out.Code = models.CodeCancelled
		out.Message = "the request was cancelled"
	case resilience.Transient(err):
		out.Code = models.CodeUpstreamFailed
		out.Message = "the model upstream failed"
		out.Retryable = true
	default:
		out.Code = models.CodeInternal
		out.Message = "an internal error occurred"
	}

	log.Error().
		Str("tenant", ectx.TenantID).
		Str("correlation_id", ectx.CorrelationID).
		Str("code", out.Code).
		Err(err).
		Msg("chat turn failed")
	return out
}

func describeTool(d models.ToolDefinition) string {
	desc := strings.TrimSpace(d.Description)
	if desc == "" {
		desc = d.Name
	}
	return desc
}
