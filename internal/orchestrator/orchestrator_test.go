package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/bindevz/askgate/internal/config"
	"github.com/bindevz/askgate/internal/followup"
	"github.com/bindevz/askgate/internal/llm"
	"github.com/bindevz/askgate/internal/resilience"
	"github.com/bindevz/askgate/internal/store"
	"github.com/bindevz/askgate/internal/stream"
	"github.com/bindevz/askgate/internal/tools"
	"github.com/bindevz/askgate/pkg/models"
)

// scriptDriver replays a fixed sequence of model turns.
type scriptDriver struct {
	mu        sync.Mutex
	responses []*llm.Response
	err       error
	calls     int
	requests  []llm.Request
}

func (d *scriptDriver) Kind() string { return "script" }

func (d *scriptDriver) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return d.Stream(ctx, req, nil)
}

func (d *scriptDriver) Stream(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) (*llm.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.err != nil {
		return nil, d.err
	}
	if d.calls >= len(d.responses) {
		return &llm.Response{Text: "done", StopReason: "end_turn"}, nil
	}
	resp := d.responses[d.calls]
	d.calls++
	if onDelta != nil && resp.Text != "" {
		onDelta(resp.Text)
	}
	return resp, nil
}

type fixedScope struct{ modules []string }

func (s fixedScope) Resolve(ctx context.Context, ectx *models.ExecutionContext, message string) (*models.ScopeResult, error) {
	return &models.ScopeResult{Modules: s.modules, Confidence: 1}, nil
}

type harness struct {
	orch   *Orchestrator
	driver *scriptDriver
	store  *store.MemoryStore
	reg    *tools.Registry
}

func newHarness(t *testing.T, loop config.LoopConfig, responses ...*llm.Response) *harness {
	t.Helper()
	mem := store.NewMemoryStore()
	ctx := context.Background()

	lookup := models.ToolDefinition{
		Name: "order_lookup", Description: "Look up an order", Call: "crm.order",
		Module: "sales", Enabled: true,
		ArgsSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"order_id": map[string]any{"type": "string"}},
			"required":   []any{"order_id"},
		},
	}
	require.NoError(t, mem.CreateTool(ctx, "acme", &lookup))
	detail := models.ToolDefinition{
		Name: "piece_detail", Description: "Break an order into pieces", Call: "crm.pieces",
		Module: "sales", Enabled: true,
	}
	require.NoError(t, mem.CreateTool(ctx, "acme", &detail))

	reg := tools.NewRegistry(mem)
	reg.Bind("crm.order", func(ctx context.Context, ectx *models.ExecutionContext, args map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`{"rows":[{"OrderId":"o-1","PieceCount":3}],"meta":{"row_count":1}}`), nil
	})
	reg.Bind("crm.pieces", func(ctx context.Context, ectx *models.ExecutionContext, args map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`{"rows":[{"Piece":1},{"Piece":2},{"Piece":3}]}`), nil
	})

	driver := &scriptDriver{responses: responses}
	drivers := llm.NewRegistry()
	drivers.Register(driver)

	executor := resilience.NewExecutor(
		resilience.NewRegistry(resilience.BreakerSettings{Window: 4, MinThroughput: 2, FailureRatio: 0.5, BreakDuration: time.Minute, HalfOpenMax: 1}),
		resilience.RetrySettings{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	)

	orch := New(
		fixedScope{modules: []string{"sales"}},
		reg,
		followup.NewEvaluator(mem),
		drivers,
		executor,
		loop,
		config.ModelConfig{Provider: "script", Model: "test-model", MaxTokens: 1024},
		stream.Settings{Capacity: 64, CoalesceBytes: 1, CoalesceInterval: time.Hour},
	)
	return &harness{orch: orch, driver: driver, store: mem, reg: reg}
}

func defaultLoop() config.LoopConfig {
	return config.LoopConfig{
		MaxDepth:       8,
		MaxToolCalls:   12,
		MaxNudges:      2,
		TurnTimeout:    5 * time.Second,
		MaxResultBytes: 32 << 10,
		MaxResultRows:  50,
	}
}

func runTurn(t *testing.T, h *harness) []models.ChatStreamEvent {
	t.Helper()
	ectx := &models.ExecutionContext{TenantID: "acme", UserID: "u1", Roles: []string{"analyst"}}
	ch := h.orch.Chat(context.Background(), ectx, &models.ChatRequest{Message: "where is order o-1"})

	var events []models.ChatStreamEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("turn did not terminate")
		}
	}
}

func terminal(t *testing.T, events []models.ChatStreamEvent) models.ChatStreamEvent {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.True(t, last.Terminal(), "stream must end with a terminal event")
	for _, ev := range events[:len(events)-1] {
		require.False(t, ev.Terminal(), "only the last event may be terminal")
	}
	return last
}

func toolCall(name string, args map[string]any) *llm.Response {
	return &llm.Response{
		StopReason: "tool_use",
		ToolCalls:  []llm.ToolCall{{ID: "c1", Name: name, Args: args}},
	}
}

func TestChatDirectAnswer(t *testing.T) {
	h := newHarness(t, defaultLoop(), &llm.Response{Text: "hello there", StopReason: "end_turn"})

	events := runTurn(t, h)
	last := terminal(t, events)
	assert.Equal(t, models.EventFinal, last.Type)
	assert.Equal(t, "hello there", last.Final)
}

func TestChatToolRoundTrip(t *testing.T) {
	h := newHarness(t, defaultLoop(),
		toolCall("order_lookup", map[string]any{"order_id": "o-1"}),
		&llm.Response{Text: "order o-1 has 3 pieces", StopReason: "end_turn"},
	)

	events := runTurn(t, h)
	last := terminal(t, events)
	assert.Equal(t, models.EventFinal, last.Type)

	var types []models.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, models.EventToolCall)
	assert.Contains(t, types, models.EventToolResult)

	// The tool result went back to the model as a tool message.
	lastReq := h.driver.requests[len(h.driver.requests)-1]
	found := false
	for _, m := range lastReq.Messages {
		if m.Role == llm.RoleTool && gjson.Get(m.Content, "rows.0.OrderId").String() == "o-1" {
			found = true
		}
	}
	assert.True(t, found, "tool result must be fed back to the model")
}

func TestChatNudgeApplied(t *testing.T) {
	h := newHarness(t, defaultLoop(),
		toolCall("order_lookup", map[string]any{"order_id": "o-1"}),
		&llm.Response{Text: "answer with pieces", StopReason: "end_turn"},
	)
	rule := models.FollowUpRule{
		RuleKey: "pieces", TriggerTool: "order_lookup", Priority: 5, Enabled: true,
		Kind: models.RuleKindPath, Path: "PieceCount", Operator: ">", Value: "0",
		FollowUpTool: "piece_detail",
		ArgsTemplate: map[string]string{"order_id": "{{$.OrderId}}"},
		PromptHint:   "Offer the piece breakdown.",
	}
	require.NoError(t, h.store.CreateRule(context.Background(), "acme", &rule))

	events := runTurn(t, h)
	terminal(t, events)

	var nudge *models.ChatStreamEvent
	for i := range events {
		if events[i].Type == models.EventNudge {
			nudge = &events[i]
		}
	}
	require.NotNil(t, nudge, "matching rule must emit a nudge event")
	assert.Equal(t, "Offer the piece breakdown.", nudge.Nudge)

	// The model got the follow-up instruction with resolved arguments.
	lastReq := h.driver.requests[len(h.driver.requests)-1]
	found := false
	for _, m := range lastReq.Messages {
		if m.Role == llm.RoleUser && containsAll(m.Content, "piece_detail", "o-1") {
			found = true
		}
	}
	assert.True(t, found, "nudge instruction must reach the model")
}

func TestChatRecursionBound(t *testing.T) {
	loop := defaultLoop()
	loop.MaxDepth = 3

	// The model asks for a tool on every round, forever.
	var rounds []*llm.Response
	for i := 0; i < 10; i++ {
		rounds = append(rounds, toolCall("order_lookup", map[string]any{"order_id": "o-1"}))
	}
	h := newHarness(t, loop, rounds...)

	events := runTurn(t, h)
	last := terminal(t, events)
	require.Equal(t, models.EventError, last.Type)
	assert.Equal(t, models.CodeRecursionExceeded, last.Error.Code)
	assert.Equal(t, 3, h.driver.calls, "the loop stops after max depth rounds")
}

func TestChatToolBudget(t *testing.T) {
	loop := defaultLoop()
	loop.MaxToolCalls = 2

	multi := &llm.Response{
		StopReason: "tool_use",
		ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "order_lookup", Args: map[string]any{"order_id": "o-1"}},
			{ID: "c2", Name: "order_lookup", Args: map[string]any{"order_id": "o-2"}},
			{ID: "c3", Name: "order_lookup", Args: map[string]any{"order_id": "o-3"}},
		},
	}
	h := newHarness(t, loop, multi)

	events := runTurn(t, h)
	last := terminal(t, events)
	require.Equal(t, models.EventError, last.Type)
	assert.Equal(t, models.CodeToolBudget, last.Error.Code)
}

func TestChatGovernanceRejectionFedBack(t *testing.T) {
	h := newHarness(t, defaultLoop(),
		toolCall("no_such_tool", map[string]any{}),
		&llm.Response{Text: "sorry, I cannot do that", StopReason: "end_turn"},
	)

	events := runTurn(t, h)
	last := terminal(t, events)
	assert.Equal(t, models.EventFinal, last.Type, "governance rejections are model-correctable")

	lastReq := h.driver.requests[len(h.driver.requests)-1]
	found := false
	for _, m := range lastReq.Messages {
		if m.Role == llm.RoleTool && gjson.Get(m.Content, "code").String() == models.CodeToolUnknown {
			found = true
		}
	}
	assert.True(t, found, "the rejection envelope must reach the model")
}

func TestChatUpstreamFailure(t *testing.T) {
	h := newHarness(t, defaultLoop())
	h.driver.err = &resilience.StatusError{Status: 503, Err: errors.New("unavailable")}

	events := runTurn(t, h)
	last := terminal(t, events)
	require.Equal(t, models.EventError, last.Type)
	assert.Equal(t, models.CodeUpstreamFailed, last.Error.Code)
	assert.True(t, last.Error.Retryable)
	assert.NotEmpty(t, last.Error.CorrelationID)
}

func TestChatCircuitOpen(t *testing.T) {
	h := newHarness(t, defaultLoop())
	h.driver.err = &resilience.StatusError{Status: 503, Err: errors.New("unavailable")}

	// Trip the breaker, then observe the open rejection.
	terminal(t, runTurn(t, h))
	terminal(t, runTurn(t, h))
	events := runTurn(t, h)

	last := terminal(t, events)
	require.Equal(t, models.EventError, last.Type)
	assert.Equal(t, models.CodeUpstreamOpen, last.Error.Code)
	assert.True(t, last.Error.Retryable)
}

func TestChatPanicBecomesTerminalError(t *testing.T) {
	h := newHarness(t, defaultLoop(),
		toolCall("order_lookup", map[string]any{"order_id": "o-1"}),
	)
	h.reg.Bind("crm.order", func(ctx context.Context, ectx *models.ExecutionContext, args map[string]any) (json.RawMessage, error) {
		panic("handler blew up")
	})

	// The loop runs on its own goroutine; a panicking handler must end
	// the stream with a terminal error instead of killing the process.
	events := runTurn(t, h)
	last := terminal(t, events)
	require.Equal(t, models.EventError, last.Type)
	assert.Equal(t, models.CodeInternal, last.Error.Code)
	assert.NotEmpty(t, last.Error.CorrelationID)
}

func TestChatTurnTimeout(t *testing.T) {
	loop := defaultLoop()
	loop.TurnTimeout = 30 * time.Millisecond
	h := newHarness(t, loop)
	h.driver.err = context.DeadlineExceeded

	events := runTurn(t, h)
	last := terminal(t, events)
	require.Equal(t, models.EventError, last.Type)
	assert.Equal(t, models.CodeTurnTimeout, last.Error.Code)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
