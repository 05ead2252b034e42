// Package models defines the shared wire and domain types for the askgate
// orchestration gateway: execution context, chat requests, stream events,
// tool definitions, catalog entries, and the structured error envelope.
package models

import (
	"encoding/json"
	"time"
)

// ── Execution Context ────────────────────────────────────────

// ExecutionContext carries the per-request identity and tracing data.
// It is created by the transport layer and is read-only inside the core.
type ExecutionContext struct {
	TenantID       string   `json:"tenant_id"`
	UserID         string   `json:"user_id"`
	Roles          []string `json:"roles,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	CorrelationID  string   `json:"correlation_id"`
	TraceID        string   `json:"trace_id,omitempty"`
	Language       string   `json:"language,omitempty"`
}

// HasRole reports whether the caller holds the given role.
func (ec ExecutionContext) HasRole(role string) bool {
	for _, r := range ec.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the caller holds at least one of the given
// roles. An empty requirement always passes.
func (ec ExecutionContext) HasAnyRole(roles ...string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if ec.HasRole(r) {
			return true
		}
	}
	return false
}

// ── Chat Request ─────────────────────────────────────────────

// ChatRequest is the caller's input to one orchestration turn.
type ChatRequest struct {
	Message    string `json:"message"`
	AllowCache bool   `json:"allow_cache,omitempty"`
	Sensitive  bool   `json:"sensitive,omitempty"`
	Stream     bool   `json:"stream,omitempty"`
}

// ── Stream Events ────────────────────────────────────────────

// EventType tags a ChatStreamEvent variant.
type EventType string

const (
	EventDelta      EventType = "delta"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventNudge      EventType = "nudge"
	EventFinal      EventType = "final"
	EventError      EventType = "error"
)

// ChatStreamEvent is one event on the chat stream. Exactly one payload
// field is set, selected by Type. A sequence contains at most one terminal
// event (final or error) and nothing after it.
type ChatStreamEvent struct {
	Type     EventType       `json:"type"`
	Delta    string          `json:"delta,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Nudge    string          `json:"nudge,omitempty"`
	Final    string          `json:"final,omitempty"`
	Error    *ErrorEnvelope  `json:"error,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e ChatStreamEvent) Terminal() bool {
	return e.Type == EventFinal || e.Type == EventError
}

// DeltaEvent builds an incremental text event.
func DeltaEvent(text string) ChatStreamEvent {
	return ChatStreamEvent{Type: EventDelta, Delta: text}
}

// ToolCallEvent builds an event announcing a tool invocation.
func ToolCallEvent(name string, args json.RawMessage) ChatStreamEvent {
	return ChatStreamEvent{Type: EventToolCall, ToolName: name, ToolArgs: args}
}

// ToolResultEvent builds an event carrying a compacted tool result.
func ToolResultEvent(name string, result json.RawMessage) ChatStreamEvent {
	return ChatStreamEvent{Type: EventToolResult, ToolName: name, Result: result}
}

// NudgeEvent builds a follow-up hint event.
func NudgeEvent(hint string) ChatStreamEvent {
	return ChatStreamEvent{Type: EventNudge, Nudge: hint}
}

// FinalEvent builds the successful terminal event.
func FinalEvent(answer string) ChatStreamEvent {
	return ChatStreamEvent{Type: EventFinal, Final: answer}
}

// ErrorEvent builds the failing terminal event.
func ErrorEvent(env *ErrorEnvelope) ChatStreamEvent {
	return ChatStreamEvent{Type: EventError, Error: env}
}

// ── Error Envelope ───────────────────────────────────────────

// Stable error codes surfaced to callers. Internal fault detail never
// rides on these; it stays in the server logs.
const (
	CodeInternal          = "internal_error"
	CodeUpstreamOpen      = "upstream_circuit_open"
	CodeUpstreamFailed    = "upstream_unavailable"
	CodeRecursionExceeded = "recursion_limit_exceeded"
	CodeToolBudget        = "tool_call_limit_exceeded"
	CodeTurnTimeout       = "turn_time_limit_exceeded"
	CodeToolDenied        = "tool_access_denied"
	CodeToolUnknown       = "tool_unknown"
	CodeToolArgsInvalid   = "tool_arguments_invalid"
	CodePlanInvalid       = "plan_invalid"
	CodeCancelled         = "request_cancelled"
)

// ErrorDetail pins one violation to a path inside the offending payload.
type ErrorDetail struct {
	Path    string `json:"path,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope is the structured failure shape on the wire.
type ErrorEnvelope struct {
	Code          string        `json:"code"`
	Message       string        `json:"message"`
	Details       []ErrorDetail `json:"details,omitempty"`
	Retryable     bool          `json:"retryable"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	TraceID       string        `json:"trace_id,omitempty"`
}

// Error implements the error interface so envelopes can travel as errors
// through the orchestration loop.
func (e *ErrorEnvelope) Error() string {
	return e.Code + ": " + e.Message
}

// ── Tool Catalog ─────────────────────────────────────────────

// ToolDefinition describes one callable backend tool.
type ToolDefinition struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Instruction   string         `json:"instruction,omitempty"` // model-facing usage text
	ArgsSchema    map[string]any `json:"args_schema"`           // JSON Schema for arguments
	Call          string         `json:"call"`                  // backing-call identifier
	RequiredRoles []string       `json:"required_roles,omitempty"`
	Module        string         `json:"module"`
	Enabled       bool           `json:"enabled"`
}

// ToolCallResult captures one executed tool call.
type ToolCallResult struct {
	Tool      string          `json:"tool"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Compacted json.RawMessage `json:"compacted,omitempty"`
	Success   bool            `json:"success"`
	Duration  time.Duration   `json:"duration_ns"`
}

// ── Query Catalog ────────────────────────────────────────────

// Dataset is a tenant-scoped queryable dataset descriptor.
type Dataset struct {
	Tenant  string `json:"tenant"`
	Key     string `json:"key"`
	Label   string `json:"label,omitempty"`
	Enabled bool   `json:"enabled"`
}

// DatasetField describes one queryable field of a dataset.
type DatasetField struct {
	Tenant  string `json:"tenant"`
	Dataset string `json:"dataset"`
	Key     string `json:"key"`
	Label   string `json:"label,omitempty"`
	Type    string `json:"type,omitempty"` // string | number | date | bool
	Enabled bool   `json:"enabled"`
}

// EntityGraph declares a join relationship between two datasets. Drilldowns
// may traverse it in either direction.
type EntityGraph struct {
	Tenant      string `json:"tenant"`
	Key         string `json:"key"`
	FromDataset string `json:"from_dataset"`
	ToDataset   string `json:"to_dataset"`
	JoinKey     string `json:"join_key"`
	Enabled     bool   `json:"enabled"`
}

// Connects reports whether the graph links the two datasets, in either
// direction.
func (g EntityGraph) Connects(a, b string) bool {
	return (g.FromDataset == a && g.ToDataset == b) ||
		(g.FromDataset == b && g.ToDataset == a)
}

// QueryColumn describes one column of a query result.
type QueryColumn struct {
	Key  string `json:"key"`
	Type string `json:"type,omitempty"`
}

// QueryMeta carries result-set metadata.
type QueryMeta struct {
	Dataset  string `json:"dataset"`
	RowCount int    `json:"row_count"`
	Elapsed  int64  `json:"elapsed_ms"`
}

// QueryResult is the {meta, columns, rows} envelope returned by the
// query-execution backend.
type QueryResult struct {
	Meta    QueryMeta        `json:"meta"`
	Columns []QueryColumn    `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// ── Follow-Up Rules ──────────────────────────────────────────

// RuleKind selects the condition engine for a follow-up rule.
type RuleKind string

const (
	// RuleKindPath evaluates Path/Operator/Value against the result JSON.
	RuleKindPath RuleKind = "path"
	// RuleKindExpr evaluates an expr-lang expression against the result.
	RuleKindExpr RuleKind = "expr"
)

// FollowUpRule proposes a next tool call when a prior tool result matches
// its condition.
type FollowUpRule struct {
	RuleKey      string            `json:"rule_key"`
	Module       string            `json:"module"`
	TriggerTool  string            `json:"trigger_tool,omitempty"` // empty = any tool
	Priority     int               `json:"priority"`
	Kind         RuleKind          `json:"kind,omitempty"` // defaults to path
	Path         string            `json:"path,omitempty"` // e.g. $.PieceCount
	Operator     string            `json:"operator,omitempty"`
	Value        string            `json:"value,omitempty"`
	Expr         string            `json:"expr,omitempty"`
	FollowUpTool string            `json:"follow_up_tool"`
	ArgsTemplate map[string]string `json:"args_template,omitempty"`
	PromptHint   string            `json:"prompt_hint"`
	Enabled      bool              `json:"enabled"`
}

// ── Module Scope ─────────────────────────────────────────────

// ScopeResult is the outcome of narrowing the tool catalog for a query.
type ScopeResult struct {
	Modules    []string `json:"modules"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons,omitempty"`
	Fallback   bool     `json:"fallback,omitempty"` // true when the resolver punted
}
