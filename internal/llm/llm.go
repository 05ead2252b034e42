// Package llm abstracts the upstream model providers behind a small
// driver interface. Drivers translate between the gateway's neutral
// message shape and each provider SDK, and surface HTTP statuses in a
// form the resilience layer can classify.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation the model asked for.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is one turn of conversation history in provider-neutral form.
// Tool results go in a RoleTool message with ToolCallID set.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSpec describes a tool offered to the model. Schema is a JSON
// Schema object for the tool's arguments.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request is one model call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature *float64
	JSONOnly    bool // ask the provider for a strict JSON object response
}

// Usage is token accounting for one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the model's completed turn.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string // end_turn | tool_use | max_tokens | other
	Usage      Usage
}

// DeltaFunc receives incremental assistant text while a turn streams.
type DeltaFunc func(text string)

// Driver is one provider integration.
type Driver interface {
	// Kind names the provider, e.g. "anthropic" or "openai".
	Kind() string

	// Complete runs a non-streaming call.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream runs a streaming call, invoking onDelta for each text
	// fragment, and returns the accumulated turn.
	Stream(ctx context.Context, req Request, onDelta DeltaFunc) (*Response, error)
}

// ── Registry ────────────────────────────────────────────────

// Registry holds the configured drivers by provider kind.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds or replaces a driver.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[strings.ToLower(d.Kind())] = d
}

// Get returns the driver for a provider kind.
func (r *Registry) Get(kind string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return nil, fmt.Errorf("no driver registered for provider %q", kind)
	}
	return d, nil
}

// Kinds lists the registered provider kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for k := range r.drivers {
		out = append(out, k)
	}
	return out
}
