// Package providers defines the LLM backend contract consumed by the reply
// pipeline, plus the OpenAI-compatible implementation used for every
// configured model endpoint.
package providers

import "context"

// Finish reasons reported on the terminal stream event.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// EventKind discriminates StreamEvent.
type EventKind int

const (
	// EventTextDelta carries an incremental piece of assistant text.
	EventTextDelta EventKind = iota
	// EventToolCallStarted announces a fully-assembled tool call the model
	// wants executed. The pipeline runs it and feeds the result back on a
	// continuation invocation.
	EventToolCallStarted
	// EventToolCallCompleted is emitted by backends that execute tools
	// server-side. The OpenAI-compatible provider never emits it.
	EventToolCallCompleted
	// EventFinish terminates the stream with a finish reason.
	EventFinish
)

// StreamEvent is one element of a streaming model response.
type StreamEvent struct {
	Kind         EventKind
	Text         string
	ToolCall     *ToolCall
	FinishReason string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// Message is one conversation turn.
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	Name       string // optional speaker attribution
	ToolCalls  []ToolCall
	ToolCallID string // for role="tool"
}

// ToolDefinition describes a tool schema offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ChatRequest is the input to Stream.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// Turn is the assembled result of one streaming invocation.
type Turn struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// Provider streams one model invocation. onEvent is called from the stream
// goroutine in arrival order; the returned Turn repeats the assembled content
// and tool calls for the continuation loop. Implementations must respect ctx
// cancellation at every read.
type Provider interface {
	Stream(ctx context.Context, req ChatRequest, onEvent func(StreamEvent)) (*Turn, error)
	Name() string
}
