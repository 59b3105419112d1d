package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// streamIdleTimeout aborts a stream that stops producing events.
const streamIdleTimeout = 30 * time.Second

// OpenAI speaks the OpenAI chat-completions streaming API, which every
// configured endpoint (OpenAI, OpenRouter, local gateways) exposes.
type OpenAI struct {
	client *openai.Client
	name   string
}

// NewOpenAI creates a provider for one endpoint. baseURL empty means the
// public OpenAI API.
func NewOpenAI(name, apiKey, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		name:   name,
	}
}

// Name implements Provider.
func (p *OpenAI) Name() string { return p.name }

// partialCall accumulates tool-call deltas by stream index.
type partialCall struct {
	index int
	id    string
	name  string
	args  string
}

// Stream implements Provider. Text deltas are forwarded as they arrive; tool
// calls are assembled from argument deltas and emitted as ToolCallStarted
// once the model finishes the turn.
func (p *OpenAI) Stream(ctx context.Context, req ChatRequest, onEvent func(StreamEvent)) (*Turn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	oaReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    convertMessages(req.Messages),
		Tools:       convertTools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, oaReq)
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	defer stream.Close()

	// Idle watchdog: cancel the stream when no event arrives for the idle
	// window. Recv unblocks with a context error.
	idle := time.AfterFunc(streamIdleTimeout, cancel)
	defer idle.Stop()

	var content string
	var finish string
	calls := map[int]*partialCall{}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil && finish == "" {
				return nil, fmt.Errorf("stream aborted: %w", ctx.Err())
			}
			return nil, fmt.Errorf("stream recv: %w", err)
		}
		idle.Reset(streamIdleTimeout)

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if delta := choice.Delta.Content; delta != "" {
			content += delta
			onEvent(StreamEvent{Kind: EventTextDelta, Text: delta})
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc, ok := calls[idx]
			if !ok {
				pc = &partialCall{index: idx}
				calls[idx] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args += tc.Function.Arguments
		}

		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
	}

	turn := &Turn{Content: content, FinishReason: normalizeFinish(finish, len(calls))}

	if len(calls) > 0 {
		ordered := make([]*partialCall, 0, len(calls))
		for _, pc := range calls {
			ordered = append(ordered, pc)
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })

		for _, pc := range ordered {
			args := map[string]interface{}{}
			if pc.args != "" {
				if err := json.Unmarshal([]byte(pc.args), &args); err != nil {
					slog.Warn("provider: malformed tool arguments", "tool", pc.name, "error", err)
				}
			}
			call := ToolCall{ID: pc.id, Name: pc.name, Arguments: args}
			turn.ToolCalls = append(turn.ToolCalls, call)
			onEvent(StreamEvent{Kind: EventToolCallStarted, ToolCall: &call})
		}
	}

	onEvent(StreamEvent{Kind: EventFinish, FinishReason: turn.FinishReason})
	return turn, nil
}

func normalizeFinish(reason string, toolCalls int) string {
	switch reason {
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length":
		return FinishLength
	case "", "stop":
		if toolCalls > 0 {
			return FinishToolCalls
		}
		return FinishStop
	default:
		return reason
	}
}

func convertMessages(in []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(in))
	for _, m := range in {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func convertTools(in []ToolDefinition) []openai.Tool {
	if len(in) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(in))
	for _, t := range in {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}
