package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/mindroomhq/mindroom/internal/tools"
)

// bridgeTool adapts one discovered MCP tool to the registry's Tool interface.
// Registered names are prefixed with the server name so two servers can
// export the same tool without colliding.
type bridgeTool struct {
	server    string
	mcpTool   mcpgo.Tool
	client    *mcpclient.Client
	timeout   time.Duration
	connected *atomic.Bool
	params    map[string]interface{}
}

func newBridgeTool(server string, mcpTool mcpgo.Tool, client *mcpclient.Client, timeoutSec int, connected *atomic.Bool) *bridgeTool {
	return &bridgeTool{
		server:    server,
		mcpTool:   mcpTool,
		client:    client,
		timeout:   time.Duration(timeoutSec) * time.Second,
		connected: connected,
		params:    schemaToMap(mcpTool.InputSchema),
	}
}

func (b *bridgeTool) Name() string {
	return b.server + "_" + b.mcpTool.Name
}

func (b *bridgeTool) Description() string {
	if b.mcpTool.Description != "" {
		return b.mcpTool.Description
	}
	return fmt.Sprintf("MCP tool %s from server %s", b.mcpTool.Name, b.server)
}

func (b *bridgeTool) Parameters() map[string]interface{} {
	return b.params
}

func (b *bridgeTool) Execute(ctx context.Context, args map[string]interface{}) (*tools.Result, error) {
	if !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %s is disconnected", b.server)), nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.mcpTool.Name
	req.Params.Arguments = args

	res, err := b.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", b.mcpTool.Name, err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		return tools.ErrorResult(text), nil
	}
	return tools.NewResult(text), nil
}

// flattenContent joins text content blocks; non-text blocks are summarized.
func flattenContent(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
			continue
		}
		raw, err := json.Marshal(c)
		if err != nil {
			continue
		}
		parts = append(parts, string(raw))
	}
	return strings.Join(parts, "\n")
}

// schemaToMap converts the typed input schema to the generic map the
// providers layer sends to the model.
func schemaToMap(schema mcpgo.ToolInputSchema) map[string]interface{} {
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"type": "object"}
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}
