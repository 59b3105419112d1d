// Package mcp connects configured MCP servers and bridges their tools into
// the tool registry.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/mindroomhq/mindroom/internal/config"
	"github.com/mindroomhq/mindroom/internal/tools"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// ServerStatus reports the connection status of one MCP server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// serverState tracks a single MCP server connection.
type serverState struct {
	name       string
	transport  string
	client     *mcpclient.Client
	connected  atomic.Bool
	toolNames  []string
	timeoutSec int
	cancel     context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Manager owns the MCP server connections declared in the snapshot and
// registers their tools under the server's name prefix.
type Manager struct {
	mu       sync.RWMutex
	servers  map[string]*serverState
	registry *tools.Registry
}

// NewManager creates a manager registering into the given tool registry.
func NewManager(registry *tools.Registry) *Manager {
	return &Manager{
		servers:  make(map[string]*serverState),
		registry: registry,
	}
}

// Start connects every configured server in parallel. Individual failures
// are logged and collected; a partial bringup is not fatal to the caller.
func (m *Manager) Start(ctx context.Context, specs []config.MCPServerSpec) error {
	var (
		errMu sync.Mutex
		errs  []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			if err := m.connectServer(gctx, spec); err != nil {
				slog.Warn("mcp.server.connect_failed", "server", spec.Name, "error", err)
				errMu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", spec.Name, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	if len(errs) > 0 {
		return fmt.Errorf("some MCP servers failed to connect: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Apply reconciles the connection set against a new snapshot's server list.
// Removed servers are closed, new servers connected, changed specs recycled.
func (m *Manager) Apply(ctx context.Context, specs []config.MCPServerSpec) {
	wanted := make(map[string]config.MCPServerSpec, len(specs))
	for _, spec := range specs {
		wanted[spec.Name] = spec
	}

	m.mu.Lock()
	var drop []string
	for name := range m.servers {
		if _, ok := wanted[name]; !ok {
			drop = append(drop, name)
		}
	}
	m.mu.Unlock()

	for _, name := range drop {
		m.closeServer(name)
	}
	for _, spec := range specs {
		m.mu.RLock()
		_, exists := m.servers[spec.Name]
		m.mu.RUnlock()
		if exists {
			continue
		}
		if err := m.connectServer(ctx, spec); err != nil {
			slog.Warn("mcp.server.connect_failed", "server", spec.Name, "error", err)
		}
	}
}

// Stop closes all server connections and unregisters their tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.closeServer(name)
	}
}

// ServerStatus returns the status of every tracked server.
func (m *Manager) ServerStatus() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		statuses = append(statuses, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     lastErr,
		})
	}
	return statuses
}

func (m *Manager) closeServer(name string) {
	m.mu.Lock()
	ss, ok := m.servers[name]
	if ok {
		delete(m.servers, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if ss.cancel != nil {
		ss.cancel()
	}
	if ss.client != nil {
		if err := ss.client.Close(); err != nil {
			slog.Debug("mcp.server.close_error", "server", name, "error", err)
		}
	}
	for _, toolName := range ss.toolNames {
		m.registry.Unregister(toolName)
	}
}

// connectServer creates a client, runs the handshake, discovers tools, and
// registers them.
func (m *Manager) connectServer(ctx context.Context, spec config.MCPServerSpec) error {
	transportType := spec.Transport
	if transportType == "" {
		transportType = "stdio"
	}

	client, err := createClient(transportType, spec)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// SSE and streamable-http need an explicit Start; stdio auto-starts.
	if transportType != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "mindroom",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeoutSec := spec.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 60
	}

	ss := &serverState{
		name:       spec.Name,
		transport:  transportType,
		client:     client,
		timeoutSec: timeoutSec,
	}
	ss.connected.Store(true)

	var registered []string
	for _, mcpTool := range toolsResult.Tools {
		bt := newBridgeTool(spec.Name, mcpTool, client, timeoutSec, &ss.connected)
		if _, exists := m.registry.Lookup(bt.Name()); exists {
			slog.Warn("mcp.tool.name_collision", "server", spec.Name, "tool", bt.Name(), "action", "skipped")
			continue
		}
		m.registry.Register(bt)
		registered = append(registered, bt.Name())
	}
	ss.toolNames = registered

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[spec.Name] = ss
	m.mu.Unlock()

	slog.Info("mcp.server.connected",
		"server", spec.Name,
		"transport", transportType,
		"tools", len(registered),
	)
	return nil
}

func createClient(transportType string, spec config.MCPServerSpec) (*mcpclient.Client, error) {
	switch transportType {
	case "stdio":
		envSlice := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			envSlice = append(envSlice, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(spec.Command, envSlice, spec.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(spec.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(spec.Headers))
		}
		return mcpclient.NewSSEMCPClient(spec.URL, opts...)

	case "http", "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(spec.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(spec.Headers))
		}
		return mcpclient.NewStreamableHttpClient(spec.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %q", transportType)
	}
}

// healthLoop pings the server periodically and drives reconnection.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ss.client.Ping(ctx); err != nil {
				// Servers without a "ping" handler are still alive.
				if strings.Contains(strings.ToLower(err.Error()), "method not found") {
					ss.markHealthy()
					continue
				}
				ss.connected.Store(false)
				ss.mu.Lock()
				ss.lastErr = err.Error()
				ss.mu.Unlock()

				slog.Warn("mcp.server.health_failed", "server", ss.name, "error", err)
				m.tryReconnect(ctx, ss)
			} else {
				ss.markHealthy()
			}
		}
	}
}

func (ss *serverState) markHealthy() {
	ss.connected.Store(true)
	ss.mu.Lock()
	ss.reconnAttempts = 0
	ss.lastErr = ""
	ss.mu.Unlock()
}

// tryReconnect waits out an exponential backoff and probes the transport.
func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.lastErr = fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts)
		ss.mu.Unlock()
		slog.Error("mcp.server.reconnect_exhausted", "server", ss.name)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	slog.Info("mcp.server.reconnecting", "server", ss.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	// The transport may have auto-reconnected in the meantime.
	if err := ss.client.Ping(ctx); err == nil {
		ss.markHealthy()
		slog.Info("mcp.server.reconnected", "server", ss.name)
	}
}
