package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/openhearth/hearth/pkg/types"
)

// Transport selects how an MCP server is reached.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a known transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one external MCP server.
type ServerConfig struct {
	// Name identifies the server and prefixes its tool names.
	Name string

	Transport Transport

	// Command is the stdio server command line, split on spaces into
	// executable and arguments.
	Command string

	// URL is the streamable-HTTP endpoint.
	URL string

	// Env holds additional environment variables for stdio servers.
	Env map[string]string
}

// RemoteTool is one tool imported from an MCP server. Definition.Name carries
// the exposed "server_tool" name; Server and Tool address the original.
type RemoteTool struct {
	Definition types.ToolDefinition
	Server     string
	Tool       string
}

// MCPHost maintains connections to external MCP servers and imports their
// tool catalogues. Imported tool names are prefixed with the server name so
// two servers can expose a tool with the same name without colliding.
//
// Safe for concurrent use.
type MCPHost struct {
	mu       sync.RWMutex
	sessions map[string]*mcpsdk.ClientSession
	tools    []RemoteTool

	// client is reused across all server connections; the SDK allows a
	// single Client to manage multiple sessions.
	client *mcpsdk.Client

	logger *slog.Logger
}

// NewMCPHost creates a host with no connections.
func NewMCPHost(logger *slog.Logger) *MCPHost {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPHost{
		sessions: make(map[string]*mcpsdk.ClientSession),
		client:   mcpsdk.NewClient(&mcpsdk.Implementation{Name: "hearth", Version: "1.0.0"}, nil),
		logger:   logger,
	}
}

// Connect establishes a session to the server described by cfg and imports
// its tools. Reconnecting under an existing name replaces the old session and
// its tools.
func (h *MCPHost) Connect(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: mcp server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("tools: unknown transport %q for mcp server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("tools: stdio mcp server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http mcp server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect to mcp server %q: %w", cfg.Name, err)
	}

	var imported []RemoteTool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools for mcp server %q: %w", cfg.Name, err)
		}
		imported = append(imported, RemoteTool{
			Definition: types.ToolDefinition{
				Name:        cfg.Name + "_" + tool.Name,
				Description: tool.Description,
				Parameters:  sdkSchemaToMap(tool.InputSchema),
			},
			Server: cfg.Name,
			Tool:   tool.Name,
		})
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.sessions[cfg.Name]; ok {
		_ = old.Close()
		kept := h.tools[:0]
		for _, t := range h.tools {
			if t.Server != cfg.Name {
				kept = append(kept, t)
			}
		}
		h.tools = kept
	}

	h.sessions[cfg.Name] = session
	h.tools = append(h.tools, imported...)
	h.logger.Info("connected mcp server",
		slog.String("server", cfg.Name),
		slog.String("transport", string(cfg.Transport)),
		slog.Int("tools", len(imported)))
	return nil
}

// Tools returns a copy of the imported tool catalogue.
func (h *MCPHost) Tools() []RemoteTool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]RemoteTool, len(h.tools))
	copy(out, h.tools)
	return out
}

// Call invokes a tool on the named server and returns the concatenated text
// content of the result. An error result from the server surfaces as a Go
// error so the caller treats it like any failed call.
func (h *MCPHost) Call(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	h.mu.RLock()
	session, ok := h.sessions[server]
	h.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("tools: mcp server %q not connected", server)
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("tools: call %s on mcp server %q: %w", tool, server, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("tools: %s on mcp server %q failed: %s", tool, server, sb.String())
	}
	return sb.String(), nil
}

// Close shuts down all server sessions. The host must not be used afterwards.
func (h *MCPHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close mcp server %q: %w", name, err)
		}
		delete(h.sessions, name)
	}
	h.tools = nil
	return firstErr
}

// sdkSchemaToMap converts an SDK schema value into a plain map.
func sdkSchemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
