package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool describes a callable tool.
type Tool struct {
	Name        string
	Description string
	InputSchema any
}

// ToolProvider lists and calls tools.
type ToolProvider interface {
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
}

// MCPServerConfig configures one MCP server.
type MCPServerConfig struct {
	// Name identifies the server in logs and tool results.
	Name string `yaml:"name"`

	// Transport is "streamable" (HTTP) or "command" (stdio subprocess).
	Transport string `yaml:"transport"`

	// URL is the endpoint for the streamable transport.
	URL string `yaml:"url"`

	// Command and Args start the server for the command transport.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Env adds KEY=VALUE entries to the subprocess environment.
	Env []string `yaml:"env"`
}

// MCPToolbox aggregates the tools of several MCP servers.
type MCPToolbox struct {
	servers []MCPServerConfig
	version string
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*mcp.ClientSession
	routes   map[string]string
	tools    []Tool
}

// NewMCPToolbox creates a toolbox for the configured servers. Connect must be
// called before tools are listed.
func NewMCPToolbox(servers []MCPServerConfig, version string, logger *slog.Logger) *MCPToolbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPToolbox{
		servers:  servers,
		version:  version,
		logger:   logger.With("component", "mcp"),
		sessions: make(map[string]*mcp.ClientSession),
		routes:   make(map[string]string),
	}
}

// Connect opens a session to every server. Servers that fail to connect are
// logged and skipped; the error is returned only when none connected.
func (b *MCPToolbox) Connect(ctx context.Context) error {
	var lastErr error
	for _, srv := range b.servers {
		if err := b.connect(ctx, srv); err != nil {
			b.logger.Warn("MCP server unavailable", "server", srv.Name, "error", err)
			lastErr = err
			continue
		}
		b.logger.Info("MCP session established", "server", srv.Name, "transport", srv.Transport)
	}
	if len(b.servers) > 0 && b.sessionCount() == 0 {
		return fmt.Errorf("no MCP server connected: %w", lastErr)
	}
	return nil
}

func (b *MCPToolbox) connect(ctx context.Context, srv MCPServerConfig) error {
	var transport mcp.Transport
	switch strings.ToLower(srv.Transport) {
	case "", "streamable", "http":
		if srv.URL == "" {
			return fmt.Errorf("server %q: url is required", srv.Name)
		}
		transport = &mcp.StreamableClientTransport{
			Endpoint:   srv.URL,
			HTTPClient: &http.Client{Timeout: 60 * time.Second},
		}
	case "command", "stdio":
		if srv.Command == "" {
			return fmt.Errorf("server %q: command is required", srv.Name)
		}
		cmd := exec.Command(srv.Command, srv.Args...)
		cmd.Env = append(os.Environ(), srv.Env...)
		transport = &mcp.CommandTransport{Command: cmd}
	default:
		return fmt.Errorf("server %q: unknown transport %q", srv.Name, srv.Transport)
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "sentra",
		Version: b.version,
	}, &mcp.ClientOptions{
		KeepAlive: 30 * time.Second,
	})

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect to %q: %w", srv.Name, err)
	}

	b.mu.Lock()
	b.sessions[srv.Name] = session
	b.tools = nil
	b.mu.Unlock()

	go func() {
		_ = session.Wait()
		b.mu.Lock()
		if b.sessions[srv.Name] == session {
			delete(b.sessions, srv.Name)
			b.tools = nil
		}
		b.mu.Unlock()
		b.logger.Info("MCP session closed", "server", srv.Name)
	}()
	return nil
}

func (b *MCPToolbox) sessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// ListTools returns the tools of every connected server. The catalog is
// cached until a session opens or closes.
func (b *MCPToolbox) ListTools(ctx context.Context) ([]Tool, error) {
	b.mu.Lock()
	if b.tools != nil {
		tools := b.tools
		b.mu.Unlock()
		return tools, nil
	}
	sessions := make(map[string]*mcp.ClientSession, len(b.sessions))
	for name, s := range b.sessions {
		sessions[name] = s
	}
	b.mu.Unlock()

	names := make([]string, 0, len(sessions))
	for name := range sessions {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		tools  = []Tool{}
		routes = make(map[string]string)
	)
	for _, name := range names {
		var cursor string
		for {
			params := &mcp.ListToolsParams{Cursor: cursor}
			res, err := sessions[name].ListTools(ctx, params)
			if err != nil {
				b.logger.Warn("ListTools failed", "server", name, "error", err)
				break
			}
			for _, t := range res.Tools {
				if _, dup := routes[t.Name]; dup {
					b.logger.Warn("duplicate tool name, keeping first", "tool", t.Name, "server", name)
					continue
				}
				routes[t.Name] = name
				tools = append(tools, Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
			}
			if res.NextCursor == "" {
				break
			}
			cursor = res.NextCursor
		}
	}

	b.mu.Lock()
	b.tools = tools
	b.routes = routes
	b.mu.Unlock()
	return tools, nil
}

// CallTool executes a tool on the server that provides it.
func (b *MCPToolbox) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	b.mu.Lock()
	server, ok := b.routes[name]
	session := b.sessions[server]
	b.mu.Unlock()
	if !ok || session == nil {
		return &ToolResult{Success: false, Code: "UNKNOWN_TOOL", Error: fmt.Sprintf("tool %q is not available", name)}, nil
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", name, server, err)
	}
	return convertResult(server, res), nil
}

// Close closes every session.
func (b *MCPToolbox) Close() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*mcp.ClientSession)
	b.tools = nil
	b.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

func convertResult(server string, res *mcp.CallToolResult) *ToolResult {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok && tc.Text != "" {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	out := &ToolResult{Success: !res.IsError, Provider: server}
	if res.IsError {
		out.Code = "TOOL_ERROR"
		out.Error = text
		return out
	}
	if res.StructuredContent != nil {
		out.Data = res.StructuredContent
		return out
	}
	var decoded any
	if json.Unmarshal([]byte(text), &decoded) == nil {
		out.Data = decoded
	} else {
		out.Data = text
	}
	return out
}
