package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/omnibridge/omnibridge/pkg/models"
)

// Conn is one live connection to an MCP server.
//
// CallTool distinguishes the two failure planes: a tool-level failure is
// returned as (content, isError=true, nil) so the caller can hand it back
// to the LM; a transport failure is returned as a non-nil error and feeds
// the health state machine.
type Conn interface {
	ListTools(ctx context.Context) ([]models.Tool, error)
	CallTool(ctx context.Context, tool string, args map[string]any) (content string, isError bool, err error)
	Close() error
}

// Dialer establishes connections to MCP servers. The production
// implementation speaks the MCP protocol; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, server models.MCPServer) (Conn, error)
}

// ── MCP SDK dialer ───────────────────────────────────────────

// SDKDialer connects using the official MCP Go SDK over streamable HTTP,
// SSE, or stdio transports.
type SDKDialer struct {
	// ClientName identifies the bridge in the MCP initialize handshake.
	ClientName    string
	ClientVersion string
}

func NewSDKDialer(version string) *SDKDialer {
	return &SDKDialer{ClientName: "omnibridge", ClientVersion: version}
}

func (d *SDKDialer) Dial(ctx context.Context, server models.MCPServer) (Conn, error) {
	transport, err := d.transportFor(ctx, server)
	if err != nil {
		return nil, err
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    d.ClientName,
		Version: d.ClientVersion,
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", server.Name, err)
	}

	return &sdkConn{mcpName: server.Name, session: session}, nil
}

func (d *SDKDialer) transportFor(ctx context.Context, server models.MCPServer) (mcp.Transport, error) {
	switch strings.ToLower(server.Transport) {
	case models.TransportHTTP, "streamable", "streamable-http":
		return &mcp.StreamableClientTransport{
			Endpoint:   server.URL,
			HTTPClient: httpClientFor(server),
		}, nil
	case models.TransportSSE:
		return &mcp.SSEClientTransport{
			Endpoint:   server.URL,
			HTTPClient: httpClientFor(server),
		}, nil
	case models.TransportStdio:
		if server.Command == "" {
			return nil, fmt.Errorf("mcp %s: stdio transport requires a command", server.Name)
		}
		return &mcp.CommandTransport{
			Command: exec.CommandContext(ctx, server.Command, server.Args...),
		}, nil
	default:
		return nil, fmt.Errorf("mcp %s: unsupported transport %q", server.Name, server.Transport)
	}
}

// httpClientFor builds an HTTP client that injects the descriptor's bearer
// token and extra headers into every request.
func httpClientFor(server models.MCPServer) *http.Client {
	headers := make(map[string]string, len(server.Headers)+1)
	for k, v := range server.Headers {
		headers[k] = v
	}
	if server.AuthToken != "" {
		headers["Authorization"] = "Bearer " + server.AuthToken
	}
	if len(headers) == 0 {
		return &http.Client{Timeout: server.Timeout}
	}
	return &http.Client{
		Timeout: server.Timeout,
		Transport: &headerRoundTripper{
			base:    http.DefaultTransport,
			headers: headers,
		},
	}
}

// headerRoundTripper adds fixed headers to every outgoing request.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for key, value := range h.headers {
		// The streamable transport manages Accept itself.
		if key == "Accept" && clone.Header.Get("Accept") != "" {
			continue
		}
		clone.Header.Set(key, value)
	}
	return h.base.RoundTrip(clone)
}

// ── SDK connection ───────────────────────────────────────────

type sdkConn struct {
	mcpName string
	session *mcp.ClientSession
}

func (c *sdkConn) ListTools(ctx context.Context) ([]models.Tool, error) {
	result, err := c.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("list tools %s: %w", c.mcpName, err)
	}

	tools := make([]models.Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, models.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
			MCP:         c.mcpName,
		})
	}
	return tools, nil
}

func (c *sdkConn) CallTool(ctx context.Context, tool string, args map[string]any) (string, bool, error) {
	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		return "", false, fmt.Errorf("call %s.%s: %w", c.mcpName, tool, err)
	}
	return flattenContent(result.Content), result.IsError, nil
}

func (c *sdkConn) Close() error {
	return c.session.Close()
}

// schemaToMap converts the SDK's JSON-schema type to the registry's plain
// map representation via a marshal round trip.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// flattenContent extracts the text payload from MCP content blocks.
// Non-text blocks are carried as their JSON form so nothing is dropped.
func flattenContent(content []mcp.Content) string {
	var b strings.Builder
	for _, block := range content {
		switch c := block.(type) {
		case *mcp.TextContent:
			b.WriteString(c.Text)
		default:
			if data, err := json.Marshal(block); err == nil {
				b.Write(data)
			}
		}
	}
	return b.String()
}
