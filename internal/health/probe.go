// Package health runs scheduled liveness probes against registered MCP
// servers and drives their health state in the registry.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vyrodovalexey/avamcpgw/internal/registry"
)

// Result is the outcome of a successful probe.
type Result struct {
	ResponseTime time.Duration
	// Capabilities is the number of tools reported by a deep probe.
	Capabilities int
}

// Prober performs one health probe against an endpoint. Implementations
// must honor ctx cancellation and deadlines.
type Prober interface {
	Probe(ctx context.Context, endpoint registry.Endpoint, deep bool) (*Result, error)
}

// MCPProber probes MCP servers with a real protocol handshake: connect,
// ping, and for deep probes a tools/list round-trip. Websocket endpoints
// get a dial + close handshake since the MCP SDK does not speak that
// transport.
type MCPProber struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	impl       *mcp.Implementation
}

// NewMCPProber creates a prober. The HTTP client is shared across probe
// sessions; per-probe deadlines come from ctx.
func NewMCPProber(httpClient *http.Client) *MCPProber {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &MCPProber{
		httpClient: httpClient,
		dialer:     websocket.DefaultDialer,
		impl:       &mcp.Implementation{Name: "mcpgw-health", Version: "1.0.0"},
	}
}

// Probe implements Prober.
func (p *MCPProber) Probe(ctx context.Context, endpoint registry.Endpoint, deep bool) (*Result, error) {
	start := time.Now()
	switch endpoint.Transport {
	case registry.TransportStreamable, registry.TransportSSE:
		capabilities, err := p.probeMCP(ctx, endpoint, deep)
		if err != nil {
			return nil, err
		}
		return &Result{ResponseTime: time.Since(start), Capabilities: capabilities}, nil
	case registry.TransportWebSocket:
		if err := p.probeWebSocket(ctx, endpoint.URL); err != nil {
			return nil, err
		}
		return &Result{ResponseTime: time.Since(start)}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", endpoint.Transport)
	}
}

func (p *MCPProber) probeMCP(ctx context.Context, endpoint registry.Endpoint, deep bool) (int, error) {
	var transport mcp.Transport
	if endpoint.Transport == registry.TransportSSE {
		transport = &mcp.SSEClientTransport{Endpoint: endpoint.URL, HTTPClient: p.httpClient}
	} else {
		transport = &mcp.StreamableClientTransport{Endpoint: endpoint.URL, HTTPClient: p.httpClient}
	}

	client := mcp.NewClient(p.impl, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return 0, fmt.Errorf("mcp connect: %w", err)
	}
	defer session.Close()

	if err := session.Ping(ctx, nil); err != nil {
		return 0, fmt.Errorf("mcp ping: %w", err)
	}

	if !deep {
		return 0, nil
	}
	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mcp tools/list: %w", err)
	}
	return len(tools.Tools), nil
}

func (p *MCPProber) probeWebSocket(ctx context.Context, url string) error {
	conn, resp, err := p.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}
