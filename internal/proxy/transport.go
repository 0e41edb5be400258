package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vyrodovalexey/avamcpgw/internal/registry"
	"github.com/vyrodovalexey/avamcpgw/internal/util"
)

// maxResponseBody bounds how much of an upstream reply is buffered.
const maxResponseBody = 8 << 20

// Dispatcher sends one request to one backend server. A returned
// *util.UpstreamError with ReasonTransportError marks the candidate as
// unreachable and lets the router try the next one; any response,
// including an error status, is final.
type Dispatcher interface {
	Dispatch(ctx context.Context, client *http.Client, endpoint registry.Endpoint, req *Request) (*Response, error)
}

// envelopeBody is the JSON-RPC style frame sent upstream.
type envelopeBody struct {
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	TraceID string          `json:"traceId,omitempty"`
}

// HTTPDispatcher speaks streamable HTTP and SSE endpoints with a plain
// POST; websocket endpoints get a dial, one frame each way, and a close.
type HTTPDispatcher struct {
	dialer *websocket.Dialer
}

// NewHTTPDispatcher creates the default dispatcher.
func NewHTTPDispatcher() *HTTPDispatcher {
	return &HTTPDispatcher{dialer: websocket.DefaultDialer}
}

// Dispatch implements Dispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, client *http.Client, endpoint registry.Endpoint, req *Request) (*Response, error) {
	start := time.Now()
	switch endpoint.Transport {
	case registry.TransportWebSocket:
		body, err := d.dispatchWebSocket(ctx, endpoint.URL, req)
		if err != nil {
			return nil, err
		}
		return &Response{Status: http.StatusOK, Body: body, Duration: time.Since(start)}, nil
	default:
		return d.dispatchHTTP(ctx, client, endpoint.URL, req, start)
	}
}

func (d *HTTPDispatcher) dispatchHTTP(ctx context.Context, client *http.Client, url string, req *Request, start time.Time) (*Response, error) {
	frame, err := json.Marshal(envelopeBody{Method: req.Method, Params: req.Payload, TraceID: req.RequestID})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		// Context errors surface as-is so the router can tell caller
		// cancellation and deadline from a broken connection.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &util.UpstreamError{Reason: util.ReasonTransportError, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &util.UpstreamError{Reason: util.ReasonTransportError, Cause: err}
	}

	return &Response{Status: resp.StatusCode, Body: body, Duration: time.Since(start)}, nil
}

func (d *HTTPDispatcher) dispatchWebSocket(ctx context.Context, url string, req *Request) (json.RawMessage, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &util.UpstreamError{Reason: util.ReasonTransportError, Cause: err}
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	frame, err := json.Marshal(envelopeBody{Method: req.Method, Params: req.Payload, TraceID: req.RequestID})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return nil, &util.UpstreamError{Reason: util.ReasonTransportError, Cause: err}
	}
	_, body, err := conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &util.UpstreamError{Reason: util.ReasonTransportError, Cause: err}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return body, nil
}
