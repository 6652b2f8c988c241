// Package mcp is a Model Context Protocol client for the HTTP+SSE transport.
// Requests go out as JSON-RPC POSTs; replies come back on the event stream
// and are matched to callers by id.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/remote"
	"go.uber.org/zap"
)

const defaultRPCTimeout = 30 * time.Second

var errClosed = errors.New("mcp: client closed")

type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// RPCError is the error member of a JSON-RPC reply.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message)
}

func (e *RPCError) rateLimited() bool {
	return e.Code == http.StatusTooManyRequests || strings.Contains(strings.ToLower(e.Message), "rate limit")
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type Client struct {
	name    string
	sseURL  string
	http    *http.Client
	timeout time.Duration
	logger  *zap.Logger

	endpoint string
	stop     context.CancelFunc
	seq      atomic.Int64

	mu      sync.Mutex
	waiting map[int64]chan rpcResponse
	closed  bool
	tools   []ToolInfo
}

func NewClient(name, sseURL string, logger *zap.Logger) *Client {
	return &Client{
		name:    name,
		sseURL:  sseURL,
		http:    http.DefaultClient,
		timeout: defaultRPCTimeout,
		logger:  logger.With(zap.String("mcp_server", name)),
		waiting: make(map[int64]chan rpcResponse),
	}
}

// SetRPCTimeout bounds how long a call waits for its reply on the stream.
func (c *Client) SetRPCTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) service() string { return "mcp:" + c.name }

func (c *Client) ListTools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.tools)
}

func (c *Client) HasTool(name string) bool {
	return slices.ContainsFunc(c.ListTools(), func(t ToolInfo) bool { return t.Name == name })
}

// Connect opens the event stream, waits for the server to announce its
// message endpoint, then lists tools. The stream stays open until Close;
// ctx only bounds the handshake.
func (c *Client) Connect(ctx context.Context) error {
	streamCtx, stop := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.sseURL, nil)
	if err != nil {
		stop()
		return remote.Permanent(fmt.Errorf("mcp %s: %w", c.name, err))
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		stop()
		return fmt.Errorf("mcp %s: open stream: %w", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer stop()
		defer resp.Body.Close()
		return remote.NewStatusError(c.service(), resp)
	}

	events := newEventReader(resp.Body)
	endpoint, err := awaitEndpoint(events)
	if err == nil {
		endpoint, err = resolve(c.sseURL, endpoint)
	}
	if err != nil {
		resp.Body.Close()
		stop()
		return fmt.Errorf("mcp %s: %w", c.name, err)
	}
	c.endpoint = endpoint
	c.stop = stop
	c.logger.Info("MCP endpoint discovered", zap.String("rpc", endpoint))
	go c.pump(events, resp.Body)

	if err := c.refreshTools(ctx); err != nil {
		return fmt.Errorf("mcp %s: list tools: %w", c.name, err)
	}
	c.logger.Info("MCP tools discovered", zap.Int("count", len(c.ListTools())))
	return nil
}

func awaitEndpoint(events *eventReader) (string, error) {
	for {
		ev, err := events.next()
		if err != nil {
			return "", fmt.Errorf("stream ended before endpoint event: %w", err)
		}
		if ev.name == "endpoint" {
			return strings.TrimSpace(ev.data), nil
		}
	}
}

// resolve interprets ref relative to the stream URL.
func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// pump delivers replies from the stream until it closes, then fails every
// caller still waiting.
func (c *Client) pump(events *eventReader, body io.Closer) {
	defer body.Close()
	for {
		ev, err := events.next()
		if err != nil {
			c.logger.Debug("MCP stream closed", zap.Error(err))
			c.shutdown()
			return
		}
		if ev.name != "" && ev.name != "message" {
			continue
		}
		var reply rpcResponse
		if err := json.Unmarshal([]byte(ev.data), &reply); err != nil {
			c.logger.Debug("MCP stream carried non JSON-RPC data")
			continue
		}
		if ch := c.claim(reply.ID); ch != nil {
			ch <- reply
		}
	}
}

func (c *Client) register(id int64) (chan rpcResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClosed
	}
	ch := make(chan rpcResponse, 1)
	c.waiting[id] = ch
	return ch, nil
}

// claim removes and returns the waiter for id, or nil if nobody is waiting.
func (c *Client) claim(id int64) chan rpcResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.waiting[id]
	delete(c.waiting, id)
	return ch
}

func (c *Client) post(ctx context.Context, rpc rpcRequest) error {
	body, err := json.Marshal(rpc)
	if err != nil {
		return remote.Permanent(fmt.Errorf("encode %s: %w", rpc.Method, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return remote.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", rpc.Method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return remote.NewStatusError(c.service(), resp)
	}
	return nil
}

// call posts one request and waits for its reply. Rate-limit replies come
// back as RateLimitedError so the retrier backs off; other RPC errors are
// permanent.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.seq.Add(1)
	ch, err := c.register(id)
	if err != nil {
		return nil, err
	}
	if err := c.post(ctx, rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.claim(id)
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		switch {
		case !ok:
			return nil, errClosed
		case reply.Error == nil:
			return reply.Result, nil
		case reply.Error.rateLimited():
			return nil, &remote.RateLimitedError{Service: c.service()}
		default:
			return nil, remote.Permanent(reply.Error)
		}
	case <-ctx.Done():
		c.claim(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.claim(id)
		return nil, fmt.Errorf("%s after %s: %w", method, c.timeout, context.DeadlineExceeded)
	}
}

func (c *Client) refreshTools(ctx context.Context) error {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var listed struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listed); err != nil {
		return remote.Permanent(fmt.Errorf("decode tools/list: %w", err))
	}
	c.mu.Lock()
	c.tools = listed.Tools
	c.mu.Unlock()
	return nil
}

type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// CallTool runs a tool and returns the concatenated text parts of its
// result. A result with no text parts is returned raw.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	raw, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return "", fmt.Errorf("mcp %s: tool %s: %w", c.name, name, err)
	}
	var res toolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return string(raw), nil
	}
	var text strings.Builder
	for _, part := range res.Content {
		if part.Type == "text" {
			text.WriteString(part.Text)
		}
	}
	if res.IsError {
		return "", remote.Permanent(fmt.Errorf("mcp %s: tool %s: %s", c.name, name, text.String()))
	}
	if text.Len() == 0 {
		return string(raw), nil
	}
	return text.String(), nil
}

// shutdown closes every waiting channel once. Later calls fail fast.
func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.waiting {
		close(ch)
		delete(c.waiting, id)
	}
}

func (c *Client) Close() error {
	if c.stop != nil {
		c.stop()
	}
	c.shutdown()
	return nil
}
