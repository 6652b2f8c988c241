package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/remote"
	"go.uber.org/zap"
)

// fakeServer speaks just enough MCP-over-SSE for the client: the SSE stream
// announces /rpc, and every POST to /rpc is answered on the stream.
type fakeServer struct {
	replies chan string
	handle  func(method string, params json.RawMessage) (any, *RPCError)
}

func newFakeServer(handle func(string, json.RawMessage) (any, *RPCError)) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{replies: make(chan string, 16), handle: handle}
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: endpoint\ndata: /rpc\n\n")
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case msg := <-fs.replies:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
				flusher.Flush()
			}
		}
	})
	mux.HandleFunc("/rpc", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int             `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		result, rpcErr := fs.handle(req.Method, req.Params)
		reply := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			reply["error"] = rpcErr
		} else {
			reply["result"] = result
		}
		data, _ := json.Marshal(reply)
		fs.replies <- string(data)
		w.WriteHeader(http.StatusAccepted)
	})
	return fs, httptest.NewServer(mux)
}

func TestClientCallTool(t *testing.T) {
	_, srv := newFakeServer(func(method string, params json.RawMessage) (any, *RPCError) {
		switch method {
		case "tools/list":
			return map[string]any{"tools": []ToolInfo{{Name: "get_fundamentals"}}}, nil
		case "tools/call":
			var p struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			json.Unmarshal(params, &p)
			return map[string]any{"content": []map[string]string{
				{"type": "text", "text": fmt.Sprintf(`{"subject":%q}`, p.Arguments["subject"])},
			}}, nil
		}
		return nil, &RPCError{Code: -32601, Message: "method not found"}
	})
	defer srv.Close()

	c := NewClient("fundamentals", srv.URL+"/sse", zap.NewNop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if !c.HasTool("get_fundamentals") {
		t.Fatalf("tool not discovered: %+v", c.ListTools())
	}
	out, err := c.CallTool(context.Background(), "get_fundamentals", map[string]interface{}{"subject": "AAPL"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != `{"subject":"AAPL"}` {
		t.Fatalf("got %q", out)
	}
}

func TestClientRateLimitIsTransient(t *testing.T) {
	_, srv := newFakeServer(func(method string, params json.RawMessage) (any, *RPCError) {
		if method == "tools/list" {
			return map[string]any{"tools": []ToolInfo{}}, nil
		}
		return nil, &RPCError{Code: 429, Message: "rate limit exceeded"}
	})
	defer srv.Close()

	c := NewClient("news", srv.URL+"/sse", zap.NewNop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	_, err := c.CallTool(context.Background(), "headlines", nil)
	var rl *remote.RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("got %v, want RateLimitedError", err)
	}
	if !remote.IsTransient(err) {
		t.Fatal("rate limit should classify as transient")
	}
}

func TestResolve(t *testing.T) {
	base := "http://localhost:8931/mcp/sse"
	cases := map[string]string{
		"/messages?sessionId=1":     "http://localhost:8931/messages?sessionId=1",
		"messages":                  "http://localhost:8931/mcp/messages",
		"https://other.example/rpc": "https://other.example/rpc",
	}
	for in, want := range cases {
		got, err := resolve(base, in)
		if err != nil || got != want {
			t.Errorf("resolve(%q) = %q, %v, want %q", in, got, err, want)
		}
	}
}

func TestEventReader(t *testing.T) {
	stream := ": keepalive\n\nevent: endpoint\r\ndata: /rpc\r\n\r\ndata: {\"a\":\ndata: 1}\n\n"
	r := newEventReader(strings.NewReader(stream))

	ev, err := r.next()
	if err != nil || ev.name != "endpoint" || ev.data != "/rpc" {
		t.Fatalf("first event: got %+v, %v", ev, err)
	}
	ev, err = r.next()
	if err != nil || ev.name != "" || ev.data != "{\"a\":\n1}" {
		t.Fatalf("second event: got %+v, %v", ev, err)
	}
	if _, err := r.next(); !errors.Is(err, io.EOF) {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestCallAfterCloseFails(t *testing.T) {
	_, srv := newFakeServer(func(method string, _ json.RawMessage) (any, *RPCError) {
		return map[string]any{"tools": []ToolInfo{}}, nil
	})
	defer srv.Close()

	c := NewClient("x", srv.URL+"/sse", zap.NewNop())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Close()
	if _, err := c.CallTool(context.Background(), "anything", nil); !errors.Is(err, errClosed) {
		t.Fatalf("got %v, want errClosed", err)
	}
}
