package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/remote"
)

const defaultTimeout = 120 * time.Second

// endpoint is the transport shared by vendor adapters: a base URL, a fixed
// header set and an http.Client with the configured timeout.
type endpoint struct {
	service string
	base    string
	headers http.Header
	client  *http.Client
}

func newEndpoint(service, base string, timeout time.Duration, headers map[string]string) endpoint {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return endpoint{service: service, base: base, headers: h, client: &http.Client{Timeout: timeout}}
}

// call issues method against base+path. A nil in sends no body and a nil out
// discards the response. Transport failures stay retryable; anything that
// would fail identically on replay is marked permanent.
func (e endpoint) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return remote.Permanent(fmt.Errorf("%s: encode request: %w", e.service, err))
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.base+path, body)
	if err != nil {
		return remote.Permanent(fmt.Errorf("%s: build request: %w", e.service, err))
	}
	req.Header = e.headers.Clone()
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", e.service, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return remote.NewStatusError(e.service, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return remote.Permanent(fmt.Errorf("%s: decode response: %w", e.service, err))
	}
	return nil
}
