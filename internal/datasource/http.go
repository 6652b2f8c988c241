package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/remote"
)

// HTTPProvider fetches facts from a JSON REST endpoint of the form
// GET {endpoint}/{subject}?fields=a,b returning a flat JSON object.
type HTTPProvider struct {
	id       string
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPProvider(id, endpoint, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		id:       id,
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) ID() string { return p.id }

func (p *HTTPProvider) Fetch(ctx context.Context, subject string, fields []Field) (Record, error) {
	u := p.endpoint + "/" + url.PathEscape(subject)
	if len(fields) > 0 {
		u += "?fields=" + url.QueryEscape(strings.Join(fieldStrings(fields), ","))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, remote.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	// Unknown subject is a data gap, not an error.
	if resp.StatusCode == http.StatusNotFound {
		return Record{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, remote.NewStatusError(p.id, resp)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, remote.Permanent(fmt.Errorf("decode %s response: %w", p.id, err))
	}
	rec := make(Record, len(raw))
	for k, v := range raw {
		rec[Field(k)] = v
	}
	return subset(rec, fields), nil
}
