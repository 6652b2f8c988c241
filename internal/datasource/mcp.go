package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rgoerwit/ai-investment-agent-sub000/internal/remote"
)

// ToolCaller is the slice of the MCP client used here.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// MCPProvider asks a tool on an MCP server for facts. The tool receives
// {"subject", "fields"} and must answer with a JSON object.
type MCPProvider struct {
	id     string
	tool   string
	caller ToolCaller
}

func NewMCPProvider(id, tool string, caller ToolCaller) *MCPProvider {
	return &MCPProvider{id: id, tool: tool, caller: caller}
}

func (p *MCPProvider) ID() string { return p.id }

func (p *MCPProvider) Fetch(ctx context.Context, subject string, fields []Field) (Record, error) {
	out, err := p.caller.CallTool(ctx, p.tool, map[string]interface{}{
		"subject": subject,
		"fields":  fieldStrings(fields),
	})
	if err != nil {
		return nil, err
	}
	raw, err := decodeObject(out)
	if err != nil {
		return nil, remote.Permanent(fmt.Errorf("%s: %w", p.id, err))
	}
	rec := make(Record, len(raw))
	for k, v := range raw {
		rec[Field(k)] = v
	}
	return subset(rec, fields), nil
}

// decodeObject extracts the first JSON object from text, tolerating prose or
// code fences around it.
func decodeObject(text string) (map[string]any, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode JSON object: %w", err)
	}
	return raw, nil
}
