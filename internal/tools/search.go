package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/workflowai/inference-gateway/internal/llm"
)

// SearchToolName is the hosted web search tool.
const SearchToolName = "@search-google"

const defaultSearchURL = "https://google.serper.dev"

// SearchConfig configures the search backend.
type SearchConfig struct {
	BaseURL    string
	APIKey     string
	MaxResults int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// SearchExecutor queries a Serper-compatible search API.
type SearchExecutor struct {
	baseURL    string
	apiKey     string
	maxResults int
	client     *http.Client
}

// NewSearchExecutor creates the search tool.
func NewSearchExecutor(cfg SearchConfig) *SearchExecutor {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultSearchURL
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	return &SearchExecutor{baseURL: baseURL, apiKey: cfg.APIKey, maxResults: maxResults, client: client}
}

// Definition implements Executor.
func (s *SearchExecutor) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        SearchToolName,
		Description: "Search the web and return the top results with title, link and snippet.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"The search query"}},"required":["query"]}`),
	}
}

// Execute implements Executor.
func (s *SearchExecutor) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	query := strings.TrimSpace(gjson.GetBytes(input, "query").String())
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}

	body, _ := sjson.SetBytes([]byte(`{}`), "q", query)
	body, _ = sjson.SetBytes(body, "num", s.maxResults)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search backend returned status %d", resp.StatusCode)
	}

	out := []byte(`{"results":[]}`)
	n := 0
	gjson.GetBytes(data, "organic").ForEach(func(_, r gjson.Result) bool {
		out, _ = sjson.SetBytes(out, "results.-1", map[string]string{
			"title":   r.Get("title").String(),
			"link":    r.Get("link").String(),
			"snippet": r.Get("snippet").String(),
		})
		n++
		return n < s.maxResults
	})
	if answer := gjson.GetBytes(data, "answerBox.answer"); answer.Exists() {
		out, _ = sjson.SetBytes(out, "answer", answer.String())
	}
	return out, nil
}

// Ensure SearchExecutor implements Executor
var _ Executor = (*SearchExecutor)(nil)
