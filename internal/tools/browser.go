package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/net/html"

	"github.com/workflowai/inference-gateway/internal/llm"
)

// BrowserTextToolName is the hosted page reader tool.
const BrowserTextToolName = "@browser-text"

// BrowserConfig configures the page reader.
type BrowserConfig struct {
	// ReaderURL, when set, is prefixed to the target URL and the response
	// body is returned as-is (reader services that return page text).
	ReaderURL  string
	APIKey     string
	MaxChars   int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// BrowserExecutor fetches a page and returns its readable text.
type BrowserExecutor struct {
	readerURL string
	apiKey    string
	maxChars  int
	client    *http.Client
}

// NewBrowserExecutor creates the page reader tool.
func NewBrowserExecutor(cfg BrowserConfig) *BrowserExecutor {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = 20000
	}
	return &BrowserExecutor{readerURL: cfg.ReaderURL, apiKey: cfg.APIKey, maxChars: maxChars, client: client}
}

// Definition implements Executor.
func (b *BrowserExecutor) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        BrowserTextToolName,
		Description: "Open a web page and return its text content.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"Absolute http(s) URL"}},"required":["url"]}`),
	}
}

// Execute implements Executor.
func (b *BrowserExecutor) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	target := strings.TrimSpace(gjson.GetBytes(input, "url").String())
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("url must be an absolute http(s) URL")
	}

	fetchURL := target
	if b.readerURL != "" {
		fetchURL = b.readerURL + target
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "inference-gateway/browser-text")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, 5<<20)
	var text string
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if b.readerURL == "" && (mediaType == "text/html" || mediaType == "application/xhtml+xml") {
		text, err = htmlText(body)
	} else {
		var data []byte
		data, err = io.ReadAll(body)
		text = string(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}

	text = strings.TrimSpace(text)
	truncated := false
	if runes := []rune(text); len(runes) > b.maxChars {
		text = string(runes[:b.maxChars])
		truncated = true
	}
	return json.Marshal(map[string]any{"url": target, "content": text, "truncated": truncated})
}

var skippedElements = map[string]bool{"script": true, "style": true, "noscript": true, "template": true, "svg": true, "head": true}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "pre": true, "blockquote": true,
}

// htmlText extracts visible text, one line per block element.
func htmlText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
				if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
					sb.WriteByte(' ')
				}
				sb.WriteString(s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] && sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteByte('\n')
		}
	}
	walk(doc)
	return sb.String(), nil
}

// Ensure BrowserExecutor implements Executor
var _ Executor = (*BrowserExecutor)(nil)
