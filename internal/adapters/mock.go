package adapters

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync/atomic"

	"github.com/workflowai/inference-gateway/internal/llm"
)

// MockHandler produces the response for one mock call.
type MockHandler func(ctx context.Context, messages []llm.Message, params llm.Params) (*llm.Response, error)

// MockAdapter is a deterministic local provider for development and tests.
// Without a handler it echoes the last user message. Streaming splits the
// response text into fixed-size fragments.
type MockAdapter struct {
	BaseAdapter
	handler   MockHandler
	ChunkSize int
	// NativeStructuredOutput toggles the structured output capability.
	NativeStructuredOutput bool
	calls                  atomic.Int64
}

// NewMockAdapter creates a mock adapter. A nil handler echoes input.
func NewMockAdapter(handler MockHandler) *MockAdapter {
	if handler == nil {
		handler = echoHandler
	}
	return &MockAdapter{
		BaseAdapter:            BaseAdapter{name: string(ProviderMock), provider: ProviderMock},
		handler:                handler,
		ChunkSize:              4,
		NativeStructuredOutput: true,
	}
}

// Capabilities implements Adapter.
func (a *MockAdapter) Capabilities(_ string) Capabilities {
	return Capabilities{
		StructuredOutput: a.NativeStructuredOutput,
		Streaming:        true,
		ContentTypes:     []string{"image/*", "audio/*", "application/pdf", "text/plain"},
		FileURLs:         true,
	}
}

// Calls returns how many times Execute has been invoked.
func (a *MockAdapter) Calls() int64 { return a.calls.Load() }

// Execute implements Adapter.
func (a *MockAdapter) Execute(ctx context.Context, messages []llm.Message, params llm.Params) (Stream, error) {
	a.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, classifyTransportError(ctx, a.name, err)
	}
	resp, err := a.handler(ctx, messages, params)
	if err != nil {
		return nil, err
	}
	if resp.Usage == nil {
		resp.Usage = &llm.Usage{InputTokens: mockTokens(messages), OutputTokens: len(strings.Fields(resp.Text))}
	}
	if !params.Stream {
		return newSingleStream(resp), nil
	}
	return &mockStream{ctx: ctx, resp: resp, fragments: split(resp.Text, a.ChunkSize)}, nil
}

func echoHandler(_ context.Context, messages []llm.Message, params llm.Params) (*llm.Response, error) {
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			last = messages[i].Text()
			break
		}
	}
	if len(params.OutputSchema) > 0 && !json.Valid([]byte(last)) {
		out, _ := json.Marshal(map[string]string{"echo": last})
		last = string(out)
	}
	return &llm.Response{Text: last, FinishReason: llm.FinishStop}, nil
}

func mockTokens(messages []llm.Message) int {
	n := 0
	for _, m := range messages {
		n += len(strings.Fields(m.Text()))
	}
	return n
}

func split(s string, size int) []string {
	if size <= 0 {
		size = 4
	}
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := min(size, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

type mockStream struct {
	ctx       context.Context
	resp      *llm.Response
	fragments []string
	pos       int
	reasoned  bool
	done      bool
}

// Next implements Stream.
func (s *mockStream) Next() (llm.StreamChunk, error) {
	if s.done {
		return llm.StreamChunk{}, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		s.done = true
		return llm.StreamChunk{}, classifyTransportError(s.ctx, string(ProviderMock), err)
	}
	if !s.reasoned && s.resp.Reasoning != "" {
		s.reasoned = true
		return llm.StreamChunk{Reasoning: s.resp.Reasoning}, nil
	}
	if s.pos < len(s.fragments) {
		s.pos++
		return llm.StreamChunk{Delta: s.fragments[s.pos-1]}, nil
	}
	s.done = true
	return llm.StreamChunk{IsFinal: true, Usage: s.resp.Usage, Response: s.resp}, nil
}

// Close implements Stream.
func (s *mockStream) Close() error {
	s.done = true
	return nil
}

// Ensure MockAdapter implements Adapter
var _ Adapter = (*MockAdapter)(nil)
