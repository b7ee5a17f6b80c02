// Upstream stream decoding.
//
// DESIGN: Providers frame streams two ways:
//   - SSE: "event:" / "data:" lines separated by blank lines (OpenAI, Anthropic, Gemini)
//   - NDJSON: one JSON object per line (Ollama)
//
// frameReader yields raw payloads; eventStream feeds each payload to a
// provider decode function that updates an accumulator and returns the
// chunk to surface, if any. When the body ends the accumulator produces the
// final chunk with the aggregated response.
package adapters

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/llm"
)

// errEndOfStream is returned by a decode function when the provider signals
// completion before the body closes (OpenAI's [DONE]).
var errEndOfStream = errors.New("end of stream")

const maxFrameSize = 4 * 1024 * 1024

// =============================================================================
// FRAME READERS
// =============================================================================

type frame struct {
	event string
	data  []byte
}

type frameReader interface {
	next() (frame, error)
}

type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &sseReader{scanner: s}
}

func (r *sseReader) next() (frame, error) {
	var f frame
	var data [][]byte
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			if len(data) > 0 {
				f.data = bytes.Join(data, []byte("\n"))
				return f, nil
			}
			f.event = ""
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			f.event = string(value)
		case "data":
			data = append(data, append([]byte(nil), value...))
		}
	}
	if err := r.scanner.Err(); err != nil {
		return frame{}, err
	}
	if len(data) > 0 {
		f.data = bytes.Join(data, []byte("\n"))
		return f, nil
	}
	return frame{}, io.EOF
}

type ndjsonReader struct {
	scanner *bufio.Scanner
}

func newNDJSONReader(r io.Reader) *ndjsonReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &ndjsonReader{scanner: s}
}

func (r *ndjsonReader) next() (frame, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return frame{data: append([]byte(nil), line...)}, nil
	}
	if err := r.scanner.Err(); err != nil {
		return frame{}, err
	}
	return frame{}, io.EOF
}

// =============================================================================
// ACCUMULATOR
// =============================================================================

type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// accumulator aggregates deltas into the final response.
type accumulator struct {
	text      strings.Builder
	reasoning strings.Builder
	calls     map[int]*toolCallBuilder
	usage     *llm.Usage
	finish    llm.FinishReason
	warnings  []string
	names     *toolNames
}

func newAccumulator(names *toolNames, warnings []string) *accumulator {
	return &accumulator{calls: make(map[int]*toolCallBuilder), names: names, warnings: warnings}
}

func (a *accumulator) call(index int) *toolCallBuilder {
	b, ok := a.calls[index]
	if !ok {
		b = &toolCallBuilder{}
		a.calls[index] = b
	}
	return b
}

func (a *accumulator) response() *llm.Response {
	resp := &llm.Response{
		Text:         a.text.String(),
		Reasoning:    a.reasoning.String(),
		Usage:        a.usage,
		FinishReason: a.finish,
		Warnings:     a.warnings,
	}
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		b := a.calls[i]
		args := strings.TrimSpace(b.args.String())
		if args == "" {
			args = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:    b.id,
			Name:  a.names.decode(b.name),
			Input: []byte(args),
		})
	}
	if len(resp.ToolCalls) > 0 && (resp.FinishReason == "" || resp.FinishReason == llm.FinishStop) {
		resp.FinishReason = llm.FinishToolCalls
	}
	return resp
}

// =============================================================================
// EVENT STREAM
// =============================================================================

// decodeFunc consumes one frame. It returns the chunk to emit (ok=false to
// emit nothing) or errEndOfStream when the provider signalled completion.
type decodeFunc func(f frame, acc *accumulator) (chunk llm.StreamChunk, ok bool, err error)

type eventStream struct {
	ctx      context.Context
	provider string
	body     io.ReadCloser
	reader   frameReader
	decode   decodeFunc
	acc      *accumulator
	done     bool
}

func newEventStream(ctx context.Context, provider string, body io.ReadCloser, reader frameReader, decode decodeFunc, acc *accumulator) *eventStream {
	return &eventStream{ctx: ctx, provider: provider, body: body, reader: reader, decode: decode, acc: acc}
}

// Next implements Stream.
func (s *eventStream) Next() (llm.StreamChunk, error) {
	if s.done {
		return llm.StreamChunk{}, io.EOF
	}
	for {
		f, err := s.reader.next()
		if errors.Is(err, io.EOF) {
			return s.finish(), nil
		}
		if err != nil {
			s.done = true
			return llm.StreamChunk{}, classifyTransportError(s.ctx, s.provider, err)
		}
		chunk, ok, err := s.decode(f, s.acc)
		if errors.Is(err, errEndOfStream) {
			return s.finish(), nil
		}
		if err != nil {
			s.done = true
			return llm.StreamChunk{}, err
		}
		if ok {
			return chunk, nil
		}
	}
}

func (s *eventStream) finish() llm.StreamChunk {
	s.done = true
	resp := s.acc.response()
	return llm.StreamChunk{IsFinal: true, Usage: resp.Usage, Response: resp}
}

// Close implements Stream.
func (s *eventStream) Close() error {
	s.done = true
	return s.body.Close()
}

// =============================================================================
// SINGLE-CHUNK STREAM
// =============================================================================

// singleStream wraps a complete response as a one-chunk stream.
// Used for non-streaming calls and providers without streaming support.
type singleStream struct {
	resp *llm.Response
	sent bool
}

func newSingleStream(resp *llm.Response) *singleStream {
	return &singleStream{resp: resp}
}

// Next implements Stream.
func (s *singleStream) Next() (llm.StreamChunk, error) {
	if s.sent {
		return llm.StreamChunk{}, io.EOF
	}
	s.sent = true
	return llm.StreamChunk{
		Delta:     s.resp.Text,
		Reasoning: s.resp.Reasoning,
		IsFinal:   true,
		Usage:     s.resp.Usage,
		Response:  s.resp,
	}, nil
}

// Close implements Stream.
func (s *singleStream) Close() error { return nil }

// Collect drains a stream into its final response.
func Collect(s Stream) (*llm.Response, error) {
	defer s.Close()
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return nil, apierr.New(apierr.ProviderUnavailable, "stream ended without a final chunk")
		}
		if err != nil {
			return nil, err
		}
		if chunk.IsFinal {
			return chunk.Response, nil
		}
	}
}

var (
	_ Stream = (*eventStream)(nil)
	_ Stream = (*singleStream)(nil)
)
