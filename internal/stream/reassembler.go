// Package stream reassembles adapter chunks into client-facing events.
//
// DESIGN: The Reassembler is a pull-based state machine (buffer, parse
// attempt, emit-if-changed) over any chunk source. In valid-JSON mode every
// snapshot it emits is a complete JSON document obtained by closing the open
// strings and containers of the buffer; a snapshot is emitted only when it
// differs from the previous one, and withheld when the truncation point is
// ambiguous (mid-escape, mid-key, mid-number). Otherwise text deltas pass
// through unchanged. Reasoning deltas always travel on their own event kind.
//
// A Reassembler is finite and single-use.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/llm"
)

// Source yields adapter chunks; adapters.Stream satisfies it.
type Source interface {
	Next() (llm.StreamChunk, error)
}

// Kind tags an Event.
type Kind int

const (
	// KindText carries a raw text delta.
	KindText Kind = iota
	// KindReasoning carries a reasoning delta.
	KindReasoning
	// KindSnapshot carries a valid JSON snapshot of the output so far.
	KindSnapshot
	// KindFinal carries the aggregated response. It is always the last event.
	KindFinal
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindReasoning:
		return "reasoning"
	case KindSnapshot:
		return "snapshot"
	case KindFinal:
		return "final"
	}
	return "unknown"
}

// Event is one reassembled increment.
type Event struct {
	Kind     Kind
	Delta    string
	Snapshot json.RawMessage
	// Response and Parsed are set on the final event. Parsed is nil unless
	// the stream runs in valid-JSON mode and the output parsed.
	Response *llm.Response
	Parsed   json.RawMessage
}

// Options configures a Reassembler.
type Options struct {
	// ValidJSON switches text deltas to JSON snapshots.
	ValidJSON bool
}

// Reassembler turns chunks into events.
type Reassembler struct {
	src  Source
	opts Options

	buf     []byte
	scan    scanner
	last    json.RawMessage
	pending []Event

	final  *llm.Response
	parsed json.RawMessage
	done   bool
	err    error
}

// New creates a Reassembler over src.
func New(src Source, opts Options) *Reassembler {
	return &Reassembler{src: src, opts: opts}
}

// Next returns the next event, or io.EOF after the final event.
// Errors from the source are returned as-is and repeated on later calls.
func (r *Reassembler) Next() (Event, error) {
	for {
		if len(r.pending) > 0 {
			ev := r.pending[0]
			r.pending = r.pending[1:]
			return ev, nil
		}
		if r.err != nil {
			return Event{}, r.err
		}
		if r.done {
			return Event{}, io.EOF
		}

		chunk, err := r.src.Next()
		if errors.Is(err, io.EOF) {
			r.err = apierr.New(apierr.ProviderUnavailable, "provider stream ended before completion")
			continue
		}
		if err != nil {
			r.err = err
			continue
		}
		r.consume(chunk)
	}
}

func (r *Reassembler) consume(chunk llm.StreamChunk) {
	if chunk.Reasoning != "" {
		r.pending = append(r.pending, Event{Kind: KindReasoning, Delta: chunk.Reasoning})
	}
	delta := chunk.Delta
	if chunk.IsFinal && delta == "" && len(r.buf) == 0 && chunk.Response != nil {
		delta = chunk.Response.Text
	}
	if delta != "" {
		r.write(delta)
	}
	if !chunk.IsFinal {
		return
	}

	resp := chunk.Response
	if resp == nil {
		resp = &llm.Response{Text: string(r.buf), Usage: chunk.Usage}
	}
	r.final = resp
	r.done = true

	if r.opts.ValidJSON {
		if parsed, err := ParseOutput(string(r.buf)); err == nil {
			r.parsed = parsed
			if !bytes.Equal(parsed, r.last) {
				r.last = parsed
				r.pending = append(r.pending, Event{Kind: KindSnapshot, Snapshot: parsed})
			}
		}
	}
	r.pending = append(r.pending, Event{Kind: KindFinal, Response: resp, Parsed: r.parsed})
}

func (r *Reassembler) write(delta string) {
	from := len(r.buf)
	r.buf = append(r.buf, delta...)
	if !r.opts.ValidJSON {
		r.pending = append(r.pending, Event{Kind: KindText, Delta: delta})
		return
	}
	r.scan.feed(r.buf[from:])
	snap, ok := r.scan.repair(r.buf)
	if !ok || bytes.Equal(snap, r.last) {
		return
	}
	r.last = snap
	r.pending = append(r.pending, Event{Kind: KindSnapshot, Snapshot: snap})
}

// Text returns the raw text received so far.
func (r *Reassembler) Text() string { return string(r.buf) }

// Response returns the aggregated response once the final event was produced.
func (r *Reassembler) Response() *llm.Response { return r.final }

// Final returns the parsed output of the complete stream. It fails with
// FailedGeneration when the output is not a complete JSON document.
func (r *Reassembler) Final() (json.RawMessage, error) {
	if !r.done {
		return nil, apierr.New(apierr.Internal, "stream is not finished")
	}
	if r.parsed != nil {
		return r.parsed, nil
	}
	parsed, err := ParseOutput(string(r.buf))
	if err != nil {
		return nil, apierr.Wrap(apierr.FailedGeneration, err, "model output is not valid JSON")
	}
	return parsed, nil
}
