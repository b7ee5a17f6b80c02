package stream

import (
	"bytes"
	"encoding/json"
	"errors"
)

// ErrIncompleteJSON is returned by ParseOutput when the text holds no complete JSON document.
var ErrIncompleteJSON = errors.New("output does not contain a complete JSON document")

type scanState int

const (
	expectValue scanState = iota // start of a value (after ':', '[' or ',' in an array)
	expectKey                    // after '{' or ',' in an object
	expectColon                  // after an object key
	afterValue                   // after a complete value
)

// scanner tracks JSON structure incrementally so that a truncated buffer can
// be repaired without rescanning it. Text before the first '{' or '[' (code
// fences, prose) is skipped, as is anything after the top-level value closes.
type scanner struct {
	started  bool
	complete bool
	start    int
	end      int
	pos      int

	stack []bool // true for objects
	state scanState

	inString    bool
	stringIsKey bool
	escaped     bool
	unicodeLeft int
	inBare      bool

	lastSig    byte
	lastSigPos int
}

func (s *scanner) feed(data []byte) {
	for _, c := range data {
		s.step(c, s.pos)
		s.pos++
	}
}

func (s *scanner) step(c byte, i int) {
	if s.complete {
		return
	}
	if !s.started {
		if c == '{' || c == '[' {
			s.started = true
			s.start = i
			s.open(c, i)
		}
		return
	}

	if s.inString {
		switch {
		case s.unicodeLeft > 0:
			s.unicodeLeft--
		case s.escaped:
			s.escaped = false
			if c == 'u' {
				s.unicodeLeft = 4
			}
		case c == '\\':
			s.escaped = true
		case c == '"':
			s.inString = false
			s.mark(c, i)
			if s.stringIsKey {
				s.state = expectColon
			} else {
				s.state = afterValue
			}
		}
		return
	}

	if s.inBare {
		if isBareByte(c) {
			return
		}
		s.inBare = false
		s.state = afterValue
	}

	switch c {
	case ' ', '\t', '\n', '\r':
	case '{', '[':
		s.open(c, i)
	case '}', ']':
		s.stack = s.stack[:max(len(s.stack)-1, 0)]
		s.mark(c, i)
		if len(s.stack) == 0 {
			s.complete = true
			s.end = i + 1
			return
		}
		s.state = afterValue
	case ':':
		s.mark(c, i)
		s.state = expectValue
	case ',':
		s.mark(c, i)
		if s.inObject() {
			s.state = expectKey
		} else {
			s.state = expectValue
		}
	case '"':
		s.mark(c, i)
		s.inString = true
		s.stringIsKey = s.state == expectKey
	default:
		s.mark(c, i)
		s.inBare = true
	}
}

func (s *scanner) open(c byte, i int) {
	isObject := c == '{'
	s.stack = append(s.stack, isObject)
	s.mark(c, i)
	if isObject {
		s.state = expectKey
	} else {
		s.state = expectValue
	}
}

func (s *scanner) mark(c byte, i int) {
	s.lastSig = c
	s.lastSigPos = i
}

func (s *scanner) inObject() bool {
	return len(s.stack) > 0 && s.stack[len(s.stack)-1]
}

func isBareByte(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '.' || c == '-' || c == '+'
}

// repair returns a compact valid JSON document for buf (the bytes fed so far),
// closing open strings and containers. It reports false when the truncation
// point makes any closed form misleading: inside an escape sequence, inside
// an object key, inside a number or literal, or between a key and its value.
func (s *scanner) repair(buf []byte) (json.RawMessage, bool) {
	if !s.started {
		return nil, false
	}
	if s.complete {
		return compact(buf[s.start:s.end])
	}
	if s.escaped || s.unicodeLeft > 0 || s.inBare {
		return nil, false
	}

	out := make([]byte, 0, len(buf)-s.start+len(s.stack)+1)
	switch {
	case s.inString:
		if s.stringIsKey {
			return nil, false
		}
		out = append(out, buf[s.start:]...)
		out = append(out, '"')
	case s.state == expectColon, s.lastSig == ':':
		return nil, false
	case s.lastSig == ',':
		out = append(out, buf[s.start:s.lastSigPos]...)
	default:
		out = append(out, buf[s.start:]...)
	}

	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i] {
			out = append(out, '}')
		} else {
			out = append(out, ']')
		}
	}
	return compact(out)
}

func compact(data []byte) (json.RawMessage, bool) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

// ParseOutput extracts the JSON document from a complete model output,
// tolerating surrounding code fences or prose. Streaming and non-streaming
// runs both parse through this function.
func ParseOutput(text string) (json.RawMessage, error) {
	var s scanner
	data := []byte(text)
	s.feed(data)
	if !s.complete {
		return nil, ErrIncompleteJSON
	}
	out, ok := compact(data[s.start:s.end])
	if !ok {
		return nil, ErrIncompleteJSON
	}
	return out, nil
}
