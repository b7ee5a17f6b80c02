package llm

import (
	"bytes"
	"encoding/json"
)

// CanonicalJSON re-encodes raw with sorted object keys and no insignificant
// whitespace, so semantically equal documents compare byte-equal. Numbers are
// kept verbatim. Invalid input is returned unchanged.
func CanonicalJSON(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
