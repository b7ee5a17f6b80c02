package versions

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/workflowai/inference-gateway/internal/llm"
)

// SameSchema reports whether two schema documents are semantically equal.
func SameSchema(a, b json.RawMessage) bool {
	return bytes.Equal(llm.CanonicalJSON(a), llm.CanonicalJSON(b))
}

// CheckCompatible returns an error describing the first incompatibility
// between a previously known schema and a new one. A nil previous schema
// accepts anything.
//
// Rules, applied recursively through object properties and array items:
//   - a property present in both must keep its JSON type
//   - a property the previous schema requires must still be declared
func CheckCompatible(prev, next json.RawMessage) error {
	if len(bytes.TrimSpace(prev)) == 0 {
		return nil
	}
	if len(bytes.TrimSpace(next)) == 0 {
		next = json.RawMessage(`{}`)
	}
	if !gjson.ValidBytes(next) {
		return fmt.Errorf("schema is not valid JSON")
	}
	return compatible("", gjson.ParseBytes(prev), gjson.ParseBytes(next))
}

func compatible(path string, prev, next gjson.Result) error {
	pt, nt := prev.Get("type"), next.Get("type")
	if pt.Exists() && nt.Exists() && canonicalType(pt) != canonicalType(nt) {
		return fmt.Errorf("%s changed type from %s to %s", displayPath(path), pt.Raw, nt.Raw)
	}

	nextProps := next.Get("properties")
	var err error
	prev.Get("required").ForEach(func(_, name gjson.Result) bool {
		if !nextProps.Get(gjson.Escape(name.String())).Exists() {
			err = fmt.Errorf("required property %s was removed", displayPath(join(path, name.String())))
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	prev.Get("properties").ForEach(func(key, prevProp gjson.Result) bool {
		nextProp := nextProps.Get(gjson.Escape(key.String()))
		if !nextProp.Exists() {
			return true
		}
		err = compatible(join(path, key.String()), prevProp, nextProp)
		return err == nil
	})
	if err != nil {
		return err
	}

	if pi, ni := prev.Get("items"), next.Get("items"); pi.IsObject() && ni.IsObject() {
		return compatible(path+"[]", pi, ni)
	}
	return nil
}

// canonicalType normalizes "type" which may be a string or a list of strings.
func canonicalType(t gjson.Result) string {
	return string(llm.CanonicalJSON(json.RawMessage(t.Raw)))
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func displayPath(path string) string {
	if path == "" {
		return "root"
	}
	return fmt.Sprintf("%q", path)
}

// assignSchemaID picks the schema id for v among the agent's known schemas:
// an identical pair reuses its id, anything else gets the next number.
func assignSchemaID(known []Schema, v *Version) (id int, isNew bool) {
	highest := 0
	for _, s := range known {
		if SameSchema(s.Input, v.InputSchema) && SameSchema(s.Output, v.OutputSchema) {
			return s.ID, false
		}
		highest = max(highest, s.ID)
	}
	return highest + 1, true
}
