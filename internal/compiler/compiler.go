// Package compiler turns a Version plus caller input into the ordered message
// list sent upstream.
//
// FLOW:
//  1. Version-owned prefix: the version's messages verbatim, or a system
//     message rendered from its instructions template.
//  2. Schema suffix: appended to the system message when the version has an
//     output schema and the provider cannot enforce it natively.
//  3. Input: files are lifted out of the structured input into file parts;
//     fields the template did not consume are sent as a JSON user message.
//  4. Caller messages are appended after the prefix, never replacing it.
package compiler

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/workflowai/inference-gateway/internal/apierr"
	"github.com/workflowai/inference-gateway/internal/llm"
	"github.com/workflowai/inference-gateway/internal/versions"
)

// SchemaSuffixHeader starts the instruction block injected for providers
// without native structured output.
const SchemaSuffixHeader = "Return a single JSON object enforcing the following schema:"

// Capabilities is what the compiler needs to know about the target provider.
type Capabilities interface {
	SupportsStructuredOutput() bool
	SupportsContentType(contentType string) bool
}

// urlCapabilities is optionally implemented by Capabilities.
type urlCapabilities interface {
	SupportsFileURLs() bool
}

// Input is the caller-supplied part of a run.
type Input struct {
	// Variables is the structured input (a JSON object in the common case).
	Variables json.RawMessage
	// Messages continue the conversation after the version-owned prefix.
	Messages []llm.Message
}

// Compiled is the result of compiling a version against an input.
type Compiled struct {
	Messages []llm.Message
	// Bindings are the top-level input fields consumed by the template.
	Bindings map[string]any
	// Files were lifted out of the structured input.
	Files []llm.File
}

// Compiler compiles versions. Parsed templates are cached by source text.
type Compiler struct {
	templates sync.Map // string -> templateEntry
}

type templateEntry struct {
	tmpl *Template
	err  error
}

// New creates a compiler.
func New() *Compiler {
	return &Compiler{}
}

// Compile builds the message list for v and input, targeting a provider with caps.
func (c *Compiler) Compile(v *versions.Version, input Input, caps Capabilities) (*Compiled, error) {
	vars, files, err := liftFiles(input.Variables)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if err := checkFile(f, caps); err != nil {
			return nil, err
		}
	}

	out := &Compiled{Bindings: map[string]any{}, Files: files}

	// Version-owned prefix
	switch {
	case len(v.Messages) > 0:
		out.Messages = cloneMessages(v.Messages)
	case v.Instructions != "":
		tmpl, err := c.template(v.Instructions)
		if err != nil {
			return nil, apierr.Wrap(apierr.InvalidRequest, err, "invalid instructions template: "+err.Error())
		}
		obj, _ := vars.(map[string]any)
		text, bindings, err := tmpl.Render(obj, optionalVariables(v.InputSchema))
		if err != nil {
			var missing *MissingVariableError
			if errors.As(err, &missing) {
				return nil, apierr.Wrap(apierr.TemplateVariableMissing, err, "")
			}
			return nil, apierr.Wrap(apierr.InvalidRequest, err, "")
		}
		out.Bindings = bindings
		if text = strings.TrimSpace(text); text != "" {
			out.Messages = append(out.Messages, llm.NewTextMessage(llm.RoleSystem, text))
		}
	}

	if len(v.OutputSchema) > 0 && !caps.SupportsStructuredOutput() {
		suffix, err := SchemaSuffix(v.OutputSchema)
		if err != nil {
			return nil, apierr.Wrap(apierr.InvalidRequest, err, "invalid output schema")
		}
		out.Messages = appendToSystem(out.Messages, suffix)
	}

	if msg, ok := inputMessage(vars, out.Bindings, files); ok {
		out.Messages = append(out.Messages, msg)
	}

	for _, m := range input.Messages {
		for _, f := range m.Files() {
			if err := checkFile(f, caps); err != nil {
				return nil, err
			}
		}
		out.Messages = append(out.Messages, m)
	}
	return out, nil
}

func (c *Compiler) template(src string) (*Template, error) {
	if e, ok := c.templates.Load(src); ok {
		entry := e.(templateEntry)
		return entry.tmpl, entry.err
	}
	tmpl, err := Parse(src)
	c.templates.Store(src, templateEntry{tmpl: tmpl, err: err})
	return tmpl, err
}

// SchemaSuffix renders the schema instruction block. The schema is printed
// with sorted keys and two-space indentation so the text is stable.
func SchemaSuffix(schema json.RawMessage) (string, error) {
	if !json.Valid(schema) {
		return "", fmt.Errorf("schema is not valid JSON")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, llm.CanonicalJSON(schema), "", "  "); err != nil {
		return "", err
	}
	return SchemaSuffixHeader + "\n```json\n" + buf.String() + "\n```", nil
}

func appendToSystem(msgs []llm.Message, suffix string) []llm.Message {
	for i, m := range msgs {
		if m.Role != llm.RoleSystem {
			continue
		}
		text := m.Text()
		parts := make([]llm.ContentPart, 0, len(m.Content)+1)
		for _, p := range m.Content {
			if p.Type != llm.PartText {
				parts = append(parts, p)
			}
		}
		if text != "" {
			text += "\n\n"
		}
		msgs[i] = llm.Message{Role: llm.RoleSystem, Content: append([]llm.ContentPart{llm.TextPart(text + suffix)}, parts...)}
		return msgs
	}
	return append([]llm.Message{llm.NewTextMessage(llm.RoleSystem, suffix)}, msgs...)
}

// optionalVariables treats every variable as required unless the input
// schema declares properties and leaves the variable out of "required".
func optionalVariables(inputSchema json.RawMessage) func(string) bool {
	if len(inputSchema) == 0 || !gjson.GetBytes(inputSchema, "properties").Exists() {
		return nil
	}
	required := make(map[string]bool)
	gjson.GetBytes(inputSchema, "required").ForEach(func(_, v gjson.Result) bool {
		required[v.String()] = true
		return true
	})
	return func(name string) bool { return !required[name] }
}

func inputMessage(vars any, consumed map[string]any, files []llm.File) (llm.Message, bool) {
	msg := llm.Message{Role: llm.RoleUser}

	var text string
	switch v := vars.(type) {
	case nil:
	case string:
		text = v
	case map[string]any:
		rest := make(map[string]any, len(v))
		for k, val := range v {
			if _, ok := consumed[k]; !ok {
				rest[k] = val
			}
		}
		if len(rest) > 0 {
			text = marshalIndent(rest)
		}
	default:
		text = marshalIndent(v)
	}

	if text != "" {
		msg.Content = append(msg.Content, llm.TextPart(text))
	}
	for _, f := range files {
		msg.Content = append(msg.Content, llm.FilePart(f))
	}
	return msg, len(msg.Content) > 0
}

func marshalIndent(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func cloneMessages(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, Content: append([]llm.ContentPart(nil), m.Content...)}
	}
	return out
}

// =============================================================================
// FILES
// =============================================================================

// liftFiles decodes the structured input and replaces every file object
// ({"content_type", "data"|"url"}) with a {"content_type", "attachment": n}
// descriptor, returning the files in document order.
func liftFiles(raw json.RawMessage) (any, []llm.File, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, nil, apierr.Wrap(apierr.InvalidRequest, err, "input is not valid JSON")
	}
	var files []llm.File
	out, err := lift(v, &files)
	if err != nil {
		return nil, nil, err
	}
	return out, files, nil
}

func lift(v any, files *[]llm.File) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if f, ok := asFile(t); ok {
			if err := normalizeFile(&f); err != nil {
				return nil, err
			}
			*files = append(*files, f)
			return map[string]any{"content_type": f.ContentType, "attachment": len(*files) - 1}, nil
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		// Stable attachment numbering
		sort.Strings(keys)
		for _, k := range keys {
			lifted, err := lift(t[k], files)
			if err != nil {
				return nil, err
			}
			t[k] = lifted
		}
		return t, nil
	case []any:
		for i := range t {
			lifted, err := lift(t[i], files)
			if err != nil {
				return nil, err
			}
			t[i] = lifted
		}
		return t, nil
	}
	return v, nil
}

func asFile(m map[string]any) (llm.File, bool) {
	ct, ok := m["content_type"].(string)
	if !ok {
		return llm.File{}, false
	}
	data, hasData := m["data"].(string)
	url, hasURL := m["url"].(string)
	if hasData == hasURL {
		return llm.File{}, false
	}
	for k := range m {
		if k != "content_type" && k != "data" && k != "url" {
			return llm.File{}, false
		}
	}
	return llm.File{ContentType: ct, Data: data, URL: url}, true
}

func normalizeFile(f *llm.File) error {
	if f.Data == "" {
		return nil
	}
	if rest, ok := strings.CutPrefix(f.Data, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(header, ";base64") {
			return apierr.New(apierr.InvalidRequest, "file data URL must be base64 encoded")
		}
		f.Data = payload
	}
	if _, err := base64.StdEncoding.DecodeString(f.Data); err != nil {
		return apierr.Wrap(apierr.InvalidRequest, err, "file data is not valid base64")
	}
	return nil
}

func checkFile(f llm.File, caps Capabilities) error {
	if !caps.SupportsContentType(f.ContentType) {
		return apierr.New(apierr.UnsupportedContentType, "content type %q is not supported by the selected model", f.ContentType)
	}
	if f.URL != "" {
		if uc, ok := caps.(urlCapabilities); ok && !uc.SupportsFileURLs() {
			return apierr.New(apierr.UnsupportedContentType, "files of type %q must be sent inline for the selected model", f.ContentType)
		}
	}
	return nil
}
