// Package reasoning talks to the external reasoning service used for
// planning and request ordering. Client is the narrow interface the engine
// depends on; LangChainClient adapts any langchaingo model to it and
// Retrying adds bounded retries, per-attempt timeouts and rate limiting.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Message is one turn of a reasoning prompt.
type Message struct {
	Role    Role
	Content string
}

// Format is the expected shape of the response.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Request is a structured reasoning request.
type Request struct {
	// Purpose names the caller for logs and metrics, e.g. "plan".
	Purpose     string
	Messages    []Message
	Format      Format
	// Schema is the JSON Schema of a FormatJSON answer. Models with function
	// calling are asked to answer through a function taking these arguments.
	Schema      map[string]any
	Temperature float64
	MaxTokens   int
}

// Response is the service's answer.
type Response struct {
	Content string
	Model   string
}

// Client calls the reasoning service.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Complete calls f.
func (f ClientFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// ErrEmptyResponse is returned when the service answers with no content.
var ErrEmptyResponse = errors.New("empty response from reasoning service")

// DecodeJSON extracts the JSON document from the response content into v.
// Markdown code fences and surrounding prose are tolerated.
func (r *Response) DecodeJSON(v any) error {
	body := ExtractJSON(r.Content)
	if body == "" {
		return fmt.Errorf("no JSON object in response: %q", truncate(r.Content, 120))
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("decode response JSON: %w", err)
	}
	return nil
}

// DecodeStrict decodes content that is exactly one JSON object into v.
// Prose, code fences, unknown fields and trailing data are rejected.
func (r *Response) DecodeStrict(v any) error {
	body := bytes.TrimSpace([]byte(r.Content))
	if len(body) == 0 || body[0] != '{' {
		return fmt.Errorf("response is not a JSON object: %q", truncate(r.Content, 120))
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode response JSON: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("decode response JSON: trailing data after object")
	}
	return nil
}

// ExtractJSON returns the outermost JSON object or array in s, or "".
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
