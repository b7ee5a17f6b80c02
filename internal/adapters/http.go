package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/workflowai/inference-gateway/internal/apierr"
)

const (
	// maxResponseSize prevents OOM on unexpectedly large non-streaming responses (10MB).
	maxResponseSize = 10 * 1024 * 1024

	// maxErrorBodyLen limits upstream error bodies carried into error messages.
	maxErrorBodyLen = 500
)

// post sends a JSON body upstream and returns the response on 2xx.
// Non-2xx responses are drained, closed and classified.
func (a *BaseAdapter) post(ctx context.Context, url string, body []byte, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, err, fmt.Sprintf("failed to create %s request", a.name))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	log.Debug().
		Str("provider", a.name).
		Str("url", url).
		Int("body_size", len(body)).
		Msg("upstream request")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, a.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen*4))
		e := apierr.FromStatus(a.name, resp.StatusCode, upstreamMessage(raw))
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, e
	}
	return resp, nil
}

// readAll reads a complete non-streaming body.
func readAll(ctx context.Context, provider string, resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyTransportError(ctx, provider, err)
	}
	return data, nil
}

// classifyTransportError maps network and context failures.
func classifyTransportError(ctx context.Context, provider string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apierr.Wrap(apierr.KindOf(ctxErr), ctxErr, fmt.Sprintf("%s call aborted", provider))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.KindOf(err), err, fmt.Sprintf("%s call aborted", provider))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &apierr.Error{Kind: apierr.ProviderUnavailable, Message: fmt.Sprintf("%s request timed out", provider), Err: err, Provider: provider}
	}
	return &apierr.Error{Kind: apierr.ProviderUnavailable, Message: fmt.Sprintf("%s request failed", provider), Err: err, Provider: provider}
}

// upstreamMessage extracts a human readable message from an error body.
func upstreamMessage(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	for _, path := range []string{"error.message", "message", "error"} {
		if v := gjson.GetBytes(raw, path); v.Exists() && v.Type == gjson.String {
			return truncate(v.String(), maxErrorBodyLen)
		}
	}
	// Keep the code for context-window detection ("context_length_exceeded").
	if code := gjson.GetBytes(raw, "error.code"); code.Exists() {
		return truncate(code.String(), maxErrorBodyLen)
	}
	return truncate(string(raw), maxErrorBodyLen)
}

// streamError classifies an error frame received mid-stream.
func streamError(provider string, frame gjson.Result) error {
	msg := frame.Get("message").String()
	if msg == "" {
		msg = frame.String()
	}
	typ := frame.Get("type").String()
	switch typ {
	case "overloaded_error", "api_error", "server_error":
		return &apierr.Error{Kind: apierr.ProviderUnavailable, Message: fmt.Sprintf("%s: %s", provider, truncate(msg, maxErrorBodyLen)), Provider: provider}
	case "rate_limit_error":
		return &apierr.Error{Kind: apierr.ProviderRateLimited, Message: fmt.Sprintf("%s: %s", provider, truncate(msg, maxErrorBodyLen)), Provider: provider}
	}
	e := apierr.FromStatus(provider, http.StatusBadRequest, msg)
	if e.Kind == apierr.ProviderInvalidRequest && typ == "" {
		e.Kind = apierr.ProviderUnavailable
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
