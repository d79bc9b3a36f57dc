package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/forechoandlook/stepflow"
)

// httpHandler executes a request built from the node config. url, header
// values, query values and a string body are templates over the context; an
// object body is sent as JSON. JSON responses are decoded.
//
// Config keys: url, method, headers, query, body, failOnStatus, format.
type httpHandler struct {
	client *http.Client
}

const maxResponseBytes = 8 << 20

func (h *httpHandler) Execute(ctx context.Context, call Call) (stepflow.NodeResult, error) {
	cfg := call.Config
	rawURL, err := cfg.RequireString("url")
	if err != nil {
		return nil, err
	}
	method, err := cfg.String("method", http.MethodGet)
	if err != nil {
		return nil, err
	}
	failOnStatus, err := cfg.Bool("failOnStatus", true)
	if err != nil {
		return nil, err
	}

	target, err := h.renderURL(cfg, rawURL, call.Vars)
	if err != nil {
		return nil, err
	}
	body, contentType, err := h.renderBody(cfg, call.Vars)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", stepflow.ErrMalformedRequest, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	headers, err := cfg.StringMap("headers")
	if err != nil {
		return nil, err
	}
	for key, value := range headers {
		rendered, err := render(cfg, value, call.Vars)
		if err != nil {
			return nil, err
		}
		req.Header.Set(key, rendered)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if failOnStatus && resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s %s returned %d: %s",
			req.Method, req.URL.Redacted(), resp.StatusCode, truncate(payload, 200))
	}

	var stored any = string(payload)
	var parsed any
	if len(payload) > 0 && json.Unmarshal(payload, &parsed) == nil {
		stored = parsed
	}
	return stepflow.ResultWithOutput(stored), nil
}

func (h *httpHandler) renderURL(cfg Config, raw string, vars stepflow.Vars) (string, error) {
	target, err := render(cfg, raw, vars)
	if err != nil {
		return "", err
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", stepflow.ErrMalformedRequest, err)
	}

	params, err := cfg.StringMap("query")
	if err != nil {
		return "", err
	}
	if len(params) > 0 {
		query := parsed.Query()
		for key, value := range params {
			rendered, err := render(cfg, value, vars)
			if err != nil {
				return "", err
			}
			query.Set(key, rendered)
		}
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func (h *httpHandler) renderBody(cfg Config, vars stepflow.Vars) (io.Reader, string, error) {
	raw, ok := cfg["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	if s, ok := raw.(string); ok {
		rendered, err := render(cfg, s, vars)
		if err != nil {
			return nil, "", err
		}
		return strings.NewReader(rendered), "", nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, "", badConfig("body", "a string or JSON value", raw)
	}
	return bytes.NewReader(data), "application/json", nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "http",
		Description: "Executes an HTTP request with templated url, headers and body; JSON responses are decoded into the output.",
		Example:     `{"type": "http", "config": {"url": "https://example.com/items/{{.itemId}}", "method": "POST", "body": {"text": "hello"}}}`,
	})
}
