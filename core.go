package stepflow

import (
	"context"
	"log/slog"
)

// NodeResult is the payload an executor hands back to the engine. The value
// under OutputKey is the node's primary output; every other key is a named
// sub-output that gets merged into the flow context.
type NodeResult map[string]any

// Executor runs a single node on behalf of the engine. Implementations must
// treat vars as read-only; anything the engine should see travels through
// the returned NodeResult.
type Executor interface {
	Execute(
		ctx context.Context, nodeType string, config map[string]any,
		vars Vars, creds *Credentials,
	) (NodeResult, error)
}

// CredentialAware is implemented by executors that can tell ahead of time
// whether a node needs credentials to run.
type CredentialAware interface {
	RequiresCredentials(nodeType string, config map[string]any) bool
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(
	ctx context.Context, nodeType string, config map[string]any,
	vars Vars, creds *Credentials,
) (NodeResult, error)

// Credentials is the opaque bundle a caller supplies for a run. It is passed
// through to executors and never stored in flow state.
type Credentials struct {
	Provider string `json:"provider,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	BaseURL  string `json:"baseUrl,omitempty"`
	Model    string `json:"model,omitempty"`
}

const redactedValue = "[REDACTED]"

func (f ExecutorFunc) Execute(
	ctx context.Context, nodeType string, config map[string]any,
	vars Vars, creds *Credentials,
) (NodeResult, error) {
	return f(ctx, nodeType, config, vars, creds)
}

// Empty reports whether the bundle carries no secret.
func (c *Credentials) Empty() bool {
	return c == nil || c.APIKey == ""
}

// LogValue keeps the secret out of structured logs.
func (c *Credentials) LogValue() slog.Value {
	if c == nil {
		return slog.StringValue("none")
	}
	return slog.GroupValue(
		slog.String("provider", c.Provider),
		slog.String("api_key", redactedValue),
		slog.String("base_url", c.BaseURL),
		slog.String("model", c.Model),
	)
}
