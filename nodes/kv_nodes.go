package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/kv"
)

// Values are stored JSON-encoded so kv-read returns what kv-write was given.

// kvReadHandler loads config.key (a template) from the store. A missing key
// fails unless config.default is set.
type kvReadHandler struct {
	registry *Registry
}

func (h *kvReadHandler) Execute(ctx context.Context, call Call) (stepflow.NodeResult, error) {
	store, err := h.registry.kvStore()
	if err != nil {
		return nil, err
	}
	key, err := kvKey(call)
	if err != nil {
		return nil, err
	}

	raw, err := store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) && call.Config.Has("default") {
		return stepflow.ResultWithOutput(call.Config["default"]), nil
	}
	if err != nil {
		return nil, err
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		value = string(raw)
	}
	return stepflow.ResultWithOutput(value), nil
}

// kvWriteHandler persists config.value, or the previous output when no
// value is configured, under config.key
type kvWriteHandler struct {
	registry *Registry
}

func (h *kvWriteHandler) Execute(ctx context.Context, call Call) (stepflow.NodeResult, error) {
	store, err := h.registry.kvStore()
	if err != nil {
		return nil, err
	}
	key, err := kvKey(call)
	if err != nil {
		return nil, err
	}

	value := call.Vars.PreviousOutput()
	if call.Config.Has("value") {
		value = call.Config["value"]
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value for %q: %w", key, err)
	}
	if err := store.Put(ctx, key, data); err != nil {
		return nil, err
	}
	return stepflow.ResultWithOutput(value), nil
}

func kvKey(call Call) (string, error) {
	tmpl, err := call.Config.RequireString("key")
	if err != nil {
		return "", err
	}
	return render(call.Config, tmpl, call.Vars)
}

func (r *Registry) kvStore() (kv.Store, error) {
	if r.store == nil {
		return nil, errors.New("kv store not configured")
	}
	return r.store, nil
}

func init() {
	RegisterNode(NodeDefinition{
		ID:          "kv-read",
		Description: "Loads a JSON value from the configured KV store; `default` covers missing keys.",
		Example:     `{"type": "kv-read", "config": {"key": "draft/{{.docId}}"}}`,
	})
	RegisterNode(NodeDefinition{
		ID:          "kv-write",
		Description: "Stores `value` (or the previous output) under `key` in the configured KV store.",
		Example:     `{"type": "kv-write", "config": {"key": "draft/{{.docId}}"}}`,
	})
}
