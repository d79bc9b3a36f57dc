package nodes

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/forechoandlook/stepflow"
)

// Reserved configuration keys honoured for every node type
const (
	AttrTimeout    = "timeout"
	AttrRetries    = "retries"
	AttrRetryDelay = "retryDelay"
	AttrOutputs    = "outputs"
)

// NodeAttributes describes optional behaviour the registry applies around a
// handler call.
type NodeAttributes struct {
	// Timeout bounds a single attempt. Zero means no extra bound.
	Timeout time.Duration
	// RetryAttempts is the number of additional times to rerun the node when
	// it returns an error. Zero means do not retry.
	RetryAttempts int
	// RetryDelay is the pause between retry attempts.
	RetryDelay time.Duration
	// Outputs maps a named output to a gjson path evaluated on the output.
	Outputs map[string]string
}

// ParseAttributes reads the reserved keys from cfg
func ParseAttributes(cfg Config) (NodeAttributes, error) {
	var attrs NodeAttributes
	var err error

	if attrs.Timeout, err = cfg.Duration(AttrTimeout, 0); err != nil {
		return attrs, err
	}
	if attrs.RetryAttempts, err = cfg.Int(AttrRetries, 0); err != nil {
		return attrs, err
	}
	if attrs.RetryAttempts < 0 {
		return attrs, fmt.Errorf("%w: %s must not be negative",
			stepflow.ErrMalformedRequest, AttrRetries)
	}
	if attrs.RetryDelay, err = cfg.Duration(AttrRetryDelay, 0); err != nil {
		return attrs, err
	}
	if attrs.Outputs, err = cfg.StringMap(AttrOutputs); err != nil {
		return attrs, err
	}
	for name := range attrs.Outputs {
		if err := stepflow.ValidateKey(name); err != nil {
			return attrs, err
		}
	}
	return attrs, nil
}

// applyOutputs adds one named output per configured gjson path. Paths that
// match nothing yield nil.
func (a NodeAttributes) applyOutputs(res stepflow.NodeResult) (stepflow.NodeResult, error) {
	if len(a.Outputs) == 0 {
		return res, nil
	}
	data, err := json.Marshal(stepflow.OutputFromResult(res))
	if err != nil {
		return nil, fmt.Errorf("outputs: %w", err)
	}

	out := make(stepflow.NodeResult, len(res)+len(a.Outputs))
	for k, v := range res {
		out[k] = v
	}
	for name, path := range a.Outputs {
		m := gjson.GetBytes(data, path)
		if !m.Exists() {
			out[name] = nil
			continue
		}
		out[name] = m.Value()
	}
	return out, nil
}
