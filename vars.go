package stepflow

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode"
)

// Vars is the context bag threaded through a flow. Values are kept
// JSON-compatible so snapshots can be copied and streamed safely.
type Vars map[string]any

// PreviousOutputKey always holds the output of the last successful step.
const PreviousOutputKey = "previousOutput"

const maxVarKeyLength = 128

// NewVars builds a Vars from caller input, normalizing every value and
// making sure previousOutput is present.
func NewVars(initial map[string]any) (Vars, error) {
	v := Vars{PreviousOutputKey: nil}
	merged, err := v.Merge(initial)
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// Validate checks every key and value of the bag.
func (v Vars) Validate() error {
	for k, val := range v {
		if err := ValidateKey(k); err != nil {
			return err
		}
		if _, err := NormalizeValue(val); err != nil {
			return fmt.Errorf("%w: context key %q: %v",
				ErrMalformedRequest, k, err)
		}
	}
	return nil
}

// Merge returns a new Vars with other layered on top; later keys win.
func (v Vars) Merge(other map[string]any) (Vars, error) {
	res := v.Clone()
	if res == nil {
		res = Vars{}
	}
	for k, val := range other {
		if err := ValidateKey(k); err != nil {
			return nil, err
		}
		norm, err := NormalizeValue(val)
		if err != nil {
			return nil, fmt.Errorf("%w: context key %q: %v",
				ErrMalformedRequest, k, err)
		}
		res[k] = norm
	}
	if _, ok := res[PreviousOutputKey]; !ok {
		res[PreviousOutputKey] = nil
	}
	return res, nil
}

// Clone returns a deep copy.
func (v Vars) Clone() Vars {
	if v == nil {
		return nil
	}
	res := make(Vars, len(v))
	for k, val := range v {
		res[k] = cloneValue(val)
	}
	return res
}

// PreviousOutput returns the output recorded by the last successful step.
func (v Vars) PreviousOutput() any {
	return v[PreviousOutputKey]
}

// ValidateKey enforces the key schema for the context bag.
func ValidateKey(k string) error {
	switch {
	case k == "":
		return fmt.Errorf("%w: empty context key", ErrMalformedRequest)
	case len(k) > maxVarKeyLength:
		return fmt.Errorf("%w: context key too long: %d",
			ErrMalformedRequest, len(k))
	case strings.IndexFunc(k, unicode.IsSpace) >= 0:
		return fmt.Errorf("%w: context key %q contains whitespace",
			ErrMalformedRequest, k)
	}
	return nil
}

// NormalizeValue converts a value into its plain JSON form (nil, bool,
// float64, string, []any or map[string]any). Values that cannot be encoded
// as JSON are rejected.
func NormalizeValue(val any) (any, error) {
	switch v := val.(type) {
	case nil, bool, string:
		return v, nil
	case float64:
		return finite(v)
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float32:
		return finite(float64(v))
	case []any:
		res := make([]any, len(v))
		for i, item := range v {
			norm, err := NormalizeValue(item)
			if err != nil {
				return nil, err
			}
			res[i] = norm
		}
		return res, nil
	case map[string]any:
		res := make(map[string]any, len(v))
		for k, item := range v {
			norm, err := NormalizeValue(item)
			if err != nil {
				return nil, err
			}
			res[k] = norm
		}
		return res, nil
	case Vars:
		return NormalizeValue(map[string]any(v))
	}

	data, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	var res any
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func finite(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: non-finite number %v",
			ErrMalformedRequest, f)
	}
	return f, nil
}

func cloneValue(val any) any {
	switch v := val.(type) {
	case []any:
		res := make([]any, len(v))
		for i, item := range v {
			res[i] = cloneValue(item)
		}
		return res
	case map[string]any:
		res := make(map[string]any, len(v))
		for k, item := range v {
			res[k] = cloneValue(item)
		}
		return res
	default:
		return v
	}
}

// CloneValue deep-copies a normalized value.
func CloneValue(val any) any {
	return cloneValue(val)
}
