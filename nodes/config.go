package nodes

import (
	"fmt"
	"math"
	"time"

	"github.com/forechoandlook/stepflow"
)

// Config is a node's raw configuration with typed accessors. Numbers arrive
// as float64 after JSON or YAML decoding.
type Config map[string]any

func (c Config) Has(key string) bool {
	_, ok := c[key]
	return ok
}

func (c Config) String(key, def string) (string, error) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return def, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", badConfig(key, "a string", raw)
	}
	return s, nil
}

// RequireString fails when key is absent or empty
func (c Config) RequireString(key string) (string, error) {
	s, err := c.String(key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: config %q is required",
			stepflow.ErrMalformedRequest, key)
	}
	return s, nil
}

func (c Config) Int(key string, def int) (int, error) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, badConfig(key, "an integer", raw)
		}
		return int(v), nil
	default:
		return 0, badConfig(key, "an integer", raw)
	}
}

func (c Config) Float(key string, def float64) (float64, error) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, badConfig(key, "a number", raw)
	}
}

func (c Config) Bool(key string, def bool) (bool, error) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return def, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, badConfig(key, "a boolean", raw)
	}
	return b, nil
}

// Duration accepts Go duration strings ("1.5s") or a number of milliseconds
func (c Config) Duration(key string, def time.Duration) (time.Duration, error) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, badConfig(key, "a duration", raw)
		}
		return d, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	default:
		return 0, badConfig(key, "a duration", raw)
	}
}

func (c Config) Map(key string) (map[string]any, error) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, badConfig(key, "an object", raw)
	}
	return m, nil
}

// StringMap reads an object whose values are all strings
func (c Config) StringMap(key string) (map[string]string, error) {
	m, err := c.Map(key)
	if err != nil || m == nil {
		return nil, err
	}
	res := make(map[string]string, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return nil, badConfig(key+"."+k, "a string", v)
		}
		res[k] = s
	}
	return res, nil
}

func badConfig(key, want string, got any) error {
	return fmt.Errorf("%w: config %q must be %s, got %T",
		stepflow.ErrMalformedRequest, key, want, got)
}
