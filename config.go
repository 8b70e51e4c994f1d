package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the configuration file the fine-tune command reads.
const DefaultConfigPath = "model.yaml"

// Config is a parsed YAML configuration: nested mappings and lists exactly
// as they appear in the file. Nothing is validated up front; each accessor
// fails on first use with an error naming the dotted key path.
//
// Keys are dotted paths. List elements are addressed by index:
//
//	cfg.String("data.train.datasets.0.dataset_name")
type Config map[string]any

// MissingKeyError reports a key absent from the configuration.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("config: missing key %q", e.Key)
}

// KeyTypeError reports a key whose value has the wrong type.
type KeyTypeError struct {
	Key  string
	Want string
	Got  any
}

func (e *KeyTypeError) Error() string {
	return fmt.Sprintf("config: key %q: want %s, got %s", e.Key, e.Want, describeValue(e.Got))
}

func describeValue(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any, Config:
		return "mapping"
	case []any:
		return "list"
	default:
		return fmt.Sprintf("%T %v", v, v)
	}
}

// LoadConfig reads a YAML file, expands ${VAR} references from the
// environment, and parses it. References to unset variables are left as
// written.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	expanded := os.Expand(string(data), expandSetVar)

	// Decode into a plain map: yaml.v3 reuses the target's named map type
	// for nested mappings, and lookup walks map[string]any.
	var m map[string]any
	if err := yaml.Unmarshal([]byte(expanded), &m); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return Config(m), nil
}

func expandSetVar(name string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return "${" + name + "}"
}

func (c Config) lookup(key string) (any, error) {
	parts := strings.Split(key, ".")
	var cur any = map[string]any(c)

	for i, part := range parts {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, &MissingKeyError{Key: key}
			}
			cur = v
		case Config:
			v, ok := node[part]
			if !ok {
				return nil, &MissingKeyError{Key: key}
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, &MissingKeyError{Key: key}
			}
			cur = node[idx]
		default:
			return nil, &KeyTypeError{Key: strings.Join(parts[:i], "."), Want: "mapping or list", Got: cur}
		}
	}

	return cur, nil
}

// Has reports whether key is present.
func (c Config) Has(key string) bool {
	_, err := c.lookup(key)
	return err == nil
}

// Require checks that every key is present, in order, and reports the
// first one missing.
func (c Config) Require(keys ...string) error {
	for _, key := range keys {
		if _, err := c.lookup(key); err != nil {
			return err
		}
	}
	return nil
}

// Section returns the mapping at key.
func (c Config) Section(key string) (Config, error) {
	v, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	switch m := v.(type) {
	case map[string]any:
		return Config(m), nil
	case Config:
		return m, nil
	}
	return nil, &KeyTypeError{Key: key, Want: "mapping", Got: v}
}

// String returns the scalar at key as text. Numbers and booleans are
// formatted, since YAML turns unquoted "1.0" or "true" into non-strings.
func (c Config) String(key string) (string, error) {
	v, err := c.lookup(key)
	if err != nil {
		return "", err
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case int, int64, float64, bool:
		return fmt.Sprint(x), nil
	default:
		return "", &KeyTypeError{Key: key, Want: "string", Got: v}
	}
}

// Int returns the integer at key. Floats with no fractional part are
// accepted.
func (c Config) Int(key string) (int, error) {
	v, err := c.lookup(key)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case uint64:
		return int(x), nil
	case float64:
		if x == math.Trunc(x) {
			return int(x), nil
		}
	}
	return 0, &KeyTypeError{Key: key, Want: "integer", Got: v}
}

// Float returns the number at key. Strings that parse as numbers are
// accepted, which covers values like "2e-4" that some YAML emitters quote.
func (c Config) Float(key string) (float64, error) {
	v, err := c.lookup(key)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f, nil
		}
	}
	return 0, &KeyTypeError{Key: key, Want: "number", Got: v}
}

// Bool returns the boolean at key.
func (c Config) Bool(key string) (bool, error) {
	v, err := c.lookup(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &KeyTypeError{Key: key, Want: "boolean", Got: v}
	}
	return b, nil
}

// BoolOr returns the boolean at key, or def when the key is absent or
// null. A present value of another type is still an error.
func (c Config) BoolOr(key string, def bool) (bool, error) {
	v, err := c.lookup(key)
	if err != nil {
		var missing *MissingKeyError
		if errors.As(err, &missing) {
			return def, nil
		}
		return false, err
	}
	if v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, &KeyTypeError{Key: key, Want: "boolean", Got: v}
	}
	return b, nil
}

// Strings returns the list of strings at key. A single string is treated
// as a one-element list.
func (c Config) Strings(key string) ([]string, error) {
	v, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case string:
		return []string{x}, nil
	case []any:
		out := make([]string, 0, len(x))
		for i, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, &KeyTypeError{Key: fmt.Sprintf("%s.%d", key, i), Want: "string", Got: item}
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, &KeyTypeError{Key: key, Want: "list of strings", Got: v}
}

// List returns the sequence at key.
func (c Config) List(key string) ([]any, error) {
	v, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	l, ok := v.([]any)
	if !ok {
		return nil, &KeyTypeError{Key: key, Want: "list", Got: v}
	}
	return l, nil
}
