package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrInvalidMetadata is returned for empty keys and non-scalar values.
var ErrInvalidMetadata = errors.New("invalid metadata")

// Metadata is an insertion-ordered mapping of string keys to scalar values.
// Values are normalized on the way in: every numeric kind becomes float64.
// The zero value is an empty, usable Metadata.
type Metadata struct {
	fields *orderedmap.OrderedMap[string, any]
}

// NewMetadata builds Metadata from alternating key/value arguments.
func NewMetadata(kv ...any) (Metadata, error) {
	var m Metadata
	if len(kv)%2 != 0 {
		return m, fmt.Errorf("%w: odd number of key/value arguments", ErrInvalidMetadata)
	}
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			return Metadata{}, fmt.Errorf("%w: key at position %d is %T", ErrInvalidMetadata, i, kv[i])
		}
		if err := m.Set(key, kv[i+1]); err != nil {
			return Metadata{}, err
		}
	}
	return m, nil
}

// Set inserts or replaces a key. Replacing keeps the original position.
func (m *Metadata) Set(key string, value any) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidMetadata)
	}
	v, err := NormalizeScalar(value)
	if err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}
	if m.fields == nil {
		m.fields = orderedmap.New[string, any]()
	}
	m.fields.Set(key, v)
	return nil
}

// Get returns the value stored under key.
func (m Metadata) Get(key string) (any, bool) {
	if m.fields == nil {
		return nil, false
	}
	return m.fields.Get(key)
}

// Len returns the number of keys.
func (m Metadata) Len() int {
	if m.fields == nil {
		return 0
	}
	return m.fields.Len()
}

// Keys returns the keys in insertion order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, m.Len())
	m.Range(func(k string, _ any) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Range calls fn for each entry in insertion order until fn returns false.
func (m Metadata) Range(fn func(key string, value any) bool) {
	if m.fields == nil {
		return
	}
	for pair := m.fields.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Key, pair.Value) {
			return
		}
	}
}

// Clone returns an independent copy.
func (m Metadata) Clone() Metadata {
	var c Metadata
	m.Range(func(k string, v any) bool {
		if c.fields == nil {
			c.fields = orderedmap.New[string, any]()
		}
		c.fields.Set(k, v)
		return true
	})
	return c
}

// Map returns an unordered copy, convenient for backends that key by name.
func (m Metadata) Map() map[string]any {
	out := make(map[string]any, m.Len())
	m.Range(func(k string, v any) bool {
		out[k] = v
		return true
	})
	return out
}

// MarshalJSON encodes the metadata as a JSON object preserving key order.
func (m Metadata) MarshalJSON() ([]byte, error) {
	if m.fields == nil {
		return []byte("{}"), nil
	}
	return m.fields.MarshalJSON()
}

// UnmarshalJSON decodes a JSON object, rejecting non-scalar values.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		m.fields = nil
		return nil
	}

	raw := orderedmap.New[string, any]()
	if err := json.Unmarshal(trimmed, raw); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	var out Metadata
	for pair := raw.Oldest(); pair != nil; pair = pair.Next() {
		if err := out.Set(pair.Key, pair.Value); err != nil {
			return err
		}
	}
	m.fields = out.fields
	return nil
}

// NormalizeScalar validates a metadata value and converts numbers to float64.
func NormalizeScalar(v any) (any, error) {
	switch n := v.(type) {
	case string, bool, float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
		return f, nil
	case nil:
		return nil, fmt.Errorf("%w: null value", ErrInvalidMetadata)
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", ErrInvalidMetadata, v)
	}
}
