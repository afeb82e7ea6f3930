package models

import (
	"fmt"
	"math"
	"sort"
)

// DefaultLimit is used when a query does not set a positive limit.
const DefaultLimit = 10

// Filter holds exact-match predicates over metadata keys. All must match.
type Filter map[string]any

// Normalize validates the predicate values and returns a normalized copy.
func (f Filter) Normalize() (Filter, error) {
	if len(f) == 0 {
		return nil, nil
	}
	out := make(Filter, len(f))
	for k, v := range f {
		if k == "" {
			return nil, fmt.Errorf("%w: empty filter key", ErrInvalidMetadata)
		}
		nv, err := NormalizeScalar(v)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// Keys returns the filter keys sorted.
func (f Filter) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Matches reports whether every predicate matches m. f must be normalized.
func (f Filter) Matches(m Metadata) bool {
	for k, want := range f {
		got, ok := m.Get(k)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Query describes a similarity search. When MinScore is set, results scoring
// below it are dropped; nil keeps every match regardless of score.
type Query struct {
	Vector   []float32
	Filters  Filter
	Limit    int
	MinScore *float64
}

// Threshold returns a MinScore value.
func Threshold(score float64) *float64 {
	return &score
}

// Floor returns the lowest score q keeps.
func (q Query) Floor() float64 {
	if q.MinScore == nil {
		return math.Inf(-1)
	}
	return *q.MinScore
}

// EffectiveLimit returns Limit, or DefaultLimit when unset.
func (q Query) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

// SearchResult is one ranked record.
type SearchResult struct {
	Record *VectorRecord `json:"record"`
	Score  float64       `json:"score"`
}
