// Package similarity holds the cosine metric and the result ordering shared by
// every index backend and the time-travel engine, so all of them rank alike.
package similarity

import (
	"math"
	"slices"
	"time"
)

// Cosine returns the cosine similarity of a and b.
// Zero-length or zero-norm inputs and mismatched lengths score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Clamp rounding noise so identical vectors never exceed 1.
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// Key is the ranking key of one result.
type Key struct {
	Score     float64
	CreatedAt time.Time
	EntityID  string
}

// Before reports whether k ranks ahead of o: higher score first, then the more
// recently created record, then lexicographic entity id.
func (k Key) Before(o Key) bool {
	if k.Score != o.Score {
		return k.Score > o.Score
	}
	if !k.CreatedAt.Equal(o.CreatedAt) {
		return k.CreatedAt.After(o.CreatedAt)
	}
	return k.EntityID < o.EntityID
}

// Compare orders keys for slices.SortFunc.
func (k Key) Compare(o Key) int {
	switch {
	case k.Before(o):
		return -1
	case o.Before(k):
		return 1
	default:
		return 0
	}
}

// Rank sorts items best-first and truncates to limit (limit <= 0 keeps all).
func Rank[T any](items []T, key func(T) Key, limit int) []T {
	slices.SortStableFunc(items, func(a, b T) int {
		return key(a).Compare(key(b))
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
