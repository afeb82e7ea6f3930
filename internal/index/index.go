// Package index defines the current-state nearest-neighbor index contract and
// an exact in-process implementation.
package index

import (
	"context"
	"errors"
	"time"

	"github.com/kilupskalvis/revec/internal/models"
	"github.com/kilupskalvis/revec/internal/similarity"
)

// ErrUnavailable is returned when the index backend cannot serve a request.
// Callers may retry.
var ErrUnavailable = errors.New("index unavailable")

// Hit is one index match. Hits reference records; the record store remains the
// source of truth for their content.
type Hit struct {
	EntityID  string
	Revision  int64
	Score     float64
	CreatedAt time.Time
}

// Key returns the shared ranking key of the hit.
func (h Hit) Key() similarity.Key {
	return similarity.Key{Score: h.Score, CreatedAt: h.CreatedAt, EntityID: h.EntityID}
}

// Index holds exactly the current, non-deleted record of every live entity.
type Index interface {
	// Upsert makes rec the indexed state of its entity, replacing any older revision.
	Upsert(ctx context.Context, rec *models.VectorRecord) error

	// Remove drops the entity. Removing an unknown entity is not an error.
	Remove(ctx context.Context, entityID string) error

	// Search returns at most q.EffectiveLimit() hits scoring at least
	// q.Floor() among entries matching every filter, best first.
	Search(ctx context.Context, q models.Query) ([]Hit, error)

	// Len returns the number of indexed entities.
	Len(ctx context.Context) (int, error)

	// Clear drops every entry.
	Clear(ctx context.Context) error

	// Close releases resources.
	Close() error
}
