package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/kilupskalvis/revec/internal/models"
	"github.com/kilupskalvis/revec/internal/similarity"
)

// Compile-time interface check.
var _ Index = (*Flat)(nil)

// Flat is an exact cosine index. Entries live in numbered slots; metadata
// equality filters are answered from roaring posting lists over slot ids
// before any vector is scored.
type Flat struct {
	mu        sync.RWMutex
	dimension int
	slots     []flatEntry
	free      []uint32
	byEntity  map[string]uint32
	live      *roaring.Bitmap
	postings  map[string]map[any]*roaring.Bitmap // key -> normalized value -> slots
}

type flatEntry struct {
	hit      Hit
	vector   []float32
	metadata models.Metadata
}

// NewFlat creates an empty exact index for vectors of dimension.
func NewFlat(dimension int) *Flat {
	return &Flat{
		dimension: dimension,
		byEntity:  make(map[string]uint32),
		live:      roaring.New(),
		postings:  make(map[string]map[any]*roaring.Bitmap),
	}
}

// Upsert replaces the entity's entry with rec.
func (f *Flat) Upsert(ctx context.Context, rec *models.VectorRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(rec.Vector) != f.dimension {
		return fmt.Errorf("index dimension %d, got vector of %d", f.dimension, len(rec.Vector))
	}

	entry := flatEntry{
		hit: Hit{
			EntityID:  rec.EntityID,
			Revision:  rec.Revision,
			CreatedAt: rec.CreatedAt,
		},
		vector:   append([]float32(nil), rec.Vector...),
		metadata: rec.Metadata.Clone(),
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.removeLocked(rec.EntityID)

	var slot uint32
	if n := len(f.free); n > 0 {
		slot = f.free[n-1]
		f.free = f.free[:n-1]
		f.slots[slot] = entry
	} else {
		slot = uint32(len(f.slots))
		f.slots = append(f.slots, entry)
	}
	f.byEntity[rec.EntityID] = slot
	f.live.Add(slot)

	entry.metadata.Range(func(key string, value any) bool {
		values, ok := f.postings[key]
		if !ok {
			values = make(map[any]*roaring.Bitmap)
			f.postings[key] = values
		}
		bm, ok := values[value]
		if !ok {
			bm = roaring.New()
			values[value] = bm
		}
		bm.Add(slot)
		return true
	})
	return nil
}

// Remove drops the entity's entry.
func (f *Flat) Remove(ctx context.Context, entityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(entityID)
	return nil
}

// removeLocked frees the entity's slot. Caller must hold f.mu.
func (f *Flat) removeLocked(entityID string) {
	slot, ok := f.byEntity[entityID]
	if !ok {
		return
	}
	entry := f.slots[slot]
	entry.metadata.Range(func(key string, value any) bool {
		values := f.postings[key]
		if bm := values[value]; bm != nil {
			bm.Remove(slot)
			if bm.IsEmpty() {
				delete(values, value)
				if len(values) == 0 {
					delete(f.postings, key)
				}
			}
		}
		return true
	})

	delete(f.byEntity, entityID)
	f.live.Remove(slot)
	f.slots[slot] = flatEntry{}
	f.free = append(f.free, slot)
}

// candidatesLocked intersects the live set with every filter posting.
// Caller must hold f.mu.
func (f *Flat) candidatesLocked(filters models.Filter) *roaring.Bitmap {
	result := f.live.Clone()
	for _, key := range filters.Keys() {
		bm := f.postings[key][filters[key]]
		if bm == nil {
			return roaring.New()
		}
		result.And(bm)
		if result.IsEmpty() {
			break
		}
	}
	return result
}

// Search scores every candidate exactly.
func (f *Flat) Search(ctx context.Context, q models.Query) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filters, err := q.Filters.Normalize()
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	candidates := f.candidatesLocked(filters)
	hits := make([]Hit, 0, candidates.GetCardinality())
	it := candidates.Iterator()
	for n := 0; it.HasNext(); n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		entry := f.slots[it.Next()]
		score := similarity.Cosine(q.Vector, entry.vector)
		if score < q.Floor() {
			continue
		}
		hit := entry.hit
		hit.Score = score
		hits = append(hits, hit)
	}
	return similarity.Rank(hits, Hit.Key, q.EffectiveLimit()), nil
}

// Len returns the number of indexed entities.
func (f *Flat) Len(ctx context.Context) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.byEntity), nil
}

// Clear drops every entry.
func (f *Flat) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots = nil
	f.free = nil
	f.byEntity = make(map[string]uint32)
	f.live = roaring.New()
	f.postings = make(map[string]map[any]*roaring.Bitmap)
	return nil
}

// Close is a no-op for the in-process index.
func (f *Flat) Close() error {
	return nil
}
