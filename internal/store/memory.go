package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilupskalvis/revec/internal/models"
)

// Compile-time interface check.
var _ RecordStore = (*MemoryStore)(nil)

// MemoryStore is a process-local RecordStore. Each entity carries its own
// mutex; the map lock is only held to find or register an entity.
type MemoryStore struct {
	mu        sync.RWMutex
	entities  map[string]*memEntity
	dimension int
	closed    atomic.Bool
}

type memEntity struct {
	mu      sync.Mutex
	head    *models.RevisionHead
	records []*models.VectorRecord // ascending by revision
	removed bool                   // purged; callers must look the entity up again
}

// NewMemoryStore creates an empty in-memory store for vectors of dimension.
func NewMemoryStore(dimension int) (*MemoryStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dimension)
	}
	return &MemoryStore{
		entities:  make(map[string]*memEntity),
		dimension: dimension,
	}, nil
}

// Close marks the store closed. Later calls fail with ErrUnavailable.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

// Dimension returns the collection dimension.
func (s *MemoryStore) Dimension() int {
	return s.dimension
}

func (s *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return fmt.Errorf("%w: store closed", ErrUnavailable)
	}
	return nil
}

// lock returns the locked entity, registering it when create is set.
// Returns nil when the entity is unknown and create is false.
func (s *MemoryStore) lock(entityID string, create bool) *memEntity {
	for {
		s.mu.RLock()
		e := s.entities[entityID]
		s.mu.RUnlock()

		if e == nil {
			if !create {
				return nil
			}
			s.mu.Lock()
			e = s.entities[entityID]
			if e == nil {
				e = &memEntity{}
				s.entities[entityID] = e
			}
			s.mu.Unlock()
		}

		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

func (s *MemoryStore) snapshot() []*memEntity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*memEntity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	return out
}

func (e *memEntity) find(revision int64) *models.VectorRecord {
	i, ok := slices.BinarySearchFunc(e.records, revision, func(r *models.VectorRecord, rev int64) int {
		return cmp.Compare(r.Revision, rev)
	})
	if !ok {
		return nil
	}
	return e.records[i]
}

// GetHead returns the head for an entity, nil if absent.
func (s *MemoryStore) GetHead(ctx context.Context, entityID string) (*models.RevisionHead, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	e := s.lock(entityID, false)
	if e == nil {
		return nil, nil
	}
	defer e.mu.Unlock()
	return e.head.Clone(), nil
}

// Commit performs the head compare-and-set and record insert under the entity lock.
func (s *MemoryStore) Commit(ctx context.Context, rec *models.VectorRecord, expectedRevision int64) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := checkRecord(rec, s.dimension); err != nil {
		return err
	}

	e := s.lock(rec.EntityID, true)
	defer e.mu.Unlock()

	if e.head.Revision() != expectedRevision || rec.Revision != expectedRevision+1 {
		return ErrConflict
	}
	for _, r := range e.records {
		r.IsCurrent = false
	}

	stored := rec.Clone()
	stored.IsCurrent = true
	stored.IsDeleted = false
	stored.DeletedAt = nil
	e.records = append(e.records, stored)
	e.head = &models.RevisionHead{
		EntityID:         rec.EntityID,
		CurrentRevision:  rec.Revision,
		CurrentRecordRef: rec.ID,
		UpdatedAt:        rec.CreatedAt,
	}
	return nil
}

// Revert undoes a commit that is still the head.
func (s *MemoryStore) Revert(ctx context.Context, rec *models.VectorRecord, previous *models.RevisionHead) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	e := s.lock(rec.EntityID, false)
	if e == nil {
		return ErrConflict
	}
	defer e.mu.Unlock()

	if e.head == nil || e.head.CurrentRevision != rec.Revision || e.head.CurrentRecordRef != rec.ID {
		return ErrConflict
	}
	e.records = slices.DeleteFunc(e.records, func(r *models.VectorRecord) bool {
		return r.Revision == rec.Revision
	})
	if previous != nil && !previous.Deleted {
		if prev := e.find(previous.CurrentRevision); prev != nil && !prev.IsDeleted {
			prev.IsCurrent = true
		}
	}
	e.head = previous.Clone()
	return nil
}

// GetRecord returns a single revision.
func (s *MemoryStore) GetRecord(ctx context.Context, entityID string, revision int64) (*models.VectorRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	e := s.lock(entityID, false)
	if e == nil {
		return nil, ErrNotFound
	}
	defer e.mu.Unlock()

	rec := e.find(revision)
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// GetRevisions returns all revisions of an entity.
func (s *MemoryStore) GetRevisions(ctx context.Context, entityID string) ([]*models.VectorRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	e := s.lock(entityID, false)
	if e == nil {
		return nil, nil
	}
	defer e.mu.Unlock()

	out := make([]*models.VectorRecord, len(e.records))
	for i, r := range e.records {
		out[i] = r.Clone()
	}
	return out, nil
}

// SoftDelete flags all records of the entity deleted.
func (s *MemoryStore) SoftDelete(ctx context.Context, entityID string, at time.Time) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	e := s.lock(entityID, false)
	if e == nil {
		return 0, nil
	}
	defer e.mu.Unlock()
	if e.head == nil {
		return 0, nil
	}

	count := 0
	for _, r := range e.records {
		if r.IsDeleted && !r.IsCurrent {
			continue
		}
		r.IsCurrent = false
		if !r.IsDeleted {
			r.IsDeleted = true
			stamp := at
			r.DeletedAt = &stamp
		}
		count++
	}
	e.head.Deleted = true
	e.head.CurrentRecordRef = ""
	e.head.UpdatedAt = at
	return count, nil
}

// Purge removes every record and the head of the entity.
func (s *MemoryStore) Purge(ctx context.Context, entityID string) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	e := s.lock(entityID, false)
	if e == nil {
		return 0, nil
	}
	count := len(e.records)
	e.records = nil
	e.head = nil
	e.removed = true
	e.mu.Unlock()

	s.mu.Lock()
	if s.entities[entityID] == e {
		delete(s.entities, entityID)
	}
	s.mu.Unlock()
	return count, nil
}

// SetCurrent makes revision the single current record.
func (s *MemoryStore) SetCurrent(ctx context.Context, entityID string, revision int64) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	e := s.lock(entityID, false)
	if e == nil {
		return ErrNotFound
	}
	defer e.mu.Unlock()

	target := e.find(revision)
	if target == nil || target.IsDeleted {
		return ErrNotFound
	}
	for _, r := range e.records {
		r.IsCurrent = r.Revision == revision
	}
	if e.head == nil {
		e.head = &models.RevisionHead{EntityID: entityID}
	}
	e.head.CurrentRevision = max(e.head.CurrentRevision, revision)
	e.head.CurrentRecordRef = target.ID
	e.head.Deleted = false
	if e.head.UpdatedAt.Before(target.CreatedAt) {
		e.head.UpdatedAt = target.CreatedAt
	}
	return nil
}

// Prune removes the given revisions, skipping any current record.
func (s *MemoryStore) Prune(ctx context.Context, entityID string, revisions []int64) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	e := s.lock(entityID, false)
	if e == nil {
		return 0, nil
	}
	defer e.mu.Unlock()

	before := len(e.records)
	e.records = slices.DeleteFunc(e.records, func(r *models.VectorRecord) bool {
		return !r.IsCurrent && slices.Contains(revisions, r.Revision)
	})
	return before - len(e.records), nil
}

// collect copies the records selected by keep from every entity.
func (s *MemoryStore) collect(keep func(*models.VectorRecord) bool) []*models.VectorRecord {
	var out []*models.VectorRecord
	for _, e := range s.snapshot() {
		e.mu.Lock()
		for _, r := range e.records {
			if keep(r) {
				out = append(out, r.Clone())
			}
		}
		e.mu.Unlock()
	}
	return out
}

func visit(ctx context.Context, records []*models.VectorRecord, fn func(*models.VectorRecord) error) error {
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// ScanUntil visits records created at or before asOf in created_at order.
func (s *MemoryStore) ScanUntil(ctx context.Context, asOf time.Time, fn func(*models.VectorRecord) error) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	records := s.collect(func(r *models.VectorRecord) bool {
		return !r.CreatedAt.After(asOf)
	})
	slices.SortFunc(records, func(a, b *models.VectorRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if c := strings.Compare(a.EntityID, b.EntityID); c != 0 {
			return c
		}
		return cmp.Compare(a.Revision, b.Revision)
	})
	return visit(ctx, records, fn)
}

// ScanCurrent visits every current record.
func (s *MemoryStore) ScanCurrent(ctx context.Context, fn func(*models.VectorRecord) error) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	records := s.collect((*models.VectorRecord).Live)
	slices.SortFunc(records, func(a, b *models.VectorRecord) int {
		return strings.Compare(a.EntityID, b.EntityID)
	})
	return visit(ctx, records, fn)
}

// ScanHeads visits every head.
func (s *MemoryStore) ScanHeads(ctx context.Context, fn func(*models.RevisionHead) error) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	var heads []*models.RevisionHead
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if e.head != nil {
			heads = append(heads, e.head.Clone())
		}
		e.mu.Unlock()
	}
	slices.SortFunc(heads, func(a, b *models.RevisionHead) int {
		return strings.Compare(a.EntityID, b.EntityID)
	})
	for _, h := range heads {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(h); err != nil {
			return err
		}
	}
	return nil
}
