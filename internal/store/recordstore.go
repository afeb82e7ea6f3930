// Package store provides the point-storage backends for revec records.
// Every backend implements RecordStore: records keyed by (entity_id, revision),
// a secondary created_at index for time-travel scans, and the per-entity
// revision head guarded by compare-and-set.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kilupskalvis/revec/internal/models"
)

// Sentinel errors for expected conditions.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrUnavailable       = errors.New("backend unavailable")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrInvalidEntityID   = errors.New("invalid entity id")
)

// RecordStore is the point-storage contract shared by all backends.
// Returned records and heads are copies; mutating them never changes state.
// Scan callbacks run inside a read snapshot and must not call back into the store.
type RecordStore interface {
	// Dimension returns the fixed vector length of the collection.
	Dimension() int

	// GetHead returns the entity head, or nil when the entity has no records.
	GetHead(ctx context.Context, entityID string) (*models.RevisionHead, error)

	// Commit atomically moves the head from expectedRevision to rec.Revision,
	// inserts rec as current, and clears the current flag of the previous record.
	// Returns ErrConflict when the head no longer matches expectedRevision.
	Commit(ctx context.Context, rec *models.VectorRecord, expectedRevision int64) error

	// Revert undoes a commit of rec, restoring previous (nil removes the head).
	// Returns ErrConflict when rec is no longer the head.
	Revert(ctx context.Context, rec *models.VectorRecord, previous *models.RevisionHead) error

	// GetRecord returns one revision. Returns ErrNotFound if missing.
	GetRecord(ctx context.Context, entityID string, revision int64) (*models.VectorRecord, error)

	// GetRevisions returns all records of an entity ascending by revision.
	GetRevisions(ctx context.Context, entityID string) ([]*models.VectorRecord, error)

	// SoftDelete flags every record deleted and not current. Returns the count.
	SoftDelete(ctx context.Context, entityID string, at time.Time) (int, error)

	// Purge physically removes every record and the head. Returns the count.
	Purge(ctx context.Context, entityID string) (int, error)

	// SetCurrent makes revision the only current record of the entity.
	SetCurrent(ctx context.Context, entityID string, revision int64) error

	// Prune removes the given non-current revisions. Returns the count removed.
	Prune(ctx context.Context, entityID string, revisions []int64) (int, error)

	// ScanUntil visits every record with CreatedAt <= asOf in created_at order.
	ScanUntil(ctx context.Context, asOf time.Time, fn func(*models.VectorRecord) error) error

	// ScanCurrent visits every record flagged current.
	ScanCurrent(ctx context.Context, fn func(*models.VectorRecord) error) error

	// ScanHeads visits every entity head.
	ScanHeads(ctx context.Context, fn func(*models.RevisionHead) error) error

	// Close releases resources.
	Close() error
}

// ValidateEntityID rejects ids that cannot be used as storage keys.
func ValidateEntityID(entityID string) error {
	if entityID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if strings.IndexByte(entityID, 0) >= 0 {
		return fmt.Errorf("%w: contains NUL byte", ErrInvalidEntityID)
	}
	return nil
}

// checkRecord validates a record before it is written.
func checkRecord(rec *models.VectorRecord, dimension int) error {
	if err := ValidateEntityID(rec.EntityID); err != nil {
		return err
	}
	if len(rec.Vector) != dimension {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, dimension, len(rec.Vector))
	}
	if rec.Revision < 1 {
		return fmt.Errorf("%w: revision %d", ErrConflict, rec.Revision)
	}
	return nil
}

// recordKey is entity_id, a NUL separator, then the big-endian revision so a
// prefix scan returns revisions in ascending order.
func recordKey(entityID string, revision int64) []byte {
	key := make([]byte, 0, len(entityID)+9)
	key = append(key, entityID...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, uint64(revision))
}

// recordPrefix is the scan prefix for all revisions of an entity.
func recordPrefix(entityID string) []byte {
	key := make([]byte, 0, len(entityID)+1)
	key = append(key, entityID...)
	return append(key, 0)
}

// timeKey encodes t so that byte order equals chronological order,
// including instants before the Unix epoch.
func timeKey(t time.Time) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(t.UnixNano())^(1<<63))
}

// createdKey orders records by creation time for time-travel scans.
func createdKey(createdAt time.Time, entityID string, revision int64) []byte {
	key := timeKey(createdAt)
	return append(key, recordKey(entityID, revision)...)
}
