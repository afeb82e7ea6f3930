package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kilupskalvis/revec/internal/models"
	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

// Bucket names used by the bbolt backend.
var (
	bucketRecords    = []byte("records")
	bucketHeads      = []byte("heads")
	bucketCreated    = []byte("created_index")
	bucketCollection = []byte("collection")
)

var keyDimension = []byte("dimension")

// Compile-time interface check.
var _ RecordStore = (*BboltStore)(nil)

// BboltStore implements RecordStore on a single embedded bbolt file.
// Every mutation is one bbolt update transaction, so the head CAS, the new
// record and the flag flip commit together.
type BboltStore struct {
	db        *bolt.DB
	dimension int
}

// boltRecord is the on-disk encoding of a record.
type boltRecord struct {
	ID        string          `json:"id"`
	EntityID  string          `json:"entity_id"`
	Revision  int64           `json:"revision"`
	Vector    []byte          `json:"vector"`
	Metadata  models.Metadata `json:"metadata"`
	CreatedAt int64           `json:"created_at"`
	IsCurrent bool            `json:"is_current"`
	IsDeleted bool            `json:"is_deleted"`
	DeletedAt *int64          `json:"deleted_at,omitempty"`
}

// NewBboltStore opens or creates a bbolt database at the given path and binds
// it to dimension. Reopening with a different dimension fails.
func NewBboltStore(dbPath string, dimension int) (*BboltStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dimension)
	}

	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, classifyBolt(fmt.Errorf("open database: %w", err))
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketHeads, bucketCreated, bucketCollection} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return bindDimension(tx.Bucket(bucketCollection), dimension)
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{db: db, dimension: dimension}, nil
}

func bindDimension(b *bolt.Bucket, dimension int) error {
	stored := b.Get(keyDimension)
	if stored == nil {
		return b.Put(keyDimension, binary.BigEndian.AppendUint64(nil, uint64(dimension)))
	}
	if got := int(binary.BigEndian.Uint64(stored)); got != dimension {
		return fmt.Errorf("%w: collection has dimension %d, opened with %d", ErrDimensionMismatch, got, dimension)
	}
	return nil
}

// classifyBolt maps transient bbolt failures onto ErrUnavailable.
func classifyBolt(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, berrors.ErrTimeout) || errors.Is(err, berrors.ErrDatabaseNotOpen) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

// Close releases the bbolt database.
func (s *BboltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dimension returns the collection dimension.
func (s *BboltStore) Dimension() int {
	return s.dimension
}

func (s *BboltStore) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classifyBolt(s.db.View(fn))
}

func (s *BboltStore) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classifyBolt(s.db.Update(fn))
}

func encodeBoltRecord(rec *models.VectorRecord) ([]byte, error) {
	br := boltRecord{
		ID:        rec.ID,
		EntityID:  rec.EntityID,
		Revision:  rec.Revision,
		Vector:    encodeVector(rec.Vector),
		Metadata:  rec.Metadata,
		CreatedAt: rec.CreatedAt.UnixNano(),
		IsCurrent: rec.IsCurrent,
		IsDeleted: rec.IsDeleted,
	}
	if rec.DeletedAt != nil {
		n := rec.DeletedAt.UnixNano()
		br.DeletedAt = &n
	}
	return json.Marshal(&br)
}

func (s *BboltStore) decodeRecord(data []byte) (*models.VectorRecord, error) {
	var br boltRecord
	if err := json.Unmarshal(data, &br); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	vec, err := decodeVector(br.Vector, s.dimension)
	if err != nil {
		return nil, err
	}
	rec := &models.VectorRecord{
		ID:        br.ID,
		EntityID:  br.EntityID,
		Revision:  br.Revision,
		Vector:    vec,
		Metadata:  br.Metadata,
		CreatedAt: time.Unix(0, br.CreatedAt),
		IsCurrent: br.IsCurrent,
		IsDeleted: br.IsDeleted,
	}
	if br.DeletedAt != nil {
		t := time.Unix(0, *br.DeletedAt)
		rec.DeletedAt = &t
	}
	return rec, nil
}

func getHead(tx *bolt.Tx, entityID string) (*models.RevisionHead, error) {
	data := tx.Bucket(bucketHeads).Get([]byte(entityID))
	if data == nil {
		return nil, nil
	}
	var head models.RevisionHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("unmarshal head: %w", err)
	}
	return &head, nil
}

func putHead(tx *bolt.Tx, head *models.RevisionHead) error {
	data, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("marshal head: %w", err)
	}
	return tx.Bucket(bucketHeads).Put([]byte(head.EntityID), data)
}

func (s *BboltStore) getRecord(tx *bolt.Tx, entityID string, revision int64) (*models.VectorRecord, error) {
	data := tx.Bucket(bucketRecords).Get(recordKey(entityID, revision))
	if data == nil {
		return nil, nil
	}
	return s.decodeRecord(data)
}

func putRecord(tx *bolt.Tx, rec *models.VectorRecord) error {
	data, err := encodeBoltRecord(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return tx.Bucket(bucketRecords).Put(recordKey(rec.EntityID, rec.Revision), data)
}

func deleteRecord(tx *bolt.Tx, rec *models.VectorRecord) error {
	if err := tx.Bucket(bucketRecords).Delete(recordKey(rec.EntityID, rec.Revision)); err != nil {
		return err
	}
	return tx.Bucket(bucketCreated).Delete(createdKey(rec.CreatedAt, rec.EntityID, rec.Revision))
}

// entityRecords returns every record of an entity ascending by revision.
func (s *BboltStore) entityRecords(tx *bolt.Tx, entityID string) ([]*models.VectorRecord, error) {
	prefix := recordPrefix(entityID)
	var records []*models.VectorRecord
	c := tx.Bucket(bucketRecords).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		// The prefix ends in NUL, so only exact entity matches plus an 8-byte suffix qualify.
		if len(k) != len(prefix)+8 {
			continue
		}
		rec, err := s.decodeRecord(v)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// GetHead returns the head for an entity, nil if absent.
func (s *BboltStore) GetHead(ctx context.Context, entityID string) (*models.RevisionHead, error) {
	var head *models.RevisionHead
	err := s.view(ctx, func(tx *bolt.Tx) error {
		var err error
		head, err = getHead(tx, entityID)
		return err
	})
	return head, err
}

// Commit performs the head compare-and-set and record insert in one transaction.
func (s *BboltStore) Commit(ctx context.Context, rec *models.VectorRecord, expectedRevision int64) error {
	if err := checkRecord(rec, s.dimension); err != nil {
		return err
	}
	return s.update(ctx, func(tx *bolt.Tx) error {
		head, err := getHead(tx, rec.EntityID)
		if err != nil {
			return err
		}
		if head.Revision() != expectedRevision || rec.Revision != expectedRevision+1 {
			return ErrConflict
		}

		if head != nil && !head.Deleted {
			prev, err := s.getRecord(tx, rec.EntityID, head.CurrentRevision)
			if err != nil {
				return err
			}
			if prev != nil && prev.IsCurrent {
				prev.IsCurrent = false
				if err := putRecord(tx, prev); err != nil {
					return fmt.Errorf("flip previous record: %w", err)
				}
			}
		}

		stored := rec.Clone()
		stored.IsCurrent = true
		stored.IsDeleted = false
		stored.DeletedAt = nil
		if err := putRecord(tx, stored); err != nil {
			return fmt.Errorf("store record: %w", err)
		}
		if err := tx.Bucket(bucketCreated).Put(createdKey(rec.CreatedAt, rec.EntityID, rec.Revision), recordKey(rec.EntityID, rec.Revision)); err != nil {
			return fmt.Errorf("store created index: %w", err)
		}

		return putHead(tx, &models.RevisionHead{
			EntityID:         rec.EntityID,
			CurrentRevision:  rec.Revision,
			CurrentRecordRef: rec.ID,
			UpdatedAt:        rec.CreatedAt,
		})
	})
}

// Revert undoes a commit that is still the head.
func (s *BboltStore) Revert(ctx context.Context, rec *models.VectorRecord, previous *models.RevisionHead) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		head, err := getHead(tx, rec.EntityID)
		if err != nil {
			return err
		}
		if head == nil || head.CurrentRevision != rec.Revision || head.CurrentRecordRef != rec.ID {
			return ErrConflict
		}

		if err := deleteRecord(tx, rec); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}

		if previous == nil {
			return tx.Bucket(bucketHeads).Delete([]byte(rec.EntityID))
		}
		if !previous.Deleted {
			prev, err := s.getRecord(tx, rec.EntityID, previous.CurrentRevision)
			if err != nil {
				return err
			}
			if prev != nil && !prev.IsDeleted {
				prev.IsCurrent = true
				if err := putRecord(tx, prev); err != nil {
					return fmt.Errorf("restore previous record: %w", err)
				}
			}
		}
		return putHead(tx, previous)
	})
}

// GetRecord returns a single revision.
func (s *BboltStore) GetRecord(ctx context.Context, entityID string, revision int64) (*models.VectorRecord, error) {
	var rec *models.VectorRecord
	err := s.view(ctx, func(tx *bolt.Tx) error {
		var err error
		rec, err = s.getRecord(tx, entityID, revision)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// GetRevisions returns all revisions of an entity.
func (s *BboltStore) GetRevisions(ctx context.Context, entityID string) ([]*models.VectorRecord, error) {
	var records []*models.VectorRecord
	err := s.view(ctx, func(tx *bolt.Tx) error {
		var err error
		records, err = s.entityRecords(tx, entityID)
		return err
	})
	return records, err
}

// SoftDelete flags all records of the entity deleted.
func (s *BboltStore) SoftDelete(ctx context.Context, entityID string, at time.Time) (int, error) {
	count := 0
	err := s.update(ctx, func(tx *bolt.Tx) error {
		head, err := getHead(tx, entityID)
		if err != nil || head == nil {
			return err
		}
		records, err := s.entityRecords(tx, entityID)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if rec.IsDeleted && !rec.IsCurrent {
				continue
			}
			rec.IsCurrent = false
			if !rec.IsDeleted {
				rec.IsDeleted = true
				stamp := at
				rec.DeletedAt = &stamp
			}
			if err := putRecord(tx, rec); err != nil {
				return err
			}
			count++
		}
		head.Deleted = true
		head.CurrentRecordRef = ""
		head.UpdatedAt = at
		return putHead(tx, head)
	})
	return count, err
}

// Purge removes every record and the head of the entity.
func (s *BboltStore) Purge(ctx context.Context, entityID string) (int, error) {
	count := 0
	err := s.update(ctx, func(tx *bolt.Tx) error {
		records, err := s.entityRecords(tx, entityID)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := deleteRecord(tx, rec); err != nil {
				return err
			}
		}
		count = len(records)
		return tx.Bucket(bucketHeads).Delete([]byte(entityID))
	})
	return count, err
}

// SetCurrent makes revision the single current record.
func (s *BboltStore) SetCurrent(ctx context.Context, entityID string, revision int64) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		records, err := s.entityRecords(tx, entityID)
		if err != nil {
			return err
		}
		var target *models.VectorRecord
		for _, rec := range records {
			if rec.Revision == revision && !rec.IsDeleted {
				target = rec
			}
		}
		if target == nil {
			return ErrNotFound
		}
		for _, rec := range records {
			want := rec.Revision == revision
			if rec.IsCurrent == want {
				continue
			}
			rec.IsCurrent = want
			if err := putRecord(tx, rec); err != nil {
				return err
			}
		}

		head, err := getHead(tx, entityID)
		if err != nil {
			return err
		}
		if head == nil {
			head = &models.RevisionHead{EntityID: entityID}
		}
		head.CurrentRevision = max(head.CurrentRevision, revision)
		head.CurrentRecordRef = target.ID
		head.Deleted = false
		if head.UpdatedAt.Before(target.CreatedAt) {
			head.UpdatedAt = target.CreatedAt
		}
		return putHead(tx, head)
	})
}

// Prune removes the given revisions, skipping any current record.
func (s *BboltStore) Prune(ctx context.Context, entityID string, revisions []int64) (int, error) {
	count := 0
	err := s.update(ctx, func(tx *bolt.Tx) error {
		for _, rev := range revisions {
			rec, err := s.getRecord(tx, entityID, rev)
			if err != nil {
				return err
			}
			if rec == nil || rec.IsCurrent {
				continue
			}
			if err := deleteRecord(tx, rec); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// ScanUntil walks the created_at index up to and including asOf.
func (s *BboltStore) ScanUntil(ctx context.Context, asOf time.Time, fn func(*models.VectorRecord) error) error {
	limit := timeKey(asOf)
	return s.view(ctx, func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		c := tx.Bucket(bucketCreated).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if bytes.Compare(k[:8], limit) > 0 {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			data := records.Get(v)
			if data == nil {
				continue
			}
			rec, err := s.decodeRecord(data)
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScanCurrent visits every current record.
func (s *BboltStore) ScanCurrent(ctx context.Context, fn func(*models.VectorRecord) error) error {
	return s.view(ctx, func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		return tx.Bucket(bucketHeads).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var head models.RevisionHead
			if err := json.Unmarshal(v, &head); err != nil {
				return fmt.Errorf("unmarshal head: %w", err)
			}
			if head.Deleted {
				return nil
			}
			data := records.Get(recordKey(head.EntityID, head.CurrentRevision))
			if data == nil {
				return nil
			}
			rec, err := s.decodeRecord(data)
			if err != nil {
				return err
			}
			if !rec.Live() {
				return nil
			}
			return fn(rec)
		})
	})
}

// ScanHeads visits every head.
func (s *BboltStore) ScanHeads(ctx context.Context, fn func(*models.RevisionHead) error) error {
	return s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeads).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var head models.RevisionHead
			if err := json.Unmarshal(v, &head); err != nil {
				return fmt.Errorf("unmarshal head: %w", err)
			}
			return fn(&head)
		})
	})
}
