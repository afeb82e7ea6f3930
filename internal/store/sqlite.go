package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kilupskalvis/revec/internal/models"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Compile-time interface check.
var _ RecordStore = (*SQLiteStore)(nil)

// SQLiteStore implements RecordStore on a SQLite database.
type SQLiteStore struct {
	db        *sql.DB
	dimension int
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and binds it to
// dimension. Reopening with a different dimension fails.
func NewSQLiteStore(dbPath string, dimension int) (*SQLiteStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dimension)
	}

	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers inside the process; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, dimension: dimension}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	-- Collection settings (dimension)
	CREATE TABLE IF NOT EXISTS collection (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	-- Immutable revision-stamped records
	CREATE TABLE IF NOT EXISTS records (
		entity_id TEXT NOT NULL,
		revision INTEGER NOT NULL,
		id TEXT NOT NULL,
		vector BLOB NOT NULL,
		metadata JSON NOT NULL,
		created_at INTEGER NOT NULL,
		is_current BOOLEAN NOT NULL DEFAULT FALSE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		deleted_at INTEGER,
		PRIMARY KEY (entity_id, revision)
	);

	-- Per-entity revision heads
	CREATE TABLE IF NOT EXISTS heads (
		entity_id TEXT PRIMARY KEY,
		current_revision INTEGER NOT NULL,
		current_record_ref TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE
	);

	-- Indexes
	CREATE INDEX IF NOT EXISTS idx_records_current ON records(entity_id) WHERE is_current;
	CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at, entity_id, revision);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return classifySQLite(fmt.Errorf("failed to initialize schema: %w", err))
	}

	var stored int
	err := s.db.QueryRow("SELECT value FROM collection WHERE key = 'dimension'").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.Exec("INSERT INTO collection (key, value) VALUES ('dimension', ?)", s.dimension)
		return classifySQLite(err)
	}
	if err != nil {
		return classifySQLite(err)
	}
	if stored != s.dimension {
		return fmt.Errorf("%w: collection has dimension %d, opened with %d", ErrDimensionMismatch, stored, s.dimension)
	}
	return nil
}

// classifySQLite maps busy and locked conditions onto ErrUnavailable.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Dimension returns the collection dimension.
func (s *SQLiteStore) Dimension() int {
	return s.dimension
}

// withTx runs fn in a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return classifySQLite(err)
	}
	return classifySQLite(tx.Commit())
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const recordColumns = "id, entity_id, revision, vector, metadata, created_at, is_current, is_deleted, deleted_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanRecord(row rowScanner) (*models.VectorRecord, error) {
	var (
		rec       models.VectorRecord
		vector    []byte
		metadata  string
		createdAt int64
		deletedAt sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.EntityID, &rec.Revision, &vector, &metadata, &createdAt, &rec.IsCurrent, &rec.IsDeleted, &deletedAt); err != nil {
		return nil, err
	}
	vec, err := decodeVector(vector, s.dimension)
	if err != nil {
		return nil, err
	}
	rec.Vector = vec
	if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	if deletedAt.Valid {
		t := time.Unix(0, deletedAt.Int64)
		rec.DeletedAt = &t
	}
	return &rec, nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, q querier, query string, args ...any) ([]*models.VectorRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rows.Close()

	var records []*models.VectorRecord
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, classifySQLite(rows.Err())
}

func headFromRow(row rowScanner) (*models.RevisionHead, error) {
	var (
		head      models.RevisionHead
		updatedAt int64
	)
	if err := row.Scan(&head.EntityID, &head.CurrentRevision, &head.CurrentRecordRef, &updatedAt, &head.Deleted); err != nil {
		return nil, err
	}
	head.UpdatedAt = time.Unix(0, updatedAt)
	return &head, nil
}

func sqliteHead(ctx context.Context, q querier, entityID string) (*models.RevisionHead, error) {
	row := q.QueryRowContext(ctx,
		"SELECT entity_id, current_revision, current_record_ref, updated_at, deleted FROM heads WHERE entity_id = ?",
		entityID)
	head, err := headFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return head, err
}

func writeHead(ctx context.Context, tx *sql.Tx, head *models.RevisionHead) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO heads (entity_id, current_revision, current_record_ref, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			current_revision = excluded.current_revision,
			current_record_ref = excluded.current_record_ref,
			updated_at = excluded.updated_at,
			deleted = excluded.deleted`,
		head.EntityID, head.CurrentRevision, head.CurrentRecordRef, head.UpdatedAt.UnixNano(), head.Deleted)
	return err
}

// GetHead returns the head for an entity, nil if absent.
func (s *SQLiteStore) GetHead(ctx context.Context, entityID string) (*models.RevisionHead, error) {
	head, err := sqliteHead(ctx, s.db, entityID)
	return head, classifySQLite(err)
}

// Commit performs the head compare-and-set and record insert in one transaction.
func (s *SQLiteStore) Commit(ctx context.Context, rec *models.VectorRecord, expectedRevision int64) error {
	if err := checkRecord(rec, s.dimension); err != nil {
		return err
	}
	if rec.Revision != expectedRevision+1 {
		return ErrConflict
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if expectedRevision == 0 {
			res, err = tx.ExecContext(ctx, `
				INSERT INTO heads (entity_id, current_revision, current_record_ref, updated_at, deleted)
				VALUES (?, ?, ?, ?, FALSE)
				ON CONFLICT(entity_id) DO NOTHING`,
				rec.EntityID, rec.Revision, rec.ID, rec.CreatedAt.UnixNano())
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE heads SET current_revision = ?, current_record_ref = ?, updated_at = ?, deleted = FALSE
				WHERE entity_id = ? AND current_revision = ?`,
				rec.Revision, rec.ID, rec.CreatedAt.UnixNano(), rec.EntityID, expectedRevision)
		}
		if err != nil {
			return fmt.Errorf("update head: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrConflict
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE records SET is_current = FALSE WHERE entity_id = ? AND is_current", rec.EntityID); err != nil {
			return fmt.Errorf("flip previous record: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (id, entity_id, revision, vector, metadata, created_at, is_current, is_deleted)
			VALUES (?, ?, ?, ?, ?, ?, TRUE, FALSE)`,
			rec.ID, rec.EntityID, rec.Revision, encodeVector(rec.Vector), string(metadata), rec.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		return nil
	})
}

// Revert undoes a commit that is still the head.
func (s *SQLiteStore) Revert(ctx context.Context, rec *models.VectorRecord, previous *models.RevisionHead) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		head, err := sqliteHead(ctx, tx, rec.EntityID)
		if err != nil {
			return err
		}
		if head == nil || head.CurrentRevision != rec.Revision || head.CurrentRecordRef != rec.ID {
			return ErrConflict
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM records WHERE entity_id = ? AND revision = ?", rec.EntityID, rec.Revision); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}

		if previous == nil {
			_, err := tx.ExecContext(ctx, "DELETE FROM heads WHERE entity_id = ?", rec.EntityID)
			return err
		}
		if !previous.Deleted {
			if _, err := tx.ExecContext(ctx,
				"UPDATE records SET is_current = TRUE WHERE entity_id = ? AND revision = ? AND NOT is_deleted",
				rec.EntityID, previous.CurrentRevision); err != nil {
				return fmt.Errorf("restore previous record: %w", err)
			}
		}
		return writeHead(ctx, tx, previous)
	})
}

// GetRecord returns a single revision.
func (s *SQLiteStore) GetRecord(ctx context.Context, entityID string, revision int64) (*models.VectorRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM records WHERE entity_id = ? AND revision = ?", entityID, revision)
	rec, err := s.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifySQLite(err)
	}
	return rec, nil
}

// GetRevisions returns all revisions of an entity.
func (s *SQLiteStore) GetRevisions(ctx context.Context, entityID string) ([]*models.VectorRecord, error) {
	return s.queryRecords(ctx, s.db,
		"SELECT "+recordColumns+" FROM records WHERE entity_id = ? ORDER BY revision", entityID)
}

// SoftDelete flags all records of the entity deleted.
func (s *SQLiteStore) SoftDelete(ctx context.Context, entityID string, at time.Time) (int, error) {
	count := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		head, err := sqliteHead(ctx, tx, entityID)
		if err != nil || head == nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE records SET
				is_current = FALSE,
				deleted_at = CASE WHEN is_deleted THEN deleted_at ELSE ? END,
				is_deleted = TRUE
			WHERE entity_id = ? AND (is_current OR NOT is_deleted)`,
			at.UnixNano(), entityID)
		if err != nil {
			return fmt.Errorf("flag records: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		count = int(n)

		head.Deleted = true
		head.CurrentRecordRef = ""
		head.UpdatedAt = at
		return writeHead(ctx, tx, head)
	})
	return count, err
}

// Purge removes every record and the head of the entity.
func (s *SQLiteStore) Purge(ctx context.Context, entityID string) (int, error) {
	count := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM records WHERE entity_id = ?", entityID)
		if err != nil {
			return fmt.Errorf("delete records: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		count = int(n)
		_, err = tx.ExecContext(ctx, "DELETE FROM heads WHERE entity_id = ?", entityID)
		return err
	})
	return count, err
}

// SetCurrent makes revision the single current record.
func (s *SQLiteStore) SetCurrent(ctx context.Context, entityID string, revision int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			id        string
			createdAt int64
		)
		err := tx.QueryRowContext(ctx,
			"SELECT id, created_at FROM records WHERE entity_id = ? AND revision = ? AND NOT is_deleted",
			entityID, revision).Scan(&id, &createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE records SET is_current = (revision = ?) WHERE entity_id = ?", revision, entityID); err != nil {
			return fmt.Errorf("set current flag: %w", err)
		}

		head, err := sqliteHead(ctx, tx, entityID)
		if err != nil {
			return err
		}
		if head == nil {
			head = &models.RevisionHead{EntityID: entityID}
		}
		head.CurrentRevision = max(head.CurrentRevision, revision)
		head.CurrentRecordRef = id
		head.Deleted = false
		if stamp := time.Unix(0, createdAt); head.UpdatedAt.Before(stamp) {
			head.UpdatedAt = stamp
		}
		return writeHead(ctx, tx, head)
	})
}

// Prune removes the given revisions, skipping any current record.
func (s *SQLiteStore) Prune(ctx context.Context, entityID string, revisions []int64) (int, error) {
	if len(revisions) == 0 {
		return 0, nil
	}
	count := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		args := make([]any, 0, len(revisions)+1)
		args = append(args, entityID)
		for _, rev := range revisions {
			args = append(args, rev)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(revisions)), ",")
		res, err := tx.ExecContext(ctx,
			"DELETE FROM records WHERE entity_id = ? AND NOT is_current AND revision IN ("+placeholders+")", args...)
		if err != nil {
			return fmt.Errorf("prune records: %w", err)
		}
		n, err := res.RowsAffected()
		count = int(n)
		return err
	})
	return count, err
}

// ScanUntil walks records in created_at order up to and including asOf.
func (s *SQLiteStore) ScanUntil(ctx context.Context, asOf time.Time, fn func(*models.VectorRecord) error) error {
	return s.scan(ctx, fn,
		"SELECT "+recordColumns+" FROM records WHERE created_at <= ? ORDER BY created_at, entity_id, revision",
		asOf.UnixNano())
}

// ScanCurrent visits every current record.
func (s *SQLiteStore) ScanCurrent(ctx context.Context, fn func(*models.VectorRecord) error) error {
	return s.scan(ctx, fn,
		"SELECT "+recordColumns+" FROM records WHERE is_current AND NOT is_deleted ORDER BY entity_id")
}

// scan materializes the result set in one statement before invoking fn, so
// callbacks never hold the connection.
func (s *SQLiteStore) scan(ctx context.Context, fn func(*models.VectorRecord) error, query string, args ...any) error {
	records, err := s.queryRecords(ctx, s.db, query, args...)
	if err != nil {
		return err
	}
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

// ScanHeads visits every head.
func (s *SQLiteStore) ScanHeads(ctx context.Context, fn func(*models.RevisionHead) error) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT entity_id, current_revision, current_record_ref, updated_at, deleted FROM heads ORDER BY entity_id")
	if err != nil {
		return classifySQLite(err)
	}
	var heads []*models.RevisionHead
	for rows.Next() {
		head, err := headFromRow(rows)
		if err != nil {
			rows.Close()
			return err
		}
		heads = append(heads, head)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return classifySQLite(err)
	}

	for _, head := range heads {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(head); err != nil {
			return err
		}
	}
	return nil
}
