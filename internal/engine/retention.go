package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/kilupskalvis/revec/internal/models"
)

// SoftDelete flags every revision of the entity deleted and removes it from
// the current index. History stays available to GetRevisions, Diff and
// SearchAt before the deletion time. Returns the number of records flagged.
func (e *Engine) SoftDelete(ctx context.Context, entityID string) (int, error) {
	if err := e.validateEntityID(entityID); err != nil {
		return 0, err
	}
	unlock, err := e.locks.Lock(ctx, entityID)
	if err != nil {
		return 0, classify("lock", err, "entity_id", entityID)
	}
	defer unlock()

	var n int
	err = e.retryTransient(ctx, "soft delete", func() error {
		head, err := e.store.GetHead(ctx, entityID)
		if err != nil {
			return err
		}
		var floor time.Time
		if head != nil {
			floor = head.UpdatedAt
		}
		n, err = e.store.SoftDelete(ctx, entityID, e.now(floor))
		return err
	})
	if err != nil {
		return 0, classify("soft delete", err, "entity_id", entityID)
	}
	if err := e.removeFromIndex(ctx, entityID); err != nil {
		return n, err
	}

	e.logger.Info("soft deleted entity",
		slog.String("entity_id", entityID),
		slog.Int("records", n))
	return n, nil
}

// HardDelete physically removes every revision of the entity. This is
// irreversible and is logged at WARN. Returns the number of records removed.
func (e *Engine) HardDelete(ctx context.Context, entityID string) (int, error) {
	if err := e.validateEntityID(entityID); err != nil {
		return 0, err
	}
	unlock, err := e.locks.Lock(ctx, entityID)
	if err != nil {
		return 0, classify("lock", err, "entity_id", entityID)
	}
	defer unlock()

	var n int
	err = e.retryTransient(ctx, "purge", func() error {
		var err error
		n, err = e.store.Purge(ctx, entityID)
		return err
	})
	if err != nil {
		return 0, classify("purge", err, "entity_id", entityID)
	}
	if err := e.removeFromIndex(ctx, entityID); err != nil {
		return n, err
	}

	e.logger.Warn("hard deleted entity",
		slog.String("entity_id", entityID),
		slog.Int("records", n))
	return n, nil
}

// Delete soft-deletes when keepHistory is set and hard-deletes otherwise.
func (e *Engine) Delete(ctx context.Context, entityID string, keepHistory bool) (int, error) {
	if keepHistory {
		return e.SoftDelete(ctx, entityID)
	}
	return e.HardDelete(ctx, entityID)
}

// removeFromIndex drops the entity from the current index. A stale entry
// left behind by a failure is filtered out by search re-validation; the
// error is still reported so the caller can retry the idempotent delete.
func (e *Engine) removeFromIndex(ctx context.Context, entityID string) error {
	err := e.retryTransient(ctx, "index remove", func() error {
		return e.index.Remove(ctx, entityID)
	})
	if err != nil {
		e.logger.Error("failed to remove entity from index",
			slog.String("entity_id", entityID),
			slog.Any("error", err))
		return classify("index remove", err, "entity_id", entityID)
	}
	return nil
}

// RepairReport describes the state of one entity found by Audit or Repair.
type RepairReport struct {
	EntityID string  `json:"entity_id"`
	Problem  string  `json:"problem,omitempty"`
	Current  []int64 `json:"current_before"`
	Selected int64   `json:"selected,omitempty"` // revision made current, 0 if none
	Repaired bool    `json:"repaired"`
	// NeedsReview flags automatic repairs for an operator to confirm.
	NeedsReview bool `json:"needs_review"`
}

// AuditReport summarizes an Audit pass.
type AuditReport struct {
	Checked  int               `json:"checked"`
	Repairs  []*RepairReport   `json:"repairs"`
	Failures map[string]string `json:"failures,omitempty"`
}

// inspect returns a description of the current-flag violation in records, or
// "" when the entity is consistent.
func inspect(head *models.RevisionHead, records []*models.VectorRecord) (string, []int64) {
	var current []int64
	live := 0
	for _, rec := range records {
		if rec.IsCurrent {
			current = append(current, rec.Revision)
			if rec.IsDeleted {
				return fmt.Sprintf("revision %d is current and deleted", rec.Revision), current
			}
		}
		if !rec.IsDeleted {
			live++
		}
	}
	deleted := head != nil && head.Deleted
	switch {
	case len(current) > 1:
		return fmt.Sprintf("%d current records", len(current)), current
	case deleted && len(current) > 0:
		return "current record on a deleted entity", current
	case deleted, len(records) == 0 && head == nil:
		return "", current
	case head == nil:
		return "records without a head", current
	case len(current) == 0 && live > 0:
		return "no current record", current
	case len(current) == 0:
		return "live head without live records", current
	}
	if last := records[len(records)-1]; current[0] != last.Revision && !last.IsDeleted {
		return fmt.Sprintf("current revision %d is not the latest %d", current[0], last.Revision), current
	}
	return "", current
}

// Audit checks every entity's current flags and repairs those that violate
// the single-current invariant.
func (e *Engine) Audit(ctx context.Context) (*AuditReport, error) {
	var heads []*models.RevisionHead
	err := e.retryTransient(ctx, "scan heads", func() error {
		heads = heads[:0]
		return e.store.ScanHeads(ctx, func(h *models.RevisionHead) error {
			heads = append(heads, h)
			return nil
		})
	})
	if err != nil {
		return nil, classify("scan heads", err)
	}

	report := &AuditReport{Repairs: []*RepairReport{}}
	for _, head := range heads {
		if err := ctx.Err(); err != nil {
			return nil, classify("audit", err)
		}
		report.Checked++
		r, err := e.Repair(ctx, head.EntityID)
		if err != nil {
			if report.Failures == nil {
				report.Failures = make(map[string]string)
			}
			report.Failures[head.EntityID] = err.Error()
			continue
		}
		if r.Problem != "" {
			report.Repairs = append(report.Repairs, r)
		}
	}

	e.logger.Info("audit complete",
		slog.Int("checked", report.Checked),
		slog.Int("repaired", len(report.Repairs)),
		slog.Int("failed", len(report.Failures)))
	return report, nil
}

// Repair restores the single-current invariant for one entity: the highest
// non-deleted revision becomes current and is reindexed. Consistent entities
// are left untouched and yield a report with an empty Problem.
func (e *Engine) Repair(ctx context.Context, entityID string) (*RepairReport, error) {
	if err := e.validateEntityID(entityID); err != nil {
		return nil, err
	}
	unlock, err := e.locks.Lock(ctx, entityID)
	if err != nil {
		return nil, classify("lock", err, "entity_id", entityID)
	}
	defer unlock()

	head, err := e.store.GetHead(ctx, entityID)
	if err != nil {
		return nil, classify("get head", err, "entity_id", entityID)
	}
	records, err := e.store.GetRevisions(ctx, entityID)
	if err != nil {
		return nil, classify("get revisions", err, "entity_id", entityID)
	}

	problem, current := inspect(head, records)
	report := &RepairReport{EntityID: entityID, Problem: problem, Current: current}
	if problem == "" {
		if len(current) == 1 {
			report.Selected = current[0]
		}
		return report, nil
	}

	report.NeedsReview = true
	var selected *models.VectorRecord
	if head == nil || !head.Deleted {
		for _, rec := range slices.Backward(records) {
			if !rec.IsDeleted {
				selected = rec
				break
			}
		}
	}

	if selected == nil {
		// Nothing live to promote: settle the entity as soft-deleted.
		var floor time.Time
		if head != nil {
			floor = head.UpdatedAt
		}
		if _, err := e.store.SoftDelete(ctx, entityID, e.now(floor)); err != nil {
			return nil, classify("soft delete", err, "entity_id", entityID)
		}
		if err := e.removeFromIndex(ctx, entityID); err != nil {
			return nil, err
		}
	} else {
		if err := e.store.SetCurrent(ctx, entityID, selected.Revision); err != nil {
			return nil, classify("set current", err, "entity_id", entityID, "revision", selected.Revision)
		}
		selected.IsCurrent = true
		if err := e.retryTransient(ctx, "index upsert", func() error {
			return e.index.Upsert(ctx, selected)
		}); err != nil {
			return nil, classify("index upsert", err, "entity_id", entityID)
		}
		report.Selected = selected.Revision
	}
	report.Repaired = true

	e.logger.Error("repaired current-record invariant violation",
		slog.String("entity_id", entityID),
		slog.String("problem", problem),
		slog.Any("current_before", current),
		slog.Int64("selected", report.Selected))
	return report, nil
}

// CompactPolicy selects history to collapse.
type CompactPolicy struct {
	// Before is the horizon: revisions created strictly before it collapse
	// into the one snapshot that was visible at Before.
	Before time.Time
	// KeepLast revisions per entity are always retained (minimum 1).
	KeepLast int
}

// CompactReport summarizes a Compact pass.
type CompactReport struct {
	Entities int `json:"entities"`
	Pruned   int `json:"pruned"`
}

// compactable returns the revisions of records that Compact may remove.
// records must be ascending by revision.
func compactable(records []*models.VectorRecord, policy CompactPolicy) []int64 {
	keepLast := max(policy.KeepLast, 1)
	snapshot := int64(0)
	for _, rec := range records {
		if !rec.CreatedAt.After(policy.Before) {
			snapshot = rec.Revision
		}
	}

	var prune []int64
	for i, rec := range records {
		if len(records)-i <= keepLast {
			break
		}
		if rec.IsCurrent || rec.Revision == snapshot || !rec.CreatedAt.Before(policy.Before) {
			continue
		}
		prune = append(prune, rec.Revision)
	}
	return prune
}

// Compact collapses old history. Searches at or after policy.Before return
// the same results as before compaction; earlier points in time lose
// detail. Compacted entities no longer start at revision 1.
func (e *Engine) Compact(ctx context.Context, policy CompactPolicy) (*CompactReport, error) {
	if policy.Before.IsZero() {
		return nil, newError(CodeInvalidInput, ErrInvalidInput, fmt.Errorf("compaction horizon is required"))
	}

	var entities []string
	err := e.retryTransient(ctx, "scan heads", func() error {
		entities = entities[:0]
		return e.store.ScanHeads(ctx, func(h *models.RevisionHead) error {
			entities = append(entities, h.EntityID)
			return nil
		})
	})
	if err != nil {
		return nil, classify("scan heads", err)
	}

	report := &CompactReport{}
	for _, entityID := range entities {
		n, err := e.compactEntity(ctx, entityID, policy)
		if err != nil {
			return nil, classify("compact", err, "entity_id", entityID)
		}
		if n > 0 {
			report.Entities++
			report.Pruned += n
		}
	}

	e.logger.Info("compacted history",
		slog.Time("before", policy.Before),
		slog.Int("entities", report.Entities),
		slog.Int("pruned", report.Pruned))
	return report, nil
}

func (e *Engine) compactEntity(ctx context.Context, entityID string, policy CompactPolicy) (int, error) {
	unlock, err := e.locks.Lock(ctx, entityID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	records, err := e.store.GetRevisions(ctx, entityID)
	if err != nil {
		return 0, err
	}
	prune := compactable(records, policy)
	if len(prune) == 0 {
		return 0, nil
	}
	var n int
	err = e.retryTransient(ctx, "prune", func() error {
		var err error
		n, err = e.store.Prune(ctx, entityID, prune)
		return err
	})
	return n, err
}
