// Package models defines the core data structures used throughout revec
// including revision-stamped vector records, entity heads, and search types.
package models

import (
	"time"
)

// VectorRecord is one immutable, revision-stamped snapshot of an entity.
// Only IsCurrent, IsDeleted and the DeletedAt stamp change after commit.
type VectorRecord struct {
	ID        string     `json:"id"`
	EntityID  string     `json:"entity_id"`
	Revision  int64      `json:"revision"`
	Vector    []float32  `json:"vector"`
	Metadata  Metadata   `json:"metadata"`
	CreatedAt time.Time  `json:"created_at"`
	IsCurrent bool       `json:"is_current"`
	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"` // set together with IsDeleted
}

// RecordRef identifies a committed record.
type RecordRef struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
}

// Ref returns the reference for the record.
func (r *VectorRecord) Ref() RecordRef {
	return RecordRef{
		ID:        r.ID,
		EntityID:  r.EntityID,
		Revision:  r.Revision,
		CreatedAt: r.CreatedAt,
	}
}

// Clone returns a deep copy so callers can never mutate stored state.
func (r *VectorRecord) Clone() *VectorRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Vector != nil {
		c.Vector = make([]float32, len(r.Vector))
		copy(c.Vector, r.Vector)
	}
	c.Metadata = r.Metadata.Clone()
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// Live reports whether the record is the searchable current state.
func (r *VectorRecord) Live() bool {
	return r.IsCurrent && !r.IsDeleted
}

// DeletedBy reports whether the record acts as a delete marker at t.
// A deleted record without a stamp is treated as deleted at all times.
func (r *VectorRecord) DeletedBy(t time.Time) bool {
	if !r.IsDeleted {
		return false
	}
	if r.DeletedAt == nil {
		return true
	}
	return !r.DeletedAt.After(t)
}
