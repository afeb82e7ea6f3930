package models

import "time"

// RevisionHead is the per-entity pointer used for revision allocation and
// fast current lookup. CurrentRevision is the highest committed revision and
// doubles as the compare-and-set token.
type RevisionHead struct {
	EntityID         string    `json:"entity_id"`
	CurrentRevision  int64     `json:"current_revision"`
	CurrentRecordRef string    `json:"current_record_ref,omitempty"` // empty while Deleted
	UpdatedAt        time.Time `json:"updated_at"`
	Deleted          bool      `json:"deleted"` // soft-deleted, no current record
}

// Revision returns the head revision, 0 for a nil head.
func (h *RevisionHead) Revision() int64 {
	if h == nil {
		return 0
	}
	return h.CurrentRevision
}

// Clone returns a copy of the head.
func (h *RevisionHead) Clone() *RevisionHead {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}
