package models

import "reflect"

// FieldChangeKind classifies a metadata change between two revisions.
type FieldChangeKind string

const (
	FieldAdded    FieldChangeKind = "added"
	FieldRemoved  FieldChangeKind = "removed"
	FieldModified FieldChangeKind = "modified"
)

// FieldChange is one metadata key that differs between two revisions.
type FieldChange struct {
	Key    string          `json:"key"`
	Kind   FieldChangeKind `json:"kind"`
	Before any             `json:"before,omitempty"`
	After  any             `json:"after,omitempty"`
}

// RevisionDiff compares two revisions of one entity.
// SemanticDrift is 1 - cosine(vectorA, vectorB).
type RevisionDiff struct {
	EntityID        string        `json:"entity_id"`
	RevisionA       int64         `json:"revision_a"`
	RevisionB       int64         `json:"revision_b"`
	ChangedMetadata []FieldChange `json:"changed_metadata"`
	SemanticDrift   float64       `json:"semantic_drift"`
}

// DiffMetadata lists changed keys: keys of a in order, then keys only in b.
func DiffMetadata(a, b Metadata) []FieldChange {
	changes := make([]FieldChange, 0)

	a.Range(func(k string, before any) bool {
		after, ok := b.Get(k)
		switch {
		case !ok:
			changes = append(changes, FieldChange{Key: k, Kind: FieldRemoved, Before: before})
		case !reflect.DeepEqual(before, after):
			changes = append(changes, FieldChange{Key: k, Kind: FieldModified, Before: before, After: after})
		}
		return true
	})

	b.Range(func(k string, after any) bool {
		if _, ok := a.Get(k); !ok {
			changes = append(changes, FieldChange{Key: k, Kind: FieldAdded, After: after})
		}
		return true
	})

	return changes
}
