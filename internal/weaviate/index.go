package weaviate

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/revec/internal/index"
	"github.com/kilupskalvis/revec/internal/models"
	"github.com/kilupskalvis/revec/internal/similarity"
)

// DefaultClass is the class used when none is configured.
const DefaultClass = "RevecRecord"

// metaPrefix marks properties that carry record metadata.
const metaPrefix = "meta_"

// objectNamespace derives stable object ids from entity ids, so an upsert of
// a newer revision replaces the entity's object in place.
var objectNamespace = uuid.MustParse("0d3c5e7a-8f61-4c51-9f0a-3b7e0d2a6c41")

// Compile-time interface check.
var _ index.Index = (*Index)(nil)

// Index is an index.Index kept in a Weaviate class. It holds one object per
// live entity whose id is derived from the entity id.
type Index struct {
	client    ClientInterface
	className string
	dimension int
}

// NewIndex binds an index to className, creating the class when missing.
func NewIndex(ctx context.Context, client ClientInterface, className string, dimension int) (*Index, error) {
	if className == "" {
		className = DefaultClass
	}
	idx := &Index{client: client, className: className, dimension: dimension}
	if err := idx.ensureClass(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (x *Index) ensureClass(ctx context.Context) error {
	exists, err := x.client.ClassExists(ctx, x.className)
	if err != nil {
		return fmt.Errorf("check class %s: %w", x.className, err)
	}
	if exists {
		return nil
	}
	if err := x.client.CreateClass(ctx, x.className); err != nil {
		return fmt.Errorf("create class %s: %w", x.className, err)
	}
	return nil
}

// ObjectID returns the Weaviate object id for an entity.
func ObjectID(entityID string) string {
	return uuid.NewSHA1(objectNamespace, []byte(entityID)).String()
}

// PropertyName maps a metadata key to a valid Weaviate property name.
// Letters and digits pass through, '_' doubles, and any other byte becomes
// '_' followed by two hex digits, so distinct keys never collide.
func PropertyName(key string) string {
	var b strings.Builder
	b.WriteString(metaPrefix)
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '_':
			b.WriteString("__")
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}

// Upsert writes rec as the entity's object.
func (x *Index) Upsert(ctx context.Context, rec *models.VectorRecord) error {
	if len(rec.Vector) != x.dimension {
		return fmt.Errorf("index dimension %d, got vector of %d", x.dimension, len(rec.Vector))
	}
	props := map[string]any{
		propEntityID:  rec.EntityID,
		propRevision:  rec.Revision,
		propCreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	rec.Metadata.Range(func(key string, value any) bool {
		props[PropertyName(key)] = value
		return true
	})

	obj := &Object{
		ID:         ObjectID(rec.EntityID),
		Class:      x.className,
		Properties: props,
		Vector:     slices.Clone(rec.Vector),
	}
	if err := x.client.PutObject(ctx, obj); err != nil {
		return fmt.Errorf("upsert %s: %w", rec.EntityID, err)
	}
	return nil
}

// Remove deletes the entity's object.
func (x *Index) Remove(ctx context.Context, entityID string) error {
	if err := x.client.DeleteObject(ctx, x.className, ObjectID(entityID)); err != nil {
		return fmt.Errorf("remove %s: %w", entityID, err)
	}
	return nil
}

// Search runs a near-vector query with filters pushed down as equality
// predicates. Scores are 1 - cosine distance.
func (x *Index) Search(ctx context.Context, q models.Query) ([]index.Hit, error) {
	filters, err := q.Filters.Normalize()
	if err != nil {
		return nil, err
	}

	req := NearVectorRequest{
		Class:  x.className,
		Vector: q.Vector,
		Limit:  q.EffectiveLimit(),
		Fields: []string{propEntityID, propRevision, propCreatedAt},
	}
	if floor := q.Floor(); floor > -1 {
		d := float32(1 - floor)
		req.MaxDistance = &d
	}
	if len(filters) > 0 {
		req.Where = make(map[string]any, len(filters))
		for k, v := range filters {
			req.Where[PropertyName(k)] = v
		}
	}

	objects, err := x.client.NearVector(ctx, req)
	if err != nil {
		return nil, err
	}

	hits := make([]index.Hit, 0, len(objects))
	for _, obj := range objects {
		hit, ok := hitFromObject(obj)
		if !ok || hit.Score < q.Floor() {
			continue
		}
		hits = append(hits, hit)
	}
	return similarity.Rank(hits, index.Hit.Key, q.EffectiveLimit()), nil
}

func hitFromObject(obj *Object) (index.Hit, bool) {
	entityID, _ := obj.Properties[propEntityID].(string)
	if entityID == "" {
		return index.Hit{}, false
	}
	hit := index.Hit{
		EntityID: entityID,
		Score:    1 - obj.Distance,
	}
	switch rev := obj.Properties[propRevision].(type) {
	case float64:
		hit.Revision = int64(math.Round(rev))
	case int64:
		hit.Revision = rev
	case int:
		hit.Revision = int64(rev)
	}
	if s, ok := obj.Properties[propCreatedAt].(string); ok {
		hit.CreatedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	return hit, true
}

// Len returns the number of objects in the class.
func (x *Index) Len(ctx context.Context) (int, error) {
	return x.client.GetClassCount(ctx, x.className)
}

// Clear drops and recreates the class.
func (x *Index) Clear(ctx context.Context) error {
	if err := x.client.DeleteClass(ctx, x.className); err != nil {
		return fmt.Errorf("delete class %s: %w", x.className, err)
	}
	return x.ensureClass(ctx)
}

// Close is a no-op; the HTTP client holds no resources that need releasing.
func (x *Index) Close() error {
	return nil
}
