package weaviate

import (
	"context"
)

// Object is a Weaviate object as exchanged with ClientInterface.
type Object struct {
	ID         string
	Class      string
	Properties map[string]any
	Vector     []float32
	Distance   float64 // set on near-vector results
}

// NearVectorRequest describes a near-vector GraphQL Get query.
type NearVectorRequest struct {
	Class       string
	Vector      []float32
	Limit       int
	MaxDistance *float32       // nil leaves the distance unbounded
	Where       map[string]any // property -> value, combined with AND
	Fields      []string       // properties to return
}

// ClientInterface defines the contract for Weaviate client operations.
// This interface enables mocking for testing the index.
type ClientInterface interface {
	// Schema operations
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, className string) error
	DeleteClass(ctx context.Context, className string) error

	// Object operations
	PutObject(ctx context.Context, obj *Object) error
	DeleteObject(ctx context.Context, className, objectID string) error

	// Query operations
	NearVector(ctx context.Context, req NearVectorRequest) ([]*Object, error)
	GetClassCount(ctx context.Context, className string) (int, error)
}

// Verify that *Client implements ClientInterface at compile time
var _ ClientInterface = (*Client)(nil)
