package weaviate

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/kilupskalvis/revec/internal/similarity"
)

// MockClient is an in-memory implementation of ClientInterface for testing.
// NearVector scores with cosine distance like a class created by CreateClass.
type MockClient struct {
	mu sync.Mutex
	// Objects stores objects by class, then object ID
	Objects map[string]map[string]*Object
	// Err can be set to make methods return an error
	Err error
	// Requests records every NearVector request
	Requests []NearVectorRequest
}

// NewMockClient creates a new MockClient for testing.
func NewMockClient() *MockClient {
	return &MockClient{
		Objects: make(map[string]map[string]*Object),
	}
}

// ClassExists reports whether the class was created.
func (m *MockClient) ClassExists(ctx context.Context, className string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	_, ok := m.Objects[className]
	return ok, nil
}

// CreateClass registers an empty class.
func (m *MockClient) CreateClass(ctx context.Context, className string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.Objects[className]; ok {
		return fmt.Errorf("class %s already exists", className)
	}
	m.Objects[className] = make(map[string]*Object)
	return nil
}

// DeleteClass removes a class and its objects.
func (m *MockClient) DeleteClass(ctx context.Context, className string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.Objects, className)
	return nil
}

// PutObject stores a copy of obj.
func (m *MockClient) PutObject(ctx context.Context, obj *Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	class, ok := m.Objects[obj.Class]
	if !ok {
		return fmt.Errorf("class %s not found", obj.Class)
	}
	class[obj.ID] = &Object{
		ID:         obj.ID,
		Class:      obj.Class,
		Properties: maps.Clone(obj.Properties),
		Vector:     slices.Clone(obj.Vector),
	}
	return nil
}

// DeleteObject removes an object; missing objects are ignored.
func (m *MockClient) DeleteObject(ctx context.Context, className, objectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.Objects[className], objectID)
	return nil
}

// NearVector filters, scores and sorts objects by cosine distance.
func (m *MockClient) NearVector(ctx context.Context, req NearVectorRequest) ([]*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.Requests = append(m.Requests, req)

	class, ok := m.Objects[req.Class]
	if !ok {
		return nil, fmt.Errorf("class %s not found", req.Class)
	}

	var out []*Object
	for _, obj := range class {
		if !matchesWhere(obj.Properties, req.Where) {
			continue
		}
		distance := 1 - similarity.Cosine(req.Vector, obj.Vector)
		if req.MaxDistance != nil && distance > float64(*req.MaxDistance) {
			continue
		}
		props := make(map[string]any, len(req.Fields))
		for _, f := range req.Fields {
			if v, ok := obj.Properties[f]; ok {
				props[f] = v
			}
		}
		out = append(out, &Object{ID: obj.ID, Class: obj.Class, Properties: props, Distance: distance})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func matchesWhere(props map[string]any, where map[string]any) bool {
	for k, want := range where {
		if got, ok := props[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// GetClassCount returns the number of objects in a class.
func (m *MockClient) GetClassCount(ctx context.Context, className string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return len(m.Objects[className]), nil
}
