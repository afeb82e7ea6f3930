// Package weaviate provides a Weaviate-backed current index. The Client wraps
// weaviate-go-client for schema, object and near-vector operations.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/kilupskalvis/revec/internal/index"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	weaviatemodels "github.com/weaviate/weaviate/entities/models"
)

// Fixed properties stored on every object.
const (
	propEntityID  = "entity_id"
	propRevision  = "revision"
	propCreatedAt = "created_at"
)

// Client wraps the Weaviate client with revec-specific functionality
type Client struct {
	client *weaviate.Client
	url    string
}

// NewClient creates a new Weaviate client
func NewClient(url string) (*Client, error) {
	cfg := weaviate.Config{
		Host:   url,
		Scheme: "http",
	}

	if host, ok := strings.CutPrefix(url, "http://"); ok {
		cfg.Host = host
	} else if host, ok := strings.CutPrefix(url, "https://"); ok {
		cfg.Host = host
		cfg.Scheme = "https"
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	return &Client{
		client: client,
		url:    url,
	}, nil
}

// Ping checks if Weaviate is reachable
func (c *Client) Ping(ctx context.Context) error {
	live, err := c.client.Misc().LiveChecker().Do(ctx)
	if err != nil {
		return classify(fmt.Errorf("failed to connect to Weaviate: %w", err))
	}
	if !live {
		return fmt.Errorf("%w: weaviate is not live", index.ErrUnavailable)
	}
	return nil
}

// classify marks connection failures, throttling and server errors as
// index.ErrUnavailable so callers retry them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var werr *fault.WeaviateClientError
	if errors.As(err, &werr) {
		if werr.StatusCode == 0 || werr.StatusCode == http.StatusTooManyRequests || werr.StatusCode >= 500 {
			return fmt.Errorf("%w: %w", index.ErrUnavailable, err)
		}
	}
	return err
}

func isNotFound(err error) bool {
	var werr *fault.WeaviateClientError
	return errors.As(err, &werr) && werr.StatusCode == http.StatusNotFound
}

// ClassExists reports whether the class is defined.
func (c *Client) ClassExists(ctx context.Context, className string) (bool, error) {
	ok, err := c.client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
	return ok, classify(err)
}

// CreateClass creates a class for externally supplied vectors compared by
// cosine distance.
func (c *Client) CreateClass(ctx context.Context, className string) error {
	classObj := &weaviatemodels.Class{
		Class:       className,
		Description: "revec current records",
		Vectorizer:  "none",
		VectorIndexConfig: map[string]any{
			"distance": "cosine",
		},
		Properties: []*weaviatemodels.Property{
			{Name: propEntityID, DataType: []string{"text"}, Tokenization: "field"},
			{Name: propRevision, DataType: []string{"int"}},
			{Name: propCreatedAt, DataType: []string{"text"}, Tokenization: "field"},
		},
	}
	return classify(c.client.Schema().ClassCreator().WithClass(classObj).Do(ctx))
}

// DeleteClass deletes a class and all of its objects
func (c *Client) DeleteClass(ctx context.Context, className string) error {
	err := c.client.Schema().ClassDeleter().WithClassName(className).Do(ctx)
	if isNotFound(err) {
		return nil
	}
	return classify(err)
}

// PutObject creates the object or replaces it when the id already exists.
func (c *Client) PutObject(ctx context.Context, obj *Object) error {
	exists, err := c.client.Data().Checker().
		WithClassName(obj.Class).
		WithID(obj.ID).
		Do(ctx)
	if err != nil {
		return classify(fmt.Errorf("check object %s: %w", obj.ID, err))
	}

	if exists {
		err = c.client.Data().Updater().
			WithClassName(obj.Class).
			WithID(obj.ID).
			WithProperties(obj.Properties).
			WithVector(obj.Vector).
			Do(ctx)
		return classify(err)
	}

	_, err = c.client.Data().Creator().
		WithClassName(obj.Class).
		WithID(obj.ID).
		WithProperties(obj.Properties).
		WithVector(obj.Vector).
		Do(ctx)
	return classify(err)
}

// DeleteObject deletes an object by class and ID. Missing objects are ignored.
func (c *Client) DeleteObject(ctx context.Context, className, objectID string) error {
	err := c.client.Data().Deleter().
		WithClassName(className).
		WithID(objectID).
		Do(ctx)
	if isNotFound(err) {
		return nil
	}
	return classify(err)
}

// NearVector runs a GraphQL Get with a nearVector argument.
func (c *Client) NearVector(ctx context.Context, req NearVectorRequest) ([]*Object, error) {
	fields := make([]graphql.Field, 0, len(req.Fields)+1)
	for _, f := range req.Fields {
		fields = append(fields, graphql.Field{Name: f})
	}
	fields = append(fields, graphql.Field{
		Name: "_additional",
		Fields: []graphql.Field{
			{Name: "id"},
			{Name: "distance"},
		},
	})

	nearVector := c.client.GraphQL().NearVectorArgBuilder().WithVector(req.Vector)
	if req.MaxDistance != nil {
		nearVector = nearVector.WithDistance(*req.MaxDistance)
	}

	get := c.client.GraphQL().Get().
		WithClassName(req.Class).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(req.Limit)
	if where := buildWhere(req.Where); where != nil {
		get = get.WithWhere(where)
	}

	result, err := get.Do(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("near vector query on %s: %w", req.Class, err))
	}
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("near vector query on %s: %s", req.Class, strings.Join(msgs, "; "))
	}

	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected get response format")
	}
	rows, _ := data[req.Class].([]interface{})

	objects := make([]*Object, 0, len(rows))
	for _, row := range rows {
		props, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		obj := &Object{Class: req.Class, Properties: make(map[string]any, len(props))}
		for k, v := range props {
			if k == "_additional" {
				if add, ok := v.(map[string]interface{}); ok {
					obj.ID, _ = add["id"].(string)
					obj.Distance, _ = add["distance"].(float64)
				}
				continue
			}
			obj.Properties[k] = v
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// buildWhere combines equality predicates with AND.
func buildWhere(where map[string]any) *filters.WhereBuilder {
	if len(where) == 0 {
		return nil
	}
	operands := make([]*filters.WhereBuilder, 0, len(where))
	for _, prop := range slices.Sorted(maps.Keys(where)) {
		w := filters.Where().WithPath([]string{prop}).WithOperator(filters.Equal)
		switch v := where[prop].(type) {
		case string:
			w = w.WithValueText(v)
		case float64:
			w = w.WithValueNumber(v)
		case bool:
			w = w.WithValueBoolean(v)
		case int64:
			w = w.WithValueInt(v)
		default:
			w = w.WithValueText(fmt.Sprint(v))
		}
		operands = append(operands, w)
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

// GetClassCount returns the number of objects in a class using aggregate query
func (c *Client) GetClassCount(ctx context.Context, className string) (int, error) {
	metaField := graphql.Field{
		Name: "meta",
		Fields: []graphql.Field{
			{Name: "count"},
		},
	}

	result, err := c.client.GraphQL().Aggregate().
		WithClassName(className).
		WithFields(metaField).
		Do(ctx)
	if err != nil {
		return 0, classify(fmt.Errorf("failed to get count for %s: %w", className, err))
	}

	// Parse the aggregate result
	data, ok := result.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("unexpected aggregate response format")
	}

	classData, ok := data[className].([]interface{})
	if !ok || len(classData) == 0 {
		return 0, nil
	}

	first, ok := classData[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}

	meta, ok := first["meta"].(map[string]interface{})
	if !ok {
		return 0, nil
	}

	count, ok := meta["count"].(float64)
	if !ok {
		return 0, nil
	}

	return int(count), nil
}
