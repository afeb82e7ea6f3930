package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type embeddingsRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions"`
}

// fakeEmbeddings serves /v1/embeddings, answering each input with vectorFor.
func fakeEmbeddings(t *testing.T, vectorFor func(i int, text string) []float32, seen *embeddingsRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embeddingsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if seen != nil {
			*seen = req
		}

		data := make([]map[string]any, 0, len(req.Input))
		// Answer in reverse to exercise index-based ordering.
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": vectorFor(i, req.Input[i]),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
			"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestProvider(t *testing.T, srv *httptest.Server, dims int) *OpenAI {
	t.Helper()
	p, err := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", Dimensions: dims})
	require.NoError(t, err)
	return p
}

func TestOpenAI_EmbedBatch(t *testing.T) {
	var seen embeddingsRequest
	srv := fakeEmbeddings(t, func(i int, _ string) []float32 {
		return []float32{float32(i), 1, 0}
	}, &seen)
	p := newTestProvider(t, srv, 3)

	vectors, err := p.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1, 0}, {1, 1, 0}}, vectors)

	assert.Equal(t, []string{"alpha", "beta"}, seen.Input)
	assert.Equal(t, string(DefaultModel), seen.Model)
	assert.Equal(t, 3, seen.Dimensions)
	assert.Equal(t, 3, p.Dimensions())
}

func TestOpenAI_Embed(t *testing.T) {
	srv := fakeEmbeddings(t, func(int, string) []float32 { return []float32{0.6, 0.8} }, nil)
	p := newTestProvider(t, srv, 2)

	v, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, v)
}

func TestOpenAI_WrongDimensions(t *testing.T) {
	srv := fakeEmbeddings(t, func(int, string) []float32 { return []float32{1, 2, 3, 4} }, nil)
	p := newTestProvider(t, srv, 2)

	_, err := p.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrDimensions)
}

func TestOpenAI_EmptyInput(t *testing.T) {
	srv := fakeEmbeddings(t, func(int, string) []float32 {
		t.Fatal("no request expected")
		return nil
	}, nil)
	p := newTestProvider(t, srv, 2)

	_, err := p.EmbedBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = p.Embed(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestOpenAI_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	t.Cleanup(srv.Close)
	p := newTestProvider(t, srv, 2)

	_, err := p.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create embeddings")
}

func TestNewOpenAI_Validation(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{Dimensions: 3})
	assert.Error(t, err)
	_, err = NewOpenAI(OpenAIConfig{APIKey: "k"})
	assert.Error(t, err)

	p, err := NewOpenAI(OpenAIConfig{APIKey: "k", Model: "custom-embed", Dimensions: 8})
	require.NoError(t, err)
	assert.Equal(t, "custom-embed", string(p.model))
}
