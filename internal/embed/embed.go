// Package embed turns text into vectors for callers that do not bring their
// own embeddings. The engine itself only ever sees vectors.
package embed

import (
	"context"
	"errors"
)

var (
	// ErrEmptyInput is returned when there is no text to embed.
	ErrEmptyInput = errors.New("nothing to embed")
	// ErrDimensions is returned when the provider answers with vectors of an
	// unexpected length.
	ErrDimensions = errors.New("unexpected embedding dimensions")
)

// Provider produces fixed-length embeddings.
type Provider interface {
	// Embed returns the embedding of one text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one embedding per text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the length of every returned vector.
	Dimensions() int
}
