// Package embedding turns query text into vectors for corpus search.
package embedding

import (
	"context"
	"errors"
	"math"
)

// Common errors returned by embedding providers.
var (
	ErrEmptyInput        = errors.New("empty input text")
	ErrTransient         = errors.New("transient embedding error")
	ErrInvalidCredential = errors.New("embedding credential rejected")
	ErrMalformed         = errors.New("malformed embedding response")
)

// Provider defines the interface for text embedding services.
// Returned vectors are L2-normalized.
type Provider interface {
	// Embed converts a single text into a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension for this provider.
	Dimension() int

	// ModelName returns the name of the embedding model.
	ModelName() string
}

// Normalize scales vec to unit L2 norm in place. It reports false and
// leaves the vector untouched when the norm is zero.
func Normalize(vec []float32) bool {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return false
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return true
}
