// Package corpus provides read access to the documentation corpus:
// vector similarity search, keyword search, and page fetch by URL.
// The corpus is written by an external ingestion pipeline; every
// operation here is read-only.
package corpus

import (
	"context"
	"errors"

	"github.com/quarrylabs/quarry/pkg/types"
)

// Common errors. Transient errors are worth retrying or degrading
// around; fatal errors indicate a bad request or corrupt state.
var (
	ErrNotFound  = errors.New("not found")
	ErrTransient = errors.New("transient corpus error")
	ErrFatal     = errors.New("corpus error")
)

// VectorSearcher runs similarity search over the chunk embeddings.
// It is the piece that can be swapped to an external vector database
// while keyword search and page fetch stay on Postgres.
type VectorSearcher interface {
	// VectorSearch returns up to k chunks nearest to the query vector,
	// ordered by descending similarity. Chunks without embeddings are
	// never returned.
	VectorSearch(ctx context.Context, vec []float32, k int) ([]types.Chunk, error)
}

// Store is the full corpus access surface.
type Store interface {
	VectorSearcher

	// KeywordSearch returns up to k chunks whose content contains the
	// query text, case-insensitively.
	KeywordSearch(ctx context.Context, text string, k int) ([]types.Chunk, error)

	// PageByURL returns the full page for a normalized URL, or
	// ErrNotFound.
	PageByURL(ctx context.Context, url string) (*types.Page, error)

	// Close releases resources.
	Close()
}

// composite routes vector search to an external backend while keeping
// keyword search and page fetch on the base store.
type composite struct {
	*PostgresStore
	vs VectorSearcher
}

// WithVectorBackend returns a Store that delegates vector search to vs
// and everything else to base.
func WithVectorBackend(base *PostgresStore, vs VectorSearcher) Store {
	return &composite{PostgresStore: base, vs: vs}
}

func (c *composite) VectorSearch(ctx context.Context, vec []float32, k int) ([]types.Chunk, error) {
	return c.vs.VectorSearch(ctx, vec, k)
}
