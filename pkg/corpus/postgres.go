package corpus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/types"
)

// PostgresStore is the authoritative corpus backend: chunks with
// pgvector embeddings plus the pages table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the corpus database and verifies the
// connection.
func NewPostgresStore(ctx context.Context, cfg config.CorpusConfig) (*PostgresStore, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database url is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.IdleTimeout > 0 {
		poolCfg.MaxConnIdleTime = cfg.IdleTimeout
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// VectorSearch returns the k chunks nearest to vec by cosine distance.
func (s *PostgresStore) VectorSearch(ctx context.Context, vec []float32, k int) ([]types.Chunk, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", ErrFatal)
	}
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, url, content, 1 - (embedding <=> $1) AS similarity
		FROM chunks
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2`,
		pgvector.NewVector(vec), k)
	if err != nil {
		return nil, classify(fmt.Errorf("vector search: %w", err))
	}
	defer rows.Close()

	var chunks []types.Chunk
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(&c.ID, &c.URL, &c.Content, &c.Similarity); err != nil {
			return nil, classify(fmt.Errorf("vector search scan: %w", err))
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("vector search rows: %w", err))
	}

	return chunks, nil
}

// KeywordSearch returns up to k chunks containing text as a
// case-insensitive substring.
func (s *PostgresStore) KeywordSearch(ctx context.Context, text string, k int) ([]types.Chunk, error) {
	if text == "" || k <= 0 {
		return nil, nil
	}

	pattern := "%" + escapeLike(text) + "%"

	rows, err := s.pool.Query(ctx, `
		SELECT id, url, content
		FROM chunks
		WHERE content ILIKE $1
		ORDER BY id
		LIMIT $2`,
		pattern, k)
	if err != nil {
		return nil, classify(fmt.Errorf("keyword search: %w", err))
	}
	defer rows.Close()

	var chunks []types.Chunk
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(&c.ID, &c.URL, &c.Content); err != nil {
			return nil, classify(fmt.Errorf("keyword search scan: %w", err))
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("keyword search rows: %w", err))
	}

	return chunks, nil
}

// PageByURL returns the full page stored under a normalized URL.
func (s *PostgresStore) PageByURL(ctx context.Context, url string) (*types.Page, error) {
	var p types.Page
	err := s.pool.QueryRow(ctx, `
		SELECT id, url, content
		FROM pages
		WHERE url = $1`,
		url).Scan(&p.ID, &p.URL, &p.Content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("page fetch: %w", err))
	}
	return &p, nil
}

// Pool exposes the underlying connection pool for components that
// share the database, such as the identity store.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// escapeLike neutralizes LIKE metacharacters so user text matches
// literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// classify wraps database errors with a retryability kind. Connection
// and cancellation failures are transient; everything else is fatal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exceptions, 57 is operator intervention
		// (shutdown, cancel).
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57") {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
