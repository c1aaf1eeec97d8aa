package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/menta2k/hwassist/pkg/client"
)

const (
	DefaultEmbeddingDimensions = 768
	DefaultLookupLimit         = 5
	// DefaultMaxDistance is the cosine distance under which a document counts as related
	DefaultMaxDistance = 0.35
)

// Document is one row of the reference catalog
type Document struct {
	Product string
	Title   string
	Path    string
	Content string
}

// PostgresOptions configures a PostgresCatalog. Embedder is optional; without
// it lookups match on product name only.
type PostgresOptions struct {
	Embedder    client.Embedder
	EmbedModel  string
	Dimensions  int
	Limit       int
	MaxDistance float64
	Logger      *slog.Logger
}

// PostgresCatalog keeps reference documents in PostgreSQL, optionally ranked by
// pgvector similarity between the product name and each document's embedding
type PostgresCatalog struct {
	pool *pgxpool.Pool
	opts PostgresOptions
}

// NewPostgresCatalog connects, verifies the connection and ensures the schema exists
func NewPostgresCatalog(ctx context.Context, connString string, opts PostgresOptions) (*PostgresCatalog, error) {
	if opts.Dimensions <= 0 {
		opts.Dimensions = DefaultEmbeddingDimensions
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLookupLimit
	}
	if opts.MaxDistance <= 0 {
		opts.MaxDistance = DefaultMaxDistance
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := &PostgresCatalog{pool: pool, opts: opts}
	if err := c.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return c, nil
}

func (c *PostgresCatalog) initSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS reference_documents (
			id BIGSERIAL PRIMARY KEY,
			product TEXT NOT NULL,
			title TEXT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			content TEXT NOT NULL DEFAULT '',
			embedding VECTOR(%d),
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS reference_documents_product_idx ON reference_documents (lower(product));
	`, c.opts.Dimensions)
	_, err := c.pool.Exec(ctx, query)
	return err
}

// Close closes the connection pool
func (c *PostgresCatalog) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// Add inserts or replaces a document, embedding its product and title when an
// embedder is configured
func (c *PostgresCatalog) Add(ctx context.Context, doc Document) error {
	if doc.Path == "" || doc.Product == "" {
		return fmt.Errorf("document path and product are required")
	}
	if doc.Title == "" {
		doc.Title = doc.Product
	}

	var embedding *pgvector.Vector
	if vec, err := c.embed(ctx, doc.Product+" "+doc.Title); err != nil {
		c.opts.Logger.Warn("storing document without embedding", "path", doc.Path, "error", err)
	} else if vec != nil {
		embedding = vec
	}

	_, err := c.pool.Exec(ctx, `
		INSERT INTO reference_documents (product, title, path, content, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (path) DO UPDATE SET
			product = EXCLUDED.product,
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding
	`, doc.Product, doc.Title, doc.Path, doc.Content, embedding)
	if err != nil {
		return fmt.Errorf("failed to store document %s: %w", doc.Path, err)
	}
	return nil
}

// Lookup returns paths of documents whose product name contains product. With an
// embedder, documents within MaxDistance are included and results are ordered by
// similarity.
func (c *PostgresCatalog) Lookup(ctx context.Context, product string) ([]string, error) {
	if product == "" {
		return nil, nil
	}
	pattern := "%" + product + "%"

	vec, err := c.embed(ctx, product)
	if err != nil {
		c.opts.Logger.Warn("similarity lookup unavailable, matching by name", "product", product, "error", err)
	}

	var rows pgx.Rows
	if vec != nil {
		rows, err = c.pool.Query(ctx, `
			SELECT path FROM reference_documents
			WHERE product ILIKE $1 OR (embedding IS NOT NULL AND embedding <=> $2 < $3)
			ORDER BY embedding <=> $2 NULLS LAST, path
			LIMIT $4
		`, pattern, vec, c.opts.MaxDistance, c.opts.Limit)
	} else {
		rows, err = c.pool.Query(ctx, `
			SELECT path FROM reference_documents
			WHERE product ILIKE $1
			ORDER BY path
			LIMIT $2
		`, pattern, c.opts.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}

	paths, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	return paths, nil
}

// Content returns the stored text of a document
func (c *PostgresCatalog) Content(ctx context.Context, ref string) (string, error) {
	var content string
	err := c.pool.QueryRow(ctx, "SELECT content FROM reference_documents WHERE path = $1", ref).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("document not found: %s", ref)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load document %s: %w", ref, err)
	}
	return content, nil
}

// embed returns nil without error when no embedder is configured
func (c *PostgresCatalog) embed(ctx context.Context, text string) (*pgvector.Vector, error) {
	if c.opts.Embedder == nil {
		return nil, nil
	}
	vec, err := c.opts.Embedder.Embed(ctx, c.opts.EmbedModel, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != c.opts.Dimensions {
		return nil, fmt.Errorf("embedding has %d dimensions, catalog expects %d", len(vec), c.opts.Dimensions)
	}
	v := pgvector.NewVector(vec)
	return &v, nil
}
