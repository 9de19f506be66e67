// Package pgstore stores pastes in PostgreSQL through a pgx connection pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pastebin-lite/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS pastes (
    id          TEXT PRIMARY KEY,
    content     TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    ttl_seconds BIGINT,
    expires_at  TIMESTAMPTZ,
    max_views   BIGINT,
    view_count  BIGINT NOT NULL DEFAULT 0 CHECK (view_count >= 0)
);
CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes (expires_at) WHERE expires_at IS NOT NULL;
`

// Store implements storage.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	dbctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(dbctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(dbctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(dbctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Save inserts a paste; an existing id yields storage.ErrDuplicate.
func (s *Store) Save(ctx context.Context, paste *storage.Paste) error {
	if paste == nil {
		return errors.New("paste is nil")
	}
	const q = `
INSERT INTO pastes (id, content, created_at, ttl_seconds, expires_at, max_views, view_count)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`
	tag, err := s.pool.Exec(ctx, q,
		paste.ID,
		paste.Content,
		paste.CreatedAt.UTC(),
		nullInt(paste.TTLSeconds),
		nullTime(paste.ExpiresAt),
		nullInt(paste.MaxViews),
		paste.ViewCount,
	)
	if err != nil {
		return fmt.Errorf("save paste: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrDuplicate
	}
	return nil
}

// Get fetches a paste by id.
func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	const q = `
SELECT id, content, created_at, ttl_seconds, expires_at, max_views, view_count
FROM pastes WHERE id = $1`
	var (
		p         storage.Paste
		ttl       *int64
		expiresAt *time.Time
		maxViews  *int64
		viewCount int64
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.Content, &p.CreatedAt, &ttl, &expiresAt, &maxViews, &viewCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query paste: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.ViewCount = int(viewCount)
	if ttl != nil {
		p.TTLSeconds = int(*ttl)
	}
	if expiresAt != nil {
		p.ExpiresAt = expiresAt.UTC()
	}
	if maxViews != nil {
		p.MaxViews = int(*maxViews)
	}
	return &p, nil
}

// IncrementViews adds one view unless the paste's view limit is reached.
// The update and the existence check run as one statement.
func (s *Store) IncrementViews(ctx context.Context, id string) (int, error) {
	const q = `
WITH upd AS (
    UPDATE pastes SET view_count = view_count + 1
    WHERE id = $1 AND (max_views IS NULL OR view_count < max_views)
    RETURNING view_count
)
SELECT (SELECT view_count FROM upd), EXISTS (SELECT 1 FROM pastes WHERE id = $1)`
	var (
		count  *int64
		exists bool
	)
	if err := s.pool.QueryRow(ctx, q, id).Scan(&count, &exists); err != nil {
		return 0, fmt.Errorf("increment views: %w", err)
	}
	if count != nil {
		return int(*count), nil
	}
	if !exists {
		return 0, storage.ErrNotFound
	}
	return 0, storage.ErrExhausted
}

// DeleteExpired removes all pastes with expiry at or before the given time.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pastes WHERE expires_at IS NOT NULL AND expires_at <= $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullInt(n int) any {
	if n <= 0 {
		return nil
	}
	return int64(n)
}
