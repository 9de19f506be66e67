package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"pastebin-lite/internal/storage"
)

// Store implements storage.Store using SQLite.
//
// Timestamps are stored as unix seconds so range comparisons stay numeric.
type Store struct {
	db *sql.DB
}

// Open initializes the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := initialize(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initialize(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS pastes (
    id TEXT PRIMARY KEY,
    content BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    ttl_seconds INTEGER,
    expires_at INTEGER,
    max_views INTEGER,
    view_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes (expires_at);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Save inserts a paste; an existing id yields storage.ErrDuplicate.
func (s *Store) Save(ctx context.Context, paste *storage.Paste) error {
	if paste == nil {
		return errors.New("paste is nil")
	}

	const q = `
INSERT INTO pastes (id, content, created_at, ttl_seconds, expires_at, max_views, view_count)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`
	res, err := s.db.ExecContext(ctx, q,
		paste.ID,
		[]byte(paste.Content),
		paste.CreatedAt.UTC().Unix(),
		nullInt(paste.TTLSeconds),
		nullableUnix(paste.ExpiresAt),
		nullInt(paste.MaxViews),
		paste.ViewCount,
	)
	if err != nil {
		return fmt.Errorf("save paste: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return storage.ErrDuplicate
	}
	return nil
}

// Get fetches a paste by id.
func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	const q = `
SELECT id, content, created_at, ttl_seconds, expires_at, max_views, view_count
FROM pastes WHERE id = ?;
`
	row := s.db.QueryRowContext(ctx, q, id)

	var (
		content   []byte
		createdAt int64
		ttl       sql.NullInt64
		expiresAt sql.NullInt64
		maxViews  sql.NullInt64
		viewCount int
	)
	if err := row.Scan(&id, &content, &createdAt, &ttl, &expiresAt, &maxViews, &viewCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("query paste: %w", err)
	}

	paste := &storage.Paste{
		ID:         id,
		Content:    string(content),
		CreatedAt:  time.Unix(createdAt, 0).UTC(),
		TTLSeconds: int(ttl.Int64),
		MaxViews:   int(maxViews.Int64),
		ViewCount:  viewCount,
	}
	if expiresAt.Valid {
		paste.ExpiresAt = time.Unix(expiresAt.Int64, 0).UTC()
	}
	return paste, nil
}

// IncrementViews adds one view unless the paste's view limit is reached.
func (s *Store) IncrementViews(ctx context.Context, id string) (int, error) {
	const q = `
UPDATE pastes SET view_count = view_count + 1
WHERE id = ? AND (max_views IS NULL OR view_count < max_views)
RETURNING view_count;`
	var count int
	err := s.db.QueryRowContext(ctx, q, id).Scan(&count)
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("increment views: %w", err)
	}
	if err := s.exists(ctx, id); err != nil {
		return 0, err
	}
	return 0, storage.ErrExhausted
}

// DeleteExpired removes all expired pastes.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	const q = `DELETE FROM pastes WHERE expires_at IS NOT NULL AND expires_at <= ?;`
	res, err := s.db.ExecContext(ctx, q, before.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(rows), nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullableUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Unix()
}

func nullInt(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}
