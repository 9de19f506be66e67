package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"pastebin-lite/internal/storage"
)

var (
	pasteBucket  = []byte("pastes")
	expireBucket = []byte("expires")

	errBuckets = errors.New("buckets not initialized")
)

// Store implements storage.Store backed by BoltDB.
//
// bbolt runs one read-write transaction at a time, which is what makes
// IncrementViews atomic.
type Store struct {
	db *bolt.DB
}

// Open initializes a BoltDB-backed store located at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pasteBucket); err != nil {
			return fmt.Errorf("create paste bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(expireBucket); err != nil {
			return fmt.Errorf("create expire bucket: %w", err)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Save inserts a new paste. An existing id is left untouched and
// storage.ErrDuplicate is returned.
func (s *Store) Save(ctx context.Context, paste *storage.Paste) error {
	if paste == nil {
		return errors.New("paste is nil")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Normalize timestamps to UTC for consistency.
	paste.CreatedAt = paste.CreatedAt.UTC()
	paste.ExpiresAt = paste.ExpiresAt.UTC()

	data, err := json.Marshal(paste)
	if err != nil {
		return fmt.Errorf("marshal paste: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		pBucket := tx.Bucket(pasteBucket)
		eBucket := tx.Bucket(expireBucket)
		if pBucket == nil || eBucket == nil {
			return errBuckets
		}

		if pBucket.Get([]byte(paste.ID)) != nil {
			return storage.ErrDuplicate
		}
		if err := pBucket.Put([]byte(paste.ID), data); err != nil {
			return fmt.Errorf("save paste: %w", err)
		}

		if paste.HasExpiration() {
			if err := eBucket.Put(expireKey(paste.ExpiresAt, paste.ID), []byte(paste.ID)); err != nil {
				return fmt.Errorf("index expiry: %w", err)
			}
		}

		return nil
	})
}

// Get retrieves a paste by id.
func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out *storage.Paste
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pasteBucket)
		if bucket == nil {
			return errors.New("pastes bucket missing")
		}
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return storage.ErrNotFound
		}
		paste, err := decode(raw)
		if err != nil {
			return err
		}
		out = paste
		return nil
	})

	return out, err
}

// IncrementViews adds one view unless the paste's view limit is reached.
func (s *Store) IncrementViews(ctx context.Context, id string) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	var count int
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(pasteBucket)
		if bucket == nil {
			return errBuckets
		}
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return storage.ErrNotFound
		}
		paste, err := decode(raw)
		if err != nil {
			return err
		}
		if paste.Exhausted() {
			return storage.ErrExhausted
		}
		paste.ViewCount++
		data, err := json.Marshal(paste)
		if err != nil {
			return fmt.Errorf("marshal paste: %w", err)
		}
		if err := bucket.Put([]byte(id), data); err != nil {
			return fmt.Errorf("update view count: %w", err)
		}
		count = paste.ViewCount
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteExpired removes all pastes with expiry before or equal to the provided time.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		pBucket := tx.Bucket(pasteBucket)
		eBucket := tx.Bucket(expireBucket)
		if pBucket == nil || eBucket == nil {
			return errBuckets
		}

		// Deleting under a live cursor can skip entries, so collect first.
		var keys, ids [][]byte
		cursor := eBucket.Cursor()
		cutoff := toTimestamp(before)
		for key, val := cursor.First(); key != nil; key, val = cursor.Next() {
			ts := binary.BigEndian.Uint64(key[:8])
			if ts > cutoff {
				break
			}
			keys = append(keys, append([]byte(nil), key...))
			ids = append(ids, append([]byte(nil), val...))
		}
		for i, key := range keys {
			if err := pBucket.Delete(ids[i]); err != nil {
				return fmt.Errorf("delete expired paste %s: %w", ids[i], err)
			}
			if err := eBucket.Delete(key); err != nil {
				return fmt.Errorf("delete expiry index: %w", err)
			}
			removed++
		}
		return nil
	})

	return removed, err
}

// Ping checks that the database is open and initialized.
func (s *Store) Ping(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(pasteBucket) == nil {
			return errBuckets
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decode(raw []byte) (*storage.Paste, error) {
	var paste storage.Paste
	if err := json.Unmarshal(raw, &paste); err != nil {
		return nil, fmt.Errorf("unmarshal paste: %w", err)
	}
	return &paste, nil
}

func expireKey(t time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, toTimestamp(t))
	copy(key[8:], id)
	return key
}

// toTimestamp uses whole seconds so far-future expiries do not overflow.
func toTimestamp(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	sec := t.UTC().Unix()
	if sec < 0 {
		return 0
	}
	return uint64(sec)
}
