// Package redisstore stores pastes as Redis hashes.
//
// Each paste lives at <prefix>paste:<id>. Expiring pastes are also indexed in
// the sorted set <prefix>expires (score = unix seconds) and, unless
// Options.NoServerExpiry is set, carry a Redis EXPIREAT so the server
// reclaims them even without the janitor.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pastebin-lite/internal/storage"
)

const defaultPrefix = "pastebin:"

var saveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'content', ARGV[2],
  'created_at', ARGV[3],
  'ttl_seconds', ARGV[4],
  'expires_at', ARGV[5],
  'max_views', ARGV[6],
  'view_count', ARGV[7])
local exp = tonumber(ARGV[5])
if exp > 0 then
  redis.call('ZADD', KEYS[2], exp, ARGV[1])
  if ARGV[8] == '1' then
    redis.call('EXPIREAT', KEYS[1], exp)
  end
end
return 1
`)

// incrementScript returns -1 for a missing paste, -2 when the view limit is
// reached and the new view count otherwise.
var incrementScript = redis.NewScript(`
local vals = redis.call('HMGET', KEYS[1], 'view_count', 'max_views')
if not vals[1] then
  return -1
end
local limit = tonumber(vals[2]) or 0
if limit > 0 and tonumber(vals[1]) >= limit then
  return -2
end
return redis.call('HINCRBY', KEYS[1], 'view_count', 1)
`)

// Options configures the connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// NoServerExpiry leaves expired pastes for DeleteExpired instead of
	// letting Redis evict them on wall-clock time.
	NoServerExpiry bool
}

// Store implements storage.Store on Redis.
type Store struct {
	client       *redis.Client
	prefix       string
	serverExpiry bool
}

// Open connects to a Redis server and verifies it answers PING.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}
	s := New(client, defaultPrefix)
	s.serverExpiry = !opts.NoServerExpiry
	return s, nil
}

// New wraps an existing client. Keys are namespaced under prefix and
// expiring pastes get a server-side EXPIREAT.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix, serverExpiry: true}
}

func (s *Store) pasteKey(id string) string {
	return s.prefix + "paste:" + id
}

func (s *Store) expiresKey() string {
	return s.prefix + "expires"
}

// Save inserts a paste; an existing id yields storage.ErrDuplicate.
func (s *Store) Save(ctx context.Context, paste *storage.Paste) error {
	if paste == nil {
		return errors.New("paste is nil")
	}
	var expiresAt int64
	if paste.HasExpiration() {
		expiresAt = paste.ExpiresAt.UTC().Unix()
	}
	created, err := saveScript.Run(ctx, s.client,
		[]string{s.pasteKey(paste.ID), s.expiresKey()},
		paste.ID,
		paste.Content,
		paste.CreatedAt.UTC().Unix(),
		paste.TTLSeconds,
		expiresAt,
		paste.MaxViews,
		paste.ViewCount,
		flag(s.serverExpiry),
	).Int()
	if err != nil {
		return fmt.Errorf("save paste: %w", err)
	}
	if created == 0 {
		return storage.ErrDuplicate
	}
	return nil
}

// Get fetches a paste by id.
func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	fields, err := s.client.HGetAll(ctx, s.pasteKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get paste: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}
	return decode(id, fields)
}

// IncrementViews adds one view unless the paste's view limit is reached.
func (s *Store) IncrementViews(ctx context.Context, id string) (int, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{s.pasteKey(id)}).Int()
	if err != nil {
		return 0, fmt.Errorf("increment views: %w", err)
	}
	switch res {
	case -1:
		return 0, storage.ErrNotFound
	case -2:
		return 0, storage.ErrExhausted
	default:
		return res, nil
	}
}

// DeleteExpired removes pastes whose expiry is at or before the given time.
// The count is taken from the expiry index, so pastes Redis already evicted
// are still reported.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiresKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UTC().Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan expiry index: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = s.pasteKey(id)
		members[i] = id
	}
	var zrem *redis.IntCmd
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		zrem = pipe.ZRem(ctx, s.expiresKey(), members...)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return int(zrem.Val()), nil
}

// Ping checks the server connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func decode(id string, fields map[string]string) (*storage.Paste, error) {
	p := &storage.Paste{ID: id, Content: fields["content"]}
	created, err := parseInt(fields, "created_at")
	if err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	expires, err := parseInt(fields, "expires_at")
	if err != nil {
		return nil, err
	}
	if expires > 0 {
		p.ExpiresAt = time.Unix(expires, 0).UTC()
	}
	ttl, err := parseInt(fields, "ttl_seconds")
	if err != nil {
		return nil, err
	}
	p.TTLSeconds = int(ttl)
	maxViews, err := parseInt(fields, "max_views")
	if err != nil {
		return nil, err
	}
	p.MaxViews = int(maxViews)
	views, err := parseInt(fields, "view_count")
	if err != nil {
		return nil, err
	}
	p.ViewCount = int(views)
	return p, nil
}

func parseInt(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", name, err)
	}
	return n, nil
}
