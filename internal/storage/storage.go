package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a paste does not exist.
	ErrNotFound = errors.New("paste not found")
	// ErrDuplicate is returned by Save when the id is already taken.
	ErrDuplicate = errors.New("paste id already exists")
	// ErrExhausted is returned by IncrementViews when the view limit is used up.
	ErrExhausted = errors.New("paste view limit reached")
)

// Paste represents a stored paste entry.
//
// Optional limits use their zero value for "absent": a zero ExpiresAt never
// expires and a zero MaxViews allows unlimited views.
type Paste struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	TTLSeconds int       `json:"ttl_seconds,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	MaxViews   int       `json:"max_views,omitempty"`
	ViewCount  int       `json:"view_count"`
}

// HasExpiration reports whether the paste has an expiry set.
func (p Paste) HasExpiration() bool {
	return !p.ExpiresAt.IsZero()
}

// HasViewLimit reports whether the paste has a maximum view count.
func (p Paste) HasViewLimit() bool {
	return p.MaxViews > 0
}

// Expired reports whether now is at or past the expiry. The boundary is inclusive.
func (p Paste) Expired(now time.Time) bool {
	return p.HasExpiration() && !now.Before(p.ExpiresAt)
}

// Exhausted reports whether every allowed view has been used.
func (p Paste) Exhausted() bool {
	return p.HasViewLimit() && p.ViewCount >= p.MaxViews
}

// Live reports whether the paste can still be read at now.
func (p Paste) Live(now time.Time) bool {
	return !p.Expired(now) && !p.Exhausted()
}

// Store defines the storage backend contract.
//
// IncrementViews atomically adds one view to id unless the paste has a view
// limit that is already reached, and returns the new view count. It returns
// ErrNotFound if id does not exist and ErrExhausted if no view is left.
// Concurrent callers never push the count past MaxViews.
type Store interface {
	Save(ctx context.Context, paste *Paste) error
	Get(ctx context.Context, id string) (*Paste, error)
	IncrementViews(ctx context.Context, id string) (int, error)
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}
