// Package paste implements the paste lifecycle: creation, expiry, view
// accounting and the read-time gate that enforces both limits.
package paste

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"pastebin-lite/internal/clock"
	"pastebin-lite/internal/metrics"
	"pastebin-lite/internal/storage"
)

const (
	defaultMaxBytes = 1_048_576

	// maxTTLSeconds keeps now+ttl inside time.Duration range.
	maxTTLSeconds = math.MaxInt64 / int64(time.Second)
)

// IDGenerator hands out fresh paste ids.
type IDGenerator interface {
	Generate() string
}

// CreateInput carries a create request. Nil pointers mean "not provided".
type CreateInput struct {
	Content    string
	TTLSeconds *int
	MaxViews   *int
}

// View is what a successful consuming read returns.
type View struct {
	Content string
	// RemainingViews is nil for pastes without a view limit.
	RemainingViews *int
	// ExpiresAt is nil for pastes that never expire.
	ExpiresAt *time.Time
}

// Service owns every mutation of a paste's view count.
type Service struct {
	store    storage.Store
	ids      IDGenerator
	now      func() time.Time
	maxBytes int
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the fallback clock used when the request context carries no
// time override.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxBytes caps the content size in bytes.
func WithMaxBytes(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithLogger sets the logger; reasons for refused reads are logged at debug.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTracer sets the tracer that wraps Create and FetchAndConsume in spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithMetrics sets the recorder for created and read pastes. A nil recorder
// is allowed.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService constructs a Service.
func NewService(store storage.Store, ids IDGenerator, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("store required")
	}
	if ids == nil {
		return nil, errors.New("id generator required")
	}
	s := &Service{
		store:    store,
		ids:      ids,
		now:      time.Now,
		maxBytes: defaultMaxBytes,
		logger:   slog.New(slog.DiscardHandler),
		tracer:   noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MaxBytes returns the content size limit.
func (s *Service) MaxBytes() int {
	return s.maxBytes
}

// Create validates in and persists a new paste with a zero view count.
func (s *Service) Create(ctx context.Context, in CreateInput) (*storage.Paste, error) {
	ctx, span := s.tracer.Start(ctx, "paste.Create")
	defer span.End()

	if err := s.validate(in); err != nil {
		span.SetStatus(codes.Error, "validation")
		return nil, err
	}

	now := clock.Now(ctx, s.now).Truncate(time.Second)
	p := &storage.Paste{
		ID:        s.ids.Generate(),
		Content:   in.Content,
		CreatedAt: now,
	}
	if in.TTLSeconds != nil {
		p.TTLSeconds = *in.TTLSeconds
		p.ExpiresAt = now.Add(time.Duration(*in.TTLSeconds) * time.Second)
	}
	if in.MaxViews != nil {
		p.MaxViews = *in.MaxViews
	}
	span.SetAttributes(attribute.String("paste.id", p.ID))

	if err := s.store.Save(ctx, p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save")
		return nil, fmt.Errorf("%w: save paste: %w", ErrPersistence, err)
	}
	s.metrics.PasteCreated()
	s.logger.Debug("paste created", "id", p.ID, "expires_at", p.ExpiresAt, "max_views", p.MaxViews)
	return p, nil
}

func (s *Service) validate(in CreateInput) error {
	if strings.TrimSpace(in.Content) == "" {
		return &ValidationError{Field: "content", Message: "Content is required and must be a non-empty string"}
	}
	if len(in.Content) > s.maxBytes {
		return &ValidationError{Field: "content", Message: fmt.Sprintf("Content exceeds %d byte limit", s.maxBytes)}
	}
	if in.TTLSeconds != nil {
		if *in.TTLSeconds < 1 {
			return &ValidationError{Field: "ttl_seconds", Message: "ttl_seconds must be an integer >= 1 if provided"}
		}
		if int64(*in.TTLSeconds) > maxTTLSeconds {
			return &ValidationError{Field: "ttl_seconds", Message: "ttl_seconds is too large"}
		}
	}
	if in.MaxViews != nil && *in.MaxViews < 1 {
		return &ValidationError{Field: "max_views", Message: "max_views must be an integer >= 1 if provided"}
	}
	return nil
}

// FetchAndConsume returns the paste content and counts one view against it.
//
// Absent, expired and exhausted pastes all yield ErrNotFound and are never
// mutated. The view is counted by the store's bounded increment, so readers of
// an unlimited paste never block each other and at most MaxViews reads of a
// limited one can ever succeed.
func (s *Service) FetchAndConsume(ctx context.Context, id string) (*View, error) {
	ctx, span := s.tracer.Start(ctx, "paste.FetchAndConsume", trace.WithAttributes(attribute.String("paste.id", id)))
	defer span.End()

	if id == "" {
		s.notFound(ctx, id, "absent")
		return nil, ErrNotFound
	}

	p, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.notFound(ctx, id, "absent")
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.persistenceFailure(span, "get paste", err)
	}

	now := clock.Now(ctx, s.now)
	if p.Expired(now) {
		s.notFound(ctx, id, "expired")
		return nil, ErrNotFound
	}
	if p.Exhausted() {
		s.notFound(ctx, id, "exhausted")
		return nil, ErrNotFound
	}

	count, err := s.store.IncrementViews(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Removed between the read and the increment.
		s.notFound(ctx, id, "absent")
		return nil, ErrNotFound
	case errors.Is(err, storage.ErrExhausted):
		// Other readers took the last views.
		s.notFound(ctx, id, "exhausted")
		return nil, ErrNotFound
	case err != nil:
		return nil, s.persistenceFailure(span, "increment views", err)
	}

	s.metrics.PasteRead(metrics.ReadOK)
	span.SetAttributes(attribute.Int("paste.view_count", count))
	return newView(p, count), nil
}

func (s *Service) notFound(ctx context.Context, id, reason string) {
	s.metrics.PasteRead(metrics.ReadNotFound)
	s.logger.DebugContext(ctx, "paste unavailable", "id", id, "reason", reason)
}

func (s *Service) persistenceFailure(span trace.Span, op string, err error) error {
	s.metrics.PasteRead(metrics.ReadError)
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func newView(p *storage.Paste, viewCount int) *View {
	v := &View{Content: p.Content}
	if p.HasViewLimit() {
		remaining := max(p.MaxViews-viewCount, 0)
		v.RemainingViews = &remaining
	}
	if p.HasExpiration() {
		exp := p.ExpiresAt.UTC()
		v.ExpiresAt = &exp
	}
	return v
}
