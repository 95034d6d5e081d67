// Package history provides the per-entity windowed feature store.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// record is one stored vector. Backends keep records newest first.
type record struct {
	Vector     domain.FeatureVector
	OccurredAt time.Time
}

// backend is the raw storage behind a Store. Implementations must make push
// atomic per entity (insert at head, clamp ordering, trim, refresh TTL).
type backend interface {
	push(ctx context.Context, entityID string, rec record, capacity int, ttl time.Duration) error
	// recent returns up to n records newest first; n <= 0 means all.
	recent(ctx context.Context, entityID string, n int) ([]record, error)
	clear(ctx context.Context, entityID string) error
	ping(ctx context.Context) error
	close() error
}

// Observer is notified when a store call degrades.
type Observer interface {
	ObserveStoreUnavailable(op string)
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithAmountIndex sets the vector position Stats reads amounts from.
func WithAmountIndex(idx int) Option {
	return func(s *Store) {
		s.amountIndex = idx
	}
}

// WithObserver registers a degradation observer (metrics).
func WithObserver(o Observer) Option {
	return func(s *Store) {
		s.observer = o
	}
}

// Store implements domain.HistoryStore on top of a backend, adding the
// enabled flag, per-call timeouts and window aggregation.
type Store struct {
	backend   backend
	name      string
	enabled   atomic.Bool
	lookback  int
	capacity  int
	ttl       time.Duration
	opTimeout time.Duration
	now       func() time.Time
	observer  Observer

	amountIndex int
}

var _ domain.HistoryStore = (*Store)(nil)

// New creates a history store based on configuration.
// A Redis backend that cannot be reached at startup yields a disabled store
// rather than an error, so scoring can run in degraded mode.
func New(cfg domain.HistoryConfig, opts ...Option) (*Store, error) {
	s := newStore(cfg, opts...)

	if !cfg.Enabled {
		slog.Warn("history store disabled by configuration")
		return s, nil
	}

	switch cfg.Backend {
	case "memory":
		s.attach("memory", newMemoryBackend(cfg.JanitorInterval, s.now))

	case "redis":
		b, err := newRedisBackend(cfg)
		if err != nil {
			slog.Warn("history store unavailable, running degraded",
				"backend", "redis",
				"addr", cfg.Redis.Addr,
				"error", err,
			)
			s.name = "redis"
			return s, nil
		}
		s.attach("redis", b)

	default:
		return nil, fmt.Errorf("%w: unsupported history backend: %s", domain.ErrConfiguration, cfg.Backend)
	}

	return s, nil
}

func newStore(cfg domain.HistoryConfig, opts ...Option) *Store {
	s := &Store{
		lookback:  cfg.Lookback,
		capacity:  cfg.Capacity(),
		ttl:       cfg.TTL,
		opTimeout: cfg.OpTimeout,
		now:       time.Now,
	}
	if s.opTimeout <= 0 {
		s.opTimeout = 50 * time.Millisecond
	}
	if s.ttl <= 0 {
		s.ttl = 7 * 24 * time.Hour
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) attach(name string, b backend) {
	s.name = name
	s.backend = b
	s.enabled.Store(true)
}

// Enabled reports whether the store is usable.
func (s *Store) Enabled() bool {
	return s.enabled.Load() && s.backend != nil
}

// Backend returns the backend name.
func (s *Store) Backend() string {
	return s.name
}

// Append stores a vector at the head of the entity's history.
func (s *Store) Append(ctx context.Context, entityID string, vector domain.FeatureVector, occurredAt time.Time) error {
	if entityID == "" {
		return fmt.Errorf("%w: entityID is required", domain.ErrInvalidRequest)
	}
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	rec := record{Vector: vector.Clone(), OccurredAt: occurredAt}

	return s.call(ctx, "append", func(ctx context.Context) error {
		return s.backend.push(ctx, entityID, rec, s.capacity, s.ttl)
	})
}

// GetSequence returns exactly lookback vectors, oldest first.
func (s *Store) GetSequence(ctx context.Context, entityID string, lookback int) ([]domain.FeatureVector, error) {
	if lookback <= 0 {
		return nil, fmt.Errorf("%w: lookback must be positive", domain.ErrInvalidRequest)
	}

	var recs []record
	err := s.call(ctx, "get_sequence", func(ctx context.Context) error {
		var err error
		recs, err = s.backend.recent(ctx, entityID, lookback)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(recs) < lookback {
		return nil, fmt.Errorf("%w: %d/%d records", domain.ErrInsufficientHistory, len(recs), lookback)
	}

	seq := make([]domain.FeatureVector, lookback)
	for i := 0; i < lookback; i++ {
		seq[lookback-1-i] = recs[i].Vector.Clone()
	}
	return seq, nil
}

// CountSince counts records strictly newer than now-window.
func (s *Store) CountSince(ctx context.Context, entityID string, window time.Duration) (int64, error) {
	recs, err := s.all(ctx, "count_since", entityID)
	if err != nil {
		return 0, err
	}
	return countSince(recs, s.now().Add(-window)), nil
}

// SumAmountSince sums vector[amountIndex] over records newer than now-window.
func (s *Store) SumAmountSince(ctx context.Context, entityID string, window time.Duration, amountIndex int) (float64, error) {
	recs, err := s.all(ctx, "sum_amount_since", entityID)
	if err != nil {
		return 0, err
	}
	return sumSince(recs, s.now().Add(-window), amountIndex), nil
}

// Clear purges an entity's history.
func (s *Store) Clear(ctx context.Context, entityID string) error {
	err := s.call(ctx, "clear", func(ctx context.Context) error {
		return s.backend.clear(ctx, entityID)
	})
	if err == nil {
		slog.Info("cleared entity history", "entity_id", entityID)
	}
	return err
}

// Stats summarizes an entity's stored history in a single read.
func (s *Store) Stats(ctx context.Context, entityID string) (*domain.EntityStats, error) {
	recs, err := s.all(ctx, "stats", entityID)
	if err != nil {
		return &domain.EntityStats{EntityID: entityID}, err
	}

	now := s.now()
	return &domain.EntityStats{
		EntityID:             entityID,
		TotalTransactions:    int64(len(recs)),
		TransactionsLastHour: countSince(recs, now.Add(-time.Hour)),
		TransactionsLast24h:  countSince(recs, now.Add(-24*time.Hour)),
		AmountLastHour:       sumSince(recs, now.Add(-time.Hour), s.amountIndex),
		HasSufficientHistory: len(recs) >= s.lookback,
	}, nil
}

// Ping checks backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.call(ctx, "ping", s.backendPing)
}

func (s *Store) backendPing(ctx context.Context) error {
	return s.backend.ping(ctx)
}

// Close releases the backend.
func (s *Store) Close() error {
	s.enabled.Store(false)
	if s.backend == nil {
		return nil
	}
	return s.backend.close()
}

func (s *Store) all(ctx context.Context, op, entityID string) ([]record, error) {
	var recs []record
	err := s.call(ctx, op, func(ctx context.Context) error {
		var err error
		recs, err = s.backend.recent(ctx, entityID, 0)
		return err
	})
	return recs, err
}

// call runs fn with the per-call timeout and maps any failure to
// ErrStoreUnavailable.
func (s *Store) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !s.Enabled() {
		s.observe(op)
		return fmt.Errorf("%s: %w: store disabled", op, domain.ErrStoreUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		s.observe(op)
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("history store call timed out", "op", op, "timeout", s.opTimeout)
		} else {
			slog.Warn("history store call failed", "op", op, "backend", s.name, "error", err)
		}
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) observe(op string) {
	if s.observer != nil {
		s.observer.ObserveStoreUnavailable(op)
	}
}

func countSince(recs []record, cutoff time.Time) int64 {
	var n int64
	for _, r := range recs {
		if r.OccurredAt.After(cutoff) {
			n++
		}
	}
	return n
}

func sumSince(recs []record, cutoff time.Time, idx int) float64 {
	var total float64
	for _, r := range recs {
		if !r.OccurredAt.After(cutoff) {
			continue
		}
		if idx < 0 || idx >= len(r.Vector) {
			continue
		}
		total += r.Vector[idx]
	}
	return total
}
