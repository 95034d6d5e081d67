package domain

import (
	"context"
	"time"
)

// HistoryStore keeps the bounded, time-ordered recent history of each entity.
//
// Read methods return the empty value together with ErrStoreUnavailable when
// the backend cannot answer in time; Append returns ErrStoreUnavailable and
// stores nothing. Appends for one entity are serialized; different entities
// never block each other.
type HistoryStore interface {
	// Append inserts a record at the head of the entity's history, trims it to
	// 2×lookback records and refreshes the expiration horizon.
	Append(ctx context.Context, entityID string, vector FeatureVector, occurredAt time.Time) error

	// GetSequence returns exactly lookback most-recent vectors, oldest first.
	// Returns ErrInsufficientHistory when fewer records exist. Never pads.
	GetSequence(ctx context.Context, entityID string, lookback int) ([]FeatureVector, error)

	// CountSince counts records with OccurredAt > now-window.
	CountSince(ctx context.Context, entityID string, window time.Duration) (int64, error)

	// SumAmountSince sums vector[amountIndex] over records in the window.
	// Malformed records are skipped.
	SumAmountSince(ctx context.Context, entityID string, window time.Duration, amountIndex int) (float64, error)

	// Clear purges an entity's history. Idempotent.
	Clear(ctx context.Context, entityID string) error

	// Stats summarizes an entity's stored history.
	Stats(ctx context.Context, entityID string) (*EntityStats, error)

	// Enabled reports whether the store is usable at all.
	Enabled() bool

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// HistoryConfig holds configuration for history store initialization.
type HistoryConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend" default:"memory" validate:"oneof=memory redis"`

	// Enabled turns the store off entirely; every call then reports
	// ErrStoreUnavailable.
	Enabled bool `yaml:"enabled" default:"true"`

	// Lookback is the sequence length the sequence model expects.
	// The store keeps 2×Lookback records per entity.
	Lookback int `yaml:"lookback" default:"10" validate:"gte=1,lte=1000"`

	// TTL is the rolling expiration horizon, refreshed on every append.
	TTL time.Duration `yaml:"ttl" default:"168h" validate:"gt=0"`

	// OpTimeout bounds every store call.
	OpTimeout time.Duration `yaml:"op_timeout" default:"50ms" validate:"gt=0"`

	// JanitorInterval is how often the memory backend sweeps expired entities.
	JanitorInterval time.Duration `yaml:"janitor_interval" default:"1m"`

	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `yaml:"key_prefix" default:"merlin"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings for the history store.
type RedisConfig struct {
	Addr         string        `yaml:"addr" default:"localhost:6379"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"gte=0"`
	PoolSize     int           `yaml:"pool_size" default:"20" validate:"gte=1"`
	MinIdleConns int           `yaml:"min_idle_conns" default:"2" validate:"gte=0"`
	DialTimeout  time.Duration `yaml:"dial_timeout" default:"2s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"200ms"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"200ms"`
}

// Capacity is the number of records kept per entity.
func (c HistoryConfig) Capacity() int {
	return 2 * c.Lookback
}
