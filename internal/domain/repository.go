// Package domain defines the core interfaces and types for Merlin.
package domain

import (
	"context"
	"time"
)

// DecisionLog is the audit trail of finalized decisions. It sits outside the
// scoring core: a failed write never changes a returned Decision.
type DecisionLog interface {
	// SaveDecision stores one decision.
	SaveDecision(ctx context.Context, decision *Decision) error

	// GetDecision retrieves a decision by ID.
	GetDecision(ctx context.Context, decisionID string) (*Decision, error)

	// ListDecisionsByEntity returns an entity's decisions since a time,
	// newest first.
	ListDecisionsByEntity(ctx context.Context, entityID string, since time.Time, limit int) ([]*Decision, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for the decision log.
type RepositoryConfig struct {
	// Driver is "sqlite", "postgres" or "none".
	Driver string `yaml:"driver" default:"sqlite" validate:"oneof=sqlite postgres none"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path" default:"./merlin.db"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
