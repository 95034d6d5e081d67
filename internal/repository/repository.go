// Package repository persists finalized decisions for audit.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

const defaultListLimit = 100

// SQLRepository implements domain.DecisionLog using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var _ domain.DecisionLog = (*SQLRepository)(nil)

// New opens the configured database and runs migrations.
func New(ctx context.Context, cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var (
		driverName string
		dsn        string
		err        error
	)

	switch cfg.Driver {
	case "sqlite":
		driverName = "sqlite"
		dsn, err = sqliteDSN(cfg)
	case "postgres":
		driverName = "postgres"
		dsn = postgresDSN(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver: %s", domain.ErrConfiguration, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	// Each connection to :memory: would see its own empty database.
	if cfg.Driver == "sqlite" && cfg.SQLitePath == memoryPath {
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", cfg.Driver, err)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the pool for connection statistics.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// SaveDecision stores one decision. Decisions are write-once.
func (r *SQLRepository) SaveDecision(ctx context.Context, d *domain.Decision) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("%w: decision ID is required", ErrInvalidInput)
	}

	factors, err := json.Marshal(d.Factors)
	if err != nil {
		return fmt.Errorf("encode factors: %w", err)
	}
	fired := d.Metadata.RulesFired
	if fired == nil {
		fired = []string{}
	}
	rulesFired, err := json.Marshal(fired)
	if err != nil {
		return fmt.Errorf("encode rules fired: %w", err)
	}

	var velCount, velWindow sql.NullInt64
	var velAmount sql.NullFloat64
	if d.Velocity != nil {
		velCount = sql.NullInt64{Int64: d.Velocity.CountInWindow, Valid: true}
		velAmount = sql.NullFloat64{Float64: d.Velocity.AmountSumInWindow, Valid: true}
		velWindow = sql.NullInt64{Int64: d.Velocity.Window.Milliseconds(), Valid: true}
	}

	query := `
		INSERT INTO decisions (
			id, entity_id, verdict, risk_score, fused_score,
			sequence_score, pointwise_score, sequence_degraded, store_degraded,
			factors, rules_fired, velocity_count, velocity_amount, velocity_window_ms,
			trace_id, engine_version, total_ms, evaluated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		d.ID, d.EntityID, string(d.Verdict), d.RiskScore, d.FusedScore,
		d.ComponentScores.SequenceScore, d.ComponentScores.PointwiseScore,
		boolToInt(d.SequenceDegraded), boolToInt(d.Metadata.StoreDegraded),
		string(factors), string(rulesFired), velCount, velAmount, velWindow,
		d.Metadata.TraceID, d.Metadata.EngineVersion, d.Metadata.TotalMs,
		d.EvaluatedAt.UnixMilli(),
	)
	return err
}

const selectDecision = `
	SELECT id, entity_id, verdict, risk_score, fused_score,
		   sequence_score, pointwise_score, sequence_degraded, store_degraded,
		   factors, rules_fired, velocity_count, velocity_amount, velocity_window_ms,
		   trace_id, engine_version, total_ms, evaluated_at
	FROM decisions
`

// GetDecision retrieves a decision by ID.
func (r *SQLRepository) GetDecision(ctx context.Context, decisionID string) (*domain.Decision, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(selectDecision+" WHERE id = ?"), decisionID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// ListDecisionsByEntity returns an entity's decisions evaluated at or after
// since, newest first.
func (r *SQLRepository) ListDecisionsByEntity(ctx context.Context, entityID string, since time.Time, limit int) ([]*domain.Decision, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entityID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := selectDecision + `
		WHERE entity_id = ? AND evaluated_at >= ?
		ORDER BY evaluated_at DESC, id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), entityID, since.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(s scanner) (*domain.Decision, error) {
	var (
		d                     domain.Decision
		verdict               string
		seqDegraded, storeDeg int64
		factors, rulesFired   string
		velCount, velWindow   sql.NullInt64
		velAmount             sql.NullFloat64
		traceID               sql.NullString
		evaluatedAt           int64
	)

	err := s.Scan(
		&d.ID, &d.EntityID, &verdict, &d.RiskScore, &d.FusedScore,
		&d.ComponentScores.SequenceScore, &d.ComponentScores.PointwiseScore,
		&seqDegraded, &storeDeg,
		&factors, &rulesFired, &velCount, &velAmount, &velWindow,
		&traceID, &d.Metadata.EngineVersion, &d.Metadata.TotalMs, &evaluatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Verdict = domain.Verdict(verdict)
	d.SequenceDegraded = seqDegraded != 0
	d.Metadata.StoreDegraded = storeDeg != 0
	d.Metadata.TraceID = traceID.String
	d.EvaluatedAt = time.UnixMilli(evaluatedAt).UTC()

	if err := json.Unmarshal([]byte(factors), &d.Factors); err != nil {
		return nil, fmt.Errorf("decode factors for %s: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(rulesFired), &d.Metadata.RulesFired); err != nil {
		return nil, fmt.Errorf("decode rules fired for %s: %w", d.ID, err)
	}
	if velCount.Valid {
		d.Velocity = &domain.VelocityAggregate{
			CountInWindow:     velCount.Int64,
			AmountSumInWindow: velAmount.Float64,
			Window:            time.Duration(velWindow.Int64) * time.Millisecond,
		}
	}

	return &d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
