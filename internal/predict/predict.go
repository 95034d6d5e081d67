// Package predict sequences one prediction through history, scoring, rules
// and verdict resolution.
package predict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/fusion"
	"github.com/opensource-finance/merlin/internal/metrics"
	"github.com/opensource-finance/merlin/internal/rules"
	"github.com/opensource-finance/merlin/internal/tracing"
	"github.com/opensource-finance/merlin/internal/verdict"
)

// State is a step of the prediction state machine. States advance strictly
// in declaration order; any step may end in StateFailed.
type State string

const (
	StateStarted        State = "STARTED"
	StateHistoryFetched State = "HISTORY_FETCHED"
	StateScored         State = "SCORED"
	StateRulesApplied   State = "RULES_APPLIED"
	StateResolved       State = "RESOLVED"
	StatePersisted      State = "PERSISTED"
	StateFailed         State = "FAILED"
)

// PredictionError reports the state a failed prediction was trying to reach.
type PredictionError struct {
	State State
	Err   error
}

func (e *PredictionError) Error() string {
	return fmt.Sprintf("prediction failed at %s: %v", e.State, e.Err)
}

func (e *PredictionError) Unwrap() error {
	return e.Err
}

// Fuser scores a vector against its history.
type Fuser interface {
	Fuse(ctx context.Context, current domain.FeatureVector, history []domain.FeatureVector, lookback int) (*fusion.Result, error)
}

// RuleApplier escalates a fused score.
type RuleApplier interface {
	Apply(ctx context.Context, in *rules.Input) (*rules.Outcome, error)
}

// VelocityAggregator derives the velocity aggregate for an entity.
type VelocityAggregator interface {
	Aggregate(ctx context.Context, entityID string) (*domain.VelocityAggregate, error)
}

// Config holds the orchestrator's static settings.
type Config struct {
	Lookback   int
	FeatureDim int

	// SideEffectTimeout bounds how long a prediction waits for the audit
	// log and publisher after the decision is resolved.
	SideEffectTimeout time.Duration
}

const defaultSideEffectTimeout = 500 * time.Millisecond

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAuditLog records every decision after it is returned.
func WithAuditLog(log domain.DecisionLog) Option {
	return func(o *Orchestrator) {
		o.audit = log
	}
}

// WithPublisher publishes every decision after it is resolved.
func WithPublisher(p domain.DecisionPublisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator runs the prediction pipeline. It holds no per-request state
// and is safe for concurrent use.
type Orchestrator struct {
	store     domain.HistoryStore
	velocity  VelocityAggregator
	fuser     Fuser
	rules     RuleApplier
	processor *verdict.Processor

	audit     domain.DecisionLog
	publisher domain.DecisionPublisher
	metrics   *metrics.Recorder
	now       func() time.Time

	lookback          int
	dim               int
	sideEffectTimeout time.Duration
}

// New creates an orchestrator. The audit log and publisher are optional.
func New(cfg Config, store domain.HistoryStore, vel VelocityAggregator, fuser Fuser, ruleEngine RuleApplier, processor *verdict.Processor, opts ...Option) (*Orchestrator, error) {
	if store == nil || vel == nil || fuser == nil || ruleEngine == nil || processor == nil {
		return nil, fmt.Errorf("%w: orchestrator dependencies are required", domain.ErrConfiguration)
	}
	if cfg.Lookback <= 0 || cfg.FeatureDim <= 0 {
		return nil, fmt.Errorf("%w: lookback and feature dimension must be positive", domain.ErrConfiguration)
	}

	o := &Orchestrator{
		store:     store,
		velocity:  vel,
		fuser:     fuser,
		rules:     ruleEngine,
		processor: processor,
		now:       time.Now,
		lookback:  cfg.Lookback,
		dim:       cfg.FeatureDim,

		sideEffectTimeout: cfg.SideEffectTimeout,
	}
	if o.sideEffectTimeout <= 0 {
		o.sideEffectTimeout = defaultSideEffectTimeout
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// run carries one prediction through the state machine.
type run struct {
	o     *Orchestrator
	req   *domain.PredictionRequest
	state State
	start time.Time
	span  trace.Span

	history       []domain.FeatureVector
	velocity      *domain.VelocityAggregate
	storeDegraded bool
	fused         *fusion.Result
	outcome       *rules.Outcome
	decision      *domain.Decision
}

// Predict returns a complete Decision or a *PredictionError. It never
// returns a partial decision.
func (o *Orchestrator) Predict(ctx context.Context, req *domain.PredictionRequest) (*domain.Decision, error) {
	r := &run{o: o, req: req, state: StateStarted, start: o.now()}

	ctx, r.span = tracing.StartSpan(ctx, "merlin.predict")
	defer r.span.End()

	if err := o.validate(req); err != nil {
		return nil, r.fail(StateStarted, err)
	}
	entityID := req.Transaction.SenderID
	r.span.SetAttributes(tracing.EntityID(entityID))

	steps := []struct {
		next State
		fn   func(context.Context) error
	}{
		{StateHistoryFetched, r.fetchHistory},
		{StateScored, r.score},
		{StateRulesApplied, r.applyRules},
		{StateResolved, r.resolve},
	}
	for _, step := range steps {
		stepStart := o.now()
		if err := step.fn(ctx); err != nil {
			return nil, r.fail(step.next, err)
		}
		r.state = step.next
		o.metrics.ObserveStage(string(step.next), o.now().Sub(stepStart))
	}

	d := r.decision
	r.span.SetAttributes(
		tracing.Verdict(d.Verdict),
		tracing.Score("risk_score", d.RiskScore),
		tracing.Degraded(d.SequenceDegraded || d.Metadata.StoreDegraded),
	)
	o.metrics.ObservePrediction(string(d.Verdict), d.RiskScore, o.now().Sub(r.start))
	o.metrics.ObserveRuleHits(d.Metadata.RulesFired)

	slog.Info("prediction resolved",
		"decision_id", d.ID,
		"entity_id", entityID,
		"verdict", d.Verdict,
		"risk_score", d.RiskScore,
		"fused_score", d.FusedScore,
		"sequence_degraded", d.SequenceDegraded,
		"store_degraded", d.Metadata.StoreDegraded,
		"rules_fired", d.Metadata.RulesFired,
	)

	r.persist(context.WithoutCancel(ctx))
	return d, nil
}

func (o *Orchestrator) validate(req *domain.PredictionRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request is required", domain.ErrInvalidRequest)
	}
	if req.Transaction.SenderID == "" {
		return fmt.Errorf("%w: sender_id is required", domain.ErrInvalidRequest)
	}
	if math.IsNaN(req.Transaction.Amount) || math.IsInf(req.Transaction.Amount, 0) || req.Transaction.Amount < 0 {
		return fmt.Errorf("%w: amount must be a non-negative number", domain.ErrInvalidRequest)
	}
	if req.Transaction.Hour < 0 || req.Transaction.Hour > 23 {
		return fmt.Errorf("%w: hour must be in [0,23]", domain.ErrInvalidRequest)
	}
	return req.Features.Validate(o.dim)
}

// fetchHistory loads the sequence and the velocity aggregate. Store
// failures degrade; they never fail the prediction.
func (r *run) fetchHistory(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "history.fetch")
	defer span.End()

	entityID := r.req.Transaction.SenderID

	seq, err := r.o.store.GetSequence(ctx, entityID, r.o.lookback)
	switch {
	case err == nil:
		r.history = seq
	case errors.Is(err, domain.ErrInsufficientHistory):
		slog.Debug("insufficient history, using degraded sequence", "entity_id", entityID)
	case errors.Is(err, domain.ErrStoreUnavailable):
		r.storeDegraded = true
		slog.Warn("history unavailable, using degraded sequence", "entity_id", entityID, "error", err)
	default:
		r.storeDegraded = true
		slog.Warn("history fetch failed, using degraded sequence", "entity_id", entityID, "error", err)
	}

	vel, err := r.o.velocity.Aggregate(ctx, entityID)
	if err != nil {
		r.storeDegraded = true
		slog.Warn("velocity unavailable", "entity_id", entityID, "error", err)
	} else {
		r.velocity = vel
	}

	span.SetAttributes(tracing.Degraded(r.storeDegraded))
	return nil
}

func (r *run) score(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "fusion.score")
	defer span.End()

	res, err := r.o.fuser.Fuse(ctx, r.req.Features, r.history, r.o.lookback)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scoring failed")
		return err
	}
	if res.SequenceDegraded {
		r.o.metrics.ObserveDegradedSequence()
	}

	span.SetAttributes(
		tracing.Score("sequence_score", res.SequenceScore),
		tracing.Score("pointwise_score", res.PointwiseScore),
		tracing.Score("fused_score", res.FusedScore),
	)
	r.fused = res
	return nil
}

func (r *run) applyRules(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "rules.apply")
	defer span.End()

	tx := r.req.Transaction
	out, err := r.o.rules.Apply(ctx, &rules.Input{
		Score:       r.fused.FusedScore,
		Transaction: &tx,
		Velocity:    r.velocity,
		Factors:     r.fused.Factors,
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if out.Score < r.fused.FusedScore {
		return fmt.Errorf("rule engine lowered score from %.4f to %.4f", r.fused.FusedScore, out.Score)
	}

	span.SetAttributes(tracing.Score("escalated_score", out.Score))
	r.outcome = out
	return nil
}

func (r *run) resolve(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "verdict.resolve")
	defer span.End()

	var traceID string
	if sc := r.span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	r.decision = r.o.processor.Process(ctx, &verdict.DecisionInput{
		EntityID:   r.req.Transaction.SenderID,
		TraceID:    traceID,
		FusedScore: r.fused.FusedScore,
		RiskScore:  r.outcome.Score,
		Components: domain.ComponentScores{
			SequenceScore:  r.fused.SequenceScore,
			PointwiseScore: r.fused.PointwiseScore,
		},
		Factors:          r.outcome.Factors,
		Velocity:         r.velocity,
		SequenceDegraded: r.fused.SequenceDegraded,
		StoreDegraded:    r.storeDegraded,
		RulesFired:       r.outcome.Fired(),
		StartTime:        r.start,
	})
	span.SetAttributes(tracing.Verdict(r.decision.Verdict))
	return nil
}

// persist appends the vector to history and hands the decision to the
// audit log and publisher. Failures are logged and counted only.
//
// History is stamped with the server clock. Velocity windows are measured
// against the same clock, so a client-supplied timestamp cannot move a
// transaction out of the window.
func (r *run) persist(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "history.persist")
	defer span.End()

	entityID := r.req.Transaction.SenderID
	d := r.decision

	if err := r.o.store.Append(ctx, entityID, r.req.Features, r.o.now()); err != nil {
		r.o.metrics.ObserveSideEffectFailure("history")
		slog.Warn("failed to append history", "entity_id", entityID, "decision_id", d.ID, "error", err)
	}

	r.record(ctx)
	r.state = StatePersisted
}

// record runs the audit log and publisher, waiting at most
// sideEffectTimeout. A sink still running after that finishes in the
// background with a cancelled context.
func (r *run) record(ctx context.Context) {
	if r.o.audit == nil && r.o.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.o.sideEffectTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.recordSinks(ctx)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.o.metrics.ObserveSideEffectFailure("timeout")
		slog.Warn("decision side effects timed out",
			"decision_id", r.decision.ID,
			"timeout", r.o.sideEffectTimeout,
		)
	}
}

func (r *run) recordSinks(ctx context.Context) {
	d := r.decision

	if r.o.audit != nil {
		if err := r.o.audit.SaveDecision(ctx, d); err != nil {
			r.o.metrics.ObserveSideEffectFailure("audit")
			slog.Warn("failed to record decision", "decision_id", d.ID, "error", err)
		}
	}

	if r.o.publisher != nil {
		if err := r.o.publisher.PublishDecision(ctx, d); err != nil {
			r.o.metrics.ObserveSideEffectFailure("publish")
			slog.Warn("failed to publish decision", "decision_id", d.ID, "error", err)
		}
	}
}

func (r *run) fail(at State, err error) error {
	r.state = StateFailed
	r.o.metrics.ObserveFailure(string(at))
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, string(at))

	level := slog.LevelError
	if errors.Is(err, domain.ErrInvalidRequest) {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "prediction failed", "state", at, "error", err)

	return &PredictionError{State: at, Err: err}
}
