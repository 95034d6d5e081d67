// Package verdict maps a final risk score to ALLOW, FLAG or BLOCK and
// assembles the immutable Decision.
package verdict

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/merlin/internal/domain"
)

// EngineVersion is stamped into every decision.
const EngineVersion = "merlin-1.0"

// Resolver is a pure step function over two thresholds.
type Resolver struct {
	flag  float64
	block float64
}

// NewResolver validates 0 <= flag < block <= 1. Misordered thresholds are
// rejected rather than reordered.
func NewResolver(flag, block float64) (*Resolver, error) {
	if math.IsNaN(flag) || math.IsNaN(block) {
		return nil, fmt.Errorf("%w: verdict thresholds must be numbers", domain.ErrConfiguration)
	}
	if flag < 0 || block > 1 {
		return nil, fmt.Errorf("%w: verdict thresholds must lie in [0,1]", domain.ErrConfiguration)
	}
	if flag >= block {
		return nil, fmt.Errorf("%w: flag_threshold (%.3f) must be below block_threshold (%.3f)", domain.ErrConfiguration, flag, block)
	}
	return &Resolver{flag: flag, block: block}, nil
}

// Resolve returns BLOCK above the block threshold, FLAG above the flag
// threshold, ALLOW otherwise. Scores equal to a threshold fall to the
// lower verdict.
func (r *Resolver) Resolve(score float64) domain.Verdict {
	switch {
	case score > r.block:
		return domain.VerdictBlock
	case score > r.flag:
		return domain.VerdictFlag
	default:
		return domain.VerdictAllow
	}
}

// Processor builds the final Decision from the pipeline outputs.
type Processor struct {
	resolver   *Resolver
	topFactors int
	now        func() time.Time
}

// NewProcessor creates a processor that keeps at most topFactors factors.
func NewProcessor(resolver *Resolver, topFactors int) *Processor {
	if topFactors <= 0 {
		topFactors = 5
	}
	return &Processor{
		resolver:   resolver,
		topFactors: topFactors,
		now:        time.Now,
	}
}

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	EntityID         string
	TraceID          string
	FusedScore       float64
	RiskScore        float64
	Components       domain.ComponentScores
	Factors          domain.Factors
	Velocity         *domain.VelocityAggregate
	SequenceDegraded bool
	StoreDegraded    bool
	RulesFired       []string
	StartTime        time.Time
}

// Process resolves the verdict and returns a fully populated Decision.
func (p *Processor) Process(ctx context.Context, input *DecisionInput) *domain.Decision {
	now := p.now()

	score := math.Min(1, math.Max(0, input.RiskScore))

	var vel *domain.VelocityAggregate
	if input.Velocity != nil {
		v := *input.Velocity
		vel = &v
	}

	d := &domain.Decision{
		ID:               uuid.New().String(),
		EntityID:         input.EntityID,
		FusedScore:       input.FusedScore,
		RiskScore:        score,
		Verdict:          p.resolver.Resolve(score),
		ComponentScores:  input.Components,
		Factors:          input.Factors.TopK(p.topFactors),
		Velocity:         vel,
		SequenceDegraded: input.SequenceDegraded,
		EvaluatedAt:      now.UTC(),
	}

	var totalMs int64
	if !input.StartTime.IsZero() {
		totalMs = now.Sub(input.StartTime).Milliseconds()
	}

	fired := make([]string, len(input.RulesFired))
	copy(fired, input.RulesFired)

	d.Metadata = domain.DecisionMetadata{
		TraceID:       input.TraceID,
		RulesFired:    fired,
		StoreDegraded: input.StoreDegraded,
		TotalMs:       totalMs,
		EngineVersion: EngineVersion,
	}

	return d
}
