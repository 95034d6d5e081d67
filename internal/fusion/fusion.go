// Package fusion combines the sequence and pointwise model scores into a
// single risk probability and explains it.
package fusion

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Result is the output of one fusion.
type Result struct {
	SequenceScore  float64
	PointwiseScore float64
	FusedScore     float64
	Factors        domain.Factors

	// SequenceDegraded is set when the sequence model was fed the current
	// vector repeated lookback times instead of real history.
	SequenceDegraded bool

	// AttributionErr is the non-fatal attribution failure, if any.
	AttributionErr error
}

// Engine invokes both scorers and the attributor.
type Engine struct {
	sequence   domain.SequenceScorer
	pointwise  domain.PointwiseScorer
	attributor domain.Attributor

	sequenceWeight  float64
	pointwiseWeight float64
	topK            int
}

// NewEngine creates a fusion engine. The attributor may be nil, in which
// case decisions carry no model factors.
func NewEngine(cfg domain.FusionConfig, seq domain.SequenceScorer, point domain.PointwiseScorer, attr domain.Attributor) (*Engine, error) {
	if seq == nil || point == nil {
		return nil, fmt.Errorf("%w: both scorers are required", domain.ErrConfiguration)
	}
	if cfg.SequenceWeight < 0 || cfg.PointwiseWeight < 0 {
		return nil, fmt.Errorf("%w: fusion weights must be non-negative", domain.ErrConfiguration)
	}
	if sum := cfg.SequenceWeight + cfg.PointwiseWeight; math.Abs(sum-1) > 1e-6 {
		return nil, fmt.Errorf("%w: fusion weights must sum to 1, got %.4f", domain.ErrConfiguration, sum)
	}

	topK := cfg.TopFactors
	if topK <= 0 {
		topK = 5
	}

	return &Engine{
		sequence:        seq,
		pointwise:       point,
		attributor:      attr,
		sequenceWeight:  cfg.SequenceWeight,
		pointwiseWeight: cfg.PointwiseWeight,
		topK:            topK,
	}, nil
}

// Fuse scores the current vector against its history. A nil history means
// insufficient history (or an unavailable store) and triggers the degraded
// sequence. Scorer failures are fatal and wrap ErrScoringFailure; attribution
// failures are not.
func (e *Engine) Fuse(ctx context.Context, current domain.FeatureVector, history []domain.FeatureVector, lookback int) (*Result, error) {
	if lookback <= 0 {
		return nil, fmt.Errorf("%w: lookback must be positive", domain.ErrInvalidRequest)
	}

	res := &Result{}
	sequence := history
	if len(sequence) == 0 {
		sequence = repeat(current, lookback)
		res.SequenceDegraded = true
	} else if len(sequence) != lookback {
		return nil, fmt.Errorf("%w: history has %d vectors, expected %d", domain.ErrInvalidRequest, len(sequence), lookback)
	}

	var (
		wg               sync.WaitGroup
		seqErr, pointErr error
		attrs            map[string]float64
		attrErr          error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		res.SequenceScore, seqErr = e.sequence.ScoreSequence(ctx, sequence)
	}()
	go func() {
		defer wg.Done()
		res.PointwiseScore, pointErr = e.pointwise.ScorePoint(ctx, current)
	}()
	if e.attributor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attrs, attrErr = e.attributor.Attribute(ctx, current)
		}()
	}
	wg.Wait()

	if err := checkScore("sequence", res.SequenceScore, seqErr); err != nil {
		return nil, err
	}
	if err := checkScore("pointwise", res.PointwiseScore, pointErr); err != nil {
		return nil, err
	}

	fused := e.sequenceWeight*res.SequenceScore + e.pointwiseWeight*res.PointwiseScore
	res.FusedScore = math.Min(1, math.Max(0, fused))

	switch {
	case e.attributor == nil:
	case attrErr != nil:
		res.AttributionErr = fmt.Errorf("%w: %w", domain.ErrAttributionFailure, attrErr)
		slog.Warn("attribution failed, continuing without model factors", "error", attrErr)
	default:
		res.Factors = toFactors(attrs).TopK(e.topK)
	}

	return res, nil
}

func checkScore(name string, score float64, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s scorer: %w", domain.ErrScoringFailure, name, err)
	}
	if math.IsNaN(score) || score < 0 || score > 1 {
		return fmt.Errorf("%w: %s scorer returned %v, outside [0,1]", domain.ErrScoringFailure, name, score)
	}
	return nil
}

func repeat(v domain.FeatureVector, n int) []domain.FeatureVector {
	out := make([]domain.FeatureVector, n)
	for i := range out {
		out[i] = v.Clone()
	}
	return out
}

func toFactors(attrs map[string]float64) domain.Factors {
	fs := make(domain.Factors, 0, len(attrs))
	for name, impact := range attrs {
		if math.IsNaN(impact) || math.IsInf(impact, 0) {
			continue
		}
		fs = append(fs, domain.Factor{Label: name, Impact: impact, Source: domain.FactorFromAttribution})
	}
	return fs
}
