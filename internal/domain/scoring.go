package domain

import "context"

// SequenceScorer scores an entity's recent behaviour. The input is exactly
// lookback vectors in chronological order (oldest first). The result is a
// fraud probability in [0,1].
type SequenceScorer interface {
	ScoreSequence(ctx context.Context, sequence []FeatureVector) (float64, error)
}

// PointwiseScorer scores a single transaction vector, returning a fraud
// probability in [0,1].
type PointwiseScorer interface {
	ScorePoint(ctx context.Context, vector FeatureVector) (float64, error)
}

// Attributor explains a pointwise score as per-feature contributions.
type Attributor interface {
	Attribute(ctx context.Context, vector FeatureVector) (map[string]float64, error)
}
