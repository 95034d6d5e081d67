// Package scoring provides the scoring capabilities consumed by the fusion
// engine: a local logistic model loaded from YAML and a remote HTTP client
// for an external model server.
package scoring

import (
	"context"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/merlin/internal/domain"
)

// LogisticParams describes one logistic model over named features.
// Inputs are standardized as (x - center) / scale before weighting.
type LogisticParams struct {
	Bias    float64            `yaml:"bias"`
	Weights map[string]float64 `yaml:"weights"`
	Center  map[string]float64 `yaml:"center"`
	Scale   map[string]float64 `yaml:"scale"`
}

// SequenceParams extends LogisticParams for windows of vectors. Weights apply
// to the window mean; Drift applies to how far the newest vector departs
// from that mean.
type SequenceParams struct {
	LogisticParams `yaml:",inline"`
	Drift          map[string]float64 `yaml:"drift"`
}

// LinearModel is the on-disk model file.
type LinearModel struct {
	Version   string         `yaml:"version"`
	Pointwise LogisticParams `yaml:"pointwise"`
	Sequence  SequenceParams `yaml:"sequence"`
}

// compiled is a LogisticParams resolved against the feature order.
type compiled struct {
	bias   float64
	weight []float64
	center []float64
	scale  []float64
	drift  []float64
}

// Linear implements SequenceScorer, PointwiseScorer and Attributor with
// logistic models. Attributions are the exact per-feature log-odds terms of
// the pointwise model.
type Linear struct {
	version   string
	names     []string
	pointwise compiled
	sequence  compiled
}

var (
	_ domain.SequenceScorer  = (*Linear)(nil)
	_ domain.PointwiseScorer = (*Linear)(nil)
	_ domain.Attributor      = (*Linear)(nil)
)

// LoadLinear reads a model file and binds it to the feature order.
func LoadLinear(path string, featureNames []string) (*Linear, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read model file: %w", domain.ErrConfiguration, err)
	}

	var m LinearModel
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parse model file %s: %w", domain.ErrConfiguration, path, err)
	}

	return NewLinear(m, featureNames)
}

// NewLinear binds a model to the feature order. Weights naming unknown
// features are a configuration error.
func NewLinear(m LinearModel, featureNames []string) (*Linear, error) {
	if len(featureNames) == 0 {
		return nil, fmt.Errorf("%w: feature names are required", domain.ErrConfiguration)
	}

	index := make(map[string]int, len(featureNames))
	for i, n := range featureNames {
		index[n] = i
	}

	point, err := compile(m.Pointwise, nil, index)
	if err != nil {
		return nil, fmt.Errorf("pointwise model: %w", err)
	}
	seq, err := compile(m.Sequence.LogisticParams, m.Sequence.Drift, index)
	if err != nil {
		return nil, fmt.Errorf("sequence model: %w", err)
	}

	names := make([]string, len(featureNames))
	copy(names, featureNames)

	return &Linear{
		version:   m.Version,
		names:     names,
		pointwise: point,
		sequence:  seq,
	}, nil
}

func compile(p LogisticParams, drift map[string]float64, index map[string]int) (compiled, error) {
	n := len(index)
	c := compiled{
		bias:   p.Bias,
		weight: make([]float64, n),
		center: make([]float64, n),
		scale:  make([]float64, n),
		drift:  make([]float64, n),
	}
	for i := range c.scale {
		c.scale[i] = 1
	}

	assign := func(kind string, src map[string]float64, dst []float64) error {
		for name, v := range src {
			i, ok := index[name]
			if !ok {
				return fmt.Errorf("%w: %s references unknown feature %q", domain.ErrConfiguration, kind, name)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: %s for %q is not finite", domain.ErrConfiguration, kind, name)
			}
			dst[i] = v
		}
		return nil
	}

	if err := assign("weight", p.Weights, c.weight); err != nil {
		return c, err
	}
	if err := assign("center", p.Center, c.center); err != nil {
		return c, err
	}
	if err := assign("scale", p.Scale, c.scale); err != nil {
		return c, err
	}
	if err := assign("drift", drift, c.drift); err != nil {
		return c, err
	}
	for i, s := range c.scale {
		if s <= 0 {
			return c, fmt.Errorf("%w: scale for feature %d must be positive", domain.ErrConfiguration, i)
		}
	}
	return c, nil
}

// Version returns the model version string.
func (l *Linear) Version() string {
	return l.version
}

// ScorePoint returns the pointwise fraud probability.
func (l *Linear) ScorePoint(ctx context.Context, v domain.FeatureVector) (float64, error) {
	if err := l.check(v); err != nil {
		return 0, err
	}

	z := l.pointwise.bias
	for i, x := range v {
		z += l.pointwise.term(i, x)
	}
	return sigmoid(z), nil
}

// ScoreSequence returns the sequence fraud probability for a window of
// vectors ordered oldest first.
func (l *Linear) ScoreSequence(ctx context.Context, seq []domain.FeatureVector) (float64, error) {
	if len(seq) == 0 {
		return 0, fmt.Errorf("empty sequence")
	}

	dim := len(l.names)
	mean := make([]float64, dim)
	for _, v := range seq {
		if err := l.check(v); err != nil {
			return 0, err
		}
		for i, x := range v {
			mean[i] += x
		}
	}
	for i := range mean {
		mean[i] /= float64(len(seq))
	}

	last := seq[len(seq)-1]
	s := l.sequence
	z := s.bias
	for i := 0; i < dim; i++ {
		z += s.term(i, mean[i])
		z += s.drift[i] * (last[i] - mean[i]) / s.scale[i]
	}
	return sigmoid(z), nil
}

// Attribute returns each weighted feature's contribution to the pointwise
// log-odds.
func (l *Linear) Attribute(ctx context.Context, v domain.FeatureVector) (map[string]float64, error) {
	if err := l.check(v); err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for i, x := range v {
		if l.pointwise.weight[i] == 0 {
			continue
		}
		out[l.names[i]] = l.pointwise.term(i, x)
	}
	return out, nil
}

func (l *Linear) check(v domain.FeatureVector) error {
	if len(v) != len(l.names) {
		return fmt.Errorf("vector has %d features, model expects %d", len(v), len(l.names))
	}
	return nil
}

func (c compiled) term(i int, x float64) float64 {
	return c.weight[i] * (x - c.center[i]) / c.scale[i]
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
