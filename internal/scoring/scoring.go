package scoring

import (
	"fmt"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Capabilities bundles the three scoring interfaces the fusion engine needs.
type Capabilities struct {
	Sequence   domain.SequenceScorer
	Pointwise  domain.PointwiseScorer
	Attributor domain.Attributor
	Name       string
}

// New creates scoring capabilities based on configuration.
func New(cfg domain.ScoringConfig, featureNames []string) (*Capabilities, error) {
	switch cfg.Type {
	case "linear", "":
		m, err := LoadLinear(cfg.ModelPath, featureNames)
		if err != nil {
			return nil, err
		}
		return &Capabilities{Sequence: m, Pointwise: m, Attributor: m, Name: "linear:" + m.Version()}, nil

	case "remote":
		r, err := NewRemote(cfg.RemoteURL, cfg.RemoteTimeout)
		if err != nil {
			return nil, err
		}
		return &Capabilities{Sequence: r, Pointwise: r, Attributor: r, Name: "remote"}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported scoring type: %s", domain.ErrConfiguration, cfg.Type)
	}
}
