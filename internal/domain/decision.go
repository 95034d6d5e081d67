package domain

import (
	"math"
	"sort"
	"time"
)

// Verdict is the final categorical decision for a transaction.
type Verdict string

// Verdicts in increasing order of severity.
const (
	VerdictAllow Verdict = "ALLOW"
	VerdictFlag  Verdict = "FLAG"
	VerdictBlock Verdict = "BLOCK"
)

// IsAlert reports whether the verdict needs attention downstream.
func (v Verdict) IsAlert() bool {
	return v == VerdictFlag || v == VerdictBlock
}

// FactorSource tells where a factor came from.
type FactorSource string

const (
	FactorFromAttribution FactorSource = "attribution"
	FactorFromRule        FactorSource = "rule"
)

// Factor is a named contribution to risk.
type Factor struct {
	Label  string       `json:"label"`
	Impact float64      `json:"impact"`
	Source FactorSource `json:"source"`
}

// Factors is an ordered factor list with override-by-label semantics.
type Factors []Factor

// Upsert replaces the factor with the same label or appends a new one.
func (fs Factors) Upsert(f Factor) Factors {
	for i := range fs {
		if fs[i].Label == f.Label {
			out := fs.Clone()
			out[i] = f
			return out
		}
	}
	out := make(Factors, len(fs), len(fs)+1)
	copy(out, fs)
	return append(out, f)
}

// Clone returns an independent copy.
func (fs Factors) Clone() Factors {
	if fs == nil {
		return nil
	}
	out := make(Factors, len(fs))
	copy(out, fs)
	return out
}

// TopK keeps at most k factors ordered by descending absolute impact.
// Rule factors are kept ahead of attribution factors when slots run out.
// Ties are broken by label so the result is deterministic.
func (fs Factors) TopK(k int) Factors {
	out := fs.Clone()
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].Impact), math.Abs(out[j].Impact)
		if ai != aj {
			return ai > aj
		}
		return out[i].Label < out[j].Label
	})
	if k <= 0 || len(out) <= k {
		return out
	}

	kept := make(Factors, 0, k)
	for _, f := range out {
		if f.Source == FactorFromRule && len(kept) < k {
			kept = append(kept, f)
		}
	}
	for _, f := range out {
		if f.Source != FactorFromRule && len(kept) < k {
			kept = append(kept, f)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		ai, aj := math.Abs(kept[i].Impact), math.Abs(kept[j].Impact)
		if ai != aj {
			return ai > aj
		}
		return kept[i].Label < kept[j].Label
	})
	return kept
}

// Map renders factors as label → impact.
func (fs Factors) Map() map[string]float64 {
	m := make(map[string]float64, len(fs))
	for _, f := range fs {
		m[f.Label] = f.Impact
	}
	return m
}

// ComponentScores are the two independent model scores before fusion.
type ComponentScores struct {
	SequenceScore  float64 `json:"sequence_score"`
	PointwiseScore float64 `json:"pointwise_score"`
}

// Decision is the complete, immutable outcome of one prediction.
type Decision struct {
	ID               string             `json:"decisionId"`
	EntityID         string             `json:"entityId"`
	FusedScore       float64            `json:"fusedScore"`
	RiskScore        float64            `json:"riskScore"`
	Verdict          Verdict            `json:"verdict"`
	ComponentScores  ComponentScores    `json:"componentScores"`
	Factors          Factors            `json:"factors"`
	Velocity         *VelocityAggregate `json:"velocity,omitempty"`
	SequenceDegraded bool               `json:"sequenceDegraded"`
	EvaluatedAt      time.Time          `json:"evaluatedAt"`
	Metadata         DecisionMetadata   `json:"metadata"`
}

// DecisionMetadata contains processing information.
type DecisionMetadata struct {
	TraceID       string   `json:"traceId,omitempty"`
	RulesFired    []string `json:"rulesFired,omitempty"`
	StoreDegraded bool     `json:"storeDegraded"`
	TotalMs       int64    `json:"totalMs"`
	EngineVersion string   `json:"engineVersion"`
}

// DecisionResponse is the wire shape returned to the serving layer.
type DecisionResponse struct {
	DecisionID       string             `json:"decision_id"`
	RiskScore        float64            `json:"risk_score"`
	Verdict          Verdict            `json:"verdict"`
	Factors          map[string]float64 `json:"factors"`
	ComponentScores  ComponentScores    `json:"component_scores"`
	VelocityFeatures map[string]float64 `json:"velocity_features"`
	SequenceDegraded bool               `json:"sequence_degraded"`
}

// ToResponse converts a Decision to its wire shape.
func (d *Decision) ToResponse() *DecisionResponse {
	return &DecisionResponse{
		DecisionID:       d.ID,
		RiskScore:        d.RiskScore,
		Verdict:          d.Verdict,
		Factors:          d.Factors.Map(),
		ComponentScores:  d.ComponentScores,
		VelocityFeatures: d.Velocity.Features(),
		SequenceDegraded: d.SequenceDegraded,
	}
}
