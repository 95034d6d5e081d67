package domain

import (
	"fmt"
	"math"
	"time"
)

// FeatureVector is the ordered numeric representation of one transaction.
// Length and field order are fixed by the configured feature names and must
// match what the scoring models were trained on.
type FeatureVector []float64

// Clone returns an independent copy of the vector.
func (v FeatureVector) Clone() FeatureVector {
	if v == nil {
		return nil
	}
	out := make(FeatureVector, len(v))
	copy(out, v)
	return out
}

// Validate checks the vector against the expected dimension and rejects
// NaN and infinite components.
func (v FeatureVector) Validate(dim int) error {
	if len(v) != dim {
		return fmt.Errorf("%w: feature vector has %d values, expected %d", ErrInvalidRequest, len(v), dim)
	}
	for i, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: feature %d is not finite", ErrInvalidRequest, i)
		}
	}
	return nil
}

// HistoryRecord is one stored transaction for an entity.
type HistoryRecord struct {
	EntityID   string        `json:"entityId"`
	Vector     FeatureVector `json:"features"`
	OccurredAt time.Time     `json:"occurredAt"`
}

// VelocityAggregate summarizes recent activity of an entity within a window.
// It is always derived from history on demand and never persisted.
type VelocityAggregate struct {
	CountInWindow     int64         `json:"countInWindow"`
	AmountSumInWindow float64       `json:"amountSumInWindow"`
	Window            time.Duration `json:"-"`
}

// Features renders the aggregate the way the serving layer reports it.
func (v *VelocityAggregate) Features() map[string]float64 {
	if v == nil {
		return nil
	}
	suffix := windowSuffix(v.Window)
	return map[string]float64{
		"txn_count_" + suffix:  float64(v.CountInWindow),
		"amount_sum_" + suffix: v.AmountSumInWindow,
	}
}

// WindowLabel names a velocity window for display: "hour" for one hour,
// otherwise the compact form used in feature keys.
func WindowLabel(d time.Duration) string {
	if d == time.Hour {
		return "hour"
	}
	return windowSuffix(d)
}

func windowSuffix(d time.Duration) string {
	switch {
	case d <= 0:
		return "window"
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	default:
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
}

// EntityStats describes the stored history of one entity.
type EntityStats struct {
	EntityID             string  `json:"entityId"`
	TotalTransactions    int64   `json:"totalTransactions"`
	TransactionsLastHour int64   `json:"transactionsLastHour"`
	TransactionsLast24h  int64   `json:"transactionsLast24h"`
	AmountLastHour       float64 `json:"amountLastHour"`
	HasSufficientHistory bool    `json:"hasSufficientHistory"`
}
