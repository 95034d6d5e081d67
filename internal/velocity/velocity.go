// Package velocity derives trailing-window activity aggregates for an entity.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Service calculates transaction velocity for entities from their stored
// history. Aggregates are recomputed on every call and never cached.
type Service struct {
	store       domain.HistoryStore
	window      time.Duration
	amountIndex int
}

// NewService creates a new velocity service.
func NewService(store domain.HistoryStore, window time.Duration, amountIndex int) *Service {
	if window <= 0 {
		window = time.Hour
	}
	return &Service{
		store:       store,
		window:      window,
		amountIndex: amountIndex,
	}
}

// Aggregate returns the count and amount sum of the entity's records within
// the window. When the store cannot answer, it returns nil together with
// ErrStoreUnavailable so callers can report velocity as unknown rather
// than zero.
func (s *Service) Aggregate(ctx context.Context, entityID string) (*domain.VelocityAggregate, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entityID is required", domain.ErrInvalidRequest)
	}
	if s.store == nil || !s.store.Enabled() {
		return nil, fmt.Errorf("velocity: %w", domain.ErrStoreUnavailable)
	}

	count, err := s.store.CountSince(ctx, entityID, s.window)
	if err != nil {
		return nil, fmt.Errorf("velocity count: %w", err)
	}

	sum, err := s.store.SumAmountSince(ctx, entityID, s.window, s.amountIndex)
	if err != nil {
		return nil, fmt.Errorf("velocity amount: %w", err)
	}

	return &domain.VelocityAggregate{
		CountInWindow:     count,
		AmountSumInWindow: sum,
		Window:            s.window,
	}, nil
}
