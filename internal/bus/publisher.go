package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Publisher sends finalized decisions to the decision topic, and alerts
// (FLAG and BLOCK) additionally to the alert topic.
type Publisher struct {
	bus domain.EventBus
}

var _ domain.DecisionPublisher = (*Publisher)(nil)

// NewPublisher wraps an event bus.
func NewPublisher(bus domain.EventBus) *Publisher {
	return &Publisher{bus: bus}
}

// PublishDecision publishes d keyed by its entity.
func (p *Publisher) PublishDecision(ctx context.Context, d *domain.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision %s: %w", d.ID, err)
	}

	var errs []error
	if err := p.bus.Publish(ctx, domain.TopicDecision, d.EntityID, payload); err != nil {
		errs = append(errs, fmt.Errorf("publish decision: %w", err))
	}
	if d.Verdict.IsAlert() {
		if err := p.bus.Publish(ctx, domain.TopicAlert, d.EntityID, payload); err != nil {
			errs = append(errs, fmt.Errorf("publish alert: %w", err))
		}
	}
	return errors.Join(errs...)
}
