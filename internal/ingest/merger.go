package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/observability"
)

// Mutator is the serialized write path into the resource state.
type Mutator interface {
	ApplyPatch(ctx context.Context, kind schemas.ResourceKind, id string, fields map[string]any) (uint64, error)
	PatchSubscription(ctx context.Context, receiverID string, patch schemas.SubscriptionPatch) (uint64, error)
	RequestRefresh(ctx context.Context) error
}

// FleetEventSink records fleet events and forwards them to subscribers.
type FleetEventSink interface {
	RecordFleetEvent(ctx context.Context, ev schemas.FleetEvent) error
}

// Merger is the dispatch table from decoded events to state mutations.
type Merger struct {
	decoder *Decoder
	mutator Mutator
	events  FleetEventSink
	logger  *zap.Logger
}

// NewMerger wires a merger. events may be nil, in which case fleet events
// are only logged.
func NewMerger(decoder *Decoder, mutator Mutator, events FleetEventSink, logger *zap.Logger) *Merger {
	return &Merger{
		decoder: decoder,
		mutator: mutator,
		events:  events,
		logger:  logger.Named("ingest"),
	}
}

// Handle decodes msg and applies it.
func (m *Merger) Handle(ctx context.Context, msg schemas.PushMessage) error {
	return m.Apply(ctx, m.decoder.Decode(msg))
}

// Apply dispatches one event. It never panics; a failure of one event is
// returned for logging and does not affect the next one.
func (m *Merger) Apply(ctx context.Context, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Recovered from panic while applying push event",
				zap.Any("panic_value", r), zap.String("event", fmt.Sprintf("%T", ev)))
			err = fmt.Errorf("panic while applying %T: %v", ev, r)
		}
	}()

	switch e := ev.(type) {
	case ResourceChanged:
		gen, err := m.mutator.ApplyPatch(ctx, e.Kind, e.ID, e.Fields)
		if err != nil {
			return fmt.Errorf("apply %s %s patch: %w", e.Kind, e.ID, err)
		}
		m.logger.Debug("Resource patched", observability.Kind(e.Kind), zap.String("id", e.ID), observability.Generation(gen))

	case ConnectionChanged:
		gen, err := m.mutator.PatchSubscription(ctx, e.ReceiverID, e.Subscription)
		if err != nil {
			return fmt.Errorf("patch subscription of %s: %w", e.ReceiverID, err)
		}
		m.logger.Debug("Subscription patched", observability.ReceiverID(e.ReceiverID), observability.Generation(gen))

	case FleetEventReceived:
		m.logger.Info("Fleet event received",
			zap.String("event_id", e.Event.ID),
			zap.String("type", e.Event.Type),
			zap.String("source", e.Event.Source))
		if m.events != nil {
			if err := m.events.RecordFleetEvent(ctx, e.Event); err != nil {
				return fmt.Errorf("record fleet event %s: %w", e.Event.ID, err)
			}
		}

	case RefreshRequested:
		m.logger.Debug("Push requested a registry refresh", zap.String("reason", e.Reason))
		if err := m.mutator.RequestRefresh(ctx); err != nil {
			return fmt.Errorf("request refresh: %w", err)
		}

	case Unknown:
		m.logger.Warn("Dropping push message", zap.String("type", e.Type), zap.String("reason", e.Reason))

	default:
		m.logger.Warn("Dropping unhandled event variant", zap.String("event", fmt.Sprintf("%T", ev)))
	}
	return nil
}
