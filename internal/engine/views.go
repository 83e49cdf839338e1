package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/bus"
	"github.com/SileNt525/NMOS-Controller/internal/connections"
	"github.com/SileNt525/NMOS-Controller/internal/knowledgegraph"
	"github.com/SileNt525/NMOS-Controller/internal/observability"
	"github.com/SileNt525/NMOS-Controller/internal/store"
)

// Views is the set of projections derived from one store generation.
// Consumers must not modify it.
type Views struct {
	Generation  uint64                    `json:"generation" yaml:"generation"`
	Connections []schemas.Connection      `json:"connections" yaml:"connections"`
	Summary     schemas.ConnectionSummary `json:"summary" yaml:"summary"`
	Graph       *schemas.Graph            `json:"graph" yaml:"graph"`
	// Resources is the store view the projections were derived from.
	Resources *store.View `json:"-" yaml:"-"`
}

// Views returns projections at least as new as the store generation at the
// time of the call. A stale cache is recomputed on the caller's goroutine.
func (e *Engine) Views(ctx context.Context) (*Views, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v := e.cachedViews(); v.Generation >= e.store.Generation() && v.Resources != nil {
		return v, nil
	}
	return e.recompute(ctx), nil
}

func (e *Engine) cachedViews() *Views {
	e.viewsMu.Lock()
	defer e.viewsMu.Unlock()
	return e.views
}

// recompute derives views from the current store state. The cache only ever
// moves forward.
func (e *Engine) recompute(ctx context.Context) *Views {
	e.viewsMu.Lock()
	defer e.viewsMu.Unlock()

	sv := e.store.View()
	if e.views.Resources != nil && e.views.Generation >= sv.Generation {
		return e.views
	}

	conns := connections.Derive(sv)
	graph := knowledgegraph.BuildTopology(sv, conns)
	next := &Views{
		Generation:  sv.Generation,
		Connections: conns,
		Summary:     connections.Summarize(conns),
		Graph:       graph,
		Resources:   sv,
	}
	e.views = next

	if err := e.graph.Load(ctx, graph); err != nil {
		e.logger.Warn("Could not load topology graph", zap.Error(err))
	}
	connections.LogUnresolved(e.logger, conns)
	for _, ref := range knowledgegraph.DanglingReferences(sv) {
		e.logger.Debug("Dangling resource reference", zap.String("id", ref.ID), zap.Error(ref))
	}
	e.logger.Debug("Views recomputed",
		observability.Generation(next.Generation),
		zap.Int("connections", len(conns)),
		zap.Int("active", next.Summary.Active),
		zap.Int("active_disconnected", next.Summary.ActiveDisconnected))
	return next
}

// runViews recomputes and publishes views after mutations settle. Bursts of
// mutations within the debounce interval produce one publication.
func (e *Engine) runViews(ctx context.Context) {
	defer e.wg.Done()
	var published uint64
	for {
		select {
		case <-e.dirty:
		case <-ctx.Done():
			return
		}
		if e.cfg.DebounceInterval > 0 {
			select {
			case <-e.clock.After(e.cfg.DebounceInterval):
			case <-ctx.Done():
				return
			}
		}
		// A synchronous Views call may already have recomputed this
		// generation; it still needs publishing.
		v := e.recompute(ctx)
		if v.Generation > published {
			e.publish(ctx, v)
			published = v.Generation
		}
	}
}

func (e *Engine) publish(ctx context.Context, v *Views) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Post(ctx, bus.Message{Type: bus.ViewsUpdated, Payload: v}); err != nil {
		e.logger.Debug("Views not published", observability.Generation(v.Generation), zap.Error(err))
	}
}
