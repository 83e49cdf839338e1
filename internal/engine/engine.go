// Package engine owns the resource store and serializes every write to it.
// Snapshot polling, push ingestion and command outcomes are independent
// producers feeding one mutation goroutine; derived views are recomputed
// from the store on a debounced schedule.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/bus"
	"github.com/SileNt525/NMOS-Controller/internal/eventlog"
	"github.com/SileNt525/NMOS-Controller/internal/ingest"
	"github.com/SileNt525/NMOS-Controller/internal/knowledgegraph"
	"github.com/SileNt525/NMOS-Controller/internal/observability"
	"github.com/SileNt525/NMOS-Controller/internal/store"
)

// ErrStopped is returned for work submitted to an engine that is not running.
var ErrStopped = errors.New("engine is not running")

// -- Interfaces for Dependency Inversion --

// Publisher receives views and fleet events. *bus.Bus satisfies it.
type Publisher interface {
	Post(ctx context.Context, msg bus.Message) error
}

// Config tunes the engine loops.
type Config struct {
	// PollInterval of zero disables periodic fetching; Refresh still works.
	PollInterval     time.Duration
	FetchTimeout     time.Duration
	DebounceInterval time.Duration
	QueueSize        int
	PushBufferSize   int
	EventLogSize     int
}

type mutation struct {
	name  string
	apply func(*store.Store) (uint64, error)
	done  chan mutationResult
}

type mutationResult struct {
	generation uint64
	err        error
}

// Engine is the single writer of the resource store.
type Engine struct {
	cfg       Config
	logger    *zap.Logger
	clock     clock.Clock
	store     *store.Store
	fetcher   schemas.ResourceFetcher
	push      schemas.PushSource
	publisher Publisher
	graph     *knowledgegraph.InMemoryKG
	merger    *ingest.Merger
	events    *eventlog.Log[schemas.FleetEvent]

	queue   chan mutation
	refresh chan struct{}
	dirty   chan struct{}

	viewsMu sync.Mutex
	views   *Views

	lifecycleMu sync.Mutex
	stopped     chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New wires an engine around st. push and publisher may be nil.
func New(
	cfg Config,
	st *store.Store,
	fetcher schemas.ResourceFetcher,
	push schemas.PushSource,
	publisher Publisher,
	graph *knowledgegraph.InMemoryKG,
	clk clock.Clock,
	logger *zap.Logger,
) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PushBufferSize <= 0 {
		cfg.PushBufferSize = 256
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.EventLogSize <= 0 {
		cfg.EventLogSize = 500
	}
	if graph == nil {
		graph = knowledgegraph.NewInMemoryKG(logger)
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "engine")),
		clock:     clk,
		store:     st,
		fetcher:   fetcher,
		push:      push,
		publisher: publisher,
		graph:     graph,
		events:    eventlog.New[schemas.FleetEvent](cfg.EventLogSize),
		queue:     make(chan mutation, cfg.QueueSize),
		refresh:   make(chan struct{}, 1),
		dirty:     make(chan struct{}, 1),
		stopped:   make(chan struct{}),
		views:     &Views{Graph: &schemas.Graph{Nodes: []schemas.Node{}, Edges: []schemas.Edge{}}},
	}
	e.merger = ingest.NewMerger(ingest.NewDecoder(clk), e, e, logger)
	return e
}

// Start launches the mutation loop, the view loop, and the poller and push
// consumer when their sources are configured. Mutations must not be
// submitted before Start. An engine runs at most once.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.cancel != nil {
		return
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.logger.Info("Starting engine",
		zap.Duration("poll_interval", e.cfg.PollInterval),
		zap.Bool("push", e.push != nil))

	e.wg.Add(2)
	go e.runMutations(ctx)
	go e.runViews(ctx)

	if e.fetcher != nil && e.cfg.PollInterval > 0 {
		e.wg.Add(1)
		go e.runPoller(ctx)
	}
	if e.push != nil {
		msgs := make(chan schemas.PushMessage, e.cfg.PushBufferSize)
		e.wg.Add(2)
		go e.runPushSource(ctx, msgs)
		go e.runPushConsumer(ctx, msgs)
	}
}

// Stop cancels the loops and waits for them to exit. Mutations already
// queued but not applied fail with ErrStopped.
func (e *Engine) Stop() {
	e.lifecycleMu.Lock()
	cancel := e.cancel
	e.lifecycleMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	e.logger.Info("Stopping engine... waiting for loops to finish.")
	e.wg.Wait()
	e.logger.Info("Engine stopped gracefully.")
}

// Generation is the store generation.
func (e *Engine) Generation() uint64 {
	return e.store.Generation()
}

// Graph is the queryable copy of the latest derived topology.
func (e *Engine) Graph() *knowledgegraph.InMemoryKG {
	return e.graph
}

// Events returns up to n recent fleet events, newest first.
func (e *Engine) Events(n int) []schemas.FleetEvent {
	return e.events.Recent(n)
}

// -- Mutation queue --

// submit enqueues fn and waits until it has been applied.
func (e *Engine) submit(ctx context.Context, name string, fn func(*store.Store) (uint64, error)) (uint64, error) {
	m := mutation{name: name, apply: fn, done: make(chan mutationResult, 1)}
	select {
	case e.queue <- m:
	case <-e.stopped:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-m.done:
		return res.generation, res.err
	case <-e.stopped:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (e *Engine) runMutations(ctx context.Context) {
	defer e.wg.Done()
	defer close(e.stopped)

	for {
		select {
		case m := <-e.queue:
			before := e.store.Generation()
			gen, err := e.apply(m)
			m.done <- mutationResult{generation: gen, err: err}
			if gen > before {
				e.markDirty()
			}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) apply(m mutation) (gen uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Recovered from panic in mutation", zap.String("mutation", m.name), zap.Any("panic_value", r))
			gen, err = e.store.Generation(), fmt.Errorf("mutation %s panicked: %v", m.name, r)
		}
	}()
	return m.apply(e.store)
}

func (e *Engine) markDirty() {
	select {
	case e.dirty <- struct{}{}:
	default:
	}
}

// ApplyPatch merges a push update into one resource record.
func (e *Engine) ApplyPatch(ctx context.Context, kind schemas.ResourceKind, id string, fields map[string]any) (uint64, error) {
	return e.submit(ctx, "apply_patch", func(s *store.Store) (uint64, error) {
		return s.ApplyPatch(kind, id, fields)
	})
}

// PatchSubscription merges a push update into a receiver subscription.
func (e *Engine) PatchSubscription(ctx context.Context, receiverID string, patch schemas.SubscriptionPatch) (uint64, error) {
	return e.submit(ctx, "patch_subscription", func(s *store.Store) (uint64, error) {
		return s.PatchSubscription(receiverID, patch)
	})
}

// Stage records an optimistic subscription for a command.
func (e *Engine) Stage(ctx context.Context, receiverID, commandID string, sub schemas.Subscription) (uint64, error) {
	return e.submit(ctx, "stage", func(s *store.Store) (uint64, error) {
		return s.Stage(receiverID, commandID, sub), nil
	})
}

// Confirm keeps a command's optimistic subscription until fresher data arrives.
func (e *Engine) Confirm(ctx context.Context, receiverID, commandID string) (uint64, error) {
	return e.submit(ctx, "confirm", func(s *store.Store) (uint64, error) {
		return s.Confirm(receiverID, commandID), nil
	})
}

// Discard rolls a command's optimistic subscription back.
func (e *Engine) Discard(ctx context.Context, receiverID, commandID string) (uint64, error) {
	return e.submit(ctx, "discard", func(s *store.Store) (uint64, error) {
		return s.Discard(receiverID, commandID), nil
	})
}

// RecordFleetEvent keeps ev in the bounded event log and forwards it.
func (e *Engine) RecordFleetEvent(ctx context.Context, ev schemas.FleetEvent) error {
	e.events.Append(ev)
	if e.publisher == nil {
		return nil
	}
	return e.publisher.Post(ctx, bus.Message{Type: bus.FleetEvent, Payload: ev})
}

// -- Snapshot polling --

// RequestRefresh schedules a fetch on the poller. Requests made while one is
// already pending are coalesced. Without a running poller the fetch runs
// inline.
func (e *Engine) RequestRefresh(ctx context.Context) error {
	if e.fetcher == nil {
		return nil
	}
	if e.cfg.PollInterval <= 0 {
		return e.Refresh(ctx)
	}
	select {
	case e.refresh <- struct{}{}:
	default:
	}
	return nil
}

// Refresh fetches a full snapshot and applies it. On failure the store keeps
// the last applied snapshot.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.fetcher == nil {
		return fmt.Errorf("no resource fetcher configured")
	}
	startedAt := e.store.Generation()

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	snap, err := e.fetcher.FetchAllResources(fetchCtx)
	if err != nil {
		var te *schemas.TransportError
		if !errors.As(err, &te) {
			te = &schemas.TransportError{Op: "fetch_resources", Err: err, Timeout: errors.Is(err, context.DeadlineExceeded)}
		}
		e.logger.Warn("Snapshot fetch failed, keeping last known state",
			observability.Generation(e.store.Generation()), zap.Error(te))
		return te
	}

	gen, err := e.submit(ctx, "apply_snapshot", func(s *store.Store) (uint64, error) {
		return s.ApplySnapshot(snap, startedAt), nil
	})
	if err != nil {
		return err
	}
	e.logger.Debug("Snapshot reconciled", observability.Generation(gen), zap.Uint64("fetch_started_at", startedAt))
	return nil
}

func (e *Engine) runPoller(ctx context.Context) {
	defer e.wg.Done()

	ticker := e.clock.Ticker(e.cfg.PollInterval)
	defer ticker.Stop()

	_ = e.Refresh(ctx)
	for {
		select {
		case <-ticker.C:
		case <-e.refresh:
		case <-ctx.Done():
			return
		}
		_ = e.Refresh(ctx)
	}
}

// -- Push ingestion --

func (e *Engine) runPushSource(ctx context.Context, out chan<- schemas.PushMessage) {
	defer e.wg.Done()
	if err := e.push.Run(ctx, out); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error("Push source stopped", zap.Error(err))
	}
}

func (e *Engine) runPushConsumer(ctx context.Context, in <-chan schemas.PushMessage) {
	defer e.wg.Done()
	for {
		select {
		case msg := <-in:
			if err := e.merger.Handle(ctx, msg); err != nil && !errors.Is(err, ErrStopped) {
				e.logger.Warn("Push message not applied", zap.String("type", msg.Type), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
