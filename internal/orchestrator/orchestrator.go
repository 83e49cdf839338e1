// Package orchestrator issues connection commands against the control
// service, tracks them by ID and reconciles their outcome with the local
// optimistic overlay.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/bus"
	"github.com/SileNt525/NMOS-Controller/internal/eventlog"
	"github.com/SileNt525/NMOS-Controller/internal/observability"
)

// Overlay is the optimistic layer of the resource state.
type Overlay interface {
	Stage(ctx context.Context, receiverID, commandID string, sub schemas.Subscription) (uint64, error)
	Confirm(ctx context.Context, receiverID, commandID string) (uint64, error)
	Discard(ctx context.Context, receiverID, commandID string) (uint64, error)
}

// Publisher receives command state changes. *bus.Bus satisfies it.
type Publisher interface {
	Post(ctx context.Context, msg bus.Message) error
}

// Config bounds the external calls.
type Config struct {
	CommandTimeout time.Duration
	StatusTimeout  time.Duration
	HistorySize    int
}

// Orchestrator is safe for concurrent use. Commands run asynchronously; those
// addressing the same receiver run one after another in submission order.
type Orchestrator struct {
	client    schemas.ControlClient
	overlay   Overlay
	publisher Publisher
	clock     clock.Clock
	cfg       Config
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[string]*Pending
	// tails maps a receiver to the done channel of its most recent command.
	tails   map[string]chan struct{}
	history *eventlog.Log[schemas.Command]
	wg      sync.WaitGroup
}

// New creates an orchestrator. publisher may be nil.
func New(client schemas.ControlClient, overlay Overlay, publisher Publisher, clk clock.Clock, cfg Config, logger *zap.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = cfg.CommandTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return &Orchestrator{
		client:    client,
		overlay:   overlay,
		publisher: publisher,
		clock:     clk,
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
		inflight:  make(map[string]*Pending),
		tails:     make(map[string]chan struct{}),
		history:   eventlog.New[schemas.Command](cfg.HistorySize),
	}
}

// Connect submits a single connection change. The command keeps running
// after ctx ends; ctx only supplies values for the calls it makes.
func (o *Orchestrator) Connect(ctx context.Context, req schemas.ConnectionRequest) *Pending {
	return o.submit(ctx, schemas.CommandConnect, req)
}

// Disconnect releases a receiver from its sender.
func (o *Orchestrator) Disconnect(ctx context.Context, receiverID string, activation schemas.Activation) *Pending {
	return o.submit(ctx, schemas.CommandDisconnect, schemas.ConnectionRequest{ReceiverID: receiverID, Activation: activation})
}

func (o *Orchestrator) submit(ctx context.Context, kind schemas.CommandKind, req schemas.ConnectionRequest) *Pending {
	p := newPending(o.newCommand(kind, "", req))

	if err := validate(req, kind, o.clock.Now()); err != nil {
		o.complete(ctx, p, nil, err)
		return p
	}

	o.mu.Lock()
	prev := o.tails[req.ReceiverID]
	done := make(chan struct{})
	o.tails[req.ReceiverID] = done
	o.inflight[p.ID()] = p
	o.mu.Unlock()

	o.publish(ctx, p.Command())
	o.logger.Debug("Command submitted",
		observability.CommandID(p.ID()), zap.String("kind", string(kind)), observability.ReceiverID(req.ReceiverID))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release([]string{req.ReceiverID}, done)
		if prev != nil {
			<-prev
		}
		o.runSingle(context.WithoutCancel(ctx), p, normalize(req))
	}()
	return p
}

func (o *Orchestrator) runSingle(ctx context.Context, p *Pending, req schemas.ConnectionRequest) {
	staged := o.stage(ctx, p.ID(), req)

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	defer cancel()

	res, err := o.client.Connect(callCtx, req)
	if err != nil {
		err = classify("connect", callCtx, err)
	} else if !res.Succeeded() {
		err = &schemas.RemoteError{Detail: rejectionDetail(res)}
	}

	o.settle(ctx, p.ID(), req.ReceiverID, staged, err)
	o.complete(ctx, p, resultDetails(res), err)
}

// BulkConnect validates each element independently and sends the valid ones
// in a single call. A receiver may appear only once per batch.
func (o *Orchestrator) BulkConnect(ctx context.Context, reqs []schemas.ConnectionRequest) *Batch {
	batch := &Batch{id: uuid.NewString(), elements: make([]*Pending, len(reqs))}

	now := o.clock.Now()
	seen := make(map[string]bool, len(reqs))
	var valid []int
	for i, req := range reqs {
		p := newPending(o.newCommand(schemas.CommandBulkConnect, batch.id, req))
		batch.elements[i] = p

		err := validate(req, schemas.CommandConnect, now)
		if err == nil && seen[req.ReceiverID] {
			err = &schemas.ValidationError{Field: "receiver_id", Reason: fmt.Sprintf("%s appears more than once in the batch", req.ReceiverID)}
		}
		if err != nil {
			o.complete(ctx, p, nil, err)
			continue
		}
		seen[req.ReceiverID] = true
		valid = append(valid, i)
	}
	if len(valid) == 0 {
		return batch
	}

	done := make(chan struct{})
	receivers := make([]string, 0, len(valid))
	var prevs []chan struct{}

	o.mu.Lock()
	for _, i := range valid {
		rid := reqs[i].ReceiverID
		if prev := o.tails[rid]; prev != nil {
			prevs = append(prevs, prev)
		}
		o.tails[rid] = done
		o.inflight[batch.elements[i].ID()] = batch.elements[i]
		receivers = append(receivers, rid)
	}
	o.mu.Unlock()

	for _, i := range valid {
		o.publish(ctx, batch.elements[i].Command())
	}
	o.logger.Debug("Batch submitted",
		zap.String("batch_id", batch.id), zap.Int("elements", len(reqs)), zap.Int("valid", len(valid)))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(receivers, done)
		for _, prev := range prevs {
			<-prev
		}
		o.runBatch(context.WithoutCancel(ctx), batch, reqs, valid)
	}()
	return batch
}

func (o *Orchestrator) runBatch(ctx context.Context, batch *Batch, reqs []schemas.ConnectionRequest, valid []int) {
	sent := make([]schemas.ConnectionRequest, len(valid))
	staged := make([]bool, len(valid))
	for j, i := range valid {
		sent[j] = normalize(reqs[i])
		staged[j] = o.stage(ctx, batch.elements[i].ID(), sent[j])
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	defer cancel()

	results, callErr := o.client.BulkConnect(callCtx, sent)
	if callErr != nil {
		callErr = classify("bulk_connect", callCtx, callErr)
	}
	matched := matchResults(sent, results)

	for j, i := range valid {
		p := batch.elements[i]
		err := callErr
		var details map[string]any
		if err == nil {
			res, ok := matched[j]
			switch {
			case !ok:
				err = &schemas.RemoteError{Detail: "no result returned for this element"}
			case !res.Succeeded():
				err = &schemas.RemoteError{Detail: rejectionDetail(res)}
				details = resultDetails(res)
			default:
				details = resultDetails(res)
			}
		}
		o.settle(ctx, p.ID(), sent[j].ReceiverID, staged[j], err)
		o.complete(ctx, p, details, err)
	}
}

// matchResults pairs results to requests by receiver ID. Results without a
// receiver ID fall back to positional matching.
func matchResults(sent []schemas.ConnectionRequest, results []schemas.ControlResult) map[int]schemas.ControlResult {
	byReceiver := make(map[string]int, len(sent))
	for j, req := range sent {
		byReceiver[req.ReceiverID] = j
	}
	out := make(map[int]schemas.ControlResult, len(results))
	for k, res := range results {
		if j, ok := byReceiver[res.ReceiverID]; ok && res.ReceiverID != "" {
			out[j] = res
			continue
		}
		if res.ReceiverID == "" && k < len(sent) {
			if _, taken := out[k]; !taken {
				out[k] = res
			}
		}
	}
	return out
}

// GetStatus asks the control service directly, bypassing derived state.
func (o *Orchestrator) GetStatus(ctx context.Context, receiverID string) (*schemas.ConnectionStatusReport, error) {
	if receiverID == "" {
		return nil, &schemas.ValidationError{Field: "receiver_id", Reason: "is required"}
	}
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.StatusTimeout)
	defer cancel()

	report, err := o.client.GetConnectionStatus(callCtx, receiverID)
	if err != nil {
		return nil, classify("connection_status", callCtx, err)
	}
	return report, nil
}

// Command looks a command up among in-flight and recently finished ones.
func (o *Orchestrator) Command(id string) (schemas.Command, bool) {
	o.mu.Lock()
	p, ok := o.inflight[id]
	o.mu.Unlock()
	if ok {
		return p.Command(), true
	}
	return o.history.Find(func(c schemas.Command) bool { return c.ID == id })
}

// Recent returns up to n finished commands, newest first.
func (o *Orchestrator) Recent(n int) []schemas.Command {
	return o.history.Recent(n)
}

// Shutdown waits for in-flight commands. Every command is bounded by the
// command timeout, so this returns once the last one settles or ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// -- internals --

func (o *Orchestrator) newCommand(kind schemas.CommandKind, batchID string, req schemas.ConnectionRequest) schemas.Command {
	cmd := schemas.Command{
		ID:          uuid.NewString(),
		BatchID:     batchID,
		Kind:        kind,
		SenderID:    req.SenderID,
		Activation:  req.Activation,
		State:       schemas.CommandPending,
		SubmittedAt: o.clock.Now(),
	}
	if req.ReceiverID != "" {
		cmd.ReceiverIDs = []string{req.ReceiverID}
	}
	return cmd
}

// stage writes the optimistic overlay for immediate commands. Scheduled
// commands leave the subscription alone until activation.
func (o *Orchestrator) stage(ctx context.Context, commandID string, req schemas.ConnectionRequest) bool {
	if o.overlay == nil || req.Activation.Mode != schemas.ActivateImmediate {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	defer cancel()
	if _, err := o.overlay.Stage(ctx, req.ReceiverID, commandID, expected(req)); err != nil {
		o.logger.Warn("Could not stage optimistic state",
			observability.CommandID(commandID), observability.ReceiverID(req.ReceiverID), zap.Error(err))
		return false
	}
	return true
}

// settle confirms or rolls back a staged overlay.
func (o *Orchestrator) settle(ctx context.Context, commandID, receiverID string, staged bool, cmdErr error) {
	if !staged {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	defer cancel()
	var err error
	if cmdErr == nil {
		_, err = o.overlay.Confirm(ctx, receiverID, commandID)
	} else {
		_, err = o.overlay.Discard(ctx, receiverID, commandID)
	}
	if err != nil {
		o.logger.Warn("Could not settle optimistic state",
			observability.CommandID(commandID), observability.ReceiverID(receiverID), zap.Error(err))
	}
}

func (o *Orchestrator) complete(ctx context.Context, p *Pending, details map[string]any, err error) {
	cmd := p.Command()
	cmd.CompletedAt = o.clock.Now()
	if err != nil {
		cmd.State = schemas.CommandFailed
		cmd.Error = err.Error()
	} else {
		cmd.State = schemas.CommandSucceeded
	}

	o.history.Append(cmd)
	o.mu.Lock()
	delete(o.inflight, cmd.ID)
	o.mu.Unlock()

	fields := []zap.Field{
		observability.CommandID(cmd.ID),
		zap.String("kind", string(cmd.Kind)),
		zap.Strings("receiver_ids", cmd.ReceiverIDs),
		zap.String("state", string(cmd.State)),
	}
	switch {
	case err == nil:
		o.logger.Info("Command succeeded", fields...)
	case schemas.IsValidation(err):
		o.logger.Warn("Command rejected locally", append(fields, zap.Error(err))...)
	default:
		o.logger.Error("Command failed", append(fields, zap.Error(err))...)
	}

	p.finish(schemas.CommandResult{Command: cmd, Details: details, Err: err})
	o.publish(ctx, cmd)
}

func (o *Orchestrator) release(receivers []string, done chan struct{}) {
	o.mu.Lock()
	for _, rid := range receivers {
		if o.tails[rid] == done {
			delete(o.tails, rid)
		}
	}
	o.mu.Unlock()
	close(done)
}

func (o *Orchestrator) publish(ctx context.Context, cmd schemas.Command) {
	if o.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CommandTimeout)
	defer cancel()
	if err := o.publisher.Post(pubCtx, bus.Message{Type: bus.CommandUpdated, Payload: cmd}); err != nil {
		o.logger.Debug("Command update not published", observability.CommandID(cmd.ID), zap.Error(err))
	}
}

// classify maps a failed call onto the error taxonomy.
func classify(op string, callCtx context.Context, err error) error {
	var remote *schemas.RemoteError
	if errors.As(err, &remote) {
		return remote
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &schemas.TransportError{Op: op, Timeout: true, Err: err}
	}
	var transport *schemas.TransportError
	if errors.As(err, &transport) {
		return transport
	}
	return &schemas.TransportError{Op: op, Err: err}
}

func rejectionDetail(res schemas.ControlResult) string {
	if res.Detail != "" {
		return res.Detail
	}
	if res.Status == "" {
		return "control service returned no status"
	}
	return fmt.Sprintf("control service reported %q", res.Status)
}

func resultDetails(res schemas.ControlResult) map[string]any {
	if res.Detail == "" && len(res.Details) == 0 {
		return nil
	}
	out := make(map[string]any, len(res.Details)+1)
	for k, v := range res.Details {
		out[k] = v
	}
	if res.Detail != "" {
		out["detail"] = res.Detail
	}
	return out
}
