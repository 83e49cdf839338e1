// Package selection turns picks on topology nodes into a connection command.
// It knows nothing about rendering; callers feed it node IDs.
package selection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/bus"
	"github.com/SileNt525/NMOS-Controller/internal/observability"
)

// State is the workflow position.
type State string

const (
	Idle                 State = "idle"
	OneSelected          State = "one_selected"
	PairSelected         State = "pair_selected"
	AwaitingConfirmation State = "awaiting_confirmation"
	Committed            State = "committed"
	Cancelled            State = "cancelled"
)

// ErrNotSelectable is returned for clicks on nodes that cannot take part in
// a connection, such as nodes and devices.
var ErrNotSelectable = errors.New("node is not selectable")

// NodeResolver looks up topology nodes. *knowledgegraph.InMemoryKG
// satisfies it.
type NodeResolver interface {
	GetNode(ctx context.Context, id string) (schemas.Node, error)
}

// CommitFunc submits the connection and returns the command ID.
type CommitFunc func(ctx context.Context, req schemas.ConnectionRequest) (string, error)

// Publisher receives selection changes. *bus.Bus satisfies it.
type Publisher interface {
	Post(ctx context.Context, msg bus.Message) error
}

// Snapshot is a copy of the machine state.
type Snapshot struct {
	State      State  `json:"state"`
	SenderID   string `json:"sender_id,omitempty"`
	ReceiverID string `json:"receiver_id,omitempty"`
	// CommandID is set after a successful confirm.
	CommandID string `json:"command_id,omitempty"`
	// Error holds the reason the last confirm was refused.
	Error string `json:"error,omitempty"`
}

// Machine is safe for concurrent use.
type Machine struct {
	resolver   NodeResolver
	commit     CommitFunc
	publisher  Publisher
	activation schemas.Activation
	logger     *zap.Logger

	mu    sync.Mutex
	state Snapshot
}

// New creates a machine in Idle. publisher may be nil.
func New(resolver NodeResolver, commit CommitFunc, publisher Publisher, activation schemas.Activation, logger *zap.Logger) *Machine {
	if activation.Mode == "" {
		activation.Mode = schemas.ActivateImmediate
	}
	return &Machine{
		resolver:   resolver,
		commit:     commit,
		publisher:  publisher,
		activation: activation,
		logger:     logger.Named("selection"),
		state:      Snapshot{State: Idle},
	}
}

// State returns the current selection.
func (m *Machine) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Click selects or deselects a node.
//
// A node of the kind already selected replaces it. A node of the opposite
// kind forms a pair: Click returns the PairSelected snapshot and the machine
// moves on to AwaitingConfirmation, publishing both. Clicking a selected node
// clears the selection.
func (m *Machine) Click(ctx context.Context, nodeID string) (Snapshot, error) {
	node, err := m.resolver.GetNode(ctx, nodeID)
	if err != nil {
		return m.State(), fmt.Errorf("resolving node %s: %w", nodeID, err)
	}
	if !node.Type.Selectable() {
		return m.State(), fmt.Errorf("%s (%s): %w", nodeID, node.Type, ErrNotSelectable)
	}

	m.mu.Lock()
	next := m.state
	if next.State == Committed || next.State == Cancelled {
		next = Snapshot{State: Idle}
	}
	next.CommandID, next.Error = "", ""

	switch {
	case next.SenderID == nodeID || next.ReceiverID == nodeID:
		next = Snapshot{State: Idle}
	case node.Type == schemas.NodeTypeSender:
		next.SenderID = nodeID
	default:
		next.ReceiverID = nodeID
	}
	pair := next.SenderID != "" && next.ReceiverID != ""
	if pair {
		next.State = PairSelected
	} else if next.SenderID != "" || next.ReceiverID != "" {
		next.State = OneSelected
	}
	snap := m.setLocked(next)
	prompt := snap
	if pair {
		prompt.State = AwaitingConfirmation
		m.setLocked(prompt)
	}
	m.mu.Unlock()

	m.publish(ctx, snap)
	if pair {
		m.publish(ctx, prompt)
	}
	return snap, nil
}

// Confirm submits the selected pair as a connect. On success the machine is
// Committed with the selection cleared. A refused submission leaves the
// machine awaiting confirmation with the reason in Error.
func (m *Machine) Confirm(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	cur := m.state
	if cur.State != AwaitingConfirmation {
		m.mu.Unlock()
		return cur, fmt.Errorf("cannot confirm from %s", cur.State)
	}
	m.mu.Unlock()

	req := schemas.ConnectionRequest{
		SenderID:   cur.SenderID,
		ReceiverID: cur.ReceiverID,
		Activation: m.activation,
	}
	cmdID, err := m.commit(ctx, req)

	m.mu.Lock()
	if m.state != cur {
		// Another caller moved the machine while the commit was submitted.
		latest := m.state
		m.mu.Unlock()
		return latest, err
	}
	var next Snapshot
	if err != nil {
		next = cur
		next.State = AwaitingConfirmation
		next.Error = err.Error()
	} else {
		next = Snapshot{State: Committed, CommandID: cmdID}
	}
	snap := m.setLocked(next)
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("Connection not submitted",
			observability.SenderID(req.SenderID), observability.ReceiverID(req.ReceiverID), zap.Error(err))
	} else {
		m.logger.Info("Connection submitted",
			observability.SenderID(req.SenderID), observability.ReceiverID(req.ReceiverID), observability.CommandID(cmdID))
	}
	m.publish(ctx, snap)
	return snap, err
}

// Cancel abandons the selection. It is a no-op in Idle.
func (m *Machine) Cancel(ctx context.Context) Snapshot {
	m.mu.Lock()
	if m.state.State == Idle {
		cur := m.state
		m.mu.Unlock()
		return cur
	}
	snap := m.setLocked(Snapshot{State: Cancelled})
	m.mu.Unlock()

	m.publish(ctx, snap)
	return snap
}

func (m *Machine) setLocked(next Snapshot) Snapshot {
	if m.state.State != next.State {
		m.logger.Debug("Selection state changed",
			zap.String("from", string(m.state.State)), zap.String("to", string(next.State)))
	}
	m.state = next
	return next
}

func (m *Machine) publish(ctx context.Context, snap Snapshot) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Post(ctx, bus.Message{Type: bus.SelectionChanged, Payload: snap}); err != nil {
		m.logger.Debug("Selection change not published", zap.Error(err))
	}
}
