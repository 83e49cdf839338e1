package schemas

import (
	"fmt"
	"time"
)

// CommandKind is the closed set of connection commands.
type CommandKind string

const (
	CommandConnect     CommandKind = "connect"
	CommandDisconnect  CommandKind = "disconnect"
	CommandBulkConnect CommandKind = "bulk_connect"
)

// ActivationMode controls when a requested connection change takes effect.
// Values are the IS-05 wire names.
type ActivationMode string

const (
	ActivateImmediate         ActivationMode = "activate_immediate"
	ActivateScheduledAbsolute ActivationMode = "activate_scheduled_absolute"
	ActivateScheduledRelative ActivationMode = "activate_scheduled_relative"
)

// Scheduled reports whether the mode needs an activation time.
func (m ActivationMode) Scheduled() bool {
	return m == ActivateScheduledAbsolute || m == ActivateScheduledRelative
}

// ParseActivationMode accepts the wire names and the short forms used on the
// command line ("immediate", "absolute", "relative").
func ParseActivationMode(s string) (ActivationMode, error) {
	switch s {
	case "", "immediate", string(ActivateImmediate):
		return ActivateImmediate, nil
	case "absolute", string(ActivateScheduledAbsolute):
		return ActivateScheduledAbsolute, nil
	case "relative", string(ActivateScheduledRelative):
		return ActivateScheduledRelative, nil
	}
	return "", fmt.Errorf("unknown activation mode %q", s)
}

// Activation describes when a command takes effect. At is used for
// scheduled-absolute, After for scheduled-relative; both are ignored for
// immediate activation.
type Activation struct {
	Mode  ActivationMode `json:"mode"`
	At    time.Time      `json:"at,omitempty"`
	After time.Duration  `json:"after,omitempty"`
}

// RequestedTime renders the activation time in the IS-05 "<sec>:<nsec>" form.
// It is empty for immediate activation.
func (a Activation) RequestedTime() string {
	switch a.Mode {
	case ActivateScheduledAbsolute:
		return fmt.Sprintf("%d:%d", a.At.Unix(), a.At.Nanosecond())
	case ActivateScheduledRelative:
		return fmt.Sprintf("%d:%d", int64(a.After/time.Second), int64(a.After%time.Second))
	}
	return ""
}

// ConnectionRequest is one connection change addressed to the control service.
// An empty SenderID requests a disconnect.
type ConnectionRequest struct {
	SenderID        string           `json:"sender_id,omitempty"`
	ReceiverID      string           `json:"receiver_id"`
	TransportParams []map[string]any `json:"transport_params"`
	Activation      Activation       `json:"activation"`
}

// CommandState is the lifecycle state of a command.
type CommandState string

const (
	CommandPending   CommandState = "pending"
	CommandSucceeded CommandState = "succeeded"
	CommandFailed    CommandState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s CommandState) Terminal() bool {
	return s == CommandSucceeded || s == CommandFailed
}

// Command is the tracked record of a submitted connection change.
type Command struct {
	ID          string       `json:"id"`
	BatchID     string       `json:"batch_id,omitempty"`
	Kind        CommandKind  `json:"kind"`
	ReceiverIDs []string     `json:"receiver_ids"`
	SenderID    string       `json:"sender_id,omitempty"`
	Activation  Activation   `json:"activation"`
	State       CommandState `json:"state"`
	Error       string       `json:"error,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
}

// CommandResult is the terminal outcome of one command. Err carries the typed
// failure (ValidationError, RemoteError, TransportError).
type CommandResult struct {
	Command Command        `json:"command"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

// ControlResult is the control service's per-connection answer.
type ControlResult struct {
	SenderID   string         `json:"sender_id"`
	ReceiverID string         `json:"receiver_id"`
	Status     string         `json:"status"`
	Detail     string         `json:"detail,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Succeeded reports whether the control service accepted the change.
func (r ControlResult) Succeeded() bool {
	return r.Status == "success"
}

// ConnectionStatusReport is the control service's authoritative view of one
// receiver.
type ConnectionStatusReport struct {
	ReceiverID string         `json:"receiver_id"`
	Status     string         `json:"status"`
	Details    map[string]any `json:"details,omitempty"`
}
