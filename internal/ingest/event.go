// Package ingest turns raw push notifications into typed events and applies
// them to the resource state in arrival order.
package ingest

import "github.com/SileNt525/NMOS-Controller/api/schemas"

// Event is the closed set of decoded push notifications. Every consumer
// switches over the concrete types exhaustively.
type Event interface {
	isEvent()
}

// ResourceChanged patches fields of one registry resource.
type ResourceChanged struct {
	Kind   schemas.ResourceKind
	ID     string
	Fields map[string]any
}

// ConnectionChanged patches the subscription of one receiver.
type ConnectionChanged struct {
	ReceiverID   string
	Subscription schemas.SubscriptionPatch
}

// FleetEventReceived carries an event for the event log and the rule engine.
// It never touches the resource state.
type FleetEventReceived struct {
	Event schemas.FleetEvent
}

// RefreshRequested asks for an out-of-band registry snapshot, used when a
// notification says something changed without saying what.
type RefreshRequested struct {
	Reason string
}

// Unknown is anything that could not be decoded. It is logged and dropped.
type Unknown struct {
	Type   string
	Reason string
}

func (ResourceChanged) isEvent()    {}
func (ConnectionChanged) isEvent()  {}
func (FleetEventReceived) isEvent() {}
func (RefreshRequested) isEvent()   {}
func (Unknown) isEvent()            {}
