// Package connections derives the receiver to sender relation from raw
// resource state. Nothing here is stored; every call recomputes.
package connections

import (
	"go.uber.org/zap"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/observability"
	"github.com/SileNt525/NMOS-Controller/internal/store"
)

// Derive returns one connection per receiver, in receiver order.
func Derive(v *store.View) []schemas.Connection {
	out := make([]schemas.Connection, 0, len(v.Receivers))
	for _, r := range v.Receivers {
		out = append(out, deriveOne(v, r))
	}
	return out
}

func deriveOne(v *store.View, r schemas.ResourceReceiver) schemas.Connection {
	c := schemas.Connection{ID: r.ID, Status: schemas.StatusInactive}
	if !r.Subscription.Active {
		return c
	}
	c.SenderID = r.Subscription.SenderID
	if c.SenderID != "" && v.HasSender(c.SenderID) {
		c.Status = schemas.StatusActive
	} else {
		c.Status = schemas.StatusActiveDisconnected
	}
	return c
}

// Summarize counts connections per status.
func Summarize(conns []schemas.Connection) schemas.ConnectionSummary {
	s := schemas.ConnectionSummary{Total: len(conns)}
	for _, c := range conns {
		switch c.Status {
		case schemas.StatusActive:
			s.Active++
		case schemas.StatusActiveDisconnected:
			s.ActiveDisconnected++
		case schemas.StatusInactive:
			s.Inactive++
		}
	}
	return s
}

// Unresolved lists the dangling subscriptions as typed errors for logging.
func Unresolved(conns []schemas.Connection) []*schemas.UnresolvedReferenceError {
	var out []*schemas.UnresolvedReferenceError
	for _, c := range conns {
		if c.Status == schemas.StatusActiveDisconnected {
			out = append(out, &schemas.UnresolvedReferenceError{
				Kind:     schemas.KindReceiver,
				ID:       c.ID,
				Field:    "subscription.sender_id",
				TargetID: c.SenderID,
			})
		}
	}
	return out
}

// LogUnresolved writes each dangling subscription at debug level.
func LogUnresolved(logger *zap.Logger, conns []schemas.Connection) {
	if !logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	for _, ref := range Unresolved(conns) {
		logger.Debug("Receiver is active but its sender is unknown",
			observability.ReceiverID(ref.ID), zap.Error(ref))
	}
}
