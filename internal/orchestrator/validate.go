package orchestrator

import (
	"fmt"
	"time"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
)

// validate checks a request before anything is staged or sent.
func validate(req schemas.ConnectionRequest, kind schemas.CommandKind, now time.Time) error {
	if req.ReceiverID == "" {
		return &schemas.ValidationError{Field: "receiver_id", Reason: "is required"}
	}
	if kind != schemas.CommandDisconnect && req.SenderID == "" {
		return &schemas.ValidationError{Field: "sender_id", Reason: "is required to connect"}
	}
	return validateActivation(req.Activation, now)
}

func validateActivation(a schemas.Activation, now time.Time) error {
	switch a.Mode {
	case schemas.ActivateImmediate:
		// Any supplied time is ignored.
		return nil
	case schemas.ActivateScheduledAbsolute:
		if a.At.IsZero() {
			return &schemas.ValidationError{Field: "activation.at", Reason: "is required for scheduled absolute activation"}
		}
		if a.At.Before(now) {
			return &schemas.ValidationError{Field: "activation.at", Reason: fmt.Sprintf("%s is in the past", a.At.Format(time.RFC3339))}
		}
		return nil
	case schemas.ActivateScheduledRelative:
		if a.After <= 0 {
			return &schemas.ValidationError{Field: "activation.after", Reason: "must be positive for scheduled relative activation"}
		}
		return nil
	case "":
		return &schemas.ValidationError{Field: "activation.mode", Reason: "is required"}
	default:
		return &schemas.ValidationError{Field: "activation.mode", Reason: fmt.Sprintf("unknown mode %q", a.Mode)}
	}
}

// normalize fills the defaults the control service expects and drops the
// activation time of immediate requests.
func normalize(req schemas.ConnectionRequest) schemas.ConnectionRequest {
	if len(req.TransportParams) == 0 {
		req.TransportParams = []map[string]any{{}}
	}
	if req.Activation.Mode == schemas.ActivateImmediate {
		req.Activation.At = time.Time{}
		req.Activation.After = 0
	}
	return req
}

// expected is the subscription a successful immediate command leaves behind.
func expected(req schemas.ConnectionRequest) schemas.Subscription {
	return schemas.Subscription{SenderID: req.SenderID, Active: req.SenderID != ""}
}
