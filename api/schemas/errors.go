package schemas

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError is a malformed command caught before any external call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// TransportError is a network failure or a bounded wait that expired.
type TransportError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError is a request that reached the control service and was rejected.
type RemoteError struct {
	StatusCode int
	Detail     string
}

func (e *RemoteError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("rejected by control service: %s", e.Detail)
	}
	return fmt.Sprintf("rejected by control service (HTTP %d): %s", e.StatusCode, e.Detail)
}

// UnresolvedReferenceError records an entity pointing at a missing related
// entity. It is logged, never returned as fatal.
type UnresolvedReferenceError struct {
	Kind     ResourceKind
	ID       string
	Field    string
	TargetID string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("%s %s: %s references unknown %s", e.Kind, e.ID, e.Field, e.TargetID)
}

// PartialBatchFailure reports a bulk command where some elements failed.
// Results always holds every element in input order.
type PartialBatchFailure struct {
	Failed  []int
	Results []CommandResult
}

func (e *PartialBatchFailure) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for _, i := range e.Failed {
		ids = append(ids, e.Results[i].Command.ID)
	}
	return fmt.Sprintf("%d of %d batch elements failed: %s", len(e.Failed), len(e.Results), strings.Join(ids, ", "))
}

// IsValidation reports whether err is a local validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	var t *TransportError
	return errors.As(err, &t) && t.Timeout
}

// IsRemote reports whether err is a rejection from the control service.
func IsRemote(err error) bool {
	var r *RemoteError
	return errors.As(err, &r)
}
