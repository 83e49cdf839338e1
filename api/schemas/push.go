package schemas

import (
	"encoding/json"
	"time"
)

// Push message types recognized on the notification channel.
const (
	PushDeviceUpdate           = "DEVICE_UPDATE"
	PushConnectionStatusUpdate = "CONNECTION_STATUS_UPDATE"
	PushConnectionUpdate       = "CONNECTION_UPDATE"
	PushNewNMOSEvent           = "NEW_NMOS_EVENT"
	PushEventTrigger           = "EVENT_TRIGGER"
)

// PushMessage is one raw notification as it arrives on the push channel.
type PushMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// FleetEvent is an IS-07 style event forwarded to event consumers. The core
// only records it in the bounded event log.
type FleetEvent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Source     string          `json:"source,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
