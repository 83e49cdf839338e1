package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/oklog/ulid/v2"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
)

// Decoder maps wire messages to events.
type Decoder struct {
	clock clock.Clock
}

// NewDecoder creates a decoder that stamps fleet events with clk.
func NewDecoder(clk clock.Clock) *Decoder {
	if clk == nil {
		clk = clock.New()
	}
	return &Decoder{clock: clk}
}

// Decode never fails. Anything it cannot interpret becomes Unknown.
func (d *Decoder) Decode(msg schemas.PushMessage) Event {
	switch msg.Type {
	case schemas.PushDeviceUpdate:
		return decodeResourceChange(msg)
	case schemas.PushConnectionStatusUpdate, schemas.PushConnectionUpdate:
		return decodeConnectionChange(msg)
	case schemas.PushNewNMOSEvent, schemas.PushEventTrigger:
		return d.decodeFleetEvent(msg)
	default:
		return Unknown{Type: msg.Type, Reason: "unrecognized message type"}
	}
}

// -- DEVICE_UPDATE --

// Accepted shapes:
//
//	{"kind": "sender", "id": "...", "fields": {...}}
//	{"resource_type": "senders", "resource_id": "...", "data": {...}}
//	{"id": "...", "label": "..."}          flat, kind defaults to device
func decodeResourceChange(msg schemas.PushMessage) Event {
	if isEmpty(msg.Payload) {
		return RefreshRequested{Reason: "device update without payload"}
	}
	var body map[string]any
	if err := json.Unmarshal(msg.Payload, &body); err != nil {
		return Unknown{Type: msg.Type, Reason: fmt.Sprintf("payload is not an object: %v", err)}
	}

	kind := schemas.KindDevice
	for _, key := range []string{"kind", "resource_type"} {
		if raw, ok := body[key].(string); ok {
			k, err := schemas.ParseResourceKind(raw)
			if err != nil {
				return Unknown{Type: msg.Type, Reason: err.Error()}
			}
			kind = k
		}
	}

	id := firstString(body, "id", "resource_id")
	if id == "" {
		return RefreshRequested{Reason: "device update without resource id"}
	}

	var fields map[string]any
	for _, key := range []string{"fields", "data"} {
		if m, ok := body[key].(map[string]any); ok {
			fields = m
			break
		}
	}
	if fields == nil {
		fields = make(map[string]any, len(body))
		for k, v := range body {
			switch k {
			case "kind", "resource_type", "id", "resource_id":
				continue
			}
			fields[k] = v
		}
	}
	if len(fields) == 0 {
		return RefreshRequested{Reason: fmt.Sprintf("%s %s changed without detail", kind, id)}
	}
	return ResourceChanged{Kind: kind, ID: id, Fields: fields}
}

// -- CONNECTION_STATUS_UPDATE / CONNECTION_UPDATE --

type connectionPayload struct {
	ReceiverID       string          `json:"receiver_id"`
	Active           json.RawMessage `json:"active"`
	ActiveConnection json.RawMessage `json:"active_connection"`
	SenderID         json.RawMessage `json:"sender_id"`
	MasterEnable     *bool           `json:"master_enable"`
}

type activeEndpoint struct {
	SenderID     json.RawMessage `json:"sender_id"`
	MasterEnable *bool           `json:"master_enable"`
}

// Accepted shapes:
//
//	{"receiver_id": "...", "active": {"sender_id": "...", "master_enable": true}}
//	{"receiver_id": "...", "active_connection": {"sender_id": "...", "master_enable": true}}
//	{"receiver_id": "...", "sender_id": "...", "active": true}
func decodeConnectionChange(msg schemas.PushMessage) Event {
	var p connectionPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return Unknown{Type: msg.Type, Reason: fmt.Sprintf("undecodable connection payload: %v", err)}
	}
	if p.ReceiverID == "" {
		return RefreshRequested{Reason: "connection update without receiver id"}
	}

	var patch schemas.SubscriptionPatch
	var err error

	switch {
	case isObject(p.ActiveConnection):
		patch, err = endpointPatch(p.ActiveConnection)
	case isObject(p.Active):
		patch, err = endpointPatch(p.Active)
	default:
		patch.SenderID, err = optionalSender(p.SenderID)
		if err == nil && !isEmpty(p.Active) {
			var active bool
			if err = json.Unmarshal(p.Active, &active); err == nil {
				patch.Active = &active
			}
		}
		if err == nil && patch.Active == nil && p.MasterEnable != nil {
			patch.Active = p.MasterEnable
		}
	}
	if err != nil {
		return Unknown{Type: msg.Type, Reason: err.Error()}
	}
	if patch.SenderID == nil && patch.Active == nil {
		return RefreshRequested{Reason: fmt.Sprintf("connection update for %s without subscription detail", p.ReceiverID)}
	}
	return ConnectionChanged{ReceiverID: p.ReceiverID, Subscription: patch}
}

func endpointPatch(raw json.RawMessage) (schemas.SubscriptionPatch, error) {
	var ep activeEndpoint
	if err := json.Unmarshal(raw, &ep); err != nil {
		return schemas.SubscriptionPatch{}, fmt.Errorf("undecodable active endpoint: %w", err)
	}
	sender, err := optionalSender(ep.SenderID)
	if err != nil {
		return schemas.SubscriptionPatch{}, err
	}
	return schemas.SubscriptionPatch{SenderID: sender, Active: ep.MasterEnable}, nil
}

// optionalSender distinguishes an absent sender_id (nil) from an explicit
// null, which clears the sender.
func optionalSender(raw json.RawMessage) (*string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if isNull(raw) {
		empty := ""
		return &empty, nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, fmt.Errorf("sender_id is not a string: %w", err)
	}
	return &id, nil
}

// -- NEW_NMOS_EVENT / EVENT_TRIGGER --

func (d *Decoder) decodeFleetEvent(msg schemas.PushMessage) Event {
	ev := schemas.FleetEvent{
		ID:         ulid.Make().String(),
		Type:       msg.Type,
		ReceivedAt: d.clock.Now(),
		Payload:    msg.Payload,
	}
	var body map[string]any
	if err := json.Unmarshal(msg.Payload, &body); err == nil {
		ev.Source = firstString(body, "source_id", "source")
	}
	return FleetEventReceived{Event: ev}
}

// -- helpers --

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func isEmpty(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || isNull(raw)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
