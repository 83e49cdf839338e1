package schemas

import "fmt"

// ResourceKind names one of the four registry collections.
type ResourceKind string

const (
	KindNode     ResourceKind = "node"
	KindDevice   ResourceKind = "device"
	KindSender   ResourceKind = "sender"
	KindReceiver ResourceKind = "receiver"
)

// ParseResourceKind accepts both the singular and the IS-04 plural form.
func ParseResourceKind(s string) (ResourceKind, error) {
	switch s {
	case "node", "nodes":
		return KindNode, nil
	case "device", "devices":
		return KindDevice, nil
	case "sender", "senders":
		return KindSender, nil
	case "receiver", "receivers":
		return KindReceiver, nil
	}
	return "", fmt.Errorf("unknown resource kind %q", s)
}

// ResourceNode is a physical or logical host in the fleet.
type ResourceNode struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	Description   string `json:"description,omitempty"`
	Href          string `json:"href,omitempty"`
	NetworkDevice string `json:"attached_network_device,omitempty"`
	Authorized    bool   `json:"authorization"`
}

// ResourceDevice is a functional unit hosted on a node.
type ResourceDevice struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Type       string `json:"type,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
	Authorized bool   `json:"authorization"`
}

// ResourceSender is an outgoing stream endpoint.
type ResourceSender struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Format   string `json:"format,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// Subscription is a receiver's record of the sender it is bound to.
// An empty SenderID means no sender.
type Subscription struct {
	SenderID string `json:"sender_id,omitempty"`
	Active   bool   `json:"active"`
}

// ResourceReceiver is an incoming stream endpoint.
type ResourceReceiver struct {
	ID           string       `json:"id"`
	Label        string       `json:"label"`
	Format       string       `json:"format,omitempty"`
	DeviceID     string       `json:"device_id,omitempty"`
	Subscription Subscription `json:"subscription"`
}

// Snapshot is a full, authoritative pull of all resource collections.
type Snapshot struct {
	Nodes     []ResourceNode     `json:"nodes"`
	Devices   []ResourceDevice   `json:"devices"`
	Senders   []ResourceSender   `json:"senders"`
	Receivers []ResourceReceiver `json:"receivers"`
}

// SubscriptionPatch is a partial update of a receiver's subscription.
// Nil fields are left untouched. A non-nil empty SenderID clears the sender.
type SubscriptionPatch struct {
	SenderID *string `json:"sender_id,omitempty"`
	Active   *bool   `json:"active,omitempty"`
}

// Apply returns sub with the patch merged in.
func (p SubscriptionPatch) Apply(sub Subscription) Subscription {
	if p.SenderID != nil {
		sub.SenderID = *p.SenderID
	}
	if p.Active != nil {
		sub.Active = *p.Active
	}
	return sub
}
