package store

import "github.com/SileNt525/NMOS-Controller/api/schemas"

// OverlayState describes the optimistic entry composed onto a receiver.
type OverlayState struct {
	CommandID string `json:"command_id"`
	Confirmed bool   `json:"confirmed"`
}

// View is a consistent copy of the store at one generation. Collections keep
// insertion order. Callers must treat it as read-only.
type View struct {
	Generation uint64
	Nodes      []schemas.ResourceNode
	Devices    []schemas.ResourceDevice
	Senders    []schemas.ResourceSender
	Receivers  []schemas.ResourceReceiver
	// Overlays lists receivers whose subscription comes from the overlay.
	Overlays map[string]OverlayState

	nodeIdx     map[string]int
	deviceIdx   map[string]int
	senderIdx   map[string]int
	receiverIdx map[string]int
}

func (v *View) index() {
	v.nodeIdx = make(map[string]int, len(v.Nodes))
	for i, n := range v.Nodes {
		v.nodeIdx[n.ID] = i
	}
	v.deviceIdx = make(map[string]int, len(v.Devices))
	for i, d := range v.Devices {
		v.deviceIdx[d.ID] = i
	}
	v.senderIdx = make(map[string]int, len(v.Senders))
	for i, s := range v.Senders {
		v.senderIdx[s.ID] = i
	}
	v.receiverIdx = make(map[string]int, len(v.Receivers))
	for i, r := range v.Receivers {
		v.receiverIdx[r.ID] = i
	}
}

// NewView builds an indexed view from a snapshot. Used by callers that derive
// projections without a live store.
func NewView(generation uint64, snap *schemas.Snapshot) *View {
	v := &View{Generation: generation, Overlays: map[string]OverlayState{}}
	if snap != nil {
		v.Nodes = snap.Nodes
		v.Devices = snap.Devices
		v.Senders = snap.Senders
		v.Receivers = snap.Receivers
	}
	v.index()
	return v
}

func (v *View) HasNode(id string) bool {
	_, ok := v.nodeIdx[id]
	return ok
}

func (v *View) HasDevice(id string) bool {
	_, ok := v.deviceIdx[id]
	return ok
}

func (v *View) HasSender(id string) bool {
	_, ok := v.senderIdx[id]
	return ok
}

// Receiver returns the composed receiver record.
func (v *View) Receiver(id string) (schemas.ResourceReceiver, bool) {
	i, ok := v.receiverIdx[id]
	if !ok {
		return schemas.ResourceReceiver{}, false
	}
	return v.Receivers[i], true
}

// Sender returns the sender record.
func (v *View) Sender(id string) (schemas.ResourceSender, bool) {
	i, ok := v.senderIdx[id]
	if !ok {
		return schemas.ResourceSender{}, false
	}
	return v.Senders[i], true
}

// Snapshot returns the composed collections in snapshot form.
func (v *View) Snapshot() *schemas.Snapshot {
	return &schemas.Snapshot{
		Nodes:     v.Nodes,
		Devices:   v.Devices,
		Senders:   v.Senders,
		Receivers: v.Receivers,
	}
}
