package schemas

// ConnectionStatus is the derived state of one receiver's link.
type ConnectionStatus string

const (
	// StatusActive means the subscription is active and the sender is known.
	StatusActive ConnectionStatus = "active"
	// StatusActiveDisconnected means the receiver believes it is connected
	// but its sender cannot be resolved.
	StatusActiveDisconnected ConnectionStatus = "active_disconnected"
	StatusInactive           ConnectionStatus = "inactive"
)

// Connection is derived from Receiver.Subscription plus the sender set. It is
// never stored and never mutated directly.
type Connection struct {
	ID       string           `json:"id"`
	SenderID string           `json:"sender_id,omitempty"`
	Status   ConnectionStatus `json:"status"`
}

// ConnectionSummary counts connections per status.
type ConnectionSummary struct {
	Total              int `json:"total"`
	Active             int `json:"active"`
	ActiveDisconnected int `json:"active_disconnected"`
	Inactive           int `json:"inactive"`
}
