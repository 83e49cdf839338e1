package schemas

// -- Topology Graph Models --
// These types are the generic node/edge projection of the fleet, consumed by
// visual collaborators and by the selection workflow.

// NodeType is the group discriminator of a topology node.
type NodeType string

const (
	NodeTypeNode     NodeType = "node"
	NodeTypeDevice   NodeType = "device"
	NodeTypeSender   NodeType = "sender"
	NodeTypeReceiver NodeType = "receiver"
)

// Selectable reports whether a node of this type can take part in a
// connect selection.
func (t NodeType) Selectable() bool {
	return t == NodeTypeSender || t == NodeTypeReceiver
}

// RelationshipType defines the nature of the connection between nodes.
type RelationshipType string

const (
	RelBelongsToNode    RelationshipType = "belongs_to_node"
	RelBelongsToDevice  RelationshipType = "belongs_to_device"
	RelActiveConnection RelationshipType = "active_connection"
)

// Properties is a generic map for storing attributes.
type Properties map[string]interface{}

// Clone returns a shallow copy of the map.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Node represents one fleet resource in the topology graph.
type Node struct {
	ID    string   `json:"id" yaml:"id"`
	Type  NodeType `json:"type" yaml:"type"`
	Label string   `json:"label" yaml:"label"`
	// Status is only populated for receivers and carries the derived
	// connection status, so an active_disconnected receiver stays visible.
	Status     string     `json:"status,omitempty" yaml:"status,omitempty"`
	Properties Properties `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Edge represents a relationship between two Nodes.
type Edge struct {
	ID         string           `json:"id" yaml:"id"`
	From       string           `json:"from" yaml:"from"`
	To         string           `json:"to" yaml:"to"`
	Type       RelationshipType `json:"type" yaml:"type"`
	Properties Properties       `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Graph is a complete topology projection at one store generation.
type Graph struct {
	Generation uint64 `json:"generation" yaml:"generation"`
	Nodes      []Node `json:"nodes" yaml:"nodes"`
	Edges      []Edge `json:"edges" yaml:"edges"`
}
