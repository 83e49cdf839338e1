package knowledgegraph

import (
	"fmt"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/store"
)

// Styling of the active_connection edge. Consumers draw it apart from the
// ownership edges.
const (
	activeEdgeWeight = 2
	activeEdgeStyle  = "active"
)

// EdgeID is the deterministic identifier of an edge.
func EdgeID(t schemas.RelationshipType, from, to string) string {
	return fmt.Sprintf("%s:%s->%s", t, from, to)
}

// BuildTopology projects a view and its derived connections into a graph.
// The output depends only on the inputs. Nodes follow collection order
// (nodes, devices, senders, receivers) and edges follow the same order, with
// active connections last. Edges to a missing endpoint are never emitted.
func BuildTopology(v *store.View, conns []schemas.Connection) *schemas.Graph {
	g := &schemas.Graph{
		Generation: v.Generation,
		Nodes:      make([]schemas.Node, 0, len(v.Nodes)+len(v.Devices)+len(v.Senders)+len(v.Receivers)),
		Edges:      []schemas.Edge{},
	}

	status := make(map[string]schemas.ConnectionStatus, len(conns))
	for _, c := range conns {
		status[c.ID] = c.Status
	}

	for _, n := range v.Nodes {
		props := schemas.Properties{"authorized": n.Authorized}
		if n.NetworkDevice != "" {
			props["network_device"] = n.NetworkDevice
		}
		g.Nodes = append(g.Nodes, schemas.Node{ID: n.ID, Type: schemas.NodeTypeNode, Label: label(n.Label, n.ID), Properties: props})
	}
	for _, d := range v.Devices {
		props := schemas.Properties{"authorized": d.Authorized}
		if d.Type != "" {
			props["device_type"] = d.Type
		}
		g.Nodes = append(g.Nodes, schemas.Node{ID: d.ID, Type: schemas.NodeTypeDevice, Label: label(d.Label, d.ID), Properties: props})
	}
	for _, s := range v.Senders {
		props := schemas.Properties{}
		if s.Format != "" {
			props["format"] = s.Format
		}
		g.Nodes = append(g.Nodes, schemas.Node{ID: s.ID, Type: schemas.NodeTypeSender, Label: label(s.Label, s.ID), Properties: props})
	}
	for _, r := range v.Receivers {
		props := schemas.Properties{"subscription_active": r.Subscription.Active}
		if r.Format != "" {
			props["format"] = r.Format
		}
		if r.Subscription.SenderID != "" {
			props["sender_id"] = r.Subscription.SenderID
		}
		if ov, ok := v.Overlays[r.ID]; ok {
			props["optimistic"] = !ov.Confirmed
		}
		st, ok := status[r.ID]
		if !ok {
			st = schemas.StatusInactive
		}
		g.Nodes = append(g.Nodes, schemas.Node{
			ID:         r.ID,
			Type:       schemas.NodeTypeReceiver,
			Label:      label(r.Label, r.ID),
			Status:     string(st),
			Properties: props,
		})
	}

	for _, d := range v.Devices {
		if d.NodeID != "" && v.HasNode(d.NodeID) {
			g.Edges = append(g.Edges, ownership(schemas.RelBelongsToNode, d.ID, d.NodeID))
		}
	}
	for _, s := range v.Senders {
		if s.DeviceID != "" && v.HasDevice(s.DeviceID) {
			g.Edges = append(g.Edges, ownership(schemas.RelBelongsToDevice, s.ID, s.DeviceID))
		}
	}
	for _, r := range v.Receivers {
		if r.DeviceID != "" && v.HasDevice(r.DeviceID) {
			g.Edges = append(g.Edges, ownership(schemas.RelBelongsToDevice, r.ID, r.DeviceID))
		}
	}
	for _, c := range conns {
		if c.Status != schemas.StatusActive || !v.HasSender(c.SenderID) {
			continue
		}
		if _, ok := v.Receiver(c.ID); !ok {
			continue
		}
		g.Edges = append(g.Edges, schemas.Edge{
			ID:   EdgeID(schemas.RelActiveConnection, c.SenderID, c.ID),
			From: c.SenderID,
			To:   c.ID,
			Type: schemas.RelActiveConnection,
			Properties: schemas.Properties{
				"weight": activeEdgeWeight,
				"style":  activeEdgeStyle,
			},
		})
	}
	return g
}

// DanglingReferences lists the ownership references that BuildTopology drops.
func DanglingReferences(v *store.View) []*schemas.UnresolvedReferenceError {
	var out []*schemas.UnresolvedReferenceError
	for _, d := range v.Devices {
		if d.NodeID != "" && !v.HasNode(d.NodeID) {
			out = append(out, &schemas.UnresolvedReferenceError{Kind: schemas.KindDevice, ID: d.ID, Field: "node_id", TargetID: d.NodeID})
		}
	}
	for _, s := range v.Senders {
		if s.DeviceID != "" && !v.HasDevice(s.DeviceID) {
			out = append(out, &schemas.UnresolvedReferenceError{Kind: schemas.KindSender, ID: s.ID, Field: "device_id", TargetID: s.DeviceID})
		}
	}
	for _, r := range v.Receivers {
		if r.DeviceID != "" && !v.HasDevice(r.DeviceID) {
			out = append(out, &schemas.UnresolvedReferenceError{Kind: schemas.KindReceiver, ID: r.ID, Field: "device_id", TargetID: r.DeviceID})
		}
	}
	return out
}

func ownership(t schemas.RelationshipType, from, to string) schemas.Edge {
	return schemas.Edge{ID: EdgeID(t, from, to), From: from, To: to, Type: t}
}

func label(l, id string) string {
	if l == "" {
		return id
	}
	return l
}
