package knowledgegraph

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/observability"
)

// InMemoryKG is a queryable copy of the latest topology graph. The engine
// reloads it whenever a new graph is derived; the selection machine and the
// CLI read from it.
type InMemoryKG struct {
	nodes         map[string]schemas.Node
	nodeOrder     []string
	edges         map[string]schemas.Edge // Key: edge ID
	outgoingEdges map[string][]string     // Key: node ID, Value: slice of edge IDs
	incomingEdges map[string][]string
	generation    uint64
	mu            sync.RWMutex
	log           *zap.Logger
}

// NewInMemoryKG creates a new, empty in-memory graph.
func NewInMemoryKG(logger *zap.Logger) *InMemoryKG {
	if logger == nil {
		logger = zap.NewNop()
	}
	kg := &InMemoryKG{log: logger.Named("InMemoryKG")}
	kg.reset()
	return kg
}

func (kg *InMemoryKG) reset() {
	kg.nodes = make(map[string]schemas.Node)
	kg.nodeOrder = nil
	kg.edges = make(map[string]schemas.Edge)
	kg.outgoingEdges = make(map[string][]string)
	kg.incomingEdges = make(map[string][]string)
}

// Load replaces the whole graph. Edges with a missing endpoint are skipped.
// A graph older than the one already loaded is ignored.
func (kg *InMemoryKG) Load(ctx context.Context, g *schemas.Graph) error {
	if g == nil {
		return fmt.Errorf("cannot load a nil graph")
	}

	kg.mu.Lock()
	defer kg.mu.Unlock()

	if g.Generation < kg.generation {
		kg.log.Debug("Ignoring stale graph",
			zap.Uint64("loaded", kg.generation), zap.Uint64("offered", g.Generation))
		return nil
	}

	kg.reset()
	for _, n := range g.Nodes {
		kg.addNodeLocked(n)
	}
	skipped := 0
	for _, e := range g.Edges {
		if err := kg.addEdgeLocked(e); err != nil {
			skipped++
		}
	}
	kg.generation = g.Generation

	kg.log.Debug("Graph loaded",
		observability.Generation(g.Generation),
		zap.Int("nodes", len(g.Nodes)),
		zap.Int("edges", len(g.Edges)-skipped),
		zap.Int("skipped_edges", skipped))
	return nil
}

// Generation reports the store generation the loaded graph was derived from.
func (kg *InMemoryKG) Generation() uint64 {
	kg.mu.RLock()
	defer kg.mu.RUnlock()
	return kg.generation
}

// AddNode adds a node to the graph. If a node with the same ID already exists, it is overwritten.
func (kg *InMemoryKG) AddNode(ctx context.Context, node schemas.Node) error {
	kg.mu.Lock()
	defer kg.mu.Unlock()

	kg.addNodeLocked(node)
	kg.log.Debug("Node added or updated", zap.String("ID", node.ID), zap.String("Type", string(node.Type)))
	return nil
}

func (kg *InMemoryKG) addNodeLocked(node schemas.Node) {
	if _, exists := kg.nodes[node.ID]; !exists {
		kg.nodeOrder = append(kg.nodeOrder, node.ID)
	}
	kg.nodes[node.ID] = node
}

// AddEdge adds an edge to the graph. Both endpoints must already exist.
func (kg *InMemoryKG) AddEdge(ctx context.Context, edge schemas.Edge) error {
	kg.mu.Lock()
	defer kg.mu.Unlock()

	if err := kg.addEdgeLocked(edge); err != nil {
		return err
	}
	kg.log.Debug("Edge added or updated", zap.String("ID", edge.ID), zap.String("From", edge.From), zap.String("To", edge.To))
	return nil
}

func (kg *InMemoryKG) addEdgeLocked(edge schemas.Edge) error {
	if _, exists := kg.nodes[edge.From]; !exists {
		return fmt.Errorf("source node with id '%s' not found for edge", edge.From)
	}
	if _, exists := kg.nodes[edge.To]; !exists {
		return fmt.Errorf("destination node with id '%s' not found for edge", edge.To)
	}

	_, exists := kg.edges[edge.ID]
	kg.edges[edge.ID] = edge
	if !exists {
		kg.outgoingEdges[edge.From] = append(kg.outgoingEdges[edge.From], edge.ID)
		kg.incomingEdges[edge.To] = append(kg.incomingEdges[edge.To], edge.ID)
	}
	return nil
}

// GetNode retrieves a node by its ID.
func (kg *InMemoryKG) GetNode(ctx context.Context, id string) (schemas.Node, error) {
	kg.mu.RLock()
	defer kg.mu.RUnlock()

	node, ok := kg.nodes[id]
	if !ok {
		return schemas.Node{}, fmt.Errorf("node with id '%s' not found", id)
	}
	return node, nil
}

// GetEdge retrieves an edge by its ID.
func (kg *InMemoryKG) GetEdge(ctx context.Context, id string) (schemas.Edge, error) {
	kg.mu.RLock()
	defer kg.mu.RUnlock()

	edge, ok := kg.edges[id]
	if !ok {
		return schemas.Edge{}, fmt.Errorf("edge with id '%s' not found", id)
	}
	return edge, nil
}

// GetNeighbors finds all nodes connected from the given node.
func (kg *InMemoryKG) GetNeighbors(ctx context.Context, nodeID string) ([]schemas.Node, error) {
	kg.mu.RLock()
	defer kg.mu.RUnlock()

	if _, ok := kg.nodes[nodeID]; !ok {
		return nil, fmt.Errorf("node with id '%s' not found", nodeID)
	}

	edgeIDs := kg.outgoingEdges[nodeID]
	neighbors := make([]schemas.Node, 0, len(edgeIDs))
	for _, edgeID := range edgeIDs {
		neighbors = append(neighbors, kg.nodes[kg.edges[edgeID].To])
	}
	return neighbors, nil
}

// GetEdges retrieves all outgoing edges from a specific node ID.
func (kg *InMemoryKG) GetEdges(ctx context.Context, nodeID string) ([]schemas.Edge, error) {
	return kg.edgesFor(nodeID, kg.outgoingEdges)
}

// GetIncomingEdges retrieves all edges pointing at a node. For a receiver
// this includes its active_connection edge.
func (kg *InMemoryKG) GetIncomingEdges(ctx context.Context, nodeID string) ([]schemas.Edge, error) {
	return kg.edgesFor(nodeID, kg.incomingEdges)
}

func (kg *InMemoryKG) edgesFor(nodeID string, index map[string][]string) ([]schemas.Edge, error) {
	kg.mu.RLock()
	defer kg.mu.RUnlock()

	if _, ok := kg.nodes[nodeID]; !ok {
		return nil, fmt.Errorf("node with id '%s' not found", nodeID)
	}

	edgeIDs := index[nodeID]
	edges := make([]schemas.Edge, 0, len(edgeIDs))
	for _, edgeID := range edgeIDs {
		edges = append(edges, kg.edges[edgeID])
	}
	return edges, nil
}

// NodesByType lists nodes of one group in load order.
func (kg *InMemoryKG) NodesByType(ctx context.Context, t schemas.NodeType) []schemas.Node {
	kg.mu.RLock()
	defer kg.mu.RUnlock()

	var out []schemas.Node
	for _, id := range kg.nodeOrder {
		if n := kg.nodes[id]; n.Type == t {
			out = append(out, n)
		}
	}
	return out
}
