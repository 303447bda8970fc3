package storage

import (
	"context"
	"sync"

	"github.com/orneryd/mimir/pkg/graph"
)

// MemoryEngine is a thread-safe in-memory graph storage implementation.
//
// Use it for unit tests, ephemeral pipelines, and datasets that fit in RAM.
// All lookups by id are O(1); incident-edge lookups are O(degree) through
// adjacency indexes. Values are deep-copied on the way in and out so
// callers can never mutate stored state through retrieved pointers.
type MemoryEngine struct {
	mu    sync.RWMutex
	nodes map[string]*graph.Node
	edges map[string]*graph.Edge

	// Indexes for efficient lookups
	nodesByType   map[graph.NodeType]map[string]struct{}
	outgoingEdges map[string]map[string]struct{}
	incomingEdges map[string]map[string]struct{}

	closed bool
}

// NewMemoryEngine creates an empty in-memory storage engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:         make(map[string]*graph.Node),
		edges:         make(map[string]*graph.Edge),
		nodesByType:   make(map[graph.NodeType]map[string]struct{}),
		outgoingEdges: make(map[string]map[string]struct{}),
		incomingEdges: make(map[string]map[string]struct{}),
	}
}

// CreateNode stores a new node. Duplicate ids fail with ErrAlreadyExists.
func (m *MemoryEngine) CreateNode(node *graph.Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.nodes[node.ID]; exists {
		return ErrAlreadyExists
	}

	m.nodes[node.ID] = node.Clone()
	m.indexNodeType(node.Type, node.ID)
	return nil
}

// GetNode retrieves a node by id, returning a deep copy.
func (m *MemoryEngine) GetNode(id string) (*graph.Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	node, exists := m.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}
	return node.Clone(), nil
}

// UpdateNode replaces the stored node. The node must already exist.
func (m *MemoryEngine) UpdateNode(node *graph.Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	existing, exists := m.nodes[node.ID]
	if !exists {
		return ErrNotFound
	}

	if existing.Type != node.Type {
		delete(m.nodesByType[existing.Type], node.ID)
		m.indexNodeType(node.Type, node.ID)
	}
	m.nodes[node.ID] = node.Clone()
	return nil
}

// UpdateNodeIf applies mutate under the engine write lock when cond holds.
func (m *MemoryEngine) UpdateNodeIf(id string, cond func(*graph.Node) bool, mutate func(*graph.Node)) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrStorageClosed
	}
	node, exists := m.nodes[id]
	if !exists {
		return false, ErrNotFound
	}
	if !cond(node) {
		return false, nil
	}
	mutate(node)
	return true, nil
}

// DeleteNode removes the node and all incident edges atomically.
func (m *MemoryEngine) DeleteNode(id string) ([]string, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	node, exists := m.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}

	var cascaded []string
	for edgeID := range m.outgoingEdges[id] {
		cascaded = append(cascaded, edgeID)
	}
	for edgeID := range m.incomingEdges[id] {
		// Self-loops sit in both adjacency indexes under one id.
		if _, dup := m.outgoingEdges[id][edgeID]; !dup {
			cascaded = append(cascaded, edgeID)
		}
	}
	for _, edgeID := range cascaded {
		m.removeEdgeLocked(edgeID)
	}

	delete(m.nodes, id)
	delete(m.nodesByType[node.Type], id)
	delete(m.outgoingEdges, id)
	delete(m.incomingEdges, id)
	return cascaded, nil
}

// NodeEdgeCount returns the number of edges incident to the node.
func (m *MemoryEngine) NodeEdgeCount(id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	if _, exists := m.nodes[id]; !exists {
		return 0, ErrNotFound
	}
	count := len(m.outgoingEdges[id])
	for edgeID := range m.incomingEdges[id] {
		if _, dup := m.outgoingEdges[id][edgeID]; !dup {
			count++
		}
	}
	return count, nil
}

// CreateEdge stores a new edge. Both endpoints must exist.
func (m *MemoryEngine) CreateEdge(edge *graph.Edge) error {
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.edges[edge.ID]; exists {
		return ErrAlreadyExists
	}
	if _, ok := m.nodes[edge.Source]; !ok {
		return ErrInvalidEdge
	}
	if _, ok := m.nodes[edge.Target]; !ok {
		return ErrInvalidEdge
	}

	m.edges[edge.ID] = edge.Clone()
	if m.outgoingEdges[edge.Source] == nil {
		m.outgoingEdges[edge.Source] = make(map[string]struct{})
	}
	m.outgoingEdges[edge.Source][edge.ID] = struct{}{}
	if m.incomingEdges[edge.Target] == nil {
		m.incomingEdges[edge.Target] = make(map[string]struct{})
	}
	m.incomingEdges[edge.Target][edge.ID] = struct{}{}
	return nil
}

// GetEdge retrieves an edge by id.
func (m *MemoryEngine) GetEdge(id string) (*graph.Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	edge, exists := m.edges[id]
	if !exists {
		return nil, ErrNotFound
	}
	return edge.Clone(), nil
}

// DeleteEdge removes an edge by id.
func (m *MemoryEngine) DeleteEdge(id string) error {
	if id == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, exists := m.edges[id]; !exists {
		return ErrNotFound
	}
	m.removeEdgeLocked(id)
	return nil
}

func (m *MemoryEngine) removeEdgeLocked(id string) {
	edge, exists := m.edges[id]
	if !exists {
		return
	}
	delete(m.edges, id)
	if out := m.outgoingEdges[edge.Source]; out != nil {
		delete(out, id)
	}
	if in := m.incomingEdges[edge.Target]; in != nil {
		delete(in, id)
	}
}

// NodesByType returns all nodes of the given type.
func (m *MemoryEngine) NodesByType(t graph.NodeType) ([]*graph.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	ids := m.nodesByType[t]
	out := make([]*graph.Node, 0, len(ids))
	for id := range ids {
		out = append(out, m.nodes[id].Clone())
	}
	return out, nil
}

// EdgesOf returns the edges incident to a node in the given direction.
func (m *MemoryEngine) EdgesOf(nodeID string, dir Direction) ([]*graph.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	if _, exists := m.nodes[nodeID]; !exists {
		return nil, ErrNotFound
	}

	seen := make(map[string]struct{})
	var out []*graph.Edge
	collect := func(ids map[string]struct{}) {
		for id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, m.edges[id].Clone())
		}
	}
	switch dir {
	case DirectionOut:
		collect(m.outgoingEdges[nodeID])
	case DirectionIn:
		collect(m.incomingEdges[nodeID])
	default:
		collect(m.outgoingEdges[nodeID])
		collect(m.incomingEdges[nodeID])
	}
	return out, nil
}

// StreamNodes iterates over a snapshot of all nodes.
func (m *MemoryEngine) StreamNodes(ctx context.Context, fn func(*graph.Node) error) error {
	m.mu.RLock()
	snapshot := make([]*graph.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		snapshot = append(snapshot, n.Clone())
	}
	m.mu.RUnlock()

	for _, n := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

// StreamEdges iterates over a snapshot of all edges.
func (m *MemoryEngine) StreamEdges(ctx context.Context, fn func(*graph.Edge) error) error {
	m.mu.RLock()
	snapshot := make([]*graph.Edge, 0, len(m.edges))
	for _, e := range m.edges {
		snapshot = append(snapshot, e.Clone())
	}
	m.mu.RUnlock()

	for _, e := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// NodeCount returns the number of stored nodes.
func (m *MemoryEngine) NodeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.nodes)), nil
}

// EdgeCount returns the number of stored edges.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// CountsByType returns per-type node counts.
func (m *MemoryEngine) CountsByType() (map[graph.NodeType]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make(map[graph.NodeType]int64, len(m.nodesByType))
	for t, ids := range m.nodesByType {
		if len(ids) > 0 {
			out[t] = int64(len(ids))
		}
	}
	return out, nil
}

// Close marks the engine closed. Further operations fail with
// ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryEngine) indexNodeType(t graph.NodeType, id string) {
	if m.nodesByType[t] == nil {
		m.nodesByType[t] = make(map[string]struct{})
	}
	m.nodesByType[t][id] = struct{}{}
}
