// Package storage provides the graph storage engines behind the Mimir core.
//
// Two implementations ship with the module:
//   - MemoryEngine: in-memory maps with adjacency indexes, for tests and
//     small datasets
//   - BadgerEngine: persistent disk storage on badger/v4
//
// Both are thread-safe, return deep copies of stored values, and cascade
// incident edges atomically when a node is deleted. Conditional updates
// (UpdateNodeIf) execute under the engine's write path, which is what makes
// the lock service's compare-and-set transitions linearizable per node.
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	node := graph.NewNode(graph.TypeMemory, map[string]any{"title": "A"})
//	if err := engine.CreateNode(node); err != nil {
//		log.Fatal(err)
//	}
//
//	edges, _ := engine.EdgesOf(node.ID, storage.DirectionBoth)
package storage

import (
	"context"
	"errors"

	"github.com/orneryd/mimir/pkg/graph"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrInvalidEdge   = errors.New("invalid edge: source or target node not found")
	ErrStorageClosed = errors.New("storage closed")
)

// Direction selects which incident edges of a node to return.
type Direction string

const (
	DirectionIn   Direction = "in"
	DirectionOut  Direction = "out"
	DirectionBoth Direction = "both"
)

// Engine is the storage driver contract. All implementations must be safe
// for concurrent use and atomic within each operation.
type Engine interface {
	// Node operations
	CreateNode(node *graph.Node) error
	GetNode(id string) (*graph.Node, error)
	UpdateNode(node *graph.Node) error

	// UpdateNodeIf atomically applies mutate to the stored node when cond
	// returns true, under the engine's write path. Returns (false, nil)
	// when the condition does not hold. This is the compare-and-set
	// primitive backing optimistic locks.
	UpdateNodeIf(id string, cond func(*graph.Node) bool, mutate func(*graph.Node)) (bool, error)

	// DeleteNode removes the node and every incident edge in one logical
	// transaction, returning the ids of the cascaded edges.
	DeleteNode(id string) ([]string, error)

	// NodeEdgeCount returns the number of edges incident to the node.
	NodeEdgeCount(id string) (int, error)

	// Edge operations. CreateEdge fails with ErrInvalidEdge when either
	// endpoint is missing.
	CreateEdge(edge *graph.Edge) error
	GetEdge(id string) (*graph.Edge, error)
	DeleteEdge(id string) error

	// Query operations
	NodesByType(t graph.NodeType) ([]*graph.Node, error)
	EdgesOf(nodeID string, dir Direction) ([]*graph.Edge, error)

	// Streaming iteration. The callback must not retain the value past the
	// call; return an error to stop early.
	StreamNodes(ctx context.Context, fn func(*graph.Node) error) error
	StreamEdges(ctx context.Context, fn func(*graph.Edge) error) error

	// Stats
	NodeCount() (int64, error)
	EdgeCount() (int64, error)
	CountsByType() (map[graph.NodeType]int64, error)

	// Lifecycle
	Close() error
}
