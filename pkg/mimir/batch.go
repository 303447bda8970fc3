package mimir

import (
	"context"

	"github.com/orneryd/mimir/pkg/graph"
)

// NodeInput is one node in a batch create.
type NodeInput struct {
	Type       graph.NodeType `json:"type"`
	Properties map[string]any `json:"properties"`
}

// NodeUpdate is one node in a batch update.
type NodeUpdate struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
}

// EdgeInput is one edge in a batch create.
type EdgeInput struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       graph.EdgeType `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// BatchError locates one failed item inside a batch.
type BatchError struct {
	Index   int        `json:"index"`
	Kind    graph.Kind `json:"kind"`
	Message string     `json:"message"`
}

// BatchResult reports a batch with partial-failure semantics: items
// fail independently and the batch never aborts early.
type BatchResult struct {
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Nodes     []*graph.Node `json:"nodes,omitempty"`
	Edges     []*graph.Edge `json:"edges,omitempty"`
	Errors    []BatchError  `json:"errors,omitempty"`
}

func (r *BatchResult) fail(index int, err error) {
	r.Failed++
	r.Errors = append(r.Errors, BatchError{
		Index:   index,
		Kind:    graph.KindOf(err),
		Message: err.Error(),
	})
}

// AddNodes creates each node independently.
func (db *DB) AddNodes(ctx context.Context, inputs []NodeInput) *BatchResult {
	result := &BatchResult{}
	for i, in := range inputs {
		node, err := db.AddNode(ctx, in.Type, in.Properties)
		if err != nil {
			result.fail(i, err)
			continue
		}
		result.Succeeded++
		result.Nodes = append(result.Nodes, node)
	}
	return result
}

// UpdateNodes merges each update independently.
func (db *DB) UpdateNodes(ctx context.Context, updates []NodeUpdate) *BatchResult {
	result := &BatchResult{}
	for i, up := range updates {
		node, err := db.UpdateNode(ctx, up.ID, up.Properties)
		if err != nil {
			result.fail(i, err)
			continue
		}
		result.Succeeded++
		result.Nodes = append(result.Nodes, node)
	}
	return result
}

// DeleteNodes deletes each node independently. Nodes whose cascade
// would exceed the confirmation threshold fail their slot with
// EConfirmationRequired; batches never carry confirmation tokens.
func (db *DB) DeleteNodes(ids []string) *BatchResult {
	result := &BatchResult{}
	for i, id := range ids {
		deleted, pending, err := db.DeleteNode(id, "")
		switch {
		case err != nil:
			result.fail(i, err)
		case pending != nil:
			result.fail(i, graph.NewError(graph.KindConfirmationRequired,
				"node %s has %v incident edges, delete it individually with confirmation",
				id, pending.Preview["edgeCount"]))
		default:
			result.Succeeded++
			_ = deleted
		}
	}
	return result
}

// AddEdges creates each edge independently.
func (db *DB) AddEdges(inputs []EdgeInput) *BatchResult {
	result := &BatchResult{}
	for i, in := range inputs {
		edge, err := db.AddEdge(in.Source, in.Target, in.Type, in.Properties)
		if err != nil {
			result.fail(i, err)
			continue
		}
		result.Succeeded++
		result.Edges = append(result.Edges, edge)
	}
	return result
}

// DeleteEdges deletes each edge independently.
func (db *DB) DeleteEdges(ids []string) *BatchResult {
	result := &BatchResult{}
	for i, id := range ids {
		if err := db.DeleteEdge(id); err != nil {
			result.fail(i, err)
			continue
		}
		result.Succeeded++
	}
	return result
}
