package mimir

import (
	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/storage"
)

// AddEdge creates a directed edge. Both endpoints must exist. Contains
// edges out of a todoList must point at todos; list membership is the
// one structural rule the graph enforces.
func (db *DB) AddEdge(source, target string, edgeType graph.EdgeType, props map[string]any) (*graph.Edge, error) {
	edge, err := graph.NewEdge(source, target, edgeType, props)
	if err != nil {
		return nil, err
	}

	sourceNode, err := db.store.GetNode(source)
	if err != nil {
		return nil, classify(err, "source node "+source)
	}
	targetNode, err := db.store.GetNode(target)
	if err != nil {
		return nil, classify(err, "target node "+target)
	}
	if sourceNode.Type == graph.TypeTodoList && edgeType == graph.EdgeContains &&
		targetNode.Type != graph.TypeTodo {
		return nil, graph.NewError(graph.KindValidation,
			"a todoList contains edge must target a todo, got %s", targetNode.Type)
	}

	if err := db.store.CreateEdge(edge); err != nil {
		return nil, classify(err, "create edge")
	}
	return edge, nil
}

// GetEdge returns one edge by id.
func (db *DB) GetEdge(id string) (*graph.Edge, error) {
	edge, err := db.store.GetEdge(id)
	if err != nil {
		return nil, classify(err, "edge "+id)
	}
	return edge, nil
}

// DeleteEdge removes one edge. The endpoints are untouched.
func (db *DB) DeleteEdge(id string) error {
	return classify(db.store.DeleteEdge(id), "delete edge "+id)
}

// GetEdges returns the edges incident to a node in the given direction.
func (db *DB) GetEdges(nodeID string, dir storage.Direction) ([]*graph.Edge, error) {
	if _, err := db.store.GetNode(nodeID); err != nil {
		return nil, classify(err, "node "+nodeID)
	}
	edges, err := db.store.EdgesOf(nodeID, dir)
	if err != nil {
		return nil, classify(err, "edges of "+nodeID)
	}
	return edges, nil
}
