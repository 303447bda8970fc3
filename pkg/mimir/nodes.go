package mimir

import (
	"context"

	"go.uber.org/zap"

	"github.com/orneryd/mimir/pkg/graph"
)

// DeleteResult reports a completed node deletion.
type DeleteResult struct {
	ID            string   `json:"id"`
	CascadedEdges []string `json:"cascadedEdges,omitempty"`
}

// AddNode creates a node. An empty type defaults to memory; an unknown
// type fails validation. Types configured for auto-embedding get their
// whole-node vector before the node is stored, and both search indexes
// see the node before this returns.
func (db *DB) AddNode(ctx context.Context, nodeType graph.NodeType, props map[string]any) (*graph.Node, error) {
	if nodeType != "" && !graph.ValidNodeType(nodeType) {
		return nil, graph.NewError(graph.KindValidation, "unknown node type: %s", nodeType)
	}
	node := graph.NewNode(nodeType, props)
	db.autoEmbed(ctx, node)

	if err := db.store.CreateNode(node); err != nil {
		return nil, classify(err, "create node")
	}
	db.indexNode(node)
	return node, nil
}

// GetNode returns the full node with nested property structure
// restored.
func (db *DB) GetNode(id string) (*graph.Node, error) {
	node, err := db.store.GetNode(id)
	if err != nil {
		return nil, classify(err, "node "+id)
	}
	node.Properties = graph.Unflatten(node.Properties)
	return node, nil
}

// UpdateNode merges the partial property map into the node: present
// keys replace, absent keys persist, nil values delete. Auto-embedded
// types are re-embedded from the merged properties.
func (db *DB) UpdateNode(ctx context.Context, id string, partial map[string]any) (*graph.Node, error) {
	node, err := db.store.GetNode(id)
	if err != nil {
		return nil, classify(err, "node "+id)
	}
	node.MergeProperties(partial)
	db.autoEmbed(ctx, node)

	if err := db.store.UpdateNode(node); err != nil {
		return nil, classify(err, "update node "+id)
	}
	db.indexNode(node)
	return node, nil
}

// DeleteNode removes a node and cascades its incident edges. Nodes with
// more than CascadeConfirmThreshold edges need a confirmation round
// trip: the first call returns a ConfirmationRequest, the second call
// carries its token.
func (db *DB) DeleteNode(id, confirmToken string) (*DeleteResult, *ConfirmationRequest, error) {
	edgeCount, err := db.store.NodeEdgeCount(id)
	if err != nil {
		return nil, nil, classify(err, "node "+id)
	}

	if edgeCount > CascadeConfirmThreshold {
		params := map[string]any{"id": id}
		if confirmToken == "" {
			return nil, &ConfirmationRequest{
				Token:  db.confirm.Issue("delete_node", params),
				Action: "delete_node",
				Preview: map[string]any{
					"id":        id,
					"edgeCount": edgeCount,
				},
				TTL: db.confirm.TTL(),
			}, nil
		}
		if !db.confirm.Validate(confirmToken, "delete_node", params) {
			return nil, nil, graph.NewError(graph.KindConfirmationInvalid,
				"confirmation token is invalid, expired, or bound to a different request")
		}
		db.confirm.Consume(confirmToken)
	}

	cascaded, err := db.store.DeleteNode(id)
	if err != nil {
		return nil, nil, classify(err, "delete node "+id)
	}
	db.search.RemoveNode(id)
	return &DeleteResult{ID: id, CascadedEdges: cascaded}, nil, nil
}

// autoEmbed attaches a whole-node vector when the coordinator is
// configured for the node's type. Embedding failures degrade to an
// unembedded node rather than failing the write.
func (db *DB) autoEmbed(ctx context.Context, node *graph.Node) {
	vec, err := db.coord.EmbedNode(ctx, node)
	if err != nil {
		db.log.Warn("auto-embed failed", zap.String("node", node.ID), zap.Error(err))
		return
	}
	if len(vec) > 0 {
		node.Embedding = vec
	}
}

// indexNode keeps the search indexes synchronous with the write path.
func (db *DB) indexNode(node *graph.Node) {
	if err := db.search.IndexNode(node); err != nil {
		db.log.Warn("index node", zap.String("node", node.ID), zap.Error(err))
	}
}
