package mimir

import (
	"context"

	"github.com/orneryd/mimir/pkg/graph"
)

// ClearAll is the Clear target that wipes every node type.
const ClearAll = "ALL"

// Stats is the graph and index overview.
type Stats struct {
	Nodes          int64                    `json:"nodes"`
	Edges          int64                    `json:"edges"`
	NodesByType    map[graph.NodeType]int64 `json:"nodesByType"`
	EmbeddedByType map[graph.NodeType]int64 `json:"embeddedByType"`
	IndexedDocs    int                      `json:"indexedDocs"`
	IndexedVecs    int                      `json:"indexedVectors"`
	EmbedEnabled   bool                     `json:"embeddingsEnabled"`
	EmbedModel     string                   `json:"embeddingModel,omitempty"`
	EmbedDims      int                      `json:"embeddingDimensions,omitempty"`
}

// GetStats returns graph counts and index sizes.
func (db *DB) GetStats() (*Stats, error) {
	nodes, err := db.store.NodeCount()
	if err != nil {
		return nil, classify(err, "node count")
	}
	edges, err := db.store.EdgeCount()
	if err != nil {
		return nil, classify(err, "edge count")
	}
	byType, err := db.store.CountsByType()
	if err != nil {
		return nil, classify(err, "counts by type")
	}
	embedded := make(map[graph.NodeType]int64)
	err = db.store.StreamNodes(context.Background(), func(n *graph.Node) error {
		if len(n.Embedding) > 0 {
			embedded[n.Type]++
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, "embedded counts")
	}
	return &Stats{
		Nodes:          nodes,
		Edges:          edges,
		NodesByType:    byType,
		EmbeddedByType: embedded,
		IndexedDocs:    db.search.Fulltext().Count(),
		IndexedVecs:    db.search.Vector().Count(),
		EmbedEnabled:   db.coord.Enabled(),
		EmbedModel:     db.coord.Model(),
		EmbedDims:      db.coord.Dimensions(),
	}, nil
}

// ClearResult reports a completed clear.
type ClearResult struct {
	Target       string `json:"target"`
	NodesDeleted int    `json:"nodesDeleted"`
	EdgesDeleted int    `json:"edgesDeleted"`
}

// Clear deletes every node of one type, or the entire graph when the
// target is ALL. Clearing is always confirmation-gated: the first call
// returns a ConfirmationRequest previewing the damage, the second call
// repeats the target with the token.
func (db *DB) Clear(ctx context.Context, target, confirmToken string) (*ClearResult, *ConfirmationRequest, error) {
	if target != ClearAll && !graph.ValidNodeType(graph.NodeType(target)) {
		return nil, nil, graph.NewError(graph.KindValidation, "unknown clear target: %s", target)
	}

	ids, err := db.clearCandidates(ctx, target)
	if err != nil {
		return nil, nil, err
	}

	params := map[string]any{"target": target}
	if confirmToken == "" {
		edges := int64(0)
		if target == ClearAll {
			edges, _ = db.store.EdgeCount()
		}
		return nil, &ConfirmationRequest{
			Token:  db.confirm.Issue("clear", params),
			Action: "clear",
			Preview: map[string]any{
				"target":    target,
				"nodeCount": len(ids),
				"edgeCount": edges,
			},
			TTL: db.confirm.TTL(),
		}, nil
	}
	if !db.confirm.Validate(confirmToken, "clear", params) {
		return nil, nil, graph.NewError(graph.KindConfirmationInvalid,
			"confirmation token is invalid, expired, or bound to a different request")
	}
	db.confirm.Consume(confirmToken)

	result := &ClearResult{Target: target}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, nil, graph.WrapError(graph.KindCancelled, "clear cancelled", err)
		}
		cascaded, err := db.store.DeleteNode(id)
		if err != nil {
			continue
		}
		db.search.RemoveNode(id)
		result.NodesDeleted++
		result.EdgesDeleted += len(cascaded)
	}
	return result, nil, nil
}

func (db *DB) clearCandidates(ctx context.Context, target string) ([]string, error) {
	if target != ClearAll {
		nodes, err := db.store.NodesByType(graph.NodeType(target))
		if err != nil {
			return nil, classify(err, "list nodes")
		}
		ids := make([]string, len(nodes))
		for i, n := range nodes {
			ids[i] = n.ID
		}
		return ids, nil
	}

	var ids []string
	err := db.store.StreamNodes(ctx, func(n *graph.Node) error {
		ids = append(ids, n.ID)
		return nil
	})
	if err != nil {
		return nil, classify(err, "list nodes")
	}
	return ids, nil
}
