package tools

import (
	"context"
	"encoding/json"

	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/mimir"
	"github.com/orneryd/mimir/pkg/search"
	"github.com/orneryd/mimir/pkg/storage"
)

type nodeParams struct {
	Op                string         `json:"op"`
	ID                string         `json:"id"`
	Type              graph.NodeType `json:"type"`
	Properties        map[string]any `json:"properties"`
	Filters           map[string]any `json:"filters"`
	Query             string         `json:"query"`
	Limit             int            `json:"limit"`
	Offset            int            `json:"offset"`
	ConfirmationToken string         `json:"confirmationToken"`
}

func (r *Registry) memoryNode(ctx context.Context, params json.RawMessage) Response {
	var p nodeParams
	if err := decode(params, &p); err != nil {
		return fail(err)
	}
	switch p.Op {
	case "add":
		node, err := r.db.AddNode(ctx, p.Type, p.Properties)
		if err != nil {
			return fail(err)
		}
		return ok(node)
	case "get":
		node, err := r.db.GetNode(p.ID)
		if err != nil {
			return fail(err)
		}
		return ok(node)
	case "update":
		node, err := r.db.UpdateNode(ctx, p.ID, p.Properties)
		if err != nil {
			return fail(err)
		}
		return ok(node)
	case "delete":
		result, pending, err := r.db.DeleteNode(p.ID, p.ConfirmationToken)
		if err != nil {
			return fail(err)
		}
		if pending != nil {
			return needsConfirmation(pending)
		}
		return ok(result)
	case "query":
		nodes, err := r.db.QueryNodes(ctx, mimir.QueryOptions{
			Type:             p.Type,
			Filters:          p.Filters,
			Limit:            p.Limit,
			Offset:           p.Offset,
			StripLargeFields: true,
		})
		if err != nil {
			return fail(err)
		}
		return ok(nodes)
	case "search":
		if p.Query == "" {
			return fail(graph.NewError(graph.KindValidation, "query is required"))
		}
		opts := search.DefaultOptions()
		if p.Limit > 0 {
			opts.Limit = p.Limit
		}
		opts.Offset = p.Offset
		if p.Type != "" {
			opts.Types = []graph.NodeType{p.Type}
		}
		opts.Filters = p.Filters
		results, err := r.db.SearchNodes(ctx, p.Query, opts)
		if err != nil {
			return fail(err)
		}
		return ok(results)
	default:
		return fail(graph.NewError(graph.KindValidation, "unknown node op: %q", p.Op))
	}
}

type edgeParams struct {
	Op         string         `json:"op"`
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       graph.EdgeType `json:"type"`
	Properties map[string]any `json:"properties"`
	NodeID     string         `json:"nodeId"`
	Direction  string         `json:"direction"`
	Depth      int            `json:"depth"`
}

func (r *Registry) memoryEdge(ctx context.Context, params json.RawMessage) Response {
	var p edgeParams
	if err := decode(params, &p); err != nil {
		return fail(err)
	}
	dir := storage.Direction(p.Direction)
	if dir == "" {
		dir = storage.DirectionBoth
	}
	switch p.Op {
	case "add":
		edge, err := r.db.AddEdge(p.Source, p.Target, p.Type, p.Properties)
		if err != nil {
			return fail(err)
		}
		return ok(edge)
	case "delete":
		if err := r.db.DeleteEdge(p.ID); err != nil {
			return fail(err)
		}
		return ok(map[string]any{"id": p.ID})
	case "get":
		nodeID := p.NodeID
		if nodeID == "" {
			nodeID = p.ID
		}
		edges, err := r.db.GetEdges(nodeID, dir)
		if err != nil {
			return fail(err)
		}
		return ok(edges)
	case "neighbors":
		neighbors, err := r.db.GetNeighbors(ctx, p.NodeID, p.Type, p.Depth, dir)
		if err != nil {
			return fail(err)
		}
		return ok(neighbors)
	case "subgraph":
		sub, err := r.db.GetSubgraph(ctx, p.NodeID, p.Depth)
		if err != nil {
			return fail(err)
		}
		return ok(sub)
	default:
		return fail(graph.NewError(graph.KindValidation, "unknown edge op: %q", p.Op))
	}
}

type batchParams struct {
	Op      string             `json:"op"`
	Nodes   []mimir.NodeInput  `json:"nodes"`
	Updates []mimir.NodeUpdate `json:"updates"`
	Edges   []mimir.EdgeInput  `json:"edges"`
	IDs     []string           `json:"ids"`
}

// memoryBatch applies one kind of mutation to many items. Items fail
// independently; the result carries per-item errors by index.
func (r *Registry) memoryBatch(ctx context.Context, params json.RawMessage) Response {
	var p batchParams
	if err := decode(params, &p); err != nil {
		return fail(err)
	}
	switch p.Op {
	case "add_nodes":
		return ok(r.db.AddNodes(ctx, p.Nodes))
	case "update_nodes":
		return ok(r.db.UpdateNodes(ctx, p.Updates))
	case "delete_nodes":
		return ok(r.db.DeleteNodes(p.IDs))
	case "add_edges":
		return ok(r.db.AddEdges(p.Edges))
	case "delete_edges":
		return ok(r.db.DeleteEdges(p.IDs))
	default:
		return fail(graph.NewError(graph.KindValidation, "unknown batch op: %q", p.Op))
	}
}

type clearParams struct {
	Type              string `json:"type"`
	ConfirmationToken string `json:"confirmationToken"`
}

func (r *Registry) memoryClear(ctx context.Context, params json.RawMessage) Response {
	var p clearParams
	if err := decode(params, &p); err != nil {
		return fail(err)
	}
	result, pending, err := r.db.Clear(ctx, p.Type, p.ConfirmationToken)
	if err != nil {
		return fail(err)
	}
	if pending != nil {
		return needsConfirmation(pending)
	}
	return ok(result)
}

type queryParams struct {
	Type             graph.NodeType `json:"type"`
	Filters          map[string]any `json:"filters"`
	Limit            int            `json:"limit"`
	Offset           int            `json:"offset"`
	StripLargeFields *bool          `json:"stripLargeFields"`
}

func (r *Registry) queryNodes(ctx context.Context, params json.RawMessage) Response {
	var p queryParams
	if err := decode(params, &p); err != nil {
		return fail(err)
	}
	strip := true
	if p.StripLargeFields != nil {
		strip = *p.StripLargeFields
	}
	nodes, err := r.db.QueryNodes(ctx, mimir.QueryOptions{
		Type:             p.Type,
		Filters:          p.Filters,
		Limit:            p.Limit,
		Offset:           p.Offset,
		StripLargeFields: strip,
	})
	if err != nil {
		return fail(err)
	}
	return ok(nodes)
}

type searchParams struct {
	Query              string            `json:"query"`
	Limit              int               `json:"limit"`
	Offset             int               `json:"offset"`
	Types              []graph.NodeType  `json:"types"`
	Filters            map[string]any    `json:"filters"`
	MinSimilarity      float64           `json:"minSimilarity"`
	Depth              int               `json:"depth"`
	RRF                *search.RRFConfig `json:"rrf"`
	ExpandChunkParents *bool             `json:"expandChunkParents"`
	StripLargeFields   *bool             `json:"stripLargeFields"`
}

func (p *searchParams) options() *search.Options {
	opts := search.DefaultOptions()
	if p.Limit > 0 {
		opts.Limit = p.Limit
	}
	opts.Offset = p.Offset
	opts.Types = p.Types
	opts.Filters = p.Filters
	opts.MinSimilarity = p.MinSimilarity
	if p.Depth > 0 {
		opts.Depth = p.Depth
	}
	opts.RRF = p.RRF
	if p.ExpandChunkParents != nil {
		opts.ExpandChunkParents = *p.ExpandChunkParents
	}
	if p.StripLargeFields != nil {
		opts.StripLargeFields = *p.StripLargeFields
	}
	return opts
}

func (r *Registry) vectorSearchNodes(ctx context.Context, params json.RawMessage) Response {
	var p searchParams
	if err := decode(params, &p); err != nil {
		return fail(err)
	}
	if p.Query == "" {
		return fail(graph.NewError(graph.KindValidation, "query is required"))
	}
	results, err := r.db.SearchNodes(ctx, p.Query, p.options())
	if err != nil {
		return fail(err)
	}
	return ok(results)
}

type fulltextParams struct {
	IndexName string `json:"indexName"`
	Query     string `json:"query"`
	Limit     int    `json:"limit"`
}

// fulltextQueryNodes is the compatibility entry for callers speaking
// the Neo4j-style fulltext procedure shape. The index name is accepted
// and ignored; there is one lexical index.
func (r *Registry) fulltextQueryNodes(ctx context.Context, params json.RawMessage) Response {
	var p fulltextParams
	if err := decode(params, &p); err != nil {
		return fail(err)
	}
	if p.Query == "" {
		return fail(graph.NewError(graph.KindValidation, "query is required"))
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 10
	}
	hits, err := r.db.Search().Fulltext().Search(p.Query, limit)
	if err != nil {
		return fail(err)
	}

	type scoredID struct {
		ID    string  `json:"id"`
		Score float64 `json:"score"`
	}
	out := make([]scoredID, len(hits))
	for i, hit := range hits {
		out[i] = scoredID{ID: hit.ID, Score: hit.Score}
	}
	return ok(out)
}

func (r *Registry) embeddingStats(ctx context.Context, params json.RawMessage) Response {
	stats, err := r.db.GetStats()
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{
		"enabled":        stats.EmbedEnabled,
		"model":          stats.EmbedModel,
		"dimensions":     stats.EmbedDims,
		"indexedVectors": stats.IndexedVecs,
		"indexedDocs":    stats.IndexedDocs,
		"nodes":          stats.Nodes,
		"nodesByType":    stats.NodesByType,
		"embeddedByType": stats.EmbeddedByType,
	})
}

type traverseParams struct {
	ID        string         `json:"id"`
	EdgeType  graph.EdgeType `json:"edgeType"`
	Depth     int            `json:"depth"`
	Direction string         `json:"direction"`
}

func (r *Registry) getNeighbors(ctx context.Context, params json.RawMessage) Response {
	var p traverseParams
	if err := decode(params, &p); err != nil {
		return fail(err)
	}
	dir := storage.Direction(p.Direction)
	if dir == "" {
		dir = storage.DirectionBoth
	}
	neighbors, err := r.db.GetNeighbors(ctx, p.ID, p.EdgeType, p.Depth, dir)
	if err != nil {
		return fail(err)
	}
	return ok(neighbors)
}

func (r *Registry) getSubgraph(ctx context.Context, params json.RawMessage) Response {
	var p traverseParams
	if err := decode(params, &p); err != nil {
		return fail(err)
	}
	sub, err := r.db.GetSubgraph(ctx, p.ID, p.Depth)
	if err != nil {
		return fail(err)
	}
	return ok(sub)
}
