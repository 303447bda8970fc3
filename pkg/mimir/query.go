package mimir

import (
	"context"
	"fmt"
	"sort"

	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/search"
	"github.com/orneryd/mimir/pkg/storage"
)

// QueryOptions shapes a non-search node listing.
type QueryOptions struct {
	// Type restricts results to one node type; empty means all types.
	Type graph.NodeType

	// Filters are property equality constraints, all required.
	Filters map[string]any

	Limit  int
	Offset int

	// StripLargeFields replaces oversized string properties with a
	// length indicator in list responses.
	StripLargeFields bool
}

// QueryNodes lists nodes by type and property equality, newest first.
func (db *DB) QueryNodes(ctx context.Context, opts QueryOptions) ([]*graph.Node, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}

	var nodes []*graph.Node
	var err error
	if opts.Type != "" {
		nodes, err = db.store.NodesByType(opts.Type)
		if err != nil {
			return nil, classify(err, "query nodes")
		}
	} else {
		err = db.store.StreamNodes(ctx, func(n *graph.Node) error {
			nodes = append(nodes, n.Clone())
			return nil
		})
		if err != nil {
			return nil, classify(err, "query nodes")
		}
	}

	filtered := nodes[:0]
	for _, node := range nodes {
		if matchesFilters(node, opts.Filters) {
			filtered = append(filtered, node)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].Updated.Equal(filtered[j].Updated) {
			return filtered[i].Updated.After(filtered[j].Updated)
		}
		return filtered[i].ID < filtered[j].ID
	})

	if opts.Offset >= len(filtered) {
		return nil, nil
	}
	filtered = filtered[opts.Offset:]
	if len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	if opts.StripLargeFields {
		for i, node := range filtered {
			filtered[i] = graph.StripLargeFields(node, nil)
		}
	}
	return filtered, nil
}

// SearchNodes runs the hybrid ranker over the indexed graph.
func (db *DB) SearchNodes(ctx context.Context, query string, opts *search.Options) ([]search.ScoredNode, error) {
	return db.search.Search(ctx, query, opts)
}

// Neighbor is one node reached by traversal, with the hop distance at
// which it was first seen.
type Neighbor struct {
	Node *graph.Node `json:"node"`
	Hops int         `json:"hops"`
}

// GetNeighbors walks out from a node to the given depth and returns
// each reachable node once, at its shortest hop distance. A non-empty
// edgeType restricts the walk to edges of that type.
func (db *DB) GetNeighbors(ctx context.Context, id string, edgeType graph.EdgeType, depth int, dir storage.Direction) ([]Neighbor, error) {
	if edgeType != "" && !graph.ValidEdgeType(edgeType) {
		return nil, graph.NewError(graph.KindValidation, "invalid edge type: %s", edgeType)
	}
	if depth <= 0 {
		depth = 1
	}
	if _, err := db.store.GetNode(id); err != nil {
		return nil, classify(err, "node "+id)
	}

	visited := map[string]struct{}{id: {}}
	frontier := []string{id}
	var out []Neighbor

	for hop := 1; hop <= depth; hop++ {
		var next []string
		for _, current := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, graph.WrapError(graph.KindCancelled, "traversal cancelled", err)
			}
			edges, err := db.store.EdgesOf(current, dir)
			if err != nil {
				continue
			}
			for _, edge := range edges {
				if edgeType != "" && edge.Type != edgeType {
					continue
				}
				neighborID := edge.Target
				if neighborID == current {
					neighborID = edge.Source
				}
				if _, seen := visited[neighborID]; seen {
					continue
				}
				visited[neighborID] = struct{}{}
				node, err := db.store.GetNode(neighborID)
				if err != nil {
					continue
				}
				out = append(out, Neighbor{Node: node, Hops: hop})
				next = append(next, neighborID)
			}
		}
		frontier = next
	}
	return out, nil
}

// Subgraph is the induced subgraph around a root node.
type Subgraph struct {
	Nodes []*graph.Node `json:"nodes"`
	Edges []*graph.Edge `json:"edges"`
}

// GetSubgraph returns the root, every node within depth hops, and the
// edges among them.
func (db *DB) GetSubgraph(ctx context.Context, id string, depth int) (*Subgraph, error) {
	root, err := db.store.GetNode(id)
	if err != nil {
		return nil, classify(err, "node "+id)
	}
	neighbors, err := db.GetNeighbors(ctx, id, "", depth, storage.DirectionBoth)
	if err != nil {
		return nil, err
	}

	sub := &Subgraph{Nodes: []*graph.Node{root}}
	inSub := map[string]struct{}{id: {}}
	for _, n := range neighbors {
		sub.Nodes = append(sub.Nodes, n.Node)
		inSub[n.Node.ID] = struct{}{}
	}

	seenEdges := make(map[string]struct{})
	for nodeID := range inSub {
		edges, err := db.store.EdgesOf(nodeID, storage.DirectionOut)
		if err != nil {
			continue
		}
		for _, edge := range edges {
			if _, ok := inSub[edge.Target]; !ok {
				continue
			}
			if _, dup := seenEdges[edge.ID]; dup {
				continue
			}
			seenEdges[edge.ID] = struct{}{}
			sub.Edges = append(sub.Edges, edge)
		}
	}
	return sub, nil
}

// matchesFilters applies equality filters with string-normalized
// comparison, so JSON-decoded numbers match stored ints.
func matchesFilters(node *graph.Node, filters map[string]any) bool {
	for key, want := range filters {
		got, ok := node.Properties[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}
