package mimir

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mimir/pkg/embed"
	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/storage"
)

func newDB(t *testing.T) *DB {
	t.Helper()
	coord := embed.NewCoordinator(nil, embed.CoordinatorConfig{}, nil)
	db := New(storage.NewMemoryEngine(), coord, nil)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAddNode_Defaults(t *testing.T) {
	db := newDB(t)

	node, err := db.AddNode(context.Background(), "", map[string]any{"title": "untyped"})
	require.NoError(t, err)
	assert.Equal(t, graph.TypeMemory, node.Type)
	assert.NotEmpty(t, node.ID)
	assert.False(t, node.Created.IsZero())

	_, err = db.AddNode(context.Background(), "spaceship", nil)
	assert.True(t, graph.IsKind(err, graph.KindValidation))
}

func TestGetNode_RestoresNestedStructure(t *testing.T) {
	db := newDB(t)

	created, err := db.AddNode(context.Background(), graph.TypeMemory, map[string]any{
		"title": "nested",
		"meta":  map[string]any{"author": "ops", "year": 2026},
	})
	require.NoError(t, err)

	// Stored flat, returned nested.
	assert.Contains(t, created.Properties, "meta_author")

	got, err := db.GetNode(created.ID)
	require.NoError(t, err)
	meta, ok := got.Properties["meta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ops", meta["author"])

	_, err = db.GetNode("memory-missing")
	assert.True(t, graph.IsKind(err, graph.KindNotFound))
}

func TestUpdateNode_MergeSemantics(t *testing.T) {
	db := newDB(t)
	node, err := db.AddNode(context.Background(), graph.TypeTodo, map[string]any{
		"title":  "original",
		"status": "pending",
		"notes":  "keep me",
	})
	require.NoError(t, err)

	updated, err := db.UpdateNode(context.Background(), node.ID, map[string]any{
		"status": "done",
		"notes":  nil,
	})
	require.NoError(t, err)
	assert.Equal(t, "original", updated.Properties["title"])
	assert.Equal(t, "done", updated.Properties["status"])
	assert.NotContains(t, updated.Properties, "notes")
	assert.True(t, updated.Updated.After(node.Updated))
}

func TestDeleteNode_SmallCascadeNeedsNoConfirmation(t *testing.T) {
	db := newDB(t)
	a, err := db.AddNode(context.Background(), graph.TypeMemory, map[string]any{"title": "a"})
	require.NoError(t, err)
	b, err := db.AddNode(context.Background(), graph.TypeMemory, map[string]any{"title": "b"})
	require.NoError(t, err)
	_, err = db.AddEdge(a.ID, b.ID, graph.EdgeRelatesTo, nil)
	require.NoError(t, err)

	result, pending, err := db.DeleteNode(a.ID, "")
	require.NoError(t, err)
	assert.Nil(t, pending)
	require.NotNil(t, result)
	assert.Len(t, result.CascadedEdges, 1)

	_, err = db.GetNode(a.ID)
	assert.True(t, graph.IsKind(err, graph.KindNotFound))
}

func TestDeleteNode_LargeCascadeConfirmationFlow(t *testing.T) {
	db := newDB(t)
	hub, err := db.AddNode(context.Background(), graph.TypeMemory, map[string]any{"title": "hub"})
	require.NoError(t, err)
	for i := 0; i < CascadeConfirmThreshold+1; i++ {
		spoke, err := db.AddNode(context.Background(), graph.TypeMemory,
			map[string]any{"title": fmt.Sprintf("spoke %d", i)})
		require.NoError(t, err)
		_, err = db.AddEdge(hub.ID, spoke.ID, graph.EdgeRelatesTo, nil)
		require.NoError(t, err)
	}

	// First call previews instead of deleting.
	result, pending, err := db.DeleteNode(hub.ID, "")
	require.NoError(t, err)
	assert.Nil(t, result)
	require.NotNil(t, pending)
	assert.NotEmpty(t, pending.Token)
	assert.Equal(t, CascadeConfirmThreshold+1, pending.Preview["edgeCount"])

	// The node survives the preview call.
	_, err = db.GetNode(hub.ID)
	require.NoError(t, err)

	// Wrong token is rejected, node survives.
	_, _, err = db.DeleteNode(hub.ID, "not-a-token")
	assert.True(t, graph.IsKind(err, graph.KindConfirmationInvalid))

	// Valid token deletes with cascade.
	result, pending, err = db.DeleteNode(hub.ID, pending.Token)
	require.NoError(t, err)
	assert.Nil(t, pending)
	require.NotNil(t, result)
	assert.Len(t, result.CascadedEdges, CascadeConfirmThreshold+1)

	// Tokens are single use.
	_, err = db.GetNode(hub.ID)
	assert.True(t, graph.IsKind(err, graph.KindNotFound))
}

func TestAddEdge_Validation(t *testing.T) {
	db := newDB(t)
	list, err := db.AddNode(context.Background(), graph.TypeTodoList, map[string]any{"title": "sprint"})
	require.NoError(t, err)
	todo, err := db.AddNode(context.Background(), graph.TypeTodo, map[string]any{"title": "task"})
	require.NoError(t, err)
	memory, err := db.AddNode(context.Background(), graph.TypeMemory, map[string]any{"title": "note"})
	require.NoError(t, err)

	_, err = db.AddEdge(list.ID, todo.ID, graph.EdgeContains, nil)
	assert.NoError(t, err)

	// A todoList may only contain todos.
	_, err = db.AddEdge(list.ID, memory.ID, graph.EdgeContains, nil)
	assert.True(t, graph.IsKind(err, graph.KindValidation))

	// Missing endpoints surface as not-found, not storage noise.
	_, err = db.AddEdge(todo.ID, "todo-missing", graph.EdgeDependsOn, nil)
	assert.True(t, graph.IsKind(err, graph.KindNotFound))

	_, err = db.AddEdge(todo.ID, memory.ID, "teleports_to", nil)
	assert.True(t, graph.IsKind(err, graph.KindValidation))
}

func TestBatch_PartialFailure(t *testing.T) {
	db := newDB(t)

	result := db.AddNodes(context.Background(), []NodeInput{
		{Type: graph.TypeMemory, Properties: map[string]any{"title": "ok one"}},
		{Type: "bogus", Properties: nil},
		{Type: graph.TypeMemory, Properties: map[string]any{"title": "ok two"}},
	})
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.Errors[0].Index)
	assert.Equal(t, graph.KindValidation, result.Errors[0].Kind)
	require.Len(t, result.Nodes, 2)

	// The successful creates landed despite the failure in between.
	for _, node := range result.Nodes {
		_, err := db.GetNode(node.ID)
		assert.NoError(t, err)
	}

	up := db.UpdateNodes(context.Background(), []NodeUpdate{
		{ID: result.Nodes[0].ID, Properties: map[string]any{"status": "done"}},
		{ID: "memory-missing", Properties: map[string]any{"status": "done"}},
	})
	assert.Equal(t, 1, up.Succeeded)
	assert.Equal(t, 1, up.Failed)
	assert.Equal(t, graph.KindNotFound, up.Errors[0].Kind)

	del := db.DeleteNodes([]string{result.Nodes[0].ID, "memory-missing"})
	assert.Equal(t, 1, del.Succeeded)
	assert.Equal(t, 1, del.Failed)
}

func TestQueryNodes_FiltersAndPaging(t *testing.T) {
	db := newDB(t)
	for i := 0; i < 5; i++ {
		status := "pending"
		if i%2 == 0 {
			status = "done"
		}
		_, err := db.AddNode(context.Background(), graph.TypeTodo, map[string]any{
			"title":    fmt.Sprintf("task %d", i),
			"status":   status,
			"priority": i,
		})
		require.NoError(t, err)
	}

	pending, err := db.QueryNodes(context.Background(), QueryOptions{
		Type:    graph.TypeTodo,
		Filters: map[string]any{"status": "pending"},
	})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	// Numeric filters match through JSON decoding differences.
	one, err := db.QueryNodes(context.Background(), QueryOptions{
		Type:    graph.TypeTodo,
		Filters: map[string]any{"priority": float64(3)},
	})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "task 3", one[0].Properties["title"])

	paged, err := db.QueryNodes(context.Background(), QueryOptions{
		Type:  graph.TypeTodo,
		Limit: 2,
	})
	require.NoError(t, err)
	assert.Len(t, paged, 2)

	rest, err := db.QueryNodes(context.Background(), QueryOptions{
		Type:   graph.TypeTodo,
		Limit:  10,
		Offset: 4,
	})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestGetNeighborsAndSubgraph(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	a, _ := db.AddNode(ctx, graph.TypeMemory, map[string]any{"title": "a"})
	b, _ := db.AddNode(ctx, graph.TypeMemory, map[string]any{"title": "b"})
	c, _ := db.AddNode(ctx, graph.TypeMemory, map[string]any{"title": "c"})
	d, _ := db.AddNode(ctx, graph.TypeMemory, map[string]any{"title": "d"})

	_, err := db.AddEdge(a.ID, b.ID, graph.EdgeRelatesTo, nil)
	require.NoError(t, err)
	_, err = db.AddEdge(b.ID, c.ID, graph.EdgeRelatesTo, nil)
	require.NoError(t, err)
	_, err = db.AddEdge(c.ID, d.ID, graph.EdgeRelatesTo, nil)
	require.NoError(t, err)
	// A diamond back-edge: c is still first reached at hop 2.
	_, err = db.AddEdge(a.ID, c.ID, graph.EdgeReferences, nil)
	require.NoError(t, err)

	neighbors, err := db.GetNeighbors(ctx, a.ID, "", 2, storage.DirectionBoth)
	require.NoError(t, err)
	hops := make(map[string]int)
	for _, n := range neighbors {
		hops[n.Node.ID] = n.Hops
	}
	assert.Equal(t, 1, hops[b.ID])
	assert.Equal(t, 1, hops[c.ID]) // direct reference edge wins
	assert.Equal(t, 2, hops[d.ID])

	sub, err := db.GetSubgraph(ctx, a.ID, 1)
	require.NoError(t, err)
	assert.Len(t, sub.Nodes, 3) // a, b, c
	assert.Len(t, sub.Edges, 3) // a->b, a->c, b->c
}

func TestGetNeighbors_EdgeTypeFilter(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	t1, _ := db.AddNode(ctx, graph.TypeTodo, map[string]any{"title": "t1"})
	t2, _ := db.AddNode(ctx, graph.TypeTodo, map[string]any{"title": "t2"})
	t3, _ := db.AddNode(ctx, graph.TypeTodo, map[string]any{"title": "t3"})

	_, err := db.AddEdge(t1.ID, t2.ID, graph.EdgeDependsOn, nil)
	require.NoError(t, err)
	_, err = db.AddEdge(t1.ID, t3.ID, graph.EdgeRelatesTo, nil)
	require.NoError(t, err)

	neighbors, err := db.GetNeighbors(ctx, t1.ID, graph.EdgeDependsOn, 1, storage.DirectionBoth)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, t2.ID, neighbors[0].Node.ID)

	// Empty type walks every edge.
	all, err := db.GetNeighbors(ctx, t1.ID, "", 1, storage.DirectionBoth)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// The filter applies at every hop, not just the first.
	deep, err := db.AddNode(ctx, graph.TypeTodo, map[string]any{"title": "deep"})
	require.NoError(t, err)
	_, err = db.AddEdge(t2.ID, deep.ID, graph.EdgeRelatesTo, nil)
	require.NoError(t, err)
	neighbors, err = db.GetNeighbors(ctx, t1.ID, graph.EdgeDependsOn, 2, storage.DirectionBoth)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, t2.ID, neighbors[0].Node.ID)

	_, err = db.GetNeighbors(ctx, t1.ID, "teleports_to", 1, storage.DirectionBoth)
	assert.True(t, graph.IsKind(err, graph.KindValidation))
}

func TestClear_ConfirmationFlow(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := db.AddNode(ctx, graph.TypeMemory, map[string]any{"title": fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	keep, err := db.AddNode(ctx, graph.TypeTodo, map[string]any{"title": "survives"})
	require.NoError(t, err)

	_, _, err = db.Clear(ctx, "not-a-type", "")
	assert.True(t, graph.IsKind(err, graph.KindValidation))

	result, pending, err := db.Clear(ctx, string(graph.TypeMemory), "")
	require.NoError(t, err)
	assert.Nil(t, result)
	require.NotNil(t, pending)
	assert.Equal(t, 3, pending.Preview["nodeCount"])

	_, _, err = db.Clear(ctx, string(graph.TypeMemory), "bogus")
	assert.True(t, graph.IsKind(err, graph.KindConfirmationInvalid))

	// A token issued for one target does not authorize another.
	_, _, err = db.Clear(ctx, ClearAll, pending.Token)
	assert.True(t, graph.IsKind(err, graph.KindConfirmationInvalid))

	result, _, err = db.Clear(ctx, string(graph.TypeMemory), pending.Token)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 3, result.NodesDeleted)

	_, err = db.GetNode(keep.ID)
	assert.NoError(t, err)
}

func TestGetStats(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	a, _ := db.AddNode(ctx, graph.TypeMemory, map[string]any{"title": "alpha report"})
	b, _ := db.AddNode(ctx, graph.TypeTodo, map[string]any{"title": "beta task"})
	_, err := db.AddEdge(a.ID, b.ID, graph.EdgeRelatesTo, nil)
	require.NoError(t, err)

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Nodes)
	assert.Equal(t, int64(1), stats.Edges)
	assert.Equal(t, int64(1), stats.NodesByType[graph.TypeMemory])
	assert.Equal(t, 2, stats.IndexedDocs)
	assert.False(t, stats.EmbedEnabled)
}

func TestWritesKeepSearchInSync(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	node, err := db.AddNode(ctx, graph.TypeMemory, map[string]any{
		"title":   "retry policy",
		"content": "exponential backoff with jitter",
	})
	require.NoError(t, err)

	results, err := db.SearchNodes(ctx, "exponential backoff", nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, node.ID, results[0].Node.ID)

	_, _, err = db.DeleteNode(node.ID, "")
	require.NoError(t, err)

	results, err = db.SearchNodes(ctx, "exponential backoff", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}
