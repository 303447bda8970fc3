package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mimir/pkg/graph"
)

// engines under test; the badger engine runs in-memory so the same
// assertions cover both code paths.
func testEngines(t *testing.T) map[string]Engine {
	t.Helper()
	bdg, err := NewBadgerEngineInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdg.Close() })

	mem := NewMemoryEngine()
	t.Cleanup(func() { _ = mem.Close() })

	return map[string]Engine{"memory": mem, "badger": bdg}
}

func TestEngine_NodeCRUD(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			node := graph.NewNode(graph.TypeMemory, map[string]any{"title": "A"})
			require.NoError(t, engine.CreateNode(node))

			// Duplicate id is a conflict.
			assert.ErrorIs(t, engine.CreateNode(node), ErrAlreadyExists)

			got, err := engine.GetNode(node.ID)
			require.NoError(t, err)
			assert.Equal(t, "A", got.Properties["title"])

			got.Properties["title"] = "B"
			require.NoError(t, engine.UpdateNode(got))

			got2, err := engine.GetNode(node.ID)
			require.NoError(t, err)
			assert.Equal(t, "B", got2.Properties["title"])

			_, err = engine.GetNode("missing")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = engine.DeleteNode(node.ID)
			require.NoError(t, err)
			_, err = engine.GetNode(node.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestEngine_EdgeEndpointsRequired(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			a := graph.NewNode(graph.TypeTodo, nil)
			require.NoError(t, engine.CreateNode(a))

			e, err := graph.NewEdge(a.ID, "missing", graph.EdgeDependsOn, nil)
			require.NoError(t, err)
			assert.ErrorIs(t, engine.CreateEdge(e), ErrInvalidEdge)
		})
	}
}

func TestEngine_DeleteNodeCascadesEdges(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			a := graph.NewNode(graph.TypeTodo, nil)
			b := graph.NewNode(graph.TypeTodo, nil)
			c := graph.NewNode(graph.TypeTodo, nil)
			for _, n := range []*graph.Node{a, b, c} {
				require.NoError(t, engine.CreateNode(n))
			}
			ab, _ := graph.NewEdge(a.ID, b.ID, graph.EdgeDependsOn, nil)
			cb, _ := graph.NewEdge(c.ID, b.ID, graph.EdgeBlocks, nil)
			require.NoError(t, engine.CreateEdge(ab))
			require.NoError(t, engine.CreateEdge(cb))

			n, err := engine.NodeEdgeCount(b.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			cascaded, err := engine.DeleteNode(b.ID)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{ab.ID, cb.ID}, cascaded)

			// Both edges are gone in the same logical transaction.
			_, err = engine.GetEdge(ab.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = engine.GetEdge(cb.ID)
			assert.ErrorIs(t, err, ErrNotFound)

			// Survivors keep no dangling adjacency.
			edges, err := engine.EdgesOf(a.ID, DirectionBoth)
			require.NoError(t, err)
			assert.Empty(t, edges)
		})
	}
}

func TestEngine_EdgesOfDirections(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			a := graph.NewNode(graph.TypeMemory, nil)
			b := graph.NewNode(graph.TypeMemory, nil)
			require.NoError(t, engine.CreateNode(a))
			require.NoError(t, engine.CreateNode(b))

			out, _ := graph.NewEdge(a.ID, b.ID, graph.EdgeRelatesTo, nil)
			in, _ := graph.NewEdge(b.ID, a.ID, graph.EdgeFollows, nil)
			require.NoError(t, engine.CreateEdge(out))
			require.NoError(t, engine.CreateEdge(in))

			edges, err := engine.EdgesOf(a.ID, DirectionOut)
			require.NoError(t, err)
			require.Len(t, edges, 1)
			assert.Equal(t, out.ID, edges[0].ID)

			edges, err = engine.EdgesOf(a.ID, DirectionIn)
			require.NoError(t, err)
			require.Len(t, edges, 1)
			assert.Equal(t, in.ID, edges[0].ID)

			edges, err = engine.EdgesOf(a.ID, DirectionBoth)
			require.NoError(t, err)
			assert.Len(t, edges, 2)
		})
	}
}

func TestEngine_NodesByTypeAndCounts(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				require.NoError(t, engine.CreateNode(graph.NewNode(graph.TypeTodo, nil)))
			}
			require.NoError(t, engine.CreateNode(graph.NewNode(graph.TypeFile, nil)))

			todos, err := engine.NodesByType(graph.TypeTodo)
			require.NoError(t, err)
			assert.Len(t, todos, 3)

			counts, err := engine.CountsByType()
			require.NoError(t, err)
			assert.Equal(t, int64(3), counts[graph.TypeTodo])
			assert.Equal(t, int64(1), counts[graph.TypeFile])

			nc, err := engine.NodeCount()
			require.NoError(t, err)
			assert.Equal(t, int64(4), nc)
		})
	}
}

func TestEngine_UpdateNodeIf_CAS(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			node := graph.NewNode(graph.TypeTodo, map[string]any{"status": "pending"})
			require.NoError(t, engine.CreateNode(node))

			applied, err := engine.UpdateNodeIf(node.ID,
				func(n *graph.Node) bool { return n.Properties["status"] == "pending" },
				func(n *graph.Node) { n.Properties["status"] = "active" })
			require.NoError(t, err)
			assert.True(t, applied)

			// Condition no longer holds.
			applied, err = engine.UpdateNodeIf(node.ID,
				func(n *graph.Node) bool { return n.Properties["status"] == "pending" },
				func(n *graph.Node) { n.Properties["status"] = "active" })
			require.NoError(t, err)
			assert.False(t, applied)
		})
	}
}

func TestEngine_UpdateNodeIf_ConcurrentSingleWinner(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			node := graph.NewNode(graph.TypeTodo, nil)
			require.NoError(t, engine.CreateNode(node))

			const contenders = 16
			var wg sync.WaitGroup
			wins := make(chan int, contenders)
			for i := 0; i < contenders; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := engine.UpdateNodeIf(node.ID,
						func(n *graph.Node) bool { _, held := n.Properties["owner"]; return !held },
						func(n *graph.Node) { n.Properties["owner"] = i })
					if err == nil && ok {
						wins <- i
					}
				}(i)
			}
			wg.Wait()
			close(wins)

			var winners []int
			for w := range wins {
				winners = append(winners, w)
			}
			assert.Len(t, winners, 1, "exactly one contender may win the CAS")
		})
	}
}

func TestEngine_StreamNodes(t *testing.T) {
	for name, engine := range testEngines(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				require.NoError(t, engine.CreateNode(graph.NewNode(graph.TypeMemory, nil)))
			}
			count := 0
			err := engine.StreamNodes(context.Background(), func(*graph.Node) error {
				count++
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, 5, count)

			// Cancellation stops iteration.
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			err = engine.StreamNodes(ctx, func(*graph.Node) error { return nil })
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestBadgerEngine_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	engine, err := NewBadgerEngine(dir)
	require.NoError(t, err)

	node := graph.NewNode(graph.TypeMemory, map[string]any{"title": "durable"})
	node.Embedding = []float32{0.1, 0.2, 0.3}
	require.NoError(t, engine.CreateNode(node))
	require.NoError(t, engine.Close())

	reopened, err := NewBadgerEngine(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Properties["title"])
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding)
	assert.WithinDuration(t, node.Created, got.Created, time.Second)
}

func TestMemoryEngine_Closed(t *testing.T) {
	engine := NewMemoryEngine()
	require.NoError(t, engine.Close())

	assert.ErrorIs(t, engine.CreateNode(graph.NewNode(graph.TypeMemory, nil)), ErrStorageClosed)
	_, err := engine.GetNode("x")
	assert.ErrorIs(t, err, ErrStorageClosed)
}
