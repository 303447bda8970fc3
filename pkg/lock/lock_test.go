package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/storage"
)

func newService(t *testing.T) (*Service, storage.Engine) {
	t.Helper()
	store := storage.NewMemoryEngine()
	svc := NewService(store)
	t.Cleanup(func() {
		svc.Close()
		_ = store.Close()
	})
	return svc, store
}

func createNode(t *testing.T, store storage.Engine, props map[string]any) *graph.Node {
	t.Helper()
	node := graph.NewNode(graph.TypeTodo, props)
	require.NoError(t, store.CreateNode(node))
	return node
}

func TestAcquireReleaseCycle(t *testing.T) {
	svc, store := newService(t)
	node := createNode(t, store, nil)

	ok, err := svc.Acquire(node.ID, "agentA", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	// Held by A, so B fails.
	ok, err = svc.Acquire(node.ID, "agentB", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := svc.Holder(node.ID)
	require.NoError(t, err)
	assert.Equal(t, "agentA", holder)

	// B cannot release A's lock.
	ok, err = svc.Release(node.ID, "agentB")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.Release(node.ID, "agentA")
	require.NoError(t, err)
	assert.True(t, ok)

	// After release, B succeeds.
	ok, err = svc.Acquire(node.ID, "agentB", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireMissingNode(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Acquire("todo-missing", "agentA", 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExpiredLockIsFree(t *testing.T) {
	svc, store := newService(t)
	node := createNode(t, store, nil)

	base := time.Now()
	svc.now = func() time.Time { return base }

	ok, err := svc.Acquire(node.ID, "agentA", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Past expiry the lock counts as free.
	svc.now = func() time.Time { return base.Add(2 * time.Minute) }

	holder, err := svc.Holder(node.ID)
	require.NoError(t, err)
	assert.Empty(t, holder)

	ok, err = svc.Acquire(node.ID, "agentB", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	svc, store := newService(t)
	node := createNode(t, store, nil)

	const agents = 20
	var wg sync.WaitGroup
	wins := make(chan string, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent := string(rune('a' + i))
			ok, err := svc.Acquire(node.ID, agent, time.Minute)
			if err == nil && ok {
				wins <- agent
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	assert.Len(t, winners, 1, "exactly one agent wins")
}

func TestQueryAvailable(t *testing.T) {
	svc, store := newService(t)
	free := createNode(t, store, map[string]any{"status": "pending"})
	locked := createNode(t, store, map[string]any{"status": "pending"})
	other := createNode(t, store, map[string]any{"status": "done"})

	ok, err := svc.Acquire(locked.ID, "agentA", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	nodes, err := svc.QueryAvailable(context.Background(), graph.TypeTodo, nil)
	require.NoError(t, err)
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []string{free.ID, other.ID}, ids)

	nodes, err = svc.QueryAvailable(context.Background(), graph.TypeTodo, map[string]any{"status": "pending"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, free.ID, nodes[0].ID)
}

func TestCleanupClearsOnlyExpired(t *testing.T) {
	svc, store := newService(t)
	expired := createNode(t, store, nil)
	active := createNode(t, store, nil)

	base := time.Now()
	svc.now = func() time.Time { return base }
	ok, err := svc.Acquire(expired.ID, "agentA", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	svc.now = func() time.Time { return base.Add(5 * time.Minute) }
	ok, err = svc.Acquire(active.ID, "agentB", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	cleared, err := svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	node, err := store.GetNode(expired.ID)
	require.NoError(t, err)
	assert.NotContains(t, node.Properties, PropLockedBy)

	holder, err := svc.Holder(active.ID)
	require.NoError(t, err)
	assert.Equal(t, "agentB", holder)
}
