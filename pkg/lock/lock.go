// Package lock implements optimistic node locks for multi-agent
// coordination.
//
// A lock is three properties on the node itself (lockedBy, lockedAt,
// lockExpiresAt), so locks persist with the graph and survive restarts.
// Transitions go through the storage engine's conditional update, which
// runs under the engine's write path; that makes acquire/release
// linearizable per node, and concurrent acquires from distinct agents
// yield exactly one winner.
//
// Locks expire rather than deadlock: an expired lock counts as free for
// the next acquirer, and a background sweeper clears leftovers.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/storage"
)

// Lock property keys on nodes. Managed only by this package.
const (
	PropLockedBy      = "lockedBy"
	PropLockedAt      = "lockedAt"
	PropLockExpiresAt = "lockExpiresAt"
)

// DefaultTimeout is the lock lifetime when the caller passes zero.
const DefaultTimeout = 5 * time.Minute

// Service manages locks stored on graph nodes.
type Service struct {
	store storage.Engine

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// now is swappable in tests.
	now func() time.Time
}

// NewService creates a lock service over the given store.
func NewService(store storage.Engine) *Service {
	return &Service{
		store: store,
		done:  make(chan struct{}),
		now:   time.Now,
	}
}

// Acquire attempts to lock nodeID for agentID. Returns true iff the
// node was unlocked or held by an expired lock at the moment of the
// call. timeout <= 0 means DefaultTimeout.
func (s *Service) Acquire(nodeID, agentID string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := s.now().UTC()

	return s.store.UpdateNodeIf(nodeID,
		func(n *graph.Node) bool {
			return !lockHeld(n, now)
		},
		func(n *graph.Node) {
			n.Properties[PropLockedBy] = agentID
			n.Properties[PropLockedAt] = now.Format(time.RFC3339Nano)
			n.Properties[PropLockExpiresAt] = now.Add(timeout).Format(time.RFC3339Nano)
		})
}

// Release clears the lock on nodeID iff agentID holds it. Returns
// false when another agent holds the lock or no lock is present.
func (s *Service) Release(nodeID, agentID string) (bool, error) {
	return s.store.UpdateNodeIf(nodeID,
		func(n *graph.Node) bool {
			holder, _ := n.Properties[PropLockedBy].(string)
			return holder == agentID
		},
		clearLock)
}

// Holder returns the current lock holder of nodeID, or "" when the
// node is unlocked or the lock has expired.
func (s *Service) Holder(nodeID string) (string, error) {
	node, err := s.store.GetNode(nodeID)
	if err != nil {
		return "", err
	}
	if !lockHeld(node, s.now().UTC()) {
		return "", nil
	}
	holder, _ := node.Properties[PropLockedBy].(string)
	return holder, nil
}

// QueryAvailable returns nodes whose lock is absent or expired,
// optionally restricted by type and flat-property equality filters.
func (s *Service) QueryAvailable(ctx context.Context, nodeType graph.NodeType, filters map[string]any) ([]*graph.Node, error) {
	now := s.now().UTC()
	var out []*graph.Node

	collect := func(node *graph.Node) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lockHeld(node, now) {
			return nil
		}
		for key, want := range filters {
			if got, ok := node.Properties[key]; !ok || got != want {
				return nil
			}
		}
		out = append(out, node)
		return nil
	}

	if nodeType != "" {
		nodes, err := s.store.NodesByType(nodeType)
		if err != nil {
			return nil, err
		}
		for _, node := range nodes {
			if err := collect(node); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	if err := s.store.StreamNodes(ctx, collect); err != nil {
		return nil, err
	}
	return out, nil
}

// Cleanup clears every expired lock and returns how many were cleared.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	now := s.now().UTC()
	var expired []string

	err := s.store.StreamNodes(ctx, func(node *graph.Node) error {
		if _, locked := node.Properties[PropLockedBy]; locked && !lockHeld(node, now) {
			expired = append(expired, node.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, id := range expired {
		// Re-check under the write path; another agent may have
		// re-acquired since the scan.
		ok, err := s.store.UpdateNodeIf(id,
			func(n *graph.Node) bool {
				_, locked := n.Properties[PropLockedBy]
				return locked && !lockHeld(n, now)
			},
			clearLock)
		if err != nil {
			continue
		}
		if ok {
			cleared++
		}
	}
	return cleared, nil
}

// StartSweeper runs Cleanup every interval until Close is called.
func (s *Service) StartSweeper(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				_, _ = s.Cleanup(context.Background())
			}
		}
	}()
}

// Close stops the sweeper. Idempotent.
func (s *Service) Close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func clearLock(n *graph.Node) {
	delete(n.Properties, PropLockedBy)
	delete(n.Properties, PropLockedAt)
	delete(n.Properties, PropLockExpiresAt)
}

// lockHeld reports whether the node carries an unexpired lock at the
// given instant. Unparseable expiry counts as expired.
func lockHeld(n *graph.Node, now time.Time) bool {
	if _, ok := n.Properties[PropLockedBy]; !ok {
		return false
	}
	raw, _ := n.Properties[PropLockExpiresAt].(string)
	expires, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	return now.Before(expires)
}
