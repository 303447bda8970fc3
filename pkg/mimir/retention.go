package mimir

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/lock"
)

// RetentionPolicy resolves node types to retention windows. A window of
// zero days retains the type indefinitely. Watch configurations are
// infrastructure and never expire regardless of policy.
type RetentionPolicy struct {
	// DefaultDays applies to types without a PerType entry.
	DefaultDays int

	// PerType overrides DefaultDays for specific node types.
	PerType map[graph.NodeType]int
}

// Days returns the retention window for the given type in days.
func (p RetentionPolicy) Days(t graph.NodeType) int {
	if days, ok := p.PerType[t]; ok {
		return days
	}
	return p.DefaultDays
}

// Expired reports whether the node is past its retention window at the
// given instant. Expiry is measured from the last update, so touching a
// node renews it.
func (p RetentionPolicy) Expired(n *graph.Node, now time.Time) bool {
	if n.Type == graph.TypeWatchConfig {
		return false
	}
	days := p.Days(n.Type)
	if days <= 0 {
		return false
	}
	return now.After(n.Updated.Add(time.Duration(days) * 24 * time.Hour))
}

// RetentionSweeper periodically deletes nodes past their retention
// window. Nodes under an unexpired agent lock are skipped until the
// lock clears.
type RetentionSweeper struct {
	db     *DB
	policy RetentionPolicy
	log    *zap.Logger

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// now is swappable in tests.
	now func() time.Time
}

// NewRetentionSweeper creates a sweeper over db. log may be nil.
func NewRetentionSweeper(db *DB, policy RetentionPolicy, log *zap.Logger) *RetentionSweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &RetentionSweeper{
		db:     db,
		policy: policy,
		log:    log,
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Sweep runs one retention pass and returns the number of nodes
// deleted. Individual delete failures are logged and do not stop the
// pass.
func (s *RetentionSweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()

	var expired []string
	err := s.db.store.StreamNodes(ctx, func(n *graph.Node) error {
		if s.policy.Expired(n, now) && !lockHeld(n, now) {
			expired = append(expired, n.ID)
		}
		return nil
	})
	if err != nil {
		return 0, classify(err, "retention scan")
	}

	deleted := 0
	for _, id := range expired {
		if err := ctx.Err(); err != nil {
			return deleted, graph.WrapError(graph.KindCancelled, "retention sweep", err)
		}
		if _, err := s.db.store.DeleteNode(id); err != nil {
			s.log.Warn("retention delete failed", zap.String("id", id), zap.Error(err))
			continue
		}
		s.db.search.RemoveNode(id)
		deleted++
	}
	if deleted > 0 {
		s.log.Info("retention sweep",
			zap.Int("deleted", deleted),
			zap.Int("candidates", len(expired)))
	}
	return deleted, nil
}

// Start launches the background sweep loop. The first pass runs after
// one full interval.
func (s *RetentionSweeper) Start(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Sweep(context.Background()); err != nil {
					s.log.Warn("retention sweep failed", zap.Error(err))
				}
			case <-s.done:
				return
			}
		}
	}()
}

// Close stops the sweep loop and waits for an in-flight pass.
func (s *RetentionSweeper) Close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

// lockHeld mirrors the lock service's liveness check so a held node is
// never reaped mid-task. Unparseable expiry counts as expired.
func lockHeld(n *graph.Node, now time.Time) bool {
	if _, ok := n.Properties[lock.PropLockedBy]; !ok {
		return false
	}
	raw, _ := n.Properties[lock.PropLockExpiresAt].(string)
	expires, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	return now.Before(expires)
}
