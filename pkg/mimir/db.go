// Package mimir is the core facade: node and edge CRUD with merge
// semantics, batch operations with partial failure, hybrid search,
// traversal, and confirmation-gated destructive operations. Every write
// keeps the search indexes in sync before it returns.
package mimir

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/mimir/pkg/confirm"
	"github.com/orneryd/mimir/pkg/embed"
	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/search"
	"github.com/orneryd/mimir/pkg/storage"
)

// CascadeConfirmThreshold is the incident edge count above which node
// deletion requires confirmation.
const CascadeConfirmThreshold = 10

// ConfirmationRequest asks the caller to repeat a destructive operation
// with the token. The preview describes what the operation would
// destroy.
type ConfirmationRequest struct {
	Token   string         `json:"confirmationToken"`
	Action  string         `json:"action"`
	Preview map[string]any `json:"preview"`
	TTL     time.Duration  `json:"-"`
}

// DB is the Mimir core. All methods are safe for concurrent use.
type DB struct {
	store   storage.Engine
	search  *search.Engine
	coord   *embed.Coordinator
	confirm *confirm.Ledger
	log     *zap.Logger
}

// New assembles the core over a storage engine and an embedding
// coordinator. coord must be non-nil (use a disabled coordinator when
// embeddings are off); log may be nil.
func New(store storage.Engine, coord *embed.Coordinator, log *zap.Logger) *DB {
	if log == nil {
		log = zap.NewNop()
	}
	return &DB{
		store:   store,
		search:  search.NewEngine(store, coord),
		coord:   coord,
		confirm: confirm.NewLedger(confirm.DefaultTTL),
		log:     log,
	}
}

// Store exposes the underlying engine for components that share it.
func (db *DB) Store() storage.Engine { return db.store }

// Search exposes the search engine for index rebuilds and direct use.
func (db *DB) Search() *search.Engine { return db.search }

// Coordinator exposes the embedding coordinator.
func (db *DB) Coordinator() *embed.Coordinator { return db.coord }

// RebuildIndexes repopulates the search indexes from storage, typically
// once at startup.
func (db *DB) RebuildIndexes(ctx context.Context) error {
	return db.search.BuildIndexes(ctx)
}

// Close releases the confirmation ledger and the storage engine.
func (db *DB) Close() error {
	db.confirm.Close()
	return db.store.Close()
}

// classify maps storage sentinels onto the error taxonomy.
func classify(err error, context string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return graph.WrapError(graph.KindNotFound, context, err)
	case errors.Is(err, storage.ErrAlreadyExists):
		return graph.WrapError(graph.KindConflict, context, err)
	case errors.Is(err, storage.ErrInvalidEdge):
		return graph.WrapError(graph.KindNotFound, context, err)
	case errors.Is(err, storage.ErrInvalidID), errors.Is(err, storage.ErrInvalidData):
		return graph.WrapError(graph.KindValidation, context, err)
	default:
		return graph.WrapError(graph.KindStorage, context, err)
	}
}
