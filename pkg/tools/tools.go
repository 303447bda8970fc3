// Package tools exposes the Mimir core as a transport-neutral
// operation surface: named operations taking and returning JSON.
// Whatever speaks to the outside (a CLI, an RPC server) dispatches
// through the registry here and never touches the core packages
// directly.
//
// Every response uses one envelope. Failures encode the error taxonomy
// verbatim:
//
//	{"success": false, "error": {"kind": "ENotFound", "message": "..."}}
//
// Destructive operations that need a second call carry a confirmation
// object next to the error.
package tools

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/indexer"
	"github.com/orneryd/mimir/pkg/lock"
	"github.com/orneryd/mimir/pkg/mimir"
	"github.com/orneryd/mimir/pkg/scope"
)

// ErrorInfo is the wire form of a classified error.
type ErrorInfo struct {
	Kind    graph.Kind `json:"kind"`
	Message string     `json:"message"`
}

// Response is the envelope every operation returns.
type Response struct {
	Success      bool                       `json:"success"`
	Data         any                        `json:"data,omitempty"`
	Error        *ErrorInfo                 `json:"error,omitempty"`
	Confirmation *mimir.ConfirmationRequest `json:"confirmation,omitempty"`
}

// Handler executes one operation.
type Handler func(ctx context.Context, params json.RawMessage) Response

// Registry maps operation names to handlers.
type Registry struct {
	db       *mimir.DB
	locks    *lock.Service
	scope    *scope.Service
	indexer  *indexer.Indexer
	watches  *indexer.WatchManager
	watchCfg *indexer.WatchStore
	log      *zap.Logger

	handlers map[string]Handler
}

// NewRegistry wires the operation surface over the assembled services.
// log may be nil.
func NewRegistry(db *mimir.DB, locks *lock.Service, scopeSvc *scope.Service,
	ix *indexer.Indexer, watches *indexer.WatchManager, watchCfg *indexer.WatchStore,
	log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		db:       db,
		locks:    locks,
		scope:    scopeSvc,
		indexer:  ix,
		watches:  watches,
		watchCfg: watchCfg,
		log:      log,
		handlers: make(map[string]Handler),
	}
	r.register()
	return r
}

func (r *Registry) register() {
	r.handlers["memory_node"] = r.memoryNode
	r.handlers["memory_edge"] = r.memoryEdge
	r.handlers["memory_batch"] = r.memoryBatch
	r.handlers["memory_lock"] = r.memoryLock
	r.handlers["memory_clear"] = r.memoryClear
	r.handlers["query_nodes"] = r.queryNodes
	r.handlers["vector_search_nodes"] = r.vectorSearchNodes
	r.handlers["fulltext.queryNodes"] = r.fulltextQueryNodes
	r.handlers["get_embedding_stats"] = r.embeddingStats
	r.handlers["get_neighbors"] = r.getNeighbors
	r.handlers["get_subgraph"] = r.getSubgraph
	r.handlers["index_folder"] = r.indexFolder
	r.handlers["remove_folder"] = r.removeFolder
	r.handlers["list_folders"] = r.listFolders
	r.handlers["todo"] = r.todo
	r.handlers["todo_list"] = r.todoList
	r.handlers["get_task_context"] = r.taskContext
}

// Operations lists the registered operation names, sorted.
func (r *Registry) Operations() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute dispatches one operation by name.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) Response {
	handler, ok := r.handlers[name]
	if !ok {
		return fail(graph.NewError(graph.KindValidation, "unknown operation: %s", name))
	}
	resp := handler(ctx, params)
	if !resp.Success {
		r.log.Debug("operation failed",
			zap.String("operation", name),
			zap.String("kind", string(resp.Error.Kind)))
	}
	return resp
}

func ok(data any) Response {
	return Response{Success: true, Data: data}
}

func fail(err error) Response {
	return Response{Success: false, Error: &ErrorInfo{
		Kind:    graph.KindOf(err),
		Message: err.Error(),
	}}
}

// needsConfirmation encodes the first leg of a confirmation round trip.
func needsConfirmation(req *mimir.ConfirmationRequest) Response {
	return Response{
		Success: false,
		Error: &ErrorInfo{
			Kind:    graph.KindConfirmationRequired,
			Message: "destructive operation requires confirmation, repeat the call with the token",
		},
		Confirmation: req,
	}
}

// decode unmarshals params, treating empty input as an empty object.
func decode(params json.RawMessage, into any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, into); err != nil {
		return graph.WrapError(graph.KindValidation, "malformed parameters", err)
	}
	return nil
}
