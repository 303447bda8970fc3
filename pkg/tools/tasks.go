package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/lock"
	"github.com/orneryd/mimir/pkg/mimir"
	"github.com/orneryd/mimir/pkg/scope"
)

type todoParams struct {
	Op                string         `json:"op"`
	ID                string         `json:"id"`
	ListID            string         `json:"listId"`
	Properties        map[string]any `json:"properties"`
	Filters           map[string]any `json:"filters"`
	Limit             int            `json:"limit"`
	ConfirmationToken string         `json:"confirmationToken"`
}

// todo wraps node CRUD for the todo type. Creates with a listId also
// attach the contains edge from the list in the same call.
func (r *Registry) todo(ctx context.Context, params json.RawMessage) Response {
	var p todoParams
	if err := decode(params, &p); err != nil {
		return fail(err)
	}
	switch p.Op {
	case "add":
		node, err := r.db.AddNode(ctx, graph.TypeTodo, p.Properties)
		if err != nil {
			return fail(err)
		}
		if p.ListID != "" {
			if _, err := r.db.AddEdge(p.ListID, node.ID, graph.EdgeContains, nil); err != nil {
				// Roll the orphaned todo back so a bad listId is not a
				// half-applied create.
				_, _, _ = r.db.DeleteNode(node.ID, "")
				return fail(err)
			}
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
	case "list":
		nodes, err := r.db.QueryNodes(ctx, mimir.QueryOptions{
			Type:             graph.TypeTodo,
			Filters:          p.Filters,
			Limit:            p.Limit,
			StripLargeFields: true,
		})
		if err != nil {
			return fail(err)
		}
		return ok(nodes)
	default:
		return fail(graph.NewError(graph.KindValidation, "unknown todo op: %q", p.Op))
	}
}

// todoList wraps node CRUD for the todoList type. The list action on a
// specific id returns the list's todos via its contains edges.
func (r *Registry) todoList(ctx context.Context, params json.RawMessage) Response {
	var p todoParams
	if err := decode(params, &p); err != nil {
		return fail(err)
	}
	switch p.Op {
	case "add":
		node, err := r.db.AddNode(ctx, graph.TypeTodoList, p.Properties)
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
	case "todos":
		neighbors, err := r.db.GetNeighbors(ctx, p.ID, graph.EdgeContains, 1, "out")
		if err != nil {
			return fail(err)
		}
		var todos []*graph.Node
		for _, n := range neighbors {
			if n.Node.Type == graph.TypeTodo {
				todos = append(todos, n.Node)
			}
		}
		return ok(todos)
	case "list":
		nodes, err := r.db.QueryNodes(ctx, mimir.QueryOptions{
			Type:             graph.TypeTodoList,
			Filters:          p.Filters,
			Limit:            p.Limit,
			StripLargeFields: true,
		})
		if err != nil {
			return fail(err)
		}
		return ok(nodes)
	default:
		return fail(graph.NewError(graph.KindValidation, "unknown todoList op: %q", p.Op))
	}
}

type lockParams struct {
	Op        string         `json:"op"`
	NodeID    string         `json:"nodeId"`
	AgentID   string         `json:"agentId"`
	TimeoutMs int            `json:"timeoutMs"`
	NodeType  graph.NodeType `json:"nodeType"`
	Filters   map[string]any `json:"filters"`
}

// memoryLock is the optimistic coordination surface: acquire and
// release report contention as acquired:false rather than as errors.
func (r *Registry) memoryLock(ctx context.Context, params json.RawMessage) Response {
	var p lockParams
	if err := decode(params, &p); err != nil {
		return fail(err)
	}
	switch p.Op {
	case "acquire":
		if p.AgentID == "" {
			return fail(graph.NewError(graph.KindValidation, "agentId is required"))
		}
		timeout := time.Duration(p.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = lock.DefaultTimeout
		}
		acquired, err := r.locks.Acquire(p.NodeID, p.AgentID, timeout)
		if err != nil {
			return fail(err)
		}
		holder := p.AgentID
		if !acquired {
			holder, _ = r.locks.Holder(p.NodeID)
		}
		return ok(map[string]any{"acquired": acquired, "holder": holder})
	case "release":
		released, err := r.locks.Release(p.NodeID, p.AgentID)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]any{"released": released})
	case "query_available":
		nodeType := p.NodeType
		if nodeType == "" {
			nodeType = graph.TypeTodo
		}
		nodes, err := r.locks.QueryAvailable(ctx, nodeType, p.Filters)
		if err != nil {
			return fail(err)
		}
		return ok(nodes)
	case "cleanup":
		cleared, err := r.locks.Cleanup(ctx)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]any{"cleared": cleared})
	default:
		return fail(graph.NewError(graph.KindValidation, "unknown lock op: %q", p.Op))
	}
}

type taskContextParams struct {
	TaskID    string `json:"taskId"`
	AgentType string `json:"agentType"`
}

func (r *Registry) taskContext(ctx context.Context, params json.RawMessage) Response {
	var p taskContextParams
	if err := decode(params, &p); err != nil {
		return fail(err)
	}
	filtered, metrics, err := r.scope.TaskContext(ctx, p.TaskID, scope.AgentType(p.AgentType))
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{
		"context": filtered,
		"metrics": metrics,
	})
}
