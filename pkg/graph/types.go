// Package graph defines the unified node/edge model shared by every Mimir
// component: typed nodes and directed edges with flat property maps,
// property flattening/unflattening, and large-field stripping for list
// responses.
//
// The model is deliberately small. Per-type behavior (todos, files, chunks,
// watch configs) is expressed as projections over the shared header
// {id, type, properties, created, updated} rather than as distinct structs.
//
// Example Usage:
//
//	node := graph.NewNode(graph.TypeMemory, map[string]any{
//		"title":   "Auth decision",
//		"content": "We use optimistic locks for agent coordination.",
//	})
//
//	edge, err := graph.NewEdge(a.ID, b.ID, graph.EdgeDependsOn, nil)
package graph

import (
	"time"

	"github.com/google/uuid"
)

// NodeType is the closed set of node discriminators.
type NodeType string

// Node types. TypeCustom is the escape hatch for callers that need a
// discriminator outside the closed set.
const (
	TypeTodo           NodeType = "todo"
	TypeTodoList       NodeType = "todoList"
	TypeMemory         NodeType = "memory"
	TypeFile           NodeType = "file"
	TypeFileChunk      NodeType = "fileChunk"
	TypeFunction       NodeType = "function"
	TypeClass          NodeType = "class"
	TypeModule         NodeType = "module"
	TypeConcept        NodeType = "concept"
	TypePerson         NodeType = "person"
	TypeProject        NodeType = "project"
	TypePreamble       NodeType = "preamble"
	TypeChainExecution NodeType = "chain_execution"
	TypeAgentStep      NodeType = "agent_step"
	TypeFailurePattern NodeType = "failure_pattern"
	TypeWatchConfig    NodeType = "watchConfig"
	TypeCustom         NodeType = "custom"
)

// AllNodeTypes lists every valid node type.
var AllNodeTypes = []NodeType{
	TypeTodo, TypeTodoList, TypeMemory, TypeFile, TypeFileChunk,
	TypeFunction, TypeClass, TypeModule, TypeConcept, TypePerson,
	TypeProject, TypePreamble, TypeChainExecution, TypeAgentStep,
	TypeFailurePattern, TypeWatchConfig, TypeCustom,
}

// ValidNodeType reports whether t is a member of the closed node type set.
func ValidNodeType(t NodeType) bool {
	for _, v := range AllNodeTypes {
		if v == t {
			return true
		}
	}
	return false
}

// EdgeType is the closed set of relationship discriminators.
type EdgeType string

// Edge types.
const (
	EdgeContains   EdgeType = "contains"
	EdgeDependsOn  EdgeType = "depends_on"
	EdgeRelatesTo  EdgeType = "relates_to"
	EdgeImplements EdgeType = "implements"
	EdgeCalls      EdgeType = "calls"
	EdgeImports    EdgeType = "imports"
	EdgeAssignedTo EdgeType = "assigned_to"
	EdgeParentOf   EdgeType = "parent_of"
	EdgeBlocks     EdgeType = "blocks"
	EdgeReferences EdgeType = "references"
	EdgeBelongsTo  EdgeType = "belongs_to"
	EdgeFollows    EdgeType = "follows"
	EdgeOccurredIn EdgeType = "occurred_in"
)

// AllEdgeTypes lists every valid edge type.
var AllEdgeTypes = []EdgeType{
	EdgeContains, EdgeDependsOn, EdgeRelatesTo, EdgeImplements,
	EdgeCalls, EdgeImports, EdgeAssignedTo, EdgeParentOf, EdgeBlocks,
	EdgeReferences, EdgeBelongsTo, EdgeFollows, EdgeOccurredIn,
}

// ValidEdgeType reports whether t is a member of the closed edge type set.
func ValidEdgeType(t EdgeType) bool {
	for _, v := range AllEdgeTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Node is a graph node. Properties are flat: nested objects are flattened
// into "a_b_c" keys at the write boundary (see Flatten), arrays of
// primitives are preserved, arrays of objects are serialized under
// "<key>_raw_json".
//
// Timestamps are UTC and serialized as ISO-8601 / RFC 3339.
//
// Lock fields (lockedBy, lockedAt, lockExpiresAt) live inside Properties
// and are managed exclusively by the lock service.
type Node struct {
	ID         string         `json:"id"`
	Type       NodeType       `json:"type"`
	Properties map[string]any `json:"properties"`
	Created    time.Time      `json:"created"`
	Updated    time.Time      `json:"updated"`

	// Embedding is the whole-node vector, when the type is configured to
	// carry one. Per-chunk vectors live on fileChunk nodes.
	Embedding []float32 `json:"-"`
}

// Edge is a directed, typed relationship between two nodes.
type Edge struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       EdgeType       `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Created    time.Time      `json:"created"`
}

// NewNodeID returns a fresh id of the form "<type>-<uuid>".
func NewNodeID(t NodeType) string {
	return string(t) + "-" + uuid.NewString()
}

// NewEdgeID returns a fresh edge id.
func NewEdgeID(t EdgeType) string {
	return string(t) + "-" + uuid.NewString()
}

// NewNode builds a node with a generated id and both timestamps set to now.
// The properties map is flattened; a nil map is replaced by an empty one.
// Type defaults to TypeMemory when empty.
func NewNode(t NodeType, props map[string]any) *Node {
	if t == "" {
		t = TypeMemory
	}
	now := time.Now().UTC()
	return &Node{
		ID:         NewNodeID(t),
		Type:       t,
		Properties: Flatten(props),
		Created:    now,
		Updated:    now,
	}
}

// NewEdge builds an edge with a generated id. It validates the edge type
// but not the endpoints; endpoint existence is the storage layer's job.
func NewEdge(source, target string, t EdgeType, props map[string]any) (*Edge, error) {
	if !ValidEdgeType(t) {
		return nil, &Error{Kind: KindValidation, Message: "unknown edge type: " + string(t)}
	}
	if source == "" || target == "" {
		return nil, &Error{Kind: KindValidation, Message: "edge requires source and target"}
	}
	return &Edge{
		ID:         NewEdgeID(t),
		Source:     source,
		Target:     target,
		Type:       t,
		Properties: Flatten(props),
		Created:    time.Now().UTC(),
	}, nil
}

// Clone returns a deep copy of the node. The storage engines return clones
// so callers can never mutate stored state through a retrieved pointer.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Properties = cloneProps(n.Properties)
	if n.Embedding != nil {
		c.Embedding = make([]float32, len(n.Embedding))
		copy(c.Embedding, n.Embedding)
	}
	return &c
}

// Clone returns a deep copy of the edge.
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	c := *e
	c.Properties = cloneProps(e.Properties)
	return &c
}

func cloneProps(props map[string]any) map[string]any {
	if props == nil {
		return nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		switch vv := v.(type) {
		case []any:
			cp := make([]any, len(vv))
			copy(cp, vv)
			out[k] = cp
		case []string:
			cp := make([]string, len(vv))
			copy(cp, vv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// MergeProperties applies merge semantics: keys present in partial replace
// existing values, keys absent are preserved. A nil value deletes the key.
// Updated is bumped and guaranteed to be strictly after the previous value.
func (n *Node) MergeProperties(partial map[string]any) {
	if n.Properties == nil {
		n.Properties = make(map[string]any)
	}
	for k, v := range Flatten(partial) {
		if v == nil {
			delete(n.Properties, k)
			continue
		}
		n.Properties[k] = v
	}
	now := time.Now().UTC()
	if !now.After(n.Updated) {
		now = n.Updated.Add(time.Microsecond)
	}
	n.Updated = now
}
