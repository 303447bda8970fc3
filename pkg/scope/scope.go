// Package scope projects task contexts down to what each agent type is
// allowed to see.
//
// A PM agent plans with the full task context; worker and QC agents get
// a fixed field allow-list with capped list fields. For realistically
// populated PM contexts the worker projection cuts payload size by 90%
// or more, which is the whole point: workers burn tokens on their task,
// not on the planning corpus.
package scope

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/storage"
)

// AgentType selects a context scope.
type AgentType string

const (
	AgentPM     AgentType = "pm"
	AgentWorker AgentType = "worker"
	AgentQC     AgentType = "qc"
)

// ValidAgentType reports whether t is a known agent type.
func ValidAgentType(t AgentType) bool {
	switch t {
	case AgentPM, AgentWorker, AgentQC:
		return true
	}
	return false
}

// List caps applied during projection.
const (
	FilesCap        = 10
	DependenciesCap = 5
)

// workerFields is the allow-list for worker agents.
var workerFields = []string{
	"taskId",
	"title",
	"requirements",
	"description",
	"files",
	"dependencies",
	"status",
	"priority",
	"workerRole",
	"attemptNumber",
	"maxRetries",
	"errorContext",
}

// qcFields extends the worker allow-list with verification fields.
var qcFields = append([]string{
	"originalRequirements",
	"workerOutput",
	"verificationCriteria",
	"qcRole",
}, workerFields...)

// Metrics quantifies one projection. Sizes are UTF-8 bytes of the
// canonical JSON encoding (sorted keys).
type Metrics struct {
	OriginalSize     int      `json:"originalSize"`
	FilteredSize     int      `json:"filteredSize"`
	ReductionPercent float64  `json:"reductionPercent"`
	FieldsRemoved    []string `json:"fieldsRemoved"`
	FieldsRetained   []string `json:"fieldsRetained"`
}

// Filter projects a full task context to the agent's scope and
// measures the reduction. PM agents receive the context unchanged.
func Filter(full map[string]any, agent AgentType) (map[string]any, Metrics, error) {
	if !ValidAgentType(agent) {
		return nil, Metrics{}, graph.NewError(graph.KindValidation,
			fmt.Sprintf("unknown agent type: %s", agent))
	}

	originalSize := jsonSize(full)

	if agent == AgentPM {
		retained := make([]string, 0, len(full))
		for key := range full {
			retained = append(retained, key)
		}
		return full, Metrics{
			OriginalSize:   originalSize,
			FilteredSize:   originalSize,
			FieldsRetained: retained,
		}, nil
	}

	allowed := workerFields
	if agent == AgentQC {
		allowed = qcFields
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, f := range allowed {
		allowedSet[f] = struct{}{}
	}

	filtered := make(map[string]any)
	var retained, removed []string
	for key, value := range full {
		if _, ok := allowedSet[key]; !ok {
			removed = append(removed, key)
			continue
		}
		switch key {
		case "files":
			value = capList(value, FilesCap)
		case "dependencies":
			value = capList(value, DependenciesCap)
		}
		filtered[key] = value
		retained = append(retained, key)
	}

	filteredSize := jsonSize(filtered)
	metrics := Metrics{
		OriginalSize:   originalSize,
		FilteredSize:   filteredSize,
		FieldsRemoved:  removed,
		FieldsRetained: retained,
	}
	if originalSize > 0 {
		metrics.ReductionPercent = 100 * float64(originalSize-filteredSize) / float64(originalSize)
	}
	return filtered, metrics, nil
}

// capList truncates slice-valued fields to at most n entries.
func capList(value any, n int) any {
	switch v := value.(type) {
	case []any:
		if len(v) > n {
			return v[:n]
		}
	case []string:
		if len(v) > n {
			return v[:n]
		}
	}
	return value
}

func jsonSize(m map[string]any) int {
	data, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(data)
}

// Service builds task contexts from the graph and filters them.
type Service struct {
	store storage.Engine
}

// NewService creates a context filter service over the given store.
func NewService(store storage.Engine) *Service {
	return &Service{store: store}
}

// TaskContext loads the task node, builds the full PM context, and
// projects it to the agent's scope.
func (s *Service) TaskContext(ctx context.Context, taskID string, agent AgentType) (map[string]any, Metrics, error) {
	full, err := s.buildFullContext(ctx, taskID, agent)
	if err != nil {
		return nil, Metrics{}, err
	}
	return Filter(full, agent)
}

// buildFullContext assembles the PM view: every task property plus, for
// PM agents, summaries of nodes within two hops.
func (s *Service) buildFullContext(ctx context.Context, taskID string, agent AgentType) (map[string]any, error) {
	node, err := s.store.GetNode(taskID)
	if err != nil {
		return nil, graph.WrapError(graph.KindNotFound, "task "+taskID, err)
	}

	full := make(map[string]any, len(node.Properties)+2)
	for key, value := range node.Properties {
		full[key] = value
	}
	full["taskId"] = node.ID

	if agent == AgentPM {
		related, err := s.relatedSummaries(ctx, taskID, 2)
		if err == nil && len(related) > 0 {
			full["related"] = related
		}
	}
	return full, nil
}

// relatedSummaries walks the graph out to depth hops and summarizes
// each reachable node.
func (s *Service) relatedSummaries(ctx context.Context, rootID string, depth int) ([]map[string]any, error) {
	visited := map[string]struct{}{rootID: {}}
	frontier := []string{rootID}
	var out []map[string]any

	for hop := 0; hop < depth; hop++ {
		var next []string
		for _, id := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			edges, err := s.store.EdgesOf(id, storage.DirectionBoth)
			if err != nil {
				continue
			}
			for _, edge := range edges {
				neighborID := edge.Target
				if neighborID == id {
					neighborID = edge.Source
				}
				if _, seen := visited[neighborID]; seen {
					continue
				}
				visited[neighborID] = struct{}{}
				next = append(next, neighborID)

				neighbor, err := s.store.GetNode(neighborID)
				if err != nil {
					continue
				}
				summary := map[string]any{
					"id":   neighbor.ID,
					"type": string(neighbor.Type),
					"edge": string(edge.Type),
				}
				if title, ok := neighbor.Properties["title"].(string); ok {
					summary["title"] = title
				}
				out = append(out, summary)
			}
		}
		frontier = next
	}
	return out, nil
}
