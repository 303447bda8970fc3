package scope

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/storage"
)

// realisticPMContext models a planning-heavy task payload: a few small
// worker-relevant fields buried in tens of kilobytes of PM state.
func realisticPMContext() map[string]any {
	files := make([]any, 25)
	for i := range files {
		files[i] = "src/module/file" + strings.Repeat("x", i) + ".go"
	}
	deps := make([]any, 12)
	for i := range deps {
		deps[i] = "todo-" + strings.Repeat("d", i+1)
	}
	return map[string]any{
		"taskId":             "todo-1",
		"title":              "Implement retry logic",
		"description":        "Add exponential backoff to the gateway client",
		"requirements":       "Retries capped at 5 with jitter",
		"status":             "pending",
		"priority":           2,
		"files":              files,
		"dependencies":       deps,
		"planningNotes":      strings.Repeat("long planning discussion ", 800),
		"meetingTranscript":  strings.Repeat("transcript line ", 1200),
		"stakeholderMatrix":  strings.Repeat("stakeholder detail ", 500),
		"riskAssessment":     strings.Repeat("risk item ", 400),
		"historicalAttempts": strings.Repeat("attempt log ", 600),
	}
}

func TestFilter_WorkerReducesByNinetyPercent(t *testing.T) {
	full := realisticPMContext()

	filtered, metrics, err := Filter(full, AgentWorker)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, metrics.ReductionPercent, 90.0,
		"worker context must shed at least 90%% of the payload")
	assert.Less(t, metrics.FilteredSize, metrics.OriginalSize)

	assert.Contains(t, filtered, "title")
	assert.Contains(t, filtered, "requirements")
	assert.NotContains(t, filtered, "planningNotes")
	assert.NotContains(t, filtered, "meetingTranscript")
	assert.Contains(t, metrics.FieldsRemoved, "planningNotes")
	assert.Contains(t, metrics.FieldsRetained, "title")
}

func TestFilter_ListCaps(t *testing.T) {
	filtered, _, err := Filter(realisticPMContext(), AgentWorker)
	require.NoError(t, err)

	files, ok := filtered["files"].([]any)
	require.True(t, ok)
	assert.Len(t, files, FilesCap)

	deps, ok := filtered["dependencies"].([]any)
	require.True(t, ok)
	assert.Len(t, deps, DependenciesCap)
}

func TestFilter_QCExtendsWorker(t *testing.T) {
	full := realisticPMContext()
	full["originalRequirements"] = "as written"
	full["workerOutput"] = "diff attached"
	full["verificationCriteria"] = "tests pass"

	filtered, _, err := Filter(full, AgentQC)
	require.NoError(t, err)

	assert.Contains(t, filtered, "originalRequirements")
	assert.Contains(t, filtered, "workerOutput")
	assert.Contains(t, filtered, "verificationCriteria")
	assert.Contains(t, filtered, "title")
	assert.NotContains(t, filtered, "planningNotes")
}

func TestFilter_PMKeepsEverything(t *testing.T) {
	full := realisticPMContext()
	filtered, metrics, err := Filter(full, AgentPM)
	require.NoError(t, err)

	assert.Equal(t, len(full), len(filtered))
	assert.Equal(t, metrics.OriginalSize, metrics.FilteredSize)
	assert.Zero(t, metrics.ReductionPercent)
	assert.Empty(t, metrics.FieldsRemoved)
}

func TestFilter_UnknownAgentType(t *testing.T) {
	_, _, err := Filter(map[string]any{}, AgentType("intern"))
	assert.True(t, graph.IsKind(err, graph.KindValidation))
}

func TestService_TaskContext(t *testing.T) {
	store := storage.NewMemoryEngine()
	defer store.Close()
	svc := NewService(store)

	task := graph.NewNode(graph.TypeTodo, map[string]any{
		"title":         "wire the indexer",
		"status":        "pending",
		"planningNotes": strings.Repeat("notes ", 5000),
	})
	require.NoError(t, store.CreateNode(task))

	dep := graph.NewNode(graph.TypeTodo, map[string]any{"title": "define schema"})
	require.NoError(t, store.CreateNode(dep))
	edge, err := graph.NewEdge(task.ID, dep.ID, graph.EdgeDependsOn, nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateEdge(edge))

	// PM view includes related-node summaries.
	pmCtx, _, err := svc.TaskContext(context.Background(), task.ID, AgentPM)
	require.NoError(t, err)
	assert.Equal(t, task.ID, pmCtx["taskId"])
	related, ok := pmCtx["related"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, related, 1)
	assert.Equal(t, dep.ID, related[0]["id"])

	// Worker view is the allow-list only.
	workerCtx, metrics, err := svc.TaskContext(context.Background(), task.ID, AgentWorker)
	require.NoError(t, err)
	assert.Equal(t, task.ID, workerCtx["taskId"])
	assert.NotContains(t, workerCtx, "planningNotes")
	assert.GreaterOrEqual(t, metrics.ReductionPercent, 90.0)

	_, _, err = svc.TaskContext(context.Background(), "todo-missing", AgentWorker)
	assert.True(t, graph.IsKind(err, graph.KindNotFound))
}
