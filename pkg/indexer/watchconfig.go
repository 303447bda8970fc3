package indexer

import (
	"time"

	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/storage"
)

// Watch config statuses.
const (
	WatchActive   = "active"
	WatchInactive = "inactive"
)

// WatchConfig is a persisted folder watch. Configs survive restarts as
// watchConfig nodes so the watch manager can re-arm them on startup.
type WatchConfig struct {
	ID                 string   `json:"id"`
	Path               string   `json:"path"`
	HostPath           string   `json:"hostPath,omitempty"`
	Recursive          bool     `json:"recursive"`
	DebounceMs         int      `json:"debounceMs"`
	FilePatterns       []string `json:"filePatterns,omitempty"`
	IgnorePatterns     []string `json:"ignorePatterns,omitempty"`
	GenerateEmbeddings bool     `json:"generateEmbeddings"`
	Status             string   `json:"status"`
	AddedDate          string   `json:"addedDate"`
	LastIndexed        string   `json:"lastIndexed,omitempty"`
	LastUpdated        string   `json:"lastUpdated,omitempty"`
	FilesIndexed       int      `json:"filesIndexed,omitempty"`
	Error              string   `json:"error,omitempty"`
}

// Options converts the persisted config to per-run indexing options.
func (wc *WatchConfig) Options() Options {
	return Options{
		Recursive:          wc.Recursive,
		FilePatterns:       wc.FilePatterns,
		IgnorePatterns:     wc.IgnorePatterns,
		GenerateEmbeddings: wc.GenerateEmbeddings,
		DebounceMs:         wc.DebounceMs,
	}
}

// WatchStore persists watch configs as graph nodes.
type WatchStore struct {
	store storage.Engine
}

// NewWatchStore creates a watch config store over the given engine.
func NewWatchStore(store storage.Engine) *WatchStore {
	return &WatchStore{store: store}
}

// Save upserts the config for its path. A new config gets an id, an
// active status, and an added date.
func (ws *WatchStore) Save(wc *WatchConfig) error {
	if wc.Path == "" {
		return graph.NewError(graph.KindValidation, "watch config requires a path")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	existing, err := ws.nodeByPath(wc.Path)
	if err != nil {
		return err
	}
	if wc.Status == "" {
		wc.Status = WatchActive
	}
	wc.LastUpdated = now

	if existing == nil {
		wc.ID = graph.NewNodeID(graph.TypeWatchConfig)
		wc.AddedDate = now
		node := graph.NewNode(graph.TypeWatchConfig, wc.toProps())
		node.ID = wc.ID
		return ws.store.CreateNode(node)
	}

	wc.ID = existing.ID
	if added, ok := existing.Properties["addedDate"].(string); ok && added != "" {
		wc.AddedDate = added
	}
	existing.Properties = wc.toProps()
	existing.Updated = time.Now().UTC()
	return ws.store.UpdateNode(existing)
}

// Get returns the config for a path, or nil when none exists.
func (ws *WatchStore) Get(path string) (*WatchConfig, error) {
	node, err := ws.nodeByPath(path)
	if err != nil || node == nil {
		return nil, err
	}
	return fromNode(node), nil
}

// List returns every persisted watch config.
func (ws *WatchStore) List() ([]*WatchConfig, error) {
	nodes, err := ws.store.NodesByType(graph.TypeWatchConfig)
	if err != nil {
		return nil, err
	}
	out := make([]*WatchConfig, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, fromNode(node))
	}
	return out, nil
}

// ListActive returns the configs with active status.
func (ws *WatchStore) ListActive() ([]*WatchConfig, error) {
	all, err := ws.List()
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, wc := range all {
		if wc.Status == WatchActive {
			active = append(active, wc)
		}
	}
	return active, nil
}

// MarkInactive flips a config to inactive with a reason, typically
// because its path disappeared.
func (ws *WatchStore) MarkInactive(path, reason string) error {
	node, err := ws.nodeByPath(path)
	if err != nil {
		return err
	}
	if node == nil {
		return graph.NewError(graph.KindNotFound, "no watch config for "+path)
	}
	_, err = ws.store.UpdateNodeIf(node.ID,
		func(*graph.Node) bool { return true },
		func(n *graph.Node) {
			n.Properties["status"] = WatchInactive
			n.Properties["error"] = reason
			n.Properties["lastUpdated"] = time.Now().UTC().Format(time.RFC3339)
		})
	return err
}

// UpdateStats records the outcome of an indexing pass on the config.
func (ws *WatchStore) UpdateStats(path string, filesIndexed int) error {
	node, err := ws.nodeByPath(path)
	if err != nil || node == nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = ws.store.UpdateNodeIf(node.ID,
		func(*graph.Node) bool { return true },
		func(n *graph.Node) {
			n.Properties["filesIndexed"] = filesIndexed
			n.Properties["lastIndexed"] = now
			n.Properties["lastUpdated"] = now
		})
	return err
}

// Delete removes the config for a path. Missing configs are a no-op.
func (ws *WatchStore) Delete(path string) error {
	node, err := ws.nodeByPath(path)
	if err != nil || node == nil {
		return err
	}
	_, err = ws.store.DeleteNode(node.ID)
	return err
}

func (ws *WatchStore) nodeByPath(path string) (*graph.Node, error) {
	nodes, err := ws.store.NodesByType(graph.TypeWatchConfig)
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		if stored, _ := node.Properties["path"].(string); stored == path {
			return node, nil
		}
	}
	return nil, nil
}

func (wc *WatchConfig) toProps() map[string]any {
	props := map[string]any{
		"path":               wc.Path,
		"recursive":          wc.Recursive,
		"debounceMs":         wc.DebounceMs,
		"generateEmbeddings": wc.GenerateEmbeddings,
		"status":             wc.Status,
		"addedDate":          wc.AddedDate,
		"lastUpdated":        wc.LastUpdated,
	}
	if wc.HostPath != "" {
		props["hostPath"] = wc.HostPath
	}
	if len(wc.FilePatterns) > 0 {
		props["filePatterns"] = toAnySlice(wc.FilePatterns)
	}
	if len(wc.IgnorePatterns) > 0 {
		props["ignorePatterns"] = toAnySlice(wc.IgnorePatterns)
	}
	if wc.LastIndexed != "" {
		props["lastIndexed"] = wc.LastIndexed
	}
	if wc.FilesIndexed > 0 {
		props["filesIndexed"] = wc.FilesIndexed
	}
	if wc.Error != "" {
		props["error"] = wc.Error
	}
	return props
}

func fromNode(node *graph.Node) *WatchConfig {
	wc := &WatchConfig{ID: node.ID}
	wc.Path, _ = node.Properties["path"].(string)
	wc.HostPath, _ = node.Properties["hostPath"].(string)
	wc.Recursive, _ = node.Properties["recursive"].(bool)
	wc.DebounceMs = intProp(node.Properties["debounceMs"])
	wc.FilePatterns = toStringSlice(node.Properties["filePatterns"])
	wc.IgnorePatterns = toStringSlice(node.Properties["ignorePatterns"])
	wc.GenerateEmbeddings, _ = node.Properties["generateEmbeddings"].(bool)
	wc.Status, _ = node.Properties["status"].(string)
	wc.AddedDate, _ = node.Properties["addedDate"].(string)
	wc.LastIndexed, _ = node.Properties["lastIndexed"].(string)
	wc.LastUpdated, _ = node.Properties["lastUpdated"].(string)
	wc.FilesIndexed = intProp(node.Properties["filesIndexed"])
	wc.Error, _ = node.Properties["error"].(string)
	return wc
}

// intProp tolerates the numeric types a round trip through JSON or the
// badger codec can produce.
func intProp(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
