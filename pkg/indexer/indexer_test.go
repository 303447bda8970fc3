package indexer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mimir/pkg/embed"
	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/search"
	"github.com/orneryd/mimir/pkg/storage"
)

func newTestIndexer(t *testing.T) (*Indexer, storage.Engine, *search.Engine) {
	t.Helper()
	store := storage.NewMemoryEngine()
	t.Cleanup(func() { _ = store.Close() })
	engine := search.NewEngine(store, nil)
	coord := embed.NewCoordinator(nil, embed.CoordinatorConfig{}, nil)
	return New(store, engine, coord, nil), store, engine
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIndexFolder_CreatesFileAndChunkNodes(t *testing.T) {
	ix, store, _ := newTestIndexer(t)
	dir := t.TempDir()

	// 2000 chars chunk into three windows at the default size.
	writeFile(t, dir, "notes.md", strings.Repeat("a", 2000))

	stats, err := ix.IndexFolder(context.Background(), dir, Options{Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesIndexed)
	assert.Zero(t, stats.FilesFailed)

	files, err := store.NodesByType(graph.TypeFile)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "notes.md", files[0].Properties["name"])
	assert.Equal(t, "markdown", files[0].Properties["language"])
	assert.Equal(t, 3, files[0].Properties["chunkCount"])

	chunks, err := store.NodesByType(graph.TypeFileChunk)
	require.NoError(t, err)
	assert.Len(t, chunks, 3)

	edges, err := store.EdgesOf(files[0].ID, storage.DirectionOut)
	require.NoError(t, err)
	require.Len(t, edges, 3)
	for _, edge := range edges {
		assert.Equal(t, graph.EdgeContains, edge.Type)
	}
}

func TestIndexFolder_SkipsUnchangedByHash(t *testing.T) {
	ix, store, _ := newTestIndexer(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "main.go", "package main\n")

	stats, err := ix.IndexFolder(context.Background(), dir, Options{Recursive: true})
	require.NoError(t, err)
	require.Equal(t, 1, stats.FilesIndexed)

	// Second pass over identical content is a skip.
	stats, err = ix.IndexFolder(context.Background(), dir, Options{Recursive: true})
	require.NoError(t, err)
	assert.Zero(t, stats.FilesIndexed)
	assert.Equal(t, 1, stats.FilesSkipped)

	// Changed content reindexes and replaces the chunks in place.
	require.NoError(t, os.WriteFile(path, []byte("package main\n\nfunc main() {}\n"), 0o644))
	stats, err = ix.IndexFolder(context.Background(), dir, Options{Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesIndexed)

	files, err := store.NodesByType(graph.TypeFile)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, files[0].Properties["content"], "func main")
}

func TestIndexFolder_RespectsGitignoreAndPatterns(t *testing.T) {
	ix, store, _ := newTestIndexer(t)
	dir := t.TempDir()

	writeFile(t, dir, ".gitignore", "vendor/\n*.log\n!keep.log\n")
	writeFile(t, dir, "src/app.go", "package app\n")
	writeFile(t, dir, "src/app_test.go", "package app\n")
	writeFile(t, dir, "vendor/dep/dep.go", "package dep\n")
	writeFile(t, dir, "debug.log", "noise\n")
	writeFile(t, dir, "keep.log", "kept\n")
	writeFile(t, dir, "README.md", "docs\n")

	_, err := ix.IndexFolder(context.Background(), dir, Options{
		Recursive:      true,
		FilePatterns:   []string{"*.go", "*.log"},
		IgnorePatterns: []string{"*_test.go"},
	})
	require.NoError(t, err)

	files, err := store.NodesByType(graph.TypeFile)
	require.NoError(t, err)
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Properties["name"].(string))
	}
	assert.ElementsMatch(t, []string{"app.go", "keep.log"}, names)
}

func TestIndexFolder_NonRecursiveStaysShallow(t *testing.T) {
	ix, store, _ := newTestIndexer(t)
	dir := t.TempDir()
	writeFile(t, dir, "top.txt", "top\n")
	writeFile(t, dir, "nested/deep.txt", "deep\n")

	_, err := ix.IndexFolder(context.Background(), dir, Options{Recursive: false})
	require.NoError(t, err)

	files, err := store.NodesByType(graph.TypeFile)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "top.txt", files[0].Properties["name"])
}

func TestIndexFolder_SkipsBinaryFiles(t *testing.T) {
	ix, store, _ := newTestIndexer(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"), []byte{0x00, 0x01, 0x02}, 0o644))

	stats, err := ix.IndexFolder(context.Background(), dir, Options{Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesSkipped)

	files, err := store.NodesByType(graph.TypeFile)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestIndexedContentIsSearchable(t *testing.T) {
	ix, _, engine := newTestIndexer(t)
	dir := t.TempDir()
	writeFile(t, dir, "auth.md", "Token validation happens in the gateway middleware.")

	_, err := ix.IndexFolder(context.Background(), dir, Options{Recursive: true})
	require.NoError(t, err)

	results, err := engine.Search(context.Background(), "token validation gateway", nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestRemoveFile(t *testing.T) {
	ix, store, _ := newTestIndexer(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "gone.md", strings.Repeat("b", 2000))

	_, err := ix.IndexFolder(context.Background(), dir, Options{Recursive: true})
	require.NoError(t, err)

	chunks, err := ix.RemoveFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, chunks)

	files, err := store.NodesByType(graph.TypeFile)
	require.NoError(t, err)
	assert.Empty(t, files)
	orphans, err := store.NodesByType(graph.TypeFileChunk)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	// Removing an unindexed path is a no-op.
	chunks, err = ix.RemoveFile(filepath.Join(dir, "never-indexed.md"))
	require.NoError(t, err)
	assert.Zero(t, chunks)
}

func TestRemoveFolder(t *testing.T) {
	ix, store, _ := newTestIndexer(t)
	keep := t.TempDir()
	drop := t.TempDir()
	writeFile(t, keep, "stay.md", "staying\n")
	writeFile(t, drop, "a.md", "first\n")
	writeFile(t, drop, "sub/b.md", "second\n")

	_, err := ix.IndexFolder(context.Background(), keep, Options{Recursive: true})
	require.NoError(t, err)
	_, err = ix.IndexFolder(context.Background(), drop, Options{Recursive: true})
	require.NoError(t, err)

	stats, err := ix.RemoveFolder(drop)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesDeleted)
	assert.Equal(t, 2, stats.ChunksDeleted)

	files, err := store.NodesByType(graph.TypeFile)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "stay.md", files[0].Properties["name"])
}

func TestIgnoreMatcher(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".gitignore", "node_modules/\n/build\n*.tmp\n!important.tmp\ndocs/**/draft.md\n")
	m := NewIgnoreMatcher(dir, []string{"*.bak"})

	tests := []struct {
		path    string
		isDir   bool
		ignored bool
	}{
		{"node_modules", true, true},
		{"pkg/node_modules", true, true},
		{"node_modules/left-pad/index.js", false, true},
		{"build", true, true},
		{"src/build", true, false},
		{"scratch.tmp", false, true},
		{"deep/nested/scratch.tmp", false, true},
		{"important.tmp", false, false},
		{"docs/2024/q3/draft.md", false, true},
		{"docs/final.md", false, false},
		{"old.bak", false, true},
		{"src/main.go", false, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.ignored, m.Ignored(tc.path, tc.isDir), "path %q", tc.path)
	}
}

func TestMatchesAllowList(t *testing.T) {
	assert.True(t, matchesAllowList("anything.xyz", nil))
	assert.True(t, matchesAllowList("src/main.go", []string{"*.go"}))
	assert.True(t, matchesAllowList("docs/guide.md", []string{"*.go", "*.md"}))
	assert.False(t, matchesAllowList("image.png", []string{"*.go", "*.md"}))
}

func TestWatchStore_SaveGetListCycle(t *testing.T) {
	store := storage.NewMemoryEngine()
	defer store.Close()
	ws := NewWatchStore(store)

	cfg := &WatchConfig{
		Path:               "/data/project",
		Recursive:          true,
		DebounceMs:         250,
		FilePatterns:       []string{"*.go"},
		GenerateEmbeddings: true,
	}
	require.NoError(t, ws.Save(cfg))
	assert.NotEmpty(t, cfg.ID)
	assert.Equal(t, WatchActive, cfg.Status)
	assert.NotEmpty(t, cfg.AddedDate)

	got, err := ws.Get("/data/project")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cfg.ID, got.ID)
	assert.Equal(t, []string{"*.go"}, got.FilePatterns)
	assert.Equal(t, 250, got.DebounceMs)
	assert.True(t, got.GenerateEmbeddings)

	// Re-saving the same path updates in place.
	cfg.DebounceMs = 1000
	require.NoError(t, ws.Save(cfg))
	all, err := ws.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 1000, all[0].DebounceMs)
	assert.Equal(t, got.AddedDate, all[0].AddedDate)
}

func TestWatchStore_MarkInactiveAndListActive(t *testing.T) {
	store := storage.NewMemoryEngine()
	defer store.Close()
	ws := NewWatchStore(store)

	require.NoError(t, ws.Save(&WatchConfig{Path: "/data/a"}))
	require.NoError(t, ws.Save(&WatchConfig{Path: "/data/b"}))
	require.NoError(t, ws.MarkInactive("/data/a", "path_not_found"))

	active, err := ws.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "/data/b", active[0].Path)

	inactive, err := ws.Get("/data/a")
	require.NoError(t, err)
	assert.Equal(t, WatchInactive, inactive.Status)
	assert.Equal(t, "path_not_found", inactive.Error)

	err = ws.MarkInactive("/data/missing", "x")
	assert.True(t, graph.IsKind(err, graph.KindNotFound))
}

func TestWatchStore_UpdateStats(t *testing.T) {
	store := storage.NewMemoryEngine()
	defer store.Close()
	ws := NewWatchStore(store)

	require.NoError(t, ws.Save(&WatchConfig{Path: "/data/p"}))
	require.NoError(t, ws.UpdateStats("/data/p", 42))

	got, err := ws.Get("/data/p")
	require.NoError(t, err)
	assert.Equal(t, 42, got.FilesIndexed)
	assert.NotEmpty(t, got.LastIndexed)
}

func TestWatchManager_RecoverDeactivatesMissingPaths(t *testing.T) {
	ix, store, _ := newTestIndexer(t)
	ws := NewWatchStore(store)
	wm := NewWatchManager(ix, ws, nil)
	defer wm.Close()

	live := t.TempDir()
	writeFile(t, live, "live.md", "content\n")
	require.NoError(t, ws.Save(&WatchConfig{Path: live, Recursive: true}))
	require.NoError(t, ws.Save(&WatchConfig{Path: filepath.Join(live, "does-not-exist"), Recursive: true}))

	require.NoError(t, wm.Recover(context.Background()))

	active, err := ws.ListActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, live, active[0].Path)
	assert.ElementsMatch(t, []string{live}, wm.Watched())

	// Recovery also catches up on disk content.
	files, err := store.NodesByType(graph.TypeFile)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestWatchManager_WatchIndexesThenUnwatches(t *testing.T) {
	ix, store, _ := newTestIndexer(t)
	ws := NewWatchStore(store)
	wm := NewWatchManager(ix, ws, nil)
	defer wm.Close()

	dir := t.TempDir()
	writeFile(t, dir, "one.md", "hello\n")

	stats, err := wm.Watch(context.Background(), &WatchConfig{Path: dir, Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesIndexed)
	assert.ElementsMatch(t, []string{dir}, wm.Watched())

	saved, err := ws.Get(dir)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, DefaultDebounceMs, saved.DebounceMs)
	assert.Equal(t, 1, saved.FilesIndexed)

	require.NoError(t, wm.Unwatch(dir))
	assert.Empty(t, wm.Watched())
	gone, err := ws.Get(dir)
	require.NoError(t, err)
	assert.Nil(t, gone)
}
