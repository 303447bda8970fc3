// Package indexer keeps the graph's file and fileChunk nodes in sync
// with folders on disk.
//
// The pipeline: discover files under a root (allow-list globs,
// deny-list globs, .gitignore), hash content to skip unchanged files,
// and for each changed file rebuild its chunk children with embeddings
// from the coordinator. The watch manager drives the same pipeline from
// filesystem events, debounced per file, with one worker per watched
// folder.
package indexer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/mimir/pkg/embed"
	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/search"
	"github.com/orneryd/mimir/pkg/storage"
)

// Options configures one indexing run.
type Options struct {
	// Recursive descends into subdirectories.
	Recursive bool

	// FilePatterns is a glob allow-list; empty means all files.
	FilePatterns []string

	// IgnorePatterns is a glob deny-list, merged with the root's
	// .gitignore.
	IgnorePatterns []string

	// GenerateEmbeddings embeds chunks when the coordinator has a
	// provider. Chunks are materialized either way so lexical search
	// keeps working.
	GenerateEmbeddings bool

	// DebounceMs is carried to the watch manager.
	DebounceMs int
}

// Stats summarizes one indexing run.
type Stats struct {
	FilesIndexed int   `json:"filesIndexed"`
	FilesSkipped int   `json:"filesSkipped"`
	FilesFailed  int   `json:"filesFailed"`
	FilesRemoved int   `json:"filesRemoved"`
	ElapsedMs    int64 `json:"elapsedMs"`
}

// RemoveStats summarizes a folder removal.
type RemoveStats struct {
	FilesDeleted  int `json:"filesDeleted"`
	ChunksDeleted int `json:"chunksDeleted"`
}

// Indexer materializes file and fileChunk nodes from disk content.
type Indexer struct {
	store  storage.Engine
	search *search.Engine
	coord  *embed.Coordinator
	log    *zap.Logger
}

// New creates an indexer. log may be nil.
func New(store storage.Engine, searchEngine *search.Engine, coord *embed.Coordinator, log *zap.Logger) *Indexer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Indexer{store: store, search: searchEngine, coord: coord, log: log}
}

// IndexFolder discovers files under root and (re)indexes the changed
// ones. Per-file failures are logged and counted, never fatal to the
// run.
func (ix *Indexer) IndexFolder(ctx context.Context, root string, opts Options) (*Stats, error) {
	start := time.Now()
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, graph.WrapError(graph.KindValidation, "resolve root", err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, graph.NewError(graph.KindValidation, "not a directory: "+root)
	}

	paths, err := ix.discover(ctx, root, opts)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			break
		}
		switch indexed, err := ix.IndexFile(ctx, root, path, opts); {
		case err != nil:
			stats.FilesFailed++
			ix.log.Warn("index file failed", zap.String("path", path), zap.Error(err))
		case indexed:
			stats.FilesIndexed++
		default:
			stats.FilesSkipped++
		}
	}
	stats.ElapsedMs = time.Since(start).Milliseconds()
	ix.log.Info("folder indexed",
		zap.String("root", root),
		zap.Int("indexed", stats.FilesIndexed),
		zap.Int("skipped", stats.FilesSkipped),
		zap.Int("failed", stats.FilesFailed),
		zap.Int64("elapsedMs", stats.ElapsedMs))
	return stats, nil
}

// discover walks root and returns the files passing the allow-list,
// deny-list, and .gitignore.
func (ix *Indexer) discover(ctx context.Context, root string, opts Options) ([]string, error) {
	matcher := NewIgnoreMatcher(root, opts.IgnorePatterns)
	var paths []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || matcher.Ignored(rel, true) {
				return filepath.SkipDir
			}
			if !opts.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if matcher.Ignored(rel, false) || !matchesAllowList(rel, opts.FilePatterns) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// IndexFile (re)indexes a single file. Returns false when the stored
// content hash matches and the file was skipped.
func (ix *Indexer) IndexFile(ctx context.Context, root, path string, opts Options) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, graph.WrapError(graph.KindStorage, "read "+path, err)
	}
	if bytes.IndexByte(raw, 0) >= 0 {
		// Binary file, nothing to chunk.
		return false, nil
	}
	content := string(raw)
	hash := contentHash(raw)

	existing, err := ix.fileNodeByPath(path)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if stored, _ := existing.Properties["contentHash"].(string); stored == hash {
			return false, nil
		}
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	meta := embed.FileMeta{
		Name:         filepath.Base(path),
		RelativePath: filepath.ToSlash(rel),
		Directory:    filepath.ToSlash(filepath.Dir(rel)),
		Language:     embed.DetectLanguage(path),
	}
	if meta.Directory == "." {
		meta.Directory = "root"
	}

	chunks, err := ix.chunk(ctx, meta, content, opts)
	if err != nil {
		return false, err
	}

	fileNode := existing
	if fileNode == nil {
		fileNode = graph.NewNode(graph.TypeFile, nil)
	} else {
		// Rebuild: old chunks go before the new ones land.
		if _, err := ix.removeChunks(fileNode.ID); err != nil {
			return false, err
		}
	}
	fileNode.Properties["path"] = path
	fileNode.Properties["relativePath"] = meta.RelativePath
	fileNode.Properties["name"] = meta.Name
	fileNode.Properties["directory"] = meta.Directory
	fileNode.Properties["language"] = meta.Language
	fileNode.Properties["content"] = content
	fileNode.Properties["contentHash"] = hash
	fileNode.Properties["size"] = len(raw)
	fileNode.Properties["chunkCount"] = len(chunks)
	fileNode.Properties["lastIndexed"] = time.Now().UTC().Format(time.RFC3339)
	fileNode.Updated = time.Now().UTC()

	if existing == nil {
		if err := ix.store.CreateNode(fileNode); err != nil {
			return false, err
		}
	} else {
		if err := ix.store.UpdateNode(fileNode); err != nil {
			return false, err
		}
	}
	if err := ix.search.IndexNode(fileNode); err != nil {
		ix.log.Warn("index file node", zap.String("path", path), zap.Error(err))
	}

	for _, ce := range chunks {
		chunkNode := graph.NewNode(graph.TypeFileChunk, map[string]any{
			"text":        ce.Chunk.Text,
			"path":        path,
			"chunkIndex":  ce.Chunk.Index,
			"startOffset": ce.Chunk.Start,
			"endOffset":   ce.Chunk.End,
		})
		if len(ce.Vector) > 0 {
			chunkNode.Embedding = ce.Vector
			chunkNode.Properties["embeddingModel"] = ix.coord.Model()
			chunkNode.Properties["embeddingDims"] = len(ce.Vector)
		}
		if err := ix.store.CreateNode(chunkNode); err != nil {
			return false, err
		}
		edge, err := graph.NewEdge(fileNode.ID, chunkNode.ID, graph.EdgeContains, nil)
		if err != nil {
			return false, err
		}
		if err := ix.store.CreateEdge(edge); err != nil {
			return false, err
		}
		if err := ix.search.IndexNode(chunkNode); err != nil {
			ix.log.Warn("index chunk", zap.String("path", path), zap.Error(err))
		}
	}
	return true, nil
}

func (ix *Indexer) chunk(ctx context.Context, meta embed.FileMeta, content string, opts Options) ([]embed.ChunkEmbedding, error) {
	if opts.GenerateEmbeddings && ix.coord.Enabled() {
		return ix.coord.ProcessFile(ctx, meta, content)
	}
	raw := embed.ChunkText(content, embed.DefaultChunkSize, embed.DefaultOverlap)
	out := make([]embed.ChunkEmbedding, len(raw))
	for i, c := range raw {
		out[i] = embed.ChunkEmbedding{Chunk: c}
	}
	return out, nil
}

// RemoveFile deletes the file node for path and all its chunks.
// Returns the number of chunks removed; a path with no file node is a
// no-op.
func (ix *Indexer) RemoveFile(path string) (int, error) {
	fileNode, err := ix.fileNodeByPath(path)
	if err != nil || fileNode == nil {
		return 0, err
	}
	chunks, err := ix.removeChunks(fileNode.ID)
	if err != nil {
		return chunks, err
	}
	if _, err := ix.store.DeleteNode(fileNode.ID); err != nil {
		return chunks, err
	}
	ix.search.RemoveNode(fileNode.ID)
	return chunks, nil
}

// RemoveFolder deletes every file node whose path sits under root,
// chunks included.
func (ix *Indexer) RemoveFolder(root string) (*RemoveStats, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, graph.WrapError(graph.KindValidation, "resolve root", err)
	}
	files, err := ix.store.NodesByType(graph.TypeFile)
	if err != nil {
		return nil, err
	}

	stats := &RemoveStats{}
	prefix := root + string(filepath.Separator)
	for _, fileNode := range files {
		path, _ := fileNode.Properties["path"].(string)
		if path != root && !strings.HasPrefix(path, prefix) {
			continue
		}
		chunks, err := ix.RemoveFile(path)
		stats.ChunksDeleted += chunks
		if err != nil {
			ix.log.Warn("remove file", zap.String("path", path), zap.Error(err))
			continue
		}
		stats.FilesDeleted++
	}
	return stats, nil
}

// removeChunks deletes all fileChunk children of a file node.
func (ix *Indexer) removeChunks(fileID string) (int, error) {
	edges, err := ix.store.EdgesOf(fileID, storage.DirectionOut)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, edge := range edges {
		if edge.Type != graph.EdgeContains {
			continue
		}
		chunk, err := ix.store.GetNode(edge.Target)
		if err != nil || chunk.Type != graph.TypeFileChunk {
			continue
		}
		if _, err := ix.store.DeleteNode(chunk.ID); err != nil {
			return removed, err
		}
		ix.search.RemoveNode(chunk.ID)
		removed++
	}
	return removed, nil
}

// fileNodeByPath finds the file node carrying the given absolute path.
func (ix *Indexer) fileNodeByPath(path string) (*graph.Node, error) {
	files, err := ix.store.NodesByType(graph.TypeFile)
	if err != nil {
		return nil, err
	}
	for _, node := range files {
		if stored, _ := node.Properties["path"].(string); stored == path {
			return node, nil
		}
	}
	return nil, nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
