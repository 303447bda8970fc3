package tools

import (
	"context"
	"encoding/json"

	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/indexer"
)

type indexFolderParams struct {
	Path               string   `json:"path"`
	Recursive          *bool    `json:"recursive"`
	FilePatterns       []string `json:"file_patterns"`
	IgnorePatterns     []string `json:"ignore_patterns"`
	GenerateEmbeddings *bool    `json:"generate_embeddings"`
	DebounceMs         int      `json:"debounce_ms"`

	// Watch keeps the folder under a filesystem watch after the initial
	// index. Defaults to true.
	Watch *bool `json:"watch"`
}

// indexFolder indexes a folder and, by default, arms a persistent watch
// on it so later edits flow into the graph automatically.
func (r *Registry) indexFolder(ctx context.Context, params json.RawMessage) Response {
	var p indexFolderParams
	if err := decode(params, &p); err != nil {
		return fail(err)
	}
	if p.Path == "" {
		return fail(graph.NewError(graph.KindValidation, "path is required"))
	}

	recursive := true
	if p.Recursive != nil {
		recursive = *p.Recursive
	}
	embeddings := true
	if p.GenerateEmbeddings != nil {
		embeddings = *p.GenerateEmbeddings
	}
	watch := true
	if p.Watch != nil {
		watch = *p.Watch
	}

	if watch {
		stats, err := r.watches.Watch(ctx, &indexer.WatchConfig{
			Path:               p.Path,
			Recursive:          recursive,
			DebounceMs:         p.DebounceMs,
			FilePatterns:       p.FilePatterns,
			IgnorePatterns:     p.IgnorePatterns,
			GenerateEmbeddings: embeddings,
		})
		if err != nil {
			return fail(err)
		}
		return ok(stats)
	}

	stats, err := r.indexer.IndexFolder(ctx, p.Path, indexer.Options{
		Recursive:          recursive,
		FilePatterns:       p.FilePatterns,
		IgnorePatterns:     p.IgnorePatterns,
		GenerateEmbeddings: embeddings,
		DebounceMs:         p.DebounceMs,
	})
	if err != nil {
		return fail(err)
	}
	return ok(stats)
}

type removeFolderParams struct {
	Path string `json:"path"`
}

// removeFolder tears down the watch and deletes the folder's file and
// chunk nodes from the graph. Content on disk is untouched.
func (r *Registry) removeFolder(ctx context.Context, params json.RawMessage) Response {
	var p removeFolderParams
	if err := decode(params, &p); err != nil {
		return fail(err)
	}
	if p.Path == "" {
		return fail(graph.NewError(graph.KindValidation, "path is required"))
	}
	if err := r.watches.Unwatch(p.Path); err != nil {
		return fail(err)
	}
	stats, err := r.indexer.RemoveFolder(p.Path)
	if err != nil {
		return fail(err)
	}
	return ok(stats)
}

// listFolders reports the watches currently in effect. Configs marked
// inactive (for example after their path disappeared) are not listed.
func (r *Registry) listFolders(ctx context.Context, params json.RawMessage) Response {
	configs, err := r.watchCfg.ListActive()
	if err != nil {
		return fail(err)
	}
	return ok(configs)
}
