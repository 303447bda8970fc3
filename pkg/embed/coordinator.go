package embed

import (
	"context"

	"go.uber.org/zap"

	"github.com/orneryd/mimir/pkg/graph"
)

// EmbeddableProperties are the node properties concatenated for
// whole-node embedding.
var EmbeddableProperties = []string{
	"content",
	"text",
	"title",
	"name",
	"description",
}

// ExtractEmbeddableText concatenates the embeddable string properties
// of a node.
func ExtractEmbeddableText(properties map[string]any) string {
	var parts []string
	for _, prop := range EmbeddableProperties {
		if v, ok := properties[prop].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += " " + p
	}
	return out
}

// ChunkEmbedding pairs one chunk with its vector. Vector is nil when
// embeddings are disabled.
type ChunkEmbedding struct {
	Chunk  Chunk
	Vector []float32
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	ChunkSize int // default DefaultChunkSize
	Overlap   int // default DefaultOverlap
	BatchSize int // texts per provider batch, default 32

	// AutoEmbedTypes are the node types that get whole-node embeddings
	// on create/update.
	AutoEmbedTypes []graph.NodeType
}

// Coordinator turns file content into embedded chunks and produces
// whole-node embeddings for configured types.
//
// It is the only component that talks to the embedding provider. When
// the provider is nil the coordinator still chunks, so lexical search
// over chunk nodes keeps working; only the vectors are absent.
type Coordinator struct {
	embedder  Embedder
	log       *zap.Logger
	chunkSize int
	overlap   int
	batchSize int
	autoEmbed map[graph.NodeType]struct{}
}

// NewCoordinator creates a coordinator. embedder may be nil (embeddings
// disabled); logger may be nil.
func NewCoordinator(embedder Embedder, cfg CoordinatorConfig, log *zap.Logger) *Coordinator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Overlap <= 0 {
		cfg.Overlap = DefaultOverlap
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if log == nil {
		log = zap.NewNop()
	}
	auto := make(map[graph.NodeType]struct{}, len(cfg.AutoEmbedTypes))
	for _, t := range cfg.AutoEmbedTypes {
		auto[t] = struct{}{}
	}
	return &Coordinator{
		embedder:  embedder,
		log:       log,
		chunkSize: cfg.ChunkSize,
		overlap:   cfg.Overlap,
		batchSize: cfg.BatchSize,
		autoEmbed: auto,
	}
}

// Enabled reports whether an embedding provider is configured.
func (c *Coordinator) Enabled() bool { return c.embedder != nil }

// Model returns the provider's model name, or "" when disabled.
func (c *Coordinator) Model() string {
	if c.embedder == nil {
		return ""
	}
	return c.embedder.Model()
}

// Dimensions returns the provider's vector dimension, or 0 when
// disabled.
func (c *Coordinator) Dimensions() int {
	if c.embedder == nil {
		return 0
	}
	return c.embedder.Dimensions()
}

// Embed proxies a single query embedding to the provider. Satisfies
// the search engine's QueryEmbedder.
func (c *Coordinator) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.embedder == nil {
		return nil, graph.NewError(graph.KindDisabled, "embeddings disabled")
	}
	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, graph.WrapError(graph.KindVector, "embedding provider", err)
	}
	return vec, nil
}

// ProcessFile chunks file content and embeds each chunk. The metadata
// prefix sentence is prepended to the text fed to the provider; chunk
// offsets always refer to the raw content.
func (c *Coordinator) ProcessFile(ctx context.Context, meta FileMeta, content string) ([]ChunkEmbedding, error) {
	chunks := ChunkText(content, c.chunkSize, c.overlap)
	out := make([]ChunkEmbedding, len(chunks))
	for i, chunk := range chunks {
		out[i] = ChunkEmbedding{Chunk: chunk}
	}
	if c.embedder == nil || len(chunks) == 0 {
		return out, nil
	}

	prefix := MetadataPrefix(meta)
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = prefix + "\n" + chunk.Text
	}

	vectors, err := c.embedBatches(ctx, texts)
	if err != nil {
		return nil, graph.WrapError(graph.KindVector, "embed chunks for "+meta.RelativePath, err)
	}
	for i := range out {
		out[i].Vector = vectors[i]
	}
	c.log.Debug("embedded file chunks",
		zap.String("file", meta.RelativePath),
		zap.Int("chunks", len(chunks)))
	return out, nil
}

// EmbedNode produces a whole-node embedding for nodes of the configured
// auto-embed types. Content longer than one chunk is chunked, embedded,
// and averaged. Returns nil (no error) when the node's type is not
// configured, the node has no embeddable text, or embeddings are
// disabled.
func (c *Coordinator) EmbedNode(ctx context.Context, node *graph.Node) ([]float32, error) {
	if c.embedder == nil {
		return nil, nil
	}
	if _, ok := c.autoEmbed[node.Type]; !ok {
		return nil, nil
	}
	text := ExtractEmbeddableText(node.Properties)
	if text == "" {
		return nil, nil
	}

	chunks := ChunkText(text, c.chunkSize, c.overlap)
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	vectors, err := c.embedBatches(ctx, texts)
	if err != nil {
		return nil, graph.WrapError(graph.KindVector, "embed node "+node.ID, err)
	}
	if len(vectors) == 1 {
		return vectors[0], nil
	}
	return AverageEmbeddings(vectors), nil
}

// embedBatches calls the provider in batches of batchSize, stopping at
// the next batch boundary on cancellation.
func (c *Coordinator) embedBatches(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, graph.WrapError(graph.KindCancelled, "embedding cancelled", err)
		}
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := c.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}
