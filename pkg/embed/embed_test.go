package embed

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mimir/pkg/graph"
)

func TestChunkText_SmallInputSingleChunk(t *testing.T) {
	text := "short note about indexing"
	chunks := ChunkText(text, DefaultChunkSize, DefaultOverlap)

	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, len([]rune(text)), chunks[0].End)
	assert.Equal(t, text, chunks[0].Text)
}

func TestChunkText_EmptyInput(t *testing.T) {
	assert.Nil(t, ChunkText("", 768, 10))
}

func TestChunkText_2000CharsYieldsThreeChunks(t *testing.T) {
	text := strings.Repeat("a", 2000)
	chunks := ChunkText(text, 768, 10)

	require.Len(t, chunks, 3)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 768, chunks[0].End)
	assert.Equal(t, 758, chunks[1].Start)
	assert.Equal(t, 1526, chunks[1].End)
	assert.Equal(t, 1516, chunks[2].Start)
	assert.Equal(t, 2000, chunks[2].End)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.LessOrEqual(t, c.End-c.Start, 768)
	}
}

func TestChunkText_PrefersParagraphBoundary(t *testing.T) {
	para1 := strings.Repeat("x", 60)
	para2 := strings.Repeat("y", 80)
	text := para1 + "\n\n" + para2

	chunks := ChunkText(text, 100, 5)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.True(t, strings.HasSuffix(chunks[0].Text, "\n\n"),
		"first cut lands on the paragraph break")
}

func TestChunkText_PrefersSentenceOverWord(t *testing.T) {
	text := "This first sentence is long. Another sentence follows with more words to push past the limit"
	chunks := ChunkText(text, 40, 5)

	require.GreaterOrEqual(t, len(chunks), 2)
	assert.True(t, strings.HasSuffix(chunks[0].Text, ". "),
		"cut lands after the sentence boundary, got %q", chunks[0].Text)
}

func TestChunkText_OverlapCarriesBetweenChunks(t *testing.T) {
	text := strings.Repeat("b", 1000)
	chunks := ChunkText(text, 400, 20)

	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, chunks[i-1].End-20, chunks[i].Start)
	}
}

func TestAverageEmbeddings(t *testing.T) {
	avg := AverageEmbeddings([][]float32{{1, 0}, {0, 1}})
	require.Len(t, avg, 2)
	// Mean (0.5, 0.5) normalized to unit length.
	assert.InDelta(t, 0.7071, float64(avg[0]), 1e-3)
	assert.InDelta(t, 0.7071, float64(avg[1]), 1e-3)

	assert.Nil(t, AverageEmbeddings(nil))
	assert.Nil(t, AverageEmbeddings([][]float32{{1, 0}, {1}}), "mixed dimensions")

	single := AverageEmbeddings([][]float32{{3, 4}})
	assert.Equal(t, []float32{3, 4}, single, "single vector passes through")
}

func TestMetadataPrefix(t *testing.T) {
	sentence := MetadataPrefix(FileMeta{
		Name:         "auth.go",
		RelativePath: "internal/auth/auth.go",
		Directory:    "internal/auth",
		Language:     "go",
	})
	assert.Equal(t,
		"This is a go file named auth.go located at internal/auth/auth.go in the internal/auth directory.",
		sentence)

	fallback := MetadataPrefix(FileMeta{Name: "README", RelativePath: "README"})
	assert.Contains(t, fallback, "a text file")
	assert.Contains(t, fallback, "the root directory")
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "go", DetectLanguage("pkg/storage/badger.go"))
	assert.Equal(t, "markdown", DetectLanguage("README.md"))
	assert.Equal(t, "typescript", DetectLanguage("src/App.TSX"))
	assert.Equal(t, "text", DetectLanguage("Makefile"))
}

// stubProvider records what it was asked to embed.
type stubProvider struct {
	dims  int
	calls [][]string
}

func (s *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *stubProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	s.calls = append(s.calls, texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, s.dims)
		vec[0] = 1
		out[i] = vec
	}
	return out, nil
}

func (s *stubProvider) Dimensions() int { return s.dims }
func (s *stubProvider) Model() string   { return "stub-model" }

func TestCoordinator_ProcessFilePrependsMetadataPrefix(t *testing.T) {
	provider := &stubProvider{dims: 4}
	coord := NewCoordinator(provider, CoordinatorConfig{ChunkSize: 100, Overlap: 5}, nil)

	meta := FileMeta{Name: "notes.md", RelativePath: "docs/notes.md", Directory: "docs", Language: "markdown"}
	results, err := coord.ProcessFile(context.Background(), meta, "a short document")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Vector, 4)

	require.Len(t, provider.calls, 1)
	sent := provider.calls[0][0]
	assert.True(t, strings.HasPrefix(sent, "This is a markdown file named notes.md"))
	assert.Contains(t, sent, "a short document")

	// Offsets refer to the raw content, not the prefixed text.
	assert.Equal(t, 0, results[0].Chunk.Start)
	assert.Equal(t, len("a short document"), results[0].Chunk.End)
}

func TestCoordinator_DisabledStillChunks(t *testing.T) {
	coord := NewCoordinator(nil, CoordinatorConfig{ChunkSize: 100, Overlap: 5}, nil)

	results, err := coord.ProcessFile(context.Background(), FileMeta{Name: "f"}, strings.Repeat("c", 250))
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Nil(t, r.Vector, "no vectors without a provider")
		assert.NotEmpty(t, r.Chunk.Text)
	}
	assert.False(t, coord.Enabled())

	_, err = coord.Embed(context.Background(), "query")
	assert.True(t, graph.IsKind(err, graph.KindDisabled))
}

func TestCoordinator_EmbedNodeTypeGating(t *testing.T) {
	provider := &stubProvider{dims: 4}
	coord := NewCoordinator(provider, CoordinatorConfig{
		AutoEmbedTypes: []graph.NodeType{graph.TypeMemory},
	}, nil)

	memory := graph.NewNode(graph.TypeMemory, map[string]any{"content": "remember this"})
	vec, err := coord.EmbedNode(context.Background(), memory)
	require.NoError(t, err)
	assert.Len(t, vec, 4)

	todo := graph.NewNode(graph.TypeTodo, map[string]any{"title": "not embedded"})
	vec, err = coord.EmbedNode(context.Background(), todo)
	require.NoError(t, err)
	assert.Nil(t, vec, "unconfigured types get no embedding")

	empty := graph.NewNode(graph.TypeMemory, map[string]any{"priority": 3})
	vec, err = coord.EmbedNode(context.Background(), empty)
	require.NoError(t, err)
	assert.Nil(t, vec, "no embeddable text")
}

func TestCoordinator_EmbedNodeAveragesLongContent(t *testing.T) {
	provider := &stubProvider{dims: 4}
	coord := NewCoordinator(provider, CoordinatorConfig{
		ChunkSize:      100,
		Overlap:        5,
		AutoEmbedTypes: []graph.NodeType{graph.TypeMemory},
	}, nil)

	node := graph.NewNode(graph.TypeMemory, map[string]any{"content": strings.Repeat("z", 350)})
	vec, err := coord.EmbedNode(context.Background(), node)
	require.NoError(t, err)
	require.Len(t, vec, 4)

	var sent int
	for _, call := range provider.calls {
		sent += len(call)
	}
	assert.Greater(t, sent, 1, "long content embeds multiple chunks")
}

func TestCoordinator_BatchSizeSplitsCalls(t *testing.T) {
	provider := &stubProvider{dims: 2}
	coord := NewCoordinator(provider, CoordinatorConfig{ChunkSize: 50, Overlap: 5, BatchSize: 2}, nil)

	results, err := coord.ProcessFile(context.Background(), FileMeta{Name: "f"}, strings.Repeat("d", 300))
	require.NoError(t, err)
	require.Greater(t, len(results), 2)
	for _, call := range provider.calls {
		assert.LessOrEqual(t, len(call), 2)
	}
}

func TestNewEmbedder_ProviderSelection(t *testing.T) {
	e, err := NewEmbedder(DefaultOllamaConfig())
	require.NoError(t, err)
	assert.Equal(t, "mxbai-embed-large", e.Model())
	assert.Equal(t, 1024, e.Dimensions())

	_, err = NewEmbedder(&Config{Provider: "openai"})
	assert.Error(t, err, "openai without key")

	_, err = NewEmbedder(&Config{Provider: "mystery"})
	assert.Error(t, err)
}
