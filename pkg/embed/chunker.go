package embed

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
)

// Chunking defaults.
const (
	DefaultChunkSize = 768
	DefaultOverlap   = 10
)

// Chunk is a bounded span of text with character offsets into the
// original content. Offsets are rune-based and half-open: [Start, End).
type Chunk struct {
	Index int    `json:"chunkIndex"`
	Text  string `json:"text"`
	Start int    `json:"startOffset"`
	End   int    `json:"endOffset"`
}

// ChunkText splits text into chunks of at most chunkSize characters
// with overlap characters carried between neighbors. Cuts prefer, in
// order: a paragraph break, a sentence boundary, a word boundary.
// When no boundary falls in the second half of the window the chunk is
// cut hard at chunkSize. Text no longer than chunkSize yields a single
// chunk spanning [0, len).
func ChunkText(text string, chunkSize, overlap int) []Chunk {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = DefaultOverlap
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= chunkSize {
		return []Chunk{{Index: 0, Text: text, Start: 0, End: len(runes)}}
	}

	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := start + chunkSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = cutPoint(runes, start, end)
		}

		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  string(runes[start:end]),
			Start: start,
			End:   end,
		})
		if end == len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// cutPoint finds the best boundary in (start, limit], only accepting
// boundaries past the midpoint of the window so chunks stay reasonably
// full.
func cutPoint(runes []rune, start, limit int) int {
	window := string(runes[start:limit])
	floor := (limit - start) / 2

	if idx := strings.LastIndex(window, "\n\n"); idx > floor {
		return start + len([]rune(window[:idx+2]))
	}
	best := -1
	for _, sep := range []string{". ", "? ", "! ", "\n"} {
		if idx := strings.LastIndex(window, sep); idx > floor {
			cut := idx + len(sep)
			if cut > best {
				best = cut
			}
		}
	}
	if best > 0 {
		return start + len([]rune(window[:best]))
	}
	if idx := strings.LastIndex(window, " "); idx > floor {
		return start + len([]rune(window[:idx+1]))
	}
	return limit
}

// AverageEmbeddings folds several chunk embeddings into one whole-node
// vector by element-wise mean, normalized to unit length. Vectors must
// share a dimension; empty input yields nil.
func AverageEmbeddings(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	if len(vectors) == 1 {
		out := make([]float32, len(vectors[0]))
		copy(out, vectors[0])
		return out
	}

	dims := len(vectors[0])
	sums := make([]float64, dims)
	for _, vec := range vectors {
		if len(vec) != dims {
			return nil
		}
		for i, x := range vec {
			sums[i] += float64(x)
		}
	}

	n := float64(len(vectors))
	var norm float64
	for i := range sums {
		sums[i] /= n
		norm += sums[i] * sums[i]
	}
	norm = math.Sqrt(norm)

	out := make([]float32, dims)
	for i, x := range sums {
		if norm > 0 {
			out[i] = float32(x / norm)
		} else {
			out[i] = float32(x)
		}
	}
	return out
}

// FileMeta describes the file being embedded, for the metadata prefix.
type FileMeta struct {
	Name         string
	RelativePath string
	Directory    string
	Language     string
}

// MetadataPrefix synthesizes the natural-language identity sentence
// prepended to file content before embedding, so semantic search can
// match on file identity, not just content.
func MetadataPrefix(meta FileMeta) string {
	language := meta.Language
	if language == "" {
		language = "text"
	}
	directory := meta.Directory
	if directory == "" {
		directory = "root"
	}
	return fmt.Sprintf("This is a %s file named %s located at %s in the %s directory.",
		language, meta.Name, meta.RelativePath, directory)
}

// languageByExtension maps file extensions to the language recorded on
// file nodes and used in the metadata prefix.
var languageByExtension = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".rs":    "rust",
	".java":  "java",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cs":    "csharp",
	".rb":    "ruby",
	".php":   "php",
	".sh":    "shell",
	".sql":   "sql",
	".md":    "markdown",
	".txt":   "text",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".xml":   "xml",
	".html":  "html",
	".css":   "css",
	".proto": "protobuf",
}

// DetectLanguage guesses a file's language from its extension,
// defaulting to "text".
func DetectLanguage(path string) string {
	if lang, ok := languageByExtension[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "text"
}
