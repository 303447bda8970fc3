package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/orneryd/mimir/pkg/graph"
	"github.com/orneryd/mimir/pkg/storage"
)

// RRFConfig holds the fusion constants for one search.
type RRFConfig struct {
	K            float64 `json:"k"`
	VectorWeight float64 `json:"vectorWeight"`
	BM25Weight   float64 `json:"bm25Weight"`
	MinScore     float64 `json:"minScore"`
}

// Fusion profiles selected by query length. Short queries lack context,
// so keywords are more reliable; long queries carry semantic intent that
// embeddings capture better.
func keywordProfile() *RRFConfig {
	return &RRFConfig{K: 60, VectorWeight: 0.5, BM25Weight: 1.5, MinScore: 0.01}
}

func semanticProfile() *RRFConfig {
	return &RRFConfig{K: 60, VectorWeight: 1.5, BM25Weight: 0.5, MinScore: 0.01}
}

func balancedProfile() *RRFConfig {
	return &RRFConfig{K: 60, VectorWeight: 1.0, BM25Weight: 1.0, MinScore: 0.01}
}

// AdaptiveProfile picks RRF weights from the query's word count:
// 1-2 words favor BM25, 6+ words favor the vector ranker, anything in
// between stays balanced.
func AdaptiveProfile(query string) *RRFConfig {
	switch words := len(strings.Fields(query)); {
	case words <= 2:
		return keywordProfile()
	case words >= 6:
		return semanticProfile()
	default:
		return balancedProfile()
	}
}

// expansionDecay dampens scores of nodes reached by graph expansion.
const expansionDecay = 0.7

// Options configures one search. A nil *Options means DefaultOptions.
type Options struct {
	// Limit caps returned results after Offset is applied.
	Limit  int
	Offset int

	// Types restricts results to the given node types.
	Types []graph.NodeType

	// Filters are equality filters on flat properties.
	Filters map[string]any

	// MinSimilarity is the cosine floor for the vector ranker.
	MinSimilarity float64

	// Depth > 1 expands results through the graph, dampening scores by
	// expansionDecay per hop.
	Depth int

	// RRF overrides the adaptive fusion profile.
	RRF *RRFConfig

	// ExpandChunkParents surfaces the owning file node next to each
	// fileChunk hit.
	ExpandChunkParents bool

	// StripLargeFields replaces oversized property values with length
	// indicators and match snippets.
	StripLargeFields bool
}

// DefaultOptions returns the standard search configuration.
func DefaultOptions() *Options {
	return &Options{
		Limit:              10,
		Depth:              1,
		ExpandChunkParents: true,
		StripLargeFields:   true,
	}
}

// ScoredNode is one hybrid search result.
type ScoredNode struct {
	Node *graph.Node `json:"node"`

	// Score is the final ranking score: RRF, dampened for expanded
	// nodes.
	Score float64 `json:"score"`

	// LexicalScore is the raw BM25 score, zero when the lexical ranker
	// did not match.
	LexicalScore float64 `json:"lexicalScore,omitempty"`

	// Similarity is the cosine similarity, zero when the vector ranker
	// did not match.
	Similarity float64 `json:"similarity,omitempty"`

	VectorRank int `json:"vectorRank,omitempty"`
	BM25Rank   int `json:"bm25Rank,omitempty"`

	// Hops is the graph distance from a direct hit (0 for direct hits).
	Hops int `json:"hops,omitempty"`
}

// QueryEmbedder produces the query-side embedding for the vector
// ranker. The embed package's providers satisfy it.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Engine runs hybrid search over a lexical and a vector index, fusing
// the rankers with RRF. The engine never mutates its indexes during a
// search; each index pins its own read snapshot for the duration of one
// call.
//
// CRUD hooks keep the indexes synchronous with the store: IndexNode on
// create/update, RemoveNode on delete, before the write call returns.
type Engine struct {
	store    storage.Engine
	fulltext *FulltextIndex
	vector   *VectorIndex
	embedder QueryEmbedder
}

// NewEngine creates a search engine over the given store. embedder may
// be nil; searches then degrade to the lexical ranker.
func NewEngine(store storage.Engine, embedder QueryEmbedder) *Engine {
	return &Engine{
		store:    store,
		fulltext: NewFulltextIndex(),
		vector:   NewVectorIndex(0),
		embedder: embedder,
	}
}

// Fulltext exposes the lexical index for collaborators (compatibility
// query entry point, stats).
func (e *Engine) Fulltext() *FulltextIndex { return e.fulltext }

// Vector exposes the vector index for the embedding coordinator.
func (e *Engine) Vector() *VectorIndex { return e.vector }

// IndexNode adds or refreshes a node in both indexes.
func (e *Engine) IndexNode(node *graph.Node) error {
	if text := extractSearchableText(node); text != "" {
		e.fulltext.Index(node.ID, text)
	} else {
		e.fulltext.Remove(node.ID)
	}
	if len(node.Embedding) > 0 {
		return e.vector.Upsert(node.ID, node.Embedding)
	}
	return nil
}

// RemoveNode drops a node from both indexes.
func (e *Engine) RemoveNode(id string) {
	e.fulltext.Remove(id)
	e.vector.Remove(id)
}

// BuildIndexes populates both indexes from the store.
func (e *Engine) BuildIndexes(ctx context.Context) error {
	return e.store.StreamNodes(ctx, func(node *graph.Node) error {
		return e.IndexNode(node)
	})
}

// candidate carries fusion state for one document id.
type candidate struct {
	id         string
	rrfScore   float64
	lexScore   float64
	similarity float64
	vectorRank int
	bm25Rank   int
}

// Search runs the full hybrid pipeline: adaptive profile selection,
// parallel lexical and vector retrieval, RRF fusion, type and property
// post-filtering, optional multi-hop expansion, fileChunk parent
// expansion, large-field stripping, and deterministic ordering.
//
// When one ranker fails the other's results are returned; when both
// fail the error kind is ESearch.
func (e *Engine) Search(ctx context.Context, query string, opts *Options) ([]ScoredNode, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	profile := opts.RRF
	if profile == nil {
		profile = AdaptiveProfile(query)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	candidateLimit := (limit + opts.Offset) * 3
	if candidateLimit < 30 {
		candidateLimit = 30
	}

	var (
		wg         sync.WaitGroup
		lexResults []Result
		lexErr     error
		vecResults []Result
		vecErr     error
		vecSkipped bool
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		lexResults, lexErr = e.fulltext.Search(query, candidateLimit)
	}()
	go func() {
		defer wg.Done()
		if e.embedder == nil || e.vector.Count() == 0 {
			vecSkipped = true
			return
		}
		embedding, err := e.embedder.Embed(ctx, query)
		if err != nil {
			vecErr = graph.WrapError(graph.KindVector, "embed query", err)
			return
		}
		vecResults, vecErr = e.vector.KNN(embedding, candidateLimit, opts.MinSimilarity)
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, graph.WrapError(graph.KindCancelled, "search cancelled", err)
	}
	// A skipped vector ranker leaves the lexical index as the only
	// ranker, so its failure is a full failure, not a degradation.
	if lexErr != nil && (vecSkipped || vecErr != nil) {
		if vecErr != nil {
			return nil, graph.WrapError(graph.KindSearch,
				fmt.Sprintf("all rankers failed (lexical: %v)", lexErr), vecErr)
		}
		return nil, graph.WrapError(graph.KindSearch, "lexical ranker failed", lexErr)
	}
	if lexErr != nil {
		lexResults = nil
	}
	if vecErr != nil {
		vecResults = nil
	}

	candidates := fuseRRF(lexResults, vecResults, profile)

	results := e.collectHits(candidates, opts)
	if opts.Depth > 1 {
		results = e.expandHops(results, opts.Depth)
	}
	if opts.ExpandChunkParents {
		results = e.expandChunkParents(results)
	}

	sortResults(results)

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > limit {
		results = results[:limit]
	}

	if opts.StripLargeFields {
		terms := tokenize(query)
		for i := range results {
			results[i].Node = graph.StripLargeFields(results[i].Node, terms)
		}
	}
	return results, nil
}

// fuseRRF combines the two ranked lists into RRF-scored candidates.
// Ranks are 1-indexed per the formula; candidates below the profile's
// MinScore are dropped.
func fuseRRF(lexResults, vecResults []Result, profile *RRFConfig) []candidate {
	k := profile.K
	if k == 0 {
		k = 60
	}

	byID := make(map[string]*candidate)
	get := func(id string) *candidate {
		c, ok := byID[id]
		if !ok {
			c = &candidate{id: id}
			byID[id] = c
		}
		return c
	}

	for i, r := range lexResults {
		c := get(r.ID)
		c.bm25Rank = i + 1
		c.lexScore = r.Score
		c.rrfScore += profile.BM25Weight / (k + float64(i+1))
	}
	for i, r := range vecResults {
		c := get(r.ID)
		c.vectorRank = i + 1
		c.similarity = r.Score
		c.rrfScore += profile.VectorWeight / (k + float64(i+1))
	}

	out := make([]candidate, 0, len(byID))
	for _, c := range byID {
		if c.rrfScore < profile.MinScore {
			continue
		}
		out = append(out, *c)
	}
	return out
}

// collectHits loads nodes for candidates and applies the type and
// equality post-filters. Candidates whose node vanished are dropped.
func (e *Engine) collectHits(candidates []candidate, opts *Options) []ScoredNode {
	typeSet := make(map[graph.NodeType]struct{}, len(opts.Types))
	for _, t := range opts.Types {
		typeSet[t] = struct{}{}
	}

	var hits []ScoredNode
	for _, c := range candidates {
		node, err := e.store.GetNode(c.id)
		if err != nil {
			continue
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[node.Type]; !ok {
				continue
			}
		}
		if !matchesFilters(node, opts.Filters) {
			continue
		}
		hits = append(hits, ScoredNode{
			Node:         node,
			Score:        c.rrfScore,
			LexicalScore: c.lexScore,
			Similarity:   c.similarity,
			VectorRank:   c.vectorRank,
			BM25Rank:     c.bm25Rank,
		})
	}
	return hits
}

func matchesFilters(node *graph.Node, filters map[string]any) bool {
	for key, want := range filters {
		got, ok := node.Properties[key]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// expandHops includes nodes reachable from direct hits within
// depth levels, scoring each at hitScore × decay^hops. A node reached
// from several hits keeps its best score.
func (e *Engine) expandHops(hits []ScoredNode, depth int) []ScoredNode {
	best := make(map[string]int, len(hits))
	for i, h := range hits {
		best[h.Node.ID] = i
	}

	for _, hit := range hits {
		frontier := []string{hit.Node.ID}
		visited := map[string]struct{}{hit.Node.ID: {}}

		for hop := 1; hop < depth; hop++ {
			var next []string
			score := hit.Score * pow(expansionDecay, hop)
			for _, id := range frontier {
				edges, err := e.store.EdgesOf(id, storage.DirectionBoth)
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

					if idx, ok := best[neighborID]; ok {
						if score > hits[idx].Score {
							hits[idx].Score = score
							hits[idx].Hops = hop
						}
						continue
					}
					node, err := e.store.GetNode(neighborID)
					if err != nil {
						continue
					}
					hits = append(hits, ScoredNode{Node: node, Score: score, Hops: hop})
					best[neighborID] = len(hits) - 1
				}
			}
			frontier = next
		}
	}
	return hits
}

// expandChunkParents adds the owning file node next to each fileChunk
// hit. The parent carries the chunk's score as its own entry; if it
// already ranked, the higher score wins.
func (e *Engine) expandChunkParents(hits []ScoredNode) []ScoredNode {
	index := make(map[string]int, len(hits))
	for i, h := range hits {
		index[h.Node.ID] = i
	}

	for _, hit := range hits {
		if hit.Node.Type != graph.TypeFileChunk {
			continue
		}
		edges, err := e.store.EdgesOf(hit.Node.ID, storage.DirectionIn)
		if err != nil {
			continue
		}
		for _, edge := range edges {
			if edge.Type != graph.EdgeContains {
				continue
			}
			parent, err := e.store.GetNode(edge.Source)
			if err != nil || parent.Type != graph.TypeFile {
				continue
			}
			if idx, ok := index[parent.ID]; ok {
				if hit.Score > hits[idx].Score {
					hits[idx].Score = hit.Score
				}
				continue
			}
			hits = append(hits, ScoredNode{
				Node:       parent,
				Score:      hit.Score,
				Similarity: hit.Similarity,
			})
			index[parent.ID] = len(hits) - 1
		}
	}
	return hits
}

// sortResults orders by score descending, breaking ties by lexical
// score, then recency, then id, so rankings are deterministic.
func sortResults(results []ScoredNode) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.LexicalScore != b.LexicalScore {
			return a.LexicalScore > b.LexicalScore
		}
		if !a.Node.Updated.Equal(b.Node.Updated) {
			return a.Node.Updated.After(b.Node.Updated)
		}
		return a.Node.ID < b.Node.ID
	})
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
