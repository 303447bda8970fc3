// Package search provides the hybrid retrieval stack: a BM25 full-text
// index with a small boolean query language, a brute-force cosine vector
// index, and an Engine that fuses both rankers with Reciprocal Rank
// Fusion (RRF).
//
// Formula: RRF_score = Σ (weight / (k + rank))
//
// Where k smooths rank differences (default 60), rank is the 1-indexed
// position in each ranker's list, and the weights shift emphasis between
// the lexical and semantic rankers. Documents found by both rankers get
// boosted scores, which is what makes hybrid search beat either ranker
// alone.
//
// Example Usage:
//
//	eng := search.NewEngine(store, embedder)
//	if err := eng.BuildIndexes(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	results, err := eng.Search(ctx, "graph database memory", nil)
//	for _, r := range results {
//		fmt.Printf("[%.4f] %s\n", r.Score, r.Node.ID)
//	}
package search

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// BM25 parameters (standard values)
const (
	bm25K1 = 1.2  // Term frequency saturation
	bm25B  = 0.75 // Length normalization
)

// Weight applied to terms matched by expansion rather than exactly.
const (
	prefixMatchWeight = 0.8
	fuzzyMatchWeight  = 0.7
)

// Result is a raw ranker hit, BM25 or cosine score unchanged.
type Result struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// FulltextIndex is a BM25 inverted index with positional postings.
// Positions make phrase queries and proximity boosts possible.
// Updates are synchronous so a caller reads its own writes.
type FulltextIndex struct {
	mu sync.RWMutex

	// term -> docID -> token positions
	postings map[string]map[string][]int

	// docID -> token count
	docLengths map[string]int

	avgDocLength float64
	docCount     int
}

// NewFulltextIndex creates an empty full-text index.
func NewFulltextIndex() *FulltextIndex {
	return &FulltextIndex{
		postings:   make(map[string]map[string][]int),
		docLengths: make(map[string]int),
	}
}

// Index adds or replaces a document.
func (f *FulltextIndex) Index(id, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removeLocked(id)

	tokens := tokenize(text)
	if len(tokens) == 0 {
		return
	}

	f.docLengths[id] = len(tokens)
	f.docCount++

	for pos, token := range tokens {
		if f.postings[token] == nil {
			f.postings[token] = make(map[string][]int)
		}
		f.postings[token][id] = append(f.postings[token][id], pos)
	}
	f.updateAvgDocLength()
}

// Remove deletes a document from the index.
func (f *FulltextIndex) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(id)
}

func (f *FulltextIndex) removeLocked(id string) {
	if _, exists := f.docLengths[id]; !exists {
		return
	}
	for term, docs := range f.postings {
		if _, ok := docs[id]; ok {
			delete(docs, id)
			if len(docs) == 0 {
				delete(f.postings, term)
			}
		}
	}
	delete(f.docLengths, id)
	f.docCount--
	f.updateAvgDocLength()
}

// Count returns the number of indexed documents.
func (f *FulltextIndex) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.docCount
}

// Search parses the query and returns BM25-ranked hits.
//
// Query language:
//   - free terms (implicit OR, proximity-boosted)
//   - AND, OR, NOT boolean operators (case-sensitive keywords)
//   - "exact phrase" (ordered, adjacent after tokenization)
//   - term* prefix match
//   - term~ fuzzy match (edit distance 1 for short terms, 2 otherwise)
//
// Scores are raw BM25, not normalized; the fusion layer consumes them
// unchanged. An empty or all-stopword query returns no results, not an
// error. The read lock is held for the whole evaluation, so one call
// sees one consistent snapshot.
func (f *FulltextIndex) Search(query string, limit int) ([]Result, error) {
	ast, err := parseQuery(query)
	if err != nil {
		return nil, err
	}
	if ast == nil {
		return nil, nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.docCount == 0 {
		return nil, nil
	}

	scores := f.eval(ast)
	if freeTerms, ok := plainTerms(ast); ok && len(freeTerms) > 1 {
		f.applyProximityBoost(scores, freeTerms)
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		results = append(results, Result{ID: id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// scoreTerm computes the BM25 contribution of one indexed term for every
// document it occurs in. weight discounts expanded (prefix/fuzzy) matches.
func (f *FulltextIndex) scoreTerm(term string, weight float64) map[string]float64 {
	docs := f.postings[term]
	if len(docs) == 0 {
		return nil
	}
	idf := f.idf(term) * weight

	out := make(map[string]float64, len(docs))
	for docID, positions := range docs {
		tf := float64(len(positions))
		docLen := float64(f.docLengths[docID])
		numerator := tf * (bm25K1 + 1)
		denominator := tf + bm25K1*(1-bm25B+bm25B*(docLen/f.avgDocLength))
		out[docID] = idf * (numerator / denominator)
	}
	return out
}

// idf uses the Lucene BM25 variant: log(1 + (N - df + 0.5) / (df + 0.5)).
// The +1 inside the log keeps common terms non-negative.
func (f *FulltextIndex) idf(term string) float64 {
	df := float64(len(f.postings[term]))
	n := float64(f.docCount)
	idf := math.Log(1 + (n-df+0.5)/(df+0.5))
	if idf < 0 {
		return 0
	}
	return idf
}

// applyProximityBoost boosts documents where distinct query terms occur
// close together. The boost shrinks with the minimal gap between
// occurrences of two different terms.
func (f *FulltextIndex) applyProximityBoost(scores map[string]float64, terms []string) {
	for docID := range scores {
		minGap := math.MaxInt
		for i := 0; i < len(terms); i++ {
			posA := f.postings[terms[i]][docID]
			if len(posA) == 0 {
				continue
			}
			for j := i + 1; j < len(terms); j++ {
				posB := f.postings[terms[j]][docID]
				if len(posB) == 0 {
					continue
				}
				if gap := minDistance(posA, posB); gap < minGap {
					minGap = gap
				}
			}
		}
		if minGap < math.MaxInt {
			scores[docID] *= 1 + 0.5/float64(1+minGap)
		}
	}
}

// minDistance returns the smallest absolute gap between two sorted
// position lists.
func minDistance(a, b []int) int {
	best := math.MaxInt
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		d := a[i] - b[j]
		if d < 0 {
			d = -d
		}
		if d < best {
			best = d
		}
		if a[i] < b[j] {
			i++
		} else {
			j++
		}
	}
	return best
}

func (f *FulltextIndex) updateAvgDocLength() {
	if f.docCount == 0 {
		f.avgDocLength = 0
		return
	}
	var total int
	for _, length := range f.docLengths {
		total += length
	}
	f.avgDocLength = float64(total) / float64(f.docCount)
}

// tokenize splits text into lowercase tokens, dropping punctuation,
// single characters, and stop words.
func tokenize(text string) []string {
	text = strings.ToLower(text)

	words := strings.FieldsFunc(text, func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})

	var tokens []string
	for _, word := range words {
		if len(word) < 2 || stopWords[word] {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

// Minimal stop word list. Technical terms are deliberately not filtered.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "he": true, "in": true, "is": true,
	"it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "to": true, "was": true, "were": true,
	"with": true, "this": true, "but": true, "they": true,
	"we": true, "you": true, "your": true, "my": true, "their": true,
	"been": true, "do": true, "does": true, "did": true,
}
