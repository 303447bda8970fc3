package search

import (
	"strings"
	"unicode/utf8"

	"github.com/orneryd/mimir/pkg/graph"
)

// Query AST. Free terms combine with implicit OR; AND binds tighter
// than OR; NOT applies to the following primary.
type queryNode interface{ isQueryNode() }

type termKind int

const (
	termExact termKind = iota
	termPrefix
	termFuzzy
)

type termNode struct {
	term string
	kind termKind
}

type phraseNode struct {
	terms []string
}

type boolOp int

const (
	opAnd boolOp = iota
	opOr
)

type boolNode struct {
	op       boolOp
	children []queryNode
}

type notNode struct {
	child queryNode
}

func (termNode) isQueryNode()   {}
func (phraseNode) isQueryNode() {}
func (boolNode) isQueryNode()   {}
func (notNode) isQueryNode()    {}

// parseQuery builds the AST. Returns (nil, nil) when the query has no
// usable terms; a zero-term query is empty results, not an error.
func parseQuery(query string) (queryNode, error) {
	lexemes, err := lexQuery(query)
	if err != nil {
		return nil, err
	}
	p := &queryParser{lexemes: lexemes}
	node := p.parseOr()
	if p.pos < len(p.lexemes) {
		return nil, graph.NewError(graph.KindLexical, "unexpected token in query: "+p.lexemes[p.pos])
	}
	return node, nil
}

type queryParser struct {
	lexemes []string
	pos     int
}

func (p *queryParser) peek() (string, bool) {
	if p.pos >= len(p.lexemes) {
		return "", false
	}
	return p.lexemes[p.pos], true
}

// parseOr handles explicit OR and the implicit OR between adjacent
// clauses.
func (p *queryParser) parseOr() queryNode {
	var children []queryNode
	for {
		child := p.parseAnd()
		if child != nil {
			children = append(children, child)
		}
		tok, ok := p.peek()
		if !ok {
			break
		}
		if tok == "OR" {
			p.pos++
			continue
		}
		if tok == "AND" || tok == "NOT" || !isKeyword(tok) {
			// Implicit OR between clauses.
			if child == nil {
				// parseAnd made no progress; bail to avoid spinning.
				p.pos++
			}
			continue
		}
		break
	}
	return collapse(opOr, children)
}

func (p *queryParser) parseAnd() queryNode {
	var children []queryNode
	for {
		child := p.parseUnary()
		if child != nil {
			children = append(children, child)
		}
		tok, ok := p.peek()
		if !ok || tok != "AND" {
			break
		}
		p.pos++
	}
	return collapse(opAnd, children)
}

func (p *queryParser) parseUnary() queryNode {
	tok, ok := p.peek()
	if !ok {
		return nil
	}
	if tok == "NOT" {
		p.pos++
		child := p.parseUnary()
		if child == nil {
			return nil
		}
		return notNode{child: child}
	}
	return p.parsePrimary()
}

func (p *queryParser) parsePrimary() queryNode {
	tok, ok := p.peek()
	if !ok || tok == "AND" || tok == "OR" {
		return nil
	}
	p.pos++

	if strings.HasPrefix(tok, "\"") {
		terms := tokenize(strings.Trim(tok, "\""))
		if len(terms) == 0 {
			return nil
		}
		if len(terms) == 1 {
			return termNode{term: terms[0], kind: termExact}
		}
		return phraseNode{terms: terms}
	}

	kind := termExact
	switch {
	case strings.HasSuffix(tok, "*"):
		kind = termPrefix
		tok = strings.TrimSuffix(tok, "*")
	case strings.HasSuffix(tok, "~"):
		kind = termFuzzy
		tok = strings.TrimSuffix(tok, "~")
	}
	normalized := tokenize(tok)
	if len(normalized) == 0 {
		return nil
	}
	// A multi-token term (e.g. "foo.bar") degrades to an exact phrase.
	if len(normalized) > 1 {
		return phraseNode{terms: normalized}
	}
	return termNode{term: normalized[0], kind: kind}
}

func collapse(op boolOp, children []queryNode) queryNode {
	switch len(children) {
	case 0:
		return nil
	case 1:
		return children[0]
	}
	return boolNode{op: op, children: children}
}

func isKeyword(tok string) bool {
	return tok == "AND" || tok == "OR" || tok == "NOT"
}

// lexQuery splits the raw query into lexemes, keeping quoted phrases
// whole (with their quotes, so the parser can tell them apart).
func lexQuery(query string) ([]string, error) {
	var lexemes []string
	var current strings.Builder
	inQuotes := false

	flush := func() {
		if current.Len() > 0 {
			lexemes = append(lexemes, current.String())
			current.Reset()
		}
	}

	for _, r := range query {
		switch {
		case r == '"':
			current.WriteRune(r)
			if inQuotes {
				flush()
			}
			inQuotes = !inQuotes
		case !inQuotes && (r == ' ' || r == '\t' || r == '\n'):
			flush()
		default:
			current.WriteRune(r)
		}
	}
	if inQuotes {
		return nil, graph.NewError(graph.KindLexical, "unbalanced quote in query")
	}
	flush()
	return lexemes, nil
}

// eval scores a query node. Callers hold the index read lock.
func (f *FulltextIndex) eval(node queryNode) map[string]float64 {
	switch n := node.(type) {
	case termNode:
		return f.evalTerm(n)
	case phraseNode:
		return f.evalPhrase(n)
	case notNode:
		return f.evalNot(n)
	case boolNode:
		if n.op == opAnd {
			return f.evalAnd(n.children)
		}
		return f.evalOr(n.children)
	}
	return nil
}

func (f *FulltextIndex) evalTerm(n termNode) map[string]float64 {
	switch n.kind {
	case termPrefix:
		scores := make(map[string]float64)
		for indexed := range f.postings {
			if !strings.HasPrefix(indexed, n.term) {
				continue
			}
			weight := prefixMatchWeight
			if indexed == n.term {
				weight = 1.0
			}
			mergeScores(scores, f.scoreTerm(indexed, weight))
		}
		return scores
	case termFuzzy:
		maxDist := fuzzyDistance(n.term)
		scores := make(map[string]float64)
		for indexed := range f.postings {
			if indexed == n.term {
				mergeScores(scores, f.scoreTerm(indexed, 1.0))
				continue
			}
			if withinEditDistance(n.term, indexed, maxDist) {
				mergeScores(scores, f.scoreTerm(indexed, fuzzyMatchWeight))
			}
		}
		return scores
	default:
		return f.scoreTerm(n.term, 1.0)
	}
}

// evalPhrase matches terms that occur adjacent and in order. The score
// is the summed BM25 of the constituent terms for matching documents.
func (f *FulltextIndex) evalPhrase(n phraseNode) map[string]float64 {
	first := f.postings[n.terms[0]]
	if len(first) == 0 {
		return nil
	}

	scores := make(map[string]float64)
docs:
	for docID, starts := range first {
		for _, rest := range n.terms[1:] {
			if len(f.postings[rest][docID]) == 0 {
				continue docs
			}
		}
		if !hasAdjacentRun(f, docID, n.terms, starts) {
			continue
		}
		var score float64
		for _, term := range n.terms {
			score += f.scoreTerm(term, 1.0)[docID]
		}
		scores[docID] = score
	}
	return scores
}

func hasAdjacentRun(f *FulltextIndex, docID string, terms []string, starts []int) bool {
	for _, start := range starts {
		matched := true
		for offset, term := range terms[1:] {
			if !containsPosition(f.postings[term][docID], start+offset+1) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func containsPosition(positions []int, want int) bool {
	for _, p := range positions {
		if p == want {
			return true
		}
		if p > want {
			return false
		}
	}
	return false
}

// evalNot returns the complement of the child's matches over all
// documents, contributing zero score.
func (f *FulltextIndex) evalNot(n notNode) map[string]float64 {
	matched := f.eval(n.child)
	out := make(map[string]float64, f.docCount)
	for docID := range f.docLengths {
		if _, hit := matched[docID]; !hit {
			out[docID] = 0
		}
	}
	return out
}

func (f *FulltextIndex) evalAnd(children []queryNode) map[string]float64 {
	var result map[string]float64
	for _, child := range children {
		scores := f.eval(child)
		if result == nil {
			result = scores
			continue
		}
		for docID := range result {
			if score, ok := scores[docID]; ok {
				result[docID] += score
			} else {
				delete(result, docID)
			}
		}
	}
	return result
}

// evalOr unions positive children. NOT children act as exclusions over
// the union rather than complements, so "apple NOT cherry" matches
// apple-documents without cherry.
func (f *FulltextIndex) evalOr(children []queryNode) map[string]float64 {
	var positives []queryNode
	var negatives []queryNode
	for _, child := range children {
		if not, ok := child.(notNode); ok {
			negatives = append(negatives, not.child)
		} else {
			positives = append(positives, child)
		}
	}
	if len(positives) == 0 {
		return f.evalAnd(children)
	}

	result := make(map[string]float64)
	for _, child := range positives {
		mergeScores(result, f.eval(child))
	}
	for _, child := range negatives {
		for docID := range f.eval(child) {
			delete(result, docID)
		}
	}
	return result
}

func mergeScores(dst, src map[string]float64) {
	for docID, score := range src {
		dst[docID] += score
	}
}

// plainTerms reports the normalized terms of a free-term query (a lone
// exact term or an implicit OR of exact terms). Proximity boosting only
// applies to that shape.
func plainTerms(node queryNode) ([]string, bool) {
	switch n := node.(type) {
	case termNode:
		if n.kind == termExact {
			return []string{n.term}, true
		}
	case boolNode:
		if n.op != opOr {
			return nil, false
		}
		var terms []string
		for _, child := range n.children {
			t, ok := child.(termNode)
			if !ok || t.kind != termExact {
				return nil, false
			}
			terms = append(terms, t.term)
		}
		return terms, true
	}
	return nil, false
}

// fuzzyDistance scales the allowed edit distance with term length:
// 1 for terms of up to 4 characters, 2 otherwise.
func fuzzyDistance(term string) int {
	if utf8.RuneCountInString(term) <= 4 {
		return 1
	}
	return 2
}

// withinEditDistance is a banded Levenshtein check.
func withinEditDistance(a, b string, maxDist int) bool {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if abs(la-lb) > maxDist {
		return false
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			if curr[j] < rowMin {
				rowMin = curr[j]
			}
		}
		if rowMin > maxDist {
			return false
		}
		prev, curr = curr, prev
	}
	return prev[lb] <= maxDist
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
