package graph

import (
	"fmt"
	"strings"
)

// LargeFieldThreshold is the byte length above which a string property is
// considered "large" and stripped from list/search responses. Full content
// is only returned by single-node fetch.
const LargeFieldThreshold = 10 * 1024

// snippetRadius is how many characters of context surround a matched term
// inside a stripped-field snippet.
const snippetRadius = 60

// maxSnippetsPerField bounds snippet output for pathological matches.
const maxSnippetsPerField = 5

// Snippet is an excerpt of a stripped field around a query-term match.
type Snippet struct {
	Line int    `json:"line"`
	Text string `json:"text"`
}

// StripLargeFields returns a clone of the node with every string property
// over LargeFieldThreshold replaced by a length indicator of the form
// "[content stripped: N bytes]". When queryTerms are provided, matching
// line numbers and snippets for each stripped field are attached under
// "<key>_matches" so search responses stay useful without the payload.
func StripLargeFields(n *Node, queryTerms []string) *Node {
	if n == nil {
		return nil
	}
	out := n.Clone()
	for k, v := range out.Properties {
		s, ok := v.(string)
		if !ok || len(s) <= LargeFieldThreshold {
			continue
		}
		out.Properties[k] = fmt.Sprintf("[content stripped: %d bytes]", len(s))
		if len(queryTerms) > 0 {
			if matches := matchSnippets(s, queryTerms); len(matches) > 0 {
				out.Properties[k+"_matches"] = matches
			}
		}
	}
	return out
}

// matchSnippets finds up to maxSnippetsPerField lines containing any of
// the query terms (case-insensitive) and returns 1-based line numbers with
// a bounded excerpt.
func matchSnippets(content string, terms []string) []Snippet {
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			lowered = append(lowered, t)
		}
	}
	if len(lowered) == 0 {
		return nil
	}

	var snippets []Snippet
	for i, line := range strings.Split(content, "\n") {
		ll := strings.ToLower(line)
		pos := -1
		for _, t := range lowered {
			if p := strings.Index(ll, t); p >= 0 {
				pos = p
				break
			}
		}
		if pos < 0 {
			continue
		}
		snippets = append(snippets, Snippet{Line: i + 1, Text: excerpt(line, pos)})
		if len(snippets) >= maxSnippetsPerField {
			break
		}
	}
	return snippets
}

func excerpt(line string, pos int) string {
	start := pos - snippetRadius
	if start < 0 {
		start = 0
	}
	end := pos + snippetRadius
	if end > len(line) {
		end = len(line)
	}
	text := line[start:end]
	if start > 0 {
		text = "…" + text
	}
	if end < len(line) {
		text += "…"
	}
	return text
}
