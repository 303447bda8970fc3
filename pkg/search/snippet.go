package search

import "github.com/orneryd/mimir/pkg/graph"

// SearchableProperties are the node properties fed to the lexical
// index, matching the fulltext index configuration of the upstream
// graph schema.
var SearchableProperties = []string{
	"content",
	"text",
	"title",
	"name",
	"description",
	"path",
	"workerRole",
	"requirements",
}

// extractSearchableText concatenates the searchable string properties
// of a node into one document.
func extractSearchableText(node *graph.Node) string {
	var size int
	values := make([]string, 0, len(SearchableProperties))
	for _, prop := range SearchableProperties {
		if v, ok := node.Properties[prop].(string); ok && v != "" {
			values = append(values, v)
			size += len(v) + 1
		}
	}
	if len(values) == 0 {
		return ""
	}

	buf := make([]byte, 0, size)
	for i, v := range values {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, v...)
	}
	return string(buf)
}

// Preview shortens a content string for list responses.
func Preview(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		if maxLen <= 0 {
			return ""
		}
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
