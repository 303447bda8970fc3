package indexer

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// ignorePattern is one parsed .gitignore line.
type ignorePattern struct {
	pattern  string
	negated  bool
	dirOnly  bool
	anchored bool
}

// IgnoreMatcher decides whether a path is excluded from indexing. It
// combines caller-supplied glob patterns with the project's .gitignore
// when one exists at the root.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher builds a matcher from explicit deny patterns plus
// the .gitignore at root (when present). Explicit patterns are applied
// first, gitignore rules after, last match wins for negations.
func NewIgnoreMatcher(root string, denyPatterns []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	for _, p := range denyPatterns {
		m.add(p)
	}
	m.loadGitignore(filepath.Join(root, ".gitignore"))
	return m
}

func (m *IgnoreMatcher) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	p := ignorePattern{}
	if strings.HasPrefix(line, "!") {
		p.negated = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		p.anchored = true
		line = line[1:]
	}
	p.pattern = line
	m.patterns = append(m.patterns, p)
}

func (m *IgnoreMatcher) loadGitignore(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m.add(scanner.Text())
	}
}

// Ignored reports whether the slash-separated path relative to the
// indexing root should be skipped. isDir applies directory-only rules.
func (m *IgnoreMatcher) Ignored(relPath string, isDir bool) bool {
	relPath = filepath.ToSlash(relPath)
	ignored := false
	for _, p := range m.patterns {
		if p.dirOnly && !isDir && !pathHasDirPrefix(relPath, p) {
			continue
		}
		if p.matches(relPath) {
			ignored = !p.negated
		}
	}
	return ignored
}

func (p ignorePattern) matches(relPath string) bool {
	if p.anchored {
		return globMatch(p.pattern, relPath)
	}
	// Unanchored patterns match the full path or any suffix segment,
	// like gitignore's "match at any level".
	if globMatch(p.pattern, relPath) {
		return true
	}
	segments := strings.Split(relPath, "/")
	for i := range segments {
		if globMatch(p.pattern, strings.Join(segments[i:], "/")) {
			return true
		}
		if globMatch(p.pattern, segments[i]) {
			return true
		}
	}
	return false
}

// pathHasDirPrefix reports whether a dir-only pattern excludes relPath
// because one of its parent directories matches.
func pathHasDirPrefix(relPath string, p ignorePattern) bool {
	segments := strings.Split(relPath, "/")
	for i := 0; i < len(segments)-1; i++ {
		if globMatch(p.pattern, segments[i]) {
			return true
		}
		if globMatch(p.pattern, strings.Join(segments[:i+1], "/")) {
			return true
		}
	}
	return false
}

// globMatch wraps filepath.Match with support for the ** wildcard by
// collapsing it to a bare * over slash-separated paths.
func globMatch(pattern, name string) bool {
	if strings.Contains(pattern, "**") {
		return deepGlobMatch(pattern, name)
	}
	ok, err := filepath.Match(pattern, name)
	return err == nil && ok
}

func deepGlobMatch(pattern, name string) bool {
	parts := strings.SplitN(pattern, "**", 2)
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(name, strings.TrimSuffix(prefix, "/")) && prefix != "" {
		if ok, _ := filepath.Match(strings.TrimSuffix(prefix, "/"), name); !ok {
			return false
		}
	}
	if suffix == "" {
		return strings.HasPrefix(name, strings.TrimSuffix(prefix, "/"))
	}
	suffix = strings.TrimPrefix(suffix, "/")
	segments := strings.Split(name, "/")
	for i := range segments {
		if globMatch(suffix, strings.Join(segments[i:], "/")) {
			return true
		}
	}
	return false
}

// matchesAllowList reports whether a file passes the allow-list. A nil
// or empty list allows everything. Patterns match the base name or the
// root-relative path.
func matchesAllowList(relPath string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	base := filepath.Base(relPath)
	for _, pattern := range patterns {
		if globMatch(pattern, base) || globMatch(pattern, filepath.ToSlash(relPath)) {
			return true
		}
	}
	return false
}
