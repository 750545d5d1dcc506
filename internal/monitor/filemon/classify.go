package filemon

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/src-d/enry/v2"
)

// defaultIgnores covers dependency trees, build outputs, VCS metadata,
// editor droppings, and logs. User patterns append to this list.
var defaultIgnores = []string{
	"**/.git/**",
	"**/.git",
	"**/node_modules/**",
	"**/vendor/**",
	"**/dist/**",
	"**/out/**",
	"**/target/**",
	"**/__pycache__/**",
	"**/.idea/**",
	"**/.vscode/**",
	"**/coverage/**",
	"**/*.log",
	"**/.DS_Store",
	"**/*.swp",
	"**/*.tmp",
	"**/*~",
}

// ignorer matches relative paths against a glob list.
type ignorer struct {
	patterns []string
}

func newIgnorer(extra []string) *ignorer {
	patterns := make([]string, 0, len(defaultIgnores)+len(extra))
	patterns = append(patterns, defaultIgnores...)
	patterns = append(patterns, extra...)

	return &ignorer{patterns: patterns}
}

// matches reports whether the slash-separated relative path is ignored.
func (ig *ignorer) matches(rel string) bool {
	rel = filepath.ToSlash(rel)

	for _, pattern := range ig.patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}

	return false
}

// Context tags attached to file events. Tags are hints for the
// analyzers, not gates.
const (
	TagSource = "source"
	TagTest   = "test"
	TagConfig = "config"
	TagDocs   = "docs"
	TagBuild  = "build"
)

// configNames are exact filenames that mark configuration regardless of
// extension.
var configNames = map[string]struct{}{
	".env":             {},
	".editorconfig":    {},
	".gitignore":       {},
	".golangci.yml":    {},
	".golangci.yaml":   {},
	"go.mod":           {},
	"go.sum":           {},
	"package.json":     {},
	"tsconfig.json":    {},
	"pyproject.toml":   {},
	"requirements.txt": {},
}

// buildNames are exact filenames that mark build tooling.
var buildNames = map[string]struct{}{
	"Makefile":       {},
	"Dockerfile":     {},
	"Jenkinsfile":    {},
	"CMakeLists.txt": {},
	"pom.xml":        {},
	"build.gradle":   {},
}

// contextTag classifies a relative path into one of the five context
// tags. Order matters: tests win over source, exact names win over
// extensions.
func contextTag(rel string) string {
	rel = filepath.ToSlash(rel)
	base := filepath.Base(rel)

	if isTestPath(rel, base) {
		return TagTest
	}

	if _, ok := buildNames[base]; ok {
		return TagBuild
	}

	if strings.HasPrefix(rel, ".github/workflows/") || strings.HasSuffix(base, ".mk") {
		return TagBuild
	}

	if _, ok := configNames[base]; ok {
		return TagConfig
	}

	switch filepath.Ext(base) {
	case ".yaml", ".yml", ".toml", ".ini", ".conf":
		return TagConfig
	case ".md", ".rst", ".adoc":
		return TagDocs
	}

	if hasSegment(rel, "docs") || hasSegment(rel, "doc") {
		return TagDocs
	}

	return TagSource
}

func isTestPath(rel, base string) bool {
	if strings.HasSuffix(base, "_test.go") ||
		strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.") ||
		strings.HasSuffix(base, "_spec.rb") ||
		strings.HasSuffix(base, ".feature") {
		return true
	}

	return hasSegment(rel, "test") || hasSegment(rel, "tests") || hasSegment(rel, "__tests__") || hasSegment(rel, "spec")
}

func hasSegment(rel, segment string) bool {
	for _, part := range strings.Split(rel, "/") {
		if part == segment {
			return true
		}
	}

	return false
}

// detectLanguage names the programming language of a file, or empty
// when unknown. Content may be nil; enry then decides by filename only.
func detectLanguage(path string, content []byte) string {
	return enry.GetLanguage(filepath.Base(path), content)
}
