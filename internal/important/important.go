// Package important decides whether untracked files look important.
// The destructive-clean guard rail refuses to proceed without
// confirmation when a repo's untracked files include anything that does
// not match the generated-file patterns below.
package important

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// pattern is one generated-file rule with gitignore-style properties.
type pattern struct {
	glob     string
	negated  bool
	dirOnly  bool
	anchored bool // starts with / and matches from the repo root only
}

// Matcher classifies relative paths as generated or important.
type Matcher struct {
	patterns []pattern
}

// NewMatcher returns a matcher loaded with the default generated-file
// patterns.
func NewMatcher() *Matcher {
	m := &Matcher{}
	m.Add(defaultGenerated)
	return m
}

// Add appends gitignore-style pattern lines. Empty lines and comments
// are skipped; a leading "!" negates, a trailing "/" restricts to
// directories, a leading "/" anchors to the root.
func (m *Matcher) Add(lines []string) {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p := pattern{}
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
		if !p.anchored && !strings.Contains(line, "/") {
			line = "**/" + line
		}
		p.glob = line
		m.patterns = append(m.patterns, p)
	}
}

// Generated reports whether a path relative to the repo root matches a
// generated-file pattern.
func (m *Matcher) Generated(rel string, isDir bool) bool {
	rel = filepath.ToSlash(rel)
	rel = strings.TrimPrefix(rel, "./")

	generated := false
	for _, p := range m.patterns {
		if p.dirOnly && !isDir {
			if matchParentDir(p.glob, rel) {
				generated = !p.negated
			}
			continue
		}
		if matchGlob(p.glob, rel) {
			generated = !p.negated
		}
	}
	return generated
}

// Important is the guard-rail predicate: anything not generated.
func (m *Matcher) Important(rel string, isDir bool) bool {
	return !m.Generated(rel, isDir)
}

// FilterImportant returns the subset of untracked paths that look
// important. Paths ending in "/" are treated as directories.
func (m *Matcher) FilterImportant(paths []string) []string {
	var out []string
	for _, p := range paths {
		isDir := strings.HasSuffix(p, "/")
		if m.Important(strings.TrimSuffix(p, "/"), isDir) {
			out = append(out, p)
		}
	}
	return out
}

// matchParentDir reports whether any parent directory of a file path
// matches a directory-only glob.
func matchParentDir(glob, path string) bool {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if matchGlob(glob, strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return false
}

func matchGlob(glob, path string) bool {
	if ok, _ := doublestar.Match(glob, path); ok {
		return true
	}
	// A bare directory pattern also covers everything beneath it.
	if !strings.HasSuffix(glob, "/**") {
		if ok, _ := doublestar.Match(glob+"/**", path); ok {
			return true
		}
	}
	return false
}

// defaultGenerated lists files and directories that tooling regenerates:
// losing them to a recursive clean costs nothing. Everything else is
// treated as important.
var defaultGenerated = []string{
	// OS and editor droppings
	".DS_Store",
	"Thumbs.db",
	"Desktop.ini",
	"*.swp",
	"*.swo",
	"*~",
	".idea/",
	".vscode/",

	// build outputs
	"build/",
	"dist/",
	"out/",
	"target/",
	"bin/",
	"obj/",
	"*.o",
	"*.a",
	"*.so",
	"*.dylib",
	"*.dll",
	"*.exe",
	"*.class",
	"*.pyc",
	"__pycache__/",
	"*.egg-info/",

	// caches and scratch
	"node_modules/",
	".cache/",
	".venv/",
	"venv/",
	".tox/",
	".pytest_cache/",
	".mypy_cache/",
	".ruff_cache/",
	"coverage/",
	".coverage",
	"*.log",
	"*.tmp",
	"*.temp",
	"logs/",
	"tmp/",

	// regenerable lockfiles
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"Cargo.lock",
	"poetry.lock",
	"Pipfile.lock",
	"go.sum",
}
