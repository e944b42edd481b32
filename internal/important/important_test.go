package important

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerated(t *testing.T) {
	m := NewMatcher()

	cases := []struct {
		path      string
		isDir     bool
		generated bool
	}{
		{"main.go", false, false},
		{"notes.md", false, false},
		{".env", false, false},
		{"src/secret-keys.txt", false, false},
		{".DS_Store", false, true},
		{"deep/nested/.DS_Store", false, true},
		{"server.log", false, true},
		{"node_modules", true, true},
		{"node_modules/left-pad/index.js", false, true},
		{"target/debug/kissa", false, true},
		{"build", true, true},
		{"foo.swp", false, true},
		{"Cargo.lock", false, true},
		{"pkg/__pycache__/mod.pyc", false, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.generated, m.Generated(tc.path, tc.isDir), "path %q", tc.path)
		assert.Equal(t, !tc.generated, m.Important(tc.path, tc.isDir), "path %q", tc.path)
	}
}

func TestFilterImportant(t *testing.T) {
	m := NewMatcher()
	untracked := []string{
		"src/new_feature.go",
		"node_modules/",
		"scratch.log",
		"README.draft.md",
		".env",
	}
	got := m.FilterImportant(untracked)
	assert.Equal(t, []string{"src/new_feature.go", "README.draft.md", ".env"}, got)
}

func TestNegationAndAnchoring(t *testing.T) {
	m := NewMatcher()
	m.Add([]string{"!important.log", "/rootonly.txt"})

	// Negation rescues a path an earlier pattern classified as generated.
	assert.False(t, m.Generated("important.log", false))
	assert.True(t, m.Generated("other.log", false))

	// Anchored patterns match at the root only.
	assert.True(t, m.Generated("rootonly.txt", false))
	assert.False(t, m.Generated("sub/rootonly.txt", false))
}

func TestAddSkipsCommentsAndBlanks(t *testing.T) {
	m := &Matcher{}
	m.Add([]string{"", "# comment", "  ", "*.bak"})
	assert.True(t, m.Generated("old.bak", false))
	assert.False(t, m.Generated("# comment", false))
}
