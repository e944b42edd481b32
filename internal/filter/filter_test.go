package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kissa/internal/repo"
)

func boolp(b bool) *bool { return &b }

func sampleRepo() *repo.Repo {
	last := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	return &repo.Repo{
		ID:        7,
		Name:      "tps",
		Path:      "/home/u/code/work/tps",
		State:     repo.StateActive,
		Dirty:     true,
		Untracked: true,
		Ahead:     2,
		Remotes:   []repo.Remote{{Name: "origin", URL: "git@github.com:initech/tps.git"}},
		Tags:      []string{"billing", "legacy"},
		Category:  repo.CategoryClone,
		Ownership: repo.Ownership{Kind: repo.OwnershipWork, Label: "initech"},
		Intention: repo.IntentionContributing,
		Project:   "tps-reports",
		LastCommit: func() *time.Time {
			t := last
			return &t
		}(),
	}
}

func TestMatchesConjunction(t *testing.T) {
	r := sampleRepo()
	env := Env{Now: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)}

	f := Filter{Dirty: boolp(true), Ownership: "work:initech"}
	assert.True(t, f.Matches(r, env))

	// Any failing predicate fails the conjunction.
	f = Filter{Dirty: boolp(true), Ownership: "work:hooli"}
	assert.False(t, f.Matches(r, env))

	f = Filter{Dirty: boolp(false)}
	assert.False(t, f.Matches(r, env))
}

func TestMatchesPredicates(t *testing.T) {
	r := sampleRepo()
	env := Env{
		Now:        time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		Duplicates: map[int64]bool{7: true},
	}

	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"zero matches all", Filter{}, true},
		{"unpushed", Filter{Unpushed: boolp(true)}, true},
		{"not orphan", Filter{Orphan: boolp(false)}, true},
		{"has_remote", Filter{HasRemote: boolp(true)}, true},
		{"duplicates", Filter{Duplicates: boolp(true)}, true},
		{"lost false", Filter{Lost: boolp(false)}, true},
		{"freshness active", Filter{Freshness: repo.FreshnessActive}, true},
		{"freshness stale", Filter{Freshness: repo.FreshnessStale}, false},
		{"org case-insensitive", Filter{Org: "Initech"}, true},
		{"path prefix", Filter{PathPrefix: "/home/u/code/work"}, true},
		{"path prefix miss", Filter{PathPrefix: "/srv"}, false},
		{"category", Filter{Category: repo.CategoryClone}, true},
		{"ownership kind only", Filter{Ownership: "work"}, true},
		{"intention", Filter{Intention: repo.IntentionContributing}, true},
		{"project", Filter{Project: "tps-reports"}, true},
		{"tags superset", Filter{Tags: []string{"billing"}}, true},
		{"tags missing", Filter{Tags: []string{"billing", "web"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.f.Matches(r, env))
		})
	}
}

func TestIsZero(t *testing.T) {
	assert.True(t, Filter{}.IsZero())
	assert.False(t, Filter{Dirty: boolp(false)}.IsZero())
	assert.False(t, Filter{Org: "x"}.IsZero())
	assert.False(t, Filter{Tags: []string{"a"}}.IsZero())
}

func TestCompile(t *testing.T) {
	f := Filter{
		Dirty:      boolp(true),
		Unpushed:   boolp(true),
		Lost:       boolp(false),
		PathPrefix: "/home/u",
		Ownership:  "work",
		Freshness:  repo.FreshnessActive,
		Org:        "initech",
	}
	clauses, args, residual := f.Compile()

	joined := ""
	for i, c := range clauses {
		if i > 0 {
			joined += " AND "
		}
		joined += c
	}
	assert.Contains(t, joined, "dirty = ?")
	assert.Contains(t, joined, "ahead > 0")
	assert.Contains(t, joined, "state != ?")
	assert.Contains(t, joined, "path LIKE ?")
	assert.Contains(t, joined, "ownership = ? OR ownership LIKE ?")
	assert.Len(t, args, 5)

	// Time- and graph-dependent predicates stay residual.
	assert.Equal(t, repo.FreshnessActive, residual.Freshness)
	assert.Equal(t, "initech", residual.Org)
	assert.Nil(t, residual.Dirty)
	assert.Empty(t, residual.PathPrefix)
}

func TestCompileExactOwnership(t *testing.T) {
	clauses, args, _ := Filter{Ownership: "work:initech"}.Compile()
	require.Len(t, clauses, 1)
	assert.Equal(t, "ownership = ?", clauses[0])
	assert.Equal(t, []any{"work:initech"}, args)
}

func TestParseMap(t *testing.T) {
	f, err := ParseMap(map[string]string{
		"dirty":     "true",
		"freshness": "stale",
		"ownership": "work:initech",
		"tags":      "billing, legacy",
	})
	require.NoError(t, err)
	require.NotNil(t, f.Dirty)
	assert.True(t, *f.Dirty)
	assert.Equal(t, repo.FreshnessStale, f.Freshness)
	assert.Equal(t, "work:initech", f.Ownership)
	assert.Equal(t, []string{"billing", "legacy"}, f.Tags)

	_, err = ParseMap(map[string]string{"dirty": "maybe"})
	assert.Error(t, err)

	_, err = ParseMap(map[string]string{"freshness": "crusty"})
	assert.Error(t, err)

	_, err = ParseMap(map[string]string{"color": "red"})
	assert.ErrorContains(t, err, "unknown predicate")

	f, err = ParseMap(nil)
	require.NoError(t, err)
	assert.True(t, f.IsZero())
}
