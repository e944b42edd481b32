package classify

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kissa/internal/config"
	"kissa/internal/repo"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Identity.Usernames = []string{"catlin"}
	cfg.Identity.WorkOrgs = map[string][]string{"acme": {"acme-corp", "acme-labs"}}
	cfg.Identity.CommunityOrgs = []string{"nixos"}
	return cfg
}

func nodeAt(path string, remotes ...repo.Remote) *repo.Repo {
	last := time.Now().Add(-2 * 24 * time.Hour)
	return &repo.Repo{
		Path:        path,
		Name:        filepath.Base(path),
		State:       repo.StateActive,
		BranchCount: 2,
		LastCommit:  &last,
		Remotes:     remotes,
	}
}

func daysAgo(n int) *time.Time {
	t := time.Now().Add(-time.Duration(n) * 24 * time.Hour)
	return &t
}

func TestManagerHeuristic(t *testing.T) {
	c := New(testConfig())

	// Even the user's own plugin checkout is third-party here: the
	// manager heuristic outranks identity inference.
	r := nodeAt("/home/u/.local/share/nvim/lazy/plenary.nvim",
		repo.Remote{Name: "origin", URL: "git@github.com:catlin/plenary.nvim.git"})
	c.Classify(r, Facts{})

	assert.Equal(t, "lazy.nvim", r.ManagedBy)
	assert.Equal(t, repo.IntentionDependency, r.Intention)
	assert.InDelta(t, ConfidenceStrong, r.IntentionConfidence, 1e-9)
	assert.Equal(t, repo.OwnershipThirdParty, r.Ownership.Kind)
}

func TestManagerHeuristicTable(t *testing.T) {
	cases := map[string]string{
		"/h/.local/share/nvim/lazy/x":              "lazy.nvim",
		"/h/.local/share/nvim/site/pack/p/start/x": "nvim-pack",
		"/h/.local/share/nvim/site/pack/p/opt/x":   "nvim-pack",
		"/h/.vim/plugged/x":                        "vim-plug",
		"/h/.cargo/git/checkouts/x":                "cargo",
		"/h/SuperCollider/downloaded-quarks/x":     "quarks",
		"/h/Documents/FreeCAD/Mod/x":               "freecad",
		"/h/86Box/roms":                            "86box",
		"/h/code/tool":                             "",
	}
	for path, want := range cases {
		assert.Equal(t, want, managerFor(path), path)
	}
}

func TestRulesFirstWriteWins(t *testing.T) {
	cfg := testConfig()
	cfg.Classify.Rules = []config.ClassifyRule{
		{
			Match: config.ClassifyMatch{Path: "/work/**"},
			Set:   config.ClassifySet{Intention: "developing", Tags: []string{"work"}},
		},
		{
			Match: config.ClassifyMatch{Path: "/work/api"},
			Set: config.ClassifySet{
				Intention: "reference",
				Ownership: "work:acme",
				Project:   "api-platform",
				Tags:      []string{"work", "api"},
			},
		},
	}
	c := New(cfg)

	r := nodeAt("/work/api",
		repo.Remote{Name: "origin", URL: "git@github.com:stranger/api.git"})
	tags := c.Classify(r, Facts{})

	assert.Equal(t, repo.IntentionDeveloping, r.Intention)
	assert.InDelta(t, ConfidenceRule, r.IntentionConfidence, 1e-9)
	assert.Equal(t, "work:acme", r.Ownership.String())
	assert.Equal(t, "api-platform", r.Project)
	assert.Equal(t, []string{"api", "work"}, tags)
}

func TestRuleMatchCriteria(t *testing.T) {
	cfg := testConfig()
	hasRemote := true
	cfg.Classify.Rules = []config.ClassifyRule{
		{
			Match: config.ClassifyMatch{Org: "acme-corp", HasRemote: &hasRemote, Name: "api-*"},
			Set:   config.ClassifySet{Intention: "archived"},
		},
	}
	c := New(cfg)

	matching := nodeAt("/code/api-gateway",
		repo.Remote{Name: "origin", URL: "git@github.com:acme-corp/api-gateway.git"})
	c.Classify(matching, Facts{})
	assert.Equal(t, repo.IntentionArchived, matching.Intention)

	wrongName := nodeAt("/code/site",
		repo.Remote{Name: "origin", URL: "git@github.com:acme-corp/site.git"})
	c.Classify(wrongName, Facts{})
	assert.NotEqual(t, repo.IntentionArchived, wrongName.Intention)

	noRemote := nodeAt("/code/api-local")
	c.Classify(noRemote, Facts{})
	assert.NotEqual(t, repo.IntentionArchived, noRemote.Intention)
}

func TestInferCategory(t *testing.T) {
	c := New(testConfig())

	bare := nodeAt("/code/mirror.git",
		repo.Remote{Name: "origin", URL: "git@github.com:x/y.git"})
	bare.Bare = true
	c.Classify(bare, Facts{})
	assert.Equal(t, repo.CategoryMirror, bare.Category)

	fork := nodeAt("/code/fork",
		repo.Remote{Name: "origin", URL: "git@github.com:catlin/tool.git"},
		repo.Remote{Name: "upstream", URL: "https://github.com/upstream/tool.git"})
	c.Classify(fork, Facts{})
	assert.Equal(t, repo.CategoryFork, fork.Category)

	clone := nodeAt("/code/clone",
		repo.Remote{Name: "origin", URL: "https://github.com/stranger/lib.git"})
	c.Classify(clone, Facts{})
	assert.Equal(t, repo.CategoryClone, clone.Category)

	origin := nodeAt("/code/mine",
		repo.Remote{Name: "origin", URL: "git@github.com:catlin/mine.git"})
	c.Classify(origin, Facts{})
	assert.Equal(t, repo.CategoryOrigin, origin.Category)

	local := nodeAt("/code/scratch")
	c.Classify(local, Facts{})
	assert.Equal(t, repo.CategoryOrigin, local.Category)

	// A bare checkout of the user's own fork is still a fork.
	bareFork := nodeAt("/code/fork.git",
		repo.Remote{Name: "origin", URL: "git@github.com:catlin/tool.git"},
		repo.Remote{Name: "upstream", URL: "https://github.com/upstream/tool.git"})
	bareFork.Bare = true
	c.Classify(bareFork, Facts{})
	assert.Equal(t, repo.CategoryFork, bareFork.Category)
}

func TestInferOwnership(t *testing.T) {
	c := New(testConfig())
	cases := []struct {
		name    string
		remotes []repo.Remote
		want    string
	}{
		{"local", nil, "local"},
		{"personal", []repo.Remote{{Name: "origin", URL: "git@github.com:catlin/x.git"}}, "personal"},
		{"work", []repo.Remote{{Name: "origin", URL: "git@github.com:acme-labs/x.git"}}, "work:acme"},
		{"community", []repo.Remote{{Name: "origin", URL: "https://github.com/nixos/nixpkgs.git"}}, "community"},
		{"third-party", []repo.Remote{{Name: "origin", URL: "https://github.com/stranger/x.git"}}, "third-party"},
	}
	for _, tc := range cases {
		r := nodeAt("/code/"+tc.name, tc.remotes...)
		c.Classify(r, Facts{})
		assert.Equal(t, tc.want, r.Ownership.String(), tc.name)
	}
}

func TestIntentionDotfiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".bashrc"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmux.conf"), []byte("x"), 0o644))

	c := New(testConfig())
	r := nodeAt(dir)
	c.Classify(r, Facts{})
	assert.Equal(t, repo.IntentionDotfiles, r.Intention)
	assert.InDelta(t, ConfidenceStrong, r.IntentionConfidence, 1e-9)
}

func TestIntentionInfrastructure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.tf"), []byte("x"), 0o644))

	c := New(testConfig())
	r := nodeAt(dir, repo.Remote{Name: "origin", URL: "git@github.com:stranger/infra.git"})
	c.Classify(r, Facts{})
	assert.Equal(t, repo.IntentionInfrastructure, r.Intention)
}

func TestIntentionDependency(t *testing.T) {
	c := New(testConfig())
	r := nodeAt("/code/lib",
		repo.Remote{Name: "origin", URL: "https://github.com/stranger/lib.git"})
	c.Classify(r, Facts{DependedOn: true})
	assert.Equal(t, repo.IntentionDependency, r.Intention)
	assert.InDelta(t, ConfidenceStrong, r.IntentionConfidence, 1e-9)
}

func TestIntentionContributing(t *testing.T) {
	c := New(testConfig())
	r := nodeAt("/code/fork",
		repo.Remote{Name: "origin", URL: "git@github.com:catlin/tool.git"},
		repo.Remote{Name: "upstream", URL: "https://github.com/upstream/tool.git"})
	r.Ahead = 2
	c.Classify(r, Facts{})
	assert.Equal(t, repo.IntentionContributing, r.Intention)
}

func TestIntentionDeveloping(t *testing.T) {
	c := New(testConfig())
	r := nodeAt("/code/mine",
		repo.Remote{Name: "origin", URL: "git@github.com:catlin/mine.git"})
	r.Dirty = true
	c.Classify(r, Facts{})
	assert.Equal(t, repo.IntentionDeveloping, r.Intention)
	assert.InDelta(t, ConfidenceHeuristic, r.IntentionConfidence, 1e-9)
}

func TestIntentionExperiment(t *testing.T) {
	c := New(testConfig())
	r := nodeAt("/code/scratch")
	r.BranchCount = 1
	r.LastCommit = daysAgo(60)
	c.Classify(r, Facts{})
	assert.Equal(t, repo.IntentionExperiment, r.Intention)
}

func TestIntentionArchived(t *testing.T) {
	c := New(testConfig())
	r := nodeAt("/code/old",
		repo.Remote{Name: "origin", URL: "https://github.com/stranger/old.git"})
	r.BranchCount = 1
	r.LastCommit = daysAgo(200)
	c.Classify(r, Facts{})
	assert.Equal(t, repo.IntentionArchived, r.Intention)
}

func TestIntentionReference(t *testing.T) {
	c := New(testConfig())
	r := nodeAt("/code/lib",
		repo.Remote{Name: "origin", URL: "https://github.com/stranger/lib.git"})
	r.BranchCount = 3
	r.LastCommit = daysAgo(10)
	c.Classify(r, Facts{})
	assert.Equal(t, repo.IntentionReference, r.Intention)
	assert.InDelta(t, ConfidenceFallback, r.IntentionConfidence, 1e-9)
}

func TestOverridesWin(t *testing.T) {
	c := New(testConfig())
	r := nodeAt("/home/u/.local/share/nvim/lazy/plenary.nvim",
		repo.Remote{Name: "origin", URL: "git@github.com:stranger/plenary.nvim.git"})
	c.Classify(r, Facts{Overrides: map[string]string{
		"intention": "reference",
		"category":  "fork",
		"ownership": "personal",
	}})

	assert.Equal(t, repo.IntentionReference, r.Intention)
	assert.True(t, r.IntentionOverride)
	assert.InDelta(t, ConfidenceRule, r.IntentionConfidence, 1e-9)
	assert.Equal(t, repo.CategoryFork, r.Category)
	assert.True(t, r.CategoryOverride)
	assert.Equal(t, repo.OwnershipPersonal, r.Ownership.Kind)
	assert.True(t, r.OwnershipOverride)
	// managed_by still comes from the heuristic.
	assert.Equal(t, "lazy.nvim", r.ManagedBy)
}

func TestBadOverrideIgnored(t *testing.T) {
	c := New(testConfig())
	r := nodeAt("/code/lib",
		repo.Remote{Name: "origin", URL: "https://github.com/stranger/lib.git"})
	c.Classify(r, Facts{Overrides: map[string]string{"intention": "bogus"}})

	assert.False(t, r.IntentionOverride)
	assert.NotEqual(t, repo.Intention("bogus"), r.Intention)
}

func TestReapplyConverges(t *testing.T) {
	c := New(testConfig())
	r := nodeAt("/code/mine",
		repo.Remote{Name: "origin", URL: "git@github.com:catlin/mine.git"})
	r.Dirty = true

	c.Classify(r, Facts{})
	first := *r
	c.Classify(r, Facts{})
	assert.Equal(t, first.Category, r.Category)
	assert.Equal(t, first.Ownership, r.Ownership)
	assert.Equal(t, first.Intention, r.Intention)
	assert.Equal(t, first.ManagedBy, r.ManagedBy)
}
