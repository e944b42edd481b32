package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kissa/internal/errs"
	"kissa/internal/repo"
)

func newTestGate() *Gate {
	return New(Options{
		CLIDefault:        Commit,
		AgentDefault:      Readonly,
		ProtectedBranches: []string{"main", "master", "production", "release/*"},
		ScanRoots:         []string{"/home/u/code"},
		Overrides: []Override{
			{Glob: "/home/u/code/work/**", Level: Fetch},
			{Glob: "/home/u/code/work/sandbox/**", Level: Unsafe},
		},
	})
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("force")
	require.NoError(t, err)
	assert.Equal(t, Force, l)

	// Cat-mode names parse back to the same levels.
	l, err = ParseLevel("zoomies")
	require.NoError(t, err)
	assert.Equal(t, Force, l)

	_, err = ParseLevel("yolo")
	assert.Error(t, err)
}

func TestLevelDisplay(t *testing.T) {
	assert.Equal(t, "readonly", Readonly.Display(false))
	assert.Equal(t, "napping", Readonly.Display(true))
	assert.Equal(t, "knocking-things-off-the-counter", Unsafe.Display(true))
	assert.True(t, Unsafe.Allows(Readonly))
	assert.False(t, Readonly.Allows(Fetch))
}

func TestEffectiveLevel(t *testing.T) {
	g := newTestGate()

	assert.Equal(t, Commit, g.EffectiveLevel(SurfaceCLI, "/home/u/code/misc/foo"))
	assert.Equal(t, Readonly, g.EffectiveLevel(SurfaceAgent, "/home/u/code/misc/foo"))

	// Override applies on both surfaces.
	assert.Equal(t, Fetch, g.EffectiveLevel(SurfaceCLI, "/home/u/code/work/api"))
	assert.Equal(t, Fetch, g.EffectiveLevel(SurfaceAgent, "/home/u/code/work/api"))

	// Longest matching glob wins.
	assert.Equal(t, Unsafe, g.EffectiveLevel(SurfaceAgent, "/home/u/code/work/sandbox/x"))
}

func TestEffectiveLevelFromEnrichment(t *testing.T) {
	g := newTestGate()

	// The level a repo's enrichment file declares replaces the surface
	// default, so an agent can work at commit level in a repo that asks
	// for it.
	r := &repo.Repo{Path: "/home/u/code/misc/foo", Difficulty: "commit"}
	assert.Equal(t, Commit, g.EffectiveLevelFor(SurfaceAgent, r.Path, r))
	assert.NoError(t, g.Check(Request{Surface: SurfaceAgent, Op: "exec push", Min: Commit, Repo: r}))

	// A configured path override still wins over the file's value.
	r2 := &repo.Repo{Path: "/home/u/code/work/api", Difficulty: "unsafe"}
	assert.Equal(t, Fetch, g.EffectiveLevelFor(SurfaceCLI, r2.Path, r2))
	err := g.Check(Request{Surface: SurfaceCLI, Op: "exec push", Min: Commit, Repo: r2})
	require.Error(t, err)

	// An unparsable declared level falls back to the surface default.
	r3 := &repo.Repo{Path: "/home/u/code/misc/foo", Difficulty: "yolo"}
	assert.Equal(t, Readonly, g.EffectiveLevelFor(SurfaceAgent, r3.Path, r3))
}

func TestCheckDifficulty(t *testing.T) {
	g := newTestGate()
	r := &repo.Repo{Path: "/home/u/code/misc/foo"}

	err := g.Check(Request{Surface: SurfaceAgent, Op: "exec push", Min: Commit, Repo: r})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindPermissionDenied))
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "difficulty", e.Detail("rule"))
	assert.Equal(t, "commit", e.Detail("required"))

	assert.NoError(t, g.Check(Request{Surface: SurfaceCLI, Op: "exec push", Min: Commit, Repo: r}))
}

func TestCheckOutsideRoots(t *testing.T) {
	g := newTestGate()
	r := &repo.Repo{Path: "/etc/passwd-repo"}

	err := g.Check(Request{Surface: SurfaceCLI, Op: "move", Min: Readonly, Repo: r})
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "outside-scan-roots", e.Detail("rule"))
}

func TestGuardRailUnpushedDelete(t *testing.T) {
	g := newTestGate()
	r := &repo.Repo{Path: "/home/u/code/foo", Ahead: 3}

	err := g.Check(Request{Surface: SurfaceCLI, Op: "delete", Min: Unsafe, Repo: r, Delete: true, Destructive: true})
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	// CLI default is commit, so difficulty fires before the rail.
	assert.Equal(t, "difficulty", e.Detail("rule"))

	// At sufficient level the unpushed rail still blocks.
	g2 := New(Options{CLIDefault: Unsafe, AgentDefault: Readonly, ScanRoots: []string{"/home/u/code"}})
	err = g2.Check(Request{Surface: SurfaceCLI, Op: "delete", Min: Unsafe, Repo: r, Delete: true, Destructive: true})
	require.Error(t, err)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "unpushed-delete", e.Detail("rule"))

	// Confirmation clears it.
	assert.NoError(t, g2.Check(Request{Surface: SurfaceCLI, Op: "delete", Min: Unsafe, Repo: r, Delete: true, Destructive: true, Confirmed: true}))
}

func TestGuardRailProtectedBranch(t *testing.T) {
	g := New(Options{
		CLIDefault:        Unsafe,
		AgentDefault:      Readonly,
		ProtectedBranches: []string{"main", "release/*"},
		ScanRoots:         []string{"/home/u/code"},
	})
	r := &repo.Repo{Path: "/home/u/code/foo", CurrentBranch: "main"}

	err := g.Check(Request{Surface: SurfaceCLI, Op: "exec push --force", Min: Force, Repo: r, ForcePush: true})
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "protected-branch", e.Detail("rule"))
	assert.Equal(t, "main", e.Detail("branch"))

	// Glob patterns protect too.
	err = g.Check(Request{Surface: SurfaceCLI, Op: "exec push --force", Min: Force, Repo: r, ForcePush: true, Branch: "release/2.1"})
	require.Error(t, err)

	// Unprotected branches force-push without confirmation.
	assert.NoError(t, g.Check(Request{Surface: SurfaceCLI, Op: "exec push --force", Min: Force, Repo: r, ForcePush: true, Branch: "topic/wip"}))

	// Confirmation overrides.
	assert.NoError(t, g.Check(Request{Surface: SurfaceCLI, Op: "exec push --force", Min: Force, Repo: r, ForcePush: true, Confirmed: true}))
}

func TestGuardRailImportantUntracked(t *testing.T) {
	g := New(Options{CLIDefault: Unsafe, AgentDefault: Readonly, ScanRoots: []string{"/home/u/code"}})
	r := &repo.Repo{Path: "/home/u/code/foo", Untracked: true}

	err := g.Check(Request{
		Surface: SurfaceCLI, Op: "exec clean", Min: Unsafe, Repo: r,
		Clean: true, Untracked: []string{"notes.md", "server.log"},
	})
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "important-untracked", e.Detail("rule"))
	assert.Equal(t, []string{"notes.md"}, e.Detail("files"))

	// All-generated untracked files clean without confirmation.
	assert.NoError(t, g.Check(Request{
		Surface: SurfaceCLI, Op: "exec clean", Min: Unsafe, Repo: r,
		Clean: true, Untracked: []string{"server.log", "node_modules/"},
	}))
}

func TestAlwaysConfirmDestructive(t *testing.T) {
	g := New(Options{CLIDefault: Unsafe, AgentDefault: Readonly, ScanRoots: []string{"/home/u/code"}, ConfirmDestructive: true})
	r := &repo.Repo{Path: "/home/u/code/foo"}

	err := g.Check(Request{Surface: SurfaceCLI, Op: "exec gc", Min: Unsafe, Repo: r, Destructive: true})
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "confirm-destructive", e.Detail("rule"))

	assert.NoError(t, g.Check(Request{Surface: SurfaceCLI, Op: "exec gc", Min: Unsafe, Repo: r, Destructive: true, Confirmed: true}))
}

func TestClassifyGitArgs(t *testing.T) {
	cases := []struct {
		args []string
		min  Level
	}{
		{[]string{"status"}, Readonly},
		{[]string{"log", "--oneline"}, Readonly},
		{[]string{"-C", "/x", "diff"}, Readonly},
		{[]string{"fetch", "origin"}, Fetch},
		{[]string{"remote", "update"}, Fetch},
		{[]string{"remote", "-v"}, Readonly},
		{[]string{"pull"}, Commit},
		{[]string{"commit", "-m", "x"}, Commit},
		{[]string{"push", "origin", "main"}, Commit},
		{[]string{"branch"}, Readonly},
		{[]string{"branch", "-D", "topic"}, Force},
		{[]string{"stash", "list"}, Readonly},
		{[]string{"stash", "pop"}, Commit},
		{[]string{"clean", "-fdx"}, Unsafe},
		{[]string{"reset", "--hard", "HEAD~1"}, Unsafe},
		{[]string{"reset", "HEAD~1"}, Commit},
		{[]string{"gc"}, Unsafe},
		{[]string{"frobnicate"}, Commit}, // unknown
	}
	for _, tc := range cases {
		got := ClassifyGitArgs(tc.args)
		assert.Equal(t, tc.min, got.Min, "args %v", tc.args)
	}
}

func TestClassifyGitArgsForcePush(t *testing.T) {
	p := ClassifyGitArgs([]string{"push", "--force", "origin", "main"})
	assert.Equal(t, Force, p.Min)
	assert.True(t, p.ForcePush)
	assert.Equal(t, "main", p.Branch)

	p = ClassifyGitArgs([]string{"push", "-f", "origin", "HEAD:production"})
	assert.True(t, p.ForcePush)
	assert.Equal(t, "production", p.Branch)

	p = ClassifyGitArgs([]string{"push", "--force-with-lease", "origin", "+refs/heads/release/1.0"})
	assert.True(t, p.ForcePush)
	assert.Equal(t, "release/1.0", p.Branch)

	// Bare force push names no branch; the gate falls back to the
	// repo's current branch.
	p = ClassifyGitArgs([]string{"push", "--force"})
	assert.True(t, p.ForcePush)
	assert.Empty(t, p.Branch)
}

func TestClassifyGitArgsCleanFlags(t *testing.T) {
	p := ClassifyGitArgs([]string{"clean", "-fdx"})
	assert.True(t, p.Clean)
	assert.True(t, p.Destructive)
}
