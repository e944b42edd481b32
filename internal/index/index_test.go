package index

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kissa/internal/errs"
	"kissa/internal/filter"
	"kissa/internal/repo"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kissa", "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRepo(path, name string) *repo.Repo {
	last := time.Now().Add(-48 * time.Hour).UTC().Truncate(time.Second)
	return &repo.Repo{
		Path:          path,
		Name:          name,
		State:         repo.StateActive,
		DefaultBranch: "main",
		CurrentBranch: "main",
		BranchCount:   2,
		LastCommit:    &last,
		Languages:     []string{"go", "markdown"},
		Remotes: []repo.Remote{
			{Name: "origin", URL: "git@github.com:acme/" + name + ".git"},
		},
	}
}

func boolPtr(b bool) *bool { return &b }

func TestOpenMigratesToLatest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	s, err := Open(path)
	require.NoError(t, err)
	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
	require.NoError(t, s.Close())

	// Reopening an up-to-date store is a no-op.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	v, err = s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	verdict, err := s.IntegrityCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", verdict)
}

func TestUpsertVitalsInsertAndRefresh(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	r := sampleRepo("/home/u/code/tool", "tool")
	require.NoError(t, s.UpsertVitals(ctx, r))
	assert.NotZero(t, r.ID)
	assert.False(t, r.FirstSeen.IsZero())

	firstSeen := r.FirstSeen
	firstID := r.ID

	// Classification written between scans must survive a refresh.
	r.Category = repo.CategoryOrigin
	r.Ownership = repo.Ownership{Kind: repo.OwnershipWork, Label: "acme"}
	r.Intention = repo.IntentionDeveloping
	r.IntentionConfidence = 0.9
	r.ManagedBy = ""
	require.NoError(t, s.UpdateClassification(ctx, r))

	refreshed := sampleRepo("/home/u/code/tool", "tool")
	refreshed.Dirty = true
	refreshed.Ahead = 3
	refreshed.Generation = 7
	require.NoError(t, s.UpsertVitals(ctx, refreshed))
	assert.Equal(t, firstID, refreshed.ID)
	assert.Equal(t, firstSeen, refreshed.FirstSeen)

	got, err := s.GetByID(ctx, firstID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Dirty)
	assert.Equal(t, 3, got.Ahead)
	assert.Equal(t, int64(7), got.Generation)
	assert.Equal(t, repo.CategoryOrigin, got.Category)
	assert.Equal(t, "work:acme", got.Ownership.String())
	assert.Equal(t, repo.IntentionDeveloping, got.Intention)
	assert.InDelta(t, 0.9, got.IntentionConfidence, 1e-9)
	assert.Equal(t, []string{"go", "markdown"}, got.Languages)
	require.Len(t, got.Remotes, 1)
	assert.Equal(t, "git@github.com:acme/tool.git", got.Remotes[0].URL)
	require.NotNil(t, got.LastCommit)
}

func TestGetByPathMissing(t *testing.T) {
	s := openStore(t)
	got, err := s.GetByPath(context.Background(), "/nowhere")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolve(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, name := range []string{"kissa", "kissa-site", "grove"} {
		require.NoError(t, s.UpsertVitals(ctx, sampleRepo("/code/"+name, name)))
	}

	got, err := s.Resolve(ctx, "grove")
	require.NoError(t, err)
	assert.Equal(t, "/code/grove", got.Path)

	// Exact match wins over the prefix it shares with kissa-site.
	got, err = s.Resolve(ctx, "kissa")
	require.NoError(t, err)
	assert.Equal(t, "/code/kissa", got.Path)

	got, err = s.Resolve(ctx, "kissa-s")
	require.NoError(t, err)
	assert.Equal(t, "/code/kissa-site", got.Path)

	got, err = s.Resolve(ctx, "rove")
	require.NoError(t, err)
	assert.Equal(t, "/code/grove", got.Path)

	_, err = s.Resolve(ctx, "kiss")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindIndexConflict))
	assert.Contains(t, err.Error(), "/code/kissa-site")

	_, err = s.Resolve(ctx, "zsh")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUnknownRepo))

	got, err = s.Resolve(ctx, "/code/grove")
	require.NoError(t, err)
	assert.Equal(t, "grove", got.Name)

	_, err = s.Resolve(ctx, "/code/gone")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindUnknownRepo))
}

func TestListReposFilters(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	dirty := sampleRepo("/code/dirty", "dirty")
	dirty.Dirty = true
	require.NoError(t, s.UpsertVitals(ctx, dirty))

	clean := sampleRepo("/code/clean", "clean")
	require.NoError(t, s.UpsertVitals(ctx, clean))

	orphan := sampleRepo("/code/orphan", "orphan")
	orphan.Remotes = nil
	require.NoError(t, s.UpsertVitals(ctx, orphan))

	all, err := s.ListRepos(ctx, filter.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	got, err := s.ListRepos(ctx, filter.Filter{Dirty: boolPtr(true)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "dirty", got[0].Name)

	// Orphan is a residual predicate evaluated on hydrated nodes.
	got, err = s.ListRepos(ctx, filter.Filter{Orphan: boolPtr(true)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "orphan", got[0].Name)
}

func TestDuplicateGroups(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := sampleRepo("/code/tool", "tool")
	b := sampleRepo("/backup/tool", "tool")
	b.Remotes = []repo.Remote{{Name: "origin", URL: "https://github.com/acme/tool.git"}}
	c := sampleRepo("/code/other", "other")

	require.NoError(t, s.UpsertVitals(ctx, a))
	require.NoError(t, s.UpsertVitals(ctx, b))
	require.NoError(t, s.UpsertVitals(ctx, c))

	groups, err := s.DuplicateGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.ElementsMatch(t, []int64{a.ID, b.ID}, groups["github.com/acme/tool"])

	ids, err := s.DuplicateIDs(ctx)
	require.NoError(t, err)
	assert.True(t, ids[a.ID])
	assert.True(t, ids[b.ID])
	assert.False(t, ids[c.ID])

	dup, err := s.ListRepos(ctx, filter.Filter{Duplicates: boolPtr(true)})
	require.NoError(t, err)
	assert.Len(t, dup, 2)
}

func TestMarkLostUnder(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	stale := sampleRepo("/code/stale", "stale")
	stale.Generation = 1
	require.NoError(t, s.UpsertVitals(ctx, stale))

	fresh := sampleRepo("/code/fresh", "fresh")
	fresh.Generation = 2
	require.NoError(t, s.UpsertVitals(ctx, fresh))

	outside := sampleRepo("/elsewhere/old", "old")
	outside.Generation = 1
	require.NoError(t, s.UpsertVitals(ctx, outside))

	n, err := s.MarkLostUnder(ctx, "/code", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.StateLost, got.State)

	got, err = s.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.StateActive, got.State)

	got, err = s.GetByID(ctx, outside.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.StateActive, got.State)

	// Finding the repo again revives it.
	require.NoError(t, s.UpdatePath(ctx, stale.ID, "/code/renamed"))
	got, err = s.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.StateActive, got.State)
	assert.Equal(t, "/code/renamed", got.Path)
}

func TestMarkStateSeenSurvivesLostSweep(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	slow := sampleRepo("/code/slow", "slow")
	require.NoError(t, s.UpsertVitals(ctx, slow))

	// A timeout marked with the current generation is a node the walk
	// visited; the sweep must not flip it to lost.
	require.NoError(t, s.MarkStateSeen(ctx, slow.ID, repo.StateTimeout, 1))
	n, err := s.MarkLostUnder(ctx, "/code", 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.GetByID(ctx, slow.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.StateTimeout, got.State)
	assert.Equal(t, int64(1), got.Generation)
}

func TestUpdatePathConflict(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := sampleRepo("/code/a", "a")
	b := sampleRepo("/code/b", "b")
	require.NoError(t, s.UpsertVitals(ctx, a))
	require.NoError(t, s.UpsertVitals(ctx, b))

	err := s.UpdatePath(ctx, a.ID, "/code/b")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindIndexConflict))
}

func TestTags(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	r := sampleRepo("/code/tool", "tool")
	require.NoError(t, s.UpsertVitals(ctx, r))

	require.NoError(t, s.AddTags(ctx, r.ID, "cli", "wip"))
	require.NoError(t, s.AddTags(ctx, r.ID, "cli")) // dedup

	got, err := s.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"cli", "wip"}, got.Tags)

	require.NoError(t, s.RemoveTag(ctx, r.ID, "wip"))
	got, err = s.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"cli"}, got.Tags)
}

func TestEdges(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	parent := sampleRepo("/code/parent", "parent")
	child := sampleRepo("/code/parent/vendor/child", "child")
	require.NoError(t, s.UpsertVitals(ctx, parent))
	require.NoError(t, s.UpsertVitals(ctx, child))

	e := repo.Edge{SourceID: parent.ID, TargetID: child.ID, Type: repo.EdgeNested}
	require.NoError(t, s.InsertEdge(ctx, e))
	require.NoError(t, s.InsertEdge(ctx, e)) // idempotent

	from, err := s.EdgesFrom(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, repo.EdgeNested, from[0].Type)

	to, err := s.EdgesTo(ctx, child.ID)
	require.NoError(t, err)
	assert.Len(t, to, 1)

	both, err := s.EdgesFor(ctx, child.ID)
	require.NoError(t, err)
	assert.Len(t, both, 1)

	require.NoError(t, s.ReplaceEdgesFrom(ctx, parent.ID, []repo.Edge{
		{TargetID: child.ID, Type: repo.EdgeDependsOn, Detail: "go.mod:12"},
	}))
	from, err = s.EdgesFrom(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, from, 1)
	assert.Equal(t, repo.EdgeDependsOn, from[0].Type)
	assert.Equal(t, "go.mod:12", from[0].Detail)

	require.NoError(t, s.DeleteEdgesOfType(ctx, repo.EdgeDependsOn))
	from, err = s.EdgesFrom(ctx, parent.ID)
	require.NoError(t, err)
	assert.Empty(t, from)
}

func TestEdgesCascadeOnDelete(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := sampleRepo("/code/a", "a")
	b := sampleRepo("/code/b", "b")
	require.NoError(t, s.UpsertVitals(ctx, a))
	require.NoError(t, s.UpsertVitals(ctx, b))
	require.NoError(t, s.InsertEdge(ctx, repo.Edge{SourceID: a.ID, TargetID: b.ID, Type: repo.EdgeSibling}))
	require.NoError(t, s.AddTags(ctx, a.ID, "keep"))

	require.NoError(t, s.Delete(ctx, a.ID))

	edges, err := s.EdgesFor(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestScanRecords(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	last, err := s.LastScan(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	id, err := s.BeginScan(ctx, "full", []string{"/code"})
	require.NoError(t, err)
	require.NoError(t, s.FinishScan(ctx, id, 10, 2, 1, 0))

	last, err = s.LastScan(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, id, last.ID)
	assert.Equal(t, "full", last.Tier)
	assert.Equal(t, []string{"/code"}, last.Roots)
	assert.Equal(t, 10, last.Seen)
	assert.Equal(t, 2, last.Added)
	assert.Equal(t, 1, last.Lost)
	require.NotNil(t, last.FinishedAt)

	recs, err := s.ListScans(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestPlanRecords(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	p := &PlanRecord{
		ID:      "0192aa00-0000-7000-8000-000000000001",
		Status:  "pending",
		Pattern: "platform",
		Actions: json.RawMessage(`[{"kind":"move","from":"/a","to":"/b"}]`),
	}
	require.NoError(t, s.SavePlan(ctx, p))

	got, err := s.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, "platform", got.Pattern)
	assert.JSONEq(t, string(p.Actions), string(got.Actions))
	assert.Nil(t, got.AppliedAt)

	latest, err := s.LatestPlan(ctx, "pending")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, p.ID, latest.ID)

	require.NoError(t, s.UpdatePlan(ctx, p.ID, "applied",
		json.RawMessage(`[{"kind":"move","ok":true}]`)))
	got, err = s.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "applied", got.Status)
	require.NotNil(t, got.AppliedAt)

	latest, err = s.LatestPlan(ctx, "pending")
	require.NoError(t, err)
	assert.Nil(t, latest)

	missing, err := s.GetPlan(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestOverrides(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	r := sampleRepo("/code/tool", "tool")
	require.NoError(t, s.UpsertVitals(ctx, r))

	require.NoError(t, s.SetOverride(ctx, r.ID, "intention", "reference"))
	require.NoError(t, s.SetOverride(ctx, r.ID, "intention", "archived")) // replace
	require.NoError(t, s.SetOverride(ctx, r.ID, "category", "fork"))

	got, err := s.Overrides(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"intention": "archived", "category": "fork"}, got)

	require.NoError(t, s.ClearOverride(ctx, r.ID, "category"))
	got, err = s.Overrides(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"intention": "archived"}, got)
}

func TestSummarize(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	dirty := sampleRepo("/code/dirty", "dirty")
	dirty.Dirty = true
	dirty.Ahead = 2
	require.NoError(t, s.UpsertVitals(ctx, dirty))
	dirty.Category = repo.CategoryOrigin
	dirty.Ownership = repo.Ownership{Kind: repo.OwnershipPersonal}
	dirty.Intention = repo.IntentionDeveloping
	require.NoError(t, s.UpdateClassification(ctx, dirty))

	clean := sampleRepo("/code/clean", "clean")
	require.NoError(t, s.UpsertVitals(ctx, clean))

	id, err := s.BeginScan(ctx, "full", []string{"/code"})
	require.NoError(t, err)
	require.NoError(t, s.FinishScan(ctx, id, 2, 2, 0, 0))

	sum, err := s.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Dirty)
	assert.Equal(t, 1, sum.Unpushed)
	assert.Equal(t, 2, sum.ByState["active"])
	assert.Equal(t, 1, sum.ByCategory["origin"])
	assert.Equal(t, 1, sum.ByIntention["developing"])
	require.NotNil(t, sum.LastScan)
	assert.Equal(t, id, sum.LastScan.ID)
}
