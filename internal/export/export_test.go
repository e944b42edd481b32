package export

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kissa/internal/errs"
	"kissa/internal/filter"
	"kissa/internal/index"
	"kissa/internal/repo"
)

func openStore(t *testing.T) *index.Store {
	t.Helper()
	s, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seed puts two linked repositories into the store and returns them.
func seed(t *testing.T, s *index.Store) (*repo.Repo, *repo.Repo) {
	t.Helper()
	ctx := context.Background()
	a := &repo.Repo{
		Name: "api", Path: "/home/u/code/api", State: repo.StateActive,
		CurrentBranch: "main",
		Remotes:       []repo.Remote{{Name: "origin", URL: "git@github.com:acme/api.git"}},
		LastVerified:  time.Now().UTC(),
	}
	b := &repo.Repo{
		Name: "shared", Path: "/home/u/code/shared", State: repo.StateActive,
		CurrentBranch: "main",
		LastVerified:  time.Now().UTC(),
	}
	require.NoError(t, s.UpsertVitals(ctx, a))
	require.NoError(t, s.UpsertVitals(ctx, b))
	require.NoError(t, s.AddTags(ctx, a.ID, "work"))
	require.NoError(t, s.InsertEdge(ctx, repo.Edge{
		SourceID: a.ID, TargetID: b.ID, Type: repo.EdgeDependsOn, Detail: "go.mod:5",
	}))
	return a, b
}

func roundTrip(t *testing.T, format string, compress bool) {
	t.Helper()
	ctx := context.Background()
	src := openStore(t)
	seed(t, src)

	var buf bytes.Buffer
	require.NoError(t, Write(ctx, src, &buf, format, compress))

	dst := openStore(t)
	nodes, edges, err := Read(ctx, dst, &buf, format, compress)
	require.NoError(t, err)
	assert.Equal(t, 2, nodes)
	assert.Equal(t, 1, edges)

	repos, err := dst.ListRepos(ctx, filter.Filter{})
	require.NoError(t, err)
	require.Len(t, repos, 2)
	byName := map[string]*repo.Repo{}
	for _, r := range repos {
		byName[r.Name] = r
	}
	require.Contains(t, byName, "api")
	assert.Equal(t, "/home/u/code/api", byName["api"].Path)
	assert.Contains(t, byName["api"].Tags, "work")

	all, err := dst.AllEdges(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, repo.EdgeDependsOn, all[0].Type)
	assert.Equal(t, "go.mod:5", all[0].Detail)
	assert.Equal(t, byName["api"].ID, all[0].SourceID)
	assert.Equal(t, byName["shared"].ID, all[0].TargetID)
}

func TestRoundTripJSON(t *testing.T)       { roundTrip(t, FormatJSON, false) }
func TestRoundTripYAML(t *testing.T)       { roundTrip(t, FormatYAML, false) }
func TestRoundTripCompressed(t *testing.T) { roundTrip(t, FormatJSON, true) }

func TestReadRejectsTamperedPayload(t *testing.T) {
	ctx := context.Background()
	src := openStore(t)
	seed(t, src)

	var buf bytes.Buffer
	require.NoError(t, Write(ctx, src, &buf, FormatJSON, false))
	tampered := bytes.Replace(buf.Bytes(), []byte("/home/u/code/api"), []byte("/tmp/elsewhere/api"), -1)

	dst := openStore(t)
	_, _, err := Read(ctx, dst, bytes.NewReader(tampered), FormatJSON, false)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCorrupted))
	assert.Contains(t, err.Error(), "checksum")
}

func TestReadRejectsWrongVersion(t *testing.T) {
	dst := openStore(t)
	payload := []byte(`{"version": 99, "exported": "2026-01-02T03:04:05Z", "nodes": [], "checksum": ""}`)
	_, _, err := Read(context.Background(), dst, bytes.NewReader(payload), FormatJSON, false)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCorrupted))
	assert.Contains(t, err.Error(), "version")
}

func TestReadRejectsGarbage(t *testing.T) {
	dst := openStore(t)
	_, _, err := Read(context.Background(), dst, bytes.NewReader([]byte("not an export")), FormatJSON, false)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCorrupted))
}

func TestReadSkipsEdgesWithUnknownEndpoints(t *testing.T) {
	ctx := context.Background()
	src := openStore(t)
	seed(t, src)

	var buf bytes.Buffer
	require.NoError(t, Write(ctx, src, &buf, FormatJSON, false))

	// Drop one endpoint from the node set; its edge must be skipped, not
	// imported dangling.
	var p Payload
	require.NoError(t, json.Unmarshal(buf.Bytes(), &p))
	var kept []nodeRecord
	for _, n := range p.Nodes {
		if n.Repo.Name != "shared" {
			kept = append(kept, n)
		}
	}
	p.Nodes = kept
	p.Checksum = checksum(&p)
	out, err := json.Marshal(&p)
	require.NoError(t, err)

	dst := openStore(t)
	nodes, edges, rerr := Read(ctx, dst, bytes.NewReader(out), FormatJSON, false)
	require.NoError(t, rerr)
	assert.Equal(t, 1, nodes)
	assert.Equal(t, 0, edges)
}
