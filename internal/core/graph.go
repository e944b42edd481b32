package core

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"kissa/internal/errs"
	"kissa/internal/export"
	"kissa/internal/repo"
	"kissa/internal/respond"
)

// Graph renders the relationship graph. format is "text" or "dot".
func (c *Core) Graph(ctx context.Context, format string) (*respond.Response, error) {
	repos, err := c.Store.ListRepos(ctx, allRepos())
	if err != nil {
		return nil, err
	}
	edges, err := c.Store.AllEdges(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*repo.Repo, len(repos))
	for _, n := range repos {
		byID[n.ID] = n
	}

	switch format {
	case "", "text":
		return textGraph(repos, edges, byID), nil
	case "dot":
		return dotGraph(repos, edges, byID), nil
	default:
		return nil, errs.New(errs.KindConfigInvalid, "unknown graph format %q (want text or dot)", format)
	}
}

func textGraph(repos []*repo.Repo, edges []repo.Edge, byID map[int64]*repo.Repo) *respond.Response {
	r := respond.New(respond.TagRelated, "%d repos, %d edges", len(repos), len(edges))
	grouped := make(map[int64][]repo.Edge)
	for _, e := range edges {
		grouped[e.SourceID] = append(grouped[e.SourceID], e)
	}
	for _, n := range repos {
		out := grouped[n.ID]
		if len(out) == 0 {
			continue
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
		r.Detailf("%s:", n.Name)
		for _, e := range out {
			target := "?"
			if t := byID[e.TargetID]; t != nil {
				target = t.Name
			}
			line := fmt.Sprintf("  %s → %s", strings.ToLower(string(e.Type)), target)
			if e.Detail != "" {
				line += " (" + e.Detail + ")"
			}
			r.Detailf("%s", line)
		}
	}
	r.Records = edges
	return r
}

func dotGraph(repos []*repo.Repo, edges []repo.Edge, byID map[int64]*repo.Repo) *respond.Response {
	var b strings.Builder
	b.WriteString("digraph kissa {\n  rankdir=LR;\n  node [shape=box];\n")
	for _, n := range repos {
		attrs := ""
		if n.State == repo.StateLost {
			attrs = ", style=dashed"
		}
		fmt.Fprintf(&b, "  %q [label=%q%s];\n", nodeID(n), n.Name, attrs)
	}
	for _, e := range edges {
		src, dst := byID[e.SourceID], byID[e.TargetID]
		if src == nil || dst == nil {
			continue
		}
		fmt.Fprintf(&b, "  %q -> %q [label=%q];\n",
			nodeID(src), nodeID(dst), strings.ToLower(string(e.Type)))
	}
	b.WriteString("}\n")

	r := respond.New(respond.TagListing, "graph in dot format")
	for _, line := range strings.Split(strings.TrimRight(b.String(), "\n"), "\n") {
		r.Detailf("%s", line)
	}
	r.Records = b.String()
	return r
}

func nodeID(n *repo.Repo) string {
	return fmt.Sprintf("r%d", n.ID)
}

// Export writes the catalogue snapshot to w.
func (c *Core) Export(ctx context.Context, w io.Writer, format string, compress bool) (*respond.Response, error) {
	if format == "" {
		format = export.FormatJSON
	}
	if err := export.Write(ctx, c.Store, w, format, compress); err != nil {
		return nil, err
	}
	sum, err := c.Store.Summarize(ctx)
	if err != nil {
		return nil, err
	}
	return respond.New(respond.TagExecuted, "exported %d repos (%s)", sum.Total, format), nil
}

// Import merges a snapshot produced by Export into the index. Nodes
// merge by path; a follow-up scan verifies which paths exist here.
func (c *Core) Import(ctx context.Context, rd io.Reader, format string, compressed bool) (*respond.Response, error) {
	if format == "" {
		format = export.FormatJSON
	}
	nodes, edges, err := export.Read(ctx, c.Store, rd, format, compressed)
	if err != nil {
		return nil, err
	}
	r := respond.New(respond.TagExecuted, "imported %d repos, %d edges", nodes, edges)
	r.Nextf("kissa scan --full to verify imported paths")
	return r, nil
}
