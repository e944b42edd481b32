// Package core is the shared engine behind both surfaces. The command
// line and the agent server build the same requests, call the same
// operations here, and differ only in how they render the resulting
// responses. Every operation returns a state-tagged response; mutating
// operations clear the permission gate before touching anything.
package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"kissa/internal/config"
	"kissa/internal/enrich"
	"kissa/internal/filter"
	"kissa/internal/gate"
	"kissa/internal/gitprobe"
	"kissa/internal/index"
	"kissa/internal/logging"
	"kissa/internal/plan"
	"kissa/internal/repo"
	"kissa/internal/respond"
	"kissa/internal/scan"
)

// Core bundles the long-lived resources one process holds: immutable
// config, the open store, and the components built from them.
type Core struct {
	Cfg     *config.Config
	Store   *index.Store
	Scanner *scan.Scanner
	Gate    *gate.Gate
	Planner *plan.Planner
	Prober  *gitprobe.Prober
	Surface gate.Surface

	log *logrus.Entry
}

// Open loads configuration (empty path means the default location),
// opens the index, and wires the components for one surface.
func Open(surface gate.Surface, cfgPath string) (*Core, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	gateOpts, err := cfg.GateOptions()
	if err != nil {
		return nil, err
	}
	store, err := index.Open(config.IndexPath())
	if err != nil {
		return nil, err
	}
	return &Core{
		Cfg:     cfg,
		Store:   store,
		Scanner: scan.New(cfg, store),
		Gate:    gate.New(gateOpts),
		Planner: plan.New(cfg, store),
		Prober:  gitprobe.New(time.Duration(cfg.Scan.ProbeTimeoutSeconds)*time.Second, cfg.Scan.Roots),
		Surface: surface,
		log:     logging.Component("core"),
	}, nil
}

// Close releases the store.
func (c *Core) Close() error {
	return c.Store.Close()
}

// Scan modes accepted by Scan.
const (
	ScanAuto  = "auto"
	ScanFull  = "full"
	ScanQuick = "quick"
)

// Scan runs the requested discovery tier.
func (c *Core) Scan(ctx context.Context, mode string) (*respond.Response, error) {
	var (
		res *scan.Result
		err error
	)
	switch mode {
	case ScanFull:
		res, err = c.Scanner.FullWalk(ctx)
	case ScanQuick:
		res, err = c.Scanner.QuickVerify(ctx)
	default:
		res, err = c.Scanner.Auto(ctx)
	}
	if err != nil {
		return nil, err
	}

	r := respond.New(respond.TagScanComplete, "%d repos (%d added, %d lost, %d errors)",
		res.Seen, res.Added, res.Lost, res.Errors)
	if res.Tier == scan.TierIndexOnly {
		r.Summary = fmt.Sprintf("%d repos, last verified: %s ago", res.Seen, res.LastVerified)
	}
	r.Detailf("tier: %s", res.Tier)
	for _, w := range res.Warnings {
		r.Detailf("warning: %s", w)
	}
	for _, sg := range res.Suggestions {
		r.Askf("%s", sg)
	}
	if res.Errors > 0 {
		r.Nextf("kissa doctor")
	}
	r.Records = res
	return r, nil
}

// List returns the nodes the filter admits.
func (c *Core) List(ctx context.Context, f filter.Filter) (*respond.Response, error) {
	repos, err := c.Store.ListRepos(ctx, f)
	if err != nil {
		return nil, err
	}
	r := respond.New(respond.TagListing, "%d repos", len(repos))
	now := time.Now()
	for _, n := range repos {
		r.Detailf("%s", repoLine(n, now))
		r.Paths = append(r.Paths, n.Path)
	}
	r.Records = repos
	return r, nil
}

// Search lists nodes whose name, path, or remote URL contains q.
func (c *Core) Search(ctx context.Context, q string) (*respond.Response, error) {
	repos, err := c.Store.ListRepos(ctx, allRepos())
	if err != nil {
		return nil, err
	}
	q = strings.ToLower(q)
	var hits []*repo.Repo
	for _, n := range repos {
		if strings.Contains(strings.ToLower(n.Name), q) ||
			strings.Contains(strings.ToLower(n.Path), q) ||
			remoteMatch(n, q) {
			hits = append(hits, n)
		}
	}
	r := respond.New(respond.TagListing, "%d repos match %q", len(hits), q)
	now := time.Now()
	for _, n := range hits {
		r.Detailf("%s", repoLine(n, now))
		r.Paths = append(r.Paths, n.Path)
	}
	r.Records = hits
	return r, nil
}

func remoteMatch(n *repo.Repo, q string) bool {
	for _, u := range n.RemoteURLs() {
		if strings.Contains(strings.ToLower(u), q) {
			return true
		}
	}
	return false
}

// Status reports one repository, or the whole catalogue when query is
// empty.
func (c *Core) Status(ctx context.Context, query string) (*respond.Response, error) {
	if query == "" {
		return c.summary(ctx)
	}
	n, err := c.resolveFresh(ctx, query)
	if err != nil {
		return nil, err
	}

	r := respond.New(respond.TagStatus, "%s on %s", n.Name, branchOr(n.CurrentBranch, "no branch"))
	r.Detailf("path: %s", n.Path)
	r.Detailf("worktree: %s", worktreeLine(n))
	if n.Ahead > 0 || n.Behind > 0 {
		r.Detailf("tracking: ahead %d, behind %d", n.Ahead, n.Behind)
	}
	if n.LastCommit != nil {
		r.Detailf("last commit: %s (%s)", n.LastCommit.Format("2006-01-02"), repo.FreshnessOf(n.LastCommit, time.Now()))
	}
	r.Detailf("classified: %s", classificationLine(n))
	if n.State != repo.StateActive {
		r.Detailf("state: %s", n.State)
	}
	if n.Dirty || n.Untracked {
		r.Nextf("kissa exec %s -- status", n.Name)
	}
	r.Records = n
	r.Paths = []string{n.Path}
	return r, nil
}

func (c *Core) summary(ctx context.Context) (*respond.Response, error) {
	sum, err := c.Store.Summarize(ctx)
	if err != nil {
		return nil, err
	}
	r := respond.New(respond.TagStatus, "%d repos indexed", sum.Total)
	r.Detailf("dirty: %d, unpushed: %d, untracked: %d, duplicates: %d",
		sum.Dirty, sum.Unpushed, sum.Untracked, sum.Duplicates)
	for _, state := range sortedKeys(sum.ByState) {
		if state != string(repo.StateActive) {
			r.Detailf("%s: %d", state, sum.ByState[state])
		}
	}
	if sum.LastScan != nil {
		r.Detailf("last scan: %s (%s)", sum.LastScan.Tier, sum.LastScan.StartedAt.Format(time.RFC3339))
	} else {
		r.Nextf("kissa scan --full")
	}
	r.Records = sum
	return r, nil
}

// Info is the full single-repo view: vitals, classification with its
// confidence, tags, edges, enrichment, and the effective difficulty.
func (c *Core) Info(ctx context.Context, query string) (*respond.Response, error) {
	n, err := c.resolveFresh(ctx, query)
	if err != nil {
		return nil, err
	}

	r := respond.New(respond.TagStatus, "%s", n.Name)
	r.Detailf("path: %s", n.Path)
	r.Detailf("state: %s", n.State)
	if n.Bare {
		r.Detailf("bare repository")
	}
	for _, rm := range n.Remotes {
		r.Detailf("remote %s: %s", rm.Name, rm.URL)
	}
	r.Detailf("branches: %d (%d merged into %s)", n.BranchCount, n.StaleBranchCount, branchOr(n.DefaultBranch, "default"))
	r.Detailf("worktree: %s", worktreeLine(n))
	if n.LastCommit != nil {
		r.Detailf("last commit: %s (%s)", n.LastCommit.Format(time.RFC3339), repo.FreshnessOf(n.LastCommit, time.Now()))
	}
	if len(n.Languages) > 0 {
		r.Detailf("languages: %s", strings.Join(n.Languages, ", "))
	}
	if n.SizeKB > 0 {
		r.Detailf("size: %s", sizeLine(n.SizeKB))
	}
	conf := ""
	if !n.IntentionOverride && n.IntentionConfidence > 0 {
		conf = fmt.Sprintf(" (confidence %.0f%%)", n.IntentionConfidence*100)
	}
	r.Detailf("classified: %s%s", classificationLine(n), conf)
	if n.ManagedBy != "" {
		r.Detailf("managed by: %s", n.ManagedBy)
	}
	if n.Project != "" {
		r.Detailf("project: %s", projectLine(n))
	}
	if len(n.Tags) > 0 {
		r.Detailf("tags: %s", strings.Join(n.Tags, ", "))
	}
	if n.HasEnrichment {
		r.Detailf("enrichment: %s present", enrich.FileName)
	}
	level := c.Gate.EffectiveLevelFor(c.Surface, n.Path, n)
	r.Detailf("difficulty: %s", level.Display(c.Cfg.Display.CatMode))

	edges, err := c.Store.EdgesFor(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	for _, line := range c.edgeLines(ctx, n, edges) {
		r.Detailf("%s", line)
	}
	r.Records = n
	r.Paths = []string{n.Path}
	return r, nil
}

// Freshness buckets the catalogue by last-commit age.
func (c *Core) Freshness(ctx context.Context) (*respond.Response, error) {
	repos, err := c.Store.ListRepos(ctx, activeOnly())
	if err != nil {
		return nil, err
	}
	now := time.Now()
	hist := make(map[repo.Freshness][]string)
	for _, n := range repos {
		tier := repo.FreshnessOf(n.LastCommit, now)
		hist[tier] = append(hist[tier], n.Name)
	}

	r := respond.New(respond.TagListing, "%d repos by freshness", len(repos))
	for _, tier := range repo.FreshnessTiers() {
		names := hist[tier]
		if len(names) == 0 {
			continue
		}
		sort.Strings(names)
		r.Detailf("%s: %d  %s", tier, len(names), strings.Join(truncate(names, 8), ", "))
	}
	r.Records = hist
	return r, nil
}

// Related lists every node one hop from the repo, any edge type.
func (c *Core) Related(ctx context.Context, query string) (*respond.Response, error) {
	n, err := c.Resolve(ctx, query)
	if err != nil {
		return nil, err
	}
	edges, err := c.Store.EdgesFor(ctx, n.ID)
	if err != nil {
		return nil, err
	}

	r := respond.New(respond.TagRelated, "%d relationships for %s", len(edges), n.Name)
	for _, line := range c.edgeLines(ctx, n, edges) {
		r.Detailf("%s", line)
	}
	r.Records = edges
	return r, nil
}

// Deps lists incoming DEPENDS_ON edges: the indexed repos whose
// manifests reference this one.
func (c *Core) Deps(ctx context.Context, query string) (*respond.Response, error) {
	n, err := c.Resolve(ctx, query)
	if err != nil {
		return nil, err
	}
	edges, err := c.Store.EdgesTo(ctx, n.ID)
	if err != nil {
		return nil, err
	}

	var lines []string
	var records []repo.Edge
	for _, e := range edges {
		if e.Type != repo.EdgeDependsOn {
			continue
		}
		src, err := c.Store.GetByID(ctx, e.SourceID)
		if err != nil {
			return nil, err
		}
		if src != nil {
			lines = append(lines, fmt.Sprintf("%s (%s)", src.Path, e.Detail))
			records = append(records, e)
		}
	}

	r := respond.New(respond.TagDeps, "%d repos depend on %s", len(lines), n.Name)
	for _, line := range lines {
		r.Detailf("%s", line)
	}
	r.Records = records
	return r, nil
}

// Resolve finds one node by path or name and applies the opportunistic
// refresh tier.
func (c *Core) Resolve(ctx context.Context, query string) (*repo.Repo, error) {
	n, err := c.Store.Resolve(ctx, query)
	if err != nil {
		return nil, err
	}
	if n.State == repo.StateLost {
		return n, nil
	}
	return c.Scanner.MaybeRefresh(ctx, n), nil
}

// resolveFresh always refreshes before reporting.
func (c *Core) resolveFresh(ctx context.Context, query string) (*repo.Repo, error) {
	n, err := c.Store.Resolve(ctx, query)
	if err != nil {
		return nil, err
	}
	if n.State == repo.StateLost {
		return n, nil
	}
	if err := c.Scanner.Refresh(ctx, n); err != nil {
		c.log.WithError(err).WithField("path", n.Path).Debug("refresh before report failed")
		return n, nil
	}
	fresh, err := c.Store.GetByID(ctx, n.ID)
	if err != nil || fresh == nil {
		return n, nil
	}
	return fresh, nil
}

func (c *Core) edgeLines(ctx context.Context, n *repo.Repo, edges []repo.Edge) []string {
	var lines []string
	for _, e := range edges {
		otherID := e.TargetID
		direction := "→"
		if otherID == n.ID {
			otherID = e.SourceID
			direction = "←"
		}
		other, err := c.Store.GetByID(ctx, otherID)
		if err != nil || other == nil {
			continue
		}
		line := fmt.Sprintf("%s %s %s", e.Type, direction, other.Path)
		if e.Detail != "" {
			line += " (" + e.Detail + ")"
		}
		lines = append(lines, line)
	}
	return lines
}

func activeOnly() filter.Filter {
	lost := false
	return filter.Filter{Lost: &lost}
}

func allRepos() filter.Filter {
	return filter.Filter{}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(names []string, max int) []string {
	if len(names) <= max {
		return names
	}
	return append(names[:max:max], fmt.Sprintf("+%d more", len(names)-max))
}

func branchOr(branch, fallback string) string {
	if branch == "" {
		return fallback
	}
	return branch
}

func worktreeLine(n *repo.Repo) string {
	var parts []string
	if n.Dirty {
		parts = append(parts, "dirty")
	}
	if n.Staged {
		parts = append(parts, "staged")
	}
	if n.Untracked {
		parts = append(parts, "untracked")
	}
	if len(parts) == 0 {
		return "clean"
	}
	return strings.Join(parts, ", ")
}

func classificationLine(n *repo.Repo) string {
	parts := []string{string(n.Category), n.Ownership.String(), string(n.Intention)}
	for i, p := range parts {
		if p == "" {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, "/")
}

func projectLine(n *repo.Repo) string {
	if n.Role != "" {
		return n.Project + " (" + n.Role + ")"
	}
	return n.Project
}

func sizeLine(kb int64) string {
	switch {
	case kb >= 1<<20:
		return fmt.Sprintf("%.1f GB", float64(kb)/(1<<20))
	case kb >= 1<<10:
		return fmt.Sprintf("%.1f MB", float64(kb)/(1<<10))
	default:
		return fmt.Sprintf("%d KB", kb)
	}
}

func repoLine(n *repo.Repo, now time.Time) string {
	var badges []string
	if n.State == repo.StateLost {
		badges = append(badges, "lost")
	}
	if n.State == repo.StateTimeout {
		badges = append(badges, "timeout")
	}
	if n.Dirty {
		badges = append(badges, "dirty")
	}
	if n.Ahead > 0 {
		badges = append(badges, fmt.Sprintf("ahead:%d", n.Ahead))
	}
	if n.Behind > 0 {
		badges = append(badges, fmt.Sprintf("behind:%d", n.Behind))
	}
	badges = append(badges, string(repo.FreshnessOf(n.LastCommit, now)))

	return fmt.Sprintf("%s  %s  %s", n.Path, strings.Join(badges, " "), classificationLine(n))
}
