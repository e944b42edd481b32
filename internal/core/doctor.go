package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"kissa/internal/config"
	"kissa/internal/gitexec"
	"kissa/internal/respond"
)

// Doctor runs the self-checks: configuration, scan roots, data
// directory, index integrity, graph consistency, and the system git.
func (c *Core) Doctor(ctx context.Context) (*respond.Response, error) {
	var problems []string

	r := respond.New(respond.TagStatus, "")
	r.Detailf("config: %s", config.DefaultPath())
	r.Detailf("index: %s", c.Store.Path())

	for _, root := range c.Cfg.Scan.Roots {
		if st, err := os.Stat(root); err != nil {
			problems = append(problems, fmt.Sprintf("scan root %s: %v", root, err))
		} else if !st.IsDir() {
			problems = append(problems, fmt.Sprintf("scan root %s is not a directory", root))
		}
	}

	if err := probeWritable(config.DataDir()); err != nil {
		problems = append(problems, fmt.Sprintf("data dir %s not writable: %v", config.DataDir(), err))
	}

	if verdict, err := c.Store.IntegrityCheck(ctx); err != nil {
		problems = append(problems, fmt.Sprintf("index integrity: %v", err))
	} else if verdict != "ok" {
		problems = append(problems, "index integrity: "+verdict)
	}

	if n, err := c.danglingEdges(ctx); err != nil {
		problems = append(problems, fmt.Sprintf("edge check: %v", err))
	} else if n > 0 {
		problems = append(problems, fmt.Sprintf("%d edges reference forgotten repos", n))
	}

	sum, err := c.Store.Summarize(ctx)
	if err != nil {
		return nil, err
	}
	r.Detailf("%d repos indexed (%d lost, %d timed out)",
		sum.Total, sum.ByState["lost"], sum.ByState["timeout"])

	if _, ok := gitexec.LookPath(); !ok {
		r.Detailf("no git binary on PATH; exec and hook-dependent tooling are unavailable")
	}

	if w, err := fsnotify.NewWatcher(); err != nil {
		r.Detailf("filesystem watching unavailable: %v; scan --watch will not work", err)
	} else {
		w.Close()
	}

	for _, p := range problems {
		r.Detailf("problem: %s", p)
	}
	if len(problems) == 0 {
		r.Summary = "all checks passed"
	} else {
		r.Tag = respond.TagWarning
		r.Summary = fmt.Sprintf("%d problems found", len(problems))
		if sum.ByState["lost"] > 0 {
			r.Nextf("kissa scan --full to reconcile lost repos")
		}
	}
	r.Records = map[string]any{"problems": problems, "summary": sum}
	return r, nil
}

// danglingEdges counts edges whose endpoints no longer exist.
func (c *Core) danglingEdges(ctx context.Context) (int, error) {
	edges, err := c.Store.AllEdges(ctx)
	if err != nil {
		return 0, err
	}
	repos, err := c.Store.ListRepos(ctx, allRepos())
	if err != nil {
		return 0, err
	}
	known := make(map[int64]bool, len(repos))
	for _, n := range repos {
		known[n.ID] = true
	}
	dangling := 0
	for _, e := range edges {
		if !known[e.SourceID] || !known[e.TargetID] {
			dangling++
		}
	}
	return dangling, nil
}

func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}
