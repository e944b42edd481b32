package scan

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"kissa/internal/classify"
	"kissa/internal/enrich"
	"kissa/internal/errs"
	"kissa/internal/gitprobe"
	"kissa/internal/repo"
)

type probeOutcome struct {
	r      *repo.Repo
	vitals *gitprobe.Vitals
	err    error
}

// probeAll fans the targets out over a bounded pool and returns the
// channel the single writer drains. Slots scale with the CPU count but
// never drop below four so small machines still overlap probe I/O.
func (s *Scanner) probeAll(ctx context.Context, targets []*repo.Repo) <-chan probeOutcome {
	out := make(chan probeOutcome, len(targets))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize())

	for _, r := range targets {
		r := r
		g.Go(func() error {
			v, err := s.prober.Probe(ctx, r.Path)
			select {
			case out <- probeOutcome{r: r, vitals: v, err: err}:
			case <-ctx.Done():
			}
			return nil
		})
	}
	go func() {
		g.Wait()
		close(out)
	}()
	return out
}

func poolSize() int {
	n := runtime.NumCPU()
	if n < 4 {
		n = 4
	}
	return n
}

// refreshOne probes a single node and applies the outcome. Probe
// failures are recorded on the node and returned to the caller.
func (s *Scanner) refreshOne(ctx context.Context, r *repo.Repo, gen int64) error {
	v, err := s.prober.Probe(ctx, r.Path)
	if err != nil {
		state := repo.StateLost
		if errs.KindOf(err) == errs.KindProbeTimeout {
			state = repo.StateTimeout
		}
		if r.ID != 0 {
			if serr := s.store.MarkState(ctx, r.ID, state); serr != nil {
				return serr
			}
		}
		return err
	}
	return s.apply(ctx, r, v, gen)
}

// apply folds probed vitals, the enrichment file, and classification
// into the node and persists it. The store write is the transaction
// boundary for one repo refresh.
func (s *Scanner) apply(ctx context.Context, r *repo.Repo, v *gitprobe.Vitals, gen int64) error {
	r.State = repo.StateActive
	r.Bare = v.Bare
	r.DefaultBranch = v.DefaultBranch
	r.CurrentBranch = v.CurrentBranch
	r.BranchCount = v.BranchCount
	r.StaleBranchCount = v.StaleBranchCount
	r.Dirty = v.Dirty
	r.Staged = v.Staged
	r.Untracked = v.Untracked
	r.Ahead = v.Ahead
	r.Behind = v.Behind
	r.LastCommit = v.LastCommit
	r.Remotes = v.Remotes
	r.Languages = v.Languages
	r.SizeKB = v.SizeKB
	r.Name = repo.DeriveName(r.Path, v.Remotes)
	r.Generation = gen
	r.LastVerified = time.Now().UTC()
	r.HasEnrichment = false
	r.Difficulty = ""

	var enrichTags []string
	enrichOverrides := map[string]string{}
	ef, err := enrich.Load(r.Path)
	if err != nil {
		s.log.WithError(err).WithField("path", r.Path).Warn("ignoring bad enrichment file")
	} else if ef != nil {
		enrichTags = ef.Apply(r)
		for field, value := range ef.Overrides() {
			enrichOverrides[field] = value
		}
	}

	if err := s.store.UpsertVitals(ctx, r); err != nil {
		return err
	}

	// Stored overrides beat enrichment-file values on the same field.
	stored, err := s.store.Overrides(ctx, r.ID)
	if err != nil {
		return err
	}
	merged := enrichOverrides
	for field, value := range stored {
		merged[field] = value
	}

	dependedOn, err := s.isDependedOn(ctx, r.ID)
	if err != nil {
		return err
	}
	ruleTags := s.classifier.Classify(r, classify.Facts{DependedOn: dependedOn, Overrides: merged})
	if err := s.store.UpdateClassification(ctx, r); err != nil {
		return err
	}
	if err := s.store.AddTags(ctx, r.ID, append(ruleTags, enrichTags...)...); err != nil {
		return err
	}
	return nil
}

func (s *Scanner) isDependedOn(ctx context.Context, id int64) (bool, error) {
	edges, err := s.store.EdgesTo(ctx, id)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.Type == repo.EdgeDependsOn {
			return true, nil
		}
	}
	return false, nil
}

// verdicts of a quick per-node check.
type verdict int

const (
	verdictUnchanged verdict = iota
	verdictChanged
	verdictGone
)

// quickCheck stats the node's HEAD (the .git one for worktrees, the
// top-level one for bare repos) without following symlinks.
func quickCheck(r *repo.Repo) verdict {
	head := filepath.Join(r.Path, ".git", "HEAD")
	if r.Bare {
		head = filepath.Join(r.Path, "HEAD")
	}
	fi, err := os.Lstat(head)
	if err != nil {
		// A gitfile checkout keeps .git as a file; fall back to the
		// directory itself before declaring the repo gone.
		if _, derr := os.Lstat(filepath.Join(r.Path, ".git")); derr == nil {
			return verdictChanged
		}
		return verdictGone
	}
	if fi.ModTime().After(r.LastVerified) {
		return verdictChanged
	}
	return verdictUnchanged
}
