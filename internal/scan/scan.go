// Package scan discovers repositories and keeps the index faithful to
// the filesystem. Discovery runs in tiers: index-only reads, quick
// stat verification of known nodes, a full bounded walk of the scan
// roots, a long-lived watch, and opportunistic refresh of any node a
// command touches.
package scan

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"kissa/internal/classify"
	"kissa/internal/config"
	"kissa/internal/errs"
	"kissa/internal/filter"
	"kissa/internal/gitprobe"
	"kissa/internal/index"
	"kissa/internal/logging"
	"kissa/internal/repo"
)

// Tier names recorded on scan history rows.
const (
	TierIndexOnly = "index-only"
	TierQuick     = "quick-verify"
	TierFull      = "full-walk"
	TierWatch     = "watch"
	TierTouch     = "opportunistic"
)

// Result summarizes one scan.
type Result struct {
	Tier       string
	Generation int64
	Seen       int
	Added      int
	Lost       int
	Refreshed  int
	Errors     int
	Duration   time.Duration

	// LastVerified is the age of the oldest verification an index-only
	// result is serving from.
	LastVerified time.Duration

	Warnings    []string
	Suggestions []string // same-repo? elicitations for lost-node matches
}

// Scanner runs the discovery tiers against one store and config.
type Scanner struct {
	cfg        *config.Config
	store      *index.Store
	prober     *gitprobe.Prober
	classifier *classify.Classifier
	log        *logrus.Entry
}

// New builds a Scanner. The probe deadline and walk boundaries come
// from cfg.
func New(cfg *config.Config, store *index.Store) *Scanner {
	return &Scanner{
		cfg:        cfg,
		store:      store,
		prober:     gitprobe.New(time.Duration(cfg.Scan.ProbeTimeoutSeconds)*time.Second, cfg.Scan.Roots),
		classifier: classify.New(cfg),
		log:        logging.Component("scanner"),
	}
}

// IndexOnly is tier 0: report what the index holds without touching the
// filesystem.
func (s *Scanner) IndexOnly(ctx context.Context) (*Result, error) {
	repos, err := s.store.ListRepos(ctx, activeFilter())
	if err != nil {
		return nil, err
	}
	res := &Result{Tier: TierIndexOnly, Seen: len(repos)}
	oldest := time.Now()
	for _, r := range repos {
		if r.LastVerified.Before(oldest) {
			oldest = r.LastVerified
		}
	}
	if len(repos) > 0 {
		res.LastVerified = time.Since(oldest).Truncate(time.Second)
	}
	return res, nil
}

// QuickVerify is tier 1: one lstat per known node. An unchanged HEAD
// mtime trusts the stored vitals; a newer one schedules a re-probe; a
// missing path marks the node lost.
func (s *Scanner) QuickVerify(ctx context.Context) (*Result, error) {
	start := time.Now()
	repos, err := s.store.ListRepos(ctx, activeFilter())
	if err != nil {
		return nil, err
	}

	gen, err := s.store.BeginScan(ctx, TierQuick, s.cfg.Scan.Roots)
	if err != nil {
		return nil, err
	}
	res := &Result{Tier: TierQuick, Generation: gen, Seen: len(repos)}

	var stale []*repo.Repo
	for _, r := range repos {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch verdict := quickCheck(r); verdict {
		case verdictGone:
			if err := s.store.MarkState(ctx, r.ID, repo.StateLost); err != nil {
				return nil, err
			}
			res.Lost++
		case verdictChanged:
			stale = append(stale, r)
		default:
			if err := s.store.Touch(ctx, r.ID, time.Now().UTC(), gen); err != nil {
				return nil, err
			}
		}
	}

	if err := s.refreshAll(ctx, stale, gen, res); err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, s.store.FinishScan(ctx, gen, res.Seen, res.Added, res.Lost, res.Errors)
}

// FullWalk is tier 2: walk every scan root, refresh everything found,
// mark what vanished, and recompute relationship edges.
func (s *Scanner) FullWalk(ctx context.Context) (*Result, error) {
	start := time.Now()
	gen, err := s.store.BeginScan(ctx, TierFull, s.cfg.Scan.Roots)
	if err != nil {
		return nil, err
	}
	res := &Result{Tier: TierFull, Generation: gen}

	roots, warnings, err := s.walkRoots(ctx)
	if err != nil {
		return nil, err
	}
	res.Warnings = warnings
	res.Seen = len(roots)

	known := make(map[string]bool)
	existing, err := s.store.ListRepos(ctx, activeFilter())
	if err != nil {
		return nil, err
	}
	for _, r := range existing {
		known[r.Path] = true
	}

	var targets []*repo.Repo
	for _, path := range roots {
		r, err := s.store.GetByPath(ctx, path)
		if err != nil {
			return nil, err
		}
		if r == nil {
			r = &repo.Repo{Path: path, State: repo.StateActive}
			res.Added++
		} else if r.State == repo.StateLost {
			res.Added++
		}
		targets = append(targets, r)
	}
	if err := s.refreshAll(ctx, targets, gen, res); err != nil {
		return nil, err
	}

	for _, root := range s.cfg.Scan.Roots {
		n, err := s.store.MarkLostUnder(ctx, root, gen)
		if err != nil {
			return nil, err
		}
		res.Lost += int(n)
	}

	if err := s.RecomputeEdges(ctx); err != nil {
		return nil, err
	}

	suggestions, err := s.reconcileLost(ctx)
	if err != nil {
		return nil, err
	}
	res.Suggestions = suggestions

	res.Duration = time.Since(start)
	s.log.WithFields(logrus.Fields{
		"seen": res.Seen, "added": res.Added, "lost": res.Lost, "errors": res.Errors,
	}).Info("full walk finished")
	return res, s.store.FinishScan(ctx, gen, res.Seen, res.Added, res.Lost, res.Errors)
}

// Auto picks the tier a bare `kissa scan` means: a full walk when the
// index is empty, quick verification when anything is older than the
// auto-verify threshold, index-only otherwise.
func (s *Scanner) Auto(ctx context.Context) (*Result, error) {
	repos, err := s.store.ListRepos(ctx, activeFilter())
	if err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		return s.FullWalk(ctx)
	}
	threshold := time.Duration(s.cfg.Scan.AutoVerifySeconds) * time.Second
	for _, r := range repos {
		if time.Since(r.LastVerified) > threshold {
			return s.QuickVerify(ctx)
		}
	}
	return s.IndexOnly(ctx)
}

// Refresh is tier 4: re-probe one node because a command addressed it.
// Probe failures are recorded on the node and returned; store failures
// abort.
func (s *Scanner) Refresh(ctx context.Context, r *repo.Repo) error {
	return s.refreshOne(ctx, r, r.Generation)
}

// MaybeRefresh refreshes r only when its verification is older than the
// auto-verify threshold. The returned node is always usable.
func (s *Scanner) MaybeRefresh(ctx context.Context, r *repo.Repo) *repo.Repo {
	threshold := time.Duration(s.cfg.Scan.AutoVerifySeconds) * time.Second
	if time.Since(r.LastVerified) <= threshold {
		return r
	}
	if err := s.refreshOne(ctx, r, r.Generation); err != nil {
		s.log.WithError(err).WithField("path", r.Path).Debug("opportunistic refresh failed")
		return r
	}
	if fresh, err := s.store.GetByID(ctx, r.ID); err == nil && fresh != nil {
		return fresh
	}
	return r
}

// refreshAll probes the targets on a bounded worker pool and applies
// the results to the store serially, in arrival order.
func (s *Scanner) refreshAll(ctx context.Context, targets []*repo.Repo, gen int64, res *Result) error {
	if len(targets) == 0 {
		return nil
	}
	outcomes := s.probeAll(ctx, targets)
	for out := range outcomes {
		if out.err != nil {
			res.Errors++
			state := repo.StateLost
			if errs.KindOf(out.err) == errs.KindProbeTimeout {
				state = repo.StateTimeout
			}
			res.Warnings = append(res.Warnings, out.err.Error())
			switch {
			case out.r.ID != 0:
				// The path was visited this walk; stamping the generation
				// keeps the lost sweep off a node that merely timed out.
				if serr := s.store.MarkStateSeen(ctx, out.r.ID, state, gen); serr != nil {
					return serr
				}
			case state == repo.StateTimeout:
				// First contact timed out: record a minimal node so the
				// next scan retries instead of forgetting the path.
				stub := &repo.Repo{
					Path:       out.r.Path,
					Name:       repo.DeriveName(out.r.Path, nil),
					State:      repo.StateTimeout,
					Generation: gen,
				}
				if serr := s.store.UpsertVitals(ctx, stub); serr != nil {
					return serr
				}
			}
			continue
		}
		if err := s.apply(ctx, out.r, out.vitals, gen); err != nil {
			return err
		}
		res.Refreshed++
		res.Warnings = append(res.Warnings, out.vitals.Warnings...)
	}
	return ctx.Err()
}

// reconcileLost looks for lost nodes whose remote identity matches
// exactly one active node at a new path. The match is surfaced as a
// suggestion; only the watch tier rebinds without asking.
func (s *Scanner) reconcileLost(ctx context.Context) ([]string, error) {
	lost, err := s.store.ListRepos(ctx, lostFilter())
	if err != nil {
		return nil, err
	}
	if len(lost) == 0 {
		return nil, nil
	}
	active, err := s.store.ListRepos(ctx, activeFilter())
	if err != nil {
		return nil, err
	}

	byDigest := make(map[string][]*repo.Repo)
	for _, r := range active {
		if d := r.IdentityDigest(); d != "" {
			byDigest[d] = append(byDigest[d], r)
		}
	}

	var suggestions []string
	for _, l := range lost {
		d := l.IdentityDigest()
		if d == "" {
			continue
		}
		if matches := byDigest[d]; len(matches) == 1 {
			suggestions = append(suggestions,
				fmt.Sprintf("same repo? %s looks like lost %s (run `kissa forget %s` to drop the old entry)",
					matches[0].Path, l.Path, l.Path))
		}
	}
	sort.Strings(suggestions)
	return suggestions, nil
}

func activeFilter() filter.Filter {
	lost := false
	return filter.Filter{Lost: &lost}
}

func lostFilter() filter.Filter {
	lost := true
	return filter.Filter{Lost: &lost}
}
