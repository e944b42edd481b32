package scan

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"kissa/internal/errs"
	"kissa/internal/repo"
)

// watchRunning guards the process-global watcher singleton.
var watchRunning atomic.Bool

// pendingLoss is a disappearance waiting for a matching appearance
// inside the rebind window.
type pendingLoss struct {
	repoID int64
	path   string
	when   time.Time
}

// Watch is tier 3: observe the scan roots until ctx is cancelled.
// Repository appearance refreshes or adds a node; disappearance marks
// it lost. A disappearance and an appearance with the same remote
// identity inside the rebind window is a move: the node keeps its id,
// tags, and classification, and only its path changes.
func (s *Scanner) Watch(ctx context.Context, notify func(string)) error {
	if !watchRunning.CompareAndSwap(false, true) {
		return errs.New(errs.KindInternal, "a watch is already running in this process")
	}
	defer watchRunning.Store(false)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "starting filesystem watcher")
	}
	defer w.Close()

	if err := s.registerWatches(ctx, w); err != nil {
		return err
	}
	if notify == nil {
		notify = func(string) {}
	}

	window := time.Duration(s.cfg.Scan.WatchRebindSeconds) * time.Second
	pending := make(map[string]pendingLoss) // identity digest -> loss
	expiry := time.NewTicker(window)
	defer expiry.Stop()

	s.log.WithField("roots", s.cfg.Scan.Roots).Info("watching for repository changes")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.handleWatchEvent(ctx, w, ev, pending, notify)

		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(werr).Warn("watch error")

		case <-expiry.C:
			// Losses past the window stay lost.
			now := time.Now()
			for digest, loss := range pending {
				if now.Sub(loss.when) > window {
					delete(pending, digest)
				}
			}
		}
	}
}

func (s *Scanner) handleWatchEvent(ctx context.Context, w *fsnotify.Watcher, ev fsnotify.Event, pending map[string]pendingLoss, notify func(string)) {
	window := time.Duration(s.cfg.Scan.WatchRebindSeconds) * time.Second

	switch {
	case ev.Op.Has(fsnotify.Create):
		fi, err := os.Lstat(ev.Name)
		if err != nil || !fi.IsDir() {
			// A created .git directory turns its parent into a repo.
			if filepath.Base(ev.Name) == ".git" {
				s.watchAppeared(ctx, filepath.Dir(ev.Name), pending, window, notify)
			}
			return
		}
		if isRepoRoot(ev.Name) {
			s.watchAppeared(ctx, ev.Name, pending, window, notify)
			return
		}
		// New plain directory: watch it and look inside for repos that
		// arrived fully formed (mv drops a whole tree in one event).
		w.Add(ev.Name)
		entries, _ := os.ReadDir(ev.Name)
		for _, entry := range entries {
			if entry.IsDir() && isRepoRoot(filepath.Join(ev.Name, entry.Name())) {
				s.watchAppeared(ctx, filepath.Join(ev.Name, entry.Name()), pending, window, notify)
			}
		}

	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		r, err := s.store.GetByPath(ctx, filepath.Clean(ev.Name))
		if err != nil || r == nil || r.State == repo.StateLost {
			return
		}
		if _, err := os.Lstat(r.Path); err == nil {
			return // still there; event was about something else
		}
		if err := s.store.MarkState(ctx, r.ID, repo.StateLost); err != nil {
			s.log.WithError(err).Warn("marking lost")
			return
		}
		if d := r.IdentityDigest(); d != "" {
			pending[d] = pendingLoss{repoID: r.ID, path: r.Path, when: time.Now()}
		}
		notify("lost " + r.Path)
	}
}

// watchAppeared handles a repo root showing up: rebind when it matches
// a recent loss, index it as new otherwise.
func (s *Scanner) watchAppeared(ctx context.Context, path string, pending map[string]pendingLoss, window time.Duration, notify func(string)) {
	path = filepath.Clean(path)
	v, err := s.prober.Probe(ctx, path)
	if err != nil {
		s.log.WithError(err).WithField("path", path).Debug("probe of appeared repo failed")
		return
	}

	probed := &repo.Repo{Path: path, Remotes: v.Remotes}
	if d := probed.IdentityDigest(); d != "" {
		if loss, ok := pending[d]; ok && time.Since(loss.when) <= window {
			delete(pending, d)
			if err := s.store.UpdatePath(ctx, loss.repoID, path); err != nil {
				s.log.WithError(err).Warn("rebinding moved repo")
				return
			}
			notify("moved " + loss.path + " -> " + path)
			return
		}
	}

	r, err := s.store.GetByPath(ctx, path)
	if err != nil {
		return
	}
	if r == nil {
		r = &repo.Repo{Path: path, State: repo.StateActive}
	}
	if err := s.apply(ctx, r, v, r.Generation); err != nil {
		s.log.WithError(err).Warn("indexing appeared repo")
		return
	}
	notify("found " + path)
}

// registerWatches adds the scan roots and every directory under them,
// respecting the same exclusions and boundaries as a walk.
func (s *Scanner) registerWatches(ctx context.Context, w *fsnotify.Watcher) error {
	var level []walkItem
	for _, root := range s.cfg.Scan.Roots {
		fi, dev, err := s.statWithTimeout(root)
		if err != nil || !fi.IsDir() {
			continue
		}
		level = append(level, walkItem{path: root, depth: 0, device: dev})
	}
	for len(level) > 0 {
		var next []walkItem
		for _, item := range level {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := w.Add(item.path); err != nil {
				s.log.WithError(err).WithField("path", item.path).Debug("cannot watch")
				continue
			}
			children, _, _ := s.visitDir(item)
			next = append(next, children...)
		}
		level = next
	}
	return nil
}
