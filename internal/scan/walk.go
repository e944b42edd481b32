package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
)

// defaultExcludes are skipped on every walk in addition to the
// configured patterns. All are dependency or build-output trees that
// hold thousands of directories and no repositories worth cataloguing
// on their own.
var defaultExcludes = []string{
	"node_modules", ".cache", "target", "venv", ".venv",
	"__pycache__", ".cargo/registry", "go/pkg/mod",
}

type walkItem struct {
	path   string
	depth  int
	device uint64
}

// walkRoots BFS-walks every configured root and returns the sorted repo
// roots found plus the warnings the walk produced. Each depth level is
// processed by a bounded worker pool; the queue for the next level is
// collected under a lock.
func (s *Scanner) walkRoots(ctx context.Context) ([]string, []string, error) {
	var (
		mu       sync.Mutex
		found    []string
		warnings []string
	)
	addWarning := func(format string, args ...any) {
		mu.Lock()
		warnings = append(warnings, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	var level []walkItem
	for _, root := range s.cfg.Scan.Roots {
		fi, dev, err := s.statWithTimeout(root)
		if err != nil {
			addWarning("scan root %s: %v", root, err)
			continue
		}
		if !fi.IsDir() {
			addWarning("scan root %s is not a directory", root)
			continue
		}
		level = append(level, walkItem{path: root, depth: 0, device: dev})
	}

	for len(level) > 0 {
		var next []walkItem
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(poolSize())

		for _, item := range level {
			item := item
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				children, repoRoot, ws := s.visitDir(item)
				mu.Lock()
				if repoRoot {
					found = append(found, item.path)
				}
				next = append(next, children...)
				warnings = append(warnings, ws...)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
		level = next
	}

	sort.Strings(found)
	return found, warnings, nil
}

// visitDir inspects one directory: is it a repo root, and which
// subdirectories continue the walk. Repo roots are not descended into
// unless an include_nested rule re-opens them.
func (s *Scanner) visitDir(item walkItem) (children []walkItem, repoRoot bool, warnings []string) {
	if isRepoRoot(item.path) {
		repoRoot = true
		if !s.nestedIncluded(item.path) {
			return nil, true, nil
		}
	}
	if item.depth >= s.cfg.Scan.MaxDepth {
		return nil, repoRoot, nil
	}

	entries, err := os.ReadDir(item.path)
	if err != nil {
		return nil, repoRoot, []string{fmt.Sprintf("reading %s: %v", item.path, err)}
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == ".git" {
			continue
		}
		sub := filepath.Join(item.path, entry.Name())
		if s.excluded(sub, entry.Name()) {
			continue
		}

		_, dev, err := s.statWithTimeout(sub)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("stat %s: %v", sub, err))
			continue
		}
		if dev != item.device && !s.crossAllowed(sub) {
			warnings = append(warnings, fmt.Sprintf("mount boundary: skipped %s", sub))
			s.log.WithField("path", sub).Debug("mount boundary, not descending")
			continue
		}
		children = append(children, walkItem{path: sub, depth: item.depth + 1, device: dev})
	}
	return children, repoRoot, warnings
}

// statWithTimeout stats path in a goroutine and gives up after the
// configured stat timeout; a wedged automount must never hang the walk.
func (s *Scanner) statWithTimeout(path string) (os.FileInfo, uint64, error) {
	timeout := time.Duration(s.cfg.Scan.Boundaries.StatTimeoutMS) * time.Millisecond

	type statResult struct {
		fi  os.FileInfo
		err error
	}
	ch := make(chan statResult, 1)
	go func() {
		fi, err := os.Stat(path)
		ch <- statResult{fi, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, 0, res.err
		}
		return res.fi, deviceOf(res.fi), nil
	case <-time.After(timeout):
		return nil, 0, fmt.Errorf("stat exceeded %s", timeout)
	}
}

// crossAllowed decides whether a mount point may be descended into:
// block_mounts always wins, then allow_mounts, then the global
// cross_mounts switch.
func (s *Scanner) crossAllowed(path string) bool {
	path = filepath.Clean(path)
	for _, blocked := range s.cfg.Scan.Boundaries.BlockMounts {
		if path == filepath.Clean(blocked) {
			return false
		}
	}
	for _, allowed := range s.cfg.Scan.Boundaries.AllowMounts {
		if path == filepath.Clean(allowed) {
			return true
		}
	}
	return s.cfg.Scan.Boundaries.CrossMounts
}

// excluded applies the exclusion patterns: basename equality, path
// substring, or doublestar glob against the full path.
func (s *Scanner) excluded(path, base string) bool {
	for _, pat := range append(defaultExcludes, s.cfg.Scan.Exclude...) {
		if base == pat {
			return true
		}
		if strings.Contains(pat, "/") && !strings.ContainsAny(pat, "*?[") && strings.Contains(path, pat) {
			return true
		}
		if strings.ContainsAny(pat, "*?[") {
			if ok, _ := doublestar.Match(pat, path); ok {
				return true
			}
			if ok, _ := doublestar.Match(pat, base); ok {
				return true
			}
		}
	}
	return false
}

func (s *Scanner) nestedIncluded(path string) bool {
	for _, inc := range s.cfg.Scan.IncludeNested {
		if filepath.Clean(inc) == filepath.Clean(path) {
			return true
		}
	}
	return false
}

// isRepoRoot reports whether dir is a repository root: it holds a .git
// directory or gitfile, or it is laid out as a bare repository.
func isRepoRoot(dir string) bool {
	if _, err := os.Lstat(filepath.Join(dir, ".git")); err == nil {
		return true
	}
	return isBareLayout(dir)
}

// isBareLayout detects a bare repository by its skeleton: a HEAD file
// next to objects/ and refs/ directories.
func isBareLayout(dir string) bool {
	if fi, err := os.Lstat(filepath.Join(dir, "HEAD")); err != nil || fi.IsDir() {
		return false
	}
	if fi, err := os.Lstat(filepath.Join(dir, "objects")); err != nil || !fi.IsDir() {
		return false
	}
	fi, err := os.Lstat(filepath.Join(dir, "refs"))
	return err == nil && fi.IsDir()
}
