// Package gitprobe reads repository vitals using go-git, never the git
// binary, so repository-local hooks and helpers can never run.
package gitprobe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/sirupsen/logrus"

	"kissa/internal/errs"
	"kissa/internal/logging"
	"kissa/internal/repo"
)

// DefaultDeadline bounds a single probe when no deadline is configured.
const DefaultDeadline = 5 * time.Second

const (
	// maxDivergence caps ahead/behind counting so a probe of a
	// long-unfetched repository stays cheap.
	maxDivergence = 1000
	// maxStatFiles caps the worktree walk used for size and language stats.
	maxStatFiles = 20000
	// maxUntrackedSample caps how many untracked paths a probe reports.
	maxUntrackedSample = 50
)

// Vitals is everything a single probe learns about one repository.
type Vitals struct {
	Bare             bool
	DefaultBranch    string
	CurrentBranch    string
	BranchCount      int
	StaleBranchCount int
	Dirty            bool
	Staged           bool
	Untracked        bool
	UntrackedPaths   []string
	Ahead            int
	Behind           int
	LastCommit       *time.Time
	Remotes          []repo.Remote
	Languages        []string
	SizeKB           int64
	Warnings         []string
}

// Prober probes repositories with a per-call deadline.
type Prober struct {
	deadline time.Duration
	roots    []string
	log      *logrus.Entry
}

// New returns a Prober. roots is used only to warn about .git symlinks
// that resolve outside the scanned area.
func New(deadline time.Duration, roots []string) *Prober {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Prober{
		deadline: deadline,
		roots:    roots,
		log:      logging.Component("gitprobe"),
	}
}

// Probe opens the repository at path and collects its vitals. It returns
// an error of kind NOT_A_REPO, PROBE_TIMEOUT, UNREADABLE, or CORRUPTED.
func (p *Prober) Probe(ctx context.Context, path string) (*Vitals, error) {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	type outcome struct {
		v   *Vitals
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := p.probe(ctx, path)
		ch <- outcome{v, err}
	}()

	select {
	case out := <-ch:
		return out.v, out.err
	case <-ctx.Done():
		return nil, errs.New(errs.KindProbeTimeout, "probing %s exceeded %s", path, p.deadline)
	}
}

func (p *Prober) probe(ctx context.Context, path string) (*Vitals, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New(errs.KindProbeTimeout, "probing %s exceeded %s", path, p.deadline)
	}

	// Vet a symlinked .git before go-git opens the path, so a link to a
	// broken target reports corrupted rather than not-a-repo.
	v := &Vitals{}
	if err := p.checkDotGitLink(path, v); err != nil {
		return nil, err
	}

	r, err := git.PlainOpen(path)
	if err != nil {
		return nil, classifyOpenErr(path, err)
	}

	if _, err := r.Worktree(); err != nil {
		if !errors.Is(err, git.ErrIsBareRepository) {
			return nil, errs.Wrap(errs.KindCorrupted, err, "repository at %s is damaged", path)
		}
		v.Bare = true
	}

	tips, err := p.readRefs(r, v)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.New(errs.KindProbeTimeout, "probing %s exceeded %s", path, p.deadline)
	}

	p.countStale(ctx, r, v, tips)
	p.readRemotes(r, v)

	if !v.Bare {
		if err := p.readStatus(r, v); err != nil {
			return nil, err
		}
		v.Ahead, v.Behind = p.divergence(r, v.CurrentBranch)
		p.readStats(ctx, path, v)
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.New(errs.KindProbeTimeout, "probing %s exceeded %s", path, p.deadline)
	}
	return v, nil
}

func classifyOpenErr(path string, err error) error {
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		return errs.New(errs.KindNotARepo, "%s is not a git repository", path)
	case errors.Is(err, fs.ErrPermission):
		return errs.Wrap(errs.KindUnreadable, err, "cannot read repository at %s", path)
	default:
		return errs.Wrap(errs.KindCorrupted, err, "cannot open repository at %s", path)
	}
}

// checkDotGitLink looks at path/.git without following it. A symlinked
// .git is legal when its target holds a real git directory on the same
// filesystem; a target outside the scan roots is worth a warning because
// organizing the checkout would strand its object store.
func (p *Prober) checkDotGitLink(path string, v *Vitals) error {
	dotGit := filepath.Join(path, ".git")
	fi, err := os.Lstat(dotGit)
	if err != nil || fi.Mode()&os.ModeSymlink == 0 {
		return nil
	}
	target, err := os.Readlink(dotGit)
	if err != nil {
		return errs.Wrap(errs.KindUnreadable, err, "cannot read .git symlink in %s", path)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(path, target)
	}
	target = filepath.Clean(target)
	ti, err := os.Lstat(target)
	if err != nil {
		return errs.New(errs.KindCorrupted, "dangling .git symlink to %s", target)
	}
	if !ti.IsDir() {
		return errs.New(errs.KindCorrupted, ".git symlink target %s is not a directory", target)
	}
	if _, err := os.Lstat(filepath.Join(target, "HEAD")); err != nil {
		return errs.New(errs.KindCorrupted, ".git symlink target %s is not a git directory", target)
	}
	if pi, err := os.Lstat(path); err == nil && deviceOf(pi) != deviceOf(ti) {
		v.Warnings = append(v.Warnings, fmt.Sprintf(".git resolves to a different filesystem: %s", target))
	}
	if len(p.roots) > 0 && !p.insideRoots(target) {
		v.Warnings = append(v.Warnings, fmt.Sprintf(".git resolves outside scan roots: %s", target))
	}
	return nil
}

func (p *Prober) insideRoots(target string) bool {
	for _, root := range p.roots {
		if target == root || strings.HasPrefix(target, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// readRefs fills branch and HEAD facts and returns the local branch tips
// keyed by short name for the stale-branch pass.
func (p *Prober) readRefs(r *git.Repository, v *Vitals) (map[string]*object.Commit, error) {
	tips := make(map[string]*object.Commit)

	headRef, err := r.Reference(plumbing.HEAD, false)
	if err == nil {
		if headRef.Type() == plumbing.SymbolicReference {
			v.CurrentBranch = headRef.Target().Short()
		}
	}

	var head *plumbing.Reference
	switch resolved, err := r.Head(); {
	case err == nil:
		head = resolved
		if v.CurrentBranch == "" {
			v.CurrentBranch = resolved.Hash().String()[:7]
			v.Warnings = append(v.Warnings, "detached HEAD")
		}
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// Unborn HEAD: freshly initialized, no commits yet.
	default:
		return nil, errs.Wrap(errs.KindCorrupted, err, "resolving HEAD")
	}

	refs, err := r.References()
	if err != nil {
		return nil, errs.Wrap(errs.KindCorrupted, err, "listing references")
	}
	var remoteHead string
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name()
		switch {
		case name.IsBranch():
			v.BranchCount++
			if c, err := r.CommitObject(ref.Hash()); err == nil {
				tips[name.Short()] = c
			}
		case name.IsRemote() && strings.HasSuffix(string(name), "/HEAD"):
			if ref.Type() == plumbing.SymbolicReference {
				remoteHead = ref.Target().Short()
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindCorrupted, err, "listing references")
	}

	v.DefaultBranch = pickDefaultBranch(remoteHead, tips, v.CurrentBranch)
	v.LastCommit = latestTip(r, tips, head)
	return tips, nil
}

// pickDefaultBranch prefers the remote HEAD pointer, then a conventional
// local branch, then whatever is checked out.
func pickDefaultBranch(remoteHead string, tips map[string]*object.Commit, current string) string {
	if remoteHead != "" {
		// "origin/main" -> "main".
		if i := strings.LastIndex(remoteHead, "/"); i >= 0 {
			return remoteHead[i+1:]
		}
		return remoteHead
	}
	for _, name := range []string{"main", "master", "trunk"} {
		if _, ok := tips[name]; ok {
			return name
		}
	}
	return current
}

// latestTip is the newest committer timestamp across branch tips, with a
// detached HEAD counting as a tip of its own.
func latestTip(r *git.Repository, tips map[string]*object.Commit, head *plumbing.Reference) *time.Time {
	var latest time.Time
	for _, c := range tips {
		if when := c.Committer.When; when.After(latest) {
			latest = when
		}
	}
	if head != nil {
		if c, err := r.CommitObject(head.Hash()); err == nil && c.Committer.When.After(latest) {
			latest = c.Committer.When
		}
	}
	if latest.IsZero() {
		return nil
	}
	t := latest.UTC()
	return &t
}

// countStale counts local branches whose tip is already reachable from
// the default branch, the same set `git branch --merged` reports.
func (p *Prober) countStale(ctx context.Context, r *git.Repository, v *Vitals, tips map[string]*object.Commit) {
	def, ok := tips[v.DefaultBranch]
	if !ok {
		return
	}
	for name, tip := range tips {
		if name == v.DefaultBranch {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		merged, err := tip.IsAncestor(def)
		if err == nil && merged {
			v.StaleBranchCount++
		}
	}
}

func (p *Prober) readRemotes(r *git.Repository, v *Vitals) {
	remotes, err := r.Remotes()
	if err != nil {
		p.log.WithError(err).Debug("listing remotes")
		return
	}
	for _, rem := range remotes {
		cfg := rem.Config()
		if len(cfg.URLs) == 0 {
			continue
		}
		entry := repo.Remote{Name: cfg.Name, URL: cfg.URLs[0]}
		if len(cfg.URLs) > 1 {
			entry.PushURL = cfg.URLs[1]
		}
		v.Remotes = append(v.Remotes, entry)
	}
	sort.Slice(v.Remotes, func(i, j int) bool { return v.Remotes[i].Name < v.Remotes[j].Name })
}

func (p *Prober) readStatus(r *git.Repository, v *Vitals) error {
	wt, err := r.Worktree()
	if err != nil {
		return errs.Wrap(errs.KindCorrupted, err, "opening worktree")
	}
	status, err := wt.Status()
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return errs.Wrap(errs.KindUnreadable, err, "reading worktree status")
		}
		return errs.Wrap(errs.KindCorrupted, err, "reading worktree status")
	}
	for path, st := range status {
		if st.Staging == git.Untracked && st.Worktree == git.Untracked {
			v.Untracked = true
			v.UntrackedPaths = append(v.UntrackedPaths, path)
			continue
		}
		if st.Staging != git.Unmodified {
			v.Staged = true
		}
		if st.Worktree != git.Unmodified {
			v.Dirty = true
		}
	}
	sort.Strings(v.UntrackedPaths)
	if len(v.UntrackedPaths) > maxUntrackedSample {
		v.UntrackedPaths = v.UntrackedPaths[:maxUntrackedSample]
	}
	return nil
}

// divergence counts commits between a branch and its configured upstream.
// A branch without an upstream diverges from nothing.
func (p *Prober) divergence(r *git.Repository, branch string) (ahead, behind int) {
	if branch == "" {
		return 0, 0
	}
	cfg, err := r.Config()
	if err != nil {
		return 0, 0
	}
	bc, ok := cfg.Branches[branch]
	if !ok || bc.Remote == "" || bc.Merge == "" {
		return 0, 0
	}

	localRef, err := r.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return 0, 0
	}
	remoteRef, err := r.Reference(plumbing.NewRemoteReferenceName(bc.Remote, bc.Merge.Short()), true)
	if err != nil {
		return 0, 0
	}
	local, err := r.CommitObject(localRef.Hash())
	if err != nil {
		return 0, 0
	}
	remote, err := r.CommitObject(remoteRef.Hash())
	if err != nil {
		return 0, 0
	}

	bases, err := local.MergeBase(remote)
	if err != nil {
		p.log.WithError(err).Debug("merge base")
		return 0, 0
	}
	ignore := make([]plumbing.Hash, 0, len(bases))
	for _, b := range bases {
		ignore = append(ignore, b.Hash)
	}
	return countExclusive(local, ignore), countExclusive(remote, ignore)
}

// countExclusive counts commits reachable from tip but not from any of
// the ignored commits, capped at maxDivergence.
func countExclusive(tip *object.Commit, ignore []plumbing.Hash) int {
	n := 0
	iter := object.NewCommitPreorderIter(tip, nil, ignore)
	_ = iter.ForEach(func(*object.Commit) error {
		n++
		if n >= maxDivergence {
			return storer.ErrStop
		}
		return nil
	})
	return n
}

// readStats walks the worktree for a size estimate and an extension
// histogram. Build output and vendored trees are skipped so the
// histogram reflects what the repository is, not what it downloads.
func (p *Prober) readStats(ctx context.Context, path string, v *Vitals) {
	counts := make(map[string]int)
	var bytes int64
	files := 0

	skipDirs := map[string]bool{
		".git": true, "node_modules": true, "target": true, "vendor": true,
		"__pycache__": true, ".venv": true, "venv": true, "dist": true, "build": true,
	}

	err := filepath.WalkDir(path, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return fs.SkipAll
		}
		if d.IsDir() {
			if name != path && skipDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		files++
		if files > maxStatFiles {
			return fs.SkipAll
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		bytes += info.Size()
		if lang := langFor(filepath.Ext(name)); lang != "" {
			counts[lang]++
		}
		return nil
	})
	if err != nil {
		p.log.WithError(err).WithField("path", path).Debug("stat walk")
	}

	v.SizeKB = bytes / 1024
	v.Languages = topLanguages(counts, 3)
}

func topLanguages(counts map[string]int, n int) []string {
	langs := make([]string, 0, len(counts))
	for lang := range counts {
		langs = append(langs, lang)
	}
	sort.Slice(langs, func(i, j int) bool {
		if counts[langs[i]] != counts[langs[j]] {
			return counts[langs[i]] > counts[langs[j]]
		}
		return langs[i] < langs[j]
	})
	if len(langs) > n {
		langs = langs[:n]
	}
	return langs
}

// langFor maps a file extension to a language name for the histogram.
func langFor(ext string) string {
	switch strings.ToLower(ext) {
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".py":
		return "python"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".c", ".h":
		return "c"
	case ".cc", ".cpp", ".cxx", ".hpp", ".hh":
		return "cpp"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".sh", ".bash", ".zsh":
		return "shell"
	case ".lua":
		return "lua"
	case ".swift":
		return "swift"
	case ".kt", ".kts":
		return "kotlin"
	case ".php":
		return "php"
	case ".cs":
		return "csharp"
	case ".zig":
		return "zig"
	case ".hs":
		return "haskell"
	case ".ml", ".mli":
		return "ocaml"
	case ".ex", ".exs":
		return "elixir"
	case ".erl":
		return "erlang"
	case ".scala":
		return "scala"
	case ".clj", ".cljs":
		return "clojure"
	case ".nim":
		return "nim"
	case ".dart":
		return "dart"
	case ".jl":
		return "julia"
	case ".el":
		return "elisp"
	case ".vim":
		return "vimscript"
	case ".tf":
		return "terraform"
	case ".nix":
		return "nix"
	case ".md", ".markdown":
		return "markdown"
	case ".html", ".htm":
		return "html"
	case ".css", ".scss":
		return "css"
	default:
		return ""
	}
}
