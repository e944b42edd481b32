package gate

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"kissa/internal/errs"
	"kissa/internal/important"
	"kissa/internal/logging"
	"kissa/internal/repo"
)

// Surface identifies which interface issued an operation; each surface
// carries its own default level.
type Surface string

const (
	SurfaceCLI   Surface = "cli"
	SurfaceAgent Surface = "agent"
)

// Override binds a path glob to a difficulty level. The longest
// matching glob wins when several apply.
type Override struct {
	Glob  string
	Level Level
}

// Options configure a Gate from loaded configuration.
type Options struct {
	CLIDefault         Level
	AgentDefault       Level
	Overrides          []Override
	ProtectedBranches  []string
	ScanRoots          []string
	ConfirmDestructive bool
}

// Gate vets operations against effective difficulty and guard rails.
type Gate struct {
	opts      Options
	important *important.Matcher
}

// New builds a Gate. Protected branch patterns and overrides come from
// config; the important-file matcher carries its default pattern table.
func New(opts Options) *Gate {
	return &Gate{opts: opts, important: important.NewMatcher()}
}

// EffectiveLevel resolves the level for a repo path on a surface:
// per-path override when one matches, surface default otherwise.
func (g *Gate) EffectiveLevel(surface Surface, path string) Level {
	if level, ok := g.pathOverride(path); ok {
		return level
	}
	return g.surfaceDefault(surface)
}

// EffectiveLevelFor resolves the level for a known node. A configured
// path override wins; absent one, the difficulty the node's enrichment
// file declared takes the place of the surface default.
func (g *Gate) EffectiveLevelFor(surface Surface, path string, r *repo.Repo) Level {
	if level, ok := g.pathOverride(path); ok {
		return level
	}
	if r != nil && r.Difficulty != "" {
		if level, err := ParseLevel(r.Difficulty); err == nil {
			return level
		}
	}
	return g.surfaceDefault(surface)
}

// pathOverride returns the longest configured glob match for path.
func (g *Gate) pathOverride(path string) (Level, bool) {
	best := -1
	var level Level
	for _, ov := range g.opts.Overrides {
		if ok, _ := doublestar.Match(ov.Glob, path); ok && len(ov.Glob) > best {
			best = len(ov.Glob)
			level = ov.Level
		}
	}
	return level, best >= 0
}

func (g *Gate) surfaceDefault(surface Surface) Level {
	if surface == SurfaceAgent {
		return g.opts.AgentDefault
	}
	return g.opts.CLIDefault
}

// Request describes one operation to vet.
type Request struct {
	Surface Surface
	Op      string // operation name, used in rejection reasons
	Min     Level
	Repo    *repo.Repo
	Path    string // target path; defaults to Repo.Path

	// Guard-rail inputs.
	Confirmed   bool     // the user already confirmed destructive intent
	Destructive bool     // delete/clean class operation
	Delete      bool     // removes the repository entirely
	Clean       bool     // recursive clean of untracked files
	ForcePush   bool     // rewrites a remote ref
	Branch      string   // branch a force push lands on
	Untracked   []string // untracked paths, for the clean rail
}

// Check accepts or rejects the request. Rejections are
// PermissionDenied errors carrying the rule name and, where escalation
// would help, the required level.
func (g *Gate) Check(req Request) error {
	path := req.Path
	if path == "" && req.Repo != nil {
		path = req.Repo.Path
	}

	// Operations outside the configured scan roots are rejected no
	// matter the level.
	if path != "" && len(g.opts.ScanRoots) > 0 && !g.underRoots(path) {
		return errs.New(errs.KindPermissionDenied, "%s: %s is outside the configured scan roots", req.Op, path).
			WithDetail("rule", "outside-scan-roots")
	}

	effective := g.EffectiveLevelFor(req.Surface, path, req.Repo)
	if !effective.Allows(req.Min) {
		logging.Component("gate").WithField("op", req.Op).
			Debugf("denied: requires %s, effective %s", req.Min, effective)
		return errs.New(errs.KindPermissionDenied, "%s requires %s, effective level is %s", req.Op, req.Min, effective).
			WithDetail("rule", "difficulty").
			WithDetail("required", req.Min.String()).
			WithDetail("effective", effective.String())
	}

	// Guard rails apply above all levels.
	if req.Delete && req.Repo != nil && req.Repo.Ahead > 0 && !req.Confirmed {
		return errs.New(errs.KindPermissionDenied, "%s: %d unpushed commit(s) would be lost; confirm to proceed", req.Op, req.Repo.Ahead).
			WithDetail("rule", "unpushed-delete").
			WithDetail("ahead", req.Repo.Ahead)
	}

	if req.ForcePush && !req.Confirmed {
		branch := req.Branch
		if branch == "" && req.Repo != nil {
			branch = req.Repo.CurrentBranch
		}
		if g.branchProtected(branch) {
			return errs.New(errs.KindPermissionDenied, "%s: branch %q is protected; confirm to force-push", req.Op, branch).
				WithDetail("rule", "protected-branch").
				WithDetail("branch", branch)
		}
	}

	if req.Clean && !req.Confirmed {
		if kept := g.important.FilterImportant(req.Untracked); len(kept) > 0 {
			return errs.New(errs.KindPermissionDenied, "%s: %d untracked file(s) look important; confirm to clean", req.Op, len(kept)).
				WithDetail("rule", "important-untracked").
				WithDetail("files", kept)
		}
	}

	if req.Destructive && g.opts.ConfirmDestructive && !req.Confirmed {
		return errs.New(errs.KindPermissionDenied, "%s is destructive; confirm to proceed", req.Op).
			WithDetail("rule", "confirm-destructive")
	}

	return nil
}

func (g *Gate) underRoots(path string) bool {
	path = filepath.Clean(path)
	for _, root := range g.opts.ScanRoots {
		root = filepath.Clean(root)
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (g *Gate) branchProtected(branch string) bool {
	if branch == "" {
		return false
	}
	for _, pat := range g.opts.ProtectedBranches {
		if branch == pat {
			return true
		}
		if ok, _ := doublestar.Match(pat, branch); ok {
			return true
		}
	}
	return false
}
