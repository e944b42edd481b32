// Package classify assigns the three classification axes to a node:
// category (what it is relative to its remotes), ownership (whose it
// is), and intention (why it is kept). User overrides beat configured
// rules, rules beat the built-in path heuristics, and heuristics beat
// inference.
package classify

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sirupsen/logrus"

	"kissa/internal/config"
	"kissa/internal/logging"
	"kissa/internal/repo"
)

// managerGlobs maps tool-managed checkout locations to the managing
// tool. A match implies intention=dependency and ownership=third-party
// unless something higher-priority says otherwise.
var managerGlobs = []struct {
	glob string
	tool string
}{
	{"**/.local/share/nvim/lazy/*", "lazy.nvim"},
	{"**/.local/share/nvim/site/pack/*/start/*", "nvim-pack"},
	{"**/.local/share/nvim/site/pack/*/opt/*", "nvim-pack"},
	{"**/.vim/plugged/*", "vim-plug"},
	{"**/.cargo/git/checkouts/*", "cargo"},
	{"**/SuperCollider/downloaded-quarks/*", "quarks"},
	{"**/FreeCAD/Mod/*", "freecad"},
	{"**/86Box/roms*", "86box"},
}

// dotfileMarkers identify a dotfiles repository when two or more sit at
// the root.
var dotfileMarkers = []string{
	".bashrc", ".zshrc", "init.lua", "init.vim", ".tmux.conf", ".gitconfig",
}

// infraMarkers identify an infrastructure repository when any sits at
// the root.
var infraMarkers = []string{
	"main.tf", "ansible.cfg", "playbook.yml", "kustomization.yaml",
	"docker-compose.yml", "compose.yaml", "Chart.yaml",
}

// Confidence levels recorded with an inferred intention.
const (
	ConfidenceRule      = 1.0
	ConfidenceStrong    = 0.9
	ConfidenceHeuristic = 0.6
	ConfidenceFallback  = 0.3
)

// Facts carries context a single node cannot see on itself: incoming
// dependency edges and the merged per-field user overrides (stored
// overrides layered over enrichment-file values).
type Facts struct {
	DependedOn bool
	Overrides  map[string]string
}

// Classifier evaluates the axes against one loaded configuration.
type Classifier struct {
	cfg *config.Config
	log *logrus.Entry
	now func() time.Time
}

// New returns a Classifier bound to cfg.
func New(cfg *config.Config) *Classifier {
	return &Classifier{cfg: cfg, log: logging.Component("classify"), now: time.Now}
}

// Classify recomputes the axes on r in place and returns the tags the
// matching rules want attached. Fields named in facts.Overrides keep
// the override value and get their override flag set; everything else
// is recomputed from scratch, so re-application converges.
func (c *Classifier) Classify(r *repo.Repo, facts Facts) []string {
	var (
		category   repo.Category
		ownership  repo.Ownership
		intention  repo.Intention
		confidence float64
		managedBy  string
		project    string
		tags       []string
	)

	for _, rule := range c.cfg.Classify.Rules {
		if !c.ruleMatches(rule.Match, r) {
			continue
		}
		set := rule.Set
		if category == "" && set.Category != "" {
			category, _ = repo.ParseCategory(set.Category)
		}
		if ownership.IsZero() && set.Ownership != "" {
			ownership, _ = repo.ParseOwnership(set.Ownership)
		}
		if intention == "" && set.Intention != "" {
			intention, _ = repo.ParseIntention(set.Intention)
			confidence = ConfidenceRule
		}
		if managedBy == "" && set.ManagedBy != "" {
			managedBy = set.ManagedBy
		}
		if project == "" && set.Project != "" {
			project = set.Project
		}
		tags = append(tags, set.Tags...)
	}

	if tool := managerFor(r.Path); tool != "" {
		if managedBy == "" {
			managedBy = tool
		}
		if intention == "" {
			intention = repo.IntentionDependency
			confidence = ConfidenceStrong
		}
		if ownership.IsZero() {
			ownership = repo.Ownership{Kind: repo.OwnershipThirdParty}
		}
	}

	if category == "" {
		category = c.inferCategory(r)
	}
	if ownership.IsZero() {
		ownership = c.inferOwnership(r)
	}
	if intention == "" {
		intention, confidence = c.inferIntention(r, facts, category, ownership)
	}

	r.Category = category
	r.Ownership = ownership
	r.Intention = intention
	r.IntentionConfidence = confidence
	r.ManagedBy = managedBy
	if project != "" {
		r.Project = project
	}
	r.CategoryOverride = false
	r.OwnershipOverride = false
	r.IntentionOverride = false

	c.applyOverrides(r, facts.Overrides)
	return dedupTags(tags)
}

func (c *Classifier) applyOverrides(r *repo.Repo, overrides map[string]string) {
	for field, value := range overrides {
		switch field {
		case "category":
			cat, err := repo.ParseCategory(value)
			if err != nil {
				c.log.WithField("value", value).Warn("ignoring bad category override")
				continue
			}
			r.Category = cat
			r.CategoryOverride = true
		case "ownership":
			own, err := repo.ParseOwnership(value)
			if err != nil {
				c.log.WithField("value", value).Warn("ignoring bad ownership override")
				continue
			}
			r.Ownership = own
			r.OwnershipOverride = true
		case "intention":
			intent, err := repo.ParseIntention(value)
			if err != nil {
				c.log.WithField("value", value).Warn("ignoring bad intention override")
				continue
			}
			r.Intention = intent
			r.IntentionConfidence = ConfidenceRule
			r.IntentionOverride = true
		default:
			c.log.WithField("field", field).Debug("ignoring unknown override field")
		}
	}
}

func (c *Classifier) ruleMatches(m config.ClassifyMatch, r *repo.Repo) bool {
	if m.Path != "" && !globPath(m.Path, r.Path) {
		return false
	}
	if m.Org != "" && !strings.EqualFold(m.Org, r.Org()) {
		return false
	}
	if m.Name != "" {
		ok, err := doublestar.Match(m.Name, r.Name)
		if err != nil || !ok {
			return false
		}
	}
	if m.HasRemote != nil && r.HasRemote() != *m.HasRemote {
		return false
	}
	if m.Bare != nil && r.Bare != *m.Bare {
		return false
	}
	return true
}

// globPath matches pattern against an absolute path; a pattern anchored
// at ** also matches with the leading slash stripped.
func globPath(pattern, path string) bool {
	if ok, err := doublestar.Match(pattern, path); err == nil && ok {
		return true
	}
	if strings.HasPrefix(pattern, "**") {
		ok, _ := doublestar.Match(pattern, strings.TrimPrefix(path, "/"))
		return ok
	}
	return false
}

func managerFor(path string) string {
	rel := strings.TrimPrefix(path, "/")
	for _, entry := range managerGlobs {
		if ok, _ := doublestar.Match(entry.glob, rel); ok {
			return entry.tool
		}
	}
	return ""
}

// inferCategory applies the precedence fork, mirror, clone, origin.
func (c *Classifier) inferCategory(r *repo.Repo) repo.Category {
	origin, hasOrigin := r.Origin()
	if !hasOrigin && len(r.Remotes) > 0 {
		origin = r.Remotes[0]
		hasOrigin = true
	}
	owner := ""
	if hasOrigin {
		if ref, ok := repo.ParseRemoteURL(origin.URL); ok {
			owner = ref.Owner
		}
	}
	_, hasUpstream := r.Remote("upstream")
	switch {
	case c.cfg.IsOwnUsername(owner) && hasUpstream:
		return repo.CategoryFork
	case r.Bare:
		return repo.CategoryMirror
	case owner != "" && !c.cfg.IsOwnUsername(owner):
		return repo.CategoryClone
	default:
		return repo.CategoryOrigin
	}
}

func (c *Classifier) inferOwnership(r *repo.Repo) repo.Ownership {
	if !r.HasRemote() {
		return repo.Ownership{Kind: repo.OwnershipLocal}
	}
	for _, rm := range r.Remotes {
		if ref, ok := repo.ParseRemoteURL(rm.URL); ok && c.cfg.IsOwnUsername(ref.Owner) {
			return repo.Ownership{Kind: repo.OwnershipPersonal}
		}
	}
	org := r.Org()
	if label, ok := c.cfg.WorkLabelFor(org); ok {
		return repo.Ownership{Kind: repo.OwnershipWork, Label: label}
	}
	if c.cfg.IsCommunityOrg(org) {
		return repo.Ownership{Kind: repo.OwnershipCommunity}
	}
	return repo.Ownership{Kind: repo.OwnershipThirdParty}
}

// inferIntention walks the precedence chain and reports the matched
// tier with its confidence.
func (c *Classifier) inferIntention(r *repo.Repo, facts Facts, category repo.Category, ownership repo.Ownership) (repo.Intention, float64) {
	if c.looksDotfiles(r) {
		return repo.IntentionDotfiles, ConfidenceStrong
	}
	if hasRootFiles(r.Path, infraMarkers, 1) {
		return repo.IntentionInfrastructure, ConfidenceStrong
	}
	if facts.DependedOn {
		return repo.IntentionDependency, ConfidenceStrong
	}
	if category == repo.CategoryFork && (r.Ahead > 0 || r.Dirty || r.Staged) {
		return repo.IntentionContributing, ConfidenceHeuristic
	}

	fresh := repo.FreshnessOf(r.LastCommit, c.now())
	mine := ownership.Kind == repo.OwnershipPersonal ||
		ownership.Kind == repo.OwnershipWork ||
		ownership.Kind == repo.OwnershipLocal
	working := r.Dirty || r.Staged || r.Ahead > 0 ||
		fresh == repo.FreshnessActive || fresh == repo.FreshnessRecent
	if mine && working {
		return repo.IntentionDeveloping, ConfidenceHeuristic
	}
	if !r.HasRemote() && r.BranchCount <= 1 && !hasCI(r.Path) {
		return repo.IntentionExperiment, ConfidenceHeuristic
	}
	clean := !r.Dirty && !r.Staged && !r.Untracked
	old := r.LastCommit != nil && c.now().Sub(*r.LastCommit) > 180*24*time.Hour
	if clean && old && r.BranchCount <= 1 {
		return repo.IntentionArchived, ConfidenceHeuristic
	}
	return repo.IntentionReference, ConfidenceFallback
}

func (c *Classifier) looksDotfiles(r *repo.Repo) bool {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		if r.Path == dir || strings.HasPrefix(r.Path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return hasRootFiles(r.Path, dotfileMarkers, 2)
}

func hasRootFiles(root string, names []string, needed int) bool {
	found := 0
	for _, name := range names {
		if _, err := os.Lstat(filepath.Join(root, name)); err == nil {
			found++
			if found >= needed {
				return true
			}
		}
	}
	return false
}

func hasCI(root string) bool {
	for _, p := range []string{".github/workflows", ".gitlab-ci.yml", ".circleci"} {
		if _, err := os.Lstat(filepath.Join(root, p)); err == nil {
			return true
		}
	}
	return false
}

func dedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, tag := range tags {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
