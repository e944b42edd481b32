// Package config loads and validates the kissa configuration file.
// Configuration is read once at startup and treated as immutable for
// the life of the process; a malformed file is fatal.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pelletier/go-toml/v2"

	"kissa/internal/errs"
	"kissa/internal/filter"
	"kissa/internal/gate"
	"kissa/internal/repo"
)

// Config is the full schema of config.toml.
type Config struct {
	Scan         Scan              `toml:"scan"`
	Identity     Identity          `toml:"identity"`
	Organization Organization      `toml:"organization"`
	Defaults     Defaults          `toml:"defaults"`
	Overrides    map[string]string `toml:"overrides"`
	Safety       Safety            `toml:"safety"`
	Classify     Classify          `toml:"classify"`
	Display      Display           `toml:"display"`
}

type Scan struct {
	Roots               []string   `toml:"roots"`
	Exclude             []string   `toml:"exclude"`
	MaxDepth            int        `toml:"max_depth"`
	AutoVerifySeconds   int        `toml:"auto_verify_seconds"`
	WatchRebindSeconds  int        `toml:"watch_rebind_seconds"`
	ProbeTimeoutSeconds int        `toml:"probe_timeout_seconds"`
	IncludeNested       []string   `toml:"include_nested"`
	Boundaries          Boundaries `toml:"boundaries"`
}

type Boundaries struct {
	CrossMounts   bool     `toml:"cross_mounts"`
	AllowMounts   []string `toml:"allow_mounts"`
	BlockMounts   []string `toml:"block_mounts"`
	StatTimeoutMS int      `toml:"stat_timeout_ms"`
}

type Identity struct {
	Usernames     []string            `toml:"usernames"`
	Emails        []string            `toml:"emails"`
	WorkOrgs      map[string][]string `toml:"work_orgs"`
	CommunityOrgs []string            `toml:"community_orgs"`
}

type Organization struct {
	Pattern  string    `toml:"pattern"`
	BasePath string    `toml:"base_path"`
	Rules    []OrgRule `toml:"rules"`
}

// OrgRule maps a filter-predicate match table to a destination
// template. An empty match is the catch-all.
type OrgRule struct {
	Match    map[string]string `toml:"match"`
	Template string            `toml:"template"`
}

type Defaults struct {
	Difficulty string      `toml:"difficulty"`
	MCP        MCPDefaults `toml:"mcp"`
}

type MCPDefaults struct {
	Difficulty string `toml:"difficulty"`
}

type Safety struct {
	ProtectedBranches        []string `toml:"protected_branches"`
	AlwaysConfirmDestructive bool     `toml:"always_confirm_destructive"`
	MaxPlanSize              int      `toml:"max_plan_size"`
}

type Classify struct {
	Rules []ClassifyRule `toml:"rules"`
}

// ClassifyRule matches repos (criteria AND-combined) and sets
// classification fields; first rule to set a field wins, tags append.
type ClassifyRule struct {
	Match ClassifyMatch `toml:"match"`
	Set   ClassifySet   `toml:"set"`
}

type ClassifyMatch struct {
	Path      string `toml:"path"`
	Org       string `toml:"org"`
	Name      string `toml:"name"`
	HasRemote *bool  `toml:"has_remote"`
	Bare      *bool  `toml:"bare"`
}

type ClassifySet struct {
	Category  string   `toml:"category"`
	Ownership string   `toml:"ownership"`
	Intention string   `toml:"intention"`
	ManagedBy string   `toml:"managed_by"`
	Project   string   `toml:"project"`
	Tags      []string `toml:"tags"`
}

type Display struct {
	CatMode bool `toml:"cat_mode"`
}

// Default returns the fully-populated default configuration.
func Default() *Config {
	return &Config{
		Scan: Scan{
			Roots:               []string{"~/code"},
			MaxDepth:            6,
			AutoVerifySeconds:   3600,
			WatchRebindSeconds:  5,
			ProbeTimeoutSeconds: 5,
			Boundaries: Boundaries{
				CrossMounts:   false,
				StatTimeoutMS: 500,
			},
		},
		Organization: Organization{
			Pattern:  "platform",
			BasePath: "~/code",
		},
		Defaults: Defaults{
			Difficulty: "commit",
			MCP:        MCPDefaults{Difficulty: "readonly"},
		},
		Safety: Safety{
			ProtectedBranches:        []string{"main", "master", "production", "release/*"},
			AlwaysConfirmDestructive: false,
			MaxPlanSize:              50,
		},
	}
}

// Load reads the config file at path (or the default location when
// path is empty), merges it over the defaults, expands home-relative
// paths, and validates. A missing file yields the defaults; anything
// malformed is ConfigInvalid.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// defaults only
	case err != nil:
		return nil, errs.Wrap(errs.KindConfigInvalid, err, "reading config %s", path)
	default:
		dec := toml.NewDecoder(strings.NewReader(string(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, errs.Wrap(errs.KindConfigInvalid, err, "parsing config %s", path)
		}
	}

	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expandPaths() {
	for i, r := range c.Scan.Roots {
		c.Scan.Roots[i] = ExpandHome(r)
	}
	for i, p := range c.Scan.Boundaries.AllowMounts {
		c.Scan.Boundaries.AllowMounts[i] = ExpandHome(p)
	}
	for i, p := range c.Scan.Boundaries.BlockMounts {
		c.Scan.Boundaries.BlockMounts[i] = ExpandHome(p)
	}
	for i, p := range c.Scan.IncludeNested {
		c.Scan.IncludeNested[i] = ExpandHome(p)
	}
	c.Organization.BasePath = ExpandHome(c.Organization.BasePath)

	if len(c.Overrides) > 0 {
		expanded := make(map[string]string, len(c.Overrides))
		for glob, level := range c.Overrides {
			expanded[ExpandHome(glob)] = level
		}
		c.Overrides = expanded
	}
	for i := range c.Classify.Rules {
		if p := c.Classify.Rules[i].Match.Path; p != "" {
			c.Classify.Rules[i].Match.Path = ExpandHome(p)
		}
	}
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

var templateVar = regexp.MustCompile(`\{([a-z0-9_.]+)\}`)

var knownTemplateVars = map[string]bool{
	"repo_name": true, "org": true, "platform": true, "username": true,
	"label": true, "project": true, "category": true, "ownership": true,
	"intention": true, "languages.0": true,
}

var knownPatterns = map[string]bool{
	"platform": true, "role": true, "project": true, "hybrid": true,
}

// Validate checks every field that can be wrong. All problems are
// ConfigInvalid; the first one found is returned.
func (c *Config) Validate() error {
	bad := func(format string, args ...any) error {
		return errs.New(errs.KindConfigInvalid, format, args...)
	}

	if c.Scan.MaxDepth < 1 {
		return bad("scan.max_depth must be at least 1")
	}
	if c.Scan.AutoVerifySeconds < 0 {
		return bad("scan.auto_verify_seconds must not be negative")
	}
	if c.Scan.WatchRebindSeconds < 1 {
		return bad("scan.watch_rebind_seconds must be at least 1")
	}
	if c.Scan.ProbeTimeoutSeconds < 1 {
		return bad("scan.probe_timeout_seconds must be at least 1")
	}
	if c.Scan.Boundaries.StatTimeoutMS < 1 {
		return bad("scan.boundaries.stat_timeout_ms must be at least 1")
	}
	for _, root := range c.Scan.Roots {
		if !filepath.IsAbs(root) {
			return bad("scan root %q is not absolute", root)
		}
	}
	for _, pat := range c.Scan.Exclude {
		if strings.ContainsAny(pat, "*?[") && !doublestar.ValidatePattern(pat) {
			return bad("scan.exclude pattern %q does not compile", pat)
		}
	}

	if !knownPatterns[c.Organization.Pattern] {
		return bad("organization.pattern %q is not one of platform, role, project, hybrid", c.Organization.Pattern)
	}
	if len(c.Organization.Rules) > 0 {
		for i, rule := range c.Organization.Rules {
			if _, err := filter.ParseMap(rule.Match); err != nil {
				return bad("organization.rules[%d]: %v", i, err)
			}
			if strings.TrimSpace(rule.Template) == "" {
				return bad("organization.rules[%d]: template is empty", i)
			}
			for _, m := range templateVar.FindAllStringSubmatch(rule.Template, -1) {
				if !knownTemplateVars[m[1]] {
					return bad("organization.rules[%d]: unknown template variable {%s}", i, m[1])
				}
			}
		}
		last := c.Organization.Rules[len(c.Organization.Rules)-1]
		if len(last.Match) != 0 {
			return bad("organization.rules must end with a catch-all rule (empty match)")
		}
	}

	if _, err := gate.ParseLevel(c.Defaults.Difficulty); err != nil {
		return bad("defaults.difficulty: %v", err)
	}
	if _, err := gate.ParseLevel(c.Defaults.MCP.Difficulty); err != nil {
		return bad("defaults.mcp.difficulty: %v", err)
	}
	for glob, level := range c.Overrides {
		if !doublestar.ValidatePattern(glob) {
			return bad("overrides: glob %q does not compile", glob)
		}
		if _, err := gate.ParseLevel(level); err != nil {
			return bad("overrides[%q]: %v", glob, err)
		}
	}

	if c.Safety.MaxPlanSize < 1 {
		return bad("safety.max_plan_size must be at least 1")
	}
	for _, pat := range c.Safety.ProtectedBranches {
		if strings.ContainsAny(pat, "*?[") && !doublestar.ValidatePattern(pat) {
			return bad("safety.protected_branches pattern %q does not compile", pat)
		}
	}

	for i, rule := range c.Classify.Rules {
		if rule.Match.Path != "" && !doublestar.ValidatePattern(rule.Match.Path) {
			return bad("classify.rules[%d].match.path %q does not compile", i, rule.Match.Path)
		}
		if rule.Match.Name != "" && !doublestar.ValidatePattern(rule.Match.Name) {
			return bad("classify.rules[%d].match.name %q does not compile", i, rule.Match.Name)
		}
		set := rule.Set
		if set.Category == "" && set.Ownership == "" && set.Intention == "" &&
			set.ManagedBy == "" && set.Project == "" && len(set.Tags) == 0 {
			return bad("classify.rules[%d] sets nothing", i)
		}
		if set.Category != "" {
			if _, err := repo.ParseCategory(set.Category); err != nil {
				return bad("classify.rules[%d].set.category: %v", i, err)
			}
		}
		if set.Ownership != "" {
			if _, err := repo.ParseOwnership(set.Ownership); err != nil {
				return bad("classify.rules[%d].set.ownership: %v", i, err)
			}
		}
		if set.Intention != "" {
			if _, err := repo.ParseIntention(set.Intention); err != nil {
				return bad("classify.rules[%d].set.intention: %v", i, err)
			}
		}
	}
	return nil
}

// GateOptions projects the config into the permission gate's inputs.
func (c *Config) GateOptions() (gate.Options, error) {
	cli, err := gate.ParseLevel(c.Defaults.Difficulty)
	if err != nil {
		return gate.Options{}, errs.Wrap(errs.KindConfigInvalid, err, "defaults.difficulty")
	}
	agent, err := gate.ParseLevel(c.Defaults.MCP.Difficulty)
	if err != nil {
		return gate.Options{}, errs.Wrap(errs.KindConfigInvalid, err, "defaults.mcp.difficulty")
	}
	opts := gate.Options{
		CLIDefault:         cli,
		AgentDefault:       agent,
		ProtectedBranches:  c.Safety.ProtectedBranches,
		ScanRoots:          c.Scan.Roots,
		ConfirmDestructive: c.Safety.AlwaysConfirmDestructive,
	}
	for glob, name := range c.Overrides {
		level, err := gate.ParseLevel(name)
		if err != nil {
			return gate.Options{}, errs.Wrap(errs.KindConfigInvalid, err, "overrides[%q]", glob)
		}
		opts.Overrides = append(opts.Overrides, gate.Override{Glob: glob, Level: level})
	}
	return opts, nil
}

// WorkLabelFor returns the work label whose org list contains org.
func (c *Config) WorkLabelFor(org string) (string, bool) {
	for label, orgs := range c.Identity.WorkOrgs {
		for _, o := range orgs {
			if strings.EqualFold(o, org) {
				return label, true
			}
		}
	}
	return "", false
}

// IsCommunityOrg reports whether org is configured as a community org.
func (c *Config) IsCommunityOrg(org string) bool {
	for _, o := range c.Identity.CommunityOrgs {
		if strings.EqualFold(o, org) {
			return true
		}
	}
	return false
}

// IsOwnUsername reports whether owner matches a configured identity.
func (c *Config) IsOwnUsername(owner string) bool {
	for _, u := range c.Identity.Usernames {
		if strings.EqualFold(u, owner) {
			return true
		}
	}
	return false
}

// Marshal renders the config back to TOML for `config show`.
func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}
