// Package plan turns the catalogue plus an organization pattern into a
// reviewable transaction of filesystem moves, and applies it atomically
// with rollback.
package plan

import (
	"fmt"
	"path/filepath"
	"strings"

	"kissa/internal/config"
	"kissa/internal/filter"
	"kissa/internal/repo"
)

// rule is one compiled (match, template) pair.
type rule struct {
	match    filter.Filter
	template string
}

// Resolver maps a node to its destination path under the configured
// organization pattern.
type Resolver struct {
	base  string
	rules []rule
	cfg   *config.Config
}

// builtinTemplates are the named organization patterns.
var builtinTemplates = map[string]string{
	"platform": "{platform}/{org}/{repo_name}",
	"role":     "{intention}/{repo_name}",
	"project":  "{project}/{repo_name}",
	"hybrid":   "{ownership}/{platform}/{org}/{repo_name}",
}

// NewResolver compiles the organization config. When custom rules
// exist they win; the named pattern is the fallback (and the catch-all
// config validation guarantees).
func NewResolver(cfg *config.Config, pattern string) (*Resolver, error) {
	if pattern == "" {
		pattern = cfg.Organization.Pattern
	}
	r := &Resolver{base: cfg.Organization.BasePath, cfg: cfg}

	for _, or := range cfg.Organization.Rules {
		f, err := filter.ParseMap(or.Match)
		if err != nil {
			return nil, fmt.Errorf("organization rule: %w", err)
		}
		r.rules = append(r.rules, rule{match: f, template: or.Template})
	}

	tpl, ok := builtinTemplates[pattern]
	if !ok {
		return nil, fmt.Errorf("unknown organization pattern %q", pattern)
	}
	r.rules = append(r.rules, rule{match: filter.Filter{}, template: tpl})
	return r, nil
}

// Destination resolves the node's target path: the first matching
// rule's template expanded against the node's attributes. Unresolvable
// variables drop their segment; a template that expands to nothing
// falls through to the next rule.
func (r *Resolver) Destination(n *repo.Repo, env filter.Env) string {
	for _, rl := range r.rules {
		if !rl.match.Matches(n, env) {
			continue
		}
		rel := r.expand(rl.template, n)
		if rel == "" {
			continue
		}
		return filepath.Join(r.base, rel)
	}
	return ""
}

// expand substitutes {var} placeholders from node attributes and
// cleans out the segments empty values leave behind.
func (r *Resolver) expand(template string, n *repo.Repo) string {
	vars := map[string]string{
		"repo_name":   n.Name,
		"org":         n.Org(),
		"platform":    n.PlatformName(),
		"username":    firstOr(r.cfg.Identity.Usernames, ""),
		"label":       n.Ownership.Label,
		"project":     n.Project,
		"category":    string(n.Category),
		"ownership":   string(n.Ownership.Kind),
		"intention":   string(n.Intention),
		"languages.0": firstOr(n.Languages, ""),
	}

	out := template
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}

	var segments []string
	for _, seg := range strings.Split(out, "/") {
		if seg = strings.TrimSpace(seg); seg != "" {
			segments = append(segments, seg)
		}
	}
	joined := strings.Join(segments, "/")
	// A grouping template whose grouping variables all expanded empty
	// (project pattern on a repo with no project) decides nothing.
	if joined == "" || (strings.Contains(template, "/") && joined == n.Name) {
		return ""
	}
	return joined
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}
