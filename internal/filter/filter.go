// Package filter implements the composable property filters that list
// and search operations accept. A filter is a conjunction of named
// predicates; it compiles to an index query plus an in-memory residual
// for the predicates the store cannot evaluate (freshness is
// time-dependent, duplicates need edge lookups, org needs URL parsing).
package filter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"kissa/internal/repo"
)

// Filter is an AND-combination of predicates. Nil pointer fields and
// empty strings mean "not constrained".
type Filter struct {
	Dirty      *bool
	Staged     *bool
	Untracked  *bool
	Unpushed   *bool // ahead > 0
	Orphan     *bool // no remotes
	HasRemote  *bool
	Duplicates *bool // participates in a DUPLICATE edge
	Lost       *bool

	Freshness  repo.Freshness
	Org        string
	PathPrefix string
	Category   repo.Category
	Ownership  string // "work:acme" exact, or "work" for any label
	Intention  repo.Intention
	ManagedBy  string
	Project    string
	Tags       []string // node tags must be a superset
}

// IsZero reports whether no predicate is set; a zero filter matches
// every node (the planner's catch-all rule).
func (f Filter) IsZero() bool {
	return f.Dirty == nil && f.Staged == nil && f.Untracked == nil &&
		f.Unpushed == nil && f.Orphan == nil && f.HasRemote == nil &&
		f.Duplicates == nil && f.Lost == nil &&
		f.Freshness == "" && f.Org == "" && f.PathPrefix == "" &&
		f.Category == "" && f.Ownership == "" && f.Intention == "" &&
		f.ManagedBy == "" && f.Project == "" && len(f.Tags) == 0
}

// Env supplies the evaluation context Matches needs.
type Env struct {
	Now        time.Time
	Duplicates map[int64]bool // repo ids participating in DUPLICATE edges
}

// Matches evaluates every predicate against a fully hydrated node.
func (f Filter) Matches(r *repo.Repo, env Env) bool {
	if f.Dirty != nil && r.Dirty != *f.Dirty {
		return false
	}
	if f.Staged != nil && r.Staged != *f.Staged {
		return false
	}
	if f.Untracked != nil && r.Untracked != *f.Untracked {
		return false
	}
	if f.Unpushed != nil && (r.Ahead > 0) != *f.Unpushed {
		return false
	}
	if f.Orphan != nil && (len(r.Remotes) == 0) != *f.Orphan {
		return false
	}
	if f.HasRemote != nil && r.HasRemote() != *f.HasRemote {
		return false
	}
	if f.Duplicates != nil && env.Duplicates[r.ID] != *f.Duplicates {
		return false
	}
	if f.Lost != nil && (r.State == repo.StateLost) != *f.Lost {
		return false
	}
	if f.Freshness != "" && repo.FreshnessOf(r.LastCommit, env.Now) != f.Freshness {
		return false
	}
	if f.Org != "" && !strings.EqualFold(r.Org(), f.Org) {
		return false
	}
	if f.PathPrefix != "" && !strings.HasPrefix(r.Path, f.PathPrefix) {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Ownership != "" && !ownershipMatches(f.Ownership, r.Ownership) {
		return false
	}
	if f.Intention != "" && r.Intention != f.Intention {
		return false
	}
	if f.ManagedBy != "" && r.ManagedBy != f.ManagedBy {
		return false
	}
	if f.Project != "" && r.Project != f.Project {
		return false
	}
	if len(f.Tags) > 0 && !hasAllTags(r.Tags, f.Tags) {
		return false
	}
	return true
}

// ownershipMatches treats "work" as matching any work label while
// "work:acme" stays exact.
func ownershipMatches(want string, got repo.Ownership) bool {
	if want == got.String() {
		return true
	}
	return want == string(got.Kind)
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// Compile splits the filter into SQL WHERE clauses over the repos table
// and a residual filter for in-memory evaluation after hydration.
func (f Filter) Compile() (clauses []string, args []any, residual Filter) {
	residual = Filter{
		Orphan:     f.Orphan,
		HasRemote:  f.HasRemote,
		Duplicates: f.Duplicates,
		Freshness:  f.Freshness,
		Org:        f.Org,
		Tags:       f.Tags,
	}

	boolClause := func(col string, v *bool) {
		if v == nil {
			return
		}
		n := 0
		if *v {
			n = 1
		}
		clauses = append(clauses, col+" = ?")
		args = append(args, n)
	}
	boolClause("dirty", f.Dirty)
	boolClause("staged", f.Staged)
	boolClause("untracked", f.Untracked)

	if f.Unpushed != nil {
		if *f.Unpushed {
			clauses = append(clauses, "ahead > 0")
		} else {
			clauses = append(clauses, "ahead = 0")
		}
	}
	if f.Lost != nil {
		if *f.Lost {
			clauses = append(clauses, "state = ?")
		} else {
			clauses = append(clauses, "state != ?")
		}
		args = append(args, string(repo.StateLost))
	}
	if f.PathPrefix != "" {
		clauses = append(clauses, "path LIKE ? ESCAPE '\\'")
		args = append(args, likeEscape(f.PathPrefix)+"%")
	}
	if f.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.Ownership != "" {
		if strings.Contains(f.Ownership, ":") {
			clauses = append(clauses, "ownership = ?")
			args = append(args, f.Ownership)
		} else {
			clauses = append(clauses, "(ownership = ? OR ownership LIKE ? ESCAPE '\\')")
			args = append(args, f.Ownership, likeEscape(f.Ownership)+":%")
		}
	}
	if f.Intention != "" {
		clauses = append(clauses, "intention = ?")
		args = append(args, string(f.Intention))
	}
	if f.ManagedBy != "" {
		clauses = append(clauses, "managed_by = ?")
		args = append(args, f.ManagedBy)
	}
	if f.Project != "" {
		clauses = append(clauses, "project = ?")
		args = append(args, f.Project)
	}
	return clauses, args, residual
}

func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

// ParseMap builds a filter from string key/value pairs: the planner's
// rule match tables and agent search arguments both arrive in this
// shape. Unknown keys are errors.
func ParseMap(m map[string]string) (Filter, error) {
	var f Filter
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := m[k]
		switch k {
		case "dirty", "staged", "untracked", "unpushed", "orphan", "has_remote", "duplicates", "lost":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return Filter{}, fmt.Errorf("predicate %s: %q is not a boolean", k, v)
			}
			switch k {
			case "dirty":
				f.Dirty = &b
			case "staged":
				f.Staged = &b
			case "untracked":
				f.Untracked = &b
			case "unpushed":
				f.Unpushed = &b
			case "orphan":
				f.Orphan = &b
			case "has_remote":
				f.HasRemote = &b
			case "duplicates":
				f.Duplicates = &b
			case "lost":
				f.Lost = &b
			}
		case "freshness":
			tier, err := repo.ParseFreshness(v)
			if err != nil {
				return Filter{}, err
			}
			f.Freshness = tier
		case "org":
			f.Org = v
		case "path_prefix":
			f.PathPrefix = v
		case "category":
			c, err := repo.ParseCategory(v)
			if err != nil {
				return Filter{}, err
			}
			f.Category = c
		case "ownership":
			if _, err := repo.ParseOwnership(v); err != nil {
				return Filter{}, err
			}
			f.Ownership = v
		case "intention":
			i, err := repo.ParseIntention(v)
			if err != nil {
				return Filter{}, err
			}
			f.Intention = i
		case "managed_by":
			f.ManagedBy = v
		case "project":
			f.Project = v
		case "tags":
			for _, t := range strings.Split(v, ",") {
				if t = strings.TrimSpace(t); t != "" {
					f.Tags = append(f.Tags, t)
				}
			}
		default:
			return Filter{}, fmt.Errorf("unknown predicate %q", k)
		}
	}
	return f, nil
}
