package plan

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"kissa/internal/classify"
	"kissa/internal/config"
	"kissa/internal/errs"
	"kissa/internal/filter"
	"kissa/internal/index"
	"kissa/internal/repo"
)

// Plan statuses, monotonic: pending moves to applied or failed; a
// failed plan whose restore completed becomes rolled_back.
const (
	StatusPending    = "pending"
	StatusApplied    = "applied"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
)

// Action kinds.
const (
	ActionMove    = "move"
	ActionArchive = "archive"
	ActionTag     = "tag"
)

// Action is one step of a plan.
type Action struct {
	Kind   string   `json:"kind"`
	RepoID int64    `json:"repo_id"`
	Name   string   `json:"name"`
	Source string   `json:"source,omitempty"`
	Dest   string   `json:"dest,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// ActionResult is the per-action outcome recorded on the plan.
type ActionResult struct {
	Index  int    `json:"index"`
	Status string `json:"status"` // done | failed | rolled_back | skipped
	Error  string `json:"error,omitempty"`
}

// Plan is a named reorganization transaction. The id is opaque to
// agents.
type Plan struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	Status    string    `json:"status"`
	Actions   []Action  `json:"actions"`
	Conflicts []string  `json:"conflicts,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Planner generates and persists plans.
type Planner struct {
	cfg   *config.Config
	store *index.Store
}

// New returns a Planner over the store.
func New(cfg *config.Config, store *index.Store) *Planner {
	return &Planner{cfg: cfg, store: store}
}

// Generate computes the moves the pattern implies for every node the
// scope filter admits, plus archive moves for archived-intention nodes.
// Conflicts (several repos resolving to one destination) surface on the
// plan for the user to untangle; they are never auto-resolved. A plan
// over max_plan_size is rejected before it is stored.
func (p *Planner) Generate(ctx context.Context, pattern string, scope filter.Filter) (*Plan, error) {
	resolver, err := NewResolver(p.cfg, pattern)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfigInvalid, err, "compiling organization pattern")
	}
	if pattern == "" {
		pattern = p.cfg.Organization.Pattern
	}

	lost := false
	scope.Lost = &lost
	repos, err := p.store.ListRepos(ctx, scope)
	if err != nil {
		return nil, err
	}
	dup, err := p.store.DuplicateIDs(ctx)
	if err != nil {
		return nil, err
	}
	env := filter.Env{Now: time.Now(), Duplicates: dup}

	plan := &Plan{
		ID:        uuid.NewString(),
		Pattern:   pattern,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	classifier := classify.New(p.cfg)
	destFor := make(map[string][]string)
	for _, r := range repos {
		// Tags the rules imply but the node does not carry yet become
		// tag actions; they are cheap and never conflict.
		scratch := *r
		ruleTags := classifier.Classify(&scratch, classify.Facts{})
		if missing := missingTags(r.Tags, ruleTags); len(missing) > 0 {
			plan.Actions = append(plan.Actions, Action{
				Kind: ActionTag, RepoID: r.ID, Name: r.Name, Tags: missing,
			})
		}

		var action Action
		switch {
		case r.Intention == repo.IntentionArchived && !underDir(r.Path, p.archiveDir()):
			action = Action{
				Kind: ActionArchive, RepoID: r.ID, Name: r.Name,
				Source: r.Path, Dest: p.archivePath(r),
			}
		default:
			dest := resolver.Destination(r, env)
			if dest == "" || dest == r.Path {
				continue
			}
			action = Action{
				Kind: ActionMove, RepoID: r.ID, Name: r.Name,
				Source: r.Path, Dest: dest,
			}
		}
		destFor[action.Dest] = append(destFor[action.Dest], action.Source)
		plan.Actions = append(plan.Actions, action)
	}

	for dest, sources := range destFor {
		if len(sources) > 1 {
			sort.Strings(sources)
			plan.Conflicts = append(plan.Conflicts, dest+" wanted by "+joinPaths(sources))
		}
	}
	sort.Strings(plan.Conflicts)
	if len(plan.Conflicts) > 0 {
		return plan, errs.New(errs.KindPlanConflict,
			"%d destinations are contested; narrow the scope or adjust the pattern", len(plan.Conflicts)).
			WithDetail("conflicts", plan.Conflicts)
	}

	if max := p.cfg.Safety.MaxPlanSize; len(plan.Actions) > max {
		return nil, errs.New(errs.KindPlanConflict,
			"plan has %d actions, over the safety cap of %d; narrow the scope", len(plan.Actions), max).
			WithDetail("actions", len(plan.Actions)).
			WithDetail("max", max)
	}
	if len(plan.Actions) == 0 {
		return plan, nil
	}

	if err := p.save(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *Planner) save(ctx context.Context, plan *Plan) error {
	actions, err := json.Marshal(plan.Actions)
	if err != nil {
		return err
	}
	return p.store.SavePlan(ctx, &index.PlanRecord{
		ID:        plan.ID,
		Status:    plan.Status,
		Pattern:   plan.Pattern,
		Actions:   actions,
		CreatedAt: plan.CreatedAt,
	})
}

// Load retrieves a stored plan. An empty id loads the newest pending
// plan.
func (p *Planner) Load(ctx context.Context, id string) (*Plan, error) {
	var rec *index.PlanRecord
	var err error
	if id == "" {
		rec, err = p.store.LatestPlan(ctx, StatusPending)
	} else {
		rec, err = p.store.GetPlan(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if rec == nil {
		if id == "" {
			return nil, errs.New(errs.KindUnknownRepo, "no pending plan; run organize first")
		}
		return nil, errs.New(errs.KindUnknownRepo, "no plan %s", id)
	}

	plan := &Plan{ID: rec.ID, Pattern: rec.Pattern, Status: rec.Status, CreatedAt: rec.CreatedAt}
	if err := json.Unmarshal(rec.Actions, &plan.Actions); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "decoding plan %s", rec.ID)
	}
	return plan, nil
}

func (p *Planner) archiveDir() string {
	return p.cfg.Organization.BasePath + "/archive"
}

func (p *Planner) archivePath(r *repo.Repo) string {
	return p.archiveDir() + "/" + r.Name
}

func underDir(path, dir string) bool {
	return path == dir || len(path) > len(dir) && path[:len(dir)+1] == dir+"/"
}

func joinPaths(paths []string) string {
	return strings.Join(paths, ", ")
}

func missingTags(have, want []string) []string {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	var missing []string
	for _, t := range want {
		if _, ok := set[t]; !ok {
			missing = append(missing, t)
		}
	}
	sort.Strings(missing)
	return missing
}
