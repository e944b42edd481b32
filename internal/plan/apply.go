package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"kissa/internal/errs"
	"kissa/internal/filter"
	"kissa/internal/gate"
	"kissa/internal/gitprobe"
	"kissa/internal/index"
	"kissa/internal/logging"
	"kissa/internal/scan"
)

// ImpactRef is an advisory report entry: a manifest somewhere still
// references a path a move changed.
type ImpactRef struct {
	Repo     string `json:"repo"`     // repo whose manifest holds the reference
	Manifest string `json:"manifest"` // manifest:line
	OldPath  string `json:"old_path"`
}

// Outcome reports an apply run.
type Outcome struct {
	PlanID   string
	Status   string
	Results  []ActionResult
	Applied  int
	Tagged   int
	Impacts  []ImpactRef
	Warnings []string
}

// Applier executes plans under the two-phase discipline: prepare,
// execute, verify, with reverse-order rollback on any failure.
type Applier struct {
	store      *index.Store
	gate       *gate.Gate
	prober     *gitprobe.Prober
	surface    gate.Surface
	allowDirty bool
	ephemeral  bool // the plan was never saved; skip outcome recording
	log        *logrus.Entry
}

// NewApplier builds an Applier. allowDirty permits moving repositories
// with uncommitted changes.
func NewApplier(store *index.Store, g *gate.Gate, prober *gitprobe.Prober, surface gate.Surface, allowDirty bool) *Applier {
	return &Applier{
		store:      store,
		gate:       g,
		prober:     prober,
		surface:    surface,
		allowDirty: allowDirty,
		log:        logging.Component("planner"),
	}
}

// Apply runs the plan's actions in order. The first failure stops the
// run, rolls back every previously executed move in reverse order, and
// records the plan as failed (rolled_back once the restore completes).
// Cancellation is honored between actions, never mid-action.
func (a *Applier) Apply(ctx context.Context, p *Plan) (*Outcome, error) {
	if p.Status != StatusPending {
		return nil, errs.New(errs.KindPlanApplyFailed, "plan %s is %s, not pending", p.ID, p.Status)
	}

	out := &Outcome{PlanID: p.ID, Status: StatusApplied}
	var executed []int // indices of completed move/archive actions, in order

	fail := func(i int, err error) (*Outcome, error) {
		out.Results = append(out.Results, ActionResult{Index: i, Status: "failed", Error: err.Error()})
		out.Status = StatusFailed
		restored := a.rollback(ctx, p, executed, out)
		if restored {
			out.Status = StatusRolledBack
		}
		a.record(ctx, p, out)
		return out, errs.Wrap(errs.KindPlanApplyFailed, err, "action %d of plan %s failed", i+1, p.ID).
			WithDetail("action_index", i)
	}

	for i, action := range p.Actions {
		if err := ctx.Err(); err != nil {
			return fail(i, err)
		}
		switch action.Kind {
		case ActionTag:
			if err := a.store.AddTags(ctx, action.RepoID, action.Tags...); err != nil {
				return fail(i, err)
			}
			out.Tagged++
		case ActionMove, ActionArchive:
			if err := a.moveOne(ctx, action); err != nil {
				return fail(i, err)
			}
			executed = append(executed, i)
			out.Applied++
		default:
			return fail(i, fmt.Errorf("unknown action kind %q", action.Kind))
		}
		out.Results = append(out.Results, ActionResult{Index: i, Status: "done"})
	}

	out.Impacts = a.impacts(ctx, p)
	a.record(ctx, p, out)
	return out, nil
}

// moveOne runs the two-phase move of a single repository.
func (a *Applier) moveOne(ctx context.Context, action Action) error {
	// Prepare: the source must still be a repository, the destination
	// must be free, the tree clean unless dirty moves were allowed, and
	// the gate must clear both endpoints.
	r, err := a.store.GetByID(ctx, action.RepoID)
	if err != nil {
		return err
	}
	if r == nil {
		return errs.New(errs.KindUnknownRepo, "plan references a forgotten repo (id %d)", action.RepoID)
	}
	if r.Path != action.Source {
		return fmt.Errorf("%s moved to %s since the plan was made", action.Source, r.Path)
	}
	if _, err := os.Lstat(action.Source); err != nil {
		return fmt.Errorf("source vanished: %w", err)
	}
	if err := destinationFree(action.Dest); err != nil {
		return err
	}
	if r.Dirty && !a.allowDirty {
		return fmt.Errorf("%s has uncommitted changes; re-run with dirty moves allowed", action.Source)
	}
	if err := a.gate.Check(gate.Request{
		Surface: a.surface, Op: action.Kind, Min: gate.Commit, Repo: r,
	}); err != nil {
		return err
	}
	if err := a.gate.Check(gate.Request{
		Surface: a.surface, Op: action.Kind, Min: gate.Commit, Path: action.Dest,
	}); err != nil {
		return err
	}

	// Execute: rename, or copy and delete across devices. The index
	// follows in the same step.
	if err := movePath(action.Source, action.Dest); err != nil {
		return err
	}
	if err := a.store.UpdatePath(ctx, action.RepoID, action.Dest); err != nil {
		// Put the tree back so filesystem and index stay agreed.
		if rerr := movePath(action.Dest, action.Source); rerr != nil {
			a.log.WithError(rerr).Error("index update failed and the tree could not be moved back")
		}
		return err
	}

	// Verify: the repository must still open at its new home. A failed
	// verification undoes this action's own move; earlier actions are
	// the caller's rollback to restore.
	if _, err := a.prober.Probe(ctx, action.Dest); err != nil {
		if rerr := movePath(action.Dest, action.Source); rerr != nil {
			a.log.WithError(rerr).Error("verification failed and the tree could not be moved back")
		} else if uerr := a.store.UpdatePath(ctx, action.RepoID, action.Source); uerr != nil {
			a.log.WithError(uerr).Error("verification failed; tree restored but the index still says the destination")
		}
		return fmt.Errorf("verification probe at %s: %w", action.Dest, err)
	}
	a.log.WithFields(logrus.Fields{"from": action.Source, "to": action.Dest}).Info("moved")
	return nil
}

// rollback restores executed moves in reverse order, best effort.
// Returns true when every restore succeeded.
func (a *Applier) rollback(ctx context.Context, p *Plan, executed []int, out *Outcome) bool {
	complete := true
	for i := len(executed) - 1; i >= 0; i-- {
		idx := executed[i]
		action := p.Actions[idx]
		if err := movePath(action.Dest, action.Source); err != nil {
			complete = false
			out.Warnings = append(out.Warnings, fmt.Sprintf(
				"could not restore %s to %s: %v; the repository remains at %s",
				action.Dest, action.Source, err, action.Dest))
			markResult(out, idx, "failed", err.Error())
			continue
		}
		if err := a.store.UpdatePath(ctx, action.RepoID, action.Source); err != nil {
			complete = false
			out.Warnings = append(out.Warnings, fmt.Sprintf(
				"restored %s on disk but the index still says %s: %v",
				action.Source, action.Dest, err))
			markResult(out, idx, "failed", err.Error())
			continue
		}
		markResult(out, idx, "rolled_back", "")
	}
	return complete
}

func markResult(out *Outcome, index int, status, errMsg string) {
	for i := range out.Results {
		if out.Results[i].Index == index {
			out.Results[i].Status = status
			out.Results[i].Error = errMsg
			return
		}
	}
	out.Results = append(out.Results, ActionResult{Index: index, Status: status, Error: errMsg})
}

// ApplyAdhoc runs an unsaved single-shot plan. It follows the same
// two-phase discipline but never touches the plan table.
func (a *Applier) ApplyAdhoc(ctx context.Context, p *Plan) (*Outcome, error) {
	a.ephemeral = true
	return a.Apply(ctx, p)
}

// record persists the plan's terminal state; failures here are logged,
// not fatal, because the filesystem work is already done.
func (a *Applier) record(ctx context.Context, p *Plan, out *Outcome) {
	if a.ephemeral {
		p.Status = out.Status
		return
	}
	results, err := json.Marshal(out.Results)
	if err != nil {
		a.log.WithError(err).Error("encoding plan results")
		return
	}
	if err := a.store.UpdatePlan(ctx, p.ID, out.Status, results); err != nil {
		a.log.WithError(err).Error("recording plan outcome")
	}
	p.Status = out.Status
}

// impacts reports manifests anywhere in the index that still reference
// a path this plan moved. The report is advisory; nothing is rewritten.
func (a *Applier) impacts(ctx context.Context, p *Plan) []ImpactRef {
	moved := make(map[string]bool)
	for _, action := range p.Actions {
		if action.Kind == ActionMove || action.Kind == ActionArchive {
			moved[action.Source] = true
		}
	}
	if len(moved) == 0 {
		return nil
	}

	lost := false
	repos, err := a.store.ListRepos(ctx, filter.Filter{Lost: &lost})
	if err != nil {
		a.log.WithError(err).Warn("impact scan skipped")
		return nil
	}

	var impacts []ImpactRef
	for _, r := range repos {
		for _, ref := range scan.ManifestRefs(r.Path) {
			if moved[ref.Target] {
				impacts = append(impacts, ImpactRef{
					Repo:     r.Name,
					Manifest: ref.Detail,
					OldPath:  ref.Target,
				})
			}
		}
	}
	return impacts
}

// destinationFree accepts a missing destination or an empty directory.
func destinationFree(dest string) error {
	fi, err := os.Lstat(dest)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("destination %s exists", dest)
	}
	entries, err := os.ReadDir(dest)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("destination %s is not empty", dest)
	}
	return nil
}

// movePath renames src to dest, creating parents, falling back to a
// copy-and-delete when the rename crosses devices.
func movePath(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return err
	}
	// EXDEV or similar: copy the tree, then remove the source.
	if cerr := copyTree(src, dest); cerr != nil {
		os.RemoveAll(dest)
		return fmt.Errorf("cross-device move: %w", cerr)
	}
	return os.RemoveAll(src)
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
