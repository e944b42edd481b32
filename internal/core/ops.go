package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"kissa/internal/enrich"
	"kissa/internal/errs"
	"kissa/internal/filter"
	"kissa/internal/gate"
	"kissa/internal/gitexec"
	"kissa/internal/plan"
	"kissa/internal/repo"
	"kissa/internal/respond"
)

// Organize generates a plan (and applies it when apply is set).
func (c *Core) Organize(ctx context.Context, pattern string, scope filter.Filter, apply, allowDirty bool) (*respond.Response, error) {
	p, err := c.Planner.Generate(ctx, pattern, scope)
	if err != nil {
		if errs.IsKind(err, errs.KindPlanConflict) && p != nil && len(p.Conflicts) > 0 {
			r := respond.New(respond.TagPlanReady, "plan blocked by %d conflicts", len(p.Conflicts))
			for _, conflict := range p.Conflicts {
				r.Askf("which repo should win %s", conflict)
			}
			r.Records = p
			return r, err
		}
		return nil, err
	}
	if len(p.Actions) == 0 {
		r := respond.New(respond.TagPlanReady, "nothing to do; everything already matches the %s pattern", p.Pattern)
		return r, nil
	}

	if apply {
		return c.ApplyPlan(ctx, p.ID, allowDirty)
	}

	r := respond.New(respond.TagPlanReady, "plan %s: %d actions", p.ID, len(p.Actions))
	for _, a := range p.Actions {
		r.Detailf("%s", actionLine(a))
	}
	r.Nextf("kissa organize --apply (or apply_plan with plan_id %s)", p.ID)
	r.Records = p
	return r, nil
}

// ApplyPlan executes a stored pending plan. An empty id means the
// newest pending plan.
func (c *Core) ApplyPlan(ctx context.Context, id string, allowDirty bool) (*respond.Response, error) {
	p, err := c.Planner.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	applier := plan.NewApplier(c.Store, c.Gate, c.Prober, c.Surface, allowDirty)
	out, err := applier.Apply(ctx, p)
	if err != nil {
		r := respond.New(respond.TagError, "plan %s failed: %v", p.ID, err)
		if out != nil {
			r.Detailf("status: %s", out.Status)
			for _, w := range out.Warnings {
				r.Detailf("warning: %s", w)
			}
			if out.Status == plan.StatusFailed {
				// Rollback itself failed; the exact filesystem state is
				// in the warnings.
				r.Tag = respond.TagWarning
			}
			r.Records = out
		}
		return r, err
	}

	r := respond.New(respond.TagPlanApplied, "plan %s: %d moved, %d tagged", p.ID, out.Applied, out.Tagged)
	for _, impact := range out.Impacts {
		r.Detailf("reference: %s %s still points at %s", impact.Repo, impact.Manifest, impact.OldPath)
	}
	if len(out.Impacts) > 0 {
		r.Askf("update the listed manifest references by hand?")
	}
	r.Records = out
	return r, nil
}

// Move relocates a single repository, bypassing pattern resolution but
// not the apply discipline.
func (c *Core) Move(ctx context.Context, query, dest string, allowDirty bool) (*respond.Response, error) {
	n, err := c.Resolve(ctx, query)
	if err != nil {
		return nil, err
	}
	if n.State == repo.StateLost {
		return nil, errs.New(errs.KindLostRepo, "%s is lost; its last known path was %s", n.Name, n.Path)
	}

	p := &plan.Plan{
		ID:     "adhoc",
		Status: plan.StatusPending,
		Actions: []plan.Action{{
			Kind: plan.ActionMove, RepoID: n.ID, Name: n.Name, Source: n.Path, Dest: dest,
		}},
	}
	applier := plan.NewApplier(c.Store, c.Gate, c.Prober, c.Surface, allowDirty)
	out, err := applier.ApplyAdhoc(ctx, p)
	if err != nil {
		return nil, err
	}

	r := respond.New(respond.TagMoved, "%s → %s", n.Path, dest)
	for _, impact := range out.Impacts {
		r.Detailf("reference: %s %s still points at %s", impact.Repo, impact.Manifest, impact.OldPath)
	}
	r.Records = out
	return r, nil
}

// Tag adds and removes tags on one node.
func (c *Core) Tag(ctx context.Context, query string, add, remove []string) (*respond.Response, error) {
	n, err := c.Resolve(ctx, query)
	if err != nil {
		return nil, err
	}
	if err := c.Store.AddTags(ctx, n.ID, add...); err != nil {
		return nil, err
	}
	for _, t := range remove {
		if err := c.Store.RemoveTag(ctx, n.ID, t); err != nil {
			return nil, err
		}
	}
	fresh, err := c.Store.GetByID(ctx, n.ID)
	if err != nil {
		return nil, err
	}

	r := respond.New(respond.TagExecuted, "tags for %s: %s", n.Name, strings.Join(fresh.Tags, ", "))
	r.Records = fresh.Tags
	return r, nil
}

// Exec passes an argument vector to the system git inside a repo, after
// the gate classifies and clears it.
func (c *Core) Exec(ctx context.Context, query string, args []string, confirmed bool) (*respond.Response, error) {
	n, err := c.Resolve(ctx, query)
	if err != nil {
		return nil, err
	}
	if n.State == repo.StateLost {
		return nil, errs.New(errs.KindLostRepo, "%s is lost; its last known path was %s", n.Name, n.Path)
	}

	policy := gate.ClassifyGitArgs(args)
	req := gate.Request{
		Surface:     c.Surface,
		Op:          "exec " + firstWord(args),
		Min:         policy.Min,
		Repo:        n,
		Confirmed:   confirmed,
		Destructive: policy.Destructive,
		Clean:       policy.Clean,
		ForcePush:   policy.ForcePush,
		Branch:      policy.Branch,
	}
	if policy.Clean {
		// The clean rail needs the actual untracked paths, which the
		// index does not carry.
		if v, perr := c.Prober.Probe(ctx, n.Path); perr == nil {
			req.Untracked = v.UntrackedPaths
		}
	}
	if err := c.Gate.Check(req); err != nil {
		return nil, err
	}

	res, err := gitexec.Run(ctx, n.Path, args)
	if errors.Is(err, gitexec.ErrNoGit) {
		return respond.New(respond.TagWarning, "no git binary on PATH; exec is unavailable"), nil
	}
	if err != nil {
		return nil, err
	}

	r := respond.New(respond.TagExecuted, "git %s in %s (exit %d)", firstWord(args), n.Name, res.ExitCode)
	for _, line := range outputLines(res.Stdout, 40) {
		r.Detailf("%s", line)
	}
	if res.ExitCode != 0 {
		r.Tag = respond.TagError
		for _, line := range outputLines(res.Stderr, 10) {
			r.Detailf("%s", line)
		}
	}
	r.Records = res
	return r, nil
}

// Forget drops a node from the index. Deleting a node with unpushed
// commits requires confirmation, same as deleting the repo itself.
func (c *Core) Forget(ctx context.Context, query string, confirmed bool) (*respond.Response, error) {
	n, err := c.Store.Resolve(ctx, query)
	if err != nil {
		return nil, err
	}
	if n.State == repo.StateActive {
		if err := c.Gate.Check(gate.Request{
			Surface: c.Surface, Op: "forget", Min: gate.Commit,
			Repo: n, Delete: true, Confirmed: confirmed,
		}); err != nil {
			return nil, err
		}
	}
	if err := c.Store.Delete(ctx, n.ID); err != nil {
		return nil, err
	}
	return respond.New(respond.TagExecuted, "forgot %s (%s)", n.Name, n.Path), nil
}

// Reclassify re-runs classification. With a query it touches one node;
// otherwise the whole catalogue. Fields under user override never
// change. Explicit sets mark the field overridden.
func (c *Core) Reclassify(ctx context.Context, query string, sets map[string]string) (*respond.Response, error) {
	if len(sets) > 0 {
		return c.classifySet(ctx, query, sets)
	}

	var targets []*repo.Repo
	if query != "" {
		n, err := c.Resolve(ctx, query)
		if err != nil {
			return nil, err
		}
		targets = []*repo.Repo{n}
	} else {
		var err error
		targets, err = c.Store.ListRepos(ctx, activeOnly())
		if err != nil {
			return nil, err
		}
	}

	changed := 0
	for _, n := range targets {
		before := classificationLine(n)
		if err := c.Scanner.Refresh(ctx, n); err != nil {
			c.log.WithError(err).WithField("path", n.Path).Warn("refresh during reclassify failed")
			continue
		}
		fresh, err := c.Store.GetByID(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		if fresh != nil && classificationLine(fresh) != before {
			changed++
		}
	}

	r := respond.New(respond.TagExecuted, "reclassified %d repos, %d changed", len(targets), changed)
	return r, nil
}

func (c *Core) classifySet(ctx context.Context, query string, sets map[string]string) (*respond.Response, error) {
	if query == "" {
		return nil, errs.New(errs.KindUnknownRepo, "classify --set needs a repository")
	}
	n, err := c.Resolve(ctx, query)
	if err != nil {
		return nil, err
	}

	for field, value := range sets {
		switch field {
		case "category":
			cat, err := repo.ParseCategory(value)
			if err != nil {
				return nil, errs.Wrap(errs.KindConfigInvalid, err, "classify --set")
			}
			n.Category, n.CategoryOverride = cat, true
		case "ownership":
			own, err := repo.ParseOwnership(value)
			if err != nil {
				return nil, errs.Wrap(errs.KindConfigInvalid, err, "classify --set")
			}
			n.Ownership, n.OwnershipOverride = own, true
		case "intention":
			intent, err := repo.ParseIntention(value)
			if err != nil {
				return nil, errs.Wrap(errs.KindConfigInvalid, err, "classify --set")
			}
			n.Intention, n.IntentionOverride = intent, true
			n.IntentionConfidence = 1
		case "managed_by":
			n.ManagedBy = value
		default:
			return nil, errs.New(errs.KindConfigInvalid, "classify --set: unknown field %q", field)
		}
		if err := c.Store.SetOverride(ctx, n.ID, field, value); err != nil {
			return nil, err
		}
	}
	if err := c.Store.UpdateClassification(ctx, n); err != nil {
		return nil, err
	}

	r := respond.New(respond.TagExecuted, "%s is now %s", n.Name, classificationLine(n))
	r.Records = n
	return r, nil
}

// InitDotkissa writes a starter enrichment file at the repo root.
func (c *Core) InitDotkissa(ctx context.Context, query string) (*respond.Response, error) {
	n, err := c.Resolve(ctx, query)
	if err != nil {
		return nil, err
	}
	if err := c.Gate.Check(gate.Request{
		Surface: c.Surface, Op: "init-dotkissa", Min: gate.Commit, Repo: n,
	}); err != nil {
		return nil, err
	}
	if err := enrich.Write(n.Path, &enrich.File{
		Identity: enrich.Identity{Project: n.Project, Role: n.Role, Tags: n.Tags},
	}); err != nil {
		return nil, err
	}
	if err := c.Scanner.Refresh(ctx, n); err != nil {
		c.log.WithError(err).Debug("refresh after init-dotkissa failed")
	}
	r := respond.New(respond.TagExecuted, "wrote %s in %s", enrich.FileName, n.Path)
	r.Nextf("edit it, then kissa classify --reapply %s", n.Name)
	return r, nil
}

func actionLine(a plan.Action) string {
	switch a.Kind {
	case plan.ActionTag:
		return fmt.Sprintf("tag %s: %s", a.Name, strings.Join(a.Tags, ", "))
	case plan.ActionArchive:
		return fmt.Sprintf("archive %s → %s", a.Source, a.Dest)
	default:
		return fmt.Sprintf("move %s → %s", a.Source, a.Dest)
	}
}

func firstWord(args []string) string {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return "git"
}

func outputLines(s string, max int) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > max {
		lines = append(lines[:max:max], fmt.Sprintf("… %d more lines", len(lines)-max))
	}
	return lines
}
