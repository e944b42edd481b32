package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"kissa/internal/core"
	"kissa/internal/errs"
	"kissa/internal/filter"
	"kissa/internal/respond"
)

// Organize flags.
var (
	organizePattern    string
	organizeApply      bool
	organizeUnder      string
	organizeAllowDirty bool
)

var organizeCmd = &cobra.Command{
	Use:   "organize",
	Short: "Plan (or apply) a reorganization under the configured layout",
	Long: `Plan a reorganization of the catalogue under a layout pattern.

The default run only proposes: it prints the moves, tags, and archive
actions and stores the plan. Nothing touches the filesystem until the
plan is applied.

  kissa organize                      # propose under the configured pattern
  kissa organize --pattern project    # group by project instead
  kissa organize --under ~/src        # only repos below ~/src
  kissa organize --apply              # propose and apply in one step`,
	RunE: withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
		scope := filter.Filter{PathPrefix: organizeUnder}
		return c.Organize(ctx, organizePattern, scope, organizeApply, organizeAllowDirty)
	}),
}

var applyAllowDirty bool

var applyCmd = &cobra.Command{
	Use:   "apply [plan-id]",
	Short: "Apply a stored plan (the newest pending one by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
			return c.ApplyPlan(ctx, queryArg(args), applyAllowDirty)
		})(cmd, args)
	},
}

var moveAllowDirty bool

var moveCmd = &cobra.Command{
	Use:   "move <repo> <dest>",
	Short: "Move one repository to a new path",
	Long: `Move one repository. The move follows the same discipline as a plan:
the destination must be free, the worktree clean (unless --allow-dirty),
and the permission gate must clear both endpoints. After the move the
repository is re-probed at its new path.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
			return c.Move(ctx, args[0], args[1], moveAllowDirty)
		})(cmd, args)
	},
}

var (
	tagAdd    string
	tagRemove string
)

var tagCmd = &cobra.Command{
	Use:   "tag <repo>",
	Short: "Add or remove tags on a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
			add, remove := parseCSV(tagAdd), parseCSV(tagRemove)
			if len(add) == 0 && len(remove) == 0 {
				return nil, errs.New(errs.KindConfigInvalid, "nothing to do: pass --add and/or --remove")
			}
			return c.Tag(ctx, args[0], add, remove)
		})(cmd, args)
	},
}

var execYes bool

var execCmd = &cobra.Command{
	Use:   "exec <repo> -- <git args>",
	Short: "Run a git command inside a repository, through the permission gate",
	Long: `Run git inside a catalogued repository. The gate classifies the
command first: reads always pass, writes need the repo's permission
level, and destructive commands additionally need --yes.

  kissa exec dotfiles -- log --oneline -5
  kissa exec scratch -- clean -fdx --yes`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		before, after := splitDoubleDash(cmd, args)
		return withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
			if len(before) != 1 || len(after) == 0 {
				return nil, errs.New(errs.KindConfigInvalid, "usage: kissa exec <repo> -- <git args>")
			}
			return c.Exec(ctx, before[0], after, execYes)
		})(cmd, args)
	},
}

var forgetYes bool

var forgetCmd = &cobra.Command{
	Use:   "forget <repo>",
	Short: "Drop a repository from the index (the repo itself is untouched)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
			return c.Forget(ctx, args[0], forgetYes)
		})(cmd, args)
	},
}

var (
	classifyReapply bool
	classifySets    []string
)

var classifyCmd = &cobra.Command{
	Use:   "classify [repo]",
	Short: "Re-run classification, or pin a field by hand",
	Long: `Re-run classification for one repository or the whole catalogue.

Fields set by hand stick: --set pins a field as a user override that
automatic reclassification never touches.

  kissa classify --reapply                      # whole catalogue
  kissa classify myrepo --reapply               # one repository
  kissa classify myrepo --set intention=archived
  kissa classify myrepo --set category=mirror --set ownership=personal`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
			sets, err := parseSets(classifySets)
			if err != nil {
				return nil, err
			}
			if len(sets) == 0 && !classifyReapply {
				return nil, errs.New(errs.KindConfigInvalid, "pass --reapply or --set field=value")
			}
			return c.Reclassify(ctx, queryArg(args), sets)
		})(cmd, args)
	},
}

func parseSets(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	sets := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		field, value, ok := strings.Cut(pair, "=")
		if !ok || field == "" || value == "" {
			return nil, errs.New(errs.KindConfigInvalid, "--set wants field=value, got %q", pair)
		}
		sets[field] = value
	}
	return sets, nil
}

var initDotkissaCmd = &cobra.Command{
	Use:   "init-dotkissa <repo>",
	Short: "Write a starter enrichment file at the repo root",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
			return c.InitDotkissa(ctx, args[0])
		})(cmd, args)
	},
}
