package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"kissa/internal/core"
	"kissa/internal/filter"
	"kissa/internal/respond"
)

// Scan flags.
var (
	scanFull  bool
	scanQuick bool
	scanWatch bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover and refresh repositories under the configured roots",
	Long: `Discover and refresh repositories.

Without flags kissa picks the cheapest tier that answers honestly:
a full walk when the index is empty, a quick verification when the
last scan is stale, and the index as-is otherwise.

  kissa scan            # automatic tier
  kissa scan --quick    # verify known paths without walking
  kissa scan --full     # walk every root from scratch
  kissa scan --watch    # stay running and track filesystem events`,
	RunE: withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
		if scanWatch {
			return runWatch(ctx, c)
		}
		mode := core.ScanAuto
		switch {
		case scanFull:
			mode = core.ScanFull
		case scanQuick:
			mode = core.ScanQuick
		}
		return c.Scan(ctx, mode)
	}),
}

func runWatch(ctx context.Context, c *core.Core) (*respond.Response, error) {
	// Seed the index before watching so events diff against a fresh
	// baseline.
	if _, err := c.Scan(ctx, core.ScanAuto); err != nil {
		return nil, err
	}
	fmt.Println("[listing] watching; ctrl-c to stop")
	err := c.Scanner.Watch(ctx, func(event string) {
		fmt.Println("  " + event)
	})
	if err != nil && ctx.Err() == nil {
		return nil, err
	}
	return respond.New(respond.TagScanComplete, "watch stopped"), nil
}

// List flags, mirroring the filter predicates.
var (
	listDirty      bool
	listUnpushed   bool
	listOrphan     bool
	listDuplicates bool
	listLost       bool
	listOrg        string
	listCategory   string
	listOwnership  string
	listIntention  string
	listFreshness  string
	listUnder      string
	listTags       string
	listProject    string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List repositories, optionally filtered",
	Long: `List repositories. Filters combine with AND.

  kissa list --dirty --unpushed     # needs attention before shutdown
  kissa list --org acme --paths     # feed paths to other tools
  kissa list --freshness stale      # untouched for over a year`,
	RunE: withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
		f, err := listFilter()
		if err != nil {
			return nil, err
		}
		return c.List(ctx, f)
	}),
}

// listFilter maps the list flags onto filter predicates. Boolean flags
// only filter when set; there is no --dirty=false form, matching how
// the queries read.
func listFilter() (filter.Filter, error) {
	m := make(map[string]string)
	setIf := func(key, val string) {
		if val != "" {
			m[key] = val
		}
	}
	if listDirty {
		m["dirty"] = "true"
	}
	if listUnpushed {
		m["unpushed"] = "true"
	}
	if listOrphan {
		m["orphan"] = "true"
	}
	if listDuplicates {
		m["duplicates"] = "true"
	}
	if listLost {
		m["lost"] = "true"
	}
	setIf("org", listOrg)
	setIf("category", listCategory)
	setIf("ownership", listOwnership)
	setIf("intention", listIntention)
	setIf("freshness", listFreshness)
	setIf("path_prefix", listUnder)
	setIf("tags", listTags)
	setIf("project", listProject)
	return filter.ParseMap(m)
}

var statusCmd = &cobra.Command{
	Use:   "status [repo]",
	Short: "State of one repository, or the whole catalogue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
			return c.Status(ctx, queryArg(args))
		})(cmd, args)
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <repo>",
	Short: "Everything the index knows about one repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
			return c.Info(ctx, args[0])
		})(cmd, args)
	},
}

var freshnessCmd = &cobra.Command{
	Use:   "freshness",
	Short: "Histogram of repositories by time since last commit",
	RunE: withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
		return c.Freshness(ctx)
	}),
}

var relatedCmd = &cobra.Command{
	Use:   "related <repo>",
	Short: "How one repository connects to the others",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
			return c.Related(ctx, args[0])
		})(cmd, args)
	},
}

var depsCmd = &cobra.Command{
	Use:   "deps <repo>",
	Short: "Repositories whose manifests reference this one by path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
			return c.Deps(ctx, args[0])
		})(cmd, args)
	},
}

var graphFormat string

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "The whole relationship graph",
	Long: `Render the relationship graph.

  kissa graph                 # indented text
  kissa graph --format dot    # graphviz, pipe into dot -Tsvg`,
	RunE: withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
		return c.Graph(ctx, graphFormat)
	}),
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Find repositories by name, path, or remote URL fragment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
			return c.Search(ctx, args[0])
		})(cmd, args)
	},
}
