package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"kissa/internal/agent"
	"kissa/internal/config"
	"kissa/internal/core"
	"kissa/internal/errs"
	"kissa/internal/respond"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration",
	RunE: withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
		data, err := c.Cfg.Marshal()
		if err != nil {
			return nil, err
		}
		r := respond.New(respond.TagStatus, "configuration from %s", config.DefaultPath())
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			r.Detailf("%s", line)
		}
		r.Records = c.Cfg
		return r, nil
	}),
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print where configuration is read from",
	RunE: func(*cobra.Command, []string) error {
		fmt.Println(config.DefaultPath())
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented starter configuration",
	RunE: func(*cobra.Command, []string) error {
		path := config.DefaultPath()
		if _, err := os.Stat(path); err == nil {
			return errs.New(errs.KindConfigInvalid, "%s already exists; edit it instead", path)
		}
		if err := config.EnsureDirs(); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(config.Starter), 0o644); err != nil {
			return err
		}
		fmt.Printf("[executed] wrote %s\n  edit scan.roots, then run: kissa scan\n", path)
		return nil
	},
}

// Export/import flags.
var (
	exportFormat   string
	exportCompress bool
	exportOut      string
	importFormat   string
	importIn       string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a catalogue snapshot for another machine or a backup",
	Long: `Export the catalogue: every node, its classification, and the
relationship graph, with a checksum over the graph content.

  kissa export --out catalogue.json
  kissa export --format yaml --compress --out catalogue.yaml.zst`,
	RunE: withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
		var w io.Writer = os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			w = f
		}
		r, err := c.Export(ctx, w, exportFormat, exportCompress)
		if err != nil {
			return nil, err
		}
		if exportOut == "" {
			// The payload went to stdout; keep it clean.
			return nil, nil
		}
		r.Detailf("wrote %s", exportOut)
		return r, nil
	}),
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Merge an exported snapshot into this catalogue",
	Long: `Import a snapshot produced by export. Nodes merge by path and the
edge set is rebuilt from the snapshot; run a scan afterwards to verify
which imported paths exist on this machine.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			importIn = args[0]
		}
		return withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
			var rd io.Reader = os.Stdin
			if importIn != "" {
				f, err := os.Open(importIn)
				if err != nil {
					return nil, err
				}
				defer f.Close()
				rd = f
			}
			compressed := strings.HasSuffix(importIn, ".zst")
			format := importFormat
			if format == "" && strings.Contains(importIn, ".yaml") {
				format = "yaml"
			}
			return c.Import(ctx, rd, format, compressed)
		})(cmd, args)
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, index health, and graph consistency",
	RunE: withCore(func(ctx context.Context, c *core.Core) (*respond.Response, error) {
		return c.Doctor(ctx)
	}),
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Serve the catalogue to MCP clients over stdio",
	Long: `Run the agent surface: an MCP server on stdin/stdout. Point an MCP
client at "kissa agent" to let it query and, within the permission
gate, manage the catalogue.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		agent.Version = Version
		s, cleanup, err := agent.New(configPath)
		if err != nil {
			return err
		}
		defer cleanup()
		return agent.Serve(cmd.Context(), s)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Output the structured response as JSON")
	rootCmd.PersistentFlags().BoolVar(&pathsFlag, "paths", false, "Output matching paths only, one per line")
	rootCmd.PersistentFlags().BoolVar(&paths0Flag, "paths0", false, "Output matching paths NUL-separated, for xargs -0")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug detail to stderr")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Log warnings and errors only")

	scanCmd.Flags().BoolVar(&scanFull, "full", false, "Walk every root from scratch")
	scanCmd.Flags().BoolVar(&scanQuick, "quick", false, "Verify known paths without walking")
	scanCmd.Flags().BoolVar(&scanWatch, "watch", false, "Stay running and track filesystem events")
	scanCmd.MarkFlagsMutuallyExclusive("full", "quick", "watch")

	listCmd.Flags().BoolVar(&listDirty, "dirty", false, "Only repos with uncommitted changes")
	listCmd.Flags().BoolVar(&listUnpushed, "unpushed", false, "Only repos ahead of their upstream")
	listCmd.Flags().BoolVar(&listOrphan, "orphan", false, "Only repos without remotes")
	listCmd.Flags().BoolVar(&listDuplicates, "duplicates", false, "Only clones sharing a remote with another repo")
	listCmd.Flags().BoolVar(&listLost, "lost", false, "Only repos whose paths no longer exist")
	listCmd.Flags().StringVar(&listOrg, "org", "", "Remote organization")
	listCmd.Flags().StringVar(&listCategory, "category", "", "Category (origin, clone, fork, mirror)")
	listCmd.Flags().StringVar(&listOwnership, "ownership", "", "Ownership (personal, work:<label>, community, third-party, local)")
	listCmd.Flags().StringVar(&listIntention, "intention", "", "Intention (developing, reference, archived, ...)")
	listCmd.Flags().StringVar(&listFreshness, "freshness", "", "Freshness tier (active, recent, stale, dormant, ancient)")
	listCmd.Flags().StringVar(&listUnder, "under", "", "Only repos below this directory")
	listCmd.Flags().StringVar(&listTags, "tags", "", "Comma-separated tags the repo must carry")
	listCmd.Flags().StringVar(&listProject, "project", "", "Project grouping from enrichment")

	graphCmd.Flags().StringVar(&graphFormat, "format", "text", "Output format: text or dot")

	organizeCmd.Flags().StringVar(&organizePattern, "pattern", "", "Layout pattern: platform, role, project, or hybrid")
	organizeCmd.Flags().BoolVar(&organizeApply, "apply", false, "Apply the plan immediately")
	organizeCmd.Flags().StringVar(&organizeUnder, "under", "", "Only repos below this directory")
	organizeCmd.Flags().BoolVar(&organizeAllowDirty, "allow-dirty", false, "Move repos with uncommitted changes too")

	applyCmd.Flags().BoolVar(&applyAllowDirty, "allow-dirty", false, "Move repos with uncommitted changes too")
	moveCmd.Flags().BoolVar(&moveAllowDirty, "allow-dirty", false, "Move even with uncommitted changes")

	tagCmd.Flags().StringVar(&tagAdd, "add", "", "Comma-separated tags to add")
	tagCmd.Flags().StringVar(&tagRemove, "remove", "", "Comma-separated tags to remove")

	execCmd.Flags().BoolVar(&execYes, "yes", false, "Confirm a destructive command")
	forgetCmd.Flags().BoolVar(&forgetYes, "yes", false, "Confirm forgetting a repo with unpushed work")

	classifyCmd.Flags().BoolVar(&classifyReapply, "reapply", false, "Re-run the classification rules")
	classifyCmd.Flags().StringArrayVar(&classifySets, "set", nil, "Pin a field: --set intention=archived")

	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Snapshot format: json or yaml")
	exportCmd.Flags().BoolVar(&exportCompress, "compress", false, "zstd-compress the snapshot")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Write to a file instead of stdout")
	importCmd.Flags().StringVar(&importFormat, "format", "", "Snapshot format: json or yaml (default: guess from name)")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(freshnessCmd)
	rootCmd.AddCommand(relatedCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(organizeCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(moveCmd)
	rootCmd.AddCommand(tagCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(initDotkissaCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(agentCmd)
}
