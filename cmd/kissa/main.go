// Package main provides the kissa CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"kissa/internal/core"
	"kissa/internal/errs"
	"kissa/internal/gate"
	"kissa/internal/logging"
	"kissa/internal/respond"
)

// Version is the current kissa version.
var Version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:           "kissa",
	Short:         "kissa - a catalogue of every git repository on this machine",
	Long:          `kissa scans configured roots for git repositories, keeps a queryable index of their state, classifies them, maps how they relate, and plans safe reorganizations of the directory layout.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Global output flags.
var (
	configPath string
	jsonFlag   bool
	pathsFlag  bool
	paths0Flag bool
	verbose    bool
	quiet      bool
)

// withCore opens the core on the CLI surface, runs fn, and prints the
// result honoring the output flags.
func withCore(fn func(ctx context.Context, c *core.Core) (*respond.Response, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if verbose {
			logging.SetVerbose()
		}
		if quiet {
			logging.SetQuiet()
		}
		c, err := core.Open(gate.SurfaceCLI, configPath)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		r, err := fn(ctx, c)
		if err != nil {
			// Plans with conflicts come back alongside their error; show
			// both the rendered response and fail the command.
			if r != nil {
				printResponse(r)
			}
			return err
		}
		printResponse(r)
		return nil
	}
}

func printResponse(r *respond.Response) {
	if r == nil {
		return
	}
	switch {
	case jsonFlag:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	case paths0Flag:
		for _, p := range r.Paths {
			fmt.Print(p, "\x00")
		}
	case pathsFlag:
		for _, p := range r.Paths {
			fmt.Println(p)
		}
	default:
		fmt.Println(r.Render())
	}
}

// queryArg returns the first positional argument, or "".
func queryArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

// splitDoubleDash separates "<repo> -- <git args>" argument vectors.
func splitDoubleDash(cmd *cobra.Command, args []string) (before, after []string) {
	if i := cmd.ArgsLenAtDash(); i >= 0 {
		return args[:i], args[i:]
	}
	return args, nil
}

func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, respond.FromError(err).Render())
		os.Exit(errs.ExitCode(err))
	}
}
