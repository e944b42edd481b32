// Package agent exposes the catalogue to MCP clients over stdio.
//
// This is the composition root for the agent surface: it builds the
// server, registers every tool and resource, and injects the shared
// core. The agent surface is text-only; every tool returns the same
// terse rendering the CLI prints, and structured projections stay on
// the CLI side.
package agent

import (
	"context"

	"github.com/mark3labs/mcp-go/server"

	"kissa/internal/core"
	"kissa/internal/gate"
	"kissa/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New opens the core on the agent surface and builds the MCP server
// with all tools and resources registered. The returned cleanup closes
// the index and must run on shutdown.
func New(cfgPath string) (*server.MCPServer, func(), error) {
	c, err := core.Open(gate.SurfaceAgent, cfgPath)
	if err != nil {
		return nil, func() {}, err
	}

	s := server.NewMCPServer(
		"kissa",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	h := &handler{core: c, log: logging.Component("agent")}
	h.registerTools(s)
	h.registerResources(s)

	cleanup := func() {
		if err := c.Close(); err != nil {
			h.log.WithError(err).Warn("closing index")
		}
	}
	return s, cleanup, nil
}

// Serve runs the server on stdio until the client disconnects.
func Serve(ctx context.Context, s *server.MCPServer) error {
	_ = ctx
	return server.ServeStdio(s)
}

const instructions = `kissa catalogues the git repositories on this machine: where they
are, what state they are in, and how they relate.

Start with the kissa://summary resource or the repo_status tool to see
what the catalogue holds. Repositories are addressed by name, path, or
unambiguous fragment; when a fragment is ambiguous the error lists the
candidates, so retry with one of them.

Responses are terse status lines: a [state_tag] summary, indented
details, an optional "→ next:" hint, and "? ask user:" lines for
decisions only the user can make. Relay ask lines to the user instead
of answering them yourself.

Mutating tools (organize, apply_plan, tag, exec) pass through a
permission gate. A [blocked] response names the rule that stopped the
operation; do not retry blocked operations, tell the user what was
blocked and why. Destructive git operations need confirm=true, which
you must only set after the user explicitly agreed.`
