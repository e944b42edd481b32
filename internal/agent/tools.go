package agent

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"kissa/internal/core"
	"kissa/internal/filter"
	"kissa/internal/respond"
)

type handler struct {
	core *core.Core
	log  *logrus.Entry
}

func (h *handler) registerTools(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("scan",
		mcp.WithDescription("Refresh the catalogue. mode: auto (default), quick, or full."),
		mcp.WithString("mode", mcp.Description("auto, quick, or full")),
	), h.scan)

	s.AddTool(mcp.NewTool("list_repos",
		mcp.WithDescription("List catalogued repositories. All filter arguments are optional and combine with AND."),
		mcp.WithString("dirty", mcp.Description("true/false: uncommitted changes")),
		mcp.WithString("unpushed", mcp.Description("true/false: commits ahead of upstream")),
		mcp.WithString("orphan", mcp.Description("true/false: no remotes")),
		mcp.WithString("duplicates", mcp.Description("true/false: clones of the same remote")),
		mcp.WithString("lost", mcp.Description("true/false: path no longer exists")),
		mcp.WithString("org", mcp.Description("remote organization, e.g. acme")),
		mcp.WithString("category", mcp.Description("origin, clone, fork, or mirror")),
		mcp.WithString("ownership", mcp.Description("personal, work, work:<label>, community, third-party, local")),
		mcp.WithString("intention", mcp.Description("developing, contributing, reference, dependency, dotfiles, infrastructure, experiment, archived")),
		mcp.WithString("freshness", mcp.Description("active, recent, stale, dormant, ancient")),
		mcp.WithString("path_prefix", mcp.Description("only repos under this directory")),
		mcp.WithString("tags", mcp.Description("comma-separated tags the repo must carry")),
	), h.listRepos)

	s.AddTool(mcp.NewTool("search",
		mcp.WithDescription("Find repositories whose name, path, or remote URL contains the query."),
		mcp.WithString("query", mcp.Required(), mcp.Description("substring to look for")),
	), h.search)

	s.AddTool(mcp.NewTool("repo_status",
		mcp.WithDescription("Status of one repository, or the whole catalogue when repo is omitted."),
		mcp.WithString("repo", mcp.Description("name, path, or unambiguous fragment")),
	), h.repoStatus)

	s.AddTool(mcp.NewTool("freshness",
		mcp.WithDescription("Histogram of repositories by time since last commit."),
	), h.freshness)

	s.AddTool(mcp.NewTool("related",
		mcp.WithDescription("Relationships of one repository: submodules, forks, nested repos, path dependencies, siblings, duplicates."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("name, path, or unambiguous fragment")),
	), h.related)

	s.AddTool(mcp.NewTool("deps",
		mcp.WithDescription("Repositories whose manifests reference this one by local path."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("name, path, or unambiguous fragment")),
	), h.deps)

	s.AddTool(mcp.NewTool("doctor",
		mcp.WithDescription("Self-check: configuration, scan roots, index integrity, graph consistency."),
	), h.doctor)

	s.AddTool(mcp.NewTool("get_config",
		mcp.WithDescription("The active configuration, rendered as TOML."),
	), h.getConfig)

	s.AddTool(mcp.NewTool("organize",
		mcp.WithDescription("Propose (or apply) a reorganization of the catalogue under the configured layout pattern."),
		mcp.WithString("pattern", mcp.Description("platform, role, project, or hybrid; default from config")),
		mcp.WithString("apply", mcp.Description("true to apply immediately; default is plan only")),
		mcp.WithString("path_prefix", mcp.Description("only repos under this directory")),
	), h.organize)

	s.AddTool(mcp.NewTool("apply_plan",
		mcp.WithDescription("Apply a previously proposed plan. Omit plan_id for the newest pending plan."),
		mcp.WithString("plan_id", mcp.Description("plan id from a plan_ready response")),
	), h.applyPlan)

	s.AddTool(mcp.NewTool("tag",
		mcp.WithDescription("Add or remove tags on one repository."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("name, path, or unambiguous fragment")),
		mcp.WithString("add", mcp.Description("comma-separated tags to add")),
		mcp.WithString("remove", mcp.Description("comma-separated tags to remove")),
	), h.tag)

	s.AddTool(mcp.NewTool("exec",
		mcp.WithDescription("Run a git command inside a repository. The permission gate classifies the command first; destructive commands need confirm=true after the user agreed."),
		mcp.WithString("repo", mcp.Required(), mcp.Description("name, path, or unambiguous fragment")),
		mcp.WithString("args", mcp.Required(), mcp.Description("git arguments, space separated, e.g. \"log --oneline -5\"")),
		mcp.WithString("confirm", mcp.Description("true only after the user explicitly confirmed a destructive command")),
	), h.exec)

	s.AddTool(mcp.NewTool("run",
		mcp.WithDescription("Run several read-only tools in one call. Mutating tools are rejected wholesale."),
		mcp.WithArray("calls", mcp.Required(),
			mcp.Description(`array of {"tool": name, "args": {...}} objects`)),
	), h.run)
}

// render turns a core result into a tool result. Domain failures render
// as tagged text the model can act on; only argument problems surface
// as tool errors.
func render(r *respond.Response, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		fe := respond.FromError(err)
		if r != nil && len(r.Details) > 0 {
			fe.Details = append(fe.Details, r.Details...)
		}
		return mcp.NewToolResultText(fe.Render()), nil
	}
	return mcp.NewToolResultText(r.Render()), nil
}

func (h *handler) scan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mode := req.GetString("mode", "")
	switch mode {
	case "", "auto", "quick", "full":
	default:
		return mcp.NewToolResultError("mode must be auto, quick, or full"), nil
	}
	return render(h.core.Scan(ctx, mode))
}

func (h *handler) listRepos(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f, err := filterFromArgs(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return render(h.core.List(ctx, f))
}

func (h *handler) search(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := req.GetString("query", "")
	if q == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	return render(h.core.Search(ctx, q))
}

func (h *handler) repoStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(h.core.Status(ctx, req.GetString("repo", "")))
}

func (h *handler) freshness(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(h.core.Freshness(ctx))
}

func (h *handler) related(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(h.core.Related(ctx, req.GetString("repo", "")))
}

func (h *handler) deps(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(h.core.Deps(ctx, req.GetString("repo", "")))
}

func (h *handler) doctor(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(h.core.Doctor(ctx))
}

func (h *handler) getConfig(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := h.core.Cfg.Marshal()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (h *handler) organize(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope := filter.Filter{PathPrefix: req.GetString("path_prefix", "")}
	apply := boolArg(req, "apply")
	// Agent-initiated applies never move dirty worktrees.
	return render(h.core.Organize(ctx, req.GetString("pattern", ""), scope, apply, false))
}

func (h *handler) applyPlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return render(h.core.ApplyPlan(ctx, req.GetString("plan_id", ""), false))
}

func (h *handler) tag(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repoQ := req.GetString("repo", "")
	add := splitList(req.GetString("add", ""))
	remove := splitList(req.GetString("remove", ""))
	if len(add) == 0 && len(remove) == 0 {
		return mcp.NewToolResultError("nothing to do: pass add and/or remove"), nil
	}
	return render(h.core.Tag(ctx, repoQ, add, remove))
}

func (h *handler) exec(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := strings.Fields(req.GetString("args", ""))
	if len(args) == 0 {
		return mcp.NewToolResultError("args is required"), nil
	}
	return render(h.core.Exec(ctx, req.GetString("repo", ""), args, boolArg(req, "confirm")))
}

// batchCall is one entry of the run tool's calls array.
type batchCall struct {
	Tool string            `mapstructure:"tool"`
	Args map[string]string `mapstructure:"args"`
}

// readonlyBatch names the tools run may dispatch. Everything else is a
// mutation and must be called directly, one at a time.
var readonlyBatch = map[string]bool{
	"list_repos": true, "search": true, "repo_status": true,
	"freshness": true, "related": true, "deps": true,
	"doctor": true, "get_config": true,
}

func (h *handler) run(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var calls []batchCall
	raw, ok := req.GetArguments()["calls"]
	if !ok {
		return mcp.NewToolResultError("calls is required"), nil
	}
	if err := mapstructure.Decode(raw, &calls); err != nil {
		return mcp.NewToolResultError("calls: " + err.Error()), nil
	}
	if len(calls) == 0 {
		return mcp.NewToolResultError("calls is empty"), nil
	}
	for _, call := range calls {
		if !readonlyBatch[call.Tool] {
			return mcp.NewToolResultError("run only dispatches read-only tools; " + call.Tool + " must be called directly"), nil
		}
	}

	parts := make([]*respond.Response, 0, len(calls))
	for _, call := range calls {
		r, err := h.dispatch(ctx, call)
		if err != nil {
			r = respond.FromError(err)
		}
		parts = append(parts, r)
	}
	return mcp.NewToolResultText(respond.Batch(parts).Render()), nil
}

func (h *handler) dispatch(ctx context.Context, call batchCall) (*respond.Response, error) {
	arg := func(k string) string { return call.Args[k] }
	switch call.Tool {
	case "list_repos":
		f, err := filter.ParseMap(call.Args)
		if err != nil {
			return nil, err
		}
		return h.core.List(ctx, f)
	case "search":
		return h.core.Search(ctx, arg("query"))
	case "repo_status":
		return h.core.Status(ctx, arg("repo"))
	case "freshness":
		return h.core.Freshness(ctx)
	case "related":
		return h.core.Related(ctx, arg("repo"))
	case "deps":
		return h.core.Deps(ctx, arg("repo"))
	case "doctor":
		return h.core.Doctor(ctx)
	default: // get_config
		data, err := h.core.Cfg.Marshal()
		if err != nil {
			return nil, err
		}
		return respond.New(respond.TagStatus, "active configuration").Detailf("%s", string(data)), nil
	}
}

// filterFromArgs maps the list_repos arguments onto a filter.
func filterFromArgs(req mcp.CallToolRequest) (filter.Filter, error) {
	m := make(map[string]string)
	for k, v := range req.GetArguments() {
		if s, ok := v.(string); ok && s != "" {
			m[k] = s
		}
	}
	return filter.ParseMap(m)
}

func boolArg(req mcp.CallToolRequest, name string) bool {
	return req.GetString(name, "") == "true"
}

func splitList(s string) []string {
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
