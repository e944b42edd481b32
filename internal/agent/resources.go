package agent

import (
	"context"
	"encoding/json"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"kissa/internal/filter"
	"kissa/internal/repo"
)

func (h *handler) registerResources(s *server.MCPServer) {
	s.AddResource(mcp.NewResource(
		"kissa://summary", "Catalogue summary",
		mcp.WithResourceDescription("Totals by state, category, and intention, plus hygiene counts."),
		mcp.WithMIMEType("application/json"),
	), h.summaryResource)

	s.AddResource(mcp.NewResource(
		"kissa://config", "Active configuration",
		mcp.WithResourceDescription("The resolved configuration this instance runs with."),
		mcp.WithMIMEType("application/json"),
	), h.configResource)

	s.AddResource(mcp.NewResource(
		"kissa://problems", "Repositories needing attention",
		mcp.WithResourceDescription("Dirty, unpushed, lost, and duplicate repositories."),
		mcp.WithMIMEType("application/json"),
	), h.problemsResource)
}

func (h *handler) summaryResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	sum, err := h.core.Store.Summarize(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, sum)
}

func (h *handler) configResource(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(req.Params.URI, h.core.Cfg)
}

// problemEntry is one repository needing attention, with the reasons.
type problemEntry struct {
	Name    string   `json:"name"`
	Path    string   `json:"path"`
	Reasons []string `json:"reasons"`
}

func (h *handler) problemsResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	repos, err := h.core.Store.ListRepos(ctx, filter.Filter{})
	if err != nil {
		return nil, err
	}
	dupes, err := h.core.Store.DuplicateIDs(ctx)
	if err != nil {
		return nil, err
	}

	var problems []problemEntry
	for _, n := range repos {
		var reasons []string
		if n.State == repo.StateLost {
			reasons = append(reasons, "lost")
		}
		if n.State == repo.StateTimeout {
			reasons = append(reasons, "probe timed out")
		}
		if n.Dirty {
			reasons = append(reasons, "uncommitted changes")
		}
		if n.Ahead > 0 {
			reasons = append(reasons, "unpushed commits")
		}
		if dupes[n.ID] {
			reasons = append(reasons, "duplicate clone")
		}
		if len(reasons) > 0 {
			problems = append(problems, problemEntry{Name: n.Name, Path: n.Path, Reasons: reasons})
		}
	}
	return jsonResource(req.Params.URI, map[string]any{
		"hostname": hostname(),
		"problems": problems,
	})
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{mcp.TextResourceContents{
		URI:      uri,
		MIMEType: "application/json",
		Text:     string(data),
	}}, nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
