package scan

import (
	"context"
	"sort"
	"strings"

	"kissa/internal/repo"
)

// RecomputeEdges rebuilds the relationship edges from the current
// active node set. Classification consumed by earlier passes is not
// touched; edges are derived state and safe to drop and rebuild.
func (s *Scanner) RecomputeEdges(ctx context.Context) error {
	repos, err := s.store.ListRepos(ctx, activeFilter())
	if err != nil {
		return err
	}
	byPath := make(map[string]*repo.Repo, len(repos))
	byOrigin := make(map[string][]*repo.Repo)
	for _, r := range repos {
		byPath[r.Path] = r
		if origin, ok := r.Origin(); ok {
			if u := repo.NormalizeRemoteURL(origin.URL); u != "" {
				byOrigin[u] = append(byOrigin[u], r)
			}
		}
	}

	outgoing := make(map[int64][]repo.Edge)

	for _, r := range repos {
		// SUBMODULE: the parent's .gitmodules names the child's path.
		for _, sub := range submodulePaths(r.Path) {
			if child, ok := byPath[sub.path]; ok && child.ID != r.ID {
				outgoing[r.ID] = append(outgoing[r.ID], repo.Edge{
					SourceID: r.ID, TargetID: child.ID,
					Type: repo.EdgeSubmodule, Detail: sub.detail,
				})
			}
		}

		// NESTED: parent points at any repo strictly inside its tree
		// that is not already a registered submodule.
		for _, other := range repos {
			if other.ID == r.ID {
				continue
			}
			if strings.HasPrefix(other.Path, r.Path+"/") {
				outgoing[r.ID] = append(outgoing[r.ID], repo.Edge{
					SourceID: r.ID, TargetID: other.ID, Type: repo.EdgeNested,
				})
			}
		}

		// FORK_OF: an upstream remote matching another node's origin.
		if up, ok := r.Remote("upstream"); ok {
			u := repo.NormalizeRemoteURL(up.URL)
			for _, origin := range byOrigin[u] {
				if origin.ID != r.ID {
					outgoing[r.ID] = append(outgoing[r.ID], repo.Edge{
						SourceID: r.ID, TargetID: origin.ID, Type: repo.EdgeForkOf,
					})
				}
			}
		}

		// DEPENDS_ON: local-path references in the repo's manifests.
		for _, ref := range ManifestRefs(r.Path) {
			if dep, ok := byPath[ref.Target]; ok && dep.ID != r.ID {
				outgoing[r.ID] = append(outgoing[r.ID], repo.Edge{
					SourceID: r.ID, TargetID: dep.ID,
					Type: repo.EdgeDependsOn, Detail: ref.Detail,
				})
			}
		}

		// SIBLING: declared in the enrichment file.
		for _, sib := range siblingPaths(r.Path) {
			if other, ok := byPath[sib]; ok && other.ID != r.ID {
				outgoing[r.ID] = append(outgoing[r.ID], repo.Edge{
					SourceID: r.ID, TargetID: other.ID, Type: repo.EdgeSibling,
				})
			}
		}
	}

	for _, r := range repos {
		if err := s.store.ReplaceEdgesFrom(ctx, r.ID, outgoing[r.ID]); err != nil {
			return err
		}
	}

	// DUPLICATE edges are global pairwise state: rebuild the whole set
	// from the nodes sharing a normalized remote URL.
	if err := s.store.DeleteEdgesOfType(ctx, repo.EdgeDuplicate); err != nil {
		return err
	}
	groups, err := s.store.DuplicateGroups(ctx)
	if err != nil {
		return err
	}
	urls := make([]string, 0, len(groups))
	for u := range groups {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	for _, u := range urls {
		ids := groups[u]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				err := s.store.InsertEdge(ctx, repo.Edge{
					SourceID: ids[i], TargetID: ids[j],
					Type: repo.EdgeDuplicate, Detail: u,
				})
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}
