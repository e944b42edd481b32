package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"kissa/internal/errs"
	"kissa/internal/filter"
	"kissa/internal/repo"
)

// repoColumns is the canonical select list; scanRepo reads columns in
// exactly this order.
const repoColumns = `id, path, name, state, bare, default_branch, current_branch,
	branch_count, stale_branch_count, dirty, staged, untracked, ahead, behind,
	size_kb, languages, remotes, last_commit, first_seen, last_verified,
	generation, has_enrichment, difficulty, category, ownership, intention,
	managed_by, intention_confidence, project, role,
	category_override, ownership_override, intention_override`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepo(row rowScanner) (*repo.Repo, error) {
	var (
		r                                         repo.Repo
		bare, dirty, staged, untracked, hasEnrich int
		catOv, ownOv, intOv                       int
		state, category, ownership, intention     string
		languages, remotesJSON                    string
		lastCommit                                sql.NullInt64
		firstSeen, lastVerified                   int64
	)
	err := row.Scan(&r.ID, &r.Path, &r.Name, &state, &bare, &r.DefaultBranch, &r.CurrentBranch,
		&r.BranchCount, &r.StaleBranchCount, &dirty, &staged, &untracked, &r.Ahead, &r.Behind,
		&r.SizeKB, &languages, &remotesJSON, &lastCommit, &firstSeen, &lastVerified,
		&r.Generation, &hasEnrich, &r.Difficulty, &category, &ownership, &intention,
		&r.ManagedBy, &r.IntentionConfidence, &r.Project, &r.Role,
		&catOv, &ownOv, &intOv)
	if err != nil {
		return nil, err
	}

	r.State = repo.State(state)
	r.Bare = bare != 0
	r.Dirty = dirty != 0
	r.Staged = staged != 0
	r.Untracked = untracked != 0
	r.HasEnrichment = hasEnrich != 0
	r.CategoryOverride = catOv != 0
	r.OwnershipOverride = ownOv != 0
	r.IntentionOverride = intOv != 0
	if languages != "" {
		r.Languages = strings.Split(languages, ",")
	}
	if remotesJSON != "" && remotesJSON != "[]" {
		if err := json.Unmarshal([]byte(remotesJSON), &r.Remotes); err != nil {
			return nil, fmt.Errorf("unmarshaling remotes: %w", err)
		}
	}
	if lastCommit.Valid {
		t := time.Unix(lastCommit.Int64, 0).UTC()
		r.LastCommit = &t
	}
	r.FirstSeen = time.Unix(firstSeen, 0).UTC()
	r.LastVerified = time.Unix(lastVerified, 0).UTC()
	r.Category = repo.Category(category)
	if ownership != "" {
		if o, err := repo.ParseOwnership(ownership); err == nil {
			r.Ownership = o
		}
	}
	r.Intention = repo.Intention(intention)
	return &r, nil
}

// UpsertVitals inserts the node or refreshes its probed vitals, keyed by
// path. Classification columns, tags, and first_seen are left untouched
// on refresh. Sets r.ID and r.FirstSeen from the stored row.
func (s *Store) UpsertVitals(ctx context.Context, r *repo.Repo) error {
	remotes := r.Remotes
	if remotes == nil {
		remotes = []repo.Remote{}
	}
	remotesJSON, err := json.Marshal(remotes)
	if err != nil {
		return fmt.Errorf("marshaling remotes: %w", err)
	}

	if r.LastVerified.IsZero() {
		r.LastVerified = time.Now().UTC()
	}
	if r.FirstSeen.IsZero() {
		r.FirstSeen = r.LastVerified
	}
	var lastCommit sql.NullInt64
	if r.LastCommit != nil {
		lastCommit = sql.NullInt64{Int64: r.LastCommit.Unix(), Valid: true}
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO repos (path, name, state, bare, default_branch, current_branch,
			branch_count, stale_branch_count, dirty, staged, untracked, ahead, behind,
			size_kb, languages, remotes, last_commit, first_seen, last_verified,
			generation, has_enrichment, difficulty)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			bare = excluded.bare,
			default_branch = excluded.default_branch,
			current_branch = excluded.current_branch,
			branch_count = excluded.branch_count,
			stale_branch_count = excluded.stale_branch_count,
			dirty = excluded.dirty,
			staged = excluded.staged,
			untracked = excluded.untracked,
			ahead = excluded.ahead,
			behind = excluded.behind,
			size_kb = excluded.size_kb,
			languages = excluded.languages,
			remotes = excluded.remotes,
			last_commit = excluded.last_commit,
			last_verified = excluded.last_verified,
			generation = excluded.generation,
			has_enrichment = excluded.has_enrichment,
			difficulty = excluded.difficulty
	`, r.Path, r.Name, string(r.State), boolInt(r.Bare), r.DefaultBranch, r.CurrentBranch,
		r.BranchCount, r.StaleBranchCount, boolInt(r.Dirty), boolInt(r.Staged), boolInt(r.Untracked),
		r.Ahead, r.Behind, r.SizeKB, strings.Join(r.Languages, ","), string(remotesJSON),
		lastCommit, r.FirstSeen.Unix(), r.LastVerified.Unix(), r.Generation, boolInt(r.HasEnrichment), r.Difficulty)
	if err != nil {
		return fmt.Errorf("upserting repo: %w", err)
	}

	var firstSeen int64
	err = s.conn.QueryRowContext(ctx, `SELECT id, first_seen FROM repos WHERE path = ?`, r.Path).
		Scan(&r.ID, &firstSeen)
	if err != nil {
		return fmt.Errorf("reading back repo id: %w", err)
	}
	r.FirstSeen = time.Unix(firstSeen, 0).UTC()
	return nil
}

// UpdateClassification writes the three axes and their override flags.
func (s *Store) UpdateClassification(ctx context.Context, r *repo.Repo) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE repos SET category = ?, ownership = ?, intention = ?,
			intention_confidence = ?, managed_by = ?, project = ?, role = ?,
			category_override = ?, ownership_override = ?, intention_override = ?
		WHERE id = ?
	`, string(r.Category), r.Ownership.String(), string(r.Intention),
		r.IntentionConfidence, r.ManagedBy, r.Project, r.Role,
		boolInt(r.CategoryOverride), boolInt(r.OwnershipOverride), boolInt(r.IntentionOverride),
		r.ID)
	if err != nil {
		return fmt.Errorf("updating classification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errs.New(errs.KindUnknownRepo, "no indexed repository with id %d", r.ID)
	}
	return nil
}

// GetByID retrieves a node by id, nil when absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*repo.Repo, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+repoColumns+` FROM repos WHERE id = ?`, id)
	r, err := scanRepo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying repo: %w", err)
	}
	return r, s.attachTags(ctx, r)
}

// GetByPath retrieves a node by absolute path, nil when absent.
func (s *Store) GetByPath(ctx context.Context, path string) (*repo.Repo, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+repoColumns+` FROM repos WHERE path = ?`, path)
	r, err := scanRepo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying repo: %w", err)
	}
	return r, s.attachTags(ctx, r)
}

// Resolve finds a node by absolute path, exact name, unique name
// prefix, or unique name substring, in that order. An ambiguous name is
// an INDEX_CONFLICT listing the candidates; no match is UNKNOWN_REPO.
func (s *Store) Resolve(ctx context.Context, q string) (*repo.Repo, error) {
	if filepath.IsAbs(q) {
		r, err := s.GetByPath(ctx, filepath.Clean(q))
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, errs.New(errs.KindUnknownRepo, "no indexed repository at %s", q)
		}
		return r, nil
	}

	stages := []struct {
		where string
		arg   string
	}{
		{"name = ?", q},
		{`name LIKE ? ESCAPE '\'`, escapeLike(q) + "%"},
		{`name LIKE ? ESCAPE '\'`, "%" + escapeLike(q) + "%"},
	}
	for _, stage := range stages {
		ids, paths, err := s.matchNames(ctx, stage.where, stage.arg)
		if err != nil {
			return nil, err
		}
		switch len(ids) {
		case 0:
			continue
		case 1:
			return s.GetByID(ctx, ids[0])
		default:
			return nil, errs.New(errs.KindIndexConflict,
				"%q matches %d repositories: %s", q, len(ids), strings.Join(paths, ", ")).
				WithDetail("candidates", paths)
		}
	}
	return nil, errs.New(errs.KindUnknownRepo, "no repository matches %q", q)
}

func (s *Store) matchNames(ctx context.Context, where, arg string) ([]int64, []string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, path FROM repos WHERE `+where+` ORDER BY path`, arg)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving name: %w", err)
	}
	defer rows.Close()

	var ids []int64
	var paths []string
	for rows.Next() {
		var id int64
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, nil, fmt.Errorf("scanning row: %w", err)
		}
		ids = append(ids, id)
		paths = append(paths, path)
	}
	return ids, paths, rows.Err()
}

// ListRepos returns nodes matching the filter, ordered by path. SQL
// handles the column predicates; the residual ones run in memory.
func (s *Store) ListRepos(ctx context.Context, f filter.Filter) ([]*repo.Repo, error) {
	clauses, args, residual := f.Compile()
	q := `SELECT ` + repoColumns + ` FROM repos`
	if len(clauses) > 0 {
		q += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	q += ` ORDER BY path`

	rows, err := s.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying repos: %w", err)
	}
	defer rows.Close()

	var repos []*repo.Repo
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		repos = append(repos, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachAllTags(ctx, repos); err != nil {
		return nil, err
	}

	if residual.IsZero() {
		return repos, nil
	}
	env := filter.Env{Now: time.Now()}
	if residual.Duplicates != nil {
		env.Duplicates, err = s.DuplicateIDs(ctx)
		if err != nil {
			return nil, err
		}
	}
	kept := repos[:0]
	for _, r := range repos {
		if residual.Matches(r, env) {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// DuplicateGroups maps each normalized remote URL shared by two or more
// distinct nodes to the ids that share it. Lost nodes are excluded.
func (s *Store) DuplicateGroups(ctx context.Context) (map[string][]int64, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, remotes FROM repos WHERE state != 'lost'`)
	if err != nil {
		return nil, fmt.Errorf("querying remotes: %w", err)
	}
	defer rows.Close()

	byURL := make(map[string][]int64)
	for rows.Next() {
		var id int64
		var remotesJSON string
		if err := rows.Scan(&id, &remotesJSON); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		var remotes []repo.Remote
		if remotesJSON != "" && remotesJSON != "[]" {
			if err := json.Unmarshal([]byte(remotesJSON), &remotes); err != nil {
				continue
			}
		}
		seen := make(map[string]bool)
		for _, rm := range remotes {
			u := repo.NormalizeRemoteURL(rm.URL)
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			byURL[u] = append(byURL[u], id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	groups := make(map[string][]int64)
	for u, ids := range byURL {
		if len(ids) > 1 {
			groups[u] = ids
		}
	}
	return groups, nil
}

// DuplicateIDs returns the set of node ids that share a remote URL with
// another node.
func (s *Store) DuplicateIDs(ctx context.Context) (map[int64]bool, error) {
	groups, err := s.DuplicateGroups(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[int64]bool)
	for _, group := range groups {
		for _, id := range group {
			ids[id] = true
		}
	}
	return ids, nil
}

// MarkLostUnder marks nodes under root whose generation predates the
// current scan as lost and returns how many changed.
func (s *Store) MarkLostUnder(ctx context.Context, root string, generation int64) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE repos SET state = 'lost'
		WHERE state != 'lost' AND generation < ?
		  AND (path = ? OR path LIKE ? ESCAPE '\')
	`, generation, root, escapeLike(root)+"/%")
	if err != nil {
		return 0, fmt.Errorf("marking lost: %w", err)
	}
	return res.RowsAffected()
}

// MarkState sets a node's lifecycle state.
func (s *Store) MarkState(ctx context.Context, id int64, state repo.State) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE repos SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("updating state: %w", err)
	}
	return nil
}

// MarkStateSeen sets a node's state and stamps it with the current scan
// generation, so the lost sweep at the end of a walk leaves it alone.
func (s *Store) MarkStateSeen(ctx context.Context, id int64, state repo.State, generation int64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE repos SET state = ?, generation = ? WHERE id = ?`, string(state), generation, id)
	if err != nil {
		return fmt.Errorf("updating state: %w", err)
	}
	return nil
}

// UpdatePath moves a node to a new path, reviving it if it was lost.
func (s *Store) UpdatePath(ctx context.Context, id int64, newPath string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE repos SET path = ?, state = 'active' WHERE id = ?`, newPath, id)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return errs.Wrap(errs.KindIndexConflict, err, "another repository is indexed at %s", newPath)
		}
		return fmt.Errorf("updating path: %w", err)
	}
	return nil
}

// Touch refreshes last_verified and generation without re-probing.
func (s *Store) Touch(ctx context.Context, id int64, when time.Time, generation int64) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE repos SET last_verified = ?, generation = ?, state = 'active' WHERE id = ?
	`, when.Unix(), generation, id)
	if err != nil {
		return fmt.Errorf("touching repo: %w", err)
	}
	return nil
}

// Delete removes a node; edges, tags, and overrides cascade.
func (s *Store) Delete(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM repos WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting repo: %w", err)
	}
	return nil
}

// AddTags attaches tags, ignoring ones already present.
func (s *Store) AddTags(ctx context.Context, repoID int64, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO tags (repo_id, tag) VALUES (?, ?)`, repoID, tag); err != nil {
			return fmt.Errorf("inserting tag: %w", err)
		}
	}
	return tx.Commit()
}

// RemoveTag detaches a tag if present.
func (s *Store) RemoveTag(ctx context.Context, repoID int64, tag string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM tags WHERE repo_id = ? AND tag = ?`, repoID, tag)
	if err != nil {
		return fmt.Errorf("deleting tag: %w", err)
	}
	return nil
}

func (s *Store) attachTags(ctx context.Context, r *repo.Repo) error {
	if r == nil {
		return nil
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT tag FROM tags WHERE repo_id = ? ORDER BY tag`, r.ID)
	if err != nil {
		return fmt.Errorf("querying tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return fmt.Errorf("scanning tag: %w", err)
		}
		r.Tags = append(r.Tags, tag)
	}
	return rows.Err()
}

func (s *Store) attachAllTags(ctx context.Context, repos []*repo.Repo) error {
	if len(repos) == 0 {
		return nil
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT repo_id, tag FROM tags ORDER BY tag`)
	if err != nil {
		return fmt.Errorf("querying tags: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64][]string)
	for rows.Next() {
		var id int64
		var tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return fmt.Errorf("scanning tag: %w", err)
		}
		byID[id] = append(byID[id], tag)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, r := range repos {
		r.Tags = byID[r.ID]
	}
	return nil
}

// SetOverride records a per-field user override so it survives
// re-classification.
func (s *Store) SetOverride(ctx context.Context, repoID int64, field, value string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO overrides (repo_id, field, value, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(repo_id, field) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at
	`, repoID, field, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("saving override: %w", err)
	}
	return nil
}

// ClearOverride removes a per-field user override.
func (s *Store) ClearOverride(ctx context.Context, repoID int64, field string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM overrides WHERE repo_id = ? AND field = ?`, repoID, field)
	if err != nil {
		return fmt.Errorf("clearing override: %w", err)
	}
	return nil
}

// Overrides returns a node's field overrides.
func (s *Store) Overrides(ctx context.Context, repoID int64) (map[string]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT field, value FROM overrides WHERE repo_id = ?`, repoID)
	if err != nil {
		return nil, fmt.Errorf("querying overrides: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scanning override: %w", err)
		}
		out[field] = value
	}
	return out, rows.Err()
}

// Summary aggregates catalogue-wide counts for the doctor and the agent
// summary resource.
type Summary struct {
	Total       int            `json:"total"`
	ByState     map[string]int `json:"by_state,omitempty"`
	ByCategory  map[string]int `json:"by_category,omitempty"`
	ByIntention map[string]int `json:"by_intention,omitempty"`
	Dirty       int            `json:"dirty"`
	Unpushed    int            `json:"unpushed"`
	Untracked   int            `json:"untracked"`
	Duplicates  int            `json:"duplicates"`
	LastScan    *ScanRecord    `json:"last_scan,omitempty"`
}

// Summarize computes the catalogue summary.
func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	sum := &Summary{
		ByState:     make(map[string]int),
		ByCategory:  make(map[string]int),
		ByIntention: make(map[string]int),
	}

	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(dirty), 0),
			COALESCE(SUM(untracked), 0),
			COALESCE(SUM(CASE WHEN ahead > 0 THEN 1 ELSE 0 END), 0)
		FROM repos
	`).Scan(&sum.Total, &sum.Dirty, &sum.Untracked, &sum.Unpushed)
	if err != nil {
		return nil, fmt.Errorf("counting repos: %w", err)
	}

	for _, group := range []struct {
		column string
		into   map[string]int
	}{
		{"state", sum.ByState},
		{"category", sum.ByCategory},
		{"intention", sum.ByIntention},
	} {
		rows, err := s.conn.QueryContext(ctx,
			`SELECT `+group.column+`, COUNT(*) FROM repos GROUP BY `+group.column)
		if err != nil {
			return nil, fmt.Errorf("grouping by %s: %w", group.column, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning group: %w", err)
			}
			if key != "" {
				group.into[key] = n
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	dup, err := s.DuplicateIDs(ctx)
	if err != nil {
		return nil, err
	}
	sum.Duplicates = len(dup)

	last, err := s.LastScan(ctx)
	if err != nil {
		return nil, err
	}
	sum.LastScan = last
	return sum, nil
}
