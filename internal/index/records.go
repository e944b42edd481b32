package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ScanRecord is one row of scan history. The row id doubles as the scan
// generation stamped on every node the scan saw.
type ScanRecord struct {
	ID         int64      `json:"id"`
	Tier       string     `json:"tier"`
	Roots      []string   `json:"roots,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Seen       int        `json:"seen"`
	Added      int        `json:"added"`
	Lost       int        `json:"lost"`
	Errors     int        `json:"errors"`
}

// BeginScan records a scan start and returns its id.
func (s *Store) BeginScan(ctx context.Context, tier string, roots []string) (int64, error) {
	if roots == nil {
		roots = []string{}
	}
	rootsJSON, err := json.Marshal(roots)
	if err != nil {
		return 0, fmt.Errorf("marshaling roots: %w", err)
	}
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO scans (tier, roots, started_at) VALUES (?, ?, ?)
	`, tier, string(rootsJSON), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("recording scan: %w", err)
	}
	return res.LastInsertId()
}

// FinishScan closes a scan record with its counters.
func (s *Store) FinishScan(ctx context.Context, id int64, seen, added, lost, errCount int) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE scans SET finished_at = ?, seen = ?, added = ?, lost = ?, errors = ?
		WHERE id = ?
	`, time.Now().Unix(), seen, added, lost, errCount, id)
	if err != nil {
		return fmt.Errorf("finishing scan: %w", err)
	}
	return nil
}

// LastScan returns the most recent scan record, nil when none exists.
func (s *Store) LastScan(ctx context.Context) (*ScanRecord, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, tier, roots, started_at, finished_at, seen, added, lost, errors
		FROM scans ORDER BY id DESC LIMIT 1
	`)
	rec, err := scanScanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying scan: %w", err)
	}
	return rec, nil
}

// ListScans returns the most recent scan records, newest first.
func (s *Store) ListScans(ctx context.Context, limit int) ([]*ScanRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, tier, roots, started_at, finished_at, seen, added, lost, errors
		FROM scans ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying scans: %w", err)
	}
	defer rows.Close()

	var recs []*ScanRecord
	for rows.Next() {
		rec, err := scanScanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning scan row: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanScanRecord(row rowScanner) (*ScanRecord, error) {
	var rec ScanRecord
	var rootsJSON string
	var started int64
	var finished sql.NullInt64
	err := row.Scan(&rec.ID, &rec.Tier, &rootsJSON, &started, &finished,
		&rec.Seen, &rec.Added, &rec.Lost, &rec.Errors)
	if err != nil {
		return nil, err
	}
	rec.StartedAt = time.Unix(started, 0).UTC()
	if finished.Valid {
		t := time.Unix(finished.Int64, 0).UTC()
		rec.FinishedAt = &t
	}
	if rootsJSON != "" && rootsJSON != "[]" {
		if err := json.Unmarshal([]byte(rootsJSON), &rec.Roots); err != nil {
			return nil, fmt.Errorf("unmarshaling roots: %w", err)
		}
	}
	return &rec, nil
}

// PlanRecord is one persisted organization plan. Actions and Results
// are opaque JSON owned by the planner.
type PlanRecord struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Pattern   string          `json:"pattern"`
	Actions   json.RawMessage `json:"actions,omitempty"`
	Results   json.RawMessage `json:"results,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	AppliedAt *time.Time      `json:"applied_at,omitempty"`
}

// SavePlan stores a freshly generated plan.
func (s *Store) SavePlan(ctx context.Context, p *PlanRecord) error {
	actions := p.Actions
	if actions == nil {
		actions = json.RawMessage("[]")
	}
	results := p.Results
	if results == nil {
		results = json.RawMessage("[]")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO plans (id, status, pattern, actions, results, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Status, p.Pattern, string(actions), string(results), p.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("saving plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by id, nil when absent.
func (s *Store) GetPlan(ctx context.Context, id string) (*PlanRecord, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, status, pattern, actions, results, created_at, applied_at
		FROM plans WHERE id = ?
	`, id)
	p, err := scanPlanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying plan: %w", err)
	}
	return p, nil
}

// LatestPlan returns the newest plan with the given status, or the
// newest plan of any status when status is empty. Nil when none exists.
func (s *Store) LatestPlan(ctx context.Context, status string) (*PlanRecord, error) {
	query := `SELECT id, status, pattern, actions, results, created_at, applied_at FROM plans`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	row := s.conn.QueryRowContext(ctx, query, args...)
	p, err := scanPlanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying plan: %w", err)
	}
	return p, nil
}

// UpdatePlan records a plan's terminal status and per-action results.
func (s *Store) UpdatePlan(ctx context.Context, id, status string, results json.RawMessage) error {
	if results == nil {
		results = json.RawMessage("[]")
	}
	res, err := s.conn.ExecContext(ctx, `
		UPDATE plans SET status = ?, results = ?, applied_at = ? WHERE id = ?
	`, status, string(results), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("updating plan: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("plan %s not found", id)
	}
	return nil
}

func scanPlanRecord(row rowScanner) (*PlanRecord, error) {
	var p PlanRecord
	var actions, results string
	var created int64
	var applied sql.NullInt64
	err := row.Scan(&p.ID, &p.Status, &p.Pattern, &actions, &results, &created, &applied)
	if err != nil {
		return nil, err
	}
	p.Actions = json.RawMessage(actions)
	p.Results = json.RawMessage(results)
	p.CreatedAt = time.Unix(created, 0).UTC()
	if applied.Valid {
		t := time.Unix(applied.Int64, 0).UTC()
		p.AppliedAt = &t
	}
	return &p, nil
}
