package index

import (
	"context"
	"fmt"

	"kissa/internal/repo"
)

// InsertEdge inserts an edge if it doesn't already exist (idempotent).
func (s *Store) InsertEdge(ctx context.Context, e repo.Edge) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO edges (source_id, target_id, type, detail)
		VALUES (?, ?, ?, ?)
	`, e.SourceID, e.TargetID, string(e.Type), e.Detail)
	if err != nil {
		return fmt.Errorf("inserting edge: %w", err)
	}
	return nil
}

// ReplaceEdgesFrom swaps a node's outgoing edges for a fresh set in one
// transaction, the unit the relationship pass works in.
func (s *Store) ReplaceEdgesFrom(ctx context.Context, sourceID int64, edges []repo.Edge) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM edges WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("clearing edges: %w", err)
	}
	for _, e := range edges {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO edges (source_id, target_id, type, detail)
			VALUES (?, ?, ?, ?)
		`, sourceID, e.TargetID, string(e.Type), e.Detail); err != nil {
			return fmt.Errorf("inserting edge: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteEdgesOfType drops every edge of one type, ahead of a global
// recompute (duplicate grouping works pairwise across the whole set).
func (s *Store) DeleteEdgesOfType(ctx context.Context, t repo.EdgeType) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM edges WHERE type = ?`, string(t))
	if err != nil {
		return fmt.Errorf("deleting edges: %w", err)
	}
	return nil
}

// EdgesFrom retrieves edges leaving a node.
func (s *Store) EdgesFrom(ctx context.Context, sourceID int64) ([]repo.Edge, error) {
	return s.queryEdges(ctx,
		`SELECT id, source_id, target_id, type, detail FROM edges WHERE source_id = ? ORDER BY id`,
		sourceID)
}

// EdgesTo retrieves edges pointing at a node.
func (s *Store) EdgesTo(ctx context.Context, targetID int64) ([]repo.Edge, error) {
	return s.queryEdges(ctx,
		`SELECT id, source_id, target_id, type, detail FROM edges WHERE target_id = ? ORDER BY id`,
		targetID)
}

// EdgesFor retrieves edges touching a node from either end.
func (s *Store) EdgesFor(ctx context.Context, id int64) ([]repo.Edge, error) {
	return s.queryEdges(ctx,
		`SELECT id, source_id, target_id, type, detail FROM edges
		 WHERE source_id = ? OR target_id = ? ORDER BY id`,
		id, id)
}

// EdgesOfType retrieves all edges of one type.
func (s *Store) EdgesOfType(ctx context.Context, t repo.EdgeType) ([]repo.Edge, error) {
	return s.queryEdges(ctx,
		`SELECT id, source_id, target_id, type, detail FROM edges WHERE type = ? ORDER BY id`,
		string(t))
}

// AllEdges retrieves the whole edge set, for graph output and export.
func (s *Store) AllEdges(ctx context.Context) ([]repo.Edge, error) {
	return s.queryEdges(ctx,
		`SELECT id, source_id, target_id, type, detail FROM edges ORDER BY id`)
}

func (s *Store) queryEdges(ctx context.Context, query string, args ...any) ([]repo.Edge, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	defer rows.Close()

	var edges []repo.Edge
	for rows.Next() {
		var e repo.Edge
		var t string
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &t, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		e.Type = repo.EdgeType(t)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
