// Package index is the SQLite-backed catalogue store: one node row per
// repository plus edge, tag, scan, plan, and override tables.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"kissa/internal/errs"
	"kissa/internal/logging"
)

// migrations holds one script per schema version, applied in order. A
// store at version N has run migrations[0..N-1]; the version is kept in
// PRAGMA user_version.
var migrations = []string{schemaV1, schemaV2, schemaV3, schemaV4}

const schemaV1 = `
CREATE TABLE repos (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	path               TEXT    NOT NULL UNIQUE,
	name               TEXT    NOT NULL,
	state              TEXT    NOT NULL DEFAULT 'active',
	bare               INTEGER NOT NULL DEFAULT 0,
	default_branch     TEXT    NOT NULL DEFAULT '',
	current_branch     TEXT    NOT NULL DEFAULT '',
	branch_count       INTEGER NOT NULL DEFAULT 0,
	stale_branch_count INTEGER NOT NULL DEFAULT 0,
	dirty              INTEGER NOT NULL DEFAULT 0,
	staged             INTEGER NOT NULL DEFAULT 0,
	untracked          INTEGER NOT NULL DEFAULT 0,
	ahead              INTEGER NOT NULL DEFAULT 0,
	behind             INTEGER NOT NULL DEFAULT 0,
	size_kb            INTEGER NOT NULL DEFAULT 0,
	languages          TEXT    NOT NULL DEFAULT '',
	remotes            TEXT    NOT NULL DEFAULT '[]',
	last_commit        INTEGER,
	first_seen         INTEGER NOT NULL,
	last_verified      INTEGER NOT NULL,
	generation         INTEGER NOT NULL DEFAULT 0,
	has_enrichment     INTEGER NOT NULL DEFAULT 0,
	category           TEXT    NOT NULL DEFAULT '',
	ownership          TEXT    NOT NULL DEFAULT '',
	intention          TEXT    NOT NULL DEFAULT '',
	project            TEXT    NOT NULL DEFAULT '',
	role               TEXT    NOT NULL DEFAULT '',
	category_override  INTEGER NOT NULL DEFAULT 0,
	ownership_override INTEGER NOT NULL DEFAULT 0,
	intention_override INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_repos_name  ON repos(name);
CREATE INDEX idx_repos_state ON repos(state);

CREATE TABLE edges (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id INTEGER NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
	target_id INTEGER NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
	type      TEXT    NOT NULL,
	detail    TEXT    NOT NULL DEFAULT '',
	UNIQUE(source_id, target_id, type, detail)
);

CREATE INDEX idx_edges_source ON edges(source_id);
CREATE INDEX idx_edges_target ON edges(target_id);
CREATE INDEX idx_edges_type   ON edges(type);

CREATE TABLE tags (
	repo_id INTEGER NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
	tag     TEXT    NOT NULL,
	PRIMARY KEY (repo_id, tag)
);

CREATE TABLE scans (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	tier        TEXT    NOT NULL,
	roots       TEXT    NOT NULL DEFAULT '[]',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	seen        INTEGER NOT NULL DEFAULT 0,
	added       INTEGER NOT NULL DEFAULT 0,
	lost        INTEGER NOT NULL DEFAULT 0,
	errors      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE plans (
	id         TEXT PRIMARY KEY,
	status     TEXT    NOT NULL DEFAULT 'pending',
	pattern    TEXT    NOT NULL DEFAULT '',
	actions    TEXT    NOT NULL DEFAULT '[]',
	results    TEXT    NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	applied_at INTEGER
);

CREATE TABLE overrides (
	repo_id    INTEGER NOT NULL REFERENCES repos(id) ON DELETE CASCADE,
	field      TEXT    NOT NULL,
	value      TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (repo_id, field)
);
`

const schemaV2 = `ALTER TABLE repos ADD COLUMN managed_by TEXT NOT NULL DEFAULT '';`

const schemaV3 = `ALTER TABLE repos ADD COLUMN intention_confidence REAL NOT NULL DEFAULT 0;`

const schemaV4 = `ALTER TABLE repos ADD COLUMN difficulty TEXT NOT NULL DEFAULT '';`

// Store wraps the SQLite index database.
type Store struct {
	conn *sql.DB
	path string
	log  *logrus.Entry
}

// Open opens or creates the index database at path and brings its
// schema up to date.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "creating index directory")
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "opening index at %s", path)
	}

	// Fail early if connection is bad
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.KindInternal, err, "ping index at %s", path)
	}

	// WAL keeps reads flowing while a scan writes.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.KindInternal, err, "enabling WAL mode")
	}

	// Wait up to 5s on lock instead of failing immediately
	conn.Exec("PRAGMA busy_timeout=5000")
	conn.Exec("PRAGMA foreign_keys=ON")

	s := &Store{conn: conn, path: path, log: logging.Component("index")}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return errs.New(errs.KindInternal,
			"index schema version %d is newer than this build understands (%d)", version, len(migrations))
	}
	for v := version; v < len(migrations); v++ {
		tx, err := s.conn.Begin()
		if err != nil {
			return errs.Wrap(errs.KindInternal, err, "beginning migration %d", v+1)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return errs.Wrap(errs.KindInternal, err, "applying migration %d", v+1)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return errs.Wrap(errs.KindInternal, err, "recording migration %d", v+1)
		}
		if err := tx.Commit(); err != nil {
			return errs.Wrap(errs.KindInternal, err, "committing migration %d", v+1)
		}
		s.log.WithField("version", v+1).Debug("applied schema migration")
	}
	return nil
}

// SchemaVersion reads the store's schema version.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	if err := s.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, errs.Wrap(errs.KindInternal, err, "reading schema version")
	}
	return version, nil
}

// IntegrityCheck runs SQLite's integrity check and returns its verdict,
// "ok" when the file is sound.
func (s *Store) IntegrityCheck(ctx context.Context) (string, error) {
	var verdict string
	if err := s.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&verdict); err != nil {
		return "", errs.Wrap(errs.KindInternal, err, "integrity check")
	}
	return verdict, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// escapeLike escapes LIKE metacharacters with backslash.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
