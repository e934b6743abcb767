package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/coolsite/internal/graph"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = eris.New("store: run not found")

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at dsn and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	command    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	params     TEXT,
	summary    TEXT,
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS graph_cache (
	key        TEXT PRIMARY KEY,
	crs        TEXT NOT NULL,
	nodes      INTEGER NOT NULL,
	edges      INTEGER NOT NULL,
	data       BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_graph_cache_expires_at ON graph_cache(expires_at);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a running run with params encoded as JSON.
func (s *SQLiteStore) CreateRun(ctx context.Context, command string, params any) (*Run, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal run params")
		}
		raw = b
	}
	now := time.Now().UTC()
	run := &Run{
		ID:        uuid.New().String(),
		Command:   command,
		Status:    RunStatusRunning,
		Params:    raw,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, command, status, params, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, command, string(run.Status), nullString(raw), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return run, nil
}

// CompleteRun stores the summary and marks the run complete.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, summary *RunSummary) error {
	b, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run summary")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, updated_at = ? WHERE id = ?`,
		string(RunStatusComplete), string(b), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", id)
	}
	return checkRowsAffected(res, id)
}

// FailRun records the failure reason.
func (s *SQLiteStore) FailRun(ctx context.Context, id string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(RunStatusFailed), reason, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", id)
	}
	return checkRowsAffected(res, id)
}

// GetRun loads one run.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, command, status, params, summary, error, created_at, updated_at FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, command, status, params, summary, error, created_at, updated_at FROM runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Command != "" {
		query += ` AND command = ?`
		args = append(args, filter.Command)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// GetGraph loads an unexpired cached graph snapshot.
func (s *SQLiteStore) GetGraph(ctx context.Context, key string) (*graph.Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM graph_cache WHERE key = ? AND expires_at > ?`, key, time.Now().UTC(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get graph %s", key)
	}
	return DecodeSnapshot(data)
}

// PutGraph stores or replaces a graph snapshot.
func (s *SQLiteStore) PutGraph(ctx context.Context, key string, snap *graph.Snapshot, ttl time.Duration) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graph_cache (key, crs, nodes, edges, data, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET crs = excluded.crs, nodes = excluded.nodes, edges = excluded.edges,
		   data = excluded.data, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		key, snap.CRS, len(snap.Nodes), len(snap.Edges), data, now, now.Add(ttl),
	)
	return eris.Wrapf(err, "sqlite: put graph %s", key)
}

// DeleteGraph removes one cached graph.
func (s *SQLiteStore) DeleteGraph(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM graph_cache WHERE key = ?`, key)
	return eris.Wrapf(err, "sqlite: delete graph %s", key)
}

// ListGraphs describes every cached graph, expired ones included.
func (s *SQLiteStore) ListGraphs(ctx context.Context) ([]GraphEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, crs, nodes, edges, length(data), created_at, expires_at FROM graph_cache ORDER BY created_at DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list graphs")
	}
	defer rows.Close() //nolint:errcheck

	var out []GraphEntry
	for rows.Next() {
		var e GraphEntry
		if err := rows.Scan(&e.Key, &e.CRS, &e.Nodes, &e.Edges, &e.Bytes, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan graph entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list graphs iterate")
}

// PurgeGraphs deletes expired graphs, or all graphs when expiredOnly is false.
func (s *SQLiteStore) PurgeGraphs(ctx context.Context, expiredOnly bool) (int, error) {
	query, args := `DELETE FROM graph_cache`, []any{}
	if expiredOnly {
		query += ` WHERE expires_at <= ?`
		args = append(args, time.Now().UTC())
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge graphs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrRunNotFound, "id %s", id)
	}
	return nil
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var r Run
	var params, summary sql.NullString
	err := row.Scan(&r.ID, &r.Command, &r.Status, &params, &summary, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if params.Valid {
		r.Params = json.RawMessage(params.String)
	}
	if summary.Valid {
		r.Summary = &RunSummary{}
		if err := json.Unmarshal([]byte(summary.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run summary")
		}
	}
	return &r, nil
}
