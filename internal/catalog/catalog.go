// Package catalog maintains a queryable index of recorded runs in SQLite.
// The trace logs on disk are the source of truth; the catalog is derived
// state and can be rebuilt from the filesystem at any time, which is what
// makes it safe to treat catalog failures as non-fatal on the write path.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kiroku/internal/replay"
)

// ErrNotFound is returned when a run id has no catalog row.
var ErrNotFound = errors.New("catalog: run not found")

// RunRecord is one catalog row.
type RunRecord struct {
	RunID      string            `json:"run_id"`
	Agent      string            `json:"agent"`
	Labels     map[string]string `json:"labels,omitempty"`
	Status     string            `json:"status"`
	StartedMs  int64             `json:"started_ms"`
	FinishedMs *int64            `json:"finished_ms,omitempty"`
	Error      *string           `json:"error,omitempty"`
}

// Catalog wraps the SQLite index. Safe for concurrent use; WAL mode lets
// readers proceed alongside the single writer.
type Catalog struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the catalog database at path. The special path
// ":memory:" keeps everything in memory, used by tests.
func Open(path string, logger *slog.Logger) (*Catalog, error) {
	if path == "" {
		return nil, errors.New("catalog: database path is required")
	}

	connStr := path
	if path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("catalog: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: connect: %w", err)
	}

	c := &Catalog{db: db, logger: logger}
	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error { return c.db.Close() }

func (c *Catalog) migrate(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS runs (
		run_id      TEXT PRIMARY KEY,
		agent       TEXT NOT NULL,
		labels      TEXT NOT NULL DEFAULT '{}',
		status      TEXT NOT NULL,
		started_ms  INTEGER NOT NULL,
		finished_ms INTEGER,
		error       TEXT
	)`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("catalog: create schema: %w", err)
	}
	if _, err := c.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_ms DESC)`); err != nil {
		return fmt.Errorf("catalog: create index: %w", err)
	}
	return nil
}

// RunStarted records a newly started run. Replaces any stale row for the
// same id, so a rebuild followed by live traffic stays consistent.
func (c *Catalog) RunStarted(ctx context.Context, runID, agent string, labels map[string]string, tsMs int64) error {
	if labels == nil {
		labels = map[string]string{}
	}
	lb, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("catalog: marshal labels: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (run_id, agent, labels, status, started_ms) VALUES (?, ?, ?, 'running', ?)`,
		runID, agent, string(lb), tsMs)
	if err != nil {
		return fmt.Errorf("catalog: insert run %s: %w", runID, err)
	}
	return nil
}

// RunFinished marks a run's outcome.
func (c *Catalog) RunFinished(ctx context.Context, runID string, ok bool, errMsg string, tsMs int64) error {
	status := "failed"
	if ok {
		status = "completed"
	}
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}
	res, err := c.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_ms = ?, error = ? WHERE run_id = ?`,
		status, tsMs, errVal, runID)
	if err != nil {
		return fmt.Errorf("catalog: finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return nil
}

// Get returns one run's catalog row.
func (c *Catalog) Get(ctx context.Context, runID string) (RunRecord, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT run_id, agent, labels, status, started_ms, finished_ms, error FROM runs WHERE run_id = ?`,
		runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("catalog: get run %s: %w", runID, err)
	}
	return rec, nil
}

// List returns runs ordered newest first. limit <= 0 means a default page.
func (c *Catalog) List(ctx context.Context, limit, offset int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT run_id, agent, labels, status, started_ms, finished_ms, error
		 FROM runs ORDER BY started_ms DESC, run_id LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("catalog: list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan run: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: list runs: %w", err)
	}
	return out, nil
}

// Rebuild repopulates the catalog from the trace logs under root. Existing
// rows for rediscovered runs are replaced; rows for runs that no longer
// exist on disk are removed. Returns the number of runs indexed.
func (c *Catalog) Rebuild(ctx context.Context, root string) (int, error) {
	ids, err := replay.ListRuns(root)
	if err != nil {
		return 0, err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("catalog: begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs`); err != nil {
		return 0, fmt.Errorf("catalog: clear runs: %w", err)
	}

	indexed := 0
	for _, id := range ids {
		run, err := replay.Open(root, id)
		if err != nil {
			c.logger.Warn("catalog: skipping unreadable run", "run_id", id, "error", err)
			continue
		}
		info := run.Info()
		if info.StartedMs == 0 {
			c.logger.Warn("catalog: skipping run without run.started", "run_id", id)
			continue
		}

		status := info.Status
		if status == "unknown" {
			status = "running"
		}
		lb, err := json.Marshal(orEmpty(info.Labels))
		if err != nil {
			return 0, fmt.Errorf("catalog: marshal labels for %s: %w", id, err)
		}
		var finished, errVal any
		if info.FinishedMs != nil {
			finished = *info.FinishedMs
		}
		if info.Error != nil {
			errVal = *info.Error
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runs (run_id, agent, labels, status, started_ms, finished_ms, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, info.Agent, string(lb), status, info.StartedMs, finished, errVal); err != nil {
			return 0, fmt.Errorf("catalog: index run %s: %w", id, err)
		}
		indexed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("catalog: commit rebuild: %w", err)
	}
	return indexed, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var (
		rec      RunRecord
		labels   string
		finished sql.NullInt64
		errMsg   sql.NullString
	)
	if err := row.Scan(&rec.RunID, &rec.Agent, &labels, &rec.Status, &rec.StartedMs, &finished, &errMsg); err != nil {
		return RunRecord{}, err
	}
	if err := json.Unmarshal([]byte(labels), &rec.Labels); err != nil {
		return RunRecord{}, fmt.Errorf("decode labels: %w", err)
	}
	if finished.Valid {
		v := finished.Int64
		rec.FinishedMs = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		rec.Error = &v
	}
	return rec, nil
}
