package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"kiteflow/internal/domain"
)

var ErrEmpty = errors.New("no queued changes")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS task_runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  task_name TEXT NOT NULL,
  started_at DATETIME NOT NULL,
  finished_at DATETIME NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  result BLOB
);
CREATE INDEX IF NOT EXISTS idx_task_runs_started ON task_runs(started_at);
CREATE TABLE IF NOT EXISTS automation_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  rule_id TEXT NOT NULL,
  rule_name TEXT NOT NULL,
  change_id TEXT NOT NULL,
  action TEXT NOT NULL,
  created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_automation_log_created ON automation_log(created_at);
CREATE TABLE IF NOT EXISTS change_queue (
  id TEXT PRIMARY KEY,
  change_id TEXT NOT NULL,
  page TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 1,
  state TEXT NOT NULL CHECK(state IN ('queued','leased')) DEFAULT 'queued',
  created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_queue_next ON change_queue(state, priority DESC);
`
	_, err := db.Exec(schema)
	return err
}

// SQLiteRepo keeps run history, the automation audit log and the
// optimization queue in one database.
type SQLiteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) *SQLiteRepo {
	return &SQLiteRepo{db: db, now: time.Now}
}

// DB returns the underlying database connection.
func (r *SQLiteRepo) DB() *sql.DB { return r.db }

func (r *SQLiteRepo) RecordRun(ctx context.Context, run domain.TaskRun) error {
	var result []byte
	if run.Result != nil {
		b, err := json.Marshal(run.Result)
		if err != nil {
			return fmt.Errorf("marshal run result: %w", err)
		}
		result = b
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO task_runs (task_id,task_name,started_at,finished_at,success,error,result)
VALUES (?,?,?,?,?,?,?)
`, run.TaskID, run.TaskName, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Success, run.Error, result)
	return err
}

func (r *SQLiteRepo) ListRuns(ctx context.Context, limit int) ([]domain.TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,task_name,started_at,finished_at,success,error,result
FROM task_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.TaskRun
	for rows.Next() {
		var run domain.TaskRun
		var result []byte
		if err := rows.Scan(&run.ID, &run.TaskID, &run.TaskName, &run.StartedAt, &run.FinishedAt, &run.Success, &run.Error, &result); err != nil {
			return nil, err
		}
		if len(result) > 0 {
			if err := json.Unmarshal(result, &run.Result); err != nil {
				return nil, fmt.Errorf("decode run %d result: %w", run.ID, err)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunStats summarises recorded runs per task name.
type RunStats struct {
	TaskName  string `json:"task_name"`
	Runs      int    `json:"runs"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
}

func (r *SQLiteRepo) RunStats(ctx context.Context, since time.Time) ([]RunStats, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT task_name, COUNT(*), COALESCE(SUM(success),0)
FROM task_runs WHERE started_at >= ?
GROUP BY task_name ORDER BY task_name`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []RunStats
	for rows.Next() {
		var s RunStats
		if err := rows.Scan(&s.TaskName, &s.Runs, &s.Successes); err != nil {
			return nil, err
		}
		s.Failures = s.Runs - s.Successes
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func (r *SQLiteRepo) RecordAction(ctx context.Context, rule domain.AutomationRule, changeID, action string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO automation_log (rule_id,rule_name,change_id,action,created_at) VALUES (?,?,?,?,?)
`, rule.ID, rule.Name, changeID, action, r.now().UTC())
	return err
}

func (r *SQLiteRepo) ActionCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT action, COUNT(*) FROM automation_log WHERE created_at >= ? GROUP BY action`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		counts[action] = n
	}
	return counts, rows.Err()
}

// AddChange enqueues a change for manual follow-up.
func (r *SQLiteRepo) AddChange(ctx context.Context, c domain.Change, priority int) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if priority == 0 {
		priority = 1
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO change_queue (id,change_id,page,payload,priority,state,created_at)
VALUES (?,?,?,?,?,'queued',?)
`, "chq_"+uuid.NewString(), c.ID, c.Page, payload, priority, r.now().UTC())
	return err
}

func (r *SQLiteRepo) ListQueued(ctx context.Context, limit int) ([]domain.QueuedChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id,payload,priority,state,created_at
FROM change_queue WHERE state='queued'
ORDER BY priority DESC, rowid ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.QueuedChange
	for rows.Next() {
		q, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// LeaseNext hands out the highest priority queued change, oldest first.
func (r *SQLiteRepo) LeaseNext(ctx context.Context) (domain.QueuedChange, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.QueuedChange{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT id,payload,priority,state,created_at
FROM change_queue WHERE state='queued'
ORDER BY priority DESC, rowid ASC LIMIT 1`)
	q, err := scanQueued(row)
	if err == sql.ErrNoRows {
		_ = tx.Rollback()
		err = nil
		return domain.QueuedChange{}, ErrEmpty
	}
	if err != nil {
		return domain.QueuedChange{}, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE change_queue SET state='leased' WHERE id=?`, q.ID); err != nil {
		return domain.QueuedChange{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.QueuedChange{}, err
	}
	q.State = "leased"
	return q, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQueued(s scanner) (domain.QueuedChange, error) {
	var q domain.QueuedChange
	var payload []byte
	if err := s.Scan(&q.ID, &payload, &q.Priority, &q.State, &q.CreatedAt); err != nil {
		return domain.QueuedChange{}, err
	}
	if err := json.Unmarshal(payload, &q.Change); err != nil {
		return domain.QueuedChange{}, fmt.Errorf("decode queued change %s: %w", q.ID, err)
	}
	return q, nil
}
