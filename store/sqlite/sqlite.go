// Package sqlite provides a durable task store and execution-record log on
// SQLite (pure Go driver, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/taskmesh/core"
)

// DB implements core.TaskStore and core.RecordStore.
type DB struct {
	conn *sql.DB
	path string
}

var (
	_ core.TaskStore   = (*DB)(nil)
	_ core.RecordStore = (*DB)(nil)
)

// Open opens (and creates) the database at path and applies pending
// migrations. ":memory:" opens a private in-memory database.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		conn.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}

	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	db := &DB{conn: conn, path: path}

	if err := db.Migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database path.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	if _, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tasks},
		{2, migrationV2ExecutionRecords},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	task_type TEXT NOT NULL,
	target TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	descriptor TEXT NOT NULL,
	agent_ids TEXT NOT NULL DEFAULT '[]',
	prediction TEXT,
	result TEXT,
	created_at INTEGER NOT NULL,
	started_at INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(task_type);
`

const migrationV2ExecutionRecords = `
CREATE TABLE IF NOT EXISTS execution_records (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	task_id TEXT NOT NULL,
	task_type TEXT NOT NULL,
	success INTEGER NOT NULL,
	quality_score REAL NOT NULL,
	cost REAL NOT NULL,
	duration_ns INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_task_type ON execution_records(task_type);
`

// InsertTask stores a new task.
func (db *DB) InsertTask(ctx context.Context, task *core.Task) error {
	row, err := encodeTask(task)
	if err != nil {
		return err
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO tasks (id, task_type, target, priority, status, failure_reason, descriptor,
			agent_ids, prediction, result, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Descriptor.Type, task.Descriptor.Target, task.Descriptor.Priority,
		string(task.Status), task.FailureReason, row.descriptor, row.agentIDs, row.prediction,
		row.result, unixNano(task.CreatedAt), unixNano(task.StartedAt), unixNano(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}

	return nil
}

// UpdateTaskStatus applies a status transition inside a transaction.
func (db *DB) UpdateTaskStatus(ctx context.Context, id string, status core.TaskStatus, update core.TaskUpdate) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	task, err := scanTask(tx.QueryRowContext(ctx, selectTask, id))
	if err != nil {
		return err
	}

	if err := task.Apply(status, update); err != nil {
		return err
	}

	row, err := encodeTask(task)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, failure_reason = ?, agent_ids = ?, result = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(task.Status), task.FailureReason, row.agentIDs, row.result,
		unixNano(task.StartedAt), unixNano(task.CompletedAt), id); err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task %s: %w", id, err)
	}

	return nil
}

// FetchTask loads a task.
func (db *DB) FetchTask(ctx context.Context, id string) (*core.Task, error) {
	return scanTask(db.conn.QueryRowContext(ctx, selectTask, id))
}

// CountTasks returns the number of tasks per status.
func (db *DB) CountTasks(ctx context.Context) (map[core.TaskStatus]int, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := map[core.TaskStatus]int{}

	for rows.Next() {
		var (
			status string
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}

		out[core.TaskStatus(status)] = n
	}

	return out, rows.Err()
}

// AppendExecutionRecord appends rec to the record log.
func (db *DB) AppendExecutionRecord(ctx context.Context, rec core.ExecutionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode execution record: %w", err)
	}

	success := 0
	if rec.Success {
		success = 1
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO execution_records (id, task_id, task_type, success, quality_score, cost, duration_ns, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, rec.TaskType, success, rec.QualityScore, rec.Cost,
		int64(rec.Duration), unixNano(rec.CreatedAt), string(payload))
	if err != nil {
		return fmt.Errorf("append execution record %s: %w", rec.ID, err)
	}

	return nil
}

// RecentExecutionRecords returns up to limit records, newest first. A limit
// of zero or less returns all records.
func (db *DB) RecentExecutionRecords(ctx context.Context, limit int) ([]core.ExecutionRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := db.conn.QueryContext(ctx, "SELECT payload FROM execution_records ORDER BY seq DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("query execution records: %w", err)
	}
	defer rows.Close()

	var out []core.ExecutionRecord

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}

		var rec core.ExecutionRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode execution record: %w", err)
		}

		out = append(out, rec)
	}

	return out, rows.Err()
}

const selectTask = `
	SELECT id, status, failure_reason, descriptor, agent_ids, prediction, result,
		created_at, started_at, completed_at
	FROM tasks WHERE id = ?`

type taskRow struct {
	descriptor string
	agentIDs   string
	prediction sql.NullString
	result     sql.NullString
}

func encodeTask(task *core.Task) (taskRow, error) {
	var row taskRow

	d, err := json.Marshal(task.Descriptor)
	if err != nil {
		return row, fmt.Errorf("encode descriptor: %w", err)
	}

	row.descriptor = string(d)

	ids := task.AgentIDs
	if ids == nil {
		ids = []string{}
	}

	a, err := json.Marshal(ids)
	if err != nil {
		return row, fmt.Errorf("encode agent ids: %w", err)
	}

	row.agentIDs = string(a)

	if task.Prediction != nil {
		p, err := json.Marshal(task.Prediction)
		if err != nil {
			return row, fmt.Errorf("encode prediction: %w", err)
		}

		row.prediction = sql.NullString{String: string(p), Valid: true}
	}

	if task.Result != nil {
		r, err := json.Marshal(task.Result)
		if err != nil {
			return row, fmt.Errorf("encode result: %w", err)
		}

		row.result = sql.NullString{String: string(r), Valid: true}
	}

	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*core.Task, error) {
	var (
		task                 core.Task
		status               string
		row                  taskRow
		created, started, cp int64
	)

	err := s.Scan(&task.ID, &status, &task.FailureReason, &row.descriptor, &row.agentIDs,
		&row.prediction, &row.result, &created, &started, &cp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrTaskNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.Status = core.TaskStatus(status)
	task.CreatedAt = fromUnixNano(created)
	task.StartedAt = fromUnixNano(started)
	task.CompletedAt = fromUnixNano(cp)

	if err := json.Unmarshal([]byte(row.descriptor), &task.Descriptor); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}

	if err := json.Unmarshal([]byte(row.agentIDs), &task.AgentIDs); err != nil {
		return nil, fmt.Errorf("decode agent ids: %w", err)
	}

	if len(task.AgentIDs) == 0 {
		task.AgentIDs = nil
	}

	if row.prediction.Valid {
		var p core.Prediction
		if err := json.Unmarshal([]byte(row.prediction.String), &p); err != nil {
			return nil, fmt.Errorf("decode prediction: %w", err)
		}

		task.Prediction = &p
	}

	if row.result.Valid {
		var r core.ExecutionResult
		if err := json.Unmarshal([]byte(row.result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}

		task.Result = &r
	}

	return &task, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n).UTC()
}
