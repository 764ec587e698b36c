package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/conveyorhq/conveyor/internal/task"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys,
// and a busy timeout so concurrent processes queue instead of failing.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// Note: modernc.org/sqlite doesn't support _foreign_keys in the
	// connection string, so that pragma is set separately below.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return openSQLite(ctx, connStr)
}

var memorySeq atomic.Int64

// NewMemoryStore creates an in-memory SQLite store for testing and
// ephemeral queues. Each call gets its own database; the shared cache
// lets the pool's connections see the same tables.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:conveyor-mem-%d?mode=memory&cache=shared", memorySeq.Add(1))
	return openSQLite(ctx, connStr)
}

func openSQLite(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys via PRAGMA (required for modernc.org/sqlite)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Allow 2 connections: one for primary queries, one for follow-up
	// lookups while a result set is still open.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const taskColumns = `id, name, description, priority, status, action_kind, action_target,
	action_args, action_payload, attempt_count, max_attempts, last_error,
	created_at, updated_at, started_at, completed_at, next_retry_at`

// Put inserts a new task with its dependencies and attempt history.
func (s *SQLiteStore) Put(ctx context.Context, t *task.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, t.ID).Scan(&one)
	if err == nil {
		return fmt.Errorf("task %s: %w", t.ID, ErrDuplicateID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check task existence: %w", err)
	}

	for _, dep := range t.Dependencies {
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, dep).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dependency %s of task %s: %w", dep, t.ID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}
	}

	args, err := encodeArgs(t.Action.Args)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, t.Description, string(t.Priority), string(t.Status),
		string(t.Action.Kind), t.Action.Target, args, string(t.Action.Payload),
		t.AttemptCount, t.MaxAttempts, t.LastError,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt), formatTimePtr(t.NextRetryAt))
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	for _, dep := range t.Dependencies {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_deps (task_id, depends_on_id)
			VALUES (?, ?)
		`, t.ID, dep)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, dep, err)
		}
	}

	if err := insertAttempts(ctx, tx, t.ID, t.History); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Get retrieves a task by ID, including its dependencies and history.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := scanOneTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if err := s.loadRelated(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// List returns all tasks passing the filter, ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanOneTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	now := time.Now()
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if !f.Match(t, now) {
			continue
		}
		if err := s.loadRelated(ctx, t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Transition applies a compare-and-swap status change inside a write
// transaction. The UPDATE re-checks the expected status so a row changed
// by another process between read and write is never overwritten.
func (s *SQLiteStore) Transition(ctx context.Context, id string, expected, next task.Status, mutate Mutator) (*task.Task, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := scanOneTask(tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	if err := loadRelatedTx(ctx, tx, t); err != nil {
		return nil, err
	}

	if err := applyTransition(t, expected, next, mutate, time.Now()); err != nil {
		return nil, err
	}

	args, err := encodeArgs(t.Action.Args)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET name = ?, description = ?, priority = ?, status = ?,
			action_kind = ?, action_target = ?, action_args = ?, action_payload = ?,
			attempt_count = ?, max_attempts = ?, last_error = ?,
			updated_at = ?, started_at = ?, completed_at = ?, next_retry_at = ?
		WHERE id = ? AND status = ?
	`, t.Name, t.Description, string(t.Priority), string(t.Status),
		string(t.Action.Kind), t.Action.Target, args, string(t.Action.Payload),
		t.AttemptCount, t.MaxAttempts, t.LastError,
		formatTime(t.UpdatedAt), formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt), formatTimePtr(t.NextRetryAt),
		id, string(expected))
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("task %s changed concurrently: %w", id, ErrStaleState)
	}

	// Delete and reinsert the attempt rows so the history column set stays
	// an exact mirror of the task.
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_attempts WHERE task_id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to delete old attempts: %w", err)
	}
	if err := insertAttempts(ctx, tx, id, t.History); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return t, nil
}

// Remove deletes terminal tasks by ID.
func (s *SQLiteStore) Remove(ctx context.Context, ids []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	present := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to query task status: %w", err)
		}
		if !task.Status(status).Terminal() {
			return 0, fmt.Errorf("task %s is %s: %w", id, status, ErrNotTerminal)
		}
		present = append(present, id)
	}
	if len(present) == 0 {
		return 0, nil
	}

	// Surviving tasks must not lose a dependency they still reference.
	marks := placeholders(len(present))
	args := make([]any, 0, 2*len(present))
	for _, id := range present {
		args = append(args, id)
	}
	for _, id := range present {
		args = append(args, id)
	}
	var depender, dep string
	err = tx.QueryRowContext(ctx, `
		SELECT task_id, depends_on_id
		FROM task_deps
		WHERE depends_on_id IN (`+marks+`) AND task_id NOT IN (`+marks+`)
		LIMIT 1
	`, args...).Scan(&depender, &dep)
	if err == nil {
		return 0, fmt.Errorf("task %s depends on %s: %w", depender, dep, ErrHasDependents)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to check dependents: %w", err)
	}

	delArgs := args[:len(present)]
	// Dependency rows between removed tasks go first; the depends_on side
	// has no cascade, so deleting the referenced task row would trip the
	// foreign key otherwise.
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id IN (`+marks+`)`, delArgs...); err != nil {
		return 0, fmt.Errorf("failed to delete dependency rows: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id IN (`+marks+`)`, delArgs...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return int(removed), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOneTask(row rowScanner) (*task.Task, error) {
	t := &task.Task{}
	var (
		priority, status, kind string
		args, payload          sql.NullString
		createdAt, updatedAt   string
		startedAt, completedAt sql.NullString
		nextRetryAt            sql.NullString
	)
	err := row.Scan(&t.ID, &t.Name, &t.Description, &priority, &status, &kind, &t.Action.Target,
		&args, &payload, &t.AttemptCount, &t.MaxAttempts, &t.LastError,
		&createdAt, &updatedAt, &startedAt, &completedAt, &nextRetryAt)
	if err != nil {
		return nil, err
	}

	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	t.Action.Kind = task.ActionKind(kind)
	if args.Valid && args.String != "" {
		if err := json.Unmarshal([]byte(args.String), &t.Action.Args); err != nil {
			return nil, fmt.Errorf("failed to decode action args for task %s: %w", t.ID, err)
		}
	}
	if payload.Valid && payload.String != "" {
		t.Action.Payload = json.RawMessage(payload.String)
	}

	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("task %s updated_at: %w", t.ID, err)
	}
	if t.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("task %s started_at: %w", t.ID, err)
	}
	if t.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("task %s completed_at: %w", t.ID, err)
	}
	if t.NextRetryAt, err = parseTimePtr(nextRetryAt); err != nil {
		return nil, fmt.Errorf("task %s next_retry_at: %w", t.ID, err)
	}
	return t, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) loadRelated(ctx context.Context, t *task.Task) error {
	return loadRelatedTx(ctx, s.db, t)
}

// loadRelatedTx fills in a task's dependency and attempt rows.
func loadRelatedTx(ctx context.Context, q querier, t *task.Task) error {
	rows, err := q.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_deps
		WHERE task_id = ?
		ORDER BY depends_on_id
	`, t.ID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies for task %s: %w", t.ID, err)
	}
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		t.Dependencies = append(t.Dependencies, dep)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating dependencies: %w", err)
	}
	rows.Close()

	// A retaken attempt shares its number with the interrupted record it
	// replaces, so break ties by insertion order.
	rows, err = q.QueryContext(ctx, `
		SELECT number, started_at, finished_at, outcome, output, error
		FROM task_attempts
		WHERE task_id = ?
		ORDER BY number, id
	`, t.ID)
	if err != nil {
		return fmt.Errorf("failed to query attempts for task %s: %w", t.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a          task.Attempt
			started    string
			finished   sql.NullString
			outcome    sql.NullString
			output     sql.NullString
			attemptErr sql.NullString
		)
		if err := rows.Scan(&a.Number, &started, &finished, &outcome, &output, &attemptErr); err != nil {
			return fmt.Errorf("failed to scan attempt: %w", err)
		}
		if a.StartedAt, err = parseTime(started); err != nil {
			return fmt.Errorf("attempt %d of task %s: %w", a.Number, t.ID, err)
		}
		if a.FinishedAt, err = parseTimePtr(finished); err != nil {
			return fmt.Errorf("attempt %d of task %s: %w", a.Number, t.ID, err)
		}
		a.Outcome = outcome.String
		a.Output = output.String
		a.Error = attemptErr.String
		t.History = append(t.History, a)
	}
	return rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAttempts(ctx context.Context, e execer, taskID string, history []task.Attempt) error {
	for _, a := range history {
		_, err := e.ExecContext(ctx, `
			INSERT INTO task_attempts (task_id, number, started_at, finished_at, outcome, output, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, taskID, a.Number, formatTime(a.StartedAt), formatTimePtr(a.FinishedAt), a.Outcome, a.Output, a.Error)
		if err != nil {
			return fmt.Errorf("failed to insert attempt %d for task %s: %w", a.Number, taskID, err)
		}
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// encodeArgs serializes action args to JSON for the action_args column.
// Empty args encode as the empty string, which scanOneTask leaves as nil.
func encodeArgs(args []string) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode action args: %w", err)
	}
	return string(data), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
