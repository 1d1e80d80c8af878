// Package store is the persisted record of agent tasks and schedule policies.
//
// It is the only shared state between workers: agents and the manager
// coordinate exclusively through conditional updates on task rows. SQLite
// prefers a single writer, so the pool is capped at one connection and WAL
// keeps readers cheap.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"zenith/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskCols = `id, owner_id, agent_type, name, description, priority, status,
	input, output, task_context,
	scheduled_at, started_at, completed_at, next_run_at,
	is_recurring, recurrence_unit, recurrence_interval,
	retry_count, max_retries,
	provider_used, model_used, tokens_used, cost, duration_ms, error_message,
	created_at, updated_at`

// CreateTask inserts t. Caller fills ID (uuid) and CreatedAt/UpdatedAt are
// stamped here.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Status == "" {
		t.Status = StatusPending
	}

	var recUnit any
	recInterval := 0
	if t.Recurrence != nil {
		recUnit = string(t.Recurrence.Unit)
		recInterval = t.Recurrence.Interval
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, owner_id, agent_type, name, description, priority, prio_rank, status,
			input, output, task_context,
			scheduled_at, started_at, completed_at, next_run_at,
			is_recurring, recurrence_unit, recurrence_interval,
			retry_count, max_retries,
			provider_used, model_used, tokens_used, cost, duration_ms, error_message,
			created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, string(t.AgentType), t.Name, t.Description,
		string(t.Priority), t.Priority.Rank(), string(t.Status),
		jsonText(t.Input), nullJSONText(t.Output), jsonText(t.Context),
		msPtr(t.ScheduledAt), msPtr(t.StartedAt), msPtr(t.CompletedAt), msPtr(t.NextRunAt),
		boolInt(t.IsRecurring), recUnit, recInterval,
		t.RetryCount, t.MaxRetries,
		t.ProviderUsed, t.ModelUsed, t.TokensUsed, t.Cost, t.DurationMS, t.ErrorMessage,
		now.UnixMilli(), now.UnixMilli(),
	)
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

func (s *Store) ListTasks(ctx context.Context, f Filter) ([]*Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	q := `SELECT ` + taskCols + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.AgentType != "" {
		q += ` AND agent_type = ?`
		args = append(args, string(f.AgentType))
	}
	if f.OwnerID != 0 {
		q += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	q += ` ORDER BY created_at DESC, id`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimNext atomically claims the highest-priority, oldest eligible pending
// task for the given agent type (pending → running, started_at stamped).
// Returns (nil, nil) when the queue is empty.
//
// The claim is a single conditional UPDATE so two pollers can never claim the
// same row.
func (s *Store) ClaimNext(ctx context.Context, agentType AgentType) (*Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	now := time.Now()
	row := s.db.QueryRowContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ?, updated_at = ?
		 WHERE id = (
			SELECT id FROM tasks
			WHERE agent_type = ? AND status = ?
			  AND (scheduled_at IS NULL OR scheduled_at <= ?)
			ORDER BY prio_rank DESC, created_at ASC, id ASC
			LIMIT 1
		 ) AND status = ?
		 RETURNING `+taskCols,
		string(StatusRunning), now.UnixMilli(), now.UnixMilli(),
		string(agentType), string(StatusPending), now.UnixMilli(),
		string(StatusPending),
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// CompleteTask moves a running task to completed and records output + usage.
func (s *Store) CompleteTask(ctx context.Context, id string, output map[string]any, u Usage) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, output = ?, completed_at = ?, error_message = '',
			provider_used = ?, model_used = ?, tokens_used = ?, cost = ?, duration_ms = ?,
			updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(StatusCompleted), nullJSONText(output), now.UnixMilli(),
		u.Provider, u.Model, u.Tokens, u.Cost, u.DurationMS,
		now.UnixMilli(), id, string(StatusRunning),
	)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, StatusCompleted)
}

// FailTask records a failure on a running task. If the retry budget is not
// exhausted the task atomically re-enters pending with retry_count+1 and a
// fresh scheduled_at; otherwise it is terminally failed. Returns the
// resulting status.
func (s *Store) FailTask(ctx context.Context, id string, errMsg string, u Usage) (Status, error) {
	if s == nil || s.db == nil {
		return "", ErrClosed
	}
	now := time.Now()
	row := s.db.QueryRowContext(ctx,
		`UPDATE tasks SET
			status = CASE WHEN retry_count < max_retries THEN ? ELSE ? END,
			retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
			scheduled_at = CASE WHEN retry_count < max_retries THEN ? ELSE scheduled_at END,
			completed_at = CASE WHEN retry_count < max_retries THEN NULL ELSE ? END,
			started_at = NULL,
			error_message = ?,
			provider_used = ?, model_used = ?, tokens_used = ?, cost = ?, duration_ms = ?,
			updated_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING status`,
		string(StatusPending), string(StatusFailed),
		now.UnixMilli(), now.UnixMilli(),
		errMsg,
		u.Provider, u.Model, u.Tokens, u.Cost, u.DurationMS,
		now.UnixMilli(), id, string(StatusRunning),
	)
	var st string
	if err := row.Scan(&st); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", s.transitionErr(ctx, id, StatusFailed)
		}
		return "", err
	}
	return Status(st), nil
}

// Cancel moves a pending or scheduled task to cancelled. Running and terminal
// tasks are not cancellable.
func (s *Store) Cancel(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(StatusCancelled), now.UnixMilli(), now.UnixMilli(),
		id, string(StatusPending), string(StatusScheduled),
	)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id, StatusCancelled)
}

// DueScheduled returns scheduled tasks whose scheduled_at has passed.
// Promotion itself is per-task (Promote) so the caller can apply policy.
func (s *Store) DueScheduled(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks
		 WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC, id ASC
		 LIMIT ?`,
		string(StatusScheduled), now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Promote flips one task scheduled → pending. Returns false when the task was
// concurrently promoted, cancelled, or otherwise moved.
func (s *Store) Promote(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusPending), now.UnixMilli(), id, string(StatusScheduled),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecurringDue returns completed recurring tasks that have not yet spawned a
// successor (next_run_at is the spawn marker, so each run spawns exactly one).
func (s *Store) RecurringDue(ctx context.Context, limit int) ([]*Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks
		 WHERE status = ? AND is_recurring = 1 AND next_run_at IS NULL
		 ORDER BY completed_at ASC, id ASC
		 LIMIT ?`,
		string(StatusCompleted), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SpawnRecurring clones src into a fresh scheduled row due at next and stamps
// src.next_run_at in the same transaction. The next_run_at guard makes the
// sweep idempotent: a source row spawns at most one successor.
func (s *Store) SpawnRecurring(ctx context.Context, src *Task, successorID string, next time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET next_run_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND is_recurring = 1 AND next_run_at IS NULL`,
		next.UnixMilli(), now.UnixMilli(), src.ID, string(StatusCompleted),
	)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		// Another sweep got here first.
		return false, nil
	}

	var recUnit any
	recInterval := 0
	if src.Recurrence != nil {
		recUnit = string(src.Recurrence.Unit)
		recInterval = src.Recurrence.Interval
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks(id, owner_id, agent_type, name, description, priority, prio_rank, status,
			input, task_context, scheduled_at,
			is_recurring, recurrence_unit, recurrence_interval,
			max_retries, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		successorID, src.OwnerID, string(src.AgentType), src.Name, src.Description,
		string(src.Priority), src.Priority.Rank(), string(StatusScheduled),
		jsonText(src.Input), jsonText(src.Context), next.UnixMilli(),
		1, recUnit, recInterval,
		src.MaxRetries, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ReclaimStuck force-fails tasks that have been running since before cutoff.
// Reclaimed tasks are terminally failed (the claim holder is presumed dead, so
// its retry budget is not consulted). Returns the reclaimed task IDs.
func (s *Store) ReclaimStuck(ctx context.Context, cutoff time.Time, errMsg string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	now := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE tasks SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		 WHERE status = ? AND started_at IS NOT NULL AND started_at < ?
		 RETURNING id`,
		string(StatusFailed), errMsg, now.UnixMilli(), now.UnixMilli(),
		string(StatusRunning), cutoff.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteTerminalBefore removes terminal, non-recurring tasks last touched
// before cutoff. Returns the number of rows removed.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks
		 WHERE status IN (?, ?, ?) AND is_recurring = 0 AND updated_at < ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled),
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// QueueDepth counts pending tasks for one agent type.
func (s *Store) QueueDepth(ctx context.Context, agentType AgentType) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE agent_type = ? AND status = ?`,
		string(agentType), string(StatusPending),
	).Scan(&n)
	return n, err
}

func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string, to Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.transitionErr(ctx, id, to)
}

func (s *Store) transitionErr(ctx context.Context, id string, to Status) error {
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return err // includes ErrTaskNotFound
	}
	return &TransitionError{TaskID: id, From: cur.Status, To: to}
}
