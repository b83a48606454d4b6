package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/events"
)

// TaskStore handles task persistence operations.
type TaskStore struct {
	store *Store
}

// TaskCreateParams contains parameters for creating a new task.
type TaskCreateParams struct {
	IngestID string
	Type     domain.TaskType
	ItemID   *string
}

const taskColumns = `id, ingest_id, type, item_id, status, retries, worker, error, created_at, updated_at`

// Create creates a single pending task.
func (ts *TaskStore) Create(params TaskCreateParams) (*domain.Task, error) {
	ids, err := ts.CreateBatch([]TaskCreateParams{params})
	if err != nil {
		return nil, err
	}
	return ts.Get(ids[0])
}

// CreateBatch creates pending tasks in one transaction and returns their ids
// in input order.
func (ts *TaskStore) CreateBatch(params []TaskCreateParams) ([]string, error) {
	ids := make([]string, len(params))
	if len(params) == 0 {
		return ids, nil
	}
	if err := domain.TaskMachine.ValidateTransition(domain.TaskUnstarted, domain.TaskPending); err != nil {
		return nil, err
	}

	err := ts.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		stmt, err := tx.Prepare(`
			INSERT INTO tasks (id, ingest_id, type, item_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare task insert: %w", err)
		}
		defer stmt.Close()

		for i, p := range params {
			if err := domain.ValidateTaskType(string(p.Type)); err != nil {
				return err
			}
			id := uuid.NewString()
			now := ts.store.now()
			if _, err := stmt.Exec(id, p.IngestID, p.Type, p.ItemID, domain.TaskPending, now, now); err != nil {
				return fmt.Errorf("failed to create task: %w", err)
			}
			if err := ew.LogStatusChange(tx, "task", id, string(domain.TaskUnstarted), string(domain.TaskPending)); err != nil {
				return err
			}
			ids[i] = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func scanTask(row interface{ Scan(...interface{}) error }) (*domain.Task, error) {
	var t domain.Task
	var typ, status, createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.IngestID, &typ, &t.ItemID, &status, &t.Retries, &t.Worker, &t.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Type = domain.TaskType(typ)
	t.Status = domain.TaskStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// Get returns a task with its status history.
func (ts *TaskStore) Get(id string) (*domain.Task, error) {
	t, err := scanTask(ts.store.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	history, err := events.History(ts.store.db, id)
	if err != nil {
		return nil, err
	}
	t.History = history
	return t, nil
}

// transition applies a validated status change inside tx. extra SET clauses
// and their args are appended to the update.
func (ts *TaskStore) transition(tx *sql.Tx, ew *events.Writer, id string, to domain.TaskStatus, extra string, args ...interface{}) error {
	var current string
	err := tx.QueryRow("SELECT status FROM tasks WHERE id = ?", id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("failed to get task status: %w", err)
	}
	from := domain.TaskStatus(current)
	if err := domain.TaskMachine.ValidateTransition(from, to); err != nil {
		return err
	}

	query := "UPDATE tasks SET status = ?, updated_at = ?" + extra + " WHERE id = ?"
	execArgs := append([]interface{}{to, ts.store.now()}, args...)
	execArgs = append(execArgs, id)
	if _, err := tx.Exec(query, execArgs...); err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return ew.LogStatusChange(tx, "task", id, string(from), string(to))
}

// SetStatus validates and applies a status transition. errMsg is stored
// when non-nil.
func (ts *TaskStore) SetStatus(id string, to domain.TaskStatus, errMsg *string) error {
	return ts.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		if errMsg != nil {
			return ts.transition(tx, ew, id, to, ", error = ?", *errMsg)
		}
		return ts.transition(tx, ew, id, to, "")
	})
}

// Requeue moves a running task back to pending and counts the retry.
func (ts *TaskStore) Requeue(id string, errMsg string) error {
	return ts.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		return ts.transition(tx, ew, id, domain.TaskPending, ", retries = retries + 1, worker = NULL, error = ?", errMsg)
	})
}

// TaskFilter restricts which pending task Claim may pick.
type TaskFilter struct {
	IngestID string
	Types    []domain.TaskType
}

// Claim moves the oldest matching pending task to running on behalf of
// worker. Returns nil, nil when nothing is pending.
func (ts *TaskStore) Claim(worker string, filter TaskFilter) (*domain.Task, error) {
	var claimed string

	err := ts.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		query := "SELECT id FROM tasks WHERE status = ?"
		args := []interface{}{domain.TaskPending}
		if filter.IngestID != "" {
			query += " AND ingest_id = ?"
			args = append(args, filter.IngestID)
		}
		if len(filter.Types) > 0 {
			query += " AND type IN (" + placeholders(len(filter.Types)) + ")"
			for _, t := range filter.Types {
				args = append(args, t)
			}
		}
		query += " ORDER BY created_at, rowid LIMIT 1"

		var id string
		if err := tx.QueryRow(query, args...).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to find pending task: %w", err)
		}
		if err := ts.transition(tx, ew, id, domain.TaskRunning, ", worker = ?", worker); err != nil {
			return err
		}
		claimed = id
		return nil
	})
	if err != nil || claimed == "" {
		return nil, err
	}
	return ts.Get(claimed)
}

// Start moves one pending task to running on behalf of worker. ok is false
// when the task is no longer pending.
func (ts *TaskStore) Start(id, worker string) (bool, error) {
	var started bool
	err := ts.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		var status string
		if err := tx.QueryRow("SELECT status FROM tasks WHERE id = ?", id).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
			}
			return fmt.Errorf("failed to get task status: %w", err)
		}
		if domain.TaskStatus(status) != domain.TaskPending {
			return nil
		}
		if err := ts.transition(tx, ew, id, domain.TaskRunning, ", worker = ?", worker); err != nil {
			return err
		}
		started = true
		return nil
	})
	return started, err
}

// Recover requeues every running task of an ingest. Used on resume, when
// the worker that owned them is gone.
func (ts *TaskStore) Recover(ingestID string) (int, error) {
	var recovered int
	err := ts.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		rows, err := tx.Query("SELECT id FROM tasks WHERE ingest_id = ? AND status = ?", ingestID, domain.TaskRunning)
		if err != nil {
			return fmt.Errorf("failed to list running tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()

		for _, id := range ids {
			if err := ts.transition(tx, ew, id, domain.TaskPending, ", retries = retries + 1, worker = NULL, error = ?", "interrupted"); err != nil {
				return err
			}
		}
		recovered = len(ids)
		return nil
	})
	return recovered, err
}

// CancelPending cancels every pending task of an ingest.
func (ts *TaskStore) CancelPending(ingestID string) (int, error) {
	var canceled int
	err := ts.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		rows, err := tx.Query("SELECT id FROM tasks WHERE ingest_id = ? AND status = ?", ingestID, domain.TaskPending)
		if err != nil {
			return fmt.Errorf("failed to list pending tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()

		for _, id := range ids {
			if err := ts.transition(tx, ew, id, domain.TaskCanceled, ""); err != nil {
				return err
			}
		}
		canceled = len(ids)
		return nil
	})
	return canceled, err
}

// Counts returns the number of tasks of an ingest grouped by type and status.
func (ts *TaskStore) Counts(ingestID string) (map[domain.TaskType]map[domain.TaskStatus]int, error) {
	rows, err := ts.store.db.Query(`
		SELECT type, status, COUNT(*) FROM tasks WHERE ingest_id = ? GROUP BY type, status
	`, ingestID)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.TaskType]map[domain.TaskStatus]int)
	for rows.Next() {
		var typ, status string
		var n int
		if err := rows.Scan(&typ, &status, &n); err != nil {
			return nil, err
		}
		if out[domain.TaskType(typ)] == nil {
			out[domain.TaskType(typ)] = make(map[domain.TaskStatus]int)
		}
		out[domain.TaskType(typ)][domain.TaskStatus(status)] = n
	}
	return out, rows.Err()
}

// CountOpen returns the number of pending or running tasks of a type.
func (ts *TaskStore) CountOpen(ingestID string, typ domain.TaskType) (int, error) {
	var n int
	err := ts.store.db.QueryRow(`
		SELECT COUNT(*) FROM tasks WHERE ingest_id = ? AND type = ? AND status IN (?, ?)
	`, ingestID, typ, domain.TaskPending, domain.TaskRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open tasks: %w", err)
	}
	return n, nil
}

// List returns the tasks of an ingest in creation order, without history.
func (ts *TaskStore) List(ingestID string, typ domain.TaskType) ([]*domain.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE ingest_id = ?"
	args := []interface{}{ingestID}
	if typ != "" {
		query += " AND type = ?"
		args = append(args, typ)
	}
	query += " ORDER BY created_at, rowid"

	rows, err := ts.store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	s := "?"
	for i := 1; i < n; i++ {
		s += ", ?"
	}
	return s
}
