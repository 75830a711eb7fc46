package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/taskflow/internal/models"
)

// Tx is a Plan Store transaction. Every status change goes through UpdateTask
// or UpdateStep, which only apply when the row is still in an expected status.
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// Now is the timestamp stamped on every write in this transaction
func (tx *Tx) Now() time.Time {
	return tx.now
}

// TaskUpdate describes the columns to change on a task row.
// Zero values leave a column untouched.
type TaskUpdate struct {
	Status        models.TaskStatus
	Result        *string
	ErrorMessage  *string
	RetryCount    *int
	MarkStarted   bool // sets started_at on the first start only
	MarkCompleted bool
}

// StepUpdate describes the columns to change on a step row.
// Zero values leave a column untouched.
type StepUpdate struct {
	Status        models.StepStatus
	Result        *string
	ErrorMessage  *string
	WakeAt        *time.Time
	ClearWakeAt   bool
	MarkStarted   bool
	MarkCompleted bool
}

// Task reads a task inside the transaction
func (tx *Tx) Task(ctx context.Context, id int64) (*models.Task, error) {
	return getTask(ctx, tx.tx, id)
}

// Steps reads a task's steps inside the transaction
func (tx *Tx) Steps(ctx context.Context, taskID int64) ([]models.Step, error) {
	return getSteps(ctx, tx.tx, taskID)
}

// Step reads one step inside the transaction
func (tx *Tx) Step(ctx context.Context, stepID int64) (*models.Step, error) {
	return getStep(ctx, tx.tx, stepID)
}

// Children reads the direct sub-tasks of a task
func (tx *Tx) Children(ctx context.Context, parentID int64) ([]models.Task, error) {
	return listChildren(ctx, tx.tx, parentID)
}

// Descendants returns every task below id, at any depth, in breadth order
func (tx *Tx) Descendants(ctx context.Context, id int64) ([]models.Task, error) {
	query := `
		WITH RECURSIVE tree(id, depth) AS (
			SELECT id, 1 FROM tasks WHERE parent_id = ?
			UNION ALL
			SELECT t.id, tree.depth + 1 FROM tasks t JOIN tree ON t.parent_id = tree.id
		)
		SELECT ` + prefixed("tasks", taskColumns) + `
		FROM tasks JOIN tree ON tasks.id = tree.id
		ORDER BY tree.depth ASC, tasks.order_num ASC, tasks.id ASC`
	return queryTasks(ctx, tx.tx, query, id)
}

// UpdateTask applies upd to a task that is currently in one of from.
// It returns ErrStaleState when the task exists but has moved on.
func (tx *Tx) UpdateTask(ctx context.Context, id int64, from []models.TaskStatus, upd TaskUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{tx.now}

	if upd.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(upd.Status))
	}
	if upd.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *upd.Result)
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullString(*upd.ErrorMessage))
	}
	if upd.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *upd.RetryCount)
	}
	if upd.MarkStarted {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, tx.now)
	}
	if upd.MarkCompleted {
		sets = append(sets, "completed_at = ?")
		args = append(args, tx.now)
	}

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, id)
	if len(from) > 0 {
		query += fmt.Sprintf(" AND status IN (%s)", placeholders(len(from)))
		args = append(args, statusArgs(from)...)
	}

	res, err := tx.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	return tx.checkAffected(ctx, res, "tasks", id, models.ErrTaskNotFound)
}

// UpdateStep applies upd to a step that is currently in one of from.
// It returns ErrStaleState when the step exists but has moved on.
func (tx *Tx) UpdateStep(ctx context.Context, id int64, from []models.StepStatus, upd StepUpdate) error {
	sets := []string{}
	args := []any{}

	if upd.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(upd.Status))
	}
	if upd.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *upd.Result)
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullString(*upd.ErrorMessage))
	}
	if upd.WakeAt != nil {
		sets = append(sets, "wake_at = ?")
		args = append(args, upd.WakeAt.UTC())
	} else if upd.ClearWakeAt {
		sets = append(sets, "wake_at = NULL")
	}
	if upd.MarkStarted {
		sets = append(sets, "started_at = ?")
		args = append(args, tx.now)
	}
	if upd.MarkCompleted {
		sets = append(sets, "completed_at = ?")
		args = append(args, tx.now)
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE task_steps SET %s WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, id)
	if len(from) > 0 {
		query += fmt.Sprintf(" AND status IN (%s)", placeholders(len(from)))
		for _, s := range from {
			args = append(args, string(s))
		}
	}

	res, err := tx.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update step %d: %w", id, err)
	}
	return tx.checkAffected(ctx, res, "task_steps", id, models.ErrStepNotFound)
}

// AppendEvent records an audit row for a transition
func (tx *Tx) AppendEvent(ctx context.Context, ev models.TaskEvent) error {
	var stepID any
	if ev.StepID != nil {
		stepID = *ev.StepID
	}
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, step_id, event, from_status, to_status, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.TaskID, stepID, ev.Event, nullString(ev.FromStatus), ev.ToStatus, nullString(ev.Message), tx.now,
	)
	if err != nil {
		return fmt.Errorf("append event for task %d: %w", ev.TaskID, err)
	}
	return nil
}

// checkAffected turns a zero-row CAS update into ErrStaleState or a not-found error
func (tx *Tx) checkAffected(ctx context.Context, res sql.Result, table string, id int64, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var count int
	if err := tx.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&count); err != nil {
		return fmt.Errorf("check %s %d: %w", table, id, err)
	}
	if count == 0 {
		return fmt.Errorf("%s %d: %w", table, id, missing)
	}
	return fmt.Errorf("%s %d: %w", table, id, models.ErrStaleState)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
