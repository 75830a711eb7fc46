package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/taskflow/internal/models"
)

// PlanRecord is a task with its steps and nested sub-task plans. CreatePlan
// inserts the whole tree at once and fills in the generated IDs.
type PlanRecord struct {
	Task     models.Task
	Steps    []models.Step
	Subtasks []PlanRecord
}

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	UserID    string
	SessionID string
	Statuses  []models.TaskStatus
	// TopLevel restricts the listing to tasks without a parent
	TopLevel bool
	Limit    int
}

const taskColumns = `id, user_id, session_id, title, description, status, parent_id, order_num,
	priority, required, result, error_message, retry_count, max_retries,
	created_at, updated_at, started_at, completed_at, execute_requested`

const stepColumns = `id, task_id, step_num, description, action_type, action_params, status,
	result, error_message, wake_at, created_at, started_at, completed_at`

// readyOrder is the dispatch order: priority, then age, then id
const readyOrder = `priority DESC, created_at ASC, id ASC`

type rowScanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreatePlan inserts a task, its steps and every nested sub-task in a single
// transaction. On success the IDs in rec are populated and the root task ID is
// returned.
func (s *Store) CreatePlan(ctx context.Context, rec *PlanRecord) (int64, error) {
	if rec == nil {
		return 0, fmt.Errorf("plan record is nil")
	}
	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.insertPlan(ctx, rec, nil, rec.Task.OrderNum)
	})
	if err != nil {
		return 0, err
	}
	return rec.Task.ID, nil
}

func (tx *Tx) insertPlan(ctx context.Context, rec *PlanRecord, parentID *int64, orderNum int) error {
	task := &rec.Task
	task.ParentID = parentID
	task.OrderNum = orderNum
	task.Status = models.StatusPending
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	now := tx.now
	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO tasks (user_id, session_id, title, description, status, parent_id, order_num,
			priority, required, retry_count, max_retries, created_at, updated_at, execute_requested)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		task.UserID, task.SessionID, task.Title, task.Description, string(task.Status),
		nullInt64(parentID), task.OrderNum, int(task.Priority), task.Required, task.MaxRetries,
		now, now, task.ExecuteRequested,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get task id: %w", err)
	}
	task.ID = id
	task.RetryCount = 0
	task.CreatedAt = now
	task.UpdatedAt = now

	for i := range rec.Steps {
		step := &rec.Steps[i]
		params, err := encodeParams(step.ActionParams)
		if err != nil {
			return fmt.Errorf("encode params for step %d: %w", step.StepNum, err)
		}
		res, err := tx.tx.ExecContext(ctx, `
			INSERT INTO task_steps (task_id, step_num, description, action_type, action_params, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, step.StepNum, step.Description, string(step.ActionType), params, string(models.StepPending), now,
		)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", step.StepNum, err)
		}
		stepID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("get step id: %w", err)
		}
		step.ID = stepID
		step.TaskID = id
		step.Status = models.StepPending
		step.CreatedAt = now
	}

	if err := tx.AppendEvent(ctx, models.TaskEvent{
		TaskID:   id,
		Event:    "created",
		ToStatus: string(models.StatusPending),
		Message:  fmt.Sprintf("%d steps, %d sub-tasks", len(rec.Steps), len(rec.Subtasks)),
	}); err != nil {
		return err
	}

	for i := range rec.Subtasks {
		// sub-tasks run as part of their parent
		if task.ExecuteRequested {
			rec.Subtasks[i].Task.ExecuteRequested = true
		}
		if err := tx.insertPlan(ctx, &rec.Subtasks[i], &task.ID, i); err != nil {
			return err
		}
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	return getTask(ctx, s.db, id)
}

// GetSteps retrieves all steps of a task in step_num order
func (s *Store) GetSteps(ctx context.Context, taskID int64) ([]models.Step, error) {
	return getSteps(ctx, s.db, taskID)
}

// GetStep retrieves a single step by its row ID
func (s *Store) GetStep(ctx context.Context, stepID int64) (*models.Step, error) {
	return getStep(ctx, s.db, stepID)
}

// GetDetail returns a task with its steps and direct sub-tasks
func (s *Store) GetDetail(ctx context.Context, id int64) (*models.TaskDetail, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.GetSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	children, err := s.ListChildren(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.TaskDetail{Task: *task, Steps: steps, Subtasks: children}, nil
}

// ListTasks returns tasks matching the filter, newest first
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, fmt.Sprintf("status IN (%s)", placeholders(len(f.Statuses))))
		args = append(args, statusArgs(f.Statuses)...)
	}
	if f.TopLevel {
		where = append(where, "parent_id IS NULL")
	}

	query := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return queryTasks(ctx, s.db, query, args...)
}

// ListByStatuses returns every task in one of the given statuses in dispatch order
func (s *Store) ListByStatuses(ctx context.Context, statuses ...models.TaskStatus) ([]models.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf("SELECT %s FROM tasks WHERE status IN (%s) ORDER BY %s",
		taskColumns, placeholders(len(statuses)), readyOrder)
	return queryTasks(ctx, s.db, query, statusArgs(statuses)...)
}

// ListExecutable returns the tasks a dispatcher may drive, in dispatch order:
// in_progress tasks and pending tasks whose execution was requested
func (s *Store) ListExecutable(ctx context.Context) ([]models.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks
		WHERE status = ? OR (status = ? AND execute_requested = 1)
		ORDER BY %s`, taskColumns, readyOrder)
	return queryTasks(ctx, s.db, query, string(models.StatusInProgress), string(models.StatusPending))
}

// RequestExecution marks a non-terminal task and its unfinished sub-tasks
// as requested to run and returns them, root first. Terminal tasks are
// rejected with ErrTaskNotRunnable.
func (s *Store) RequestExecution(ctx context.Context, id int64) ([]models.Task, error) {
	var marked []models.Task
	err := s.WithTx(ctx, func(tx *Tx) error {
		marked = nil
		root, err := tx.Task(ctx, id)
		if err != nil {
			return err
		}
		if root.IsTerminal() {
			return fmt.Errorf("task %d is %s: %w", id, root.Status, models.ErrTaskNotRunnable)
		}
		descendants, err := tx.Descendants(ctx, id)
		if err != nil {
			return err
		}

		tasks := append([]models.Task{*root}, descendants...)
		for i := range tasks {
			t := &tasks[i]
			if t.IsTerminal() {
				continue
			}
			if !t.ExecuteRequested {
				if _, err := tx.tx.ExecContext(ctx,
					`UPDATE tasks SET execute_requested = 1, updated_at = ? WHERE id = ?`, tx.now, t.ID); err != nil {
					return fmt.Errorf("request execution of task %d: %w", t.ID, err)
				}
				if err := tx.AppendEvent(ctx, models.TaskEvent{
					TaskID:     t.ID,
					Event:      "execute_requested",
					FromStatus: string(t.Status),
					ToStatus:   string(t.Status),
				}); err != nil {
					return err
				}
				t.ExecuteRequested = true
				t.UpdatedAt = tx.now
			}
			marked = append(marked, *t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return marked, nil
}

// ListChildren returns the direct sub-tasks of a task in order_num order
func (s *Store) ListChildren(ctx context.Context, parentID int64) ([]models.Task, error) {
	return listChildren(ctx, s.db, parentID)
}

// ListDueWaits returns waiting wait-steps of waiting tasks whose wake_at has passed
func (s *Store) ListDueWaits(ctx context.Context, now time.Time) ([]models.Step, error) {
	query := `SELECT ` + prefixed("s", stepColumns) + `
		FROM task_steps s JOIN tasks t ON t.id = s.task_id
		WHERE s.status = ? AND s.action_type = ? AND s.wake_at IS NOT NULL AND t.status = ?
		ORDER BY t.priority DESC, t.created_at ASC, t.id ASC`
	steps, err := querySteps(ctx, s.db, query,
		string(models.StepWaiting), string(models.ActionWait), string(models.StatusWaiting))
	if err != nil {
		return nil, err
	}

	// Compared in Go so fractional seconds never depend on text ordering
	due := steps[:0]
	for _, step := range steps {
		if step.WakeAt != nil && !step.WakeAt.After(now) {
			due = append(due, step)
		}
	}
	return due, nil
}

// Statistics counts a user's tasks by status. An empty userID counts every task.
func (s *Store) Statistics(ctx context.Context, userID string) (*models.TaskStats, error) {
	query := `SELECT status, COUNT(*) FROM tasks`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query statistics: %w", err)
	}
	defer rows.Close()

	stats := &models.TaskStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan statistics: %w", err)
		}
		stats.Total += count
		switch models.TaskStatus(status) {
		case models.StatusPending:
			stats.Pending = count
		case models.StatusInProgress:
			stats.InProgress = count
		case models.StatusWaiting:
			stats.Waiting = count
		case models.StatusCompleted:
			stats.Completed = count
		case models.StatusFailed:
			stats.Failed = count
		case models.StatusCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statistics: %w", err)
	}
	return stats, nil
}

// ListEvents returns the audit trail of a task, oldest first
func (s *Store) ListEvents(ctx context.Context, taskID int64) ([]models.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, step_id, event, from_status, to_status, message, created_at
		FROM task_events WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.TaskEvent
	for rows.Next() {
		var ev models.TaskEvent
		var stepID sql.NullInt64
		var from, msg sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TaskID, &stepID, &ev.Event, &from, &ev.ToStatus, &msg, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if stepID.Valid {
			id := stepID.Int64
			ev.StepID = &id
		}
		ev.FromStatus = from.String
		ev.Message = msg.String
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// DeleteTask removes a terminal task whose sub-tasks are all terminal too.
// Steps, events and sub-tasks go with it.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		task, err := tx.Task(ctx, id)
		if err != nil {
			return err
		}
		if !task.IsTerminal() {
			return fmt.Errorf("task %d is %s: %w", id, task.Status, models.ErrNotTerminal)
		}
		// A completed parent may still have optional sub-tasks running
		descendants, err := tx.Descendants(ctx, id)
		if err != nil {
			return err
		}
		for _, d := range descendants {
			if !d.IsTerminal() {
				return fmt.Errorf("task %d has sub-task %d %s: %w", id, d.ID, d.Status, models.ErrNotTerminal)
			}
		}
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete task %d: %w", id, err)
		}
		return nil
	})
}

func getTask(ctx context.Context, q querier, id int64) (*models.Task, error) {
	row := q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, fmt.Errorf("task %d: %w", id, models.ErrTaskNotFound))
	}
	return task, nil
}

func getSteps(ctx context.Context, q querier, taskID int64) ([]models.Step, error) {
	return querySteps(ctx, q, "SELECT "+stepColumns+" FROM task_steps WHERE task_id = ? ORDER BY step_num ASC", taskID)
}

func getStep(ctx context.Context, q querier, stepID int64) (*models.Step, error) {
	row := q.QueryRowContext(ctx, "SELECT "+stepColumns+" FROM task_steps WHERE id = ?", stepID)
	step, err := scanStep(row)
	if err != nil {
		return nil, notFound(err, fmt.Errorf("step %d: %w", stepID, models.ErrStepNotFound))
	}
	return step, nil
}

func listChildren(ctx context.Context, q querier, parentID int64) ([]models.Task, error) {
	return queryTasks(ctx, q, "SELECT "+taskColumns+" FROM tasks WHERE parent_id = ? ORDER BY order_num ASC, id ASC", parentID)
}

func queryTasks(ctx context.Context, q querier, query string, args ...any) ([]models.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func querySteps(ctx context.Context, q querier, query string, args ...any) ([]models.Step, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []models.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, *step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var status string
	var parentID sql.NullInt64
	var priority int
	var result, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.UserID, &t.SessionID, &t.Title, &t.Description, &status, &parentID, &t.OrderNum,
		&priority, &t.Required, &result, &errMsg, &t.RetryCount, &t.MaxRetries,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt, &t.ExecuteRequested,
	)
	if err != nil {
		return nil, err
	}

	t.Status = models.TaskStatus(status)
	t.Priority = models.Priority(priority)
	if parentID.Valid {
		id := parentID.Int64
		t.ParentID = &id
	}
	t.Result = result.String
	t.ErrorMessage = errMsg.String
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

func scanStep(row rowScanner) (*models.Step, error) {
	var s models.Step
	var actionType, status string
	var params, result, errMsg sql.NullString
	var wakeAt, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&s.ID, &s.TaskID, &s.StepNum, &s.Description, &actionType, &params, &status,
		&result, &errMsg, &wakeAt, &s.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	s.ActionType = models.ActionType(actionType)
	s.Status = models.StepStatus(status)
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &s.ActionParams); err != nil {
			return nil, fmt.Errorf("decode action_params of step %d: %w", s.ID, err)
		}
	}
	s.Result = result.String
	s.ErrorMessage = errMsg.String
	s.WakeAt = timePtr(wakeAt)
	s.StartedAt = timePtr(startedAt)
	s.CompletedAt = timePtr(completedAt)
	return &s, nil
}

func encodeParams(params map[string]any) (any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
