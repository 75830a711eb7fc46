// Package statemachine owns every legal status transition of tasks and steps.
// Each transition runs in one store transaction, is compare-and-set on the
// status it expects, and writes an audit event.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harrison/taskflow/internal/models"
	"github.com/harrison/taskflow/internal/store"
)

// Transition describes what a state machine call did to a task
type Transition struct {
	TaskID     int64
	ParentID   *int64
	From       models.TaskStatus
	Status     models.TaskStatus
	StepNum    int
	StepStatus models.StepStatus
	// Retry is set when a transient failure returned the step to pending
	Retry      bool
	RetryCount int
	// Continue is set when the task has more steps to run right away
	Continue bool
	WakeAt   *time.Time
	Message  string
	// Cancelled lists descendants cancelled as a consequence
	Cancelled []int64
}

// Changed reports whether the task's status moved
func (t Transition) Changed() bool {
	return t.From != t.Status
}

// Terminal reports whether the task ended in this transition
func (t Transition) Terminal() bool {
	return t.Changed() && t.Status.IsTerminal()
}

// Machine applies transitions against the Plan Store
type Machine struct {
	store *store.Store
}

func New(s *store.Store) *Machine {
	return &Machine{store: s}
}

// NextRunnableStep returns the lowest step that is not completed. A step that
// is already in_progress or waiting is returned unchanged. done is true when
// every step is completed.
func (m *Machine) NextRunnableStep(ctx context.Context, task *models.Task) (*models.Step, bool, error) {
	steps, err := m.store.GetSteps(ctx, task.ID)
	if err != nil {
		return nil, false, err
	}
	return nextRunnable(task.ID, steps)
}

func nextRunnable(taskID int64, steps []models.Step) (*models.Step, bool, error) {
	for i := range steps {
		switch steps[i].Status {
		case models.StepCompleted:
			continue
		case models.StepFailed:
			return nil, false, fmt.Errorf("task %d %s failed: %w", taskID, steps[i].Label(), models.ErrTaskNotRunnable)
		default:
			step := steps[i]
			return &step, false, nil
		}
	}
	return nil, true, nil
}

// StartStep moves a pending step to in_progress and its task to in_progress
func (m *Machine) StartStep(ctx context.Context, task *models.Task, step *models.Step) error {
	return m.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := tx.Task(ctx, task.ID)
		if err != nil {
			return err
		}
		if current.Status != models.StatusPending && current.Status != models.StatusInProgress {
			return fmt.Errorf("start %s of task %d in status %s: %w", step.Label(), task.ID, current.Status, models.ErrStaleState)
		}

		steps, err := tx.Steps(ctx, task.ID)
		if err != nil {
			return err
		}
		next, _, err := nextRunnable(task.ID, steps)
		if err != nil {
			return err
		}
		if next == nil || next.ID != step.ID || next.Status != models.StepPending {
			return fmt.Errorf("%s of task %d is not the next runnable step: %w", step.Label(), task.ID, models.ErrStaleState)
		}

		if err := tx.UpdateStep(ctx, step.ID, []models.StepStatus{models.StepPending}, store.StepUpdate{
			Status:      models.StepInProgress,
			MarkStarted: true,
		}); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, stepEvent(task.ID, step, "step_started", models.StepPending, models.StepInProgress, "")); err != nil {
			return err
		}

		if err := tx.UpdateTask(ctx, task.ID, []models.TaskStatus{current.Status}, store.TaskUpdate{
			Status:      models.StatusInProgress,
			MarkStarted: true,
		}); err != nil {
			return err
		}
		if current.Status == models.StatusPending {
			if err := tx.AppendEvent(ctx, taskEvent(task.ID, "started", current.Status, models.StatusInProgress, "")); err != nil {
				return err
			}
		}

		task.Status = models.StatusInProgress
		step.Status = models.StepInProgress
		return nil
	})
}

// OnStepResult persists the outcome of an in_progress step and advances the task
func (m *Machine) OnStepResult(ctx context.Context, taskID int64, stepID int64, out models.Outcome) (Transition, error) {
	var tr Transition
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		task, step, err := loadPair(ctx, tx, taskID, stepID)
		if err != nil {
			return err
		}
		if step.Status != models.StepInProgress {
			return fmt.Errorf("%s of task %d is %s, not in_progress: %w", step.Label(), taskID, step.Status, models.ErrStaleState)
		}
		tr = newTransition(task, step)

		if task.IsTerminal() {
			return m.recordOrphanedResult(ctx, tx, task, step, out, &tr)
		}

		switch out.Kind {
		case models.OutcomeSuccess:
			return m.completeStep(ctx, tx, task, step, models.StepInProgress, out.Result, &tr)

		case models.OutcomeTransientFailure:
			retries := task.RetryCount + 1
			tr.RetryCount = retries
			errMsg := out.ErrorMessage()
			if retries <= task.MaxRetries {
				if err := tx.UpdateStep(ctx, step.ID, []models.StepStatus{models.StepInProgress}, store.StepUpdate{
					Status:       models.StepPending,
					ErrorMessage: &errMsg,
				}); err != nil {
					return err
				}
				msg := fmt.Sprintf("attempt %d failed, retrying: %s", retries, errMsg)
				if err := tx.AppendEvent(ctx, stepEvent(task.ID, step, "step_retry", models.StepInProgress, models.StepPending, msg)); err != nil {
					return err
				}
				if err := tx.UpdateTask(ctx, task.ID, []models.TaskStatus{task.Status}, store.TaskUpdate{
					RetryCount:   &retries,
					ErrorMessage: &errMsg,
				}); err != nil {
					return err
				}
				tr.StepStatus = models.StepPending
				tr.Retry = true
				tr.Continue = true
				tr.Message = errMsg
				return nil
			}
			taskMsg := fmt.Sprintf("%s failed after %d retries: %s", step.Label(), task.MaxRetries, errMsg)
			return m.failStep(ctx, tx, task, step, models.StepInProgress, errMsg, taskMsg, &retries, &tr)

		case models.OutcomePermanentFailure:
			errMsg := out.ErrorMessage()
			return m.failStep(ctx, tx, task, step, models.StepInProgress, errMsg,
				fmt.Sprintf("%s failed: %s", step.Label(), errMsg), nil, &tr)

		case models.OutcomeNeedsConfirmation, models.OutcomeDeferred:
			upd := store.StepUpdate{Status: models.StepWaiting, WakeAt: out.WakeAt}
			if err := tx.UpdateStep(ctx, step.ID, []models.StepStatus{models.StepInProgress}, upd); err != nil {
				return err
			}
			msg := out.Result
			if out.WakeAt != nil {
				msg = fmt.Sprintf("waiting until %s", out.WakeAt.UTC().Format(time.RFC3339))
			}
			if err := tx.AppendEvent(ctx, stepEvent(task.ID, step, "step_waiting", models.StepInProgress, models.StepWaiting, msg)); err != nil {
				return err
			}
			tr.StepStatus = models.StepWaiting
			tr.WakeAt = out.WakeAt
			return m.setTaskStatus(ctx, tx, task, models.StatusWaiting, store.TaskUpdate{}, "waiting", msg, &tr)

		default:
			return fmt.Errorf("unknown outcome kind %v", out.Kind)
		}
	})
	return tr, err
}

// recordOrphanedResult stores the result of a step that finished after its
// task was cancelled. The task itself is not touched.
func (m *Machine) recordOrphanedResult(ctx context.Context, tx *store.Tx, task *models.Task, step *models.Step, out models.Outcome, tr *Transition) error {
	upd := store.StepUpdate{}
	switch {
	case out.Kind == models.OutcomeSuccess:
		upd.Status = models.StepCompleted
		upd.Result = &out.Result
		upd.MarkCompleted = true
	case out.Kind.IsFailure():
		msg := out.ErrorMessage()
		upd.Status = models.StepFailed
		upd.ErrorMessage = &msg
		upd.MarkCompleted = true
	default:
		upd.Status = models.StepPending
	}
	if err := tx.UpdateStep(ctx, step.ID, []models.StepStatus{models.StepInProgress}, upd); err != nil {
		return err
	}
	msg := fmt.Sprintf("finished after task was %s", task.Status)
	if err := tx.AppendEvent(ctx, stepEvent(task.ID, step, "step_"+string(upd.Status), models.StepInProgress, upd.Status, msg)); err != nil {
		return err
	}
	tr.StepStatus = upd.Status
	tr.Message = msg
	return nil
}

// completeStep marks step completed and either continues the task or settles it
func (m *Machine) completeStep(ctx context.Context, tx *store.Tx, task *models.Task, step *models.Step, from models.StepStatus, result string, tr *Transition) error {
	empty := ""
	if err := tx.UpdateStep(ctx, step.ID, []models.StepStatus{from}, store.StepUpdate{
		Status:        models.StepCompleted,
		Result:        &result,
		ErrorMessage:  &empty,
		MarkCompleted: true,
	}); err != nil {
		return err
	}
	if err := tx.AppendEvent(ctx, stepEvent(task.ID, step, "step_completed", from, models.StepCompleted, "")); err != nil {
		return err
	}
	tr.StepStatus = models.StepCompleted

	steps, err := tx.Steps(ctx, task.ID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.Status != models.StepCompleted {
			tr.Continue = true
			if task.Status == models.StatusInProgress {
				return nil
			}
			return m.setTaskStatus(ctx, tx, task, models.StatusInProgress, store.TaskUpdate{}, "resumed", "", tr)
		}
	}
	return m.settle(ctx, tx, task, result, tr)
}

// settle decides the final status of a task whose steps are all completed
func (m *Machine) settle(ctx context.Context, tx *store.Tx, task *models.Task, result string, tr *Transition) error {
	children, err := tx.Children(ctx, task.ID)
	if err != nil {
		return err
	}
	status, msg := childVerdict(children)
	switch status {
	case models.StatusWaiting:
		if task.Status == models.StatusWaiting {
			tr.Message = msg
			return nil
		}
		return m.setTaskStatus(ctx, tx, task, models.StatusWaiting, store.TaskUpdate{}, "waiting", msg, tr)
	case models.StatusFailed:
		return m.setTaskStatus(ctx, tx, task, models.StatusFailed, store.TaskUpdate{ErrorMessage: &msg, MarkCompleted: true}, "failed", msg, tr)
	default:
		empty := ""
		return m.setTaskStatus(ctx, tx, task, models.StatusCompleted, store.TaskUpdate{
			Result:        &result,
			ErrorMessage:  &empty,
			MarkCompleted: true,
		}, "completed", "", tr)
	}
}

// childVerdict is waiting while a required child is active, failed when a
// required child did not complete, and completed otherwise
func childVerdict(children []models.Task) (models.TaskStatus, string) {
	var failed *models.Task
	active := 0
	for i := range children {
		c := &children[i]
		if !c.Required {
			continue
		}
		switch {
		case !c.IsTerminal():
			active++
		case c.Status != models.StatusCompleted && failed == nil:
			failed = c
		}
	}
	if active > 0 {
		return models.StatusWaiting, fmt.Sprintf("waiting for %d sub-tasks", active)
	}
	if failed != nil {
		return models.StatusFailed, fmt.Sprintf("sub-task %d %s", failed.ID, failed.Status)
	}
	return models.StatusCompleted, ""
}

// failStep fails the step and the task, cancelling any active descendants
func (m *Machine) failStep(ctx context.Context, tx *store.Tx, task *models.Task, step *models.Step, from models.StepStatus, stepMsg, taskMsg string, retries *int, tr *Transition) error {
	if err := tx.UpdateStep(ctx, step.ID, []models.StepStatus{from}, store.StepUpdate{
		Status:        models.StepFailed,
		ErrorMessage:  &stepMsg,
		MarkCompleted: true,
	}); err != nil {
		return err
	}
	if err := tx.AppendEvent(ctx, stepEvent(task.ID, step, "step_failed", from, models.StepFailed, stepMsg)); err != nil {
		return err
	}
	tr.StepStatus = models.StepFailed
	return m.setTaskStatus(ctx, tx, task, models.StatusFailed, store.TaskUpdate{
		ErrorMessage:  &taskMsg,
		RetryCount:    retries,
		MarkCompleted: true,
	}, "failed", taskMsg, tr)
}

// setTaskStatus moves the task from its current status to `to`. Failing or
// cancelling a task cancels its active descendants.
func (m *Machine) setTaskStatus(ctx context.Context, tx *store.Tx, task *models.Task, to models.TaskStatus, upd store.TaskUpdate, event, msg string, tr *Transition) error {
	upd.Status = to
	if err := tx.UpdateTask(ctx, task.ID, []models.TaskStatus{task.Status}, upd); err != nil {
		return err
	}
	if err := tx.AppendEvent(ctx, taskEvent(task.ID, event, task.Status, to, msg)); err != nil {
		return err
	}
	tr.Status = to
	tr.Message = msg

	if to == models.StatusFailed || to == models.StatusCancelled {
		cancelled, err := cancelDescendants(ctx, tx, task.ID)
		if err != nil {
			return err
		}
		tr.Cancelled = cancelled
	}
	return nil
}

func cancelDescendants(ctx context.Context, tx *store.Tx, id int64) ([]int64, error) {
	descendants, err := tx.Descendants(ctx, id)
	if err != nil {
		return nil, err
	}
	var cancelled []int64
	for _, d := range descendants {
		if d.IsTerminal() {
			continue
		}
		err := tx.UpdateTask(ctx, d.ID, []models.TaskStatus{d.Status}, store.TaskUpdate{
			Status:        models.StatusCancelled,
			MarkCompleted: true,
		})
		if err != nil {
			return nil, err
		}
		msg := fmt.Sprintf("ancestor task %d ended", id)
		if err := tx.AppendEvent(ctx, taskEvent(d.ID, "cancelled", d.Status, models.StatusCancelled, msg)); err != nil {
			return nil, err
		}
		cancelled = append(cancelled, d.ID)
	}
	return cancelled, nil
}

// Cancel moves a non-terminal task to cancelled. Its steps are left as they
// are; an in-flight step may still finish and record its result.
func (m *Machine) Cancel(ctx context.Context, taskID int64) (Transition, error) {
	var tr Transition
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		task, err := tx.Task(ctx, taskID)
		if err != nil {
			return err
		}
		if task.IsTerminal() {
			return fmt.Errorf("task %d is %s: %w", taskID, task.Status, models.ErrNotCancellable)
		}
		tr = Transition{TaskID: task.ID, ParentID: task.ParentID, From: task.Status, Status: task.Status}
		return m.setTaskStatus(ctx, tx, task, models.StatusCancelled, store.TaskUpdate{MarkCompleted: true}, "cancelled", "cancelled by request", &tr)
	})
	return tr, err
}

// ResolveConfirmation settles a waiting step. Accepting completes it and
// resumes the task; rejecting fails the step and the task with the note.
func (m *Machine) ResolveConfirmation(ctx context.Context, taskID, stepID int64, accepted bool, note string) (Transition, error) {
	var tr Transition
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		task, step, err := loadPair(ctx, tx, taskID, stepID)
		if err != nil {
			return err
		}
		if task.Status != models.StatusWaiting || step.Status != models.StepWaiting {
			return fmt.Errorf("task %d is %s and %s is %s: %w", taskID, task.Status, step.Label(), step.Status, models.ErrNotWaiting)
		}
		tr = newTransition(task, step)

		if accepted {
			result := note
			if result == "" {
				result = "confirmed"
			}
			return m.completeStep(ctx, tx, task, step, models.StepWaiting, result, &tr)
		}

		stepMsg := "rejected by user"
		if note != "" {
			stepMsg += ": " + note
		}
		return m.failStep(ctx, tx, task, step, models.StepWaiting, stepMsg,
			fmt.Sprintf("%s %s", step.Label(), stepMsg), nil, &tr)
	})
	return tr, err
}

// ResolveDueWait completes a waiting wait-step whose wake_at is not after now.
// resolved is false when the wait is not due (or no longer waiting).
func (m *Machine) ResolveDueWait(ctx context.Context, taskID, stepID int64, now time.Time) (tr Transition, resolved bool, err error) {
	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		task, step, err := loadPair(ctx, tx, taskID, stepID)
		if err != nil {
			return err
		}
		if task.Status != models.StatusWaiting || step.Status != models.StepWaiting ||
			step.ActionType != models.ActionWait || step.WakeAt == nil || step.WakeAt.After(now) {
			return nil
		}
		tr = newTransition(task, step)
		resolved = true
		return m.completeStep(ctx, tx, task, step, models.StepWaiting, fmt.Sprintf("woke at %s", now.UTC().Format(time.RFC3339)), &tr)
	})
	if err != nil {
		return Transition{}, false, err
	}
	return tr, resolved, nil
}

// FinalizeParent settles a parent that is waiting only on its sub-tasks.
// changed is false when the parent is not in that state or still has active
// required children.
func (m *Machine) FinalizeParent(ctx context.Context, parentID int64) (tr Transition, changed bool, err error) {
	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		parent, err := tx.Task(ctx, parentID)
		if err != nil {
			return err
		}
		if parent.Status != models.StatusWaiting {
			return nil
		}
		steps, err := tx.Steps(ctx, parentID)
		if err != nil {
			return err
		}
		result := ""
		for _, s := range steps {
			if s.Status != models.StepCompleted {
				return nil
			}
			result = s.Result
		}

		tr = Transition{TaskID: parent.ID, ParentID: parent.ParentID, From: parent.Status, Status: parent.Status}
		if err := m.settle(ctx, tx, parent, result, &tr); err != nil {
			return err
		}
		changed = tr.Changed()
		return nil
	})
	if err != nil {
		return Transition{}, false, err
	}
	return tr, changed, nil
}

// Propagate finalizes the ancestors of a task that just became terminal,
// walking up while each parent settles in turn.
func (m *Machine) Propagate(ctx context.Context, tr Transition) ([]Transition, error) {
	var out []Transition
	for tr.Terminal() && tr.ParentID != nil {
		next, changed, err := m.FinalizeParent(ctx, *tr.ParentID)
		if err != nil {
			return out, err
		}
		if !changed {
			break
		}
		out = append(out, next)
		tr = next
	}
	return out, nil
}

func loadPair(ctx context.Context, tx *store.Tx, taskID, stepID int64) (*models.Task, *models.Step, error) {
	task, err := tx.Task(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	step, err := tx.Step(ctx, stepID)
	if err != nil {
		return nil, nil, err
	}
	if step.TaskID != task.ID {
		return nil, nil, fmt.Errorf("step %d does not belong to task %d: %w", stepID, taskID, models.ErrStepNotFound)
	}
	return task, step, nil
}

func newTransition(task *models.Task, step *models.Step) Transition {
	return Transition{
		TaskID:     task.ID,
		ParentID:   task.ParentID,
		From:       task.Status,
		Status:     task.Status,
		StepNum:    step.StepNum,
		StepStatus: step.Status,
		RetryCount: task.RetryCount,
	}
}

func taskEvent(taskID int64, event string, from, to models.TaskStatus, msg string) models.TaskEvent {
	return models.TaskEvent{TaskID: taskID, Event: event, FromStatus: string(from), ToStatus: string(to), Message: msg}
}

func stepEvent(taskID int64, step *models.Step, event string, from, to models.StepStatus, msg string) models.TaskEvent {
	id := step.ID
	if msg == "" {
		msg = step.Label()
	}
	return models.TaskEvent{TaskID: taskID, StepID: &id, Event: event, FromStatus: string(from), ToStatus: string(to), Message: msg}
}

// IsRetryable reports errors a caller may retry after backing off
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, models.ErrStaleState) &&
		!errors.Is(err, models.ErrTaskNotFound) && !errors.Is(err, models.ErrStepNotFound) &&
		!errors.Is(err, models.ErrTaskNotRunnable)
}
