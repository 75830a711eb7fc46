// Package recovery rebuilds the ready queue after a restart from what the
// Plan Store recorded before the process stopped.
package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/harrison/taskflow/internal/logger"
	"github.com/harrison/taskflow/internal/models"
	"github.com/harrison/taskflow/internal/statemachine"
	"github.com/harrison/taskflow/internal/store"
)

// InterruptedMessage is recorded on steps whose attempt was cut short by a restart
const InterruptedMessage = "interrupted by restart"

// Dispatcher receives recovered tasks. *scheduler.Dispatcher implements it.
type Dispatcher interface {
	Enqueue(task *models.Task)
	Handle(ctx context.Context, tr statemachine.Transition)
}

// Report summarizes one recovery pass
type Report struct {
	Scanned     int     `json:"scanned"`
	Interrupted []int64 `json:"interrupted"` // tasks whose in-flight step was re-armed
	Failed      []int64 `json:"failed"`      // tasks whose interrupted step used up the retry budget
	Enqueued    int     `json:"enqueued"`
	Idle        int     `json:"idle"` // pending tasks nobody asked to execute
}

// Loader applies recovery against a store
type Loader struct {
	store   *store.Store
	machine *statemachine.Machine
	disp    Dispatcher
	log     logger.Logger
}

// New creates a Loader. disp may be nil to repair the store without
// scheduling anything.
func New(s *store.Store, m *statemachine.Machine, disp Dispatcher, log logger.Logger) *Loader {
	if log == nil {
		log = logger.NoOpLogger{}
	}
	return &Loader{store: s, machine: m, disp: disp, log: log}
}

// Recover re-arms steps left in_progress, consuming one retry each, and
// enqueues every non-terminal task by priority and age. Pending tasks whose
// execution was never requested are counted but not enqueued. Running it twice on
// an unchanged store consumes no further retries.
func (l *Loader) Recover(ctx context.Context) (*Report, error) {
	tasks, err := l.store.ListByStatuses(ctx, models.NonTerminalStatuses...)
	if err != nil {
		return nil, fmt.Errorf("list unfinished tasks: %w", err)
	}

	report := &Report{Scanned: len(tasks)}
	for i := range tasks {
		task := &tasks[i]
		handled, err := l.recoverTask(ctx, task, report)
		if err != nil {
			return report, fmt.Errorf("recover task %d: %w", task.ID, err)
		}
		if handled {
			continue
		}
		if task.Status == models.StatusPending && !task.ExecuteRequested {
			report.Idle++
			continue
		}
		if l.disp == nil {
			continue
		}
		l.disp.Enqueue(task)
		report.Enqueued++
	}

	l.log.Infof("recovery: %d unfinished tasks, %d interrupted steps re-armed, %d failed, %d enqueued, %d idle",
		report.Scanned, len(report.Interrupted), len(report.Failed), report.Enqueued, report.Idle)
	return report, nil
}

// recoverTask records a transient failure for an interrupted step. handled
// is true when the resulting transition already scheduled the task.
func (l *Loader) recoverTask(ctx context.Context, task *models.Task, report *Report) (bool, error) {
	steps, err := l.store.GetSteps(ctx, task.ID)
	if err != nil {
		return false, err
	}

	for _, step := range steps {
		if step.Status != models.StepInProgress {
			continue
		}
		tr, err := l.machine.OnStepResult(ctx, task.ID, step.ID, models.TransientFailure(errors.New(InterruptedMessage)))
		if errors.Is(err, models.ErrStaleState) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		l.log.Warnf("recovery: task %d %s was interrupted (retry %d/%d)", task.ID, step.Label(), tr.RetryCount, task.MaxRetries)
		report.Interrupted = append(report.Interrupted, task.ID)
		if tr.Status == models.StatusFailed {
			report.Failed = append(report.Failed, task.ID)
		}
		if l.disp != nil {
			l.disp.Handle(ctx, tr)
			if tr.Retry {
				report.Enqueued++
			}
		}
		return true, nil
	}
	return false, nil
}
