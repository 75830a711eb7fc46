// Package engine wires the Plan Store, state machine, step executor,
// dispatcher and recovery loader into one object with the operations the
// CLI and the HTTP API expose.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harrison/taskflow/internal/decomposer"
	"github.com/harrison/taskflow/internal/executor"
	"github.com/harrison/taskflow/internal/logger"
	"github.com/harrison/taskflow/internal/metrics"
	"github.com/harrison/taskflow/internal/models"
	"github.com/harrison/taskflow/internal/notify"
	"github.com/harrison/taskflow/internal/recovery"
	"github.com/harrison/taskflow/internal/scheduler"
	"github.com/harrison/taskflow/internal/statemachine"
	"github.com/harrison/taskflow/internal/store"
	"github.com/harrison/taskflow/internal/tools"
)

// Options configures an Engine. Zero values fall back to package defaults.
type Options struct {
	Workers           int
	PollInterval      time.Duration
	ToolTimeout       time.Duration
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	// DefaultMaxRetries applies to plans without max_retries; nil means
	// models.DefaultMaxRetries
	DefaultMaxRetries *int

	Invoker  executor.Invoker // defaults to tools.NewDefaultRegistry()
	Notifier notify.Notifier
	Logger   logger.Logger
	Metrics  *metrics.Metrics
}

// Engine is the task orchestration engine
type Engine struct {
	store    *store.Store
	machine  *statemachine.Machine
	decomp   *decomposer.Decomposer
	exec     *executor.Executor
	disp     *scheduler.Dispatcher
	recovery *recovery.Loader
	log      logger.Logger
	metrics  *metrics.Metrics
}

// New builds an Engine on an open store
func New(s *store.Store, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logger.NoOpLogger{}
	}
	invoker := opts.Invoker
	if invoker == nil {
		invoker = tools.NewDefaultRegistry()
	}
	maxRetries := models.DefaultMaxRetries
	if opts.DefaultMaxRetries != nil {
		maxRetries = *opts.DefaultMaxRetries
	}

	machine := statemachine.New(s)
	exec := executor.New(invoker, opts.ToolTimeout)
	disp := scheduler.New(s, machine, exec, opts.Notifier, log, opts.Metrics, scheduler.Config{
		Workers:      opts.Workers,
		PollInterval: opts.PollInterval,
		BaseBackoff:  opts.BaseBackoff,
		MaxBackoff:   opts.MaxBackoff,
	})

	return &Engine{
		store:    s,
		machine:  machine,
		decomp:   decomposer.New(s, maxRetries),
		exec:     exec,
		disp:     disp,
		recovery: recovery.New(s, machine, disp, log),
		log:      log,
		metrics:  opts.Metrics,
	}
}

func (e *Engine) Store() *store.Store                { return e.store }
func (e *Engine) Dispatcher() *scheduler.Dispatcher { return e.disp }
func (e *Engine) Metrics() *metrics.Metrics         { return e.metrics }

// Validate checks a plan without persisting anything
func (e *Engine) Validate(req models.PlanRequest) error {
	return e.decomp.Validate(req)
}

// Submit persists a plan. The task and its sub-tasks stay pending until
// Execute is called for them.
func (e *Engine) Submit(ctx context.Context, owner models.Owner, req models.PlanRequest) (int64, error) {
	id, err := e.decomp.CreateTaskFromPlan(ctx, owner, req)
	if err != nil {
		return 0, err
	}
	e.submitted(id, owner, req, false)
	return id, nil
}

// SubmitAndExecute persists a plan with execution requested in the same
// transaction and enqueues the task and its sub-tasks
func (e *Engine) SubmitAndExecute(ctx context.Context, owner models.Owner, req models.PlanRequest) (int64, error) {
	id, err := e.decomp.CreateRequested(ctx, owner, req)
	if err != nil {
		return 0, err
	}
	e.submitted(id, owner, req, true)

	if err := e.Execute(ctx, id); err != nil {
		// the request is stored; the poll loop will find the task
		e.log.Warnf("task %d: enqueue after submit: %v", id, err)
	}
	return id, nil
}

func (e *Engine) submitted(id int64, owner models.Owner, req models.PlanRequest, execute bool) {
	e.metrics.TaskSubmitted(req.CountTasks())
	verb := "submitted"
	if execute {
		verb = "submitted for execution"
	}
	e.log.Infof("task %d %s by %s: %s (%d steps, %d sub-tasks)", id, verb, owner.UserID, req.Title, len(req.Steps), req.CountTasks()-1)
}

// Execute records that a task should run and hands it, with its unfinished
// sub-tasks, to the dispatcher. The request is stored, so a dispatcher in
// another process or after a restart also picks the task up. Terminal tasks
// are rejected. A task waiting for confirmation stays waiting.
func (e *Engine) Execute(ctx context.Context, id int64) error {
	tasks, err := e.store.RequestExecution(ctx, id)
	if err != nil {
		return err
	}
	for i := range tasks {
		e.disp.Enqueue(&tasks[i])
	}
	return nil
}

// Cancel cancels a non-terminal task and its active sub-tasks. A step that
// is running finishes; nothing further starts.
func (e *Engine) Cancel(ctx context.Context, id int64) (*models.Task, error) {
	tr, err := e.machine.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	e.disp.Handle(ctx, tr)
	return e.store.GetTask(ctx, id)
}

// Confirm resolves a waiting step. With stepID 0 the task's waiting step is
// used.
func (e *Engine) Confirm(ctx context.Context, taskID, stepID int64, accepted bool, note string) (*models.Task, error) {
	if stepID == 0 {
		step, err := e.waitingStep(ctx, taskID)
		if err != nil {
			return nil, err
		}
		stepID = step.ID
	}
	tr, err := e.machine.ResolveConfirmation(ctx, taskID, stepID, accepted, note)
	if err != nil {
		return nil, err
	}
	e.disp.Handle(ctx, tr)
	return e.store.GetTask(ctx, taskID)
}

func (e *Engine) waitingStep(ctx context.Context, taskID int64) (*models.Step, error) {
	steps, err := e.store.GetSteps(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		if steps[i].Status == models.StepWaiting {
			return &steps[i], nil
		}
	}
	if _, err := e.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("task %d has no waiting step: %w", taskID, models.ErrNotWaiting)
}

// Delete removes a terminal task together with its steps and sub-tasks
func (e *Engine) Delete(ctx context.Context, id int64) error {
	return e.store.DeleteTask(ctx, id)
}

func (e *Engine) Get(ctx context.Context, id int64) (*models.TaskDetail, error) {
	return e.store.GetDetail(ctx, id)
}

func (e *Engine) List(ctx context.Context, f store.TaskFilter) ([]models.Task, error) {
	return e.store.ListTasks(ctx, f)
}

// Stats counts tasks by status; an empty userID counts every user
func (e *Engine) Stats(ctx context.Context, userID string) (*models.TaskStats, error) {
	return e.store.Statistics(ctx, userID)
}

func (e *Engine) Events(ctx context.Context, id int64) ([]models.TaskEvent, error) {
	if _, err := e.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, id)
}

// Recover re-arms interrupted work and enqueues unfinished tasks
func (e *Engine) Recover(ctx context.Context) (*recovery.Report, error) {
	return e.recovery.Recover(ctx)
}

// Start recovers and launches the dispatcher in the background
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	return e.disp.Start(ctx)
}

// Wait blocks until a started engine has stopped
func (e *Engine) Wait() {
	e.disp.Wait()
}

// Run recovers, then drives tasks until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	e.Wait()
	if stats, err := e.Stats(context.WithoutCancel(ctx), ""); err == nil {
		e.log.LogSummary(*stats)
	}
	return nil
}

// ErrStillWaiting is returned by AwaitSettled when a task stops at a
// confirmation or an untimed wait
var ErrStillWaiting = errors.New("task is waiting for input")

// AwaitSettled polls a task until it is terminal or waits on an external
// resolution. The engine must be running.
func (e *Engine) AwaitSettled(ctx context.Context, id int64, every time.Duration) (*models.Task, error) {
	if every <= 0 {
		every = 50 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		task, err := e.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.IsTerminal() {
			return task, nil
		}
		if task.Status == models.StatusWaiting {
			external, err := e.waitsExternally(ctx, task)
			if err != nil {
				return nil, err
			}
			if external {
				return task, ErrStillWaiting
			}
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitsExternally is true when only a confirmation can move the task on
func (e *Engine) waitsExternally(ctx context.Context, task *models.Task) (bool, error) {
	steps, err := e.store.GetSteps(ctx, task.ID)
	if err != nil {
		return false, err
	}
	for _, s := range steps {
		if s.Status != models.StepWaiting {
			continue
		}
		return s.ActionType == models.ActionUserConfirm || s.WakeAt == nil, nil
	}
	return false, nil
}
