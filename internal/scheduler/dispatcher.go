// Package scheduler drives tasks through their steps with a fixed pool of
// workers. Steps of one task run strictly one at a time; different tasks run
// in parallel up to the pool size.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harrison/taskflow/internal/logger"
	"github.com/harrison/taskflow/internal/metrics"
	"github.com/harrison/taskflow/internal/models"
	"github.com/harrison/taskflow/internal/notify"
	"github.com/harrison/taskflow/internal/statemachine"
	"github.com/harrison/taskflow/internal/store"
)

// Defaults used when Config leaves a field at zero
const (
	DefaultWorkers      = 4
	DefaultPollInterval = 2 * time.Second
	DefaultBaseBackoff  = time.Second
	DefaultMaxBackoff   = 5 * time.Minute
)

// StepExecutor runs one attempt of a step
type StepExecutor interface {
	ExecuteStep(ctx context.Context, task *models.Task, step *models.Step) models.Outcome
}

// Config sizes the worker pool and its timers
type Config struct {
	Workers      int
	PollInterval time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	return c
}

// Dispatcher owns the ready queue and the worker pool
type Dispatcher struct {
	store    *store.Store
	machine  *statemachine.Machine
	exec     StepExecutor
	notifier notify.Notifier
	log      logger.Logger
	metrics  *metrics.Metrics
	cfg      Config

	mu      sync.Mutex
	queue   *readyQueue
	delayed map[int64]*time.Timer
	// deferred holds tasks enqueued while a worker was driving them
	deferred map[int64]*models.Task
	signal  chan struct{}
	locks   *taskLocks
	wg      sync.WaitGroup
	running bool
}

// New creates a Dispatcher. notifier, log and m may be nil.
func New(s *store.Store, machine *statemachine.Machine, exec StepExecutor, notifier notify.Notifier, log logger.Logger, m *metrics.Metrics, cfg Config) *Dispatcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = logger.NoOpLogger{}
	}
	return &Dispatcher{
		store:    s,
		machine:  machine,
		exec:     exec,
		notifier: notifier,
		log:      log,
		metrics:  m,
		cfg:      cfg.withDefaults(),
		queue:    newReadyQueue(),
		delayed:  make(map[int64]*time.Timer),
		deferred: make(map[int64]*models.Task),
		signal:   make(chan struct{}, 1),
		locks:    newTaskLocks(),
	}
}

// Config returns the effective configuration
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Enqueue makes a task ready. It is a no-op for terminal tasks and for
// tasks already in the queue. A task that a worker currently holds is
// queued once the worker lets go of it.
func (d *Dispatcher) Enqueue(task *models.Task) {
	if task == nil || task.IsTerminal() {
		return
	}
	d.mu.Lock()
	if d.locks.Held(task.ID) {
		d.deferred[task.ID] = task
		d.mu.Unlock()
		return
	}
	pushed := d.queue.push(task)
	depth := d.queue.len()
	d.mu.Unlock()

	if pushed {
		d.metrics.SetQueueDepth(depth)
		d.wake()
	}
}

// EnqueueID loads a task and enqueues it
func (d *Dispatcher) EnqueueID(ctx context.Context, id int64) error {
	task, err := d.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	d.Enqueue(task)
	return nil
}

// EnqueueAfter makes a task ready once delay has passed. No worker is held
// while the delay runs. A later call replaces an earlier pending one.
func (d *Dispatcher) EnqueueAfter(task *models.Task, delay time.Duration) {
	if delay <= 0 {
		d.Enqueue(task)
		return
	}
	id := task.ID
	snapshot := *task

	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.delayed[id]; ok {
		t.Stop()
	}
	d.delayed[id] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.delayed, id)
		d.mu.Unlock()
		d.Enqueue(&snapshot)
	})
}

// Backoff returns the delay before retry n: base * 2^(n-1), capped at the
// configured maximum
func (d *Dispatcher) Backoff(retry int) time.Duration {
	return backoff(d.cfg.BaseBackoff, d.cfg.MaxBackoff, retry)
}

func backoff(base, max time.Duration, retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := base
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// QueueLen reports how many tasks are ready
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.len()
}

// tracked reports whether the dispatcher already accounts for the task
func (d *Dispatcher) tracked(id int64) bool {
	d.mu.Lock()
	_, delayed := d.delayed[id]
	_, deferred := d.deferred[id]
	queued := d.queue.contains(id)
	d.mu.Unlock()
	return delayed || deferred || queued || d.locks.Held(id)
}

func (d *Dispatcher) wake() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// next blocks until a task is ready or ctx is done
func (d *Dispatcher) next(ctx context.Context) (int64, bool) {
	for {
		d.mu.Lock()
		id, ok := d.queue.pop()
		more := d.queue.len() > 0
		depth := d.queue.len()
		d.mu.Unlock()

		if ok {
			d.metrics.SetQueueDepth(depth)
			if more {
				d.wake()
			}
			return id, true
		}

		select {
		case <-ctx.Done():
			return 0, false
		case <-d.signal:
		}
	}
}

// Start launches the workers and the poll loop. They stop when ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.worker(ctx)
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.pollLoop(ctx)
	}()

	d.log.Infof("dispatcher started with %d workers (poll every %s)", d.cfg.Workers, d.cfg.PollInterval)
	return nil
}

// Run starts the dispatcher and blocks until ctx is done and every worker
// has finished its current step
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	d.Wait()
	return nil
}

// Wait blocks until the workers and the poll loop have exited, then drops
// pending delayed retries. The store keeps them; recovery picks them up.
func (d *Dispatcher) Wait() {
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.delayed {
		t.Stop()
		delete(d.delayed, id)
	}
	clear(d.deferred)
	d.running = false
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		id, ok := d.next(ctx)
		if !ok {
			return
		}
		d.process(ctx, id)
	}
}

// process drives one task for at most one step
func (d *Dispatcher) process(ctx context.Context, id int64) {
	if !d.locks.TryLock(id) {
		d.metrics.ConcurrencyViolation()
		d.log.Warnf("task %d: %v; dispatch dropped", id, models.ErrConcurrencyViolation)
		return
	}
	d.metrics.WorkerBusy()
	defer func() {
		d.metrics.WorkerIdle()
		d.release(id)
	}()

	if err := d.step(ctx, id); err != nil {
		d.storeFailure(ctx, id, err)
	}
}

// release unlocks the task and queues it if it was enqueued meanwhile
func (d *Dispatcher) release(id int64) {
	d.locks.Unlock(id)

	d.mu.Lock()
	task, ok := d.deferred[id]
	delete(d.deferred, id)
	d.mu.Unlock()

	if ok {
		d.Enqueue(task)
	}
}

// step performs the next action for task id. Only store failures are
// returned; step failures are recorded on the task.
func (d *Dispatcher) step(ctx context.Context, id int64) error {
	task, err := d.store.GetTask(ctx, id)
	if err != nil {
		return err
	}

	switch task.Status {
	case models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
		return nil
	case models.StatusWaiting:
		return d.resumeWaiting(ctx, task)
	case models.StatusPending:
		if !task.ExecuteRequested {
			d.log.Debugf("task %d: execution not requested; dispatch dropped", task.ID)
			return nil
		}
	}

	step, done, err := d.machine.NextRunnableStep(ctx, task)
	if err != nil {
		return err
	}
	if done {
		// every step completed but the task was not settled
		tr, changed, err := d.machine.FinalizeParent(ctx, task.ID)
		if err != nil || !changed {
			return err
		}
		d.Handle(ctx, tr)
		return nil
	}

	switch step.Status {
	case models.StepWaiting:
		return nil
	case models.StepInProgress:
		// an earlier attempt died without recording its result
		return d.record(ctx, task, step, models.TransientFailure(errors.New("attempt interrupted")))
	}

	// shutting down; the task stays runnable in the store
	if ctx.Err() != nil {
		return nil
	}

	if err := d.machine.StartStep(ctx, task, step); err != nil {
		if errors.Is(err, models.ErrStaleState) {
			d.log.Debugf("task %d: %v", task.ID, err)
			return nil
		}
		return err
	}

	d.log.LogTaskStart(task, step)
	start := time.Now()
	out := d.exec.ExecuteStep(ctx, task, step)
	duration := time.Since(start)

	d.log.LogStepResult(task, step, out, duration)
	d.metrics.StepFinished(string(step.ActionType), out.Kind.String(), duration)

	// the result is persisted even when shutdown interrupted the call
	return d.record(context.WithoutCancel(ctx), task, step, out)
}

func (d *Dispatcher) record(ctx context.Context, task *models.Task, step *models.Step, out models.Outcome) error {
	tr, err := d.machine.OnStepResult(ctx, task.ID, step.ID, out)
	if err != nil {
		if errors.Is(err, models.ErrStaleState) {
			d.log.Debugf("task %d: %v", task.ID, err)
			return nil
		}
		return err
	}
	d.Handle(ctx, tr)
	return nil
}

// resumeWaiting completes a due wait step, or settles a parent whose
// sub-tasks have all finished. Confirmation waits are left alone.
func (d *Dispatcher) resumeWaiting(ctx context.Context, task *models.Task) error {
	step, done, err := d.machine.NextRunnableStep(ctx, task)
	if err != nil {
		return err
	}
	if done {
		tr, changed, err := d.machine.FinalizeParent(ctx, task.ID)
		if err != nil || !changed {
			return err
		}
		d.Handle(ctx, tr)
		return nil
	}
	if step.Status != models.StepWaiting || step.ActionType != models.ActionWait {
		return nil
	}

	tr, resolved, err := d.machine.ResolveDueWait(ctx, task.ID, step.ID, d.store.Now())
	if err != nil || !resolved {
		return err
	}
	d.Handle(ctx, tr)
	return nil
}

// Handle reacts to a transition: logging, metrics, notifications, parent
// settlement and re-queueing. It is also used for transitions applied
// outside the worker pool, such as confirmations and cancellations.
func (d *Dispatcher) Handle(ctx context.Context, tr statemachine.Transition) {
	if tr.Changed() {
		d.log.LogTaskStatus(tr.TaskID, tr.Status, tr.Message)
		d.metrics.TaskTransition(string(tr.Status))
		d.notifyTask(ctx, tr.TaskID, tr.Message)
	}
	for _, id := range tr.Cancelled {
		d.log.LogTaskStatus(id, models.StatusCancelled, fmt.Sprintf("ancestor task %d ended", tr.TaskID))
		d.metrics.TaskTransition(string(models.StatusCancelled))
		d.notifyTask(ctx, id, "")
	}

	if tr.Terminal() {
		parents, err := d.machine.Propagate(ctx, tr)
		for _, p := range parents {
			d.Handle(ctx, p)
		}
		if err != nil {
			d.log.Errorf("task %d: settle parent: %v", tr.TaskID, err)
			if tr.ParentID != nil {
				if task, gerr := d.store.GetTask(ctx, *tr.ParentID); gerr == nil {
					d.EnqueueAfter(task, d.cfg.PollInterval)
				}
			}
		}
		return
	}

	if !tr.Continue {
		return
	}
	task, err := d.store.GetTask(ctx, tr.TaskID)
	if err != nil {
		d.log.Errorf("task %d: reload for requeue: %v", tr.TaskID, err)
		return
	}
	if tr.Retry {
		d.metrics.Retry()
		delay := d.Backoff(tr.RetryCount)
		d.log.Infof("task %d: retry %d/%d in %s", task.ID, tr.RetryCount, task.MaxRetries, delay)
		d.EnqueueAfter(task, delay)
		return
	}
	d.Enqueue(task)
}

func (d *Dispatcher) notifyTask(ctx context.Context, id int64, message string) {
	task, err := d.store.GetTask(ctx, id)
	if err != nil {
		d.log.Warnf("task %d: load for notification: %v", id, err)
		return
	}
	ev, ok := notify.NewEvent(task, message, d.store.Now())
	if !ok {
		return
	}
	if err := d.notifier.Notify(ctx, ev); err != nil {
		d.metrics.NotifyFailed()
		d.log.Warnf("task %d: notify %s: %v", id, ev.Kind, err)
	}
}

// storeFailure backs off and retries the task later. When the task cannot
// even be read, the poll loop picks it up once the store recovers.
func (d *Dispatcher) storeFailure(ctx context.Context, id int64, err error) {
	if !statemachine.IsRetryable(err) {
		d.log.Warnf("task %d: %v", id, err)
		return
	}
	if ctx.Err() != nil {
		return
	}
	task, gerr := d.store.GetTask(context.WithoutCancel(ctx), id)
	if gerr != nil {
		d.log.Errorf("task %d: store failure, leaving it to the poll loop: %v (reload: %v)", id, err, gerr)
		return
	}
	d.log.Errorf("task %d: store failure, retrying in %s: %v", id, d.cfg.PollInterval, err)
	d.EnqueueAfter(task, d.cfg.PollInterval)
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Poll(ctx); err != nil && ctx.Err() == nil {
				d.log.Errorf("poll: %v", err)
			}
		}
	}
}

// Poll enqueues tasks whose wait is due and executable tasks the dispatcher
// is not tracking, such as tasks another process asked to run. Pending
// tasks nobody asked to execute are left alone.
func (d *Dispatcher) Poll(ctx context.Context) error {
	due, err := d.store.ListDueWaits(ctx, d.store.Now())
	if err != nil {
		return fmt.Errorf("list due waits: %w", err)
	}
	for _, step := range due {
		if d.tracked(step.TaskID) {
			continue
		}
		if err := d.EnqueueID(ctx, step.TaskID); err != nil && !errors.Is(err, models.ErrTaskNotFound) {
			return err
		}
	}

	runnable, err := d.store.ListExecutable(ctx)
	if err != nil {
		return fmt.Errorf("list executable tasks: %w", err)
	}
	for i := range runnable {
		if d.tracked(runnable[i].ID) {
			continue
		}
		d.Enqueue(&runnable[i])
	}
	return nil
}
