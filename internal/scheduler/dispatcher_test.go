package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskflow/internal/decomposer"
	"github.com/harrison/taskflow/internal/executor"
	"github.com/harrison/taskflow/internal/models"
	"github.com/harrison/taskflow/internal/notify"
	"github.com/harrison/taskflow/internal/statemachine"
	"github.com/harrison/taskflow/internal/store"
	"github.com/harrison/taskflow/internal/tools"
)

// scriptedExecutor returns queued outcomes per step number and succeeds once
// a step's script is exhausted
type scriptedExecutor struct {
	mu       sync.Mutex
	scripts  map[int][]models.Outcome
	calls    []int
	before   func(task *models.Task, step *models.Step)
	active   map[int64]int
	maxSeen  int
	lastStep map[int64]int
	order    bool
}

func newScripted() *scriptedExecutor {
	return &scriptedExecutor{
		scripts:  make(map[int][]models.Outcome),
		active:   make(map[int64]int),
		lastStep: make(map[int64]int),
		order:    true,
	}
}

func (e *scriptedExecutor) ExecuteStep(ctx context.Context, task *models.Task, step *models.Step) models.Outcome {
	e.mu.Lock()
	e.calls = append(e.calls, step.StepNum)
	e.active[task.ID]++
	if e.active[task.ID] > e.maxSeen {
		e.maxSeen = e.active[task.ID]
	}
	if step.StepNum < e.lastStep[task.ID] {
		e.order = false
	}
	e.lastStep[task.ID] = step.StepNum
	var out models.Outcome
	if script := e.scripts[step.StepNum]; len(script) > 0 {
		out = script[0]
		e.scripts[step.StepNum] = script[1:]
	} else {
		out = models.Success("ok " + step.Description)
	}
	before := e.before
	e.mu.Unlock()

	if before != nil {
		before(task, step)
	}
	time.Sleep(time.Millisecond)

	e.mu.Lock()
	e.active[task.ID]--
	e.mu.Unlock()
	return out
}

func (e *scriptedExecutor) stepCalls() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.calls...)
}

type fixture struct {
	store   *store.Store
	machine *statemachine.Machine
	decomp  *decomposer.Decomposer
	disp    *Dispatcher
	events  *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Notify(_ context.Context, ev notify.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) kinds(taskID int64) []notify.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []notify.Kind
	for _, ev := range l.events {
		if ev.TaskID == taskID {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func newFixture(t *testing.T, exec StepExecutor, cfg Config) *fixture {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = time.Millisecond
		cfg.MaxBackoff = 5 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	m := statemachine.New(s)
	events := &eventLog{}
	return &fixture{
		store:   s,
		machine: m,
		decomp:  decomposer.New(s, models.DefaultMaxRetries),
		disp:    New(s, m, exec, events, nil, nil, cfg),
		events:  events,
	}
}

func (f *fixture) submit(t *testing.T, req models.PlanRequest) int64 {
	t.Helper()
	id, err := f.decomp.CreateRequested(context.Background(), models.Owner{UserID: "u1", SessionID: "s1"}, req)
	require.NoError(t, err)
	require.NoError(t, f.disp.EnqueueID(context.Background(), id))
	return id
}

func (f *fixture) task(t *testing.T, id int64) *models.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (f *fixture) steps(t *testing.T, id int64) []models.Step {
	t.Helper()
	steps, err := f.store.GetSteps(context.Background(), id)
	require.NoError(t, err)
	return steps
}

func (f *fixture) pending() int {
	f.disp.mu.Lock()
	defer f.disp.mu.Unlock()
	return f.disp.queue.len() + len(f.disp.delayed) + len(f.disp.deferred)
}

// drain processes queued tasks on the calling goroutine until nothing is
// queued or scheduled
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.disp.mu.Lock()
		id, ok := f.disp.queue.pop()
		f.disp.mu.Unlock()
		if ok {
			f.disp.process(ctx, id)
			continue
		}
		if f.pending() == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("dispatcher did not drain")
}

func toolStep(n int, tool string) models.PlanStep {
	return models.PlanStep{
		StepNum:      n,
		Description:  "call " + tool,
		ActionType:   models.ActionToolCall,
		ActionParams: map[string]any{"tool_name": tool, "params": map[string]any{"text": "hi"}},
	}
}

func otherStep(n int) models.PlanStep {
	return models.PlanStep{StepNum: n, Description: "note", ActionType: models.ActionOther}
}

func threeSteps(title string) models.PlanRequest {
	return models.PlanRequest{
		Title: title,
		Steps: []models.PlanStep{toolStep(1, "echo"), toolStep(2, "echo"), toolStep(3, "echo")},
	}
}

func TestScenario_AllStepsSucceed(t *testing.T) {
	exec := executor.New(tools.NewDefaultRegistry(), time.Second)
	f := newFixture(t, exec, Config{})

	id := f.submit(t, threeSteps("three echoes"))
	f.drain(t)

	task := f.task(t, id)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, "echo: hi", task.Result)
	for _, s := range f.steps(t, id) {
		assert.Equal(t, models.StepCompleted, s.Status)
		assert.NotNil(t, s.StartedAt)
		assert.NotNil(t, s.CompletedAt)
	}
	assert.Equal(t, []notify.Kind{notify.KindCompleted}, f.events.kinds(id))
}

func TestScenario_TransientThenSuccess(t *testing.T) {
	exec := newScripted()
	boom := errors.New("503 from upstream")
	exec.scripts[2] = []models.Outcome{models.TransientFailure(boom), models.TransientFailure(boom)}
	f := newFixture(t, exec, Config{})

	id := f.submit(t, threeSteps("flaky"))
	f.drain(t)

	task := f.task(t, id)
	assert.Equal(t, models.StatusCompleted, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, []int{1, 2, 2, 2, 3}, exec.stepCalls())
}

func TestScenario_RetriesExhausted(t *testing.T) {
	exec := newScripted()
	boom := errors.New("timeout")
	exec.scripts[1] = []models.Outcome{
		models.TransientFailure(boom), models.TransientFailure(boom), models.TransientFailure(boom),
	}
	f := newFixture(t, exec, Config{})

	maxRetries := 2
	req := threeSteps("exhausted")
	req.MaxRetries = &maxRetries
	id := f.submit(t, req)
	f.drain(t)

	task := f.task(t, id)
	assert.Equal(t, models.StatusFailed, task.Status)
	assert.Equal(t, 3, task.RetryCount)
	assert.Equal(t, []int{1, 1, 1}, exec.stepCalls())
	assert.Equal(t, []notify.Kind{notify.KindFailed}, f.events.kinds(id))
}

func TestScenario_PermanentFailure(t *testing.T) {
	exec := newScripted()
	exec.scripts[2] = []models.Outcome{models.PermanentFailure(errors.New("400 bad request"))}
	f := newFixture(t, exec, Config{})

	id := f.submit(t, threeSteps("broken"))
	f.drain(t)

	task := f.task(t, id)
	assert.Equal(t, models.StatusFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "400 bad request")
	assert.Equal(t, []int{1, 2}, exec.stepCalls(), "step 3 is never attempted")

	steps := f.steps(t, id)
	assert.Equal(t, models.StepFailed, steps[1].Status)
	assert.Equal(t, models.StepPending, steps[2].Status)
	assert.Nil(t, steps[2].StartedAt)
}

func TestScenario_UserConfirmation(t *testing.T) {
	exec := executor.New(tools.NewDefaultRegistry(), time.Second)
	f := newFixture(t, exec, Config{})
	ctx := context.Background()

	req := models.PlanRequest{
		Title: "needs approval",
		Steps: []models.PlanStep{
			otherStep(1),
			{StepNum: 2, Description: "approve", ActionType: models.ActionUserConfirm, ActionParams: map[string]any{"prompt": "Book it?"}},
			otherStep(3),
		},
	}
	id := f.submit(t, req)
	f.drain(t)

	assert.Equal(t, models.StatusWaiting, f.task(t, id).Status)
	assert.Equal(t, []notify.Kind{notify.KindWaiting}, f.events.kinds(id))
	confirmStep := f.steps(t, id)[1]
	assert.Equal(t, models.StepWaiting, confirmStep.Status)

	tr, err := f.machine.ResolveConfirmation(ctx, id, confirmStep.ID, true, "")
	require.NoError(t, err)
	f.disp.Handle(ctx, tr)
	f.drain(t)

	assert.Equal(t, models.StatusCompleted, f.task(t, id).Status)

	_, err = f.machine.ResolveConfirmation(ctx, id, confirmStep.ID, true, "")
	assert.ErrorIs(t, err, models.ErrNotWaiting)
}

func TestScenario_CancelDuringStep(t *testing.T) {
	exec := newScripted()
	f := newFixture(t, exec, Config{})
	ctx := context.Background()

	exec.before = func(task *models.Task, step *models.Step) {
		if step.StepNum != 2 {
			return
		}
		tr, err := f.machine.Cancel(ctx, task.ID)
		require.NoError(t, err)
		f.disp.Handle(ctx, tr)
	}

	id := f.submit(t, threeSteps("cancel me"))
	f.drain(t)

	task := f.task(t, id)
	assert.Equal(t, models.StatusCancelled, task.Status)
	assert.Equal(t, []int{1, 2}, exec.stepCalls())

	steps := f.steps(t, id)
	assert.Equal(t, models.StepCompleted, steps[1].Status, "the in-flight step finishes naturally")
	assert.Equal(t, models.StepPending, steps[2].Status)
	assert.Equal(t, []notify.Kind{notify.KindCancelled}, f.events.kinds(id))
}

func TestTimedWaitResumesOnPoll(t *testing.T) {
	exec := executor.New(tools.NewDefaultRegistry(), time.Second)
	f := newFixture(t, exec, Config{})
	ctx := context.Background()

	req := models.PlanRequest{
		Title: "wait then finish",
		Steps: []models.PlanStep{
			{StepNum: 1, Description: "pause", ActionType: models.ActionWait, ActionParams: map[string]any{"until": "2020-01-01T00:00:00Z", "reason": "cool down"}},
			otherStep(2),
		},
	}
	id := f.submit(t, req)
	f.drain(t)
	assert.Equal(t, models.StatusWaiting, f.task(t, id).Status)

	require.NoError(t, f.disp.Poll(ctx))
	f.drain(t)

	assert.Equal(t, models.StatusCompleted, f.task(t, id).Status)
	steps := f.steps(t, id)
	assert.Contains(t, steps[0].Result, "woke at")
}

func TestUntimedWaitIsNotPolled(t *testing.T) {
	exec := executor.New(tools.NewDefaultRegistry(), time.Second)
	f := newFixture(t, exec, Config{})

	req := models.PlanRequest{
		Title: "external wait",
		Steps: []models.PlanStep{{StepNum: 1, Description: "hold", ActionType: models.ActionWait, ActionParams: map[string]any{"reason": "webhook"}}},
	}
	id := f.submit(t, req)
	f.drain(t)
	require.NoError(t, f.disp.Poll(context.Background()))
	f.drain(t)

	assert.Equal(t, models.StatusWaiting, f.task(t, id).Status)
}

func TestParentCompletesAfterChildren(t *testing.T) {
	exec := newScripted()
	f := newFixture(t, exec, Config{})

	req := models.PlanRequest{
		Title: "parent",
		Steps: []models.PlanStep{otherStep(1)},
		Subtasks: []models.PlanRequest{
			{Title: "child a", Steps: []models.PlanStep{otherStep(1), otherStep(2)}},
			{Title: "child b", Steps: []models.PlanStep{otherStep(1)}},
		},
	}
	id := f.submit(t, req)
	children, err := f.store.ListChildren(context.Background(), id)
	require.NoError(t, err)
	for _, c := range children {
		f.disp.Enqueue(&c)
	}
	f.drain(t)

	parent := f.task(t, id)
	assert.Equal(t, models.StatusCompleted, parent.Status)
	for _, c := range children {
		assert.Equal(t, models.StatusCompleted, f.task(t, c.ID).Status)
	}
	assert.Equal(t, notify.KindCompleted, f.events.kinds(id)[len(f.events.kinds(id))-1])
}

func TestParentFailsWhenRequiredChildFails(t *testing.T) {
	exec := newScripted()
	f := newFixture(t, exec, Config{})
	ctx := context.Background()

	req := models.PlanRequest{
		Title:    "parent",
		Steps:    []models.PlanStep{otherStep(1)},
		Subtasks: []models.PlanRequest{{Title: "child", Steps: []models.PlanStep{otherStep(1)}}},
	}
	id := f.submit(t, req)
	f.drain(t)
	assert.Equal(t, models.StatusWaiting, f.task(t, id).Status, "parent waits for its child")

	children, err := f.store.ListChildren(ctx, id)
	require.NoError(t, err)
	tr, err := f.machine.Cancel(ctx, children[0].ID)
	require.NoError(t, err)
	f.disp.Handle(ctx, tr)

	parent := f.task(t, id)
	assert.Equal(t, models.StatusFailed, parent.Status)
	assert.Contains(t, parent.ErrorMessage, "cancelled")
}

func TestConcurrencyViolationDropsDispatch(t *testing.T) {
	exec := newScripted()
	f := newFixture(t, exec, Config{})

	id := f.submit(t, threeSteps("locked"))
	require.True(t, f.disp.locks.TryLock(id))
	f.disp.mu.Lock()
	popped, _ := f.disp.queue.pop()
	f.disp.mu.Unlock()
	require.Equal(t, id, popped)

	f.disp.process(context.Background(), id)
	assert.Empty(t, exec.stepCalls())
	assert.Equal(t, models.StatusPending, f.task(t, id).Status)
}

func TestEnqueueWhileHeldIsDeferred(t *testing.T) {
	f := newFixture(t, newScripted(), Config{})
	task := &models.Task{ID: 42, Status: models.StatusPending}

	require.True(t, f.disp.locks.TryLock(42))
	f.disp.Enqueue(task)
	assert.Equal(t, 0, f.disp.QueueLen())

	f.disp.release(42)
	assert.Equal(t, 1, f.disp.QueueLen())
}

func TestPollPicksUpRequestedTasks(t *testing.T) {
	exec := newScripted()
	f := newFixture(t, exec, Config{})
	ctx := context.Background()

	id, err := f.decomp.CreateTaskFromPlan(ctx, models.Owner{UserID: "u2"}, threeSteps("created elsewhere"))
	require.NoError(t, err)

	require.NoError(t, f.disp.Poll(ctx))
	assert.Equal(t, 0, f.disp.QueueLen(), "tasks nobody asked to execute stay idle")

	// another process asks for execution through the shared store
	_, err = f.store.RequestExecution(ctx, id)
	require.NoError(t, err)

	require.NoError(t, f.disp.Poll(ctx))
	assert.Equal(t, 1, f.disp.QueueLen())
	require.NoError(t, f.disp.Poll(ctx))
	assert.Equal(t, 1, f.disp.QueueLen(), "already queued tasks are not added twice")

	f.drain(t)
	assert.Equal(t, models.StatusCompleted, f.task(t, id).Status)
}

func TestUnrequestedTaskIsNotDispatched(t *testing.T) {
	exec := newScripted()
	f := newFixture(t, exec, Config{Workers: 2, PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	id, err := f.decomp.CreateTaskFromPlan(context.Background(), models.Owner{UserID: "u1"}, threeSteps("idle"))
	require.NoError(t, err)
	// even a direct enqueue does not run a task without a request
	f.disp.Enqueue(f.task(t, id))

	require.NoError(t, f.disp.Start(ctx))
	time.Sleep(100 * time.Millisecond)
	cancel()
	f.disp.Wait()

	assert.Equal(t, models.StatusPending, f.task(t, id).Status)
	assert.Empty(t, exec.stepCalls())
	for _, st := range f.steps(t, id) {
		assert.Equal(t, models.StepPending, st.Status)
	}
}

func TestStoreFailure(t *testing.T) {
	t.Run("requeues with the stored priority", func(t *testing.T) {
		f := newFixture(t, newScripted(), Config{PollInterval: 5 * time.Millisecond})
		ctx := context.Background()

		older := f.submit(t, models.PlanRequest{Title: "older", Steps: []models.PlanStep{otherStep(1)}})
		urgent, err := f.decomp.CreateRequested(ctx, models.Owner{UserID: "u1"},
			models.PlanRequest{Title: "urgent", Priority: models.PriorityUrgent, Steps: []models.PlanStep{otherStep(1)}})
		require.NoError(t, err)

		f.disp.storeFailure(ctx, urgent, errors.New("database is locked"))
		require.Eventually(t, func() bool { return f.disp.QueueLen() == 2 }, time.Second, time.Millisecond)

		f.disp.mu.Lock()
		first, _ := f.disp.queue.pop()
		second, _ := f.disp.queue.pop()
		f.disp.mu.Unlock()
		assert.Equal(t, []int64{urgent, older}, []int64{first, second})
	})

	t.Run("unreadable task is left to the poll loop", func(t *testing.T) {
		f := newFixture(t, newScripted(), Config{PollInterval: 5 * time.Millisecond})
		ctx := context.Background()
		id := f.submit(t, models.PlanRequest{Title: "lost", Steps: []models.PlanStep{otherStep(1)}})
		f.disp.mu.Lock()
		f.disp.queue.pop()
		f.disp.mu.Unlock()

		require.NoError(t, f.store.Close())
		f.disp.storeFailure(ctx, id, errors.New("database is locked"))

		assert.False(t, f.disp.tracked(id), "no placeholder task is queued")
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, f.disp.QueueLen())
	})

	t.Run("non retryable errors are dropped", func(t *testing.T) {
		f := newFixture(t, newScripted(), Config{PollInterval: 5 * time.Millisecond})
		id := f.submit(t, models.PlanRequest{Title: "stale", Steps: []models.PlanStep{otherStep(1)}})
		f.disp.mu.Lock()
		f.disp.queue.pop()
		f.disp.mu.Unlock()

		f.disp.storeFailure(context.Background(), id, models.ErrStaleState)
		assert.False(t, f.disp.tracked(id))
	})
}

func TestRunWithWorkers_SingleActiveStepPerTask(t *testing.T) {
	exec := newScripted()
	f := newFixture(t, exec, Config{Workers: 8})
	ctx, cancel := context.WithCancel(context.Background())

	const n = 12
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		req := models.PlanRequest{Title: "bulk", Steps: []models.PlanStep{otherStep(1), otherStep(2), otherStep(3), otherStep(4)}}
		ids = append(ids, f.submit(t, req))
		// a duplicate submission must never run a task's steps in parallel
		f.disp.Enqueue(f.task(t, ids[i]))
	}

	var runErr atomic.Value
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := f.disp.Run(ctx); err != nil {
			runErr.Store(err)
		}
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if f.task(t, id).Status != models.StatusCompleted {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Nil(t, runErr.Load())

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, 1, exec.maxSeen, "at most one active step per task")
	assert.True(t, exec.order, "steps run in ascending order")
	assert.Len(t, exec.calls, n*4)
}

func TestStartTwice(t *testing.T) {
	f := newFixture(t, newScripted(), Config{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.disp.Start(ctx))
	assert.Error(t, f.disp.Start(ctx))
	cancel()
	f.disp.Wait()
}
