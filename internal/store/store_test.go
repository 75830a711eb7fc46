package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskflow/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func samplePlan(userID, title string, priority models.Priority) *PlanRecord {
	return &PlanRecord{
		Task: models.Task{
			UserID:     userID,
			SessionID:  "sess-1",
			Title:      title,
			Priority:   priority,
			Required:   true,
			MaxRetries: models.DefaultMaxRetries,
		},
		Steps: []models.Step{
			{StepNum: 1, Description: "look up", ActionType: models.ActionToolCall,
				ActionParams: map[string]any{"tool_name": "echo", "params": map[string]any{"text": "hi"}}},
			{StepNum: 2, Description: "confirm", ActionType: models.ActionUserConfirm},
		},
	}
}

func TestNewStore(t *testing.T) {
	tests := []struct {
		name   string
		dbPath string
	}{
		{name: "creates database successfully", dbPath: filepath.Join(t.TempDir(), "test.db")},
		{name: "handles in-memory database", dbPath: ":memory:"},
		{name: "creates parent directories if needed", dbPath: filepath.Join(t.TempDir(), "nested", "dir", "test.db")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(tt.dbPath)
			require.NoError(t, err)
			require.NotNil(t, store)
			defer store.Close()

			version, err := store.GetLatestVersion()
			require.NoError(t, err)
			assert.Equal(t, len(migrations), version)
			assert.Equal(t, tt.dbPath, store.Path())

			for _, table := range []string{"tasks", "task_steps", "task_events", "schema_version"} {
				exists, err := store.tableExists(table)
				require.NoError(t, err)
				assert.True(t, exists, "table %s", table)
			}
			for _, index := range []string{"idx_task_steps_wake", "idx_tasks_executable"} {
				exists, err := store.indexExists(index)
				require.NoError(t, err)
				assert.True(t, exists, "index %s", index)
			}
		})
	}
}

func TestApplyMigrations_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ApplyMigrations(ctx))
	require.NoError(t, s.ApplyMigrations(ctx))

	versions, err := s.GetAppliedVersions()
	require.NoError(t, err)
	require.Len(t, versions, len(migrations))
	for i, v := range versions {
		assert.Equal(t, i+1, v.Version)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	ctx := context.Background()

	s, err := NewStore(path)
	require.NoError(t, err)
	id, err := s.CreatePlan(ctx, samplePlan("u1", "persisted", models.PriorityHigh))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewStore(path)
	require.NoError(t, err)
	defer s.Close()

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "persisted", task.Title)
	assert.Equal(t, models.PriorityHigh, task.Priority)
}

func TestCreatePlan_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := samplePlan("u1", "trip", models.PriorityUrgent)
	rec.Task.Description = "book flights"
	rec.Subtasks = []PlanRecord{
		{Task: models.Task{UserID: "u1", Title: "child a", Required: true, MaxRetries: 1},
			Steps: []models.Step{{StepNum: 1, ActionType: models.ActionOther, ActionParams: map[string]any{"message": "a"}}}},
		{Task: models.Task{UserID: "u1", Title: "child b", Required: false, MaxRetries: 1},
			Steps: []models.Step{{StepNum: 1, ActionType: models.ActionOther}}},
	}

	id, err := s.CreatePlan(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, rec.Task.ID, id)
	assert.NotZero(t, rec.Steps[0].ID)

	detail, err := s.GetDetail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "trip", detail.Task.Title)
	assert.Equal(t, "book flights", detail.Task.Description)
	assert.Equal(t, models.StatusPending, detail.Task.Status)
	assert.Equal(t, models.PriorityUrgent, detail.Task.Priority)
	assert.Nil(t, detail.Task.ParentID)
	assert.Nil(t, detail.Task.StartedAt)

	require.Len(t, detail.Steps, 2)
	assert.Equal(t, 1, detail.Steps[0].StepNum)
	assert.Equal(t, models.ActionToolCall, detail.Steps[0].ActionType)
	assert.Equal(t, "echo", detail.Steps[0].ActionParams["tool_name"])
	assert.Equal(t, models.StepPending, detail.Steps[1].Status)
	assert.Nil(t, detail.Steps[1].ActionParams)

	require.Len(t, detail.Subtasks, 2)
	assert.Equal(t, "child a", detail.Subtasks[0].Title)
	assert.Equal(t, 0, detail.Subtasks[0].OrderNum)
	assert.Equal(t, 1, detail.Subtasks[1].OrderNum)
	assert.True(t, detail.Subtasks[0].Required)
	assert.False(t, detail.Subtasks[1].Required)
	require.NotNil(t, detail.Subtasks[0].ParentID)
	assert.Equal(t, id, *detail.Subtasks[0].ParentID)

	action, err := detail.Steps[0].Action()
	require.NoError(t, err)
	assert.Equal(t, "echo", action.(models.ToolCallAction).Tool)
}

func TestCreatePlan_RollsBackOnInvalidSubtask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := samplePlan("u1", "parent", models.PriorityNormal)
	rec.Subtasks = []PlanRecord{{Task: models.Task{UserID: "u1", Title: ""}}}

	_, err := s.CreatePlan(ctx, rec)
	require.Error(t, err)

	tasks, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks, "nothing should be persisted when any part of the plan fails")
}

func TestCreatePlan_DuplicateStepNum(t *testing.T) {
	s := newTestStore(t)
	rec := samplePlan("u1", "dup", models.PriorityNormal)
	rec.Steps[1].StepNum = 1

	_, err := s.CreatePlan(context.Background(), rec)
	require.Error(t, err)
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), 999)
	assert.ErrorIs(t, err, models.ErrTaskNotFound)

	_, err = s.GetStep(context.Background(), 999)
	assert.ErrorIs(t, err, models.ErrStepNotFound)
}

func TestListTasks_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	first, err := s.CreatePlan(ctx, samplePlan("u1", "first", models.PriorityNormal))
	require.NoError(t, err)
	otherSession := samplePlan("u1", "second", models.PriorityNormal)
	otherSession.Task.SessionID = "sess-2"
	_, err = s.CreatePlan(ctx, otherSession)
	require.NoError(t, err)
	_, err = s.CreatePlan(ctx, samplePlan("u2", "foreign", models.PriorityNormal))
	require.NoError(t, err)

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateTask(ctx, first, nil, TaskUpdate{Status: models.StatusCompleted})
	}))

	tests := []struct {
		name   string
		filter TaskFilter
		want   []string
	}{
		{name: "by user newest first", filter: TaskFilter{UserID: "u1"}, want: []string{"second", "first"}},
		{name: "by session", filter: TaskFilter{SessionID: "sess-2"}, want: []string{"second"}},
		{name: "by status", filter: TaskFilter{UserID: "u1", Statuses: []models.TaskStatus{models.StatusCompleted}}, want: []string{"first"}},
		{name: "limit", filter: TaskFilter{Limit: 1}, want: []string{"foreign"}},
		{name: "no match", filter: TaskFilter{UserID: "nobody"}, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, err := s.ListTasks(ctx, tt.filter)
			require.NoError(t, err)
			var titles []string
			for _, task := range tasks {
				titles = append(titles, task.Title)
			}
			assert.Equal(t, tt.want, titles)
		})
	}
}

func TestListByStatuses_DispatchOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})

	for _, p := range []struct {
		title    string
		priority models.Priority
	}{
		{"old normal", models.PriorityNormal},
		{"old urgent", models.PriorityUrgent},
		{"new normal", models.PriorityNormal},
		{"new urgent", models.PriorityUrgent},
		{"high", models.PriorityHigh},
	} {
		_, err := s.CreatePlan(ctx, samplePlan("u1", p.title, p.priority))
		require.NoError(t, err)
	}

	tasks, err := s.ListByStatuses(ctx, models.NonTerminalStatuses...)
	require.NoError(t, err)
	var titles []string
	for _, task := range tasks {
		titles = append(titles, task.Title)
	}
	assert.Equal(t, []string{"old urgent", "new urgent", "high", "old normal", "new normal"}, titles)

	none, err := s.ListByStatuses(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateTask_CompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreatePlan(ctx, samplePlan("u1", "cas", models.PriorityNormal))
	require.NoError(t, err)

	errMsg := "boom"
	retries := 2
	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateTask(ctx, id, []models.TaskStatus{models.StatusPending}, TaskUpdate{
			Status:       models.StatusInProgress,
			ErrorMessage: &errMsg,
			RetryCount:   &retries,
			MarkStarted:  true,
		})
	})
	require.NoError(t, err)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, task.Status)
	assert.Equal(t, "boom", task.ErrorMessage)
	assert.Equal(t, 2, task.RetryCount)
	require.NotNil(t, task.StartedAt)
	firstStart := *task.StartedAt

	// Wrong expected status loses the race
	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateTask(ctx, id, []models.TaskStatus{models.StatusPending}, TaskUpdate{Status: models.StatusCompleted})
	})
	assert.ErrorIs(t, err, models.ErrStaleState)

	// started_at is only stamped once
	s.SetClock(func() time.Time { return firstStart.Add(time.Hour) })
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateTask(ctx, id, nil, TaskUpdate{MarkStarted: true})
	}))
	task, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, firstStart.Equal(*task.StartedAt))

	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateTask(ctx, 12345, nil, TaskUpdate{Status: models.StatusFailed})
	})
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestUpdateStep_WakeAtAndDueWaits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := samplePlan("u1", "waiter", models.PriorityNormal)
	rec.Steps = []models.Step{{StepNum: 1, ActionType: models.ActionWait, ActionParams: map[string]any{"duration": 60.0}}}
	id, err := s.CreatePlan(ctx, rec)
	require.NoError(t, err)
	stepID := rec.Steps[0].ID

	wake := time.Date(2026, 3, 1, 10, 0, 0, 500, time.UTC)
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpdateTask(ctx, id, nil, TaskUpdate{Status: models.StatusWaiting}); err != nil {
			return err
		}
		return tx.UpdateStep(ctx, stepID, []models.StepStatus{models.StepPending}, StepUpdate{
			Status: models.StepWaiting, WakeAt: &wake, MarkStarted: true,
		})
	}))

	due, err := s.ListDueWaits(ctx, wake.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ListDueWaits(ctx, wake)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, stepID, due[0].ID)
	require.NotNil(t, due[0].WakeAt)
	assert.True(t, wake.Equal(*due[0].WakeAt))

	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateStep(ctx, stepID, []models.StepStatus{models.StepPending}, StepUpdate{Status: models.StepCompleted})
	})
	assert.ErrorIs(t, err, models.ErrStaleState)

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateStep(ctx, stepID, nil, StepUpdate{ClearWakeAt: true})
	}))
	step, err := s.GetStep(ctx, stepID)
	require.NoError(t, err)
	assert.Nil(t, step.WakeAt)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreatePlan(ctx, samplePlan("u1", "rollback", models.PriorityNormal))
	require.NoError(t, err)

	sentinel := errors.New("abort")
	err = s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpdateTask(ctx, id, nil, TaskUpdate{Status: models.StatusFailed}); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, task.Status)
}

func TestDescendants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := samplePlan("u1", "root", models.PriorityNormal)
	grandchild := PlanRecord{Task: models.Task{UserID: "u1", Title: "grandchild", Required: true},
		Steps: []models.Step{{StepNum: 1, ActionType: models.ActionOther}}}
	rec.Subtasks = []PlanRecord{
		{Task: models.Task{UserID: "u1", Title: "child", Required: true},
			Steps:    []models.Step{{StepNum: 1, ActionType: models.ActionOther}},
			Subtasks: []PlanRecord{grandchild}},
	}
	id, err := s.CreatePlan(ctx, rec)
	require.NoError(t, err)

	var titles []string
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		tasks, err := tx.Descendants(ctx, id)
		for _, task := range tasks {
			titles = append(titles, task.Title)
		}
		return err
	}))
	assert.Equal(t, []string{"child", "grandchild"}, titles)
}

func TestDeleteTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := samplePlan("u1", "parent", models.PriorityNormal)
	rec.Subtasks = []PlanRecord{{Task: models.Task{UserID: "u1", Title: "child", Required: true},
		Steps: []models.Step{{StepNum: 1, ActionType: models.ActionOther}}}}
	id, err := s.CreatePlan(ctx, rec)
	require.NoError(t, err)
	childID := rec.Subtasks[0].Task.ID

	err = s.DeleteTask(ctx, id)
	assert.ErrorIs(t, err, models.ErrNotTerminal)

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpdateTask(ctx, id, nil, TaskUpdate{Status: models.StatusCancelled}); err != nil {
			return err
		}
		return tx.UpdateTask(ctx, childID, nil, TaskUpdate{Status: models.StatusCancelled})
	}))
	require.NoError(t, s.DeleteTask(ctx, id))

	_, err = s.GetTask(ctx, id)
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
	_, err = s.GetTask(ctx, childID)
	assert.ErrorIs(t, err, models.ErrTaskNotFound, "sub-tasks are deleted with their parent")
	steps, err := s.GetSteps(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, steps)
	events, err := s.ListEvents(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.ErrorIs(t, s.DeleteTask(ctx, id), models.ErrTaskNotFound)
}

func TestDeleteTask_ActiveSubtaskBlocksDelete(t *testing.T) {
	tests := []struct {
		name        string
		childStatus models.TaskStatus
		wantErr     error
	}{
		{"waiting optional child", models.StatusWaiting, models.ErrNotTerminal},
		{"running optional child", models.StatusInProgress, models.ErrNotTerminal},
		{"pending optional child", models.StatusPending, models.ErrNotTerminal},
		{"finished optional child", models.StatusFailed, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()

			rec := samplePlan("u1", "parent", models.PriorityNormal)
			rec.Subtasks = []PlanRecord{{Task: models.Task{UserID: "u1", Title: "optional", Required: false},
				Steps: []models.Step{{StepNum: 1, ActionType: models.ActionOther}}}}
			id, err := s.CreatePlan(ctx, rec)
			require.NoError(t, err)
			childID := rec.Subtasks[0].Task.ID

			require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
				if err := tx.UpdateTask(ctx, id, nil, TaskUpdate{Status: models.StatusCompleted}); err != nil {
					return err
				}
				return tx.UpdateTask(ctx, childID, nil, TaskUpdate{Status: tt.childStatus})
			}))

			err = s.DeleteTask(ctx, id)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				child, err := s.GetTask(ctx, childID)
				require.NoError(t, err, "sub-task must survive a refused delete")
				assert.Equal(t, tt.childStatus, child.Status)
				return
			}
			require.NoError(t, err)
			_, err = s.GetTask(ctx, childID)
			assert.ErrorIs(t, err, models.ErrTaskNotFound)
		})
	}
}

func TestRequestExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := samplePlan("u1", "parent", models.PriorityNormal)
	rec.Subtasks = []PlanRecord{
		{Task: models.Task{UserID: "u1", Title: "open child", Required: true},
			Steps: []models.Step{{StepNum: 1, ActionType: models.ActionOther}}},
		{Task: models.Task{UserID: "u1", Title: "done child", Required: true},
			Steps: []models.Step{{StepNum: 1, ActionType: models.ActionOther}}},
	}
	id, err := s.CreatePlan(ctx, rec)
	require.NoError(t, err)
	openID, doneID := rec.Subtasks[0].Task.ID, rec.Subtasks[1].Task.ID
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateTask(ctx, doneID, nil, TaskUpdate{Status: models.StatusCompleted})
	}))

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.False(t, task.ExecuteRequested, "created tasks wait for an execution request")

	marked, err := s.RequestExecution(ctx, id)
	require.NoError(t, err)
	require.Len(t, marked, 2)
	assert.Equal(t, id, marked[0].ID)
	assert.Equal(t, openID, marked[1].ID)
	for _, m := range marked {
		assert.True(t, m.ExecuteRequested)
	}

	done, err := s.GetTask(ctx, doneID)
	require.NoError(t, err)
	assert.False(t, done.ExecuteRequested, "finished sub-tasks are left alone")

	// a second request marks nothing new and records no second event
	_, err = s.RequestExecution(ctx, id)
	require.NoError(t, err)
	events, err := s.ListEvents(ctx, id)
	require.NoError(t, err)
	var requested int
	for _, ev := range events {
		if ev.Event == "execute_requested" {
			requested++
		}
	}
	assert.Equal(t, 1, requested)

	_, err = s.RequestExecution(ctx, doneID)
	assert.ErrorIs(t, err, models.ErrTaskNotRunnable)
	_, err = s.RequestExecution(ctx, 999)
	assert.ErrorIs(t, err, models.ErrTaskNotFound)
}

func TestCreatePlan_RequestedTreeAndListExecutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idle, err := s.CreatePlan(ctx, samplePlan("u1", "idle", models.PriorityUrgent))
	require.NoError(t, err)

	rec := samplePlan("u1", "requested", models.PriorityHigh)
	rec.Task.ExecuteRequested = true
	rec.Subtasks = []PlanRecord{{Task: models.Task{UserID: "u1", Title: "child", Required: true},
		Steps: []models.Step{{StepNum: 1, ActionType: models.ActionOther}}}}
	requested, err := s.CreatePlan(ctx, rec)
	require.NoError(t, err)
	childID := rec.Subtasks[0].Task.ID

	running, err := s.CreatePlan(ctx, samplePlan("u1", "running", models.PriorityUrgent))
	require.NoError(t, err)
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateTask(ctx, running, nil, TaskUpdate{Status: models.StatusInProgress})
	}))

	tasks, err := s.ListExecutable(ctx)
	require.NoError(t, err)
	var ids []int64
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []int64{running, requested, childID}, ids)
	assert.NotContains(t, ids, idle)
}

func TestStatisticsAndEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreatePlan(ctx, samplePlan("u1", "a", models.PriorityNormal))
	require.NoError(t, err)
	_, err = s.CreatePlan(ctx, samplePlan("u1", "b", models.PriorityNormal))
	require.NoError(t, err)
	_, err = s.CreatePlan(ctx, samplePlan("u2", "c", models.PriorityNormal))
	require.NoError(t, err)

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.UpdateTask(ctx, a, nil, TaskUpdate{Status: models.StatusFailed}); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, models.TaskEvent{TaskID: a, Event: "failed", FromStatus: "pending", ToStatus: "failed", Message: "boom"})
	}))

	stats, err := s.Statistics(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStats{Total: 2, Pending: 1, Failed: 1}, *stats)

	all, err := s.Statistics(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)

	events, err := s.ListEvents(ctx, a)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "created", events[0].Event)
	assert.Equal(t, "", events[0].FromStatus)
	assert.Equal(t, "failed", events[1].Event)
	assert.Equal(t, "boom", events[1].Message)
}
