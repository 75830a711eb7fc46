package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskflow/internal/logger"
	"github.com/harrison/taskflow/internal/models"
)

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subj string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subj)
	p.payloads = append(p.payloads, data)
	return nil
}

func task(status models.TaskStatus) *models.Task {
	return &models.Task{ID: 9, UserID: "alice", SessionID: "s1", Title: "Book flight", Status: status, ErrorMessage: "step 2 failed"}
}

func TestNewEvent(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		status  models.TaskStatus
		kind    Kind
		notify  bool
		message string
	}{
		{models.StatusCompleted, KindCompleted, true, "done"},
		{models.StatusFailed, KindFailed, true, "step 2 failed"},
		{models.StatusCancelled, KindCancelled, true, "done"},
		{models.StatusWaiting, KindWaiting, true, "done"},
		{models.StatusPending, "", false, ""},
		{models.StatusInProgress, "", false, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			msg := "done"
			if tt.status == models.StatusFailed {
				msg = ""
			}
			ev, ok := NewEvent(task(tt.status), msg, at)
			assert.Equal(t, tt.notify, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.message, ev.Message)
			assert.Equal(t, int64(9), ev.TaskID)
			assert.Equal(t, "alice", ev.UserID)
			assert.Equal(t, at, ev.OccurredAt)
			assert.NotEmpty(t, ev.ID)
		})
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		user string
		want string
	}{
		{"alice", "taskflow.task.completed.alice"},
		{"a.b*c>", "taskflow.task.completed.a_b_c_"},
		{"", "taskflow.task.completed._"},
	}
	for _, tt := range tests {
		ev := Event{Kind: KindCompleted, UserID: tt.user}
		assert.Equal(t, tt.want, Subject("taskflow", ev))
	}
}

func TestNATSNotifier_Publishes(t *testing.T) {
	pub := &fakePublisher{}
	n := newNATSNotifier(pub, "events.")
	ev, ok := NewEvent(task(models.StatusFailed), "", time.Now())
	require.True(t, ok)

	require.NoError(t, n.Notify(context.Background(), ev))
	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "events.task.failed.alice", pub.subjects[0])

	var got Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.NoError(t, n.Close(), "close without a dialed connection is a no-op")
}

func TestNATSNotifier_Errors(t *testing.T) {
	n := newNATSNotifier(&fakePublisher{err: errors.New("nats: connection closed")}, "")
	ev, _ := NewEvent(task(models.StatusCompleted), "", time.Now())
	err := n.Notify(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish taskflow.task.completed.alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Notify(ctx, ev), context.Canceled)
}

func TestFanout(t *testing.T) {
	var got []Kind
	ok := Func(func(_ context.Context, ev Event) error {
		got = append(got, ev.Kind)
		return nil
	})
	boom := Func(func(context.Context, Event) error { return errors.New("sink down") })

	f := Fanout{boom, nil, ok, Nop{}}
	ev, _ := NewEvent(task(models.StatusCancelled), "", time.Now())
	err := f.Notify(context.Background(), ev)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")
	assert.Equal(t, []Kind{KindCancelled}, got, "later sinks still receive the event")
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(logger.NewConsoleLogger(&buf, "info"))

	ev, _ := NewEvent(task(models.StatusFailed), "", time.Now())
	require.NoError(t, n.Notify(context.Background(), ev))
	assert.Contains(t, buf.String(), `[WARN] notify task.failed: task 9 "Book flight" (user alice): step 2 failed`)

	buf.Reset()
	ev, _ = NewEvent(task(models.StatusCompleted), "ok", time.Now())
	require.NoError(t, n.Notify(context.Background(), ev))
	assert.Contains(t, buf.String(), "[INFO] notify task.completed")
}
