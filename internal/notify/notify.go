// Package notify delivers task lifecycle events to external sinks. Sinks are
// best effort: a failed delivery is reported to the caller but never undoes
// the transition that produced the event.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/taskflow/internal/logger"
	"github.com/harrison/taskflow/internal/models"
)

// Kind is the type of a notification
type Kind string

// Notification kinds
const (
	KindCompleted Kind = "task.completed"
	KindFailed    Kind = "task.failed"
	KindCancelled Kind = "task.cancelled"
	KindWaiting   Kind = "task.waiting"
)

// Event is a task status change worth telling the task's owner about
type Event struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	TaskID     int64             `json:"task_id"`
	ParentID   *int64            `json:"parent_id,omitempty"`
	UserID     string            `json:"user_id"`
	SessionID  string            `json:"session_id"`
	Title      string            `json:"title"`
	Status     models.TaskStatus `json:"status"`
	Message    string            `json:"message,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// KindFor maps a task status to its notification kind. ok is false for
// statuses that do not notify.
func KindFor(status models.TaskStatus) (kind Kind, ok bool) {
	switch status {
	case models.StatusCompleted:
		return KindCompleted, true
	case models.StatusFailed:
		return KindFailed, true
	case models.StatusCancelled:
		return KindCancelled, true
	case models.StatusWaiting:
		return KindWaiting, true
	}
	return "", false
}

// NewEvent builds the event for task's current status
func NewEvent(task *models.Task, message string, at time.Time) (Event, bool) {
	kind, ok := KindFor(task.Status)
	if !ok {
		return Event{}, false
	}
	if message == "" {
		message = task.ErrorMessage
	}
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		TaskID:     task.ID,
		ParentID:   task.ParentID,
		UserID:     task.UserID,
		SessionID:  task.SessionID,
		Title:      task.Title,
		Status:     task.Status,
		Message:    message,
		OccurredAt: at.UTC(),
	}, true
}

// Notifier is a notification sink
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Func adapts a function to Notifier
type Func func(ctx context.Context, ev Event) error

func (f Func) Notify(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Nop drops every event
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// LogNotifier writes events to a logger
type LogNotifier struct {
	log logger.Logger
}

func NewLogNotifier(log logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	msg := fmt.Sprintf("notify %s: task %d %q (user %s)", ev.Kind, ev.TaskID, ev.Title, ev.UserID)
	if ev.Message != "" {
		msg += ": " + ev.Message
	}
	if ev.Kind == KindFailed {
		n.log.Warnf("%s", msg)
		return nil
	}
	n.log.Infof("%s", msg)
	return nil
}

// Fanout delivers each event to every sink, even when one of them fails
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
