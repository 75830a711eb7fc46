package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxRetries is the retry budget given to tasks whose plan does not set one
const DefaultMaxRetries = 3

// TaskStatus is the lifecycle status of a Task
type TaskStatus string

// Task status constants
const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusWaiting    TaskStatus = "waiting"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// NonTerminalStatuses lists every status a task can still leave
var NonTerminalStatuses = []TaskStatus{StatusPending, StatusInProgress, StatusWaiting}

// TerminalStatuses lists every status a task can never leave
var TerminalStatuses = []TaskStatus{StatusCompleted, StatusFailed, StatusCancelled}

// IsTerminal returns true for completed, failed and cancelled
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known task statuses
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusWaiting, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseTaskStatus converts user input into a TaskStatus
func ParseTaskStatus(s string) (TaskStatus, error) {
	status := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return status, nil
}

// StepStatus is the lifecycle status of a Step. Steps are never cancelled;
// when their task is cancelled they are simply left where they were.
type StepStatus string

// Step status constants
const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepWaiting    StepStatus = "waiting"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// IsActive returns true when the step currently holds its task's single execution slot
func (s StepStatus) IsActive() bool {
	return s == StepInProgress || s == StepWaiting
}

// Priority orders tasks in the ready queue. Higher values run first.
type Priority int

// Priority constants, matching the integer levels stored in the database
const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
	PriorityUrgent Priority = 2
)

// String returns the lowercase name of the priority
func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the three defined levels
func (p Priority) Valid() bool {
	return p >= PriorityNormal && p <= PriorityUrgent
}

// ParsePriority accepts either a level name or its numeric value
func ParsePriority(s string) (Priority, error) {
	value := strings.ToLower(strings.TrimSpace(s))
	switch value {
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("unknown priority %q", s)
	}
	p := Priority(n)
	if !p.Valid() {
		return 0, fmt.Errorf("priority %d out of range (0-2)", n)
	}
	return p, nil
}

// MarshalText encodes the priority by name
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name or number (used by YAML plans)
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// UnmarshalJSON accepts both `"urgent"` and `2`
func (p *Priority) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		parsed := Priority(n)
		if !parsed.Valid() {
			return fmt.Errorf("priority %d out of range (0-2)", n)
		}
		*p = parsed
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a string or number: %w", err)
	}
	return p.UnmarshalText([]byte(s))
}

// Owner identifies who a task belongs to
type Owner struct {
	UserID    string `json:"user_id" yaml:"user_id"`
	SessionID string `json:"session_id" yaml:"session_id"`
}

// Task is a unit of work with an ordered list of Steps and optional sub-tasks
type Task struct {
	ID               int64      `json:"id"`
	UserID           string     `json:"user_id"`
	SessionID        string     `json:"session_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Status           TaskStatus `json:"status"`
	ParentID         *int64     `json:"parent_id,omitempty"`
	OrderNum         int        `json:"order_num"`
	Priority         Priority   `json:"priority"`
	Required         bool       `json:"required"`
	Result           string     `json:"result,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	RetryCount       int        `json:"retry_count"`
	MaxRetries       int        `json:"max_retries"`
	// ExecuteRequested is set once someone asked for the task to run.
	// Pending tasks without it are never dispatched.
	ExecuteRequested bool       `json:"execute_requested"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Validate checks the fields every persisted task must have
func (t *Task) Validate() error {
	if t.UserID == "" {
		return errors.New("task user_id is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return errors.New("task title is required")
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("task priority %d out of range", int(t.Priority))
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("task max_retries must be >= 0, got %d", t.MaxRetries)
	}
	return nil
}

// IsTerminal returns true once the task can no longer change status
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Owner returns the owner pair of the task
func (t *Task) Owner() Owner {
	return Owner{UserID: t.UserID, SessionID: t.SessionID}
}

// Step is one ordered unit of execution inside a Task
type Step struct {
	ID           int64          `json:"id"`
	TaskID       int64          `json:"task_id"`
	StepNum      int            `json:"step_num"`
	Description  string         `json:"description"`
	ActionType   ActionType     `json:"action_type"`
	ActionParams map[string]any `json:"action_params,omitempty"`
	Status       StepStatus     `json:"status"`
	Result       string         `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	WakeAt       *time.Time     `json:"wake_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Action decodes the step's action_params into its typed action variant
func (s *Step) Action() (Action, error) {
	return DecodeAction(s.ActionType, s.ActionParams)
}

// Label is a short human-readable reference used in logs and error messages
func (s *Step) Label() string {
	if s.Description == "" {
		return fmt.Sprintf("step %d", s.StepNum)
	}
	return fmt.Sprintf("step %d (%s)", s.StepNum, s.Description)
}

// TaskDetail is a task together with its steps and direct sub-tasks
type TaskDetail struct {
	Task     Task   `json:"task"`
	Steps    []Step `json:"steps"`
	Subtasks []Task `json:"subtasks,omitempty"`
}

// TaskEvent is an audit record of one status transition
type TaskEvent struct {
	ID         int64     `json:"id"`
	TaskID     int64     `json:"task_id"`
	StepID     *int64    `json:"step_id,omitempty"`
	Event      string    `json:"event"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TaskStats summarizes one user's tasks by status
type TaskStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Waiting    int `json:"waiting"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
