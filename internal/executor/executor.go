// Package executor runs a single step of a task and reports its Outcome.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/taskflow/internal/models"
	"github.com/harrison/taskflow/internal/tools"
)

// DefaultToolTimeout bounds a tool call when no timeout is configured
const DefaultToolTimeout = 30 * time.Second

// Invoker is the Tool Registry contract
type Invoker interface {
	Invoke(ctx context.Context, inv tools.Invocation) (any, error)
}

// Executor executes steps. It never writes to the store; the state machine
// persists whatever Outcome it returns.
type Executor struct {
	invoker     Invoker
	toolTimeout time.Duration
	now         func() time.Time
}

// New creates an Executor calling tools through invoker
func New(invoker Invoker, toolTimeout time.Duration) *Executor {
	if toolTimeout <= 0 {
		toolTimeout = DefaultToolTimeout
	}
	return &Executor{
		invoker:     invoker,
		toolTimeout: toolTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for wait deadlines
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// DedupKey is the idempotency key for a step. It is the same for every
// attempt of the step, including attempts after a restart.
func DedupKey(taskID int64, stepNum int) string {
	name := fmt.Sprintf("taskflow://task/%d/step/%d", taskID, stepNum)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// ExecuteStep performs one attempt of step
func (e *Executor) ExecuteStep(ctx context.Context, task *models.Task, step *models.Step) models.Outcome {
	action, err := step.Action()
	if err != nil {
		return models.PermanentFailure(NewStepError(task.ID, step.StepNum, "invalid action params", err, false))
	}

	switch a := action.(type) {
	case models.ToolCallAction:
		return e.callTool(ctx, task, step, a)
	case models.UserConfirmAction:
		return models.Outcome{Kind: models.OutcomeNeedsConfirmation, Result: a.Prompt}
	case models.WaitAction:
		out := models.Outcome{Kind: models.OutcomeDeferred, Result: a.Reason}
		if wake, ok := a.WakeAt(e.now()); ok {
			wake = wake.UTC()
			out.WakeAt = &wake
		}
		return out
	case models.OtherAction:
		if a.Message != "" {
			return models.Success(a.Message)
		}
		return models.Success(step.Description)
	default:
		return models.PermanentFailure(NewStepError(task.ID, step.StepNum,
			fmt.Sprintf("unsupported action type %q", step.ActionType), nil, false))
	}
}

type invokeResult struct {
	out any
	err error
}

func (e *Executor) callTool(ctx context.Context, task *models.Task, step *models.Step, a models.ToolCallAction) models.Outcome {
	inv := tools.Invocation{
		Tool:      a.Tool,
		Params:    a.Params,
		DedupKey:  DedupKey(task.ID, step.StepNum),
		TaskID:    task.ID,
		StepNum:   step.StepNum,
		UserID:    task.UserID,
		SessionID: task.SessionID,
	}

	callCtx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()

	// The worker is released at the deadline even if the tool ignores ctx
	done := make(chan invokeResult, 1)
	go func() {
		out, err := e.invoker.Invoke(callCtx, inv)
		done <- invokeResult{out: out, err: err}
	}()

	var res invokeResult
	select {
	case res = <-done:
	case <-callCtx.Done():
		res = invokeResult{err: callCtx.Err()}
	}

	if res.err != nil {
		msg := fmt.Sprintf("tool %q failed", a.Tool)
		if ctx.Err() == nil && callCtx.Err() == context.DeadlineExceeded {
			timeout := NewTimeoutError(a.Tool, e.toolTimeout)
			return models.TransientFailure(NewStepError(task.ID, step.StepNum, msg, timeout, true))
		}
		if tools.IsTransient(res.err) {
			return models.TransientFailure(NewStepError(task.ID, step.StepNum, msg, res.err, true))
		}
		return models.PermanentFailure(NewStepError(task.ID, step.StepNum, msg, res.err, false))
	}

	return models.Success(formatResult(res.out))
}

// formatResult renders a tool result for the step's result column
func formatResult(out any) string {
	switch v := out.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("%v", out)
	}
	return string(data)
}
