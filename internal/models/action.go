package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ActionType names the kind of work a step performs
type ActionType string

// Action type constants
const (
	ActionToolCall    ActionType = "tool_call"
	ActionUserConfirm ActionType = "user_confirm"
	ActionWait        ActionType = "wait"
	ActionOther       ActionType = "other"
)

// Valid reports whether t is a recognized action type
func (t ActionType) Valid() bool {
	switch t {
	case ActionToolCall, ActionUserConfirm, ActionWait, ActionOther:
		return true
	}
	return false
}

// Action is the closed set of step payloads. Only the types in this file
// implement it; consumers switch over ToolCallAction, UserConfirmAction,
// WaitAction and OtherAction.
type Action interface {
	Type() ActionType
	sealed()
}

// ToolCallAction invokes a named tool from the tool registry
type ToolCallAction struct {
	Tool   string         `json:"tool_name"`
	Params map[string]any `json:"params,omitempty"`
}

// UserConfirmAction pauses the task until a user accepts or rejects it
type UserConfirmAction struct {
	Prompt string `json:"prompt,omitempty"`
}

// WaitAction pauses the task until a point in time. With neither Duration
// nor Until set, only an external resolution resumes it.
type WaitAction struct {
	Duration time.Duration
	Until    time.Time
	Reason   string
}

// OtherAction is an informational step that completes immediately
type OtherAction struct {
	Message string `json:"message,omitempty"`
}

func (ToolCallAction) Type() ActionType    { return ActionToolCall }
func (UserConfirmAction) Type() ActionType { return ActionUserConfirm }
func (WaitAction) Type() ActionType        { return ActionWait }
func (OtherAction) Type() ActionType       { return ActionOther }

func (ToolCallAction) sealed()    {}
func (UserConfirmAction) sealed() {}
func (WaitAction) sealed()        {}
func (OtherAction) sealed()       {}

// WakeAt returns when a timed wait ends, measured from start.
// The boolean is false for waits that need an external resolution.
func (w WaitAction) WakeAt(start time.Time) (time.Time, bool) {
	if !w.Until.IsZero() {
		return w.Until, true
	}
	if w.Duration > 0 {
		return start.Add(w.Duration), true
	}
	return time.Time{}, false
}

// waitParams is the wire form of a wait step: duration in seconds (or a Go
// duration string), an optional RFC3339 deadline and a reason.
type waitParams struct {
	Duration any    `json:"duration"`
	Until    string `json:"until"`
	Reason   string `json:"reason"`
}

// DecodeAction converts persisted action params into the typed variant for t
func DecodeAction(t ActionType, params map[string]any) (Action, error) {
	switch t {
	case ActionToolCall:
		var a ToolCallAction
		if err := remarshal(params, &a); err != nil {
			return nil, fmt.Errorf("tool_call params: %w", err)
		}
		if strings.TrimSpace(a.Tool) == "" {
			return nil, fmt.Errorf("tool_call params: tool_name is required")
		}
		return a, nil
	case ActionUserConfirm:
		var a UserConfirmAction
		if err := remarshal(params, &a); err != nil {
			return nil, fmt.Errorf("user_confirm params: %w", err)
		}
		return a, nil
	case ActionWait:
		var wp waitParams
		if err := remarshal(params, &wp); err != nil {
			return nil, fmt.Errorf("wait params: %w", err)
		}
		return wp.toAction()
	case ActionOther:
		var a OtherAction
		if err := remarshal(params, &a); err != nil {
			return nil, fmt.Errorf("other params: %w", err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", t)
	}
}

func (wp waitParams) toAction() (Action, error) {
	a := WaitAction{Reason: wp.Reason}
	switch d := wp.Duration.(type) {
	case nil:
	case float64:
		if d < 0 {
			return nil, fmt.Errorf("wait params: duration must be >= 0, got %v", d)
		}
		a.Duration = time.Duration(d * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return nil, fmt.Errorf("wait params: invalid duration %q: %w", d, err)
		}
		if parsed < 0 {
			return nil, fmt.Errorf("wait params: duration must be >= 0, got %s", d)
		}
		a.Duration = parsed
	default:
		return nil, fmt.Errorf("wait params: duration must be seconds or a duration string")
	}
	if wp.Until != "" {
		until, err := time.Parse(time.RFC3339, wp.Until)
		if err != nil {
			return nil, fmt.Errorf("wait params: invalid until %q: %w", wp.Until, err)
		}
		a.Until = until.UTC()
	}
	return a, nil
}

// remarshal round-trips a generic map through JSON into a typed struct
func remarshal(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
