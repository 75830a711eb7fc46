package models

// PlanRequest is the Planner's output: a task to create with its ordered steps
// and, optionally, nested sub-task plans
type PlanRequest struct {
	Title       string        `json:"title" yaml:"title"`
	Description string        `json:"description,omitempty" yaml:"description"`
	Priority    Priority      `json:"priority" yaml:"priority"`
	MaxRetries  *int          `json:"max_retries,omitempty" yaml:"max_retries"`
	Required    *bool         `json:"required,omitempty" yaml:"required"`
	Steps       []PlanStep    `json:"steps" yaml:"steps"`
	Subtasks    []PlanRequest `json:"subtasks,omitempty" yaml:"subtasks"`
}

// PlanStep is one step as proposed by the Planner
type PlanStep struct {
	StepNum      int            `json:"step_num" yaml:"step_num"`
	Description  string         `json:"description" yaml:"description"`
	ActionType   ActionType     `json:"action_type" yaml:"action_type"`
	ActionParams map[string]any `json:"action_params,omitempty" yaml:"action_params"`
}

// CountTasks returns the number of tasks the plan creates, sub-tasks included
func (p *PlanRequest) CountTasks() int {
	n := 1
	for i := range p.Subtasks {
		n += p.Subtasks[i].CountTasks()
	}
	return n
}
