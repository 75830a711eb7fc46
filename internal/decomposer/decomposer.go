// Package decomposer validates Planner output and persists it as tasks and steps.
package decomposer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/harrison/taskflow/internal/models"
	"github.com/harrison/taskflow/internal/store"
)

// MaxDepth limits how deeply sub-task plans may nest
const MaxDepth = 5

// PlanError lists every problem found in a rejected plan
type PlanError struct {
	Problems []string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("invalid plan: %s", strings.Join(e.Problems, "; "))
}

// Unwrap lets errors.Is match models.ErrInvalidPlan
func (e *PlanError) Unwrap() error {
	return models.ErrInvalidPlan
}

// Creator persists a validated plan
type Creator interface {
	CreatePlan(ctx context.Context, rec *store.PlanRecord) (int64, error)
}

// Decomposer turns PlanRequests into stored tasks
type Decomposer struct {
	store             Creator
	defaultMaxRetries int
}

// New creates a Decomposer. defaultMaxRetries applies to plans without max_retries.
func New(s Creator, defaultMaxRetries int) *Decomposer {
	if defaultMaxRetries < 0 {
		defaultMaxRetries = models.DefaultMaxRetries
	}
	return &Decomposer{store: s, defaultMaxRetries: defaultMaxRetries}
}

// CreateTaskFromPlan validates req and stores it, sub-tasks included, in one
// transaction. Nothing is enqueued and the task stays pending until its
// execution is requested.
func (d *Decomposer) CreateTaskFromPlan(ctx context.Context, owner models.Owner, req models.PlanRequest) (int64, error) {
	return d.create(ctx, owner, req, false)
}

// CreateRequested is CreateTaskFromPlan with execution already requested for
// the whole tree, stored in the same transaction
func (d *Decomposer) CreateRequested(ctx context.Context, owner models.Owner, req models.PlanRequest) (int64, error) {
	return d.create(ctx, owner, req, true)
}

func (d *Decomposer) create(ctx context.Context, owner models.Owner, req models.PlanRequest, execute bool) (int64, error) {
	rec, err := d.Build(owner, req)
	if err != nil {
		return 0, err
	}
	rec.Task.ExecuteRequested = execute
	id, err := d.store.CreatePlan(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("store plan %q: %w", req.Title, err)
	}
	return id, nil
}

// Build validates req and returns the record CreatePlan would insert
func (d *Decomposer) Build(owner models.Owner, req models.PlanRequest) (*store.PlanRecord, error) {
	var problems []string
	if strings.TrimSpace(owner.UserID) == "" {
		problems = append(problems, "user_id is required")
	}
	rec := d.build(owner, req, "plan", 0, &problems)
	if len(problems) > 0 {
		return nil, &PlanError{Problems: problems}
	}
	return rec, nil
}

// Validate checks req without building anything
func (d *Decomposer) Validate(req models.PlanRequest) error {
	var problems []string
	d.build(models.Owner{UserID: "validate"}, req, "plan", 0, &problems)
	if len(problems) > 0 {
		return &PlanError{Problems: problems}
	}
	return nil
}

func (d *Decomposer) build(owner models.Owner, req models.PlanRequest, path string, depth int, problems *[]string) *store.PlanRecord {
	add := func(format string, args ...any) {
		*problems = append(*problems, path+": "+fmt.Sprintf(format, args...))
	}

	if depth > MaxDepth {
		add("sub-tasks nested deeper than %d levels", MaxDepth)
		return nil
	}
	if strings.TrimSpace(req.Title) == "" {
		add("title is required")
	}
	if !req.Priority.Valid() {
		add("priority %d out of range", int(req.Priority))
	}

	maxRetries := d.defaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			add("max_retries must be >= 0")
		}
		maxRetries = *req.MaxRetries
	}
	required := true
	if req.Required != nil {
		required = *req.Required
	}

	rec := &store.PlanRecord{
		Task: models.Task{
			UserID:      owner.UserID,
			SessionID:   owner.SessionID,
			Title:       strings.TrimSpace(req.Title),
			Description: req.Description,
			Priority:    req.Priority,
			Required:    required,
			MaxRetries:  maxRetries,
		},
		Steps: normalizeSteps(req.Steps, add),
	}

	for i, sub := range req.Subtasks {
		child := d.build(owner, sub, fmt.Sprintf("%s.subtasks[%d]", path, i), depth+1, problems)
		if child != nil {
			rec.Subtasks = append(rec.Subtasks, *child)
		}
	}
	return rec
}

// normalizeSteps validates steps and renumbers them 1..n in step_num order
func normalizeSteps(steps []models.PlanStep, add func(string, ...any)) []models.Step {
	if len(steps) == 0 {
		add("at least one step is required")
		return nil
	}

	seen := make(map[int]bool, len(steps))
	for i, s := range steps {
		label := fmt.Sprintf("step %d", s.StepNum)
		if s.StepNum <= 0 {
			add("steps[%d]: step_num must be positive, got %d", i, s.StepNum)
		} else if seen[s.StepNum] {
			add("steps[%d]: duplicate step_num %d", i, s.StepNum)
		}
		seen[s.StepNum] = true

		if !s.ActionType.Valid() {
			add("%s: unknown action_type %q", label, s.ActionType)
			continue
		}
		if _, err := models.DecodeAction(s.ActionType, s.ActionParams); err != nil {
			add("%s: %v", label, err)
		}
	}

	sorted := make([]models.PlanStep, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StepNum < sorted[j].StepNum })

	out := make([]models.Step, len(sorted))
	for i, s := range sorted {
		out[i] = models.Step{
			StepNum:      i + 1,
			Description:  s.Description,
			ActionType:   s.ActionType,
			ActionParams: s.ActionParams,
		}
	}
	return out
}
