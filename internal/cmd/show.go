package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harrison/taskflow/internal/filelock"
	"github.com/harrison/taskflow/internal/logger"
	"github.com/harrison/taskflow/internal/models"
)

type showOptions struct {
	out    string
	events bool
}

// taskExport is what `show --out` writes
type taskExport struct {
	*models.TaskDetail
	Events []models.TaskEvent `json:"events,omitempty"`
}

func newShowCommand(root *rootOptions) *cobra.Command {
	opts := &showOptions{}

	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its steps and sub-tasks",
		Long: `Show a task with its steps and direct sub-tasks.

Examples:
  taskflow show 12
  taskflow show 12 --events
  taskflow show 12 --out exports/task-12.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, root, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.out, "out", "", "Write the task, steps, sub-tasks and events as JSON to this file")
	cmd.Flags().BoolVar(&opts.events, "events", false, "Also print the task's event history")

	return cmd
}

func runShow(cmd *cobra.Command, root *rootOptions, opts *showOptions, arg string) error {
	id, err := parseTaskID(arg)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, root)
	if err != nil {
		return err
	}
	eng, closeStore, err := openEngine(cfg, engineDeps{log: consoleLogger(cmd, cfg)})
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := cmd.Context()
	if _, err := loadOwnedTask(ctx, eng, root, id); err != nil {
		return err
	}
	detail, err := eng.Get(ctx, id)
	if err != nil {
		return err
	}

	var events []models.TaskEvent
	if opts.events || opts.out != "" {
		if events, err = eng.Events(ctx, id); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if opts.out != "" {
		data, err := json.MarshalIndent(taskExport{TaskDetail: detail, Events: events}, "", "  ")
		if err != nil {
			return fmt.Errorf("encode task %d: %w", id, err)
		}
		if err := filelock.LockAndWrite(opts.out, append(data, '\n')); err != nil {
			return err
		}
		fmt.Fprintf(out, "Wrote task %d to %s\n", id, opts.out)
		return nil
	}

	printDetail(out, detail)
	if opts.events {
		printEvents(out, events)
	}
	return nil
}

func printDetail(out io.Writer, d *models.TaskDetail) {
	t := &d.Task
	fmt.Fprintf(out, "Task %d: %s\n", t.ID, t.Title)
	if t.Description != "" {
		fmt.Fprintf(out, "  %s\n", t.Description)
	}
	fmt.Fprintf(out, "  status:   %s\n", logger.ColorStatus(string(t.Status)))
	fmt.Fprintf(out, "  owner:    %s", t.UserID)
	if t.SessionID != "" {
		fmt.Fprintf(out, " (session %s)", t.SessionID)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  priority: %s, retries %d/%d\n", t.Priority, t.RetryCount, t.MaxRetries)
	if t.ParentID != nil {
		req := "required"
		if !t.Required {
			req = "optional"
		}
		fmt.Fprintf(out, "  parent:   %d (%s)\n", *t.ParentID, req)
	}
	if t.Result != "" {
		fmt.Fprintf(out, "  result:   %s\n", t.Result)
	}
	if t.ErrorMessage != "" {
		fmt.Fprintf(out, "  error:    %s\n", t.ErrorMessage)
	}

	fmt.Fprintln(out, "\nSteps:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  #\tID\tACTION\tSTATUS\tDESCRIPTION\tRESULT")
	for i := range d.Steps {
		s := &d.Steps[i]
		result := s.Result
		if s.ErrorMessage != "" {
			result = s.ErrorMessage
		}
		if s.WakeAt != nil && s.Status == models.StepWaiting {
			result = "wakes " + s.WakeAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "  %d\t%d\t%s\t%s\t%s\t%s\n",
			s.StepNum, s.ID, s.ActionType, logger.ColorStatus(string(s.Status)), s.Description, result)
	}
	w.Flush()

	if len(d.Subtasks) > 0 {
		fmt.Fprintln(out, "\nSub-tasks:")
		for i := range d.Subtasks {
			fmt.Fprint(out, "  ")
			printTaskLine(out, &d.Subtasks[i])
		}
	}
}

func printEvents(out io.Writer, events []models.TaskEvent) {
	fmt.Fprintln(out, "\nEvents:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, ev := range events {
		transition := ev.ToStatus
		if ev.FromStatus != "" {
			transition = ev.FromStatus + " -> " + ev.ToStatus
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
			ev.CreatedAt.Local().Format("2006-01-02 15:04:05"), ev.Event, transition, ev.Message)
	}
	w.Flush()
}
