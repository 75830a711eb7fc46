package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/taskflow/internal/engine"
)

// withTask opens the engine, checks the caller may act on the task named by
// args[0] and runs fn
func withTask(cmd *cobra.Command, root *rootOptions, arg string, fn func(ctx context.Context, eng *engine.Engine, id int64) error) error {
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
	return fn(ctx, eng, id)
}

func newExecuteCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "execute <task-id>",
		Short: "Request execution of a created task",
		Long: `Mark a pending task and its unfinished sub-tasks for execution. Tasks are
created idle by 'taskflow submit'; a running 'taskflow serve' only runs
tasks whose execution was requested.

Examples:
  taskflow execute 12`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd, root, args[0], func(ctx context.Context, eng *engine.Engine, id int64) error {
				if err := eng.Execute(ctx, id); err != nil {
					return err
				}
				task, err := eng.Store().GetTask(ctx, id)
				if err != nil {
					return err
				}
				printTaskLine(cmd.OutOrStdout(), task)
				fmt.Fprintf(cmd.OutOrStdout(), "Execution requested for task %d\n", id)
				return nil
			})
		},
	}
}

func newCancelCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task and its unfinished sub-tasks",
		Long: `Cancel a pending, running or waiting task. A step that is already running
finishes, but nothing further starts. Active sub-tasks are cancelled too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd, root, args[0], func(ctx context.Context, eng *engine.Engine, id int64) error {
				task, err := eng.Cancel(ctx, id)
				if err != nil {
					return err
				}
				printTaskLine(cmd.OutOrStdout(), task)
				return nil
			})
		},
	}
}

type confirmOptions struct {
	stepID int64
	reject bool
	note   string
}

func newConfirmCommand(root *rootOptions) *cobra.Command {
	opts := &confirmOptions{}

	cmd := &cobra.Command{
		Use:   "confirm <task-id>",
		Short: "Accept or reject the step a task is waiting on",
		Long: `Resolve a user confirmation or an untimed wait. Accepting completes the
waiting step and the task continues; rejecting fails the step and the task.

A running 'taskflow serve' picks the task up on its next poll.

Examples:
  taskflow confirm 12
  taskflow confirm 12 --note "looks good"
  taskflow confirm 12 --reject --note "wrong recipient"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd, root, args[0], func(ctx context.Context, eng *engine.Engine, id int64) error {
				task, err := eng.Confirm(ctx, id, opts.stepID, !opts.reject, opts.note)
				if err != nil {
					return err
				}
				printTaskLine(cmd.OutOrStdout(), task)
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&opts.stepID, "step", 0, "Step id to resolve (default: the task's waiting step)")
	cmd.Flags().BoolVar(&opts.reject, "reject", false, "Reject instead of accept")
	cmd.Flags().StringVar(&opts.note, "note", "", "Note stored as the step result or error")

	return cmd
}

func newDeleteCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a finished task with its steps and sub-tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTask(cmd, root, args[0], func(ctx context.Context, eng *engine.Engine, id int64) error {
				if err := eng.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %d\n", id)
				return nil
			})
		},
	}
}
