package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/taskflow/internal/engine"
	"github.com/harrison/taskflow/internal/filelock"
	"github.com/harrison/taskflow/internal/models"
	"github.com/harrison/taskflow/internal/planner"
)

type submitOptions struct {
	execute bool
	run     bool
	timeout time.Duration
}

func newSubmitCommand(root *rootOptions) *cobra.Command {
	opts := &submitOptions{}

	cmd := &cobra.Command{
		Use:   "submit <plan-file>",
		Short: "Create a task from a plan file",
		Long: `Parse a plan file (Markdown, YAML or JSON), validate it and store it as a
task with its steps and sub-tasks.

The task is only created. Start it later with 'taskflow execute <id>', or
pass --execute to request execution right away so a running
'taskflow serve' picks it up. With --run the engine is started in this
process and the command returns once the task completes, fails or stops
to wait for a confirmation.

Examples:
  taskflow submit --user alice plan.md
  taskflow submit --user alice --execute plan.md
  taskflow submit --user alice --run plan.yaml
  taskflow submit --run --timeout 10m plan.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, root, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.execute, "execute", false, "Request execution so a running serve picks the task up")
	cmd.Flags().BoolVar(&opts.run, "run", false, "Run the engine until the task settles")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Give up waiting after this long with --run (0 = no limit)")

	return cmd
}

func runSubmit(cmd *cobra.Command, root *rootOptions, opts *submitOptions, path string) error {
	cfg, err := loadConfig(cmd, root)
	if err != nil {
		return err
	}

	pf, err := planner.ParseFile(path)
	if err != nil {
		return err
	}
	owner := pf.Owner
	if root.userID != "" || owner.UserID == "" {
		owner = root.owner(cfg)
	}
	if owner.UserID == "" {
		return errors.New("no owner for the task: pass --user, set user_id in the plan or planner.default_user_id")
	}

	if opts.run {
		lock, err := filelock.AcquireInstance(cfg.DBPath)
		if err != nil {
			return err
		}
		defer lock.Unlock()
	}

	log := consoleLogger(cmd, cfg)
	eng, closeStore, err := openEngine(cfg, engineDeps{log: log})
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := cmd.Context()
	if !opts.run {
		submit := eng.Submit
		if opts.execute {
			submit = eng.SubmitAndExecute
		}
		id, err := submit(ctx, owner, pf.Plan)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Submitted task %d: %s (%d steps, %d sub-tasks)\n",
			id, pf.Plan.Title, len(pf.Plan.Steps), pf.Plan.CountTasks()-1)
		if !opts.execute {
			fmt.Fprintf(out, "Start it with: taskflow execute %d\n", id)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stop()
		eng.Wait()
	}()

	id, err := eng.SubmitAndExecute(ctx, owner, pf.Plan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted task %d: %s\n", id, pf.Plan.Title)

	return reportSettled(ctx, cmd, eng, id)
}

// reportSettled waits for task id and prints where it ended up. A failed or
// cancelled task is an error so the exit code reflects it.
func reportSettled(ctx context.Context, cmd *cobra.Command, eng *engine.Engine, id int64) error {
	out := cmd.OutOrStdout()
	task, err := eng.AwaitSettled(ctx, id, 100*time.Millisecond)
	switch {
	case errors.Is(err, engine.ErrStillWaiting):
		printTaskLine(out, task)
		fmt.Fprintf(out, "Task %d is waiting for confirmation: taskflow confirm %d [--reject]\n", id, id)
		return nil
	case err != nil:
		if task != nil {
			printTaskLine(out, task)
		}
		return fmt.Errorf("task %d did not settle: %w", id, err)
	}

	printTaskLine(out, task)
	if task.Status != models.StatusCompleted {
		return fmt.Errorf("task %d %s", id, task.Status)
	}
	return nil
}
