package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/taskflow/internal/logger"
	"github.com/harrison/taskflow/internal/models"
	"github.com/harrison/taskflow/internal/store"
)

type listOptions struct {
	statuses []string
	all      bool
	limit    int
	json     bool
}

func newListCommand(root *rootOptions) *cobra.Command {
	opts := &listOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Long: `List tasks, newest first. Sub-tasks are hidden unless --all is given.

Examples:
  taskflow list --user alice
  taskflow list --status waiting --status pending
  taskflow list --session s-42 --all --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, root, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.statuses, "status", nil, "Only tasks in these statuses (repeatable)")
	cmd.Flags().BoolVar(&opts.all, "all", false, "Include sub-tasks")
	cmd.Flags().IntVar(&opts.limit, "limit", 50, "Maximum number of tasks (0 = no limit)")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print JSON instead of a table")

	return cmd
}

func runList(cmd *cobra.Command, root *rootOptions, opts *listOptions) error {
	filter := store.TaskFilter{
		UserID:    root.userID,
		SessionID: root.sessionID,
		TopLevel:  !opts.all,
		Limit:     opts.limit,
	}
	for _, s := range opts.statuses {
		status, err := models.ParseTaskStatus(s)
		if err != nil {
			return err
		}
		filter.Statuses = append(filter.Statuses, status)
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

	tasks, err := eng.List(cmd.Context(), filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if tasks == nil {
			tasks = []models.Task{}
		}
		return enc.Encode(tasks)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks.")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tPARENT\tUSER\tTITLE\tUPDATED")
	for i := range tasks {
		t := &tasks[i]
		parent := "-"
		if t.ParentID != nil {
			parent = fmt.Sprintf("%d", *t.ParentID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			logger.ColorStatus(string(t.Status)),
			t.Priority,
			parent,
			t.UserID,
			t.Title,
			formatAge(t.UpdatedAt, now),
		)
	}
	return w.Flush()
}
