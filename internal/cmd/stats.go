package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/taskflow/internal/logger"
)

func newStatsCommand(root *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count tasks by status",
		Long: `Count tasks by status for --user, or for every user when --user is not given.
Sub-tasks are counted as tasks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			eng, closeStore, err := openEngine(cfg, engineDeps{})
			if err != nil {
				return err
			}
			defer closeStore()

			stats, err := eng.Stats(cmd.Context(), root.userID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			if root.userID != "" {
				fmt.Fprintf(out, "User: %s\n", root.userID)
			}
			// LogSummary renders at info level, so it always shows here
			logger.NewConsoleLogger(out, "info").LogSummary(*stats)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
