package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/taskflow/internal/filelock"
)

func newRecoverCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Repair tasks interrupted by a crash without starting workers",
		Long: `Scan unfinished tasks and mark steps that were running when the engine
stopped as interrupted. Interrupted steps are retried if their task has
retry budget left, otherwise the task fails.

'taskflow serve' does this on every start; run it directly to inspect the
database before serving.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			lock, err := filelock.AcquireInstance(cfg.DBPath)
			if err != nil {
				return err
			}
			defer lock.Unlock()

			eng, closeStore, err := openEngine(cfg, engineDeps{log: consoleLogger(cmd, cfg)})
			if err != nil {
				return err
			}
			defer closeStore()

			report, err := eng.Recover(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Scanned %d unfinished tasks: %d interrupted, %d failed, %d ready to run, %d not requested\n",
				report.Scanned, len(report.Interrupted), len(report.Failed), report.Enqueued, report.Idle)
			for _, id := range report.Interrupted {
				fmt.Fprintf(out, "  task %d: interrupted step re-armed\n", id)
			}
			for _, id := range report.Failed {
				fmt.Fprintf(out, "  task %d: failed, retry budget exhausted\n", id)
			}
			return nil
		},
	}
}
