package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// rootOptions are the persistent flags shared by every subcommand
type rootOptions struct {
	dir        string
	configPath string
	dbPath     string
	logLevel   string
	userID     string
	sessionID  string
}

// NewRootCommand creates and returns the root cobra command for taskflow
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "taskflow",
		Short: "Persistent task orchestration engine",
		Long: `Taskflow turns plans into persistent tasks made of ordered steps and
drives them to completion with a pool of workers.

Steps call tools, wait for a user confirmation or wait until a point in
time. Failed steps are retried with backoff, and every state change is
stored so that work resumes after a restart.

Configuration is loaded from .taskflow/config.yaml, .env and TASKFLOW_*
environment variables. CLI flags override all of them.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.dir, "dir", ".", "Project directory holding .taskflow/ and .env")
	pf.StringVar(&opts.configPath, "config", "", "Path to config file (default: <dir>/.taskflow/config.yaml)")
	pf.StringVar(&opts.dbPath, "db", "", "Path to the task database (overrides db_path)")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	pf.StringVar(&opts.userID, "user", "", "User id that owns submitted tasks and scopes listings")
	pf.StringVar(&opts.sessionID, "session", "", "Session id for submitted tasks and listings")

	cmd.AddCommand(
		newServeCommand(opts),
		newSubmitCommand(opts),
		newExecuteCommand(opts),
		NewValidateCommand(),
		newListCommand(opts),
		newShowCommand(opts),
		newCancelCommand(opts),
		newConfirmCommand(opts),
		newDeleteCommand(opts),
		newStatsCommand(opts),
		newRecoverCommand(opts),
	)

	return cmd
}
