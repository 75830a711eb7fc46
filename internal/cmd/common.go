package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/taskflow/internal/config"
	"github.com/harrison/taskflow/internal/engine"
	"github.com/harrison/taskflow/internal/logger"
	"github.com/harrison/taskflow/internal/metrics"
	"github.com/harrison/taskflow/internal/models"
	"github.com/harrison/taskflow/internal/notify"
	"github.com/harrison/taskflow/internal/store"
)

// errForbidden is returned when --user does not own the addressed task
var errForbidden = errors.New("task belongs to another user")

// loadConfig resolves configuration for cmd: file, .env, environment, then
// flags. The result is validated.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadConfig(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", opts.configPath, err)
		}
		if err := config.LoadDotEnv(filepath.Join(opts.dir, ".env")); err != nil {
			return nil, err
		}
		if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
			return nil, err
		}
	} else {
		cfg, err = config.LoadConfigFromDir(opts.dir)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// Paths from files and the environment are relative to --dir; flags
	// are relative to the working directory
	cfg.ResolvePaths(opts.dir)

	var flags config.Flags
	if cmd.Flags().Changed("db") {
		flags.DBPath = &opts.dbPath
	}
	if cmd.Flags().Changed("log-level") {
		flags.LogLevel = &opts.logLevel
	}
	cfg.MergeWithFlags(flags)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// engineDeps are the optional collaborators an engine is built with
type engineDeps struct {
	log      logger.Logger
	notifier notify.Notifier
	metrics  *metrics.Metrics
}

// openEngine opens the store at cfg.DBPath and builds an engine over it.
// The returned close func closes the store.
func openEngine(cfg *config.Config, deps engineDeps) (*engine.Engine, func() error, error) {
	s, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open task database %s: %w", cfg.DBPath, err)
	}
	log := deps.log
	if log == nil {
		log = logger.NoOpLogger{}
	}
	notifier := deps.notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(log)
	}
	maxRetries := cfg.DefaultMaxRetries
	e := engine.New(s, engine.Options{
		Workers:           cfg.Workers,
		PollInterval:      cfg.PollInterval,
		ToolTimeout:       cfg.ToolTimeout,
		BaseBackoff:       cfg.BaseBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		DefaultMaxRetries: &maxRetries,
		Notifier:          notifier,
		Logger:            log,
		Metrics:           deps.metrics,
	})
	return e, s.Close, nil
}

// consoleLogger logs to the command's stderr at the configured level
func consoleLogger(cmd *cobra.Command, cfg *config.Config) *logger.ConsoleLogger {
	return logger.NewConsoleLogger(cmd.ErrOrStderr(), cfg.LogLevel)
}

// owner resolves who submitted work belongs to: --user, then the inbox
// default user from configuration
func (o *rootOptions) owner(cfg *config.Config) models.Owner {
	user := o.userID
	if user == "" {
		user = cfg.Planner.DefaultUserID
	}
	return models.Owner{UserID: user, SessionID: o.sessionID}
}

func parseTaskID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", arg)
	}
	return id, nil
}

// loadOwnedTask fetches a task and, when --user is set, checks ownership
func loadOwnedTask(ctx context.Context, e *engine.Engine, opts *rootOptions, id int64) (*models.Task, error) {
	task, err := e.Store().GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if opts.userID != "" && task.UserID != opts.userID {
		return nil, fmt.Errorf("task %d: %w", id, errForbidden)
	}
	return task, nil
}

func printTaskLine(w io.Writer, t *models.Task) {
	line := fmt.Sprintf("Task %d [%s] %s", t.ID, logger.ColorStatus(string(t.Status)), t.Title)
	if t.ErrorMessage != "" {
		line += ": " + t.ErrorMessage
	} else if t.Result != "" {
		line += ": " + t.Result
	}
	fmt.Fprintln(w, line)
}

// formatAge returns a human-readable relative time string.
func formatAge(t time.Time, now time.Time) string {
	d := now.Sub(t)
	if d < time.Minute {
		return "just now"
	}
	if m := int(d.Minutes()); m < 60 {
		return fmt.Sprintf("%dm ago", m)
	}
	if h := int(d.Hours()); h < 24 {
		return fmt.Sprintf("%dh ago", h)
	}
	return fmt.Sprintf("%dd ago", int(d.Hours())/24)
}
