package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harrison/taskflow/internal/api"
	"github.com/harrison/taskflow/internal/config"
	"github.com/harrison/taskflow/internal/filelock"
	"github.com/harrison/taskflow/internal/logger"
	"github.com/harrison/taskflow/internal/metrics"
	"github.com/harrison/taskflow/internal/models"
	"github.com/harrison/taskflow/internal/notify"
	"github.com/harrison/taskflow/internal/planner"
)

type serveOptions struct {
	listen   string
	workers  int
	inbox    bool
	inboxDir string
	natsURL  string
	logDir   string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the HTTP API",
		Long: `Run the task engine: recover interrupted work, start the workers and
serve the HTTP API until interrupted.

Only one engine may run against a database at a time; a lock file next to
the database enforces this.

Examples:
  taskflow serve
  taskflow serve --listen :9090 --workers 8
  taskflow serve --inbox --inbox-dir ./plans     # submit plan files dropped in ./plans
  taskflow serve --nats nats://localhost:4222    # publish notifications to NATS`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", "", "HTTP listen address (overrides listen_addr)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Number of workers (overrides workers)")
	cmd.Flags().BoolVar(&opts.inbox, "inbox", false, "Watch the plan inbox directory")
	cmd.Flags().StringVar(&opts.inboxDir, "inbox-dir", "", "Plan inbox directory (overrides planner.inbox_dir)")
	cmd.Flags().StringVar(&opts.natsURL, "nats", "", "NATS server URL; enables NATS notifications")
	cmd.Flags().StringVar(&opts.logDir, "log-dir", "", "Directory for run and task logs (overrides log_dir)")

	return cmd
}

func runServe(cmd *cobra.Command, root *rootOptions, opts *serveOptions) error {
	cfg, err := loadConfig(cmd, root)
	if err != nil {
		return err
	}
	cfg.MergeWithFlags(serveFlags(cmd, opts))
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	lock, err := filelock.AcquireInstance(cfg.DBPath)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	console := consoleLogger(cmd, cfg)
	fileLog, err := logger.NewFileLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	defer fileLog.Close()
	log := logger.NewMultiLogger(console, fileLog)

	notifier := notify.Fanout{notify.NewLogNotifier(log)}
	if cfg.NATS.Enabled {
		nc, err := notify.DialNATS(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return err
		}
		defer nc.Close()
		notifier = append(notifier, nc)
		log.Infof("publishing notifications to %s under %s", cfg.NATS.URL, cfg.NATS.Subject)
	}

	m := metrics.New()
	eng, closeStore, err := openEngine(cfg, engineDeps{log: log, notifier: notifier, metrics: m})
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	log.Infof("engine started: %d workers, database %s, logs in %s", cfg.Workers, cfg.DBPath, fileLog.RunFile())

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 2)
	)
	if opts.inbox {
		inbox, err := planner.NewInbox(planner.InboxConfig{
			Dir:          cfg.Planner.InboxDir,
			Pattern:      cfg.Planner.Pattern,
			DefaultOwner: models.Owner{UserID: cfg.Planner.DefaultUserID},
			Execute:      cfg.Planner.Execute,
		}, eng, log)
		if err != nil {
			stop()
			eng.Wait()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := inbox.Watch(ctx); err != nil {
				errs <- fmt.Errorf("inbox: %w", err)
				stop()
			}
		}()
	}

	srv := api.NewServer(eng, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
			errs <- fmt.Errorf("api: %w", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Infof("shutting down")
	wg.Wait()
	eng.Wait()
	close(errs)

	if stats, err := eng.Stats(context.WithoutCancel(ctx), ""); err == nil {
		log.LogSummary(*stats)
	}

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

// serveFlags collects the serve flags that were set
func serveFlags(cmd *cobra.Command, opts *serveOptions) config.Flags {
	var f config.Flags
	if cmd.Flags().Changed("listen") {
		f.ListenAddr = &opts.listen
	}
	if cmd.Flags().Changed("workers") {
		f.Workers = &opts.workers
	}
	if cmd.Flags().Changed("inbox-dir") {
		f.InboxDir = &opts.inboxDir
	}
	if cmd.Flags().Changed("nats") {
		f.NATSURL = &opts.natsURL
	}
	if cmd.Flags().Changed("log-dir") {
		f.LogDir = &opts.logDir
	}
	return f
}
