package planner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/harrison/taskflow/internal/decomposer"
	"github.com/harrison/taskflow/internal/logger"
	"github.com/harrison/taskflow/internal/models"
)

const (
	// DefaultPattern selects every supported plan file in the inbox
	DefaultPattern = "*.{md,markdown,yaml,yml,json}"
	// DefaultDebounceDelay coalesces the burst of events an editor emits on save
	DefaultDebounceDelay = 200 * time.Millisecond

	doneSuffix     = ".done"
	rejectedSuffix = ".rejected"
	errorSuffix    = ".error"
)

// Submitter creates tasks from plans. *engine.Engine implements it.
type Submitter interface {
	Submit(ctx context.Context, owner models.Owner, req models.PlanRequest) (int64, error)
	SubmitAndExecute(ctx context.Context, owner models.Owner, req models.PlanRequest) (int64, error)
}

// InboxConfig configures an Inbox
type InboxConfig struct {
	Dir     string
	Pattern string
	// DefaultOwner is used for plans that do not declare a user_id
	DefaultOwner models.Owner
	Debounce     time.Duration
	// Execute requests execution of each accepted plan; otherwise tasks
	// are only created
	Execute bool
}

// Result is the outcome of processing one plan file
type Result struct {
	Path   string
	TaskID int64
	Err    error
}

// Inbox turns plan files dropped into a directory into tasks. Accepted
// files are renamed with a .done suffix, rejected ones with .rejected and
// the reason is written next to them.
type Inbox struct {
	cfg InboxConfig
	sub Submitter
	log logger.Logger

	mu       sync.Mutex
	debounce map[string]*time.Timer
}

// NewInbox creates an inbox over cfg.Dir
func NewInbox(cfg InboxConfig, sub Submitter, log logger.Logger) (*Inbox, error) {
	if cfg.Dir == "" {
		return nil, errors.New("inbox directory is required")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(cfg.Pattern) {
		return nil, fmt.Errorf("invalid inbox pattern %q", cfg.Pattern)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounceDelay
	}
	if log == nil {
		log = logger.NoOpLogger{}
	}
	cfg.Dir = filepath.Clean(cfg.Dir)
	return &Inbox{
		cfg:      cfg,
		sub:      sub,
		log:      log,
		debounce: make(map[string]*time.Timer),
	}, nil
}

// Dir returns the watched directory
func (in *Inbox) Dir() string { return in.cfg.Dir }

// Matches reports whether path is a plan file the inbox should pick up
func (in *Inbox) Matches(path string) bool {
	rel, err := filepath.Rel(in.cfg.Dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	if DetectFormat(rel) == FormatUnknown {
		return false
	}
	ok, err := doublestar.Match(in.cfg.Pattern, filepath.ToSlash(rel))
	return err == nil && ok
}

// Scan processes every matching file currently in the inbox, oldest name
// first
func (in *Inbox) Scan(ctx context.Context) ([]Result, error) {
	if err := os.MkdirAll(in.cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create inbox: %w", err)
	}
	matches, err := doublestar.Glob(os.DirFS(in.cfg.Dir), in.cfg.Pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to scan inbox: %w", err)
	}
	sort.Strings(matches)

	var results []Result
	for _, m := range matches {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		path := filepath.Join(in.cfg.Dir, filepath.FromSlash(m))
		if !in.Matches(path) {
			continue
		}
		results = append(results, in.Process(ctx, path))
	}
	return results, nil
}

// Process submits a single plan file and moves it out of the way
func (in *Inbox) Process(ctx context.Context, path string) Result {
	res := Result{Path: path}

	pf, err := ParseFile(path)
	if err == nil {
		owner := pf.Owner
		if owner.UserID == "" {
			owner = in.cfg.DefaultOwner
		}
		if owner.UserID == "" {
			err = fmt.Errorf("%s: plan has no user_id and the inbox has no default owner", path)
		} else {
			submit := in.sub.Submit
			if in.cfg.Execute {
				submit = in.sub.SubmitAndExecute
			}
			res.TaskID, err = submit(ctx, owner, pf.Plan)
		}
	}

	if err != nil {
		res.Err = err
		in.log.Warnf("inbox: rejected %s: %v", filepath.Base(path), err)
		if rerr := in.reject(path, err); rerr != nil {
			in.log.Errorf("inbox: %v", rerr)
		}
		return res
	}

	in.log.Infof("inbox: %s submitted as task %d", filepath.Base(path), res.TaskID)
	if rerr := os.Rename(path, path+doneSuffix); rerr != nil {
		in.log.Errorf("inbox: failed to mark %s done: %v", path, rerr)
	}
	return res
}

func (in *Inbox) reject(path string, cause error) error {
	var msg strings.Builder
	msg.WriteString(cause.Error())
	msg.WriteString("\n")
	var pe *decomposer.PlanError
	if errors.As(cause, &pe) {
		for _, p := range pe.Problems {
			msg.WriteString("- ")
			msg.WriteString(p)
			msg.WriteString("\n")
		}
	}
	if err := os.WriteFile(path+rejectedSuffix+errorSuffix, []byte(msg.String()), 0644); err != nil {
		return fmt.Errorf("failed to write rejection reason: %w", err)
	}
	if err := os.Rename(path, path+rejectedSuffix); err != nil {
		return fmt.Errorf("failed to mark %s rejected: %w", path, err)
	}
	return nil
}

// Watch processes plan files already in the inbox, then new or rewritten
// ones until ctx is cancelled. Only the top-level directory is watched.
func (in *Inbox) Watch(ctx context.Context) error {
	if err := os.MkdirAll(in.cfg.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create inbox: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(in.cfg.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", in.cfg.Dir, err)
	}
	in.log.Infof("inbox: watching %s for %s", in.cfg.Dir, in.cfg.Pattern)

	// Files dropped before the watch started
	if _, err := in.Scan(ctx); err != nil {
		return err
	}

	ready := make(chan string, 16)
	defer in.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if in.Matches(ev.Name) {
				in.schedule(ctx, ev.Name, ready)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.log.Warnf("inbox: watcher error: %v", err)
		case path := <-ready:
			if _, err := os.Stat(path); err != nil {
				continue
			}
			in.Process(ctx, path)
		}
	}
}

// schedule restarts the debounce timer for path
func (in *Inbox) schedule(ctx context.Context, path string, ready chan<- string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if t, ok := in.debounce[path]; ok {
		t.Stop()
	}
	in.debounce[path] = time.AfterFunc(in.cfg.Debounce, func() {
		in.mu.Lock()
		delete(in.debounce, path)
		in.mu.Unlock()
		select {
		case ready <- path:
		case <-ctx.Done():
		}
	})
}

func (in *Inbox) stopTimers() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for path, t := range in.debounce {
		t.Stop()
		delete(in.debounce, path)
	}
}
