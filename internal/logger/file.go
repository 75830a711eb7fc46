package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/taskflow/internal/models"
)

// FileLogger writes engine events to a timestamped run log and keeps a
// per-task history under tasks/task-<id>.log. A latest.log symlink points
// at the most recent run.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	tasksDir string
	logLevel string
	mu       sync.Mutex
}

// NewFileLogger creates a FileLogger in logDir at the given level
func NewFileLogger(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	tasksDir := filepath.Join(logDir, "tasks")
	if err := os.MkdirAll(tasksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tasks directory: %w", err)
	}

	// run-YYYYMMDD-HHMMSS.log
	timestamp := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", timestamp))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	logger := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		tasksDir: tasksDir,
		logLevel: normalizeLogLevel(logLevel),
	}

	logger.writeRunLog("=== Taskflow Run Log ===\n")
	logger.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))

	return logger, nil
}

// RunFile returns the path of the current run log
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

// TaskLogPath returns the per-task log file for taskID
func (fl *FileLogger) TaskLogPath(taskID int64) string {
	return filepath.Join(fl.tasksDir, fmt.Sprintf("task-%d.log", taskID))
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

// Tracef logs a trace-level message.
func (fl *FileLogger) Tracef(format string, args ...any) {
	fl.logWithLevel("TRACE", fmt.Sprintf(format, args...))
}

// Debugf logs a debug-level message.
func (fl *FileLogger) Debugf(format string, args ...any) {
	fl.logWithLevel("DEBUG", fmt.Sprintf(format, args...))
}

// Infof logs an info-level message.
func (fl *FileLogger) Infof(format string, args ...any) {
	fl.logWithLevel("INFO", fmt.Sprintf(format, args...))
}

// Warnf logs a warning-level message.
func (fl *FileLogger) Warnf(format string, args ...any) {
	fl.logWithLevel("WARN", fmt.Sprintf(format, args...))
}

// Errorf logs an error-level message.
func (fl *FileLogger) Errorf(format string, args ...any) {
	fl.logWithLevel("ERROR", fmt.Sprintf(format, args...))
}

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), level, message))
}

// LogTaskStart records the start of a step in the run log and the task log.
func (fl *FileLogger) LogTaskStart(task *models.Task, step *models.Step) {
	line := fmt.Sprintf("[%s] Task %d (%s): starting %s\n", timestamp(), task.ID, task.Title, step.Label())
	if fl.shouldLog("info") {
		fl.writeRunLog(line)
	}
	fl.writeTaskLog(task.ID, line)
}

// LogStepResult records a step attempt. The task log always receives the
// full result and error text, regardless of level.
func (fl *FileLogger) LogStepResult(task *models.Task, step *models.Step, out models.Outcome, duration time.Duration) {
	ts := timestamp()
	line := fmt.Sprintf("[%s] Task %d %s: %s (%s)", ts, task.ID, step.Label(), out.Kind, formatDuration(duration))
	if out.Err != nil {
		line += ": " + out.ErrorMessage()
	}
	line += "\n"

	level := "debug"
	if out.Kind.IsFailure() {
		level = "warn"
	}
	if fl.shouldLog(level) {
		fl.writeRunLog(line)
	}

	detail := line
	if out.Result != "" {
		detail += fmt.Sprintf("[%s]   result: %s\n", ts, out.Result)
	}
	fl.writeTaskLog(task.ID, detail)
}

// LogTaskStatus records a task status change.
func (fl *FileLogger) LogTaskStatus(taskID int64, status models.TaskStatus, message string) {
	line := fmt.Sprintf("[%s] Task %d -> %s", timestamp(), taskID, status)
	if message != "" {
		line += ": " + message
	}
	line += "\n"
	if fl.shouldLog("info") {
		fl.writeRunLog(line)
	}
	fl.writeTaskLog(taskID, line)
}

// LogSummary writes task counts by status to the run log.
func (fl *FileLogger) LogSummary(stats models.TaskStats) {
	if !fl.shouldLog("info") {
		return
	}
	ts := timestamp()
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] === Task Summary ===\n", ts))
	sb.WriteString(fmt.Sprintf("[%s] Total: %d\n", ts, stats.Total))
	sb.WriteString(fmt.Sprintf("[%s] pending: %d, in_progress: %d, waiting: %d\n", ts, stats.Pending, stats.InProgress, stats.Waiting))
	sb.WriteString(fmt.Sprintf("[%s] completed: %d, failed: %d, cancelled: %d\n", ts, stats.Completed, stats.Failed, stats.Cancelled))
	fl.writeRunLog(sb.String())
}

// Close flushes and closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		if err := fl.runLog.Sync(); err != nil {
			return fmt.Errorf("failed to sync run log: %w", err)
		}
		if err := fl.runLog.Close(); err != nil {
			return fmt.Errorf("failed to close run log: %w", err)
		}
		fl.runLog = nil
	}
	return nil
}

func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		fl.runLog.WriteString(message)
		fl.runLog.Sync()
	}
}

// writeTaskLog appends to tasks/task-<id>.log. Failures are dropped; the run
// log stays authoritative.
func (fl *FileLogger) writeTaskLog(taskID int64, message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	f, err := os.OpenFile(fl.TaskLogPath(taskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	f.WriteString(message)
}
