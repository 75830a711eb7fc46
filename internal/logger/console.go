// Package logger provides logging implementations for the task engine.
//
// Loggers report task and step progress as well as general diagnostics.
// Implementations are thread-safe and write to the console, to files, or
// to several destinations at once.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/taskflow/internal/models"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger logs engine progress to a writer with timestamps and thread safety.
// All output is prefixed with [HH:MM:SS] timestamps for tracking execution flow.
// It supports log level filtering to control message verbosity.
// Color output is automatically enabled when the writer is a terminal.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// Valid levels: trace, debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
// NO_COLOR disables colors through fatih/color.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// normalizeLogLevel converts a log level string to lowercase and validates it.
// Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "trace", "debug", "info", "warn", "error":
		return normalized
	}
	return "info"
}

// ValidLevel reports whether level is a recognized log level
func ValidLevel(level string) bool {
	normalized := strings.ToLower(strings.TrimSpace(level))
	return normalizeLogLevel(level) == normalized
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// logLevelToInt converts a log level string to its numeric value.
func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// Tracef logs a trace-level message (most verbose).
func (cl *ConsoleLogger) Tracef(format string, args ...any) {
	cl.logWithLevel("TRACE", fmt.Sprintf(format, args...))
}

// Debugf logs a debug-level message.
func (cl *ConsoleLogger) Debugf(format string, args ...any) {
	cl.logWithLevel("DEBUG", fmt.Sprintf(format, args...))
}

// Infof logs an info-level message.
func (cl *ConsoleLogger) Infof(format string, args ...any) {
	cl.logWithLevel("INFO", fmt.Sprintf(format, args...))
}

// Warnf logs a warning-level message.
func (cl *ConsoleLogger) Warnf(format string, args ...any) {
	cl.logWithLevel("WARN", fmt.Sprintf(format, args...))
}

// Errorf logs an error-level message.
func (cl *ConsoleLogger) Errorf(format string, args ...any) {
	cl.logWithLevel("ERROR", fmt.Sprintf(format, args...))
}

// logWithLevel writes "[HH:MM:SS] [LEVEL] message" if filtering allows it.
func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil {
		return
	}
	if !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var formatted string
	if cl.colorOutput {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, colorLevel(level), message)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)
	}
	cl.writer.Write([]byte(formatted))
}

func colorLevel(level string) string {
	switch strings.ToUpper(level) {
	case "TRACE":
		return color.New(color.FgHiBlack).Sprint(level)
	case "DEBUG":
		return color.New(color.FgCyan).Sprint(level)
	case "INFO":
		return color.New(color.FgBlue).Sprint(level)
	case "WARN":
		return color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		return color.New(color.FgRed).Sprint(level)
	default:
		return level
	}
}

// statusColor picks the color used for a task or step status
func statusColor(status string) *color.Color {
	switch status {
	case string(models.StatusCompleted):
		return color.New(color.FgGreen)
	case string(models.StatusFailed), "transient_failure", "permanent_failure":
		return color.New(color.FgRed)
	case string(models.StatusCancelled), string(models.StatusWaiting), "needs_confirmation", "deferred":
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

// ColorStatus renders a status for terminal output
func ColorStatus(status string) string {
	return statusColor(status).Sprint(status)
}

// LogTaskStart logs that a worker picked up a task at INFO level.
// Format: "[HH:MM:SS] Task <id> (<title>): <step label>"
func (cl *ConsoleLogger) LogTaskStart(task *models.Task, step *models.Step) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	title := task.Title
	if cl.colorOutput {
		title = color.New(color.Bold).Sprint(task.Title)
	}
	msg := fmt.Sprintf("[%s] Task %d (%s): starting %s\n", timestamp(), task.ID, title, step.Label())
	cl.writer.Write([]byte(msg))
}

// LogStepResult logs the outcome of a step attempt at DEBUG level, or at
// WARN level for failures.
// Format: "[HH:MM:SS] Task <id> <step label>: <outcome> (<duration>)"
func (cl *ConsoleLogger) LogStepResult(task *models.Task, step *models.Step, out models.Outcome, duration time.Duration) {
	level := "debug"
	if out.Kind.IsFailure() {
		level = "warn"
	}
	if cl.writer == nil || !cl.shouldLog(level) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	kind := out.Kind.String()
	if cl.colorOutput {
		kind = ColorStatus(kind)
	}
	msg := fmt.Sprintf("[%s] Task %d %s: %s (%s)", timestamp(), task.ID, step.Label(), kind, formatDuration(duration))
	if out.Err != nil {
		msg += ": " + out.ErrorMessage()
	}
	cl.writer.Write([]byte(msg + "\n"))
}

// LogTaskStatus logs a task status change at INFO level.
// Format: "[HH:MM:SS] Task <id> -> <status>: <message>"
func (cl *ConsoleLogger) LogTaskStatus(taskID int64, status models.TaskStatus, message string) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	st := string(status)
	if cl.colorOutput {
		st = ColorStatus(st)
	}
	msg := fmt.Sprintf("[%s] Task %d -> %s", timestamp(), taskID, st)
	if message != "" {
		msg += ": " + message
	}
	cl.writer.Write([]byte(msg + "\n"))
}

// LogSummary logs task counts by status with a completion bar at INFO level.
func (cl *ConsoleLogger) LogSummary(stats models.TaskStats) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	done := stats.Completed + stats.Failed + stats.Cancelled
	pb := NewProgressBar(stats.Total, 20, cl.colorOutput)
	pb.Update(done)

	var output string
	if cl.colorOutput {
		output = fmt.Sprintf("[%s] %s\n", ts, color.New(color.Bold).Sprint("=== Task Summary ==="))
	} else {
		output = fmt.Sprintf("[%s] === Task Summary ===\n", ts)
	}
	output += fmt.Sprintf("[%s] Finished: %s\n", ts, pb.Render())
	output += fmt.Sprintf("[%s] Total: %d\n", ts, stats.Total)
	for _, row := range []struct {
		status models.TaskStatus
		count  int
	}{
		{models.StatusPending, stats.Pending},
		{models.StatusInProgress, stats.InProgress},
		{models.StatusWaiting, stats.Waiting},
		{models.StatusCompleted, stats.Completed},
		{models.StatusFailed, stats.Failed},
		{models.StatusCancelled, stats.Cancelled},
	} {
		label := string(row.status)
		if cl.colorOutput && row.count > 0 {
			label = ColorStatus(label)
		}
		output += fmt.Sprintf("[%s] %s: %d\n", ts, label, row.count)
	}
	cl.writer.Write([]byte(output))
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration converts a time.Duration to a human-readable string.
// Examples: "250ms", "5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		remainder := d % time.Hour
		if remainder == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		minutes := remainder / time.Minute
		remainder = remainder % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		seconds := remainder / time.Second
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case d >= time.Minute:
		minutes := d / time.Minute
		remainder := d % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		seconds := remainder / time.Second
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	case d >= time.Second:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}
