package logger

import (
	"time"

	"github.com/harrison/taskflow/internal/models"
)

// Logger is the logging surface used by the scheduler and the engine.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	LogTaskStart(task *models.Task, step *models.Step)
	LogStepResult(task *models.Task, step *models.Step, out models.Outcome, duration time.Duration)
	LogTaskStatus(taskID int64, status models.TaskStatus, message string)
	LogSummary(stats models.TaskStats)
}

var (
	_ Logger = (*ConsoleLogger)(nil)
	_ Logger = (*FileLogger)(nil)
	_ Logger = (*MultiLogger)(nil)
	_ Logger = NoOpLogger{}
)

// MultiLogger fans every call out to several loggers
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger combines loggers, skipping nil entries
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	ml := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			ml.loggers = append(ml.loggers, l)
		}
	}
	return ml
}

func (ml *MultiLogger) Debugf(format string, args ...any) {
	for _, l := range ml.loggers {
		l.Debugf(format, args...)
	}
}

func (ml *MultiLogger) Infof(format string, args ...any) {
	for _, l := range ml.loggers {
		l.Infof(format, args...)
	}
}

func (ml *MultiLogger) Warnf(format string, args ...any) {
	for _, l := range ml.loggers {
		l.Warnf(format, args...)
	}
}

func (ml *MultiLogger) Errorf(format string, args ...any) {
	for _, l := range ml.loggers {
		l.Errorf(format, args...)
	}
}

func (ml *MultiLogger) LogTaskStart(task *models.Task, step *models.Step) {
	for _, l := range ml.loggers {
		l.LogTaskStart(task, step)
	}
}

func (ml *MultiLogger) LogStepResult(task *models.Task, step *models.Step, out models.Outcome, duration time.Duration) {
	for _, l := range ml.loggers {
		l.LogStepResult(task, step, out, duration)
	}
}

func (ml *MultiLogger) LogTaskStatus(taskID int64, status models.TaskStatus, message string) {
	for _, l := range ml.loggers {
		l.LogTaskStatus(taskID, status, message)
	}
}

func (ml *MultiLogger) LogSummary(stats models.TaskStats) {
	for _, l := range ml.loggers {
		l.LogSummary(stats)
	}
}

// NoOpLogger discards everything. Useful in tests.
type NoOpLogger struct{}

func (NoOpLogger) Debugf(string, ...any)                                                 {}
func (NoOpLogger) Infof(string, ...any)                                                  {}
func (NoOpLogger) Warnf(string, ...any)                                                  {}
func (NoOpLogger) Errorf(string, ...any)                                                 {}
func (NoOpLogger) LogTaskStart(*models.Task, *models.Step)                               {}
func (NoOpLogger) LogStepResult(*models.Task, *models.Step, models.Outcome, time.Duration) {}
func (NoOpLogger) LogTaskStatus(int64, models.TaskStatus, string)                        {}
func (NoOpLogger) LogSummary(models.TaskStats)                                           {}
