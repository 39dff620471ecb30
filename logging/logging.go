// Package logging provides leveled, line-oriented console logging for runs.
// Output is for real-time monitoring; the ordered run results are the record.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes one line per entry. A nil *Logger discards everything, so
// components can take an optional logger without guarding each call.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	runID     string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a Logger writing INFO and above to stderr.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stderr,
		minLevel: LevelInfo,
	}
}

// ParseLevel converts a config string such as "debug" into a Level.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if level == "WARNING" {
		level = LevelWarn
	}
	if _, ok := levelPriority[level]; !ok {
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// WithComponent returns a logger tagging lines with the given component.
// It shares the parent's output and lock.
func (l *Logger) WithComponent(component string) *Logger {
	if l == nil {
		return nil
	}
	c := *l
	c.component = component
	return &c
}

// WithRunID returns a logger that adds run=<id> to every line.
func (l *Logger) WithRunID(runID string) *Logger {
	if l == nil {
		return nil
	}
	c := *l
	c.runID = runID
	return &c
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

// log writes: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	merged := make(map[string]interface{})
	if len(fields) > 0 {
		for k, v := range fields[0] {
			merged[k] = v
		}
	}
	if l.runID != "" {
		merged["run"] = l.runID
	}
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.output.Write([]byte(line))
}

// --- Run events ---

// RunStart logs the start of a run.
func (l *Logger) RunStart(total, maxConcurrent int, stopOnError bool) {
	l.Info("run_start", map[string]interface{}{
		"total":          total,
		"max_concurrent": maxConcurrent,
		"stop_on_error":  stopOnError,
	})
}

// RunComplete logs the end of a run.
func (l *Logger) RunComplete(duration time.Duration, completed, failed int, state string) {
	l.Info("run_complete", map[string]interface{}{
		"duration":  duration.String(),
		"completed": completed,
		"failed":    failed,
		"state":     state,
	})
}

// RunCancelled logs a run interrupted by its caller.
func (l *Logger) RunCancelled(duration time.Duration, completed int) {
	l.Warn("run_cancelled", map[string]interface{}{
		"duration":  duration.String(),
		"completed": completed,
	})
}

// TaskComplete logs a successful task.
func (l *Logger) TaskComplete(taskID string, index int, duration time.Duration) {
	l.Debug("task_complete", map[string]interface{}{
		"task":     taskID,
		"index":    index,
		"duration": duration.String(),
	})
}

// TaskFailed logs a failed task.
func (l *Logger) TaskFailed(taskID string, index int, err error) {
	l.Warn("task_failed", map[string]interface{}{
		"task":  taskID,
		"index": index,
		"error": err.Error(),
	})
}

// BucketGrowth logs a bucket whose capacity grew to admit a large request.
func (l *Logger) BucketGrowth(bucket string, from, to float64) {
	l.Warn("bucket_growth", map[string]interface{}{
		"bucket": bucket,
		"from":   from,
		"to":     to,
	})
}

// BucketWait logs time spent waiting for a refill.
func (l *Logger) BucketWait(bucket string, amount float64, wait time.Duration) {
	l.Debug("bucket_wait", map[string]interface{}{
		"bucket": bucket,
		"amount": amount,
		"wait":   wait.String(),
	})
}

// CapacityReduced logs a capacity reduction triggered by rate limiting.
func (l *Logger) CapacityReduced(resource, source, reason string, factor float64) {
	l.Warn("capacity_reduced", map[string]interface{}{
		"resource": resource,
		"source":   source,
		"reason":   reason,
		"factor":   factor,
	})
}
