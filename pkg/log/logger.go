// Package log provides structured logging for the stratum mining pool.
// It wraps the standard library's slog package with pool-specific helpers.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with mining-pool convenience methods.
type Logger struct {
	*slog.Logger
	service string
}

// New creates a logger for the named service. Level is one of
// debug/info/warn/error, format is json or text.
func New(service, level, format string) *Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service),
		service: service,
	}
}

// WithFields returns a logger with additional key/value fields.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
	}
}

// WithComponent returns a logger scoped to a component.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithError returns a logger carrying an error field.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// WithWorker returns a logger carrying the worker name.
func (l *Logger) WithWorker(worker string) *Logger {
	return l.WithFields("worker", worker)
}

// WithSession returns a logger carrying session identity.
func (l *Logger) WithSession(sessionID, remoteAddr string) *Logger {
	return l.WithFields("session_id", sessionID, "remote_addr", remoteAddr)
}

// LogConnection logs a connection lifecycle event.
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event", "event", event, "remote_addr", remoteAddr)
}

// LogStratumMessage logs raw protocol traffic at debug level.
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message", "direction", direction, "message", message)
}

// LogShareDecision logs the outcome of a share submission.
func (l *Logger) LogShareDecision(worker, jobID string, difficulty, shareDiff float64, accepted bool, reason string) {
	l.Info("share decision",
		"worker", worker,
		"job_id", jobID,
		"difficulty", difficulty,
		"share_difficulty", shareDiff,
		"accepted", accepted,
		"reason", reason,
	)
}

// LogBlockSolved logs a share that solved a block.
func (l *Logger) LogBlockSolved(blockHash, worker, jobID string, shareDiff float64) {
	l.Info("block solved",
		"block_hash", blockHash,
		"worker", worker,
		"job_id", jobID,
		"share_difficulty", shareDiff,
	)
}

// LogJobBroadcast logs a job notification fan-out.
func (l *Logger) LogJobBroadcast(jobID string, cleanJobs bool, sessionCount int) {
	l.Info("job broadcast",
		"job_id", jobID,
		"clean_jobs", cleanJobs,
		"session_count", sessionCount,
	)
}
