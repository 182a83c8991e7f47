// Package logging builds the leveled logger shared by the registration
// pipeline and carries it through context.Context.
package logging

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"
)

// New creates a logger with timestamp formatting that writes to w and
// filters messages below level.
func New(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	})
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}

type ctxKey int

const loggerKey ctxKey = 0

// WithLogger returns a context carrying l.
func WithLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the logger attached to ctx, or log.Default().
func FromContext(ctx context.Context) *log.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(*log.Logger); ok {
			return l
		}
	}
	return log.Default()
}

// Stage tracks the start of a pipeline stage and logs its duration.
type Stage struct {
	logger *log.Logger
	name   string
	start  time.Time
}

// StartStage logs the beginning of a stage.
func StartStage(l *log.Logger, name string) *Stage {
	l.Info("stage started", "stage", name)
	return &Stage{logger: l, name: name, start: time.Now()}
}

// Done logs the elapsed time since the stage started.
func (s *Stage) Done() {
	s.logger.Info("stage complete", "stage", s.name, "elapsed", time.Since(s.start).Round(time.Millisecond))
}
