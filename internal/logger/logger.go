// Package logger supplies the concrete backing for raft.Logger. The
// consensus core only ever depends on the raft.Logger interface; this
// package exists so that callers who do not want to plug in their own
// logger have a sensible default.
package logger

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog-backed implementation of raft.Logger.
type Logger struct {
	log zerolog.Logger
}

// New creates a Logger that writes human-readable, colorized output to
// stderr, in the style of zerolog's ConsoleWriter.
func New() (*Logger, error) {
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	zl := zerolog.New(writer).With().Timestamp().Logger()
	return &Logger{log: zl}, nil
}

// NewWithLevel creates a Logger at the given zerolog level name
// ("debug", "info", "warn", "error", "fatal").
func NewWithLevel(level string) (*Logger, error) {
	l, err := New()
	if err != nil {
		return nil, err
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l.log = l.log.Level(parsed)
	return l, nil
}

func (l *Logger) Debug(args ...interface{}) { l.log.Debug().Msg(sprint(args...)) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l *Logger) Info(args ...interface{}) { l.log.Info().Msg(sprint(args...)) }

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log.Info().Msgf(format, args...)
}

func (l *Logger) Warn(args ...interface{}) { l.log.Warn().Msg(sprint(args...)) }

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l *Logger) Error(args ...interface{}) { l.log.Error().Msg(sprint(args...)) }

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l *Logger) Fatal(args ...interface{}) { l.log.Fatal().Msg(sprint(args...)) }

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log.Fatal().Msgf(format, args...)
}

func sprint(args ...interface{}) string {
	if len(args) == 1 {
		if s, ok := args[0].(string); ok {
			return s
		}
	}
	msg := ""
	for i, a := range args {
		if i > 0 {
			msg += " "
		}
		msg += toString(a)
	}
	return msg
}

func toString(a interface{}) string {
	if s, ok := a.(string); ok {
		return s
	}
	if s, ok := a.(interface{ String() string }); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", a)
}

// NoOp is a Logger implementation that discards everything; used by tests
// that do not want the noise of full logging.
type NoOp struct{}

func (NoOp) Debug(args ...interface{})                 {}
func (NoOp) Debugf(format string, args ...interface{}) {}
func (NoOp) Info(args ...interface{})                  {}
func (NoOp) Infof(format string, args ...interface{})  {}
func (NoOp) Warn(args ...interface{})                  {}
func (NoOp) Warnf(format string, args ...interface{})  {}
func (NoOp) Error(args ...interface{})                 {}
func (NoOp) Errorf(format string, args ...interface{}) {}
func (NoOp) Fatal(args ...interface{})                 {}
func (NoOp) Fatalf(format string, args ...interface{}) {}
