// Package logger builds the zap loggers used across the runtime.
package logger

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names for structured logging.
const (
	FieldComponent = "component"
	FieldTick      = "tick"
	FieldDeadline  = "deadline"
	FieldInMs      = "in_ms"
	FieldNotify    = "notify"
	FieldState     = "state"
	FieldPort      = "port"
	FieldLength    = "len"
	FieldConfirmed = "confirmed"
	FieldLine      = "line"
	FieldFile      = "file"
	FieldEvent     = "event"
	FieldSeconds   = "seconds"
	FieldTicks     = "ticks"
	FieldError     = "error"
)

// Options selects the output format and level.
type Options struct {
	JSON  bool
	Level string
}

// New builds a sugared logger. JSON output uses the zap production encoder,
// otherwise a console encoder writing to stderr.
func New(opts Options) (*zap.SugaredLogger, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	if opts.JSON {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		l, err := cfg.Build()
		if err != nil {
			return nil, errors.Wrap(err, "build json logger")
		}
		return l.Sugar(), nil
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stderr),
		level,
	)
	return zap.New(core).Sugar(), nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return Nop()
	}
	return l
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return level, errors.WithHint(
			errors.Wrapf(err, "invalid log level %q", s),
			"use one of debug, info, warn, error")
	}
	return level, nil
}
