package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Mode selects how the process logs.
type Mode int

const (
	// ModeQuiet discards everything. The chat console uses it so log lines
	// do not interleave with the conversation.
	ModeQuiet Mode = iota
	// ModeConsole writes colored human-readable lines at debug level.
	ModeConsole
	// ModeJSON writes one JSON object per line at info level.
	ModeJSON
)

// ModeFor maps the global flags to a mode; debug takes precedence.
func ModeFor(debug, jsonOutput bool) Mode {
	switch {
	case debug:
		return ModeConsole
	case jsonOutput:
		return ModeJSON
	}
	return ModeQuiet
}

// Init builds the process logger and installs it as the zap global, which is
// what the rest of the code logs through.
func Init(mode Mode) error {
	l, err := build(mode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(l)
	zap.RedirectStdLog(l)
	return nil
}

func build(mode Mode) (*zap.Logger, error) {
	switch mode {
	case ModeConsole:
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		cfg.DisableStacktrace = true
		return cfg.Build()
	case ModeJSON:
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.Sampling = nil
		return cfg.Build()
	}
	return zap.NewNop(), nil
}

// Security returns the logger for security events such as denied ownership
// checks, named so they can be routed separately.
func Security() *zap.SugaredLogger {
	return zap.S().Named("security")
}

// Sync flushes the global logger. Errors from syncing stderr are ignored.
func Sync() {
	_ = zap.L().Sync()
}
