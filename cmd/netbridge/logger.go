package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// logLevel maps the 0..5 bridge level to zap. Zero disables logging.
func logLevel(level uint32) (zapcore.Level, bool) {
	switch level {
	case 0:
		return zapcore.InvalidLevel, false
	case 1:
		return zapcore.ErrorLevel, true
	case 2:
		return zapcore.WarnLevel, true
	case 3:
		return zapcore.InfoLevel, true
	default:
		return zapcore.DebugLevel, true
	}
}

// newLogger builds the process logger. Without an explicit format, logs are
// human-readable on a terminal and JSON otherwise. The interactive console
// owns the terminal, so it only logs to a file.
func newLogger(level uint32, format, output string, interactive bool) (*zap.Logger, func(), error) {
	zapLevel, enabled := logLevel(level)
	if !enabled || (interactive && output == "") {
		return zap.NewNop(), func() {}, nil
	}

	if format == "" {
		format = "json"
		if output == "" && term.IsTerminal(int(os.Stderr.Fd())) {
			format = "console"
		}
	}

	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.Sampling = nil
	cfg.DisableStacktrace = true
	if output != "" {
		cfg.OutputPaths = []string{output}
		cfg.ErrorOutputPaths = []string{output}
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		cfg.OutputPaths = []string{"stderr"}
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, func() { _ = logger.Sync() }, nil
}
