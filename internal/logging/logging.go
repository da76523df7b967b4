// Package logging builds the structured logger used across nat64d: a
// zap.SugaredLogger, console-encoded, colorized when stderr is a
// terminal.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Config controls the logging subsystem.
type Config struct {
	// Level is the minimum level logged.
	Level zapcore.Level `yaml:"level"`
}

// DefaultConfig returns the Config used when none is supplied: info
// level.
func DefaultConfig() Config {
	return Config{Level: zapcore.InfoLevel}
}

// Init builds a *zap.SugaredLogger and its atomic level handle, which
// callers can use to adjust verbosity at runtime.
func Init(cfg Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("logging: build logger: %w", err)
	}

	return logger.Sugar(), zapCfg.Level, nil
}

// ForQueue returns a child logger tagging every line with the worker's
// queue ID, matching the per-queue log lines of the original engine.
func ForQueue(log *zap.SugaredLogger, queueID int) *zap.SugaredLogger {
	return log.With("queue_id", queueID)
}
