// Package logger builds the process zap logger and field helpers that keep secrets
// and prompt text out of log output.
package logger

import (
	"fmt"
	"regexp"

	"github.com/nadmax/overseer/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

var (
	sensitiveKey   = regexp.MustCompile(`(?i)(authorization|api[_-]?key|token|secret|password|cookie|set-cookie)`)
	sensitiveValue = regexp.MustCompile(`(?i)(bearer\s+[a-z0-9._-]+|sk-[a-z0-9_-]+|ghp_[a-z0-9]+)`)
	promptLikeKey  = regexp.MustCompile(`(?i)(prompt|content|response|result|raw|input|output|text)`)
)

func New(cfg config.LoggerConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoding := cfg.Encoding
	if encoding != "console" {
		encoding = "json"
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	errorOutputs := cfg.ErrorOutputPaths
	if len(errorOutputs) == 0 {
		errorOutputs = []string{"stderr"}
	}

	encodeLevel := zapcore.LowercaseLevelEncoder
	if encoding == "console" {
		encodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		OutputPaths:      outputs,
		ErrorOutputPaths: errorOutputs,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "scope",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

// RedactValue masks values under secret-looking keys, values that look like credentials,
// and non-empty prompt-like text, which is replaced by its length.
func RedactValue(key, value string) string {
	if value == "" {
		return value
	}
	if sensitiveKey.MatchString(key) || sensitiveValue.MatchString(value) {
		return redacted
	}
	if promptLikeKey.MatchString(key) {
		return fmt.Sprintf("[REDACTED_TEXT len=%d]", len(value))
	}

	return value
}

// Redact is zap.String with RedactValue applied.
func Redact(key, value string) zap.Field {
	return zap.String(key, RedactValue(key, value))
}
