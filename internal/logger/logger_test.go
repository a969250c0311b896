package logger

import (
	"testing"

	"github.com/nadmax/overseer/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	log, err := New(config.LoggerConfig{Level: "debug", Encoding: "console"})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))

	log, err = New(config.LoggerConfig{Level: "nonsense"})
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
}

func TestNew_BadOutput(t *testing.T) {
	_, err := New(config.LoggerConfig{OutputPaths: []string{"/nonexistent-dir/x/y.log"}})
	assert.Error(t, err)
}

func TestRedactValue(t *testing.T) {
	tests := []struct {
		key, value, expect string
	}{
		{"api_key", "abc", "[REDACTED]"},
		{"Authorization", "Bearer xyz", "[REDACTED]"},
		{"note", "token is sk-live_123", "[REDACTED]"},
		{"note", "ghp_abcdef", "[REDACTED]"},
		{"prompt", "fix the build", "[REDACTED_TEXT len=13]"},
		{"raw_text", "{}", "[REDACTED_TEXT len=2]"},
		{"task_id", "0192abcd", "0192abcd"},
		{"prompt", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.key+"/"+tt.value, func(t *testing.T) {
			assert.Equal(t, tt.expect, RedactValue(tt.key, tt.value))
		})
	}
}

func TestRedact(t *testing.T) {
	f := Redact("password", "hunter2")
	assert.Equal(t, "password", f.Key)
	assert.Equal(t, "[REDACTED]", f.String)
}
