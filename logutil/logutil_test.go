package logutil

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLoggerRenamesTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace)
	logger.Log(context.Background(), LevelTrace, "hello")
	assert.Contains(t, buf.String(), "TRACE")
}

func TestNewLoggerShortensSourceFile(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	logger.Info("hi")
	out := buf.String()
	assert.NotContains(t, out, "/")
	assert.Contains(t, out, "logutil_test.go")
}

func TestTraceIsSuppressedBelowTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	old := slog.Default()
	t.Cleanup(func() { slog.SetDefault(old) })
	slog.SetDefault(NewLogger(&buf, slog.LevelInfo).With())

	Trace("should not appear")
	assert.Empty(t, strings.TrimSpace(buf.String()))
}

func TestTraceEmitsWhenLoggerEnabled(t *testing.T) {
	var buf bytes.Buffer
	old := slog.Default()
	t.Cleanup(func() { slog.SetDefault(old) })
	slog.SetDefault(slog.New(NewLogger(&buf, LevelTrace).Handler()))

	Trace("shows up")
	assert.Contains(t, buf.String(), "shows up")
}
