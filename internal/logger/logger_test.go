package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestFileWriterDefaults(t *testing.T) {
	assert.Nil(t, Config{}.FileWriter())

	w := Config{File: "/tmp/x.log"}.FileWriter()
	l, ok := w.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)

	w = Config{File: "/tmp/x.log", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 2, Compress: true}.FileWriter()
	l = w.(*lj.Logger)
	assert.Equal(t, 1, l.MaxSize)
	assert.Equal(t, 9, l.MaxBackups)
	assert.Equal(t, 2, l.MaxAge)
	assert.True(t, l.Compress)
}

func TestNewConsoleOnly(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := New(Config{Level: "warn"}, &buf)
	require.NoError(t, err)
	defer func() { _ = closer.Close() }()

	log.Info("hidden")
	log.Warn("probe failed", "service", "docker")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "probe failed")
	assert.Contains(t, out, "service=docker")
	assert.NotContains(t, out, "time=")
}

func TestNewWritesFileAndConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svcpanel.log")
	var buf bytes.Buffer
	log, closer, err := New(Config{Level: "debug", File: path}, &buf)
	require.NoError(t, err)

	log.With("service", "shinobi").Debug("state changed", "to", "active")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "state changed")
	assert.Contains(t, string(data), "service=shinobi")
	assert.Contains(t, string(data), "time=")
	assert.Contains(t, buf.String(), "state changed")
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, _, err := New(Config{Level: "chatty"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	log := slog.New(h).With("component", "supervisor")

	log.Error("boom")
	log.Debug("tick")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	// the text handler quotes control characters in the message
	assert.Contains(t, lines[0], `\x1b[31mERROR\x1b[0m`)
	assert.Contains(t, lines[0], "component=supervisor")
	assert.Contains(t, lines[1], `\x1b[36mDEBUG\x1b[0m`)
	assert.NotContains(t, buf.String(), "time=")

	buf.Reset()
	slog.New(NewColorTextHandler(&buf, nil, true)).Warn("slow")
	assert.Contains(t, buf.String(), "time=")
	assert.Contains(t, buf.String(), `\x1b[33mWARN\x1b[0m`)
}
