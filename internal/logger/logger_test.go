package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledDiscards(t *testing.T) {
	t.Cleanup(func() { Init(Options{}) })

	Init(Options{})
	require.NotNil(t, L)
	assert.False(t, L.Enabled(t.Context(), slog.LevelError))
}

func TestInitDisableAfterEnable(t *testing.T) {
	t.Cleanup(func() { Init(Options{}) })

	Init(Options{Enabled: true, Output: &bytes.Buffer{}})
	require.True(t, L.Enabled(t.Context(), slog.LevelInfo))

	Init(Options{})
	for _, level := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		assert.False(t, L.Enabled(t.Context(), level), "level %v", level)
	}
}

func TestInitJSON(t *testing.T) {
	t.Cleanup(func() { Init(Options{}) })

	var buf bytes.Buffer
	Init(Options{Enabled: true, JSON: true, Output: &buf, Level: slog.LevelDebug})
	Debug("chunk created", "pages", 16)

	assert.Contains(t, buf.String(), `"msg":"chunk created"`)
	assert.Contains(t, buf.String(), `"pages":16`)
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvVar, "")
	assert.False(t, FromEnv().Enabled)

	t.Setenv(EnvVar, "debug,json")
	opts := FromEnv()
	assert.True(t, opts.Enabled)
	assert.True(t, opts.JSON)
	assert.Equal(t, slog.LevelDebug, opts.Level)
}
