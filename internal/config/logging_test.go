package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"  debug ", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"trace", LevelTrace},
	}
	for _, c := range cases {
		got, err := ParseLogLevel(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestParseLogLevel_Unknown(t *testing.T) {
	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestReplaceLogLevelNames_Trace(t *testing.T) {
	a := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)}
	got := ReplaceLogLevelNames(nil, a)
	assert.Equal(t, "TRACE", got.Value.String())
}

func TestReplaceLogLevelNames_OtherLevelsUnchanged(t *testing.T) {
	a := slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(slog.LevelWarn)}
	got := ReplaceLogLevelNames(nil, a)
	assert.Equal(t, slog.LevelWarn, got.Value.Any())
}

func TestReplaceLogLevelNames_NonLevelKeyUnchanged(t *testing.T) {
	a := slog.Attr{Key: "msg", Value: slog.StringValue("hello")}
	got := ReplaceLogLevelNames(nil, a)
	assert.Equal(t, a, got)
}
