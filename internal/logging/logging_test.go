package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range cases {
		require.Equal(t, want, ParseLevel(input), "input %q", input)
	}
}

func TestOrNopReturnsNopForNil(t *testing.T) {
	require.Equal(t, Nop, OrNop(nil))
	require.NotPanics(t, func() { OrNop(nil).Info("hello %s", "world") })
}

func TestFromSlogLogsThroughInner(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := FromSlog(slog.New(handler))

	logger.Info("claimed task %s", "t-1")

	require.Contains(t, buf.String(), "claimed task t-1")
}

func TestFromSlogNilUsesDefault(t *testing.T) {
	require.NotPanics(t, func() { FromSlog(nil).Debug("noop") })
}
