package logx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	_, err := NewLogger("info", "xml")
	assert.Error(t, err)

	l, err := NewLogger("warn", "console")
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestKeyValueFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core)).With("component", "session")

	l.Info("session opened", "endpoint", "127.0.0.1:9000")
	l.Debug("ack", "seq", 7)

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "session opened", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "session", fields["component"])
	assert.Equal(t, "127.0.0.1:9000", fields["endpoint"])
	assert.EqualValues(t, 7, entries[1].ContextMap()["seq"])
}

func TestNop(t *testing.T) {
	l := NewNop()
	l.Error("dropped")
	assert.NotNil(t, l.With("k", "v"))
	assert.NotNil(t, NewTest(t))
}
