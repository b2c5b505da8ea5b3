package obs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFieldsReachLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Logger()
	SetLogger(zap.New(core))
	defer SetLogger(prev)

	Info("control.attached", Fields{"token": "abc", "remote": "127.0.0.1:1"})
	Error("proxy.upstream", Fields{"err": errors.New("refused")})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "control.attached", entries[0].Message)
	assert.Equal(t, "abc", entries[0].ContextMap()["token"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "refused", entries[1].ContextMap()["err"])
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, Setup(LogConfig{Level: "loud"}))
}

func TestEnableDebugTogglesLevel(t *testing.T) {
	defer level.SetLevel(level.Level())
	EnableDebug(true)
	assert.True(t, level.Enabled(zapcore.DebugLevel))
	EnableDebug(false)
	assert.False(t, level.Enabled(zapcore.DebugLevel))
}
