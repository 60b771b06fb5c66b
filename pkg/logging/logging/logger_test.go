package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewAppliesLevel(t *testing.T) {
	logger, err := New(Options{Level: "warn"})
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Options{Level: "chatty"})
	assert.Error(t, err)
}

func TestNewDevelopmentEnablesDebug(t *testing.T) {
	logger, err := New(Options{Env: "Development"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestOptionsFromEnv(t *testing.T) {
	env := map[string]string{"ENV": "dev", "LOG_LEVEL": "error", "SERVICE_NAME": "gw"}
	opts := OptionsFromEnv(func(k string) string { return env[k] })
	assert.Equal(t, Options{Env: "dev", Level: "error", Service: "gw"}, opts)
}

func TestContextCarriesLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := WithLogger(context.Background(), zap.New(core))
	ctx = WithFields(ctx, zap.String("request_id", "r-1"))

	L(ctx).Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "r-1", entries[0].ContextMap()["request_id"])
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Same(t, DefaultLogger(), FromContext(context.Background()))
}
