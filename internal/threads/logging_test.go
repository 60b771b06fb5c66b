package threads

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"completion-gateway/pkg/logging/logging"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggingStore_LogsOperations(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := logging.WithLogger(context.Background(), zap.New(core))

	s := NewLoggingStore(NewMemoryStore(0))
	defer s.Close()

	ref, err := s.CreateThread(ctx, "alice")
	require.NoError(t, err)

	err = s.VerifyOwnership(ctx, ref, "bob")
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = s.Append(ctx, "missing", Message{Role: "user"})
	assert.ErrorIs(t, err, ErrThreadNotFound)

	entries := logs.FilterMessage("thread_store_verify_ownership").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "denied", entries[0].ContextMap()["thread_result"])

	entries = logs.FilterMessage("thread_store_append").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "not_found", entries[0].ContextMap()["thread_result"])
}

func TestResultOf(t *testing.T) {
	assert.Equal(t, "ok", resultOf(nil))
	assert.Equal(t, "not_found", resultOf(ErrThreadNotFound))
	assert.Equal(t, "denied", resultOf(ErrAccessDenied))
	assert.Equal(t, "error", resultOf(errors.New("boom")))
}

func TestNewSelectsMemoryByDefault(t *testing.T) {
	s := New(Config{}, nil)
	ls, ok := s.(*LoggingStore)
	require.True(t, ok)
	assert.IsType(t, &MemoryStore{}, ls.inner)
	_ = ls.Close()
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	s := NewRedisStore(client, RedisConfig{Prefix: "test-" + time.Now().Format("150405.000"), TTL: time.Minute})
	require.NoError(t, s.Ping(ctx))

	ref, err := s.CreateThread(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, s.VerifyOwnership(ctx, ref, "alice"))
	assert.ErrorIs(t, s.VerifyOwnership(ctx, ref, "bob"), ErrAccessDenied)
	assert.ErrorIs(t, s.VerifyOwnership(ctx, "missing", "alice"), ErrThreadNotFound)

	_, err = s.Append(ctx, ref, Message{Role: "user", Content: "ping"})
	require.NoError(t, err)
	id, err := s.Append(ctx, ref, Message{Role: "assistant", Content: "pong", Metadata: map[string]any{"source": "completion"}})
	require.NoError(t, err)

	msgs, err := s.Messages(ctx, ref)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "pong", msgs[1].Content)
	assert.Equal(t, id, msgs[1].ID)
	assert.Equal(t, "completion", msgs[1].Metadata["source"])
}
