package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the thread owner in a string key and the messages in a
// list of JSON documents.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisConfig struct {
	Prefix string
	TTL    time.Duration // 0 keeps threads forever
}

func NewRedisStore(client *redis.Client, config RedisConfig) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: config.Prefix,
		ttl:    config.TTL,
	}
}

// key builds the final Redis key with prefix.
func (s *RedisStore) key(k Key) string {
	if s.prefix == "" {
		return k.String()
	}
	return s.prefix + ":" + k.String()
}

func (s *RedisStore) CreateThread(ctx context.Context, ownerID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context error: %w", err)
	}

	ref := uuid.NewString()
	if err := s.client.Set(ctx, s.key(ownerKey(ref)), ownerID, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("redis set failed: %w", err)
	}
	return ref, nil
}

func (s *RedisStore) owner(ctx context.Context, ref string) (string, error) {
	owner, err := s.client.Get(ctx, s.key(ownerKey(ref))).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrThreadNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return owner, nil
}

func (s *RedisStore) VerifyOwnership(ctx context.Context, threadRef, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	owner, err := s.owner(ctx, threadRef)
	if err != nil {
		return err
	}
	return checkOwner(owner, ownerID)
}

func (s *RedisStore) Append(ctx context.Context, threadRef string, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context error: %w", err)
	}
	if _, err := s.owner(ctx, threadRef); err != nil {
		return "", err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("threads: encode message: %w", err)
	}

	msgKey := s.key(messagesKey(threadRef))
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, msgKey, payload)
		if s.ttl > 0 {
			pipe.Expire(ctx, msgKey, s.ttl)
			pipe.Expire(ctx, s.key(ownerKey(threadRef)), s.ttl)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis append failed: %w", err)
	}
	return msg.ID, nil
}

func (s *RedisStore) Messages(ctx context.Context, threadRef string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}
	if _, err := s.owner(ctx, threadRef); err != nil {
		return nil, err
	}

	raw, err := s.client.LRange(ctx, s.key(messagesKey(threadRef)), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}

	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("threads: decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Ping checks if Redis connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
