package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/storyguard/internal/storage"
	"github.com/redis/go-redis/v9"
)

type kvStore struct {
	client *redis.Client
}

func physicalKey(key storage.Key) string {
	return keyPrefix + key.String()
}

// Get returns the value stored under key
func (s *kvStore) Get(ctx context.Context, key storage.Key) (string, error) {
	value, err := s.client.Get(ctx, physicalKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key without expiry
func (s *kvStore) Set(ctx context.Context, key storage.Key, value string) error {
	if err := s.client.Set(ctx, physicalKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// SetAll writes all entries inside a MULTI/EXEC transaction
func (s *kvStore) SetAll(ctx context.Context, entries ...storage.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			pipe.Set(ctx, physicalKey(e.Key), e.Value, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set batch: %w", err)
	}
	return nil
}

// Delete removes keys; missing keys are ignored
func (s *kvStore) Delete(ctx context.Context, keys ...storage.Key) error {
	if len(keys) == 0 {
		return nil
	}

	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = physicalKey(k)
	}

	if err := s.client.Del(ctx, names...).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}
