package demand

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fleet/internal/orchestrator"

	"github.com/redis/go-redis/v9"
)

var _ Store = (*RedisStore)(nil)

const (
	labelsKey      = "fleet:demand:labels"
	unlabeledToken = "*"
)

func snapshotKey(label string) string {
	return "fleet:demand:" + encodeLabel(label)
}

func encodeLabel(label string) string {
	if label == "" {
		return unlabeledToken
	}
	return label
}

func decodeLabel(token string) string {
	if token == unlabeledToken {
		return ""
	}
	return token
}

// RedisStore keeps the latest snapshot per label so every replica ticks on the same numbers.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, snap orchestrator.DemandSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, snapshotKey(snap.Label), data, snapshotTTL)
	pipe.SAdd(ctx, labelsKey, encodeLabel(snap.Label))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, label string) (orchestrator.DemandSnapshot, bool, error) {
	val, err := s.client.Get(ctx, snapshotKey(label)).Result()
	if errors.Is(err, redis.Nil) {
		return orchestrator.DemandSnapshot{}, false, nil
	}
	if err != nil {
		return orchestrator.DemandSnapshot{}, false, err
	}

	var snap orchestrator.DemandSnapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return orchestrator.DemandSnapshot{}, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, true, nil
}

func (s *RedisStore) Labels(ctx context.Context) ([]string, error) {
	tokens, err := s.client.SMembers(ctx, labelsKey).Result()
	if err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(tokens))
	for _, t := range tokens {
		labels = append(labels, decodeLabel(t))
	}
	return labels, nil
}

func (s *RedisStore) Forget(ctx context.Context, label string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, snapshotKey(label))
	pipe.SRem(ctx, labelsKey, encodeLabel(label))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Consume(ctx context.Context, snap orchestrator.DemandSnapshot) (bool, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := snapshotKey(snap.Label)
	consumed := false
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(cur, data) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, labelsKey, encodeLabel(snap.Label))
			return nil
		})
		consumed = err == nil
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// 快照在检查期间被更新
		return false, nil
	}
	return consumed, err
}
