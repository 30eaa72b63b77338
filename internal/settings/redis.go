package settings

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"goyais/toolhost/internal/agentcore/safety"
)

const defaultRedisKey = "toolhost:trust"

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Key names the hash holding one field per tool.
	Key string
}

// RedisStore keeps decisions in a redis hash so several machines can share
// them.
type RedisStore struct {
	client *redis.Client
	key    string
}

func OpenRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	key := opts.Key
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{client: client, key: key}, nil
}

func (s *RedisStore) Load(ctx context.Context) ([]safety.TrustDecision, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read trust decisions: %w", err)
	}
	out := make([]safety.TrustDecision, 0, len(fields))
	for tool, raw := range fields {
		var decision safety.TrustDecision
		if err := json.Unmarshal([]byte(raw), &decision); err != nil {
			return nil, fmt.Errorf("decode trust decision %s: %w", tool, err)
		}
		decision.Tool = tool
		out = append(out, decision)
	}
	return sortDecisions(out), nil
}

func (s *RedisStore) Save(ctx context.Context, decision safety.TrustDecision) error {
	raw, err := json.Marshal(decision)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key, decision.Tool, raw).Err(); err != nil {
		return fmt.Errorf("save trust decision: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, tool string) error {
	removed, err := s.client.HDel(ctx, s.key, tool).Result()
	if err != nil {
		return fmt.Errorf("delete trust decision: %w", err)
	}
	if removed == 0 {
		return noDecision(tool)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
