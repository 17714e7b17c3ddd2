package marketdata

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSource reads a hash of symbol -> JSON snapshot written by an
// upstream quote collector.
type RedisSource struct {
	client *redis.Client
	key    string
}

func NewRedisSource(client *redis.Client, key string) *RedisSource {
	if key == "" {
		key = "simtrade:quotes"
	}
	return &RedisSource{client: client, key: key}
}

func (r *RedisSource) Name() string { return "redis" }

func (r *RedisSource) Fetch(ctx context.Context) ([]Snapshot, error) {
	vals, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", r.key, err)
	}
	out := make([]Snapshot, 0, len(vals))
	for field, raw := range vals {
		var s Snapshot
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", field, err)
		}
		if s.Symbol == "" {
			s.Symbol = field
		}
		out = append(out, s)
	}
	return out, nil
}
