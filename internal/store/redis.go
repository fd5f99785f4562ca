package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deckhand-ai/deckhand/config"
)

const (
	redisTablePrefix   = "deckhand:t:"
	redisCounterPrefix = "deckhand:c:"
)

// RedisKV keeps each table in a hash and each counter in a plain key so INCR
// stays a single atomic command.
type RedisKV struct {
	client *redis.Client
}

func NewRedisKV(cfg config.RedisConfig) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisKV{client: client}, nil
}

// Client exposes the underlying connection for components that need raw redis
// commands, such as the retention scheduler's SetNX lock.
func (r *RedisKV) Client() *redis.Client { return r.client }

func (r *RedisKV) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	v, err := r.client.HGet(ctx, redisTablePrefix+table, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *RedisKV) Put(ctx context.Context, table, key string, value []byte) error {
	return r.client.HSet(ctx, redisTablePrefix+table, key, value).Err()
}

func (r *RedisKV) Delete(ctx context.Context, table, key string) error {
	return r.client.HDel(ctx, redisTablePrefix+table, key).Err()
}

func (r *RedisKV) All(ctx context.Context, table string) (map[string][]byte, error) {
	vals, err := r.client.HGetAll(ctx, redisTablePrefix+table).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(vals))
	for k, v := range vals {
		out[k] = []byte(v)
	}
	return out, nil
}

func (r *RedisKV) Incr(ctx context.Context, table, key string) (int64, error) {
	return r.client.Incr(ctx, redisCounterPrefix+table+":"+key).Result()
}

func (r *RedisKV) DropTable(ctx context.Context, table string) error {
	if err := r.client.Del(ctx, redisTablePrefix+table).Err(); err != nil {
		return err
	}
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, redisCounterPrefix+table+":*", 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *RedisKV) Close() error { return r.client.Close() }
