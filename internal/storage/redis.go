package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore persists SDK state in Redis. Keys are namespaced per project so
// several SDK instances can share one database.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// RedisConfig mirrors the connection settings the store needs.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Namespace separates SDK instances; usually the project id.
	Namespace string
}

func NewRedisStore(cfg RedisConfig, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{
		client: client,
		prefix: fmt.Sprintf("notifly:%s:", cfg.Namespace),
		logger: logger,
	}
}

func (r *RedisStore) key(k Key) string { return r.prefix + string(k) }

func (r *RedisStore) EnsureInitialized(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	r.logger.Debug("connected to Redis", zap.String("prefix", r.prefix))
	return nil
}

func (r *RedisStore) GetItem(ctx context.Context, key Key) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *RedisStore) GetItems(ctx context.Context, keys []Key) (map[Key]string, error) {
	if len(keys) == 0 {
		return map[Key]string{}, nil
	}
	raw := make([]string, len(keys))
	for i, k := range keys {
		raw[i] = r.key(k)
	}
	vals, err := r.client.MGet(ctx, raw...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[Key]string, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (r *RedisStore) SetItem(ctx context.Context, key Key, value string) error {
	return r.client.Set(ctx, r.key(key), value, 0).Err()
}

func (r *RedisStore) SetItems(ctx context.Context, items map[Key]string) error {
	if len(items) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for k, v := range items {
		pipe.Set(ctx, r.key(k), v, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) RemoveItem(ctx context.Context, key Key) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *RedisStore) RemoveItems(ctx context.Context, keys []Key) error {
	if len(keys) == 0 {
		return nil
	}
	raw := make([]string, len(keys))
	for i, k := range keys {
		raw[i] = r.key(k)
	}
	return r.client.Del(ctx, raw...).Err()
}

func (r *RedisStore) Close() error { return r.client.Close() }
