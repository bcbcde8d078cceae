package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kiliankoe/pokerdash/internal/poker"
)

const redisPrefix = "pokerdash:session:"

// RedisBackend keeps one JSON value per session. Keys carry the session's
// remaining idle time as TTL, so Redis drops abandoned sessions on its own.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBackendWithClient(client), nil
}

func NewRedisBackendWithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: redisPrefix}
}

func (b *RedisBackend) key(id string) string { return b.prefix + id }

func (b *RedisBackend) Save(ctx context.Context, s *poker.Session) error {
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return b.Delete(ctx, s.ID)
	}
	data, err := encode(s)
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, b.key(s.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	if err := b.client.Del(ctx, b.key(id)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (b *RedisBackend) Load(ctx context.Context) ([]*poker.Session, error) {
	var sessions []*poker.Session
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := b.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", iter.Val(), err)
		}
		s, err := decode(raw)
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", iter.Val(), err)
		}
		sessions = append(sessions, s)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return sessions, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
