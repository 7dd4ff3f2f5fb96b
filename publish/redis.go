package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"depthbook/orderbook"
)

// redisClient is the part of *redis.Client the sink needs
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisSink publishes each quote on a channel and keeps the latest one under
// a key so late subscribers can read the current book
type RedisSink struct {
	client  redisClient
	channel string
	key     string
}

// RedisConfig configures a RedisSink
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Key      string
}

// NewRedisSink connects lazily to cfg.Addr
func NewRedisSink(cfg RedisConfig) *RedisSink {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return newRedisSink(rdb, cfg.Channel, cfg.Key)
}

func newRedisSink(c redisClient, channel, key string) *RedisSink {
	return &RedisSink{client: c, channel: channel, key: key}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, top *orderbook.TopOfBook, payload []byte) error {
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", s.channel, err)
	}
	if s.key == "" {
		return nil
	}
	if err := s.client.Set(ctx, s.key+":"+top.Symbol, payload, 0).Err(); err != nil {
		return fmt.Errorf("storing %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
