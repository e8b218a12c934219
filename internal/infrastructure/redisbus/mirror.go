// Package redisbus forwards execution events to redis pub/sub so processes
// other than the server can follow executions.
package redisbus

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/netly/fleet/internal/config"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/redis/go-redis/v9"
)

// Publisher is the part of a redis client the mirror needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Source yields the events to mirror. The event bus subscription
// satisfies it.
type Source interface {
	C() <-chan domain.ExecutionEvent
	Close()
}

type Mirror struct {
	client Publisher
	prefix string
	log    *logger.Logger
}

func NewMirror(client Publisher, prefix string, log *logger.Logger) *Mirror {
	if prefix == "" {
		prefix = "fleet:executions"
	}
	return &Mirror{client: client, prefix: prefix, log: log}
}

// NewClient connects to redis and checks the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Channel is the pub/sub channel carrying one execution's events.
func (m *Mirror) Channel(executionID string) string {
	return m.prefix + ":" + executionID
}

// Run publishes every event from src until ctx is done or src closes.
// Publish failures are logged and skipped.
func (m *Mirror) Run(ctx context.Context, src Source) {
	defer src.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src.C():
			if !ok {
				return
			}
			m.publish(ctx, ev)
		}
	}
}

func (m *Mirror) publish(ctx context.Context, ev domain.ExecutionEvent) {
	payload, err := sonic.Marshal(ev)
	if err != nil {
		m.log.Errorw("redis_mirror_encode_failed", "execution_id", ev.ExecutionID, "error", err)
		return
	}
	if err := m.client.Publish(ctx, m.Channel(ev.ExecutionID), payload).Err(); err != nil {
		m.log.Warnw("redis_mirror_publish_failed", "execution_id", ev.ExecutionID, "sequence", ev.Sequence, "error", err)
	}
}
