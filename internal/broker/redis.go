package broker

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis mirrors events over Redis PUBLISH / PSUBSCRIBE.
type Redis struct {
	client *redis.Client
	prefix string
}

func DialRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Infof("redis: connected to %s", opt.Addr)
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Publish(ctx context.Context, topic string, data []byte) error {
	return r.client.Publish(ctx, topic, data).Err()
}

func (r *Redis) Subscribe(ctx context.Context, h Handler) (func(), error) {
	ps := r.client.PSubscribe(ctx, r.prefix+".*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis psubscribe: %w", err)
	}

	go func() {
		for msg := range ps.Channel() {
			h(msg.Channel, []byte(msg.Payload))
		}
	}()
	return func() { _ = ps.Close() }, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
