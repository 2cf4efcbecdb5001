package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/remoteman/remoteman/pkg/engine"
)

// ErrNoResult is returned by Last when no result was stored for a host.
var ErrNoResult = errors.New("no result stored")

// RedisPublisher stores the last result per host and announces every result on a channel.
type RedisPublisher struct {
	client  *backend.Client
	prefix  string
	channel string
	ttl     time.Duration
}

// RedisOption configures a RedisPublisher.
type RedisOption func(*RedisPublisher)

// WithKeyPrefix sets the key prefix. Keys are "<prefix><host>:last".
func WithKeyPrefix(prefix string) RedisOption {
	return func(p *RedisPublisher) {
		p.prefix = prefix
	}
}

// WithChannel sets the pub/sub channel.
func WithChannel(channel string) RedisOption {
	return func(p *RedisPublisher) {
		p.channel = channel
	}
}

// WithTTL expires stored results. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(p *RedisPublisher) {
		p.ttl = ttl
	}
}

// NewRedisPublisher connects to the redis server at address.
func NewRedisPublisher(address, password string, db int, opts ...RedisOption) *RedisPublisher {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisPublisherFromClient(rdb, opts...)
}

// NewRedisPublisherFromClient creates a publisher from an existing client.
func NewRedisPublisherFromClient(client *backend.Client, opts ...RedisOption) *RedisPublisher {
	p := &RedisPublisher{
		client:  client,
		prefix:  "remoteman:",
		channel: "remoteman:results",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RedisPublisher) key(host string) string {
	return p.prefix + host + ":last"
}

// Consume stores result as the host's last result and publishes it.
func (p *RedisPublisher) Consume(ctx context.Context, result *engine.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	pipe := p.client.Pipeline()
	pipe.Set(ctx, p.key(result.Host.Hostname), data, p.ttl)
	pipe.Publish(ctx, p.channel, data)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish result to redis: %w", err)
	}
	return nil
}

// Last returns the stored result for host.
func (p *RedisPublisher) Last(ctx context.Context, host string) (*engine.Result, error) {
	val, err := p.client.Get(ctx, p.key(host)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, ErrNoResult
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var result engine.Result
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &result, nil
}

// Close closes the redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
