package pubsub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses a redis:// URL and returns a client. It does not
// connect; use Ping to check reachability.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = time.Second
	opts.MaxRetries = 1
	return redis.NewClient(opts), nil
}

// RedisBroker is a Broker over Redis PUBLISH/SUBSCRIBE.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps client. Close closes the client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	// wait for the subscribe confirmation so the subscription is live
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &redisSub{ps: ps}, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSub struct {
	ps *redis.PubSub
}

func (s *redisSub) Receive(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	for {
		var (
			msg interface{}
			err error
		)
		if timeout > 0 {
			msg, err = s.ps.ReceiveTimeout(ctx, timeout)
		} else {
			msg, err = s.ps.Receive(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, false, nil
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, false, ErrClosed
			}
			return nil, false, err
		}
		switch m := msg.(type) {
		case *redis.Message:
			return []byte(m.Payload), true, nil
		case *redis.Pong, *redis.Subscription:
			// control traffic; with a timeout, report it as an empty poll
			if timeout > 0 {
				return nil, false, nil
			}
		default:
			return nil, false, fmt.Errorf("unexpected redis pubsub message %T", msg)
		}
	}
}

func (s *redisSub) Close() error {
	return s.ps.Close()
}
