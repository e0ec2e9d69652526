package pubsub

import (
	"context"
	"time"

	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

// DefaultHealthTTL is how long a Redis reachability check is trusted.
const DefaultHealthTTL = 2 * time.Second

// Failover is a Broker that routes to a primary (Redis) broker while it is
// reachable and to an in-process broker otherwise. The choice is made on
// every call. Publish always also goes to the local broker, so local
// subscribers opened during an outage keep receiving updates.
type Failover struct {
	primary Broker
	local   *MemoryBroker
	health  *Health
}

// NewFailover returns a Failover. A nil primary makes it purely local.
func NewFailover(primary Broker, local *MemoryBroker, ttl time.Duration, clock timeutil.Clock) *Failover {
	if local == nil {
		local = NewMemoryBroker(0)
	}
	f := &Failover{primary: primary, local: local}
	if primary != nil {
		if ttl <= 0 {
			ttl = DefaultHealthTTL
		}
		f.health = NewHealth(primary.Ping, ttl, clock)
	}
	return f
}

func (f *Failover) primaryUp(ctx context.Context) bool {
	return f.primary != nil && f.health.Healthy(ctx)
}

// Health exposes the primary reachability cache, nil without a primary.
func (f *Failover) Health() *Health { return f.health }

func (f *Failover) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := f.local.Publish(ctx, channel, payload); err != nil {
		return err
	}
	if f.primaryUp(ctx) {
		if err := f.primary.Publish(ctx, channel, payload); err != nil {
			logf("redis publish %s: %v", channel, err)
			f.health.MarkDown()
			monitoring.BrokerFallbacks.Add(1)
		}
	}
	return nil
}

func (f *Failover) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if f.primaryUp(ctx) {
		sub, err := f.primary.Subscribe(ctx, channel)
		if err == nil {
			return sub, nil
		}
		logf("redis subscribe %s: %v", channel, err)
		f.health.MarkDown()
		monitoring.BrokerFallbacks.Add(1)
	}
	return f.local.Subscribe(ctx, channel)
}

// Ping succeeds as long as the local broker is open.
func (f *Failover) Ping(ctx context.Context) error {
	return f.local.Ping(ctx)
}

// Mode reports which broker new subscriptions currently go to.
func (f *Failover) Mode(ctx context.Context) string {
	if f.primaryUp(ctx) {
		return "redis"
	}
	return "memory"
}

func (f *Failover) Close() error {
	err := f.local.Close()
	if f.primary != nil {
		if perr := f.primary.Close(); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}
