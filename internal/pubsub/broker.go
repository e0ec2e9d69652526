package pubsub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

// ErrClosed is returned by operations on a closed broker or subscription.
var ErrClosed = errors.New("pubsub: closed")

var logf = monitoring.Component("pubsub")

// Subscription is a live feed of messages on one channel.
type Subscription interface {
	// Receive waits up to timeout for the next message. ok is false when the
	// timeout elapsed without a message. A timeout <= 0 waits until a
	// message arrives or ctx is done.
	Receive(ctx context.Context, timeout time.Duration) (payload []byte, ok bool, err error)
	Close() error
}

// Broker publishes messages to named channels.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is active, so nothing published
	// after it returns is missed.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// pingTimeout bounds a single health check.
const pingTimeout = 500 * time.Millisecond

// Health caches the result of a reachability check for ttl so hot paths do
// not ping on every access.
type Health struct {
	ping  func(context.Context) error
	ttl   time.Duration
	clock timeutil.Clock

	mu      sync.Mutex
	checked time.Time
	ok      bool
	pinged  bool
}

// NewHealth returns a Health that calls ping at most once per ttl.
func NewHealth(ping func(context.Context) error, ttl time.Duration, clock timeutil.Clock) *Health {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Health{ping: ping, ttl: ttl, clock: clock}
}

// Healthy reports whether the last ping succeeded, pinging again when the
// cached result is older than ttl.
func (h *Health) Healthy(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	if h.pinged && now.Sub(h.checked) < h.ttl {
		return h.ok
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	ok := h.ping(pctx) == nil
	if h.pinged && ok != h.ok {
		if ok {
			logf("redis reachable again")
		} else {
			logf("redis unreachable, using in-process fallback")
		}
	}
	h.ok, h.checked, h.pinged = ok, now, true
	return ok
}

// MarkDown records a failure seen outside a ping; the next access after
// ttl pings again.
func (h *Health) MarkDown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ok || !h.pinged {
		logf("redis unreachable, using in-process fallback")
	}
	h.ok, h.checked, h.pinged = false, h.clock.Now(), true
}
