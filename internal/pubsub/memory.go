package pubsub

import (
	"context"
	"sync"
	"time"
)

// DefaultMemoryBuffer is the per-subscriber queue depth of MemoryBroker.
const DefaultMemoryBuffer = 64

// MemoryBroker is a single-process Broker. Each subscriber has a bounded
// queue; when it is full the oldest message is discarded so a slow reader
// never blocks Publish.
type MemoryBroker struct {
	buffer int

	mu     sync.Mutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

// NewMemoryBroker creates a broker with the given per-subscriber buffer.
func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = DefaultMemoryBuffer
	}
	return &MemoryBroker{buffer: buffer, subs: make(map[string]map[*memorySub]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs[channel] {
		s.push(payload)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memorySub{
		broker:  b,
		channel: channel,
		ch:      make(chan []byte, b.buffer),
		done:    make(chan struct{}),
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySub]struct{})
	}
	b.subs[channel][s] = struct{}{}
	return s, nil
}

// Ping always succeeds.
func (b *MemoryBroker) Ping(context.Context) error { return nil }

// Subscribers returns the number of live subscriptions on channel.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			s.shutdown()
		}
	}
	b.subs = nil
	return nil
}

func (b *MemoryBroker) remove(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set := b.subs[s.channel]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.channel)
		}
	}
}

type memorySub struct {
	broker  *MemoryBroker
	channel string
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
}

// push is only called with the broker lock held, so it is the sole sender.
func (s *memorySub) push(p []byte) {
	select {
	case s.ch <- p:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- p:
	default:
	}
}

func (s *memorySub) Receive(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	// deliver anything already queued before reporting closure
	select {
	case p := <-s.ch:
		return p, true, nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case p := <-s.ch:
		return p, true, nil
	case <-s.done:
		return nil, false, ErrClosed
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-expired:
		return nil, false, nil
	}
}

func (s *memorySub) shutdown() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySub) Close() error {
	s.broker.remove(s)
	s.shutdown()
	return nil
}
