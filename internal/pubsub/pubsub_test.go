package pubsub

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func receive(t *testing.T, sub Subscription) []byte {
	t.Helper()
	p, ok, err := sub.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok, "expected a message before the timeout")
	return p
}

func TestCountEvent(t *testing.T) {
	ev := CountEvent{BusID: "B1", Count: 3}
	assert.JSONEq(t, `{"id_bus":"B1","count":3}`, string(ev.Encode()))

	got, err := DecodeCountEvent(ev.Encode())
	require.NoError(t, err)
	assert.Equal(t, ev, got)

	numbered := CountEvent{BusID: "B1", Count: 4, Seq: 7}
	assert.JSONEq(t, `{"id_bus":"B1","count":4,"seq":7}`, string(numbered.Encode()))
	got, err = DecodeCountEvent(numbered.Encode())
	require.NoError(t, err)
	assert.Equal(t, numbered, got)

	for _, bad := range []string{`nope`, `{"count":1}`, `{"id_bus":"B1"}`, `{"id_bus":"B1","count":-1}`, `{"id_bus":"B1","count":"x"}`} {
		_, err := DecodeCountEvent([]byte(bad))
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "bus_count:B1", ChannelName("B1"))
	assert.Equal(t, "count:B1", CountKey("B1"))
}

func TestMemoryBroker_PublishOrder(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(8)
	s1, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "other")
	require.NoError(t, err)

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, b.Publish(ctx, "c", []byte(m)))
	}
	for _, s := range []Subscription{s1, s2} {
		assert.Equal(t, "1", string(receive(t, s)))
		assert.Equal(t, "2", string(receive(t, s)))
		assert.Equal(t, "3", string(receive(t, s)))
	}

	_, ok, err := other.Receive(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "other channel must not see messages")
}

func TestMemoryBroker_SlowSubscriberDropsOldest(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(2)
	slow, _ := b.Subscribe(ctx, "c")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(ctx, "c", []byte{byte(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	assert.Equal(t, []byte{98}, receive(t, slow))
	assert.Equal(t, []byte{99}, receive(t, slow))
}

func TestMemoryBroker_Close(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(0)
	s, _ := b.Subscribe(ctx, "c")
	assert.Equal(t, 1, b.Subscribers("c"))

	require.NoError(t, s.Close())
	assert.Equal(t, 0, b.Subscribers("c"))
	_, _, err := s.Receive(ctx, time.Second)
	assert.ErrorIs(t, err, ErrClosed)

	s2, _ := b.Subscribe(ctx, "c")
	require.NoError(t, b.Close())
	_, _, err = s2.Receive(ctx, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(ctx, "c", nil), ErrClosed)
	_, err = b.Subscribe(ctx, "c")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBroker_ReceiveHonoursContext(t *testing.T) {
	b := NewMemoryBroker(0)
	s, _ := b.Subscribe(context.Background(), "c")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := s.Receive(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisBroker(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredis(t)
	b := NewRedisBroker(client)
	require.NoError(t, b.Ping(ctx))

	sub, err := b.Subscribe(ctx, ChannelName("B1"))
	require.NoError(t, err)
	defer sub.Close()

	_, ok, err := sub.Receive(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Publish(ctx, ChannelName("B1"), CountEvent{BusID: "B1", Count: 2}.Encode()))
	ev, err := DecodeCountEvent(receive(t, sub))
	require.NoError(t, err)
	assert.Equal(t, CountEvent{BusID: "B1", Count: 2}, ev)
}

func TestHealth_CachesPing(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	var calls atomic.Int32
	var fail atomic.Bool
	h := NewHealth(func(context.Context) error {
		calls.Add(1)
		if fail.Load() {
			return errors.New("down")
		}
		return nil
	}, time.Second, clock)

	ctx := context.Background()
	assert.True(t, h.Healthy(ctx))
	assert.True(t, h.Healthy(ctx))
	assert.Equal(t, int32(1), calls.Load())

	fail.Store(true)
	clock.Advance(time.Second)
	assert.False(t, h.Healthy(ctx))
	assert.Equal(t, int32(2), calls.Load())

	fail.Store(false)
	h.MarkDown()
	assert.False(t, h.Healthy(ctx), "MarkDown result is cached for ttl")
	clock.Advance(time.Second)
	assert.True(t, h.Healthy(ctx))
}

func TestFailover_SwitchesToLocal(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	local := NewMemoryBroker(0)
	f := NewFailover(NewRedisBroker(client), local, time.Second, clock)

	assert.Equal(t, "redis", f.Mode(ctx))
	rsub, err := f.Subscribe(ctx, "c")
	require.NoError(t, err)
	defer rsub.Close()
	assert.Equal(t, 0, local.Subscribers("c"), "healthy primary serves subscriptions")

	require.NoError(t, f.Publish(ctx, "c", []byte("via-redis")))
	assert.Equal(t, "via-redis", string(receive(t, rsub)))

	mr.Close()
	clock.Advance(time.Second)
	assert.Equal(t, "memory", f.Mode(ctx))

	lsub, err := f.Subscribe(ctx, "c")
	require.NoError(t, err)
	defer lsub.Close()
	assert.Equal(t, 1, local.Subscribers("c"))

	require.NoError(t, f.Publish(ctx, "c", []byte("via-memory")))
	assert.Equal(t, "via-memory", string(receive(t, lsub)))
}

func TestFailover_NoPrimary(t *testing.T) {
	ctx := context.Background()
	f := NewFailover(nil, nil, 0, nil)
	assert.Equal(t, "memory", f.Mode(ctx))
	assert.Nil(t, f.Health())
	sub, err := f.Subscribe(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, f.Publish(ctx, "c", []byte("x")))
	assert.Equal(t, "x", string(receive(t, sub)))
	require.NoError(t, f.Close())
}

func TestMirrors(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredis(t)

	for name, m := range map[string]CountMirror{
		"memory": NewMemoryMirror(),
		"redis":  NewRedisMirror(client),
	} {
		t.Run(name, func(t *testing.T) {
			_, ok, err := m.Get(ctx, "B1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, m.Set(ctx, "B1", 4))
			n, ok, err := m.Get(ctx, "B1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 4, n)

			require.NoError(t, m.Delete(ctx, "B1"))
			_, ok, _ = m.Get(ctx, "B1")
			assert.False(t, ok)
		})
	}
}

func TestFailoverMirror(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	health := NewHealth(NewRedisBroker(client).Ping, time.Second, clock)
	m := NewFailoverMirror(NewRedisMirror(client), health)

	require.NoError(t, m.Set(ctx, "B1", 2))
	got, err := mr.Get(CountKey("B1"))
	require.NoError(t, err)
	assert.Equal(t, "2", got)

	mr.Close()
	clock.Advance(time.Second)

	// Redis is gone; the local copy still answers and accepts writes
	n, ok, err := m.Get(ctx, "B1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, n)

	require.NoError(t, m.Set(ctx, "B1", 3))
	n, _, _ = m.Get(ctx, "B1")
	assert.Equal(t, 3, n)

	require.NoError(t, m.Delete(ctx, "B1"))
	_, ok, _ = m.Get(ctx, "B1")
	assert.False(t, ok)
}

func TestFailoverMirror_ResyncsAfterOutage(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	health := NewHealth(NewRedisBroker(client).Ping, time.Second, clock)
	m := NewFailoverMirror(NewRedisMirror(client), health)

	require.NoError(t, m.Set(ctx, "B1", 3))
	require.NoError(t, m.Set(ctx, "B2", 5))

	mr.SetError("ERR server down")
	clock.Advance(time.Second)
	require.NoError(t, m.Set(ctx, "B1", 1))
	require.NoError(t, m.Delete(ctx, "B2"))
	assert.Equal(t, 2, m.Pending())

	mr.SetError("")
	clock.Advance(time.Second)

	n, ok, err := m.Get(ctx, "B1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, m.Pending())

	got, err := mr.Get(CountKey("B1"))
	require.NoError(t, err)
	assert.Equal(t, "1", got, "redis carries the count written during the outage")
	assert.False(t, mr.Exists(CountKey("B2")), "delete during the outage reaches redis")
}

func TestFailoverMirror_MissReadsRedis(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	require.NoError(t, mr.Set(CountKey("B9"), "6"))

	health := NewHealth(NewRedisBroker(client).Ping, time.Second, nil)
	m := NewFailoverMirror(NewRedisMirror(client), health)

	n, ok, err := m.Get(ctx, "B9")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 6, n)

	_, ok, err = m.Get(ctx, "B0")
	require.NoError(t, err)
	assert.False(t, ok)
}
