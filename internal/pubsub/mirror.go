package pubsub

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/banshee-data/occupancy.report/internal/monitoring"
)

// CountKeyPrefix prefixes the mirror key of each bus.
const CountKeyPrefix = "count:"

// CountKey returns the mirror key for busID.
func CountKey(busID string) string { return CountKeyPrefix + busID }

// CountMirror is a fast key-value copy of bus counts.
type CountMirror interface {
	// Get returns the mirrored count; ok is false if none is stored.
	Get(ctx context.Context, busID string) (n int, ok bool, err error)
	Set(ctx context.Context, busID string, n int) error
	Delete(ctx context.Context, busID string) error
}

// MemoryMirror is an in-process CountMirror.
type MemoryMirror struct {
	mu     sync.RWMutex
	counts map[string]int
}

func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{counts: make(map[string]int)}
}

func (m *MemoryMirror) Get(_ context.Context, busID string) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.counts[busID]
	return n, ok, nil
}

func (m *MemoryMirror) Set(_ context.Context, busID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[busID] = n
	return nil
}

func (m *MemoryMirror) Delete(_ context.Context, busID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, busID)
	return nil
}

// RedisMirror stores counts as plain Redis strings under CountKey.
type RedisMirror struct {
	client *redis.Client
}

func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

func (m *RedisMirror) Get(ctx context.Context, busID string) (int, bool, error) {
	v, err := m.client.Get(ctx, CountKey(busID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (m *RedisMirror) Set(ctx context.Context, busID string, n int) error {
	return m.client.Set(ctx, CountKey(busID), n, 0).Err()
}

func (m *RedisMirror) Delete(ctx context.Context, busID string) error {
	return m.client.Del(ctx, CountKey(busID)).Err()
}

// FailoverMirror keeps the authoritative copy of every count in a local
// map and copies writes to Redis for other processes. Keys written while
// Redis is unreachable are remembered and pushed again on the first access
// after it recovers, so Redis never keeps serving a pre-outage count.
// Reads answer from the local map and only consult Redis on a local miss.
type FailoverMirror struct {
	primary CountMirror
	local   *MemoryMirror
	health  *Health

	// mu serialises writes to Redis with the replay of stale keys.
	mu    sync.Mutex
	stale map[string]struct{}
}

// NewFailoverMirror returns a FailoverMirror. primary may be nil; health
// is shared with the broker so both switch together.
func NewFailoverMirror(primary CountMirror, health *Health) *FailoverMirror {
	return &FailoverMirror{
		primary: primary,
		local:   NewMemoryMirror(),
		health:  health,
		stale:   make(map[string]struct{}),
	}
}

func (m *FailoverMirror) degrade(op string, err error) {
	logf("redis mirror %s: %v", op, err)
	m.health.MarkDown()
	monitoring.BrokerFallbacks.Add(1)
}

// syncLocked reports whether Redis is reachable and holds every local
// write. It pushes the stale keys first when Redis has come back. m.mu
// must be held.
func (m *FailoverMirror) syncLocked(ctx context.Context) bool {
	if m.primary == nil || m.health == nil || !m.health.Healthy(ctx) {
		return false
	}
	if len(m.stale) > 0 {
		logf("resyncing %d counts to redis", len(m.stale))
	}
	for id := range m.stale {
		var err error
		if n, ok, _ := m.local.Get(ctx, id); ok {
			err = m.primary.Set(ctx, id, n)
		} else {
			err = m.primary.Delete(ctx, id)
		}
		if err != nil {
			m.degrade("resync", err)
			return false
		}
		delete(m.stale, id)
	}
	return true
}

// Pending returns the number of counts not yet copied to Redis.
func (m *FailoverMirror) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stale)
}

func (m *FailoverMirror) Get(ctx context.Context, busID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up := m.syncLocked(ctx)
	if n, ok, _ := m.local.Get(ctx, busID); ok || !up {
		return n, ok, nil
	}
	n, ok, err := m.primary.Get(ctx, busID)
	if err != nil {
		m.degrade("get", err)
		return 0, false, nil
	}
	if ok {
		m.local.Set(ctx, busID, n)
	}
	return n, ok, nil
}

func (m *FailoverMirror) Set(ctx context.Context, busID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local.Set(ctx, busID, n)
	m.write(ctx, busID, "set", func() error { return m.primary.Set(ctx, busID, n) })
	return nil
}

func (m *FailoverMirror) Delete(ctx context.Context, busID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local.Delete(ctx, busID)
	m.write(ctx, busID, "delete", func() error { return m.primary.Delete(ctx, busID) })
	return nil
}

// write copies one local change to Redis, or marks busID stale when that
// is not possible. m.mu must be held.
func (m *FailoverMirror) write(ctx context.Context, busID, op string, fn func() error) {
	if m.primary == nil {
		return
	}
	if !m.syncLocked(ctx) {
		m.stale[busID] = struct{}{}
		return
	}
	if err := fn(); err != nil {
		m.degrade(op, err)
		m.stale[busID] = struct{}{}
	}
}
