// Package presence turns a noisy stream of proximity observations into
// debounced enter and exit transitions.
package presence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/rssi"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

var logf = monitoring.Component("tracker")

// Config holds the tracker tunables.
type Config struct {
	Radius     float64 // metres
	TTL        time.Duration
	Grace      time.Duration
	NameFilter string // case-insensitive substring; empty accepts all

	Smoothing rssi.SmoothingParams
	Distance  rssi.DistanceParams

	TickInterval  time.Duration
	WatchInterval time.Duration // 0 disables the TTL watch log

	// ExitOnEvict emits a synthetic exit when an entity reported present is
	// evicted. Without it the entity disappears silently and stays counted.
	ExitOnEvict bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Radius:        1.0,
		TTL:           8 * time.Second,
		Grace:         500 * time.Millisecond,
		NameFilter:    "iphone",
		Smoothing:     rssi.DefaultSmoothing(),
		Distance:      rssi.DefaultDistance(),
		TickInterval:  time.Second,
		WatchInterval: 3 * time.Second,
		ExitOnEvict:   true,
	}
}

// Transition is a confirmed change of an entity's presence.
type Transition struct {
	EntityID  string
	Name      string
	Present   bool
	Distance  *float64
	RSSI      *int
	Smoothed  *float64
	Radius    float64
	Timestamp time.Time // last observation
	Evicted   bool      // synthetic exit produced by eviction
}

// Sink receives transitions. Report must not block.
type Sink interface {
	Report(Transition)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Transition)

// Report calls f(t).
func (f SinkFunc) Report(t Transition) { f(t) }

// Tracker owns all per-entity state. Observe may be called from any
// goroutine; Tick passes never overlap.
type Tracker struct {
	cfg   Config
	clock timeutil.Clock
	sink  Sink

	mu       sync.Mutex
	entities map[string]*Entity
	// reported outlives eviction so a returning entity is not announced twice.
	reported map[string]bool

	tickMu sync.Mutex
}

// NewTracker creates a tracker. A nil clock uses the wall clock and a nil
// sink discards transitions.
func NewTracker(cfg Config, clock timeutil.Clock, sink Sink) *Tracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if sink == nil {
		sink = SinkFunc(func(Transition) {})
	}
	cfg.NameFilter = strings.ToLower(cfg.NameFilter)
	cfg.Smoothing.Alpha = rssi.ClampAlpha(cfg.Smoothing.Alpha)
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Tracker{
		cfg:      cfg,
		clock:    clock,
		sink:     sink,
		entities: make(map[string]*Entity),
		reported: make(map[string]bool),
	}
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config { return t.cfg }

func (t *Tracker) matches(name string) bool {
	if t.cfg.NameFilter == "" {
		return true
	}
	return name != "" && strings.Contains(strings.ToLower(name), t.cfg.NameFilter)
}

// Observe folds one observation into the entity state. It reports whether
// the observation passed the name filter.
func (t *Tracker) Observe(obs Observation) bool {
	if obs.Identifier == "" || !t.matches(obs.Name) {
		monitoring.ObservationsIgnored.Add(1)
		return false
	}
	// TTLs run on the local receive time; the bridge timestamp may come
	// from a replayed capture or a skewed radio clock.
	seen := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entities[obs.Identifier]
	if !ok {
		e = &Entity{ID: obs.Identifier}
		if flag, known := t.reported[obs.Identifier]; known {
			e.Reported = &flag
		}
		t.entities[obs.Identifier] = e
		monitoring.ActiveEntities.Set(int64(len(t.entities)))
	}
	if obs.Name != "" {
		e.Name = obs.Name
	}
	e.LastSeen = seen

	var within bool
	if obs.RSSI != nil {
		raw := *obs.RSSI
		e.LastRSSI = &raw
		s := rssi.Smooth(raw, e.Smoothed, t.cfg.Smoothing)
		e.Smoothed = &s
		signal := int(s)
		e.Distance = rssi.EstimateDistance(&signal, obs.ReferencePower, t.cfg.Distance)
		within = e.Distance != nil && *e.Distance <= t.cfg.Radius
	} else {
		e.Distance = nil
	}
	e.Previous = e.Latest
	e.Latest = within

	monitoring.ObservationsAccepted.Add(1)
	return true
}

func (t *Tracker) expired(e *Entity, now time.Time) bool {
	return now.Sub(e.LastSeen) > t.cfg.TTL+t.cfg.Grace
}

func transitionOf(e *Entity, present bool, radius float64) Transition {
	c := e.clone()
	return Transition{
		EntityID:  c.ID,
		Name:      c.Name,
		Present:   present,
		Distance:  c.Distance,
		RSSI:      c.LastRSSI,
		Smoothed:  c.Smoothed,
		Radius:    radius,
		Timestamp: c.LastSeen,
	}
}

// Tick evicts stale entities, evaluates presence for the rest and hands
// every transition to the sink. The transitions are also returned, ordered
// by entity ID.
func (t *Tracker) Tick(now time.Time) []Transition {
	t.tickMu.Lock()
	defer t.tickMu.Unlock()

	var out []Transition
	t.mu.Lock()
	for id, e := range t.entities {
		if t.expired(e, now) {
			if t.cfg.ExitOnEvict && e.Reported != nil && *e.Reported {
				tr := transitionOf(e, false, t.cfg.Radius)
				tr.Evicted = true
				out = append(out, tr)
				t.reported[id] = false
			}
			logf("TTL_PRUNE id=%s name=%s secs_since=%d", id, e.Name, int(now.Sub(e.LastSeen).Seconds()))
			delete(t.entities, id)
			monitoring.EntitiesEvicted.Add(1)
			continue
		}

		present := e.Present()
		switch {
		case e.Reported == nil:
			if present {
				out = append(out, transitionOf(e, true, t.cfg.Radius))
			}
		case *e.Reported != present:
			out = append(out, transitionOf(e, present, t.cfg.Radius))
		default:
			continue
		}
		flag := present
		e.Reported = &flag
		t.reported[id] = present
	}
	monitoring.ActiveEntities.Set(int64(len(t.entities)))
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	for _, tr := range out {
		monitoring.TransitionsEmitted.Add(1)
		t.sink.Report(tr)
	}
	return out
}

// Snapshot returns copies of the active entities, most recently seen first.
func (t *Tracker) Snapshot() []Entity {
	t.mu.Lock()
	out := make([]Entity, 0, len(t.entities))
	for _, e := range t.entities {
		out = append(out, e.clone())
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Len returns the number of active entities.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entities)
}

// PresentCount returns how many active entities are currently present.
func (t *Tracker) PresentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entities {
		if e.Present() {
			n++
		}
	}
	return n
}

// LogWatch logs how long each active entity has left before eviction.
func (t *Tracker) LogWatch(now time.Time) {
	snap := t.Snapshot()
	if len(snap) == 0 {
		logf("TTL_WATCH none")
		return
	}
	window := t.cfg.TTL + t.cfg.Grace
	for _, e := range snap {
		since := now.Sub(e.LastSeen)
		if since < 0 {
			since = 0
		}
		left := window - since
		if left < 0 {
			left = 0
		}
		logf("TTL_WATCH id=%s name=%s secs_since=%d secs_left=%d present=%t",
			e.ID, e.Name, int(since.Seconds()), int(left.Seconds()), e.Present())
	}
}

// Run drives Tick (and LogWatch when enabled) until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	tick := t.clock.NewTicker(t.cfg.TickInterval)
	defer tick.Stop()

	var watch <-chan time.Time
	if t.cfg.WatchInterval > 0 {
		w := t.clock.NewTicker(t.cfg.WatchInterval)
		defer w.Stop()
		watch = w.C()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-tick.C():
			t.Tick(now)
		case now := <-watch:
			t.LogWatch(now)
		}
	}
}
