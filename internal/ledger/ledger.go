// Package ledger keeps the authoritative membership set and count of every
// bus. Mutations for one bus are serialised; different buses proceed
// concurrently. Every count change is written to the fast mirror before the
// call returns and handed to a single publisher goroutine that fans it out
// in order.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/occupancy.report/internal/db"
	"github.com/banshee-data/occupancy.report/internal/journal"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/pubsub"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

var logf = monitoring.Component("ledger")

var (
	ErrAlreadyExists = errors.New("bus already exists")
	ErrNotFound      = errors.New("bus not found")
	ErrInvalidID     = errors.New("bus id must not be empty")
	ErrInvalidDevice = errors.New("device id must not be empty")
	ErrNegativeCount = errors.New("count must not be negative")
	ErrClosed        = errors.New("ledger: closed")
)

// Membership outcome messages.
const (
	MessageAdded          = "added"
	MessageRemoved        = "removed"
	MessageAlreadyPresent = "already present"
	MessageNotPresent     = "not present"
)

// History actions recorded for non-membership changes.
const (
	actionCreated = "created"
	actionDeleted = "deleted"
)

// Store is the durable bus record store. *db.DB implements it.
type Store interface {
	GetBus(ctx context.Context, id string) (*db.Bus, error)
	CreateBus(ctx context.Context, b *db.Bus) error
	EnsureBus(ctx context.Context, id string) (*db.Bus, bool, error)
	SaveBus(ctx context.Context, b *db.Bus) error
	DeleteBus(ctx context.Context, id string) error
	ListBusCounts(ctx context.Context) (map[string]int, error)
	RecordBusEvent(ctx context.Context, busID, deviceID, action string, count int) error
}

// Journal receives every published count change. *journal.Journal
// implements it.
type Journal interface {
	Append(e journal.Entry) bool
}

// Config tunes the ledger.
type Config struct {
	// PublishQueue bounds pending count-change publications.
	PublishQueue int `mapstructure:"publish_queue"`
	// PollTimeout is how long Subscription.Next waits for an update.
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// DefaultConfig returns the defaults used by the ledger server.
func DefaultConfig() Config {
	return Config{PublishQueue: 256, PollTimeout: time.Second}
}

// Result is the outcome of a membership report.
type Result struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

type publication struct {
	busID  string
	count  int
	action string
	at     time.Time
	seq    uint64
}

// Ledger is safe for concurrent use.
type Ledger struct {
	cfg     Config
	store   Store
	broker  pubsub.Broker
	mirror  pubsub.CountMirror
	journal Journal
	clock   timeutil.Clock
	locks   *keyedMutex

	pub  chan publication
	done chan struct{}

	// seqs holds the last change number per bus. It is bumped under the
	// bus lock, so its order matches the order counts were persisted.
	seqMu sync.Mutex
	seqs  map[string]uint64

	// mu guards closed; enqueue holds it for reading so Close cannot close
	// pub under a concurrent send.
	mu     sync.RWMutex
	closed bool
}

// New returns a Ledger and starts its publisher. journal and clock may be
// nil.
func New(cfg Config, store Store, broker pubsub.Broker, mirror pubsub.CountMirror, j Journal, clock timeutil.Clock) *Ledger {
	def := DefaultConfig()
	if cfg.PublishQueue <= 0 {
		cfg.PublishQueue = def.PublishQueue
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if mirror == nil {
		mirror = pubsub.NewMemoryMirror()
	}
	l := &Ledger{
		cfg:     cfg,
		store:   store,
		broker:  broker,
		mirror:  mirror,
		journal: j,
		clock:   clock,
		locks:   newKeyedMutex(),
		pub:     make(chan publication, cfg.PublishQueue),
		done:    make(chan struct{}),
		seqs:    make(map[string]uint64),
	}
	go l.publishLoop()
	return l
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidID
	}
	return nil
}

// CreateContainer explicitly creates a bus with the given count. It fails
// with ErrAlreadyExists if the bus is already known.
func (l *Ledger) CreateContainer(ctx context.Context, id string, initial int) (int, error) {
	if err := validateID(id); err != nil {
		return 0, err
	}
	if initial < 0 {
		return 0, ErrNegativeCount
	}
	unlock := l.locks.Lock(id)
	defer unlock()

	err := l.store.CreateBus(ctx, &db.Bus{ID: id, Count: initial})
	if errors.Is(err, db.ErrBusExists) {
		return 0, ErrAlreadyExists
	}
	if err != nil {
		return 0, err
	}
	l.changed(ctx, id, "", actionCreated, initial)
	logf("created bus=%s count=%d", id, initial)
	return initial, nil
}

// UpsertContainer creates the bus with count 0 if it does not exist and is a
// no-op otherwise. created reports whether this call created it.
func (l *Ledger) UpsertContainer(ctx context.Context, id string) (created bool, err error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	unlock := l.locks.Lock(id)
	defer unlock()
	_, created, err = l.ensure(ctx, id)
	return created, err
}

// ensure loads or implicitly creates the bus. Callers hold the bus lock.
func (l *Ledger) ensure(ctx context.Context, id string) (*db.Bus, bool, error) {
	b, created, err := l.store.EnsureBus(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("ensure bus %s: %w", id, err)
	}
	if created {
		l.changed(ctx, id, "", actionCreated, b.Count)
		logf("created bus=%s implicitly", id)
	}
	return b, created, nil
}

// DeleteContainer removes the bus and publishes a count of 0 for it. It
// fails with ErrNotFound if the bus does not exist.
func (l *Ledger) DeleteContainer(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	unlock := l.locks.Lock(id)
	defer unlock()

	err := l.store.DeleteBus(ctx, id)
	if errors.Is(err, db.ErrBusNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	l.changed(ctx, id, "", actionDeleted, 0)
	logf("deleted bus=%s", id)
	return nil
}

// ReportMembership records that deviceID entered (present) or left the bus.
// Repeating a report is a no-op distinguished by its message. The bus is
// created first if unknown.
func (l *Ledger) ReportMembership(ctx context.Context, busID, deviceID string, payload json.RawMessage, present bool) (Result, error) {
	if err := validateID(busID); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(deviceID) == "" {
		return Result{}, ErrInvalidDevice
	}
	unlock := l.locks.Lock(busID)
	defer unlock()

	b, _, err := l.ensure(ctx, busID)
	if err != nil {
		return Result{}, err
	}

	idx := b.IndexOf(deviceID)
	var msg string
	switch {
	case present && idx >= 0:
		monitoring.LedgerNoops.Add(1)
		return Result{Message: MessageAlreadyPresent, Count: b.Count}, nil
	case !present && idx < 0:
		monitoring.LedgerNoops.Add(1)
		return Result{Message: MessageNotPresent, Count: b.Count}, nil
	case present:
		b.Add(deviceID, payload)
		msg = MessageAdded
	default:
		b.RemoveAt(idx)
		msg = MessageRemoved
	}

	if err := l.store.SaveBus(ctx, b); err != nil {
		return Result{}, fmt.Errorf("save bus %s: %w", busID, err)
	}
	monitoring.LedgerMutations.Add(1)
	l.changed(ctx, busID, deviceID, msg, b.Count)
	return Result{Message: msg, Count: b.Count}, nil
}

// changed runs after a persisted mutation with the bus lock held: it updates
// the mirror, appends history and queues the publication.
func (l *Ledger) changed(ctx context.Context, busID, deviceID, action string, count int) {
	if err := l.mirror.Set(ctx, busID, count); err != nil {
		logf("mirror set bus=%s: %v", busID, err)
	}
	if err := l.store.RecordBusEvent(ctx, busID, deviceID, action, count); err != nil {
		logf("history bus=%s: %v", busID, err)
	}
	l.seqMu.Lock()
	l.seqs[busID]++
	seq := l.seqs[busID]
	l.seqMu.Unlock()
	l.enqueue(ctx, publication{busID: busID, count: count, action: action, at: l.clock.Now(), seq: seq})
}

// snapshot returns the count of the bus together with the number of the
// last change it reflects. Published events numbered at or below seq are
// already part of the count.
func (l *Ledger) snapshot(ctx context.Context, id string) (count int, seq uint64, err error) {
	unlock := l.locks.Lock(id)
	defer unlock()
	l.seqMu.Lock()
	seq = l.seqs[id]
	l.seqMu.Unlock()
	count, err = l.Count(ctx, id)
	return count, seq, err
}

// enqueue hands p to the publisher. It waits for space rather than dropping,
// since a dropped count would leave subscribers stale; ctx bounds the wait.
func (l *Ledger) enqueue(ctx context.Context, p publication) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		monitoring.LedgerPublishDrops.Add(1)
		logf("closed, not publishing bus=%s count=%d", p.busID, p.count)
		return
	}
	select {
	case l.pub <- p:
	case <-ctx.Done():
		monitoring.LedgerPublishDrops.Add(1)
		logf("publish bus=%s count=%d abandoned: %v", p.busID, p.count, ctx.Err())
	}
}

func (l *Ledger) publishLoop() {
	defer close(l.done)
	for p := range l.pub {
		l.publish(p)
	}
}

func (l *Ledger) publish(p publication) {
	ev := pubsub.CountEvent{BusID: p.busID, Count: p.count, Seq: p.seq}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.broker.Publish(ctx, pubsub.ChannelName(p.busID), ev.Encode()); err != nil {
		logf("publish bus=%s: %v", p.busID, err)
	}
	if l.journal != nil {
		l.journal.Append(journal.Entry{BusID: p.busID, Count: p.count, Action: p.action, At: p.at})
	}
}

// Count returns the current count of the bus, 0 if unknown. The mirror is
// consulted first; a miss is filled from the store.
func (l *Ledger) Count(ctx context.Context, id string) (int, error) {
	n, ok, err := l.mirror.Get(ctx, id)
	if err != nil {
		logf("mirror get bus=%s: %v", id, err)
	}
	if ok {
		return n, nil
	}
	b, err := l.store.GetBus(ctx, id)
	if errors.Is(err, db.ErrBusNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := l.mirror.Set(ctx, id, b.Count); err != nil {
		logf("mirror set bus=%s: %v", id, err)
	}
	return b.Count, nil
}

// Warm copies every persisted count into the mirror and returns how many
// buses were loaded.
func (l *Ledger) Warm(ctx context.Context) (int, error) {
	counts, err := l.store.ListBusCounts(ctx)
	if err != nil {
		return 0, err
	}
	for id, n := range counts {
		if err := l.mirror.Set(ctx, id, n); err != nil {
			logf("warm bus=%s: %v", id, err)
		}
	}
	logf("warmed %d buses", len(counts))
	return len(counts), nil
}

// Close stops accepting publications and waits for queued ones to be sent.
func (l *Ledger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	close(l.pub)
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
