// Package journal appends every bus count change to a Kafka topic so that
// downstream consumers can rebuild occupancy history. The journal is
// best-effort: a full queue or a failed write is logged and dropped.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/banshee-data/occupancy.report/internal/monitoring"
)

var logf = monitoring.Component("journal")

// DefaultQueueSize bounds the number of entries waiting to be written.
const DefaultQueueSize = 256

var (
	errNilWriter  = errors.New("journal requires a writer")
	errNoBrokers  = errors.New("journal: at least one broker is required")
	errNoTopic    = errors.New("journal: topic must not be empty")
	errNotStarted = errors.New("journal: not started")
)

// Config selects the Kafka cluster and topic.
type Config struct {
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	QueueSize int      `mapstructure:"queue_size"`
}

// Enabled reports whether a journal should be created at all.
func (c Config) Enabled() bool { return len(c.Brokers) > 0 }

// Entry is one journalled count change.
type Entry struct {
	BusID  string    `json:"id_bus"`
	Count  int       `json:"count"`
	Action string    `json:"action"`
	At     time.Time `json:"at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Journal queues entries and writes them from a single goroutine. Entries for
// the same bus share a key so they land on one partition in order.
type Journal struct {
	topic  string
	writer messageWriter
	queue  chan Entry

	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// New returns a Journal writing to cfg.Topic on cfg.Brokers.
func New(cfg Config) (*Journal, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errNoBrokers
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errNoTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return newJournalWithWriter(cfg, w)
}

// newJournalWithWriter wires the provided writer into the journal. It is used in tests.
func newJournalWithWriter(cfg Config, w messageWriter) (*Journal, error) {
	if w == nil {
		return nil, errNilWriter
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Journal{
		topic:  cfg.Topic,
		writer: w,
		queue:  make(chan Entry, size),
	}, nil
}

// Start launches the write loop. It is safe to call more than once.
func (j *Journal) Start(ctx context.Context) error {
	j.startOnce.Do(func() {
		j.runCtx, j.cancel = context.WithCancel(ctx)
		j.started.Store(true)
		j.wg.Add(1)
		go j.run()
		logf("started topic=%s", j.topic)
	})
	if !j.started.Load() {
		return errNotStarted
	}
	return nil
}

// Append queues e without blocking. It returns false if the entry was
// dropped because the journal is not running or its queue is full.
func (j *Journal) Append(e Entry) bool {
	if !j.started.Load() {
		j.dropped.Add(1)
		return false
	}
	select {
	case j.queue <- e:
		return true
	default:
		j.dropped.Add(1)
		logf("queue full, dropped bus=%s count=%d", e.BusID, e.Count)
		return false
	}
}

// Stop ends the write loop after draining queued entries, then closes the
// writer. ctx bounds the wait for the drain.
func (j *Journal) Stop(ctx context.Context) error {
	var stopErr error
	j.stopOnce.Do(func() {
		j.started.Store(false)
		if j.cancel != nil {
			j.cancel()
		}
		done := make(chan struct{})
		go func() {
			j.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		if err := j.writer.Close(); err != nil {
			logf("close writer: %v", err)
		}
		logf("stopped written=%d failed=%d dropped=%d", j.written.Load(), j.failed.Load(), j.dropped.Load())
	})
	return stopErr
}

// Stats returns write, failure and drop totals.
func (j *Journal) Stats() (written, failed, dropped int64) {
	return j.written.Load(), j.failed.Load(), j.dropped.Load()
}

func (j *Journal) run() {
	defer j.wg.Done()
	for {
		select {
		case <-j.runCtx.Done():
			j.drain()
			return
		case e := <-j.queue:
			j.write(j.runCtx, e)
		}
	}
}

// drain flushes what is left after cancellation with a short independent
// deadline, since runCtx is already done.
func (j *Journal) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case e := <-j.queue:
			j.write(ctx, e)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, e Entry) {
	value, err := json.Marshal(e)
	if err != nil {
		j.failed.Add(1)
		logf("encode bus=%s: %v", e.BusID, err)
		return
	}
	msg := kafka.Message{Key: []byte(e.BusID), Value: value, Time: e.At}
	if err := j.writer.WriteMessages(ctx, msg); err != nil {
		j.failed.Add(1)
		logf("write bus=%s count=%d: %v", e.BusID, e.Count, err)
		return
	}
	j.written.Add(1)
}
