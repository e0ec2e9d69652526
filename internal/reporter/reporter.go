// Package reporter delivers presence transitions to the occupancy ledger
// over HTTP. Delivery is at-most-once: failures are logged and dropped.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/occupancy.report/internal/httputil"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/presence"
)

// ErrClosed is returned by Close when called more than once.
var ErrClosed = errors.New("reporter: closed")

var logf = monitoring.Component("reporter")

// EventPath is the ledger endpoint transitions are posted to.
const EventPath = "/devices/event"

// Config controls delivery.
type Config struct {
	BaseURL   string        `mapstructure:"base_url"`
	BusID     string        `mapstructure:"bus_id"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
}

// DefaultConfig returns the defaults used by the scanner.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://127.0.0.1:8000",
		BusID:     "aaa",
		Timeout:   5 * time.Second,
		Workers:   4,
		QueueSize: 64,
	}
}

// EventData is the per-transition payload stored with the membership.
type EventData struct {
	Distance     *float64 `json:"distance"`
	RSSI         *int     `json:"rssi"`
	SmoothedRSSI *float64 `json:"smoothed_rssi"`
	RadiusM      float64  `json:"radius_m"`
	TS           float64  `json:"ts"`
	Name         string   `json:"name"`
}

// Event is the body of POST /devices/event.
type Event struct {
	BusID    string    `json:"id_bus"`
	DeviceID string    `json:"id_device"`
	Flag     bool      `json:"flag"`
	Data     EventData `json:"data"`
}

// NewEvent builds the wire event for a transition.
func NewEvent(busID string, t presence.Transition) Event {
	return Event{
		BusID:    busID,
		DeviceID: t.EntityID,
		Flag:     t.Present,
		Data: EventData{
			Distance:     t.Distance,
			RSSI:         t.RSSI,
			SmoothedRSSI: t.Smoothed,
			RadiusM:      t.Radius,
			TS:           unixSeconds(t.Timestamp),
			Name:         t.Name,
		},
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

type job struct {
	id    string
	event Event
}

// Stats is a point-in-time view of delivery counters.
type Stats struct {
	Queued    int
	Delivered int64
	Failed    int64
	Dropped   int64
}

// Reporter is a presence.Sink that posts transitions from a fixed pool of
// workers. Report never blocks: when the queue is full the oldest pending
// event is dropped.
type Reporter struct {
	cfg    Config
	client httputil.HTTPClient
	url    string

	queue chan job
	wg    sync.WaitGroup

	// mu guards closed; Report holds it for reading so Close cannot close
	// the queue under a concurrent send.
	mu     sync.RWMutex
	closed bool
	stop   context.CancelFunc
	ctx    context.Context

	statsMu   sync.Mutex
	delivered int64
	failed    int64
	dropped   int64
}

// New creates a Reporter. Start must be called before events are delivered.
func New(cfg Config, client httputil.HTTPClient) *Reporter {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if client == nil {
		client = httputil.NewClient(cfg.Timeout, cfg.Workers)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		cfg:    cfg,
		client: client,
		url:    strings.TrimRight(cfg.BaseURL, "/") + EventPath,
		queue:  make(chan job, cfg.QueueSize),
		ctx:    ctx,
		stop:   cancel,
	}
}

// Start launches the worker pool.
func (r *Reporter) Start() {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Report enqueues a transition. It implements presence.Sink.
func (r *Reporter) Report(t presence.Transition) {
	j := job{id: uuid.NewString(), event: NewEvent(r.cfg.BusID, t)}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		logf("closed, dropping %s flag=%t", t.EntityID, t.Present)
		r.countDropped()
		return
	}
	for {
		select {
		case r.queue <- j:
			return
		default:
		}
		select {
		case old := <-r.queue:
			logf("queue full, dropping oldest event for %s", old.event.DeviceID)
			r.countDropped()
		default:
		}
	}
}

func (r *Reporter) worker() {
	defer r.wg.Done()
	for j := range r.queue {
		r.deliver(j)
	}
}

func (r *Reporter) deliver(j job) {
	if r.ctx.Err() != nil {
		r.countDropped()
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
	defer cancel()

	if err := r.post(ctx, j); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logf("API_EVENT TIMEOUT %.1fs (bus=%s device=%s)", r.cfg.Timeout.Seconds(), j.event.BusID, j.event.DeviceID)
		} else {
			logf("API_EVENT fail (bus=%s device=%s): %v", j.event.BusID, j.event.DeviceID, err)
		}
		r.statsMu.Lock()
		r.failed++
		r.statsMu.Unlock()
		monitoring.ReporterFailed.Add(1)
		return
	}

	action := "left"
	if j.event.Flag {
		action = "entered"
	}
	dist := "n/a"
	if d := j.event.Data.Distance; d != nil {
		dist = fmt.Sprintf("%.2fm", *d)
	}
	logf("%s: bus=%s device=%s dist=%s", action, j.event.BusID, j.event.DeviceID, dist)

	r.statsMu.Lock()
	r.delivered++
	r.statsMu.Unlock()
	monitoring.ReporterDelivered.Add(1)
}

func (r *Reporter) post(ctx context.Context, j job) error {
	body, err := json.Marshal(j.event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", j.id)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (r *Reporter) countDropped() {
	r.statsMu.Lock()
	r.dropped++
	r.statsMu.Unlock()
	monitoring.ReporterDropped.Add(1)
}

// Stats returns the current delivery counters.
func (r *Reporter) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return Stats{
		Queued:    len(r.queue),
		Delivered: r.delivered,
		Failed:    r.failed,
		Dropped:   r.dropped,
	}
}

// Close stops accepting events and drains the queue. If ctx expires first,
// in-flight requests are cancelled and the remaining events are discarded.
func (r *Reporter) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.stop()
		return nil
	case <-ctx.Done():
		r.stop()
		<-done
		return ctx.Err()
	}
}
