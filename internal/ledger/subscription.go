package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/pubsub"
)

// Subscription delivers the count of one bus: first a snapshot, then every
// published change in order. It is not safe for concurrent use.
type Subscription struct {
	ledger *Ledger
	busID  string

	sub      pubsub.Subscription
	snapshot bool
	// seen is the change number the last snapshot reflects.
	seen uint64
	once sync.Once
}

// Subscribe opens a subscription for busID. The broker subscription is made
// before the snapshot is read so no change between the two is lost; changes
// the snapshot already covers are skipped when they arrive.
func (l *Ledger) Subscribe(ctx context.Context, busID string) (*Subscription, error) {
	if err := validateID(busID); err != nil {
		return nil, err
	}
	sub, err := l.broker.Subscribe(ctx, pubsub.ChannelName(busID))
	if err != nil {
		return nil, err
	}
	monitoring.ActiveSubscriptions.Add(1)
	return &Subscription{ledger: l, busID: busID, sub: sub, snapshot: true}, nil
}

// BusID returns the bus this subscription follows.
func (s *Subscription) BusID() string { return s.busID }

// Next returns the next count for the bus. ok is false when no update
// arrived within the poll timeout or the one that arrived predates the
// snapshot, so callers can check for cancellation between polls. Malformed or foreign messages are replaced by a fresh
// snapshot. A lost broker subscription is reopened and followed by a
// snapshot.
func (s *Subscription) Next(ctx context.Context) (ev pubsub.CountEvent, ok bool, err error) {
	if s.snapshot {
		return s.takeSnapshot(ctx)
	}
	if s.sub == nil {
		return s.resume(ctx)
	}

	payload, ok, err := s.sub.Receive(ctx, s.ledger.cfg.PollTimeout)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return pubsub.CountEvent{}, false, ctx.Err()
		}
		logf("subscription bus=%s lost: %v", s.busID, err)
		s.sub.Close()
		s.sub = nil
		return s.resume(ctx)
	case !ok:
		return pubsub.CountEvent{}, false, nil
	}

	ev, err = pubsub.DecodeCountEvent(payload)
	if err != nil || ev.BusID != s.busID {
		logf("bad message on bus=%s, sending snapshot: %q", s.busID, payload)
		return s.takeSnapshot(ctx)
	}
	if ev.Seq != 0 && ev.Seq <= s.seen {
		return pubsub.CountEvent{}, false, nil
	}
	return pubsub.CountEvent{BusID: ev.BusID, Count: ev.Count}, true, nil
}

func (s *Subscription) resume(ctx context.Context) (pubsub.CountEvent, bool, error) {
	err := s.reopen(ctx)
	if errors.Is(err, errRetry) {
		return pubsub.CountEvent{}, false, nil
	}
	if err != nil {
		return pubsub.CountEvent{}, false, err
	}
	return s.takeSnapshot(ctx)
}

func (s *Subscription) takeSnapshot(ctx context.Context) (pubsub.CountEvent, bool, error) {
	n, seq, err := s.ledger.snapshot(ctx, s.busID)
	if err != nil {
		return pubsub.CountEvent{}, false, err
	}
	s.snapshot = false
	s.seen = seq
	return pubsub.CountEvent{BusID: s.busID, Count: n}, true, nil
}

// reopen subscribes again. On failure it waits out one poll interval so a
// caller looping on Next does not spin, and reports no update.
func (s *Subscription) reopen(ctx context.Context) error {
	sub, err := s.ledger.broker.Subscribe(ctx, pubsub.ChannelName(s.busID))
	if err == nil {
		s.sub = sub
		return nil
	}
	if errors.Is(err, pubsub.ErrClosed) || ctx.Err() != nil {
		return err
	}
	logf("resubscribe bus=%s: %v", s.busID, err)
	t := s.ledger.clock.NewTicker(s.ledger.cfg.PollTimeout)
	defer t.Stop()
	select {
	case <-t.C():
	case <-ctx.Done():
		return ctx.Err()
	}
	return errRetry
}

var errRetry = errors.New("resubscribe pending")

// Close releases the broker subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		monitoring.ActiveSubscriptions.Add(-1)
		if s.sub != nil {
			err = s.sub.Close()
		}
	})
	return err
}
