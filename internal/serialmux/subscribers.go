package serialmux

import (
	"sync"

	"github.com/google/uuid"
)

// subscriberSet holds the line channels handed out by Subscribe. Once
// closeAll has run, every channel is closed and later add calls return an
// already closed channel so readers never block on a dead mux.
type subscriberSet struct {
	mu     sync.Mutex
	chans  map[string]chan string
	closed bool
	buffer int
}

func newSubscriberSet(buffer int) *subscriberSet {
	return &subscriberSet{chans: make(map[string]chan string), buffer: buffer}
}

func (s *subscriberSet) add() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, s.buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return id, ch
	}
	s.chans[id] = ch
	return id, ch
}

func (s *subscriberSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.chans[id]; ok {
		delete(s.chans, id)
		close(ch)
	}
}

// closeAll reports false if the set was already closed.
func (s *subscriberSet) closeAll() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	for id, ch := range s.chans {
		delete(s.chans, id)
		close(ch)
	}
	return true
}

func (s *subscriberSet) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// send offers line to every subscriber without blocking and returns how
// many subscribers missed it because their buffer was full.
func (s *subscriberSet) send(line string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for _, ch := range s.chans {
		select {
		case ch <- line:
		default:
			dropped++
		}
	}
	return dropped
}

func (s *subscriberSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chans)
}
