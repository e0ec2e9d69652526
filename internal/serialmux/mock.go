package serialmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// FakePort is an in-memory SerialPorter for tests. Reads block until lines
// are fed, an error is injected or the port is closed; after Close any
// buffered data is drained before Read reports EOF.
type FakePort struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  bytes.Buffer
	written  bytes.Buffer
	readErr  error
	writeErr error
	truncate bool
	closed   bool
}

func NewFakePort() *FakePort {
	p := &FakePort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Feed queues each line, newline terminated, for Read.
func (p *FakePort) Feed(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range lines {
		p.pending.WriteString(strings.TrimSuffix(l, "\n"))
		p.pending.WriteByte('\n')
	}
	p.cond.Broadcast()
}

// FailNextRead makes the next Read return err.
func (p *FakePort) FailNextRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
	p.cond.Broadcast()
}

// FailNextWrite makes the next Write return err.
func (p *FakePort) FailNextWrite(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// TruncateWrites makes Write report one byte fewer than it accepted.
func (p *FakePort) TruncateWrites(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.truncate = on
}

// Written returns everything written to the port so far.
func (p *FakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *FakePort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.readErr == nil && p.pending.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if err := p.readErr; err != nil {
		p.readErr = nil
		return 0, err
	}
	if p.pending.Len() == 0 {
		return 0, io.EOF
	}
	return p.pending.Read(b)
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errPortClosed
	}
	if err := p.writeErr; err != nil {
		p.writeErr = nil
		return 0, err
	}
	n, _ := p.written.Write(b)
	if p.truncate && n > 0 {
		n--
	}
	return n, nil
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// replayPort reads from a pipe fed by the replay goroutine and discards
// commands.
type replayPort struct {
	*io.PipeReader
}

func (replayPort) Write(b []byte) (int, error) { return len(b), nil }

// NewReplaySerialMux returns a mux that prints lines in a loop, one every
// interval, until it is closed. It stands in for a bridge when running the
// scanner against a capture. interval must be positive.
func NewReplaySerialMux(lines []string, interval time.Duration) *SerialMux[SerialPorter] {
	r, w := io.Pipe()
	go func() {
		if len(lines) == 0 {
			w.Close()
			return
		}
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for i := 0; ; i = (i + 1) % len(lines) {
			<-tick.C
			if _, err := io.WriteString(w, lines[i]+"\n"); err != nil {
				return
			}
		}
	}()
	return NewSerialMux[SerialPorter](replayPort{r})
}
