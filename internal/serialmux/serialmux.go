// Package serialmux shares one BLE bridge dongle between several readers.
// The dongle prints one JSON advertisement report per line; every line is
// offered to each subscriber, and commands from any caller are serialised
// onto the port.
package serialmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/occupancy.report/internal/monitoring"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

const (
	// subscriberBuffer is the per-subscriber channel depth. A subscriber
	// whose buffer is full misses the line.
	subscriberBuffer = 64
	// maxLineBytes bounds a single bridge line.
	maxLineBytes = 64 * 1024
)

var logf = monitoring.Component("serialmux")

// SerialMuxInterface is what the feed and the debug server need from a
// bridge, real or not.
type SerialMuxInterface interface {
	// Subscribe returns an ID and a channel receiving every line read
	// after the call.
	Subscribe() (string, chan string)
	// Unsubscribe closes and forgets the channel registered under id.
	Unsubscribe(id string)
	SendCommand(command string) error
	// Monitor reads the port until EOF, a read error or ctx is done.
	Monitor(ctx context.Context) error
	Close() error
	// Initialize puts the bridge into JSON scanning mode.
	Initialize() error
	// AttachAdminRoutes mounts debugging endpoints under /debug/.
	AttachAdminRoutes(mux *http.ServeMux)
}

// LineStats counts lines read from the bridge by kind.
type LineStats struct {
	Observations int64
	Status       int64
	Unknown      int64
	// Dropped counts deliveries skipped because a subscriber was full.
	Dropped  int64
	LastLine time.Time
}

// SerialMux multiplexes a single port of type T.
type SerialMux[T SerialPorter] struct {
	port      T
	subs      *subscriberSet
	commandMu sync.Mutex
	now       func() time.Time

	statsMu sync.Mutex
	stats   LineStats
}

// NewSerialMux wraps an already opened port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port: port,
		subs: newSubscriberSet(subscriberBuffer),
		now:  time.Now,
	}
}

func (s *SerialMux[T]) Subscribe() (string, chan string) { return s.subs.add() }

func (s *SerialMux[T]) Unsubscribe(id string) { s.subs.remove(id) }

// Subscribers returns the number of open subscriptions.
func (s *SerialMux[T]) Subscribers() int { return s.subs.len() }

// Stats returns a snapshot of the line counters.
func (s *SerialMux[T]) Stats() LineStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// InitCommands are sent by Initialize after the clock sync.
var InitCommands = []string{
	"AT+RESET",    // drop any previous scan filter
	"AT+FMT=JSON", // one JSON object per line
	"AT+DUP=1",    // keep reporting repeat advertisements so RSSI keeps flowing
	"AT+SCAN=1",
}

// Initialize sets the bridge clock so report timestamps line up with the
// host, then starts JSON scanning.
func (s *SerialMux[T]) Initialize() error {
	if err := s.SendCommand(fmt.Sprintf("AT+TIME=%d", s.now().Unix())); err != nil {
		return fmt.Errorf("failed to synchronize clock: %w", err)
	}
	for _, command := range InitCommands {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", command, err)
		}
	}
	return nil
}

// SendCommand writes command to the port, newline terminated.
func (s *SerialMux[T]) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}

	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	n, err := s.port.Write([]byte(command))
	switch {
	case err != nil:
		return err
	case n != len(command):
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines from the port and hands them to subscribers. It
// returns nil at EOF or once Close has been called, the read error if the
// port fails, and ctx.Err() on cancellation.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go s.readLines(ctx, lines, errc)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if s.subs.isClosed() {
				return nil
			}
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return <-errc
			}
			s.dispatch(line)
		}
	}
}

// readLines runs the blocking scanner so Monitor can still observe ctx.
// Exactly one value is sent on errc before lines is closed.
func (s *SerialMux[T]) readLines(ctx context.Context, lines chan<- string, errc chan<- error) {
	defer close(lines)
	scan := bufio.NewScanner(s.port)
	scan.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scan.Scan() {
		select {
		case lines <- scan.Text():
		case <-ctx.Done():
			errc <- nil
			return
		}
	}
	errc <- scan.Err()
}

func (s *SerialMux[T]) dispatch(line string) {
	dropped := s.subs.send(line)

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	switch ClassifyLine(line) {
	case LineObservation:
		s.stats.Observations++
	case LineStatus:
		s.stats.Status++
	default:
		s.stats.Unknown++
	}
	s.stats.Dropped += int64(dropped)
	s.stats.LastLine = s.now()
}

// Close closes every subscriber channel, then the port.
func (s *SerialMux[T]) Close() error {
	s.subs.closeAll()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("send-command-api", sendCommandHandler(s))
	debug.Handle("tail", "Live tail of bridge output (SSE)", tailHandler(s))
	debug.Handle("bridge", "Bridge line counters", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := s.Stats()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "subscribers\t%d\n", s.Subscribers())
		fmt.Fprintf(tw, "observations\t%d\n", st.Observations)
		fmt.Fprintf(tw, "status\t%d\n", st.Status)
		fmt.Fprintf(tw, "unknown\t%d\n", st.Unknown)
		fmt.Fprintf(tw, "dropped\t%d\n", st.Dropped)
		if !st.LastLine.IsZero() {
			fmt.Fprintf(tw, "last line\t%s\n", st.LastLine.UTC().Format(time.RFC3339))
		}
		tw.Flush()
	}))
}

func sendCommandHandler(s SerialMuxInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			logf("send-command %q: %v", command, err)
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to serial port", command)
	}
}

// tailHandler streams one server-sent event per bridge line.
func tailHandler(s SerialMuxInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no")

		id, lines := s.Subscribe()
		defer s.Unsubscribe(id)

		fmt.Fprint(w, ": ping\n\n")
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
