// Package feed adapts radio bridges into a stream of normalised
// presence.Observation values.
package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/presence"
	"github.com/banshee-data/occupancy.report/internal/serialmux"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

var logf = monitoring.Component("feed")

// Handler receives each accepted observation.
type Handler func(presence.Observation)

// Source produces observations until ctx is cancelled or the underlying
// transport ends.
type Source interface {
	Run(ctx context.Context, handle Handler) error
}

// ParseLine decodes one JSON advertisement report and normalises it.
func ParseLine(line []byte, now time.Time) (presence.Observation, error) {
	var raw presence.RawObservation
	if err := json.Unmarshal(line, &raw); err != nil {
		return presence.Observation{}, fmt.Errorf("decode observation: %w", err)
	}
	return presence.Normalize(raw, now)
}

// SerialSource reads observations from a BLE bridge attached to a serial
// port. Non-observation lines are logged and skipped.
type SerialSource struct {
	Mux   serialmux.SerialMuxInterface
	Clock timeutil.Clock
}

// Run subscribes to the mux and drives its Monitor loop.
func (s *SerialSource) Run(ctx context.Context, handle Handler) error {
	clock := s.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	id, lines := s.Mux.Subscribe()
	defer s.Mux.Unsubscribe(id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	monitorErr := make(chan error, 1)
	go func() { monitorErr <- s.Mux.Monitor(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-monitorErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch serialmux.ClassifyLine(line) {
			case serialmux.LineObservation:
				obs, err := ParseLine([]byte(line), clock.Now())
				if err != nil {
					logf("skipping line %q: %v", line, err)
					continue
				}
				handle(obs)
			case serialmux.LineStatus:
				logf("bridge: %s", line)
			}
		}
	}
}

// ReadReplayFile loads non-empty lines from a capture of bridge output.
func ReadReplayFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		if line := strings.TrimSpace(scan.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("read replay file %s: %w", path, err)
	}
	return lines, nil
}
