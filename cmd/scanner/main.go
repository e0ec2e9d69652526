package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/occupancy.report/internal/config"
	"github.com/banshee-data/occupancy.report/internal/feed"
	"github.com/banshee-data/occupancy.report/internal/presence"
	"github.com/banshee-data/occupancy.report/internal/reporter"
	"github.com/banshee-data/occupancy.report/internal/rssi"
	"github.com/banshee-data/occupancy.report/internal/serialmux"
	"github.com/banshee-data/occupancy.report/internal/version"
)

var (
	configFile   = flag.String("config", "", "Path to a YAML, JSON or TOML config file")
	busID        = flag.String("bus", "", "Bus to report against (overrides reporter.bus_id)")
	feedKind     = flag.String("feed", "", "Observation feed: serial, mqtt or replay (overrides feed.kind)")
	replayPath   = flag.String("replay", "", "Replay captured bridge output from this file (implies -feed replay)")
	calibrateID  = flag.String("calibrate", "", "Sample RSSI from this device held at 1 m and print its reference power")
	calibrateFor = flag.Duration("calibrate-for", 20*time.Second, "Sampling window for -calibrate")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// applyFlags overrides configuration keys given on the command line.
func applyFlags(cfg *config.Config) {
	if *busID != "" {
		cfg.Reporter.BusID = *busID
	}
	if *feedKind != "" {
		cfg.Feed.Kind = *feedKind
	}
	if *replayPath != "" {
		cfg.Feed.Kind = config.FeedReplay
		cfg.Feed.Replay.Path = *replayPath
	}
}

// newSource opens the configured observation feed. The returned mux backs
// the serial and replay feeds; MQTT gets a disabled one so the admin routes
// stay mounted.
func newSource(cfg config.FeedConfig) (feed.Source, serialmux.SerialMuxInterface, error) {
	switch cfg.Kind {
	case config.FeedSerial:
		mux, err := serialmux.NewRealSerialMux(cfg.Serial.Port, cfg.Serial.PortOptions)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bridge port: %w", err)
		}
		if err := mux.Initialize(); err != nil {
			mux.Close()
			return nil, nil, fmt.Errorf("failed to initialize bridge: %w", err)
		}
		log.Printf("initialized bridge on %s", cfg.Serial.Port)
		return &feed.SerialSource{Mux: mux}, mux, nil
	case config.FeedReplay:
		lines, err := feed.ReadReplayFile(cfg.Replay.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load replay file: %w", err)
		}
		log.Printf("replaying %d lines from %s every %s", len(lines), cfg.Replay.Path, cfg.Replay.Interval)
		mux := serialmux.NewReplaySerialMux(lines, cfg.Replay.Interval)
		return &feed.SerialSource{Mux: mux}, mux, nil
	case config.FeedMQTT:
		return feed.NewMQTTSource(cfg.MQTT, nil), serialmux.NewDisabledSerialMux(), nil
	}
	return nil, nil, fmt.Errorf("unknown feed kind %q", cfg.Kind)
}

// collectSamples records the RSSI of every observation from id until ctx
// ends or the feed stops.
func collectSamples(ctx context.Context, src feed.Source, id string) ([]int, error) {
	var (
		mu      sync.Mutex
		samples []int
	)
	err := src.Run(ctx, func(o presence.Observation) {
		if o.Identifier != id || o.RSSI == nil {
			return
		}
		mu.Lock()
		samples = append(samples, *o.RSSI)
		mu.Unlock()
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	return samples, nil
}

func calibrate(ctx context.Context, src feed.Source) {
	ctx, cancel := context.WithTimeout(ctx, *calibrateFor)
	defer cancel()

	log.Printf("sampling %s for %s; hold the device 1 m from the sensor", *calibrateID, *calibrateFor)
	samples, err := collectSamples(ctx, src, *calibrateID)
	if err != nil {
		log.Fatalf("calibration feed failed: %v", err)
	}
	c, err := rssi.Calibrate(samples)
	if err != nil {
		log.Fatalf("calibration failed: %v", err)
	}
	fmt.Printf("samples=%d mean=%.1f stddev=%.2f median=%.1f\n", c.Samples, c.Mean, c.StdDev, c.Median)
	fmt.Printf("presence:\n  tx_power_fallback: %d\n", c.ReferencePower)
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("scanner"))
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.ValidateScanner(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	log.Print(version.String("scanner"))

	source, bridge, err := newSource(cfg.Feed)
	if err != nil {
		log.Fatalf("failed to open %s feed: %v", cfg.Feed.Kind, err)
	}
	defer bridge.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *calibrateID != "" {
		calibrate(ctx, source)
		return
	}

	rep := reporter.New(cfg.Reporter, nil)
	rep.Start()
	tracker := presence.NewTracker(cfg.Presence.Tracker(), nil, rep)
	log.Printf("reporting bus %s to %s (radius %.2fm, ttl %s)",
		cfg.Reporter.BusID, cfg.Reporter.BaseURL, cfg.Presence.RadiusM, cfg.Presence.TTL)

	// Create a wait group for the feed, tracker and debug server routines
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := source.Run(ctx, func(o presence.Observation) { tracker.Observe(o) })
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("feed stopped: %v", err)
			stop()
		}
		log.Print("feed routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tracker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("tracker stopped: %v", err)
		}
		log.Print("tracker routine terminated")
	}()

	if cfg.Scanner.DebugListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()

			mux := http.NewServeMux()
			attachEntityRoutes(mux, tracker)
			bridge.AttachAdminRoutes(mux)

			server := &http.Server{
				Addr:              cfg.Scanner.DebugListen,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Printf("debug server failed: %v", err)
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("debug server shutdown error: %v", err)
				server.Close()
			}
			log.Print("debug server routine stopped")
		}()
	}

	// Wait for all goroutines to finish
	wg.Wait()

	// Drain pending transitions so a clean stop still reports the last exits.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Reporter.Timeout)
	defer cancel()
	if err := rep.Close(drainCtx); err != nil {
		log.Printf("reporter drain incomplete: %v", err)
	}
	s := rep.Stats()
	log.Printf("delivered=%d failed=%d dropped=%d", s.Delivered, s.Failed, s.Dropped)
	log.Printf("Graceful shutdown complete")
}
