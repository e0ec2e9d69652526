package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/occupancy.report/internal/api"
	"github.com/banshee-data/occupancy.report/internal/config"
	"github.com/banshee-data/occupancy.report/internal/db"
	"github.com/banshee-data/occupancy.report/internal/journal"
	"github.com/banshee-data/occupancy.report/internal/ledger"
	"github.com/banshee-data/occupancy.report/internal/pubsub"
	"github.com/banshee-data/occupancy.report/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a YAML, JSON or TOML config file")
	listen      = flag.String("listen", "", "Listen address (overrides ledger.listen)")
	dbPath      = flag.String("db", "", "SQLite database path (overrides ledger.db_path)")
	redisURL    = flag.String("redis", "", "Redis URL, or \"none\" for in-process fanout only (overrides ledger.redis_url)")
	migrateCmd  = flag.String("migrate", "", "Run a schema command and exit: up, down, version or \"force N\"")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func applyFlags(cfg *config.Config) {
	if *listen != "" {
		cfg.Ledger.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Ledger.DBPath = *dbPath
	}
	switch *redisURL {
	case "":
	case "none":
		cfg.Ledger.RedisURL = ""
	default:
		cfg.Ledger.RedisURL = *redisURL
	}
}

// runMigrate executes one schema command against d and returns a line
// describing the result.
func runMigrate(d *db.DB, command string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty migrate command")
	}
	switch fields[0] {
	case "up":
		if err := d.MigrateUp(); err != nil {
			return "", err
		}
	case "down":
		if err := d.MigrateDown(); err != nil {
			return "", err
		}
	case "force":
		if len(fields) != 2 {
			return "", fmt.Errorf("usage: force N")
		}
		v, err := strconv.Atoi(fields[1])
		if err != nil {
			return "", fmt.Errorf("invalid version %q: %w", fields[1], err)
		}
		if err := d.MigrateForce(v); err != nil {
			return "", err
		}
	case "version":
	default:
		return "", fmt.Errorf("unknown migrate command %q", fields[0])
	}
	v, dirty, err := d.MigrateVersion()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("schema version %d (dirty=%t)", v, dirty), nil
}

// newFanout builds the broker and count mirror. Without a Redis URL both
// are purely in-process; with one they share a reachability check so they
// fail over together.
func newFanout(cfg config.LedgerConfig) (*pubsub.Failover, *pubsub.FailoverMirror, error) {
	local := pubsub.NewMemoryBroker(0)
	if cfg.RedisURL == "" {
		return pubsub.NewFailover(nil, local, 0, nil), pubsub.NewFailoverMirror(nil, nil), nil
	}
	client, err := pubsub.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	broker := pubsub.NewFailover(pubsub.NewRedisBroker(client), local, cfg.RedisHealthTTL, nil)
	return broker, pubsub.NewFailoverMirror(pubsub.NewRedisMirror(client), broker.Health()), nil
}

// attachFanoutRoutes mounts /debug/fanout showing the active broker.
func attachFanoutRoutes(mux *http.ServeMux, broker *pubsub.Failover) {
	debug := tsweb.Debugger(mux)
	debug.Handle("fanout", "Active pub/sub broker", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "mode: %s\n", broker.Mode(r.Context()))
	}))
}

// serve runs srv until ctx is done, then shuts it down.
func serve(ctx context.Context, name string, srv *http.Server) {
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start %s server: %v", name, err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down %s server...", name)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("%s server shutdown error: %v", name, err)
		if err := srv.Close(); err != nil {
			log.Printf("%s server force close error: %v", name, err)
		}
	}
	log.Printf("%s server routine stopped", name)
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("ledger"))
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlags(cfg)
	if err := cfg.ValidateLedger(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	log.Print(version.String("ledger"))

	store, err := db.NewDB(cfg.Ledger.DBPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	if *migrateCmd != "" {
		out, err := runMigrate(store, *migrateCmd)
		if err != nil {
			log.Fatalf("migrate %q failed: %v", *migrateCmd, err)
		}
		fmt.Println(out)
		return
	}

	broker, mirror, err := newFanout(cfg.Ledger)
	if err != nil {
		log.Fatalf("failed to configure fanout: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var lj ledger.Journal
	var kj *journal.Journal
	if cfg.Ledger.Kafka.Enabled() {
		kj, err = journal.New(cfg.Ledger.Kafka)
		if err != nil {
			log.Fatalf("failed to configure journal: %v", err)
		}
		// stopped explicitly after the ledger has flushed its last publications
		if err := kj.Start(context.Background()); err != nil {
			log.Fatalf("failed to start journal: %v", err)
		}
		lj = kj
		log.Printf("journaling count changes to %s on %v", cfg.Ledger.Kafka.Topic, cfg.Ledger.Kafka.Brokers)
	}

	l := ledger.New(cfg.Ledger.LedgerOptions(), store, broker, mirror, lj, nil)
	if _, err := l.Warm(ctx); err != nil {
		log.Printf("mirror warm-up failed: %v", err)
	}
	log.Printf("fanout mode: %s", broker.Mode(ctx))

	// Create a wait group for the API and debug servers
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		serve(ctx, "HTTP", &http.Server{
			Addr:              cfg.Ledger.Listen,
			Handler:           api.NewServer(l, broker.Mode).Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		})
	}()

	if cfg.Ledger.DebugListen != "" {
		mux := http.NewServeMux()
		if err := store.AttachAdminRoutes(mux); err != nil {
			log.Fatalf("failed to attach admin routes: %v", err)
		}
		attachFanoutRoutes(mux, broker)

		wg.Add(1)
		go func() {
			defer wg.Done()
			serve(ctx, "debug", &http.Server{
				Addr:              cfg.Ledger.DebugListen,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			})
		}()
	}

	// Wait for all goroutines to finish
	wg.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Close(closeCtx); err != nil {
		log.Printf("ledger close: %v", err)
	}
	if kj != nil {
		if err := kj.Stop(closeCtx); err != nil {
			log.Printf("journal stop: %v", err)
		}
		written, failed, dropped := kj.Stats()
		log.Printf("journal written=%d failed=%d dropped=%d", written, failed, dropped)
	}
	// closing the broker ends any websocket streams still attached
	if err := broker.Close(); err != nil {
		log.Printf("broker close: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
