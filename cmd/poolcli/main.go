// Package main is the entrypoint for poolcli, a standalone process that
// runs one poolcore instance against a statically configured backend
// set: loads configuration, exposes a Prometheus scrape endpoint,
// optionally broadcasts fleet telemetry over Redis, and shuts down
// gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/joao-brasil/poolcore/internal/config"
	"github.com/joao-brasil/poolcore/internal/mssqlconn"
	"github.com/joao-brasil/poolcore/internal/netdial"
	"github.com/joao-brasil/poolcore/internal/pool"
	"github.com/joao-brasil/poolcore/internal/resolver"
	"github.com/joao-brasil/poolcore/internal/telemetry"
	"github.com/joao-brasil/poolcore/pkg/backend"
)

var configPath = flag.String("config", "configs/pool.yaml", "Path to pool configuration file")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting poolcli")

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: domain=%s instance=%s backends=%d",
		cfg.Pool.Domain, cfg.Server.InstanceID, len(cfg.Backends))

	// ─── Metrics HTTP server ────────────────────────────────────────
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         cfg.Server.MetricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on %s/metrics", cfg.Server.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── Build the resolver from the static backend list ────────────
	initial := make([]backend.Backend, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		initial = append(initial, backend.Backend{Address: b.Address, Port: b.Port})
	}
	res := resolver.NewStatic(initial...)

	// ─── Pick the dialer ──────────────────────────────────────────────
	opts := pool.Options{
		Domain:              cfg.Pool.Domain,
		Resolver:            res,
		Spares:              cfg.Pool.Spares,
		Maximum:             cfg.Pool.Maximum,
		Target:              cfg.Pool.Target,
		Recovery:            cfg.Descriptor(),
		DecoherenceInterval: cfg.Pool.DecoherenceInterval,
		CheckTimeout:        cfg.Pool.CheckTimeout,
		Overload:            cfg.CodelVariant(),
		LowpassOptions:      cfg.LowpassOptions(),
	}
	switch cfg.Server.Backend {
	case "mssql":
		opts.Dialer = mssqlconn.Dialer{
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			Timeout:  cfg.Pool.CheckTimeout,
		}
	default:
		opts.Dialer = netdial.Dialer{Timeout: cfg.Pool.CheckTimeout}
	}

	// ─── Initialize the pool ──────────────────────────────────────────
	log.Println("[main] Initializing pool...")
	p, err := pool.New(opts)
	if err != nil {
		log.Fatalf("[main] Failed to initialize pool: %v", err)
	}
	defer func() {
		log.Println("[main] Stopping pool...")
		p.Stop()
	}()
	log.Println("[main] Pool ready")

	// ─── Optional fleet telemetry (off the claim/release path) ──────
	var bcast *telemetry.Broadcaster
	if cfg.Telemetry.Enabled {
		log.Println("[main] Starting telemetry broadcaster...")
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Telemetry.Addr,
			Password: cfg.Telemetry.Password,
			DB:       cfg.Telemetry.DB,
		})
		bcast = telemetry.New(client, cfg.Telemetry.Channel, cfg.Server.InstanceID, cfg.Telemetry.Interval)
		bcast.Start(context.Background(), func() telemetry.Snapshot {
			stats := p.Stats()
			return telemetry.Snapshot{
				Domain:     cfg.Pool.Domain,
				State:      stats.State.String(),
				Ready:      stats.Ready,
				Claimed:    stats.Claimed,
				Connecting: stats.Connecting,
				QueueLen:   stats.QueueLen,
				DeadCount:  len(stats.DeadBackends),
			}
		})
		defer bcast.Stop()
	}

	// ─── Graceful shutdown ──────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] poolcli is ready. Waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] Received signal %v, shutting down gracefully...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}

	log.Println("[main] Shutdown complete.")
}
