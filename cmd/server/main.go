// Command spillq-server is the spillq queue server process.
// It loads configuration, opens the backing store, and serves the queue
// device over HTTP and WebSocket.
//
// Usage:
//
//	spillq-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/spillq/internal/config"
	"github.com/snehjoshi/spillq/internal/device"
	"github.com/snehjoshi/spillq/internal/metrics"
	"github.com/snehjoshi/spillq/internal/queue"
	"github.com/snehjoshi/spillq/internal/storage"
	"github.com/snehjoshi/spillq/internal/storage/bolt"
	"github.com/snehjoshi/spillq/internal/storage/local"
	"github.com/snehjoshi/spillq/internal/storage/memory"
	transphttp "github.com/snehjoshi/spillq/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "spillq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	debug := flag.Bool("debug", false, "log per-message spill and reload events")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("spillq starting",
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"backend", cfg.Storage.Backend,
		"storage_dir", cfg.StorageDir(),
		"max_queue_size", cfg.Queue.MaxQueueSize,
		"max_elem_size", cfg.Queue.MaxElemSize,
	)

	// ── 3. Open the backing store ────────────────────────────────────────────
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if cfg.Storage.SweepOnStart {
		n, err := store.Sweep()
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("sweep storage: %w", err)
		}
		if n > 0 {
			slog.Warn("removed entries left by an unclean shutdown", "count", n)
		}
	}

	// ── 4. Initialise metrics, queue, and compaction worker ──────────────────
	metricsReg := &metrics.Registry{}

	q, err := queue.New(store, queue.Config{
		MaxQueueSize: cfg.Queue.MaxQueueSize,
		MaxElemSize:  cfg.Queue.MaxElemSize,
	}, queue.WithLogger(logger), queue.WithMetrics(metricsReg))
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("init queue: %w", err)
	}
	metricsReg.SetGaugeSource(q.Gauges)

	compactor := queue.NewCompactor(q)
	compactor.Start()

	// ── 5. Serve HTTP / WebSocket transport and metrics ──────────────────────
	srv := transphttp.New(device.New(q, compactor), cfg, metricsReg)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           metricsReg.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("spillq ready", "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if metricsSrv != nil {
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	// ── 6. Graceful shutdown on SIGINT / SIGTERM or server failure ───────────
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		// Give in-flight requests 5 seconds to complete.
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutCtx); err != nil {
				slog.Warn("metrics server shutdown error", "err", err)
			}
		}
		return nil
	})

	serveErr := g.Wait()

	// The worker must be gone before the queue reclaims what is left.
	compactor.Stop()
	if err := q.Close(); err != nil {
		slog.Warn("queue teardown error", "err", err)
	}

	if serveErr != nil {
		return serveErr
	}
	slog.Info("spillq stopped")
	return nil
}

// openStore opens the backing store selected by cfg.Storage.Backend.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendFile:
		return local.Open(cfg.StorageDir(), local.Config{Fsync: local.FsyncPolicy(cfg.Storage.Fsync)})
	case config.BackendBolt:
		return bolt.Open(cfg.StorageDir(), cfg.Storage.Fsync == config.FsyncNever)
	case config.BackendMemory:
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}
