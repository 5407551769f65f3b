package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/platformbuilds/batterystatsd/internal/access"
	"github.com/platformbuilds/batterystatsd/internal/api"
	"github.com/platformbuilds/batterystatsd/internal/clock"
	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/exporters"
	"github.com/platformbuilds/batterystatsd/internal/hwstats"
	"github.com/platformbuilds/batterystatsd/internal/metrics"
	"github.com/platformbuilds/batterystatsd/internal/persist"
	"github.com/platformbuilds/batterystatsd/internal/pipeline"
	"github.com/platformbuilds/batterystatsd/internal/reconciler"
	"github.com/platformbuilds/batterystatsd/internal/service"
	"github.com/platformbuilds/batterystatsd/internal/stats"

	"golang.org/x/sync/errgroup"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// These can be overridden at build time using -ldflags:
//
//	-ldflags="-X main.version=$(git describe --tags --dirty --always) -X main.commit=$(git rev-parse --short HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// -------- flags & env --------
	var (
		cfgPath     = flag.String("config", envOr("BATTERYSTATSD_CONFIG", "config.yaml"), "Path to the config YAML")
		apiAddr     = flag.String("api.addr", envOr("BATTERYSTATSD_API_ADDR", ""), "HTTP API listen address (overrides api.endpoint)")
		metricsAddr = flag.String("metrics.addr", envOr("BATTERYSTATSD_METRICS_ADDR", ":9090"), "Prometheus metrics HTTP listen address")
		pprofAddr   = flag.String("pprof.addr", envOr("BATTERYSTATSD_PPROF_ADDR", ""), "pprof HTTP listen address (disabled if empty)")
		logFormat   = flag.String("log.format", envOr("BATTERYSTATSD_LOG_FORMAT", "text"), "Log format: text or json")
		logLevel    = flag.String("log.level", envOr("BATTERYSTATSD_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
		accessLog   = flag.Bool("log.access", true, "Write API access log lines to stdout")
	)
	flag.Parse()

	logger, err := newLogger(os.Stderr, *logFormat, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)
	logger.Info("batterystatsd starting", "version", version, "commit", commit, "built", date)

	// -------- load config --------
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("config load failed", "path", *cfgPath, "err", err)
		os.Exit(1)
	}
	if *apiAddr != "" {
		cfg.API.Endpoint = *apiAddr
	}
	logger.Info("config loaded", "path", *cfgPath, "pipelines", len(cfg.Pipelines), "data_dir", cfg.Service.DataDir)

	m := metrics.New(prometheus.DefaultRegisterer)
	svc, err := buildService(cfg, logger, m)
	if err != nil {
		logger.Error("service setup failed", "err", err)
		os.Exit(1)
	}
	exps, err := exporters.Build(cfg, cfg.Checkin.Exporters)
	if err != nil {
		logger.Error("exporter setup failed", "err", err)
		os.Exit(1)
	}

	// -------- root context & signals --------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// -------- metrics & health servers --------
	ready := &atomic.Bool{}

	metricsSrv := &http.Server{
		Addr:              *metricsAddr,
		Handler:           setupMetricsMux(ready),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", *metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "err", err)
		}
	}()

	if *pprofAddr != "" {
		go func() {
			pp := &http.Server{Addr: *pprofAddr, Handler: pprofMux(), ReadHeaderTimeout: 5 * time.Second}
			logger.Info("pprof listening", "addr", *pprofAddr)
			if err := pp.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("pprof server error", "err", err)
			}
		}()
	}

	// -------- start the service, then everything that feeds or reads it --------
	svc.Start()

	var alog io.Writer
	if *accessLog {
		alog = os.Stdout
	}
	apiSrv := api.New(svc, cfg.API.Endpoint, cfg.API.WriteTimeout, alog, logger, m)
	runner := pipeline.New(cfg, svc, m, logger)
	sched := exporters.NewScheduler(svc, exps, cfg.Checkin.Interval, cfg.Checkin.Format, logger, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		if err := apiSrv.Start(gctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := runner.Run(gctx); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		return nil
	})
	g.Go(func() error { return sched.Run(gctx) })
	ready.Store(true)

	// signal watcher
	g.Go(func() error {
		select {
		case s := <-sigCh:
			logger.Info("signal received, initiating graceful shutdown", "signal", s.String())
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	waitErr := g.Wait()
	ready.Store(false)

	// Readers and ingestion are stopped; run the final sync and write.
	shCtx, shCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shCancel()
	if err := svc.Shutdown(shCtx); err != nil {
		logger.Error("service shutdown error", "err", err)
	}
	if err := metricsSrv.Shutdown(shCtx); err != nil {
		logger.Warn("metrics shutdown error", "err", err)
	}

	if waitErr != nil && waitErr != context.Canceled {
		logger.Error("shutdown with error", "err", waitErr)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// buildService wires the coordinator from config.
func buildService(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*service.Service, error) {
	src, err := hwstats.New(cfg.Hardware)
	if err != nil {
		return nil, err
	}
	ap, err := reconciler.NewApportioner(cfg.Sync.Apportion)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Service.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	tmp := filepath.Join(cfg.Service.DataDir, "tmp")
	if err := os.MkdirAll(tmp, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	s := cfg.Service
	return service.New(service.Options{
		Source:   src,
		Checker:  access.NewStaticChecker(cfg.Permissions),
		Users:    access.NewUsers(cfg.Users),
		Packages: access.Packages(cfg.Packages),
		Clock:    clock.NewSystem(),
		Logger:   logger,
		Metrics:  m,
		Stats:    stats.Config{HistorySize: s.HistorySize, AutoResetLevel: s.AutoResetLevel},
		Paths:    persist.NewPaths(s.DataDir, s.CheckpointFile, s.CheckinFile, s.DailyFile),
		Sync: reconciler.Config{
			PullTimeout:      cfg.Sync.PullTimeout,
			WaitLogInterval:  cfg.Sync.WaitLogInterval,
			PeriodicInterval: cfg.Sync.PeriodicInterval,
		},
		Apportioner:   ap,
		WriteInterval: s.WriteInterval,
		TempDir:       tmp,
	}), nil
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("bad log format %q (want text|json)", format)
	}
}

// setupMetricsMux registers Prometheus /metrics plus simple health endpoints.
func setupMetricsMux(ready *atomic.Bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	// Ready once the service is started and its consumers are running.
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	})
	return mux
}

func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
