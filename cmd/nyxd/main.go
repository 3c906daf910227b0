// Nyx daemon -- anonymity overlay transport node.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/seleniaproject/nyxd/internal/config"
	"github.com/seleniaproject/nyxd/internal/daemon"
	"github.com/seleniaproject/nyxd/internal/frame"
	"github.com/seleniaproject/nyxd/internal/manager"
	nyxmetrics "github.com/seleniaproject/nyxd/internal/metrics"
	"github.com/seleniaproject/nyxd/internal/mix"
	"github.com/seleniaproject/nyxd/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// Dynamic log level for reload support.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("nyxd starting",
		slog.String("version", version.Version),
		slog.String("endpoint", cfg.Daemon.Endpoint),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Bool("mix_enabled", cfg.Mix.Enabled),
	)

	frame.SetLengthCap(cfg.Daemon.MaxFrameLenBytes)

	reg := prometheus.NewRegistry()
	collector := nyxmetrics.NewCollector(reg)

	mgr := manager.New(manager.DefaultManagerConfig(), logger, manager.WithMetrics(collector))
	defer mgr.Close()

	if err := runServers(cfg, *configPath, mgr, reg, collector, logger, logLevel); err != nil {
		logger.Error("nyxd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("nyxd stopped")
	return 0
}

// runServers wires the management core and runs all daemon tasks under
// an errgroup with a signal-aware context.
func runServers(
	cfg *config.Config,
	configPath string,
	mgr *manager.Manager,
	reg *prometheus.Registry,
	collector *nyxmetrics.Collector,
	logger *slog.Logger,
	logLevel *slog.LevelVar,
) error {
	token, err := setupCookie(cfg, logger)
	if err != nil {
		return err
	}

	store := daemon.NewVersionStore(*cfg, daemon.DefaultMaxVersions)
	bus := daemon.NewBus(logger)
	core := daemon.NewCore(store, bus, mgr, func(applied config.Config) {
		logLevel.Set(config.ParseLogLevel(applied.Log.Level))
	}, logger)

	mgmtSrv := newManagementServer(cfg.Daemon, core, token, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Session eviction sweeper.
	g.Go(func() error {
		mgr.RunSweeper(gCtx)
		return nil
	})

	// Overlay UDP substrate.
	if err := startDataPlane(gCtx, g, cfg, collector, core, logger); err != nil {
		return err
	}

	// Mix pipeline, when enabled.
	startMixPipeline(gCtx, g, cfg, logger)

	startHTTPServers(gCtx, g, cfg, mgmtSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, core, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, mgmtSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// setupCookie resolves or creates the control cookie.
func setupCookie(cfg *config.Config, logger *slog.Logger) (string, error) {
	path := cfg.Daemon.CookiePath
	if path == "" {
		path = daemon.DefaultCookiePath()
	}

	if token, err := daemon.LoadToken(path); err == nil {
		logger.Info("control cookie loaded", slog.String("path", path))
		return token, nil
	}

	token, err := daemon.GenerateToken(daemon.DefaultTokenBytes)
	if err != nil {
		return "", fmt.Errorf("setup control cookie: %w", err)
	}
	if err := daemon.WriteCookie(path, token); err != nil {
		return "", fmt.Errorf("setup control cookie: %w", err)
	}
	logger.Info("control cookie created", slog.String("path", path))
	return token, nil
}

// startMixPipeline launches the batcher and cover controller when the
// mix layer is enabled.
func startMixPipeline(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *slog.Logger) {
	if !cfg.Mix.Enabled {
		logger.Info("mix layer disabled")
		return
	}

	batcher := mix.NewBatcher(mix.Config{
		Enabled:            true,
		BatchSize:          cfg.Mix.BatchSize,
		VDFDelayMillis:     cfg.Mix.VDFDelayMs,
		BatchTimeout:       cfg.Mix.BatchTimeout,
		TargetUtilization:  cfg.Mix.TargetUtilization,
		EnableCoverTraffic: cfg.Mix.EnableCoverTraffic,
	}, logger)

	g.Go(func() error {
		batcher.Run(ctx)
		return nil
	})

	if cfg.Mix.EnableCoverTraffic {
		cover := mix.NewCoverController(
			mix.DefaultCoverConfig(),
			mix.StaticPowerSource{Power: mix.PowerActive},
			batcher,
			uint64(time.Now().UnixNano()),
			logger,
		)
		g.Go(func() error {
			cover.Run(ctx)
			return nil
		})
	}

	// Drain released batches; the transport fan-out consumes them.
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case batch := <-batcher.Batches():
				logger.Debug("mix batch released",
					slog.Uint64("batch_id", batch.ID),
					slog.Int("packets", len(batch.Packets)),
				)
			}
		}
	})

	logger.Info("mix layer enabled",
		slog.Int("batch_size", cfg.Mix.BatchSize),
		slog.Uint64("vdf_delay_ms", uint64(cfg.Mix.VDFDelayMs)),
		slog.Bool("cover_traffic", cfg.Mix.EnableCoverTraffic),
	)
}

// startHTTPServers registers the management and metrics server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	mgmtSrv, metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("management server listening", slog.String("addr", cfg.Daemon.Endpoint))
		return listenAndServe(ctx, &lc, mgmtSrv, cfg.Daemon.Endpoint)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload tasks.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	core *daemon.Core,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				logger.Info("received SIGHUP, reloading configuration")
				if _, err := core.ReloadConfig(configPath); err != nil {
					logger.Error("reload failed, keeping current settings",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})
}

// -------------------------------------------------------------------------
// Systemd Integration
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd once initialization completes.
func notifyReady(logger *slog.Logger) {
	sent, err := sdnotify.SdNotify(false, sdnotify.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 at the start of graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic keepalives at half the watchdog interval.
// Exits immediately when the watchdog is not configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := sdnotify.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := sdnotify.SdNotify(false, sdnotify.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// Server Setup & Shutdown
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener and serves until shutdown.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newManagementServer builds the management HTTP server. The handler
// is wrapped with h2c so shells may speak HTTP/2 over plaintext.
func newManagementServer(cfg config.DaemonConfig, core *daemon.Core, token string, logger *slog.Logger) *http.Server {
	shell := daemon.NewServer(core, token, logger)
	return &http.Server{
		Addr:              cfg.Endpoint,
		Handler:           h2c.NewHandler(shell.Handler(), &http2.Server{}),
		ReadHeaderTimeout: cfg.RequestTimeout,
	}
}

// newMetricsServer builds the Prometheus exposition server.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// gracefulShutdown drains the HTTP servers under a fresh timeout.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// newLoggerWithLevel creates a structured logger sharing a LevelVar
// for dynamic level changes on reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
