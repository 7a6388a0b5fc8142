package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hawkeye-speaks/DRIS1/internal/archive"
	"github.com/hawkeye-speaks/DRIS1/internal/billing"
	"github.com/hawkeye-speaks/DRIS1/internal/config"
	"github.com/hawkeye-speaks/DRIS1/internal/frontend"
	"github.com/hawkeye-speaks/DRIS1/internal/health"
	"github.com/hawkeye-speaks/DRIS1/internal/launcher"
	"github.com/hawkeye-speaks/DRIS1/internal/logging"
	"github.com/hawkeye-speaks/DRIS1/internal/metrics"
	"github.com/hawkeye-speaks/DRIS1/internal/mock"
	"github.com/hawkeye-speaks/DRIS1/internal/relay"
	"github.com/hawkeye-speaks/DRIS1/internal/session"
	"github.com/hawkeye-speaks/DRIS1/internal/ws"
)

// Consecutive launch failures before /healthz reports trouble.
const healthThreshold = 3

func main() {
	mockMode := flag.Bool("mock", false, "Replay synthetic HM6 output instead of running the binary")
	mockTick := flag.Duration("mock-tick", 150*time.Millisecond, "Delay between mock output lines")
	devMode := flag.Bool("dev", false, "Development mode (serve frontend from filesystem)")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	if *devMode && cfg.Logging.Format == "json" {
		cfg.Logging.Format = "console"
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger, *mockMode, *mockTick, *devMode); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger, mockMode bool, mockTick time.Duration, devMode bool) error {
	clk := clock.New()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	store := session.NewStore()
	registry := relay.NewRegistry()
	broadcaster := relay.NewBroadcaster(registry,
		relay.WithLogger(logger.Named("relay")),
		relay.WithMetrics(m))

	var writer *archive.Writer
	if cfg.Storage.PersistSessions {
		writer = archive.NewWriter(cfg.Storage.Path)
	}
	lister := archive.NewLister(cfg.Storage.Path, cfg.Privacy.NewPrivacyFilter())

	credits, checkout := newBilling(cfg, clk, logger)
	tracker := health.NewTracker(healthThreshold, clk)

	var producer launcher.Producer = launcher.ExecProducer{}
	if mockMode {
		logger.Info("starting in mock mode", zap.Duration("tick", mockTick))
		producer = mock.NewProducer(mockTick)
	} else {
		logger.Info("starting in real mode", zap.String("binary", cfg.HM6.BinaryPath))
	}

	l := launcher.New(cfg.HM6, launcher.Options{
		Producer:      producer,
		Store:         store,
		Broadcaster:   broadcaster,
		Registry:      registry,
		Archive:       writer,
		Health:        tracker,
		Metrics:       m,
		Logger:        logger.Named("launcher"),
		Clock:         clk,
		Sampler:       launcher.ProcessSampler{},
		MaxConcurrent: cfg.Limits.MaxConcurrent,
	})

	server := ws.NewServer(cfg, ws.Deps{
		Store:    store,
		Registry: registry,
		Launcher: l,
		Lister:   lister,
		Credits:  credits,
		Checkout: checkout,
		Health:   tracker,
		Metrics:  m,
		Gatherer: promReg,
		Logger:   logger.Named("http"),
		Clock:    clk,
		Frontend: frontendHandler(devMode, logger),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go l.RunReaper(ctx, time.Minute, cfg.Limits.RetainFinished)
	go server.RunJanitor(ctx, time.Minute)

	// No WriteTimeout: event streams stay open for the whole run.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := l.Wait(shutdownCtx); err != nil {
		logger.Warn("hm6 runs still active at exit", zap.Int("active", store.ActiveCount()), zap.Error(err))
	}
	return nil
}

func newBilling(cfg *config.Config, clk clock.Clock, logger *zap.Logger) (billing.Credits, billing.Checkout) {
	httpClient := &http.Client{Timeout: 15 * time.Second}

	var credits billing.Credits
	switch cfg.Billing.Provider {
	case "clerk":
		credits = billing.NewClerkCredits(cfg.Billing.ClerkAPIBase, cfg.Billing.ClerkSecretKey, httpClient, clk)
	default:
		credits = billing.NewMemoryCredits(cfg.Billing.StartingCredits, clk)
	}

	var checkout billing.Checkout
	if cfg.Billing.StripeSecretKey != "" {
		checkout = billing.NewStripeCheckout(cfg.Billing.StripeAPIBase, cfg.Billing.StripeSecretKey,
			cfg.Billing.Currency, httpClient, logger.Named("stripe")).WithProduct(cfg.Billing.ProductName)
	} else {
		logger.Info("stripe not configured, purchases disabled")
	}
	return credits, checkout
}

// frontendHandler serves the static portal: from disk in dev mode, embedded
// when built with -tags embed, otherwise from the source tree if present.
func frontendHandler(devMode bool, logger *zap.Logger) http.Handler {
	if devMode {
		exe, _ := os.Executable()
		dir := filepath.Join(filepath.Dir(exe), "..", "..", "internal", "frontend", "static")
		// go run builds into a temp dir; use CWD instead.
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			cwd, _ := os.Getwd()
			dir = filepath.Join(cwd, "internal", "frontend", "static")
		}
		logger.Info("serving frontend from filesystem", zap.String("dir", dir))
		return http.FileServer(http.Dir(dir))
	}

	if h := frontend.Handler(); h != nil {
		return h
	}
	cwd, _ := os.Getwd()
	fallback := filepath.Join(cwd, "internal", "frontend", "static")
	if _, err := os.Stat(fallback); err == nil {
		logger.Info("no embedded frontend, falling back", zap.String("dir", fallback))
		return http.FileServer(http.Dir(fallback))
	}
	return nil
}
