package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"forwardctl/internal/admin"
	"forwardctl/internal/config"
	"forwardctl/internal/directory"
	"forwardctl/internal/engine"
	"forwardctl/internal/engineconfig"
	"forwardctl/internal/logutil"
	"forwardctl/internal/loop"
	"forwardctl/internal/metrics"
	"forwardctl/internal/models"
	"forwardctl/internal/monitor"
	"forwardctl/internal/quota"
	"forwardctl/internal/serializer"
	"forwardctl/internal/storage"
	"forwardctl/internal/syncer"
	"forwardctl/internal/tlsutil"
	"forwardctl/internal/traffic"
	"forwardctl/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	logutil.Configure(cfg.Debug, cfg.LogFormat, cfg.LogLevel)
	logger := slog.With("component", "main")
	if err != nil {
		fatal(logger, "invalid configuration", "error", err)
	}
	logger.Info("Starting forwardctl",
		"address", cfg.HTTPAddress,
		"port", cfg.HTTPPort,
		"insecure", cfg.Insecure,
		"counter_mode", cfg.CounterMode,
		"simple_mode", cfg.SimpleMode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	clock := quartz.NewReal()

	dir := directory.New(store, directory.Options{TTL: cfg.DirectoryTTL, Clock: clock, Metrics: m})
	if err := dir.Rebuild(ctx); err != nil {
		logger.Warn("initial port directory build failed", "error", err)
	}
	ser := serializer.New(store, serializer.Options{Retries: cfg.SerializerRetries, Backoff: cfg.SerializerBackoff, Metrics: m})

	// Activation is derived from the store on every build, so the generator
	// needs no link to the enforcer.
	gen := engineconfig.NewGenerator(store, engineconfig.Options{
		ServicePrefix:  cfg.ServicePrefix,
		ListenHost:     cfg.ListenHost,
		PortMin:        cfg.PortRangeMin,
		PortMax:        cfg.PortRangeMax,
		WebhookBaseURL: cfg.WebhookBaseURL(),
		APIAddress:     cfg.EngineAPIAddress,
		APIPathPrefix:  cfg.EngineAPIPathPrefix,
		ObserverPeriod: cfg.ObserverPeriod,
		ResetTraffic:   cfg.CounterMode == config.CounterDelta,
		Clock:          clock,
	})

	control := engine.NewControlClient(cfg.EngineAPIAddress, cfg.EngineAPIPathPrefix, cfg.EngineControlTimeout)
	var (
		process engine.Process
		runner  *engine.Runner
	)
	if cfg.EngineExecutablePath != "" {
		runner = engine.NewRunner(cfg.EngineExecutablePath, cfg.EngineConfigPath)
		process = runner
	} else {
		logger.Info("no engine executable configured, driving an external engine", "api", cfg.EngineAPIAddress)
		process = engine.NewUnmanaged(control)
	}
	driver := engine.NewDriver(process, control, engine.DriverOptions{
		ConfigPath:     cfg.EngineConfigPath,
		VerifyAttempts: cfg.VerifyAttempts,
		VerifyBackoff:  cfg.VerifyBackoff,
		RestartWait:    cfg.EngineRestartWait,
		Metrics:        m,
	})

	coord := syncer.New(gen, driver, syncer.Options{
		MinInterval:   cfg.SyncMinInterval,
		LockTimeout:   cfg.SyncLockTimeout,
		PreemptWait:   cfg.SyncPreemptWait,
		QueueCapacity: cfg.SyncQueueCapacity,
		Clock:         clock,
		Metrics:       m,
	})

	enforcer := quota.NewEnforcer(store, coord, quota.Options{
		MinInterval: cfg.QuotaCheckInterval,
		Clock:       clock,
		Metrics:     m,
		Violations:  quota.NewViolationLog(cfg.ViolationHistory),
	})

	trafficOpts := traffic.Options{Ceiling: cfg.AnomalyCeiling, Listener: enforcer, Clock: clock, Metrics: m}
	var housekeeping loop.Group
	if cfg.CounterMode == config.CounterCumulative {
		trafficOpts.Tracker = traffic.NewTracker()
		housekeeping = append(housekeeping, trafficOpts.Tracker.PruneLoop(clock, cfg.CounterStateTTL))
	}
	reports := traffic.NewEngine(dir, ser, store, trafficOpts)

	reporter := admin.NewReporter()
	coord.OnResult(reporter.ObserveSync)
	coord.OnResult(func(res syncer.Result) {
		if res.Pushed {
			dir.Invalidate()
		}
	})

	mon := monitor.New(store, enforcer, monitor.Options{
		HighUsageRatio: cfg.MonitorHighUsageRatio,
		LargeGrowth:    cfg.MonitorLargeGrowth,
		Floor:          cfg.MonitorFloorInterval,
		Clock:          clock,
		Metrics:        m,
	})
	health := engine.NewHealthMonitor(driver, coord, engine.HealthOptions{
		Timeout:     cfg.EngineControlTimeout,
		MaxFailures: cfg.HealthCheckFailures,
		OnStatus:    reporter.EngineStatus,
	})

	autoSync := coord.PeriodicLoop(cfg.AutoSyncInterval)
	autoSync.SetEnabled(cfg.AutoSyncEnabled)
	monitorLoop := mon.Loop(cfg.MonitorInterval)
	monitorLoop.SetEnabled(cfg.MonitorEnabled)
	healthLoop := loop.New("engine_health", cfg.HealthCheckInterval, clock, health.Check)
	healthLoop.SetEnabled(cfg.HealthCheckEnabled)
	loops := loop.Group{autoSync, monitorLoop, healthLoop}

	engineInfo := webhook.EngineInfo{Healthy: health.Healthy}
	if runner != nil {
		engineInfo.Logs = runner.Logs
	}
	srv := webhook.New(webhook.Deps{
		Reports:  reports,
		Ports:    dir,
		Accounts: store,
		Enforcer: enforcer,
		Resetter: ser,
		Syncs:    coord,
		Loops:    loops,
		Engine:   engineInfo,
		Gatherer: reg,
		AuthAlgo: cfg.AuthGenerationAlgorithm,
		AdminKey: cfg.AdminToken,
		Metrics:  cfg.MetricsRoute,
	})
	if cfg.SimpleMode {
		srv.SetSimpleMode(true)
	}

	var tlsCfg *tls.Config
	if !cfg.Insecure {
		if err := tlsutil.EnsureServerKeypair(cfg.SSLCertFile, cfg.SSLKeyFile, cfg.HTTPAddress); err != nil {
			fatal(logger, "ensure keypair failed", "error", err)
		}
		tlsCfg, err = tlsutil.ServerConfig(cfg.SSLCertFile, cfg.SSLKeyFile, cfg.SSLClientCertFile)
		if err != nil {
			fatal(logger, "build tls failed", "error", err)
		}
	}

	httpAddr := net.JoinHostPort(cfg.HTTPAddress, strconv.Itoa(cfg.HTTPPort))
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           srv.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP surface running", "address", httpAddr, "tls", tlsCfg != nil)
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "http server failed", "error", err)
		}
	}()

	grpcServer := admin.NewServer(reporter, tlsCfg, cfg.Debug)
	if cfg.GRPCPort > 0 {
		grpcAddr := net.JoinHostPort(cfg.HTTPAddress, strconv.Itoa(cfg.GRPCPort))
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			fatal(logger, "listen failed", "address", grpcAddr, "error", err)
		}
		go func() {
			logger.Info("gRPC health service running", "address", grpcAddr)
			if err := grpcServer.Serve(lis); err != nil {
				fatal(logger, "grpc server failed", "error", err)
			}
		}()
	}

	startup := coord.RequestSync(ctx, models.TriggerStartup, true, 5)
	logger.Info("startup sync finished", "outcome", startup.Outcome, "reason", startup.Reason, "hash", startup.Hash)

	if runner != nil && cfg.EngineRestartOnExit {
		go runner.Supervise(ctx, cfg.EngineRestartWait)
	}
	loops.Run(ctx)
	housekeeping.Run(ctx)

	<-ctx.Done()
	logger.Info("shutting down forwardctl")

	reporter.Shutdown()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if runner != nil {
		if err := runner.Stop(shutdownCtx); err != nil {
			logger.Error("stop engine failed", "error", err)
		}
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Storage, func()) {
	if cfg.DatabaseURL != "" {
		pg, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal(logger, "open database failed", "error", err)
		}
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				fatal(logger, "migrate database failed", "error", err)
			}
		}
		return pg, func() {
			if err := pg.Close(); err != nil {
				logger.Error("close database failed", "error", err)
			}
		}
	}

	mem := storage.NewMemory()
	if cfg.SeedFile != "" {
		if err := mem.LoadSeed(cfg.SeedFile); err != nil {
			fatal(logger, "load seed failed", "path", cfg.SeedFile, "error", err)
		}
		logger.Info("memory store seeded", "path", cfg.SeedFile)
	} else {
		logger.Warn("no database or seed file configured, starting with an empty store")
	}
	return mem, func() {}
}

func fatal(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}
