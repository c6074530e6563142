// Command agent is the asterisk-call-agent server entrypoint. It wires the
// Source Readers, Aggregator, Recording Tracker, and Shipper together per
// spec.md §2's dependency graph, and serves Prometheus metrics and
// liveness/readiness endpoints. Adapted from the teacher's
// cmd/router/main.go server-mode wiring (flag parsing, logger init,
// signal-driven graceful shutdown), generalized away from its CLI/AGI
// dual-mode split since this agent has no AGI surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/aggregator"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/ami"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/cache"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/classify"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/config"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/health"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/localdb"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/metrics"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/recording"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/shipper"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/source"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/state"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/errors"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/logger"
)

func main() {
	var configFile string
	var verbose bool
	flag.StringVar(&configFile, "config", "", "Configuration file path")
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logLevel := cfg.Monitoring.Logging.Level
	if verbose {
		logLevel = "debug"
	}
	if err := logger.Init(logger.Config{
		Level:  logLevel,
		Format: cfg.Monitoring.Logging.Format,
		Output: cfg.Monitoring.Logging.Output,
		File: logger.FileConfig{
			Enabled:    cfg.Monitoring.Logging.File.Enabled,
			Path:       cfg.Monitoring.Logging.File.Path,
			MaxSize:    cfg.Monitoring.Logging.File.MaxSize,
			MaxBackups: cfg.Monitoring.Logging.File.MaxBackups,
			MaxAge:     cfg.Monitoring.Logging.File.MaxAge,
			Compress:   cfg.Monitoring.Logging.File.Compress,
		},
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.WithError(err).Fatal("agent exited with error")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	stateStore, err := state.Open(cfg.LocalState.Path, cfg.LocalState.FallbackPath)
	if err != nil {
		return errors.Wrap(err, errors.ErrStateCorrupt, "failed to open local state store")
	}
	defer stateStore.Close()

	dbSource, err := source.NewDBSource(cfg.Source.DB, cfg.Source.CEL, cfg.GetDSN())
	if err != nil {
		return errors.Wrap(err, errors.ErrSourceUnavailable, "failed to initialize database source")
	}
	defer dbSource.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := dbSource.HealthCheck(startupCtx); err != nil {
		startupCancel()
		return errors.Wrap(err, errors.ErrSourceUnavailable, "database source failed startup health check")
	}
	startupCancel()

	var celSource aggregator.CELSource = dbSource
	switch cfg.Source.CEL.Mode {
	case "csv":
		csvSrc := source.NewCSVSource(cfg.Source.CEL.CSVPath, cfg.Source.CEL.CSVLineCap, cfg.Source.CEL.CacheTTL)
		if err := csvSrc.CheckReadable(); err != nil {
			return errors.Wrap(err, errors.ErrSourceUnavailable, "CEL CSV source is not readable")
		}
		celSource = csvSrc
	case "ami":
		logger.Warn("source.cel.mode=ami is not yet backed by a dedicated event-stream reader; falling back to the database CEL table")
	}

	dbNow, err := dbSource.Now(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrSourceUnavailable, "failed to read source database clock")
	}
	maxCallDate, err := dbSource.MaxCallDate(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrSourceUnavailable, "failed to read latest CDR call date")
	}
	watermark, err := stateStore.StartupWatermark(dbNow, maxCallDate)
	if err != nil {
		return errors.Wrap(err, errors.ErrStateCorrupt, "failed to establish startup watermark")
	}

	amiMgr := ami.NewManager(ami.Config{
		Host:              cfg.AMI.Host,
		Port:              cfg.AMI.Port,
		Username:          cfg.AMI.Username,
		Password:          cfg.AMI.Password,
		ReconnectInterval: cfg.AMI.ReconnectDelay,
		PingInterval:      cfg.AMI.PingInterval,
	})
	if err := amiMgr.Connect(ctx); err != nil {
		logger.WithError(err).Warn("initial AMI connection failed, will keep retrying in the background")
	}
	defer amiMgr.Close()

	redisCache, err := cache.New(cache.Config{
		Enabled:      cfg.Cache.Enabled,
		Host:         cfg.Cache.Host,
		Port:         cfg.Cache.Port,
		Password:     cfg.Cache.Password,
		DB:           cfg.Cache.DB,
		PoolSize:     cfg.Cache.PoolSize,
		MinIdleConns: cfg.Cache.MinIdleConns,
		MaxRetries:   cfg.Cache.MaxRetries,
	}, cfg.App.Name)
	if err != nil {
		logger.WithError(err).Warn("redis cache unavailable, continuing without it")
		redisCache = &cache.Cache{}
	}
	defer redisCache.Close()

	var auditLog *localdb.AuditLog
	if cfg.LocalState.AuditEnabled {
		auditDB, err := localdb.Open(localdb.Config{
			Driver:          cfg.Source.DB.Driver,
			Host:            cfg.Source.DB.Host,
			Port:            cfg.Source.DB.Port,
			Username:        cfg.Source.DB.Username,
			Password:        cfg.Source.DB.Password,
			Database:        cfg.Source.DB.Database,
			MaxOpenConns:    cfg.Source.DB.MaxOpenConns,
			MaxIdleConns:    cfg.Source.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.Source.DB.ConnMaxLifetime,
			RetryAttempts:   cfg.Source.DB.RetryAttempts,
			RetryDelay:      cfg.Source.DB.RetryDelay,
		})
		if err != nil {
			logger.WithError(err).Warn("shipment audit log database unavailable, audit trail disabled")
		} else {
			defer auditDB.Close()
			if err := localdb.RunMigrations(auditDB.DB); err != nil {
				logger.WithError(err).Warn("shipment audit log migration failed, audit trail disabled")
			} else {
				auditLog = localdb.NewAuditLog(auditDB)
			}
		}
	}
	patterns := classify.NewPatterns(nil, cfg.App.Tenant.KnownTrunks, nil)

	shipSvc := shipper.New(cfg.Shipper, stateStore, cfg.App.Hostname, "1.0.0")
	if auditLog != nil {
		shipSvc.SetAuditLog(auditLog)
	}

	agg := aggregator.New(dbSource, celSource, stateStore, shipSvc, patterns, cfg.Aggregation, cfg.App)
	agg.SetWatermark(watermark)

	tracker := recording.NewTracker(stateStore, cfg.Recording)
	tracker.Attach(amiMgr)

	stability := recording.NewStabilityChecker(stateStore, cfg.Recording)
	sweeper := recording.NewSweeper(stateStore, cfg.Recording)

	var metricsSvc *metrics.PrometheusMetrics
	if cfg.Monitoring.Metrics.Enabled {
		metricsSvc = metrics.NewPrometheusMetrics()
	}

	var healthSvc *health.HealthService
	if cfg.Monitoring.Health.Enabled {
		healthSvc = health.NewHealthService(cfg.Monitoring.Health.Port)
		healthSvc.RegisterReadinessCheck("source_db", health.SourcePingable(dbSource.HealthCheck))
		healthSvc.RegisterLivenessCheck("ami", health.AMIConnected(amiMgr))
		healthSvc.RegisterReadinessCheck("shipment_queue", health.QueueNotSaturated(shipSvc.QueueDepth, cfg.Shipper.QueueCapacity))
	}

	var wg sync.WaitGroup
	runTracked := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.WithField("component", name).WithError(err).Error("component exited with error")
			}
		}()
	}

	runTracked("aggregator", agg.Run)
	runTracked("recording_stability_checker", stability.Run)
	runTracked("recording_sweeper", sweeper.Run)
	runTracked("shipper", shipSvc.Run)

	if metricsSvc != nil {
		go func() {
			if err := metricsSvc.ServeHTTP(cfg.Monitoring.Metrics.Port); err != nil {
				logger.WithError(err).Warn("metrics server stopped")
			}
		}()
	}
	if healthSvc != nil {
		go func() {
			if err := healthSvc.Start(); err != nil {
				logger.WithError(err).Warn("health service stopped")
			}
		}()
	}

	logger.Info("asterisk-call-agent started")
	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight work")

	if healthSvc != nil {
		healthSvc.Stop()
	}
	wg.Wait()

	logger.Info("shutdown complete")
	return nil
}
