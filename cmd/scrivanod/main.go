package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scrivanolabs/scrivano/internal/action"
	"github.com/scrivanolabs/scrivano/internal/blobstore"
	"github.com/scrivanolabs/scrivano/internal/build"
	"github.com/scrivanolabs/scrivano/internal/capability"
	"github.com/scrivanolabs/scrivano/internal/config"
	"github.com/scrivanolabs/scrivano/internal/db"
	"github.com/scrivanolabs/scrivano/internal/mailclient"
	"github.com/scrivanolabs/scrivano/internal/store"
	"github.com/scrivanolabs/scrivano/internal/sweeper"
)

func main() {
	var (
		configPath = flag.String("config", "",
			"Path to TOML config file (empty for defaults)")
		dbPath = flag.String("db", "",
			"SQLite database path (overrides config)")
		metricsAddr = flag.String("metrics", "",
			"Metrics listen address (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *metricsAddr != "" {
		cfg.Metrics.Listen = *metricsAddr
	}

	// Set up dual-stream logging: console plus a rotating file when a
	// log directory is configured.
	var rotCfg *build.LogRotatorConfig
	if cfg.Logging.Dir != "" {
		rotCfg = build.DefaultLogRotatorConfig()
		rotCfg.LogDir = cfg.Logging.Dir
		rotCfg.MaxLogFiles = cfg.Logging.MaxFiles
		rotCfg.MaxLogFileSize = cfg.Logging.MaxFileSizeMB
	}

	logger, cleanup, err := build.SetupLogging(
		build.ParseLevel(cfg.Logging.Level), rotCfg,
	)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer cleanup()

	logger.Info("scrivanod starting", "version", build.Version())

	// Open the database and bring the schema up to date.
	sqlDB, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer sqlDB.Close()

	if err := db.ApplyMigrations(sqlDB, logger); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	st := store.NewSQLiteStore(sqlDB)

	// Build the capability handlers the configuration supports. Tagging
	// only needs the store; the rest need mail or object storage
	// endpoints.
	var handlers []action.Handler
	handlers = append(handlers, capability.NewTagHandler(st))

	if cfg.SMTP.Host != "" {
		sender := mailclient.NewSMTPClient(mailclient.SMTPConfig{
			Host:        cfg.SMTP.Host,
			Username:    cfg.SMTP.Username,
			Password:    cfg.SMTP.Password,
			UseTLS:      cfg.SMTP.UseTLS,
			UseStartTLS: cfg.SMTP.UseStartTLS,
			TLSVerify:   cfg.SMTP.TLSVerify,
		}, logger)

		handlers = append(handlers,
			capability.NewForwardHandler(sender, cfg.SMTP.From),
			capability.NewCalendarHandler(sender, cfg.SMTP.From),
		)
	} else {
		logger.Warn("smtp.host not set, forward and calendar " +
			"capabilities disabled")
	}

	if cfg.IMAP.Host != "" {
		appender := mailclient.NewIMAPClient(mailclient.IMAPConfig{
			Host:      cfg.IMAP.Host,
			Username:  cfg.IMAP.Username,
			Password:  cfg.IMAP.Password,
			Mailbox:   cfg.IMAP.Mailbox,
			TLSVerify: cfg.IMAP.TLSVerify,
		}, logger)

		handlers = append(handlers, capability.NewDraftHandler(
			appender, cfg.SMTP.From, logger,
		))
	} else {
		logger.Warn("imap.host not set, draft capability disabled")
	}

	if cfg.Storage.Endpoint != "" {
		blobs, err := blobstore.NewS3Store(blobstore.S3Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			log.Fatalf("Failed to create blob store: %v", err)
		}

		handlers = append(handlers, capability.NewUploadHandler(
			blobs, logger,
		))
	} else {
		logger.Warn("storage.endpoint not set, upload capability " +
			"disabled")
	}

	registry := action.NewRegistry(handlers...)

	executor := action.NewExecutor(action.ExecutorConfig{
		BatchSize:      cfg.Executor.BatchSize,
		HandlerTimeout: cfg.Executor.HandlerTimeout.Duration,
	}, st, registry, logger)

	// Set up signal handling for graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	// Start the metrics endpoint if enabled.
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		srv := &http.Server{
			Addr:    cfg.Metrics.Listen,
			Handler: mux,
		}

		go func() {
			logger.Info("metrics endpoint listening",
				"addr", cfg.Metrics.Listen)
			err := srv.ListenAndServe()
			if err != nil &&
				!errors.Is(err, http.ErrServerClosed) {

				logger.Error("metrics endpoint failed",
					"err", err)
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(
				context.Background(), 5*time.Second,
			)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Run the execution and retry loops until a signal arrives.
	sw := sweeper.New(sweeper.Config{
		ExecuteInterval: cfg.Executor.ExecuteInterval.Duration,
		RetryInterval:   cfg.Executor.RetryInterval.Duration,
		RetryBatchSize:  cfg.Executor.RetryBatchSize,
	}, executor, nil, logger)

	if err := sw.Run(ctx); err != nil &&
		!errors.Is(err, context.Canceled) {

		log.Fatalf("Sweeper error: %v", err)
	}
}
