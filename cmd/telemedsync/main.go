package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telemedsync/internal/config"
	"telemedsync/internal/constants"
	"telemedsync/internal/database"
	"telemedsync/internal/models"
	"telemedsync/internal/retry"
	"telemedsync/internal/service"
	"telemedsync/internal/tracing"
	"telemedsync/pkg/circuitbreaker"
	"telemedsync/pkg/cloud"
	"telemedsync/pkg/rtc"
	"telemedsync/pkg/signaling"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose     = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath  = flag.String("config", "config.json", "Path to configuration file")
	version     = flag.Bool("version", false, "Show version information")
	role        = flag.String("role", "patient", "Session role: patient, doctor, admin or pharmacy")
	userID      = flag.String("user", "", "User identifier (patient mobile number or doctor id)")
	displayName = flag.String("name", "", "Display name for this session")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("telemedsync %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting telemedsync")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			if level > logrus.InfoLevel {
				level = logrus.InfoLevel
			}
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	session, err := models.NewSession(models.Role(*role), *userID, *displayName)
	if err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"role": session.Role,
		"user": session.UserID,
	}).Info("Session established")

	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Initialize database with exponential backoff retry
	var db *database.Database
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})
	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()

	cloudTimeout := time.Duration(cfg.Cloud.TimeoutSec) * time.Second

	var cloudClient cloud.Client
	var probe service.ProbeFunc
	if cfg.Cloud.Enabled() {
		breaker := circuitbreaker.New("cloud", 5, 30*time.Second, logger)
		cloudClient = cloud.NewClient(cfg.Cloud.BaseURL, cfg.Cloud.APIKey, cloudTimeout, breaker)
		probe = probeCloud(cfg.Cloud.BaseURL)
	} else {
		logger.Info("No cloud backend configured; running local-only")
	}

	connectivity := service.NewConnectivityMonitor(probe,
		constants.DefaultConnectivityProbeSec*time.Second,
		constants.DefaultConnectivityProbeTimeout*time.Second,
		logger)
	if err := connectivity.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}
	defer connectivity.Stop()

	reconciler := service.NewReconciler(db, cloudClient, connectivity, session, logger)
	viewHub := service.NewViewHub(logger)
	reconciler.OnViewUpdate(viewHub.Publish)

	syncPoller := service.NewSyncPoller(reconciler, connectivity, cfg.Sync, cfg.Retry, logger)
	if err := syncPoller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync poller: %w", err)
	}
	defer syncPoller.Stop()

	lifecycle := service.NewLifecycleController(db, reconciler, session, logger)

	var channel signaling.Channel
	if cfg.Signaling.Mode == "cloud" {
		channel = signaling.NewHTTPChannel(cfg.Cloud.BaseURL, cfg.Cloud.APIKey, cloudTimeout)
	} else {
		channel = signaling.NewLocalChannel()
	}

	callSession := service.NewCallSessionController(channel, rtc.NewPionAPI(),
		rtc.NewPionMediaDevices(), session, cfg.Signaling, logger)

	symptoms := service.NewSymptomChecker(cfg.AI, connectivity, logger)

	server := NewServer(lifecycle, reconciler, callSession, symptoms, viewHub, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	callSession.EndCall(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		constants.DefaultGracefulShutdownSec*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// probeCloud reports reachability of the remote store's health endpoint.
func probeCloud(baseURL string) service.ProbeFunc {
	client := &http.Client{Timeout: constants.DefaultConnectivityProbeTimeout * time.Second}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode < 500
	}
}
