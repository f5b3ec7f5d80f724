package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/yegors/iftracker/internal/airports"
	"github.com/yegors/iftracker/internal/api"
	"github.com/yegors/iftracker/internal/config"
	"github.com/yegors/iftracker/internal/liveapi"
	"github.com/yegors/iftracker/internal/notifier"
	"github.com/yegors/iftracker/internal/storage/sqlite"
	"github.com/yegors/iftracker/internal/tracker"
	"github.com/yegors/iftracker/internal/websocket"
	"github.com/yegors/iftracker/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting pilot tracker",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	// Airport data for the landing heuristic
	airportIndex, err := airports.LoadFile(cfg.Airports.DBPath, cfg.Airports.IncludeClosed, log)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("Airport database not found, landings will not be detected",
			logger.String("path", cfg.Airports.DBPath))
		airportIndex = airports.NewIndex(nil)
	} else if err != nil {
		log.Error("Failed to load airport data", logger.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create WebSocket server
	var wsServer *websocket.Server
	if cfg.WebSocket.Enabled {
		wsServer = websocket.NewServer(log)
		go wsServer.Run(ctx)
	}

	// Create callback notifier
	notify := notifier.New(notifier.Config{
		DefaultURL: cfg.Callbacks.DefaultURL,
		Timeout:    time.Duration(cfg.Callbacks.TimeoutSeconds) * time.Second,
		Workers:    cfg.Callbacks.Workers,
		QueueSize:  cfg.Callbacks.QueueSize,
	}, log)

	// Create tracker journal
	var (
		storage tracker.Storage
		archive api.TrackerArchive
	)
	if cfg.Storage.Type == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0755); err != nil {
			log.Error("Failed to create database directory", logger.Error(err), logger.String("path", cfg.Storage.SQLitePath))
			os.Exit(1)
		}
		trackerStorage, err := sqlite.NewTrackerStorage(cfg.Storage.SQLitePath, log)
		if err != nil {
			log.Error("Failed to create SQLite storage", logger.Error(err))
			os.Exit(1)
		}
		defer trackerStorage.Close()
		storage = trackerStorage
		archive = trackerStorage
		log.Info("Using SQLite storage", logger.String("path", cfg.Storage.SQLitePath))
	}

	registryOpts := tracker.RegistryOptions{
		DefaultServer: cfg.Tracking.DefaultServer,
		SearchTimeout: cfg.SearchTimeout(),
		Notifier:      notify,
	}
	if storage != nil {
		registryOpts.Storage = storage
	}
	if wsServer != nil {
		registryOpts.WebSocket = wsServer
	}
	registry := tracker.NewRegistry(registryOpts, log)

	log.Info("Tracker journal configured",
		logger.String("type", cfg.Storage.Type),
		logger.Bool("restore_on_start", cfg.Storage.RestoreOnStart))

	if storage != nil && cfg.Storage.RestoreOnStart {
		if _, err := registry.Restore(ctx); err != nil {
			log.Error("Failed to restore trackers", logger.Error(err))
		}
	}

	client := liveapi.NewClient(liveapi.ClientConfig{
		BaseURL:           cfg.LiveAPI.BaseURL,
		APIKey:            cfg.LiveAPI.APIKey,
		Timeout:           time.Duration(cfg.LiveAPI.RequestTimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.LiveAPI.RequestsPerSecond,
		Burst:             cfg.LiveAPI.Burst,
	}, log)

	t := cfg.Tracking
	service := tracker.NewService(client, registry, airportIndex, tracker.Config{
		TickInterval:         cfg.TickInterval(),
		MaxConcurrentServers: t.MaxConcurrentServers,
		SearchTimeout:        cfg.SearchTimeout(),
		ServerAliases:        t.ServerAliases,
		Schedule: tracker.Schedule{
			ActiveInterval:     time.Duration(t.ActiveIntervalSecs) * time.Second,
			BackgroundInterval: time.Duration(t.BackgroundIntervalSecs) * time.Second,
			RecentBackoff:      time.Duration(t.RecentBackoffSecs) * time.Second,
			MediumBackoff:      time.Duration(t.MediumBackoffSecs) * time.Second,
			LongBackoff:        time.Duration(t.LongBackoffSecs) * time.Second,
			RecentWindow:       time.Duration(t.RecentWindowMinutes) * time.Minute,
			MediumWindow:       time.Duration(t.MediumWindowHours) * time.Hour,
		},
		Landing: tracker.LandingThresholds{
			MaxAltitudeAGLFt:  cfg.Landing.MaxAltitudeAGLFt,
			MaxGroundSpeedKts: cfg.Landing.MaxGroundSpeedKts,
			MaxDistanceKm:     cfg.Landing.MaxDistanceKm,
		},
	}, log)

	if err := service.Start(ctx); err != nil {
		log.Error("Failed to start tracker scheduler", logger.Error(err))
		os.Exit(1)
	}

	if wsServer != nil {
		wsServer.SetMessageHandler(api.NewWebSocketHandler(registry, log))
	}

	// Create API router
	router := api.NewRouter(service, archive, cfg, log, wsServer)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", logger.String("addr", addr), logger.Error(err))
			cancel()
		}
	}()

	// Wait for interrupt signal or a fatal server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	}

	log.Info("Stopping tracker scheduler...")
	service.Stop()

	// Drain pending callbacks before exit
	notify.Close()

	cancel()
	log.Info("Server fully stopped")
}
