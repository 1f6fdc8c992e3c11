package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lmnop/internal/api"
	"lmnop/internal/app"
	"lmnop/internal/clock"
	"lmnop/internal/config"
	"lmnop/internal/ha"
	"lmnop/internal/notify"
	"lmnop/internal/storage"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const startupTimeout = 2 * time.Minute

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting LMNOP Notifier",
		zap.String("url", cfg.HAURL),
		zap.String("name", cfg.Name),
		zap.Bool("read_only", cfg.ReadOnly))

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("Failed to open database", zap.String("path", cfg.DBPath), zap.Error(err))
	}
	defer db.Close()

	store := storage.NewStore(db, logger)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID, err = store.InstanceID(ctx)
		if err != nil {
			logger.Fatal("Failed to resolve instance id", zap.Error(err))
		}
	}

	client := ha.NewClient(cfg.HAURL, cfg.HAToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	logger.Info("Connected to Home Assistant")

	instance := app.NewInstance(app.Options{
		Name:            cfg.Name,
		InstanceID:      instanceID,
		LightGroup:      cfg.AlertLightGroup,
		LightCommandRPS: cfg.LightCommandRPS,
		PublishStatus:   cfg.PublishStatus,
		ReadOnly:        cfg.ReadOnly,
	}, client, storage.NewAlertStore(store, instanceID), notify.NewStubClient(cfg.APIKey, logger), clock.NewRealClock(), logger)

	if err := instance.Start(ctx); err != nil {
		logger.Fatal("Failed to start notifier", zap.Error(err))
	}
	defer instance.Stop()

	server := api.NewServer(instance.Dispatcher, instance.Tracker, instance.Publisher, client, clock.NewRealClock(), logger, cfg.APIPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start HTTP API server", zap.Error(err))
	}

	if cfg.ReadOnly {
		logger.Info("Running in READ-ONLY mode - no changes will be made to Home Assistant lights or helpers")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.",
		zap.String("instance_id", instanceID),
		zap.Int("api_port", cfg.APIPort))

	<-sigChan

	logger.Info("Shutting down gracefully...")
	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop HTTP API server", zap.Error(err))
	}
}
