package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sunnychaun9/offline-crud-apps/internal/api"
	"github.com/sunnychaun9/offline-crud-apps/internal/config"
	"github.com/sunnychaun9/offline-crud-apps/internal/inventory"
	"github.com/sunnychaun9/offline-crud-apps/internal/localstore"
	"github.com/sunnychaun9/offline-crud-apps/internal/logger"
	"github.com/sunnychaun9/offline-crud-apps/internal/store"
	"github.com/sunnychaun9/offline-crud-apps/internal/sync"
)

func main() {
	// Load Config
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting offline sync service")

	// Init Durable Cache
	cache, err := store.NewSQLiteStore(cfg.Storage)
	if err != nil {
		logger.Log.Fatal("Failed to init durable cache", zap.Error(err))
	}
	defer cache.Close()

	// Init Local Store
	local := localstore.New()
	schemas := inventory.Schemas()
	for _, collection := range cfg.Sync.Collections {
		schema, ok := schemas[collection]
		if !ok {
			logger.Log.Fatal("Unknown collection in config", zap.String("collection", collection))
		}
		if err := local.RegisterCollection(collection, schema); err != nil {
			logger.Log.Fatal("Failed to register collection", zap.Error(err))
		}
	}

	// Init Sync Stack
	syncer := sync.NewSynchronizer(local, cache, cfg.Sync.GetDebounceDelay())
	controller := sync.NewController(cfg, local, cache, syncer)

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	err = controller.Bootstrap(bootCtx)
	cancelBoot()
	if err != nil {
		logger.Log.Fatal("Failed to bootstrap", zap.Error(err))
	}

	scheduler := sync.NewScheduler(cfg.Scheduler, controller)
	scheduler.Start()

	// Init API
	handler := api.NewHandler(controller, inventory.NewService(local, syncer), cache, cfg.Server)
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("Server shutdown failed", zap.Error(err))
	}
	scheduler.Stop()
	controller.Shutdown()
}
