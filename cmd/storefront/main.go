package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/example/storefront/gateway"
	"github.com/example/storefront/pkg/checkout"
	"github.com/example/storefront/pkg/config"
	"github.com/example/storefront/pkg/discovery"
	"github.com/example/storefront/pkg/notify"
	"github.com/example/storefront/pkg/payment"
	"github.com/example/storefront/pkg/reconcile"
	"github.com/example/storefront/pkg/repository"
	"go.uber.org/zap"
)

func main() {
	// Load config
	cfg, err := config.Load("config/storefront.yaml")
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Setup logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting storefront service",
		zap.String("name", cfg.Server.Name),
		zap.Int("port", cfg.Server.Port))

	// Order store (MySQL)
	store, err := repository.NewStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create order store", zap.Error(err))
	}

	// Redis order cache
	cache := repository.NewRedisRepository(&cfg.Redis)
	defer cache.Close()

	// Mongo payment audit trail
	audit, err := repository.NewMongoRepository(&cfg.MongoDB)
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}

	// Payment gateway client
	bills := payment.NewClient(&cfg.Payment, logger)

	// Notification dispatcher (actor-backed)
	system := actor.NewActorSystem()
	notifier, err := notify.NewActorDispatcher(system, notify.NewLogSender(logger), logger)
	if err != nil {
		logger.Fatal("Failed to start notification dispatcher", zap.Error(err))
	}

	checkoutSvc := checkout.NewService(store, bills, cache, audit, logger)
	engine := reconcile.NewEngine(store, bills, notifier, cache, audit, logger)

	gw := gateway.NewGateway(cfg, logger, checkoutSvc, engine, store, cache)
	gw.SetupRoutes()

	// Connect to etcd for service registration
	registry, err := discovery.NewRegistry(&cfg.Etcd)
	if err != nil {
		logger.Fatal("Failed to connect to etcd", zap.Error(err))
	}
	defer registry.Close()

	ctx := context.Background()
	instance := &discovery.Instance{
		Name: cfg.Server.Name,
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}
	if err := registry.Register(ctx, instance); err != nil {
		logger.Fatal("Failed to register service", zap.Error(err))
	}
	logger.Info("Service registered in etcd",
		zap.String("name", cfg.Server.Name),
		zap.String("address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)))

	// Ping dependencies
	if err := cache.Ping(ctx); err != nil {
		logger.Warn("Redis connection failed", zap.Error(err))
	} else {
		logger.Info("Redis connected successfully")
	}
	if err := audit.Ping(ctx); err != nil {
		logger.Warn("MongoDB connection failed", zap.Error(err))
	} else {
		logger.Info("MongoDB connected successfully")
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := gw.Start(); err != nil {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("Received shutdown signal")
	case err := <-serverErr:
		logger.Fatal("Server error", zap.Error(err))
	}

	// Deregister service
	if err := registry.Deregister(ctx, instance); err != nil {
		logger.Error("Failed to deregister service", zap.Error(err))
	}
	if err := audit.Close(ctx); err != nil {
		logger.Error("Failed to close MongoDB", zap.Error(err))
	}

	logger.Info("Service stopped")
}
