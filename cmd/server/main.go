package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/chatforge/pipeline-service/internal/cache"
	"github.com/chatforge/pipeline-service/internal/config"
	"github.com/chatforge/pipeline-service/internal/jobengine"
	"github.com/chatforge/pipeline-service/internal/metrics"
	"github.com/chatforge/pipeline-service/internal/provider"
	"github.com/chatforge/pipeline-service/internal/queue"
	"github.com/chatforge/pipeline-service/internal/repository"
	"github.com/chatforge/pipeline-service/internal/services"
	"github.com/chatforge/pipeline-service/internal/store"
	"github.com/chatforge/pipeline-service/internal/stream"
	"github.com/chatforge/pipeline-service/pkg/server"
)

func main() {
	var envFile = flag.String("env", "", "Optional .env file to load")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize database
	_ = os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Log startup event
	db.Event("info", "startup", "Server starting", map[string]interface{}{
		"instance":  cfg.InstanceName,
		"http_addr": cfg.HTTPAddr,
		"db_path":   cfg.DBPath,
	})

	// Initialize Redis client for the cache, queue and metrics layers
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		db.Event("error", "redis.failed", "Redis connection failed", map[string]interface{}{
			"redis_addr": cfg.RedisAddr,
			"error":      err.Error(),
		})
		slog.Error("Failed to connect to Redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}

	// Connect to NATS once; the same connection carries stream broadcasts,
	// worker traffic and heartbeats.
	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		db.Event("error", "nats.failed", "NATS connection failed", map[string]interface{}{
			"nats_url": cfg.NatsURL,
			"error":    err.Error(),
		})
		slog.Error("Failed to connect to NATS", "url", cfg.NatsURL, "error", err)
		os.Exit(1)
	}

	// Initialize repository
	repo := repository.NewSQLiteRepository(db)

	// Initialize pipeline components
	collector := metrics.NewCollector(rdb, cfg.MetricsRetention, metrics.Thresholds{
		P99ResponseMs: cfg.AlertP99Ms,
		CacheHitRate:  cfg.AlertHitRate,
		QueueDepth:    cfg.AlertQueueDepth,
	})
	responseCache := cache.NewResponseCache(rdb, collector, cfg.ProviderModel)
	engine := jobengine.NewEngine(rdb)
	dispatcher := queue.NewDispatcher(engine, collector, cfg.VIPUsers)

	completions := provider.NewClient(provider.Config{
		BaseURL: cfg.ProviderURL,
		Model:   cfg.ProviderModel,
		Timeout: cfg.ProviderTimeout,
	}, nil)

	delivery := stream.NewDelivery(completions, repo, nc, collector, cfg.BroadcastPrefix)

	pipeline := services.NewPipelineService(responseCache, dispatcher, delivery, completions, repo, collector)

	// Log services initialization
	db.Event("info", "services.init", "Initializing services", map[string]interface{}{
		"http_addr":  cfg.HTTPAddr,
		"nats_url":   cfg.NatsURL,
		"redis_addr": cfg.RedisAddr,
	})

	natsService := services.NewNATSService(nc, cfg, pipeline, engine)

	// Start HTTP server
	httpServer := server.NewServer(cfg.HTTPAddr, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Log server ready
	db.Event("info", "server.ready", "Server ready to accept requests", map[string]interface{}{
		"instance":  cfg.InstanceName,
		"http_addr": cfg.HTTPAddr,
		"nats_url":  cfg.NatsURL,
	})

	// Start all services
	go func() {
		if err := httpServer.Start(ctx); err != nil {
			db.Event("error", "http.failed", "HTTP server failed", map[string]interface{}{
				"error": err.Error(),
			})
			slog.Error("HTTP server failed", "error", err)
		}
	}()

	go func() {
		if err := natsService.Start(ctx); err != nil {
			db.Event("error", "nats.failed", "NATS service failed", map[string]interface{}{
				"error": err.Error(),
			})
			slog.Error("NATS service failed", "error", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("Shutting down server")
}
