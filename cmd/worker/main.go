// Standalone worker: pulls tasks from the redis queues and runs them
// through the dispatch gate. Scaled independently of the HTTP server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"dpgate/internal/dispatch"
	"dpgate/internal/querier"
	"dpgate/internal/querier/aggregate"
	"dpgate/internal/queue"
	"dpgate/internal/store"
	"dpgate/internal/worker"
	"dpgate/pkg/config"
	"dpgate/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New("dpgate-worker")

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}
	if cfg.Store.Backend == "file" {
		// The file backend is process-local; a standalone worker would see a
		// different ledger than the server it serves.
		log.Fatal("The file store backend cannot back a standalone worker", map[string]interface{}{
			"backend": cfg.Store.Backend,
		})
	}

	ctx := context.Background()

	backend, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open ledger store", map[string]interface{}{"error": err.Error()})
	}
	defer backend.Close(ctx)

	if err := backend.Ping(ctx); err != nil {
		log.Fatal("Ledger store ping failed", map[string]interface{}{"error": err.Error()})
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
	}

	ledger := store.NewLedger(backend)

	registry := querier.NewRegistry()
	aggregate.Register(registry)

	gate := dispatch.NewGate(ledger, registry, log)
	broker := queue.NewRedisBroker(redisClient, cfg.Queue.Prefix, cfg.Queue.TaskTimeout)

	pool := worker.NewPool(broker, gate, cfg.Worker.Count, log)
	pool.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down worker...", nil)
	pool.Stop()
	log.Info("Worker stopped gracefully", nil)
}
