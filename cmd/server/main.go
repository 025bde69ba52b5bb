package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"dpgate/internal/dispatch"
	"dpgate/internal/handler"
	"dpgate/internal/middleware"
	"dpgate/internal/querier"
	"dpgate/internal/querier/aggregate"
	"dpgate/internal/queue"
	"dpgate/internal/store"
	"dpgate/internal/worker"
	"dpgate/pkg/config"
	"dpgate/pkg/logger"
	"dpgate/pkg/validator"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New("dpgate-server")

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Starting query gate server", map[string]interface{}{
		"port":    cfg.Server.Port,
		"backend": cfg.Store.Backend,
	})

	ctx := context.Background()

	backend, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open ledger store", map[string]interface{}{"error": err.Error()})
	}
	defer backend.Close(ctx)

	if err := backend.Ping(ctx); err != nil {
		log.Fatal("Ledger store ping failed", map[string]interface{}{"error": err.Error()})
	}
	log.Info("Ledger store connected", nil)

	ledger := store.NewLedger(backend)

	registry := querier.NewRegistry()
	aggregate.Register(registry)

	gate := dispatch.NewGate(ledger, registry, log)

	// The file backend has no shared state for other processes, so the
	// in-memory broker (and in-process workers) are the only correct pairing.
	var redisClient *redis.Client
	var broker queue.Broker
	var jobs queue.JobStore
	if cfg.Store.Backend == "file" {
		broker = queue.NewMemoryBroker(cfg.Queue.TaskTimeout)
		jobs = queue.NewMemoryJobStore()
		log.Info("Using in-memory queue", nil)
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
		}
		log.Info("Redis connected", nil)
		broker = queue.NewRedisBroker(redisClient, cfg.Queue.Prefix, cfg.Queue.TaskTimeout)
		jobs = queue.NewRedisJobStore(redisClient, cfg.Queue.Prefix, cfg.Queue.JobTTL)
	}

	protocol := queue.NewProtocol(broker, jobs, log)
	protocol.Start()
	defer protocol.Stop()

	pool := worker.NewPool(broker, gate, cfg.Worker.Count, log)
	pool.Start()
	defer pool.Stop()

	// Handlers
	val := validator.New()
	queryHandler := handler.NewQueryHandler(protocol, val, log)
	budgetHandler := handler.NewBudgetHandler(ledger, log)
	systemHandler := handler.NewSystemHandler(backend, redisClient, log)

	// Router
	r := mux.NewRouter()
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(log).Log)

	authMW := middleware.NewAuthMiddleware(cfg.JWT.Secret)

	r.HandleFunc("/health", systemHandler.Health).Methods("GET")
	r.HandleFunc("/ready", systemHandler.Ready).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(authMW.Authenticate)

	api.HandleFunc("/queries", queryHandler.SubmitQuery).Methods("POST")
	api.HandleFunc("/queries/estimate", queryHandler.SubmitEstimate).Methods("POST")
	api.HandleFunc("/queries/dummy", queryHandler.SubmitDummy).Methods("POST")
	api.HandleFunc("/jobs/{uid}", queryHandler.GetJob).Methods("GET")
	api.HandleFunc("/budget/{dataset}", budgetHandler.GetBudget).Methods("GET")
	api.HandleFunc("/history/{dataset}", budgetHandler.GetHistory).Methods("GET")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/snapshot", systemHandler.Snapshot).Methods("POST")

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Query gate server started", map[string]interface{}{"address": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down query gate server...", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Query gate server stopped gracefully", nil)
}
