package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mithem/compolvo/internal/bus"
	"github.com/mithem/compolvo/internal/config"
	"github.com/mithem/compolvo/internal/db"
	"github.com/mithem/compolvo/internal/handlers/api"
	wshandler "github.com/mithem/compolvo/internal/handlers/websocket"
	"github.com/mithem/compolvo/internal/repository"
	"github.com/mithem/compolvo/internal/routes"
	"github.com/mithem/compolvo/internal/services"
	"github.com/mithem/compolvo/pkg/debug"
	"github.com/redis/go-redis/v9"
)

func main() {
	debug.Reinitialize()

	cfg, err := config.Load()
	if err != nil {
		debug.Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		debug.Error("Failed to connect to database: %v", err)
		os.Exit(1)
	}
	defer database.Close()
	if err := database.Migrate(); err != nil {
		debug.Error("Failed to run migrations: %v", err)
		os.Exit(1)
	}

	agentRepo := repository.NewAgentRepository(database)
	softwareRepo := repository.NewAgentSoftwareRepository(database)

	// Stale connected flags from a previous crash would lock agents out of
	// logging in again.
	reset, err := agentRepo.ResetConnected(ctx)
	if err != nil {
		debug.Error("Failed to reset agent connection flags: %v", err)
		os.Exit(1)
	}
	if reset > 0 {
		debug.Warning("Reset connected flag on %d agent(s) from a previous run", reset)
	}

	var queue bus.Queue
	if cfg.QueueBackend == config.QueueRedis {
		redisQueue, err := bus.NewRedisQueue(ctx, &redis.Options{Addr: cfg.RedisAddr})
		if err != nil {
			debug.Error("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
			os.Exit(1)
		}
		defer redisQueue.Close()
		queue = redisQueue
		debug.Info("Using Redis-backed event queue at %s", cfg.RedisAddr)
	}

	eventBus := bus.New(queue)
	if err := eventBus.Start(ctx); err != nil {
		debug.Error("Failed to start event bus: %v", err)
		os.Exit(1)
	}
	defer eventBus.Stop()

	reconciler := services.NewReconciler(softwareRepo, agentRepo, eventBus)
	reloadWorker := services.NewReloadWorker(eventBus, agentRepo, softwareRepo)
	reloadWorker.Start()
	defer reloadWorker.Stop()

	router := mux.NewRouter()
	routes.Setup(router,
		wshandler.NewHandler(eventBus, agentRepo, reconciler),
		api.NewHandler(agentRepo),
		cfg.PlaybookDir)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		debug.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	debug.Info("Listening on %s", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		debug.Error("Server error: %v", err)
		os.Exit(1)
	}
}
