package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"crashroom/internal/auth"
	"crashroom/internal/cache"
	"crashroom/internal/config"
	"crashroom/internal/database"
	"crashroom/internal/feed"
	"crashroom/internal/game"
	"crashroom/internal/logger"
	"crashroom/internal/server"
	"crashroom/internal/store"
	"crashroom/internal/wallet"
)

const SHUTDOWN_TIMEOUT = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Errorf("config: %w", err))
	}

	log, err := logger.New("crashroom-api", cfg.Env)
	if err != nil {
		panic(fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
	log.Info("graceful shutdown complete")
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.DB, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.RunMigrations(db.DB(), cfg.DB.MigrationsPath); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	redisService, err := cache.New(cfg.Redis, log)
	if err != nil {
		return err
	}
	defer redisService.Close()

	balances := wallet.NewRedis(redisService.GetClient())
	gateway := store.NewPostgres(db.DB())
	recent := store.NewRecentResults(redisService.GetClient(), cfg.Store.HistoryLimit)
	writer := store.NewWriter(gateway, balances, recent, cfg.Store.MaxElapsed, log)

	firstRound, err := store.Recover(ctx, gateway, balances, log, time.Now())
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	var engine *game.Engine
	hub := game.NewHub(func() game.Event { return engine.Greeting() }, log)

	clientSeed := cfg.Game.ClientSeed
	if clientSeed == "" {
		clientSeed = game.GenerateSeed()
	}
	engine = game.NewEngine(cfg.EngineConfig(firstRound), game.NewGenerator(clientSeed), balances, writer, hub, log)

	// Stages stop in order: engine, hub, then the writers.
	engineCtx, stopEngine := context.WithCancel(context.Background())
	hubCtx, stopHub := context.WithCancel(context.Background())
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopEngine()
	defer stopHub()
	defer stopSinks()

	var sinks sync.WaitGroup
	sinks.Add(1)
	go func() {
		defer sinks.Done()
		writer.Run(sinkCtx)
	}()

	if len(cfg.Kafka.Brokers) > 0 {
		results := feed.New(feed.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), log)
		hub.Subscribe(results)
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			results.Run(sinkCtx)
		}()
		log.Info("results feed enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	go hub.Run(hubCtx)
	go func() {
		if err := engine.Run(engineCtx); err != nil {
			log.Error("engine stopped", zap.Error(err))
		}
	}()

	app := server.New(server.Deps{
		Game:    engine,
		Rooms:   hub,
		History: store.NewHistory(gateway, recent, log),
		Wallet:  balances,
		Tokens:  auth.NewTokens(cfg.JWTSecret, 24*time.Hour),
		Checks: map[string]server.HealthChecker{
			"database": db,
			"cache":    redisService,
		},
		Log:          log,
		Local:        cfg.IsLocal(),
		HistoryLimit: int(cfg.Store.HistoryLimit),
	})
	app.RegisterFiberRoutes()

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(fmt.Sprintf(":%d", cfg.Port))
	}()
	log.Info("listening", zap.Int("port", cfg.Port), zap.Int64("first_round", firstRound), zap.String("env", cfg.Env))

	select {
	case <-ctx.Done():
		log.Info("shutting down gracefully, press Ctrl+C again to force")
	case err := <-listenErr:
		if err != nil {
			log.Error("http server error", zap.Error(err))
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), SHUTDOWN_TIMEOUT)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn("server forced to shutdown", zap.Error(err))
	}

	// No new commands past this point; the engine stops between ticks.
	stopEngine()
	<-engine.Done()

	stopHub()

	stopSinks()
	sinks.Wait()
	log.Info("records flushed", zap.Int("pending", writer.Pending()))

	return nil
}
