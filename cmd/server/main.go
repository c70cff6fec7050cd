/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the rehearsal space engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load config (YAML + .env)
  2. Build the logger
  3. Open the store (SQLite, or in-memory for ":memory:")
  4. Connect redis when enabled (event fan-out, scheduler locks)
  5. Build services, handler and router
  6. Start the scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -config  YAML config path (default: config.yaml, optional)
  -db      Overrides database.path; ":memory:" keeps nothing on disk
  -addr    Overrides server.addr

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close redis and the database
  5. Exit

EXAMPLES:
  ./server -config=./config.yaml
  ./server -db=":memory:" -addr=":3000"

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - api/scheduler.go: Background sweeps
*/
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
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/warp/rehearsal-engine/api"
	"github.com/warp/rehearsal-engine/billing"
	"github.com/warp/rehearsal-engine/booking"
	"github.com/warp/rehearsal-engine/config"
	"github.com/warp/rehearsal-engine/equipment"
	"github.com/warp/rehearsal-engine/events"
	"github.com/warp/rehearsal-engine/generic"
	"github.com/warp/rehearsal-engine/generic/store"
	"github.com/warp/rehearsal-engine/logging"
	"github.com/warp/rehearsal-engine/metrics"
	"github.com/warp/rehearsal-engine/store/redislock"
	"github.com/warp/rehearsal-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "config.yaml", "YAML config path")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

// loadConfig reads path when it exists and falls back to defaults.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

// storage is the store plus its lifecycle.
type storage interface {
	generic.Store
	Close() error
}

type memoryStorage struct{ *store.Memory }

func (memoryStorage) Close() error { return nil }

func openStore(path string) (storage, error) {
	if path == ":memory:" {
		return memoryStorage{store.NewMemory()}, nil
	}
	st, err := sqlite.New(path)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func run(cfg *config.Config, logger *zerolog.Logger) error {
	metrics.Register()

	// Initialize store
	st, err := openStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	// Events go to the in-process bus and, when enabled, to redis.
	bus := events.NewBus()
	bus.SubscribeAll(func(_ context.Context, e events.Event) error {
		logger.Debug().Str("event", string(e.Type)).Str("subject", e.Subject).Msg("event published")
		return nil
	})
	publishers := events.Multi{bus}

	var locker api.Locker
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Address, err)
		}
		publishers = append(publishers, events.NewRedisPublisher(client, cfg.Redis.ChannelPrefix))
		locker = redislock.New(client, cfg.Redis.ChannelPrefix+":lock", cfg.Scheduler.LockTTL)
		logger.Info().Str("address", cfg.Redis.Address).Msg("redis connected")
	}

	pricing, err := cfg.PricingPolicy()
	if err != nil {
		return err
	}
	clock := generic.SystemClock{}
	settler := billing.NewSettler(pricing, clock, logger)

	credits := billing.NewCreditService(st, clock, pricing.CreditPolicies, logger)
	bookings := booking.NewService(booking.Deps{
		Store:              st,
		Clock:              clock,
		Settler:            settler,
		Tiers:              cfg.TierMap(),
		Catalog:            cfg.SpaceCatalog(),
		Rules:              cfg.BookingRules(),
		Publisher:          publishers,
		Logger:             logger,
		DefaultHorizonDays: cfg.Scheduler.HorizonDays,
	})
	loans := equipment.NewService(equipment.Deps{
		Store:       st,
		Clock:       clock,
		Settler:     settler,
		Catalog:     cfg.EquipmentCatalog(),
		Publisher:   publishers,
		Logger:      logger,
		MaxLoanDays: cfg.Equipment.MaxLoanDays,
	})

	handler := api.NewHandler(api.Deps{
		Store:    st,
		Clock:    clock,
		Bookings: bookings,
		Credits:  credits,
		Loans:    loans,
		Logger:   logger,
	})
	scheduler := api.NewScheduler(api.SchedulerDeps{
		Bookings: bookings,
		Credits:  credits,
		Loans:    loans,
		Locker:   locker,
		Logger:   logger,
		Interval: cfg.Scheduler.Interval,
		Workers:  cfg.Scheduler.Workers,
	})
	handler.Scheduler = scheduler

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		RateLimit:   cfg.RateLimit,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Scheduler.Enabled {
		scheduler.Start()
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Str("database", cfg.Database.Path).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		scheduler.Stop()
		return err
	}

	logger.Info().Msg("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}
