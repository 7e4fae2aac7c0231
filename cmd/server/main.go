package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/app"
	"ridedispatch/internal/config"
	"ridedispatch/internal/dispatch"
	"ridedispatch/internal/domain"
	"ridedispatch/internal/events"
	"ridedispatch/internal/geo"
	"ridedispatch/internal/handler"
	"ridedispatch/internal/logger"
	"ridedispatch/internal/middleware"
	"ridedispatch/internal/queue"
	internalRedis "ridedispatch/internal/redis"
	"ridedispatch/internal/repository/postgres"
	"ridedispatch/internal/service"
	"ridedispatch/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger level comes from config, so fall back to defaults here.
		logger.New("ride-dispatch", "info").Error("invalid configuration", logger.Error(err))
		os.Exit(1)
	}

	log := logger.New(cfg.ServiceName, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", logger.Error(err))
		os.Exit(1)
	}
	log.Info("server exited")
}

func run(cfg *config.Config, log logger.ILogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// New Relic first so the database and Redis clients get instrumented.
	var nrApp *newrelic.Application
	if cfg.NewRelic.Enabled && cfg.NewRelic.LicenseKey != "" {
		var err error
		nrApp, err = newrelic.NewApplication(
			newrelic.ConfigAppName(cfg.NewRelic.AppName),
			newrelic.ConfigLicense(cfg.NewRelic.LicenseKey),
			newrelic.ConfigDistributedTracerEnabled(true),
			newrelic.ConfigAppLogForwardingEnabled(true),
		)
		if err != nil {
			log.Warning("failed to initialize New Relic", logger.Error(err))
		} else {
			log.Info("New Relic enabled", logger.String("app", cfg.NewRelic.AppName))
			defer nrApp.Shutdown(5 * time.Second)
		}
	}

	db, err := app.NewDatabase(startCtx, cfg.Database, nrApp)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("connected to PostgreSQL")

	if cfg.Database.RunMigrations {
		if err := app.RunMigrations(db, cfg.Database.DBName, log); err != nil {
			return err
		}
	}

	redisClient, err := app.NewRedisClient(startCtx, cfg.Redis, nrApp)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	log.Info("connected to Redis")

	c, err := wire(ctx, cfg, log, db, redisClient, nrApp)
	if err != nil {
		return err
	}

	if err := c.queue.Start(ctx); err != nil {
		return err
	}
	c.router.Start(ctx)
	c.scheduler.Start(ctx)
	if c.kafka != nil {
		go c.kafka.Run(ctx)
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      c.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting server", logger.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			log.Error("server error", logger.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop intake first, then the background work that feeds sessions.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warning("server forced to shutdown", logger.Error(err))
	}
	c.scheduler.Stop()
	c.queue.Stop()
	c.router.Stop()
	c.hub.CloseAll()
	c.bus.Close()
	if c.kafka != nil {
		if err := c.kafka.Close(); err != nil {
			log.Warning("failed to close kafka writer", logger.Error(err))
		}
	}
	return nil
}

type components struct {
	handler   http.Handler
	bus       *events.Bus
	hub       *transport.Hub
	router    *transport.Router
	queue     *queue.Queue
	scheduler *dispatch.Scheduler
	kafka     *events.KafkaBridge
}

// wire builds every component and registers the job handlers.
func wire(ctx context.Context, cfg *config.Config, log logger.ILogger, db *sqlx.DB, redisClient *redis.Client, nrApp *newrelic.Application) (*components, error) {
	// Redis stores.
	presenceStore := internalRedis.NewPresenceStore(redisClient)
	offerStore := internalRedis.NewOfferStore(redisClient)
	lockStore := internalRedis.NewLockStore(redisClient)
	cacheStore := internalRedis.NewCacheStore(redisClient)

	// Repositories.
	tripRepo := postgres.NewTripRepository(db)
	locationRepo := postgres.NewDriverLocationRepository(db)
	customerRepo := postgres.NewCustomerRepository(db)
	tokenRepo := postgres.NewDeviceTokenRepository(db)

	registry := geo.NewRegistry(presenceStore, cfg.Presence.TTL)
	bus := events.NewBus()

	var store queue.Store = internalRedis.NewQueueStore(redisClient)
	if cfg.Queue.Backend == "memory" {
		store = queue.NewMemoryStore()
	}
	jobs := queue.New(store, queue.Config{
		Workers:            cfg.Queue.Workers,
		PollInterval:       cfg.Queue.PollInterval,
		DefaultMaxAttempts: cfg.Queue.DefaultMaxAttempts,
		BackoffUnit:        cfg.Queue.BackoffUnit,
		LeaseTimeout:       cfg.Queue.LeaseTimeout,
	}, log.With(logger.String("component", "queue"))).WithNewRelic(nrApp)

	// Services.
	var pushSender service.PushSender
	if cfg.Firebase.CredentialsFile != "" {
		client, err := service.NewFCMClient(ctx, cfg.Firebase.CredentialsFile)
		if err != nil {
			log.Warning("push notifications disabled", logger.Error(err))
		} else {
			pushSender = client
		}
	}

	customerService := service.NewCustomerService(cacheStore, customerRepo, log)
	notificationService := service.NewNotificationService(pushSender, tokenRepo, log).WithCustomers(customerService)
	tripService := service.NewTripService(tripRepo, offerStore, registry, bus, jobs, log, service.TripServiceConfig{
		SearchTimeout:       cfg.Dispatch.SearchTimeout,
		ResetSearchOnRevert: cfg.Dispatch.ResetSearchOnRevert(),
	})
	driverService := service.NewDriverService(registry, locationRepo, tripRepo, offerStore, jobs, bus, log)

	if err := notificationService.RegisterJobs(jobs); err != nil {
		return nil, err
	}
	if err := driverService.RegisterJobs(jobs); err != nil {
		return nil, err
	}

	// Periodic runners.
	sweep := dispatch.NewSweepRunner(tripRepo, registry, offerStore, customerService, tripService, bus,
		log.With(logger.String("runner", "dispatch_sweep")),
		dispatch.SweepConfig{
			BatchSize:            cfg.Dispatch.BatchSize,
			InitialRadiusKm:      cfg.Dispatch.InitialRadiusKm,
			EscalatedRadiusKm:    cfg.Dispatch.EscalatedRadiusKm,
			MaxCandidates:        cfg.Dispatch.MaxCandidates,
			OfferTTL:             cfg.Dispatch.OfferTTL,
			SearchTimeout:        cfg.Dispatch.SearchTimeout,
			ResetSearchOnRevert:  cfg.Dispatch.ResetSearchOnRevert(),
			PerTripTimeout:       cfg.Dispatch.PerTripTimeout,
			Concurrency:          cfg.Dispatch.SweepConcurrency,
			CancelOnNoCandidates: cfg.Dispatch.CancelOnNoCandidates,
		}).WithPushes(jobs)
	expiry := dispatch.NewExpiryRunner(tripRepo, offerStore, tripService, bus,
		log.With(logger.String("runner", "offer_expiry")),
		dispatch.ExpiryConfig{
			OfferTTL:   cfg.Dispatch.OfferTTL,
			OfferGrace: cfg.Dispatch.OfferGrace,
			BatchSize:  cfg.Dispatch.BatchSize,
		})
	maintenance, err := dispatch.NewMaintenanceRunner(jobs, cfg.Queue.Retention, log)
	if err != nil {
		return nil, err
	}

	scheduler := dispatch.NewScheduler(log).WithNewRelic(nrApp)
	if cfg.Dispatch.LeaseEnabled {
		owner := uuid.NewString()
		scheduler.WithLeases(lockStore, owner)
		log.Info("runner leases enabled", logger.String("owner", owner))
	}
	scheduler.Add(sweep, cfg.Dispatch.SweepInterval)
	scheduler.Add(expiry, cfg.Dispatch.ExpiryInterval)
	scheduler.Add(maintenance, cfg.Queue.PruneInterval)

	// Real-time transport.
	verifier := middleware.NewVerifier(cfg.Auth.JWTSecret)
	hub := transport.NewHub(log.With(logger.String("component", "transport")))
	eventRouter := transport.NewRouter(hub, bus, log)
	sink := transport.LocationSinkFunc(func(ctx context.Context, driverID string, coords domain.Coordinates, meta domain.PresenceMeta) error {
		return driverService.UpdateDriverPresence(ctx, service.UpdatePresenceRequest{
			DriverID:    driverID,
			Coordinates: coords,
			Meta:        meta,
		})
	})
	socketHandler := transport.NewHandler(ctx, hub, verifier, sink, cfg.Server.AllowedOrigins, log)

	var kafkaBridge *events.KafkaBridge
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaBridge = events.NewKafkaBridge(bus, events.NewKafkaWriter(cfg.Kafka.Brokers), cfg.Kafka.TopicPrefix, log)
		log.Info("kafka bridge enabled", logger.Strings("brokers", cfg.Kafka.Brokers))
	}

	healthService := service.NewHealthService(registry, jobs, scheduler)

	h := app.NewRouter(app.RouterDeps{
		TripHandler:    handler.NewTripHandler(tripService),
		DriverHandler:  handler.NewDriverHandler(driverService),
		HealthHandler:  handler.NewHealthHandler(healthService),
		SocketHandler:  socketHandler,
		Verifier:       verifier,
		RedisClient:    redisClient,
		NewRelicApp:    nrApp,
		Logger:         log.With(logger.String("component", "http")),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	return &components{
		handler:   h,
		bus:       bus,
		hub:       hub,
		router:    eventRouter,
		queue:     jobs,
		scheduler: scheduler,
		kafka:     kafkaBridge,
	}, nil
}
