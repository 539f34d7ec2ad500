package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"replyflow/config"
	controller "replyflow/controllers"
	"replyflow/engine"
	"replyflow/events"
	"replyflow/lock"
	"replyflow/mailer"
	"replyflow/middleware"
	"replyflow/routes"
	"replyflow/utils"
	"replyflow/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := utils.NewLogger(cfg.LogLevel, cfg.Environment)

	if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.WithError(err).Warn("Sentry disabled")
	}
	defer sentry.Flush(2 * time.Second)

	db, err := config.ConnectDB(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	cipher, err := utils.NewCipher(cfg.EncryptionKey)
	if err != nil {
		logger.Fatalf("Failed to initialize encryption: %v", err)
	}

	// Events
	bus := events.NewBus(logger.WithField("component", "events"))
	bus.Subscribe(events.LogHandler(logger.WithField("component", "events")))
	hub := controller.NewEventHub(logger.WithField("component", "websocket"))
	bus.Subscribe(hub.Handler())

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	locker := newLocker(cfg, db, redisClient, logger)

	eng := engine.New(engine.Options{
		DB:               db,
		Log:              logger,
		Events:           bus,
		Cipher:           cipher,
		Sender:           mailer.NewSMTPSender(),
		Receiver:         mailer.NewIMAPReceiver(cfg.TransportTimeout),
		TransportTimeout: cfg.TransportTimeout,
		PollLookback:     cfg.PollLookback,
	})

	deps := worker.Deps{
		DB:          db,
		Engine:      eng,
		Locker:      locker,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
	}
	schedulerWorker := worker.NewSchedulerWorker(deps, cfg.ScheduleInterval)
	sendWorker := worker.NewSendWorker(deps, cfg.SendInterval)
	pollWorker := worker.NewPollWorker(deps, cfg.PollInterval)
	warmupWorker, err := worker.NewWarmupWorker(deps, cfg.WarmupCron)
	if err != nil {
		logger.Fatalf("Failed to initialize warmup worker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, start := range []func(context.Context){
		schedulerWorker.Start,
		sendWorker.Start,
		pollWorker.Start,
		warmupWorker.Start,
	} {
		wg.Add(1)
		go func(start func(context.Context)) {
			defer wg.Done()
			start(ctx)
		}(start)
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: cfg.Environment == "production"})

	var pollStorage fiber.Storage
	if redisClient != nil {
		pollStorage = middleware.NewRedisStorage(redisClient)
	}
	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowedOrigins = cfg.CORSOrigins

	routes.SetupRoutes(app, routes.Dependencies{
		Engine:      eng,
		Poller:      pollWorker,
		Hub:         hub,
		Logger:      logger,
		CORS:        corsCfg,
		PollLimit:   cfg.PollRateLimit,
		PollStorage: pollStorage,
	})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		logger.Info("Shutting down...")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.WithError(err).Error("HTTP shutdown failed")
		}
	}()

	logger.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.WithError(err).Error("Server stopped")
	}

	cancel()
	wg.Wait()
	bus.Close()
	logger.Info("Shutdown complete")
}

// newLocker prefers Redis so several instances can share mailbox locks,
// and falls back to postgres advisory locks.
func newLocker(cfg *config.Config, db *gorm.DB, client *redis.Client, log logrus.FieldLogger) lock.Locker {
	if client != nil {
		log.WithField("address", cfg.Redis.Address).Info("Using Redis mailbox locks")
		return lock.NewRedisLocker(client, cfg.LockTTL)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.WithError(err).Warn("No database handle for advisory locks, using in-process locks")
		return lock.NewKeyedMutex()
	}
	log.Info("Using postgres advisory mailbox locks")
	return lock.NewAdvisoryLocker(sqlDB)
}
