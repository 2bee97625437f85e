package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/notify"
	"github.com/enterprise/txn-sentinel/internal/profile"
	"github.com/enterprise/txn-sentinel/internal/queue"
	"github.com/enterprise/txn-sentinel/internal/repositories"
	"github.com/enterprise/txn-sentinel/internal/review"
	"github.com/enterprise/txn-sentinel/internal/scoring"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()

	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Int("shards", cfg.Worker.Shards).
		Int("concurrency", cfg.Worker.Concurrency).
		Msg("Starting Transaction Sentinel Worker")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis Stream client
	streamClient, err := queue.NewRedisStreamClient(cfg.Redis, cfg.Worker.DeadLetterStream)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer streamClient.Close()

	// Initialize repositories
	txRepo := repositories.NewTransactionRepository(db)
	resultRepo := repositories.NewResultRepository(db)
	profileRepo := repositories.NewProfileRepository(db)
	ruleRepo := repositories.NewRuleRepository(db)
	reviewRepo := repositories.NewReviewRepository(db)
	historyRepo := repositories.NewWeightHistoryRepository(db)
	forestRepo := repositories.NewForestRepository(db)
	experimentRepo := repositories.NewExperimentRepository(db)

	loc, err := time.LoadLocation(cfg.Risk.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", cfg.Risk.Timezone).Msg("Invalid timezone, using UTC")
		loc = time.UTC
	}

	counters := profile.NewCounters(txRepo)
	counters.StartJanitor(time.Hour)
	profiles := profile.NewStore(profileRepo, counters, cfg.Risk.EwmaAlpha, loc)

	ruleCache := scoring.NewRuleCache(ruleRepo, cfg.Risk.RuleCacheRefresh)
	loadCtx, loadCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ruleCache.Load(loadCtx); err != nil {
		loadCancel()
		log.Fatal().Err(err).Msg("Failed to load anomaly rules")
	}
	loadCancel()
	ruleCache.Start()

	// The worker only enqueues review items; the sweep and weight-adjust
	// loops run in the API server.
	reviewService := review.NewService(reviewRepo, historyRepo, cfg.Feedback)

	var notifier notify.Notifier
	var webhook *notify.Webhook
	if cfg.Notifier.WebhookURL != "" {
		webhook = notify.NewWebhook(cfg.Notifier)
		notifier = webhook
	} else {
		notifier = notify.NewLog()
	}

	forests := scoring.NewForestStore(forestRepo)
	engine := scoring.NewEngine(cfg, profiles, forests, ruleCache, txRepo, resultRepo, reviewService, notifier)

	var publisher *queue.EventPublisher
	if cfg.Kafka.Enabled() {
		publisher, err = queue.NewEventPublisher(cfg.Kafka)
		if err != nil {
			log.Error().Err(err).Msg("Failed to start Kafka producer, audit publication disabled")
		} else {
			engine.SetAuditPublisher(publisher)
		}
	}

	experiments := scoring.NewExperimentManager(experimentRepo, cfg.Risk, cfg.Risk.RuleCacheRefresh)
	expCtx, expCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := experiments.Load(expCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to load weight experiments")
	}
	expCancel()
	experiments.Start()
	engine.SetExperiments(experiments)

	dispatcher := scoring.NewDispatcher(engine, cfg.Worker)
	dispatcher.Start()

	workerID, err := os.Hostname()
	if err != nil || workerID == "" {
		workerID = fmt.Sprintf("worker-%d", os.Getpid())
	}

	worker := scoring.NewWorker(workerID, dispatcher, streamClient, cfg.Worker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.Start(ctx)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	cancel()
	worker.Stop()
	dispatcher.Stop()
	experiments.Stop()
	ruleCache.Stop()
	counters.Stop()
	if publisher != nil {
		publisher.Close()
	}
	if webhook != nil {
		webhook.Close()
	}

	log.Info().Msg("Worker shutdown complete")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
