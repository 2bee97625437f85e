package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/analytics"
	"github.com/enterprise/txn-sentinel/internal/metrics"
	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/queue"
	"github.com/enterprise/txn-sentinel/internal/repositories"
)

// This worker does not score transactions; the Redis stream workers handle
// that. It drains the Kafka audit topic into the append-only audit_events
// table and keeps the realtime analytics snapshot in Redis fresh.

const (
	// flushBatchSize caps how many audit rows accumulate before a write.
	flushBatchSize = 100
	// flushInterval bounds how long a partial batch may wait.
	flushInterval = time.Second
	// snapshotInterval is how often the realtime aggregate is pushed to Redis.
	snapshotInterval = 5 * time.Second
	// snapshotTTL expires the realtime key when this worker stops publishing.
	snapshotTTL = 5 * time.Minute
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()

	setupLogging(cfg.Server.Environment)

	if !cfg.Kafka.Enabled() {
		log.Fatal().Msg("KAFKA_BROKERS not configured, audit consumer cannot start")
	}

	log.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Str("topic", cfg.Kafka.Topic).
		Str("group_id", cfg.Kafka.GroupID).
		Msg("Starting Transaction Sentinel Audit Consumer")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Redis holds the realtime analytics snapshot
	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Cache")
	}
	defer cacheClient.Close()

	auditRepo := repositories.NewAuditRepository(db)
	aggregator := analytics.NewAggregator()

	// Create Kafka consumer group
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	// Retry connecting to Kafka
	var consumerGroup sarama.ConsumerGroup
	for i := 0; i < 30; i++ {
		consumerGroup, err = sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.GroupID, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group after retries")
	}
	defer consumerGroup.Close()

	go func() {
		for cerr := range consumerGroup.Errors() {
			log.Error().Err(cerr).Msg("Consumer group error")
		}
	}()

	handler := &auditConsumer{
		audit: auditRepo,
		agg:   aggregator,
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received, stopping audit consumer")
		cancel()
	}()

	// Push the realtime aggregate to Redis on a fixed cadence
	go publishSnapshots(ctx, aggregator, cacheClient)

	log.Info().Msg("Audit consumer started")

	for {
		if err := consumerGroup.Consume(ctx, []string{cfg.Kafka.Topic}, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}

		if ctx.Err() != nil {
			log.Info().Msg("Audit consumer shutdown complete")
			return
		}
	}
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

func publishSnapshots(ctx context.Context, agg *analytics.Aggregator, cache *queue.CacheClient) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := agg.Snapshot()
			if snap.Total == 0 {
				continue
			}
			if err := cache.Set(ctx, analytics.RealtimeKey, snap, snapshotTTL); err != nil {
				log.Warn().Err(err).Msg("Failed to publish realtime snapshot")
			}
		case <-ctx.Done():
			return
		}
	}
}

// auditConsumer persists evaluation events in micro-batches. Offsets are
// marked only after the batch lands, so a failed write is redelivered.
type auditConsumer struct {
	audit *repositories.AuditRepository
	agg   *analytics.Aggregator
}

func (h *auditConsumer) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Audit consumer session started")
	return nil
}

func (h *auditConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Audit consumer session ended")
	return nil
}

func (h *auditConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	batch := make([]*models.AuditEvent, 0, flushBatchSize)
	marks := make([]*sarama.ConsumerMessage, 0, flushBatchSize)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := h.audit.CreateBatch(session.Context(), batch); err != nil {
			// Keep the batch; unmarked offsets are redelivered after the
			// next rebalance if the retries never land.
			log.Error().Err(err).Int("count", len(batch)).Msg("Failed to persist audit batch")
			return
		}
		for _, e := range batch {
			metrics.AuditEventsTotal.WithLabelValues(e.EventType).Inc()
		}
		for _, m := range marks {
			session.MarkMessage(m, "")
		}
		log.Debug().Int("count", len(batch)).Msg("Audit batch persisted")
		batch = batch[:0]
		marks = marks[:0]
	}

	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				flush()
				return nil
			}

			event, err := parseEvaluationEvent(message.Value)
			if err != nil {
				// Malformed payloads are logged and skipped; there is no
				// dead-letter topic for the audit trail.
				log.Error().
					Err(err).
					Str("topic", message.Topic).
					Int64("offset", message.Offset).
					Msg("Failed to parse evaluation event")
				session.MarkMessage(message, "")
				continue
			}

			h.agg.Observe(event)
			batch = append(batch, auditRow(event))
			marks = append(marks, message)

			if len(batch) >= flushBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-session.Context().Done():
			flush()
			return nil
		}
	}
}

func parseEvaluationEvent(raw []byte) (*models.EvaluationEvent, error) {
	var event models.EvaluationEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func auditRow(event *models.EvaluationEvent) *models.AuditEvent {
	return &models.AuditEvent{
		EventType:      models.AuditEventEvaluation,
		TxnID:          event.TxnID,
		ClientID:       event.ClientID,
		Action:         event.Action,
		CompositeScore: event.CompositeScore,
		Payload: models.JSONB{
			"txn_type":           event.TxnType,
			"amount":             event.Amount,
			"risk_level":         event.RiskLevel,
			"triggered_rule_ids": event.TriggeredRuleIDs,
			"evaluated_at":       event.EvaluatedAt,
		},
	}
}
