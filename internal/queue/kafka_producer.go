package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/metrics"
	"github.com/enterprise/txn-sentinel/internal/models"
)

// EventPublisher pushes evaluation events onto the Kafka audit topic. The
// producer is asynchronous: PublishEvaluation enqueues and returns, and
// delivery failures surface on the error channel. Evaluation latency is
// never coupled to broker health.
type EventPublisher struct {
	producer sarama.AsyncProducer
	topic    string
	done     chan struct{}
}

// NewEventPublisher connects an async producer. Call only when brokers are
// configured; cfg.Enabled() is the caller's gate.
func NewEventPublisher(cfg configs.KafkaConfig) (*EventPublisher, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V3_0_0_0
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Return.Successes = false
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	p := &EventPublisher{
		producer: producer,
		topic:    cfg.Topic,
		done:     make(chan struct{}),
	}
	go p.drainErrors()

	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("Kafka event publisher initialized")
	return p, nil
}

func (p *EventPublisher) drainErrors() {
	defer close(p.done)
	for perr := range p.producer.Errors() {
		metrics.KafkaPublishErrorsTotal.Inc()
		log.Error().Err(perr.Err).Str("topic", perr.Msg.Topic).Msg("Kafka publish failed")
	}
}

// PublishEvaluation enqueues one evaluation event, keyed by client so a
// client's events stay ordered within a partition.
func (p *EventPublisher) PublishEvaluation(ctx context.Context, event models.EvaluationEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.ClientID),
		Value: sarama.ByteEncoder(payload),
	}

	select {
	case p.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes buffered messages and waits for the error drain to finish.
func (p *EventPublisher) Close() error {
	p.producer.AsyncClose()
	<-p.done
	return nil
}
