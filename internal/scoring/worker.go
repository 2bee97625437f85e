package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/metrics"
	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/queue"
)

// submitTimeout bounds one message end to end: queueing on the lane plus
// the evaluation itself.
const submitTimeout = 30 * time.Second

// ingestStream is the slice of the stream client the worker drives.
type ingestStream interface {
	Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]queue.StreamMessage, error)
	Publish(ctx context.Context, event *models.TransactionEvent) (string, error)
	AcknowledgeBatch(ctx context.Context, messageIDs []string) error
	SendToDeadLetter(ctx context.Context, event *models.TransactionEvent, cause error) error
}

// Worker drains the ingest stream and feeds the dispatcher. Concurrency
// consumers share one consumer group, so horizontal worker processes split
// the stream between them; the dispatcher then re-serializes per client.
type Worker struct {
	id           string
	dispatcher   *Dispatcher
	streamClient ingestStream
	config       configs.WorkerConfig

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewWorker creates a stream worker; call Start after the dispatcher is up.
func NewWorker(id string, dispatcher *Dispatcher, streamClient ingestStream, config configs.WorkerConfig) *Worker {
	return &Worker{
		id:           id,
		dispatcher:   dispatcher,
		streamClient: streamClient,
		config:       config,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the consume loops and returns.
func (w *Worker) Start(ctx context.Context) {
	log.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.config.Concurrency).
		Msg("Starting stream worker")

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.consumeLoop(ctx, fmt.Sprintf("%s-%d", w.id, i))
	}
}

// Stop halts the consume loops and waits for in-flight batches. Unfinished
// messages stay pending in the group and are claimed after restart.
func (w *Worker) Stop() {
	log.Info().Str("worker_id", w.id).Msg("Stopping stream worker")
	close(w.stopCh)
	w.wg.Wait()
	log.Info().Str("worker_id", w.id).Msg("Stream worker stopped")
}

func (w *Worker) consumeLoop(ctx context.Context, consumerName string) {
	defer w.wg.Done()

	log.Info().Str("consumer", consumerName).Msg("Consumer started")

	for {
		select {
		case <-w.stopCh:
			log.Info().Str("consumer", consumerName).Msg("Consumer stopping")
			return
		case <-ctx.Done():
			return
		default:
			w.processBatch(ctx, consumerName)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, consumerName string) {
	messages, err := w.streamClient.Consume(ctx, consumerName, int64(w.config.BatchSize), w.config.PollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("consumer", consumerName).Msg("Failed to consume messages")
		time.Sleep(time.Second) // back off on error
		return
	}

	if len(messages) == 0 {
		return
	}

	log.Debug().
		Str("consumer", consumerName).
		Int("count", len(messages)).
		Msg("Processing batch")

	var ackIDs []string

	for _, msg := range messages {
		if err := w.processMessage(ctx, msg); err != nil {
			// Shutdown mid-batch: leave the message pending so another
			// consumer claims it.
			if errors.Is(err, ErrDispatcherStopped) || errors.Is(err, context.Canceled) {
				continue
			}

			log.Error().
				Err(err).
				Str("message_id", msg.ID).
				Str("txn_id", msg.Event.TxnID).
				Msg("Failed to process message")
			w.retryOrPark(ctx, msg.Event, err)
		} else {
			metrics.StreamMessagesTotal.WithLabelValues("processed").Inc()
		}

		ackIDs = append(ackIDs, msg.ID)
	}

	if len(ackIDs) > 0 {
		if err := w.streamClient.AcknowledgeBatch(ctx, ackIDs); err != nil {
			log.Error().Err(err).Msg("Failed to acknowledge messages")
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, msg queue.StreamMessage) error {
	txn := msg.Event.Transaction()
	if txn.TxnID == "" || txn.ClientID == "" || txn.Amount <= 0 {
		return fmt.Errorf("malformed transaction event")
	}

	sctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	if _, err := w.dispatcher.Submit(sctx, txn); err != nil {
		return err
	}
	return nil
}

// retryOrPark republishes the event with a bumped retry count, or parks it
// on the dead-letter stream once attempts are exhausted.
func (w *Worker) retryOrPark(ctx context.Context, event *models.TransactionEvent, cause error) {
	if event.RetryCount < w.config.RetryAttempts {
		event.RetryCount++
		if _, err := w.streamClient.Publish(ctx, event); err != nil {
			log.Error().Err(err).Str("txn_id", event.TxnID).Msg("Failed to requeue message")
			return
		}
		metrics.StreamMessagesTotal.WithLabelValues("retried").Inc()
		return
	}

	if err := w.streamClient.SendToDeadLetter(ctx, event, cause); err != nil {
		log.Error().Err(err).Str("txn_id", event.TxnID).Msg("Failed to send to dead letter stream")
	}
}
