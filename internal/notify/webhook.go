package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/metrics"
)

const defaultQueueSize = 256

// Webhook posts events to an HTTP endpoint from a single sender goroutine.
// Notify enqueues and returns; when the queue is full the event is dropped
// and counted rather than backing up into the caller. A circuit breaker
// sheds delivery attempts while the endpoint is failing.
type Webhook struct {
	url     string
	channel string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker

	queue  chan Event
	wg     sync.WaitGroup
	closed chan struct{}
}

// NewWebhook starts the sender goroutine. Call Close to flush and stop.
func NewWebhook(cfg configs.NotifierConfig) *Webhook {
	size := cfg.QueueSize
	if size < 1 {
		size = defaultQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    "notify-webhook",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Webhook breaker state changed")
		},
	}

	w := &Webhook{
		url:     cfg.WebhookURL,
		channel: cfg.Channel,
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		queue:   make(chan Event, size),
		closed:  make(chan struct{}),
	}

	w.wg.Add(1)
	go w.sendLoop()

	log.Info().Str("url", cfg.WebhookURL).Int("queue_size", size).Msg("Webhook notifier started")
	return w
}

// Notify enqueues the event. Drops instead of blocking when the queue is
// full or the notifier is closed.
func (w *Webhook) Notify(ev Event) {
	select {
	case <-w.closed:
		metrics.NotificationsTotal.WithLabelValues(ev.Kind, "dropped").Inc()
		return
	default:
	}

	select {
	case w.queue <- ev:
	default:
		metrics.NotificationsTotal.WithLabelValues(ev.Kind, "dropped").Inc()
		log.Warn().Str("kind", ev.Kind).Str("client_id", ev.ClientID).Msg("Notification queue full, event dropped")
	}
}

// Close stops accepting events, drains the queue, and waits for the sender.
func (w *Webhook) Close() {
	close(w.closed)
	close(w.queue)
	w.wg.Wait()
}

func (w *Webhook) sendLoop() {
	defer w.wg.Done()
	for ev := range w.queue {
		w.send(ev)
	}
}

func (w *Webhook) send(ev Event) {
	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, w.post(ev)
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(ev.Kind, "failed").Inc()
		log.Error().Err(err).
			Str("kind", ev.Kind).
			Str("client_id", ev.ClientID).
			Str("txn_id", ev.TxnID).
			Msg("Notification delivery failed")
		return
	}
	metrics.NotificationsTotal.WithLabelValues(ev.Kind, "sent").Inc()
}

func (w *Webhook) post(ev Event) error {
	payload := struct {
		Channel string `json:"channel,omitempty"`
		Event
	}{Channel: w.channel, Event: ev}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
