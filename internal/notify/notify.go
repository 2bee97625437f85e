// Package notify delivers out-of-band alerts raised by the pipeline:
// blocked transactions and silence-detector findings. Delivery is
// fire-and-forget; nothing in the scoring path waits on a webhook.
package notify

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Event kinds.
const (
	KindBlock   = "BLOCK"
	KindSilence = "SILENCE"
)

// Event is one alert to deliver.
type Event struct {
	Kind      string    `json:"kind"`
	ClientID  string    `json:"client_id"`
	TxnID     string    `json:"txn_id,omitempty"`
	Score     float64   `json:"score,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier accepts events for delivery. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// LogNotifier writes events to the structured log. It is the fallback when
// no webhook is configured, so alerts always land somewhere.
type LogNotifier struct{}

// NewLog returns a logging notifier.
func NewLog() LogNotifier { return LogNotifier{} }

// Notify logs the event at warn level.
func (LogNotifier) Notify(ev Event) {
	log.Warn().
		Str("kind", ev.Kind).
		Str("client_id", ev.ClientID).
		Str("txn_id", ev.TxnID).
		Float64("score", ev.Score).
		Time("timestamp", ev.Timestamp).
		Msg(ev.Message)
}
