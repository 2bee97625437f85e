package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/metrics"
	"github.com/enterprise/txn-sentinel/internal/models"
)

// claimMinIdle is how long an entry may sit unacknowledged before another
// consumer is allowed to take it over. Must exceed the worst-case evaluation
// time or two consumers will fight over live messages.
const claimMinIdle = 30 * time.Second

// StreamMessage is one parsed entry read from the ingest stream.
type StreamMessage struct {
	ID    string
	Event *models.TransactionEvent
}

// StreamInfo carries stream counters for the health endpoint.
type StreamInfo struct {
	Length       int64
	PendingCount int64
	Groups       int
}

// RedisStreamClient is the transaction ingest transport: producers append
// events, a consumer group of workers drains them.
type RedisStreamClient struct {
	client           *redis.Client
	streamName       string
	consumerGroup    string
	deadLetterStream string
}

// NewRedisStreamClient connects to Redis and makes sure the stream and the
// consumer group exist before anyone publishes or consumes.
func NewRedisStreamClient(cfg configs.RedisConfig, deadLetterStream string) (*RedisStreamClient, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	rsc := &RedisStreamClient{
		client:           rdb,
		streamName:       cfg.StreamName,
		consumerGroup:    cfg.ConsumerGroup,
		deadLetterStream: deadLetterStream,
	}

	if err := rsc.ensureGroup(ctx); err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	log.Info().Str("stream", cfg.StreamName).Str("group", cfg.ConsumerGroup).Msg("Redis Stream client initialized")
	return rsc, nil
}

// ensureGroup creates the consumer group, and via MKSTREAM the stream itself.
// An already-existing group is fine.
func (r *RedisStreamClient) ensureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.streamName, r.consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func encodeEvent(event *models.TransactionEvent) (string, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	return string(body), nil
}

// Publish appends one event to the ingest stream and returns its entry ID.
func (r *RedisStreamClient) Publish(ctx context.Context, event *models.TransactionEvent) (string, error) {
	body, err := encodeEvent(event)
	if err != nil {
		return "", err
	}

	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamName,
		Values: map[string]interface{}{"data": body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish event: %w", err)
	}

	metrics.StreamMessagesTotal.WithLabelValues("published").Inc()
	log.Debug().Str("message_id", id).Str("txn_id", event.TxnID).Msg("Event published to stream")
	return id, nil
}

// PublishBatch appends events in one pipelined round trip. Entry IDs come
// back in input order.
func (r *RedisStreamClient) PublishBatch(ctx context.Context, events []*models.TransactionEvent) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	adds := make([]*redis.StringCmd, len(events))
	for i, event := range events {
		body, err := encodeEvent(event)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		adds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.streamName,
			Values: map[string]interface{}{"data": body},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to execute pipeline: %w", err)
	}

	ids := make([]string, len(adds))
	for i, add := range adds {
		ids[i] = add.Val()
	}

	metrics.StreamMessagesTotal.WithLabelValues("published").Add(float64(len(events)))
	log.Debug().Int("count", len(events)).Msg("Batch events published to stream")
	return ids, nil
}

// Consume first rescues entries abandoned by dead consumers, then blocks on
// new ones. An entry whose payload no longer parses is quarantined to the
// dead-letter stream and acknowledged, so one poison payload cannot wedge
// the whole group.
func (r *RedisStreamClient) Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]StreamMessage, error) {
	if rescued := r.reclaimAbandoned(ctx, consumerName, count); len(rescued) > 0 {
		return rescued, nil
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.consumerGroup,
		Consumer: consumerName,
		Streams:  []string{r.streamName, ">"},
		Count:    count,
		Block:    blockDuration,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // block timed out with nothing new
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var out []StreamMessage
	for _, s := range streams {
		out = append(out, r.decodeEntries(ctx, s.Messages)...)
	}
	return out, nil
}

// reclaimAbandoned takes over entries that sat pending past claimMinIdle.
// XAUTOCLAIM scans from the beginning each call, so restarts cannot strand
// a claimed-but-unprocessed entry. Errors here only delay redelivery and
// are not worth failing the read for.
func (r *RedisStreamClient) reclaimAbandoned(ctx context.Context, consumerName string, count int64) []StreamMessage {
	claimed, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.streamName,
		Group:    r.consumerGroup,
		Consumer: consumerName,
		MinIdle:  claimMinIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Msg("Failed to claim abandoned messages")
		}
		return nil
	}
	return r.decodeEntries(ctx, claimed)
}

// decodeEntries parses raw stream entries, routing unparseable ones to the
// dead-letter stream.
func (r *RedisStreamClient) decodeEntries(ctx context.Context, entries []redis.XMessage) []StreamMessage {
	out := make([]StreamMessage, 0, len(entries))
	for _, entry := range entries {
		event, err := r.parseMessage(entry)
		if err != nil {
			r.quarantine(ctx, entry, err)
			continue
		}
		out = append(out, StreamMessage{ID: entry.ID, Event: event})
	}
	return out
}

func (r *RedisStreamClient) parseMessage(msg redis.XMessage) (*models.TransactionEvent, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid message format")
	}

	var event models.TransactionEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &event, nil
}

// quarantine copies an unparseable entry to the dead-letter stream with its
// raw payload, then acknowledges the original so it is never redelivered.
func (r *RedisStreamClient) quarantine(ctx context.Context, msg redis.XMessage, parseErr error) {
	raw, _ := msg.Values["data"].(string)

	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.deadLetterStream,
		Values: map[string]interface{}{
			"data":  raw,
			"error": parseErr.Error(),
		},
	}).Err()
	if err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to quarantine message")
		return
	}

	if err := r.client.XAck(ctx, r.streamName, r.consumerGroup, msg.ID).Err(); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to ack quarantined message")
	}

	metrics.StreamMessagesTotal.WithLabelValues("parse_error").Inc()
	log.Warn().Err(parseErr).Str("message_id", msg.ID).Msg("Message quarantined to dead letter stream")
}

// AcknowledgeBatch marks processed entries so the group forgets them.
func (r *RedisStreamClient) AcknowledgeBatch(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	if err := r.client.XAck(ctx, r.streamName, r.consumerGroup, messageIDs...).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge messages: %w", err)
	}

	log.Debug().Int("count", len(messageIDs)).Msg("Messages acknowledged")
	return nil
}

// SendToDeadLetter parks an event that exhausted its retries, together with
// the error that killed it.
func (r *RedisStreamClient) SendToDeadLetter(ctx context.Context, event *models.TransactionEvent, cause error) error {
	body, err := encodeEvent(event)
	if err != nil {
		return err
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.deadLetterStream,
		Values: map[string]interface{}{
			"data":  body,
			"error": cause.Error(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to send to dead letter: %w", err)
	}

	metrics.StreamMessagesTotal.WithLabelValues("dead_letter").Inc()
	log.Warn().Str("txn_id", event.TxnID).Err(cause).Msg("Message sent to dead letter stream")
	return nil
}

// GetStreamInfo reports stream length and this group's pending count.
func (r *RedisStreamClient) GetStreamInfo(ctx context.Context) (*StreamInfo, error) {
	info, err := r.client.XInfoStream(ctx, r.streamName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}

	groups, err := r.client.XInfoGroups(ctx, r.streamName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get groups info: %w", err)
	}

	var pending int64
	for _, g := range groups {
		if g.Name == r.consumerGroup {
			pending = g.Pending
			break
		}
	}

	return &StreamInfo{
		Length:       info.Length,
		PendingCount: pending,
		Groups:       len(groups),
	}, nil
}

// Close releases the Redis connection.
func (r *RedisStreamClient) Close() error {
	return r.client.Close()
}
