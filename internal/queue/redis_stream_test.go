package queue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/txn-sentinel/internal/models"
)

func TestParseMessage_RoundTrip(t *testing.T) {
	event := models.TransactionEvent{
		TxnID:      "txn-1",
		ClientID:   "c1",
		TxnType:    "NEFT",
		Amount:     1250.75,
		Timestamp:  time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC),
		Channel:    "api",
		RetryCount: 2,
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	r := &RedisStreamClient{}
	got, err := r.parseMessage(redis.XMessage{
		ID:     "1-1",
		Values: map[string]interface{}{"data": string(data)},
	})
	require.NoError(t, err)
	assert.Equal(t, event, *got)
}

func TestParseMessage_MissingDataField(t *testing.T) {
	r := &RedisStreamClient{}
	_, err := r.parseMessage(redis.XMessage{
		ID:     "1-1",
		Values: map[string]interface{}{"payload": "{}"},
	})
	assert.ErrorContains(t, err, "invalid message format")
}

func TestParseMessage_MalformedJSON(t *testing.T) {
	r := &RedisStreamClient{}
	_, err := r.parseMessage(redis.XMessage{
		ID:     "1-1",
		Values: map[string]interface{}{"data": "not-json"},
	})
	assert.ErrorContains(t, err, "failed to unmarshal")
}

func TestIsMiss(t *testing.T) {
	assert.True(t, IsMiss(redis.Nil))
	assert.False(t, IsMiss(errors.New("connection refused")))
	assert.False(t, IsMiss(nil))
}
