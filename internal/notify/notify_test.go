package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLogNotifier_NeverBlocks(t *testing.T) {
	n := NewLog()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			n.Notify(Event{
				Kind:      KindBlock,
				ClientID:  "c1",
				TxnID:     "t1",
				Score:     88,
				Message:   "transaction blocked at score 88.00",
				Timestamp: time.Now().UTC(),
			})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("log notifier blocked")
	}
}

func TestLogNotifier_HandlesZeroEvent(t *testing.T) {
	assert.NotPanics(t, func() { NewLog().Notify(Event{}) })
}
