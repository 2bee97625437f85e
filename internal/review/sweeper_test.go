package review

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/txn-sentinel/internal/metrics"
)

type fakeAutoAccepter struct {
	mu      sync.Mutex
	due     int64
	err     error
	calls   int
	lastNow time.Time
}

func (f *fakeAutoAccepter) AutoAcceptDue(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastNow = now
	if f.err != nil {
		return 0, f.err
	}
	return f.due, nil
}

func (f *fakeAutoAccepter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestSweep_CountsExpiredItems(t *testing.T) {
	fake := &fakeAutoAccepter{due: 3}
	sweeper := NewSweeper(fake, feedbackCfg())

	before := testutil.ToFloat64(metrics.AutoAcceptedTotal)
	sweeper.sweep()

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.AutoAcceptedTotal)-before)
	assert.WithinDuration(t, time.Now().UTC(), fake.lastNow, time.Minute)
}

func TestSweep_NothingDue(t *testing.T) {
	fake := &fakeAutoAccepter{}
	sweeper := NewSweeper(fake, feedbackCfg())

	before := testutil.ToFloat64(metrics.AutoAcceptedTotal)
	sweeper.sweep()

	assert.Zero(t, testutil.ToFloat64(metrics.AutoAcceptedTotal)-before)
}

func TestSweep_ErrorLeavesCounter(t *testing.T) {
	fake := &fakeAutoAccepter{err: errors.New("db down")}
	sweeper := NewSweeper(fake, feedbackCfg())

	before := testutil.ToFloat64(metrics.AutoAcceptedTotal)
	sweeper.sweep()

	assert.Zero(t, testutil.ToFloat64(metrics.AutoAcceptedTotal)-before)
}

func TestSweeper_StartStop(t *testing.T) {
	fake := &fakeAutoAccepter{due: 1}
	cfg := feedbackCfg()
	cfg.SweepInterval = 10 * time.Millisecond
	sweeper := NewSweeper(fake, cfg)

	sweeper.Start()
	require.Eventually(t, func() bool {
		return fake.callCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	sweeper.Stop()

	settled := fake.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, fake.callCount())
}
