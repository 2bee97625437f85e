package review

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/metrics"
	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/repositories"
)

// fakeQueueStore mirrors the repository's conflict and pending-only-update
// semantics over a map.
type fakeQueueStore struct {
	mu         sync.Mutex
	items      map[string]*models.ReviewQueueItem
	lastFilter repositories.ReviewFilter
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{items: make(map[string]*models.ReviewQueueItem)}
}

func (f *fakeQueueStore) Enqueue(_ context.Context, item *models.ReviewQueueItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[item.TxnID]; ok {
		return nil
	}
	f.items[item.TxnID] = item
	return nil
}

func (f *fakeQueueStore) GetByTxnID(_ context.Context, txnID string) (*models.ReviewQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[txnID]
	if !ok {
		return nil, repositories.ErrReviewItemNotFound
	}
	return item, nil
}

func (f *fakeQueueStore) MarkFeedback(_ context.Context, txnID, status, by string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[txnID]
	if !ok || item.FeedbackStatus != models.FeedbackPending {
		return false, nil
	}
	item.FeedbackStatus = status
	item.FeedbackBy = by
	item.FeedbackAt = &at
	return true, nil
}

func (f *fakeQueueStore) List(_ context.Context, filter repositories.ReviewFilter) ([]*models.ReviewQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter
	out := make([]*models.ReviewQueueItem, 0, len(f.items))
	for _, item := range f.items {
		out = append(out, item)
	}
	return out, nil
}

func (f *fakeQueueStore) Stats(_ context.Context) (*models.ReviewStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &models.ReviewStats{}
	for _, item := range f.items {
		switch item.FeedbackStatus {
		case models.FeedbackPending:
			stats.Pending++
		case models.FeedbackTruePositive:
			stats.TruePositives++
		case models.FeedbackFalsePositive:
			stats.FalsePositives++
		case models.FeedbackAutoAccepted:
			stats.AutoAccepted++
		}
	}
	return stats, nil
}

// fakeWeightHistory backs both the service's history listing and the
// adjuster's append.
type fakeWeightHistory struct {
	mu      sync.Mutex
	changes []*models.RuleWeightChange
}

func (f *fakeWeightHistory) Append(_ context.Context, change *models.RuleWeightChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, change)
	return nil
}

func (f *fakeWeightHistory) List(_ context.Context, ruleID string, limit int) ([]*models.RuleWeightChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.RuleWeightChange, 0, len(f.changes))
	for i := len(f.changes) - 1; i >= 0 && len(out) < limit; i-- {
		if ruleID == "" || f.changes[i].RuleID == ruleID {
			out = append(out, f.changes[i])
		}
	}
	return out, nil
}

func (f *fakeWeightHistory) all() []*models.RuleWeightChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.RuleWeightChange(nil), f.changes...)
}

func feedbackCfg() configs.FeedbackConfig {
	return configs.FeedbackConfig{
		AutoAcceptTimeout: 24 * time.Hour,
		SweepInterval:     time.Hour,
		AdjustInterval:    time.Minute,
		WindowDays:        7,
		MinSamples:        5,
		HighPrecision:     0.8,
		LowPrecision:      0.3,
		UpFactor:          1.2,
		DownFactor:        0.8,
		WeightMin:         0.1,
		WeightMax:         5,
		Epsilon:           0.001,
	}
}

func alertResult(txnID string) *models.EvaluationResult {
	return &models.EvaluationResult{
		TxnID:          txnID,
		ClientID:       "c1",
		CompositeScore: 72.5,
		RiskLevel:      models.RiskLevelHigh,
		Action:         models.ActionAlert,
		RuleResults: []models.RuleResult{
			{RuleID: "amount-anomaly", Triggered: true, PartialScore: 85, RiskWeight: 1},
			{RuleID: "tps-spike", Triggered: false},
			{RuleID: "dormancy-break", Triggered: true, PartialScore: 60, RiskWeight: 1},
		},
		EvaluatedAt: time.Now().UTC(),
	}
}

func TestEnqueue_FilesPendingItem(t *testing.T) {
	queue := newFakeQueueStore()
	svc := NewService(queue, &fakeWeightHistory{}, feedbackCfg())

	require.NoError(t, svc.Enqueue(context.Background(), alertResult("t1")))

	item, err := svc.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "c1", item.ClientID)
	assert.Equal(t, models.ActionAlert, item.Action)
	assert.Equal(t, 72.5, item.CompositeScore)
	assert.Equal(t, models.RiskLevelHigh, item.RiskLevel)
	assert.Equal(t, []string{"amount-anomaly", "dormancy-break"}, item.TriggeredRuleIDs)
	assert.Equal(t, models.FeedbackPending, item.FeedbackStatus)
	assert.Equal(t, 24*time.Hour, item.AutoAcceptDeadline.Sub(item.EnqueuedAt))
	assert.WithinDuration(t, time.Now().UTC(), item.EnqueuedAt, time.Minute)
}

func TestSubmitFeedback_RejectsNonVerdictStatus(t *testing.T) {
	svc := NewService(newFakeQueueStore(), &fakeWeightHistory{}, feedbackCfg())

	for _, status := range []string{"MAYBE", models.FeedbackPending, models.FeedbackAutoAccepted, ""} {
		item, changed, err := svc.SubmitFeedback(context.Background(), "t1", status, "ops")
		assert.ErrorIs(t, err, ErrInvalidFeedback)
		assert.Nil(t, item)
		assert.False(t, changed)
	}
}

func TestSubmitFeedback_RecordsVerdict(t *testing.T) {
	queue := newFakeQueueStore()
	svc := NewService(queue, &fakeWeightHistory{}, feedbackCfg())
	adj := NewAdjuster(newFakeWeightStore(), &fakePrecisionReader{}, &fakeWeightHistory{}, &fakeInvalidator{}, feedbackCfg())
	svc.SetAdjuster(adj)
	require.NoError(t, svc.Enqueue(context.Background(), alertResult("t1")))

	before := testutil.ToFloat64(metrics.ReviewFeedbackTotal.WithLabelValues(models.FeedbackTruePositive))

	item, changed, err := svc.SubmitFeedback(context.Background(), "t1", models.FeedbackTruePositive, "ops@bank")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.FeedbackTruePositive, item.FeedbackStatus)
	assert.Equal(t, "ops@bank", item.FeedbackBy)
	require.NotNil(t, item.FeedbackAt)

	after := testutil.ToFloat64(metrics.ReviewFeedbackTotal.WithLabelValues(models.FeedbackTruePositive))
	assert.Equal(t, 1.0, after-before)

	// Both triggered rules were queued for weight recompute.
	assert.Len(t, adj.events, 2)
}

func TestSubmitFeedback_FirstVerdictWins(t *testing.T) {
	queue := newFakeQueueStore()
	svc := NewService(queue, &fakeWeightHistory{}, feedbackCfg())
	require.NoError(t, svc.Enqueue(context.Background(), alertResult("t1")))

	_, changed, err := svc.SubmitFeedback(context.Background(), "t1", models.FeedbackTruePositive, "first")
	require.NoError(t, err)
	require.True(t, changed)

	before := testutil.ToFloat64(metrics.ReviewFeedbackTotal.WithLabelValues(models.FeedbackFalsePositive))

	item, changed, err := svc.SubmitFeedback(context.Background(), "t1", models.FeedbackFalsePositive, "second")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.FeedbackTruePositive, item.FeedbackStatus)
	assert.Equal(t, "first", item.FeedbackBy)

	after := testutil.ToFloat64(metrics.ReviewFeedbackTotal.WithLabelValues(models.FeedbackFalsePositive))
	assert.Zero(t, after-before)
}

func TestSubmitFeedback_UnknownTxn(t *testing.T) {
	svc := NewService(newFakeQueueStore(), &fakeWeightHistory{}, feedbackCfg())

	_, _, err := svc.SubmitFeedback(context.Background(), "ghost", models.FeedbackTruePositive, "ops")
	assert.ErrorIs(t, err, repositories.ErrReviewItemNotFound)
}

func TestBulkFeedback_ContinuesOnFailures(t *testing.T) {
	queue := newFakeQueueStore()
	svc := NewService(queue, &fakeWeightHistory{}, feedbackCfg())
	require.NoError(t, svc.Enqueue(context.Background(), alertResult("t1")))
	require.NoError(t, svc.Enqueue(context.Background(), alertResult("t2")))

	_, _, err := svc.SubmitFeedback(context.Background(), "t2", models.FeedbackTruePositive, "earlier")
	require.NoError(t, err)

	res := svc.BulkFeedback(context.Background(), []FeedbackRequest{
		{TxnID: "t1", Status: models.FeedbackFalsePositive},        // transitions
		{TxnID: "ghost", Status: models.FeedbackTruePositive},      // missing, skipped
		{TxnID: "t2", Status: models.FeedbackFalsePositive},        // already terminal
		{TxnID: "t1", Status: "NOT_A_STATUS", By: "whoever"},       // invalid, skipped
	}, "lead@bank")

	assert.Equal(t, BulkResult{Requested: 4, Updated: 1}, res)

	item, err := svc.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.FeedbackFalsePositive, item.FeedbackStatus)
	assert.Equal(t, "lead@bank", item.FeedbackBy) // default reviewer filled in
}

func TestList_PassesFilterThrough(t *testing.T) {
	queue := newFakeQueueStore()
	svc := NewService(queue, &fakeWeightHistory{}, feedbackCfg())

	filter := repositories.ReviewFilter{Status: models.FeedbackPending, Action: models.ActionBlock, Limit: 25}
	_, err := svc.List(context.Background(), filter)
	require.NoError(t, err)
	assert.Equal(t, filter, queue.lastFilter)
}

func TestStats_AggregatesByStatus(t *testing.T) {
	queue := newFakeQueueStore()
	svc := NewService(queue, &fakeWeightHistory{}, feedbackCfg())
	require.NoError(t, svc.Enqueue(context.Background(), alertResult("t1")))
	require.NoError(t, svc.Enqueue(context.Background(), alertResult("t2")))

	_, _, err := svc.SubmitFeedback(context.Background(), "t1", models.FeedbackTruePositive, "ops")
	require.NoError(t, err)

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(1), stats.TruePositives)
	assert.Zero(t, stats.FalsePositives)
}

func TestWeightHistory_FiltersAndOrders(t *testing.T) {
	history := &fakeWeightHistory{}
	svc := NewService(newFakeQueueStore(), history, feedbackCfg())
	ctx := context.Background()

	require.NoError(t, history.Append(ctx, &models.RuleWeightChange{RuleID: "r1", NewWeight: 1.2}))
	require.NoError(t, history.Append(ctx, &models.RuleWeightChange{RuleID: "r2", NewWeight: 0.8}))
	require.NoError(t, history.Append(ctx, &models.RuleWeightChange{RuleID: "r1", NewWeight: 1.44}))

	changes, err := svc.WeightHistory(ctx, "r1", 10)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, 1.44, changes[0].NewWeight) // newest first
	assert.Equal(t, 1.2, changes[1].NewWeight)

	one, err := svc.WeightHistory(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "r1", one[0].RuleID)
}
