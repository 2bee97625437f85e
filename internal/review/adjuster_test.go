package review

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/txn-sentinel/internal/metrics"
	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/repositories"
)

type weightUpdate struct {
	ruleID string
	weight float64
}

// fakeWeightStore returns copies from GetByID so a later UpdateWeight
// cannot retroactively change what a caller already read.
type fakeWeightStore struct {
	mu      sync.Mutex
	rules   map[string]*models.AnomalyRule
	updates []weightUpdate
}

func newFakeWeightStore(rules ...*models.AnomalyRule) *fakeWeightStore {
	m := make(map[string]*models.AnomalyRule, len(rules))
	for _, r := range rules {
		m[r.RuleID] = r
	}
	return &fakeWeightStore{rules: m}
}

func (f *fakeWeightStore) GetByID(_ context.Context, ruleID string) (*models.AnomalyRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.rules[ruleID]
	if !ok {
		return nil, repositories.ErrRuleNotFound
	}
	c := *rule
	return &c, nil
}

func (f *fakeWeightStore) UpdateWeight(_ context.Context, ruleID string, weight float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.rules[ruleID]
	if !ok {
		return repositories.ErrRuleNotFound
	}
	rule.RiskWeight = weight
	f.updates = append(f.updates, weightUpdate{ruleID: ruleID, weight: weight})
	return nil
}

func (f *fakeWeightStore) updated() []weightUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]weightUpdate(nil), f.updates...)
}

type fakePrecisionReader struct {
	mu   sync.Mutex
	rows []repositories.RulePrecisionRow
	err  error
}

func (f *fakePrecisionReader) RulePrecision(_ context.Context, _ time.Time) ([]repositories.RulePrecisionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows, f.err
}

func (f *fakePrecisionReader) RulePrecisionFor(_ context.Context, ruleID string, _ time.Time) (repositories.RulePrecisionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return repositories.RulePrecisionRow{}, f.err
	}
	for _, row := range f.rows {
		if row.RuleID == ruleID {
			return row, nil
		}
	}
	return repositories.RulePrecisionRow{RuleID: ruleID}, nil
}

type fakeInvalidator struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeInvalidator) Invalidate() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeInvalidator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func adjustableRule(id string, weight float64) *models.AnomalyRule {
	return &models.AnomalyRule{
		RuleID:     id,
		Name:       id,
		RuleType:   models.RuleAmountAnomaly,
		RiskWeight: weight,
		Active:     true,
	}
}

func TestDecide(t *testing.T) {
	cfg := feedbackCfg()
	cases := []struct {
		name      string
		weight    float64
		tp, fp    int64
		want      float64
		direction string
		ok        bool
	}{
		{name: "below min samples", weight: 1, tp: 3, fp: 1},
		{name: "high precision raises", weight: 1, tp: 8, fp: 1, want: 1.2, direction: "up", ok: true},
		{name: "boundary high precision", weight: 1, tp: 4, fp: 1, want: 1.2, direction: "up", ok: true},
		{name: "low precision lowers", weight: 1, tp: 1, fp: 4, want: 0.8, direction: "down", ok: true},
		{name: "boundary low precision", weight: 1, tp: 3, fp: 7, want: 0.8, direction: "down", ok: true},
		{name: "neutral band holds", weight: 1, tp: 3, fp: 2},
		{name: "clamped to max", weight: 4.5, tp: 9, fp: 1, want: 5, direction: "up", ok: true},
		{name: "clamped to min", weight: 0.12, tp: 0, fp: 5, want: 0.1, direction: "down", ok: true},
		{name: "at max is a no-op", weight: 5, tp: 10, fp: 0},
		{name: "at min is a no-op", weight: 0.1, tp: 0, fp: 10},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, direction, ok := decide(tc.weight, tc.tp, tc.fp, cfg)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.InDelta(t, tc.want, got, 1e-9)
				assert.Equal(t, tc.direction, direction)
			}
		})
	}
}

func TestAdjustRule_AppliesAndRecords(t *testing.T) {
	rules := newFakeWeightStore(adjustableRule("amount-anomaly", 1))
	precision := &fakePrecisionReader{rows: []repositories.RulePrecisionRow{
		{RuleID: "amount-anomaly", TruePositives: 8, FalsePositives: 2},
	}}
	history := &fakeWeightHistory{}
	inv := &fakeInvalidator{}
	adj := NewAdjuster(rules, precision, history, inv, feedbackCfg())

	before := testutil.ToFloat64(metrics.WeightAdjustmentsTotal.WithLabelValues("up"))
	adj.adjustRule("amount-anomaly")

	updates := rules.updated()
	require.Len(t, updates, 1)
	assert.Equal(t, "amount-anomaly", updates[0].ruleID)
	assert.InDelta(t, 1.2, updates[0].weight, 1e-9)

	changes := history.all()
	require.Len(t, changes, 1)
	assert.Equal(t, 1.0, changes[0].OldWeight)
	assert.InDelta(t, 1.2, changes[0].NewWeight, 1e-9)
	assert.Equal(t, "precision 0.800 over 10 verdicts", changes[0].Reason)

	assert.Equal(t, 1, inv.count())
	after := testutil.ToFloat64(metrics.WeightAdjustmentsTotal.WithLabelValues("up"))
	assert.Equal(t, 1.0, after-before)
}

func TestAdjustRule_NeutralPrecisionIsQuiet(t *testing.T) {
	rules := newFakeWeightStore(adjustableRule("amount-anomaly", 1))
	precision := &fakePrecisionReader{rows: []repositories.RulePrecisionRow{
		{RuleID: "amount-anomaly", TruePositives: 3, FalsePositives: 3},
	}}
	history := &fakeWeightHistory{}
	inv := &fakeInvalidator{}
	adj := NewAdjuster(rules, precision, history, inv, feedbackCfg())

	adj.adjustRule("amount-anomaly")

	assert.Empty(t, rules.updated())
	assert.Empty(t, history.all())
	assert.Zero(t, inv.count())
}

func TestAdjustRule_DeletedRuleSkipped(t *testing.T) {
	rules := newFakeWeightStore()
	precision := &fakePrecisionReader{rows: []repositories.RulePrecisionRow{
		{RuleID: "ghost", TruePositives: 9, FalsePositives: 0},
	}}
	adj := NewAdjuster(rules, precision, &fakeWeightHistory{}, &fakeInvalidator{}, feedbackCfg())

	adj.adjustRule("ghost")

	assert.Empty(t, rules.updated())
}

func TestAdjustAll_SweepsEveryRule(t *testing.T) {
	rules := newFakeWeightStore(
		adjustableRule("r1", 1),
		adjustableRule("r2", 1),
		adjustableRule("r3", 1),
	)
	precision := &fakePrecisionReader{rows: []repositories.RulePrecisionRow{
		{RuleID: "r1", TruePositives: 8, FalsePositives: 0},
		{RuleID: "r2", TruePositives: 1, FalsePositives: 9},
		{RuleID: "r3", TruePositives: 2, FalsePositives: 1}, // too few verdicts
	}}
	history := &fakeWeightHistory{}
	inv := &fakeInvalidator{}
	adj := NewAdjuster(rules, precision, history, inv, feedbackCfg())

	upBefore := testutil.ToFloat64(metrics.WeightAdjustmentsTotal.WithLabelValues("up"))
	downBefore := testutil.ToFloat64(metrics.WeightAdjustmentsTotal.WithLabelValues("down"))

	adj.adjustAll()

	updates := rules.updated()
	require.Len(t, updates, 2)
	assert.Equal(t, "r1", updates[0].ruleID)
	assert.InDelta(t, 1.2, updates[0].weight, 1e-9)
	assert.Equal(t, "r2", updates[1].ruleID)
	assert.InDelta(t, 0.8, updates[1].weight, 1e-9)

	assert.Len(t, history.all(), 2)
	assert.Equal(t, 2, inv.count())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WeightAdjustmentsTotal.WithLabelValues("up"))-upBefore)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WeightAdjustmentsTotal.WithLabelValues("down"))-downBefore)
}

func TestAdjuster_EventLoopAppliesFeedback(t *testing.T) {
	rules := newFakeWeightStore(adjustableRule("amount-anomaly", 1))
	precision := &fakePrecisionReader{rows: []repositories.RulePrecisionRow{
		{RuleID: "amount-anomaly", TruePositives: 8, FalsePositives: 2},
	}}
	adj := NewAdjuster(rules, precision, &fakeWeightHistory{}, &fakeInvalidator{}, feedbackCfg())

	adj.Start()
	defer adj.Stop()

	adj.NotifyFeedback([]string{"amount-anomaly"})

	require.Eventually(t, func() bool {
		return len(rules.updated()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.InDelta(t, 1.2, rules.updated()[0].weight, 1e-9)
}

func TestNotifyFeedback_DropsWhenQueueFull(t *testing.T) {
	adj := NewAdjuster(newFakeWeightStore(), &fakePrecisionReader{}, &fakeWeightHistory{}, &fakeInvalidator{}, feedbackCfg())

	ids := make([]string, 100)
	for i := range ids {
		ids[i] = fmt.Sprintf("rule-%d", i)
	}
	adj.NotifyFeedback(ids) // never started, so the buffer fills and the rest drop

	assert.Equal(t, cap(adj.events), len(adj.events))
}
