package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunningStat_FirstSampleInitsEwma(t *testing.T) {
	var s RunningStat
	s.Observe(100, 0.01)

	assert.Equal(t, float64(100), s.Ewma)
	assert.Equal(t, float64(100), s.Mean)
	assert.Equal(t, int64(1), s.Count)
}

func TestRunningStat_EwmaRecursion(t *testing.T) {
	var s RunningStat
	s.Observe(100, 0.01)
	s.Observe(200, 0.01)

	// (1-0.01)*100 + 0.01*200
	assert.InDelta(t, 101.0, s.Ewma, 1e-9)
	assert.Equal(t, int64(2), s.Count)
}

func TestRunningStat_WelfordVariance(t *testing.T) {
	samples := []float64{2, 4, 4, 4, 5, 5, 7, 9}

	var s RunningStat
	for _, v := range samples {
		s.Observe(v, 0.1)
	}

	assert.InDelta(t, 5.0, s.Mean, 1e-9)
	// Sample variance: sum of squared deviations 32, over n-1=7.
	assert.InDelta(t, 32.0/7.0, s.Variance(), 1e-9)
	assert.InDelta(t, 2.138, s.StdDev(), 1e-3)
}

func TestRunningStat_VarianceNeedsTwoSamples(t *testing.T) {
	var s RunningStat
	assert.Equal(t, float64(0), s.Variance())

	s.Observe(42, 0.01)
	assert.Equal(t, float64(0), s.Variance())
	assert.Equal(t, float64(0), s.StdDev())
}

func TestBeneficiaryKey(t *testing.T) {
	txn := Transaction{BeneficiaryIFSC: "HDFC0001234", BeneficiaryAccount: "9876543210"}
	assert.Equal(t, "HDFC0001234:9876543210", txn.BeneficiaryKey())

	assert.Empty(t, Transaction{BeneficiaryIFSC: "HDFC0001234"}.BeneficiaryKey())
	assert.Empty(t, Transaction{BeneficiaryAccount: "9876543210"}.BeneficiaryKey())
	assert.Empty(t, Transaction{}.BeneficiaryKey())
}

func TestTriggeredRuleIDs_PreservesOrder(t *testing.T) {
	result := EvaluationResult{
		RuleResults: []RuleResult{
			{RuleID: "tps-spike", Triggered: true},
			{RuleID: "amount-anomaly", Triggered: false},
			{RuleID: "dormancy-break", Triggered: true},
		},
	}

	assert.Equal(t, []string{"tps-spike", "dormancy-break"}, result.TriggeredRuleIDs())
}

func TestTriggeredRuleIDs_NoneTriggered(t *testing.T) {
	result := EvaluationResult{
		RuleResults: []RuleResult{{RuleID: "a"}, {RuleID: "b"}},
	}

	ids := result.TriggeredRuleIDs()
	require.NotNil(t, ids)
	assert.Len(t, ids, 0)
}

func TestValidRuleType(t *testing.T) {
	assert.True(t, ValidRuleType(RuleAmountAnomaly))
	assert.True(t, ValidRuleType(RuleIsolationForest))
	assert.False(t, ValidRuleType("PSYCHIC_HUNCH"))
	assert.False(t, ValidRuleType(""))
}

func TestTerminalFeedback(t *testing.T) {
	assert.True(t, TerminalFeedback(FeedbackTruePositive))
	assert.True(t, TerminalFeedback(FeedbackFalsePositive))
	assert.True(t, TerminalFeedback(FeedbackAutoAccepted))
	assert.False(t, TerminalFeedback(FeedbackPending))
	assert.False(t, TerminalFeedback("MAYBE"))
}

func TestRuleParam(t *testing.T) {
	rule := AnomalyRule{Params: map[string]float64{"min_repeat_count": 75}}

	assert.Equal(t, float64(75), rule.Param("min_repeat_count", 50))
	assert.Equal(t, float64(50), rule.Param("missing", 50))

	// Nil params map falls back to the default.
	assert.Equal(t, float64(30), AnomalyRule{}.Param("anything", 30))
}

func TestJSONB_ScanNil(t *testing.T) {
	j := JSONB{"stale": true}
	require.NoError(t, j.Scan(nil))
	assert.Nil(t, j)
}

func TestJSONB_ScanBytes(t *testing.T) {
	var j JSONB
	require.NoError(t, j.Scan([]byte(`{"score":42.5,"action":"ALERT"}`)))

	assert.Equal(t, 42.5, j["score"])
	assert.Equal(t, "ALERT", j["action"])
}

func TestTransactionEvent_Transaction(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := TransactionEvent{
		TxnID:              "txn-1",
		ClientID:           "client-1",
		TxnType:            TxnTypeNEFT,
		Amount:             5000,
		Timestamp:          ts,
		BeneficiaryIFSC:    "SBIN0000456",
		BeneficiaryAccount: "111222333",
		Channel:            "mobile",
		RetryCount:         2,
	}

	txn := ev.Transaction()
	assert.Equal(t, "txn-1", txn.TxnID)
	assert.Equal(t, "client-1", txn.ClientID)
	assert.Equal(t, ts, txn.Timestamp)
	assert.Equal(t, "SBIN0000456:111222333", txn.BeneficiaryKey())
}
