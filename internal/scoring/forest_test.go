package scoring

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/profile"
	"github.com/enterprise/txn-sentinel/internal/repositories"
)

// twoLeafForest isolates every point at depth 1: s(x) = 2^(-1/c(2)) = 0.5.
func twoLeafForest() *models.IsolationForest {
	return &models.IsolationForest{
		ClientID:   "c1",
		SampleSize: 2,
		Trees: []*models.ForestNode{{
			SplitFeature: 2,
			SplitValue:   0.5,
			Size:         2,
			Left:         &models.ForestNode{Size: 1, External: true},
			Right:        &models.ForestNode{Size: 1, External: true},
		}},
		FeatureMeans: make([]float64, FeatureCount),
		TrainedAt:    time.Now().UTC(),
	}
}

func TestAvgPathLength(t *testing.T) {
	assert.Zero(t, avgPathLength(0))
	assert.Zero(t, avgPathLength(1))
	assert.Equal(t, 1.0, avgPathLength(2))
	assert.InDelta(t, 1.8517, avgPathLength(4), 1e-4)
	assert.InDelta(t, 10.2448, avgPathLength(256), 1e-4)
}

func TestPathLength_ExternalNodeExtendsByC(t *testing.T) {
	node := &models.ForestNode{Size: 4, External: true}
	x := make([]float64, FeatureCount)

	assert.InDelta(t, avgPathLength(4), pathLength(node, x, 0), 1e-12)
	assert.InDelta(t, 3+avgPathLength(4), pathLength(node, x, 3), 1e-12)
}

func TestScore_ShorterPathScoresHigher(t *testing.T) {
	// Left branch exits at depth 1; right branch needs one more split.
	forest := &models.IsolationForest{
		SampleSize: 3,
		Trees: []*models.ForestNode{{
			SplitFeature: 2,
			SplitValue:   0.5,
			Size:         3,
			Left:         &models.ForestNode{Size: 1, External: true},
			Right: &models.ForestNode{
				SplitFeature: 2,
				SplitValue:   2.0,
				Size:         2,
				Left:         &models.ForestNode{Size: 1, External: true},
				Right:        &models.ForestNode{Size: 1, External: true},
			},
		}},
	}

	shallow := Score(forest, []float64{0, 0, 0, 0, 0, 0})
	deep := Score(forest, []float64{0, 0, 1, 0, 0, 0})

	c3 := avgPathLength(3)
	assert.InDelta(t, math.Pow(2, -1/c3), shallow, 1e-9)
	assert.InDelta(t, math.Pow(2, -2/c3), deep, 1e-9)
	assert.Greater(t, shallow, deep)
}

func TestScore_EmptyForest(t *testing.T) {
	assert.Zero(t, Score(&models.IsolationForest{}, make([]float64, FeatureCount)))
	assert.Zero(t, Score(&models.IsolationForest{SampleSize: 1, Trees: []*models.ForestNode{{Size: 1, External: true}}}, make([]float64, FeatureCount)))
}

func TestTrain_Validation(t *testing.T) {
	_, err := Train("c1", [][]float64{make([]float64, FeatureCount)}, TrainOptions{})
	assert.Error(t, err)

	_, err = Train("c1", [][]float64{{1, 2}, {3, 4}}, TrainOptions{})
	assert.Error(t, err)
}

func TestTrain_AnomalyScoresAboveCluster(t *testing.T) {
	samples := make([][]float64, 0, 200)
	for i := 0; i < 199; i++ {
		s := make([]float64, FeatureCount)
		for f := range s {
			s[f] = float64(i%10) / 100 // tight cluster near zero
		}
		samples = append(samples, s)
	}
	anomaly := []float64{10, 10, 10, 10, 10, 10}
	samples = append(samples, anomaly)

	forest, err := Train("c1", samples, TrainOptions{NumTrees: 50, SampleSize: 128, Seed: 7})
	require.NoError(t, err)
	assert.Equal(t, "c1", forest.ClientID)
	assert.Equal(t, 128, forest.SampleSize)
	assert.Len(t, forest.Trees, 50)
	assert.Len(t, forest.FeatureMeans, FeatureCount)

	center := make([]float64, FeatureCount)
	for f := range center {
		center[f] = 0.05
	}

	anomalyScore := Score(forest, anomaly)
	centerScore := Score(forest, center)
	assert.Greater(t, anomalyScore, centerScore)
	assert.Greater(t, anomalyScore, 0.5)
	assert.LessOrEqual(t, anomalyScore, 1.0)

	// Same seed, same forest.
	again, err := Train("c1", samples, TrainOptions{NumTrees: 50, SampleSize: 128, Seed: 7})
	require.NoError(t, err)
	assert.Equal(t, Score(forest, center), Score(again, center))
}

func TestForestStore_PutValidation(t *testing.T) {
	store := NewForestStore(&memForestRepo{})
	ctx := context.Background()

	f := twoLeafForest()
	f.ClientID = ""
	assert.Error(t, store.Put(ctx, f))

	f = twoLeafForest()
	f.Trees = nil
	assert.Error(t, store.Put(ctx, f))

	f = twoLeafForest()
	f.SampleSize = 1
	assert.Error(t, store.Put(ctx, f))

	f = twoLeafForest()
	f.FeatureMeans = []float64{1, 2}
	assert.Error(t, store.Put(ctx, f))
}

func TestForestStore_PutCaches(t *testing.T) {
	repo := &memForestRepo{}
	store := NewForestStore(repo)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, twoLeafForest()))

	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.SampleSize)
	assert.Zero(t, repo.getCalls) // served from cache
}

func TestForestStore_CachesKnownAbsent(t *testing.T) {
	repo := &memForestRepo{}
	store := NewForestStore(repo)
	ctx := context.Background()

	_, err := store.Get(ctx, "ghost")
	assert.ErrorIs(t, err, repositories.ErrModelNotFound)
	_, err = store.Get(ctx, "ghost")
	assert.ErrorIs(t, err, repositories.ErrModelNotFound)
	assert.Equal(t, 1, repo.getCalls)
}

func TestForestEvaluate_ThresholdGatesTrigger(t *testing.T) {
	repo := &memForestRepo{}
	store := NewForestStore(repo)
	require.NoError(t, store.Put(context.Background(), twoLeafForest()))

	ec := evalCtx(beneTxn(50), warmProfile(100), profile.Snapshot{})

	// Every point scores 0.5 under the two-leaf forest. The default 60%
	// threshold keeps it quiet; a 40% rule threshold trips it.
	out, err := store.evaluate(context.Background(), ec, &models.AnomalyRule{RuleID: "isolation-forest"})
	require.NoError(t, err)
	assert.False(t, out.triggered)

	out, err = store.evaluate(context.Background(), ec, &models.AnomalyRule{RuleID: "isolation-forest", VariancePct: 40})
	require.NoError(t, err)
	assert.True(t, out.triggered)
	assert.InDelta(t, 100*(0.5-0.4)/0.6, out.partialScore, 1e-9)
	assert.Contains(t, out.reason, "anomaly score 0.500")

	// A threshold at or above 1 can never trigger.
	out, err = store.evaluate(context.Background(), ec, &models.AnomalyRule{RuleID: "isolation-forest", VariancePct: 100})
	require.NoError(t, err)
	assert.False(t, out.triggered)
}

func TestForestEvaluate_NoModelIsQuiet(t *testing.T) {
	store := NewForestStore(&memForestRepo{})

	ec := evalCtx(beneTxn(50), warmProfile(100), profile.Snapshot{})
	out, err := store.evaluate(context.Background(), ec, &models.AnomalyRule{RuleID: "isolation-forest", VariancePct: 10})
	require.NoError(t, err)
	assert.False(t, out.triggered)
}

func TestFeatureVector(t *testing.T) {
	txn := beneTxn(190)
	p := warmProfile(100)
	p.Amount = models.RunningStat{Mean: 100, M2: 72900, Count: 10} // stddev 90
	p.TxnTypeCounts[models.TxnTypeNEFT] = 25
	p.HourlyTps = models.RunningStat{Ewma: 2}
	p.HourlyAmount = models.RunningStat{Ewma: 1000}
	p.AmountByType[models.TxnTypeNEFT] = &models.RunningStat{Mean: 150, M2: 22500, Count: 10} // stddev 50

	live := profile.Snapshot{HourlyTxnCount: 6, HourlyAmountPaise: 200000}
	x := FeatureVector(evalCtx(txn, p, live))

	require.Len(t, x, FeatureCount)
	assert.InDelta(t, 1.0, x[0], 1e-9)     // (190-100)/90
	assert.InDelta(t, 0.75, x[1], 1e-9)    // 1 - 25/100
	assert.InDelta(t, 3.0, x[2], 1e-9)     // 6 / ewma 2
	assert.InDelta(t, 2.0, x[3], 1e-9)     // 2000 / ewma 1000
	assert.InDelta(t, 0.8, x[4], 1e-9)     // (190-150)/50
	assert.InDelta(t, 10.0/24, x[5], 1e-9) // 10:15 UTC
}

func TestFeatureVector_ColdProfileFallbacks(t *testing.T) {
	x := FeatureVector(evalCtx(beneTxn(190), warmProfile(0), profile.Snapshot{}))

	assert.Zero(t, x[0])
	assert.Zero(t, x[1])
	assert.Equal(t, 1.0, x[2])
	assert.Equal(t, 1.0, x[3])
	assert.Zero(t, x[4])
}

func TestForestNode_CompactJSON(t *testing.T) {
	node := &models.ForestNode{
		SplitFeature: 2,
		SplitValue:   0.5,
		Size:         3,
		Left:         &models.ForestNode{Size: 1, External: true},
	}

	raw, err := json.Marshal(node)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"f":2`)
	assert.Contains(t, string(raw), `"s":3`)
	assert.Contains(t, string(raw), `"e":true`)
	assert.NotContains(t, string(raw), `"r":`) // nil children elided

	var back models.ForestNode
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, node.SplitFeature, back.SplitFeature)
	require.NotNil(t, back.Left)
	assert.True(t, back.Left.External)
}
