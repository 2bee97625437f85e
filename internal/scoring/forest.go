package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/repositories"
)

// FeatureCount is the fixed length of the Isolation Forest feature vector.
const FeatureCount = 6

const eulerMascheroni = 0.5772156649

// featureNames index-aligns with FeatureVector for explainability output.
var featureNames = [FeatureCount]string{
	"amount_z",
	"type_rarity",
	"tps_ratio",
	"hourly_amount_ratio",
	"type_amount_z",
	"hour_of_day",
}

// FeatureVector extracts the model input for a transaction. Z terms fall
// back to 0 and ratio terms to 1 when their denominator is zero.
func FeatureVector(ec *Context) []float64 {
	x := make([]float64, FeatureCount)
	p := ec.Profile

	if sd := p.Amount.StdDev(); sd > 0 {
		x[0] = (ec.Txn.Amount - p.Amount.Mean) / sd
	}

	if p.TotalTxnCount > 0 {
		freq := float64(p.TxnTypeCounts[ec.Txn.TxnType]) / float64(p.TotalTxnCount)
		x[1] = 1 - freq
	}

	x[2] = 1
	if p.HourlyTps.Ewma > 0 {
		x[2] = float64(ec.Live.HourlyTxnCount) / p.HourlyTps.Ewma
	}

	x[3] = 1
	if p.HourlyAmount.Ewma > 0 {
		x[3] = ec.Live.HourlyAmount() / p.HourlyAmount.Ewma
	}

	if stat, ok := p.AmountByType[ec.Txn.TxnType]; ok {
		if sd := stat.StdDev(); sd > 0 {
			x[4] = (ec.Txn.Amount - stat.Mean) / sd
		}
	}

	x[5] = float64(ec.Txn.Timestamp.In(ec.Loc).Hour()) / 24
	return x
}

// avgPathLength is c(n), the expected path length of an unsuccessful BST
// search over n points; it normalizes tree depths into the anomaly score.
func avgPathLength(n int) float64 {
	switch {
	case n > 2:
		f := float64(n)
		return 2*(math.Log(f-1)+eulerMascheroni) - 2*(f-1)/f
	case n == 2:
		return 1
	default:
		return 0
	}
}

// pathLength walks one tree; external nodes extend the depth by c(size).
func pathLength(node *models.ForestNode, x []float64, depth float64) float64 {
	for node != nil {
		if node.External || (node.Left == nil && node.Right == nil) {
			return depth + avgPathLength(node.Size)
		}
		if x[node.SplitFeature] < node.SplitValue {
			node = node.Left
		} else {
			node = node.Right
		}
		depth++
	}
	return depth
}

// Score computes the ensemble anomaly score s(x) = 2^(-E[h(x)]/c(n)).
// The result is in (0,1] for a trained forest.
func Score(f *models.IsolationForest, x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	cn := avgPathLength(f.SampleSize)
	if cn == 0 {
		return 0
	}

	var total float64
	for _, tree := range f.Trees {
		total += pathLength(tree, x, 0)
	}
	avg := total / float64(len(f.Trees))
	return math.Pow(2, -avg/cn)
}

// featureImpact is one feature's share of an anomaly score.
type featureImpact struct {
	name   string
	value  float64
	impact float64
}

// contributions explains a score by substituting each feature with the
// model's stored client mean and re-scoring; the drop is that feature's
// contribution. Sorted by impact, largest first.
func contributions(f *models.IsolationForest, x []float64, base float64) []featureImpact {
	out := make([]featureImpact, 0, len(x))
	for i := range x {
		if i >= len(f.FeatureMeans) {
			break
		}
		substituted := make([]float64, len(x))
		copy(substituted, x)
		substituted[i] = f.FeatureMeans[i]

		out = append(out, featureImpact{
			name:   featureNames[i],
			value:  x[i],
			impact: math.Max(0, base-Score(f, substituted)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].impact > out[j].impact })
	return out
}

// TrainOptions tune offline forest training.
type TrainOptions struct {
	NumTrees   int   // default 100
	SampleSize int   // default 256, capped at the sample count
	Seed       int64 // 0 means time-seeded
}

// Train builds an Isolation Forest from a feature matrix. It is a library
// function for offline tooling; the live system only loads trained models.
func Train(clientID string, samples [][]float64, opts TrainOptions) (*models.IsolationForest, error) {
	if len(samples) < 2 {
		return nil, errors.New("forest training needs at least 2 samples")
	}
	for i, s := range samples {
		if len(s) != FeatureCount {
			return nil, fmt.Errorf("sample %d has %d features, want %d", i, len(s), FeatureCount)
		}
	}

	numTrees := opts.NumTrees
	if numTrees <= 0 {
		numTrees = 100
	}
	sampleSize := opts.SampleSize
	if sampleSize <= 0 {
		sampleSize = 256
	}
	if sampleSize > len(samples) {
		sampleSize = len(samples)
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))
	trees := make([]*models.ForestNode, numTrees)
	for i := range trees {
		// Sub-sample without replacement.
		perm := rng.Perm(len(samples))
		subset := make([][]float64, sampleSize)
		for j := 0; j < sampleSize; j++ {
			subset[j] = samples[perm[j]]
		}
		trees[i] = buildTree(subset, 0, maxDepth, rng)
	}

	means := make([]float64, FeatureCount)
	for _, s := range samples {
		for i, v := range s {
			means[i] += v
		}
	}
	for i := range means {
		means[i] /= float64(len(samples))
	}

	return &models.IsolationForest{
		ClientID:     clientID,
		SampleSize:   sampleSize,
		FeatureMeans: means,
		Trees:        trees,
		TrainedAt:    time.Now().UTC(),
	}, nil
}

func buildTree(subset [][]float64, depth, maxDepth int, rng *rand.Rand) *models.ForestNode {
	if depth >= maxDepth || len(subset) <= 1 {
		return &models.ForestNode{Size: len(subset), External: true}
	}

	feature := rng.Intn(FeatureCount)
	min, max := subset[0][feature], subset[0][feature]
	for _, s := range subset[1:] {
		if s[feature] < min {
			min = s[feature]
		}
		if s[feature] > max {
			max = s[feature]
		}
	}
	if min == max {
		return &models.ForestNode{Size: len(subset), External: true}
	}

	value := min + rng.Float64()*(max-min)
	var left, right [][]float64
	for _, s := range subset {
		if s[feature] < value {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}

	return &models.ForestNode{
		SplitFeature: feature,
		SplitValue:   value,
		Size:         len(subset),
		Left:         buildTree(left, depth+1, maxDepth, rng),
		Right:        buildTree(right, depth+1, maxDepth, rng),
	}
}

// forestRepo is the slice of the forest repository the store needs.
type forestRepo interface {
	Get(ctx context.Context, clientID string) (*models.IsolationForest, error)
	Save(ctx context.Context, forest *models.IsolationForest) error
}

// ForestStore serves per-client models from an in-memory read-only cache
// in front of Postgres. A cached nil records a known-absent model so
// modelless clients don't hit storage on every transaction; uploads
// replace the entry.
type ForestStore struct {
	repo forestRepo

	mu    sync.RWMutex
	cache map[string]*models.IsolationForest
}

// NewForestStore creates a forest model store.
func NewForestStore(repo forestRepo) *ForestStore {
	return &ForestStore{
		repo:  repo,
		cache: make(map[string]*models.IsolationForest),
	}
}

// Get returns the client's model or repositories.ErrModelNotFound.
func (s *ForestStore) Get(ctx context.Context, clientID string) (*models.IsolationForest, error) {
	forest, err := s.load(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if forest == nil {
		return nil, repositories.ErrModelNotFound
	}
	return forest, nil
}

// Put validates, persists, and caches an uploaded model.
func (s *ForestStore) Put(ctx context.Context, forest *models.IsolationForest) error {
	if forest.ClientID == "" {
		return errors.New("model requires a client id")
	}
	if len(forest.Trees) == 0 {
		return errors.New("model carries no trees")
	}
	if forest.SampleSize < 2 {
		return errors.New("model sample size must be at least 2")
	}
	if len(forest.FeatureMeans) != FeatureCount {
		return fmt.Errorf("model has %d feature means, want %d", len(forest.FeatureMeans), FeatureCount)
	}
	if forest.TrainedAt.IsZero() {
		forest.TrainedAt = time.Now().UTC()
	}

	if err := s.repo.Save(ctx, forest); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[forest.ClientID] = forest
	s.mu.Unlock()
	return nil
}

// load returns the cached model, a nil for known-absent, or fetches.
func (s *ForestStore) load(ctx context.Context, clientID string) (*models.IsolationForest, error) {
	s.mu.RLock()
	forest, ok := s.cache[clientID]
	s.mu.RUnlock()
	if ok {
		return forest, nil
	}

	forest, err := s.repo.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, repositories.ErrModelNotFound) {
			s.mu.Lock()
			s.cache[clientID] = nil
			s.mu.Unlock()
			return nil, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.cache[clientID] = forest
	s.mu.Unlock()
	return forest, nil
}

// evaluate is the ISOLATION_FOREST entry in the engine's dispatch table.
func (s *ForestStore) evaluate(ctx context.Context, ec *Context, rule *models.AnomalyRule) (outcome, error) {
	forest, err := s.load(ctx, ec.Txn.ClientID)
	if err != nil {
		return outcome{}, fmt.Errorf("failed to load forest model: %w", err)
	}
	if forest == nil || len(forest.Trees) == 0 {
		return outcome{}, nil
	}

	thresholdPct := rule.VariancePct
	if thresholdPct <= 0 {
		thresholdPct = ec.Defaults.ForestThresholdPct
	}
	threshold := thresholdPct / 100
	if threshold >= 1 {
		return outcome{}, nil
	}

	x := FeatureVector(ec)
	score := Score(forest, x)
	if score <= threshold {
		return outcome{}, nil
	}

	partial := 100 * (score - threshold) / (1 - threshold)
	top := contributions(forest, x, score)
	if len(top) > 3 {
		top = top[:3]
	}
	parts := make([]string, 0, len(top))
	for _, c := range top {
		parts = append(parts, fmt.Sprintf("%s=%.2f (+%.3f)", c.name, c.value, c.impact))
	}

	return outcome{
		triggered:    true,
		deviationPct: partial,
		partialScore: partial,
		reason: fmt.Sprintf("anomaly score %.3f above threshold %.2f; top factors: %s",
			score, threshold, strings.Join(parts, ", ")),
	}, nil
}
