package scoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/notify"
	"github.com/enterprise/txn-sentinel/internal/profile"
	"github.com/enterprise/txn-sentinel/internal/repositories"
)

type memProfileRepo struct {
	mu       sync.Mutex
	profiles map[string]*models.ClientProfile
	upserts  int
}

func (m *memProfileRepo) Get(ctx context.Context, clientID string) (*models.ClientProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.profiles[clientID]; ok {
		return p, nil
	}
	return nil, repositories.ErrProfileNotFound
}

func (m *memProfileRepo) Upsert(ctx context.Context, p *models.ClientProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ClientID] = p
	m.upserts++
	return nil
}

type memTxnWriter struct {
	mu      sync.Mutex
	created []*models.Transaction
	err     error
}

func (m *memTxnWriter) Create(ctx context.Context, txn *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.created = append(m.created, txn)
	return nil
}

func (m *memTxnWriter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

type memResultWriter struct {
	mu    sync.Mutex
	saved []*models.EvaluationResult
}

func (m *memResultWriter) Save(ctx context.Context, result *models.EvaluationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, result)
	return nil
}

func (m *memResultWriter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

type memEnqueuer struct {
	mu    sync.Mutex
	items []*models.EvaluationResult
}

func (m *memEnqueuer) Enqueue(ctx context.Context, result *models.EvaluationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, result)
	return nil
}

type memRuleLister struct {
	mu    sync.Mutex
	rules []*models.AnomalyRule
	err   error
}

func (m *memRuleLister) List(ctx context.Context, activeOnly bool) ([]*models.AnomalyRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.rules, nil
}

func (m *memRuleLister) set(rules []*models.AnomalyRule, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules, m.err = rules, err
}

type memForestRepo struct {
	mu       sync.Mutex
	forests  map[string]*models.IsolationForest
	getCalls int
	getErr   error
}

func (m *memForestRepo) Get(ctx context.Context, clientID string) (*models.IsolationForest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return nil, m.getErr
	}
	if f, ok := m.forests[clientID]; ok {
		return f, nil
	}
	return nil, repositories.ErrModelNotFound
}

func (m *memForestRepo) Save(ctx context.Context, forest *models.IsolationForest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forests == nil {
		m.forests = make(map[string]*models.IsolationForest)
	}
	m.forests[forest.ClientID] = forest
	return nil
}

type memNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (m *memNotifier) Notify(ev notify.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

type engineFixture struct {
	cfg      *configs.Config
	repo     *memProfileRepo
	txns     *memTxnWriter
	results  *memResultWriter
	review   *memEnqueuer
	lister   *memRuleLister
	forests  *memForestRepo
	notifier *memNotifier
	cache    *RuleCache
	engine   *Engine
}

func newEngineFixture(t *testing.T, rules ...*models.AnomalyRule) *engineFixture {
	t.Helper()

	fx := &engineFixture{
		cfg: &configs.Config{
			Risk: configs.RiskConfig{
				AlertThreshold: 30,
				BlockThreshold: 70,
				EwmaAlpha:      0.01,
				MinProfileTxns: 20,
			},
			Rules: testDefaults(),
			Worker: configs.WorkerConfig{
				Shards:        2,
				Concurrency:   2,
				BatchSize:     8,
				RetryAttempts: 1,
			},
		},
		repo:     &memProfileRepo{profiles: make(map[string]*models.ClientProfile)},
		txns:     &memTxnWriter{},
		results:  &memResultWriter{},
		review:   &memEnqueuer{},
		lister:   &memRuleLister{rules: rules},
		forests:  &memForestRepo{},
		notifier: &memNotifier{},
	}

	profiles := profile.NewStore(fx.repo, profile.NewCounters(nil), fx.cfg.Risk.EwmaAlpha, time.UTC)
	fx.cache = NewRuleCache(fx.lister, time.Hour)
	require.NoError(t, fx.cache.Load(context.Background()))
	fx.engine = NewEngine(fx.cfg, profiles, NewForestStore(fx.forests), fx.cache, fx.txns, fx.results, fx.review, fx.notifier)
	return fx
}

func amountRule() *models.AnomalyRule {
	return &models.AnomalyRule{
		RuleID:      "amount-anomaly",
		Name:        "Amount anomaly",
		RuleType:    models.RuleAmountAnomaly,
		RiskWeight:  1,
		VariancePct: 100,
		Active:      true,
	}
}

func TestProcess_GracePeriodPasses(t *testing.T) {
	fx := newEngineFixture(t, amountRule())
	p := warmProfile(19)
	p.Amount = models.RunningStat{Ewma: 100, Count: 19}
	fx.repo.profiles["c1"] = p

	var got *models.EvaluationResult
	err := fx.engine.process(context.Background(), beneTxn(1e6), func(r *models.EvaluationResult) { got = r })
	require.NoError(t, err)
	require.NotNil(t, got)

	// Nineteen prior transactions is still inside the learning window.
	assert.Equal(t, models.ActionPass, got.Action)
	assert.Equal(t, models.RiskLevelLow, got.RiskLevel)
	assert.Zero(t, got.CompositeScore)
	assert.Empty(t, got.RuleResults)

	// The pass is still recorded, but never queued for review.
	assert.Equal(t, 1, fx.txns.count())
	assert.Equal(t, 1, fx.results.count())
	assert.Empty(t, fx.review.items)
	assert.Equal(t, int64(20), p.TotalTxnCount)
	assert.GreaterOrEqual(t, fx.repo.upserts, 1)
}

func TestProcess_BlockPipeline(t *testing.T) {
	fx := newEngineFixture(t, amountRule())
	p := warmProfile(100)
	p.Amount = models.RunningStat{Ewma: 50000, Mean: 50000, Count: 100}
	fx.repo.profiles["c1"] = p

	calls := 0
	var got *models.EvaluationResult
	err := fx.engine.process(context.Background(), beneTxn(150000), func(r *models.EvaluationResult) {
		calls++
		got = r
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	assert.InDelta(t, 100.0, got.CompositeScore, 1e-9)
	assert.Equal(t, models.RiskLevelCritical, got.RiskLevel)
	assert.Equal(t, models.ActionBlock, got.Action)
	require.Len(t, got.RuleResults, 1)
	assert.Equal(t, "amount-anomaly", got.RuleResults[0].RuleID)
	assert.Equal(t, "Amount anomaly", got.RuleResults[0].RuleName)
	assert.True(t, got.RuleResults[0].Triggered)

	require.Len(t, fx.review.items, 1)
	assert.Same(t, got, fx.review.items[0])

	require.Len(t, fx.notifier.events, 1)
	assert.Equal(t, notify.KindBlock, fx.notifier.events[0].Kind)
	assert.Equal(t, "t1", fx.notifier.events[0].TxnID)
	assert.Contains(t, fx.notifier.events[0].Message, "blocked at score")
}

func TestProcess_AlertEnqueuesWithoutNotify(t *testing.T) {
	rule := amountRule()
	rule.RiskWeight = 1
	fx := newEngineFixture(t, rule)
	p := warmProfile(100)
	p.Amount = models.RunningStat{Ewma: 50000, Mean: 50000, Count: 100}
	fx.repo.profiles["c1"] = p

	// Half a band width past the edge scores 50: ALERT territory.
	var got *models.EvaluationResult
	err := fx.engine.process(context.Background(), beneTxn(125000), func(r *models.EvaluationResult) { got = r })
	require.NoError(t, err)

	assert.InDelta(t, 50.0, got.CompositeScore, 1e-9)
	assert.Equal(t, models.ActionAlert, got.Action)
	assert.Equal(t, models.RiskLevelMedium, got.RiskLevel)
	assert.Len(t, fx.review.items, 1)
	assert.Empty(t, fx.notifier.events)
}

func TestProcess_DuplicateTransactionTolerated(t *testing.T) {
	fx := newEngineFixture(t, amountRule())
	fx.txns.err = repositories.ErrDuplicateTransaction
	fx.repo.profiles["c1"] = warmProfile(5)

	var got *models.EvaluationResult
	err := fx.engine.process(context.Background(), beneTxn(100), func(r *models.EvaluationResult) { got = r })
	require.NoError(t, err)
	require.NotNil(t, got)

	// Replayed deliveries must not abort the rest of the tail.
	assert.Equal(t, 1, fx.results.count())
}

func TestProcess_UnknownAndFailingRulesOmitted(t *testing.T) {
	bogus := &models.AnomalyRule{RuleID: "bogus", RuleType: "NOT_A_RULE", RiskWeight: 1, Active: true}
	forest := &models.AnomalyRule{RuleID: "isolation-forest", RuleType: models.RuleIsolationForest, RiskWeight: 1, Active: true}
	fx := newEngineFixture(t, amountRule(), bogus, forest)
	fx.forests.getErr = errors.New("storage down")

	p := warmProfile(100)
	p.Amount = models.RunningStat{Ewma: 50000, Mean: 50000, Count: 100}
	fx.repo.profiles["c1"] = p

	var got *models.EvaluationResult
	err := fx.engine.process(context.Background(), beneTxn(150000), func(r *models.EvaluationResult) { got = r })
	require.NoError(t, err)

	// Only the amount rule contributes; the composite ignores the rest.
	require.Len(t, got.RuleResults, 1)
	assert.Equal(t, "amount-anomaly", got.RuleResults[0].RuleID)
	assert.InDelta(t, 100.0, got.CompositeScore, 1e-9)
}

func TestCompositeScore_WeightedMean(t *testing.T) {
	results := []models.RuleResult{
		{RuleID: "a", Triggered: true, PartialScore: 60, RiskWeight: 2},
		{RuleID: "b", Triggered: true, PartialScore: 40, RiskWeight: 1},
		{RuleID: "c", Triggered: false, PartialScore: 99, RiskWeight: 5},
	}
	assert.InDelta(t, 53.33, compositeScore(results, nil), 1e-9)
}

func TestCompositeScore_SkipsNonPositiveWeights(t *testing.T) {
	results := []models.RuleResult{
		{RuleID: "a", Triggered: true, PartialScore: 100, RiskWeight: 0},
	}
	assert.Zero(t, compositeScore(results, nil))

	results = append(results, models.RuleResult{RuleID: "b", Triggered: true, PartialScore: 30, RiskWeight: 2})
	assert.InDelta(t, 30.0, compositeScore(results, nil), 1e-9)
}

func TestCompositeScore_Overrides(t *testing.T) {
	results := []models.RuleResult{
		{RuleID: "r1", Triggered: true, PartialScore: 100, RiskWeight: 1},
		{RuleID: "r2", Triggered: true, PartialScore: 0, RiskWeight: 1},
	}
	assert.InDelta(t, 50.0, compositeScore(results, nil), 1e-9)
	assert.InDelta(t, 75.0, compositeScore(results, map[string]float64{"r1": 3}), 1e-9)
	// Overriding a rule to zero removes it from the mean.
	assert.InDelta(t, 0.0, compositeScore(results, map[string]float64{"r1": 0}), 1e-9)
}

func TestCompositeScore_Capped(t *testing.T) {
	results := []models.RuleResult{
		{RuleID: "a", Triggered: true, PartialScore: 150, RiskWeight: 1},
	}
	assert.InDelta(t, 100.0, compositeScore(results, nil), 1e-9)
}

func TestCompositeScore_Empty(t *testing.T) {
	assert.Zero(t, compositeScore(nil, nil))
	assert.Zero(t, compositeScore([]models.RuleResult{{Triggered: false, PartialScore: 90, RiskWeight: 1}}, nil))
}

func TestRiskLevel_Boundaries(t *testing.T) {
	assert.Equal(t, models.RiskLevelCritical, riskLevel(100))
	assert.Equal(t, models.RiskLevelCritical, riskLevel(80))
	assert.Equal(t, models.RiskLevelHigh, riskLevel(79.99))
	assert.Equal(t, models.RiskLevelHigh, riskLevel(60))
	assert.Equal(t, models.RiskLevelMedium, riskLevel(59.99))
	assert.Equal(t, models.RiskLevelMedium, riskLevel(30))
	assert.Equal(t, models.RiskLevelLow, riskLevel(29.99))
	assert.Equal(t, models.RiskLevelLow, riskLevel(0))
}

func TestActionAt_Boundaries(t *testing.T) {
	assert.Equal(t, models.ActionBlock, actionAt(70, 30, 70))
	assert.Equal(t, models.ActionAlert, actionAt(69.99, 30, 70))
	assert.Equal(t, models.ActionAlert, actionAt(30, 30, 70))
	assert.Equal(t, models.ActionPass, actionAt(29.99, 30, 70))
}
