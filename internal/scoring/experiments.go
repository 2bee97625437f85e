package scoring

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/metrics"
	"github.com/enterprise/txn-sentinel/internal/models"
)

type experimentLister interface {
	ListActive(ctx context.Context) ([]*models.WeightExperiment, error)
}

// ExperimentManager shadow-scores cohort evaluations under candidate rule
// weights. It reuses the persisted rule results of the primary evaluation,
// so a shadow score is pure arithmetic and never touches evaluators or
// storage. The primary result is never modified.
type ExperimentManager struct {
	repo    experimentLister
	alertAt float64
	blockAt float64

	interval time.Duration
	snapshot atomic.Pointer[[]*models.WeightExperiment]

	reloadMu sync.Mutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewExperimentManager creates the manager; call Load before serving traffic
// and Start to begin periodic refresh.
func NewExperimentManager(repo experimentLister, risk configs.RiskConfig, interval time.Duration) *ExperimentManager {
	m := &ExperimentManager{
		repo:     repo,
		alertAt:  risk.AlertThreshold,
		blockAt:  risk.BlockThreshold,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	empty := make([]*models.WeightExperiment, 0)
	m.snapshot.Store(&empty)
	return m
}

// Active returns the current experiment snapshot, shared and read-only.
func (m *ExperimentManager) Active() []*models.WeightExperiment {
	return *m.snapshot.Load()
}

// Load refreshes the snapshot from storage.
func (m *ExperimentManager) Load(ctx context.Context) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	exps, err := m.repo.ListActive(ctx)
	if err != nil {
		return err
	}
	m.snapshot.Store(&exps)
	return nil
}

// Invalidate reloads after an experiment write. A failed reload keeps the
// old snapshot; the periodic refresh repairs it.
func (m *ExperimentManager) Invalidate() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Load(ctx); err != nil {
		log.Error().Err(err).Msg("experiment snapshot reload failed")
	}
}

// Start begins the periodic refresh loop.
func (m *ExperimentManager) Start() {
	m.wg.Add(1)
	go m.refreshLoop()
}

// Stop halts the refresh loop and waits for it to exit.
func (m *ExperimentManager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *ExperimentManager) refreshLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := m.Load(ctx); err != nil {
				log.Error().Err(err).Msg("experiment snapshot refresh failed")
			}
			cancel()
		}
	}
}

// Shadow recomputes the composite under each active experiment the client's
// cohort assignment selects, and records the outcome.
func (m *ExperimentManager) Shadow(clientID string, result *models.EvaluationResult) {
	exps := m.Active()
	if len(exps) == 0 {
		return
	}

	for _, exp := range exps {
		if !inCohort(clientID, exp.TrafficPct) {
			continue
		}

		shadow := compositeScore(result.RuleResults, map[string]float64{exp.RuleID: exp.CandidateWeight})
		shadowAction := actionAt(shadow, m.alertAt, m.blockAt)

		divergence := "same"
		if shadowAction != result.Action {
			divergence = "diverged"
		}
		metrics.ShadowEvaluationsTotal.WithLabelValues(divergence).Inc()

		log.Info().
			Str("experiment_id", exp.ID).
			Str("rule_id", exp.RuleID).
			Str("txn_id", result.TxnID).
			Float64("composite", result.CompositeScore).
			Float64("shadow_composite", shadow).
			Str("action", result.Action).
			Str("shadow_action", shadowAction).
			Msg("Shadow evaluation")
	}
}

// inCohort hashes the client into one of 100 stable buckets; an experiment
// at trafficPct owns the lowest trafficPct of them. FNV-1 here, distinct
// from the FNV-1a lane hash, so cohorts do not correlate with lanes.
func inCohort(clientID string, trafficPct int) bool {
	if trafficPct >= 100 {
		return true
	}
	if trafficPct <= 0 {
		return false
	}
	h := fnv.New32()
	h.Write([]byte(clientID))
	return int(h.Sum32()%100) < trafficPct
}

func actionAt(score, alertAt, blockAt float64) string {
	switch {
	case score >= blockAt:
		return models.ActionBlock
	case score >= alertAt:
		return models.ActionAlert
	default:
		return models.ActionPass
	}
}
