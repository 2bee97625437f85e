package review

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/metrics"
	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/repositories"
)

// ruleCacheInvalidator is satisfied by the scoring rule cache; the adjuster
// pokes it after a weight write so the next evaluation sees the change.
type ruleCacheInvalidator interface {
	Invalidate()
}

// weightStore reads and writes the adjustable rule weights.
type weightStore interface {
	GetByID(ctx context.Context, ruleID string) (*models.AnomalyRule, error)
	UpdateWeight(ctx context.Context, ruleID string, weight float64) error
}

// precisionReader aggregates operator verdicts per rule.
type precisionReader interface {
	RulePrecision(ctx context.Context, since time.Time) ([]repositories.RulePrecisionRow, error)
	RulePrecisionFor(ctx context.Context, ruleID string, since time.Time) (repositories.RulePrecisionRow, error)
}

// historyAppender records applied weight changes.
type historyAppender interface {
	Append(ctx context.Context, change *models.RuleWeightChange) error
}

// Adjuster retunes rule weights from operator precision. A rule whose
// alerts keep being confirmed gains weight; one that keeps crying wolf
// loses it. Adjustments run per rule when feedback arrives and across all
// rules on a timer, and every applied change is appended to the weight
// history for audit.
type Adjuster struct {
	rules       weightStore
	reviews     precisionReader
	history     historyAppender
	invalidator ruleCacheInvalidator
	cfg         configs.FeedbackConfig

	events chan string
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewAdjuster(
	rules weightStore,
	reviews precisionReader,
	history historyAppender,
	invalidator ruleCacheInvalidator,
	cfg configs.FeedbackConfig,
) *Adjuster {
	return &Adjuster{
		rules:       rules,
		reviews:     reviews,
		history:     history,
		invalidator: invalidator,
		cfg:         cfg,
		events:      make(chan string, 64),
		stopCh:      make(chan struct{}),
	}
}

// NotifyFeedback queues the given rules for recompute. Non-blocking: a full
// queue drops the event and the periodic pass catches up.
func (a *Adjuster) NotifyFeedback(ruleIDs []string) {
	for _, id := range ruleIDs {
		select {
		case a.events <- id:
		default:
			return
		}
	}
}

// Start begins the event loop and the periodic full pass.
func (a *Adjuster) Start() {
	a.wg.Add(1)
	go a.loop()
	log.Info().Dur("interval", a.cfg.AdjustInterval).Msg("Weight adjuster started")
}

// Stop halts the loops and waits for them to exit.
func (a *Adjuster) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *Adjuster) loop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.AdjustInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case ruleID := <-a.events:
			a.adjustRule(ruleID)
		case <-ticker.C:
			a.adjustAll()
		}
	}
}

func (a *Adjuster) window() time.Time {
	return time.Now().UTC().AddDate(0, 0, -a.cfg.WindowDays)
}

func (a *Adjuster) adjustRule(ruleID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	row, err := a.reviews.RulePrecisionFor(ctx, ruleID, a.window())
	if err != nil {
		log.Error().Err(err).Str("rule_id", ruleID).Msg("Failed to read rule precision")
		return
	}
	a.apply(ctx, ruleID, row.TruePositives, row.FalsePositives)
}

func (a *Adjuster) adjustAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rows, err := a.reviews.RulePrecision(ctx, a.window())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read rule precision for full pass")
		return
	}
	for _, row := range rows {
		a.apply(ctx, row.RuleID, row.TruePositives, row.FalsePositives)
	}
}

func (a *Adjuster) apply(ctx context.Context, ruleID string, tp, fp int64) {
	rule, err := a.rules.GetByID(ctx, ruleID)
	if err != nil {
		// Rules can be deleted while their verdicts are still in window.
		if !errors.Is(err, repositories.ErrRuleNotFound) {
			log.Error().Err(err).Str("rule_id", ruleID).Msg("Failed to load rule for adjustment")
		}
		return
	}

	newWeight, direction, ok := decide(rule.RiskWeight, tp, fp, a.cfg)
	if !ok {
		return
	}

	if err := a.rules.UpdateWeight(ctx, ruleID, newWeight); err != nil {
		log.Error().Err(err).Str("rule_id", ruleID).Msg("Failed to update rule weight")
		return
	}

	precision := float64(tp) / float64(tp+fp)
	change := &models.RuleWeightChange{
		RuleID:    ruleID,
		OldWeight: rule.RiskWeight,
		NewWeight: newWeight,
		Reason:    fmt.Sprintf("precision %.3f over %d verdicts", precision, tp+fp),
	}
	if err := a.history.Append(ctx, change); err != nil {
		log.Error().Err(err).Str("rule_id", ruleID).Msg("Failed to append weight history")
	}

	metrics.WeightAdjustmentsTotal.WithLabelValues(direction).Inc()
	a.invalidator.Invalidate()

	log.Info().
		Str("rule_id", ruleID).
		Float64("old_weight", rule.RiskWeight).
		Float64("new_weight", newWeight).
		Float64("precision", precision).
		Int64("samples", tp+fp).
		Msg("Rule weight adjusted")
}

// decide computes the adjusted weight from the verdict tallies. ok is false
// when the sample is too small, precision sits in the neutral band, or the
// clamped change is below epsilon.
func decide(weight float64, tp, fp int64, cfg configs.FeedbackConfig) (newWeight float64, direction string, ok bool) {
	samples := tp + fp
	if samples < cfg.MinSamples {
		return 0, "", false
	}

	precision := float64(tp) / float64(samples)
	switch {
	case precision >= cfg.HighPrecision:
		newWeight, direction = weight*cfg.UpFactor, "up"
	case precision <= cfg.LowPrecision:
		newWeight, direction = weight*cfg.DownFactor, "down"
	default:
		return 0, "", false
	}

	if newWeight > cfg.WeightMax {
		newWeight = cfg.WeightMax
	}
	if newWeight < cfg.WeightMin {
		newWeight = cfg.WeightMin
	}
	if math.Abs(newWeight-weight) < cfg.Epsilon {
		return 0, "", false
	}
	return newWeight, direction, true
}
