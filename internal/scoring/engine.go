package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/metrics"
	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/notify"
	"github.com/enterprise/txn-sentinel/internal/profile"
	"github.com/enterprise/txn-sentinel/internal/repositories"
)

// persistTimeout bounds the post-score persistence tail. The HTTP reply has
// already been sent by then, so this only caps how long a lane can stall.
const persistTimeout = 10 * time.Second

type txnWriter interface {
	Create(ctx context.Context, txn *models.Transaction) error
}

type resultWriter interface {
	Save(ctx context.Context, result *models.EvaluationResult) error
}

// reviewEnqueuer pushes ALERT/BLOCK results into the review queue. The review
// service implements it; the indirection keeps scoring import-clean.
type reviewEnqueuer interface {
	Enqueue(ctx context.Context, result *models.EvaluationResult) error
}

// auditPublisher forwards evaluation events to the audit pipeline (Kafka).
type auditPublisher interface {
	PublishEvaluation(ctx context.Context, event models.EvaluationEvent) error
}

// Engine scores transactions against the active rule set and a per-client
// behavioral profile. One Engine is shared by all dispatcher lanes; per-client
// mutable state (profiles, live counters) is safe because the dispatcher
// serializes each client onto a single lane.
type Engine struct {
	cfg      *configs.Config
	profiles *profile.Store
	forests  *ForestStore
	rules    *RuleCache

	evaluators map[string]evaluator

	txns     txnWriter
	results  resultWriter
	review   reviewEnqueuer
	notifier notify.Notifier

	audit       auditPublisher
	experiments *ExperimentManager
}

// NewEngine wires the scoring pipeline. The audit publisher and experiment
// manager are optional and attached via setters.
func NewEngine(
	cfg *configs.Config,
	profiles *profile.Store,
	forests *ForestStore,
	rules *RuleCache,
	txns txnWriter,
	results resultWriter,
	review reviewEnqueuer,
	notifier notify.Notifier,
) *Engine {
	e := &Engine{
		cfg:        cfg,
		profiles:   profiles,
		forests:    forests,
		rules:      rules,
		txns:       txns,
		results:    results,
		review:     review,
		notifier:   notifier,
		evaluators: statisticalEvaluators(),
	}
	e.evaluators[models.RuleIsolationForest] = forests.evaluate
	return e
}

// SetAuditPublisher attaches the Kafka audit producer. No-op when nil.
func (e *Engine) SetAuditPublisher(pub auditPublisher) { e.audit = pub }

// SetExperiments attaches the shadow-weight experiment manager.
func (e *Engine) SetExperiments(m *ExperimentManager) { e.experiments = m }

// process evaluates one transaction. The scored callback fires exactly once,
// as soon as the composite is known and before any persistence, so the caller
// can reply without waiting on the database. The persistence tail then runs
// on the same lane, keeping the per-client ordering contract: a transaction
// never observes its own amounts, and the next one observes all of them.
func (e *Engine) process(ctx context.Context, txn models.Transaction, scored func(*models.EvaluationResult)) error {
	started := time.Now()

	prof, err := e.profiles.GetOrCreate(ctx, txn.ClientID)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}

	// Rebuild today's live buckets after a restart. Evaluation can proceed
	// on a failure; counters simply read low until the next attempt.
	if err := e.profiles.EnsureHydrated(ctx, prof, txn.Timestamp); err != nil {
		log.Warn().Err(err).Str("client_id", txn.ClientID).Msg("Live counter rehydration failed")
	}

	snap := e.profiles.Snapshot(txn)
	result := e.evaluate(ctx, txn, prof, snap)

	metrics.EvaluationsTotal.WithLabelValues(result.Action).Inc()
	metrics.EvaluationDuration.Observe(time.Since(started).Seconds())
	scored(result)

	e.persist(txn, prof, result)
	return nil
}

// evaluate runs the rule set and composes the final score. Profiles inside
// the grace period short-circuit to PASS with no rule results.
func (e *Engine) evaluate(ctx context.Context, txn models.Transaction, prof *models.ClientProfile, snap profile.Snapshot) *models.EvaluationResult {
	result := &models.EvaluationResult{
		TxnID:       txn.TxnID,
		ClientID:    txn.ClientID,
		RiskLevel:   models.RiskLevelLow,
		Action:      models.ActionPass,
		RuleResults: []models.RuleResult{},
		EvaluatedAt: time.Now().UTC(),
	}

	if prof.TotalTxnCount < e.cfg.Risk.MinProfileTxns {
		return result
	}

	ec := &Context{
		Txn:      txn,
		Profile:  prof,
		Live:     snap,
		Defaults: e.cfg.Rules,
		Loc:      e.profiles.Location(),
	}

	for _, rule := range e.rules.Active() {
		ev, ok := e.evaluators[rule.RuleType]
		if !ok {
			log.Warn().Str("rule_id", rule.RuleID).Str("rule_type", rule.RuleType).Msg("No evaluator for rule type, skipping")
			continue
		}

		out, err := ev(ctx, ec, rule)
		if err != nil {
			metrics.RuleErrorsTotal.WithLabelValues(rule.RuleType).Inc()
			log.Warn().Err(err).
				Str("rule_id", rule.RuleID).
				Str("rule_type", rule.RuleType).
				Str("txn_id", txn.TxnID).
				Msg("Rule evaluation failed, omitting from composite")
			continue
		}

		if out.triggered {
			metrics.RuleTriggersTotal.WithLabelValues(rule.RuleType).Inc()
		}
		result.RuleResults = append(result.RuleResults, models.RuleResult{
			RuleID:       rule.RuleID,
			RuleName:     rule.Name,
			RuleType:     rule.RuleType,
			Triggered:    out.triggered,
			DeviationPct: out.deviationPct,
			PartialScore: out.partialScore,
			RiskWeight:   rule.RiskWeight,
			Reason:       out.reason,
		})
	}

	result.CompositeScore = compositeScore(result.RuleResults, nil)
	result.RiskLevel = riskLevel(result.CompositeScore)
	result.Action = e.actionFor(result.CompositeScore)
	return result
}

// persist runs the post-score tail: transaction row, result row, profile
// update, live counters, review enqueue, notification, audit, shadow scoring.
// It deliberately uses a fresh context so a cancelled HTTP request cannot
// leave a scored transaction unrecorded.
func (e *Engine) persist(txn models.Transaction, prof *models.ClientProfile, result *models.EvaluationResult) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := e.retry(ctx, func() error {
		err := e.txns.Create(ctx, &txn)
		if errors.Is(err, repositories.ErrDuplicateTransaction) {
			return nil
		}
		return err
	}); err != nil {
		log.Error().Err(err).Str("txn_id", txn.TxnID).Msg("Failed to persist transaction")
	}

	if err := e.retry(ctx, func() error {
		return e.results.Save(ctx, result)
	}); err != nil {
		log.Error().Err(err).Str("txn_id", txn.TxnID).Msg("Failed to persist evaluation result")
	}

	// Apply folds the closing hour/day buckets into the profile before
	// Record opens the new ones, so the rollover reads complete totals.
	newBene := e.profiles.Apply(prof, txn)
	if err := e.retry(ctx, func() error {
		return e.profiles.Save(ctx, prof)
	}); err != nil {
		log.Error().Err(err).Str("client_id", txn.ClientID).Msg("Failed to persist profile")
	}
	e.profiles.Record(txn, newBene)

	if result.Action != models.ActionPass {
		if err := e.review.Enqueue(ctx, result); err != nil {
			log.Error().Err(err).Str("txn_id", txn.TxnID).Msg("Failed to enqueue review item")
		}
	}

	if result.Action == models.ActionBlock && e.notifier != nil {
		e.notifier.Notify(notify.Event{
			Kind:      notify.KindBlock,
			ClientID:  txn.ClientID,
			TxnID:     txn.TxnID,
			Score:     result.CompositeScore,
			Message:   blockMessage(txn, result),
			Timestamp: result.EvaluatedAt,
		})
	}

	if e.audit != nil {
		event := models.EvaluationEvent{
			TxnID:            txn.TxnID,
			ClientID:         txn.ClientID,
			TxnType:          txn.TxnType,
			Amount:           txn.Amount,
			CompositeScore:   result.CompositeScore,
			RiskLevel:        result.RiskLevel,
			Action:           result.Action,
			TriggeredRuleIDs: result.TriggeredRuleIDs(),
			EvaluatedAt:      result.EvaluatedAt,
		}
		if err := e.audit.PublishEvaluation(ctx, event); err != nil {
			log.Error().Err(err).Str("txn_id", txn.TxnID).Msg("Failed to publish evaluation event")
		}
	}

	if e.experiments != nil {
		e.experiments.Shadow(txn.ClientID, result)
	}
}

func (e *Engine) retry(ctx context.Context, fn func() error) error {
	attempts := e.cfg.Worker.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
	return err
}

func (e *Engine) actionFor(score float64) string {
	return actionAt(score, e.cfg.Risk.AlertThreshold, e.cfg.Risk.BlockThreshold)
}

func riskLevel(score float64) string {
	switch {
	case score >= 80:
		return models.RiskLevelCritical
	case score >= 60:
		return models.RiskLevelHigh
	case score >= 30:
		return models.RiskLevelMedium
	default:
		return models.RiskLevelLow
	}
}

// compositeScore is the weighted mean of triggered partial scores, capped at
// 100 and rounded to two decimals. overrides substitutes per-rule weights and
// is how shadow experiments re-score without re-running evaluators. A set
// with no triggered weight composes to zero.
func compositeScore(results []models.RuleResult, overrides map[string]float64) float64 {
	var weighted, total float64
	for _, rr := range results {
		if !rr.Triggered {
			continue
		}
		w := rr.RiskWeight
		if overrides != nil {
			if ow, ok := overrides[rr.RuleID]; ok {
				w = ow
			}
		}
		if w <= 0 {
			continue
		}
		weighted += rr.PartialScore * w
		total += w
	}
	if total <= 0 {
		return 0
	}
	score := weighted / total
	if score > 100 {
		score = 100
	}
	return math.Round(score*100) / 100
}

func blockMessage(txn models.Transaction, result *models.EvaluationResult) string {
	triggered := result.TriggeredRuleIDs()
	return fmt.Sprintf("transaction %s (%s %.2f) blocked at score %.2f with %d rule(s) triggered",
		txn.TxnID, txn.TxnType, txn.Amount, result.CompositeScore, len(triggered))
}
