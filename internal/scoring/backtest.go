package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/models"
)

const (
	backtestMaxWindowDays     = 90
	backtestDefaultWindowDays = 7
)

// ErrInvalidBacktest flags a request that cannot be replayed.
var ErrInvalidBacktest = errors.New("invalid backtest request")

type resultLister interface {
	ListSince(ctx context.Context, since time.Time, afterID string, limit int) ([]*models.EvaluationResult, error)
}

// BacktestRequest replays history with one rule's weight overridden.
type BacktestRequest struct {
	RuleID          string  `json:"rule_id" binding:"required"`
	CandidateWeight float64 `json:"candidate_weight" binding:"required"`
	WindowDays      int     `json:"window_days"`
}

// BacktestReport summarizes how the candidate weight would have shifted
// historical composites. Transitions counts action changes keyed
// "PASS->ALERT" style; unchanged actions are not listed.
type BacktestReport struct {
	RuleID          string           `json:"rule_id"`
	CandidateWeight float64          `json:"candidate_weight"`
	WindowDays      int              `json:"window_days"`
	Evaluations     int64            `json:"evaluations"`
	ScoreChanged    int64            `json:"score_changed"`
	ActionChanged   int64            `json:"action_changed"`
	Transitions     map[string]int64 `json:"transitions"`
	MeanScoreDelta  float64          `json:"mean_score_delta"`
}

// Backtester recomputes persisted composites arithmetically from their
// stored rule results. No evaluators run, so a backtest cannot disturb
// live scoring; it competes only for database reads.
type Backtester struct {
	results  resultLister
	alertAt  float64
	blockAt  float64
	pageSize int
	workers  int
}

func NewBacktester(results resultLister, risk configs.RiskConfig, worker configs.WorkerConfig) *Backtester {
	pageSize := worker.BatchSize
	if pageSize < 1 {
		pageSize = 100
	}
	workers := worker.Concurrency
	if workers < 1 {
		workers = 1
	}
	return &Backtester{
		results:  results,
		alertAt:  risk.AlertThreshold,
		blockAt:  risk.BlockThreshold,
		pageSize: pageSize,
		workers:  workers,
	}
}

// Run walks the result history for the window in keyset pages and fans the
// pages out to concurrent aggregators. Aggregation is order-independent, so
// pages may be consumed in any interleaving.
func (b *Backtester) Run(ctx context.Context, req BacktestRequest) (*BacktestReport, error) {
	if req.RuleID == "" {
		return nil, fmt.Errorf("%w: rule_id is required", ErrInvalidBacktest)
	}
	if req.CandidateWeight <= 0 {
		return nil, fmt.Errorf("%w: candidate_weight must be positive", ErrInvalidBacktest)
	}
	windowDays := req.WindowDays
	if windowDays <= 0 {
		windowDays = backtestDefaultWindowDays
	}
	if windowDays > backtestMaxWindowDays {
		windowDays = backtestMaxWindowDays
	}

	since := time.Now().UTC().AddDate(0, 0, -windowDays)
	overrides := map[string]float64{req.RuleID: req.CandidateWeight}

	report := &BacktestReport{
		RuleID:          req.RuleID,
		CandidateWeight: req.CandidateWeight,
		WindowDays:      windowDays,
		Transitions:     make(map[string]int64),
	}

	pages := make(chan []*models.EvaluationResult, b.workers)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(pages)
		cursorAt, cursorID := since, ""
		for {
			page, err := b.results.ListSince(ctx, cursorAt, cursorID, b.pageSize)
			if err != nil {
				return fmt.Errorf("failed to page results: %w", err)
			}
			if len(page) == 0 {
				return nil
			}
			last := page[len(page)-1]
			cursorAt, cursorID = last.EvaluatedAt, last.TxnID

			select {
			case pages <- page:
			case <-ctx.Done():
				return ctx.Err()
			}
			if len(page) < b.pageSize {
				return nil
			}
		}
	})

	var mu sync.Mutex
	for i := 0; i < b.workers; i++ {
		g.Go(func() error {
			local := backtestAgg{transitions: make(map[string]int64)}
			for page := range pages {
				for _, res := range page {
					local.observe(res, overrides, b.alertAt, b.blockAt)
				}
			}
			mu.Lock()
			local.mergeInto(report)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if report.Evaluations > 0 {
		report.MeanScoreDelta = report.MeanScoreDelta / float64(report.Evaluations)
	}
	return report, nil
}

type backtestAgg struct {
	evaluations   int64
	scoreChanged  int64
	actionChanged int64
	deltaSum      float64
	transitions   map[string]int64
}

func (a *backtestAgg) observe(res *models.EvaluationResult, overrides map[string]float64, alertAt, blockAt float64) {
	shadow := compositeScore(res.RuleResults, overrides)
	a.evaluations++
	a.deltaSum += shadow - res.CompositeScore
	if shadow != res.CompositeScore {
		a.scoreChanged++
	}
	shadowAction := actionAt(shadow, alertAt, blockAt)
	if shadowAction != res.Action {
		a.actionChanged++
		a.transitions[res.Action+"->"+shadowAction]++
	}
}

// mergeInto folds the local aggregate into the shared report. MeanScoreDelta
// carries the running sum until Run divides it by the final count.
func (a *backtestAgg) mergeInto(report *BacktestReport) {
	report.Evaluations += a.evaluations
	report.ScoreChanged += a.scoreChanged
	report.ActionChanged += a.actionChanged
	report.MeanScoreDelta += a.deltaSum
	for k, v := range a.transitions {
		report.Transitions[k] += v
	}
}
