// Package review owns the human feedback loop: the queue of ALERT/BLOCK
// results awaiting adjudication, the auto-accept sweeper, and the
// precision-driven rule weight adjuster.
package review

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/metrics"
	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/repositories"
)

// ErrInvalidFeedback rejects statuses other than the two operator verdicts.
var ErrInvalidFeedback = errors.New("feedback status must be TRUE_POSITIVE or FALSE_POSITIVE")

// queueStore is the slice of the review repository the service uses.
type queueStore interface {
	Enqueue(ctx context.Context, item *models.ReviewQueueItem) error
	GetByTxnID(ctx context.Context, txnID string) (*models.ReviewQueueItem, error)
	MarkFeedback(ctx context.Context, txnID, status, by string, at time.Time) (bool, error)
	List(ctx context.Context, f repositories.ReviewFilter) ([]*models.ReviewQueueItem, error)
	Stats(ctx context.Context) (*models.ReviewStats, error)
}

// historyLister reads the weight change log.
type historyLister interface {
	List(ctx context.Context, ruleID string, limit int) ([]*models.RuleWeightChange, error)
}

// Service fronts the review queue.
type Service struct {
	reviews queueStore
	history historyLister
	cfg     configs.FeedbackConfig

	adjuster *Adjuster
}

func NewService(reviews queueStore, history historyLister, cfg configs.FeedbackConfig) *Service {
	return &Service{reviews: reviews, history: history, cfg: cfg}
}

// SetAdjuster connects feedback events to the weight adjuster.
func (s *Service) SetAdjuster(a *Adjuster) { s.adjuster = a }

// Enqueue files a non-PASS result for review. Re-enqueueing the same
// transaction is a no-op, so replays cannot reset an item's deadline.
func (s *Service) Enqueue(ctx context.Context, result *models.EvaluationResult) error {
	now := time.Now().UTC()
	item := &models.ReviewQueueItem{
		TxnID:              result.TxnID,
		ClientID:           result.ClientID,
		Action:             result.Action,
		CompositeScore:     result.CompositeScore,
		RiskLevel:          result.RiskLevel,
		TriggeredRuleIDs:   result.TriggeredRuleIDs(),
		EnqueuedAt:         now,
		FeedbackStatus:     models.FeedbackPending,
		AutoAcceptDeadline: now.Add(s.cfg.AutoAcceptTimeout),
	}
	return s.reviews.Enqueue(ctx, item)
}

// Get returns one review item.
func (s *Service) Get(ctx context.Context, txnID string) (*models.ReviewQueueItem, error) {
	return s.reviews.GetByTxnID(ctx, txnID)
}

// List pages the queue with the given filter.
func (s *Service) List(ctx context.Context, f repositories.ReviewFilter) ([]*models.ReviewQueueItem, error) {
	return s.reviews.List(ctx, f)
}

// SubmitFeedback records an operator verdict. Terminal items are returned
// as-is with changed=false, which makes repeated submissions idempotent:
// the first verdict wins and later ones see the settled item.
func (s *Service) SubmitFeedback(ctx context.Context, txnID, status, by string) (item *models.ReviewQueueItem, changed bool, err error) {
	if status != models.FeedbackTruePositive && status != models.FeedbackFalsePositive {
		return nil, false, ErrInvalidFeedback
	}

	updated, err := s.reviews.MarkFeedback(ctx, txnID, status, by, time.Now().UTC())
	if err != nil {
		return nil, false, err
	}

	item, err = s.reviews.GetByTxnID(ctx, txnID)
	if err != nil {
		return nil, false, err
	}
	if !updated {
		return item, false, nil
	}

	metrics.ReviewFeedbackTotal.WithLabelValues(status).Inc()
	log.Info().
		Str("txn_id", txnID).
		Str("status", status).
		Str("feedback_by", by).
		Msg("Review feedback recorded")

	if s.adjuster != nil {
		s.adjuster.NotifyFeedback(item.TriggeredRuleIDs)
	}
	return item, true, nil
}

// FeedbackRequest is one entry of a bulk feedback submission.
type FeedbackRequest struct {
	TxnID  string `json:"txn_id" binding:"required"`
	Status string `json:"status" binding:"required"`
	By     string `json:"feedback_by"`
}

// BulkResult reports how many of the requested items actually transitioned.
type BulkResult struct {
	Requested int `json:"requested"`
	Updated   int `json:"updated"`
}

// BulkFeedback applies verdicts item by item; a failed item is logged and
// skipped rather than aborting the batch.
func (s *Service) BulkFeedback(ctx context.Context, reqs []FeedbackRequest, defaultBy string) BulkResult {
	res := BulkResult{Requested: len(reqs)}
	for _, req := range reqs {
		by := req.By
		if by == "" {
			by = defaultBy
		}
		_, changed, err := s.SubmitFeedback(ctx, req.TxnID, req.Status, by)
		if err != nil {
			log.Warn().Err(err).Str("txn_id", req.TxnID).Msg("Bulk feedback item failed")
			continue
		}
		if changed {
			res.Updated++
		}
	}
	return res
}

// Stats returns queue aggregates for the dashboard.
func (s *Service) Stats(ctx context.Context) (*models.ReviewStats, error) {
	return s.reviews.Stats(ctx)
}

// WeightHistory lists recorded weight changes, newest first. Empty ruleID
// means all rules.
func (s *Service) WeightHistory(ctx context.Context, ruleID string, limit int) ([]*models.RuleWeightChange, error) {
	return s.history.List(ctx, ruleID, limit)
}
