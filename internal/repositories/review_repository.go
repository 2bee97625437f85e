package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/enterprise/txn-sentinel/internal/models"
)

var ErrReviewItemNotFound = errors.New("review item not found")

// ReviewRepository handles review queue database operations
type ReviewRepository struct {
	db *Database
}

// NewReviewRepository creates a new review repository
func NewReviewRepository(db *Database) *ReviewRepository {
	return &ReviewRepository{db: db}
}

// Enqueue inserts a pending review item; a replayed txn_id is a no-op
func (r *ReviewRepository) Enqueue(ctx context.Context, item *models.ReviewQueueItem) error {
	query := `
		INSERT INTO review_queue (
			txn_id, client_id, action, composite_score, risk_level,
			triggered_rule_ids, enqueued_at, feedback_status, auto_accept_deadline
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (txn_id) DO NOTHING
	`

	_, err := r.db.Pool.Exec(ctx, query,
		item.TxnID,
		item.ClientID,
		item.Action,
		item.CompositeScore,
		item.RiskLevel,
		pq.Array(item.TriggeredRuleIDs),
		item.EnqueuedAt,
		item.FeedbackStatus,
		item.AutoAcceptDeadline,
	)
	return err
}

// GetByTxnID retrieves a review item
func (r *ReviewRepository) GetByTxnID(ctx context.Context, txnID string) (*models.ReviewQueueItem, error) {
	query := `
		SELECT txn_id, client_id, action, composite_score, risk_level,
		       triggered_rule_ids, enqueued_at, feedback_status,
		       feedback_at, feedback_by, auto_accept_deadline
		FROM review_queue
		WHERE txn_id = $1
	`

	item, err := scanReviewItem(r.db.Pool.QueryRow(ctx, query, txnID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReviewItemNotFound
		}
		return nil, err
	}
	return item, nil
}

// MarkFeedback transitions a PENDING item to a terminal status. It returns
// false when the item was already terminal (the guard makes concurrent
// feedback race-safe).
func (r *ReviewRepository) MarkFeedback(ctx context.Context, txnID, status, by string, at time.Time) (bool, error) {
	query := `
		UPDATE review_queue
		SET feedback_status = $2, feedback_at = $3, feedback_by = $4
		WHERE txn_id = $1 AND feedback_status = 'PENDING'
	`

	result, err := r.db.Pool.Exec(ctx, query, txnID, status, at, by)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// ReviewFilter narrows a review queue listing.
type ReviewFilter struct {
	Action   string
	ClientID string
	Status   string
	Before   time.Time
	BeforeID string
	Limit    int
}

// List returns up to limit+1 review items matching the filter, newest first
func (r *ReviewRepository) List(ctx context.Context, f ReviewFilter) ([]*models.ReviewQueueItem, error) {
	query := `
		SELECT txn_id, client_id, action, composite_score, risk_level,
		       triggered_rule_ids, enqueued_at, feedback_status,
		       feedback_at, feedback_by, auto_accept_deadline
		FROM review_queue
		WHERE ($1 = '' OR action = $1)
		  AND ($2 = '' OR client_id = $2)
		  AND ($3 = '' OR feedback_status = $3)
		  AND ($4::timestamptz IS NULL OR (enqueued_at, txn_id) < ($4, $5))
		ORDER BY enqueued_at DESC, txn_id DESC
		LIMIT $6
	`

	var beforeArg *time.Time
	if !f.Before.IsZero() {
		beforeArg = &f.Before
	}

	rows, err := r.db.Pool.Query(ctx, query, f.Action, f.ClientID, f.Status, beforeArg, f.BeforeID, f.Limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.ReviewQueueItem
	for rows.Next() {
		item, err := scanReviewItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// AutoAcceptDue transitions every PENDING item whose deadline has passed to
// AUTO_ACCEPTED and returns how many moved.
func (r *ReviewRepository) AutoAcceptDue(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE review_queue
		SET feedback_status = 'AUTO_ACCEPTED', feedback_at = $1
		WHERE feedback_status = 'PENDING' AND auto_accept_deadline <= $1
	`

	result, err := r.db.Pool.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// Stats aggregates the review queue by status and action
func (r *ReviewRepository) Stats(ctx context.Context) (*models.ReviewStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE feedback_status = 'PENDING'),
			COUNT(*) FILTER (WHERE feedback_status = 'TRUE_POSITIVE'),
			COUNT(*) FILTER (WHERE feedback_status = 'FALSE_POSITIVE'),
			COUNT(*) FILTER (WHERE feedback_status = 'AUTO_ACCEPTED'),
			COALESCE(AVG(composite_score), 0),
			COUNT(*) FILTER (WHERE action = 'BLOCK'),
			COUNT(*) FILTER (WHERE action = 'ALERT')
		FROM review_queue
	`

	stats := &models.ReviewStats{}
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&stats.Pending,
		&stats.TruePositives,
		&stats.FalsePositives,
		&stats.AutoAccepted,
		&stats.AvgComposite,
		&stats.BlockCount,
		&stats.AlertCount,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// RulePrecisionRow is the adjuster's per-rule feedback tally. AUTO_ACCEPTED
// items never count toward precision.
type RulePrecisionRow struct {
	RuleID         string
	TruePositives  int64
	FalsePositives int64
}

// RulePrecision tallies operator verdicts per triggered rule since the
// given instant.
func (r *ReviewRepository) RulePrecision(ctx context.Context, since time.Time) ([]RulePrecisionRow, error) {
	query := `
		SELECT rule_id,
		       COUNT(*) FILTER (WHERE feedback_status = 'TRUE_POSITIVE') AS tp,
		       COUNT(*) FILTER (WHERE feedback_status = 'FALSE_POSITIVE') AS fp
		FROM review_queue, unnest(triggered_rule_ids) AS rule_id
		WHERE feedback_status IN ('TRUE_POSITIVE', 'FALSE_POSITIVE')
		  AND feedback_at >= $1
		GROUP BY rule_id
	`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RulePrecisionRow
	for rows.Next() {
		var row RulePrecisionRow
		if err := rows.Scan(&row.RuleID, &row.TruePositives, &row.FalsePositives); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RulePrecisionFor tallies one rule's verdicts since the given instant.
func (r *ReviewRepository) RulePrecisionFor(ctx context.Context, ruleID string, since time.Time) (RulePrecisionRow, error) {
	query := `
		SELECT COUNT(*) FILTER (WHERE feedback_status = 'TRUE_POSITIVE'),
		       COUNT(*) FILTER (WHERE feedback_status = 'FALSE_POSITIVE')
		FROM review_queue
		WHERE $1 = ANY(triggered_rule_ids)
		  AND feedback_status IN ('TRUE_POSITIVE', 'FALSE_POSITIVE')
		  AND feedback_at >= $2
	`

	row := RulePrecisionRow{RuleID: ruleID}
	err := r.db.Pool.QueryRow(ctx, query, ruleID, since).Scan(&row.TruePositives, &row.FalsePositives)
	return row, err
}

// FeedbackTally is the analytics view of one rule's feedback split.
type FeedbackTally struct {
	TruePositives  int64
	FalsePositives int64
	AutoAccepted   int64
}

// FeedbackByRule tallies terminal feedback per triggered rule since the
// given instant, including auto-accepts.
func (r *ReviewRepository) FeedbackByRule(ctx context.Context, since time.Time) (map[string]FeedbackTally, error) {
	query := `
		SELECT rule_id,
		       COUNT(*) FILTER (WHERE feedback_status = 'TRUE_POSITIVE'),
		       COUNT(*) FILTER (WHERE feedback_status = 'FALSE_POSITIVE'),
		       COUNT(*) FILTER (WHERE feedback_status = 'AUTO_ACCEPTED')
		FROM review_queue, unnest(triggered_rule_ids) AS rule_id
		WHERE feedback_status <> 'PENDING' AND feedback_at >= $1
		GROUP BY rule_id
	`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tallies := make(map[string]FeedbackTally)
	for rows.Next() {
		var ruleID string
		var t FeedbackTally
		if err := rows.Scan(&ruleID, &t.TruePositives, &t.FalsePositives, &t.AutoAccepted); err != nil {
			return nil, err
		}
		tallies[ruleID] = t
	}
	return tallies, rows.Err()
}

func scanReviewItem(row rowScanner) (*models.ReviewQueueItem, error) {
	item := &models.ReviewQueueItem{}
	var ruleIDs []string
	var feedbackBy *string

	if err := row.Scan(
		&item.TxnID,
		&item.ClientID,
		&item.Action,
		&item.CompositeScore,
		&item.RiskLevel,
		&ruleIDs,
		&item.EnqueuedAt,
		&item.FeedbackStatus,
		&item.FeedbackAt,
		&feedbackBy,
		&item.AutoAcceptDeadline,
	); err != nil {
		return nil, err
	}

	item.TriggeredRuleIDs = ruleIDs
	if feedbackBy != nil {
		item.FeedbackBy = *feedbackBy
	}
	return item, nil
}
