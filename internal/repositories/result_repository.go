package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/enterprise/txn-sentinel/internal/models"
)

var ErrResultNotFound = errors.New("evaluation result not found")

// ResultRepository handles evaluation result database operations
type ResultRepository struct {
	db *Database
}

// NewResultRepository creates a new evaluation result repository
func NewResultRepository(db *Database) *ResultRepository {
	return &ResultRepository{db: db}
}

// Save persists an evaluation result. Results are written once; a replayed
// txn_id is ignored rather than overwritten.
func (r *ResultRepository) Save(ctx context.Context, result *models.EvaluationResult) error {
	query := `
		INSERT INTO evaluation_results (
			txn_id, client_id, composite_score, risk_level, action,
			triggered_rule_ids, rule_results, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (txn_id) DO NOTHING
	`

	ruleResultsBytes, err := json.Marshal(result.RuleResults)
	if err != nil {
		return fmt.Errorf("failed to encode rule results: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, query,
		result.TxnID,
		result.ClientID,
		result.CompositeScore,
		result.RiskLevel,
		result.Action,
		pq.Array(result.TriggeredRuleIDs()),
		ruleResultsBytes,
		result.EvaluatedAt,
	)

	return err
}

// GetByTxnID retrieves the evaluation result for one transaction
func (r *ResultRepository) GetByTxnID(ctx context.Context, txnID string) (*models.EvaluationResult, error) {
	query := `
		SELECT txn_id, client_id, composite_score, risk_level, action,
		       rule_results, evaluated_at
		FROM evaluation_results
		WHERE txn_id = $1
	`

	result := &models.EvaluationResult{}
	var ruleResultsBytes []byte

	err := r.db.Pool.QueryRow(ctx, query, txnID).Scan(
		&result.TxnID,
		&result.ClientID,
		&result.CompositeScore,
		&result.RiskLevel,
		&result.Action,
		&ruleResultsBytes,
		&result.EvaluatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(ruleResultsBytes, &result.RuleResults); err != nil {
		return nil, fmt.Errorf("failed to decode rule results: %w", err)
	}
	return result, nil
}

// ListByClient returns up to limit+1 results for a client older than the
// keyset position, newest first.
func (r *ResultRepository) ListByClient(ctx context.Context, clientID string, before time.Time, beforeID string, limit int) ([]*models.EvaluationResult, error) {
	query := `
		SELECT txn_id, client_id, composite_score, risk_level, action,
		       rule_results, evaluated_at
		FROM evaluation_results
		WHERE client_id = $1
		  AND ($2::timestamptz IS NULL OR (evaluated_at, txn_id) < ($2, $3))
		ORDER BY evaluated_at DESC, txn_id DESC
		LIMIT $4
	`

	var beforeArg *time.Time
	if !before.IsZero() {
		beforeArg = &before
	}

	rows, err := r.db.Pool.Query(ctx, query, clientID, beforeArg, beforeID, limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanResults(rows)
}

// ListSince pages all results evaluated at or after the instant, oldest
// first, for backtest replay. afterID breaks ties at the keyset position.
func (r *ResultRepository) ListSince(ctx context.Context, since time.Time, afterID string, limit int) ([]*models.EvaluationResult, error) {
	query := `
		SELECT txn_id, client_id, composite_score, risk_level, action,
		       rule_results, evaluated_at
		FROM evaluation_results
		WHERE (evaluated_at, txn_id) > ($1, $2)
		ORDER BY evaluated_at ASC, txn_id ASC
		LIMIT $3
	`

	rows, err := r.db.Pool.Query(ctx, query, since, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanResults(rows)
}

// TriggerCounts returns per-rule trigger counts since the instant.
func (r *ResultRepository) TriggerCounts(ctx context.Context, since time.Time) (map[string]int64, error) {
	query := `
		SELECT unnest(triggered_rule_ids) AS rule_id, COUNT(*) AS count
		FROM evaluation_results
		WHERE evaluated_at >= $1
		GROUP BY rule_id
	`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var ruleID string
		var count int64
		if err := rows.Scan(&ruleID, &count); err != nil {
			return nil, err
		}
		counts[ruleID] = count
	}
	return counts, rows.Err()
}

// DailySummary aggregates one day of evaluation outcomes.
type DailySummary struct {
	Date              string             `json:"date"`
	TotalEvaluations  int64              `json:"total_evaluations"`
	PassCount         int64              `json:"pass_count"`
	AlertCount        int64              `json:"alert_count"`
	BlockCount        int64              `json:"block_count"`
	AvgComposite      float64            `json:"avg_composite"`
	CriticalCount     int64              `json:"critical_count"`
	HighCount         int64              `json:"high_count"`
	TopTriggeredRules []RuleTriggerCount `json:"top_triggered_rules"`
}

// RuleTriggerCount pairs a rule with its trigger count.
type RuleTriggerCount struct {
	RuleID string `json:"rule_id"`
	Count  int64  `json:"count"`
}

// GetDailySummary aggregates outcomes for the calendar day containing date.
func (r *ResultRepository) GetDailySummary(ctx context.Context, date time.Time) (*DailySummary, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	endOfDay := startOfDay.Add(24 * time.Hour)

	query := `
		SELECT
			COUNT(*) AS total_evaluations,
			COUNT(CASE WHEN action = 'PASS' THEN 1 END) AS pass_count,
			COUNT(CASE WHEN action = 'ALERT' THEN 1 END) AS alert_count,
			COUNT(CASE WHEN action = 'BLOCK' THEN 1 END) AS block_count,
			COALESCE(AVG(composite_score), 0) AS avg_composite,
			COUNT(CASE WHEN risk_level = 'CRITICAL' THEN 1 END) AS critical_count,
			COUNT(CASE WHEN risk_level = 'HIGH' THEN 1 END) AS high_count
		FROM evaluation_results
		WHERE evaluated_at >= $1 AND evaluated_at < $2
	`

	summary := &DailySummary{Date: startOfDay.Format("2006-01-02")}

	err := r.db.Pool.QueryRow(ctx, query, startOfDay, endOfDay).Scan(
		&summary.TotalEvaluations,
		&summary.PassCount,
		&summary.AlertCount,
		&summary.BlockCount,
		&summary.AvgComposite,
		&summary.CriticalCount,
		&summary.HighCount,
	)
	if err != nil {
		return nil, err
	}

	rulesQuery := `
		SELECT unnest(triggered_rule_ids) AS rule_id, COUNT(*) AS count
		FROM evaluation_results
		WHERE evaluated_at >= $1 AND evaluated_at < $2
		GROUP BY rule_id
		ORDER BY count DESC
		LIMIT 10
	`

	rulesRows, err := r.db.Pool.Query(ctx, rulesQuery, startOfDay, endOfDay)
	if err != nil {
		return nil, err
	}
	defer rulesRows.Close()

	for rulesRows.Next() {
		var rc RuleTriggerCount
		if err := rulesRows.Scan(&rc.RuleID, &rc.Count); err != nil {
			return nil, err
		}
		summary.TopTriggeredRules = append(summary.TopTriggeredRules, rc)
	}

	return summary, rulesRows.Err()
}

func scanResults(rows pgx.Rows) ([]*models.EvaluationResult, error) {
	var results []*models.EvaluationResult
	for rows.Next() {
		result := &models.EvaluationResult{}
		var ruleResultsBytes []byte

		if err := rows.Scan(
			&result.TxnID,
			&result.ClientID,
			&result.CompositeScore,
			&result.RiskLevel,
			&result.Action,
			&ruleResultsBytes,
			&result.EvaluatedAt,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(ruleResultsBytes, &result.RuleResults); err != nil {
			return nil, fmt.Errorf("failed to decode rule results: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}
