package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/enterprise/txn-sentinel/internal/models"
)

var ErrRuleNotFound = errors.New("rule not found")

// RuleRepository handles anomaly rule database operations
type RuleRepository struct {
	db *Database
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *Database) *RuleRepository {
	return &RuleRepository{db: db}
}

// Create persists a new rule, assigning its ID
func (r *RuleRepository) Create(ctx context.Context, rule *models.AnomalyRule) error {
	query := `
		INSERT INTO anomaly_rules (
			rule_id, name, description, rule_type, risk_weight,
			variance_pct, params, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	if rule.RuleID == "" {
		rule.RuleID = uuid.NewString()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	paramsBytes, err := json.Marshal(rule.Params)
	if err != nil {
		return fmt.Errorf("failed to encode rule params: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, query,
		rule.RuleID,
		rule.Name,
		rule.Description,
		rule.RuleType,
		rule.RiskWeight,
		rule.VariancePct,
		paramsBytes,
		rule.Active,
		rule.CreatedAt,
		rule.UpdatedAt,
	)
	return err
}

// GetByID retrieves a rule by ID
func (r *RuleRepository) GetByID(ctx context.Context, ruleID string) (*models.AnomalyRule, error) {
	query := `
		SELECT rule_id, name, description, rule_type, risk_weight,
		       variance_pct, params, active, created_at, updated_at
		FROM anomaly_rules
		WHERE rule_id = $1
	`

	rule, err := scanRule(r.db.Pool.QueryRow(ctx, query, ruleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return rule, nil
}

// List returns all rules; activeOnly restricts to active ones. Order is
// stable (created_at, rule_id) so evaluation output order is deterministic.
func (r *RuleRepository) List(ctx context.Context, activeOnly bool) ([]*models.AnomalyRule, error) {
	query := `
		SELECT rule_id, name, description, rule_type, risk_weight,
		       variance_pct, params, active, created_at, updated_at
		FROM anomaly_rules
		WHERE ($1 = false OR active = true)
		ORDER BY created_at ASC, rule_id ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*models.AnomalyRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// Update rewrites a rule's mutable fields
func (r *RuleRepository) Update(ctx context.Context, rule *models.AnomalyRule) error {
	query := `
		UPDATE anomaly_rules
		SET name = $2, description = $3, rule_type = $4, risk_weight = $5,
		    variance_pct = $6, params = $7, active = $8, updated_at = $9
		WHERE rule_id = $1
	`

	rule.UpdatedAt = time.Now().UTC()

	paramsBytes, err := json.Marshal(rule.Params)
	if err != nil {
		return fmt.Errorf("failed to encode rule params: %w", err)
	}

	result, err := r.db.Pool.Exec(ctx, query,
		rule.RuleID,
		rule.Name,
		rule.Description,
		rule.RuleType,
		rule.RiskWeight,
		rule.VariancePct,
		paramsBytes,
		rule.Active,
		rule.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// UpdateWeight sets just the risk weight; used by the adjustment loop
func (r *RuleRepository) UpdateWeight(ctx context.Context, ruleID string, weight float64) error {
	query := `UPDATE anomaly_rules SET risk_weight = $2, updated_at = $3 WHERE rule_id = $1`

	result, err := r.db.Pool.Exec(ctx, query, ruleID, weight, time.Now().UTC())
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// Delete removes a rule
func (r *RuleRepository) Delete(ctx context.Context, ruleID string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM anomaly_rules WHERE rule_id = $1`, ruleID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*models.AnomalyRule, error) {
	rule := &models.AnomalyRule{}
	var paramsBytes []byte

	if err := row.Scan(
		&rule.RuleID,
		&rule.Name,
		&rule.Description,
		&rule.RuleType,
		&rule.RiskWeight,
		&rule.VariancePct,
		&paramsBytes,
		&rule.Active,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(paramsBytes) > 0 {
		if err := json.Unmarshal(paramsBytes, &rule.Params); err != nil {
			return nil, fmt.Errorf("failed to decode rule params: %w", err)
		}
	}
	return rule, nil
}
