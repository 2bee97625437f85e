package repositories

import (
	"context"

	"github.com/enterprise/txn-sentinel/internal/models"
)

// WeightHistoryRepository handles the append-only rule weight change log
type WeightHistoryRepository struct {
	db *Database
}

// NewWeightHistoryRepository creates a new weight history repository
func NewWeightHistoryRepository(db *Database) *WeightHistoryRepository {
	return &WeightHistoryRepository{db: db}
}

// Append records one weight change, assigning its ID and timestamp
func (r *WeightHistoryRepository) Append(ctx context.Context, change *models.RuleWeightChange) error {
	query := `
		INSERT INTO rule_weight_history (rule_id, old_weight, new_weight, reason, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, created_at
	`

	return r.db.Pool.QueryRow(ctx, query,
		change.RuleID,
		change.OldWeight,
		change.NewWeight,
		change.Reason,
	).Scan(&change.ID, &change.CreatedAt)
}

// List returns weight changes newest first; ruleID empty means all rules
func (r *WeightHistoryRepository) List(ctx context.Context, ruleID string, limit int) ([]*models.RuleWeightChange, error) {
	query := `
		SELECT id, rule_id, old_weight, new_weight, reason, created_at
		FROM rule_weight_history
		WHERE ($1 = '' OR rule_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, ruleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []*models.RuleWeightChange
	for rows.Next() {
		change := &models.RuleWeightChange{}
		if err := rows.Scan(
			&change.ID,
			&change.RuleID,
			&change.OldWeight,
			&change.NewWeight,
			&change.Reason,
			&change.CreatedAt,
		); err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}
