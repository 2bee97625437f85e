package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/enterprise/txn-sentinel/internal/models"
)

var ErrExperimentNotFound = errors.New("experiment not found")

// ExperimentRepository stores shadow weight experiments
type ExperimentRepository struct {
	db *Database
}

// NewExperimentRepository creates a new experiment repository
func NewExperimentRepository(db *Database) *ExperimentRepository {
	return &ExperimentRepository{db: db}
}

// Create persists a new experiment, assigning its ID
func (r *ExperimentRepository) Create(ctx context.Context, exp *models.WeightExperiment) error {
	query := `
		INSERT INTO weight_experiments (id, rule_id, candidate_weight, traffic_pct, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	exp.CreatedAt = time.Now().UTC()

	_, err := r.db.Pool.Exec(ctx, query,
		exp.ID,
		exp.RuleID,
		exp.CandidateWeight,
		exp.TrafficPct,
		exp.Active,
		exp.CreatedAt,
	)
	return err
}

// List returns all experiments, newest first
func (r *ExperimentRepository) List(ctx context.Context) ([]*models.WeightExperiment, error) {
	return r.list(ctx, false)
}

// ListActive returns only active experiments
func (r *ExperimentRepository) ListActive(ctx context.Context) ([]*models.WeightExperiment, error) {
	return r.list(ctx, true)
}

func (r *ExperimentRepository) list(ctx context.Context, activeOnly bool) ([]*models.WeightExperiment, error) {
	query := `
		SELECT id, rule_id, candidate_weight, traffic_pct, active, created_at
		FROM weight_experiments
		WHERE ($1 = false OR active = true)
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var experiments []*models.WeightExperiment
	for rows.Next() {
		exp := &models.WeightExperiment{}
		if err := rows.Scan(
			&exp.ID,
			&exp.RuleID,
			&exp.CandidateWeight,
			&exp.TrafficPct,
			&exp.Active,
			&exp.CreatedAt,
		); err != nil {
			return nil, err
		}
		experiments = append(experiments, exp)
	}
	return experiments, rows.Err()
}

// Delete removes an experiment
func (r *ExperimentRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM weight_experiments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrExperimentNotFound
	}
	return nil
}
