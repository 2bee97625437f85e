package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/enterprise/txn-sentinel/internal/models"
)

var ErrModelNotFound = errors.New("forest model not found")

// ForestRepository stores per-client Isolation Forest models as JSONB.
// Models are trained offline and uploaded; the live system only reads.
type ForestRepository struct {
	db *Database
}

// NewForestRepository creates a new forest model repository
func NewForestRepository(db *Database) *ForestRepository {
	return &ForestRepository{db: db}
}

// Save upserts a client's model
func (r *ForestRepository) Save(ctx context.Context, forest *models.IsolationForest) error {
	query := `
		INSERT INTO forest_models (client_id, model, trained_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id) DO UPDATE SET
			model = EXCLUDED.model,
			trained_at = EXCLUDED.trained_at,
			updated_at = EXCLUDED.updated_at
	`

	doc, err := json.Marshal(forest)
	if err != nil {
		return fmt.Errorf("failed to encode forest model for %s: %w", forest.ClientID, err)
	}

	_, err = r.db.Pool.Exec(ctx, query, forest.ClientID, doc, forest.TrainedAt, time.Now().UTC())
	return err
}

// Get loads a client's model
func (r *ForestRepository) Get(ctx context.Context, clientID string) (*models.IsolationForest, error) {
	query := `SELECT model FROM forest_models WHERE client_id = $1`

	var doc []byte
	err := r.db.Pool.QueryRow(ctx, query, clientID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrModelNotFound
		}
		return nil, err
	}

	forest := &models.IsolationForest{}
	if err := json.Unmarshal(doc, forest); err != nil {
		return nil, fmt.Errorf("failed to decode forest model for %s: %w", clientID, err)
	}
	return forest, nil
}

// Delete removes a client's model
func (r *ForestRepository) Delete(ctx context.Context, clientID string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM forest_models WHERE client_id = $1`, clientID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrModelNotFound
	}
	return nil
}
