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

var ErrProfileNotFound = errors.New("client profile not found")

// ProfileRepository handles client behavioral profile persistence. The
// profile is stored as one JSONB document plus a few hot columns the
// silence scan filters on.
type ProfileRepository struct {
	db *Database
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *Database) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// Get loads a client's profile
func (r *ProfileRepository) Get(ctx context.Context, clientID string) (*models.ClientProfile, error) {
	query := `SELECT doc FROM client_profiles WHERE client_id = $1`

	var doc []byte
	err := r.db.Pool.QueryRow(ctx, query, clientID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}

	profile := &models.ClientProfile{}
	if err := json.Unmarshal(doc, profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile for %s: %w", clientID, err)
	}
	return profile, nil
}

// Upsert writes the full profile document and refreshes the hot columns
func (r *ProfileRepository) Upsert(ctx context.Context, profile *models.ClientProfile) error {
	query := `
		INSERT INTO client_profiles (
			client_id, doc, total_txn_count, ewma_hourly_tps,
			completed_hours, last_updated, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (client_id) DO UPDATE SET
			doc = EXCLUDED.doc,
			total_txn_count = EXCLUDED.total_txn_count,
			ewma_hourly_tps = EXCLUDED.ewma_hourly_tps,
			completed_hours = EXCLUDED.completed_hours,
			last_updated = EXCLUDED.last_updated,
			updated_at = EXCLUDED.updated_at
	`

	doc, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile for %s: %w", profile.ClientID, err)
	}

	_, err = r.db.Pool.Exec(ctx, query,
		profile.ClientID,
		doc,
		profile.TotalTxnCount,
		profile.HourlyTps.Ewma,
		profile.CompletedHours(),
		profile.LastUpdated,
		time.Now().UTC(),
	)
	return err
}

// SilenceCandidate is the slim projection the silence detector scans.
type SilenceCandidate struct {
	ClientID      string
	EwmaHourlyTps float64
	LastUpdated   time.Time
}

// ListSilenceCandidates returns clients with enough closed hours and a high
// enough predicted rate to be watched for unexpected silence.
func (r *ProfileRepository) ListSilenceCandidates(ctx context.Context, minCompletedHours int64, minTps float64) ([]SilenceCandidate, error) {
	query := `
		SELECT client_id, ewma_hourly_tps, last_updated
		FROM client_profiles
		WHERE completed_hours >= $1 AND ewma_hourly_tps >= $2
	`

	rows, err := r.db.Pool.Query(ctx, query, minCompletedHours, minTps)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []SilenceCandidate
	for rows.Next() {
		var c SilenceCandidate
		if err := rows.Scan(&c.ClientID, &c.EwmaHourlyTps, &c.LastUpdated); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// Count returns the number of stored profiles.
func (r *ProfileRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM client_profiles`).Scan(&n)
	return n, err
}
