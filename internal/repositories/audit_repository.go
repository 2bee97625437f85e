package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/enterprise/txn-sentinel/internal/models"
)

// AuditRepository handles the append-only audit event log written by the
// Kafka consumer
type AuditRepository struct {
	db *Database
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *Database) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create appends one audit event
func (r *AuditRepository) Create(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO audit_events (
			id, event_type, txn_id, client_id, action, composite_score, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	event.ID = uuid.New()
	event.CreatedAt = time.Now().UTC()

	payloadBytes, _ := event.Payload.Value()

	_, err := r.db.Pool.Exec(ctx, query,
		event.ID,
		event.EventType,
		event.TxnID,
		event.ClientID,
		event.Action,
		event.CompositeScore,
		payloadBytes,
		event.CreatedAt,
	)
	return err
}

// CreateBatch appends multiple audit events in a single round trip
func (r *AuditRepository) CreateBatch(ctx context.Context, events []*models.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO audit_events (
			id, event_type, txn_id, client_id, action, composite_score, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	for _, event := range events {
		event.ID = uuid.New()
		event.CreatedAt = time.Now().UTC()
		payloadBytes, _ := event.Payload.Value()

		batch.Queue(query,
			event.ID,
			event.EventType,
			event.TxnID,
			event.ClientID,
			event.Action,
			event.CompositeScore,
			payloadBytes,
			event.CreatedAt,
		)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ListRecent retrieves the most recent audit events
func (r *AuditRepository) ListRecent(ctx context.Context, limit int) ([]*models.AuditEvent, error) {
	query := `
		SELECT id, event_type, txn_id, client_id, action, composite_score, payload, created_at
		FROM audit_events
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditEvents(rows)
}

// ListByClient retrieves audit events for one client, newest first
func (r *AuditRepository) ListByClient(ctx context.Context, clientID string, limit int) ([]*models.AuditEvent, error) {
	query := `
		SELECT id, event_type, txn_id, client_id, action, composite_score, payload, created_at
		FROM audit_events
		WHERE client_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditEvents(rows)
}

func scanAuditEvents(rows pgx.Rows) ([]*models.AuditEvent, error) {
	var events []*models.AuditEvent
	for rows.Next() {
		event := &models.AuditEvent{}
		var payloadBytes []byte

		if err := rows.Scan(
			&event.ID,
			&event.EventType,
			&event.TxnID,
			&event.ClientID,
			&event.Action,
			&event.CompositeScore,
			&payloadBytes,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}

		event.Payload.Scan(payloadBytes)
		events = append(events, event)
	}
	return events, rows.Err()
}
