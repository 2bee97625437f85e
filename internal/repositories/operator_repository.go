package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/enterprise/txn-sentinel/internal/models"
)

var (
	ErrOperatorNotFound = errors.New("operator not found")
	ErrOperatorExists   = errors.New("operator already exists")
)

// OperatorRepository handles review operator account storage
type OperatorRepository struct {
	db *Database
}

// NewOperatorRepository creates a new operator repository
func NewOperatorRepository(db *Database) *OperatorRepository {
	return &OperatorRepository{db: db}
}

// Create registers a new operator; a duplicate email maps to ErrOperatorExists
func (r *OperatorRepository) Create(ctx context.Context, op *models.Operator) error {
	query := `
		INSERT INTO operators (id, email, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	op.ID = uuid.New()
	now := time.Now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now

	_, err := r.db.Pool.Exec(ctx, query,
		op.ID,
		op.Email,
		op.PasswordHash,
		op.Role,
		op.CreatedAt,
		op.UpdatedAt,
	)
	if isDuplicateKeyError(err) {
		return ErrOperatorExists
	}
	return err
}

// GetByEmail retrieves an operator by email
func (r *OperatorRepository) GetByEmail(ctx context.Context, email string) (*models.Operator, error) {
	query := `
		SELECT id, email, password_hash, role, created_at, updated_at
		FROM operators
		WHERE email = $1
	`

	op := &models.Operator{}
	err := r.db.Pool.QueryRow(ctx, query, email).Scan(
		&op.ID,
		&op.Email,
		&op.PasswordHash,
		&op.Role,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, err
	}
	return op, nil
}

// GetByID retrieves an operator by ID
func (r *OperatorRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Operator, error) {
	query := `
		SELECT id, email, password_hash, role, created_at, updated_at
		FROM operators
		WHERE id = $1
	`

	op := &models.Operator{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&op.ID,
		&op.Email,
		&op.PasswordHash,
		&op.Role,
		&op.CreatedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, err
	}
	return op, nil
}
