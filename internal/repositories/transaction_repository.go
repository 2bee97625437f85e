package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/enterprise/txn-sentinel/internal/models"
)

var (
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
)

// TransactionRepository handles transaction database operations
type TransactionRepository struct {
	db *Database
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *Database) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create persists a new transaction
func (r *TransactionRepository) Create(ctx context.Context, txn *models.Transaction) error {
	query := `
		INSERT INTO transactions (
			txn_id, client_id, txn_type, amount, timestamp,
			beneficiary_ifsc, beneficiary_account, channel, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Pool.Exec(ctx, query,
		txn.TxnID,
		txn.ClientID,
		txn.TxnType,
		txn.Amount,
		txn.Timestamp,
		txn.BeneficiaryIFSC,
		txn.BeneficiaryAccount,
		txn.Channel,
		txn.CreatedAt,
	)

	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateTransaction
		}
		return err
	}

	return nil
}

// CreateBatch persists multiple transactions, skipping duplicates
func (r *TransactionRepository) CreateBatch(ctx context.Context, txns []*models.Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO transactions (
			txn_id, client_id, txn_type, amount, timestamp,
			beneficiary_ifsc, beneficiary_account, channel, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (txn_id) DO NOTHING
	`

	for _, txn := range txns {
		if txn.CreatedAt.IsZero() {
			txn.CreatedAt = time.Now().UTC()
		}
		batch.Queue(query,
			txn.TxnID,
			txn.ClientID,
			txn.TxnType,
			txn.Amount,
			txn.Timestamp,
			txn.BeneficiaryIFSC,
			txn.BeneficiaryAccount,
			txn.Channel,
			txn.CreatedAt,
		)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range txns {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}

	return nil
}

// GetByID retrieves a transaction by its txn_id
func (r *TransactionRepository) GetByID(ctx context.Context, txnID string) (*models.Transaction, error) {
	query := `
		SELECT txn_id, client_id, txn_type, amount, timestamp,
		       beneficiary_ifsc, beneficiary_account, channel, created_at
		FROM transactions
		WHERE txn_id = $1
	`

	txn := &models.Transaction{}
	err := r.db.Pool.QueryRow(ctx, query, txnID).Scan(
		&txn.TxnID,
		&txn.ClientID,
		&txn.TxnType,
		&txn.Amount,
		&txn.Timestamp,
		&txn.BeneficiaryIFSC,
		&txn.BeneficiaryAccount,
		&txn.Channel,
		&txn.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}

	return txn, nil
}

// ListByClient returns up to limit+1 transactions for a client older than
// the given keyset position, newest first. Callers pass a zero time for the
// first page.
func (r *TransactionRepository) ListByClient(ctx context.Context, clientID string, before time.Time, beforeID string, limit int) ([]*models.Transaction, error) {
	query := `
		SELECT txn_id, client_id, txn_type, amount, timestamp,
		       beneficiary_ifsc, beneficiary_account, channel, created_at
		FROM transactions
		WHERE client_id = $1
		  AND ($2::timestamptz IS NULL OR (timestamp, txn_id) < ($2, $3))
		ORDER BY timestamp DESC, txn_id DESC
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

	return scanTransactions(rows)
}

// ListForClientSince returns a client's transactions at or after the given
// instant, oldest first. Used to rebuild live counters after a restart.
func (r *TransactionRepository) ListForClientSince(ctx context.Context, clientID string, since time.Time) ([]*models.Transaction, error) {
	query := `
		SELECT txn_id, client_id, txn_type, amount, timestamp,
		       beneficiary_ifsc, beneficiary_account, channel, created_at
		FROM transactions
		WHERE client_id = $1 AND timestamp >= $2
		ORDER BY timestamp ASC, txn_id ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, clientID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// BeneficiaryEdge is one (client, beneficiary) pair for the graph rebuild.
type BeneficiaryEdge struct {
	ClientID       string
	BeneficiaryKey string
}

// ListBeneficiaryEdges pages distinct (client, beneficiary) pairs for the
// beneficiary graph. afterClient/afterKey form the keyset position; empty
// strings start from the beginning.
func (r *TransactionRepository) ListBeneficiaryEdges(ctx context.Context, afterClient, afterKey string, limit int) ([]BeneficiaryEdge, error) {
	query := `
		SELECT DISTINCT client_id, beneficiary_ifsc || ':' || beneficiary_account AS bene_key
		FROM transactions
		WHERE beneficiary_ifsc <> '' AND beneficiary_account <> ''
		  AND (client_id, beneficiary_ifsc || ':' || beneficiary_account) > ($1, $2)
		ORDER BY client_id, bene_key
		LIMIT $3
	`

	rows, err := r.db.Pool.Query(ctx, query, afterClient, afterKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []BeneficiaryEdge
	for rows.Next() {
		var e BeneficiaryEdge
		if err := rows.Scan(&e.ClientID, &e.BeneficiaryKey); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// CountSince returns the number of transactions at or after the instant.
func (r *TransactionRepository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE timestamp >= $1`, since).Scan(&n)
	return n, err
}

func scanTransactions(rows pgx.Rows) ([]*models.Transaction, error) {
	var txns []*models.Transaction
	for rows.Next() {
		txn := &models.Transaction{}
		if err := rows.Scan(
			&txn.TxnID,
			&txn.ClientID,
			&txn.TxnType,
			&txn.Amount,
			&txn.Timestamp,
			&txn.BeneficiaryIFSC,
			&txn.BeneficiaryAccount,
			&txn.Channel,
			&txn.CreatedAt,
		); err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}
