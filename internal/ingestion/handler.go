package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/queue"
	"github.com/enterprise/txn-sentinel/internal/repositories"
	"github.com/enterprise/txn-sentinel/internal/scoring"
)

const (
	seenKeyPrefix = "txn:seen:"
	seenKeyTTL    = 24 * time.Hour
)

// InvalidTypeError reports a transaction type outside the configured set.
// Handlers render it as a 400 with the accepted types.
type InvalidTypeError struct {
	Type       string
	ValidTypes []string
}

func (e *InvalidTypeError) Error() string {
	return fmt.Sprintf("invalid transaction type %q, expected one of %s", e.Type, strings.Join(e.ValidTypes, ","))
}

// TransactionRequest represents an incoming transaction
type TransactionRequest struct {
	TxnID              string     `json:"txn_id"`
	ClientID           string     `json:"client_id" binding:"required"`
	TxnType            string     `json:"txn_type" binding:"required"`
	Amount             float64    `json:"amount" binding:"required,gt=0"`
	Timestamp          *time.Time `json:"timestamp"`
	BeneficiaryIFSC    string     `json:"beneficiary_ifsc"`
	BeneficiaryAccount string     `json:"beneficiary_account"`
	Channel            string     `json:"channel"`
}

// BatchRequest represents a batch of transactions for async evaluation
type BatchRequest struct {
	Transactions []TransactionRequest `json:"transactions" binding:"required,min=1,max=1000,dive"`
}

// BatchResponse reports how many transactions were queued
type BatchResponse struct {
	Enqueued int `json:"enqueued"`
}

// IngestionService validates incoming transactions and routes them to the
// scoring dispatcher (sync) or the ingest stream (batch).
type IngestionService struct {
	dispatcher   *scoring.Dispatcher
	txns         *repositories.TransactionRepository
	results      *repositories.ResultRepository
	streamClient *queue.RedisStreamClient
	cacheClient  *queue.CacheClient
	validTypes   []string
	typeSet      map[string]struct{}
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(
	dispatcher *scoring.Dispatcher,
	txns *repositories.TransactionRepository,
	results *repositories.ResultRepository,
	streamClient *queue.RedisStreamClient,
	cacheClient *queue.CacheClient,
	cfg configs.RiskConfig,
) *IngestionService {
	typeSet := make(map[string]struct{}, len(cfg.TransactionTypes))
	for _, t := range cfg.TransactionTypes {
		typeSet[strings.ToUpper(t)] = struct{}{}
	}
	return &IngestionService{
		dispatcher:   dispatcher,
		txns:         txns,
		results:      results,
		streamClient: streamClient,
		cacheClient:  cacheClient,
		validTypes:   cfg.TransactionTypes,
		typeSet:      typeSet,
	}
}

// ValidTypes returns the accepted transaction types
func (s *IngestionService) ValidTypes() []string {
	return s.validTypes
}

// Evaluate scores a single transaction synchronously and returns the
// persisted result. A txnId already seen maps to ErrDuplicateTransaction.
func (s *IngestionService) Evaluate(ctx context.Context, req *TransactionRequest) (*models.EvaluationResult, error) {
	txn, err := s.normalize(req)
	if err != nil {
		return nil, err
	}

	seenKey := seenKeyPrefix + txn.TxnID
	fresh, err := s.cacheClient.SetNX(ctx, seenKey, txn.ClientID, seenKeyTTL)
	if err != nil {
		// The database unique constraint still catches duplicates when
		// Redis is unavailable.
		log.Warn().Err(err).Str("txn_id", txn.TxnID).Msg("Idempotency check unavailable")
	} else if !fresh {
		return nil, repositories.ErrDuplicateTransaction
	}

	result, err := s.dispatcher.Submit(ctx, txn)
	if err != nil {
		// Release the claim so a retry of the same txnId is not rejected
		// for work that never happened.
		if delErr := s.cacheClient.Delete(context.WithoutCancel(ctx), seenKey); delErr != nil {
			log.Warn().Err(delErr).Str("txn_id", txn.TxnID).Msg("Failed to release idempotency key")
		}
		return nil, err
	}

	log.Info().
		Str("txn_id", txn.TxnID).
		Str("client_id", txn.ClientID).
		Float64("amount", txn.Amount).
		Float64("composite_score", result.CompositeScore).
		Str("action", result.Action).
		Msg("Transaction evaluated")

	return result, nil
}

// EnqueueBatch validates a batch and publishes it to the ingest stream for
// the workers. The whole batch is rejected when any item is invalid.
func (s *IngestionService) EnqueueBatch(ctx context.Context, req *BatchRequest) (*BatchResponse, error) {
	events := make([]*models.TransactionEvent, 0, len(req.Transactions))
	for i := range req.Transactions {
		txn, err := s.normalize(&req.Transactions[i])
		if err != nil {
			return nil, err
		}
		events = append(events, &models.TransactionEvent{
			TxnID:              txn.TxnID,
			ClientID:           txn.ClientID,
			TxnType:            txn.TxnType,
			Amount:             txn.Amount,
			Timestamp:          txn.Timestamp,
			BeneficiaryIFSC:    txn.BeneficiaryIFSC,
			BeneficiaryAccount: txn.BeneficiaryAccount,
			Channel:            txn.Channel,
		})
	}

	ids, err := s.streamClient.PublishBatch(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("failed to publish batch: %w", err)
	}

	log.Info().Int("enqueued", len(ids)).Msg("Batch enqueued")
	return &BatchResponse{Enqueued: len(ids)}, nil
}

// normalize fills defaults and checks the parts gin bindings cannot.
func (s *IngestionService) normalize(req *TransactionRequest) (models.Transaction, error) {
	txnType := strings.ToUpper(strings.TrimSpace(req.TxnType))
	if _, ok := s.typeSet[txnType]; !ok {
		return models.Transaction{}, &InvalidTypeError{Type: req.TxnType, ValidTypes: s.validTypes}
	}

	txn := models.Transaction{
		TxnID:              req.TxnID,
		ClientID:           req.ClientID,
		TxnType:            txnType,
		Amount:             req.Amount,
		BeneficiaryIFSC:    req.BeneficiaryIFSC,
		BeneficiaryAccount: req.BeneficiaryAccount,
		Channel:            req.Channel,
	}
	if txn.TxnID == "" {
		txn.TxnID = uuid.New().String()
	}
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		txn.Timestamp = req.Timestamp.UTC()
	} else {
		txn.Timestamp = time.Now().UTC()
	}
	return txn, nil
}

// GetTransaction retrieves a stored transaction by ID
func (s *IngestionService) GetTransaction(ctx context.Context, txnID string) (*models.Transaction, error) {
	return s.txns.GetByID(ctx, txnID)
}

// ListByClient pages a client's transactions, newest first
func (s *IngestionService) ListByClient(ctx context.Context, clientID string, before time.Time, beforeID string, limit int) ([]*models.Transaction, error) {
	return s.txns.ListByClient(ctx, clientID, before, beforeID, limit)
}

// GetResult retrieves an evaluation result by transaction ID
func (s *IngestionService) GetResult(ctx context.Context, txnID string) (*models.EvaluationResult, error) {
	return s.results.GetByTxnID(ctx, txnID)
}

// ListResultsByClient pages a client's evaluation results, newest first
func (s *IngestionService) ListResultsByClient(ctx context.Context, clientID string, before time.Time, beforeID string, limit int) ([]*models.EvaluationResult, error) {
	return s.results.ListByClient(ctx, clientID, before, beforeID, limit)
}
