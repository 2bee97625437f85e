package ingestion

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/txn-sentinel/configs"
)

// normalizeOnly builds a service with just the type set wired; normalize
// touches no other dependency.
func normalizeOnly(types ...string) *IngestionService {
	if len(types) == 0 {
		types = []string{"NEFT", "RTGS", "IMPS", "UPI"}
	}
	return NewIngestionService(nil, nil, nil, nil, nil, configs.RiskConfig{TransactionTypes: types})
}

func TestNormalize_CanonicalizesType(t *testing.T) {
	svc := normalizeOnly()

	txn, err := svc.normalize(&TransactionRequest{ClientID: "c1", TxnType: "  neft ", Amount: 100})
	require.NoError(t, err)
	assert.Equal(t, "NEFT", txn.TxnType)
	assert.Equal(t, "c1", txn.ClientID)
	assert.Equal(t, 100.0, txn.Amount)
}

func TestNormalize_RejectsUnknownType(t *testing.T) {
	svc := normalizeOnly()

	_, err := svc.normalize(&TransactionRequest{ClientID: "c1", TxnType: "WIRE", Amount: 100})
	require.Error(t, err)

	var typeErr *InvalidTypeError
	require.ErrorAs(t, err, &typeErr)
	assert.Equal(t, "WIRE", typeErr.Type)
	assert.Equal(t, []string{"NEFT", "RTGS", "IMPS", "UPI"}, typeErr.ValidTypes)
	assert.Contains(t, err.Error(), `invalid transaction type "WIRE"`)
	assert.Contains(t, err.Error(), "NEFT,RTGS,IMPS,UPI")
}

func TestNormalize_GeneratesTxnID(t *testing.T) {
	svc := normalizeOnly()

	txn, err := svc.normalize(&TransactionRequest{ClientID: "c1", TxnType: "UPI", Amount: 50})
	require.NoError(t, err)
	_, parseErr := uuid.Parse(txn.TxnID)
	assert.NoError(t, parseErr)
}

func TestNormalize_KeepsCallerTxnID(t *testing.T) {
	svc := normalizeOnly()

	txn, err := svc.normalize(&TransactionRequest{TxnID: "bank-ref-42", ClientID: "c1", TxnType: "UPI", Amount: 50})
	require.NoError(t, err)
	assert.Equal(t, "bank-ref-42", txn.TxnID)
}

func TestNormalize_TimestampDefaultsToNow(t *testing.T) {
	svc := normalizeOnly()

	txn, err := svc.normalize(&TransactionRequest{ClientID: "c1", TxnType: "UPI", Amount: 50})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), txn.Timestamp, time.Minute)
	assert.Equal(t, time.UTC, txn.Timestamp.Location())
}

func TestNormalize_TimestampConvertedToUTC(t *testing.T) {
	svc := normalizeOnly()
	ist := time.FixedZone("IST", 5*3600+1800)
	ts := time.Date(2026, 3, 2, 15, 45, 0, 0, ist)

	txn, err := svc.normalize(&TransactionRequest{ClientID: "c1", TxnType: "UPI", Amount: 50, Timestamp: &ts})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, txn.Timestamp.Location())
	assert.Equal(t, time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC), txn.Timestamp)
}

func TestNormalize_ZeroTimestampIgnored(t *testing.T) {
	svc := normalizeOnly()
	var zero time.Time

	txn, err := svc.normalize(&TransactionRequest{ClientID: "c1", TxnType: "UPI", Amount: 50, Timestamp: &zero})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), txn.Timestamp, time.Minute)
}

func TestNormalize_CarriesBeneficiaryAndChannel(t *testing.T) {
	svc := normalizeOnly()

	txn, err := svc.normalize(&TransactionRequest{
		ClientID:           "c1",
		TxnType:            "rtgs",
		Amount:             250000,
		BeneficiaryIFSC:    "HDFC0001234",
		BeneficiaryAccount: "111222333",
		Channel:            "corporate-api",
	})
	require.NoError(t, err)
	assert.Equal(t, "HDFC0001234", txn.BeneficiaryIFSC)
	assert.Equal(t, "111222333", txn.BeneficiaryAccount)
	assert.Equal(t, "corporate-api", txn.Channel)
}

func TestValidTypes_ReflectsConfig(t *testing.T) {
	svc := normalizeOnly("NEFT", "UPI")
	assert.Equal(t, []string{"NEFT", "UPI"}, svc.ValidTypes())

	// Matching is case-insensitive even when config carries lowercase.
	svc = normalizeOnly("neft")
	_, err := svc.normalize(&TransactionRequest{ClientID: "c1", TxnType: "NEFT", Amount: 10})
	assert.NoError(t, err)
}
