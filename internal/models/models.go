package models

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// Transaction represents a single banking transaction
type Transaction struct {
	TxnID              string    `json:"txn_id"`
	ClientID           string    `json:"client_id"`
	TxnType            string    `json:"txn_type"` // NEFT, RTGS, IMPS, UPI, IFT
	Amount             float64   `json:"amount"`   // rupees
	Timestamp          time.Time `json:"timestamp"`
	BeneficiaryIFSC    string    `json:"beneficiary_ifsc,omitempty"`
	BeneficiaryAccount string    `json:"beneficiary_account,omitempty"`
	Channel            string    `json:"channel,omitempty"` // mobile, netbanking, branch, api
	CreatedAt          time.Time `json:"created_at"`
}

// BeneficiaryKey returns the canonical "IFSC:Account" key, or "" when the
// transaction carries no beneficiary.
func (t Transaction) BeneficiaryKey() string {
	if t.BeneficiaryIFSC == "" || t.BeneficiaryAccount == "" {
		return ""
	}
	return t.BeneficiaryIFSC + ":" + t.BeneficiaryAccount
}

// TxnType enum values
const (
	TxnTypeNEFT = "NEFT"
	TxnTypeRTGS = "RTGS"
	TxnTypeIMPS = "IMPS"
	TxnTypeUPI  = "UPI"
	TxnTypeIFT  = "IFT"
)

// Action enum values
const (
	ActionPass  = "PASS"
	ActionAlert = "ALERT"
	ActionBlock = "BLOCK"
)

// RiskLevel enum values
const (
	RiskLevelLow      = "LOW"
	RiskLevelMedium   = "MEDIUM"
	RiskLevelHigh     = "HIGH"
	RiskLevelCritical = "CRITICAL"
)

// RuleType enum values; each type maps to one evaluator
const (
	RuleAmountAnomaly       = "AMOUNT_ANOMALY"
	RuleAmountPerType       = "AMOUNT_PER_TYPE"
	RuleHourlyAmount        = "HOURLY_AMOUNT"
	RuleTpsSpike            = "TPS_SPIKE"
	RuleTransactionType     = "TRANSACTION_TYPE"
	RuleBeneConcentration   = "BENEFICIARY_CONCENTRATION"
	RuleDailyCumulative     = "DAILY_CUMULATIVE"
	RuleNewBeneVelocity     = "NEW_BENE_VELOCITY"
	RuleDormancyBreak       = "DORMANCY_BREAK"
	RuleCrossChannelBene    = "CROSS_CHANNEL_BENE"
	RuleSeasonalDeviation   = "SEASONAL_DEVIATION"
	RuleCvStability         = "CV_STABILITY"
	RuleIsolationForest     = "ISOLATION_FOREST"
)

var ruleTypes = map[string]struct{}{
	RuleAmountAnomaly:     {},
	RuleAmountPerType:     {},
	RuleHourlyAmount:      {},
	RuleTpsSpike:          {},
	RuleTransactionType:   {},
	RuleBeneConcentration: {},
	RuleDailyCumulative:   {},
	RuleNewBeneVelocity:   {},
	RuleDormancyBreak:     {},
	RuleCrossChannelBene:  {},
	RuleSeasonalDeviation: {},
	RuleCvStability:       {},
	RuleIsolationForest:   {},
}

// ValidRuleType reports whether t names a known evaluator.
func ValidRuleType(t string) bool {
	_, ok := ruleTypes[t]
	return ok
}

// RunningStat carries an EWMA alongside Welford mean/M2 accumulators.
// The first sample initializes the EWMA; Welford yields sample variance
// as M2/(count-1).
type RunningStat struct {
	Ewma  float64 `json:"ewma"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
	Count int64   `json:"count"`
}

// Observe folds one sample into the stat. The first sample initializes the
// EWMA to the sample value; later samples apply x <- (1-alpha)*x + alpha*s.
func (s *RunningStat) Observe(sample, alpha float64) {
	if s.Count == 0 {
		s.Ewma = sample
	} else {
		s.Ewma = (1-alpha)*s.Ewma + alpha*sample
	}
	s.Count++
	delta := sample - s.Mean
	s.Mean += delta / float64(s.Count)
	s.M2 += delta * (sample - s.Mean)
}

// Variance returns the unbiased sample variance, 0 when count < 2.
func (s RunningStat) Variance() float64 {
	if s.Count < 2 {
		return 0
	}
	return s.M2 / float64(s.Count-1)
}

// StdDev returns the sample standard deviation, 0 when count < 2.
func (s RunningStat) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// BeneficiaryStat tracks per-beneficiary amount statistics
type BeneficiaryStat struct {
	RunningStat
	LastSeen   time.Time `json:"last_seen"`
	LastAmount float64   `json:"last_amount"`
}

// ClientProfile is the mutable behavioral aggregate for one client.
// Only the evaluation pipeline that owns the client mutates it.
type ClientProfile struct {
	ClientID                 string                  `json:"client_id"`
	TotalTxnCount            int64                   `json:"total_txn_count"`
	Amount                   RunningStat             `json:"amount"`
	AmountStdDev             float64                 `json:"amount_std_dev"`
	AmountByType             map[string]*RunningStat `json:"amount_by_type"`
	TxnTypeCounts            map[string]int64        `json:"txn_type_counts"`
	Beneficiaries            map[string]*BeneficiaryStat `json:"beneficiaries"`
	DistinctBeneficiaryCount int64                   `json:"distinct_beneficiary_count"`
	HourlyTps                RunningStat             `json:"hourly_tps"`      // count per completed hour
	HourlyAmount             RunningStat             `json:"hourly_amount"`   // rupees per completed hour
	DailyAmount              RunningStat             `json:"daily_amount"`    // rupees per completed day
	DailyNewBeneficiaries    RunningStat             `json:"daily_new_beneficiaries"`
	SeasonalHourly           map[string]*RunningStat `json:"seasonal_hourly"` // keys "00".."23"
	SeasonalDaily            map[string]*RunningStat `json:"seasonal_daily"`  // keys "1".."7", Monday=1
	LastHourBucket           int64                   `json:"last_hour_bucket"`
	LastDayBucket            int64                   `json:"last_day_bucket"`
	LastUpdated              time.Time               `json:"last_updated"`
	CreatedAt                time.Time               `json:"created_at"`
}

// CompletedHours returns the number of closed hour buckets folded into the
// hourly statistics.
func (p *ClientProfile) CompletedHours() int64 { return p.HourlyTps.Count }

// CompletedDays returns the number of closed day buckets folded into the
// daily statistics.
func (p *ClientProfile) CompletedDays() int64 { return p.DailyAmount.Count }

// AnomalyRule represents a configurable detection rule
type AnomalyRule struct {
	RuleID      string             `json:"rule_id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	RuleType    string             `json:"rule_type"`
	RiskWeight  float64            `json:"risk_weight"`
	VariancePct float64            `json:"variance_pct"` // <= 0 means "use config default"
	Params      map[string]float64 `json:"params,omitempty"`
	Active      bool               `json:"active"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Param returns the named rule parameter, or def when absent.
func (r AnomalyRule) Param(name string, def float64) float64 {
	if v, ok := r.Params[name]; ok {
		return v
	}
	return def
}

// RuleResult is one evaluator's verdict for one transaction
type RuleResult struct {
	RuleID       string  `json:"rule_id"`
	RuleName     string  `json:"rule_name"`
	RuleType     string  `json:"rule_type"`
	Triggered    bool    `json:"triggered"`
	DeviationPct float64 `json:"deviation_pct"`
	PartialScore float64 `json:"partial_score"` // 0-100
	RiskWeight   float64 `json:"risk_weight"`
	Reason       string  `json:"reason"`
}

// EvaluationResult is the scored outcome for one transaction; written once
type EvaluationResult struct {
	TxnID          string       `json:"txn_id"`
	ClientID       string       `json:"client_id"`
	CompositeScore float64      `json:"composite_score"` // 0-100
	RiskLevel      string       `json:"risk_level"`
	Action         string       `json:"action"`
	RuleResults    []RuleResult `json:"rule_results"`
	EvaluatedAt    time.Time    `json:"evaluated_at"`
}

// TriggeredRuleIDs returns the IDs of the rules that fired, in result order.
func (r *EvaluationResult) TriggeredRuleIDs() []string {
	ids := make([]string, 0, len(r.RuleResults))
	for _, rr := range r.RuleResults {
		if rr.Triggered {
			ids = append(ids, rr.RuleID)
		}
	}
	return ids
}

// FeedbackStatus enum values
const (
	FeedbackPending       = "PENDING"
	FeedbackTruePositive  = "TRUE_POSITIVE"
	FeedbackFalsePositive = "FALSE_POSITIVE"
	FeedbackAutoAccepted  = "AUTO_ACCEPTED"
)

// TerminalFeedback reports whether status is one of the three terminal states.
func TerminalFeedback(status string) bool {
	return status == FeedbackTruePositive || status == FeedbackFalsePositive || status == FeedbackAutoAccepted
}

// ReviewQueueItem is an alert or block awaiting operator adjudication
type ReviewQueueItem struct {
	TxnID              string     `json:"txn_id"`
	ClientID           string     `json:"client_id"`
	Action             string     `json:"action"`
	CompositeScore     float64    `json:"composite_score"`
	RiskLevel          string     `json:"risk_level"`
	TriggeredRuleIDs   []string   `json:"triggered_rule_ids"`
	EnqueuedAt         time.Time  `json:"enqueued_at"`
	FeedbackStatus     string     `json:"feedback_status"`
	FeedbackAt         *time.Time `json:"feedback_at,omitempty"`
	FeedbackBy         string     `json:"feedback_by,omitempty"`
	AutoAcceptDeadline time.Time  `json:"auto_accept_deadline"`
}

// RuleWeightChange is one entry in the append-only weight history
type RuleWeightChange struct {
	ID        int64     `json:"id"`
	RuleID    string    `json:"rule_id"`
	OldWeight float64   `json:"old_weight"`
	NewWeight float64   `json:"new_weight"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// ForestNode is one node of an isolation tree. JSON keys are compact
// because models are stored per client and trees dominate the payload.
type ForestNode struct {
	SplitFeature int         `json:"f"`
	SplitValue   float64     `json:"v"`
	Left         *ForestNode `json:"l,omitempty"`
	Right        *ForestNode `json:"r,omitempty"`
	Size         int         `json:"s"`
	External     bool        `json:"e"`
}

// IsolationForest is a per-client tree ensemble trained offline
type IsolationForest struct {
	ClientID     string        `json:"client_id"`
	SampleSize   int           `json:"sample_size"`
	FeatureMeans []float64     `json:"feature_means"`
	Trees        []*ForestNode `json:"trees"`
	TrainedAt    time.Time     `json:"trained_at"`
}

// WeightExperiment shadows a candidate rule weight over a client cohort
type WeightExperiment struct {
	ID              string    `json:"id"`
	RuleID          string    `json:"rule_id"`
	CandidateWeight float64   `json:"candidate_weight"`
	TrafficPct      int       `json:"traffic_pct"` // 0-100
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
}

// Operator represents a review operator account
type Operator struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // analyst, admin
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// OperatorRole enum values
const (
	RoleAnalyst = "analyst"
	RoleAdmin   = "admin"
)

// AuditEvent is an append-only record written by the audit consumer
type AuditEvent struct {
	ID             uuid.UUID `json:"id"`
	EventType      string    `json:"event_type"`
	TxnID          string    `json:"txn_id"`
	ClientID       string    `json:"client_id"`
	Action         string    `json:"action"`
	CompositeScore float64   `json:"composite_score"`
	Payload        JSONB     `json:"payload,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuditEventType enum values
const (
	AuditEventEvaluation   = "evaluation"
	AuditEventWeightChange = "weight_change"
	AuditEventSilenceAlert = "silence_alert"
)

// TransactionEvent is the payload published to the ingest stream
type TransactionEvent struct {
	TxnID              string    `json:"txn_id"`
	ClientID           string    `json:"client_id"`
	TxnType            string    `json:"txn_type"`
	Amount             float64   `json:"amount"`
	Timestamp          time.Time `json:"timestamp"`
	BeneficiaryIFSC    string    `json:"beneficiary_ifsc,omitempty"`
	BeneficiaryAccount string    `json:"beneficiary_account,omitempty"`
	Channel            string    `json:"channel,omitempty"`
	RetryCount         int       `json:"retry_count"`
}

// Transaction converts the stream payload back to a Transaction.
func (e TransactionEvent) Transaction() Transaction {
	return Transaction{
		TxnID:              e.TxnID,
		ClientID:           e.ClientID,
		TxnType:            e.TxnType,
		Amount:             e.Amount,
		Timestamp:          e.Timestamp,
		BeneficiaryIFSC:    e.BeneficiaryIFSC,
		BeneficiaryAccount: e.BeneficiaryAccount,
		Channel:            e.Channel,
	}
}

// EvaluationEvent is the payload published to Kafka after a result is persisted
type EvaluationEvent struct {
	TxnID            string    `json:"txn_id"`
	ClientID         string    `json:"client_id"`
	TxnType          string    `json:"txn_type"`
	Amount           float64   `json:"amount"`
	CompositeScore   float64   `json:"composite_score"`
	RiskLevel        string    `json:"risk_level"`
	Action           string    `json:"action"`
	TriggeredRuleIDs []string  `json:"triggered_rule_ids"`
	EvaluatedAt      time.Time `json:"evaluated_at"`
}

// ReviewStats is the aggregate served by the review stats endpoint
type ReviewStats struct {
	Pending        int64   `json:"pending"`
	TruePositives  int64   `json:"true_positives"`
	FalsePositives int64   `json:"false_positives"`
	AutoAccepted   int64   `json:"auto_accepted"`
	AvgComposite   float64 `json:"avg_composite"`
	BlockCount     int64   `json:"block_count"`
	AlertCount     int64   `json:"alert_count"`
}

// RulePerformance is the per-rule precision aggregate
type RulePerformance struct {
	RuleID         string  `json:"rule_id"`
	RuleName       string  `json:"rule_name"`
	RuleType       string  `json:"rule_type"`
	Triggers       int64   `json:"triggers"`
	TruePositives  int64   `json:"true_positives"`
	FalsePositives int64   `json:"false_positives"`
	AutoAccepted   int64   `json:"auto_accepted"`
	Precision      float64 `json:"precision"`
	CurrentWeight  float64 `json:"current_weight"`
}

// JSONB is a helper type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() ([]byte, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}
