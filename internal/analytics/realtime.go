package analytics

import (
	"sort"
	"sync"
	"time"

	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/repositories"
)

// RealtimeKey is the cache key the audit consumer publishes rolling
// aggregates under.
const RealtimeKey = "analytics:realtime"

// realtimeTopRules caps the top-triggered list in a snapshot
const realtimeTopRules = 10

// RealtimeSnapshot is a point-in-time view of the audit consumer's
// rolling aggregates.
type RealtimeSnapshot struct {
	WindowStart  time.Time                       `json:"window_start"`
	UpdatedAt    time.Time                       `json:"updated_at"`
	Total        int64                           `json:"total"`
	AvgComposite float64                         `json:"avg_composite"`
	ByAction     map[string]int64                `json:"by_action"`
	ByLevel      map[string]int64                `json:"by_level"`
	TopRules     []repositories.RuleTriggerCount `json:"top_rules"`
}

// Aggregator folds evaluation events into rolling counts by action, risk
// level and triggered rule. It is safe for concurrent use.
type Aggregator struct {
	mu           sync.Mutex
	windowStart  time.Time
	total        int64
	sumComposite float64
	byAction     map[string]int64
	byLevel      map[string]int64
	ruleTriggers map[string]int64
}

// NewAggregator creates an empty aggregator
func NewAggregator() *Aggregator {
	return &Aggregator{
		windowStart:  time.Now().UTC(),
		byAction:     make(map[string]int64),
		byLevel:      make(map[string]int64),
		ruleTriggers: make(map[string]int64),
	}
}

// Observe folds one evaluation event into the aggregates
func (a *Aggregator) Observe(event *models.EvaluationEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.total++
	a.sumComposite += event.CompositeScore
	a.byAction[event.Action]++
	a.byLevel[event.RiskLevel]++
	for _, ruleID := range event.TriggeredRuleIDs {
		a.ruleTriggers[ruleID]++
	}
}

// Snapshot copies the current aggregates. Top rules are ordered by count,
// ties broken by rule ID for stable output.
func (a *Aggregator) Snapshot() *RealtimeSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := &RealtimeSnapshot{
		WindowStart: a.windowStart,
		UpdatedAt:   time.Now().UTC(),
		Total:       a.total,
		ByAction:    make(map[string]int64, len(a.byAction)),
		ByLevel:     make(map[string]int64, len(a.byLevel)),
	}
	if a.total > 0 {
		snap.AvgComposite = a.sumComposite / float64(a.total)
	}
	for k, v := range a.byAction {
		snap.ByAction[k] = v
	}
	for k, v := range a.byLevel {
		snap.ByLevel[k] = v
	}

	top := make([]repositories.RuleTriggerCount, 0, len(a.ruleTriggers))
	for ruleID, count := range a.ruleTriggers {
		top = append(top, repositories.RuleTriggerCount{RuleID: ruleID, Count: count})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].RuleID < top[j].RuleID
	})
	if len(top) > realtimeTopRules {
		top = top[:realtimeTopRules]
	}
	snap.TopRules = top

	return snap
}
