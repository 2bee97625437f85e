package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/internal/graph"
	"github.com/enterprise/txn-sentinel/internal/models"
	"github.com/enterprise/txn-sentinel/internal/queue"
	"github.com/enterprise/txn-sentinel/internal/repositories"
)

const (
	rulePerformanceTTL = 60 * time.Second

	defaultWindowDays = 7
	maxWindowDays     = 90
)

var (
	ErrGraphNotReady  = errors.New("beneficiary graph not ready")
	ErrNoRealtimeData = errors.New("no realtime data available")
)

// AnalyticsService serves aggregated views over evaluation outcomes,
// operator feedback and the beneficiary graph.
type AnalyticsService struct {
	rules       *repositories.RuleRepository
	results     *repositories.ResultRepository
	reviews     *repositories.ReviewRepository
	graph       *graph.Graph
	cacheClient *queue.CacheClient
}

// NewAnalyticsService creates a new analytics service
func NewAnalyticsService(
	rules *repositories.RuleRepository,
	results *repositories.ResultRepository,
	reviews *repositories.ReviewRepository,
	g *graph.Graph,
	cacheClient *queue.CacheClient,
) *AnalyticsService {
	return &AnalyticsService{
		rules:       rules,
		results:     results,
		reviews:     reviews,
		graph:       g,
		cacheClient: cacheClient,
	}
}

// RulePerformance returns per-rule trigger counts, feedback tallies,
// precision and the current weight over the trailing window.
func (s *AnalyticsService) RulePerformance(ctx context.Context, days int) ([]*models.RulePerformance, error) {
	if days <= 0 {
		days = defaultWindowDays
	}
	if days > maxWindowDays {
		days = maxWindowDays
	}

	cacheKey := fmt.Sprintf("analytics:rules:performance:%d", days)
	var cached []*models.RulePerformance
	if s.cacheClient != nil {
		if err := s.cacheClient.Get(ctx, cacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	since := time.Now().UTC().AddDate(0, 0, -days)

	rules, err := s.rules.List(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	triggers, err := s.results.TriggerCounts(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count triggers: %w", err)
	}
	feedback, err := s.reviews.FeedbackByRule(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to tally feedback: %w", err)
	}

	perf := make([]*models.RulePerformance, 0, len(rules))
	for _, rule := range rules {
		tally := feedback[rule.RuleID]
		row := &models.RulePerformance{
			RuleID:         rule.RuleID,
			RuleName:       rule.Name,
			RuleType:       rule.RuleType,
			Triggers:       triggers[rule.RuleID],
			TruePositives:  tally.TruePositives,
			FalsePositives: tally.FalsePositives,
			AutoAccepted:   tally.AutoAccepted,
			CurrentWeight:  rule.RiskWeight,
		}
		if verdicts := row.TruePositives + row.FalsePositives; verdicts > 0 {
			row.Precision = float64(row.TruePositives) / float64(verdicts)
		}
		perf = append(perf, row)
	}
	sort.Slice(perf, func(i, j int) bool {
		if perf[i].Triggers != perf[j].Triggers {
			return perf[i].Triggers > perf[j].Triggers
		}
		return perf[i].RuleID < perf[j].RuleID
	})

	if s.cacheClient != nil {
		if err := s.cacheClient.Set(ctx, cacheKey, perf, rulePerformanceTTL); err != nil {
			log.Warn().Err(err).Msg("Failed to cache rule performance")
		}
	}

	return perf, nil
}

// BeneficiaryFanIn pairs one of a client's beneficiaries with how many
// distinct clients pay it.
type BeneficiaryFanIn struct {
	BeneficiaryKey string `json:"beneficiary_key"`
	FanIn          int    `json:"fan_in"`
}

// ClientNetwork is the graph view of one client's beneficiary relations
type ClientNetwork struct {
	ClientID            string             `json:"client_id"`
	TotalBeneficiaries  int                `json:"total_beneficiaries"`
	SharedBeneficiaries int                `json:"shared_beneficiaries"`
	NetworkDensity      float64            `json:"network_density"`
	Beneficiaries       []BeneficiaryFanIn `json:"beneficiaries"`
}

// GetClientNetwork returns graph statistics plus fan-in per beneficiary
// for one client.
func (s *AnalyticsService) GetClientNetwork(ctx context.Context, clientID string) (*ClientNetwork, error) {
	if !s.graph.IsReady() {
		return nil, ErrGraphNotReady
	}

	keys := s.graph.Beneficiaries(clientID)
	fanIns := make([]BeneficiaryFanIn, 0, len(keys))
	for _, key := range keys {
		fanIns = append(fanIns, BeneficiaryFanIn{
			BeneficiaryKey: key,
			FanIn:          s.graph.FanInCount(key),
		})
	}

	return &ClientNetwork{
		ClientID:            clientID,
		TotalBeneficiaries:  s.graph.TotalBeneficiaryCount(clientID),
		SharedBeneficiaries: s.graph.SharedBeneficiaryCount(clientID),
		NetworkDensity:      s.graph.NetworkDensity(clientID),
		Beneficiaries:       fanIns,
	}, nil
}

// Realtime returns the rolling aggregates maintained by the audit
// consumer, or ErrNoRealtimeData when none have been published yet.
func (s *AnalyticsService) Realtime(ctx context.Context) (*RealtimeSnapshot, error) {
	if s.cacheClient == nil {
		return nil, ErrNoRealtimeData
	}

	var snap RealtimeSnapshot
	if err := s.cacheClient.Get(ctx, RealtimeKey, &snap); err != nil {
		if queue.IsMiss(err) {
			return nil, ErrNoRealtimeData
		}
		return nil, fmt.Errorf("failed to read realtime aggregates: %w", err)
	}
	return &snap, nil
}

// DailySummary returns one day's evaluation outcomes, cache-first. Recent
// days are cached briefly since they are still accumulating.
func (s *AnalyticsService) DailySummary(ctx context.Context, date time.Time) (*repositories.DailySummary, error) {
	cacheKey := fmt.Sprintf("analytics:summary:%s", date.Format("2006-01-02"))
	var cached repositories.DailySummary
	if s.cacheClient != nil {
		if err := s.cacheClient.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	summary, err := s.results.GetDailySummary(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to get daily summary: %w", err)
	}

	if s.cacheClient != nil {
		ttl := 5 * time.Minute
		if time.Since(date) > 24*time.Hour {
			ttl = time.Hour
		}
		if err := s.cacheClient.Set(ctx, cacheKey, summary, ttl); err != nil {
			log.Warn().Err(err).Msg("Failed to cache daily summary")
		}
	}

	return summary, nil
}
