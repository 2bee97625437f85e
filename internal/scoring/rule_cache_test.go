package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/txn-sentinel/internal/models"
)

func TestRuleCache_EmptyBeforeLoad(t *testing.T) {
	c := NewRuleCache(&memRuleLister{}, time.Hour)

	rules := c.Active()
	require.NotNil(t, rules)
	assert.Empty(t, rules)
}

func TestRuleCache_LoadSwapsSnapshot(t *testing.T) {
	lister := &memRuleLister{rules: []*models.AnomalyRule{{RuleID: "a", RiskWeight: 1}}}
	c := NewRuleCache(lister, time.Hour)

	require.NoError(t, c.Load(context.Background()))
	require.Len(t, c.Active(), 1)
	assert.Equal(t, "a", c.Active()[0].RuleID)

	lister.set([]*models.AnomalyRule{{RuleID: "a"}, {RuleID: "b"}}, nil)
	require.NoError(t, c.Load(context.Background()))
	assert.Len(t, c.Active(), 2)
}

func TestRuleCache_InvalidateReloads(t *testing.T) {
	lister := &memRuleLister{rules: []*models.AnomalyRule{{RuleID: "a"}}}
	c := NewRuleCache(lister, time.Hour)
	require.NoError(t, c.Load(context.Background()))

	lister.set([]*models.AnomalyRule{{RuleID: "a", RiskWeight: 2.4}}, nil)
	c.Invalidate()

	require.Len(t, c.Active(), 1)
	assert.Equal(t, 2.4, c.Active()[0].RiskWeight)
}

func TestRuleCache_FailedReloadKeepsSnapshot(t *testing.T) {
	lister := &memRuleLister{rules: []*models.AnomalyRule{{RuleID: "a"}}}
	c := NewRuleCache(lister, time.Hour)
	require.NoError(t, c.Load(context.Background()))

	lister.set(nil, errors.New("db down"))
	assert.Error(t, c.Load(context.Background()))
	c.Invalidate() // logs, keeps serving

	require.Len(t, c.Active(), 1)
	assert.Equal(t, "a", c.Active()[0].RuleID)
}
