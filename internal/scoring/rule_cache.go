package scoring

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/internal/models"
)

// ruleLister is the slice of the rule repository the cache needs.
type ruleLister interface {
	List(ctx context.Context, activeOnly bool) ([]*models.AnomalyRule, error)
}

// RuleCache serves the active rule list as a copy-on-write snapshot behind
// an atomic pointer. Readers never block; a refresh or invalidation builds
// a fresh slice and swaps it in whole, so a reader sees either the old or
// the new rule set, never a mix.
type RuleCache struct {
	repo     ruleLister
	interval time.Duration

	snapshot atomic.Pointer[[]*models.AnomalyRule]

	reloadMu sync.Mutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRuleCache creates the cache; call Load before serving traffic and
// Start to begin periodic refresh.
func NewRuleCache(repo ruleLister, interval time.Duration) *RuleCache {
	c := &RuleCache{
		repo:     repo,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	empty := make([]*models.AnomalyRule, 0)
	c.snapshot.Store(&empty)
	return c
}

// Active returns the current snapshot. The slice and the rules it points
// to are shared and must be treated as read-only.
func (c *RuleCache) Active() []*models.AnomalyRule {
	return *c.snapshot.Load()
}

// Load refreshes the snapshot from storage.
func (c *RuleCache) Load(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	rules, err := c.repo.List(ctx, true)
	if err != nil {
		return err
	}
	c.snapshot.Store(&rules)
	return nil
}

// Invalidate reloads the snapshot immediately. The weight adjuster and the
// rule CRUD handlers call it after a write so the next evaluation sees the
// change. A failed reload keeps the old snapshot; the periodic refresh
// repairs it.
func (c *RuleCache) Invalidate() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Load(ctx); err != nil {
		log.Error().Err(err).Msg("rule cache invalidation reload failed")
	}
}

// Start begins the periodic refresh loop.
func (c *RuleCache) Start() {
	c.wg.Add(1)
	go c.refreshLoop()
}

// Stop halts the refresh loop and waits for it to exit.
func (c *RuleCache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *RuleCache) refreshLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.Load(ctx); err != nil {
				log.Error().Err(err).Msg("rule cache refresh failed")
			}
			cancel()
		}
	}
}
