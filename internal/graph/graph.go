// Package graph maintains an in-memory beneficiary graph: which clients
// send to which beneficiaries. Evaluators and the analytics endpoints read
// it lock-free from a double-buffered snapshot; a background rebuild pages
// the transaction table and swaps in a fresh snapshot atomically.
package graph

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/metrics"
	"github.com/enterprise/txn-sentinel/internal/repositories"
)

const lastRefreshKey = "graph:last_refresh"

type edgeLister interface {
	ListBeneficiaryEdges(ctx context.Context, afterClient, afterKey string, limit int) ([]repositories.BeneficiaryEdge, error)
}

type refreshMarker interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

type snapshot struct {
	builtAt time.Time
	// senders[beneKey] is the set of clients that paid the beneficiary;
	// clients[clientID] is the set of beneficiaries the client paid.
	senders map[string]map[string]struct{}
	clients map[string]map[string]struct{}
}

// Graph serves beneficiary fan-in queries from the latest snapshot.
type Graph struct {
	edges  edgeLister
	marker refreshMarker
	cfg    configs.GraphConfig

	snap atomic.Pointer[snapshot]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates the graph. marker may be nil; then the refresh timestamp is
// only available in-process.
func New(edges edgeLister, marker refreshMarker, cfg configs.GraphConfig) *Graph {
	return &Graph{
		edges:  edges,
		marker: marker,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start performs the initial build and begins periodic rebuilds. Queries
// answered before the first build completes report not-ready.
func (g *Graph) Start() {
	g.wg.Add(1)
	go g.refreshLoop()
	log.Info().Dur("interval", g.cfg.RefreshInterval).Msg("Beneficiary graph started")
}

// Stop halts the rebuild loop and waits for it to exit.
func (g *Graph) Stop() {
	close(g.stopCh)
	g.wg.Wait()
}

func (g *Graph) refreshLoop() {
	defer g.wg.Done()

	g.refresh()

	ticker := time.NewTicker(g.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.refresh()
		}
	}
}

func (g *Graph) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := g.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("Beneficiary graph rebuild failed")
	}
}

// Refresh rebuilds the snapshot from storage and swaps it in. The old
// snapshot keeps serving reads until the swap, so queries never see a
// half-built graph.
func (g *Graph) Refresh(ctx context.Context) error {
	started := time.Now()

	next := &snapshot{
		builtAt: started.UTC(),
		senders: make(map[string]map[string]struct{}),
		clients: make(map[string]map[string]struct{}),
	}

	pageSize := g.cfg.PageSize
	if pageSize < 1 {
		pageSize = 1000
	}

	afterClient, afterKey := "", ""
	for {
		page, err := g.edges.ListBeneficiaryEdges(ctx, afterClient, afterKey, pageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			next.add(e.ClientID, e.BeneficiaryKey)
		}
		last := page[len(page)-1]
		afterClient, afterKey = last.ClientID, last.BeneficiaryKey
		if len(page) < pageSize {
			break
		}
	}

	g.snap.Store(next)

	elapsed := time.Since(started)
	metrics.GraphRefreshDuration.Observe(elapsed.Seconds())
	metrics.GraphBeneficiaries.Set(float64(len(next.senders)))
	metrics.GraphLastRefresh.Set(float64(next.builtAt.Unix()))

	if g.marker != nil {
		if err := g.marker.Set(ctx, lastRefreshKey, next.builtAt, 0); err != nil {
			log.Warn().Err(err).Msg("Failed to record graph refresh marker")
		}
	}

	log.Info().
		Int("beneficiaries", len(next.senders)).
		Int("clients", len(next.clients)).
		Dur("elapsed", elapsed).
		Msg("Beneficiary graph rebuilt")
	return nil
}

func (s *snapshot) add(clientID, beneKey string) {
	set, ok := s.senders[beneKey]
	if !ok {
		set = make(map[string]struct{})
		s.senders[beneKey] = set
	}
	set[clientID] = struct{}{}

	benes, ok := s.clients[clientID]
	if !ok {
		benes = make(map[string]struct{})
		s.clients[clientID] = benes
	}
	benes[beneKey] = struct{}{}
}

// IsReady reports whether at least one build has completed.
func (g *Graph) IsReady() bool {
	return g.snap.Load() != nil
}

// FanInCount returns how many distinct clients pay the beneficiary.
func (g *Graph) FanInCount(beneKey string) int {
	s := g.snap.Load()
	if s == nil {
		return 0
	}
	return len(s.senders[beneKey])
}

// OtherSenders returns the clients paying the beneficiary besides
// excludeClientID, sorted for stable output.
func (g *Graph) OtherSenders(beneKey, excludeClientID string) []string {
	s := g.snap.Load()
	if s == nil {
		return nil
	}
	set := s.senders[beneKey]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for clientID := range set {
		if clientID != excludeClientID {
			out = append(out, clientID)
		}
	}
	sort.Strings(out)
	return out
}

// Beneficiaries returns the client's beneficiary keys, sorted for stable
// output.
func (g *Graph) Beneficiaries(clientID string) []string {
	s := g.snap.Load()
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.clients[clientID]))
	for beneKey := range s.clients[clientID] {
		out = append(out, beneKey)
	}
	sort.Strings(out)
	return out
}

// TotalBeneficiaryCount returns how many distinct beneficiaries the client
// has paid.
func (g *Graph) TotalBeneficiaryCount(clientID string) int {
	s := g.snap.Load()
	if s == nil {
		return 0
	}
	return len(s.clients[clientID])
}

// SharedBeneficiaryCount returns how many of the client's beneficiaries are
// also paid by at least one other client.
func (g *Graph) SharedBeneficiaryCount(clientID string) int {
	s := g.snap.Load()
	if s == nil {
		return 0
	}
	shared := 0
	for beneKey := range s.clients[clientID] {
		if len(s.senders[beneKey]) >= 2 {
			shared++
		}
	}
	return shared
}

// NetworkDensity is the shared fraction of the client's beneficiary set.
func (g *Graph) NetworkDensity(clientID string) float64 {
	total := g.TotalBeneficiaryCount(clientID)
	shared := g.SharedBeneficiaryCount(clientID)
	if total < 1 {
		total = 1
	}
	return float64(shared) / float64(total)
}

// Status describes the current snapshot for the status endpoint.
type Status struct {
	Ready         bool      `json:"ready"`
	BuiltAt       time.Time `json:"built_at,omitempty"`
	Beneficiaries int       `json:"beneficiaries"`
	Clients       int       `json:"clients"`
}

// CurrentStatus returns snapshot readiness and sizes.
func (g *Graph) CurrentStatus() Status {
	s := g.snap.Load()
	if s == nil {
		return Status{}
	}
	return Status{
		Ready:         true,
		BuiltAt:       s.builtAt,
		Beneficiaries: len(s.senders),
		Clients:       len(s.clients),
	}
}
