package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/txn-sentinel/configs"
	"github.com/enterprise/txn-sentinel/internal/repositories"
)

// fakeEdgeLister serves keyset pages over a fixed edge list, which must be
// sorted by (ClientID, BeneficiaryKey) like the SQL it stands in for.
type fakeEdgeLister struct {
	mu    sync.Mutex
	edges []repositories.BeneficiaryEdge
	err   error
	calls int
}

func (f *fakeEdgeLister) ListBeneficiaryEdges(_ context.Context, afterClient, afterKey string, limit int) ([]repositories.BeneficiaryEdge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	start := 0
	if afterClient != "" || afterKey != "" {
		for i, e := range f.edges {
			if e.ClientID == afterClient && e.BeneficiaryKey == afterKey {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(f.edges) {
		end = len(f.edges)
	}
	return f.edges[start:end], nil
}

func (f *fakeEdgeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMarker struct {
	mu     sync.Mutex
	keys   map[string]interface{}
	setErr error
}

func (f *fakeMarker) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	if f.keys == nil {
		f.keys = make(map[string]interface{})
	}
	f.keys[key] = value
	return nil
}

func graphCfg(pageSize int) configs.GraphConfig {
	return configs.GraphConfig{RefreshInterval: 10 * time.Minute, PageSize: pageSize}
}

func edge(clientID, beneKey string) repositories.BeneficiaryEdge {
	return repositories.BeneficiaryEdge{ClientID: clientID, BeneficiaryKey: beneKey}
}

// builtGraph refreshes once over the given edges with a small page size so
// paging is exercised by every test.
func builtGraph(t *testing.T, edges ...repositories.BeneficiaryEdge) *Graph {
	t.Helper()
	g := New(&fakeEdgeLister{edges: edges}, nil, graphCfg(2))
	require.NoError(t, g.Refresh(context.Background()))
	return g
}

func TestGraph_NotReadyBeforeFirstBuild(t *testing.T) {
	g := New(&fakeEdgeLister{}, nil, graphCfg(100))

	assert.False(t, g.IsReady())
	assert.Zero(t, g.FanInCount("HDFC0001234|111"))
	assert.Nil(t, g.OtherSenders("HDFC0001234|111", "c1"))
	assert.Nil(t, g.Beneficiaries("c1"))
	assert.Zero(t, g.TotalBeneficiaryCount("c1"))
	assert.Zero(t, g.SharedBeneficiaryCount("c1"))
	assert.Zero(t, g.NetworkDensity("c1"))
	assert.Equal(t, Status{}, g.CurrentStatus())
}

func TestRefresh_PagesEntireTable(t *testing.T) {
	lister := &fakeEdgeLister{edges: []repositories.BeneficiaryEdge{
		edge("c1", "b1"), edge("c1", "b2"), edge("c2", "b1"),
		edge("c2", "b3"), edge("c3", "b1"),
	}}
	g := New(lister, nil, graphCfg(2))

	require.NoError(t, g.Refresh(context.Background()))

	assert.True(t, g.IsReady())
	assert.Equal(t, 3, g.FanInCount("b1"))
	assert.GreaterOrEqual(t, lister.callCount(), 3) // 5 edges in pages of 2
}

func TestRefresh_ListerErrorKeepsOldSnapshot(t *testing.T) {
	lister := &fakeEdgeLister{edges: []repositories.BeneficiaryEdge{edge("c1", "b1")}}
	g := New(lister, nil, graphCfg(100))
	require.NoError(t, g.Refresh(context.Background()))

	lister.mu.Lock()
	lister.err = errors.New("db down")
	lister.mu.Unlock()

	assert.Error(t, g.Refresh(context.Background()))
	assert.True(t, g.IsReady())
	assert.Equal(t, 1, g.FanInCount("b1")) // previous build still serving
}

func TestRefresh_RecordsMarker(t *testing.T) {
	marker := &fakeMarker{}
	g := New(&fakeEdgeLister{edges: []repositories.BeneficiaryEdge{edge("c1", "b1")}}, marker, graphCfg(100))

	require.NoError(t, g.Refresh(context.Background()))

	marker.mu.Lock()
	defer marker.mu.Unlock()
	assert.Contains(t, marker.keys, "graph:last_refresh")
}

func TestRefresh_MarkerFailureIsNonFatal(t *testing.T) {
	marker := &fakeMarker{setErr: errors.New("redis down")}
	g := New(&fakeEdgeLister{edges: []repositories.BeneficiaryEdge{edge("c1", "b1")}}, marker, graphCfg(100))

	require.NoError(t, g.Refresh(context.Background()))
	assert.True(t, g.IsReady())
}

func TestFanInAndOtherSenders(t *testing.T) {
	g := builtGraph(t,
		edge("c1", "b1"), edge("c2", "b1"), edge("c3", "b1"),
		edge("c1", "b2"),
	)

	assert.Equal(t, 3, g.FanInCount("b1"))
	assert.Equal(t, 1, g.FanInCount("b2"))
	assert.Zero(t, g.FanInCount("unknown"))

	assert.Equal(t, []string{"c2", "c3"}, g.OtherSenders("b1", "c1"))
	assert.Equal(t, []string{"c1", "c2", "c3"}, g.OtherSenders("b1", "someone-else"))
	assert.Empty(t, g.OtherSenders("b2", "c1"))
	assert.Nil(t, g.OtherSenders("unknown", "c1"))
}

func TestBeneficiariesPerClient(t *testing.T) {
	g := builtGraph(t,
		edge("c1", "b3"), edge("c1", "b1"), edge("c1", "b2"),
		edge("c2", "b1"),
	)

	assert.Equal(t, []string{"b1", "b2", "b3"}, g.Beneficiaries("c1"))
	assert.Equal(t, 3, g.TotalBeneficiaryCount("c1"))
	assert.Empty(t, g.Beneficiaries("unknown"))
}

func TestSharedBeneficiariesAndDensity(t *testing.T) {
	// b1 is paid by c1+c2, b2 only by c1, b3 by c1+c3.
	g := builtGraph(t,
		edge("c1", "b1"), edge("c1", "b2"), edge("c1", "b3"),
		edge("c2", "b1"), edge("c3", "b3"),
	)

	assert.Equal(t, 2, g.SharedBeneficiaryCount("c1"))
	assert.InDelta(t, 2.0/3.0, g.NetworkDensity("c1"), 1e-9)

	assert.Equal(t, 1, g.SharedBeneficiaryCount("c2"))
	assert.InDelta(t, 1.0, g.NetworkDensity("c2"), 1e-9)

	// Density of a client with no beneficiaries divides by 1, not 0.
	assert.Zero(t, g.NetworkDensity("unknown"))
}

func TestCurrentStatus(t *testing.T) {
	g := builtGraph(t, edge("c1", "b1"), edge("c2", "b1"), edge("c2", "b2"))

	status := g.CurrentStatus()
	assert.True(t, status.Ready)
	assert.False(t, status.BuiltAt.IsZero())
	assert.Equal(t, 2, status.Beneficiaries)
	assert.Equal(t, 2, status.Clients)
}

func TestGraph_StartStop(t *testing.T) {
	lister := &fakeEdgeLister{edges: []repositories.BeneficiaryEdge{edge("c1", "b1")}}
	cfg := graphCfg(100)
	cfg.RefreshInterval = 10 * time.Millisecond
	g := New(lister, nil, cfg)

	g.Start()
	require.Eventually(t, func() bool {
		return g.IsReady() && lister.callCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	g.Stop()

	settled := lister.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, lister.callCount())
}
