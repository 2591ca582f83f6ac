package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opsignal/correlate/internal/models"
)

type scriptedProvider struct {
	mu    sync.Mutex
	edges []models.DependencyEdge
	err   error
	calls int
}

func (p *scriptedProvider) GetDependencies(_ context.Context, _ string) ([]models.DependencyEdge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.edges, nil
}

func (p *scriptedProvider) set(edges []models.DependencyEdge, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edges, p.err = edges, err
}

func TestCacheRefreshSwapsSnapshot(t *testing.T) {
	provider := &scriptedProvider{edges: edgeList([2]string{"api", "db"})}
	cache := NewCache(provider, time.Hour, time.Second, nil)

	if _, ok := cache.Get("tenant-a"); ok {
		t.Fatalf("cache should start empty")
	}

	if err := cache.Refresh(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	snap, ok := cache.Get("tenant-a")
	if !ok {
		t.Fatalf("snapshot missing after refresh")
	}
	if !snap.Graph.HasNode("db") {
		t.Fatalf("snapshot graph missing db")
	}

	provider.set(edgeList([2]string{"api", "cache"}), nil)
	if err := cache.Refresh(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	snap2, _ := cache.Get("tenant-a")
	if !snap2.Graph.HasNode("cache") || snap2.Graph.HasNode("db") {
		t.Fatalf("refresh did not swap in the new graph")
	}
	// The first snapshot stays intact for readers holding it.
	if !snap.Graph.HasNode("db") {
		t.Fatalf("old snapshot mutated by refresh")
	}
}

func TestCacheKeepsStaleSnapshotOnFailure(t *testing.T) {
	provider := &scriptedProvider{edges: edgeList([2]string{"api", "db"})}
	cache := NewCache(provider, time.Hour, time.Second, nil)

	if err := cache.Refresh(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	provider.set(nil, errors.New("provider down"))
	if err := cache.Refresh(context.Background(), "tenant-a"); err == nil {
		t.Fatalf("expected refresh error")
	}
	snap, ok := cache.Get("tenant-a")
	if !ok || !snap.Graph.HasNode("db") {
		t.Fatalf("stale snapshot should survive a failed refresh")
	}
}

func TestCacheTrackTriggersInitialFetch(t *testing.T) {
	provider := &scriptedProvider{edges: edgeList([2]string{"api", "db"})}
	cache := NewCache(provider, time.Hour, time.Second, nil)

	cache.Track("tenant-a")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := cache.Get("tenant-a"); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("initial fetch never populated the cache")
}
