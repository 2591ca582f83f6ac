package graph

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsignal/correlate/internal/models"
)

// maxConcurrentRefreshes bounds parallel pulls against the service-map
// builder during a refresh cycle.
const maxConcurrentRefreshes = 4

// Provider fetches a tenant's dependency edges from the external
// service-map builder.
type Provider interface {
	GetDependencies(ctx context.Context, tenantID string) ([]models.DependencyEdge, error)
}

// Snapshot pairs an immutable graph with its fetch time. Workers receive
// whole snapshots, so a refresh never exposes a partially built graph.
type Snapshot struct {
	Graph     *DependencyGraph
	FetchedAt time.Time
}

// Cache keeps the latest dependency-graph snapshot per tenant, pull-refreshed
// on an interval. Reads are lock-cheap and tolerate staleness; a failed
// refresh keeps the previous snapshot in place.
type Cache struct {
	provider Provider
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration

	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	tracked   map[string]struct{}
}

// NewCache constructs a snapshot cache over the given provider.
func NewCache(provider Provider, interval, timeout time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Cache{
		provider:  provider,
		logger:    logger,
		interval:  interval,
		timeout:   timeout,
		snapshots: make(map[string]*Snapshot),
		tracked:   make(map[string]struct{}),
	}
}

// Track registers a tenant for periodic refresh and kicks off an initial
// asynchronous fetch so the first sweep has topology to work with.
func (c *Cache) Track(tenantID string) {
	c.mu.Lock()
	_, known := c.tracked[tenantID]
	c.tracked[tenantID] = struct{}{}
	c.mu.Unlock()

	if known {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.Refresh(ctx, tenantID); err != nil {
			c.logger.Warn("initial graph fetch failed",
				slog.String("tenant_id", tenantID), slog.Any("error", err))
		}
	}()
}

// Get returns the current snapshot for a tenant. ok is false when no
// snapshot has ever been fetched; callers degrade instead of blocking.
func (c *Cache) Get(tenantID string) (*Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[tenantID]
	return snap, ok
}

// Refresh pulls a fresh graph for one tenant and swaps it in atomically.
func (c *Cache) Refresh(ctx context.Context, tenantID string) error {
	if c.provider == nil {
		return nil
	}
	edges, err := c.provider.GetDependencies(ctx, tenantID)
	if err != nil {
		return err
	}
	snap := &Snapshot{Graph: New(edges), FetchedAt: time.Now().UTC()}

	c.mu.Lock()
	c.snapshots[tenantID] = snap
	c.mu.Unlock()
	return nil
}

// Run refreshes all tracked tenants on the configured interval until the
// context is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshAll(ctx)
		}
	}
}

// refreshAll pulls fresh graphs for every tracked tenant. Failures are
// logged per tenant and never abort the cycle; the stale snapshot stays.
func (c *Cache) refreshAll(ctx context.Context) {
	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentRefreshes)
	for _, tenant := range c.trackedTenants() {
		tenant := tenant
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			if err := c.Refresh(fetchCtx, tenant); err != nil {
				c.logger.Warn("graph refresh failed, serving stale snapshot",
					slog.String("tenant_id", tenant), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Cache) trackedTenants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tenants := make([]string, 0, len(c.tracked))
	for t := range c.tracked {
		tenants = append(tenants, t)
	}
	return tenants
}
