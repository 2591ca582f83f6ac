package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/opsignal/correlate/internal/models"
)

// dedupeHorizonFactor bounds how long ingested alert ids are remembered,
// expressed as a multiple of the tenant window.
const dedupeHorizonFactor = 30

// TemporalCorrelator groups one tenant's alerts into time-bounded clusters
// using the sliding-window chaining rule. It is owned by a single tenant
// worker and is not safe for concurrent use.
type TemporalCorrelator struct {
	tenantID string
	window   time.Duration

	open map[string]*models.TemporalCluster
	uf   *unionFind

	// seen maps every ingested alert id to its canonical cluster id, with
	// the ingest wall time for horizon pruning.
	seen map[string]seenAlert
}

type seenAlert struct {
	clusterID string
	at        time.Time
}

// NewTemporalCorrelator builds a correlator with the tenant's window w.
func NewTemporalCorrelator(tenantID string, window time.Duration) *TemporalCorrelator {
	if window <= 0 {
		window = 2 * time.Minute
	}
	return &TemporalCorrelator{
		tenantID: tenantID,
		window:   window,
		open:     make(map[string]*models.TemporalCluster),
		uf:       newUnionFind(),
		seen:     make(map[string]seenAlert),
	}
}

// Window returns the configured chaining window.
func (t *TemporalCorrelator) Window() time.Duration {
	return t.window
}

// OpenClusters returns the number of currently open clusters.
func (t *TemporalCorrelator) OpenClusters() int {
	return len(t.open)
}

// Ingest chains the alert into an open cluster, bridging clusters when the
// alert's window spans more than one. A repeated alert id is an idempotent
// no-op reported via ErrDuplicateAlert with the existing cluster id.
func (t *TemporalCorrelator) Ingest(alert models.AlertEvent, now time.Time) (string, error) {
	if prior, dup := t.seen[alert.ID]; dup {
		return t.uf.find(prior.clusterID), ErrDuplicateAlert
	}

	matches := t.matching(alert.Timestamp)

	var target *models.TemporalCluster
	switch len(matches) {
	case 0:
		target = &models.TemporalCluster{
			ID:         uuid.NewString(),
			TenantID:   t.tenantID,
			AnchorTime: alert.Timestamp,
			OpenedAt:   now,
			State:      models.ClusterOpen,
		}
		t.open[target.ID] = target
		t.uf.add(target.ID)
	case 1:
		target = matches[0]
	default:
		// The alert bridges several open clusters; union them all.
		target = matches[0]
		for _, other := range matches[1:] {
			target = t.merge(target, other)
		}
	}

	target.Alerts = append(target.Alerts, alert)
	if alert.Timestamp.After(target.AnchorTime) {
		target.AnchorTime = alert.Timestamp
	}

	canonical := t.uf.find(target.ID)
	t.seen[alert.ID] = seenAlert{clusterID: canonical, at: now}
	return canonical, nil
}

// Sweep closes clusters whose anchor has aged past the window with no new
// arrivals and returns them for topology partitioning. It also prunes the
// dedupe index beyond the retention horizon.
func (t *TemporalCorrelator) Sweep(now time.Time) []*models.TemporalCluster {
	var closed []*models.TemporalCluster
	for id, cluster := range t.open {
		if now.Sub(cluster.AnchorTime) > t.window {
			cluster.State = models.ClusterClosed
			closed = append(closed, cluster)
			delete(t.open, id)
		}
	}

	horizon := now.Add(-dedupeHorizonFactor * t.window)
	for id, entry := range t.seen {
		if entry.at.Before(horizon) {
			delete(t.seen, id)
		}
	}
	return closed
}

// matching returns every open cluster whose anchor is within the window of
// the timestamp. Out-of-order arrivals match by the same absolute-gap rule.
func (t *TemporalCorrelator) matching(ts time.Time) []*models.TemporalCluster {
	var matches []*models.TemporalCluster
	for _, cluster := range t.open {
		gap := ts.Sub(cluster.AnchorTime)
		if gap < 0 {
			gap = -gap
		}
		if gap <= t.window {
			matches = append(matches, cluster)
		}
	}
	return matches
}

// merge unions two open clusters, keeping the union-find survivor.
func (t *TemporalCorrelator) merge(a, b *models.TemporalCluster) *models.TemporalCluster {
	survivorID := t.uf.union(a.ID, b.ID)
	survivor, absorbed := a, b
	if survivorID == b.ID {
		survivor, absorbed = b, a
	}

	survivor.Alerts = append(survivor.Alerts, absorbed.Alerts...)
	if absorbed.AnchorTime.After(survivor.AnchorTime) {
		survivor.AnchorTime = absorbed.AnchorTime
	}
	if absorbed.OpenedAt.Before(survivor.OpenedAt) {
		survivor.OpenedAt = absorbed.OpenedAt
	}
	delete(t.open, absorbed.ID)
	return survivor
}
