package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/opsignal/correlate/internal/models"
)

func alertAt(id, service string, ts time.Time) models.AlertEvent {
	return models.AlertEvent{
		ID:        id,
		TenantID:  "tenant-a",
		ServiceID: service,
		Severity:  models.SeverityWarning,
		Timestamp: ts,
		Message:   service + " failing",
	}
}

func TestTemporalChainsWithinWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tc := NewTemporalCorrelator("tenant-a", 2*time.Minute)

	c1, err := tc.Ingest(alertAt("a1", "db", base), base)
	if err != nil {
		t.Fatalf("ingest a1: %v", err)
	}
	c2, err := tc.Ingest(alertAt("a2", "api", base.Add(90*time.Second)), base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("ingest a2: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("alerts within window landed in different clusters: %s vs %s", c1, c2)
	}

	// Chaining extends from the newest member, so a third alert 90s after
	// the second still joins even though it is 3m after the first.
	c3, err := tc.Ingest(alertAt("a3", "frontend", base.Add(3*time.Minute)), base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("ingest a3: %v", err)
	}
	if c3 != c2 {
		t.Fatalf("chained alert split off: %s vs %s", c3, c2)
	}
	if tc.OpenClusters() != 1 {
		t.Fatalf("expected 1 open cluster, got %d", tc.OpenClusters())
	}
}

func TestTemporalSeparatesBeyondWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tc := NewTemporalCorrelator("tenant-a", 2*time.Minute)

	c1, _ := tc.Ingest(alertAt("a1", "db", base), base)
	c2, _ := tc.Ingest(alertAt("a2", "api", base.Add(5*time.Minute)), base.Add(5*time.Minute))
	if c1 == c2 {
		t.Fatalf("alerts 5m apart should not share a cluster")
	}
	if tc.OpenClusters() != 2 {
		t.Fatalf("expected 2 open clusters, got %d", tc.OpenClusters())
	}
}

func TestTemporalBridgingUnifiesClusters(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tc := NewTemporalCorrelator("tenant-a", 2*time.Minute)

	c1, _ := tc.Ingest(alertAt("a1", "db", base), base)
	c2, _ := tc.Ingest(alertAt("a2", "api", base.Add(3*time.Minute)), base.Add(3*time.Minute))
	if c1 == c2 {
		t.Fatalf("setup expected two clusters")
	}

	// Out-of-order arrival between the two anchors bridges them.
	bridge, err := tc.Ingest(alertAt("a3", "cache", base.Add(90*time.Second)), base.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("ingest bridge: %v", err)
	}
	if tc.OpenClusters() != 1 {
		t.Fatalf("expected bridge to unify clusters, got %d open", tc.OpenClusters())
	}

	closed := tc.Sweep(base.Add(time.Hour))
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed cluster, got %d", len(closed))
	}
	if len(closed[0].Alerts) != 3 {
		t.Fatalf("unified cluster should carry all 3 alerts, got %d", len(closed[0].Alerts))
	}
	if bridge != tc.uf.find(c1) || bridge != tc.uf.find(c2) {
		t.Fatalf("bridge cluster id not canonical for both sides")
	}
}

func TestTemporalDuplicateAlertIsIdempotent(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tc := NewTemporalCorrelator("tenant-a", 2*time.Minute)

	c1, err := tc.Ingest(alertAt("a1", "db", base), base)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	c2, err := tc.Ingest(alertAt("a1", "db", base), base.Add(time.Second))
	if !errors.Is(err, ErrDuplicateAlert) {
		t.Fatalf("expected ErrDuplicateAlert, got %v", err)
	}
	if c2 != c1 {
		t.Fatalf("duplicate should report the original cluster, got %s want %s", c2, c1)
	}

	closed := tc.Sweep(base.Add(time.Hour))
	if len(closed) != 1 || len(closed[0].Alerts) != 1 {
		t.Fatalf("duplicate must not add a second member")
	}
}

func TestTemporalSweepClosesOnlyAgedClusters(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tc := NewTemporalCorrelator("tenant-a", 2*time.Minute)

	tc.Ingest(alertAt("a1", "db", base), base)
	tc.Ingest(alertAt("a2", "api", base.Add(10*time.Minute)), base.Add(10*time.Minute))

	closed := tc.Sweep(base.Add(10*time.Minute + 30*time.Second))
	if len(closed) != 1 {
		t.Fatalf("expected exactly the aged cluster to close, got %d", len(closed))
	}
	if closed[0].State != models.ClusterClosed {
		t.Fatalf("closed cluster should carry CLOSED state")
	}
	if tc.OpenClusters() != 1 {
		t.Fatalf("fresh cluster should remain open")
	}
}
