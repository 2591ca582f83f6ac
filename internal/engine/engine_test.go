package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/opsignal/correlate/internal/config"
	"github.com/opsignal/correlate/internal/graph"
	"github.com/opsignal/correlate/internal/models"
)

type fakeGraphProvider struct {
	edges []models.DependencyEdge
}

func (f *fakeGraphProvider) GetDependencies(_ context.Context, _ string) ([]models.DependencyEdge, error) {
	return f.edges, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Correlation: config.CorrelationConfig{
			SweepInterval:    10 * time.Millisecond,
			SemanticInterval: time.Hour,
			DecayInterval:    time.Hour,
			Defaults: config.Tuning{
				Window:              50 * time.Millisecond,
				DecayInterval:       time.Hour,
				SemanticWindow:      time.Hour,
				SimilarityThreshold: 0.82,
				QueueCapacity:       64,
			},
		},
	}
}

func newTestEngine(t *testing.T, edges []models.DependencyEdge) (*Engine, func()) {
	t.Helper()
	graphs := graph.NewCache(&fakeGraphProvider{edges: edges}, time.Hour, time.Second, nil)
	if err := graphs.Refresh(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("seed graph: %v", err)
	}

	eng := NewEngine(testConfig(), graphs, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)

	return eng, func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = eng.Shutdown(shutdownCtx)
	}
}

func TestEngineCorrelatesCascadingFailure(t *testing.T) {
	eng, stop := newTestEngine(t, []models.DependencyEdge{
		{Source: "frontend", Target: "api"},
		{Source: "api", Target: "db"},
	})
	defer stop()

	now := time.Now().UTC()
	for _, a := range []models.AlertEvent{
		alertAt("a1", "db", now),
		alertAt("a2", "api", now.Add(5*time.Millisecond)),
		alertAt("a3", "frontend", now.Add(10*time.Millisecond)),
	} {
		ack := eng.Ingest(a)
		if !ack.Accepted {
			t.Fatalf("alert %s rejected: %s", a.ID, ack.Reason)
		}
	}

	var incident *models.Incident
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		list := eng.ListIncidents(models.ListIncidentsRequest{TenantID: "tenant-a"})
		if len(list) == 1 {
			incident = list[0]
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if incident == nil {
		t.Fatalf("incident never materialised")
	}

	if incident.RootCauseService != "db" {
		t.Fatalf("root cause = %s, want db", incident.RootCauseService)
	}
	if incident.BlastRadius != 3 {
		t.Fatalf("blast radius = %d, want 3", incident.BlastRadius)
	}
	if incident.Status != models.IncidentOpen {
		t.Fatalf("status = %s, want OPEN", incident.Status)
	}
	if !strings.Contains(incident.Reasoning, "db has no failing dependency") {
		t.Fatalf("reasoning missing root statement: %q", incident.Reasoning)
	}

	got, err := eng.GetIncident("tenant-a", incident.ID)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if got.ID != incident.ID {
		t.Fatalf("get returned wrong incident")
	}
}

func TestEngineIngestValidation(t *testing.T) {
	eng, stop := newTestEngine(t, nil)
	defer stop()

	now := time.Now().UTC()

	ack := eng.Ingest(models.AlertEvent{TenantID: "tenant-a", Severity: models.SeverityInfo, Timestamp: now})
	if ack.Accepted {
		t.Fatalf("alert without service must be rejected")
	}
	if ack.AlertID == "" {
		t.Fatalf("rejected alerts still get an id for the ack")
	}

	ack = eng.Ingest(models.AlertEvent{TenantID: "tenant-a", ServiceID: "db", Severity: "fatal", Timestamp: now})
	if ack.Accepted {
		t.Fatalf("unknown severity must be rejected")
	}

	ack = eng.Ingest(models.AlertEvent{TenantID: "tenant-a", ServiceID: "db", Severity: models.SeverityInfo, Timestamp: now})
	if !ack.Accepted {
		t.Fatalf("valid alert rejected: %s", ack.Reason)
	}
	if ack.AlertID == "" {
		t.Fatalf("missing alert id should be generated, not rejected")
	}
}

func TestEngineResolveRoutesThroughWorker(t *testing.T) {
	eng, stop := newTestEngine(t, nil)
	defer stop()

	now := time.Now().UTC()
	if ack := eng.Ingest(alertAt("a1", "db", now)); !ack.Accepted {
		t.Fatalf("ingest rejected: %s", ack.Reason)
	}

	var id string
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if list := eng.ListIncidents(models.ListIncidentsRequest{TenantID: "tenant-a"}); len(list) == 1 {
			id = list[0].ID
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if id == "" {
		t.Fatalf("incident never materialised")
	}

	if err := eng.ResolveIncident("tenant-a", id); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		inc, err := eng.GetIncident("tenant-a", id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if inc.Status == models.IncidentResolved {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("incident never resolved")
}

func TestEngineUnknownTenantAndIncident(t *testing.T) {
	eng, stop := newTestEngine(t, nil)
	defer stop()

	if _, err := eng.GetIncident("nobody", "x"); err == nil {
		t.Fatalf("unknown tenant should return an error")
	}
	if err := eng.ResolveIncident("nobody", "x"); err == nil {
		t.Fatalf("unknown tenant resolve should return an error")
	}
	if list := eng.ListIncidents(models.ListIncidentsRequest{TenantID: "nobody"}); len(list) != 0 {
		t.Fatalf("unknown tenant list should be empty")
	}
}

func TestEngineShutdownDrainsAcceptedAlerts(t *testing.T) {
	eng, _ := newTestEngine(t, nil)

	now := time.Now().UTC()
	if ack := eng.Ingest(alertAt("a1", "db", now)); !ack.Accepted {
		t.Fatalf("ingest rejected: %s", ack.Reason)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Shutdown cancels the run context; the worker drains its inbox and
	// force-closes open clusters so the accepted alert still lands.
	if err := eng.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	list := eng.ListIncidents(models.ListIncidentsRequest{TenantID: "tenant-a"})
	if len(list) != 1 {
		t.Fatalf("accepted alert lost on shutdown: %d incidents", len(list))
	}
}
