package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opsignal/correlate/internal/models"
	"github.com/opsignal/correlate/internal/store"
)

type fakeSummarizer struct {
	title   string
	summary string
	err     error
	block   chan struct{}
	done    chan struct{}
}

func (f *fakeSummarizer) Summarize(ctx context.Context, reasoning string) (string, string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
	if f.done != nil {
		defer close(f.done)
	}
	return f.title, f.summary, f.err
}

func groupOf(root string, confidence float64, alerts ...models.AlertEvent) models.RootCauseGroup {
	services := map[string]struct{}{}
	for _, a := range alerts {
		services[a.ServiceID] = struct{}{}
	}
	members := make([]string, 0, len(services))
	for s := range services {
		members = append(members, s)
	}
	return models.RootCauseGroup{
		ID:                   "group-" + root,
		TenantID:             "tenant-a",
		Alerts:               alerts,
		MemberServices:       members,
		RootCandidateService: root,
		Confidence:           confidence,
		Reasoning:            root + " has no failing dependency",
		ClosedAt:             time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
	}
}

func newTestAggregator(t *testing.T, summarizer Summarizer) (*Aggregator, *store.Store) {
	t.Helper()
	st := store.New("tenant-a")
	agg := NewAggregator("tenant-a", st, summarizer, 10*time.Minute, time.Second, nil)
	return agg, st
}

func TestApplyCreatesIncidentWithDerivedFields(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	agg, st := newTestAggregator(t, nil)

	group := groupOf("db", 0.9,
		alertAt("a1", "db", base),
		alertAt("a2", "api", base.Add(10*time.Second)),
		alertAt("a3", "frontend", base.Add(20*time.Second)),
	)
	id, err := agg.Apply(group)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	inc, ok := st.Get(id)
	if !ok {
		t.Fatalf("incident not stored")
	}
	if inc.Status != models.IncidentOpen {
		t.Fatalf("new incident should be OPEN, got %s", inc.Status)
	}
	if inc.RootCauseService != "db" {
		t.Fatalf("root cause = %s, want db", inc.RootCauseService)
	}
	if inc.BlastRadius != 3 {
		t.Fatalf("blast radius = %d, want 3", inc.BlastRadius)
	}
	if len(inc.CascadingServices) != 2 {
		t.Fatalf("cascading = %v, want api and frontend", inc.CascadingServices)
	}
	for _, svc := range inc.CascadingServices {
		if svc == "db" {
			t.Fatalf("root must not appear in cascading set")
		}
	}
	if inc.Reasoning == "" {
		t.Fatalf("reasoning must be populated without any LLM involvement")
	}
	if inc.LastAlertAt != base.Add(20*time.Second) {
		t.Fatalf("last alert at = %v", inc.LastAlertAt)
	}
}

func TestApplyAppendsAndBlastRadiusNeverShrinks(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	agg, st := newTestAggregator(t, nil)

	first := groupOf("db", 0.9,
		alertAt("a1", "db", base),
		alertAt("a2", "api", base.Add(10*time.Second)),
		alertAt("a3", "frontend", base.Add(20*time.Second)),
	)
	id, err := agg.Apply(first)
	if err != nil {
		t.Fatalf("apply first: %v", err)
	}

	// A later, smaller group for the same root appends instead of creating.
	second := groupOf("db", 0.7, alertAt("a4", "db", base.Add(2*time.Minute)))
	id2, err := agg.Apply(second)
	if err != nil {
		t.Fatalf("apply second: %v", err)
	}
	if id2 != id {
		t.Fatalf("same-root group should fold into existing incident")
	}

	inc, _ := st.Get(id)
	if inc.BlastRadius != 3 {
		t.Fatalf("blast radius shrank to %d", inc.BlastRadius)
	}
	if len(inc.MemberAlertIDs) != 4 {
		t.Fatalf("expected 4 member alerts, got %d", len(inc.MemberAlertIDs))
	}
	// Weaker topology read must not replace the root or confidence.
	if inc.Confidence != 0.9 {
		t.Fatalf("confidence overwritten by weaker group: %f", inc.Confidence)
	}
	if st.Count() != 1 {
		t.Fatalf("no second incident expected, got %d", st.Count())
	}
}

func TestApplyReRootsOnStrongerEvidence(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	agg, st := newTestAggregator(t, nil)

	weak := groupOf("api", 0.2, alertAt("a1", "api", base))
	id, _ := agg.Apply(weak)

	strong := groupOf("db", 0.9,
		alertAt("a1", "api", base),
		alertAt("a2", "db", base.Add(10*time.Second)),
	)
	id2, err := agg.Apply(strong)
	if err != nil {
		t.Fatalf("apply strong: %v", err)
	}
	if id2 != id {
		t.Fatalf("shared alert should route to the existing incident")
	}

	inc, _ := st.Get(id)
	if inc.RootCauseService != "db" {
		t.Fatalf("stronger evidence should re-root to db, got %s", inc.RootCauseService)
	}
	if inc.Confidence != 0.9 {
		t.Fatalf("confidence = %f, want 0.9", inc.Confidence)
	}
}

func TestDecayMovesQuietIncidentsToStale(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	agg, st := newTestAggregator(t, nil)

	id, _ := agg.Apply(groupOf("db", 0.9, alertAt("a1", "db", base)))

	if err := agg.Decay(base.Add(5 * time.Minute)); err != nil {
		t.Fatalf("decay: %v", err)
	}
	if inc, _ := st.Get(id); inc.Status != models.IncidentOpen {
		t.Fatalf("incident inside decay interval should stay OPEN")
	}

	if err := agg.Decay(base.Add(11 * time.Minute)); err != nil {
		t.Fatalf("decay: %v", err)
	}
	inc, _ := st.Get(id)
	if inc.Status != models.IncidentStale {
		t.Fatalf("quiet incident should be STALE, got %s", inc.Status)
	}

	// New member alerts reopen a stale incident.
	if _, err := agg.Apply(groupOf("db", 0.9, alertAt("a2", "db", base.Add(12*time.Minute)))); err != nil {
		t.Fatalf("apply after stale: %v", err)
	}
	if inc, _ := st.Get(id); inc.Status != models.IncidentOpen {
		t.Fatalf("stale incident should reopen on new alerts, got %s", inc.Status)
	}
}

func TestApplyMergeTombstonesLoser(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	agg, st := newTestAggregator(t, nil)

	winnerID, _ := agg.Apply(groupOf("db", 0.9, alertAt("a1", "db", base)))
	loserID, _ := agg.Apply(groupOf("cache", 0.4, alertAt("a2", "cache", base.Add(10*time.Second))))

	if err := agg.ApplyMerge(winnerID, loserID, "semantic similarity"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	loser, _ := st.Get(loserID)
	if loser.Status != models.IncidentMerged {
		t.Fatalf("loser status = %s, want MERGED", loser.Status)
	}
	if loser.MergedInto != winnerID {
		t.Fatalf("loser should point at winner, got %s", loser.MergedInto)
	}

	winner, _ := st.Get(winnerID)
	if len(winner.MemberAlertIDs) != 2 {
		t.Fatalf("winner should own both alerts, got %v", winner.MemberAlertIDs)
	}
	if len(winner.Lineage) != 1 || winner.Lineage[0] != loserID {
		t.Fatalf("winner lineage = %v", winner.Lineage)
	}
	if owner, _ := st.OwnerOf("a2"); owner != winnerID {
		t.Fatalf("alert a2 owner = %s, want winner", owner)
	}
	// Loser's service folds into cascading, never a second root.
	found := false
	for _, svc := range winner.CascadingServices {
		if svc == "cache" {
			found = true
		}
	}
	if !found {
		t.Fatalf("loser root should appear in winner cascading set: %v", winner.CascadingServices)
	}

	// Terminal incidents reject further merges silently (no-op).
	if err := agg.ApplyMerge(winnerID, loserID, "again"); err != nil {
		t.Fatalf("re-merge of terminal loser should be a no-op, got %v", err)
	}
}

func TestResolveIsTerminal(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	agg, st := newTestAggregator(t, nil)

	id, _ := agg.Apply(groupOf("db", 0.9, alertAt("a1", "db", base)))
	if err := agg.Resolve(id); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if inc, _ := st.Get(id); inc.Status != models.IncidentResolved {
		t.Fatalf("status = %s, want RESOLVED", inc.Status)
	}
	if err := agg.Resolve(id); err == nil {
		t.Fatalf("second resolve should be rejected")
	}

	if err := agg.Resolve("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("resolve of unknown id: %v", err)
	}
}

func TestSummaryFailureLeavesIncidentComplete(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	summarizer := &fakeSummarizer{err: errors.New("llm down"), done: make(chan struct{})}
	agg, st := newTestAggregator(t, summarizer)

	id, err := agg.Apply(groupOf("db", 0.9, alertAt("a1", "db", base)))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	select {
	case <-summarizer.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("summarizer was never invoked")
	}
	time.Sleep(20 * time.Millisecond)

	inc, _ := st.Get(id)
	if inc.Title != "" || inc.Summary != "" {
		t.Fatalf("failed summary must leave title/summary empty")
	}
	if inc.RootCauseService != "db" || inc.Reasoning == "" || inc.Status != models.IncidentOpen {
		t.Fatalf("derived fields must survive summarizer failure: %+v", inc)
	}
}

func TestSummarySuccessAttachesTitle(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	summarizer := &fakeSummarizer{title: "Database outage", summary: "db is down", done: make(chan struct{})}
	agg, st := newTestAggregator(t, summarizer)

	id, _ := agg.Apply(groupOf("db", 0.9, alertAt("a1", "db", base)))

	select {
	case <-summarizer.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("summarizer was never invoked")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if inc, _ := st.Get(id); inc.Title == "Database outage" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("summary never attached")
}

func TestLateSummaryDiscardedAfterResolve(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	summarizer := &fakeSummarizer{
		title: "Database outage",
		block: make(chan struct{}),
		done:  make(chan struct{}),
	}
	agg, st := newTestAggregator(t, summarizer)

	id, _ := agg.Apply(groupOf("db", 0.9, alertAt("a1", "db", base)))

	if err := agg.Resolve(id); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	close(summarizer.block)

	select {
	case <-summarizer.done:
	case <-time.After(2 * time.Second):
		// Cancelled before producing a result; equally fine.
	}
	time.Sleep(20 * time.Millisecond)

	inc, _ := st.Get(id)
	if inc.Title != "" {
		t.Fatalf("late summary must be discarded on terminal incident")
	}
	if inc.Status != models.IncidentResolved {
		t.Fatalf("status = %s, want RESOLVED", inc.Status)
	}
}

func TestSemanticCandidatesFilterByWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	agg, _ := newTestAggregator(t, nil)

	agg.Apply(groupOf("db", 0.9, alertAt("a1", "db", base)))
	agg.Apply(groupOf("cache", 0.4, alertAt("a2", "cache", base.Add(time.Minute))))

	candidates := agg.SemanticCandidates(base.Add(2*time.Minute), 8*time.Minute)
	if len(candidates) != 2 {
		t.Fatalf("expected both live incidents as candidates, got %d", len(candidates))
	}
	for _, c := range candidates {
		if c.Text == "" {
			t.Fatalf("candidate missing representative text")
		}
	}

	candidates = agg.SemanticCandidates(base.Add(time.Hour), 8*time.Minute)
	if len(candidates) != 0 {
		t.Fatalf("stale incidents beyond the window should not be candidates, got %d", len(candidates))
	}
}
