package store

import (
	"errors"
	"testing"
	"time"

	"github.com/opsignal/correlate/internal/models"
)

func seedIncident(t *testing.T, s *Store, id string, status models.IncidentStatus, createdAt time.Time) {
	t.Helper()
	err := s.Mutate(func(tx *Tx) error {
		tx.Put(&models.Incident{
			ID:        id,
			TenantID:  "tenant-a",
			Status:    status,
			CreatedAt: createdAt,
			UpdatedAt: createdAt,
		})
		return nil
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestGetReturnsClones(t *testing.T) {
	s := New("tenant-a")
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedIncident(t, s, "inc-1", models.IncidentOpen, now)

	first, ok := s.Get("inc-1")
	if !ok {
		t.Fatalf("incident missing")
	}
	first.Status = models.IncidentResolved
	first.MemberServices = append(first.MemberServices, "intruder")

	second, _ := s.Get("inc-1")
	if second.Status != models.IncidentOpen || len(second.MemberServices) != 0 {
		t.Fatalf("reader mutation leaked into the store: %+v", second)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	s := New("tenant-a")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedIncident(t, s, "inc-1", models.IncidentOpen, base)
	seedIncident(t, s, "inc-2", models.IncidentStale, base.Add(time.Minute))
	seedIncident(t, s, "inc-3", models.IncidentResolved, base.Add(2*time.Minute))

	all := s.List(models.ListIncidentsRequest{TenantID: "tenant-a"})
	if len(all) != 3 {
		t.Fatalf("expected 3 incidents, got %d", len(all))
	}
	if all[0].ID != "inc-3" {
		t.Fatalf("newest first ordering violated: %s", all[0].ID)
	}

	live := s.List(models.ListIncidentsRequest{
		TenantID: "tenant-a",
		Statuses: []models.IncidentStatus{models.IncidentOpen, models.IncidentStale},
	})
	if len(live) != 2 {
		t.Fatalf("status filter returned %d", len(live))
	}

	recent := s.List(models.ListIncidentsRequest{
		TenantID: "tenant-a",
		Since:    base.Add(90 * time.Second),
	})
	if len(recent) != 1 || recent[0].ID != "inc-3" {
		t.Fatalf("since filter wrong: %+v", recent)
	}

	limited := s.List(models.ListIncidentsRequest{TenantID: "tenant-a", Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d", len(limited))
	}
}

func TestClaimMovesAlertOwnership(t *testing.T) {
	s := New("tenant-a")
	err := s.Mutate(func(tx *Tx) error {
		tx.Claim("alert-1", "inc-1")
		tx.Claim("alert-1", "inc-2")
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	owner, ok := s.OwnerOf("alert-1")
	if !ok || owner != "inc-2" {
		t.Fatalf("owner = %s, want inc-2", owner)
	}
}

func TestMutateDetectsReentrantWriter(t *testing.T) {
	s := New("tenant-a")
	err := s.Mutate(func(tx *Tx) error {
		// A nested mutation models the two-writer bug the CAS guards.
		if nested := s.Mutate(func(*Tx) error { return nil }); !errors.Is(nested, ErrConflict) {
			t.Fatalf("nested mutation should conflict, got %v", nested)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer mutation failed: %v", err)
	}
}

func TestNonTerminalIsSortedAndFiltered(t *testing.T) {
	s := New("tenant-a")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedIncident(t, s, "inc-b", models.IncidentOpen, base)
	seedIncident(t, s, "inc-a", models.IncidentStale, base)
	seedIncident(t, s, "inc-c", models.IncidentMerged, base)

	err := s.Mutate(func(tx *Tx) error {
		live := tx.NonTerminal()
		if len(live) != 2 {
			t.Fatalf("expected 2 non-terminal incidents, got %d", len(live))
		}
		if live[0].ID != "inc-a" || live[1].ID != "inc-b" {
			t.Fatalf("non-terminal ordering wrong: %s, %s", live[0].ID, live[1].ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
}
