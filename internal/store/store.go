// Package store holds one tenant's incident records. Each store has exactly
// one logical writer (the tenant worker); the query surface reads clones
// concurrently. A second in-flight mutation is a programming-invariant
// violation surfaced as ErrConflict.
package store

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/opsignal/correlate/internal/models"
)

// ErrConflict reports two concurrent mutators touching the tenant's state.
var ErrConflict = errors.New("concurrent store mutation")

// ErrNotFound reports a missing incident id.
var ErrNotFound = errors.New("incident not found")

// Store is the per-tenant incident repository.
type Store struct {
	tenantID string

	mu         sync.RWMutex
	incidents  map[string]*models.Incident
	alertOwner map[string]string

	writing atomic.Bool
}

// New constructs an empty store for a tenant.
func New(tenantID string) *Store {
	return &Store{
		tenantID:   tenantID,
		incidents:  make(map[string]*models.Incident),
		alertOwner: make(map[string]string),
	}
}

// Tx gives a mutator scoped access to live records. Valid only inside the
// Mutate callback.
type Tx struct {
	s *Store
}

// Mutate runs fn under the write lock. It fails with ErrConflict when
// another mutation is already in flight, which the single-writer design
// should make impossible; callers log and retry once.
func (s *Store) Mutate(fn func(tx *Tx) error) error {
	if !s.writing.CompareAndSwap(false, true) {
		return ErrConflict
	}
	defer s.writing.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Tx{s: s})
}

// Put inserts a new incident record.
func (tx *Tx) Put(inc *models.Incident) {
	tx.s.incidents[inc.ID] = inc
}

// Incident returns the live record for in-place mutation.
func (tx *Tx) Incident(id string) (*models.Incident, bool) {
	inc, ok := tx.s.incidents[id]
	return inc, ok
}

// Owner returns the non-MERGED incident currently holding an alert.
func (tx *Tx) Owner(alertID string) (string, bool) {
	id, ok := tx.s.alertOwner[alertID]
	return id, ok
}

// Claim assigns an alert to an incident, moving it from any prior owner.
// An alert belongs to exactly one non-MERGED incident at a time.
func (tx *Tx) Claim(alertID, incidentID string) {
	tx.s.alertOwner[alertID] = incidentID
}

// NonTerminal returns live pointers to every OPEN or STALE incident.
func (tx *Tx) NonTerminal() []*models.Incident {
	result := make([]*models.Incident, 0, len(tx.s.incidents))
	for _, inc := range tx.s.incidents {
		if !inc.Status.Terminal() {
			result = append(result, inc)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Get returns a clone safe for concurrent readers.
func (s *Store) Get(id string) (*models.Incident, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false
	}
	return inc.Clone(), true
}

// OwnerOf returns the incident currently owning an alert id.
func (s *Store) OwnerOf(alertID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.alertOwner[alertID]
	return id, ok
}

// List returns incident clones matching the request, newest first.
func (s *Store) List(req models.ListIncidentsRequest) []*models.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wantStatus := make(map[models.IncidentStatus]struct{}, len(req.Statuses))
	for _, st := range req.Statuses {
		wantStatus[st] = struct{}{}
	}

	result := make([]*models.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if len(wantStatus) > 0 {
			if _, ok := wantStatus[inc.Status]; !ok {
				continue
			}
		}
		if !req.Since.IsZero() && inc.UpdatedAt.Before(req.Since) {
			continue
		}
		result = append(result, inc.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if req.Limit > 0 && len(result) > req.Limit {
		result = result[:req.Limit]
	}
	return result
}

// Count returns the number of stored incidents.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.incidents)
}
