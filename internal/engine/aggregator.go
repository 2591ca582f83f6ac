package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsignal/correlate/internal/metrics"
	"github.com/opsignal/correlate/internal/models"
	"github.com/opsignal/correlate/internal/store"
)

// Summarizer is the LLM collaborator surface for incident titles and
// summaries. Best-effort: failures never block incident creation.
type Summarizer interface {
	Summarize(ctx context.Context, reasoning string) (title, summary string, err error)
}

// Aggregator owns one tenant's incident state machine. It consumes
// RootCauseGroups from the topology pass and merge decisions from the
// semantic pass, and derives every incident field deterministically before
// any LLM involvement.
type Aggregator struct {
	tenantID       string
	store          *store.Store
	summarizer     Summarizer
	logger         *slog.Logger
	clock          func() time.Time
	summaryTimeout time.Duration
	decayInterval  time.Duration

	// cancels tracks in-flight summary requests so terminal transitions
	// can abandon them; guarded separately because summary goroutines
	// deregister themselves.
	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	// repText keeps the representative root-cause alert message per
	// incident for the semantic pass.
	repText map[string]string
}

// NewAggregator constructs an aggregator over the tenant's store.
func NewAggregator(tenantID string, st *store.Store, summarizer Summarizer, decayInterval, summaryTimeout time.Duration, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if decayInterval <= 0 {
		decayInterval = 10 * time.Minute
	}
	if summaryTimeout <= 0 {
		summaryTimeout = 15 * time.Second
	}
	return &Aggregator{
		tenantID:       tenantID,
		store:          st,
		summarizer:     summarizer,
		logger:         logger,
		clock:          func() time.Time { return time.Now().UTC() },
		summaryTimeout: summaryTimeout,
		decayInterval:  decayInterval,
		cancels:        make(map[string]context.CancelFunc),
		repText:        make(map[string]string),
	}
}

// SetClock overrides the time source, used by tests.
func (a *Aggregator) SetClock(clock func() time.Time) {
	a.clock = clock
}

// Apply folds a RootCauseGroup into the incident set: appending to a
// matching live incident, unifying incidents the group newly links, or
// creating a fresh one.
func (a *Aggregator) Apply(group models.RootCauseGroup) (incidentID string, err error) {
	created := false
	err = a.mutateWithRetry(func(tx *store.Tx) error {
		matches := a.matchIncidents(tx, group)

		if len(matches) == 0 {
			inc := a.newIncident(tx, group)
			incidentID = inc.ID
			created = true
			metrics.IncidentEvent(metrics.IncidentCreated)
			return nil
		}

		target := matches[0]
		// Later-arriving topology links: the group spans several live
		// incidents, so they are one failure and must be unified.
		for _, other := range matches[1:] {
			a.mergeLocked(tx, target, other, "linked by shared topology component")
		}

		a.appendGroupLocked(tx, target, group)
		incidentID = target.ID
		metrics.IncidentEvent(metrics.IncidentUpdated)
		return nil
	})
	if err != nil {
		return "", err
	}

	if created {
		if inc, ok := a.store.Get(incidentID); ok {
			a.scheduleSummary(incidentID, inc.Reasoning)
		}
	}
	return incidentID, nil
}

// ApplyMerge unifies two incidents following a semantic decision.
func (a *Aggregator) ApplyMerge(winnerID, loserID string, note string) error {
	return a.mutateWithRetry(func(tx *store.Tx) error {
		winner, ok := tx.Incident(winnerID)
		if !ok {
			return fmt.Errorf("merge winner %s: %w", winnerID, store.ErrNotFound)
		}
		loser, ok := tx.Incident(loserID)
		if !ok {
			return fmt.Errorf("merge loser %s: %w", loserID, store.ErrNotFound)
		}
		if winner.Status.Terminal() || loser.Status.Terminal() {
			return nil
		}
		a.mergeLocked(tx, winner, loser, note)
		return nil
	})
}

// Decay moves OPEN incidents with no recent member alerts to STALE.
func (a *Aggregator) Decay(now time.Time) error {
	return a.mutateWithRetry(func(tx *store.Tx) error {
		for _, inc := range tx.NonTerminal() {
			if inc.Status != models.IncidentOpen {
				continue
			}
			if now.Sub(inc.LastAlertAt) > a.decayInterval {
				inc.Status = models.IncidentStale
				inc.UpdatedAt = now
				metrics.IncidentEvent(metrics.IncidentStale)
			}
		}
		return nil
	})
}

// Resolve applies the external acknowledgment signal. Terminal incidents
// reject further transitions.
func (a *Aggregator) Resolve(incidentID string) error {
	err := a.mutateWithRetry(func(tx *store.Tx) error {
		inc, ok := tx.Incident(incidentID)
		if !ok {
			return store.ErrNotFound
		}
		if inc.Status.Terminal() {
			return fmt.Errorf("incident %s already %s", incidentID, inc.Status)
		}
		inc.Status = models.IncidentResolved
		inc.UpdatedAt = a.clock()
		metrics.IncidentEvent(metrics.IncidentResolved)
		return nil
	})
	if err != nil {
		return err
	}
	a.cancelSummary(incidentID)
	return nil
}

// SemanticCandidates lists live incidents eligible for the semantic pass.
func (a *Aggregator) SemanticCandidates(now time.Time, window time.Duration) []SemanticCandidate {
	live := a.store.List(models.ListIncidentsRequest{
		TenantID: a.tenantID,
		Statuses: []models.IncidentStatus{models.IncidentOpen, models.IncidentStale},
	})
	candidates := make([]SemanticCandidate, 0, len(live))
	for _, inc := range live {
		if now.Sub(inc.LastAlertAt) > window {
			continue
		}
		text := a.representativeText(inc.ID)
		if text == "" {
			continue
		}
		candidates = append(candidates, SemanticCandidate{
			IncidentID:  inc.ID,
			Text:        text,
			Confidence:  inc.Confidence,
			LastAlertAt: inc.LastAlertAt,
		})
	}
	return candidates
}

// mutateWithRetry retries a detected state conflict once; the single-writer
// design makes conflicts a programming error worth loud logging.
func (a *Aggregator) mutateWithRetry(fn func(tx *store.Tx) error) error {
	err := a.store.Mutate(fn)
	if errors.Is(err, store.ErrConflict) {
		a.logger.Error("state conflict detected, retrying once",
			slog.String("tenant_id", a.tenantID), slog.Any("error", ErrStateConflict))
		time.Sleep(time.Millisecond)
		err = a.store.Mutate(fn)
	}
	return err
}

// matchIncidents returns live incidents the group belongs to: shared alert
// ownership or an identical root candidate. Result is confidence-ordered.
func (a *Aggregator) matchIncidents(tx *store.Tx, group models.RootCauseGroup) []*models.Incident {
	matched := make(map[string]*models.Incident)
	for _, alert := range group.Alerts {
		if ownerID, ok := tx.Owner(alert.ID); ok {
			if inc, live := tx.Incident(ownerID); live && !inc.Status.Terminal() {
				matched[inc.ID] = inc
			}
		}
	}
	for _, inc := range tx.NonTerminal() {
		if inc.RootCauseService == group.RootCandidateService {
			matched[inc.ID] = inc
		}
	}

	result := make([]*models.Incident, 0, len(matched))
	for _, inc := range matched {
		result = append(result, inc)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Confidence != result[j].Confidence {
			return result[i].Confidence > result[j].Confidence
		}
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (a *Aggregator) newIncident(tx *store.Tx, group models.RootCauseGroup) *models.Incident {
	now := a.clock()
	inc := &models.Incident{
		ID:               uuid.NewString(),
		TenantID:         group.TenantID,
		RootCauseService: group.RootCandidateService,
		RootCycle:        append([]string(nil), group.RootCycle...),
		Confidence:       group.Confidence,
		Reasoning:        group.Reasoning,
		Status:           models.IncidentOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	a.claimGroupAlerts(tx, inc, group)
	a.recomputeDerived(inc)
	tx.Put(inc)
	a.repText[inc.ID] = representativeMessage(group)
	return inc
}

// appendGroupLocked folds the group's alerts and services into an existing
// incident. Blast radius is a set-union size, so it never decreases.
func (a *Aggregator) appendGroupLocked(tx *store.Tx, inc *models.Incident, group models.RootCauseGroup) {
	now := a.clock()
	a.claimGroupAlerts(tx, inc, group)

	// A stronger topology read re-roots the incident.
	if group.Confidence > inc.Confidence {
		inc.RootCauseService = group.RootCandidateService
		inc.RootCycle = append([]string(nil), group.RootCycle...)
		inc.Confidence = group.Confidence
		inc.Reasoning = group.Reasoning
		a.repText[inc.ID] = representativeMessage(group)
	}

	// New member alerts reopen a stale incident; terminal states never
	// reach this path.
	if inc.Status == models.IncidentStale {
		inc.Status = models.IncidentOpen
	}
	a.recomputeDerived(inc)
	inc.UpdatedAt = now
}

// claimGroupAlerts moves the group's alerts into the incident, skipping any
// alert a different live incident already owns.
func (a *Aggregator) claimGroupAlerts(tx *store.Tx, inc *models.Incident, group models.RootCauseGroup) {
	owned := make(map[string]struct{}, len(inc.MemberAlertIDs))
	for _, id := range inc.MemberAlertIDs {
		owned[id] = struct{}{}
	}
	memberSvcs := make(map[string]struct{}, len(inc.MemberServices))
	for _, s := range inc.MemberServices {
		memberSvcs[s] = struct{}{}
	}

	for _, alert := range group.Alerts {
		if _, dup := owned[alert.ID]; dup {
			continue
		}
		if ownerID, taken := tx.Owner(alert.ID); taken && ownerID != inc.ID {
			if other, live := tx.Incident(ownerID); live && !other.Status.Terminal() {
				continue
			}
		}
		owned[alert.ID] = struct{}{}
		inc.MemberAlertIDs = append(inc.MemberAlertIDs, alert.ID)
		tx.Claim(alert.ID, inc.ID)
		memberSvcs[alert.ServiceID] = struct{}{}
		if alert.Timestamp.After(inc.LastAlertAt) {
			inc.LastAlertAt = alert.Timestamp
		}
	}
	for _, svc := range group.MemberServices {
		memberSvcs[svc] = struct{}{}
	}

	inc.MemberServices = inc.MemberServices[:0]
	for svc := range memberSvcs {
		inc.MemberServices = append(inc.MemberServices, svc)
	}
	sort.Strings(inc.MemberServices)
}

// mergeLocked folds loser into winner and tombstones the loser. Called
// inside a store mutation.
func (a *Aggregator) mergeLocked(tx *store.Tx, winner, loser *models.Incident, note string) {
	now := a.clock()

	for _, alertID := range loser.MemberAlertIDs {
		winner.MemberAlertIDs = append(winner.MemberAlertIDs, alertID)
		tx.Claim(alertID, winner.ID)
	}
	winner.MemberAlertIDs = dedupeStrings(winner.MemberAlertIDs)

	// The loser's services fold into cascading regardless of connectivity.
	winner.MemberServices = dedupeStrings(append(winner.MemberServices, loser.MemberServices...))
	if loser.Confidence > winner.Confidence {
		winner.Confidence = loser.Confidence
	}
	if loser.LastAlertAt.After(winner.LastAlertAt) {
		winner.LastAlertAt = loser.LastAlertAt
	}
	winner.Lineage = dedupeStrings(append(append(winner.Lineage, loser.ID), loser.Lineage...))
	winner.Reasoning = fmt.Sprintf("%s; merged incident rooted at %s (%s)", winner.Reasoning, loser.RootCauseService, note)
	a.recomputeDerived(winner)
	winner.UpdatedAt = now

	loser.Status = models.IncidentMerged
	loser.MergedInto = winner.ID
	loser.UpdatedAt = now

	delete(a.repText, loser.ID)
	a.cancelSummary(loser.ID)
	metrics.IncidentEvent(metrics.IncidentMerged)
}

// recomputeDerived refreshes cascading services and blast radius from the
// member set. Root cause is always a member; cascading stays disjoint.
func (a *Aggregator) recomputeDerived(inc *models.Incident) {
	rootMembers := map[string]struct{}{inc.RootCauseService: {}}
	for _, svc := range inc.RootCycle {
		rootMembers[svc] = struct{}{}
	}

	hasRoot := false
	inc.CascadingServices = inc.CascadingServices[:0]
	for _, svc := range inc.MemberServices {
		if _, isRoot := rootMembers[svc]; isRoot {
			if svc == inc.RootCauseService {
				hasRoot = true
			}
			continue
		}
		inc.CascadingServices = append(inc.CascadingServices, svc)
	}
	if !hasRoot {
		inc.MemberServices = append(inc.MemberServices, inc.RootCauseService)
		sort.Strings(inc.MemberServices)
	}
	sort.Strings(inc.CascadingServices)
	inc.BlastRadius = len(inc.MemberServices)
}

// scheduleSummary requests a best-effort title/summary. The call is
// cancellable on terminal transitions and a late result is discarded.
func (a *Aggregator) scheduleSummary(incidentID, reasoning string) {
	if a.summarizer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.summaryTimeout)
	a.cancelMu.Lock()
	a.cancels[incidentID] = cancel
	a.cancelMu.Unlock()

	go func() {
		defer func() {
			a.cancelMu.Lock()
			delete(a.cancels, incidentID)
			a.cancelMu.Unlock()
			cancel()
		}()

		title, summary, err := a.summarizer.Summarize(ctx, reasoning)
		if err != nil {
			metrics.LLMRequest(metrics.LLMSummarize, metrics.OutcomeError)
			a.logger.Debug("summary unavailable",
				slog.String("incident_id", incidentID), slog.Any("error", err))
			return
		}
		metrics.LLMRequest(metrics.LLMSummarize, metrics.OutcomeSuccess)

		attachErr := a.mutateWithRetry(func(tx *store.Tx) error {
			inc, ok := tx.Incident(incidentID)
			if !ok {
				return nil
			}
			if inc.Status.Terminal() {
				// Late result after merge/resolve: discard.
				return nil
			}
			inc.Title = title
			inc.Summary = summary
			inc.UpdatedAt = a.clock()
			return nil
		})
		if attachErr != nil {
			a.logger.Warn("summary attach failed",
				slog.String("incident_id", incidentID), slog.Any("error", attachErr))
		}
	}()
}

func (a *Aggregator) cancelSummary(incidentID string) {
	a.cancelMu.Lock()
	cancel, ok := a.cancels[incidentID]
	delete(a.cancels, incidentID)
	a.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

// representativeText reads worker-owned state; only the tenant worker
// calls it.
func (a *Aggregator) representativeText(incidentID string) string {
	return a.repText[incidentID]
}

// representativeMessage picks the earliest alert message of the root
// candidate, falling back to the earliest alert overall.
func representativeMessage(group models.RootCauseGroup) string {
	var rootBest, anyBest models.AlertEvent
	for _, a := range group.Alerts {
		if anyBest.ID == "" || a.Timestamp.Before(anyBest.Timestamp) {
			anyBest = a
		}
		if a.ServiceID == group.RootCandidateService {
			if rootBest.ID == "" || a.Timestamp.Before(rootBest.Timestamp) {
				rootBest = a
			}
		}
	}
	if rootBest.ID != "" {
		return rootBest.Message
	}
	return anyBest.Message
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := values[:0]
	for _, v := range values {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	sort.Strings(result)
	return result
}
