package engine

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"
)

// Embedder is the LLM collaborator surface used for semantic correlation.
// Implementations may cache; they must honour the context deadline.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// SemanticCandidate is one incident eligible for the cross-cluster merge
// pass: its id, the representative root-cause alert message, the topology
// confidence, and the last alert time for window checks.
type SemanticCandidate struct {
	IncidentID  string
	Text        string
	Confidence  float64
	LastAlertAt time.Time
}

// MergeDecision unifies two incidents that describe the same issue.
type MergeDecision struct {
	WinnerID   string
	LoserID    string
	Similarity float64
}

// SemanticCorrelator merges topologically-unrelated incidents whose alert
// text is near-identical in embedding space. This is the only layer allowed
// to produce false merges; it fails open when the collaborator is down.
type SemanticCorrelator struct {
	embedder Embedder
	logger   *slog.Logger
}

// NewSemanticCorrelator constructs a SemanticCorrelator. A nil embedder
// disables the pass entirely.
func NewSemanticCorrelator(embedder Embedder, logger *slog.Logger) *SemanticCorrelator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SemanticCorrelator{embedder: embedder, logger: logger}
}

// Sweep evaluates all candidate pairs within the semantic window and
// returns merge decisions. Any embedding failure skips the whole pass;
// incidents simply stay separate until the collaborator recovers.
func (s *SemanticCorrelator) Sweep(ctx context.Context, candidates []SemanticCandidate, threshold float64, window time.Duration) []MergeDecision {
	if s.embedder == nil || len(candidates) < 2 {
		return nil
	}

	sorted := append([]SemanticCandidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].IncidentID < sorted[j].IncidentID })

	vectors := make([][]float64, len(sorted))
	for i, cand := range sorted {
		vec, err := s.embedder.Embed(ctx, cand.Text)
		if err != nil {
			s.logger.Warn("embedding unavailable, skipping semantic pass",
				slog.String("incident_id", cand.IncidentID), slog.Any("error", err))
			return nil
		}
		vectors[i] = vec
	}

	// alias tracks merges decided within this sweep so chains collapse
	// onto a single surviving incident.
	alias := make(map[string]string)
	resolve := func(id string) string {
		for {
			next, ok := alias[id]
			if !ok {
				return id
			}
			id = next
		}
	}

	var decisions []MergeDecision
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			a, b := sorted[i], sorted[j]
			sep := a.LastAlertAt.Sub(b.LastAlertAt)
			if sep < 0 {
				sep = -sep
			}
			if sep > window {
				continue
			}
			sim := cosineSimilarity(vectors[i], vectors[j])
			if sim < threshold {
				continue
			}

			winner, loser := pickSurvivor(a, b)
			winnerID, loserID := resolve(winner.IncidentID), resolve(loser.IncidentID)
			if winnerID == loserID {
				continue
			}
			alias[loserID] = winnerID
			decisions = append(decisions, MergeDecision{
				WinnerID:   winnerID,
				LoserID:    loserID,
				Similarity: sim,
			})
		}
	}
	return decisions
}

// pickSurvivor keeps the group with higher topology confidence; ties fall
// back to the earlier incident, then lexical id order, for determinism.
func pickSurvivor(a, b SemanticCandidate) (SemanticCandidate, SemanticCandidate) {
	switch {
	case a.Confidence > b.Confidence:
		return a, b
	case b.Confidence > a.Confidence:
		return b, a
	case a.LastAlertAt.Before(b.LastAlertAt):
		return a, b
	case b.LastAlertAt.Before(a.LastAlertAt):
		return b, a
	case a.IncidentID < b.IncidentID:
		return a, b
	default:
		return b, a
	}
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
