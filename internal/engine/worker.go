package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/opsignal/correlate/internal/config"
	"github.com/opsignal/correlate/internal/graph"
	"github.com/opsignal/correlate/internal/metrics"
	"github.com/opsignal/correlate/internal/models"
	"github.com/opsignal/correlate/internal/store"
	"github.com/opsignal/correlate/internal/utils"
)

// criticalEnqueueGrace is the short blocking window granted to a critical
// alert when the tenant inbox is full before it too is shed.
const criticalEnqueueGrace = 50 * time.Millisecond

// semanticPassTimeout bounds the embedding I/O of one semantic sweep so a
// slow collaborator cannot stall alert processing indefinitely.
const semanticPassTimeout = 20 * time.Second

// message is one unit of work on a tenant worker's inbox. Exactly one of
// the fields is set.
type message struct {
	alert   *models.AlertEvent
	resolve string
}

// tenantWorker owns all mutable correlation state for one tenant and
// processes its inbox strictly in acceptance order. Alerts for different
// tenants never share a worker.
type tenantWorker struct {
	tenantID string
	tuning   config.Tuning
	cadence  config.CorrelationConfig

	inbox chan message
	done  chan struct{}

	temporal *TemporalCorrelator
	topology *TopologyCorrelator
	semantic *SemanticCorrelator
	agg      *Aggregator
	store    *store.Store
	graphs   *graph.Cache

	logger  *slog.Logger
	latency *utils.LatencyTracker
	clock   func() time.Time
}

func newTenantWorker(
	tenantID string,
	tuning config.Tuning,
	cadence config.CorrelationConfig,
	graphs *graph.Cache,
	embedder Embedder,
	summarizer Summarizer,
	latency *utils.LatencyTracker,
	logger *slog.Logger,
) *tenantWorker {
	st := store.New(tenantID)
	return &tenantWorker{
		tenantID: tenantID,
		tuning:   tuning,
		cadence:  cadence,
		inbox:    make(chan message, tuning.QueueCapacity),
		done:     make(chan struct{}),
		temporal: NewTemporalCorrelator(tenantID, tuning.Window),
		topology: NewTopologyCorrelator(logger),
		semantic: NewSemanticCorrelator(embedder, logger),
		agg:      NewAggregator(tenantID, st, summarizer, tuning.DecayInterval, 15*time.Second, logger),
		store:    st,
		graphs:   graphs,
		logger:   logger.With(slog.String("tenant_id", tenantID)),
		latency:  latency,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// enqueueAlert offers an alert to the inbox without blocking upstream
// ingestion. On overflow, low-severity alerts are shed immediately;
// critical alerts get one short timed attempt.
func (w *tenantWorker) enqueueAlert(alert models.AlertEvent) error {
	msg := message{alert: &alert}
	select {
	case w.inbox <- msg:
		return nil
	default:
	}

	if alert.Severity == models.SeverityCritical {
		timer := time.NewTimer(criticalEnqueueGrace)
		defer timer.Stop()
		select {
		case w.inbox <- msg:
			return nil
		case <-timer.C:
		}
	}
	return ErrQueueFull
}

// enqueueResolve routes an external acknowledgment through the inbox so
// incident mutations keep alert-arrival ordering.
func (w *tenantWorker) enqueueResolve(incidentID string) error {
	select {
	case w.inbox <- message{resolve: incidentID}:
		return nil
	default:
		return ErrQueueFull
	}
}

// run is the worker loop: inbox messages, plus sweep/semantic/decay ticks.
// All correlation state is touched only here.
func (w *tenantWorker) run(ctx context.Context) {
	defer close(w.done)

	sweep := time.NewTicker(w.cadence.SweepInterval)
	defer sweep.Stop()
	semantic := time.NewTicker(w.cadence.SemanticInterval)
	defer semantic.Stop()
	decay := time.NewTicker(w.cadence.DecayInterval)
	defer decay.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case msg := <-w.inbox:
			w.handle(msg)
		case <-sweep.C:
			w.sweep(w.clock())
		case <-semantic.C:
			w.semanticSweep(ctx, w.clock())
		case <-decay.C:
			if err := w.agg.Decay(w.clock()); err != nil {
				w.logger.Error("decay pass failed", slog.Any("error", err))
			}
		}
	}
}

// drain processes whatever is already queued, then closes every remaining
// open cluster so accepted alerts still become incidents on shutdown.
func (w *tenantWorker) drain() {
	for {
		select {
		case msg := <-w.inbox:
			w.handle(msg)
		default:
			now := w.clock()
			w.flushClusters(w.temporal.Sweep(now.Add(10 * w.tuning.Window)))
			return
		}
	}
}

func (w *tenantWorker) handle(msg message) {
	switch {
	case msg.alert != nil:
		w.handleAlert(*msg.alert)
	case msg.resolve != "":
		if err := w.agg.Resolve(msg.resolve); err != nil {
			w.logger.Warn("resolve rejected",
				slog.String("incident_id", msg.resolve), slog.Any("error", err))
		}
	}
}

func (w *tenantWorker) handleAlert(alert models.AlertEvent) {
	start := time.Now()
	_, err := w.temporal.Ingest(alert, w.clock())
	switch {
	case errors.Is(err, ErrDuplicateAlert):
		metrics.AlertOutcome(metrics.AlertDuplicate)
		return
	case err != nil:
		w.logger.Error("ingest failed", slog.String("alert_id", alert.ID), slog.Any("error", err))
		return
	}
	metrics.AlertOutcome(metrics.AlertAccepted)
	metrics.SetOpenClusters(w.tenantID, w.temporal.OpenClusters())
	w.latency.Observe(time.Since(start))
}

// sweep closes aged clusters and runs the deterministic topology and
// aggregation passes on each.
func (w *tenantWorker) sweep(now time.Time) {
	closed := w.temporal.Sweep(now)
	if len(closed) == 0 {
		return
	}
	w.flushClusters(closed)
	metrics.SetOpenClusters(w.tenantID, w.temporal.OpenClusters())
}

func (w *tenantWorker) flushClusters(closed []*models.TemporalCluster) {
	for _, cluster := range closed {
		snap, ok := w.graphs.Get(w.tenantID)
		var g *graph.DependencyGraph
		if ok {
			g = snap.Graph
		} else {
			w.logger.Warn("no dependency graph snapshot, degrading confidence",
				slog.String("cluster_id", cluster.ID), slog.Any("error", ErrGraphUnavailable))
		}

		start := time.Now()
		groups := w.topology.Partition(cluster, g, w.clock())
		metrics.ObservePartition(time.Since(start))

		for _, group := range groups {
			incidentID, err := w.agg.Apply(group)
			if err != nil {
				w.logger.Error("aggregation failed",
					slog.String("group_id", group.ID), slog.Any("error", err))
				continue
			}
			w.logger.Debug("group applied",
				slog.String("incident_id", incidentID),
				slog.String("root", group.RootCandidateService),
				slog.Int("blast_radius", group.BlastRadius()))
		}
	}
}

// semanticSweep runs the probabilistic cross-cluster merge pass. Embedding
// I/O happens here on the worker, bounded by a timeout; the pass is skipped
// entirely when the collaborator is unavailable.
func (w *tenantWorker) semanticSweep(ctx context.Context, now time.Time) {
	candidates := w.agg.SemanticCandidates(now, w.tuning.SemanticWindow)
	if len(candidates) < 2 {
		return
	}

	passCtx, cancel := context.WithTimeout(ctx, semanticPassTimeout)
	defer cancel()
	decisions := w.semantic.Sweep(passCtx, candidates, w.tuning.SimilarityThreshold, w.tuning.SemanticWindow)

	for _, d := range decisions {
		if err := w.agg.ApplyMerge(d.WinnerID, d.LoserID, "semantic similarity"); err != nil {
			w.logger.Warn("semantic merge failed",
				slog.String("winner", d.WinnerID), slog.String("loser", d.LoserID),
				slog.Any("error", err))
			continue
		}
		metrics.SemanticMerge()
		w.logger.Info("incidents merged semantically",
			slog.String("winner", d.WinnerID), slog.String("loser", d.LoserID),
			slog.Float64("similarity", d.Similarity))
	}
}
