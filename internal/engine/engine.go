// Package engine implements the three-layer correlation core: temporal
// clustering, topology-based root-cause attribution, and semantic merging,
// combined by the incident aggregator. Each tenant's state is owned by a
// single sequential worker; tenants run fully in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsignal/correlate/internal/config"
	"github.com/opsignal/correlate/internal/graph"
	"github.com/opsignal/correlate/internal/metrics"
	"github.com/opsignal/correlate/internal/models"
	"github.com/opsignal/correlate/internal/store"
	"github.com/opsignal/correlate/internal/utils"
)

// ErrNotFound is returned for unknown tenants or incident ids.
var ErrNotFound = store.ErrNotFound

// Engine routes alerts to per-tenant workers and exposes the incident
// query surface.
type Engine struct {
	cfg        *config.Config
	graphs     *graph.Cache
	embedder   Embedder
	summarizer Summarizer
	logger     *slog.Logger
	latency    *utils.LatencyTracker

	mu      sync.RWMutex
	workers map[string]*tenantWorker

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewEngine constructs the engine. embedder and summarizer may be nil;
// the corresponding enrichment layers then fail open.
func NewEngine(cfg *config.Config, graphs *graph.Cache, embedder Embedder, summarizer Summarizer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg,
		graphs:     graphs,
		embedder:   embedder,
		summarizer: summarizer,
		logger:     logger,
		latency:    utils.NewLatencyTracker(2048),
		workers:    make(map[string]*tenantWorker),
	}
}

// Start launches the graph refresher and begins accepting alerts. Workers
// spawn lazily on the first alert for a tenant.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.started = true

	if e.graphs != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.graphs.Run(e.runCtx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reportLatency(e.runCtx)
	}()
}

// reportLatency logs the rolling per-alert processing percentile on an
// interval while alerts are flowing.
func (e *Engine) reportLatency(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.latency.Count() == 0 {
				continue
			}
			e.logger.Info("alert processing latency",
				slog.Duration("p95", e.latency.Percentile(95)),
				slog.Int("samples", e.latency.Count()))
		}
	}
}

// Shutdown stops accepting work and waits for workers to drain, bounded by
// the context deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.cancel()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

// Ingest accepts one normalized alert and routes it to its tenant worker.
// Rejections are counted and reported in the ack, never fatal.
func (e *Engine) Ingest(alert models.AlertEvent) models.IngestAck {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if err := validateAlert(alert); err != nil {
		metrics.AlertOutcome(metrics.AlertMalformed)
		return models.IngestAck{AlertID: alert.ID, Accepted: false, Reason: err.Error()}
	}

	worker, err := e.workerFor(alert.TenantID)
	if err != nil {
		return models.IngestAck{AlertID: alert.ID, Accepted: false, Reason: err.Error()}
	}

	if err := worker.enqueueAlert(alert); err != nil {
		if errors.Is(err, ErrQueueFull) {
			metrics.AlertOutcome(metrics.AlertShed)
			e.logger.Warn("alert shed on queue overflow",
				slog.String("tenant_id", alert.TenantID),
				slog.String("severity", string(alert.Severity)))
		}
		return models.IngestAck{AlertID: alert.ID, Accepted: false, Reason: err.Error()}
	}
	return models.IngestAck{AlertID: alert.ID, Accepted: true}
}

// ListIncidents returns incident clones for a tenant.
func (e *Engine) ListIncidents(req models.ListIncidentsRequest) []*models.Incident {
	worker := e.lookupWorker(req.TenantID)
	if worker == nil {
		return nil
	}
	return worker.store.List(req)
}

// GetIncident returns one incident with its reasoning and merge lineage.
func (e *Engine) GetIncident(tenantID, incidentID string) (*models.Incident, error) {
	worker := e.lookupWorker(tenantID)
	if worker == nil {
		return nil, ErrNotFound
	}
	inc, ok := worker.store.Get(incidentID)
	if !ok {
		return nil, ErrNotFound
	}
	return inc, nil
}

// ResolveIncident routes the external acknowledgment through the tenant
// worker to keep mutations in arrival order.
func (e *Engine) ResolveIncident(tenantID, incidentID string) error {
	worker := e.lookupWorker(tenantID)
	if worker == nil {
		return ErrNotFound
	}
	if _, ok := worker.store.Get(incidentID); !ok {
		return ErrNotFound
	}
	return worker.enqueueResolve(incidentID)
}

// LatencyP95 reports the rolling p95 per-alert processing latency.
func (e *Engine) LatencyP95() time.Duration {
	return e.latency.Percentile(95)
}

func (e *Engine) lookupWorker(tenantID string) *tenantWorker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.workers[tenantID]
}

// workerFor returns the tenant's worker, creating and starting it on first
// use. The worker inherits the engine run context.
func (e *Engine) workerFor(tenantID string) (*tenantWorker, error) {
	if w := e.lookupWorker(tenantID); w != nil {
		return w, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if w, ok := e.workers[tenantID]; ok {
		return w, nil
	}
	if !e.started || e.runCtx.Err() != nil {
		return nil, fmt.Errorf("engine not accepting alerts")
	}

	tuning := e.cfg.TuningFor(tenantID)
	w := newTenantWorker(tenantID, tuning, e.cfg.Correlation, e.graphs, e.embedder, e.summarizer, e.latency, e.logger)
	e.workers[tenantID] = w
	if e.graphs != nil {
		e.graphs.Track(tenantID)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		w.run(e.runCtx)
	}()
	e.logger.Info("tenant worker started",
		slog.String("tenant_id", tenantID),
		slog.Duration("window", tuning.Window),
		slog.Int("queue_capacity", tuning.QueueCapacity))
	return w, nil
}

func validateAlert(alert models.AlertEvent) error {
	if alert.TenantID == "" {
		return fmt.Errorf("%w: tenant_id required", ErrMalformedAlert)
	}
	if alert.ServiceID == "" {
		return fmt.Errorf("%w: service_id required", ErrMalformedAlert)
	}
	if alert.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp required", ErrMalformedAlert)
	}
	if !alert.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrMalformedAlert, alert.Severity)
	}
	return nil
}
