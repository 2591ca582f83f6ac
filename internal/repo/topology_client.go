// Package repo holds clients for external data sources, currently the
// service-map builder that produces per-tenant dependency edges.
package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/opsignal/correlate/internal/cache"
	"github.com/opsignal/correlate/internal/models"
	"github.com/opsignal/correlate/internal/utils"
)

// TopologyClient fetches dependency edges from the service-map builder.
// Fetched edge sets are mirrored into the byte cache so a provider outage
// after a restart still yields a usable, if stale, graph.
type TopologyClient struct {
	baseURL          string
	dependenciesPath string
	httpClient       *http.Client
	snapshots        cache.Provider
	snapshotTTL      time.Duration
	maxRetries       int
	logger           *slog.Logger
}

// NewTopologyClient constructs a client targeting the configured builder.
// snapshots may be nil when caching is disabled.
func NewTopologyClient(baseURL, dependenciesPath string, timeout, snapshotTTL time.Duration, snapshots cache.Provider, logger *slog.Logger) *TopologyClient {
	if snapshots == nil {
		snapshots = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyClient{
		baseURL:          strings.TrimRight(baseURL, "/"),
		dependenciesPath: dependenciesPath,
		httpClient:       &http.Client{Timeout: timeout},
		snapshots:        snapshots,
		snapshotTTL:      snapshotTTL,
		maxRetries:       2,
		logger:           logger,
	}
}

// GetDependencies returns the tenant's current dependency edges. A provider
// failure falls back to the last cached snapshot before reporting an error.
func (c *TopologyClient) GetDependencies(ctx context.Context, tenantID string) ([]models.DependencyEdge, error) {
	if c == nil || c.baseURL == "" {
		return nil, utils.NewAppError("topology.dependencies", "provider not configured", nil)
	}

	edges, err := c.fetch(ctx, tenantID)
	if err == nil {
		c.storeSnapshot(ctx, tenantID, edges)
		return edges, nil
	}

	if cached, ok := c.cachedSnapshot(ctx, tenantID); ok {
		c.logger.Warn("topology fetch failed, using cached snapshot",
			slog.String("tenant_id", tenantID), slog.Any("error", err))
		return cached, nil
	}
	return nil, utils.NewAppError("topology.dependencies", "request failed and no snapshot available", err)
}

func (c *TopologyClient) fetch(ctx context.Context, tenantID string) ([]models.DependencyEdge, error) {
	payload := map[string]any{
		"tenant_id": tenantID,
	}

	var response struct {
		Edges []struct {
			Source string `json:"source"`
			Target string `json:"target"`
		} `json:"edges"`
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(1<<(attempt-1)) * 50 * time.Millisecond):
			}
		}

		lastErr = c.postJSON(ctx, c.dependenciesURL(), payload, &response)
		if lastErr == nil {
			edges := make([]models.DependencyEdge, 0, len(response.Edges))
			for _, e := range response.Edges {
				if e.Source == "" || e.Target == "" {
					continue
				}
				edges = append(edges, models.DependencyEdge{Source: e.Source, Target: e.Target})
			}
			return edges, nil
		}
		if !retryable(lastErr) {
			break
		}
	}
	return nil, lastErr
}

func (c *TopologyClient) storeSnapshot(ctx context.Context, tenantID string, edges []models.DependencyEdge) {
	data, err := json.Marshal(edges)
	if err != nil {
		return
	}
	if err := c.snapshots.Set(ctx, snapshotKey(tenantID), data, c.snapshotTTL); err != nil {
		c.logger.Debug("snapshot cache write failed",
			slog.String("tenant_id", tenantID), slog.Any("error", err))
	}
}

func (c *TopologyClient) cachedSnapshot(ctx context.Context, tenantID string) ([]models.DependencyEdge, bool) {
	data, err := c.snapshots.Get(ctx, snapshotKey(tenantID))
	if err != nil {
		return nil, false
	}
	var edges []models.DependencyEdge
	if err := json.Unmarshal(data, &edges); err != nil {
		return nil, false
	}
	return edges, true
}

func (c *TopologyClient) dependenciesURL() string {
	cleaned := "/" + strings.TrimLeft(c.dependenciesPath, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *TopologyClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service-map builder returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	// 5xx statuses surface as plain errors; retry those too.
	return strings.Contains(err.Error(), "returned 5")
}

func snapshotKey(tenantID string) string {
	return "correlate:topology:" + tenantID
}
