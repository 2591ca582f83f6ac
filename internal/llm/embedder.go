// Package llm holds the engine's LLM collaborator clients: an embedding
// service for the semantic merge pass and Anthropic for incident summaries.
// Both are best-effort; the correlation core never depends on them.
package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/opsignal/correlate/internal/cache"
	"github.com/opsignal/correlate/internal/config"
	"github.com/opsignal/correlate/internal/metrics"
)

// ErrUnavailable signals that the collaborator is not configured or not
// reachable. Callers degrade rather than fail.
var ErrUnavailable = errors.New("llm collaborator unavailable")

// memoryCacheSize bounds the in-process embedding cache. Alert messages
// repeat heavily within an incident, so a modest cache absorbs most lookups.
const memoryCacheSize = 4096

// HTTPEmbedder calls an OpenAI-compatible embeddings endpoint. Results are
// cached in-process and, when a cache provider is configured, written
// through to Valkey so restarts and replicas share vectors.
type HTTPEmbedder struct {
	cfg        config.LLMConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	memory     *lru.Cache[string, []float64]
	remote     cache.Provider
}

// NewHTTPEmbedder constructs the embedder. remote may be nil when caching
// is disabled.
func NewHTTPEmbedder(cfg config.LLMConfig, remote cache.Provider) (*HTTPEmbedder, error) {
	memory, err := lru.New[string, []float64](memoryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("init embedding cache: %w", err)
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}
	if remote == nil {
		remote = cache.NoopProvider{}
	}
	return &HTTPEmbedder{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		memory:     memory,
		remote:     remote,
	}, nil
}

// Embed returns the embedding vector for text, serving cached vectors
// without touching the network.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if e.cfg.EmbeddingURL == "" {
		return nil, fmt.Errorf("embedding endpoint not configured: %w", ErrUnavailable)
	}

	key := embeddingKey(e.cfg.EmbeddingModel, text)
	if vec, ok := e.memory.Get(key); ok {
		return vec, nil
	}
	if data, err := e.remote.Get(ctx, key); err == nil {
		var vec []float64
		if json.Unmarshal(data, &vec) == nil && len(vec) > 0 {
			e.memory.Add(key, vec)
			return vec, nil
		}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	vec, err := e.fetch(ctx, text)
	if err != nil {
		metrics.LLMRequest(metrics.LLMEmbed, metrics.OutcomeError)
		return nil, err
	}
	metrics.LLMRequest(metrics.LLMEmbed, metrics.OutcomeSuccess)

	e.memory.Add(key, vec)
	if data, err := json.Marshal(vec); err == nil {
		// Write-through failures only cost a future recompute.
		_ = e.remote.Set(ctx, key, data, e.cfg.EmbeddingTTL)
	}
	return vec, nil
}

// fetch performs the embedding request with bounded retries.
func (e *HTTPEmbedder) fetch(ctx context.Context, text string) ([]float64, error) {
	attempts := e.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(1<<(attempt-1)) * 100 * time.Millisecond):
			}
		}

		vec, err := e.postEmbedding(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("embedding request failed: %w", lastErr)
}

func (e *HTTPEmbedder) postEmbedding(ctx context.Context, text string) ([]float64, error) {
	payload := map[string]any{
		"model": e.cfg.EmbeddingModel,
		"input": text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.EmbeddingURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding endpoint returned %s", resp.Status)
	}

	var response struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(response.Data) == 0 || len(response.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding endpoint returned no vector")
	}
	return response.Data[0].Embedding, nil
}

// embeddingKey derives a stable cache key from the model and input text.
func embeddingKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return "correlate:embed:" + hex.EncodeToString(sum[:])
}
