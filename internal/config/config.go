package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the correlation engine.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Topology    TopologyConfig    `yaml:"topology"`
	LLM         LLMConfig         `yaml:"llm"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Tenants     map[string]Tuning `yaml:"tenants"`
	Logging     LoggingConfig     `yaml:"logging"`
	Cache       CacheConfig       `yaml:"cache"`
}

// ServerConfig controls the HTTP API, gRPC probe, and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ProbeAddress    string        `yaml:"probeAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// TopologyConfig configures access to the dependency-graph provider.
type TopologyConfig struct {
	BaseURL          string        `yaml:"baseURL"`
	DependenciesPath string        `yaml:"dependenciesPath"`
	Timeout          time.Duration `yaml:"timeout"`
	RefreshInterval  time.Duration `yaml:"refreshInterval"`
	SnapshotTTL      time.Duration `yaml:"snapshotTTL"`
}

// LLMConfig configures the embedding and summarization collaborator.
type LLMConfig struct {
	EmbeddingURL   string        `yaml:"embeddingURL"`
	EmbeddingModel string        `yaml:"embeddingModel"`
	AnthropicKey   string        `yaml:"anthropicKey"`
	SummaryModel   string        `yaml:"summaryModel"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"maxRetries"`
	RequestsPerSec float64       `yaml:"requestsPerSec"`
	EmbeddingTTL   time.Duration `yaml:"embeddingTTL"`
}

// CorrelationConfig carries engine-wide cadence settings.
type CorrelationConfig struct {
	SweepInterval    time.Duration `yaml:"sweepInterval"`
	SemanticInterval time.Duration `yaml:"semanticInterval"`
	DecayInterval    time.Duration `yaml:"decayInterval"`
	Defaults         Tuning        `yaml:"defaults"`
}

// Tuning holds the per-tenant correlation knobs. Zero values fall back to
// the configured defaults.
type Tuning struct {
	Window              time.Duration `yaml:"window"`
	DecayInterval       time.Duration `yaml:"decayInterval"`
	SemanticWindow      time.Duration `yaml:"semanticWindow"`
	SimilarityThreshold float64       `yaml:"similarityThreshold"`
	QueueCapacity       int           `yaml:"queueCapacity"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls Valkey-backed caching of graph snapshots and embeddings.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CORRELATE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalise(&cfg)
	return &cfg, nil
}

// TuningFor resolves the effective knobs for a tenant: explicit tenant
// overrides first, then the configured defaults.
func (c *Config) TuningFor(tenantID string) Tuning {
	effective := c.Correlation.Defaults
	override, ok := c.Tenants[tenantID]
	if !ok {
		return effective
	}
	if override.Window > 0 {
		effective.Window = override.Window
	}
	if override.DecayInterval > 0 {
		effective.DecayInterval = override.DecayInterval
	}
	if override.SemanticWindow > 0 {
		effective.SemanticWindow = override.SemanticWindow
	}
	if override.SimilarityThreshold > 0 {
		effective.SimilarityThreshold = override.SimilarityThreshold
	}
	if override.QueueCapacity > 0 {
		effective.QueueCapacity = override.QueueCapacity
	}
	return effective
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			ProbeAddress:    ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Topology: TopologyConfig{
			DependenciesPath: "/api/v1/topology/dependencies",
			Timeout:          5 * time.Second,
			RefreshInterval:  time.Minute,
			SnapshotTTL:      5 * time.Minute,
		},
		LLM: LLMConfig{
			EmbeddingModel: "text-embedding-3-small",
			SummaryModel:   "claude-sonnet-4-20250514",
			Timeout:        10 * time.Second,
			MaxRetries:     2,
			RequestsPerSec: 5,
			EmbeddingTTL:   30 * time.Minute,
		},
		Correlation: CorrelationConfig{
			SweepInterval:    5 * time.Second,
			SemanticInterval: 30 * time.Second,
			DecayInterval:    time.Minute,
			Defaults: Tuning{
				Window:              2 * time.Minute,
				DecayInterval:       10 * time.Minute,
				SemanticWindow:      8 * time.Minute,
				SimilarityThreshold: 0.82,
				QueueCapacity:       1024,
			},
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		},
	}
}

func normalise(cfg *Config) {
	def := &cfg.Correlation.Defaults
	if def.Window <= 0 {
		def.Window = 2 * time.Minute
	}
	if def.DecayInterval <= 0 {
		def.DecayInterval = 10 * time.Minute
	}
	if def.SemanticWindow <= 0 {
		def.SemanticWindow = 4 * def.Window
	}
	if def.SimilarityThreshold <= 0 || def.SimilarityThreshold > 1 {
		def.SimilarityThreshold = 0.82
	}
	if def.QueueCapacity <= 0 {
		def.QueueCapacity = 1024
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CORRELATE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("CORRELATE_PROBE_ADDRESS"); v != "" {
		cfg.Server.ProbeAddress = v
	}
	if v := os.Getenv("CORRELATE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("CORRELATE_TOPOLOGY_BASE_URL"); v != "" {
		cfg.Topology.BaseURL = v
	}
	if v := os.Getenv("CORRELATE_TOPOLOGY_DEPENDENCIES_PATH"); v != "" {
		cfg.Topology.DependenciesPath = v
	}
	if v := os.Getenv("CORRELATE_TOPOLOGY_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Topology.RefreshInterval = d
		}
	}
	if v := os.Getenv("CORRELATE_LLM_EMBEDDING_URL"); v != "" {
		cfg.LLM.EmbeddingURL = v
	}
	if v := os.Getenv("CORRELATE_LLM_EMBEDDING_MODEL"); v != "" {
		cfg.LLM.EmbeddingModel = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.AnthropicKey = v
	}
	if v := os.Getenv("CORRELATE_LLM_SUMMARY_MODEL"); v != "" {
		cfg.LLM.SummaryModel = v
	}
	if v := os.Getenv("CORRELATE_LLM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LLM.Timeout = d
		}
	}
	if v := os.Getenv("CORRELATE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlation.Defaults.Window = d
		}
	}
	if v := os.Getenv("CORRELATE_DECAY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlation.Defaults.DecayInterval = d
		}
	}
	if v := os.Getenv("CORRELATE_SEMANTIC_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlation.Defaults.SemanticWindow = d
		}
	}
	if v := os.Getenv("CORRELATE_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Correlation.Defaults.SimilarityThreshold = f
		}
	}
	if v := os.Getenv("CORRELATE_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Correlation.Defaults.QueueCapacity = n
		}
	}
	if v := os.Getenv("CORRELATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CORRELATE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("CORRELATE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("CORRELATE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("CORRELATE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("CORRELATE_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("CORRELATE_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
}
