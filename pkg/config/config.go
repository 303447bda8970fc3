// Package config loads Mimir configuration from an optional YAML file
// with MIMIR_-prefixed environment overrides. Environment always wins
// over the file; the file wins over defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/mimir/pkg/graph"
)

// Config is the full service configuration.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Search     SearchConfig     `yaml:"search"`
	Indexer    IndexerConfig    `yaml:"indexer"`
	Locks      LocksConfig      `yaml:"locks"`
	Retention  RetentionConfig  `yaml:"retention"`
	TLS        TLSConfig        `yaml:"tls"`
	LogLevel   string           `yaml:"logLevel"`
}

// StorageConfig selects and parameterizes the storage engine.
type StorageConfig struct {
	// Engine is "memory" or "badger".
	Engine string `yaml:"engine"`

	// Path is the badger data directory. Ignored by the memory engine.
	Path string `yaml:"path"`
}

// EmbeddingsConfig configures the embedding provider. An empty provider
// disables embeddings; indexing still chunks and lexical search still
// works.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider"` // "", "ollama", "openai"
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"apiKey"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`

	ChunkSize int `yaml:"chunkSize"`
	Overlap   int `yaml:"overlap"`
	BatchSize int `yaml:"batchSize"`

	// AutoEmbedTypes are node types given whole-node vectors on write.
	AutoEmbedTypes []string `yaml:"autoEmbedTypes"`
}

// SearchConfig tunes hybrid search defaults.
type SearchConfig struct {
	DefaultLimit  int     `yaml:"defaultLimit"`
	MinSimilarity float64 `yaml:"minSimilarity"`
}

// IndexerConfig tunes the file indexing pipeline.
type IndexerConfig struct {
	DebounceMs     int      `yaml:"debounceMs"`
	FilePatterns   []string `yaml:"filePatterns"`
	IgnorePatterns []string `yaml:"ignorePatterns"`
}

// LocksConfig tunes the agent lock service.
type LocksConfig struct {
	TimeoutSeconds       int `yaml:"timeoutSeconds"`
	SweepIntervalSeconds int `yaml:"sweepIntervalSeconds"`
}

// RetentionConfig governs automatic expiry of stale nodes. Disabled by
// default. Policy maps a node type to its retention window in days and
// overrides DefaultDays for that type; a window of 0 retains forever.
type RetentionConfig struct {
	Enabled              bool           `yaml:"enabled"`
	DefaultDays          int            `yaml:"defaultDays"`
	Policy               map[string]int `yaml:"policy"`
	SweepIntervalSeconds int            `yaml:"sweepIntervalSeconds"`
}

// TLSConfig governs outbound TLS to the embedding provider. Secure by
// default: verification is skipped only when InsecureSkipVerify is set
// explicitly.
type TLSConfig struct {
	InsecureSkipVerify bool `yaml:"insecureSkipVerify"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Engine: "badger",
			Path:   "./data",
		},
		Embeddings: EmbeddingsConfig{
			Provider:       "",
			ChunkSize:      768,
			Overlap:        10,
			BatchSize:      32,
			AutoEmbedTypes: []string{"memory", "todo", "concept"},
		},
		Search: SearchConfig{
			DefaultLimit: 10,
		},
		Indexer: IndexerConfig{
			DebounceMs: 500,
		},
		Locks: LocksConfig{
			TimeoutSeconds:       300,
			SweepIntervalSeconds: 60,
		},
		Retention: RetentionConfig{
			Enabled:              false,
			DefaultDays:          0,
			SweepIntervalSeconds: 3600,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty or missing), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, graph.WrapError(graph.KindConfig, "parse "+path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, graph.WrapError(graph.KindConfig, "read "+path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays MIMIR_* environment variables.
func (c *Config) applyEnv() {
	setString(&c.Storage.Engine, "MIMIR_STORAGE_ENGINE")
	setString(&c.Storage.Path, "MIMIR_STORAGE_PATH")

	setString(&c.Embeddings.Provider, "MIMIR_EMBEDDINGS_PROVIDER")
	setString(&c.Embeddings.Endpoint, "MIMIR_EMBEDDINGS_ENDPOINT")
	setString(&c.Embeddings.APIKey, "MIMIR_EMBEDDINGS_API_KEY")
	setString(&c.Embeddings.Model, "MIMIR_EMBEDDINGS_MODEL")
	setInt(&c.Embeddings.Dimensions, "MIMIR_EMBEDDINGS_DIMENSIONS")
	setInt(&c.Embeddings.ChunkSize, "MIMIR_EMBEDDINGS_CHUNK_SIZE")
	setInt(&c.Embeddings.Overlap, "MIMIR_EMBEDDINGS_OVERLAP")
	setInt(&c.Embeddings.BatchSize, "MIMIR_EMBEDDINGS_BATCH_SIZE")
	if v := os.Getenv("MIMIR_EMBEDDINGS_AUTO_EMBED_TYPES"); v != "" {
		c.Embeddings.AutoEmbedTypes = splitList(v)
	}

	setInt(&c.Search.DefaultLimit, "MIMIR_SEARCH_DEFAULT_LIMIT")
	setFloat(&c.Search.MinSimilarity, "MIMIR_SEARCH_MIN_SIMILARITY")

	setInt(&c.Indexer.DebounceMs, "MIMIR_INDEXER_DEBOUNCE_MS")
	if v := os.Getenv("MIMIR_INDEXER_FILE_PATTERNS"); v != "" {
		c.Indexer.FilePatterns = splitList(v)
	}
	if v := os.Getenv("MIMIR_INDEXER_IGNORE_PATTERNS"); v != "" {
		c.Indexer.IgnorePatterns = splitList(v)
	}

	setInt(&c.Locks.TimeoutSeconds, "MIMIR_LOCK_TIMEOUT_SECONDS")
	setInt(&c.Locks.SweepIntervalSeconds, "MIMIR_LOCK_SWEEP_INTERVAL_SECONDS")

	setBool(&c.Retention.Enabled, "MIMIR_RETENTION_ENABLED")
	setInt(&c.Retention.DefaultDays, "MIMIR_RETENTION_DEFAULT_DAYS")
	if v := os.Getenv("MIMIR_RETENTION_POLICY"); v != "" {
		c.Retention.Policy = parsePolicy(v)
	}
	setInt(&c.Retention.SweepIntervalSeconds, "MIMIR_RETENTION_SWEEP_INTERVAL_SECONDS")

	setBool(&c.TLS.InsecureSkipVerify, "MIMIR_TLS_INSECURE_SKIP_VERIFY")
	setString(&c.LogLevel, "MIMIR_LOG_LEVEL")
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Engine {
	case "memory", "badger":
	default:
		return graph.NewError(graph.KindConfig, "unknown storage engine: %q", c.Storage.Engine)
	}
	if c.Storage.Engine == "badger" && c.Storage.Path == "" {
		return graph.NewError(graph.KindConfig, "badger storage requires a path")
	}

	switch c.Embeddings.Provider {
	case "", "ollama", "openai":
	default:
		return graph.NewError(graph.KindConfig, "unknown embeddings provider: %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Provider == "openai" && c.Embeddings.APIKey == "" {
		return graph.NewError(graph.KindConfig, "openai embeddings require an api key")
	}
	if c.Embeddings.ChunkSize <= 0 {
		return graph.NewError(graph.KindConfig, "chunk size must be positive")
	}
	if c.Embeddings.Overlap < 0 || c.Embeddings.Overlap >= c.Embeddings.ChunkSize {
		return graph.NewError(graph.KindConfig, "overlap must be in [0, chunkSize)")
	}

	if c.Locks.TimeoutSeconds <= 0 {
		return graph.NewError(graph.KindConfig, "lock timeout must be positive")
	}

	if c.Retention.DefaultDays < 0 {
		return graph.NewError(graph.KindConfig, "retention default days must not be negative")
	}
	for nodeType, days := range c.Retention.Policy {
		if days < 0 {
			return graph.NewError(graph.KindConfig, "retention policy for %q must not be negative", nodeType)
		}
	}
	if c.Retention.Enabled && c.Retention.SweepIntervalSeconds <= 0 {
		return graph.NewError(graph.KindConfig, "retention sweep interval must be positive")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return graph.NewError(graph.KindConfig, "unknown log level: %q", c.LogLevel)
	}
	return nil
}

// LockTimeout returns the lock timeout as a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Locks.TimeoutSeconds) * time.Second
}

// LockSweepInterval returns the expired-lock sweep interval.
func (c *Config) LockSweepInterval() time.Duration {
	return time.Duration(c.Locks.SweepIntervalSeconds) * time.Second
}

// RetentionSweepInterval returns the retention sweep interval.
func (c *Config) RetentionSweepInterval() time.Duration {
	return time.Duration(c.Retention.SweepIntervalSeconds) * time.Second
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// parsePolicy parses "type=days" pairs, e.g. "memory=90,todo=30".
// Malformed pairs are dropped.
func parsePolicy(v string) map[string]int {
	policy := make(map[string]int)
	for _, pair := range splitList(v) {
		name, days, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(days))
		if err != nil {
			continue
		}
		policy[strings.TrimSpace(name)] = n
	}
	return policy
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
