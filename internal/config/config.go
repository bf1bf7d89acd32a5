// Package config provides configuration loading and structs for the ruiji server and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Search    SearchConfig    `yaml:"search"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Ingest    IngestConfig    `yaml:"ingest"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// RequestTimeout bounds a single API operation.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig selects the item store and where each backend keeps its data.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	// MemorySnapshotPath is where the memory backend saves on shutdown. Empty disables it.
	MemorySnapshotPath string `yaml:"memory_snapshot_path"`
	DatabasePath       string `yaml:"database_path"`
	BleveIndexPath     string `yaml:"bleve_index_path"`
	PostgresDSN        string `yaml:"postgres_dsn"`
	PostgresTable      string `yaml:"postgres_table"`
	ClusterStorePath   string `yaml:"cluster_store_path"`
}

// ProviderConfig describes one embedding backend.
type ProviderConfig struct {
	Name         string        `yaml:"name"`
	Type         string        `yaml:"type"`
	Endpoint     string        `yaml:"endpoint"`
	AuthToken    string        `yaml:"auth_token"`
	AuthTokenEnv string        `yaml:"auth_token_env"`
	Model        string        `yaml:"model"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	Dimension    int           `yaml:"dimension"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimit    float64       `yaml:"rate_limit"`
	ModelPath    string        `yaml:"model_path"`
	MaxTokens    int           `yaml:"max_tokens"`
}

// Token returns the auth token, reading AuthTokenEnv when AuthToken is empty.
func (p *ProviderConfig) Token() string {
	if p.AuthToken != "" {
		return p.AuthToken
	}
	if p.AuthTokenEnv != "" {
		return os.Getenv(p.AuthTokenEnv)
	}
	return ""
}

// EmbeddingConfig holds the provider fallback chain, in priority order.
type EmbeddingConfig struct {
	Providers     []ProviderConfig `yaml:"providers"`
	BatchSize     int              `yaml:"batch_size"`
	Parallelism   int              `yaml:"parallelism"`
	Timeout       time.Duration    `yaml:"timeout"`
	CacheSize     int              `yaml:"cache_size"`
	Normalize     *bool            `yaml:"normalize"`
	ProbeInterval time.Duration    `yaml:"probe_interval"`
}

// NormalizeOrDefault returns whether vectors are L2-normalized; defaults to true when unset.
func (e *EmbeddingConfig) NormalizeOrDefault() bool {
	if e.Normalize != nil {
		return *e.Normalize
	}
	return true
}

// SearchConfig holds query defaults and item expiry.
type SearchConfig struct {
	DefaultLimit         int           `yaml:"default_limit"`
	MaxLimit             int           `yaml:"max_limit"`
	DefaultMode          string        `yaml:"default_mode"`
	DefaultMetric        string        `yaml:"default_metric"`
	DefaultMinSimilarity float64       `yaml:"default_min_similarity"`
	HighlightLength      int           `yaml:"highlight_length"`
	TTL                  time.Duration `yaml:"ttl"`
	EvictionInterval     time.Duration `yaml:"eviction_interval"`
}

// ClusterConfig holds clustering defaults.
type ClusterConfig struct {
	DefaultK      int `yaml:"default_k"`
	MaxIterations int `yaml:"max_iterations"`
	TopTerms      int `yaml:"top_terms"`
}

// IngestConfig controls file ingestion and directory watching.
type IngestConfig struct {
	Directories  []string      `yaml:"directories"`
	Include      []string      `yaml:"include"`
	Exclude      []string      `yaml:"exclude"`
	ChunkSize    int           `yaml:"chunk_size"`
	ChunkOverlap int           `yaml:"chunk_overlap"`
	Watch        bool          `yaml:"watch"`
	Debounce     time.Duration `yaml:"debounce"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configDir := filepath.Dir(path)
	cfg.Storage.MemorySnapshotPath = expandPath(cfg.Storage.MemorySnapshotPath, configDir)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Storage.ClusterStorePath = expandPath(cfg.Storage.ClusterStorePath, configDir)
	for i := range cfg.Embedding.Providers {
		cfg.Embedding.Providers[i].ModelPath = expandPath(cfg.Embedding.Providers[i].ModelPath, configDir)
	}
	for i := range cfg.Ingest.Directories {
		cfg.Ingest.Directories[i] = expandPath(cfg.Ingest.Directories[i], configDir)
	}

	return &cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	names := make(map[string]bool)
	for i, p := range c.Embedding.Providers {
		if p.Name == "" {
			return fmt.Errorf("embedding.providers[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("embedding.providers: duplicate name %q", p.Name)
		}
		names[p.Name] = true
	}
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap must be smaller than chunk_size")
	}
	return nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// "~/" paths and other relative paths are relative to the home directory. Empty stays empty.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	path = strings.TrimPrefix(path, "~/")
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
