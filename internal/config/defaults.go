package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 45 * time.Second
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendSQLite
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/ruiji/data/db/items.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/ruiji/data/indices/bleve"
	}
	if cfg.Storage.PostgresTable == "" {
		cfg.Storage.PostgresTable = "ruiji_items"
	}
	if cfg.Storage.ClusterStorePath == "" {
		cfg.Storage.ClusterStorePath = "/usr/local/var/ruiji/data/db/clusters.db"
	}
	if len(cfg.Embedding.Providers) == 0 {
		cfg.Embedding.Providers = []ProviderConfig{{Name: "mock", Type: "mock", Dimension: 384}}
	}
	for i := range cfg.Embedding.Providers {
		p := &cfg.Embedding.Providers[i]
		if p.Type == "" {
			p.Type = "mock"
		}
		if p.MaxBatchSize == 0 {
			p.MaxBatchSize = 96
		}
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 96
	}
	if cfg.Embedding.Parallelism == 0 {
		cfg.Embedding.Parallelism = 4
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Search.MaxLimit == 0 {
		cfg.Search.MaxLimit = 100
	}
	if cfg.Search.DefaultMode == "" {
		cfg.Search.DefaultMode = "hybrid"
	}
	if cfg.Search.DefaultMetric == "" {
		cfg.Search.DefaultMetric = "cosine"
	}
	if cfg.Search.HighlightLength == 0 {
		cfg.Search.HighlightLength = 200
	}
	if cfg.Search.TTL > 0 && cfg.Search.EvictionInterval == 0 {
		cfg.Search.EvictionInterval = time.Minute
	}
	if cfg.Cluster.DefaultK == 0 {
		cfg.Cluster.DefaultK = 8
	}
	if cfg.Cluster.MaxIterations == 0 {
		cfg.Cluster.MaxIterations = 50
	}
	if cfg.Cluster.TopTerms == 0 {
		cfg.Cluster.TopTerms = 5
	}
	if cfg.Ingest.Include == nil {
		cfg.Ingest.Include = []string{"**/*.txt", "**/*.md", "**/*.rst", "**/*.pdf", "**/*.docx", "**/*.xlsx", "**/*.pptx", "**/*.odt", "**/*.odp", "**/*.ods"}
	}
	if cfg.Ingest.Exclude == nil {
		cfg.Ingest.Exclude = []string{"**/.git/**", "**/node_modules/**"}
	}
	if cfg.Ingest.ChunkSize == 0 {
		cfg.Ingest.ChunkSize = 200
	}
	if cfg.Ingest.ChunkOverlap == 0 {
		cfg.Ingest.ChunkOverlap = 30
	}
	if cfg.Ingest.Debounce == 0 {
		cfg.Ingest.Debounce = 500 * time.Millisecond
	}
}
