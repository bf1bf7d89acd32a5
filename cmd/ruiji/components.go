package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/ruiji/internal/cluster"
	"github.com/hyperjump/ruiji/internal/config"
	"github.com/hyperjump/ruiji/internal/embedding"
	"github.com/hyperjump/ruiji/internal/extract"
	"github.com/hyperjump/ruiji/internal/indexer"
	"github.com/hyperjump/ruiji/internal/keyword"
	"github.com/hyperjump/ruiji/internal/retrieval"
	"github.com/hyperjump/ruiji/internal/search"
	"github.com/hyperjump/ruiji/internal/storage"
)

// Components holds initialized services.
type Components struct {
	Config       *config.Config
	Store        storage.ItemStore
	Memory       *storage.MemoryStore
	ClusterStore *storage.BoltClusterStore
	Chain        *embedding.Chain
	Index        *retrieval.Index
	Clusters     *cluster.Engine
	Engine       *search.Engine
	Indexer      *indexer.Indexer
	logger       *zap.Logger
}

// Close saves the memory snapshot, if any, and releases every resource.
func (c *Components) Close() {
	if c.Memory != nil && c.Config.Storage.MemorySnapshotPath != "" {
		if err := c.Memory.Save(c.Config.Storage.MemorySnapshotPath); err != nil {
			c.logger.Warn("memory snapshot save failed", zap.String("path", c.Config.Storage.MemorySnapshotPath), zap.Error(err))
		}
	}
	if c.ClusterStore != nil {
		_ = c.ClusterStore.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
	if c.Chain != nil {
		_ = c.Chain.Close()
	}
}

// buildChain creates the provider fallback chain in configured priority order.
func buildChain(ec config.EmbeddingConfig, logger *zap.Logger) (*embedding.Chain, error) {
	chain := embedding.NewChain(
		embedding.WithLogger(logger),
		embedding.WithBatchSize(ec.BatchSize),
		embedding.WithParallelism(ec.Parallelism),
		embedding.WithTimeout(ec.Timeout),
		embedding.WithNormalize(ec.NormalizeOrDefault()),
		embedding.WithCache(ec.CacheSize),
	)
	for i := range ec.Providers {
		pc := &ec.Providers[i]
		p, err := embedding.NewProvider(embedding.Spec{
			Name:         pc.Name,
			Type:         pc.Type,
			Endpoint:     pc.Endpoint,
			AuthToken:    pc.Token(),
			Model:        pc.Model,
			MaxBatchSize: pc.MaxBatchSize,
			Dimension:    pc.Dimension,
			Timeout:      pc.Timeout,
			RateLimit:    pc.RateLimit,
			ModelPath:    pc.ModelPath,
			MaxTokens:    pc.MaxTokens,
		})
		if err != nil {
			_ = chain.Close()
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		if err := chain.Add(p, embedding.WithProviderTimeout(pc.Timeout), embedding.WithRateLimit(pc.RateLimit)); err != nil {
			_ = p.Close()
			_ = chain.Close()
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		logger.Debug("embedding provider added",
			zap.String("name", p.Name()),
			zap.String("model", p.Model()),
			zap.Int("dimensions", p.Dimensions()))
	}
	return chain, nil
}

// openStore opens the configured item store backend.
func openStore(ctx context.Context, sc config.StorageConfig, dimensions int) (storage.ItemStore, *storage.MemoryStore, error) {
	switch sc.Backend {
	case config.BackendMemory:
		mem := storage.NewMemoryStore()
		if err := mem.Load(sc.MemorySnapshotPath); err != nil {
			return nil, nil, fmt.Errorf("failed to load memory snapshot: %w", err)
		}
		return mem, mem, nil
	case config.BackendPostgres:
		pg, err := storage.NewPostgresStore(ctx, sc.PostgresDSN, sc.PostgresTable, dimensions)
		if err != nil {
			return nil, nil, err
		}
		return pg, nil, nil
	default:
		text, err := keyword.NewBleveIndex(sc.BleveIndexPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize text index: %w", err)
		}
		st, err := storage.NewSQLiteStore(ctx, sc.DatabasePath, text)
		if err != nil {
			_ = text.Close()
			return nil, nil, err
		}
		return st, nil, nil
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{Config: cfg, logger: logger}
	var err error
	if c.Chain, err = buildChain(cfg.Embedding, logger); err != nil {
		return nil, fmt.Errorf("failed to initialize embedding chain: %w", err)
	}
	if c.Store, c.Memory, err = openStore(ctx, cfg.Storage, c.Chain.Dimensions()); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Index = retrieval.New(c.Store, c.Chain,
		retrieval.WithLogger(logger),
		retrieval.WithDimensions(c.Chain.Dimensions()),
		retrieval.WithTTL(cfg.Search.TTL),
		retrieval.WithHighlightLength(cfg.Search.HighlightLength),
	)

	clusterOpts := []cluster.Option{cluster.WithLogger(logger)}
	if cfg.Storage.ClusterStorePath != "" {
		if c.ClusterStore, err = storage.NewBoltClusterStore(cfg.Storage.ClusterStorePath); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to initialize cluster store: %w", err)
		}
		clusterOpts = append(clusterOpts, cluster.WithStore(c.ClusterStore))
	}
	c.Clusters = cluster.New(c.Index, clusterOpts...)
	if err := c.Clusters.Load(ctx); err != nil {
		logger.Warn("previous clusters not loaded", zap.Error(err))
	}

	c.Engine = search.NewEngine(c.Chain, c.Index, c.Clusters,
		search.WithLogger(logger),
		search.WithSearchConfig(cfg.Search),
		search.WithClusterConfig(cfg.Cluster),
	)
	if c.Indexer, err = indexer.New(c.Index, extract.NewExtractor(), cfg.Ingest, indexer.WithLogger(logger)); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize indexer: %w", err)
	}

	logger.Info("components initialized",
		zap.String("backend", cfg.Storage.Backend),
		zap.Int("providers", len(c.Chain.Providers())),
		zap.Int("dimensions", c.Chain.Dimensions()))
	return c, nil
}
