package search

import (
	"time"

	"github.com/hyperjump/ruiji/internal/config"
	"github.com/hyperjump/ruiji/internal/embedding"
	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/internal/retrieval"
	"github.com/hyperjump/ruiji/internal/vector"
)

// ProcessQuery validates req and turns it into index query options, filling
// omitted fields from cfg.
func ProcessQuery(req *models.SearchRequest, cfg *config.SearchConfig) (retrieval.QueryOptions, error) {
	if err := req.Validate(); err != nil {
		return retrieval.QueryOptions{}, err
	}
	if req.Limit == 0 {
		req.Limit = cfg.DefaultLimit
	}
	if req.Limit == 0 {
		req.Limit = models.DefaultLimit
	}
	maxLimit := cfg.MaxLimit
	if maxLimit <= 0 {
		maxLimit = models.MaxLimit
	}
	if req.Limit > maxLimit {
		req.Limit = maxLimit
	}
	modeName := req.SearchType
	if modeName == "" {
		modeName = cfg.DefaultMode
	}
	mode, err := models.ParseSearchMode(modeName)
	if err != nil {
		return retrieval.QueryOptions{}, err
	}
	metricName := req.Metric
	if metricName == "" {
		metricName = cfg.DefaultMetric
	}
	metric, err := vector.ParseMetric(metricName)
	if err != nil {
		return retrieval.QueryOptions{}, err
	}
	minSim := cfg.DefaultMinSimilarity
	if req.MinSimilarity != nil {
		minSim = *req.MinSimilarity
	}
	return retrieval.QueryOptions{
		Limit:         req.Limit,
		MinSimilarity: minSim,
		Metric:        metric,
		Tags:          req.Tags,
		Filter:        req.Filters,
		Mode:          mode,
		Embed:         embedding.EmbedOptions{Timeout: time.Duration(req.TimeoutMs) * time.Millisecond},
	}, nil
}
