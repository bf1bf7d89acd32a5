package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperjump/ruiji/internal/cli"
	"github.com/hyperjump/ruiji/internal/models"
)

var (
	searchLimit   int
	searchMode    string
	searchMetric  string
	searchMinSim  float64
	searchTags    []string
	searchTimeout int

	embedProvider string
	embedModel    string

	compareMetric string

	clusterK     int
	clusterIter  int
	clusterSeed  int64
	clusterTerms int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search indexed items",
	Long: `Search by vector similarity, word overlap, or both (hybrid, the default).
The query is all arguments joined by spaces; quotes are optional.

Examples:
  ruiji search eigenvalues of a matrix
  ruiji search -m text -n 5 "organic chemistry"
  ruiji search --tag study -o json derivatives`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

var embedCmd = &cobra.Command{
	Use:   "embed <text>...",
	Short: "Embed texts through the provider chain",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEmbed,
}

var compareCmd = &cobra.Command{
	Use:   "compare <text> <text>...",
	Short: "Print the pairwise similarity matrix of texts",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runCompare,
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Group indexed items into topics with k-means",
	Args:  cobra.NoArgs,
	RunE:  runCluster,
}

func init() {
	rootCmd.AddCommand(searchCmd, embedCmd, compareCmd, clusterCmd)

	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "maximum number of results (default from config)")
	searchCmd.Flags().StringVarP(&searchMode, "mode", "m", "", "search mode: vector, text or hybrid (default from config)")
	searchCmd.Flags().StringVar(&searchMetric, "metric", "", "similarity metric: cosine, dot or euclidean")
	searchCmd.Flags().Float64Var(&searchMinSim, "min-similarity", 0, "drop results scoring below this value")
	searchCmd.Flags().StringSliceVarP(&searchTags, "tag", "t", nil, "only return items carrying all of these tags")
	searchCmd.Flags().IntVar(&searchTimeout, "timeout-ms", 0, "embedding timeout per provider attempt")

	embedCmd.Flags().StringVar(&embedProvider, "provider", "", "provider to try first")
	embedCmd.Flags().StringVar(&embedModel, "model", "", "prefer providers serving this model")

	compareCmd.Flags().StringVar(&compareMetric, "metric", "", "similarity metric: cosine, dot or euclidean")

	clusterCmd.Flags().IntVarP(&clusterK, "clusters", "k", 0, "number of clusters (default from config)")
	clusterCmd.Flags().IntVar(&clusterIter, "max-iterations", 0, "iteration cap (default 50)")
	clusterCmd.Flags().Int64Var(&clusterSeed, "seed", 0, "seed for reproducible runs (0 picks one)")
	clusterCmd.Flags().IntVar(&clusterTerms, "top-terms", 0, "dominant terms per cluster")
}

// buildSearchRequest joins args into the query text.
func buildSearchRequest(args []string) *models.SearchRequest {
	return &models.SearchRequest{
		Query:      strings.Join(args, " "),
		Limit:      searchLimit,
		SearchType: searchMode,
		Metric:     searchMetric,
		Tags:       searchTags,
		TimeoutMs:  searchTimeout,
	}
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	req := buildSearchRequest(args)
	if cmd.Flags().Changed("min-similarity") {
		req.MinSimilarity = &searchMinSim
	}
	resp, err := execute(ctx, req, func(c *cli.Client) (interface{}, error) { return c.Search(ctx, req) })
	if err != nil {
		return err
	}
	return cli.WriteSearchResults(cmd.OutOrStdout(), resp.(*models.SearchResponse), output)
}

func runEmbed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	req := &models.EmbedRequest{Texts: args, Provider: embedProvider, Model: embedModel}
	if err := req.Validate(); err != nil {
		return err
	}
	resp, err := execute(ctx, req, func(c *cli.Client) (interface{}, error) { return c.Embed(ctx, req) })
	if err != nil {
		return err
	}
	return cli.WriteEmbed(cmd.OutOrStdout(), resp.(*models.EmbedResponse), output)
}

func runCompare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	req := &models.CompareRequest{Texts: args, Metric: compareMetric}
	if err := req.Validate(); err != nil {
		return err
	}
	resp, err := execute(ctx, req, func(c *cli.Client) (interface{}, error) { return c.Compare(ctx, req) })
	if err != nil {
		return err
	}
	return cli.WriteCompare(cmd.OutOrStdout(), resp.(*models.CompareResponse), output)
}

func runCluster(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	k := clusterK
	if k == 0 {
		k = cfg.Cluster.DefaultK
	}
	req := &models.ClusterRequest{NumClusters: k, MaxIterations: clusterIter, TopTerms: clusterTerms}
	if cmd.Flags().Changed("seed") {
		req.Seed = &clusterSeed
	}
	if err := req.Validate(); err != nil {
		return err
	}
	resp, err := execute(ctx, req, func(c *cli.Client) (interface{}, error) { return c.Cluster(ctx, req) })
	if err != nil {
		return err
	}
	return cli.WriteClusters(cmd.OutOrStdout(), resp.(*models.ClusterSet), output)
}

// execute sends req to the running server, or handles it with local
// components when no server answers.
func execute(ctx context.Context, req models.Request, viaHTTP func(*cli.Client) (interface{}, error)) (interface{}, error) {
	if c := remote(ctx); c != nil {
		return viaHTTP(c)
	}
	var resp interface{}
	err := withLocal(ctx, func(c *Components) error {
		var err error
		resp, err = c.Engine.Handle(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", req.Operation(), err)
	}
	return resp, nil
}
