// Package main is the ruiji CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/ruiji/internal/cli"
	"github.com/hyperjump/ruiji/internal/config"
	"github.com/hyperjump/ruiji/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/ruiji/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

var (
	cfgFile    string
	debugFlag  bool
	serverURL  string
	localOnly  bool
	outputFlag string

	cfg          *config.Config
	resolvedPath string
	logger       *zap.Logger
	output       cli.OutputFormat
)

var rootCmd = &cobra.Command{
	Use:   "ruiji",
	Short: "Semantic retrieval and clustering engine",
	Long: `ruiji embeds texts through a fallback chain of providers, answers
vector, text and hybrid similarity queries, and groups items into topics.

Example usage:
  ruiji server                          # Start the HTTP API
  ruiji ingest ~/notes                  # Chunk and index a directory
  ruiji search "eigenvalues"            # Query the index
  ruiji cluster -k 8                    # Group items into 8 topics
  ruiji compare "cats" "felines" "cars" # Pairwise similarity`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, resolvedPath, err = loadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if output, err = cli.ParseOutputFormat(outputFlag); err != nil {
			return err
		}
		debug := cfg.Debug || debugFlag
		level := cfg.LogLevel
		if debug {
			level = "debug"
		} else if cmd.Name() != "server" && level == "info" {
			level = "warn"
		}
		if logger, err = utils.NewLogger(debug, level); err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		logger.Debug("config loaded", zap.String("config_path", resolvedPath), zap.Bool("debug", debug))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL, "server URL; commands use it when the server is running")
	rootCmd.PersistentFlags().BoolVar(&localOnly, "local", false, "never contact the server, open the index directly")
	rootCmd.PersistentFlags().StringVarP(&outputFlag, "output", "o", "text", "output format: text, compact or json")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ruiji version %s\n", version)
		},
	})
}

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory, so running from a project directory picks
// up that project's config. Returns the config and the path actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, err := os.Getwd(); err == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, err := os.Stat(fallback); err == nil {
				path = fallback
			}
		}
	}
	c, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return c, path, nil
}

// remote returns a client when a server answers at --server, or nil to run locally.
func remote(ctx context.Context) *cli.Client {
	if localOnly || serverURL == "" {
		return nil
	}
	c := cli.NewClient(serverURL, cfg.Server.RequestTimeout+5*time.Second)
	pingCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if !c.Ping(pingCtx) {
		logger.Debug("server not reachable, running locally", zap.String("server", serverURL))
		return nil
	}
	return c
}

// withLocal builds the components, runs fn, and releases them.
func withLocal(ctx context.Context, fn func(*Components) error) error {
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer components.Close()
	return fn(components)
}
