package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperjump/ruiji/internal/cli"
	"github.com/hyperjump/ruiji/internal/config"
)

var watchCmd = &cobra.Command{
	Use:   "watch <add|remove|list> [path]",
	Short: "Manage the directories a running server watches",
	Long: `Manage watched directories. The server must be running with ingest.watch
enabled; changes are written back to its config file.`,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.AddCommand(
		&cobra.Command{
			Use:   "add <path>",
			Short: "Watch a directory and index its files",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				if err := watchClient().AddWatchDirectory(cmd.Context(), path); err != nil {
					return watchError(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added: %s\n", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <path>",
			Short: "Stop watching a directory",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				if err := watchClient().RemoveWatchDirectory(cmd.Context(), path); err != nil {
					return watchError(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed: %s\n", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List watched directories",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				dirs, err := watchClient().WatchDirectories(cmd.Context())
				if err != nil {
					return watchError(err)
				}
				if output == cli.OutputJSON {
					return cli.WriteJSON(cmd.OutOrStdout(), map[string][]string{"directories": dirs})
				}
				for _, d := range dirs {
					fmt.Fprintln(cmd.OutOrStdout(), d)
				}
				return nil
			},
		},
	)
}

func watchClient() *cli.Client {
	return cli.NewClient(serverURL, 30*time.Second)
}

func watchError(err error) error {
	var apiErr *cli.APIError
	switch {
	case cli.IsUnreachable(err):
		return fmt.Errorf("server not reachable at %s: %w", serverURL, err)
	case errors.As(err, &apiErr) && apiErr.Code == "NOT_IMPLEMENTED":
		return fmt.Errorf("watching is disabled; set ingest.watch in %s and restart the server", displayConfigPath())
	}
	return err
}

func displayConfigPath() string {
	if resolvedPath != "" {
		return resolvedPath
	}
	return "the config file"
}

// configured reports the directories listed in cfg, for status output when no server runs.
func configured(c *config.Config) []string {
	if c == nil || !c.Ingest.Watch {
		return nil
	}
	return c.Ingest.Directories
}
