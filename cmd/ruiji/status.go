package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/ruiji/internal/cli"
	"github.com/hyperjump/ruiji/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index, provider and clustering status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var (
		st     *cli.StatusResponse
		source = "local"
	)
	if c := remote(ctx); c != nil {
		var err error
		if st, err = c.Status(ctx); err != nil {
			return err
		}
		source = serverURL
	} else {
		err := withLocal(ctx, func(c *Components) error {
			s, err := c.Engine.Status(ctx)
			if err != nil {
				return err
			}
			st = &cli.StatusResponse{Status: *s}
			return nil
		})
		if err != nil {
			return err
		}
		sc := cfg.Storage
		usage, err := storage.DiskUsageBytes(sc.DatabasePath, sc.BleveIndexPath, sc.MemorySnapshotPath, sc.ClusterStorePath)
		if err != nil {
			logger.Warn("disk usage failed", zap.Error(err))
		}
		st.DiskUsageBytes = usage
	}
	if output == cli.OutputJSON {
		return cli.WriteJSON(cmd.OutOrStdout(), st)
	}
	writeStatus(cmd.OutOrStdout(), st, source)
	return nil
}

func writeStatus(w io.Writer, st *cli.StatusResponse, source string) {
	fmt.Fprintf(w, "Status (%s)\n", source)
	fmt.Fprintf(w, "  Config:     %s\n", displayConfigPath())
	fmt.Fprintf(w, "  Backend:    %s\n", cfg.Storage.Backend)
	fmt.Fprintf(w, "  Items:      %d\n", st.Items)
	fmt.Fprintf(w, "  Dimensions: %d\n", st.Dimensions)
	fmt.Fprintf(w, "  Disk usage: %s\n", cli.FormatBytes(st.DiskUsageBytes))
	if st.ClusteredAt != nil {
		fmt.Fprintf(w, "  Clusters:   %d (at %s)\n", st.Clusters, st.ClusteredAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Fprintln(w, "  Clusters:   none")
	}
	if dirs := configured(cfg); len(dirs) > 0 {
		fmt.Fprintln(w, "  Watched directories:")
		for _, d := range dirs {
			fmt.Fprintf(w, "    %s\n", d)
		}
	}
	fmt.Fprintln(w, "  Providers:")
	cli.WriteProviders(w, st.Providers)
}
