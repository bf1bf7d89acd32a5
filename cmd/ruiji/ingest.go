package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/hyperjump/ruiji/internal/cli"
	"github.com/hyperjump/ruiji/internal/extract"
	"github.com/hyperjump/ruiji/internal/fileid"
	"github.com/hyperjump/ruiji/internal/indexer"
)

var (
	ingestText  string
	ingestID    string
	ingestTags  []string
	ingestQuiet bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [path]...",
	Short: "Chunk and index files, directories or free text",
	Long: `Index files and directories into the local store. Directories are walked
using the ingest include and exclude globs; unchanged files are skipped and
files deleted since the last run are removed from the index.

With --text, the text is indexed as one chunked source. When a server is
running, --text is sent to it; directories should be added with
"ruiji watch add" instead.

Examples:
  ruiji ingest ~/notes
  ruiji ingest paper.pdf slides.pptx
  ruiji ingest --text "a long passage..." --id lecture-3`,
	RunE: runIngest,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <source-id|path>",
	Short: "Remove a source and all of its chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(ingestCmd, deleteCmd)
	ingestCmd.Flags().StringVar(&ingestText, "text", "", "index this text instead of files (- reads stdin)")
	ingestCmd.Flags().StringVar(&ingestID, "id", "", "source id for --text (generated when empty)")
	ingestCmd.Flags().StringSliceVarP(&ingestTags, "tag", "t", nil, "tags added to every chunk")
	ingestCmd.Flags().BoolVarP(&ingestQuiet, "quiet", "q", false, "hide the progress bar")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if ingestText != "" {
		text := ingestText
		if text == "-" {
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			text = string(b)
		}
		meta := map[string]interface{}{}
		if len(ingestTags) > 0 {
			meta["tags"] = ingestTags
		}
		if c := remote(ctx); c != nil {
			doc, err := c.IndexDocument(ctx, ingestID, text, meta)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Indexed %s: %d chunks, %d embedded\n", doc.SourceID, len(doc.ItemIDs), doc.Embedded)
			return nil
		}
		return withLocal(ctx, func(c *Components) error {
			id, items, err := c.Indexer.IndexText(ctx, ingestID, text, meta)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Indexed %s: %d chunks\n", id, len(items))
			return nil
		})
	}

	if len(args) == 0 {
		return errors.New("give at least one path, or --text")
	}
	if remote(ctx) != nil {
		return fmt.Errorf("a server is running at %s; add directories with \"ruiji watch add\" instead", serverURL)
	}
	return withLocal(ctx, func(c *Components) error {
		bar := newIngestBar(cmd.ErrOrStderr())
		idx, err := indexer.New(c.Index, extract.NewExtractor(), cfg.Ingest,
			indexer.WithLogger(logger),
			indexer.WithTags(ingestTags...),
			indexer.WithProgress(bar.update))
		if err != nil {
			return err
		}
		var total indexer.Stats
		for _, p := range args {
			info, err := os.Stat(p)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				indexed, err := idx.IndexFile(ctx, p)
				switch {
				case err != nil:
					total.Failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", p, err)
				case indexed:
					total.Files++
				default:
					total.Skipped++
				}
				continue
			}
			stats, err := idx.IndexDirectory(ctx, p)
			total.Files += stats.Files
			total.Skipped += stats.Skipped
			total.Failed += stats.Failed
			total.Removed += stats.Removed
			if err != nil {
				bar.finish()
				return err
			}
		}
		bar.finish()
		total.Chunks, _ = c.Index.Count(ctx)
		if output == cli.OutputJSON {
			return cli.WriteJSON(out, total)
		}
		fmt.Fprintf(out, "Indexed %d files (%d unchanged, %d failed, %d removed); %d chunks in index\n",
			total.Files, total.Skipped, total.Failed, total.Removed, total.Chunks)
		return nil
	})
}

// ingestBar shows a spinner while a directory of unknown size is walked.
type ingestBar struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newIngestBar(w io.Writer) *ingestBar {
	if ingestQuiet || output == cli.OutputJSON {
		return &ingestBar{}
	}
	return &ingestBar{bar: progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("[cyan]Indexing[reset]"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)}
}

func (b *ingestBar) update(path string, stats indexer.Stats) {
	if b.bar == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bar.Describe(fmt.Sprintf("[cyan]Indexing[reset] %s (%d new, %d unchanged)", cli.Truncate(filepath.Base(path), 40), stats.Files, stats.Skipped))
	_ = b.bar.Add(1)
}

func (b *ingestBar) finish() {
	if b.bar != nil {
		_ = b.bar.Finish()
	}
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := sourceIDFor(args[0])
	if c := remote(ctx); c != nil {
		n, err := c.DeleteDocument(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s (%d chunks)\n", id, n)
		return nil
	}
	return withLocal(ctx, func(c *Components) error {
		n, err := c.Indexer.RemoveSource(ctx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("source %s not found", id)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s (%d chunks)\n", id, n)
		return nil
	})
}

// sourceIDFor maps an existing file path to its source id; anything else is
// taken to be a source id already.
func sourceIDFor(arg string) string {
	if strings.HasPrefix(arg, "file:") || strings.HasPrefix(arg, "doc:") {
		return arg
	}
	if _, err := os.Stat(arg); err == nil {
		if abs, err := filepath.Abs(arg); err == nil {
			return fileid.SourceID(abs)
		}
	}
	return arg
}
