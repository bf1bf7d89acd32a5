// Package cli provides output formatting and an HTTP client for the ruiji CLI.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/ruiji/internal/models"
)

// OutputFormat selects how command results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact is one line per result.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts text, compact and json.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "", OutputText:
		return OutputText, nil
	case OutputCompact, OutputJSON:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text, compact or json)", s)
}

const rule = "─────────────────────────────────────────────────────────"

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return WriteJSON(w, response)
	case OutputCompact:
		for _, r := range response.Results {
			fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\t%s\n", r.Rank, r.Score, r.MatchType, r.Item.ID, TruncateWords(r.Item.Text, 12))
		}
		return nil
	default:
		writeSearchResultsText(w, response)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse) {
	fmt.Fprintf(w, "\nFound %d results in %dms (mode: %s", response.Total, response.QueryTime, response.Mode)
	if response.Metric != "" && response.Mode != models.ModeText {
		fmt.Fprintf(w, ", metric: %s", response.Metric)
	}
	fmt.Fprintln(w, ")")
	if response.FallbackUsed {
		fmt.Fprintf(w, "Fell back to text matching: %s\n", response.FallbackReason)
	}
	fmt.Fprintln(w)
	for _, r := range response.Results {
		fmt.Fprintln(w, rule)
		fmt.Fprintf(w, "Rank: %d | Score: %.4f | Match: %s\n", r.Rank, r.Score, r.MatchType)
		fmt.Fprintf(w, "ID: %s\n", r.Item.ID)
		if subject, _ := r.Item.Metadata[models.MetaSubject].(string); subject != "" {
			fmt.Fprintf(w, "Subject: %s\n", subject)
		}
		text := r.Highlight
		if text == "" {
			text = Truncate(r.Item.Text, 200)
		}
		fmt.Fprintf(w, "\n%s\n\n", text)
	}
}

// WriteClusters writes a clustering run.
func WriteClusters(w io.Writer, set *models.ClusterSet, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, set)
	}
	if format == OutputCompact {
		for _, c := range set.Clusters {
			fmt.Fprintf(w, "%s\t%d\t%s\n", c.ID, c.Size(), strings.Join(c.DominantTerms, ","))
		}
		return nil
	}
	fmt.Fprintf(w, "\n%d clusters (%s, k=%d", len(set.Clusters), set.Algorithm, set.EffectiveK)
	if set.KAdjusted {
		fmt.Fprintf(w, ", reduced from %d", set.RequestedK)
	}
	fmt.Fprintf(w, ") over %d items, %d excluded, %d iterations", set.Included, set.Excluded, set.Iterations)
	if !set.Converged {
		fmt.Fprint(w, ", not converged")
	}
	fmt.Fprintf(w, "\n\n")
	for _, c := range set.Clusters {
		fmt.Fprintln(w, rule)
		fmt.Fprintf(w, "%s (%d members)\n", c.ID, c.Size())
		if len(c.DominantTerms) > 0 {
			fmt.Fprintf(w, "Terms: %s\n", strings.Join(c.DominantTerms, ", "))
		}
		fmt.Fprintf(w, "Members: %s\n\n", TruncateWords(strings.Join(c.MemberIDs, " "), 10))
	}
	return nil
}

// WriteCompare writes a similarity matrix with one row per text.
func WriteCompare(w io.Writer, resp *models.CompareResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, resp)
	}
	if format == OutputText {
		fmt.Fprintf(w, "\n%s similarity (%s/%s)\n\n", resp.Metric, resp.Provider, resp.Model)
		for i, t := range resp.Texts {
			fmt.Fprintf(w, "[%d] %s\n", i, Truncate(t, 60))
		}
		fmt.Fprintln(w)
	}
	for _, row := range resp.Matrix {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprintf("%.4f", v)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	return nil
}

// WriteEmbed writes an embedding summary. Text output reports sizes, not vectors.
func WriteEmbed(w io.Writer, resp *models.EmbedResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, resp)
	}
	fmt.Fprintf(w, "provider: %s model: %s dimensions: %d tokens: %d\n", resp.Provider, resp.Model, resp.Dimensions, resp.TokenUsage)
	for i, v := range resp.Vectors {
		switch {
		case v == nil:
			fmt.Fprintf(w, "[%d] null\n", i)
		case format == OutputCompact:
			fmt.Fprintf(w, "[%d] %d\n", i, len(v))
		default:
			fmt.Fprintf(w, "[%d] %s\n", i, previewVector(v, 4))
		}
	}
	if len(resp.FailedIndices) > 0 {
		fmt.Fprintf(w, "failed: %v\n", resp.FailedIndices)
	}
	return nil
}

func previewVector(v []float32, n int) string {
	parts := make([]string, 0, n+1)
	for i := 0; i < len(v) && i < n; i++ {
		parts = append(parts, fmt.Sprintf("%.4f", v[i]))
	}
	if len(v) > n {
		parts = append(parts, fmt.Sprintf("... (%d)", len(v)))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// WriteProviders writes provider health and usage as a table.
func WriteProviders(w io.Writer, providers []models.ProviderStatus) {
	for _, p := range providers {
		state := "healthy"
		if !p.Healthy {
			state = "unhealthy"
		}
		fmt.Fprintf(w, "  %d. %s (%s, %dd) %s, %dms, calls=%d failures=%d texts=%d tokens=%d\n",
			p.Priority, p.ProviderName, p.Model, p.Dimensions, state, p.LastLatencyMs,
			p.Usage.Calls, p.Usage.Failures, p.Usage.Texts, p.Usage.Tokens)
		if p.LastError != "" {
			fmt.Fprintf(w, "     last error: %s\n", p.LastError)
		}
	}
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Truncate truncates s to maxLen runes and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if maxLen <= 0 || len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
