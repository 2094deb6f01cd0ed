// Package cli formats command output for csvrag.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hyperjump/csvrag/internal/models"
	"github.com/hyperjump/csvrag/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact prints one line per result.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

const contentPreview = 200

// ParseFormat maps a flag value to an OutputFormat.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteQueryResults writes query results to w in the given format.
func WriteQueryResults(w io.Writer, resp *models.QueryResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, resp)
	case OutputCompact:
		for _, r := range resp.Results {
			fmt.Fprintf(w, "%d\t%.4f\t%d\t%s\n", r.Rank, r.Score, r.ID, utils.Truncate(r.Content, contentPreview))
		}
		return nil
	default:
		writeQueryText(w, resp)
		return nil
	}
}

func writeQueryText(w io.Writer, resp *models.QueryResponse) {
	fmt.Fprintf(w, "\nFound %d results in %dms\n\n", len(resp.Results), resp.QueryTime)
	for _, r := range resp.Results {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		fmt.Fprintf(w, "Rank: %d | Distance: %.4f | ID: %d", r.Rank, r.Score, r.ID)
		if r.ExternalID != "" {
			fmt.Fprintf(w, " | External ID: %s", r.ExternalID)
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "\n%s\n\n", utils.Truncate(r.Content, contentPreview))
	}
	if len(resp.Stale) > 0 {
		fmt.Fprintf(w, "%d stale index entries skipped: %s\n", len(resp.Stale), strings.Join(resp.Stale, ", "))
	}
}

// WriteIngestResults writes one line per ingestion result, or a JSON array.
func WriteIngestResults(w io.Writer, results []*models.IngestResult, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, results)
	}
	for _, r := range results {
		writeIngestLine(w, r)
	}
	return nil
}

func writeIngestLine(w io.Writer, r *models.IngestResult) {
	switch {
	case r.Unchanged:
		fmt.Fprintf(w, "%s: unchanged, skipped\n", r.Source)
	case r.OK():
		fmt.Fprintf(w, "%s: %d rows, %d inserted, %d duplicates, %d invalid\n",
			r.Source, r.Processed, r.Inserted, r.Skipped, r.Failed)
	default:
		fmt.Fprintf(w, "%s: %s (%s) after %d rows, %d inserted: %s\n",
			r.Source, r.State, r.LastFault, r.Processed, r.Inserted, r.Error)
	}
}

// WriteStatus writes store and index status.
func WriteStatus(w io.Writer, st *models.Status, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	fmt.Fprintf(w, "records:            %d   # rows in the metadata store\n", st.Records)
	fmt.Fprintf(w, "vectors:            %d   # entries in the vector index\n", st.Vectors)
	fmt.Fprintf(w, "disk_usage_bytes:   %d   # database + index on disk\n", st.DiskUsageBytes)
	if len(st.Sources) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# sources")
		sources := append([]*models.SourceFile(nil), st.Sources...)
		sort.Slice(sources, func(i, j int) bool { return sources[i].Path < sources[j].Path })
		for _, s := range sources {
			fmt.Fprintf(w, "%-8s %8d  %s", s.Status, s.Rows, s.Path)
			if s.LastError != "" {
				fmt.Fprintf(w, "  (%s)", utils.Truncate(s.LastError, 80))
			}
			fmt.Fprintln(w)
		}
	}
	if len(st.RecentRuns) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# recent runs")
		for _, r := range st.RecentRuns {
			fmt.Fprintf(w, "%s  %-9s %6d rows  %s\n", r.StartedAt.Format("2006-01-02 15:04:05"), r.State, r.Processed, r.Source)
		}
	}
	return nil
}
