package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-ingest/config"
	"github.com/dhcgn/mail-ingest/record"
	"github.com/dhcgn/mail-ingest/stats"
)

var (
	statsRecordDir string
	statsReportDir string
	statsTopN      int
)

// Report categories, in print order.
var recordFields = []string{"From", "To", "Subject", "Attachment"}

// recordCounts tallies the values of every report category.
type recordCounts struct {
	Records   int
	Malformed int
	Values    map[string]map[string]int
}

var recordStatsCmd = &cobra.Command{
	Use:   "record-stats",
	Short: "Analyse the written records and show statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, cleanup, err := commandLogger(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		counts, err := countRecords(statsRecordDir, logger)
		if err != nil {
			return fmt.Errorf("error reading records: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Analysed %d records in %s (%d malformed)\n\n", counts.Records, statsRecordDir, counts.Malformed)
		for _, field := range recordFields {
			fmt.Fprintf(out, "Top %d %s:\n", statsTopN, field)
			stats.PrettyPrintTop(out, counts.Values[field], statsTopN)
			fmt.Fprintln(out)
		}

		if statsReportDir == "" {
			return nil
		}
		if err := saveCSVReports(counts.Values, recordFields, statsReportDir, 1000); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}
		fmt.Fprintf(out, "Reports saved to directory: %s\n", statsReportDir)
		return nil
	},
}

func init() {
	recordStatsCmd.Flags().StringVar(&statsRecordDir, "output", config.DefaultOutputDir, "Record directory to analyse")
	recordStatsCmd.Flags().StringVarP(&statsReportDir, "report-dir", "r", "", "Write CSV reports to this directory")
	recordStatsCmd.Flags().IntVarP(&statsTopN, "top", "t", 10, "Number of top items to display in statistics")
	rootCmd.AddCommand(recordStatsCmd)
}

// countRecords reads every record file directly inside dir. Files that do not
// parse as records are counted and skipped.
func countRecords(dir string, logger *slog.Logger) (recordCounts, error) {
	counts := recordCounts{Values: make(map[string]map[string]int, len(recordFields))}
	for _, field := range recordFields {
		counts.Values[field] = make(map[string]int)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return counts, err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != record.Extension {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return counts, err
		}
		rec, err := record.Parse(data)
		if err != nil {
			counts.Malformed++
			logger.Warn("skipping malformed record", "path", path, "err", err)
			continue
		}

		counts.Records++
		if rec.From != "" {
			counts.Values["From"][rec.From]++
		}
		for _, to := range rec.To {
			counts.Values["To"][to]++
		}
		counts.Values["Subject"][rec.Subject]++
		for _, a := range rec.Attachments {
			counts.Values["Attachment"][attachmentKind(a.OriginalFilename)]++
		}
	}
	return counts, nil
}

func attachmentKind(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		return "(none)"
	}
	return ext
}

func saveCSVReports(counter map[string]map[string]int, fields []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, field := range fields {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeFieldName(field)))
		if err := writeCSVReport(filePath, counter[field], limit); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVReport(path string, counts map[string]int, limit int) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()
	return writeCSV(file, counts, limit)
}

func writeCSV(w io.Writer, counts map[string]int, limit int) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range stats.Top(counts, limit) {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func normalizeFieldName(field string) string {
	name := strings.ToLower(field)
	name = strings.ReplaceAll(name, "-", "_")
	return strings.ReplaceAll(name, " ", "_")
}
