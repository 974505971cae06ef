package cmd

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-ingest/config"
	"github.com/dhcgn/mail-ingest/model"
	"github.com/dhcgn/mail-ingest/record"
)

func writeRecord(t *testing.T, dir, stem, from, subject string, to []string, attachments ...string) {
	t.Helper()
	rec := &model.Record{
		NativeID:   stem,
		ReceivedAt: time.Date(2026, 1, 13, 10, 30, 0, 0, time.UTC),
		From:       from,
		To:         to,
		Subject:    subject,
		NewContent: "hello",
		Path:       filepath.Join(dir, stem+record.Extension),
	}
	for _, a := range attachments {
		rec.Attachments = append(rec.Attachments, model.AttachmentRecord{Filename: a, OriginalFilename: a})
	}
	require.NoError(t, record.Write(rec))
}

func TestCountRecords(t *testing.T) {
	dir := t.TempDir()
	writeRecord(t, dir, "a", "alice@example.com", "Invoice", []string{"me@example.com"}, "bill.PDF")
	writeRecord(t, dir, "b", "alice@example.com", "Invoice", []string{"me@example.com", "you@example.com"})
	writeRecord(t, dir, "c", "bob@example.com", "Lunch", nil, "notes")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.md"), []byte("no front matter"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_seen.json"), []byte(`{"ids":[]}`), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "a_attachments"), 0o755))

	counts, err := countRecords(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.Equal(t, 3, counts.Records)
	assert.Equal(t, 1, counts.Malformed)
	assert.Equal(t, map[string]int{"alice@example.com": 2, "bob@example.com": 1}, counts.Values["From"])
	assert.Equal(t, map[string]int{"me@example.com": 2, "you@example.com": 1}, counts.Values["To"])
	assert.Equal(t, map[string]int{"Invoice": 2, "Lunch": 1}, counts.Values["Subject"])
	assert.Equal(t, map[string]int{"pdf": 1, "(none)": 1}, counts.Values["Attachment"])
}

func TestCountRecords_MissingDir(t *testing.T) {
	_, err := countRecords(filepath.Join(t.TempDir(), "missing"), slog.Default())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSaveCSVReports(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	counter := map[string]map[string]int{
		"From":    {"a@example.com": 1, "b@example.com": 3, "c@example.com": 2},
		"Subject": {},
	}
	require.NoError(t, saveCSVReports(counter, []string{"From", "Subject"}, dir, 2))

	from, err := os.ReadFile(filepath.Join(dir, "report_from.csv"))
	require.NoError(t, err)
	assert.Equal(t, "Value,Count\nb@example.com,3\nc@example.com,2\n", string(from))

	subject, err := os.ReadFile(filepath.Join(dir, "report_subject.csv"))
	require.NoError(t, err)
	assert.Equal(t, "Value,Count\n", string(subject))
}

func TestSplitCommand(t *testing.T) {
	var out bytes.Buffer
	splitCmd.SetIn(strings.NewReader("Sounds good.\r\n\r\nOn Mon, Jan 12, 2026 at 9:00 AM Sam wrote:\r\n> Lunch?\r\n"))
	splitCmd.SetOut(&out)
	t.Cleanup(func() {
		splitCmd.SetIn(nil)
		splitCmd.SetOut(nil)
	})

	require.NoError(t, splitCmd.RunE(splitCmd, nil))
	text := out.String()
	assert.Contains(t, text, "--- new content ---\nSounds good.\n")
	assert.Contains(t, text, "--- quoted content ---\nOn Mon, Jan 12, 2026 at 9:00 AM Sam wrote:\n> Lunch?\n")
	assert.NotContains(t, text, "marker: none")
}

func TestSetupLogger_WritesLogFile(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	logger, cleanup, err := setupLogger(config.Logging{Level: "debug", Dir: dir}, &out)
	require.NoError(t, err)

	logger.Debug("hello", "runID", "r1")
	require.NoError(t, cleanup())

	assert.Contains(t, out.String(), "msg=hello runID=r1")
	data, err := os.ReadFile(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=hello")
}
