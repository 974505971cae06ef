package stats

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	c := NewCollector()
	boom := errors.New("boom")
	for _, evt := range []Event{
		{Type: EventTypeScanned},
		{Type: EventTypeScanned},
		{Type: EventTypeScanned},
		{Type: EventTypeDuplicate},
		{Type: EventTypeFiltered},
		{Type: EventTypeLedgerLoaded, Count: 7},
		{Type: EventTypeWritten},
		{Type: EventTypeAttachmentError, Count: 2},
		{Type: EventTypeAttachmentError},
		{Type: EventTypeFailed, Err: boom},
		{Type: EventTypeSourceError},
		{Type: EventTypeLedgerSaved},
	} {
		c.Observe(evt)
	}

	got := c.Snapshot()
	assert.Equal(t, Summary{
		Scanned:          3,
		Duplicates:       1,
		Filtered:         1,
		Written:          1,
		Failed:           1,
		SourceErrors:     1,
		AttachmentErrors: 3,
		LastError:        boom,
	}, got)
	assert.Contains(t, got.LogAttrs(), "lastError")
}

func TestReporter_FinishWithoutLogger(t *testing.T) {
	r := NewReporter(nil)
	r.Observe(Event{Type: EventTypeWritten})
	assert.Equal(t, 1, r.Finish(nil).Written)
	assert.Equal(t, 1, r.Summary().Written)
}

func TestReporter_FinishLogs(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(slog.New(slog.NewTextHandler(&buf, nil)))
	r.Observe(Event{Type: EventTypeScanned})
	r.Observe(Event{Type: EventTypeWritten})

	summary := r.Finish(nil, "seen", 4)
	assert.Equal(t, 1, summary.Written)
	assert.Contains(t, buf.String(), "msg=\"ingest finished\"")
	assert.Contains(t, buf.String(), "written=1")
	assert.Contains(t, buf.String(), "seen=4")

	buf.Reset()
	r.Finish(errors.New("disk full"))
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "err=\"disk full\"")
}

func TestObserverFunc(t *testing.T) {
	var seen []EventType
	var o Observer = ObserverFunc(func(evt Event) { seen = append(seen, evt.Type) })
	o.Observe(Event{Type: EventTypeDryRun})
	assert.Equal(t, []EventType{EventTypeDryRun}, seen)
}

func TestTop(t *testing.T) {
	m := map[string]int{"b": 2, "a": 2, "c": 5, "d": 1}
	assert.Equal(t, []Count{{"c", 5}, {"a", 2}, {"b", 2}}, Top(m, 3))
	assert.Len(t, Top(m, 10), 4)

	var buf bytes.Buffer
	PrettyPrintTop(&buf, m, 2)
	assert.Equal(t, "1. c (5)\n2. a (2)\n", buf.String())
}
