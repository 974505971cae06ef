package stats

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageSource Stage = "source"
	StageRecord Stage = "record"
	StageLedger Stage = "ledger"
)

type EventType string

const (
	EventTypeScanned         EventType = "scanned"
	EventTypeDuplicate       EventType = "duplicate"
	EventTypeFiltered        EventType = "filtered"
	EventTypeWritten         EventType = "written"
	EventTypeDryRun          EventType = "dry_run"
	EventTypeFailed          EventType = "failed"
	EventTypeSourceError     EventType = "source_error"
	EventTypeAttachmentError EventType = "attachment_error"
	EventTypeLedgerLoaded    EventType = "ledger_loaded"
	EventTypeLedgerSaved     EventType = "ledger_saved"
)

type Event struct {
	Stage    Stage
	Type     EventType
	NativeID string
	Subject  string
	Path     string
	// Count is used by events that cover more than one item, such as the
	// number of failed attachments of a record.
	Count int
	Err   error
}

// Observer receives events synchronously from the runner.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(evt Event) { f(evt) }

type Summary struct {
	Scanned          int
	Duplicates       int
	Filtered         int
	Written          int
	DryRun           int
	Failed           int
	SourceErrors     int
	AttachmentErrors int
	LastError        error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"duplicates", s.Duplicates,
		"filtered", s.Filtered,
		"written", s.Written,
		"dryRun", s.DryRun,
		"failed", s.Failed,
		"sourceErrors", s.SourceErrors,
		"attachmentErrors", s.AttachmentErrors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Observe(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeWritten:
		c.summary.Written++
	case EventTypeDryRun:
		c.summary.DryRun++
	case EventTypeFailed:
		c.summary.Failed++
	case EventTypeSourceError:
		c.summary.SourceErrors++
	case EventTypeAttachmentError:
		n := evt.Count
		if n <= 0 {
			n = 1
		}
		c.summary.AttachmentErrors += n
	}
	if evt.Err != nil {
		c.summary.LastError = evt.Err
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Reporter logs the summary of a run when it finishes.
type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(logger *slog.Logger) *Reporter {
	return &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
}

func (r *Reporter) Observe(evt Event) {
	r.collector.Observe(evt)
}

// Finish logs the summary together with extra key/value attrs. A non-nil
// err marks a run that could not persist its result.
func (r *Reporter) Finish(err error, attrs ...any) Summary {
	summary := r.collector.Snapshot()
	if r.logger == nil {
		return summary
	}
	attrs = append(append(summary.LogAttrs(), attrs...), "duration", time.Since(r.started))
	if err != nil {
		r.logger.Error("ingest failed", append(attrs, "err", err)...)
		return summary
	}
	r.logger.Info("ingest finished", attrs...)
	return summary
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Count is a key with its number of occurrences.
type Count struct {
	Key   string
	Value int
}

// Top returns the limit most frequent keys of m, ties broken by key.
func Top(m map[string]int, limit int) []Count {
	pairs := make([]Count, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Count{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})
	if limit >= 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
