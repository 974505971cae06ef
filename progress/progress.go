package progress

import (
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-ingest/stats"
)

var _ stats.Observer = (*Bar)(nil)

// Bar shows a progress bar over the candidates of one ingest run. Its total
// is the record limit, or unknown when the run is unlimited. The bar starts
// once the runner reports the loaded ledger.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar when enabled is set. A total of zero or less
// shows a bar that grows with every scanned candidate.
func New(total int, enabled bool) *Bar {
	return &Bar{total: total, enabled: enabled}
}

func (b *Bar) start(alreadySeen int) {
	pterm.Info.Printf("Already in ledger: %d\n", alreadySeen)
	if b.total > 0 {
		pterm.Info.Printf("Record limit: %d\n", b.total)
	}
	pterm.Println()

	steps := b.total
	if steps <= 0 {
		steps = 1
	}
	pb, err := pterm.DefaultProgressbar.
		WithTotal(steps).
		WithTitle("Ingesting messages").
		WithRemoveWhenDone(false).
		Start()
	if err != nil {
		b.enabled = false
		return
	}
	b.pb = pb
}

// Observe advances the bar. Only written records count against the limit.
func (b *Bar) Observe(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if evt.Type == stats.EventTypeLedgerLoaded {
		if b.pb == nil {
			b.start(evt.Count)
		}
		return
	}
	if b.pb == nil {
		return
	}

	switch evt.Type {
	case stats.EventTypeScanned:
		if b.total <= 0 {
			// Keep the total ahead so the bar does not finish early.
			b.pb.Total = b.pb.Current + 2
			b.pb.Increment()
		}
	case stats.EventTypeWritten, stats.EventTypeDryRun:
		if evt.Subject != "" {
			title := evt.Subject
			if len(title) > 40 {
				title = title[:37] + "..."
			}
			b.pb.UpdateTitle("Ingested: " + title)
		}
		if b.total > 0 {
			b.pb.Increment()
		}
	case stats.EventTypeFailed, stats.EventTypeSourceError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	case stats.EventTypeAttachmentError:
		pterm.Warning.Printf("%d attachment(s) not saved for %s\n", max(evt.Count, 1), evt.NativeID)
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.pb.Total {
		b.pb.Current = b.pb.Total
	}
	_, _ = b.pb.Stop()
}

// PrintSummary renders the final numbers of a run and the first written
// record paths.
func PrintSummary(summary stats.Summary, paths []string, duration time.Duration, maxPaths int) {
	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Scanned: %d\n", summary.Scanned)
	pterm.Info.Printf("Already seen (skipped): %d\n", summary.Duplicates)
	if summary.Filtered > 0 {
		pterm.Info.Printf("Filtered: %d\n", summary.Filtered)
	}
	pterm.Info.Printf("Written: %d\n", summary.Written)
	if summary.DryRun > 0 {
		pterm.Info.Printf("Dry-run: %d\n", summary.DryRun)
	}
	pterm.Info.Printf("Failed: %d\n", summary.Failed)
	pterm.Info.Printf("Source errors: %d\n", summary.SourceErrors)
	pterm.Info.Printf("Attachment errors: %d\n", summary.AttachmentErrors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}

	if len(paths) == 0 {
		return
	}
	pterm.Println()
	pterm.Success.Printf("Saved %d record(s):\n", len(paths))
	for i, p := range paths {
		if i == maxPaths {
			pterm.Printf("  ... and %d more\n", len(paths)-maxPaths)
			break
		}
		pterm.Printf("  %s\n", p)
	}
}
