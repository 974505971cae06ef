package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/dhcgn/mail-ingest/ledger"
	"github.com/dhcgn/mail-ingest/model"
	"github.com/dhcgn/mail-ingest/record"
	"github.com/dhcgn/mail-ingest/source"
	"github.com/dhcgn/mail-ingest/stats"
)

type Options struct {
	OutputDir string
	// DryRun derives record paths without writing records, attachments or
	// the ledger.
	DryRun bool
}

// Result describes one finished run.
type Result struct {
	RunID string
	// Paths lists the written records in ingestion order. In a dry run it
	// lists the paths that would have been written.
	Paths   []string
	Summary stats.Summary
	// Seen is the size of the ledger after the run.
	Seen int
	// Interrupted is set when the context ended the run early.
	Interrupted bool
}

// Runner drives one ingestion pass: it pulls candidates from the source,
// skips what the ledger already knows, writes a record per new message and
// saves the ledger once at the end.
type Runner struct {
	source    source.Source
	ledger    ledger.Store
	opts      Options
	logger    *slog.Logger
	observers []stats.Observer
	build     func(msg *model.Message, baseDir string) (*model.Record, error)
	write     func(*model.Record) error
}

func New(src source.Source, store ledger.Store, builder *record.Builder, opts Options, logger *slog.Logger) (*Runner, error) {
	if src == nil {
		return nil, fmt.Errorf("source must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("ledger must not be nil")
	}
	if builder == nil {
		return nil, fmt.Errorf("record builder must not be nil")
	}
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("output directory is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		source: src,
		ledger: store,
		opts:   opts,
		logger: logger,
		build:  builder.Build,
		write:  record.Write,
	}, nil
}

// Subscribe registers an observer for the events of subsequent runs.
func (r *Runner) Subscribe(o stats.Observer) {
	r.observers = append(r.observers, o)
}

// Run ingests up to limit new messages from folder, newest first. A limit of
// zero or less means no limit. Per-message failures are logged and counted;
// only ledger failures are returned.
func (r *Runner) Run(ctx context.Context, folder string, limit int) (*Result, error) {
	runID := uuid.NewString()
	logger := r.logger.With("runID", runID)
	reporter := stats.NewReporter(logger)
	emit := func(evt stats.Event) {
		reporter.Observe(evt)
		for _, o := range r.observers {
			o.Observe(evt)
		}
	}

	seen, err := r.ledger.Load()
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	emit(stats.Event{Stage: stats.StageLedger, Type: stats.EventTypeLedgerLoaded, Count: seen.Len()})

	if !r.opts.DryRun {
		if err := os.MkdirAll(r.opts.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	folder = source.Folder(folder)
	logger.Info("ingest started", "folder", folder, "limit", limit, "seen", seen.Len(), "dryRun", r.opts.DryRun)

	result := &Result{RunID: runID}
	fresh := ledger.NewSeenSet()

	for c, err := range r.source.Candidates(ctx, folder) {
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				break
			}
			r.sourceError(logger, err, emit)
			continue
		}
		if c == nil {
			continue
		}

		emit(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeScanned, NativeID: c.NativeID})
		if c.NativeID == "" {
			logger.Error("candidate without native id", "err", record.ErrNoNativeID)
			emit(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeFailed, Err: record.ErrNoNativeID})
			continue
		}
		if seen.Has(c.NativeID) || fresh.Has(c.NativeID) {
			emit(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeDuplicate, NativeID: c.NativeID})
			continue
		}

		msg, err := c.Fetch()
		if err != nil {
			r.sourceError(logger, err, emit)
			continue
		}
		if msg == nil {
			logger.Debug("candidate filtered", "nativeID", c.NativeID)
			emit(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeFiltered, NativeID: c.NativeID})
			continue
		}
		msg.NativeID = c.NativeID

		path, ok := r.ingest(logger, msg, emit)
		if !ok {
			continue
		}
		result.Paths = append(result.Paths, path)
		if !r.opts.DryRun {
			fresh.Add(msg.NativeID)
		}
		if limit > 0 && len(result.Paths) >= limit {
			break
		}
	}

	if ctx.Err() != nil {
		result.Interrupted = true
		logger.Warn("ingest interrupted", "err", ctx.Err())
	}

	seen.Merge(fresh)
	result.Seen = seen.Len()
	if !r.opts.DryRun && (fresh.Len() > 0 || ledger.NeedsRepair(r.ledger)) {
		if err := r.ledger.Save(seen); err != nil {
			err = fmt.Errorf("save ledger: %w", err)
			result.Summary = reporter.Finish(err, "seen", result.Seen, "new", fresh.Len())
			return result, err
		}
		emit(stats.Event{Stage: stats.StageLedger, Type: stats.EventTypeLedgerSaved, Count: fresh.Len()})
	}

	result.Summary = reporter.Finish(nil, "seen", result.Seen)
	return result, nil
}

func (r *Runner) sourceError(logger *slog.Logger, err error, emit func(stats.Event)) {
	logger.Warn("source error", "err", err)
	emit(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeSourceError, NativeID: nativeIDOf(err), Err: err})
}

// ingest turns one unseen message into a record on disk and reports the
// record path. False means the message stays unseen.
func (r *Runner) ingest(logger *slog.Logger, msg *model.Message, emit func(stats.Event)) (string, bool) {
	if r.opts.DryRun {
		if msg.NativeID == "" {
			emit(stats.Event{Stage: stats.StageRecord, Type: stats.EventTypeFailed, Subject: msg.Subject, Err: record.ErrNoNativeID})
			return "", false
		}
		path, _ := record.Paths(r.opts.OutputDir, record.Stem(msg))
		logger.Debug("dry-run record", "nativeID", msg.NativeID, "subject", msg.Subject, "path", path,
			"attachments", len(msg.Attachments))
		emit(stats.Event{Stage: stats.StageRecord, Type: stats.EventTypeDryRun, NativeID: msg.NativeID, Subject: msg.Subject, Path: path})
		return path, true
	}

	rec, err := r.build(msg, r.opts.OutputDir)
	if err != nil {
		logger.Error("record build failed", "nativeID", msg.NativeID, "subject", msg.Subject, "err", err)
		emit(stats.Event{Stage: stats.StageRecord, Type: stats.EventTypeFailed, NativeID: msg.NativeID, Subject: msg.Subject, Err: err})
		return "", false
	}
	if rec.AttachmentErrors > 0 {
		emit(stats.Event{Stage: stats.StageRecord, Type: stats.EventTypeAttachmentError, NativeID: msg.NativeID, Count: rec.AttachmentErrors})
	}

	if err := r.write(rec); err != nil {
		logger.Error("record write failed", "nativeID", msg.NativeID, "subject", msg.Subject, "path", rec.Path, "err", err)
		_, attachmentsDir := record.Paths(r.opts.OutputDir, rec.Stem)
		if rmErr := record.RemoveAttachments(attachmentsDir); rmErr != nil {
			logger.Warn("orphaned attachments left behind", "nativeID", msg.NativeID, "err", rmErr)
		}
		emit(stats.Event{Stage: stats.StageRecord, Type: stats.EventTypeFailed, NativeID: msg.NativeID, Subject: msg.Subject, Err: err})
		return "", false
	}

	logger.Debug("record written", "nativeID", msg.NativeID, "path", rec.Path, "attachments", len(rec.Attachments))
	emit(stats.Event{Stage: stats.StageRecord, Type: stats.EventTypeWritten, NativeID: msg.NativeID, Subject: msg.Subject, Path: rec.Path})
	return rec.Path, true
}

func nativeIDOf(err error) string {
	var rerr *source.ReadError
	if errors.As(err, &rerr) {
		return rerr.NativeID
	}
	return ""
}
