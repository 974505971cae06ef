package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-ingest/attachment"
	"github.com/dhcgn/mail-ingest/config"
	"github.com/dhcgn/mail-ingest/filter"
	"github.com/dhcgn/mail-ingest/imap"
	"github.com/dhcgn/mail-ingest/ledger"
	"github.com/dhcgn/mail-ingest/mbox"
	"github.com/dhcgn/mail-ingest/pop3"
	"github.com/dhcgn/mail-ingest/progress"
	"github.com/dhcgn/mail-ingest/record"
	"github.com/dhcgn/mail-ingest/runner"
	"github.com/dhcgn/mail-ingest/source"
)

// maxListedPaths caps the record paths printed after a run.
const maxListedPaths = 10

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Write a record for every message not ingested before",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cmd)
		if err != nil {
			return err
		}

		logger, cleanup, err := setupLogger(cfg.Log, os.Stdout)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		slog.SetDefault(logger)
		logger.Info("starting mail-ingest", "source", cfg.Source, "folder", cfg.Folder, "output", cfg.OutputDir,
			"limit", cfg.Limit, "ledger", cfg.Ledger, "dryRun", cfg.DryRun)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runIngest(ctx, cfg, logger)
	},
}

func init() {
	config.RegisterFlags(ingestCmd)
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	f, err := filter.New(cfg.Filter)
	if err != nil {
		return fmt.Errorf("create filter: %w", err)
	}
	if !cfg.Filter.Active() {
		f = nil
	}

	src, err := openSource(cfg, f, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn("closing source failed", "err", err)
		}
	}()

	store, err := openLedger(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	builder := record.NewBuilder(attachment.NewSaver(logger), logger)
	r, err := runner.New(src, store, builder, runner.Options{OutputDir: cfg.OutputDir, DryRun: cfg.DryRun}, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	var bar *progress.Bar
	if cfg.Progress {
		bar = progress.New(cfg.Limit, true)
		r.Subscribe(bar)
	}

	started := time.Now()
	res, err := r.Run(ctx, cfg.Folder, cfg.Limit)
	if bar != nil {
		bar.Stop()
	}
	if res != nil {
		progress.PrintSummary(res.Summary, res.Paths, time.Since(started), maxListedPaths)
	}
	if checked, rejected := f.Counts(); checked > 0 {
		logger.Info("filter summary", "checked", checked, "rejected", rejected)
	}
	if err != nil {
		return err
	}
	if res.Interrupted {
		return fmt.Errorf("ingest interrupted: %w", ctx.Err())
	}
	return nil
}

func openSource(cfg config.Config, f *filter.Filter, logger *slog.Logger) (source.Source, error) {
	switch cfg.Source {
	case config.SourceMbox:
		s, err := mbox.New(mbox.Options{Path: cfg.MboxPath, Filter: f}, logger)
		if err != nil {
			return nil, fmt.Errorf("mbox.New: %w", err)
		}
		if count, err := s.CountMessages(); err == nil {
			logger.Info("mbox archive opened", "path", cfg.MboxPath, "messages", count)
		}
		return s, nil
	case config.SourcePOP3:
		s, err := pop3.New(pop3.Options{
			Host:               cfg.Host,
			Port:               cfg.Port,
			Username:           cfg.User,
			Password:           cfg.Pass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			SinceDays:          cfg.SinceDays,
			Filter:             f,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("pop3.New: %w", err)
		}
		return s, nil
	default:
		s, err := imap.New(imap.Options{
			Host:               cfg.Host,
			Port:               cfg.Port,
			Username:           cfg.User,
			Password:           cfg.Pass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			SinceDays:          cfg.SinceDays,
			Filter:             f,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("imap.New: %w", err)
		}
		return s, nil
	}
}

// openLedger opens the configured ledger. A dry run against a ledger that
// does not exist yet uses an empty in-memory one so nothing is created.
func openLedger(cfg config.Config, logger *slog.Logger) (ledger.Store, error) {
	if cfg.DryRun {
		if _, err := os.Stat(cfg.LedgerPath); errors.Is(err, os.ErrNotExist) {
			return ledger.NewMemoryLedger(), nil
		}
	}
	store, err := ledger.Open(cfg.Ledger, cfg.LedgerPath, cfg.OnCorruptLedger, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return store, nil
}
