package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dhcgn/mail-ingest/config"
)

const logFileName = "mail-ingest.log"

var rootCmd = &cobra.Command{
	Use:   "mail-ingest",
	Short: "Ingest mail into local markdown records, each message exactly once",
	Long: `mail-ingest polls a mailbox (IMAP, POP3 or an mbox archive), writes one
markdown record per message it has not seen before, stores attachments next
to the record and remembers what it ingested in a ledger.`,
	SilenceUsage: true,
}

func init() {
	config.RegisterPersistentFlags(rootCmd)
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// commandLogger applies the config file, reads the logging flags and installs
// the resulting logger as default.
func commandLogger(cmd *cobra.Command) (*slog.Logger, func() error, error) {
	if err := config.ApplyFile(cmd); err != nil {
		return nil, nil, err
	}
	logCfg, err := config.LoadLogging(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, cleanup, err := setupLogger(logCfg, os.Stdout)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, cleanup, nil
}

func setupLogger(cfg config.Logging, out io.Writer) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.Level {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, cleanup, err
		}

		file := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, logFileName),
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
		}

		handler := slog.NewTextHandler(io.MultiWriter(out, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(out, opts)
	return slog.New(handler), cleanup, nil
}
