package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-ingest/config"
	"github.com/dhcgn/mail-ingest/ledger"
)

var (
	ledgerBackend string
	ledgerPath    string
	ledgerOutput  string
	ledgerList    bool
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the seen ledger",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print how many messages were ingested, optionally listing their native IDs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, cleanup, err := commandLogger(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		path := ledgerPath
		if path == "" {
			path = ledger.DefaultPath(ledgerBackend, ledgerOutput)
		}
		// Inspection must not hide a broken ledger behind an empty one.
		store, err := ledger.Open(ledgerBackend, path, ledger.PolicyFail, logger)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer store.Close()

		seen, err := store.Load()
		if err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %d seen\n", path, seen.Len())
		if ledgerList {
			for _, id := range seen.Sorted() {
				fmt.Fprintln(out, id)
			}
		}
		return nil
	},
}

func init() {
	flags := ledgerShowCmd.Flags()
	flags.StringVar(&ledgerBackend, "ledger", ledger.BackendFile, "Ledger backend: file or sqlite")
	flags.StringVar(&ledgerPath, "ledger-path", "", "Ledger location (default inside --output)")
	flags.StringVar(&ledgerOutput, "output", config.DefaultOutputDir, "Record directory holding the ledger")
	flags.BoolVar(&ledgerList, "list", false, "List every native ID")
	ledgerCmd.AddCommand(ledgerShowCmd)
	rootCmd.AddCommand(ledgerCmd)
}
