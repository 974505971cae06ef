package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-ingest/thread"
)

var splitCmd = &cobra.Command{
	Use:   "split [file]",
	Short: "Split a plain text message body into new and quoted content",
	Long:  "Reads the body from file, or from stdin when the file is \"-\" or omitted, and prints both parts.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if len(args) == 0 || args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}

		body := thread.Normalize(string(data))
		newContent, quoted := thread.Split(body)

		out := cmd.OutOrStdout()
		if m, ok := thread.Locate(body); ok {
			fmt.Fprintf(out, "marker: %s at offset %d\n\n", m.Pattern, m.Offset)
		} else {
			fmt.Fprint(out, "marker: none\n\n")
		}
		fmt.Fprintf(out, "--- new content ---\n%s\n", newContent)
		fmt.Fprintf(out, "--- quoted content ---\n%s\n", quoted)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(splitCmd)
}
