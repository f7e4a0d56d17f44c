package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/NekoEpisode/FileXE/pkg/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect an event journal",
}

var journalShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print journaled events",
	RunE:  runJournalShow,
}

// Journal show flags
var (
	journalFile  string
	journalFrom  uint64
	journalLimit int
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalShowCmd)

	journalShowCmd.Flags().StringVarP(&journalFile, "file", "f", "", "Journal file (required)")
	journalShowCmd.Flags().Uint64Var(&journalFrom, "from", 1, "First entry to print")
	journalShowCmd.Flags().IntVarP(&journalLimit, "limit", "n", 0, "Maximum entries to print (0 for all)")
	journalShowCmd.MarkFlagRequired("file")
}

func runJournalShow(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")

	// Opening creates the file, which would hide a mistyped path.
	if _, err := os.Stat(journalFile); err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}

	j, err := journal.Open(journalFile, newLogger(logLevel))
	if err != nil {
		return err
	}
	defer j.Close()

	records, err := j.Entries(journalFrom, journalLimit)
	if err != nil {
		return err
	}
	return printRecords(cmd.OutOrStdout(), records)
}

func printRecords(out io.Writer, records []journal.Record) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tTIME\tEVENT\tPATH\tDETAIL")
	for _, rec := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			rec.Index,
			rec.Time.Local().Format(time.RFC3339),
			rec.Kind,
			rec.Path,
			recordDetail(rec),
		)
	}
	return w.Flush()
}

func recordDetail(rec journal.Record) string {
	switch {
	case rec.NewPath != "":
		return "-> " + rec.NewPath
	case rec.HasSize:
		return humanize.IBytes(uint64(rec.Size))
	default:
		return ""
	}
}
