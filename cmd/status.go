package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/parker-ryan1/photo/pkg/storage"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var (
		flagJournal string
		flagRecent  int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize the capture journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseDir := ""
			if flagJournal == "" {
				_, cfg, err := loadConfig()
				if err != nil {
					return err
				}
				baseDir = cfg.BaseDirectory
			}
			path, err := storage.ResolveDatabasePath(flagJournal, baseDir)
			if err != nil {
				return err
			}
			sum, err := storage.ReadSummary(cmd.Context(), path, flagRecent)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), path, sum, time.Now())
			return nil
		},
	}

	cmd.Flags().StringVar(&flagJournal, "journal", "", "SQLite journal path (default PHOTO_JOURNAL_PATH or <base_directory>/journal.sqlite)")
	cmd.Flags().IntVar(&flagRecent, "recent", 10, "Number of recent bursts to list")
	return cmd
}

func printSummary(out io.Writer, path string, sum storage.Summary, now time.Time) {
	fmt.Fprintf(out, "journal   %s\n", path)
	fmt.Fprintf(out, "bursts    %d\n", sum.Sequences)
	fmt.Fprintf(out, "images    %s (%s)\n", humanize.Comma(int64(sum.Downloads)), humanize.IBytes(sum.Bytes))
	if sum.LeftOnCard > 0 {
		fmt.Fprintf(out, "on card   %d downloaded but not deleted from the card\n", sum.LeftOnCard)
	}
	if !sum.LastDownload.IsZero() {
		fmt.Fprintf(out, "last      %s\n", humanize.RelTime(sum.LastDownload, now, "ago", "from now"))
	}
	if len(sum.Recent) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSITE\tFRAMES\tFILES\tSTATE\tID")
	for _, seq := range sum.Recent {
		state := "ok"
		switch {
		case seq.Aborted:
			state = "aborted"
		case seq.FramesCompleted < seq.FramesRequested:
			state = "partial"
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			seq.SessionTime.Local().Format("2006-01-02 15:04"),
			seq.Site,
			seq.FramesCompleted, seq.FramesRequested,
			seq.Downloads,
			state,
			seq.ID,
		)
	}
	w.Flush()
}
