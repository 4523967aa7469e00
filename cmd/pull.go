package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/parker-ryan1/photo"
	"github.com/parker-ryan1/photo/pkg/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPullCmd() *cobra.Command {
	var (
		flagJournal string
		flagQuiet   bool
		devFlags    deviceFlags
	)

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Download every image on the card once, then disconnect",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			timings := photo.TimingsFromEnv()

			journal, err := storage.NewManager(storage.Config{DBPath: flagJournal, BaseDirectory: cfg.BaseDirectory})
			if err != nil {
				return err
			}
			defer journal.Close()

			dev, err := devFlags.open()
			if err != nil {
				return err
			}
			session := photo.NewSessionManager(dev, timings, devFlags.preparer())
			if err := session.Initialize(cmd.Context()); err != nil {
				if errors.Is(err, photo.ErrInitialization) {
					printRemediation(os.Stderr)
				}
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
				defer cancel()
				if err := session.Close(closeCtx); err != nil {
					log.Warn().Err(err).Msg("session close failed")
				}
			}()

			reconciler := photo.NewReconciler(session, nil, journal, cfg, timings)
			var progress *pullProgress
			if !flagQuiet {
				progress = newPullProgress(os.Stderr)
				reconciler.SetObserver(progress)
			}
			report, scanErr := reconciler.ScanAndDownload(cmd.Context())
			if progress != nil {
				progress.Wait()
			}
			if scanErr != nil {
				return scanErr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d seen, %d downloaded (%s), %d failed\n",
				report.Seen, report.Downloaded, humanize.IBytes(report.Bytes), report.Failed)
			if report.Failed > 0 {
				return errors.Errorf("%d downloads failed; they stay on the card", report.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagJournal, "journal", "", "SQLite journal path (default PHOTO_JOURNAL_PATH or <base_directory>/journal.sqlite)")
	cmd.Flags().BoolVar(&flagQuiet, "quiet", false, "Disable progress bars")
	devFlags.register(cmd)
	return cmd
}
