package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/parker-ryan1/photo"
	"github.com/parker-ryan1/photo/internal/providers/procclean"
	"github.com/parker-ryan1/photo/internal/providers/simcam"
	"github.com/parker-ryan1/photo/pkg/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

type deviceFlags struct {
	simulate   bool
	simCard    string
	simPreload int
	noCleanup  bool
}

func (f *deviceFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.simulate, "simulate", false, "Drive the built-in simulated camera")
	cmd.Flags().StringVar(&f.simCard, "sim-card", "", "Directory backing the simulated card (default in memory)")
	cmd.Flags().IntVar(&f.simPreload, "sim-preload", 0, "Images placed on the simulated card before the first session")
	cmd.Flags().BoolVar(&f.noCleanup, "no-process-cleanup", false, "Do not stop competing camera software before connecting")
}

func (f *deviceFlags) open() (photo.Device, error) {
	opts := simcam.Options{Preload: f.simPreload}
	if f.simCard != "" {
		if err := os.MkdirAll(f.simCard, 0o755); err != nil {
			return nil, errors.Wrap(err, "create simulated card directory")
		}
		opts.Card = afero.NewBasePathFs(afero.NewOsFs(), f.simCard)
	}
	return openDevice(f.simulate, opts)
}

func (f *deviceFlags) preparer() photo.Preparer {
	if f.noCleanup {
		return nil
	}
	return procclean.New(nil)
}

func newRunCmd() *cobra.Command {
	var (
		flagJournal string
		flagJSONL   string
		devFlags    deviceFlags
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the capture service until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			loader, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			timings := photo.TimingsFromEnv()
			log.Info().
				Str("config", loader.Path()).
				Str("site", cfg.SiteName).
				Str("window", cfg.Window().String()).
				Int("interval_minutes", cfg.SequenceIntervalMinutes).
				Int("frames", cfg.FramesPerSequence).
				Str("base_directory", cfg.BaseDirectory).
				Msg("capture config loaded")

			journal, err := storage.NewManager(storage.Config{
				DBPath:        flagJournal,
				BaseDirectory: cfg.BaseDirectory,
				JSONLPath:     flagJSONL,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := journal.Close(); err != nil {
					log.Warn().Err(err).Msg("journal close failed")
				}
			}()

			dev, err := devFlags.open()
			if err != nil {
				return err
			}
			svc, err := photo.NewService(photo.ServiceConfig{
				Config:   cfg,
				Timings:  timings,
				Device:   dev,
				Preparer: devFlags.preparer(),
				Recorder: journal,
			})
			if err != nil {
				return err
			}
			loader.Watch(ctx, svc.ApplyConfig)

			err = svc.Run(ctx)
			if ctx.Err() != nil {
				logShutdownSummary(journal)
				return nil
			}
			if errors.Is(err, photo.ErrInitialization) {
				printRemediation(os.Stderr)
				return err
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logShutdownSummary(journal)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagJournal, "journal", "", "SQLite journal path (default PHOTO_JOURNAL_PATH or <base_directory>/journal.sqlite)")
	cmd.Flags().StringVar(&flagJSONL, "jsonl", "", "Also append journal entries to this JSONL file")
	devFlags.register(cmd)
	return cmd
}

func logShutdownSummary(journal *storage.Manager) {
	sum, err := journal.Summary(context.Background(), 0)
	if err != nil {
		log.Warn().Err(err).Msg("journal summary unavailable")
		return
	}
	log.Info().
		Int("sequences", sum.Sequences).
		Int("downloads", sum.Downloads).
		Str("bytes", humanize.IBytes(sum.Bytes)).
		Msg("capture service stopped")
}
