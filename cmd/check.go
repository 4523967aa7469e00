package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/parker-ryan1/photo"
	"github.com/parker-ryan1/photo/internal/env"
	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the capture config and print the effective schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			printSchedule(cmd.OutOrStdout(), loader.Path(), cfg, photo.TimingsFromEnv(), time.Now())
			return nil
		},
	}
}

func printSchedule(out io.Writer, path string, cfg photo.Config, t photo.Timings, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	row := func(k string, v any) { fmt.Fprintf(w, "%s\t%v\n", k, v) }

	row("config", path)
	if dotenv := env.LoadedPath(); dotenv != "" {
		row("dotenv", dotenv)
	}
	row("site", cfg.SiteName)
	row("site directory", cfg.SiteDirectory())
	row("operating window", cfg.Window())
	row("inside window now", cfg.Window().Contains(now))
	row("burst interval", cfg.Interval())
	row("frames per burst", cfg.FramesPerSequence)
	row("frame delay", cfg.FrameDelay())
	row("approx burst length", burstLength(cfg, t))
	row("tick interval", t.TickInterval)
	row("init attempts", t.MaxInitAttempts)
	row("retry backoff", fmt.Sprintf("%s + n*%s, max %s", t.RetryBase, t.RetryStep, t.RetryCap))
	row("keep-alive margin", t.KeepAliveMargin)
	row("keep-alive failure limit", t.KeepAliveFailureLimit)
	row("fallback scan", t.FallbackScanInterval)
	row("min free space", humanize.IBytes(t.MinFreeBytes))
	w.Flush()
}

func burstLength(cfg photo.Config, t photo.Timings) time.Duration {
	if cfg.FramesPerSequence <= 0 {
		return 0
	}
	gaps := time.Duration(cfg.FramesPerSequence-1) * (cfg.FrameDelay() + t.FrameReadyMargin)
	return t.ResetSettle + gaps + time.Duration(cfg.FramesPerSequence)*t.CaptureSettle
}
