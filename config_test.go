package photo

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"inverted window", func(c *Config) { c.StartHour, c.EndHour = 18, 6 }, "operating hours"},
		{"end past midnight", func(c *Config) { c.EndHour = 25 }, "operating hours"},
		{"zero interval", func(c *Config) { c.SequenceIntervalMinutes = 0 }, "sequence_interval_minutes"},
		{"overflowing interval", func(c *Config) { c.SequenceIntervalMinutes = math.MaxInt32 }, "sequence_interval_minutes"},
		{"interval past a week", func(c *Config) { c.SequenceIntervalMinutes = 7*24*60 + 1 }, "sequence_interval_minutes"},
		{"no frames", func(c *Config) { c.FramesPerSequence = 0 }, "frames_per_sequence"},
		{"negative delay", func(c *Config) { c.FrameDelaySeconds = -1 }, "frame_delay_seconds"},
		{"delay past a day", func(c *Config) { c.FrameDelaySeconds = 24*60*60 + 1 }, "frame_delay_seconds"},
		{"blank site", func(c *Config) { c.SiteName = " " }, "site_name"},
		{"bad cron", func(c *Config) { c.OperatingCron = "every morning" }, "operating_cron"},
	}
	week := DefaultConfig()
	week.SequenceIntervalMinutes = 7 * 24 * 60
	if err := week.Validate(); err != nil {
		t.Fatalf("a weekly interval should be accepted: %v", err)
	}
	if week.Interval() != 7*24*time.Hour {
		t.Fatalf("unexpected interval %v", week.Interval())
	}

	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error mentioning %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestHoursWindowIsHalfOpen(t *testing.T) {
	w := HoursWindow{Start: 6, End: 18}
	day := func(h, m int) time.Time { return time.Date(2026, 6, 1, h, m, 0, 0, time.UTC) }
	if w.Contains(day(5, 59)) || !w.Contains(day(6, 0)) || !w.Contains(day(17, 59)) || w.Contains(day(18, 0)) {
		t.Fatalf("window %s has wrong bounds", w)
	}
	if w.String() != "06:00-18:00" {
		t.Fatalf("unexpected window string %q", w.String())
	}
}

func TestCronWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OperatingCron = "* 6-11 * * 1-5"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	w := cfg.Window()
	monday := time.Date(2026, 3, 16, 7, 15, 30, 0, time.UTC)
	saturday := time.Date(2026, 3, 14, 7, 15, 0, 0, time.UTC)
	if !w.Contains(monday) {
		t.Fatalf("expected weekday morning inside %s", w)
	}
	if w.Contains(saturday) {
		t.Fatalf("expected saturday outside %s", w)
	}
	if w.Contains(monday.Add(5 * time.Hour)) {
		t.Fatalf("expected weekday noon outside %s", w)
	}
}

func TestTimingsFromEnv(t *testing.T) {
	t.Setenv("PHOTO_RETRY_CAP", "8s")
	t.Setenv("PHOTO_INIT_ATTEMPTS", "7")
	t.Setenv("PHOTO_CAPTURE_SETTLE", "1")
	t.Setenv("PHOTO_TICK_INTERVAL", "-5s")

	timings := TimingsFromEnv()
	if timings.RetryCap != 8*time.Second || timings.MaxInitAttempts != 7 {
		t.Fatalf("overrides not applied: %+v", timings)
	}
	if timings.CaptureSettle != time.Second {
		t.Fatalf("expected bare number read as seconds, got %v", timings.CaptureSettle)
	}
	if timings.TickInterval != time.Minute {
		t.Fatalf("expected negative tick ignored, got %v", timings.TickInterval)
	}
	if got := timings.RetryDelay(6); got != 8*time.Second {
		t.Fatalf("expected delays capped at 8s, got %v", got)
	}
}
