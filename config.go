package photo

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/pkg/errors"
)

// Config is the operator-facing capture schedule. It is parsed elsewhere
// (pkg/captureconfig) and only consumed here.
type Config struct {
	SiteName                string `mapstructure:"site_name" json:"site_name"`
	BaseDirectory           string `mapstructure:"base_directory" json:"base_directory"`
	StartHour               int    `mapstructure:"start_hour" json:"start_hour"`
	EndHour                 int    `mapstructure:"end_hour" json:"end_hour"`
	SequenceIntervalMinutes int    `mapstructure:"sequence_interval_minutes" json:"sequence_interval_minutes"`
	FramesPerSequence       int    `mapstructure:"frames_per_sequence" json:"frames_per_sequence"`
	FrameDelaySeconds       int    `mapstructure:"frame_delay_seconds" json:"frame_delay_seconds"`
	// OperatingCron, when set, replaces the [StartHour, EndHour) window with a
	// cron expression evaluated at minute resolution.
	OperatingCron string `mapstructure:"operating_cron" json:"operating_cron,omitempty"`
}

const (
	maxIntervalMinutes   = 7 * 24 * 60
	maxFrameDelaySeconds = 24 * 60 * 60
)

// DefaultConfig mirrors the values the field units shipped with.
func DefaultConfig() Config {
	return Config{
		SiteName:                "Waveland",
		BaseDirectory:           "./SeaStateImages",
		StartHour:               6,
		EndHour:                 18,
		SequenceIntervalMinutes: 60,
		FramesPerSequence:       50,
		FrameDelaySeconds:       10,
	}
}

// Validate checks the documented ranges.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.SiteName) == "" {
		problems = append(problems, "site_name is required")
	}
	if strings.TrimSpace(c.BaseDirectory) == "" {
		problems = append(problems, "base_directory is required")
	}
	if c.StartHour < 0 || c.EndHour > 24 || c.StartHour >= c.EndHour {
		problems = append(problems, fmt.Sprintf("operating hours must satisfy 0 <= start_hour < end_hour <= 24, got %d-%d", c.StartHour, c.EndHour))
	}
	if c.SequenceIntervalMinutes <= 0 || c.SequenceIntervalMinutes > maxIntervalMinutes {
		problems = append(problems, fmt.Sprintf("sequence_interval_minutes must be in 1..%d, got %d", maxIntervalMinutes, c.SequenceIntervalMinutes))
	}
	if c.FramesPerSequence < 1 {
		problems = append(problems, fmt.Sprintf("frames_per_sequence must be >= 1, got %d", c.FramesPerSequence))
	}
	if c.FrameDelaySeconds < 0 || c.FrameDelaySeconds > maxFrameDelaySeconds {
		problems = append(problems, fmt.Sprintf("frame_delay_seconds must be in 0..%d, got %d", maxFrameDelaySeconds, c.FrameDelaySeconds))
	}
	if expr := strings.TrimSpace(c.OperatingCron); expr != "" && !gronx.IsValid(expr) {
		problems = append(problems, fmt.Sprintf("operating_cron %q is not a valid cron expression", expr))
	}
	if len(problems) > 0 {
		return errors.Errorf("invalid capture config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Interval is the minimum spacing between admitted bursts.
func (c Config) Interval() time.Duration {
	return time.Duration(c.SequenceIntervalMinutes) * time.Minute
}

// FrameDelay is the operator-chosen pause between frames of a burst.
func (c Config) FrameDelay() time.Duration {
	return time.Duration(c.FrameDelaySeconds) * time.Second
}

// SiteDirectory is the root under which this site's captures are written.
func (c Config) SiteDirectory() string {
	return filepath.Join(c.BaseDirectory, c.SiteName)
}

// Window returns the operating window the config describes.
func (c Config) Window() OperatingWindow {
	if expr := strings.TrimSpace(c.OperatingCron); expr != "" {
		return CronWindow{Expr: expr}
	}
	return HoursWindow{Start: c.StartHour, End: c.EndHour}
}
