// Package captureconfig loads the capture schedule from capture_config.json
// with CAPTURE_* environment overrides, and watches the file for edits.
package captureconfig

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/parker-ryan1/photo"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	DefaultPath = "capture_config.json"
	EnvPrefix   = "CAPTURE"
)

// ErrNotFound is returned when the config file does not exist.
var ErrNotFound = errors.New("capture config not found")

// Loader reads one config file through viper.
type Loader struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string
}

// NewLoader binds v (or a fresh viper) to path with the documented defaults.
func NewLoader(v *viper.Viper, path string) *Loader {
	if v == nil {
		v = viper.New()
	}
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	def := photo.DefaultConfig()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault("site_name", def.SiteName)
	v.SetDefault("base_directory", def.BaseDirectory)
	v.SetDefault("start_hour", def.StartHour)
	v.SetDefault("end_hour", def.EndHour)
	v.SetDefault("sequence_interval_minutes", def.SequenceIntervalMinutes)
	v.SetDefault("frames_per_sequence", def.FramesPerSequence)
	v.SetDefault("frame_delay_seconds", def.FrameDelaySeconds)
	v.SetDefault("operating_cron", "")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return &Loader{v: v, path: path}
}

// Load is shorthand for NewLoader(nil, path).Load().
func Load(path string) (photo.Config, error) {
	return NewLoader(nil, path).Load()
}

// Path is the file the loader reads.
func (l *Loader) Path() string { return l.path }

// Load reads, decodes and validates the config file.
func (l *Loader) Load() (photo.Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := os.Stat(l.path); err != nil {
		if os.IsNotExist(err) {
			return photo.Config{}, errors.Wrapf(ErrNotFound, "%s", l.path)
		}
		return photo.Config{}, errors.Wrapf(err, "stat %s", l.path)
	}
	if err := l.v.ReadInConfig(); err != nil {
		return photo.Config{}, errors.Wrapf(err, "read %s", l.path)
	}
	return l.decode()
}

func (l *Loader) decode() (photo.Config, error) {
	var cfg photo.Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return photo.Config{}, errors.Wrap(err, "decode capture config")
	}
	cfg.SiteName = strings.TrimSpace(cfg.SiteName)
	cfg.BaseDirectory = filepath.FromSlash(strings.ReplaceAll(strings.TrimSpace(cfg.BaseDirectory), `\`, "/"))
	cfg.OperatingCron = strings.TrimSpace(cfg.OperatingCron)
	if err := cfg.Validate(); err != nil {
		return photo.Config{}, err
	}
	return cfg, nil
}

// Watch calls apply with every valid edit of the file until ctx is done.
// Invalid edits are logged and skipped; the previous config stays active.
func (l *Loader) Watch(ctx context.Context, apply func(photo.Config) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("capture config edit rejected")
			return
		}
		if err := apply(cfg); err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("capture config edit not applied")
			return
		}
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("capture config reloaded")
	})
	l.v.WatchConfig()
}

// WriteDefault writes the default config to path unless a file exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("%s already exists", path)
	}
	v := viper.New()
	def := photo.DefaultConfig()
	v.Set("site_name", def.SiteName)
	v.Set("base_directory", def.BaseDirectory)
	v.Set("start_hour", def.StartHour)
	v.Set("end_hour", def.EndHour)
	v.Set("sequence_interval_minutes", def.SequenceIntervalMinutes)
	v.Set("frames_per_sequence", def.FramesPerSequence)
	v.Set("frame_delay_seconds", def.FrameDelaySeconds)
	v.SetConfigType("json")
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create config directory")
		}
	}
	return errors.Wrapf(v.WriteConfigAs(path), "write %s", path)
}
