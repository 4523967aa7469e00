package procclean

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/parker-ryan1/photo/internal/env"
	"github.com/rs/zerolog/log"
)

// DefaultNames are the vendor utilities known to claim the camera over USB.
var DefaultNames = []string{
	"EOS Utility",
	"EOSUPNPSV",
	"Canon EOS Utility",
	"CameraWindow_DVC",
	"CameraWindow_LaunchOnly",
}

// Cleaner stops competing processes before a connection attempt. It
// satisfies photo.Preparer.
type Cleaner struct {
	Names []string
	// Wait bounds how long each process gets to exit after SIGTERM.
	Wait time.Duration
	// Pause is slept after anything was stopped so the USB stack settles.
	Pause time.Duration

	procRoot string
	sleep    func(ctx context.Context, d time.Duration) error
}

// New returns a cleaner for names, or for PHOTO_INTERFERENCE_PROCS /
// DefaultNames when names is empty.
func New(names []string) *Cleaner {
	if len(names) == 0 {
		names = env.List("PHOTO_INTERFERENCE_PROCS", DefaultNames)
	}
	return &Cleaner{
		Names:    names,
		Wait:     5 * time.Second,
		Pause:    2 * time.Second,
		procRoot: "/proc",
		sleep:    sleepContext,
	}
}

type process struct {
	pid  int
	name string
}

// Prepare stops every matching process. Failures to stop individual
// processes are logged; the error is reserved for an unreadable process
// table.
func (c *Cleaner) Prepare(ctx context.Context) error {
	procs, err := c.find()
	if err != nil {
		return err
	}
	stopped := 0
	for _, p := range procs {
		if err := c.terminate(ctx, p); err != nil {
			log.Warn().Err(err).Str("component", "procclean").
				Int("pid", p.pid).Str("process", p.name).
				Msg("could not stop interfering process")
			continue
		}
		stopped++
		log.Info().Str("component", "procclean").
			Int("pid", p.pid).Str("process", p.name).
			Msg("stopped interfering process")
	}
	if stopped > 0 {
		return c.sleep(ctx, c.Pause)
	}
	return nil
}

// matches compares case-insensitively against the configured names. The
// kernel truncates comm to 15 bytes, so a truncated prefix also matches.
func (c *Cleaner) matches(comm, cmdline string) (string, bool) {
	comm = strings.TrimSpace(comm)
	exe := strings.TrimSuffix(filepath.Base(strings.TrimSpace(cmdline)), ".exe")
	for _, name := range c.Names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if strings.EqualFold(exe, name) || strings.EqualFold(comm, name) {
			return name, true
		}
		if len(comm) == 15 && len(name) > 15 && strings.EqualFold(comm, name[:15]) {
			return name, true
		}
	}
	return "", false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
