//go:build linux

package procclean

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func (c *Cleaner) find() ([]process, error) {
	entries, err := os.ReadDir(c.procRoot)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", c.procRoot)
	}
	self := os.Getpid()
	var out []process
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		dir := filepath.Join(c.procRoot, e.Name())
		comm, err := os.ReadFile(filepath.Join(dir, "comm"))
		if err != nil {
			continue
		}
		cmdline, _ := os.ReadFile(filepath.Join(dir, "cmdline"))
		// argv[0] only; arguments are NUL separated
		argv0, _, _ := strings.Cut(string(cmdline), "\x00")
		if name, ok := c.matches(string(comm), argv0); ok {
			out = append(out, process{pid: pid, name: name})
		}
	}
	return out, nil
}

// terminate sends SIGTERM, waits up to c.Wait for the process to go away and
// escalates to SIGKILL.
func (c *Cleaner) terminate(ctx context.Context, p process) error {
	if err := unix.Kill(p.pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return errors.Wrapf(err, "signal %d", p.pid)
	}
	deadline := time.Now().Add(c.Wait)
	for time.Now().Before(deadline) {
		if err := unix.Kill(p.pid, 0); errors.Is(err, unix.ESRCH) {
			return nil
		}
		if err := c.sleep(ctx, 100*time.Millisecond); err != nil {
			return err
		}
	}
	if err := unix.Kill(p.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return errors.Wrapf(err, "kill %d", p.pid)
	}
	return nil
}
