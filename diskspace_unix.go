//go:build linux || darwin || freebsd || netbsd || openbsd

package photo

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// freeBytes reports the bytes available to unprivileged users on the
// filesystem holding path. Missing trailing components are skipped so the
// probe works before the capture directory exists.
func freeBytes(path string) (uint64, error) {
	dir := nearestExisting(path)
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, errors.Wrapf(err, "statfs %s", dir)
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}

func nearestExisting(path string) string {
	dir := path
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
