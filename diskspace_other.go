//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package photo

import "github.com/pkg/errors"

func freeBytes(string) (uint64, error) {
	return 0, errors.New("free space probe not supported on this platform")
}
