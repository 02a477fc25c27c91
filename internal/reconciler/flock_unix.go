//go:build unix

package reconciler

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// FlockCheck reports whether another process holds a flock on path by
// attempting a non-blocking shared lock.
func FlockCheck(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return true, nil
		}
		return false, err
	}
	_ = unix.Flock(fd, unix.LOCK_UN)
	return false, nil
}
