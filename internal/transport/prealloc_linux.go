//go:build linux

package transport

import (
	"errors"

	"golang.org/x/sys/unix"
)

// preallocate reserves blocks with fallocate(2), keeping the file size.
// Filesystems and devices without fallocate support are not an error.
func preallocate(fd int, offset, length int64) error {
	err := unix.Fallocate(fd, unix.FALLOC_FL_KEEP_SIZE, offset, length)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.ENODEV) {
		return nil
	}
	return err
}
