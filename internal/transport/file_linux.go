//go:build linux

package transport

import "golang.org/x/sys/unix"

func sysOpenFlags(f OpenFlags) int {
	if f.Direct {
		return unix.O_DIRECT
	}
	return 0
}

// adviseSequential is a hint only; filesystems without fadvise ignore it.
func adviseSequential(fd int) {
	//nolint:errcheck // advisory
	unix.Fadvise(fd, 0, 0, unix.FADV_SEQUENTIAL)
}
