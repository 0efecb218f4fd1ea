//go:build !linux

package transport

// sysOpenFlags has no direct I/O mapping outside Linux.
func sysOpenFlags(_ OpenFlags) int { return 0 }

func adviseSequential(_ int) {}
