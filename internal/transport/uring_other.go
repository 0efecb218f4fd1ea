//go:build !linux

package transport

func newURingExecutor(_ int) (batchExecutor, error) {
	return nil, ErrUnsupported
}

// IOURingSupported always returns false on non-Linux platforms.
func IOURingSupported() bool {
	return false
}
