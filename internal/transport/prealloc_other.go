//go:build !linux

package transport

// preallocate is a no-op where fallocate is unavailable.
func preallocate(_ int, _, _ int64) error { return nil }
