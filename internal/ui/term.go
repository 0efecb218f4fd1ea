package ui

import (
	"os"

	"golang.org/x/term"
)

// Terminal reports whether f is a terminal and, if so, its width in
// columns (80 when the size cannot be read).
func Terminal(f *os.File) (bool, int) {
	fd := int(f.Fd()) //nolint:gosec // file descriptors fit in int
	if !term.IsTerminal(fd) {
		return false, 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil || w <= 0 {
		w = 80
	}
	return true, w
}
