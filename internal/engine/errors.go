package engine

import (
	"fmt"
	"strings"

	"github.com/bamsammich/sgmrq/internal/transport"
)

// Kind is the high-level class of an engine error.
type Kind int

const (
	KindAdmission      Kind = iota + 1 // transport accepted part of a batch
	KindTransient                      // range may be retried
	KindPartialData                    // short or failed data transfer
	KindFatalTransport                 // open, close, submit or secondary failure
	KindStall                          // no progress observed
	KindConfig                         // invalid session configuration
)

var kindNames = [...]string{
	KindAdmission:      "admission",
	KindTransient:      "transient",
	KindPartialData:    "partial data",
	KindFatalTransport: "fatal transport",
	KindStall:          "stall",
	KindConfig:         "config",
}

func (k Kind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Error is a structured engine error.
type Error struct {
	Err      error
	Op       string // "read", "write", "open", "submit", ...
	Side     string // endpoint name
	Block    int64  // session block index, -1 when not applicable
	Kind     Kind
	Category transport.Category
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Side != "" {
		fmt.Fprintf(&b, " %s", e.Side)
	}
	if e.Block >= 0 {
		fmt.Fprintf(&b, " at block %d", e.Block)
	}
	fmt.Fprintf(&b, ": %s", e.Category)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind. A zero Kind in target matches any
// engine error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == 0 || t.Kind == e.Kind
}

func newError(kind Kind, cat transport.Category, op, side string, block int64, err error) *Error {
	return &Error{Kind: kind, Category: cat, Op: op, Side: side, Block: block, Err: err}
}
