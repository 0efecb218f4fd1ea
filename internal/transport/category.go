package transport

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"
)

// Category classifies the outcome of one command.
type Category int

const (
	CatClean Category = iota
	CatRecovered
	CatNotReady
	CatMediumHard
	CatIllegalRequest
	CatUnitAttention
	CatDataProtect
	CatAbortedCommand
	CatMiscompare
	CatBusy
	CatReservation
	CatTimeout
	CatTransport
	CatIncomplete // no completion was reported for the command
	CatOpen       // endpoint could not be opened or sized
	CatSyntax     // bad configuration, nothing was attempted
	CatOther
)

var categoryNames = [...]string{
	CatClean:          "clean",
	CatRecovered:      "recovered",
	CatNotReady:       "not ready",
	CatMediumHard:     "medium or hardware error",
	CatIllegalRequest: "illegal request",
	CatUnitAttention:  "unit attention",
	CatDataProtect:    "data protect",
	CatAbortedCommand: "aborted command",
	CatMiscompare:     "miscompare",
	CatBusy:           "busy",
	CatReservation:    "reservation conflict",
	CatTimeout:        "timeout",
	CatTransport:      "transport error",
	CatIncomplete:     "incomplete",
	CatOpen:           "open error",
	CatSyntax:         "syntax error",
	CatOther:          "other error",
}

func (c Category) String() string {
	if c >= 0 && int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "unknown"
}

var exitCodes = [...]int{
	CatClean:          0,
	CatRecovered:      0,
	CatNotReady:       2,
	CatMediumHard:     3,
	CatIllegalRequest: 5,
	CatUnitAttention:  6,
	CatDataProtect:    7,
	CatAbortedCommand: 11,
	CatMiscompare:     14,
	CatBusy:           26,
	CatReservation:    24,
	CatTimeout:        33,
	CatTransport:      97,
	CatIncomplete:     97,
	CatOpen:           15,
	CatSyntax:         1,
	CatOther:          99,
}

// ExitCode maps the category to a process exit status.
func (c Category) ExitCode() int {
	if c >= 0 && int(c) < len(exitCodes) {
		return exitCodes[c]
	}
	return 99
}

// severity orders categories for worst-seen tracking. Transient categories
// rank below every data error.
var severity = [...]int{
	CatClean:          0,
	CatRecovered:      1,
	CatBusy:           2,
	CatUnitAttention:  3,
	CatAbortedCommand: 4,
	CatMiscompare:     5,
	CatNotReady:       6,
	CatMediumHard:     7,
	CatDataProtect:    8,
	CatReservation:    9,
	CatIllegalRequest: 10,
	CatTimeout:        11,
	CatIncomplete:     12,
	CatTransport:      13,
	CatOpen:           14,
	CatSyntax:         15,
	CatOther:          16,
}

// Severity returns the rank of c; higher is worse.
func (c Category) Severity() int {
	if c >= 0 && int(c) < len(severity) {
		return severity[c]
	}
	return severity[CatOther]
}

// Worse reports whether c outranks o.
func (c Category) Worse(o Category) bool { return c.Severity() > o.Severity() }

// Transient reports whether the command may simply be reissued.
func (c Category) Transient() bool {
	return c == CatAbortedCommand || c == CatUnitAttention || c == CatBusy
}

// OK reports whether the command's data transfer can be trusted.
func (c Category) OK() bool { return c == CatClean || c == CatRecovered }

// Classify decodes a completion into a category and, when present, its
// sense data.
func Classify(c *Completion) (Category, Sense) {
	if c.Err != nil {
		return classifyErr(c.Err), Sense{}
	}
	if !c.Finished {
		return CatIncomplete, Sense{}
	}
	switch c.HostStatus {
	case HostOK:
	case HostTimeOut:
		return CatTimeout, Sense{}
	case HostBusBusy, HostSoftError, HostRequeue:
		return CatBusy, Sense{}
	case HostAbort:
		return CatAbortedCommand, Sense{}
	default:
		return CatTransport, Sense{}
	}
	switch c.DriverStatus & 0x0f {
	case DriverOK, DriverSense:
	case DriverBusy:
		return CatBusy, Sense{}
	case DriverTimeout:
		return CatTimeout, Sense{}
	default:
		return CatTransport, Sense{}
	}

	switch c.Status {
	case StatusGood, StatusConditionMet:
		return CatClean, Sense{}
	case StatusBusy, StatusTaskSetFull:
		return CatBusy, Sense{}
	case StatusReservationConflict:
		return CatReservation, Sense{}
	case StatusTaskAborted:
		return CatAbortedCommand, Sense{}
	case StatusCheckCondition:
	default:
		return CatOther, Sense{}
	}

	s, ok := ParseSense(c.Sense)
	if !ok {
		return CatOther, Sense{}
	}
	// A deferred response code is treated as recovered whatever the sense
	// key says.
	if s.Deferred() {
		return CatRecovered, s
	}
	return categoryForKey(s.Key), s
}

func categoryForKey(key byte) Category {
	switch key {
	case KeyNoSense:
		return CatClean
	case KeyRecoveredError:
		return CatRecovered
	case KeyNotReady:
		return CatNotReady
	case KeyMediumError, KeyHardwareError, KeyBlankCheck:
		return CatMediumHard
	case KeyIllegalRequest:
		return CatIllegalRequest
	case KeyUnitAttention:
		return CatUnitAttention
	case KeyDataProtect:
		return CatDataProtect
	case KeyAbortedCommand, KeyCopyAborted:
		return CatAbortedCommand
	case KeyMiscompare:
		return CatMiscompare
	default:
		return CatOther
	}
}

func classifyErr(err error) Category {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, unix.ETIMEDOUT):
		return CatTimeout
	case errors.Is(err, ErrBusy), errors.Is(err, unix.EBUSY), errors.Is(err, unix.EAGAIN):
		return CatBusy
	case errors.Is(err, unix.EIO), errors.Is(err, unix.ENXIO):
		return CatMediumHard
	case errors.Is(err, unix.EROFS), errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return CatDataProtect
	case errors.Is(err, unix.EINVAL):
		return CatIllegalRequest
	default:
		return CatTransport
	}
}
