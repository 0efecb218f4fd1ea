package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	SessionStarted Type = iota + 1
	WorkerStarted
	WorkerStopped
	SegmentDone
	SegmentFailed
	BatchShort
	Retry
	Stall
	AbortInjected
	SecondaryError
	SessionComplete
)

var typeNames = [...]string{
	SessionStarted:  "SessionStarted",
	WorkerStarted:   "WorkerStarted",
	WorkerStopped:   "WorkerStopped",
	SegmentDone:     "SegmentDone",
	SegmentFailed:   "SegmentFailed",
	BatchShort:      "BatchShort",
	Retry:           "Retry",
	Stall:           "Stall",
	AbortInjected:   "AbortInjected",
	SecondaryError:  "SecondaryError",
	SessionComplete: "SessionComplete",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single progress or diagnostic event from the engine.
type Event struct {
	Type      Type
	Timestamp time.Time
	Category  string // outcome category for failures
	Error     error
	Block     int64 // first block of the segment, or the session total
	Blocks    int64 // blocks in the segment, or blocks transferred
	ID        uint64
	WorkerID  int
}
