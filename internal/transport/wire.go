package transport

// WireVersion identifies the response layout a transport produced.
type WireVersion int

const (
	WireV3 WireVersion = 3 // one header per command
	WireV4 WireVersion = 4 // multiple-request capable header
)

// SCSI status bytes.
const (
	StatusGood                = 0x00
	StatusCheckCondition      = 0x02
	StatusConditionMet        = 0x04
	StatusBusy                = 0x08
	StatusReservationConflict = 0x18
	StatusTaskSetFull         = 0x28
	StatusTaskAborted         = 0x40
)

// Host (initiator side) status values.
const (
	HostOK        = 0x00
	HostNoConnect = 0x01
	HostBusBusy   = 0x02
	HostTimeOut   = 0x03
	HostAbort     = 0x05
	HostError     = 0x07
	HostSoftError = 0x0b
	HostRequeue   = 0x0d
)

// Driver status values.
const (
	DriverOK      = 0x00
	DriverBusy    = 0x01
	DriverTimeout = 0x06
	DriverHard    = 0x07
	DriverSense   = 0x08
)

// Info bits carried in a completion.
const (
	InfoCheck       = 0x01 // something abnormal happened
	InfoDirectIO    = 0x02
	InfoMRQFinished = 0x08 // the command of a multiple-request batch completed
)

// Completion is the decoded outcome of one command.
type Completion struct {
	Err          error // host-side error delivering the command, if any
	Sense        []byte
	ID           uint64
	Info         uint32
	Resid        int32 // bytes not transferred
	HostStatus   uint16
	DriverStatus uint16
	Status       byte
	Finished     bool
}

// Good reports whether the command completed without any status.
func (c *Completion) Good() bool {
	return c.Err == nil && c.Finished && c.Status == StatusGood &&
		c.HostStatus == HostOK && c.DriverStatus&^DriverSense == DriverOK && c.Resid == 0
}

// V3Header is the single-command response layout.
type V3Header struct {
	Sense        []byte
	PackID       int32
	Resid        int32
	Duration     uint32
	Info         uint32
	HostStatus   uint16
	DriverStatus uint16
	Status       byte
}

// Decode converts the header into a Completion. A V3 header always
// describes a finished command.
func (h V3Header) Decode() Completion {
	return Completion{
		ID:           uint64(uint32(h.PackID)),
		Status:       h.Status,
		HostStatus:   h.HostStatus,
		DriverStatus: h.DriverStatus,
		Resid:        h.Resid,
		Info:         h.Info,
		Sense:        h.Sense,
		Finished:     true,
	}
}

// V4Header is the multiple-request capable response layout.
type V4Header struct {
	Response        []byte // sense data
	RequestTag      uint64
	DeviceStatus    uint32
	TransportStatus uint32
	DriverStatus    uint32
	Info            uint32
	DinResid        int32
	DoutResid       int32
	Duration        uint32
	Dir             Direction
}

// Decode converts the header into a Completion, picking the residual that
// matches the command's direction.
func (h V4Header) Decode() Completion {
	c := Completion{
		ID:           h.RequestTag,
		Status:       byte(h.DeviceStatus),
		HostStatus:   uint16(h.TransportStatus),
		DriverStatus: uint16(h.DriverStatus),
		Info:         h.Info,
		Sense:        h.Response,
		Finished:     h.Info&InfoMRQFinished != 0,
	}
	if h.Dir == DirIn {
		c.Resid = h.DinResid
	} else {
		c.Resid = h.DoutResid
	}
	return c
}
