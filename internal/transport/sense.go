package transport

import (
	"encoding/binary"
	"fmt"
)

// Sense keys.
const (
	KeyNoSense        = 0x0
	KeyRecoveredError = 0x1
	KeyNotReady       = 0x2
	KeyMediumError    = 0x3
	KeyHardwareError  = 0x4
	KeyIllegalRequest = 0x5
	KeyUnitAttention  = 0x6
	KeyDataProtect    = 0x7
	KeyBlankCheck     = 0x8
	KeyCopyAborted    = 0xa
	KeyAbortedCommand = 0xb
	KeyMiscompare     = 0xe
)

// Sense is the normalized form of fixed or descriptor format sense data.
type Sense struct {
	Info         uint64
	ResponseCode byte
	Key          byte
	ASC          byte
	ASCQ         byte
	InfoValid    bool
}

// Deferred reports whether the sense describes an error of an earlier
// command (response codes 0x71 and 0x73).
func (s Sense) Deferred() bool { return s.ResponseCode&0x1 != 0 }

func (s Sense) String() string {
	return fmt.Sprintf("key=0x%x asc=0x%02x ascq=0x%02x", s.Key, s.ASC, s.ASCQ)
}

// ParseSense normalizes raw sense bytes. ok is false when b does not hold
// recognizable sense data.
func ParseSense(b []byte) (s Sense, ok bool) {
	if len(b) < 1 {
		return Sense{}, false
	}
	s.ResponseCode = b[0] & 0x7f
	switch s.ResponseCode {
	case 0x70, 0x71: // fixed format
		if len(b) < 3 {
			return Sense{}, false
		}
		s.Key = b[2] & 0xf
		if len(b) >= 7 {
			s.InfoValid = b[0]&0x80 != 0
			s.Info = uint64(binary.BigEndian.Uint32(b[3:7]))
		}
		if len(b) >= 14 {
			s.ASC = b[12]
			s.ASCQ = b[13]
		}
	case 0x72, 0x73: // descriptor format
		if len(b) < 4 {
			return Sense{}, false
		}
		s.Key = b[1] & 0xf
		s.ASC = b[2]
		s.ASCQ = b[3]
		s.parseDescriptors(b)
	default:
		return Sense{}, false
	}
	return s, true
}

// parseDescriptors extracts the information descriptor (type 0).
func (s *Sense) parseDescriptors(b []byte) {
	if len(b) < 8 {
		return
	}
	end := min(len(b), 8+int(b[7]))
	for p := 8; p+2 <= end; {
		typ, n := b[p], int(b[p+1])
		if typ == 0 && n >= 10 && p+12 <= end {
			s.InfoValid = b[p+2]&0x80 != 0
			s.Info = binary.BigEndian.Uint64(b[p+4 : p+12])
		}
		p += 2 + n
	}
}

// FixedSense builds 18 bytes of current, fixed format sense data.
func FixedSense(key, asc, ascq byte, info uint32) []byte {
	b := make([]byte, 18)
	b[0] = 0x70
	if info != 0 {
		b[0] |= 0x80
		binary.BigEndian.PutUint32(b[3:7], info)
	}
	b[2] = key & 0xf
	b[7] = 10
	b[12] = asc
	b[13] = ascq
	return b
}

// DeferredSense is FixedSense with the deferred response code.
func DeferredSense(key, asc, ascq byte, info uint32) []byte {
	b := FixedSense(key, asc, ascq, info)
	b[0] = b[0]&0x80 | 0x71
	return b
}
