// Package core defines core data structures with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
	"time"
)

// RawPacket is one captured link-layer frame. Sources hand over buffers they
// no longer touch, so downstream stages may keep slices of Data.
type RawPacket struct {
	Data       []byte    // Raw frame data
	Timestamp  time.Time // Capture timestamp
	CaptureLen uint32    // Actual captured length
	OrigLen    uint32    // Original frame length
}

// Endpoint is one side of a TCP connection.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// FourTuple identifies one direction of a TCP connection.
type FourTuple struct {
	Src Endpoint
	Dst Endpoint
}

// Reverse returns the opposite direction of the same connection.
func (t FourTuple) Reverse() FourTuple {
	return FourTuple{Src: t.Dst, Dst: t.Src}
}

// IsZero reports whether no tuple is set.
func (t FourTuple) IsZero() bool {
	return t == FourTuple{}
}

func (t FourTuple) String() string {
	return fmt.Sprintf("%s -> %s", t.Src, t.Dst)
}

// Segment is a TCP payload together with the header fields the session
// layer needs.
type Segment struct {
	Tuple     FourTuple
	Seq       uint32
	Ack       uint32
	Flags     uint8
	Payload   []byte
	Timestamp time.Time
}
