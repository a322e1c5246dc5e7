// Package core defines core types with zero external dependencies.
package core

import "time"

// IPHeader is the subset of the IPv4 header the pipeline uses.
type IPHeader struct {
	SrcIP     [4]byte
	DstIP     [4]byte
	ID        uint16
	Protocol  uint8 // TCP=6, UDP=17
	TTL       uint8
	TotalLen  uint16
	HeaderLen int
	MoreFrags bool
	FragOff   uint16 // Fragment offset in 8-byte units
}

// IsFragment reports whether the datagram is one piece of a larger one.
func (h IPHeader) IsFragment() bool {
	return h.MoreFrags || h.FragOff != 0
}

// TCPHeader is the subset of the TCP header the session layer uses.
type TCPHeader struct {
	SrcPort   uint16
	DstPort   uint16
	Seq       uint32
	Ack       uint32
	DataOff   int // Header length in bytes
	Flags     uint8
	WindowLen uint16
}

// Clock supplies the current time. Components take one so expiry and
// window logic can be driven by tests.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// UnixMilli is a millisecond timestamp helper used for persisted and
// viewer-facing times.
func UnixMilli(c Clock) int64 {
	return c.Now().UnixMilli()
}
