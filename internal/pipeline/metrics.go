package pipeline

import (
	"sync/atomic"
)

// Metrics contains engine counters. Written by the processing goroutine,
// readable from anywhere.
type Metrics struct {
	Received     atomic.Uint64
	Decoded      atomic.Uint64
	DecodeErrors atomic.Uint64
	Frames       atomic.Uint64
	Events       atomic.Uint64
	Paused       atomic.Uint64
}

// Stats is a point-in-time copy of Metrics.
type Stats struct {
	Received     uint64
	Decoded      uint64
	DecodeErrors uint64
	Frames       uint64
	Events       uint64
	// Paused counts combat events dropped while paused.
	Paused uint64
}

func (m *Metrics) snapshot() Stats {
	return Stats{
		Received:     m.Received.Load(),
		Decoded:      m.Decoded.Load(),
		DecodeErrors: m.DecodeErrors.Load(),
		Frames:       m.Frames.Load(),
		Events:       m.Events.Load(),
		Paused:       m.Paused.Load(),
	}
}
