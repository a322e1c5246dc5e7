package session

import (
	"encoding/binary"
	"log/slog"

	"firestige.xyz/dmgmeter/internal/metrics"
)

const defaultMaxOutOfOrder = 4096

// Reassembler rebuilds the ordered byte stream of one TCP direction.
// Segments not behind the expected sequence number are cached by sequence
// number and drained in order; stale and duplicate segments are dropped.
type Reassembler struct {
	next      uint32
	nextKnown bool
	cache     map[uint32][]byte
	buf       []byte

	maxOutOfOrder int
	ceiling       uint32
}

// NewReassembler creates a reassembler. ceiling bounds the length prefix
// accepted when the expected sequence number has to be guessed.
func NewReassembler(maxOutOfOrder int, ceiling uint32) *Reassembler {
	if maxOutOfOrder <= 0 {
		maxOutOfOrder = defaultMaxOutOfOrder
	}
	if ceiling == 0 {
		ceiling = DefaultMaxFrameLen
	}
	return &Reassembler{
		cache:         make(map[uint32][]byte),
		maxOutOfOrder: maxOutOfOrder,
		ceiling:       ceiling,
	}
}

// Reset discards all state, including the expected sequence number.
func (r *Reassembler) Reset() {
	r.next = 0
	r.nextKnown = false
	clear(r.cache)
	r.buf = nil
}

// Seed sets the next expected sequence number.
func (r *Reassembler) Seed(next uint32) {
	r.next = next
	r.nextKnown = true
}

// Next returns the expected sequence number and whether it is known.
func (r *Reassembler) Next() (uint32, bool) {
	return r.next, r.nextKnown
}

// Pending returns the number of cached out-of-order segments.
func (r *Reassembler) Pending() int {
	return len(r.cache)
}

// Ingest accepts one segment and returns the number of bytes appended to
// the stream.
func (r *Reassembler) Ingest(seq uint32, payload []byte) int {
	if len(payload) == 0 {
		metrics.SegmentsTotal.WithLabelValues("empty").Inc()
		return 0
	}

	// Without a seed, only a segment that starts with a plausible length
	// prefix may become the resync point.
	if !r.nextKnown && len(payload) > 4 && binary.BigEndian.Uint32(payload) < r.ceiling {
		slog.Debug("seeding stream from segment", "seq", seq)
		r.Seed(seq)
		r.evictStale()
	}

	if r.nextKnown && !seqBehindOrAt(r.next, seq) {
		metrics.SegmentsTotal.WithLabelValues("stale").Inc()
		return 0
	}

	// The cap never applies to the segment that unblocks the stream.
	inOrder := r.nextKnown && seq == r.next
	if _, dup := r.cache[seq]; !dup && !inOrder && len(r.cache) >= r.maxOutOfOrder {
		metrics.SegmentsTotal.WithLabelValues("overflow").Inc()
		slog.Debug("out-of-order cache full, dropping segment", "seq", seq, "cached", len(r.cache))
		return 0
	}
	r.cache[seq] = payload
	metrics.SegmentsTotal.WithLabelValues("buffered").Inc()

	if !r.nextKnown {
		return 0
	}

	appended := 0
	for {
		data, ok := r.cache[r.next]
		if !ok {
			break
		}
		delete(r.cache, r.next)
		r.buf = append(r.buf, data...)
		r.next += uint32(len(data)) // wraps mod 2^32
		appended += len(data)
	}
	if appended > 0 {
		r.evictStale()
	}
	return appended
}

// evictStale drops cached segments that start behind the expected sequence
// number. They can no longer be hit by the drain loop.
func (r *Reassembler) evictStale() {
	for seq := range r.cache {
		if !seqBehindOrAt(r.next, seq) {
			delete(r.cache, seq)
			metrics.SegmentsTotal.WithLabelValues("stale").Inc()
		}
	}
}

// Buffered returns the reassembled bytes not yet consumed.
func (r *Reassembler) Buffered() []byte {
	return r.buf
}

// Discard consumes n bytes from the front of the stream.
func (r *Reassembler) Discard(n int) {
	if n >= len(r.buf) {
		r.buf = nil
		return
	}
	r.buf = r.buf[n:]
}

// seqBehindOrAt reports whether next-seq <= 0 as a signed 32-bit value,
// i.e. seq is at or ahead of next with wraparound.
func seqBehindOrAt(next, seq uint32) bool {
	return int32(next-seq) <= 0
}
