package session

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/metrics"
)

const (
	frameHeaderLen = 4

	// DefaultMaxFrameLen is the largest plausible frame length.
	DefaultMaxFrameLen = 0x0fffff
)

// CorruptionPolicy decides what happens when a length prefix is implausible.
type CorruptionPolicy string

const (
	// PolicyTerminate stops processing with ErrStreamCorrupt.
	PolicyTerminate CorruptionPolicy = "terminate"
	// PolicyResync skips ahead to the next plausible length prefix.
	PolicyResync CorruptionPolicy = "resync"
)

// ParseCorruptionPolicy validates a policy name.
func ParseCorruptionPolicy(s string) (CorruptionPolicy, error) {
	switch p := CorruptionPolicy(strings.ToLower(s)); p {
	case PolicyTerminate, PolicyResync:
		return p, nil
	}
	return "", fmt.Errorf("corruption policy %q: %w", s, core.ErrConfigInvalid)
}

// FrameExtractor slices length-prefixed frames off a byte stream. The
// 4-byte big-endian prefix counts itself.
type FrameExtractor struct {
	ceiling uint32
	policy  CorruptionPolicy
}

// NewFrameExtractor creates an extractor. A zero ceiling means
// DefaultMaxFrameLen; an empty policy means PolicyTerminate.
func NewFrameExtractor(ceiling uint32, policy CorruptionPolicy) *FrameExtractor {
	if ceiling == 0 {
		ceiling = DefaultMaxFrameLen
	}
	if policy == "" {
		policy = PolicyTerminate
	}
	return &FrameExtractor{ceiling: ceiling, policy: policy}
}

// Extract returns every complete frame at the front of buf and the number
// of bytes consumed. Frames are copies. Under PolicyTerminate a corrupt
// prefix returns the frames so far and an error wrapping ErrStreamCorrupt.
func (x *FrameExtractor) Extract(buf []byte) ([][]byte, int, error) {
	var frames [][]byte
	off := 0

	for len(buf)-off >= frameHeaderLen {
		n := binary.BigEndian.Uint32(buf[off:])
		if !x.plausible(n) {
			if x.policy == PolicyTerminate {
				metrics.StreamCorruptionsTotal.WithLabelValues(string(PolicyTerminate)).Inc()
				return frames, off, fmt.Errorf("frame length 0x%x at stream offset %d: %w", n, off, core.ErrStreamCorrupt)
			}
			skip := x.resync(buf[off:])
			metrics.StreamCorruptionsTotal.WithLabelValues(string(PolicyResync)).Inc()
			slog.Warn("corrupt frame length, resyncing", "length", n, "skipped", skip)
			off += skip
			continue
		}
		if uint32(len(buf)-off) < n {
			break // wait for more data
		}

		frame := make([]byte, n)
		copy(frame, buf[off:off+int(n)])
		frames = append(frames, frame)
		off += int(n)
	}

	if len(frames) > 0 {
		metrics.FramesTotal.Add(float64(len(frames)))
	}
	return frames, off, nil
}

func (x *FrameExtractor) plausible(n uint32) bool {
	return n >= frameHeaderLen && n <= x.ceiling
}

// resync returns how many bytes to skip so the stream starts at the next
// plausible length prefix. At least one byte is always skipped; if no
// candidate is found the bytes that cannot start a prefix are dropped.
func (x *FrameExtractor) resync(buf []byte) int {
	for i := 1; i+frameHeaderLen <= len(buf); i++ {
		if x.plausible(binary.BigEndian.Uint32(buf[i:])) {
			return i
		}
	}
	if len(buf) > frameHeaderLen {
		return len(buf) - frameHeaderLen + 1
	}
	return 1
}
