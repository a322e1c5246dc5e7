// Package session identifies the game server connection among captured TCP
// flows and turns its server-to-client bytes into application frames.
package session

import (
	"log/slog"
	"time"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/metrics"
)

// Config contains session tracking settings.
type Config struct {
	IdleTimeout      time.Duration    // teardown after no drained data (default 30s)
	MaxFrameLen      uint32           // length prefix ceiling (default 0x0fffff)
	MaxOutOfOrder    int              // cached segments (default 4096)
	CorruptionPolicy CorruptionPolicy // default terminate
}

// LockHook is called whenever a session is locked onto a different flow.
type LockHook func(Match)

// Tracker holds the single tracked session. It belongs to the pipeline's
// processing goroutine.
type Tracker struct {
	locator *Locator
	stream  *Reassembler
	framer  *FrameExtractor
	config  Config

	current      core.FourTuple
	locked       bool
	lastActivity time.Time

	hooks []LockHook
}

// NewTracker creates a tracker. A nil locator uses the default matchers.
func NewTracker(cfg Config, locator *Locator) *Tracker {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.MaxFrameLen == 0 {
		cfg.MaxFrameLen = DefaultMaxFrameLen
	}
	if locator == nil {
		locator = NewLocator()
	}
	return &Tracker{
		locator: locator,
		stream:  NewReassembler(cfg.MaxOutOfOrder, cfg.MaxFrameLen),
		framer:  NewFrameExtractor(cfg.MaxFrameLen, cfg.CorruptionPolicy),
		config:  cfg,
	}
}

// OnLock registers a hook run after every lock onto a new flow.
func (t *Tracker) OnLock(h LockHook) {
	t.hooks = append(t.hooks, h)
}

// Current returns the locked server-to-client tuple.
func (t *Tracker) Current() (core.FourTuple, bool) {
	return t.current, t.locked
}

// Handle processes one segment at now and returns the frames it completed.
// The only error is a wrapped ErrStreamCorrupt under the terminate policy.
func (t *Tracker) Handle(seg core.Segment, now time.Time) ([][]byte, error) {
	if !t.locked || (seg.Tuple != t.current && seg.Tuple != t.current.Reverse()) {
		if m, ok := t.locator.Locate(seg); ok {
			t.lock(m, now)
		}
		return nil, nil
	}

	if seg.Tuple != t.current {
		return nil, nil // client to server
	}

	if t.stream.Ingest(seg.Seq, seg.Payload) == 0 {
		return nil, nil
	}
	t.lastActivity = now

	frames, consumed, err := t.framer.Extract(t.stream.Buffered())
	t.stream.Discard(consumed)
	return frames, err
}

func (t *Tracker) lock(m Match, now time.Time) {
	if t.locked && m.Tuple == t.current {
		return
	}

	t.current = m.Tuple
	t.locked = true
	t.lastActivity = now
	t.stream.Reset()
	if m.SeedKnown {
		t.stream.Seed(m.Seed)
	} else {
		slog.Debug("expected sequence unknown, waiting for a frame start", "matcher", m.Matcher)
	}

	metrics.SessionLocksTotal.WithLabelValues(m.Matcher).Inc()
	slog.Info("game server identified", "server", m.Tuple.Src.String(), "client", m.Tuple.Dst.String(), "matcher", m.Matcher)

	for _, h := range t.hooks {
		h(m)
	}
}

// Sweep tears the session down when no data was drained for longer than the
// idle timeout. It reports whether a teardown happened.
func (t *Tracker) Sweep(now time.Time) bool {
	if !t.locked || now.Sub(t.lastActivity) <= t.config.IdleTimeout {
		return false
	}
	next, _ := t.stream.Next()
	slog.Warn("no data from game server, dropping session; is the game closed or disconnected?",
		"server", t.current.Src.String(), "next_seq", next)
	t.teardown("idle")
	return true
}

// Reset drops the session, e.g. after stream corruption.
func (t *Tracker) Reset() {
	if t.locked {
		t.teardown("reset")
	}
}

func (t *Tracker) teardown(reason string) {
	t.current = core.FourTuple{}
	t.locked = false
	t.lastActivity = time.Time{}
	t.stream.Reset()
	metrics.SessionTeardownsTotal.WithLabelValues(reason).Inc()
}
