// Package pipeline implements the single-consumer engine that carries
// captured frames through decoding, session tracking and event routing,
// and owns all mutable combat state.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"firestige.xyz/dmgmeter/internal/buff"
	"firestige.xyz/dmgmeter/internal/capture"
	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/core/decoder"
	"firestige.xyz/dmgmeter/internal/enemy"
	"firestige.xyz/dmgmeter/internal/metrics"
	"firestige.xyz/dmgmeter/internal/router"
	"firestige.xyz/dmgmeter/internal/session"
	"firestige.xyz/dmgmeter/internal/stats"
)

// Config contains engine cadences.
type Config struct {
	QueueSize            int
	HousekeepingInterval time.Duration // fragment expiry, idle session sweep, timeout clear (default 10s)
	RealtimeInterval     time.Duration // realtime window recomputation (default 100ms)
	BuffFlushInterval    time.Duration // overlay and seen registry writes (default 80ms)
	AutosaveInterval     time.Duration // session archive autosave (default 10s)
	IdentityPollInterval time.Duration // debounced identity cache writes (default 500ms)
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.HousekeepingInterval <= 0 {
		c.HousekeepingInterval = 10 * time.Second
	}
	if c.RealtimeInterval <= 0 {
		c.RealtimeInterval = 100 * time.Millisecond
	}
	if c.BuffFlushInterval <= 0 {
		c.BuffFlushInterval = 80 * time.Millisecond
	}
	if c.AutosaveInterval <= 0 {
		c.AutosaveInterval = 10 * time.Second
	}
	if c.IdentityPollInterval <= 0 {
		c.IdentityPollInterval = 500 * time.Millisecond
	}
}

// Components are the stateful parts the engine owns. Source may be nil when
// frames are fed by the caller.
type Components struct {
	Source   capture.Source
	Decoder  *decoder.Decoder
	Sessions *session.Tracker
	Router   *router.Router
	Stats    *stats.Aggregator
	Buffs    *buff.Tracker
	Enemies  *enemy.Cache
	Clock    core.Clock
}

// State is the view of engine-owned state handed to Do callbacks. It must
// not be retained after the callback returns.
type State struct {
	Stats    *stats.Aggregator
	Buffs    *buff.Tracker
	Enemies  *enemy.Cache
	Sessions *session.Tracker
	Now      time.Time

	engine *Engine
}

// Paused reports whether combat recording is paused.
func (s *State) Paused() bool { return s.engine.paused }

// SetPaused pauses or resumes combat recording.
func (s *State) SetPaused(p bool) {
	if s.engine.paused != p {
		slog.Info("combat recording paused", "paused", p)
	}
	s.engine.paused = p
}

// Clear archives the current session and resets all statistics.
func (s *State) Clear() {
	slog.Info("clearing statistics")
	s.engine.c.Stats.ClearAll(s.Now)
}

type command struct {
	fn   func(*State)
	done chan struct{}
}

// Engine runs the processing loop. Every component in Components is
// touched only from that loop.
type Engine struct {
	cfg Config
	c   Components

	packets chan core.RawPacket
	cmds    chan command
	paused  bool

	ctx           context.Context
	cancel        context.CancelFunc
	captureCancel context.CancelFunc
	wg            sync.WaitGroup

	sourceDone chan struct{}
	done       chan struct{}
	errOnce    sync.Once
	err        error

	metrics Metrics
}

// New wires the components together: stats, buff and enemy handlers on the
// router, buff overrides for the decoder, buff reset on clear, and enemy
// refresh plus optional clear on relock.
func New(cfg Config, c Components) *Engine {
	cfg.applyDefaults()
	if c.Clock == nil {
		c.Clock = core.SystemClock
	}
	e := &Engine{
		cfg:        cfg,
		c:          c,
		packets:    make(chan core.RawPacket, cfg.QueueSize),
		cmds:       make(chan command),
		sourceDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	c.Router.Handle(router.HandlerFunc(e.recordCombat),
		core.EventDamage, core.EventHeal, core.EventTakenDamage, core.EventLog)
	c.Router.Handle(c.Stats,
		core.EventName, core.EventProfession, core.EventFightPoint, core.EventAttr)
	c.Router.Handle(c.Buffs, core.EventBuffApply, core.EventBuffRemove, core.EventBuffState)
	c.Router.Handle(c.Enemies, core.EventEnemyInfo, core.EventEnemyRemove)
	c.Router.SetOverrideLookup(c.Buffs.Lookup)

	c.Stats.OnClear(c.Buffs.Reset)
	c.Sessions.OnLock(func(session.Match) {
		now := e.c.Clock.Now()
		e.c.Enemies.Refresh()
		e.c.Stats.ServerChanged(now)
	})
	return e
}

// recordCombat gates combat events on the pause flag.
func (e *Engine) recordCombat(ev core.CombatEvent, now time.Time) {
	if e.paused {
		e.metrics.Paused.Add(1)
		return
	}
	e.c.Stats.HandleEvent(ev, now)
}

// Start launches the processing loop and, if a source is set, the capture
// loop.
func (e *Engine) Start(ctx context.Context) error {
	if e.ctx != nil {
		return fmt.Errorf("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.processLoop()

	if e.c.Source != nil {
		var captureCtx context.Context
		captureCtx, e.captureCancel = context.WithCancel(e.ctx)
		e.wg.Add(1)
		go e.captureLoop(captureCtx)
	}

	slog.Info("engine started", "queue_size", e.cfg.QueueSize)
	return nil
}

// Stop stops capture, lets the loop archive and flush its state, and waits
// for both goroutines or ctx.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}
	slog.Info("engine stopping")
	if e.captureCancel != nil {
		e.captureCancel()
	}
	e.cancel()

	waited := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		slog.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the processing loop has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

// SourceDone is closed once the source is exhausted and every frame it
// produced has been processed.
func (e *Engine) SourceDone() <-chan struct{} { return e.sourceDone }

// Err returns the error that stopped the engine, if any.
func (e *Engine) Err() error { return e.err }

// Stats returns the engine counters.
func (e *Engine) Stats() Stats { return e.metrics.snapshot() }

// Feed queues one raw frame for processing, waiting for room. It is used
// when the engine has no source of its own.
func (e *Engine) Feed(ctx context.Context, raw core.RawPacket) error {
	select {
	case e.packets <- raw:
		return nil
	case <-e.done:
		return core.ErrPipelineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the processing goroutine and waits for it to finish.
func (e *Engine) Do(ctx context.Context, fn func(*State)) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case e.cmds <- cmd:
	case <-e.done:
		return core.ErrPipelineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) fail(err error) {
	e.errOnce.Do(func() {
		e.err = err
		slog.Error("engine failed", "error", err)
		e.cancel()
	})
}

func (e *Engine) captureLoop(ctx context.Context) {
	defer e.wg.Done()
	defer close(e.packets)

	if err := e.c.Source.Capture(ctx, e.packets); err != nil && ctx.Err() == nil {
		e.fail(fmt.Errorf("capture %s: %w", e.c.Source.Name(), err))
	}
}

func (e *Engine) processLoop() {
	defer e.wg.Done()
	defer close(e.done)

	housekeeping := time.NewTicker(e.cfg.HousekeepingInterval)
	realtime := time.NewTicker(e.cfg.RealtimeInterval)
	buffFlush := time.NewTicker(e.cfg.BuffFlushInterval)
	autosave := time.NewTicker(e.cfg.AutosaveInterval)
	identity := time.NewTicker(e.cfg.IdentityPollInterval)
	defer housekeeping.Stop()
	defer realtime.Stop()
	defer buffFlush.Stop()
	defer autosave.Stop()
	defer identity.Stop()

	packets := e.packets
	for {
		select {
		case <-e.ctx.Done():
			e.shutdown()
			return

		case raw, ok := <-packets:
			if !ok {
				packets = nil
				close(e.sourceDone)
				continue
			}
			e.handlePacket(raw)

		case cmd := <-e.cmds:
			cmd.fn(&State{
				Stats:    e.c.Stats,
				Buffs:    e.c.Buffs,
				Enemies:  e.c.Enemies,
				Sessions: e.c.Sessions,
				Now:      e.c.Clock.Now(),
				engine:   e,
			})
			close(cmd.done)

		case <-housekeeping.C:
			e.housekeep()

		case <-realtime.C:
			e.c.Stats.UpdateRealtime(e.c.Clock.Now())

		case <-buffFlush.C:
			e.c.Buffs.Flush(e.c.Clock.Now())

		case <-autosave.C:
			e.c.Stats.Autosave(e.c.Clock.Now())

		case <-identity.C:
			e.c.Stats.Poll(e.c.Clock.Now())
		}
	}
}

func (e *Engine) handlePacket(raw core.RawPacket) {
	start := time.Now()
	defer func() {
		metrics.ProcessLatencySeconds.Observe(time.Since(start).Seconds())
	}()
	e.metrics.Received.Add(1)

	seg, ok, err := e.c.Decoder.Decode(raw)
	if err != nil {
		e.metrics.DecodeErrors.Add(1)
		slog.Debug("frame rejected", "error", err)
		return
	}
	if !ok {
		return
	}
	e.metrics.Decoded.Add(1)

	now := e.c.Clock.Now()
	frames, err := e.c.Sessions.Handle(seg, now)
	for _, f := range frames {
		e.metrics.Frames.Add(1)
		n := e.c.Router.RouteFrame(f, now)
		e.metrics.Events.Add(uint64(n))
	}
	if err != nil {
		e.c.Sessions.Reset()
		e.fail(fmt.Errorf("session %s: %w", seg.Tuple, err))
	}
}

func (e *Engine) housekeep() {
	now := e.c.Clock.Now()
	if n := e.c.Decoder.Defragmenter().Expire(now); n > 0 {
		slog.Debug("expired incomplete ip datagrams", "count", n)
	}
	e.c.Sessions.Sweep(now)
	e.c.Stats.CheckTimeoutClear(now)
}

// shutdown archives the session and flushes persisted state. Runs on the
// processing goroutine as it exits.
func (e *Engine) shutdown() {
	now := e.c.Clock.Now()
	e.paused = true
	e.c.Stats.ClearAll(now)
	e.c.Stats.Flush()
	e.c.Buffs.Flush(now)
}
