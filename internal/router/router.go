// Package router decodes application frames and dispatches the resulting
// combat events to the components that aggregate them.
package router

import (
	"log/slog"
	"time"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/metrics"
)

// Handler consumes combat events.
type Handler interface {
	HandleEvent(ev core.CombatEvent, now time.Time)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev core.CombatEvent, now time.Time)

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ev core.CombatEvent, now time.Time) {
	f(ev, now)
}

// Router forwards every event to the handlers registered for its kind, in
// registration order. Not safe for concurrent use; the pipeline owns it.
type Router struct {
	decoder  FrameDecoder
	handlers map[core.EventKind][]Handler
}

// New creates a router around a frame decoder.
func New(decoder FrameDecoder) *Router {
	return &Router{
		decoder:  decoder,
		handlers: make(map[core.EventKind][]Handler),
	}
}

// Handle registers h for the given kinds.
func (r *Router) Handle(h Handler, kinds ...core.EventKind) {
	for _, k := range kinds {
		r.handlers[k] = append(r.handlers[k], h)
	}
}

// SetOverrideLookup passes lookup to the decoder if it wants one.
func (r *Router) SetOverrideLookup(lookup OverrideLookup) {
	if aware, ok := r.decoder.(OverrideAware); ok {
		aware.SetOverrideLookup(lookup)
	}
}

// RouteFrame decodes one frame and dispatches its events. Decode failures
// are logged and counted; events decoded before the failure still count.
func (r *Router) RouteFrame(frame []byte, now time.Time) int {
	events, err := r.decoder.Decode(frame)
	if err != nil {
		metrics.EventsTotal.WithLabelValues("frame", "decode_error").Inc()
		slog.Debug("failed to decode frame", "decoder", r.decoder.Name(), "len", len(frame), "error", err)
	}
	for _, ev := range events {
		r.Route(ev, now)
	}
	return len(events)
}

// Route dispatches one event.
func (r *Router) Route(ev core.CombatEvent, now time.Time) {
	hs := r.handlers[ev.Kind]
	if len(hs) == 0 {
		metrics.EventsTotal.WithLabelValues(ev.Kind.String(), "unhandled").Inc()
		return
	}
	for _, h := range hs {
		h.HandleEvent(ev, now)
	}
	metrics.EventsTotal.WithLabelValues(ev.Kind.String(), "routed").Inc()
}
