package buff

import "time"

// OverlayEntry is one buff id in state.json.
type OverlayEntry struct {
	DurUntil   int64 `json:"durUntil"`
	CdUntil    int64 `json:"cdUntil"`
	Stack      int   `json:"stack"`
	DurationMs int64 `json:"durationMs"`
	StartTime  int64 `json:"startTime"`
}

// overlay is the buff snapshot mirrored to state.json for external readers.
// It never keeps an entry whose duration elapsed without an active
// cooldown.
type overlay struct {
	entries map[uint64]OverlayEntry
	dirty   bool
}

func newOverlay() *overlay {
	return &overlay{entries: make(map[uint64]OverlayEntry)}
}

func (o *overlay) set(id uint64, e OverlayEntry) {
	o.entries[id] = e
	o.dirty = true
}

// prune drops finished entries as of now and marks the overlay dirty when
// anything was removed.
func (o *overlay) prune(now time.Time) {
	ms := now.UnixMilli()
	for id, e := range o.entries {
		durDead := e.DurUntil > 0 && e.DurUntil <= ms
		cdAlive := e.CdUntil > ms
		if durDead && !cdAlive {
			delete(o.entries, id)
			o.dirty = true
		}
	}
}

func (o *overlay) snapshot() map[string]OverlayEntry {
	out := make(map[string]OverlayEntry, len(o.entries))
	for id, e := range o.entries {
		out[idKey(id)] = e
	}
	return out
}

func (o *overlay) reset() {
	o.entries = make(map[uint64]OverlayEntry)
	o.dirty = false
}
