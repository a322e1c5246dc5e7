// Package buff tracks live buffs per entity and slot, decides which of
// them viewers see, and mirrors them into a persisted overlay.
package buff

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/store"
)

// Writer queues a JSON snapshot for persistence. *store.AsyncWriter
// satisfies it.
type Writer interface {
	SubmitJSON(path string, v any) error
}

// Paths locates the files the tracker reads and writes.
type Paths struct {
	NameMap  string
	StackMap string
	Seen     string
	Config   string
	State    string
}

// DefaultPaths lays the files out under the tables and data directories.
func DefaultPaths(tablesDir, dataDir string) Paths {
	return Paths{
		NameMap:  filepath.Join(tablesDir, "buff_map.json"),
		StackMap: filepath.Join(tablesDir, "stack_buff_map.json"),
		Seen:     filepath.Join(dataDir, "buff_seen.json"),
		Config:   filepath.Join(dataDir, "buff_config.json"),
		State:    filepath.Join(dataDir, "state.json"),
	}
}

// SeenEntry records when a buff id was first applied and how often.
type SeenEntry struct {
	FirstSeen int64 `json:"firstSeen"`
	Count     int64 `json:"count"`
}

// View is one buff as shown to viewers.
type View struct {
	Name             string  `json:"name"`
	DurUntil         int64   `json:"durUntil"`
	Stack            int     `json:"stack"`
	Count            int     `json:"count"`
	RemainingSec     float64 `json:"remainingSec"`
	TotalDurationSec float64 `json:"totalDurationSec"`
	Progress         float64 `json:"progress"`
}

// Info is one buff id in curation listings.
type Info struct {
	ID       uint64 `json:"id,string"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Mapped   bool   `json:"mapped"`
	IsDebuff bool   `json:"isDebuff,omitempty"`
}

type slot struct {
	durUntil   int64
	cdUntil    int64
	stack      int
	durationMs int64
	startTime  int64
}

type overrideKey struct {
	entity, buff uint64
}

type override struct {
	stack       int
	hasStack    bool
	durationMs  int64
	hasDuration bool
}

// Tracker is the buff state machine. Not safe for concurrent use; the
// pipeline engine owns it.
type Tracker struct {
	paths  Paths
	writer Writer

	names     NameMap
	stacks    map[uint64]json.RawMessage
	seen      map[uint64]*SeenEntry
	seenDirty bool
	vis       visibility

	// entity -> buff id -> slot
	active     map[uint64]map[uint64]map[uint32]slot
	slotBuff   map[uint32]uint64
	slotEntity map[uint32]uint64
	overrides  map[overrideKey]override
	overlay    *overlay
}

// New creates a tracker with empty tables.
func New(paths Paths, w Writer) *Tracker {
	return &Tracker{
		paths:      paths,
		writer:     w,
		names:      make(NameMap),
		stacks:     make(map[uint64]json.RawMessage),
		seen:       make(map[uint64]*SeenEntry),
		vis:        defaultVisibility(),
		active:     make(map[uint64]map[uint64]map[uint32]slot),
		slotBuff:   make(map[uint32]uint64),
		slotEntity: make(map[uint32]uint64),
		overrides:  make(map[overrideKey]override),
		overlay:    newOverlay(),
	}
}

// Load reads the reference tables, the seen registry and the visibility
// config. Missing files leave defaults.
func (t *Tracker) Load() error {
	names, err := LoadNameMap(t.paths.NameMap)
	if err != nil {
		return err
	}
	stacks, err := LoadStackMap(t.paths.StackMap)
	if err != nil {
		return err
	}

	rawSeen := make(map[string]*SeenEntry)
	if err := readOptional(t.paths.Seen, &rawSeen); err != nil {
		return err
	}
	seen := make(map[uint64]*SeenEntry, len(rawSeen))
	for k, v := range rawSeen {
		id, err := parseID(k)
		if err != nil {
			return fmt.Errorf("buff seen %s: %w", t.paths.Seen, err)
		}
		if v != nil {
			seen[id] = v
		}
	}

	cfg := Visibility{ShowUnmapped: true}
	if err := store.ReadJSON(t.paths.Config, &cfg); err != nil && !errors.Is(err, core.ErrNotFound) {
		return err
	}

	t.names, t.stacks, t.seen = names, stacks, seen
	t.vis.load(cfg)
	return nil
}

// HandleEvent applies buff apply, remove and state events. The entity is
// the event target and the buff id its skill id.
func (t *Tracker) HandleEvent(ev core.CombatEvent, now time.Time) {
	switch ev.Kind {
	case core.EventBuffApply:
		t.apply(ev, now)
	case core.EventBuffRemove:
		t.remove(ev)
	case core.EventBuffState:
		t.setOverride(ev)
	}
}

func (t *Tracker) apply(ev core.CombatEvent, now time.Time) {
	id := ev.SkillID
	if id == 0 || id == 1 {
		return
	}
	entity := ev.TargetID
	t.slotBuff[ev.Slot] = id
	if entity != 0 {
		t.slotEntity[ev.Slot] = entity
	}

	ms := now.UnixMilli()
	s, ok := t.seen[id]
	if !ok {
		s = &SeenEntry{FirstSeen: ms}
		t.seen[id] = s
	}
	s.Count++
	t.seenDirty = true

	stack := ev.Stack
	if stack <= 0 {
		stack = 1
	}
	durationMs := ev.DurationMs
	if ov, ok := t.overrides[overrideKey{entity, id}]; ok {
		if ov.hasStack {
			stack = ov.stack
		}
		if ov.hasDuration {
			durationMs = ov.durationMs
		}
	}

	if durationMs <= 0 {
		slog.Debug("skipping buff without duration", "entity", entity, "buff", id, "slot", ev.Slot)
		return
	}
	if entity == 0 {
		return
	}

	sl := slot{
		durUntil:   ms + durationMs,
		stack:      stack,
		durationMs: durationMs,
		startTime:  ms,
	}
	buffs, ok := t.active[entity]
	if !ok {
		buffs = make(map[uint64]map[uint32]slot)
		t.active[entity] = buffs
	}
	slots, ok := buffs[id]
	if !ok {
		slots = make(map[uint32]slot)
		buffs[id] = slots
	}
	slots[ev.Slot] = sl

	t.overlay.set(id, OverlayEntry{
		DurUntil:   sl.durUntil,
		Stack:      sl.stack,
		DurationMs: sl.durationMs,
		StartTime:  sl.startTime,
	})
	slog.Debug("buff applied", "entity", entity, "buff", id, "slot", ev.Slot, "duration_ms", durationMs, "stack", stack)
}

func (t *Tracker) remove(ev core.CombatEvent) {
	id := ev.SkillID
	if id == 0 || id == 1 {
		id = t.slotBuff[ev.Slot]
	}
	if id == 0 {
		return
	}
	entity := ev.TargetID
	if entity == 0 {
		entity = t.slotEntity[ev.Slot]
	}

	if buffs, ok := t.active[entity]; ok {
		if slots, ok := buffs[id]; ok {
			delete(slots, ev.Slot)
			if len(slots) == 0 {
				delete(buffs, id)
			}
		}
		if len(buffs) == 0 {
			delete(t.active, entity)
		}
	}
	delete(t.slotBuff, ev.Slot)
	delete(t.slotEntity, ev.Slot)
	slog.Debug("buff removed", "entity", entity, "buff", id, "slot", ev.Slot)
}

func (t *Tracker) setOverride(ev core.CombatEvent) {
	if ev.TargetID == 0 || ev.SkillID == 0 {
		return
	}
	k := overrideKey{ev.TargetID, ev.SkillID}
	ov := t.overrides[k]
	if ev.Stack > 0 {
		ov.stack, ov.hasStack = ev.Stack, true
	}
	if ev.DurationMs > 0 {
		ov.durationMs, ov.hasDuration = ev.DurationMs, true
	}
	t.overrides[k] = ov
}

// Lookup reports the stack/duration override held for (entity, buff).
func (t *Tracker) Lookup(entity, buff uint64) (int, int64, bool) {
	ov, ok := t.overrides[overrideKey{entity, buff}]
	if !ok {
		return 0, 0, false
	}
	return ov.stack, ov.durationMs, true
}

// prune drops slots expired at ms, then empty buff ids and entities.
func (t *Tracker) prune(entity uint64, ms int64) {
	buffs := t.active[entity]
	for id, slots := range buffs {
		for k, s := range slots {
			if s.durUntil <= ms {
				delete(slots, k)
			}
		}
		if len(slots) == 0 {
			delete(buffs, id)
			slog.Debug("buff expired", "entity", entity, "buff", id)
		}
	}
	if len(buffs) == 0 {
		delete(t.active, entity)
	}
}

// aggregate combines the live slots of one buff id.
func aggregate(slots map[uint32]slot) slot {
	agg := slot{startTime: math.MaxInt64}
	for _, s := range slots {
		agg.durUntil = max(agg.durUntil, s.durUntil)
		agg.cdUntil = max(agg.cdUntil, s.cdUntil)
		agg.stack = max(agg.stack, s.stack)
		agg.durationMs = max(agg.durationMs, s.durationMs)
		agg.startTime = min(agg.startTime, s.startTime)
	}
	return agg
}

// Active returns the visible buffs of every entity, or of entity only when
// filter is set, keyed by entity uid then buff id. Expired slots are
// dropped as a side effect.
func (t *Tracker) Active(now time.Time, entity uint64, filter bool) map[string]map[string]View {
	ms := now.UnixMilli()
	out := make(map[string]map[string]View)

	for uid := range t.active {
		if filter && uid != entity {
			continue
		}
		t.prune(uid, ms)
		buffs, ok := t.active[uid]
		if !ok {
			continue
		}

		views := make(map[string]View)
		for id, slots := range buffs {
			name, mapped := t.names.Name(id)
			if !t.vis.visible(id, mapped) {
				continue
			}
			agg := aggregate(slots)
			remaining := agg.durUntil - ms

			stack := agg.stack
			if ov, ok := t.overrides[overrideKey{uid, id}]; ok && ov.hasStack {
				stack = ov.stack
			}
			v := View{
				Name:             name,
				DurUntil:         agg.durUntil,
				Stack:            stack,
				Count:            len(slots),
				RemainingSec:     round(float64(remaining)/1000, 1),
				TotalDurationSec: round(float64(agg.durationMs)/1000, 1),
			}
			if agg.durationMs > 0 {
				v.Progress = round(float64(remaining)/float64(agg.durationMs), 2)
			}
			views[idKey(id)] = v
		}
		if len(views) > 0 {
			out[idKey(uid)] = views
		}
	}
	return out
}

// Entities returns the uids that currently carry a live buff.
func (t *Tracker) Entities(now time.Time) []uint64 {
	ms := now.UnixMilli()
	out := make([]uint64, 0, len(t.active))
	for uid := range t.active {
		t.prune(uid, ms)
		if _, ok := t.active[uid]; ok {
			out = append(out, uid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Flush writes the overlay when it changed or an entry expired, and the
// seen registry when it changed.
func (t *Tracker) Flush(now time.Time) {
	t.overlay.prune(now)
	if t.overlay.dirty {
		t.submit(t.paths.State, t.overlay.snapshot())
		t.overlay.dirty = false
	}
	if t.seenDirty {
		t.submit(t.paths.Seen, t.seenSnapshot())
		t.seenDirty = false
	}
}

// Reset forgets every live buff and writes an empty overlay.
func (t *Tracker) Reset() {
	t.active = make(map[uint64]map[uint64]map[uint32]slot)
	t.slotBuff = make(map[uint32]uint64)
	t.slotEntity = make(map[uint32]uint64)
	t.overrides = make(map[overrideKey]override)
	t.overlay.reset()
	t.submit(t.paths.State, map[string]OverlayEntry{})
}

// Overlay returns the overlay entries still live at now, keyed by buff id.
func (t *Tracker) Overlay(now time.Time) map[string]OverlayEntry {
	t.overlay.prune(now)
	return t.overlay.snapshot()
}

func (t *Tracker) seenSnapshot() map[string]SeenEntry {
	out := make(map[string]SeenEntry, len(t.seen))
	for id, s := range t.seen {
		out[idKey(id)] = *s
	}
	return out
}

// Seen returns the seen registry entry of id.
func (t *Tracker) Seen(id uint64) (SeenEntry, bool) {
	s, ok := t.seen[id]
	if !ok {
		return SeenEntry{}, false
	}
	return *s, true
}

// Stackable reports whether id is listed in the stack table.
func (t *Tracker) Stackable(id uint64) bool {
	_, ok := t.stacks[id]
	return ok
}

// Config returns the visibility configuration.
func (t *Tracker) Config() Visibility {
	return t.vis.export()
}

// SetEnabled adds or removes id from the enabled set.
func (t *Tracker) SetEnabled(id uint64, enabled bool) {
	if enabled {
		t.vis.enabled[id] = true
	} else {
		delete(t.vis.enabled, id)
	}
	t.saveConfig()
}

// SetShowUnmapped toggles whether unmapped ids are shown.
func (t *Tracker) SetShowUnmapped(show bool) {
	t.vis.showUnmapped = show
	t.saveConfig()
}

// SelectAll enables every mapped and seen id, or clears the enabled set.
func (t *Tracker) SelectAll(enabled bool) {
	t.vis.enabled = make(map[uint64]bool)
	if enabled {
		for id := range t.names {
			t.vis.enabled[id] = true
		}
		for id := range t.seen {
			t.vis.enabled[id] = true
		}
	}
	t.saveConfig()
}

func (t *Tracker) saveConfig() {
	t.submit(t.paths.Config, t.vis.export())
}

// All lists every mapped id, then every seen unmapped id.
func (t *Tracker) All() []Info {
	all := len(t.vis.enabled) == 0
	return t.list(func(uint64, string, bool) bool { return true }, func(id uint64) bool {
		return all || t.vis.enabled[id]
	})
}

// Search lists ids containing q, and mapped ids whose name contains q
// case-insensitively.
func (t *Tracker) Search(q string) []Info {
	lower := strings.ToLower(q)
	match := func(id uint64, name string, mapped bool) bool {
		if strings.Contains(idKey(id), q) {
			return true
		}
		return mapped && strings.Contains(strings.ToLower(name), lower)
	}
	return t.list(match, func(id uint64) bool { return t.vis.enabled[id] })
}

func (t *Tracker) list(match func(id uint64, name string, mapped bool) bool, enabled func(uint64) bool) []Info {
	out := make([]Info, 0, len(t.names)+len(t.seen))
	for id, e := range t.names {
		if match(id, e.Name, true) {
			out = append(out, Info{ID: id, Name: e.Name, Enabled: enabled(id), Mapped: true, IsDebuff: e.IsDebuff})
		}
	}
	for id := range t.seen {
		if _, mapped := t.names[id]; mapped {
			continue
		}
		if match(id, UnmappedName, false) {
			out = append(out, Info{ID: id, Name: UnmappedName, Enabled: enabled(id)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Mapped != out[j].Mapped {
			return out[i].Mapped
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Names returns a copy of the name table.
func (t *Tracker) Names() NameMap {
	out := make(NameMap, len(t.names))
	for id, e := range t.names {
		out[id] = e
	}
	return out
}

// SetName adds or replaces a name table entry and persists the table.
func (t *Tracker) SetName(id uint64, e MapEntry) {
	t.names[id] = e
	t.submit(t.paths.NameMap, t.Names())
}

// DeleteName removes a name table entry.
func (t *Tracker) DeleteName(id uint64) error {
	if _, ok := t.names[id]; !ok {
		return fmt.Errorf("buff map entry %d: %w", id, core.ErrNotFound)
	}
	delete(t.names, id)
	t.submit(t.paths.NameMap, t.Names())
	return nil
}

func (t *Tracker) submit(path string, v any) {
	if err := t.writer.SubmitJSON(path, v); err != nil {
		slog.Error("failed to queue buff state write", "path", path, "error", err)
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// ParseID parses a decimal buff or entity id.
func ParseID(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
