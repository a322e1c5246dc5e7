package buff

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/store"
)

var t0 = time.UnixMilli(1_750_000_000_000)

func at(ms int) time.Time {
	return t0.Add(time.Duration(ms) * time.Millisecond)
}

type fileWriter struct {
	mu      sync.Mutex
	submits map[string]int
}

func (w *fileWriter) SubmitJSON(path string, v any) error {
	w.mu.Lock()
	w.submits[path]++
	w.mu.Unlock()
	return store.WriteJSON(path, v)
}

func (w *fileWriter) count(path string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.submits[path]
}

func newTracker(t *testing.T) (*Tracker, *fileWriter, Paths) {
	t.Helper()
	dir := t.TempDir()
	paths := DefaultPaths(filepath.Join(dir, "tables"), filepath.Join(dir, "data"))
	w := &fileWriter{submits: make(map[string]int)}
	tr := New(paths, w)
	require.NoError(t, tr.Load())
	return tr, w, paths
}

func apply(entity, buff uint64, slot uint32, durationMs int64, stack int) core.CombatEvent {
	return core.CombatEvent{Kind: core.EventBuffApply, TargetID: entity, SkillID: buff, Slot: slot, DurationMs: durationMs, Stack: stack}
}

func remove(entity, buff uint64, slot uint32) core.CombatEvent {
	return core.CombatEvent{Kind: core.EventBuffRemove, TargetID: entity, SkillID: buff, Slot: slot}
}

func TestTracker_Expiry(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.HandleEvent(apply(7, 100, 1, 5000, 0), at(0))

	got := tr.Active(at(4999), 0, false)
	require.Contains(t, got, "7")
	require.Contains(t, got["7"], "100")
	v := got["7"]["100"]
	assert.Equal(t, 1, v.Stack)
	assert.Equal(t, UnmappedName, v.Name)

	got = tr.Active(at(5001), 0, false)
	assert.NotContains(t, got, "7")
	assert.Empty(t, tr.Entities(at(5001)))
}

func TestTracker_MultiSlotAggregation(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.HandleEvent(apply(7, 200, 1, 10000, 1), at(0))
	tr.HandleEvent(apply(7, 200, 2, 8000, 3), at(0))

	v := tr.Active(at(100), 0, false)["7"]["200"]
	assert.Equal(t, 3, v.Stack)
	assert.Equal(t, 2, v.Count)
	assert.Equal(t, at(10000).UnixMilli(), v.DurUntil)

	tr.HandleEvent(remove(7, 200, 2), at(200))
	v = tr.Active(at(300), 0, false)["7"]["200"]
	assert.Equal(t, 1, v.Stack)
	assert.Equal(t, 1, v.Count)
	assert.Equal(t, at(10000).UnixMilli(), v.DurUntil)
}

func TestTracker_ViewNumbers(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.HandleEvent(apply(7, 300, 1, 10000, 2), at(0))

	v := tr.Active(at(2500), 0, false)["7"]["300"]
	assert.Equal(t, 7.5, v.RemainingSec)
	assert.Equal(t, 10.0, v.TotalDurationSec)
	assert.Equal(t, 0.75, v.Progress)
}

func TestTracker_IgnoredApplies(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.HandleEvent(apply(7, 0, 1, 5000, 1), at(0))
	tr.HandleEvent(apply(7, 1, 1, 5000, 1), at(0))
	tr.HandleEvent(apply(7, 400, 2, 0, 1), at(0))
	tr.HandleEvent(apply(0, 401, 3, 5000, 1), at(0))

	assert.Empty(t, tr.Active(at(1), 0, false))
	assert.Empty(t, tr.Overlay(at(1)))

	_, ok := tr.Seen(400)
	assert.True(t, ok, "zero-duration applies are still seen")
	_, ok = tr.Seen(1)
	assert.False(t, ok)
}

func TestTracker_RemoveFallsBackToSlot(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.HandleEvent(apply(7, 500, 9, 5000, 1), at(0))
	tr.HandleEvent(core.CombatEvent{Kind: core.EventBuffRemove, Slot: 9, SkillID: 1}, at(10))

	assert.Empty(t, tr.Active(at(20), 0, false))
}

func TestTracker_Override(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.HandleEvent(core.CombatEvent{Kind: core.EventBuffState, TargetID: 7, SkillID: 600, Stack: 5, DurationMs: 3000}, at(0))

	stack, dur, ok := tr.Lookup(7, 600)
	require.True(t, ok)
	assert.Equal(t, 5, stack)
	assert.Equal(t, int64(3000), dur)

	tr.HandleEvent(apply(7, 600, 1, 0, 1), at(0))
	v := tr.Active(at(1000), 0, false)["7"]["600"]
	assert.Equal(t, 5, v.Stack)
	assert.Equal(t, at(3000).UnixMilli(), v.DurUntil)

	tr.HandleEvent(core.CombatEvent{Kind: core.EventBuffState, TargetID: 7, SkillID: 600, Stack: 2}, at(1100))
	v = tr.Active(at(1200), 0, false)["7"]["600"]
	assert.Equal(t, 2, v.Stack, "view prefers the current override")
}

func TestTracker_Visibility(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.SetName(100, MapEntry{Name: "Haste"})
	tr.HandleEvent(apply(7, 100, 1, 5000, 1), at(0))
	tr.HandleEvent(apply(7, 999, 2, 5000, 1), at(0))

	got := tr.Active(at(1), 0, false)["7"]
	assert.Len(t, got, 2)
	assert.Equal(t, "Haste", got["100"].Name)

	tr.SetShowUnmapped(false)
	got = tr.Active(at(1), 0, false)["7"]
	assert.Len(t, got, 1)
	assert.Contains(t, got, "100")

	tr.SetShowUnmapped(true)
	tr.SetEnabled(999, true)
	got = tr.Active(at(1), 0, false)["7"]
	assert.Len(t, got, 1)
	assert.Contains(t, got, "999")

	tr.SelectAll(false)
	assert.Len(t, tr.Active(at(1), 0, false)["7"], 2)
}

func TestTracker_EntityFilter(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.HandleEvent(apply(7, 100, 1, 5000, 1), at(0))
	tr.HandleEvent(apply(8, 100, 2, 5000, 1), at(0))

	got := tr.Active(at(1), 8, true)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "8")
	assert.Equal(t, []uint64{7, 8}, tr.Entities(at(1)))
}

func TestTracker_OverlayFlush(t *testing.T) {
	tr, w, paths := newTracker(t)
	tr.HandleEvent(apply(7, 100, 1, 1000, 1), at(0))
	tr.HandleEvent(apply(7, 200, 2, 9000, 2), at(0))

	tr.Flush(at(10))
	assert.Equal(t, 1, w.count(paths.State))
	tr.Flush(at(20))
	assert.Equal(t, 1, w.count(paths.State), "clean overlay is not rewritten")

	tr.HandleEvent(apply(8, 300, 3, 9000, 1), at(1500))
	tr.Flush(at(1500))

	state := map[string]OverlayEntry{}
	require.NoError(t, store.ReadJSON(paths.State, &state))
	assert.NotContains(t, state, "100", "elapsed entry without cooldown is dropped")
	assert.Contains(t, state, "200")
	assert.Contains(t, state, "300")
	assert.Equal(t, 2, state["200"].Stack)

	tr.Reset()
	state = map[string]OverlayEntry{}
	require.NoError(t, store.ReadJSON(paths.State, &state))
	assert.Empty(t, state)
	assert.Empty(t, tr.Entities(at(1600)))
}

func TestTracker_OverlayExpiresWithoutNewApply(t *testing.T) {
	tr, w, paths := newTracker(t)
	tr.HandleEvent(apply(7, 100, 1, 1000, 1), at(0))
	tr.Flush(at(10))
	require.Equal(t, 1, w.count(paths.State))

	assert.Contains(t, tr.Overlay(at(500)), "100")

	tr.Flush(at(5000))
	assert.Equal(t, 2, w.count(paths.State), "expiry alone rewrites the overlay")
	state := map[string]OverlayEntry{}
	require.NoError(t, store.ReadJSON(paths.State, &state))
	assert.Empty(t, state)
	assert.Empty(t, tr.Overlay(at(5000)))

	tr.Flush(at(6000))
	assert.Equal(t, 2, w.count(paths.State))
}

func TestTracker_SeenPersistedOnChange(t *testing.T) {
	tr, w, paths := newTracker(t)
	tr.Flush(at(0))
	assert.Equal(t, 0, w.count(paths.Seen))

	tr.HandleEvent(apply(7, 100, 1, 1000, 1), at(0))
	tr.HandleEvent(apply(7, 100, 2, 1000, 1), at(5))
	tr.Flush(at(10))
	assert.Equal(t, 1, w.count(paths.Seen))

	reloaded := New(paths, w)
	require.NoError(t, reloaded.Load())
	s, ok := reloaded.Seen(100)
	require.True(t, ok)
	assert.Equal(t, int64(2), s.Count)
	assert.Equal(t, at(0).UnixMilli(), s.FirstSeen)
}

func TestTracker_SearchAndAll(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.SetName(2100, MapEntry{Name: "Fury"})
	tr.SetName(3100, MapEntry{Name: "Weakness", IsDebuff: true})
	tr.HandleEvent(apply(7, 100, 1, 1000, 1), at(0))
	tr.HandleEvent(apply(7, 3100, 2, 1000, 1), at(0))

	all := tr.All()
	require.Len(t, all, 3)
	assert.Equal(t, []uint64{2100, 3100, 100}, []uint64{all[0].ID, all[1].ID, all[2].ID})
	assert.True(t, all[0].Enabled, "empty enabled set enables everything")
	assert.False(t, all[2].Mapped)

	res := tr.Search("fur")
	require.Len(t, res, 1)
	assert.Equal(t, uint64(2100), res[0].ID)
	assert.False(t, res[0].Enabled)

	res = tr.Search("100")
	assert.Equal(t, []uint64{2100, 3100, 100}, []uint64{res[0].ID, res[1].ID, res[2].ID})

	tr.SelectAll(true)
	assert.Equal(t, []string{"100", "2100", "3100"}, tr.Config().EnabledBuffs)
}

func TestTracker_NameMapEdits(t *testing.T) {
	tr, _, paths := newTracker(t)
	tr.SetName(5, MapEntry{Name: "Shield"})

	m, err := LoadNameMap(paths.NameMap)
	require.NoError(t, err)
	assert.Equal(t, "Shield", m[5].Name)

	require.NoError(t, tr.DeleteName(5))
	assert.ErrorIs(t, tr.DeleteName(5), core.ErrNotFound)
}
