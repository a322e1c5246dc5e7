package router

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dmgmeter/internal/core"
)

type mockDecoder struct {
	mock.Mock
}

func (m *mockDecoder) Name() string { return "mock" }

func (m *mockDecoder) Init(options map[string]any) error {
	return m.Called(options).Error(0)
}

func (m *mockDecoder) Decode(frame []byte) ([]core.CombatEvent, error) {
	args := m.Called(frame)
	events, _ := args.Get(0).([]core.CombatEvent)
	return events, args.Error(1)
}

type overrideDecoder struct {
	mockDecoder
	lookup OverrideLookup
}

func (d *overrideDecoder) SetOverrideLookup(l OverrideLookup) { d.lookup = l }

func withPrefix(body string) []byte {
	f := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(f, uint32(len(f)))
	copy(f[4:], body)
	return f
}

func TestRouter_DispatchByKind(t *testing.T) {
	dec := &mockDecoder{}
	frame := []byte{0, 0, 0, 4}
	dec.On("Decode", frame).Return([]core.CombatEvent{
		{Kind: core.EventDamage, ActorID: 1, Value: 10},
		{Kind: core.EventBuffApply, TargetID: 7, SkillID: 100},
		{Kind: core.EventLog, Line: "ignored"},
	}, nil)

	var damage, buffs []core.CombatEvent
	r := New(dec)
	r.Handle(HandlerFunc(func(ev core.CombatEvent, _ time.Time) { damage = append(damage, ev) }), core.EventDamage, core.EventHeal)
	r.Handle(HandlerFunc(func(ev core.CombatEvent, _ time.Time) { buffs = append(buffs, ev) }), core.EventBuffApply)

	n := r.RouteFrame(frame, time.Now())

	assert.Equal(t, 3, n)
	require.Len(t, damage, 1)
	assert.Equal(t, int64(10), damage[0].Value)
	require.Len(t, buffs, 1)
	assert.Equal(t, uint64(100), buffs[0].SkillID)
	dec.AssertExpectations(t)
}

func TestRouter_HandlersInRegistrationOrder(t *testing.T) {
	r := New(noopDecoder{})
	var order []string
	r.Handle(HandlerFunc(func(core.CombatEvent, time.Time) { order = append(order, "a") }), core.EventHeal)
	r.Handle(HandlerFunc(func(core.CombatEvent, time.Time) { order = append(order, "b") }), core.EventHeal)

	r.Route(core.CombatEvent{Kind: core.EventHeal}, time.Now())
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestRouter_DecodeErrorKeepsPartialEvents(t *testing.T) {
	dec := &mockDecoder{}
	dec.On("Decode", mock.Anything).Return([]core.CombatEvent{{Kind: core.EventDamage}}, errors.New("truncated"))

	got := 0
	r := New(dec)
	r.Handle(HandlerFunc(func(core.CombatEvent, time.Time) { got++ }), core.EventDamage)

	assert.Equal(t, 1, r.RouteFrame([]byte{0, 0, 0, 4}, time.Now()))
	assert.Equal(t, 1, got)
}

func TestRouter_OverrideLookupReachesAwareDecoder(t *testing.T) {
	dec := &overrideDecoder{}
	r := New(dec)
	r.SetOverrideLookup(func(entity, buff uint64) (int, int64, bool) { return 3, 5000, entity == 7 })

	require.NotNil(t, dec.lookup)
	stack, dur, ok := dec.lookup(7, 100)
	assert.True(t, ok)
	assert.Equal(t, 3, stack)
	assert.Equal(t, int64(5000), dur)

	// decoders without the interface are left alone
	New(noopDecoder{}).SetOverrideLookup(dec.lookup)
}

func TestRegistry_Builtins(t *testing.T) {
	assert.Contains(t, Decoders(), "noop")
	assert.Contains(t, Decoders(), "json")

	_, err := NewDecoder("nope", nil)
	assert.ErrorIs(t, err, core.ErrDecoderNotFound)

	d, err := NewDecoder("noop", nil)
	require.NoError(t, err)
	events, err := d.Decode([]byte{0, 0, 0, 4})
	assert.NoError(t, err)
	assert.Empty(t, events)
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	assert.Panics(t, func() {
		Register("noop", func() FrameDecoder { return noopDecoder{} })
	})
}

func TestJSONDecoder_ObjectAndArray(t *testing.T) {
	d, err := NewDecoder("json", nil)
	require.NoError(t, err)

	events, err := d.Decode(withPrefix(`{"kind":"damage","actor":9007199254740993,"target":75,"skill":1241,"value":"1200","crit":true,"hp_lessen":900}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, core.EventDamage, ev.Kind)
	assert.Equal(t, uint64(9007199254740993), ev.ActorID)
	assert.Equal(t, uint64(75), ev.TargetID)
	assert.Equal(t, int64(1200), ev.Value)
	assert.Equal(t, int64(900), ev.HpLessen)
	assert.True(t, ev.Crit)

	events, err = d.Decode(withPrefix(`[{"kind":"name","actor":5,"name":"Alice"},{"kind":"buff_apply","target":7,"skill":100,"slot":2,"duration_ms":5000}]`))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "Alice", events[0].Name)
	assert.Equal(t, core.EventBuffApply, events[1].Kind)
	assert.Equal(t, uint32(2), events[1].Slot)
	assert.Equal(t, int64(5000), events[1].DurationMs)
}

func TestJSONDecoder_Errors(t *testing.T) {
	d, err := NewDecoder("json", map[string]any{"strict": true})
	require.NoError(t, err)

	_, err = d.Decode(withPrefix(`{"kind":"explode"}`))
	assert.Error(t, err)

	_, err = d.Decode(withPrefix(`{"kind":"damage","bogus":1}`))
	assert.Error(t, err, "strict mode rejects unknown fields")

	_, err = d.Decode(withPrefix(`not json`))
	assert.Error(t, err)

	_, err = d.Decode([]byte{1})
	assert.ErrorIs(t, err, core.ErrPacketTooShort)
}
