package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dmgmeter/internal/buff"
	"firestige.xyz/dmgmeter/internal/capture"
	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/core/decoder"
	"firestige.xyz/dmgmeter/internal/enemy"
	"firestige.xyz/dmgmeter/internal/router"
	"firestige.xyz/dmgmeter/internal/session"
	"firestige.xyz/dmgmeter/internal/stats"
	"firestige.xyz/dmgmeter/internal/store"
)

var (
	serverIP = net.IP{203, 0, 113, 10}
	clientIP = net.IP{192, 168, 1, 20}
	hello    = []byte("HELLO")
)

const (
	serverPort = 5003
	clientPort = 51234
)

// helloMatcher locks onto server-to-client segments starting with HELLO.
type helloMatcher struct{}

func (helloMatcher) Name() string { return "hello" }

func (helloMatcher) TryMatch(seg core.Segment) (session.Match, bool) {
	if !bytes.HasPrefix(seg.Payload, hello) || seg.Tuple.Src.Port != serverPort {
		return session.Match{}, false
	}
	return session.Match{
		Tuple:     seg.Tuple,
		Seed:      seg.Seq + uint32(len(seg.Payload)),
		SeedKnown: true,
	}, true
}

type mockFrameDecoder struct {
	mock.Mock
}

func (m *mockFrameDecoder) Name() string { return "mock" }

func (m *mockFrameDecoder) Init(map[string]any) error { return nil }

func (m *mockFrameDecoder) Decode(frame []byte) ([]core.CombatEvent, error) {
	args := m.Called(frame)
	events, _ := args.Get(0).([]core.CombatEvent)
	return events, args.Error(1)
}

// replaySource emits its frames once release is closed, then returns.
type replaySource struct {
	frames  [][]byte
	release chan struct{}
}

func (s *replaySource) Name() string              { return "replay" }
func (s *replaySource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (s *replaySource) Stats() capture.Stats      { return capture.Stats{} }

func (s *replaySource) Capture(ctx context.Context, out chan<- core.RawPacket) error {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil
		}
	}
	for _, f := range s.frames {
		select {
		case out <- core.RawPacket{Data: f, CaptureLen: uint32(len(f)), OrigLen: uint32(len(f))}:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func packet(t *testing.T, down bool, seq uint32, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: serverIP, DstIP: clientIP}
	tcp := &layers.TCP{SrcPort: serverPort, DstPort: clientPort, Seq: seq, ACK: true, PSH: true, Window: 1024}
	if !down {
		ip.SrcIP, ip.DstIP = clientIP, serverIP
		tcp.SrcPort, tcp.DstPort = clientPort, serverPort
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		eth, ip, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func appFrame(body string) []byte {
	f := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(f, uint32(len(f)))
	copy(f[4:], body)
	return f
}

type fixture struct {
	engine  *Engine
	decoder *mockFrameDecoder
	history *stats.History
	source  *replaySource
}

func newFixture(t *testing.T, frames [][]byte, gated bool) *fixture {
	t.Helper()
	dir := t.TempDir()

	w := store.NewAsyncWriter()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Close(ctx)
	})

	dec, err := decoder.New(layers.LinkTypeEthernet, nil, nil)
	require.NoError(t, err)

	fd := &mockFrameDecoder{}
	enemies := enemy.New(time.Minute)
	history := stats.NewHistory(filepath.Join(dir, "logs"))
	identity := stats.NewIdentityCache(filepath.Join(dir, "users.json"), time.Second, w)
	agg := stats.New(stats.Config{Version: "test"}, identity, nil, history, nil, w, enemies)
	buffs := buff.New(buff.DefaultPaths(filepath.Join(dir, "tables"), filepath.Join(dir, "data")), w)

	src := &replaySource{frames: frames}
	if gated {
		src.release = make(chan struct{})
	}

	e := New(Config{}, Components{
		Source:   src,
		Decoder:  dec,
		Sessions: session.NewTracker(session.Config{}, session.NewLocator(helloMatcher{})),
		Router:   router.New(fd),
		Stats:    agg,
		Buffs:    buffs,
		Enemies:  enemies,
	})
	return &fixture{engine: e, decoder: fd, history: history, source: src}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.engine.Stop(ctx)
	})
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func damageStream(t *testing.T) ([][]byte, []byte) {
	hit := appFrame("hit")
	return [][]byte{
		packet(t, false, 100, []byte("noise")),
		packet(t, true, 1000, hello),
		packet(t, true, 1000+uint32(len(hello)), hit),
	}, hit
}

func TestEngine_DamageEndToEnd(t *testing.T) {
	frames, hit := damageStream(t)
	f := newFixture(t, frames, false)
	f.decoder.On("Decode", hit).Return([]core.CombatEvent{
		{Kind: core.EventDamage, ActorID: 42, TargetID: 75, SkillID: 1, Value: 500},
	}, nil).Once()

	f.start(t)
	waitClosed(t, f.engine.SourceDone(), "source")

	var sums map[string]stats.Summary
	var locked bool
	err := f.engine.Do(context.Background(), func(s *State) {
		sums = s.Stats.Summaries()
		_, locked = s.Sessions.Current()
	})
	require.NoError(t, err)

	assert.True(t, locked)
	require.Contains(t, sums, "42")
	assert.Equal(t, int64(500), sums["42"].TotalDamage.Total)

	st := f.engine.Stats()
	assert.Equal(t, uint64(3), st.Received)
	assert.Equal(t, uint64(1), st.Frames)
	assert.Equal(t, uint64(1), st.Events)
	f.decoder.AssertExpectations(t)
}

func TestEngine_ArchivesOnStop(t *testing.T) {
	frames, hit := damageStream(t)
	f := newFixture(t, frames, false)
	f.decoder.On("Decode", hit).Return([]core.CombatEvent{
		{Kind: core.EventDamage, ActorID: 42, TargetID: 75, SkillID: 1, Value: 500},
	}, nil)

	require.NoError(t, f.engine.Start(context.Background()))
	waitClosed(t, f.engine.SourceDone(), "source")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Stop(ctx))
	assert.NoError(t, f.engine.Err())

	require.Eventually(t, func() bool {
		list, err := f.history.List()
		return err == nil && len(list) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_PauseDropsCombatEvents(t *testing.T) {
	frames, hit := damageStream(t)
	f := newFixture(t, frames, true)
	f.decoder.On("Decode", hit).Return([]core.CombatEvent{
		{Kind: core.EventDamage, ActorID: 42, TargetID: 75, SkillID: 1, Value: 500},
		{Kind: core.EventName, ActorID: 42, Name: "Alice"},
	}, nil)

	f.start(t)
	require.NoError(t, f.engine.Do(context.Background(), func(s *State) { s.SetPaused(true) }))
	close(f.source.release)
	waitClosed(t, f.engine.SourceDone(), "source")

	var users int
	var paused bool
	require.NoError(t, f.engine.Do(context.Background(), func(s *State) {
		users = s.Stats.UserCount()
		paused = s.Paused()
	}))
	assert.True(t, paused)
	assert.Equal(t, 1, users, "identity events still create the user")
	assert.Equal(t, uint64(1), f.engine.Stats().Paused)
}

func TestEngine_CorruptStreamTerminates(t *testing.T) {
	bogus := make([]byte, 8)
	binary.BigEndian.PutUint32(bogus, 0xffffffff)
	f := newFixture(t, [][]byte{
		packet(t, true, 1000, hello),
		packet(t, true, 1000+uint32(len(hello)), bogus),
	}, false)

	f.start(t)
	waitClosed(t, f.engine.Done(), "engine exit")

	err := f.engine.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrStreamCorrupt))

	err = f.engine.Do(context.Background(), func(*State) {})
	assert.ErrorIs(t, err, core.ErrPipelineStopped)
}

func TestEngine_ClearCommand(t *testing.T) {
	frames, hit := damageStream(t)
	f := newFixture(t, frames, false)
	f.decoder.On("Decode", hit).Return([]core.CombatEvent{
		{Kind: core.EventDamage, ActorID: 42, TargetID: 75, SkillID: 1, Value: 500},
	}, nil)

	f.start(t)
	waitClosed(t, f.engine.SourceDone(), "source")

	var before, after int
	require.NoError(t, f.engine.Do(context.Background(), func(s *State) {
		before = s.Stats.UserCount()
		s.Clear()
		after = s.Stats.UserCount()
	}))
	assert.Equal(t, 1, before)
	assert.Equal(t, 0, after)
}
