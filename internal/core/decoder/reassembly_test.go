package decoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"

	"firestige.xyz/dmgmeter/internal/core"
)

// buildIPv4Fragment constructs a raw IPv4 packet with fragmentation fields set.
// fragOffset is in 8-byte units.
func buildIPv4Fragment(srcIP, dstIP [4]byte, protocol uint8, fragID uint16, fragOffset uint16, moreFragments bool, payload []byte) []byte {
	headerLen := 20
	totalLen := headerLen + len(payload)

	pkt := make([]byte, totalLen)

	// Version (4) + IHL (5 = 20 bytes)
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(pkt[4:6], fragID)
	var flagsOffset uint16
	if moreFragments {
		flagsOffset |= 0x2000 // MF bit
	}
	flagsOffset |= fragOffset & 0x1FFF
	binary.BigEndian.PutUint16(pkt[6:8], flagsOffset)
	pkt[8] = 64
	pkt[9] = protocol
	copy(pkt[12:16], srcIP[:])
	copy(pkt[16:20], dstIP[:])
	copy(pkt[headerLen:], payload)

	return pkt
}

var (
	testSrc = [4]byte{192, 168, 1, 1}
	testDst = [4]byte{192, 168, 1, 2}
)

func sequential(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

// splitDatagram cuts payload at the given byte offsets (multiples of 8).
func splitDatagram(id uint16, payload []byte, cuts []int) [][]byte {
	var frags [][]byte
	start := 0
	bounds := append(append([]int{}, cuts...), len(payload))
	for i, end := range bounds {
		more := i < len(bounds)-1
		frags = append(frags, buildIPv4Fragment(testSrc, testDst, protocolTCP, id, uint16(start/8), more, payload[start:end]))
		start = end
	}
	return frags
}

func TestDefragmenter_NonFragment(t *testing.T) {
	d := NewDefragmenter(DefragConfig{})

	payload := []byte("hello, world")
	pkt := buildIPv4Fragment(testSrc, testDst, protocolTCP, 0, 0, false, payload)

	result, complete, err := d.Ingest(pkt, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !complete {
		t.Fatal("non-fragmented packet should be complete")
	}
	if !bytes.Equal(result, payload) {
		t.Fatalf("expected payload %q, got %q", payload, result)
	}
	if d.Len() != 0 {
		t.Fatalf("non-fragmented packet must not be buffered, have %d groups", d.Len())
	}
}

func TestDefragmenter_ThreeFragmentsAnyOrder(t *testing.T) {
	// 800-byte fragments at offsets 0, 800 and 1600, the last with MF clear
	payload := sequential(2400)
	frags := splitDatagram(0x1234, payload, []int{800, 1600})

	orders := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2},
		{1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}

	for _, order := range orders {
		d := NewDefragmenter(DefragConfig{})
		now := time.Now()

		for i, idx := range order {
			result, complete, err := d.Ingest(frags[idx], now)
			if err != nil {
				t.Fatalf("order %v step %d: unexpected error: %v", order, i, err)
			}
			last := i == len(order)-1
			if complete != last {
				t.Fatalf("order %v step %d: complete=%v, want %v", order, i, complete, last)
			}
			if last && !bytes.Equal(result, payload) {
				t.Fatalf("order %v: reassembled payload mismatch (len %d)", order, len(result))
			}
		}
		if d.Len() != 0 {
			t.Fatalf("order %v: group not released", order)
		}
	}
}

func TestDefragmenter_FinalFirstWaitsForGap(t *testing.T) {
	d := NewDefragmenter(DefragConfig{})
	now := time.Now()
	payload := sequential(48)
	frags := splitDatagram(7, payload, []int{16, 32})

	// final + first leaves [16,32) missing
	for _, idx := range []int{2, 0} {
		if _, complete, err := d.Ingest(frags[idx], now); err != nil || complete {
			t.Fatalf("fragment %d: complete=%v err=%v", idx, complete, err)
		}
	}

	result, complete, err := d.Ingest(frags[1], now)
	if err != nil || !complete {
		t.Fatalf("middle fragment should complete: complete=%v err=%v", complete, err)
	}
	if !bytes.Equal(result, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestDefragmenter_OverlapKeepsEarlierBytes(t *testing.T) {
	d := NewDefragmenter(DefragConfig{})
	now := time.Now()

	first := bytes.Repeat([]byte{0xAA}, 16)
	overlap := bytes.Repeat([]byte{0xBB}, 24)

	// [0,16) then [8,32) final: bytes 8..15 keep 0xAA
	if _, complete, _ := d.Ingest(buildIPv4Fragment(testSrc, testDst, protocolTCP, 9, 0, true, first), now); complete {
		t.Fatal("first fragment should not complete")
	}
	result, complete, err := d.Ingest(buildIPv4Fragment(testSrc, testDst, protocolTCP, 9, 1, false, overlap), now)
	if err != nil || !complete {
		t.Fatalf("complete=%v err=%v", complete, err)
	}
	if len(result) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(result))
	}
	for i := 0; i < 16; i++ {
		if result[i] != 0xAA {
			t.Fatalf("byte %d overwritten: 0x%02x", i, result[i])
		}
	}
	for i := 16; i < 32; i++ {
		if result[i] != 0xBB {
			t.Fatalf("byte %d: expected 0xBB, got 0x%02x", i, result[i])
		}
	}
}

func TestDefragmenter_DistinctIDsDoNotMix(t *testing.T) {
	d := NewDefragmenter(DefragConfig{})
	now := time.Now()

	a := splitDatagram(1, sequential(16), []int{8})
	b := splitDatagram(2, sequential(16), []int{8})

	d.Ingest(a[0], now)
	if _, complete, _ := d.Ingest(b[1], now); complete {
		t.Fatal("fragments of different datagrams must not combine")
	}
	if d.Len() != 2 {
		t.Fatalf("expected 2 pending groups, got %d", d.Len())
	}
}

func TestDefragmenter_Expire(t *testing.T) {
	d := NewDefragmenter(DefragConfig{Timeout: 30 * time.Second})
	t0 := time.Unix(1700000000, 0)

	frags := splitDatagram(3, sequential(16), []int{8})
	d.Ingest(frags[0], t0)

	if n := d.Expire(t0.Add(29 * time.Second)); n != 0 {
		t.Fatalf("expired %d groups before timeout", n)
	}
	if n := d.Expire(t0.Add(31 * time.Second)); n != 1 {
		t.Fatalf("expected 1 expired group, got %d", n)
	}

	// late final fragment starts a new, incomplete group
	if _, complete, _ := d.Ingest(frags[1], t0.Add(32*time.Second)); complete {
		t.Fatal("expired datagram must not complete")
	}
}

func TestDefragmenter_FragmentBeyondFinal(t *testing.T) {
	d := NewDefragmenter(DefragConfig{})
	now := time.Now()

	// final fragment ends at 16, a later piece claims [16,24)
	d.Ingest(buildIPv4Fragment(testSrc, testDst, protocolTCP, 5, 1, false, sequential(8)), now)
	_, complete, err := d.Ingest(buildIPv4Fragment(testSrc, testDst, protocolTCP, 5, 2, true, sequential(8)), now)
	if complete || !errors.Is(err, core.ErrFragmentInvalid) {
		t.Fatalf("expected ErrFragmentInvalid, got complete=%v err=%v", complete, err)
	}
	if d.Len() != 0 {
		t.Fatal("invalid group should be dropped")
	}
}

func TestDefragmenter_ConflictingFinal(t *testing.T) {
	d := NewDefragmenter(DefragConfig{})
	now := time.Now()

	d.Ingest(buildIPv4Fragment(testSrc, testDst, protocolTCP, 6, 2, false, sequential(8)), now)
	_, _, err := d.Ingest(buildIPv4Fragment(testSrc, testDst, protocolTCP, 6, 4, false, sequential(8)), now)
	if !errors.Is(err, core.ErrFragmentInvalid) {
		t.Fatalf("expected ErrFragmentInvalid, got %v", err)
	}
	if d.Len() != 0 {
		t.Fatal("invalid group should be dropped")
	}
}

func TestDefragmenter_SecurityChecks(t *testing.T) {
	d := NewDefragmenter(DefragConfig{})
	now := time.Now()

	_, _, err := d.Ingest(buildIPv4Fragment(testSrc, testDst, protocolTCP, 8, 8190, true, sequential(8)), now)
	if !errors.Is(err, core.ErrFragmentInvalid) {
		t.Fatalf("offset too large: expected ErrFragmentInvalid, got %v", err)
	}

	_, _, err = d.Ingest([]byte{0x45, 0x00}, now)
	if !errors.Is(err, core.ErrPacketTooShort) {
		t.Fatalf("short header: expected ErrPacketTooShort, got %v", err)
	}
}

func TestDefragmenter_MaxFragments(t *testing.T) {
	d := NewDefragmenter(DefragConfig{MaxFragments: 2})
	now := time.Now()

	for i := uint16(0); i < 2; i++ {
		if _, _, err := d.Ingest(buildIPv4Fragment(testSrc, testDst, protocolTCP, 11, i*2, true, sequential(8)), now); err != nil {
			t.Fatalf("fragment %d: %v", i, err)
		}
	}
	_, _, err := d.Ingest(buildIPv4Fragment(testSrc, testDst, protocolTCP, 11, 6, true, sequential(8)), now)
	if !errors.Is(err, core.ErrFragmentInvalid) {
		t.Fatalf("expected ErrFragmentInvalid, got %v", err)
	}
}

func TestDefragmenter_OrderIndependence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		units := rapid.IntRange(2, 400).Draw(t, "units")
		tail := rapid.IntRange(0, 7).Draw(t, "tail")
		payload := sequential(units*8 + tail)

		var cuts []int
		for at := 0; ; {
			step := rapid.IntRange(1, 64).Draw(t, "step")
			at += step * 8
			if at >= units*8 {
				break
			}
			cuts = append(cuts, at)
		}
		frags := splitDatagram(0xBEEF, payload, cuts)
		if len(frags) < 2 {
			frags = splitDatagram(0xBEEF, payload, []int{8})
		}

		order := rapid.Permutation(frags).Draw(t, "order")

		d := NewDefragmenter(DefragConfig{MaxFragments: len(frags) + 1})
		now := time.Now()
		for i, frag := range order {
			result, complete, err := d.Ingest(frag, now)
			if err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
			last := i == len(order)-1
			if complete != last {
				t.Fatalf("step %d of %d: complete=%v", i, len(order), complete)
			}
			if last && !bytes.Equal(result, payload) {
				t.Fatalf("reassembled payload differs")
			}
		}
	})
}
