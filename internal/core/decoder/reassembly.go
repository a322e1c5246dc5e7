package decoder

import (
	"container/list"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/metrics"
)

// Limits from RFC 791.
const (
	ipv4MaxSize        = 65535
	ipv4MaxFragOffset  = 8183 // in 8-byte units
	ipv4MaxFragListLen = 8192
)

// DefragConfig contains configuration for IPv4 defragmentation.
type DefragConfig struct {
	Timeout      time.Duration // idle time before an incomplete datagram is dropped (default 30s)
	MaxFragments int           // per datagram (default 256)
}

type fragmentKey struct {
	srcIP    [4]byte
	dstIP    [4]byte
	protocol uint8
	id       uint16
}

type fragment struct {
	offset  int
	payload []byte
}

func (f *fragment) end() int { return f.offset + len(f.payload) }

// fragmentGroup keeps the non-overlapping pieces of one datagram sorted by
// offset. Bytes already held win over later arrivals (BSD-Right).
type fragmentGroup struct {
	list     list.List // of *fragment
	highest  int       // max end seen
	current  int       // unique bytes held
	finalEnd int       // end of the MF=0 fragment, -1 until seen
	lastSeen time.Time
}

// complete reports full coverage of [0, finalEnd). Coverage is tracked as
// unique bytes, so arrival order does not change the outcome.
func (g *fragmentGroup) complete() bool {
	return g.finalEnd >= 0 && g.highest == g.finalEnd && g.current == g.finalEnd
}

// Defragmenter reassembles fragmented IPv4 datagrams. It is owned by the
// pipeline's processing goroutine and is not safe for concurrent use.
type Defragmenter struct {
	groups map[fragmentKey]*fragmentGroup
	config DefragConfig
}

// NewDefragmenter creates an IPv4 defragmenter.
func NewDefragmenter(cfg DefragConfig) *Defragmenter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = 256
	}
	return &Defragmenter{
		groups: make(map[fragmentKey]*fragmentGroup),
		config: cfg,
	}
}

// Ingest accepts one IPv4 datagram (header included) and returns its
// transport payload:
//   - unfragmented: (payload, true, nil), no copy
//   - fragment, datagram incomplete: (nil, false, nil)
//   - final missing piece: (reassembled, true, nil)
//   - malformed: (nil, false, err)
func (d *Defragmenter) Ingest(ipData []byte, now time.Time) ([]byte, bool, error) {
	ip, err := parseIPv4(ipData)
	if err != nil {
		return nil, false, err
	}
	return d.ingest(ip, ipData, now)
}

// Len returns the number of datagrams awaiting fragments.
func (d *Defragmenter) Len() int {
	return len(d.groups)
}

func (d *Defragmenter) ingest(ip core.IPHeader, ipData []byte, now time.Time) ([]byte, bool, error) {
	payload := ipPayload(ip, ipData)
	if !ip.IsFragment() {
		return payload, true, nil
	}

	offset := int(ip.FragOff) * 8
	if err := checkFragment(len(payload), ip.FragOff); err != nil {
		return nil, false, err
	}

	key := fragmentKey{
		srcIP:    ip.SrcIP,
		dstIP:    ip.DstIP,
		protocol: ip.Protocol,
		id:       ip.ID,
	}

	g, exists := d.groups[key]
	if !exists {
		g = &fragmentGroup{finalEnd: -1}
		d.groups[key] = g
		metrics.DefragActiveGroups.Inc()
	}

	if g.list.Len() >= d.config.MaxFragments || g.list.Len() >= ipv4MaxFragListLen {
		d.evict(key)
		return nil, false, fmt.Errorf("fragment count exceeded limit %d: %w", d.config.MaxFragments, core.ErrFragmentInvalid)
	}

	g.lastSeen = now

	// The capture buffer may be reused, keep our own copy.
	data := make([]byte, len(payload))
	copy(data, payload)
	frag := &fragment{offset: offset, payload: data}

	if !ip.MoreFrags {
		if g.finalEnd >= 0 && g.finalEnd != frag.end() {
			d.evict(key)
			return nil, false, fmt.Errorf("conflicting final fragments: %w", core.ErrFragmentInvalid)
		}
		g.finalEnd = frag.end()
	}

	insertBSDRight(g, frag)

	if g.finalEnd >= 0 && g.highest > g.finalEnd {
		d.evict(key)
		return nil, false, fmt.Errorf("fragment beyond final end %d: %w", g.finalEnd, core.ErrFragmentInvalid)
	}

	if !g.complete() {
		return nil, false, nil
	}

	result := make([]byte, g.finalEnd)
	for e := g.list.Front(); e != nil; e = e.Next() {
		f := e.Value.(*fragment)
		copy(result[f.offset:], f.payload)
	}
	d.evict(key)
	return result, true, nil
}

func checkFragment(size int, fragOffset uint16) error {
	if size < 1 {
		return fmt.Errorf("empty fragment: %w", core.ErrFragmentInvalid)
	}
	if fragOffset > ipv4MaxFragOffset {
		return fmt.Errorf("fragment offset too large: %d: %w", fragOffset, core.ErrFragmentInvalid)
	}
	if end := int(fragOffset)*8 + size; end > ipv4MaxSize {
		return fmt.Errorf("fragment would exceed max IP size: end=%d: %w", end, core.ErrFragmentInvalid)
	}
	return nil
}

// insertBSDRight stores the parts of frag that fill gaps between the pieces
// already held. Overlapping bytes keep their earlier value.
func insertBSDRight(g *fragmentGroup, frag *fragment) {
	if frag.end() > g.highest {
		g.highest = frag.end()
	}

	start, end := frag.offset, frag.end()
	cursor := start

	for e := g.list.Front(); e != nil && cursor < end; e = e.Next() {
		held := e.Value.(*fragment)
		if held.end() <= cursor {
			continue
		}
		if held.offset > cursor {
			gapEnd := min(held.offset, end)
			g.list.InsertBefore(subFragment(frag, cursor, gapEnd), e)
			g.current += gapEnd - cursor
		}
		cursor = max(cursor, held.end())
	}

	if cursor < end {
		g.list.PushBack(subFragment(frag, cursor, end))
		g.current += end - cursor
	}
}

func subFragment(frag *fragment, from, to int) *fragment {
	return &fragment{
		offset:  from,
		payload: frag.payload[from-frag.offset : to-frag.offset],
	}
}

// Expire drops datagrams with no fragment seen for longer than the timeout.
// The pipeline calls it from its housekeeping tick.
func (d *Defragmenter) Expire(now time.Time) int {
	expired := 0
	for key, g := range d.groups {
		if now.Sub(g.lastSeen) > d.config.Timeout {
			d.evict(key)
			expired++
		}
	}
	if expired > 0 {
		metrics.DefragExpiredTotal.Add(float64(expired))
		slog.Debug("expired incomplete datagrams", "count", expired, "remaining", len(d.groups))
	}
	return expired
}

// Reset drops every pending datagram.
func (d *Defragmenter) Reset() {
	for key := range d.groups {
		d.evict(key)
	}
}

func (d *Defragmenter) evict(key fragmentKey) {
	if _, exists := d.groups[key]; exists {
		delete(d.groups, key)
		metrics.DefragActiveGroups.Dec()
	}
}
