// Package decoder turns captured link-layer frames into TCP segments:
// link header stripping, IPv4 parsing, defragmentation and TCP parsing.
package decoder

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket/layers"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/metrics"
)

// Decoder decodes frames of one link type. Like the Defragmenter it holds,
// it belongs to a single goroutine.
type Decoder struct {
	linkType layers.LinkType
	defrag   *Defragmenter
	clock    core.Clock
}

// New creates a decoder for the given link type.
func New(linkType layers.LinkType, defrag *Defragmenter, clock core.Clock) (*Decoder, error) {
	if !SupportedLinkType(linkType) {
		return nil, fmt.Errorf("link type %s: %w", linkType, core.ErrUnsupportedLinkType)
	}
	if defrag == nil {
		defrag = NewDefragmenter(DefragConfig{})
	}
	if clock == nil {
		clock = core.SystemClock
	}
	return &Decoder{linkType: linkType, defrag: defrag, clock: clock}, nil
}

// Defragmenter exposes the fragment store for housekeeping.
func (d *Decoder) Defragmenter() *Defragmenter {
	return d.defrag
}

// Decode returns the TCP segment carried by raw. ok is false while the
// datagram is still waiting for fragments. Frames that are not IPv4/TCP
// return an error wrapping ErrUnsupportedProto.
func (d *Decoder) Decode(raw core.RawPacket) (seg core.Segment, ok bool, err error) {
	defer func() {
		if err != nil {
			metrics.DecodeErrorsTotal.WithLabelValues(reason(err)).Inc()
		}
	}()

	ipData, err := stripLink(d.linkType, raw.Data)
	if err != nil {
		return core.Segment{}, false, err
	}

	ip, err := parseIPv4(ipData)
	if err != nil {
		return core.Segment{}, false, err
	}
	if ip.Protocol != protocolTCP {
		return core.Segment{}, false, fmt.Errorf("ip protocol %d: %w", ip.Protocol, core.ErrUnsupportedProto)
	}

	transport, complete, err := d.defrag.ingest(ip, ipData, d.clock.Now())
	if err != nil || !complete {
		return core.Segment{}, false, err
	}

	tcp, payload, err := parseTCP(transport)
	if err != nil {
		return core.Segment{}, false, fmt.Errorf("tcp: %w", err)
	}

	return core.Segment{
		Tuple: core.FourTuple{
			Src: core.Endpoint{Addr: netip.AddrFrom4(ip.SrcIP), Port: tcp.SrcPort},
			Dst: core.Endpoint{Addr: netip.AddrFrom4(ip.DstIP), Port: tcp.DstPort},
		},
		Seq:       tcp.Seq,
		Ack:       tcp.Ack,
		Flags:     tcp.Flags,
		Payload:   payload,
		Timestamp: raw.Timestamp,
	}, true, nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, core.ErrUnsupportedProto):
		return "unsupported_proto"
	case errors.Is(err, core.ErrUnsupportedLinkType):
		return "unsupported_link"
	case errors.Is(err, core.ErrFragmentInvalid):
		return "fragment_invalid"
	case errors.Is(err, core.ErrPacketTooShort):
		return "too_short"
	default:
		return "other"
	}
}
